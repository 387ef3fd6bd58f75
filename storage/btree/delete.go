package btree

import (
	"github.com/pkg/errors"

	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

// Delete removes key. It returns -1 when the key is absent or the
// restructure could not complete, 0 otherwise. The removed value's
// external storage is freed.
func (t *BTree) Delete(key []byte) int {
	k := PadKey(key)
	nr, stack, err := t.descend(k, latch.ModeX, make([]uint32, 0, maxDepth))
	if err != nil {
		return -1
	}
	idx, exact := nr.search(k)
	if !exact {
		t.release(nr, false)
		return -1
	}
	old := decodeValue(nr.val(idx))
	nr.removeAt(idx)

	if nr.page == t.root || nr.nkeys() >= MinEnt {
		t.release(nr, true)
		t.freeValue(old)
		return 0
	}

	if err := t.rebalance(nr, stack); err != nil {
		t.freeValue(old)
		return -1
	}
	t.freeValue(old)
	return 0
}

// rebalance restores the occupancy invariant for an underfull node:
// redistribute from the right sibling, then the left, then merge
// (preferring the left) and walk the deficit up the recorded path.
// n is held in X and consumed.
func (t *BTree) rebalance(n *nodeRef, stack []uint32) error {
	if len(stack) == 0 {
		t.release(n, true)
		return errors.New("btree: underfull node with no recorded parent")
	}
	parent, err := t.fetch(stack[len(stack)-1], latch.ModeX)
	if err != nil {
		t.release(n, true)
		return err
	}
	cidx, ok := parent.findChildSlot(n.page)
	if !ok {
		t.release(n, true)
		t.release(parent, false)
		return errors.Errorf("btree: page %d not found in parent %d", n.page, parent.page)
	}

	var left, right *nodeRef
	releaseAll := func(dirty bool) {
		if left != nil {
			t.release(left, dirty)
		}
		if right != nil {
			t.release(right, dirty)
		}
		t.release(n, dirty)
		t.release(parent, dirty)
	}

	if cidx+1 < parent.nkeys() {
		rightPage := parent.child(cidx + 1)
		if right, err = t.fetch(rightPage, latch.ModeX); err != nil {
			t.release(n, true)
			t.release(parent, false)
			return err
		}
		if right.nkeys() > MinEnt {
			if n.isLeaf() {
				t.leafBorrowRight(n, right, parent, cidx)
			} else {
				if err := t.internalBorrowRight(n, right, parent, cidx); err != nil {
					releaseAll(true)
					return err
				}
			}
			releaseAll(true)
			return nil
		}
	}

	if cidx >= 0 {
		leftPage := parent.head()
		if cidx > 0 {
			leftPage = parent.child(cidx - 1)
		}
		if left, err = t.fetch(leftPage, latch.ModeX); err != nil {
			releaseAll(true)
			return err
		}
		if left.nkeys() > MinEnt {
			if n.isLeaf() {
				t.leafBorrowLeft(n, left, parent, cidx)
			} else {
				if err := t.internalBorrowLeft(n, left, parent, cidx); err != nil {
					releaseAll(true)
					return err
				}
			}
			releaseAll(true)
			return nil
		}
	}

	// merge, preferring the left sibling
	var absorber, victim *nodeRef
	var victimSlot int
	if left != nil {
		absorber, victim, victimSlot = left, n, cidx
		if right != nil {
			t.release(right, false)
			right = nil
		}
	} else if right != nil {
		absorber, victim, victimSlot = n, right, cidx+1
	} else {
		releaseAll(true)
		return errors.Errorf("btree: page %d has no sibling to merge with", n.page)
	}

	if err := t.merge(absorber, victim, parent, victimSlot); err != nil {
		// merge released what it touched
		return err
	}
	// absorber and victim are released inside merge; only parent remains
	left, right, n = nil, nil, nil

	if parent.page == t.root {
		if parent.nkeys() == 0 {
			return t.collapseRoot(parent)
		}
		t.release(parent, true)
		return nil
	}
	if parent.nkeys() >= MinEnt {
		t.release(parent, true)
		return nil
	}
	return t.rebalance(parent, stack[:len(stack)-1])
}

// leafBorrowRight moves the right sibling's first entry onto the end of n
// and rewrites the parent separator, located by the sibling's pre-borrow
// first key.
func (t *BTree) leafBorrowRight(n, right, parent *nodeRef, cidx int) {
	var oldSep [KeySize]byte
	copy(oldSep[:], right.key(0))

	ent := n.insertAt(n.nkeys())
	copy(ent, right.ent(0))
	right.removeAt(0)

	slot := parent.sepSlotFor(oldSep[:], cidx+1)
	copy(parent.key(slot), right.key(0))
}

// leafBorrowLeft moves the left sibling's last entry onto the front of n;
// the parent entry covering n takes the moved key.
func (t *BTree) leafBorrowLeft(n, left, parent *nodeRef, cidx int) {
	last := left.nkeys() - 1
	ent := n.insertAt(0)
	copy(ent, left.ent(last))
	left.removeAt(last)

	copy(parent.key(cidx), n.key(0))
}

// internalBorrowRight rotates through the parent separator: the separator
// descends into n over the right sibling's head, and the sibling's first
// key ascends to the parent.
func (t *BTree) internalBorrowRight(n, right, parent *nodeRef, cidx int) error {
	slot := cidx + 1
	moved := right.head()

	ent := n.insertAt(n.nkeys())
	copy(ent[:KeySize], parent.key(slot))
	putU32(ent[KeySize:], moved)

	copy(parent.key(slot), right.key(0))
	right.setHead(right.child(0))
	right.removeAt(0)

	return t.reparentOne(moved, n.page)
}

// internalBorrowLeft mirrors internalBorrowRight for the left sibling.
func (t *BTree) internalBorrowLeft(n, left, parent *nodeRef, cidx int) error {
	last := left.nkeys() - 1
	moved := left.child(last)

	ent := n.insertAt(0)
	copy(ent[:KeySize], parent.key(cidx))
	putU32(ent[KeySize:], n.head())
	n.setHead(moved)

	copy(parent.key(cidx), left.key(last))
	left.removeAt(last)

	return t.reparentOne(moved, n.page)
}

func (t *BTree) reparentOne(page, newParent uint32) error {
	c, err := t.fetch(page, latch.ModeX)
	if err != nil {
		return err
	}
	c.setParent(newParent)
	t.release(c, true)
	return nil
}

// merge absorbs victim (the right node of the pair) into absorber,
// unlinks it from the sibling list, removes its separator from the parent
// and frees its page. absorber and victim are released; parent stays
// held.
func (t *BTree) merge(absorber, victim *nodeRef, parent *nodeRef, victimSlot int) error {
	sz := absorber.entSize()
	if absorber.isLeaf() {
		copy(absorber.data[hdrSize+absorber.nkeys()*sz:],
			victim.data[hdrSize:hdrSize+victim.nkeys()*sz])
		absorber.setNKeys(absorber.nkeys() + victim.nkeys())
	} else {
		// the separator descends between the two halves, covering the
		// victim's head child
		ent := absorber.insertAt(absorber.nkeys())
		copy(ent[:KeySize], parent.key(victimSlot))
		putU32(ent[KeySize:], victim.head())
		copy(absorber.data[hdrSize+absorber.nkeys()*sz:],
			victim.data[hdrSize:hdrSize+victim.nkeys()*sz])
		absorber.setNKeys(absorber.nkeys() + victim.nkeys())
	}

	next := victim.next()
	absorber.setNext(next)

	victimPage := victim.page
	needReparent := !victim.isLeaf()
	t.release(victim, true)

	// children absorbed from the victim still point at the freed page
	if needReparent {
		if err := t.reparentChildren(absorber, absorber.page); err != nil {
			t.release(absorber, true)
			t.release(parent, true)
			return err
		}
	}
	t.release(absorber, true)

	if next != pagestore.InvalidPage {
		nn, err := t.fetch(next, latch.ModeX)
		if err != nil {
			t.release(parent, true)
			return err
		}
		nn.setPrev(absorber.page)
		t.release(nn, true)
	}

	parent.removeAt(victimSlot)
	t.alloc.Free(victimPage)
	return nil
}

// collapseRoot pulls the sole surviving child's contents into the root
// page so the tree's advertised root page number never changes. The
// caller holds the root in X; it is released here.
func (t *BTree) collapseRoot(root *nodeRef) error {
	childPage := root.head()
	ch, err := t.fetch(childPage, latch.ModeX)
	if err != nil {
		t.release(root, true)
		return err
	}
	copy(root.data, ch.data)
	t.release(ch, true)

	root.setParent(pagestore.InvalidPage)
	root.setPrev(pagestore.InvalidPage)
	root.setNext(pagestore.InvalidPage)
	if !root.isLeaf() {
		if err := t.reparentChildren(root, t.root); err != nil {
			t.release(root, true)
			return err
		}
	}
	t.release(root, true)
	t.alloc.Free(childPage)
	return nil
}
