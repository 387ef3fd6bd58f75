// Package btree implements the ordered key/value index: fixed 64-byte
// memcmp-ordered keys over buffer-pool pages, with inline, slotted and
// chained value storage behind the data block service.
package btree

import (
	"github.com/pkg/errors"

	"github.com/smb374/simple-db-go/interfaces"
	"github.com/smb374/simple-db-go/storage/alloc"
	"github.com/smb374/simple-db-go/storage/buffer"
	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

var (
	ErrNoSpace = errors.New("btree: page allocation failed")
	ErrTooDeep = errors.New("btree: descent exceeded depth bound")
)

// BTree is an ordered map rooted at a stable page number. Mutations are
// single-writer; readers on disjoint subtrees coexist through the buffer
// pool underneath.
type BTree struct {
	pool   *buffer.Pool
	alloc  *alloc.Allocator
	blocks interfaces.DataBlockService
	root   uint32
}

// nodeRef couples a pinned buffer reference with its node view.
type nodeRef struct {
	ref  *buffer.PageRef
	page uint32
	node
}

func (t *BTree) fetch(page uint32, mode latch.Mode) (*nodeRef, error) {
	ref, err := t.pool.Fetch(page, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "btree: fetch page %d", page)
	}
	return &nodeRef{ref: ref, page: page, node: node{ref.Data()}}, nil
}

func (t *BTree) release(nr *nodeRef, dirty bool) {
	t.pool.Release(nr.ref, dirty)
}

// CreateRoot allocates a fresh empty leaf to serve as the tree's root.
func CreateRoot(pool *buffer.Pool, alc *alloc.Allocator, blocks interfaces.DataBlockService) (*BTree, error) {
	page := alc.Alloc(0)
	if page == alloc.InvalidPage {
		return nil, ErrNoSpace
	}
	t := &BTree{pool: pool, alloc: alc, blocks: blocks, root: page}
	if err := t.initRoot(); err != nil {
		alc.Free(page)
		return nil, err
	}
	return t, nil
}

// CreateKnownRoot builds a tree on a caller-specified page, used for
// well-known roots whose page number must be recorded elsewhere.
func CreateKnownRoot(pool *buffer.Pool, alc *alloc.Allocator, blocks interfaces.DataBlockService, page uint32) (*BTree, error) {
	t := &BTree{pool: pool, alloc: alc, blocks: blocks, root: page}
	if err := t.initRoot(); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenRoot attaches to an existing tree by its root page.
func OpenRoot(pool *buffer.Pool, alc *alloc.Allocator, blocks interfaces.DataBlockService, page uint32) *BTree {
	return &BTree{pool: pool, alloc: alc, blocks: blocks, root: page}
}

// RootPage returns the tree's externally advertised identity.
func (t *BTree) RootPage() uint32 { return t.root }

func (t *BTree) initRoot() error {
	nr, err := t.fetch(t.root, latch.ModeX)
	if err != nil {
		return err
	}
	initNode(nr.data, nodeLeaf, pagestore.InvalidPage)
	t.release(nr, true)
	return nil
}

// descend walks from the root to the leaf covering key, recording the
// internal pages passed through. The leaf is returned latched in mode.
func (t *BTree) descend(key []byte, mode latch.Mode, stack []uint32) (*nodeRef, []uint32, error) {
	page := t.root
	for d := 0; d < maxDepth; d++ {
		nr, err := t.fetch(page, mode)
		if err != nil {
			return nil, stack, err
		}
		if nr.isLeaf() {
			return nr, stack, nil
		}
		stack = append(stack, page)
		child, _ := nr.childFor(key)
		t.release(nr, false)
		page = child
	}
	return nil, stack, ErrTooDeep
}

// Search looks key up and materializes its value. The returned length is
// -1 when the key is absent or an overflow read fails.
func (t *BTree) Search(key []byte) ([]byte, int) {
	k := PadKey(key)
	nr, _, err := t.descend(k, latch.ModeS, make([]uint32, 0, maxDepth))
	if err != nil {
		return nil, -1
	}
	idx, exact := nr.search(k)
	if !exact {
		t.release(nr, false)
		return nil, -1
	}
	desc := decodeValue(nr.val(idx))
	t.release(nr, false)

	val := make([]byte, desc.length)
	switch desc.tag {
	case valInline:
		copy(val, desc.inline[:desc.length])
	case valNormal:
		if err := t.blocks.ReadNormal(desc.page, desc.slot, uint16(desc.length), val); err != nil {
			return nil, -1
		}
	case valHuge:
		if err := t.blocks.ReadHuge(desc.first, desc.length, val); err != nil {
			return nil, -1
		}
	default:
		return nil, -1
	}
	return val, int(desc.length)
}

// writeValue places val into its storage class and returns the
// descriptor. External storage is written before any node is latched.
func (t *BTree) writeValue(val []byte) (valueDesc, error) {
	switch {
	case len(val) <= InlineMax:
		d := valueDesc{tag: valInline, length: uint32(len(val))}
		copy(d.inline[:], val)
		return d, nil
	case len(val) <= NormalMax:
		page, slot, err := t.blocks.WriteNormal(val)
		if err != nil {
			return valueDesc{}, err
		}
		return valueDesc{tag: valNormal, length: uint32(len(val)), page: page, slot: slot}, nil
	default:
		first, err := t.blocks.WriteHuge(val)
		if err != nil {
			return valueDesc{}, err
		}
		return valueDesc{tag: valHuge, length: uint32(len(val)), first: first}, nil
	}
}

// freeValue releases a descriptor's external storage; inline values have
// none.
func (t *BTree) freeValue(d valueDesc) {
	switch d.tag {
	case valNormal:
		_ = t.blocks.FreeNormal(d.page, d.slot, uint16(d.length))
	case valHuge:
		_ = t.blocks.FreeHuge(d.first)
	}
}

// Insert stores or replaces key's value. On replace the old value's
// external storage is freed.
func (t *BTree) Insert(key, val []byte) error {
	k := PadKey(key)
	desc, err := t.writeValue(val)
	if err != nil {
		return err
	}

	nr, stack, err := t.descend(k, latch.ModeX, make([]uint32, 0, maxDepth))
	if err != nil {
		t.freeValue(desc)
		return err
	}

	idx, exact := nr.search(k)
	if exact {
		old := decodeValue(nr.val(idx))
		desc.encode(nr.val(idx))
		t.release(nr, true)
		t.freeValue(old)
		return nil
	}

	if nr.nkeys() < MaxEnt {
		ent := nr.insertAt(idx)
		copy(ent[:KeySize], k)
		desc.encode(ent[KeySize:])
		t.release(nr, true)
		return nil
	}

	// past this point splitLeaf owns desc: it frees the external value
	// itself if it fails before installing the entry
	return t.splitLeaf(nr, idx, k, desc, stack)
}

// splitLeaf splits a full leaf around the incoming entry. The temporary
// buffer holds exactly MaxEnt+1 entries in key order; the copy sizes
// below derive from that invariant.
func (t *BTree) splitLeaf(left *nodeRef, slot int, key []byte, desc valueDesc, stack []uint32) error {
	tmp := make([]byte, (MaxEnt+1)*leafEntSize)
	copy(tmp, left.data[hdrSize:hdrSize+slot*leafEntSize])
	ent := tmp[slot*leafEntSize:]
	copy(ent[:KeySize], key)
	desc.encode(ent[KeySize : KeySize+4+valPayloadSize])
	copy(tmp[(slot+1)*leafEntSize:], left.data[hdrSize+slot*leafEntSize:hdrSize+MaxEnt*leafEntSize])

	rightPage := t.alloc.Alloc(left.page)
	if rightPage == alloc.InvalidPage {
		t.release(left, false)
		t.freeValue(desc)
		return ErrNoSpace
	}
	right, err := t.fetch(rightPage, latch.ModeX)
	if err != nil {
		t.release(left, false)
		t.alloc.Free(rightPage)
		t.freeValue(desc)
		return err
	}

	const mid = (MaxEnt + 1) / 2 // left keeps the smaller half
	initNode(right.data, nodeLeaf, left.parent())
	copy(right.data[hdrSize:], tmp[mid*leafEntSize:(MaxEnt+1)*leafEntSize])
	right.setNKeys(MaxEnt + 1 - mid)

	oldNext := left.next()
	copy(left.data[hdrSize:], tmp[:mid*leafEntSize])
	left.setNKeys(mid)
	left.setNext(rightPage)
	right.setPrev(left.page)
	right.setNext(oldNext)

	var promoted [KeySize]byte
	copy(promoted[:], right.key(0))

	t.release(right, true)
	if oldNext != pagestore.InvalidPage {
		nn, err := t.fetch(oldNext, latch.ModeX)
		if err != nil {
			t.release(left, true)
			return err
		}
		nn.setPrev(rightPage)
		t.release(nn, true)
	}

	if left.page == t.root {
		return t.growRoot(left, promoted[:], rightPage)
	}
	t.release(left, true)
	return t.insertIntoParent(stack, promoted[:], rightPage)
}

// insertIntoParent posts (key, child) into the lowest pending ancestor,
// splitting internals on the way up as needed.
func (t *BTree) insertIntoParent(stack []uint32, key []byte, childPage uint32) error {
	for level := len(stack) - 1; level >= 0; level-- {
		nr, err := t.fetch(stack[level], latch.ModeX)
		if err != nil {
			return err
		}
		idx, _ := nr.search(key)
		if nr.nkeys() < MaxEnt {
			ent := nr.insertAt(idx)
			copy(ent[:KeySize], key)
			nr.setChild(idx, childPage)
			t.release(nr, true)
			return nil
		}
		promoted, rightPage, err := t.splitInternal(nr, idx, key, childPage)
		if err != nil {
			return err
		}
		if nr.page == t.root {
			return t.growRoot(nr, promoted, rightPage)
		}
		t.release(nr, true)
		key = promoted
		childPage = rightPage
	}
	return errors.New("btree: split escaped the recorded path")
}

// splitInternal splits a full internal node around the incoming entry.
// The middle entry is promoted: its key becomes the separator, its child
// the new right node's head. Left and right both keep MinEnt entries. The
// caller still holds nr.
func (t *BTree) splitInternal(left *nodeRef, slot int, key []byte, childPage uint32) ([]byte, uint32, error) {
	tmp := make([]byte, (MaxEnt+1)*intEntSize)
	copy(tmp, left.data[hdrSize:hdrSize+slot*intEntSize])
	ent := tmp[slot*intEntSize:]
	copy(ent[:KeySize], key)
	putU32(ent[KeySize:], childPage)
	copy(tmp[(slot+1)*intEntSize:], left.data[hdrSize+slot*intEntSize:hdrSize+MaxEnt*intEntSize])

	rightPage := t.alloc.Alloc(left.page)
	if rightPage == alloc.InvalidPage {
		t.release(left, false)
		return nil, 0, ErrNoSpace
	}
	right, err := t.fetch(rightPage, latch.ModeX)
	if err != nil {
		t.release(left, false)
		t.alloc.Free(rightPage)
		return nil, 0, err
	}

	// promote index MinEnt so both halves keep MinEnt entries
	const mid = MinEnt
	midEnt := tmp[mid*intEntSize:]
	promoted := make([]byte, KeySize)
	copy(promoted, midEnt[:KeySize])

	initNode(right.data, nodeInternal, left.parent())
	right.setHead(getU32(midEnt[KeySize:]))
	copy(right.data[hdrSize:], tmp[(mid+1)*intEntSize:(MaxEnt+1)*intEntSize])
	right.setNKeys(MaxEnt - mid)

	oldNext := left.next()
	copy(left.data[hdrSize:], tmp[:mid*intEntSize])
	left.setNKeys(mid)
	left.setNext(rightPage)
	right.setPrev(left.page)
	right.setNext(oldNext)

	// children that moved right need their parent pointer rewritten
	if err := t.reparentChildren(right, rightPage); err != nil {
		t.release(right, true)
		t.release(left, true)
		return nil, 0, err
	}
	t.release(right, true)

	if oldNext != pagestore.InvalidPage {
		nn, err := t.fetch(oldNext, latch.ModeX)
		if err != nil {
			t.release(left, true)
			return nil, 0, err
		}
		nn.setPrev(rightPage)
		t.release(nn, true)
	}
	return promoted, rightPage, nil
}

// reparentChildren points every child of an internal node (head included)
// at newParent.
func (t *BTree) reparentChildren(n *nodeRef, newParent uint32) error {
	pages := make([]uint32, 0, MaxEnt+1)
	if n.head() != pagestore.InvalidPage {
		pages = append(pages, n.head())
	}
	for i := 0; i < n.nkeys(); i++ {
		pages = append(pages, n.child(i))
	}
	for _, p := range pages {
		c, err := t.fetch(p, latch.ModeX)
		if err != nil {
			return err
		}
		c.setParent(newParent)
		t.release(c, true)
	}
	return nil
}

// growRoot raises the tree height while keeping the root page number
// stable: the root's current contents move to a fresh page, and the root
// page itself becomes an internal node with two children. The caller
// holds the root latched; the right sibling of the just-split root is
// rightPage.
func (t *BTree) growRoot(root *nodeRef, promoted []byte, rightPage uint32) error {
	copyPage := t.alloc.Alloc(t.root)
	if copyPage == alloc.InvalidPage {
		t.release(root, true)
		return ErrNoSpace
	}
	cp, err := t.fetch(copyPage, latch.ModeX)
	if err != nil {
		t.release(root, true)
		t.alloc.Free(copyPage)
		return err
	}
	copy(cp.data, root.data)
	cp.setParent(t.root)
	cp.setPrev(pagestore.InvalidPage)
	cp.setNext(rightPage)
	if !cp.isLeaf() {
		if err := t.reparentChildren(cp, copyPage); err != nil {
			t.release(cp, true)
			t.release(root, true)
			return err
		}
	}
	t.release(cp, true)

	rt, err := t.fetch(rightPage, latch.ModeX)
	if err != nil {
		t.release(root, true)
		return err
	}
	rt.setPrev(copyPage)
	rt.setParent(t.root)
	t.release(rt, true)

	initNode(root.data, nodeInternal, pagestore.InvalidPage)
	root.setHead(copyPage)
	ent := root.insertAt(0)
	copy(ent[:KeySize], promoted)
	putU32(ent[KeySize:], rightPage)
	t.release(root, true)
	return nil
}

// Ascend walks the leaves in key order, materializing each value and
// calling fn until it returns false.
func (t *BTree) Ascend(fn func(key, val []byte) bool) error {
	// leftmost leaf: descend following head pages
	page := t.root
	for d := 0; d < maxDepth; d++ {
		nr, err := t.fetch(page, latch.ModeS)
		if err != nil {
			return err
		}
		if nr.isLeaf() {
			t.release(nr, false)
			break
		}
		next := nr.head()
		t.release(nr, false)
		page = next
	}

	type entry struct {
		key  [KeySize]byte
		desc valueDesc
	}
	for page != pagestore.InvalidPage {
		nr, err := t.fetch(page, latch.ModeS)
		if err != nil {
			return err
		}
		ents := make([]entry, nr.nkeys())
		for i := range ents {
			copy(ents[i].key[:], nr.key(i))
			ents[i].desc = decodeValue(nr.val(i))
		}
		next := nr.next()
		t.release(nr, false)

		for i := range ents {
			d := ents[i].desc
			val := make([]byte, d.length)
			switch d.tag {
			case valInline:
				copy(val, d.inline[:d.length])
			case valNormal:
				if err := t.blocks.ReadNormal(d.page, d.slot, uint16(d.length), val); err != nil {
					return err
				}
			case valHuge:
				if err := t.blocks.ReadHuge(d.first, d.length, val); err != nil {
					return err
				}
			}
			if !fn(ents[i].key[:], val) {
				return nil
			}
		}
		page = next
	}
	return nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
