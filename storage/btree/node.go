package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/smb374/simple-db-go/storage/pagestore"
)

// Tree geometry. Keys are fixed 64-byte strings ordered by memcmp; every
// node is one page.
const (
	KeySize = 64
	MaxEnt  = 30 // entries per node
	MinEnt  = 15 // underfull threshold for non-root nodes

	maxDepth = 32 // descent path bound

	nodeLeaf     = uint16(1)
	nodeInternal = uint16(2)

	// node header: kind(u16) | nkeys(u16) | frag(u16) | entryTop(u16) |
	// parent(u32) | prev(u32) | next(u32) | head(u32) | reserved(8)
	hdrKindOff   = 0
	hdrNKeysOff  = 2
	hdrFragOff   = 4
	hdrTopOff    = 6
	hdrParentOff = 8
	hdrPrevOff   = 12
	hdrNextOff   = 16
	hdrHeadOff   = 20
	hdrSize      = 32

	// leaf entry: key[64] | vtag(u8) | pad | vlen(u16) | payload[64]
	leafEntSize = KeySize + 4 + valPayloadSize
	// internal entry: key[64] | child(u32)
	intEntSize = KeySize + 4
)

// node is a typed view over a page image held in a buffer frame.
type node struct {
	data []byte
}

func (n node) kind() uint16    { return binary.LittleEndian.Uint16(n.data[hdrKindOff:]) }
func (n node) isLeaf() bool    { return n.kind() == nodeLeaf }
func (n node) nkeys() int      { return int(binary.LittleEndian.Uint16(n.data[hdrNKeysOff:])) }
func (n node) parent() uint32  { return binary.LittleEndian.Uint32(n.data[hdrParentOff:]) }
func (n node) prev() uint32    { return binary.LittleEndian.Uint32(n.data[hdrPrevOff:]) }
func (n node) next() uint32    { return binary.LittleEndian.Uint32(n.data[hdrNextOff:]) }
func (n node) head() uint32    { return binary.LittleEndian.Uint32(n.data[hdrHeadOff:]) }

func (n node) setKind(k uint16)   { binary.LittleEndian.PutUint16(n.data[hdrKindOff:], k) }
func (n node) setNKeys(c int)     { binary.LittleEndian.PutUint16(n.data[hdrNKeysOff:], uint16(c)) }
func (n node) setParent(p uint32) { binary.LittleEndian.PutUint32(n.data[hdrParentOff:], p) }
func (n node) setPrev(p uint32)   { binary.LittleEndian.PutUint32(n.data[hdrPrevOff:], p) }
func (n node) setNext(p uint32)   { binary.LittleEndian.PutUint32(n.data[hdrNextOff:], p) }
func (n node) setHead(p uint32)   { binary.LittleEndian.PutUint32(n.data[hdrHeadOff:], p) }

// initNode resets a page image to an empty node of the given kind.
func initNode(data []byte, kind uint16, parent uint32) {
	for i := 0; i < hdrSize; i++ {
		data[i] = 0
	}
	n := node{data}
	n.setKind(kind)
	n.setNKeys(0)
	n.setParent(parent)
	n.setPrev(pagestore.InvalidPage)
	n.setNext(pagestore.InvalidPage)
	n.setHead(pagestore.InvalidPage)
}

func (n node) entSize() int {
	if n.isLeaf() {
		return leafEntSize
	}
	return intEntSize
}

func (n node) ent(i int) []byte {
	sz := n.entSize()
	off := hdrSize + i*sz
	return n.data[off : off+sz]
}

func (n node) key(i int) []byte { return n.ent(i)[:KeySize] }

// child returns entry i's child page (internal nodes).
func (n node) child(i int) uint32 {
	return binary.LittleEndian.Uint32(n.ent(i)[KeySize:])
}

func (n node) setChild(i int, page uint32) {
	binary.LittleEndian.PutUint32(n.ent(i)[KeySize:], page)
}

// val returns entry i's value descriptor image (leaf nodes).
func (n node) val(i int) []byte { return n.ent(i)[KeySize:] }

// search finds the first slot whose key is >= target.
func (n node) search(key []byte) (idx int, exact bool) {
	lo, hi := 0, n.nkeys()
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(n.key(mid), key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childFor resolves the descent target for key: idx 0 with no exact match
// descends into the head page, everything else into the covering entry.
func (n node) childFor(key []byte) (page uint32, cidx int) {
	idx, exact := n.search(key)
	if idx == 0 && !exact {
		return n.head(), -1
	}
	if !exact {
		idx--
	}
	return n.child(idx), idx
}

// insertAt opens a slot at i by shifting the tail up. The caller fills the
// returned entry and must have checked capacity.
func (n node) insertAt(i int) []byte {
	sz := n.entSize()
	cnt := n.nkeys()
	off := hdrSize + i*sz
	copy(n.data[off+sz:hdrSize+(cnt+1)*sz], n.data[off:hdrSize+cnt*sz])
	n.setNKeys(cnt + 1)
	return n.data[off : off+sz]
}

// removeAt closes the slot at i by shifting the tail down.
func (n node) removeAt(i int) {
	sz := n.entSize()
	cnt := n.nkeys()
	off := hdrSize + i*sz
	copy(n.data[off:], n.data[off+sz:hdrSize+cnt*sz])
	n.setNKeys(cnt - 1)
}

// findChildSlot locates the entry pointing at page; -1 means the head.
func (n node) findChildSlot(page uint32) (int, bool) {
	if n.head() == page {
		return -1, true
	}
	for i := 0; i < n.nkeys(); i++ {
		if n.child(i) == page {
			return i, true
		}
	}
	return 0, false
}

// sepSlotFor finds the parent entry holding separator sep for child cidx:
// the usual key search, falling back to the child slot when the key
// drifted.
func (n node) sepSlotFor(sep []byte, cidx int) int {
	idx, exact := n.search(sep)
	if exact {
		return idx
	}
	if cidx >= 0 {
		return cidx
	}
	if idx > 0 {
		return idx - 1
	}
	return 0
}
