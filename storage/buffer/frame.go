package buffer

import (
	"sync/atomic"
	"unsafe"

	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

// Queue membership of a frame.
const (
	qNone uint32 = iota
	qQD          // probation queue, where cold loads land
	qMain        // promoted queue
)

// Frame holds one cached page. The buffer is allocated page-aligned
// (directio.AlignedBlock) so write-back can go straight to an O_DIRECT
// store and callers may treat it as 8-byte-aligned words.
type Frame struct {
	latch   latch.RWSX   // guards page content
	pin     atomic.Int32 // non-zero protects the frame from eviction
	dirty   atomic.Bool
	visited atomic.Bool // second-chance bit
	qtype   atomic.Uint32
	data    []byte // pagestore.PageSize bytes
}

// PageRef is a pinned, latched reference to a cached page. Every PageRef
// returned by Fetch must be handed back through Release on all paths.
type PageRef struct {
	pool   *Pool
	frame  *Frame
	idx    uint32
	pageNo uint32
	mode   latch.Mode
}

// PageNo returns the page number this reference is pinned to.
func (r *PageRef) PageNo() uint32 { return r.pageNo }

// Data returns the cached page bytes. Valid until Release.
func (r *PageRef) Data() []byte { return r.frame.data }

// Words returns the page as 512 host-endian 64-bit words. The frame buffer
// is page-aligned, so the words are safe targets for atomic operations;
// the allocator's bitmap claim depends on this.
func (r *PageRef) Words() []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&r.frame.data[0])), pagestore.PageSize/8)
}
