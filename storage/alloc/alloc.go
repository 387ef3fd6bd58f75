// Package alloc manages page ownership: the superblock, the group
// descriptor table, and one allocation bitmap per 65,536-page group. The
// superblock and GDT are cached in memory and written directly through the
// page store so metadata is never double-cached; the bitmap pages
// themselves go through the buffer pool, and the bit claim is a lock-free
// fetch-OR under a shared frame latch.
package alloc

import (
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smb374/simple-db-go/storage/buffer"
	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

// InvalidPage aliases the store's reserved page number.
const InvalidPage = pagestore.InvalidPage

// ErrCorrupted reports a bad magic, version, size or checksum on open.
var ErrCorrupted = errors.New("alloc: corrupted metadata")

const wordsPerGroup = GroupPages / 64 // 1024, split over two bitmap pages

// groupDesc is the in-memory image of one GDT entry.
type groupDesc struct {
	start   uint32       // first page of the group, InvalidPage until initialized
	free    atomic.Int32 // free data pages remaining
	lastSet atomic.Uint32 // hint: last bitmap word index touched
}

// Allocator hands out and reclaims single pages.
type Allocator struct {
	store *pagestore.PageStore
	pool  *buffer.Pool

	latch       latch.RWSX // serializes growth (DCLI) and metadata writes
	totalPages  atomic.Uint32
	totalGroups atomic.Uint32
	lastGroup   atomic.Uint32
	catalogCRC  atomic.Uint32
	gdt         []groupDesc // MaxGroups entries
}

// Init opens or creates the allocator's metadata. With create set, a
// pristine superblock, GDT and group-0 bitmaps are written and flushed;
// otherwise everything is read back and validated, and any checksum or
// geometry mismatch fails the open.
func Init(store *pagestore.PageStore, pool *buffer.Pool, create bool) (*Allocator, error) {
	a := &Allocator{store: store, pool: pool, gdt: make([]groupDesc, MaxGroups)}
	for i := range a.gdt {
		a.gdt[i].start = InvalidPage
	}
	if create {
		if err := a.format(); err != nil {
			return nil, err
		}
		return a, nil
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// format writes the pristine metadata for a one-group file.
func (a *Allocator) format() error {
	want := FirstGroupPage + GroupPages
	if n := a.store.NumPages(); n < want {
		if err := a.store.Grow(want - n); err != nil {
			return err
		}
	}

	a.totalPages.Store(want)
	a.totalGroups.Store(1)
	a.gdt[0].start = FirstGroupPage
	a.gdt[0].free.Store(int32(GroupDataPages))
	a.gdt[0].lastSet.Store(0)

	if err := a.initBitmaps(0); err != nil {
		return err
	}
	if err := a.writeCatalogZero(); err != nil {
		return err
	}
	if err := a.persistMeta(); err != nil {
		return err
	}
	return a.store.Sync()
}

// initBitmaps zeroes a group's two bitmap pages and pre-sets the two bits
// covering the bitmaps themselves, then flushes them so the bitmap state
// is durable before any metadata that references it.
func (a *Allocator) initBitmaps(group uint32) error {
	base := FirstGroupPage + group*GroupPages
	for i := uint32(0); i < GroupBitmapPages; i++ {
		ref, err := a.pool.Fetch(base+i, latch.ModeX)
		if err != nil {
			return err
		}
		data := ref.Data()
		for j := range data {
			data[j] = 0
		}
		if i == 0 {
			// bits 0 and 1: the bitmap pages are allocated from birth
			ref.Words()[0] = 0x3
		}
		a.pool.Release(ref, true)
		if err := a.pool.Flush(base + i); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) writeCatalogZero() error {
	buf := make([]byte, pagestore.PageSize)
	a.catalogCRC.Store(crc(buf))
	return a.store.Write(CatalogPage, buf)
}

// load reads the superblock and GDT back and validates every checksum.
func (a *Allocator) load() error {
	buf := make([]byte, pagestore.PageSize)
	if err := a.store.Read(0, buf); err != nil {
		return err
	}
	var sb superblock
	if err := sb.decode(buf); err != nil {
		return err
	}
	if sb.totalPages > a.store.NumPages() {
		return ErrCorrupted
	}

	for p := uint32(0); p < GDTPages; p++ {
		if err := a.store.Read(GDTStart+p, buf); err != nil {
			return err
		}
		if crc(buf) != sb.gdtCRC[p] {
			log.Errorf("alloc: GDT page %d checksum mismatch", GDTStart+p)
			return ErrCorrupted
		}
		for d := uint32(0); d < DescPerPage; d++ {
			start, free, lastSet := decodeDesc(buf[d*DescSize:])
			g := &a.gdt[p*DescPerPage+d]
			g.start = start
			g.free.Store(int32(free))
			g.lastSet.Store(uint32(lastSet))
		}
	}

	if err := a.store.Read(CatalogPage, buf); err != nil {
		return err
	}
	if crc(buf) != sb.catalogCRC {
		log.Errorf("alloc: catalog page checksum mismatch")
		return ErrCorrupted
	}

	a.totalPages.Store(sb.totalPages)
	a.totalGroups.Store(sb.totalGroups)
	a.catalogCRC.Store(sb.catalogCRC)
	return nil
}

// persistMeta recomputes all checksums and writes the GDT and superblock
// through the page store.
func (a *Allocator) persistMeta() error {
	var sb superblock
	sb.totalPages = a.totalPages.Load()
	sb.totalGroups = a.totalGroups.Load()
	sb.catalogCRC = a.catalogCRC.Load()

	buf := make([]byte, pagestore.PageSize)
	for p := uint32(0); p < GDTPages; p++ {
		for d := uint32(0); d < DescPerPage; d++ {
			g := &a.gdt[p*DescPerPage+d]
			free := g.free.Load()
			if free < 0 {
				free = 0
			}
			encodeDesc(buf[d*DescSize:], g.start, uint16(free), uint16(g.lastSet.Load()))
		}
		sb.gdtCRC[p] = crc(buf)
		if err := a.store.Write(GDTStart+p, buf); err != nil {
			return err
		}
	}

	sb.encode(buf)
	return a.store.Write(0, buf)
}

// TotalPages returns the current file length in pages as the allocator
// sees it.
func (a *Allocator) TotalPages() uint32 { return a.totalPages.Load() }

// TotalGroups returns the number of initialized groups.
func (a *Allocator) TotalGroups() uint32 { return a.totalGroups.Load() }

// GroupFreePages returns a group's free-page counter.
func (a *Allocator) GroupFreePages(group uint32) int32 {
	return a.gdt[group].free.Load()
}

// Alloc claims one free page. hint, when non-zero, is a previously used
// page number whose group is searched first. InvalidPage is returned only
// when every group is full and growing the store fails.
func (a *Allocator) Alloc(hint uint32) uint32 {
	startGroup := a.lastGroup.Load()
	if hint >= FirstGroupPage && hint < a.totalPages.Load() {
		startGroup = (hint - FirstGroupPage) / GroupPages
	}

	ng := a.totalGroups.Load()
	for i := uint32(0); i < ng; i++ {
		g := (startGroup + i) % ng
		if a.gdt[g].free.Load() <= 0 {
			continue
		}
		if page := a.claimInGroup(g); page != InvalidPage {
			return page
		}
	}

	// every existing group exhausted: extend by one group and retry there
	if err := a.grow(); err != nil {
		log.Errorf("alloc: grow failed: %v", err)
		return InvalidPage
	}
	newest := a.totalGroups.Load() - 1
	return a.claimInGroup(newest)
}

// claimInGroup scans a group's bitmap for a zero bit and claims it with an
// atomic fetch-OR. The bitmap pages are only S-latched: the word-level RMW
// is the sole synchronization, so allocators scan one bitmap in parallel.
func (a *Allocator) claimInGroup(group uint32) uint32 {
	base := FirstGroupPage + group*GroupPages
	ref0, err := a.pool.Fetch(base, latch.ModeS)
	if err != nil {
		return InvalidPage
	}
	ref1, err := a.pool.Fetch(base+1, latch.ModeS)
	if err != nil {
		a.pool.Release(ref0, false)
		return InvalidPage
	}
	words0, words1 := ref0.Words(), ref1.Words()

	desc := &a.gdt[group]
	start := desc.lastSet.Load() % wordsPerGroup
	for i := uint32(0); i < wordsPerGroup; i++ {
		w := (start + i) % wordsPerGroup
		var word *uint64
		if w < wordsPerGroup/2 {
			word = &words0[w]
		} else {
			word = &words1[w-wordsPerGroup/2]
		}
		v := atomic.LoadUint64(word)
		for v != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^v))
			mask := uint64(1) << bit
			old := FetchOrUint64(word, mask)
			if old&mask == 0 {
				// the bit is ours
				if w < wordsPerGroup/2 {
					a.pool.MarkWrite(ref0)
				} else {
					a.pool.MarkWrite(ref1)
				}
				desc.free.Add(-1)
				desc.lastSet.Store(w)
				a.lastGroup.Store(group)
				a.pool.Release(ref1, false)
				a.pool.Release(ref0, false)
				return base + w*64 + bit
			}
			v = old | mask
		}
	}

	a.pool.Release(ref1, false)
	a.pool.Release(ref0, false)
	return InvalidPage
}

// Free returns a page to its group's bitmap. Page numbers outside any
// group (metadata pages, out of range) are ignored, which makes Free
// idempotent against stale callers.
func (a *Allocator) Free(page uint32) {
	if page < FirstGroupPage || page >= a.totalPages.Load() {
		return
	}
	off := page - FirstGroupPage
	group := off / GroupPages
	if off%GroupPages < GroupBitmapPages {
		// never free the bitmap pages themselves
		return
	}
	w := (off % GroupPages) / 64
	bit := off % 64

	bmPage := FirstGroupPage + group*GroupPages
	if w >= wordsPerGroup/2 {
		bmPage++
	}
	ref, err := a.pool.Fetch(bmPage, latch.ModeS)
	if err != nil {
		return
	}
	widx := w % (wordsPerGroup / 2)
	mask := uint64(1) << bit
	old := FetchAndUint64(&ref.Words()[widx], ^mask)
	if old&mask != 0 {
		desc := &a.gdt[group]
		desc.free.Add(1)
		desc.lastSet.Store(w)
		a.pool.MarkWrite(ref)
	}
	a.pool.Release(ref, false)
}

// grow extends the store by one group using double-checked locking: the
// total-page snapshot is re-read under the SX latch, so of N racing
// growers exactly one extends the file and the rest return to find fresh
// capacity. Allocations in existing groups keep running throughout.
func (a *Allocator) grow() error {
	snapshot := a.totalPages.Load()

	a.latch.LockSX()
	defer a.latch.UnlockSX()

	if a.totalPages.Load() != snapshot {
		// someone else grew while we waited
		return nil
	}
	newGroup := a.totalGroups.Load()
	if newGroup >= MaxGroups {
		return errors.New("alloc: group descriptor table full")
	}

	if err := a.store.Grow(GroupPages); err != nil {
		return err
	}

	// descriptor first: nobody may observe an initialized group index
	// whose descriptor still reads InvalidPage
	desc := &a.gdt[newGroup]
	desc.start = snapshot
	desc.free.Store(int32(GroupDataPages))
	desc.lastSet.Store(0)

	if err := a.initBitmaps(newGroup); err != nil {
		return err
	}

	a.totalPages.Add(GroupPages)
	a.totalGroups.Add(1)

	if err := a.persistMeta(); err != nil {
		return err
	}
	if err := a.store.Sync(); err != nil {
		return err
	}
	log.Debugf("alloc: grew to %d groups (%d pages)", newGroup+1, a.totalPages.Load())
	return nil
}

// ReadCatalog copies the reserved catalog page into buf.
func (a *Allocator) ReadCatalog(buf []byte) error {
	return a.store.Read(CatalogPage, buf)
}

// WriteCatalog stores buf as the catalog page and refreshes its checksum;
// the checksum reaches disk with the next metadata persist.
func (a *Allocator) WriteCatalog(buf []byte) error {
	if err := a.store.Write(CatalogPage, buf); err != nil {
		return err
	}
	a.catalogCRC.Store(crc(buf))
	return nil
}

// Destroy recomputes checksums and persists all metadata.
func (a *Allocator) Destroy() error {
	a.latch.LockSX()
	defer a.latch.UnlockSX()
	if err := a.persistMeta(); err != nil {
		return err
	}
	return a.store.Sync()
}
