// Package buffer implements the engine's fixed-size page cache: pinned
// frames, a lock-free page index, and QDLP (quick demotion / lazy
// promotion) eviction over three queues — QD for probation, MAIN for
// promoted frames, and a ghost list of recently evicted page numbers that
// routes re-loaded pages straight back to MAIN.
package buffer

import (
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

// ErrFrameUnavailable is returned by Fetch when every frame is pinned.
var ErrFrameUnavailable = errors.New("buffer: all frames pinned")

// Pool is a fixed set of page frames cached over a PageStore.
//
// Latching discipline: the pool latch in S guards the hot path (index
// lookup + pin); the cold path takes it in SX so hot lookups keep running
// during a miss. Per-frame latches guard page content. Acquisition order
// is always pool latch then frame latch, never the reverse.
//
// Cold-load protocol: the loader claims a victim, X-latches it and
// publishes the new mapping all inside one pool-SX window, then performs
// the I/O under the frame X latch alone. A concurrent fetch for the same
// page pins the in-flight frame and blocks on the frame latch until the
// load finishes, so two misses collapse to one read. Everyone that pins
// through the index re-validates the TLB slot after acquiring the frame
// latch and retries the fetch on mismatch.
type Pool struct {
	store  *pagestore.PageStore
	latch  latch.RWSX
	frames []Frame
	tlb    []uint32  // frame idx -> cached page number, INVALID_PAGE when none
	index  *MapTable // page number -> frame idx

	qd   *RingQueue // frame indices on probation, capped at size/8
	main *RingQueue // promoted frame indices

	ghost    *RingQueue // page numbers recently evicted out of QD
	ghostIdx *MapTable
	ghostCap uint32

	warm uint32 // next never-used frame, only advanced under pool SX
}

// NewPool builds a pool of size frames over store.
func NewPool(store *pagestore.PageStore, size uint32) *Pool {
	if size < 2 {
		size = 2
	}
	qdCap := size / 8
	if qdCap == 0 {
		qdCap = 1
	}
	p := &Pool{
		store:    store,
		frames:   make([]Frame, size),
		tlb:      make([]uint32, size),
		index:    NewMapTable(size),
		qd:       NewRingQueue(qdCap),
		main:     NewRingQueue(size),
		ghost:    NewRingQueue(size),
		ghostIdx: NewMapTable(size),
		ghostCap: size,
	}
	for i := range p.frames {
		p.frames[i].data = directio.AlignedBlock(pagestore.PageSize)
		p.tlb[i] = pagestore.InvalidPage
	}
	return p
}

// Size returns the number of frames.
func (p *Pool) Size() uint32 { return uint32(len(p.frames)) }

// tryPin pins frame idx if it still caches pageNo. The re-validation after
// the pin closes the race against an evictor claiming the frame between
// the index lookup and the increment.
func (p *Pool) tryPin(idx, pageNo uint32) *Frame {
	f := &p.frames[idx]
	f.pin.Add(1)
	if atomic.LoadUint32(&p.tlb[idx]) != pageNo {
		f.pin.Add(-1)
		return nil
	}
	f.visited.Store(true)
	return f
}

// latchPinned latches a frame pinned through the index and re-validates
// the mapping. A nil return means the mapping dissolved while we waited
// (failed in-flight load) and the fetch must be retried.
func (p *Pool) latchPinned(f *Frame, idx, pageNo uint32, mode latch.Mode) *PageRef {
	f.latch.Lock(mode)
	if atomic.LoadUint32(&p.tlb[idx]) != pageNo {
		f.latch.Unlock(mode)
		f.pin.Add(-1)
		return nil
	}
	return &PageRef{pool: p, frame: f, idx: idx, pageNo: pageNo, mode: mode}
}

// Fetch returns a pinned reference whose contents equal pageNo at the time
// of return, loading the page on a miss. It fails with ErrFrameUnavailable
// when no frame can be evicted.
func (p *Pool) Fetch(pageNo uint32, mode latch.Mode) (*PageRef, error) {
	for {
		// hot path: pool S, index lookup, pin
		p.latch.LockS()
		var f *Frame
		idx, ok := p.index.Get(pageNo)
		if ok {
			f = p.tryPin(idx, pageNo)
		}
		p.latch.UnlockS()
		if f != nil {
			if ref := p.latchPinned(f, idx, pageNo, mode); ref != nil {
				return ref, nil
			}
			continue
		}

		ref, retry, err := p.fetchCold(pageNo, mode)
		if err != nil {
			return nil, err
		}
		if !retry {
			return ref, nil
		}
	}
}

func (p *Pool) fetchCold(pageNo uint32, mode latch.Mode) (ref *PageRef, retry bool, err error) {
	p.latch.LockSX()

	// double-check: the page may have been mapped while we waited
	if idx, ok := p.index.Get(pageNo); ok {
		f := p.tryPin(idx, pageNo)
		p.latch.UnlockSX()
		if f == nil {
			return nil, true, nil
		}
		if ref = p.latchPinned(f, idx, pageNo, mode); ref == nil {
			return nil, true, nil
		}
		return ref, false, nil
	}

	_, wasGhost := p.ghostIdx.Get(pageNo)

	idx, oldPage, fromQD, ok := p.victim()
	if !ok {
		p.latch.UnlockSX()
		return nil, false, ErrFrameUnavailable
	}
	f := &p.frames[idx]

	if oldPage != pagestore.InvalidPage {
		p.index.Unset(oldPage)
		atomic.StoreUint32(&p.tlb[idx], pagestore.InvalidPage)
		if fromQD {
			p.ghostPut(oldPage)
		}
	}

	// The frame is claimed (pin==1) so the X latch cannot block. Taking it
	// before publication means anyone who finds the new mapping waits on
	// us instead of reading a half-loaded frame.
	f.latch.LockX()

	f.visited.Store(false)
	if wasGhost {
		f.qtype.Store(qMain)
		p.main.Put(idx)
	} else {
		f.qtype.Store(qQD)
		if !p.qd.Put(idx) {
			// probation ring full; promote early rather than lose the frame
			f.qtype.Store(qMain)
			p.main.Put(idx)
		}
	}

	p.index.Set(pageNo, idx)
	atomic.StoreUint32(&p.tlb[idx], pageNo)
	p.latch.UnlockSX()

	// I/O happens under the frame X latch only; the pool keeps serving.
	if f.dirty.Load() && oldPage != pagestore.InvalidPage {
		if err = p.store.Write(oldPage, f.data); err != nil {
			p.abortLoad(f, idx, pageNo)
			return nil, false, err
		}
	}
	if err = p.store.Read(pageNo, f.data); err != nil {
		p.abortLoad(f, idx, pageNo)
		return nil, false, err
	}
	f.dirty.Store(false)

	switch mode {
	case latch.ModeX:
		// keep the load latch
	case latch.ModeSX:
		if derr := f.latch.DowngradeSX(); derr != nil {
			f.latch.UnlockX()
			f.latch.LockSX()
		}
	default:
		f.latch.UnlockX()
		f.latch.Lock(mode)
	}
	return &PageRef{pool: p, frame: f, idx: idx, pageNo: pageNo, mode: mode}, false, nil
}

// abortLoad rolls a failed cold load back without the pool latch: tear the
// mapping down first so waiters re-validate and retry, then drop the X
// latch and our claim pin. The frame stays in whatever queue it joined and
// is reused by a later eviction.
func (p *Pool) abortLoad(f *Frame, idx, pageNo uint32) {
	atomic.StoreUint32(&p.tlb[idx], pagestore.InvalidPage)
	p.index.UnsetIf(pageNo, idx)
	f.dirty.Store(false)
	f.latch.UnlockX()
	f.pin.Add(-1)
}

// victim selects an evictable frame under the pool SX latch and returns it
// claimed (pin already 1), together with the page it held (InvalidPage for
// a never-used frame). fromQD reports that the frame's page was on
// probation, which is what feeds the ghost list.
func (p *Pool) victim() (idx, oldPage uint32, fromQD bool, ok bool) {
	// warm-up: hand out frames that never held a page
	if p.warm < uint32(len(p.frames)) {
		idx = p.warm
		p.warm++
		p.frames[idx].pin.Store(1)
		return idx, pagestore.InvalidPage, false, true
	}

	if idx, oldPage, ok = p.scanQueue(p.qd, true); ok {
		return idx, oldPage, true, true
	}
	if idx, oldPage, ok = p.scanQueue(p.main, false); ok {
		return idx, oldPage, false, true
	}
	return 0, pagestore.InvalidPage, false, false
}

// scanQueue runs one second-chance pass. In the QD queue a visited frame
// is promoted to MAIN instead of being re-enqueued.
func (p *Pool) scanQueue(q *RingQueue, promote bool) (uint32, uint32, bool) {
	n := q.Len()
	for i := uint32(0); i < n; i++ {
		idx := q.Pop()
		if idx == QueueEmpty {
			break
		}
		f := &p.frames[idx]
		if f.visited.Load() {
			f.visited.Store(false)
			if promote {
				f.qtype.Store(qMain)
				p.main.Put(idx)
			} else {
				p.requeue(q, f, idx)
			}
			continue
		}
		old, claimed := p.claim(f, idx)
		if !claimed {
			p.requeue(q, f, idx)
			continue
		}
		return idx, old, true
	}
	return 0, pagestore.InvalidPage, false
}

// requeue puts a frame back on its queue; if a concurrent loader filled
// the small probation ring in the meantime, the frame moves to MAIN
// rather than fall out of circulation.
func (p *Pool) requeue(q *RingQueue, f *Frame, idx uint32) {
	if !q.Put(idx) {
		f.qtype.Store(qMain)
		p.main.Put(idx)
	}
}

// claim takes an unpinned frame out of circulation. After the pin CAS the
// TLB slot is invalidated and the pin re-checked: a hot-path pinner that
// raced in past the CAS is detected here and the claim is undone. On
// success the page the frame held is returned.
func (p *Pool) claim(f *Frame, idx uint32) (uint32, bool) {
	if !f.pin.CompareAndSwap(0, 1) {
		return 0, false
	}
	old := atomic.LoadUint32(&p.tlb[idx])
	atomic.StoreUint32(&p.tlb[idx], pagestore.InvalidPage)
	if f.pin.Load() > 1 {
		atomic.StoreUint32(&p.tlb[idx], old)
		f.pin.Add(-1)
		return 0, false
	}
	return old, true
}

// ghostPut records an evicted page number, aging out the oldest record
// when the ghost list is full.
func (p *Pool) ghostPut(pageNo uint32) {
	if _, ok := p.ghostIdx.Get(pageNo); ok {
		return
	}
	for p.ghost.Len() >= p.ghostCap {
		old := p.ghost.Pop()
		if old == QueueEmpty {
			break
		}
		p.ghostIdx.Unset(old)
	}
	p.ghost.Put(pageNo)
	p.ghostIdx.Set(pageNo, 1)
}

// MarkWrite declares the referenced page dirty.
func (p *Pool) MarkWrite(r *PageRef) {
	r.frame.dirty.Store(true)
}

// Release unlatches and unpins. With dirty set the page is marked dirty on
// the way out.
func (p *Pool) Release(r *PageRef, dirty bool) {
	if dirty {
		r.frame.dirty.Store(true)
	}
	r.frame.latch.Unlock(r.mode)
	r.frame.pin.Add(-1)
}

// Flush writes pageNo through to the store if it is cached dirty. The
// frame is read under its S latch so a concurrent writer (which holds X)
// can never produce a torn image. A page that is not cached is a no-op.
func (p *Pool) Flush(pageNo uint32) error {
	p.latch.LockS()
	idx, ok := p.index.Get(pageNo)
	var f *Frame
	if ok {
		f = p.tryPin(idx, pageNo)
	}
	p.latch.UnlockS()
	if f == nil {
		return nil
	}

	f.latch.LockS()
	var err error
	if atomic.LoadUint32(&p.tlb[idx]) == pageNo && f.dirty.Load() {
		if err = p.store.Write(pageNo, f.data); err == nil {
			f.dirty.Store(false)
		}
	}
	f.latch.UnlockS()
	f.pin.Add(-1)
	return err
}

// FlushAll writes every cached dirty page. The pool SX latch keeps the TLB
// stable while the dirty frames are pinned; the writes themselves happen
// after the pool latch drops, so a frame-latch wait can never block a
// cold load that needs the pool.
func (p *Pool) FlushAll() error {
	p.latch.LockSX()
	type dirtyFrame struct {
		idx    uint32
		pageNo uint32
	}
	var dirty []dirtyFrame
	for i := range p.frames {
		pageNo := atomic.LoadUint32(&p.tlb[i])
		if pageNo == pagestore.InvalidPage || !p.frames[i].dirty.Load() {
			continue
		}
		p.frames[i].pin.Add(1)
		dirty = append(dirty, dirtyFrame{idx: uint32(i), pageNo: pageNo})
	}
	p.latch.UnlockSX()

	flushed := 0
	var firstErr error
	for _, d := range dirty {
		f := &p.frames[d.idx]
		f.latch.LockS()
		if atomic.LoadUint32(&p.tlb[d.idx]) == d.pageNo && f.dirty.Load() {
			if err := p.store.Write(d.pageNo, f.data); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				f.dirty.Store(false)
				flushed++
			}
		}
		f.latch.UnlockS()
		f.pin.Add(-1)
	}
	if flushed > 0 {
		log.Debugf("buffer: %d dirty pages flushed", flushed)
	}
	return firstErr
}

// Destroy flushes all dirty pages and drops the pool's resources.
func (p *Pool) Destroy() error {
	if err := p.FlushAll(); err != nil {
		return err
	}
	p.frames = nil
	return nil
}
