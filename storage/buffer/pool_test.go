package buffer

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

// newTestPool builds a memory-backed store with numPages pages, each
// filled with its page number, under a pool of poolSize frames.
func newTestPool(t *testing.T, numPages, poolSize uint32) (*pagestore.PageStore, *Pool) {
	t.Helper()
	store, err := pagestore.Create("", numPages, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	buf := make([]byte, pagestore.PageSize)
	for p := uint32(0); p < numPages; p++ {
		for i := range buf {
			buf[i] = byte(p)
		}
		if err := store.Write(p, buf); err != nil {
			t.Fatalf("Write(%d) error = %v", p, err)
		}
	}
	t.Cleanup(func() { store.Close() })
	return store, NewPool(store, poolSize)
}

func TestPool_fetchHitAndMiss(t *testing.T) {
	_, pool := newTestPool(t, 16, 4)

	ref, err := pool.Fetch(3, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if ref.PageNo() != 3 || ref.Data()[0] != 3 {
		t.Errorf("Fetch(3) returned wrong page: no=%d data[0]=%d", ref.PageNo(), ref.Data()[0])
	}
	pool.Release(ref, false)

	// second fetch is a hit on the same frame
	ref2, err := pool.Fetch(3, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if ref2.Data()[pagestore.PageSize-1] != 3 {
		t.Errorf("hit returned wrong bytes")
	}
	pool.Release(ref2, false)
}

func TestPool_dirtyWriteback(t *testing.T) {
	store, pool := newTestPool(t, 16, 2)

	ref, err := pool.Fetch(1, latch.ModeX)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	for i := range ref.Data() {
		ref.Data()[i] = 0xEE
	}
	pool.Release(ref, true)

	// churn the tiny pool until frame 1 is evicted and written back
	for p := uint32(2); p < 6; p++ {
		r, err := pool.Fetch(p, latch.ModeS)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		pool.Release(r, false)
	}

	buf := make([]byte, pagestore.PageSize)
	if err := store.Read(1, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := bytes.Repeat([]byte{0xEE}, pagestore.PageSize)
	if !bytes.Equal(buf, want) {
		t.Errorf("dirty page was not written back on eviction")
	}
}

func TestPool_flush(t *testing.T) {
	store, pool := newTestPool(t, 16, 4)

	ref, err := pool.Fetch(5, latch.ModeX)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	copy(ref.Data(), []byte("flushed bytes"))
	pool.MarkWrite(ref)
	pool.Release(ref, false)

	if err := pool.Flush(5); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	buf := make([]byte, pagestore.PageSize)
	if err := store.Read(5, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.HasPrefix(buf, []byte("flushed bytes")) {
		t.Errorf("Flush() did not reach the store")
	}

	// flushing an uncached page is a no-op
	if err := pool.Flush(15); err != nil {
		t.Errorf("Flush() of uncached page error = %v", err)
	}
}

func TestPool_flushAll(t *testing.T) {
	store, pool := newTestPool(t, 16, 8)

	for p := uint32(0); p < 4; p++ {
		ref, err := pool.Fetch(p, latch.ModeX)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		ref.Data()[0] = 0xAA
		pool.Release(ref, true)
	}
	if err := pool.FlushAll(); err != nil {
		t.Fatalf("FlushAll() error = %v", err)
	}
	buf := make([]byte, pagestore.PageSize)
	for p := uint32(0); p < 4; p++ {
		if err := store.Read(p, buf); err != nil {
			t.Fatalf("Read(%d) error = %v", p, err)
		}
		if buf[0] != 0xAA {
			t.Errorf("page %d not flushed", p)
		}
	}
}

func TestPool_allPinned(t *testing.T) {
	_, pool := newTestPool(t, 16, 2)

	r0, err := pool.Fetch(0, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	r1, err := pool.Fetch(1, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if _, err := pool.Fetch(2, latch.ModeS); !errors.Is(err, ErrFrameUnavailable) {
		t.Errorf("Fetch() with all frames pinned error = %v, want ErrFrameUnavailable", err)
	}

	pool.Release(r0, false)
	pool.Release(r1, false)

	// with a frame unpinned the fetch succeeds again
	r2, err := pool.Fetch(2, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() after release error = %v", err)
	}
	pool.Release(r2, false)
}

func TestPool_ghostPromotion(t *testing.T) {
	_, pool := newTestPool(t, 64, 8)

	// fill the pool; page 0 is fetched exactly once and sits in QD
	for p := uint32(0); p < 8; p++ {
		ref, err := pool.Fetch(p, latch.ModeS)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		pool.Release(ref, false)
	}

	// churn until page 0 is evicted out of QD (becoming a ghost)
	evicted := func() bool {
		_, cached := pool.index.Get(0)
		return !cached
	}
	for p := uint32(8); p < 40 && !evicted(); p++ {
		ref, err := pool.Fetch(p, latch.ModeS)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		pool.Release(ref, false)
	}
	if !evicted() {
		t.Fatal("page 0 never evicted; cannot exercise ghost path")
	}
	if _, ok := pool.ghostIdx.Get(0); !ok {
		t.Fatal("evicted QD page was not recorded as a ghost")
	}

	// the re-fetch must land the frame in MAIN, not QD
	ref, err := pool.Fetch(0, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	idx, ok := pool.index.Get(0)
	if !ok {
		t.Fatal("re-fetched page missing from index")
	}
	if q := pool.frames[idx].qtype.Load(); q != qMain {
		t.Errorf("ghost re-load qtype = %v, want MAIN", q)
	}
	pool.Release(ref, false)
}

func TestPool_secondChancePromotion(t *testing.T) {
	_, pool := newTestPool(t, 64, 8)

	// warm the pool, then touch page 0 again so its visited bit is set
	for p := uint32(0); p < 8; p++ {
		ref, err := pool.Fetch(p, latch.ModeS)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		pool.Release(ref, false)
	}
	ref, err := pool.Fetch(0, latch.ModeS)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	pool.Release(ref, false)

	// evictions must promote the visited page instead of dropping it
	for p := uint32(8); p < 24; p++ {
		r, err := pool.Fetch(p, latch.ModeS)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", p, err)
		}
		pool.Release(r, false)
	}
	if _, ok := pool.index.Get(0); !ok {
		t.Errorf("re-accessed page was evicted instead of promoted")
	}
}

func TestPool_concurrentSamePage(t *testing.T) {
	_, pool := newTestPool(t, 64, 8)

	routineNum := 8
	var hits atomic.Int64
	wg := sync.WaitGroup{}
	wg.Add(routineNum)
	for r := 0; r < routineNum; r++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ref, err := pool.Fetch(7, latch.ModeS)
				if err != nil {
					t.Errorf("Fetch() error = %v", err)
					return
				}
				if ref.Data()[0] != 7 {
					t.Errorf("Fetch(7) returned page with byte %d", ref.Data()[0])
				}
				hits.Add(1)
				pool.Release(ref, false)
			}
		}()
	}
	wg.Wait()

	// the page appears exactly once in the TLB
	count := 0
	for i := range pool.tlb {
		if atomic.LoadUint32(&pool.tlb[i]) == 7 {
			count++
		}
	}
	if count != 1 {
		t.Errorf("page 7 cached in %d frames, want 1", count)
	}
}

func TestPool_concurrentMixed(t *testing.T) {
	_, pool := newTestPool(t, 64, 16)

	routineNum := 8
	wg := sync.WaitGroup{}
	wg.Add(routineNum)
	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				p := uint32((n*31 + i) % 64)
				ref, err := pool.Fetch(p, latch.ModeS)
				if err != nil {
					if errors.Is(err, ErrFrameUnavailable) {
						continue
					}
					t.Errorf("Fetch(%d) error = %v", p, err)
					return
				}
				if ref.Data()[0] != byte(p) {
					t.Errorf("Fetch(%d) returned page with byte %d", p, ref.Data()[0])
				}
				pool.Release(ref, false)
			}
		}(r)
	}
	wg.Wait()
}
