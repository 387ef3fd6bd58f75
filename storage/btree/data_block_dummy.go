package btree

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/smb374/simple-db-go/interfaces"
)

// DummyBlockService is an interfaces.DataBlockService implementation
// sample: values live in process memory only, with fake page addresses.
// It isolates tree structure tests from the real data block pages.
type DummyBlockService struct {
	next  atomic.Uint32
	slots sync.Map // key: uint64 {page,slot} or page, value: []byte
}

var _ interfaces.DataBlockService = (*DummyBlockService)(nil)

var errDummyMissing = errors.New("btree: dummy block service: unknown address")

// NewDummyBlockService returns an empty in-memory block service.
func NewDummyBlockService() *DummyBlockService {
	d := &DummyBlockService{}
	d.next.Store(1)
	return d
}

func dummyKey(page uint32, slot uint16) uint64 {
	return uint64(page)<<16 | uint64(slot)
}

func (d *DummyBlockService) WriteNormal(val []byte) (uint32, uint16, error) {
	page := d.next.Add(1)
	cp := make([]byte, len(val))
	copy(cp, val)
	d.slots.Store(dummyKey(page, 0), cp)
	return page, 0, nil
}

func (d *DummyBlockService) ReadNormal(page uint32, slot uint16, n uint16, dst []byte) error {
	v, ok := d.slots.Load(dummyKey(page, slot))
	if !ok {
		return errDummyMissing
	}
	copy(dst[:n], v.([]byte))
	return nil
}

func (d *DummyBlockService) FreeNormal(page uint32, slot uint16, n uint16) error {
	if _, ok := d.slots.LoadAndDelete(dummyKey(page, slot)); !ok {
		return errDummyMissing
	}
	return nil
}

func (d *DummyBlockService) WriteHuge(val []byte) (uint32, error) {
	page := d.next.Add(1)
	cp := make([]byte, len(val))
	copy(cp, val)
	d.slots.Store(dummyKey(page, 0), cp)
	return page, nil
}

func (d *DummyBlockService) ReadHuge(first uint32, total uint32, dst []byte) error {
	v, ok := d.slots.Load(dummyKey(first, 0))
	if !ok {
		return errDummyMissing
	}
	copy(dst[:total], v.([]byte))
	return nil
}

func (d *DummyBlockService) FreeHuge(first uint32) error {
	if _, ok := d.slots.LoadAndDelete(dummyKey(first, 0)); !ok {
		return errDummyMissing
	}
	return nil
}
