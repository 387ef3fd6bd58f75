// Package datablock provides the overflow-value store backing the B+Tree:
// slotted shared pages for mid-size values and linked page chains for
// values larger than MaxNormal bytes.
package datablock

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/smb374/simple-db-go/interfaces"
	"github.com/smb374/simple-db-go/storage/alloc"
	"github.com/smb374/simple-db-go/storage/buffer"
	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

const (
	blockMagic = uint16(0x4442) // "DB"

	// slotted block layout: header | slot dir (grows up) | gap | payload
	// (grows down from the page end)
	hdrMagicOff  = 0
	hdrNSlotsOff = 2
	hdrLiveOff   = 4
	hdrTailOff   = 6
	hdrFragOff   = 8
	hdrSize      = 16
	slotDirOff   = hdrSize
	slotEntSize  = 4 // off u16 | len u16

	// MaxNormal is the largest value a slotted block accepts.
	MaxNormal = 4000

	// huge chain layout: next(u32) | used(u32) | payload
	hugeHdrSize = 8
	// HugePayload is the value capacity of one huge-chain page.
	HugePayload = pagestore.PageSize - hugeHdrSize
)

var (
	ErrBadSlot     = errors.New("datablock: slot address out of range")
	ErrTooLarge    = errors.New("datablock: value exceeds slotted block capacity")
	ErrChainBroken = errors.New("datablock: huge chain ended early")
	ErrNoSpace     = errors.New("datablock: page allocation failed")
)

// Service implements interfaces.DataBlockService over the buffer pool and
// page allocator. One open block page at a time receives new normal
// values; a block is handed back to the allocator when its last live slot
// is freed.
type Service struct {
	pool  *buffer.Pool
	alloc *alloc.Allocator

	mu  sync.Mutex
	cur uint32 // open block page, InvalidPage when none
}

var _ interfaces.DataBlockService = (*Service)(nil)

// NewService builds a data block service over pool and alloc.
func NewService(pool *buffer.Pool, alc *alloc.Allocator) *Service {
	return &Service{pool: pool, alloc: alc, cur: pagestore.InvalidPage}
}

func initBlock(data []byte) {
	for i := range data[:hdrSize] {
		data[i] = 0
	}
	binary.LittleEndian.PutUint16(data[hdrMagicOff:], blockMagic)
}

// blockUsedEnd reads the tail field: bytes consumed at the page end
// (stored that way around because 4096 itself does not fit in u16).
func blockUsedEnd(data []byte) uint16 {
	return binary.LittleEndian.Uint16(data[hdrTailOff:])
}

// WriteNormal stores val in the open block, opening a fresh one when the
// current block cannot fit it.
func (s *Service) WriteNormal(val []byte) (uint32, uint16, error) {
	if len(val) > MaxNormal {
		return 0, 0, ErrTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur != pagestore.InvalidPage {
		page, slot, ok, err := s.tryAppend(s.cur, val)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			return page, slot, nil
		}
	}

	newPage := s.alloc.Alloc(s.cur)
	if newPage == alloc.InvalidPage {
		return 0, 0, ErrNoSpace
	}
	ref, err := s.pool.Fetch(newPage, latch.ModeX)
	if err != nil {
		s.alloc.Free(newPage)
		return 0, 0, err
	}
	initBlock(ref.Data())
	s.pool.Release(ref, true)
	s.cur = newPage

	page, slot, ok, err := s.tryAppend(newPage, val)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, ErrTooLarge
	}
	return page, slot, nil
}

// tryAppend places val into block page if it fits, reusing a dead slot
// directory entry when one exists.
func (s *Service) tryAppend(page uint32, val []byte) (uint32, uint16, bool, error) {
	ref, err := s.pool.Fetch(page, latch.ModeX)
	if err != nil {
		return 0, 0, false, err
	}
	defer func() { s.pool.Release(ref, true) }()

	data := ref.Data()
	le := binary.LittleEndian
	nslots := le.Uint16(data[hdrNSlotsOff:])
	usedEnd := blockUsedEnd(data)

	// find a reusable slot, else plan a new directory entry
	slot := nslots
	for i := uint16(0); i < nslots; i++ {
		if le.Uint16(data[slotDirOff+i*slotEntSize+2:]) == 0 {
			slot = i
			break
		}
	}
	dirBytes := uint32(slotDirOff) + uint32(nslots)*slotEntSize
	if slot == nslots {
		dirBytes += slotEntSize
	}
	if dirBytes+uint32(usedEnd)+uint32(len(val)) > pagestore.PageSize {
		return 0, 0, false, nil
	}

	usedEnd += uint16(len(val))
	off := uint16(pagestore.PageSize) - usedEnd
	copy(data[off:], val)
	le.PutUint16(data[slotDirOff+slot*slotEntSize:], off)
	le.PutUint16(data[slotDirOff+slot*slotEntSize+2:], uint16(len(val)))
	if slot == nslots {
		le.PutUint16(data[hdrNSlotsOff:], nslots+1)
	}
	le.PutUint16(data[hdrLiveOff:], le.Uint16(data[hdrLiveOff:])+1)
	le.PutUint16(data[hdrTailOff:], usedEnd)
	return page, slot, true, nil
}

// ReadNormal copies the n bytes stored at {page, slot} into dst.
func (s *Service) ReadNormal(page uint32, slot uint16, n uint16, dst []byte) error {
	ref, err := s.pool.Fetch(page, latch.ModeS)
	if err != nil {
		return err
	}
	defer func() { s.pool.Release(ref, false) }()

	data := ref.Data()
	le := binary.LittleEndian
	if le.Uint16(data[hdrMagicOff:]) != blockMagic || slot >= le.Uint16(data[hdrNSlotsOff:]) {
		return ErrBadSlot
	}
	off := le.Uint16(data[slotDirOff+slot*slotEntSize:])
	length := le.Uint16(data[slotDirOff+slot*slotEntSize+2:])
	if length != n {
		return errors.Wrapf(ErrBadSlot, "page %d slot %d holds %d bytes, want %d", page, slot, length, n)
	}
	copy(dst[:n], data[off:])
	return nil
}

// FreeNormal releases a slot and bumps the block's fragmentation; the
// block itself is freed once no live slot remains.
func (s *Service) FreeNormal(page uint32, slot uint16, n uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.pool.Fetch(page, latch.ModeX)
	if err != nil {
		return err
	}
	data := ref.Data()
	le := binary.LittleEndian
	if le.Uint16(data[hdrMagicOff:]) != blockMagic || slot >= le.Uint16(data[hdrNSlotsOff:]) {
		s.pool.Release(ref, false)
		return ErrBadSlot
	}
	le.PutUint16(data[slotDirOff+slot*slotEntSize:], 0)
	le.PutUint16(data[slotDirOff+slot*slotEntSize+2:], 0)
	le.PutUint16(data[hdrFragOff:], le.Uint16(data[hdrFragOff:])+n)
	live := le.Uint16(data[hdrLiveOff:]) - 1
	le.PutUint16(data[hdrLiveOff:], live)
	s.pool.Release(ref, true)

	if live == 0 {
		if s.cur == page {
			s.cur = pagestore.InvalidPage
		}
		s.alloc.Free(page)
	}
	return nil
}

// WriteHuge stores val across a freshly allocated page chain. All pages
// are claimed up front so a mid-chain allocation failure can unwind
// without leaving orphans.
func (s *Service) WriteHuge(val []byte) (uint32, error) {
	npages := (len(val) + HugePayload - 1) / HugePayload
	if npages == 0 {
		npages = 1
	}
	pages := make([]uint32, 0, npages)
	hint := uint32(0)
	for i := 0; i < npages; i++ {
		p := s.alloc.Alloc(hint)
		if p == alloc.InvalidPage {
			for _, q := range pages {
				s.alloc.Free(q)
			}
			return 0, ErrNoSpace
		}
		pages = append(pages, p)
		hint = p
	}

	le := binary.LittleEndian
	for i, p := range pages {
		ref, err := s.pool.Fetch(p, latch.ModeX)
		if err != nil {
			for _, q := range pages {
				s.alloc.Free(q)
			}
			return 0, err
		}
		data := ref.Data()
		next := pagestore.InvalidPage
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		chunk := val[i*HugePayload:]
		if len(chunk) > HugePayload {
			chunk = chunk[:HugePayload]
		}
		le.PutUint32(data[0:], next)
		le.PutUint32(data[4:], uint32(len(chunk)))
		copy(data[hugeHdrSize:], chunk)
		s.pool.Release(ref, true)
	}
	return pages[0], nil
}

// ReadHuge walks the chain from first, copying total bytes into dst.
func (s *Service) ReadHuge(first uint32, total uint32, dst []byte) error {
	page := first
	copied := uint32(0)
	for copied < total {
		if page == pagestore.InvalidPage {
			return ErrChainBroken
		}
		ref, err := s.pool.Fetch(page, latch.ModeS)
		if err != nil {
			return err
		}
		data := ref.Data()
		le := binary.LittleEndian
		next := le.Uint32(data[0:])
		used := le.Uint32(data[4:])
		if copied+used > total {
			s.pool.Release(ref, false)
			return ErrChainBroken
		}
		copy(dst[copied:], data[hugeHdrSize:hugeHdrSize+used])
		copied += used
		s.pool.Release(ref, false)
		page = next
	}
	return nil
}

// FreeHuge walks the chain from first, returning every page to the
// allocator.
func (s *Service) FreeHuge(first uint32) error {
	page := first
	for page != pagestore.InvalidPage {
		ref, err := s.pool.Fetch(page, latch.ModeS)
		if err != nil {
			return err
		}
		next := binary.LittleEndian.Uint32(ref.Data()[0:])
		s.pool.Release(ref, false)
		s.alloc.Free(page)
		page = next
	}
	return nil
}
