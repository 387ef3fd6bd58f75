package pagestore

import (
	"os"
	"sync"
	"unsafe"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PageSize is the fixed size of every page in the store.
const PageSize = 4096

// InvalidPage is the reserved page number meaning "no page".
const InvalidPage = uint32(0xFFFFFFFF)

var (
	ErrOutOfRange  = errors.New("pagestore: page beyond current length")
	ErrBadLength   = errors.New("pagestore: file length is not a multiple of page size")
	ErrShortBuffer = errors.New("pagestore: buffer is not one page")
	ErrClosed      = errors.New("pagestore: store is closed")
)

// backing abstracts the positional primitives shared by the file and the
// in-memory region. *os.File and *memfile.File both satisfy it.
type backing interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
}

// PageStore is a raw array of 4 KiB pages over a file or an anonymous
// memory region. Reads and writes are positional and safe for concurrent
// use on disjoint pages; Grow is the only operation that blocks peers.
type PageStore struct {
	back     backing
	file     *os.File // nil in memory mode
	direct   bool     // file opened with O_DIRECT
	growMu   sync.Mutex
	numPages uint32 // current length in pages, only mutated under growMu
	closed   bool
}

// Create allocates a backing region of numPages pages. With a path the file
// is created (or truncated) to that size; with an empty path an anonymous
// in-memory region is allocated. direct selects O_DIRECT on the file path.
func Create(path string, numPages uint32, direct bool) (*PageStore, error) {
	if path == "" {
		mem := memfile.New(make([]byte, int64(numPages)*PageSize))
		return &PageStore{back: mem, numPages: numPages}, nil
	}

	f, err := openFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, direct)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	if err := f.Truncate(int64(numPages) * PageSize); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncate %s to %d pages", path, numPages)
	}
	return &PageStore{back: f, file: f, direct: direct, numPages: numPages}, nil
}

// Open maps an existing file and reports its current length in pages.
// A length that is not a multiple of the page size is rejected.
func Open(path string, direct bool) (*PageStore, error) {
	f, err := openFile(path, os.O_RDWR, direct)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if fi.Size()%PageSize != 0 {
		f.Close()
		return nil, errors.Wrapf(ErrBadLength, "%s: %d bytes", path, fi.Size())
	}
	return &PageStore{
		back:     f,
		file:     f,
		direct:   direct,
		numPages: uint32(fi.Size() / PageSize),
	}, nil
}

func openFile(path string, flag int, direct bool) (*os.File, error) {
	if direct {
		return directio.OpenFile(path, flag, 0644)
	}
	return os.OpenFile(path, flag, 0644)
}

// NumPages returns the current length of the store in pages.
func (s *PageStore) NumPages() uint32 {
	s.growMu.Lock()
	defer s.growMu.Unlock()
	return s.numPages
}

func (s *PageStore) check(pageNo uint32, buf []byte) error {
	if len(buf) != PageSize {
		return ErrShortBuffer
	}
	s.growMu.Lock()
	n := s.numPages
	closed := s.closed
	s.growMu.Unlock()
	if closed {
		return ErrClosed
	}
	if pageNo >= n {
		return errors.Wrapf(ErrOutOfRange, "page %d of %d", pageNo, n)
	}
	return nil
}

// Read copies page pageNo into buf. buf must be exactly one page.
func (s *PageStore) Read(pageNo uint32, buf []byte) error {
	if err := s.check(pageNo, buf); err != nil {
		return err
	}
	off := int64(pageNo) * PageSize
	if s.direct && !aligned(buf) {
		// O_DIRECT needs block-aligned memory; stage through a scratch block.
		blk := directio.AlignedBlock(PageSize)
		if _, err := s.back.ReadAt(blk, off); err != nil {
			return errors.Wrapf(err, "read page %d", pageNo)
		}
		copy(buf, blk)
		return nil
	}
	if _, err := s.back.ReadAt(buf, off); err != nil {
		return errors.Wrapf(err, "read page %d", pageNo)
	}
	return nil
}

// Write stores buf as page pageNo. buf must be exactly one page.
func (s *PageStore) Write(pageNo uint32, buf []byte) error {
	if err := s.check(pageNo, buf); err != nil {
		return err
	}
	off := int64(pageNo) * PageSize
	if s.direct && !aligned(buf) {
		blk := directio.AlignedBlock(PageSize)
		copy(blk, buf)
		if _, err := s.back.WriteAt(blk, off); err != nil {
			return errors.Wrapf(err, "write page %d", pageNo)
		}
		return nil
	}
	if _, err := s.back.WriteAt(buf, off); err != nil {
		return errors.Wrapf(err, "write page %d", pageNo)
	}
	return nil
}

// Grow extends the store by n pages. The new tail is zero-filled.
func (s *PageStore) Grow(n uint32) error {
	s.growMu.Lock()
	defer s.growMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	newPages := s.numPages + n
	if err := s.back.Truncate(int64(newPages) * PageSize); err != nil {
		return errors.Wrapf(err, "grow by %d pages", n)
	}
	s.numPages = newPages
	return nil
}

// Sync forces durability in file mode; it is a no-op for the memory region.
func (s *PageStore) Sync() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	return nil
}

// Close syncs (file mode) and releases the backing region.
func (s *PageStore) Close() error {
	s.growMu.Lock()
	if s.closed {
		s.growMu.Unlock()
		return nil
	}
	s.closed = true
	s.growMu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		log.Warnf("pagestore: sync on close: %v", err)
	}
	return errors.Wrap(s.file.Close(), "close")
}

// aligned reports whether buf satisfies direct I/O alignment.
func aligned(buf []byte) bool {
	if directio.AlignSize == 0 || len(buf) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&buf[0]))&uintptr(directio.AlignSize-1) == 0
}
