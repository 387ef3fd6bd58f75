package interfaces

// DataBlockService stores B+Tree values too large to live inline in a leaf
// entry. "Normal" values (up to a few KiB) share slotted data-block pages
// and are addressed by {page, slot}; "huge" values span a singly linked
// chain of whole pages addressed by the chain head.
type DataBlockService interface {
	// WriteNormal stores val in a shared data block and returns its slot
	// address.
	WriteNormal(val []byte) (page uint32, slot uint16, err error)
	// ReadNormal copies the n stored bytes at {page, slot} into dst.
	ReadNormal(page uint32, slot uint16, n uint16, dst []byte) error
	// FreeNormal releases the slot; a block whose last live slot is freed
	// is returned to the allocator.
	FreeNormal(page uint32, slot uint16, n uint16) error

	// WriteHuge stores val as a page chain and returns the head page. A
	// mid-chain allocation failure frees the partial chain before the
	// error returns.
	WriteHuge(val []byte) (first uint32, err error)
	// ReadHuge walks the chain from first, copying total bytes into dst.
	ReadHuge(first uint32, total uint32, dst []byte) error
	// FreeHuge walks the chain from first, freeing every page.
	FreeHuge(first uint32) error
}
