package alloc

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/smb374/simple-db-go/storage/pagestore"
)

// On-disk geometry. Page 0 is the superblock, pages 1..64 the group
// descriptor table, page 65 the catalog, and data groups begin at 66.
const (
	Magic   = uint32(0x53494D44)
	Version = uint32(1)

	GDTStart    = uint32(1)
	GDTPages    = uint32(64)
	CatalogPage = uint32(65)

	FirstGroupPage   = uint32(66)
	GroupPages       = uint32(65536) // pages per group, 256 MiB
	GroupBitmapPages = uint32(2)
	GroupDataPages   = GroupPages - GroupBitmapPages

	DescSize    = 16
	DescPerPage = pagestore.PageSize / DescSize // 256
	MaxGroups   = GDTPages * DescPerPage        // 16384

	// superblock field offsets; the CRC spans the 32-byte fixed header
	sbMagicOff       = 0
	sbVersionOff     = 4
	sbPageSizeOff    = 8
	sbTotalPagesOff  = 12
	sbTotalGroupsOff = 16
	sbGDTStartOff    = 20
	sbGDTPagesOff    = 24
	sbCatalogOff     = 28
	sbHeaderSize     = 32
	sbGDTChecksumOff = 32                        // 64 × u32
	sbChecksumOff    = sbGDTChecksumOff + 64*4   // 288
	sbCatalogCRCOff  = sbChecksumOff + 4         // 292
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc computes the CRC-32C used for all metadata checksums.
func crc(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// superblock is the parsed contents of page 0.
type superblock struct {
	totalPages  uint32
	totalGroups uint32
	gdtCRC      [GDTPages]uint32
	catalogCRC  uint32
}

// encode renders the superblock into a page image, computing the header
// checksum over the first 32 bytes.
func (sb *superblock) encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[sbMagicOff:], Magic)
	le.PutUint32(buf[sbVersionOff:], Version)
	le.PutUint32(buf[sbPageSizeOff:], pagestore.PageSize)
	le.PutUint32(buf[sbTotalPagesOff:], sb.totalPages)
	le.PutUint32(buf[sbTotalGroupsOff:], sb.totalGroups)
	le.PutUint32(buf[sbGDTStartOff:], GDTStart)
	le.PutUint32(buf[sbGDTPagesOff:], GDTPages)
	le.PutUint32(buf[sbCatalogOff:], CatalogPage)
	for i := uint32(0); i < GDTPages; i++ {
		le.PutUint32(buf[sbGDTChecksumOff+i*4:], sb.gdtCRC[i])
	}
	le.PutUint32(buf[sbChecksumOff:], crc(buf[:sbHeaderSize]))
	le.PutUint32(buf[sbCatalogCRCOff:], sb.catalogCRC)
}

// decode parses and validates a superblock page image.
func (sb *superblock) decode(buf []byte) error {
	le := binary.LittleEndian
	if le.Uint32(buf[sbMagicOff:]) != Magic {
		return ErrCorrupted
	}
	if le.Uint32(buf[sbVersionOff:]) != Version {
		return ErrCorrupted
	}
	if le.Uint32(buf[sbPageSizeOff:]) != pagestore.PageSize {
		return ErrCorrupted
	}
	if le.Uint32(buf[sbChecksumOff:]) != crc(buf[:sbHeaderSize]) {
		return ErrCorrupted
	}
	sb.totalPages = le.Uint32(buf[sbTotalPagesOff:])
	sb.totalGroups = le.Uint32(buf[sbTotalGroupsOff:])
	if le.Uint32(buf[sbGDTStartOff:]) != GDTStart ||
		le.Uint32(buf[sbGDTPagesOff:]) != GDTPages ||
		le.Uint32(buf[sbCatalogOff:]) != CatalogPage {
		return ErrCorrupted
	}
	if sb.totalGroups > MaxGroups ||
		sb.totalGroups*GroupPages+FirstGroupPage != sb.totalPages {
		return ErrCorrupted
	}
	for i := uint32(0); i < GDTPages; i++ {
		sb.gdtCRC[i] = le.Uint32(buf[sbGDTChecksumOff+i*4:])
	}
	sb.catalogCRC = le.Uint32(buf[sbCatalogCRCOff:])
	return nil
}

// descriptor field offsets within a 16-byte GDT entry:
// start(u32) | free_pages(u16) | last_set(u16) | reserved(8)

// encodeDesc renders one group descriptor.
func encodeDesc(buf []byte, start uint32, free uint16, lastSet uint16) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], start)
	le.PutUint16(buf[4:], free)
	le.PutUint16(buf[6:], lastSet)
	for i := 8; i < DescSize; i++ {
		buf[i] = 0
	}
}

// decodeDesc parses one group descriptor.
func decodeDesc(buf []byte) (start uint32, free uint16, lastSet uint16) {
	le := binary.LittleEndian
	return le.Uint32(buf[0:]), le.Uint16(buf[4:]), le.Uint16(buf[6:])
}
