// Package simpledb is an embedded single-node storage engine: a 4 KiB
// paged file, a concurrent buffer pool with QDLP eviction, a lock-free
// bitmap page allocator and B+Tree indexes on top. The engine is consumed
// in-process; there is no daemon and no wire protocol.
package simpledb

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/smb374/simple-db-go/storage/alloc"
	"github.com/smb374/simple-db-go/storage/btree"
	"github.com/smb374/simple-db-go/storage/buffer"
	"github.com/smb374/simple-db-go/storage/datablock"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

const (
	// DefaultPoolSize is the frame count used when Options leaves it zero.
	DefaultPoolSize = 1024

	catalogMagic = uint32(0x4341544C) // "CATL"
)

// ErrNoCatalogRoot reports an empty catalog page on CatalogRoot.
var ErrNoCatalogRoot = errors.New("simpledb: no catalog root recorded")

// Options configures an engine instance. The zero value is a usable
// in-memory engine with default sizing.
type Options struct {
	// Path of the backing file; empty selects an anonymous memory region.
	Path string
	// PoolSize is the buffer pool's frame count.
	PoolSize uint32
	// DirectIO opens the file with O_DIRECT and page-aligned transfers.
	DirectIO bool
}

// DB owns the engine stack: page store, buffer pool, page allocator and
// the shared overflow-value store. It is created by Create or Open and
// torn down by Close; there is no implicit construction.
type DB struct {
	store  *pagestore.PageStore
	pool   *buffer.Pool
	alloc  *alloc.Allocator
	blocks *datablock.Service
}

// Create initializes a fresh engine: one data group, pristine metadata.
func Create(opts Options) (*DB, error) {
	store, err := pagestore.Create(opts.Path, alloc.FirstGroupPage+alloc.GroupPages, opts.DirectIO)
	if err != nil {
		return nil, err
	}
	return build(store, opts, true)
}

// Open attaches to an existing engine file, validating all metadata
// checksums. A corrupted file fails the open.
func Open(opts Options) (*DB, error) {
	store, err := pagestore.Open(opts.Path, opts.DirectIO)
	if err != nil {
		return nil, err
	}
	return build(store, opts, false)
}

func build(store *pagestore.PageStore, opts Options, create bool) (*DB, error) {
	size := opts.PoolSize
	if size == 0 {
		size = DefaultPoolSize
	}
	pool := buffer.NewPool(store, size)
	a, err := alloc.Init(store, pool, create)
	if err != nil {
		store.Close()
		return nil, err
	}
	db := &DB{store: store, pool: pool, alloc: a, blocks: datablock.NewService(pool, a)}
	log.Debugf("simpledb: opened %q, %d pages, %d groups",
		opts.Path, a.TotalPages(), a.TotalGroups())
	return db, nil
}

// Close tears the stack down in dependency order: allocator metadata
// first, then every dirty pool page, then the store itself.
func (db *DB) Close() error {
	if err := db.alloc.Destroy(); err != nil {
		return err
	}
	if err := db.pool.Destroy(); err != nil {
		return err
	}
	return db.store.Close()
}

// Pool exposes the buffer pool.
func (db *DB) Pool() *buffer.Pool { return db.pool }

// Allocator exposes the page allocator.
func (db *DB) Allocator() *alloc.Allocator { return db.alloc }

// Blocks exposes the shared overflow-value store.
func (db *DB) Blocks() *datablock.Service { return db.blocks }

// CreateBTree allocates a new tree and returns its handle. The root page
// number is the tree's stable identity; record it to reopen the tree.
func (db *DB) CreateBTree() (*btree.BTree, error) {
	return btree.CreateRoot(db.pool, db.alloc, db.blocks)
}

// OpenBTree attaches to a tree by its root page.
func (db *DB) OpenBTree(root uint32) *btree.BTree {
	return btree.OpenRoot(db.pool, db.alloc, db.blocks, root)
}

// CreateCatalogTree creates a tree and records its root in the reserved
// catalog page, so the engine has one well-known entry point.
func (db *DB) CreateCatalogTree() (*btree.BTree, error) {
	t, err := db.CreateBTree()
	if err != nil {
		return nil, err
	}
	if err := db.setCatalogRoot(t.RootPage()); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenCatalogTree reopens the tree recorded in the catalog page.
func (db *DB) OpenCatalogTree() (*btree.BTree, error) {
	root, err := db.CatalogRoot()
	if err != nil {
		return nil, err
	}
	return db.OpenBTree(root), nil
}

// CatalogRoot reads the well-known root page from the catalog page.
func (db *DB) CatalogRoot() (uint32, error) {
	buf := make([]byte, pagestore.PageSize)
	if err := db.alloc.ReadCatalog(buf); err != nil {
		return 0, err
	}
	le := binary.LittleEndian
	if le.Uint32(buf) != catalogMagic {
		return 0, ErrNoCatalogRoot
	}
	return le.Uint32(buf[4:]), nil
}

func (db *DB) setCatalogRoot(root uint32) error {
	buf := make([]byte, pagestore.PageSize)
	le := binary.LittleEndian
	le.PutUint32(buf, catalogMagic)
	le.PutUint32(buf[4:], root)
	return db.alloc.WriteCatalog(buf)
}
