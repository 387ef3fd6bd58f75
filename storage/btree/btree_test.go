package btree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/smb374/simple-db-go/storage/alloc"
	"github.com/smb374/simple-db-go/storage/buffer"
	"github.com/smb374/simple-db-go/storage/datablock"
	"github.com/smb374/simple-db-go/storage/latch"
	"github.com/smb374/simple-db-go/storage/pagestore"
)

func newTestTree(t *testing.T) *BTree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.db")
	store, err := pagestore.Create(path, alloc.FirstGroupPage+alloc.GroupPages, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	pool := buffer.NewPool(store, 128)
	a, err := alloc.Init(store, pool, true)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	tree, err := CreateRoot(pool, a, datablock.NewService(pool, a))
	if err != nil {
		t.Fatalf("CreateRoot() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return tree
}

func mkKey(s string) []byte { return PadKey([]byte(s)) }

// checkNode recursively validates ordering, occupancy and parent links.
func checkNode(t *testing.T, tree *BTree, page, wantParent uint32, isRoot bool) {
	t.Helper()
	nr, err := tree.fetch(page, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(%d) error = %v", page, err)
	}
	cnt := nr.nkeys()
	leaf := nr.isLeaf()
	if nr.parent() != wantParent {
		t.Errorf("page %d parent = %d, want %d", page, nr.parent(), wantParent)
	}
	if !isRoot && (cnt < MinEnt || cnt > MaxEnt) {
		t.Errorf("page %d nkeys = %d, outside [%d,%d]", page, cnt, MinEnt, MaxEnt)
	}
	for i := 1; i < cnt; i++ {
		if bytes.Compare(nr.key(i-1), nr.key(i)) >= 0 {
			t.Errorf("page %d keys out of order at %d", page, i)
		}
	}
	var children []uint32
	if !leaf {
		children = append(children, nr.head())
		for i := 0; i < cnt; i++ {
			children = append(children, nr.child(i))
		}
	}
	tree.release(nr, false)
	for _, c := range children {
		checkNode(t, tree, c, page, false)
	}
}

func checkInvariants(t *testing.T, tree *BTree) {
	t.Helper()
	checkNode(t, tree, tree.root, pagestore.InvalidPage, true)

	// leaves chain in strictly ascending key order
	var last []byte
	if err := tree.Ascend(func(key, val []byte) bool {
		if last != nil && bytes.Compare(last, key) >= 0 {
			t.Errorf("leaf chain out of order: %q after %q", key, last)
		}
		last = append(last[:0], key...)
		return true
	}); err != nil {
		t.Fatalf("Ascend() error = %v", err)
	}
}

func TestBTree_singleKeyRoundTrip(t *testing.T) {
	tree := newTestTree(t)

	if _, n := tree.Search(mkKey("test_key")); n != -1 {
		t.Errorf("Search() on empty tree = %v, want -1", n)
	}
	if err := tree.Insert(mkKey("test_key"), []byte("test_value")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	val, n := tree.Search(mkKey("test_key"))
	if n != 10 || !bytes.Equal(val, []byte("test_value")) {
		t.Errorf("Search() = %q,%d, want %q,%d", val, n, "test_value", 10)
	}
}

func TestBTree_updateReplaces(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.Insert(mkKey("test_key"), []byte("test_value")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := tree.Insert(mkKey("test_key"), []byte("updated_value")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	val, n := tree.Search(mkKey("test_key"))
	if n != 13 || !bytes.Equal(val, []byte("updated_value")) {
		t.Errorf("Search() = %q,%d, want %q,%d", val, n, "updated_value", 13)
	}
}

// fill31 inserts key_00..key_30, forcing the root leaf to split.
func fill31(t *testing.T, tree *BTree) {
	t.Helper()
	for i := 0; i <= 30; i++ {
		key := mkKey(fmt.Sprintf("key_%02d", i))
		val := []byte(fmt.Sprintf("val_%02d", i))
		if err := tree.Insert(key, val); err != nil {
			t.Fatalf("Insert(key_%02d) error = %v", i, err)
		}
	}
}

func TestBTree_leafSplit(t *testing.T) {
	tree := newTestTree(t)
	fill31(t, tree)

	nr, err := tree.fetch(tree.root, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(root) error = %v", err)
	}
	if nr.isLeaf() {
		t.Errorf("root still a leaf after 31 inserts")
	}
	if nr.nkeys() != 1 {
		t.Errorf("root nkeys = %d, want 1", nr.nkeys())
	}
	if !bytes.Equal(nr.key(0), mkKey("key_15")) {
		t.Errorf("root separator = %q, want key_15", nr.key(0))
	}
	tree.release(nr, false)

	for i := 0; i <= 30; i++ {
		key := mkKey(fmt.Sprintf("key_%02d", i))
		want := fmt.Sprintf("val_%02d", i)
		val, n := tree.Search(key)
		if n < 0 || !bytes.Equal(val, []byte(want)) {
			t.Errorf("Search(key_%02d) = %q,%d, want %q", i, val, n, want)
		}
	}
	checkInvariants(t, tree)
}

func TestBTree_redistribute(t *testing.T) {
	tree := newTestTree(t)
	fill31(t, tree)

	if got := tree.Delete(mkKey("key_05")); got != 0 {
		t.Fatalf("Delete(key_05) = %v, want 0", got)
	}
	if _, n := tree.Search(mkKey("key_05")); n != -1 {
		t.Errorf("deleted key still found")
	}
	if _, n := tree.Search(mkKey("key_15")); n < 0 {
		t.Errorf("Search(key_15) failed after redistribute")
	}

	nr, err := tree.fetch(tree.root, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(root) error = %v", err)
	}
	if nr.nkeys() != 1 || !bytes.Equal(nr.key(0), mkKey("key_16")) {
		t.Errorf("root separator = %q, want key_16", nr.key(0))
	}
	tree.release(nr, false)
	checkInvariants(t, tree)
}

func TestBTree_mergeAndRootCollapse(t *testing.T) {
	tree := newTestTree(t)
	fill31(t, tree)

	// no restructure on the first delete
	if got := tree.Delete(mkKey("key_30")); got != 0 {
		t.Fatalf("Delete(key_30) = %v, want 0", got)
	}
	nr, _ := tree.fetch(tree.root, latch.ModeS)
	if nr.isLeaf() {
		t.Fatalf("root collapsed too early")
	}
	tree.release(nr, false)

	// this one merges the two leaves and collapses the root
	if got := tree.Delete(mkKey("key_00")); got != 0 {
		t.Fatalf("Delete(key_00) = %v, want 0", got)
	}
	nr, err := tree.fetch(tree.root, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(root) error = %v", err)
	}
	if !nr.isLeaf() {
		t.Errorf("root did not collapse back to a leaf")
	}
	if nr.nkeys() != 29 {
		t.Errorf("root nkeys = %d, want 29", nr.nkeys())
	}
	tree.release(nr, false)

	for i := 1; i <= 29; i++ {
		key := mkKey(fmt.Sprintf("key_%02d", i))
		if _, n := tree.Search(key); n < 0 {
			t.Errorf("Search(key_%02d) failed after collapse", i)
		}
	}
	checkInvariants(t, tree)
}

func TestBTree_valueClassBoundaries(t *testing.T) {
	tree := newTestTree(t)

	tests := []struct {
		name    string
		size    int
		wantTag uint8
	}{
		{name: "inline max", size: 63, wantTag: valInline},
		{name: "normal min", size: 64, wantTag: valNormal},
		{name: "normal max", size: 4000, wantTag: valNormal},
		{name: "huge min", size: 4001, wantTag: valHuge},
	}
	for i, tt := range tests {
		key := mkKey(fmt.Sprintf("bound_%d", i))
		val := make([]byte, tt.size)
		for j := range val {
			val[j] = byte(i + j%251)
		}
		if err := tree.Insert(key, val); err != nil {
			t.Fatalf("Insert(%s) error = %v", tt.name, err)
		}
		got, n := tree.Search(key)
		if n != tt.size || !bytes.Equal(got, val) {
			t.Errorf("%s: round trip failed, n=%d want %d", tt.name, n, tt.size)
		}
	}

	// the leaf records the expected variant per length class
	nr, err := tree.fetch(tree.root, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(root) error = %v", err)
	}
	for i, tt := range tests {
		idx, exact := nr.search(mkKey(fmt.Sprintf("bound_%d", i)))
		if !exact {
			t.Fatalf("%s: key missing from leaf", tt.name)
		}
		if tag := nr.val(idx)[vTagOff]; tag != tt.wantTag {
			t.Errorf("%s: variant = %d, want %d", tt.name, tag, tt.wantTag)
		}
	}
	tree.release(nr, false)
}

func TestBTree_hugeValueReplaceFreesChain(t *testing.T) {
	tree := newTestTree(t)

	before := tree.alloc.GroupFreePages(0)
	huge := make([]byte, 3*datablock.HugePayload)
	for i := range huge {
		huge[i] = byte(i)
	}
	if err := tree.Insert(mkKey("big"), huge); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	// replace with an inline value: the chain pages must come back
	if err := tree.Insert(mkKey("big"), []byte("small")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got := tree.alloc.GroupFreePages(0); got != before {
		t.Errorf("overflow pages leaked on replace: free %v -> %v", before, got)
	}
	val, n := tree.Search(mkKey("big"))
	if n != 5 || !bytes.Equal(val, []byte("small")) {
		t.Errorf("Search() = %q,%d after replace", val, n)
	}

	// deleting frees everything the key still owns
	if err := tree.Insert(mkKey("big"), huge); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got := tree.Delete(mkKey("big")); got != 0 {
		t.Fatalf("Delete() = %v, want 0", got)
	}
	if got := tree.alloc.GroupFreePages(0); got != before {
		t.Errorf("overflow pages leaked on delete: free %v -> %v", before, got)
	}
}

func TestBTree_deleteMissing(t *testing.T) {
	tree := newTestTree(t)
	if got := tree.Delete(mkKey("nothing")); got != -1 {
		t.Errorf("Delete() of missing key = %v, want -1", got)
	}
	if err := tree.Insert(mkKey("a"), []byte("1")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if got := tree.Delete(mkKey("b")); got != -1 {
		t.Errorf("Delete() of missing key = %v, want -1", got)
	}
	if got := tree.Delete(mkKey("a")); got != 0 {
		t.Errorf("Delete() = %v, want 0", got)
	}
	if got := tree.Delete(mkKey("a")); got != -1 {
		t.Errorf("second Delete() = %v, want -1", got)
	}
}

func TestBTree_manyKeys(t *testing.T) {
	tree := newTestTree(t)

	num := uint64(1000)
	// fixed permutation so inserts do not arrive in key order
	perm := func(i uint64) uint64 { return (i * 7919) % num }

	for i := uint64(0); i < num; i++ {
		k := perm(i)
		if err := tree.Insert(EncodeUint64Key(k), []byte(fmt.Sprintf("value-%d", k))); err != nil {
			t.Fatalf("Insert(%d) error = %v", k, err)
		}
	}
	checkInvariants(t, tree)

	for i := uint64(0); i < num; i++ {
		want := fmt.Sprintf("value-%d", i)
		val, n := tree.Search(EncodeUint64Key(i))
		if n < 0 || !bytes.Equal(val, []byte(want)) {
			t.Fatalf("Search(%d) = %q,%d, want %q", i, val, n, want)
		}
	}

	// ascend sees every key once, in order
	count := uint64(0)
	if err := tree.Ascend(func(key, val []byte) bool {
		if !bytes.Equal(key, EncodeUint64Key(count)) {
			t.Fatalf("Ascend out of order at %d", count)
		}
		count++
		return true
	}); err != nil {
		t.Fatalf("Ascend() error = %v", err)
	}
	if count != num {
		t.Errorf("Ascend visited %d keys, want %d", count, num)
	}

	// delete everything, checking structure along the way
	for i := uint64(0); i < num; i++ {
		k := perm(i)
		if got := tree.Delete(EncodeUint64Key(k)); got != 0 {
			t.Fatalf("Delete(%d) = %v, want 0", k, got)
		}
		if i%250 == 0 {
			checkInvariants(t, tree)
		}
	}
	nr, err := tree.fetch(tree.root, latch.ModeS)
	if err != nil {
		t.Fatalf("fetch(root) error = %v", err)
	}
	if !nr.isLeaf() || nr.nkeys() != 0 {
		t.Errorf("drained tree root: leaf=%v nkeys=%d, want empty leaf", nr.isLeaf(), nr.nkeys())
	}
	tree.release(nr, false)
}

func TestBTree_dummyBlockService(t *testing.T) {
	// the tree is agnostic to the block service implementation
	path := filepath.Join(t.TempDir(), "dummy.db")
	store, err := pagestore.Create(path, alloc.FirstGroupPage+alloc.GroupPages, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer store.Close()
	pool := buffer.NewPool(store, 64)
	a, err := alloc.Init(store, pool, true)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	tree, err := CreateRoot(pool, a, NewDummyBlockService())
	if err != nil {
		t.Fatalf("CreateRoot() error = %v", err)
	}

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := tree.Insert(mkKey("k"), big); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	val, n := tree.Search(mkKey("k"))
	if n != 5000 || !bytes.Equal(val, big) {
		t.Errorf("round trip through dummy service failed, n=%d", n)
	}
}

func TestBTree_createKnownRoot(t *testing.T) {
	tree := newTestTree(t)
	page := tree.alloc.Alloc(0)
	if page == alloc.InvalidPage {
		t.Fatalf("Alloc() = InvalidPage")
	}
	known, err := CreateKnownRoot(tree.pool, tree.alloc, tree.blocks, page)
	if err != nil {
		t.Fatalf("CreateKnownRoot() error = %v", err)
	}
	if known.RootPage() != page {
		t.Errorf("RootPage() = %v, want %v", known.RootPage(), page)
	}
	if err := known.Insert(mkKey("x"), []byte("y")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	// the root page number survives splits
	for i := 0; i < 100; i++ {
		if err := known.Insert(EncodeUint64Key(uint64(i)), []byte("v")); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	if known.RootPage() != page {
		t.Errorf("root page moved to %v", known.RootPage())
	}
	if _, n := known.Search(mkKey("x")); n != 1 {
		t.Errorf("Search(x) = %d, want 1", n)
	}
}
