package clapsql

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCache_LRU(t *testing.T) {
	c := NewCache[User](10)
	c.Put("C", users(1, 2, 3))
	c.Put("B", users(4, 5, 6))
	c.Put("A", users(7, 8, 9))

	for _, p := range []string{"A", "B", "C"} {
		_, ok := c.Get(p)
		require.True(t, ok)
	}
	require.Equal(t, []string{"C", "B", "A"}, c.Paths())

	c.Put("D", users(10, 11))
	require.Equal(t, []string{"D", "C", "B"}, c.Paths())
	_, ok := c.Get("A")
	require.False(t, ok)
	require.Equal(t, 8, c.Size())
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_Ceiling(t *testing.T) {
	const ceiling = 50
	c := NewCache[User](ceiling)
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		path := string(rune('a' + rnd.Intn(20)))
		switch rnd.Intn(3) {
		case 0:
			c.Put(path, users(seq(0, rnd.Intn(30))...))
		case 1:
			c.PutRow(path, User{ID: string(rune('A' + rnd.Intn(40)))})
		case 2:
			c.Get(path)
		}
		require.LessOrEqual(t, c.Size(), ceiling)

		var total int
		for _, p := range c.Paths() {
			n, ok := c.peekLen(p)
			require.True(t, ok)
			total += n
		}
		require.Equal(t, c.Size(), total)
		require.Equal(t, c.Len(), len(c.Paths()))
	}
}

func TestCache_OversizedEntry(t *testing.T) {
	c := NewCache[User](5)
	c.Put("small", users(1))
	c.Put("huge", users(seq(0, 6)...))
	require.Zero(t, c.Len())
	require.Zero(t, c.Size())
}

func TestCache_PutReplacesWholeEntry(t *testing.T) {
	c := NewCache[User](100)
	c.Put("p", users(1, 2, 3))
	c.Put("p", users(4))
	rows, ok := c.Get("p")
	require.True(t, ok)
	require.Equal(t, []string{"4"}, keysOf(rows))
	require.Equal(t, 1, c.Size())
}

func TestCache_PutRow(t *testing.T) {
	c := NewCache[User](100)
	require.False(t, c.PutRow("p", User{ID: "1"}))
	require.Zero(t, c.Len())

	c.Put("p", users(1, 2))
	require.True(t, c.PutRow("p", User{ID: "2", Name: "two"}))
	require.True(t, c.PutRow("p", User{ID: "3"}))

	rows, _ := c.Get("p")
	deepEqual(t, rows, []User{{ID: "1", Name: "user 1"}, {ID: "2", Name: "two"}, {ID: "3"}})
	require.Equal(t, 3, c.Size())
}

func TestCache_GetRow(t *testing.T) {
	c := NewCache[User](100)
	_, found, resident := c.GetRow("a", "1")
	require.False(t, found)
	require.False(t, resident)

	c.Put("a", users(1))
	c.Put("b", users(2))

	// a resident miss does not touch the entry
	_, found, resident = c.GetRow("a", "9")
	require.False(t, found)
	require.True(t, resident)
	require.Equal(t, []string{"b", "a"}, c.Paths())

	row, found, _ := c.GetRow("a", "1")
	require.True(t, found)
	require.Equal(t, "1", row.ID)
	require.Equal(t, []string{"a", "b"}, c.Paths())
}

func TestCache_GetReturnsCopy(t *testing.T) {
	c := NewCache[User](100)
	in := users(1, 2)
	c.Put("p", in)
	in[0].Name = "mutated"

	rows, _ := c.Get("p")
	rows[1].Name = "mutated"

	again, _ := c.Get("p")
	deepEqual(t, again, users(1, 2))
}

func TestCache_RemovePrefix(t *testing.T) {
	c := NewCache[User](100)
	c.Put("/db/a/0.tab", users(1))
	c.Put("/db/a/1.tab", users(2))
	c.Put("/db/ab/0.tab", users(3))

	require.Equal(t, 2, c.RemovePrefix("/db/a/"))
	require.Equal(t, []string{"/db/ab/0.tab"}, c.Paths())
	require.Equal(t, 1, c.Size())
}

func TestCache_Snapshot(t *testing.T) {
	c := NewCache[User](100)
	c.Put("/db/t/1.tab", users(1))
	c.Put("/db/t/2.tab", nil)
	c.Put("/db/t/3.tab", []User{{ID: "3", Name: "multi\nline"}})
	c.Get("/db/t/1.tab")

	var buf bytes.Buffer
	require.NoError(t, c.WriteSnapshot(&buf))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Equal(t, []string{
		"/db/t/2.tab", "[]",
		"/db/t/3.tab", `[{"id":"3","name":"multi\nline"}]`,
		"/db/t/1.tab", `[{"id":"1","name":"user 1"}]`,
	}, lines)

	restored := NewCache[User](100)
	n, err := restored.ReadSnapshot(bytes.NewReader(buf.Bytes()), func(path string) bool {
		return path != "/db/t/2.tab"
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"/db/t/1.tab", "/db/t/3.tab"}, restored.Paths())
	rows, _ := restored.Get("/db/t/3.tab")
	deepEqual(t, rows, []User{{ID: "3", Name: "multi\nline"}})
}

func TestCache_SnapshotMalformed(t *testing.T) {
	c := NewCache[User](100)
	n, err := c.ReadSnapshot(strings.NewReader("/a\n[]\n/b\nnot json\n/c\n[]\n"), nil)
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"/a"}, c.Paths())

	// a dangling path line is ignored
	c = NewCache[User](100)
	n, err = c.ReadSnapshot(strings.NewReader("/a\r\n[]\r\n/b"), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCache_SaveLoadSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := filepath.Join("/tmp", "clap_db", "cache.json")

	n, err := NewCache[User](100).LoadSnapshot(fs, path, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	c := NewCache[User](100)
	c.Put("/db/t/0.tab", users(1, 2))
	require.NoError(t, c.SaveSnapshot(fs, path))

	restored := NewCache[User](100)
	n, err = restored.LoadSnapshot(fs, path, nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, restored.Size())
}

func TestDB_CacheSnapshotAcrossRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	snap := "/tmp/clap_db/cache.json"
	opts := func(o *Options) {
		o.FS = fs
		o.IsTesting = false
		o.NoSync = true
		o.CacheSnapshot = snap
		o.KeyID = modKeyID(3)
	}

	db := must(Open(testRoot, Codec[User](JSONCodec[User]{}), Options{}.with(t, opts)))
	require.NoError(t, db.CreateTable("t"))
	for _, u := range users(seq(0, 9)...) {
		require.NoError(t, db.Insert("t", u))
	}
	require.Equal(t, 3, db.Cache().Len())
	require.NoError(t, db.Close())

	// a shard deleted while the DB was closed is not restored
	require.NoError(t, fs.Remove(filepath.Join(testRoot, "t", "2.tab")))

	db = setup(t, opts)
	require.Equal(t, 2, db.Cache().Len())
	reads := db.Stats().ShardReads
	u, err := db.SelectByKey("t", "4")
	require.NoError(t, err)
	require.Equal(t, "user 4", u.Name)
	require.Equal(t, reads, db.Stats().ShardReads)

	// another DB root ignores the snapshot
	other := must(Open("/elsewhere", Codec[User](JSONCodec[User]{}), Options{}.with(t, opts)))
	require.Zero(t, other.Cache().Len())
	other.snapshotPath = ""
	require.NoError(t, other.Close())
}

func (o Options) with(t testing.TB, fns ...func(*Options)) Options {
	o.Logger = testLogger(t)
	for _, f := range fns {
		f(&o)
	}
	return o
}

func TestDB_DefaultSnapshotPerRoot(t *testing.T) {
	if a, b := DefaultSnapshotPath("/a"), DefaultSnapshotPath("/b"); a == b {
		t.Fatalf("DefaultSnapshotPath gives %s for both roots", a)
	}
	if a, b := DefaultSnapshotPath("/a"), DefaultSnapshotPath("/a/"); a != b {
		t.Fatalf("DefaultSnapshotPath(/a) = %s, DefaultSnapshotPath(/a/) = %s, wanted equal", a, b)
	}

	fs := afero.NewMemMapFs()
	opts := func(o *Options) {
		o.FS = fs
		o.NoSync = true
	}
	open := func(root string) *DB[User] {
		db := must(Open(root, Codec[User](JSONCodec[User]{}), Options{}.with(t, opts)))
		if db.snapshotPath != DefaultSnapshotPath(root) {
			t.Fatalf("snapshot path = %s, wanted %s", db.snapshotPath, DefaultSnapshotPath(root))
		}
		return db
	}
	fill := func(root string, ids ...int) {
		db := open(root)
		ensure(db.CreateTable("t"))
		for _, u := range users(ids...) {
			ensure(db.Insert("t", u))
		}
		ensure(db.Close())
	}
	fill("/a", 1, 2)
	fill("/b", 3)

	// closing /b did not replace the snapshot of /a
	db := open("/a")
	defer db.Close()
	if n := db.Cache().Size(); n != 2 {
		t.Fatalf("restored %d rows for /a, wanted 2", n)
	}
	reads := db.Stats().ShardReads
	deepEqual(t, keysOf(must(db.SelectAll("t"))), []string{"1", "2"})
	if d := db.Stats().ShardReads - reads; d != 0 {
		t.Fatalf("%d sub-tables read from disk, wanted 0", d)
	}
}
