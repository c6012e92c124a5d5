package clapsql

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/totoro-dev/clapsql/datasync"
)

// File layout:
//
//	<root>/<table>/<shard>.tab
//
// Every sub-table file is the complete, authoritative content of its shard.
// The only write primitive rewrites a whole shard into a temporary sibling file
// and renames it over the original, so readers never observe a partial shard.

const (
	dirPerm  = 0o755
	filePerm = 0o644

	tempSuffix = ".tmp"

	shardLockCount = 64
)

// shardLocks serializes read-modify-write cycles of a single sub-table.
// Distinct shards may share a stripe.
type shardLocks struct {
	stripes [shardLockCount]sync.Mutex
}

func (l *shardLocks) lock(path string) func() {
	m := &l.stripes[xxhash.Sum64String(path)%shardLockCount]
	m.Lock()
	return m.Unlock
}

func validTableName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00\n")
}

func tableOfPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}

func (db *DB[R]) tableDir(table string) string {
	return filepath.Join(db.root, table)
}

func (db *DB[R]) shardFor(key string) uint64 {
	if key == "" {
		return 0
	}
	return shardOf(db.keyID(key))
}

func (db *DB[R]) structural(op, table, path, key string, sentinel error) error {
	db.logger.LogAttrs(context.Background(), slog.LevelWarn, "clapsql: "+sentinel.Error(), slog.String("op", op), slog.String("table", table), slog.String("path", path), slog.String("key", key))
	return tableErrf(KindStructural, op, table, path, key, sentinel, "")
}

func (db *DB[R]) ioFailure(op, table, path string, err error) error {
	db.logger.LogAttrs(context.Background(), slog.LevelError, "clapsql: I/O failure", slog.String("op", op), slog.String("table", table), slog.String("path", path), slog.Any("err", err))
	return tableErrf(KindIO, op, table, path, "", err, "")
}

// checkTable validates the name and makes sure the table directory exists.
func (db *DB[R]) checkTable(op, table string) (string, error) {
	if !validTableName(table) {
		return "", tableErrf(KindStructural, op, table, "", "", ErrInvalidTable, "")
	}
	dir := db.tableDir(table)
	fi, err := db.fs.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.IsDir()) {
		return "", db.structural(op, table, "", "", ErrTableNotFound)
	} else if err != nil {
		return "", db.ioFailure(op, table, dir, err)
	}
	return dir, nil
}

// SubTableFile returns the path of the sub-table holding key. It fails if the
// table or the sub-table does not exist; nothing is created.
func (db *DB[R]) SubTableFile(table, key string) (string, error) {
	dir, err := db.checkTable("subtable", table)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, subTableName(db.shardFor(key)))
	if _, err := db.fs.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", db.structural("subtable", table, path, key, ErrSubTableNotFound)
	} else if err != nil {
		return "", db.ioFailure("subtable", table, path, err)
	}
	return path, nil
}

// SubTableFileOrCreate returns the path of the sub-table holding key, creating
// an empty sub-table file if needed. The table itself must already exist.
func (db *DB[R]) SubTableFileOrCreate(table, key string) (string, error) {
	return db.createSubTable(table, db.shardFor(key))
}

func (db *DB[R]) createSubTable(table string, shard uint64) (string, error) {
	dir, err := db.checkTable("subtable", table)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, subTableName(shard))
	f, err := db.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, filePerm)
	if err != nil {
		return "", db.ioFailure("subtable", table, path, err)
	}
	if err := f.Close(); err != nil {
		return "", db.ioFailure("subtable", table, path, err)
	}
	return path, nil
}

// SubTableFiles lists every sub-table of a table in ascending shard order.
func (db *DB[R]) SubTableFiles(table string) ([]string, error) {
	dir, err := db.checkTable("subtables", table)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(db.fs, dir)
	if err != nil {
		return nil, db.ioFailure("subtables", table, dir, err)
	}

	type shardFile struct {
		shard uint64
		path  string
	}
	var files []shardFile
	for _, fi := range entries {
		if fi.IsDir() {
			continue
		}
		stem, ok := strings.CutSuffix(fi.Name(), subTableSuffix)
		if !ok {
			continue
		}
		shard, err := strconv.ParseUint(stem, 10, 64)
		if err != nil || shard > MaxSubTables {
			continue
		}
		files = append(files, shardFile{shard, filepath.Join(dir, fi.Name())})
	}
	slices.SortFunc(files, func(a, b shardFile) int {
		return int(a.shard) - int(b.shard)
	})

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// ReadRows decodes a sub-table file straight from disk, bypassing the cache.
func (db *DB[R]) ReadRows(path string) ([]R, error) {
	return db.readShard("read", path)
}

// RewriteAll replaces the entire content of a sub-table with rows.
func (db *DB[R]) RewriteAll(path string, rows []R) error {
	defer db.locks.lock(path)()
	return db.commitShard("rewrite", path, rows)
}

func (db *DB[R]) readShard(op, path string) ([]R, error) {
	table := tableOfPath(path)
	f, err := db.fs.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, db.structural(op, table, path, "", ErrSubTableNotFound)
	} else if err != nil {
		return nil, db.ioFailure(op, table, path, err)
	}
	defer f.Close()

	db.stats.ShardReads.Add(1)
	var rows []R
	dropped, err := scanFramedRows(f, func(text string) error {
		row, err := db.codec.Decode(text)
		if err != nil {
			return tableErrf(KindCodec, op, table, path, "", err, "row %d", len(rows))
		}
		rows = append(rows, row)
		return nil
	})
	if KindOf(err) == KindCodec {
		db.logger.LogAttrs(context.Background(), slog.LevelError, "clapsql: undecodable row", slog.String("path", path), slog.Any("err", err))
		return nil, err
	} else if err != nil {
		return nil, db.ioFailure(op, table, path, err)
	}
	if dropped > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "clapsql: dropped unterminated trailing fragment", slog.String("path", path), slog.Int("bytes", dropped))
	}
	return rows, nil
}

// rewriteShard writes rows into a temporary sibling and renames it over path.
func (db *DB[R]) rewriteShard(op, path string, rows []R) error {
	table := tableOfPath(path)

	buf := framingBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer framingBufPool.Put(buf)

	var frame []byte
	for i, row := range rows {
		text, err := db.codec.Encode(row)
		if err != nil {
			return tableErrf(KindCodec, op, table, path, row.Key(), err, "row %d", i)
		}
		frame = appendFramedRow(frame[:0], text)
		buf.Write(frame)
	}

	temp := path + "." + uuid.NewString() + tempSuffix
	f, err := db.fs.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return db.ioFailure(op, table, temp, err)
	}
	if _, err = f.Write(buf.Bytes()); err != nil {
		err = db.ioFailure(op, table, temp, err)
	} else if err = db.syncFile(f); err != nil {
		err = db.ioFailure(op, table, temp, err)
	} else if err = f.Close(); err != nil {
		err = db.ioFailure(op, table, temp, err)
	} else if err = db.fs.Rename(temp, path); err != nil {
		err = db.ioFailure(op, table, path, err)
	}
	if err != nil {
		f.Close()
		db.fs.Remove(temp)
		return err
	}

	db.stats.ShardRewrites.Add(1)
	if db.verbose {
		db.logf("clapsql: REWRITE %s => %d rows, %d bytes", path, len(rows), buf.Len())
	}
	return nil
}

func (db *DB[R]) syncFile(f afero.File) error {
	if db.noSync {
		return nil
	}
	if osf, ok := f.(*os.File); ok {
		return datasync.Fdatasync(osf)
	}
	return f.Sync()
}

// loadShard returns the full content of a sub-table, preferring the cache and
// populating it on a miss. Callers hold the shard lock.
func (db *DB[R]) loadShard(op, path string) ([]R, error) {
	if rows, ok := db.cache.Get(path); ok {
		return rows, nil
	}
	return db.readAndCache(op, path)
}

// fetchShard is loadShard for readers that do not hold the shard lock. A miss
// is read under the lock so a concurrent rewrite cannot be cached over.
func (db *DB[R]) fetchShard(op, path string) ([]R, error) {
	if rows, ok := db.cache.Get(path); ok {
		return rows, nil
	}
	defer db.locks.lock(path)()
	return db.readAndCache(op, path)
}

func (db *DB[R]) readAndCache(op, path string) ([]R, error) {
	rows, err := db.readShard(op, path)
	if err != nil {
		return nil, err
	}
	db.cache.Put(path, rows)
	return rows, nil
}

// commitShard rewrites a sub-table and replaces its cache entry with the
// written rows. A failed rewrite drops the entry, so the next read goes to disk.
// Callers hold the shard lock.
func (db *DB[R]) commitShard(op, path string, rows []R) error {
	if err := db.rewriteShard(op, path, rows); err != nil {
		db.cache.Remove(path)
		return err
	}
	db.noteRewrite(path)
	db.cache.Put(path, rows)
	return nil
}
