package clapsql

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"
)

// CreateTable makes sure the table directory exists. Creating an existing
// table is a no-op.
func (db *DB[R]) CreateTable(table string) error {
	if !validTableName(table) {
		return tableErrf(KindStructural, "create", table, "", "", ErrInvalidTable, "")
	}
	dir := db.tableDir(table)
	if err := db.fs.MkdirAll(dir, dirPerm); err != nil {
		return db.ioFailure("create", table, dir, err)
	}
	if db.verbose {
		db.logf("clapsql: CREATE %s", table)
	}
	return nil
}

// DropTable deletes every sub-table of a table and then the table directory.
// A directory that still holds files other than sub-tables is left in place
// and reported as an I/O error.
func (db *DB[R]) DropTable(table string) error {
	dir, err := db.checkTable("drop", table)
	if err != nil {
		return err
	}
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return err
	}
	for _, path := range paths {
		unlock := db.locks.lock(path)
		err := db.fs.Remove(path)
		db.cache.Remove(path)
		unlock()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return db.ioFailure("drop", table, path, err)
		}
	}
	db.cache.RemovePrefix(dir + string(filepath.Separator))

	rest, err := afero.ReadDir(db.fs, dir)
	if err != nil {
		return db.ioFailure("drop", table, dir, err)
	}
	if len(rest) > 0 {
		return db.ioFailure("drop", table, dir, fmt.Errorf("%w: %s", ErrTableNotEmpty, rest[0].Name()))
	}
	if err := db.fs.Remove(dir); err != nil {
		return db.ioFailure("drop", table, dir, err)
	}
	if db.verbose {
		db.logf("clapsql: DROP %s => %d sub-tables", table, len(paths))
	}
	return nil
}

// Tables lists the tables of the database in lexical order.
func (db *DB[R]) Tables() ([]string, error) {
	entries, err := afero.ReadDir(db.fs, db.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, db.ioFailure("tables", "", db.root, err)
	}
	var tables []string
	for _, fi := range entries {
		if fi.IsDir() && validTableName(fi.Name()) {
			tables = append(tables, fi.Name())
		}
	}
	slices.Sort(tables)
	return tables, nil
}

// TableExists reports whether a table has been created.
func (db *DB[R]) TableExists(table string) bool {
	if !validTableName(table) {
		return false
	}
	fi, err := db.fs.Stat(db.tableDir(table))
	return err == nil && fi.IsDir()
}

// sweepTempFiles removes rewrite leftovers of a crashed process.
func (db *DB[R]) sweepTempFiles() {
	tables, err := db.Tables()
	if err != nil {
		return
	}
	for _, table := range tables {
		matches, err := afero.Glob(db.fs, filepath.Join(db.tableDir(table), "*"+subTableSuffix+".*"+tempSuffix))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if err := db.fs.Remove(m); err == nil {
				db.logger.LogAttrs(context.Background(), slog.LevelInfo, "clapsql: removed stale rewrite file", slog.String("path", m))
			}
		}
	}
}
