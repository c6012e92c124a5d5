package clapsql

import (
	"fmt"
	"path/filepath"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpSubTables
	DumpCache

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders tables as text for debugging. Rows are read from disk, not from
// the cache. With no table names every table is dumped.
func (db *DB[R]) Dump(f DumpFlags, tables ...string) (string, error) {
	if len(tables) == 0 {
		var err error
		tables, err = db.Tables()
		if err != nil {
			return "", err
		}
	}
	var buf strings.Builder
	for _, table := range tables {
		if err := db.dumpTable(&buf, f, table); err != nil {
			return buf.String(), err
		}
	}
	if f.Contains(DumpCache) {
		db.dumpCache(&buf)
	}
	return buf.String(), nil
}

func (db *DB[R]) dumpTable(w *strings.Builder, f DumpFlags, table string) error {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return err
	}

	var rowsByPath = make([][]R, len(paths))
	var total int
	for i, path := range paths {
		rowsByPath[i], err = db.readShard("dump", path)
		if err != nil {
			return err
		}
		total += len(rowsByPath[i])
	}

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", table, total)
	}
	if f.Contains(DumpStats) {
		ts, err := db.TableStats(table)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s.stats: subtables = %d, disk_size = %d\n", table, ts.SubTables, ts.DiskSize)
	}

	for i, path := range paths {
		name := filepath.Base(path)
		if f.Contains(DumpSubTables) {
			fmt.Fprintln(w, dumpSep2)
			var mark string
			if _, cached := db.cache.peekLen(path); cached {
				mark = " CACHED"
			}
			fmt.Fprintf(w, "%s/%s (%d rows)%s\n", table, name, len(rowsByPath[i]), mark)
		}
		if f.Contains(DumpRows) {
			for pos, row := range rowsByPath[i] {
				fmt.Fprintf(w, "%s/%s.%d = %q %s\n", table, name, pos+1, row.Key(), loggableRow(row))
			}
		}
	}
	return nil
}

func (db *DB[R]) dumpCache(w *strings.Builder) {
	st := db.cache.Stats()
	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "cache (%d rows in %d subtables, ceiling %d)\n", st.Rows, st.Entries, st.Ceiling)
	for pos, path := range db.cache.Paths() {
		n, _ := db.cache.peekLen(path)
		rel, err := filepath.Rel(db.root, path)
		if err != nil {
			rel = path
		}
		fmt.Fprintf(w, "cache.%d: %s (%d rows)\n", pos+1, rel, n)
	}
}
