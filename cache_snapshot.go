package clapsql

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Snapshot format, one pair of lines per cached sub-table:
//
//	<absolute sub-table path>
//	<JSON array of its rows>
//
// Pairs are written least recently used first, so loading them in file order
// reproduces the recency of the saved cache.

// DefaultSnapshotPath returns the cache snapshot location used for the
// database at root when Options.CacheSnapshot is empty. Each root gets its
// own file.
func DefaultSnapshotPath(root string) string {
	return filepath.Join(os.TempDir(), "clap_db", fmt.Sprintf("cache-%016x.json", xxhash.Sum64String(filepath.Clean(root))))
}

// WriteSnapshot serializes the whole cache to w.
func (c *Cache[R]) WriteSnapshot(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, k := range c.ledger.Keys() {
		v, _ := c.ledger.Peek(k)
		rows := v.([]R)
		if rows == nil {
			rows = []R{}
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("cache snapshot: encoding %s: %w", k, err)
		}
		bw.WriteString(k.(string))
		bw.WriteByte('\n')
		bw.Write(raw)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadSnapshot loads the pairs written by WriteSnapshot, skipping sub-tables
// for which accept returns false. It stops at the first undecodable pair and
// keeps what was loaded before it.
func (c *Cache[R]) ReadSnapshot(r io.Reader, accept func(path string) bool) (int, error) {
	br := bufio.NewReader(r)
	var n int
	for {
		path, err := readSnapshotLine(br)
		if err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		}
		data, err := readSnapshotLine(br)
		if err == io.EOF {
			// a path without rows is a truncated snapshot
			return n, nil
		} else if err != nil {
			return n, err
		}
		if path == "" || (accept != nil && !accept(path)) {
			continue
		}
		var rows []R
		if err := json.Unmarshal([]byte(data), &rows); err != nil {
			return n, dataErrf([]byte(data), 0, err, "cache snapshot: invalid rows of %s", path)
		}
		c.Put(path, rows)
		n++
	}
}

func readSnapshotLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SaveSnapshot atomically replaces the snapshot file at path.
func (c *Cache[R]) SaveSnapshot(fsys afero.Fs, path string) error {
	if err := fsys.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	temp := path + "." + uuid.NewString() + tempSuffix
	f, err := fsys.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("cache snapshot: %w", err)
	}
	if err = c.WriteSnapshot(f); err != nil {
		f.Close()
	} else if err = f.Close(); err == nil {
		err = fsys.Rename(temp, path)
	}
	if err != nil {
		fsys.Remove(temp)
		return fmt.Errorf("cache snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot file at path. A missing file loads nothing.
func (c *Cache[R]) LoadSnapshot(fsys afero.Fs, path string, accept func(path string) bool) (int, error) {
	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("cache snapshot: %w", err)
	}
	defer f.Close()
	return c.ReadSnapshot(f, accept)
}
