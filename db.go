package clapsql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// DB is a directory of tables whose rows are of type R.
//
// All methods are safe for concurrent use. Writes to one sub-table are
// serialized; there are no transactions spanning several calls.
type DB[R Row[R]] struct {
	fs      afero.Fs
	root    string
	codec   Codec[R]
	keyID   func(key string) uint64
	logger  *slog.Logger
	logf    func(format string, args ...any)
	verbose bool
	noSync  bool

	cache    *Cache[R]
	locks    shardLocks
	stats    counters
	sched    *Scheduler
	ownSched bool
	batch    *Batch[R]

	snapshotPath string
	watcher      *watcher

	closeOnce sync.Once
}

type Options struct {
	// FS defaults to the OS filesystem.
	FS     afero.Fs
	Logger *slog.Logger

	// Logf receives a trace of every store operation when Verbose is set.
	// Defaults to debug-level messages on Logger.
	Logf    func(format string, args ...any)
	Verbose bool

	// CacheCeiling is the maximum number of cached rows, DefaultCacheCeiling if 0.
	CacheCeiling int

	// CacheSnapshot is where the cache is saved on Close and restored from on
	// Open. Defaults to DefaultSnapshotPath(root).
	CacheSnapshot   string
	NoCacheSnapshot bool

	// NoSync skips fdatasync after rewriting a sub-table.
	NoSync bool

	// KeyID derives the numeric id used for shard routing. Defaults to KeyID.
	// It must be a pure function of the key.
	KeyID func(key string) uint64

	// Scheduler runs batch operations. When nil, the DB owns a scheduler with
	// Workers workers and closes it on Close.
	Scheduler *Scheduler
	Workers   int

	// Watch evicts cache entries of sub-tables modified by other processes.
	// Only supported on the OS filesystem.
	Watch bool

	// IsTesting implies NoSync and NoCacheSnapshot.
	IsTesting bool
}

// Open prepares the database rooted at root, creating the directory if needed,
// and restores the cache snapshot.
func Open[R Row[R]](root string, codec Codec[R], opt Options) (*DB[R], error) {
	if codec == nil {
		return nil, errors.New("clapsql: nil codec")
	}
	if opt.FS == nil {
		opt.FS = afero.NewOsFs()
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Logf == nil {
		logger := opt.Logger
		opt.Logf = func(format string, args ...any) {
			logger.LogAttrs(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
		}
	}
	if opt.KeyID == nil {
		opt.KeyID = KeyID
	}
	if opt.IsTesting {
		opt.NoSync = true
		opt.NoCacheSnapshot = true
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("clapsql: %w", err)
	}
	if opt.CacheSnapshot == "" {
		opt.CacheSnapshot = DefaultSnapshotPath(root)
	}
	if err := opt.FS.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("clapsql: %w", err)
	}

	db := &DB[R]{
		fs:      opt.FS,
		root:    root,
		codec:   codec,
		keyID:   opt.KeyID,
		logger:  opt.Logger,
		logf:    opt.Logf,
		verbose: opt.Verbose,
		noSync:  opt.NoSync,
		cache:   NewCache[R](opt.CacheCeiling),
		sched:   opt.Scheduler,
	}
	if db.sched == nil {
		db.sched = NewScheduler(SchedulerOptions{Workers: opt.Workers, Logger: opt.Logger})
		db.ownSched = true
	}
	db.batch = newBatch(db, db.sched)

	db.sweepTempFiles()

	if !opt.NoCacheSnapshot {
		db.snapshotPath = opt.CacheSnapshot
		n, err := db.cache.LoadSnapshot(db.fs, db.snapshotPath, db.ownsSubTable)
		if err != nil {
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "clapsql: cache snapshot not restored", slog.String("path", db.snapshotPath), slog.Any("err", err))
		} else if n > 0 {
			db.logger.LogAttrs(context.Background(), slog.LevelInfo, "clapsql: cache restored", slog.String("path", db.snapshotPath), slog.Int("subtables", n), slog.Int("rows", db.cache.Size()))
		}
	}

	if opt.Watch {
		w, err := db.watch()
		if err != nil {
			if db.ownSched {
				db.sched.Close()
			}
			return nil, fmt.Errorf("clapsql: watch: %w", err)
		}
		db.watcher = w
	}
	return db, nil
}

// ownsSubTable reports whether path is an existing sub-table of this database.
func (db *DB[R]) ownsSubTable(path string) bool {
	rel, err := filepath.Rel(db.root, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.Dir(rel) == "." {
		return false
	}
	if filepath.Dir(filepath.Dir(rel)) != "." || filepath.Ext(rel) != subTableSuffix {
		return false
	}
	fi, err := db.fs.Stat(path)
	return err == nil && !fi.IsDir()
}

// Root returns the absolute path of the database directory.
func (db *DB[R]) Root() string {
	return db.root
}

func (db *DB[R]) Cache() *Cache[R] {
	return db.cache
}

func (db *DB[R]) Scheduler() *Scheduler {
	return db.sched
}

// Batch returns the asynchronous interface of the database.
func (db *DB[R]) Batch() *Batch[R] {
	return db.batch
}

// Close waits for batch work when the DB owns its scheduler, stops the watcher
// and saves the cache snapshot. The DB must not be used afterwards.
func (db *DB[R]) Close() error {
	var err error
	db.closeOnce.Do(func() {
		if db.ownSched {
			db.sched.Close()
		}
		if db.watcher != nil {
			err = errors.Join(err, db.watcher.close())
		}
		if db.snapshotPath != "" {
			if serr := db.cache.SaveSnapshot(db.fs, db.snapshotPath); serr != nil {
				err = errors.Join(err, serr)
			} else {
				db.logger.LogAttrs(context.Background(), slog.LevelDebug, "clapsql: cache saved", slog.String("path", db.snapshotPath), slog.Int("rows", db.cache.Size()))
			}
		}
	})
	return err
}
