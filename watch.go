package clapsql

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
)

// watcher evicts cache entries of sub-tables changed behind the DB's back.
// Changes made by the DB itself are recognized by the size and modification
// time recorded after each rewrite.
type watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	evict  func(path string)
	done   chan struct{}

	mu  sync.Mutex
	own map[string]fileSig
}

type fileSig struct {
	size int64
	mod  time.Time
}

func (db *DB[R]) watch() (*watcher, error) {
	if _, ok := db.fs.(*afero.OsFs); !ok {
		return nil, errors.New("only supported on the OS filesystem")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		fsw:    fsw,
		logger: db.logger,
		evict: func(path string) {
			if db.cache.Remove(path) {
				db.logger.LogAttrs(context.Background(), slog.LevelInfo, "clapsql: sub-table changed externally", slog.String("path", path))
			}
		},
		done: make(chan struct{}),
		own:  make(map[string]fileSig),
	}

	if err := fsw.Add(db.root); err != nil {
		fsw.Close()
		return nil, err
	}
	tables, err := db.Tables()
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, table := range tables {
		if err := fsw.Add(db.tableDir(table)); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	go w.loop(db.root)
	return w, nil
}

func (w *watcher) loop(root string) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(root, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.LogAttrs(context.Background(), slog.LevelWarn, "clapsql: watcher error", slog.Any("err", err))
		}
	}
}

func (w *watcher) handle(root string, ev fsnotify.Event) {
	// new tables
	if filepath.Dir(ev.Name) == root {
		if ev.Has(fsnotify.Create) && validTableName(filepath.Base(ev.Name)) {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.LogAttrs(context.Background(), slog.LevelDebug, "clapsql: cannot watch table", slog.String("path", ev.Name), slog.Any("err", err))
			}
		}
		return
	}
	if filepath.Ext(ev.Name) != subTableSuffix || ev.Op == fsnotify.Chmod {
		return
	}
	if w.isOwn(ev.Name) {
		return
	}
	w.evict(ev.Name)
}

// remember records the state of a sub-table right after the DB rewrote it.
func (w *watcher) remember(path string, sig fileSig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.own[path] = sig
}

func (w *watcher) isOwn(path string) bool {
	w.mu.Lock()
	sig, ok := w.own[path]
	w.mu.Unlock()
	if !ok {
		return false
	}
	fi, err := afero.NewOsFs().Stat(path)
	return err == nil && fi.Size() == sig.size && fi.ModTime().Equal(sig.mod)
}

func (w *watcher) close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

func (db *DB[R]) noteRewrite(path string) {
	if db.watcher == nil {
		return
	}
	if fi, err := db.fs.Stat(path); err == nil {
		db.watcher.remember(path, fileSig{fi.Size(), fi.ModTime()})
	}
}
