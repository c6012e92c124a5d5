package clapsql

import (
	"context"
	"log/slog"
)

// UpdateByKey replaces the stored row that is the same row as update. It
// returns ErrRowNotFound, and rewrites nothing, when there is no such row.
func (db *DB[R]) UpdateByKey(table string, update R) error {
	key := update.Key()
	path, err := db.SubTableFile(table, key)
	if err != nil {
		return err
	}
	defer db.locks.lock(path)()

	rows, err := db.loadShard("update", path)
	if err != nil {
		return err
	}
	i := indexOfRow(rows, update)
	if i < 0 {
		return db.rowNotFound("update", table, path, key)
	}
	rows[i] = update
	if err := db.commitShard("update", path, rows); err != nil {
		return err
	}
	if db.verbose {
		db.logf("clapsql: UPDATE %s/%s => %s", table, key, loggableRow(update))
	}
	return nil
}

// UpdateByCondition replaces every row accepted by cond with op(row) and
// returns the number of updated rows. Sub-tables without a match are not
// rewritten.
func (db *DB[R]) UpdateByCondition(table string, cond Condition[R], op Operation[R]) (int, error) {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return 0, err
	}
	var total int
	for _, path := range paths {
		n, err := db.updateShard(path, cond, op)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// updateShard applies op to the rows of one sub-table accepted by cond, with a
// single rewrite. An op that changes a row's key would leave the row in the
// wrong shard, so the whole shard is left untouched and ErrKeyChanged returned.
func (db *DB[R]) updateShard(path string, cond Condition[R], op Operation[R]) (int, error) {
	defer db.locks.lock(path)()
	rows, err := db.loadShard("update", path)
	if err != nil {
		return 0, err
	}
	var n int
	for i, row := range rows {
		if !cond(row) {
			continue
		}
		updated := op(row)
		if updated.Key() != row.Key() {
			table := tableOfPath(path)
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "clapsql: "+ErrKeyChanged.Error(), slog.String("table", table), slog.String("path", path), slog.String("key", row.Key()), slog.String("new_key", updated.Key()))
			return 0, tableErrf(KindStructural, "update", table, path, row.Key(), ErrKeyChanged, "new key %q", updated.Key())
		}
		rows[i] = updated
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := db.commitShard("update", path, rows); err != nil {
		return 0, err
	}
	if db.verbose {
		db.logf("clapsql: UPDATE %s => %d rows", path, n)
	}
	return n, nil
}
