package clapsql

// DeleteByKey removes the row stored under key. It returns ErrRowNotFound, and
// rewrites nothing, when there is no such row.
func (db *DB[R]) DeleteByKey(table, key string) error {
	path, err := db.SubTableFile(table, key)
	if err != nil {
		return err
	}
	defer db.locks.lock(path)()

	rows, err := db.loadShard("delete", path)
	if err != nil {
		return err
	}
	i := indexOfKey(rows, key)
	if i < 0 {
		return db.rowNotFound("delete", table, path, key)
	}
	rows = append(rows[:i], rows[i+1:]...)
	if err := db.commitShard("delete", path, rows); err != nil {
		return err
	}
	if db.verbose {
		db.logf("clapsql: DELETE %s/%s", table, key)
	}
	return nil
}

// DeleteByCondition removes every row accepted by cond and returns the removed
// rows.
func (db *DB[R]) DeleteByCondition(table string, cond Condition[R]) ([]R, error) {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return nil, err
	}
	var deleted []R
	for _, path := range paths {
		removed, err := db.deleteShard(path, cond)
		deleted = append(deleted, removed...)
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// DeleteAll empties every sub-table of a table and returns the removed rows.
// The table and its sub-table files remain.
func (db *DB[R]) DeleteAll(table string) ([]R, error) {
	return db.DeleteByCondition(table, matchAll[R])
}

// deleteShard removes the rows of one sub-table accepted by cond, with a single
// rewrite.
func (db *DB[R]) deleteShard(path string, cond Condition[R]) ([]R, error) {
	defer db.locks.lock(path)()
	rows, err := db.loadShard("delete", path)
	if err != nil {
		return nil, err
	}
	var kept, removed []R
	for _, row := range rows {
		if cond(row) {
			removed = append(removed, row)
		} else {
			kept = append(kept, row)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := db.commitShard("delete", path, kept); err != nil {
		return nil, err
	}
	if db.verbose {
		db.logf("clapsql: DELETE %s => %d rows", path, len(removed))
	}
	return removed, nil
}
