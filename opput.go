package clapsql

// Insert adds row to the sub-table selected by its key. Inserting a row that is
// already stored is a no-op.
func (db *DB[R]) Insert(table string, row R) error {
	path, err := db.SubTableFileOrCreate(table, row.Key())
	if err != nil {
		return err
	}
	defer db.locks.lock(path)()
	_, err = db.insertRows("insert", path, []R{row})
	return err
}

// insertRows merges rows into one sub-table with a single rewrite and returns
// how many were actually added. Callers hold the shard lock.
func (db *DB[R]) insertRows(op, path string, rows []R) (int, error) {
	current, err := db.loadShard(op, path)
	if err != nil {
		return 0, err
	}
	var added int
	for _, row := range rows {
		if indexOfRow(current, row) >= 0 {
			continue
		}
		current = append(current, row)
		added++
	}
	if added == 0 {
		if db.verbose {
			db.logf("clapsql: INSERT.NOOP %s", path)
		}
		return 0, nil
	}
	if err := db.commitShard(op, path, current); err != nil {
		return 0, err
	}
	if db.verbose {
		db.logf("clapsql: INSERT %s => +%d", path, added)
	}
	return added, nil
}
