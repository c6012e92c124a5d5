package clapsql

import "errors"

// SelectByKey returns the row stored under key. A missing row is reported as
// ErrRowNotFound; a missing table or sub-table by the respective sentinel.
func (db *DB[R]) SelectByKey(table, key string) (R, error) {
	var zero R
	path, err := db.SubTableFile(table, key)
	if err != nil {
		return zero, err
	}

	if row, found, resident := db.cache.GetRow(path, key); resident {
		if found {
			return row, nil
		}
		return zero, db.rowNotFound("select", table, path, key)
	}

	unlock := db.locks.lock(path)
	rows, err := db.readAndCache("select", path)
	unlock()
	if err != nil {
		return zero, err
	}
	if i := indexOfKey(rows, key); i >= 0 {
		if db.verbose {
			db.logf("clapsql: SELECT %s/%s => %s", table, key, loggableRow(rows[i]))
		}
		return rows[i], nil
	}
	return zero, db.rowNotFound("select", table, path, key)
}

// Has reports whether a row with the given key exists in an existing table.
func (db *DB[R]) Has(table, key string) (bool, error) {
	_, err := db.SelectByKey(table, key)
	if err == nil {
		return true, nil
	} else if errors.Is(err, ErrRowNotFound) || errors.Is(err, ErrSubTableNotFound) {
		return false, nil
	}
	return false, err
}

func (db *DB[R]) rowNotFound(op, table, path, key string) error {
	if db.verbose {
		db.logf("clapsql: %s.NOTFOUND %s/%s", op, table, key)
	}
	return tableErrf(KindStructural, op, table, path, key, ErrRowNotFound, "")
}
