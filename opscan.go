package clapsql

// SelectByCondition returns every row of a table accepted by cond, in sub-table
// order. Each scanned sub-table ends up cached in full.
func (db *DB[R]) SelectByCondition(table string, cond Condition[R]) ([]R, error) {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return nil, err
	}
	var result []R
	for _, path := range paths {
		rows, err := db.fetchShard("scan", path)
		if err != nil {
			return result, err
		}
		for _, row := range rows {
			if cond(row) {
				result = append(result, row)
			}
		}
	}
	return result, nil
}

// SelectAll returns every row of a table.
func (db *DB[R]) SelectAll(table string) ([]R, error) {
	return db.SelectByCondition(table, matchAll[R])
}

// SelectNest narrows prior, the result of an earlier query, to the rows of
// table that are also accepted by cond. The rows returned are the stored ones.
// Scanning stops as soon as every prior row has been matched.
func (db *DB[R]) SelectNest(table string, cond Condition[R], prior []R) ([]R, error) {
	if len(prior) == 0 {
		return nil, nil
	}
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return nil, err
	}
	limit := len(prior)
	var result []R
	for _, path := range paths {
		rows, err := db.fetchShard("scan", path)
		if err != nil {
			return result, err
		}
		for _, row := range rows {
			if cond(row) && indexOfRow(prior, row) >= 0 {
				result = append(result, row)
				if len(result) == limit {
					return result, nil
				}
			}
		}
	}
	return result, nil
}

// Count returns the number of rows in a table.
func (db *DB[R]) Count(table string) (int, error) {
	paths, err := db.SubTableFiles(table)
	if err != nil {
		return 0, err
	}
	var n int
	for _, path := range paths {
		rows, err := db.fetchShard("count", path)
		if err != nil {
			return n, err
		}
		n += len(rows)
	}
	return n, nil
}
