package clapsql

// Row is implemented by every record type stored in a table.
//
// Key returns the row's primary key. An empty key means the row is not sharded
// and always lives in sub-table 0. SameAs reports whether two rows with equal keys
// describe the same record; datasets with no identity beyond the key return true.
type Row[R any] interface {
	Key() string
	SameAs(other R) bool
}

// Condition selects rows.
type Condition[R any] func(row R) bool

// Operation produces the replacement for a row matched by a Condition.
type Operation[R any] func(origin R) R

func sameRow[R Row[R]](a, b R) bool {
	ka := a.Key()
	if ka == "" || ka != b.Key() {
		return false
	}
	return a.SameAs(b)
}

func indexOfRow[R Row[R]](rows []R, row R) int {
	for i, r := range rows {
		if sameRow(r, row) {
			return i
		}
	}
	return -1
}

func indexOfKey[R Row[R]](rows []R, key string) int {
	if key == "" {
		return -1
	}
	for i, r := range rows {
		if r.Key() == key {
			return i
		}
	}
	return -1
}

func matchAll[R any](R) bool { return true }
