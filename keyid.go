package clapsql

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MaxSubTables bounds the shard ids of a table to [0, MaxSubTables]. It must be
// a power of two minus one.
const MaxSubTables = 0xff

const subTableSuffix = ".tab"

// KeyID derives the stable numeric id of a row key. It is a pure function of the
// key, so shard routing survives restarts.
func KeyID(key string) uint64 {
	return xxhash.Sum64String(key)
}

// shardOf folds the high bits of id into the low ones before masking, which
// spreads sequential ids across sub-tables.
func shardOf(id uint64) uint64 {
	return (id ^ (id >> 16)) & MaxSubTables
}

func subTableName(shard uint64) string {
	return strconv.FormatUint(shard, 10) + subTableSuffix
}
