/*
Package clapsql implements a table store on top of plain files.

We implement:

1. Tables, directories holding rows of a single Go type R.

2. Sub-tables, the files a table's rows are sharded into by key.

3. A row cache that keeps whole sub-tables in memory, bounded by a row count,
and survives restarts via a snapshot file.

4. A scheduler that runs batch operations per table in priority order:
INSERT, then UPDATE, then DELETE, then SELECT.

# Technical Details

**Layout.**
A table is the directory <root>/<table>. Its rows live in at most 256
sub-table files named <shard>.tab, created lazily on first insert.

**Shard routing.**
A key is hashed to a 64-bit id (xxhash by default, see Options.KeyID), and
the shard is (id ^ id>>16) & 0xff. Routing must be stable across restarts, so
the hash is part of the on-disk format.

**Sub-table encoding.**
Each row is the codec's text for the row with every byte shifted up by one,
followed by the marker " ~end\n". The codec text may itself contain newlines;
only the marker ends a row. A trailing fragment without the marker is ignored
when reading, which is what a crash in the middle of an external append leaves
behind.

**Rewrites.**
Every write rewrites the whole sub-table: the new content goes to a temporary
file next to the sub-table, is synced, and is renamed over it. Readers never
see a partial file. Temporary files left by a crash are removed on Open.

**Identity.**
Two rows are the same row when their keys are equal, non-empty, and
a.SameAs(b). Rows with an empty key are never the same as anything, so they
can be inserted but never updated or deleted by key.

# Cache

The cache maps a sub-table path to all of its rows. Writes replace the whole
entry after the rewrite succeeds and drop it if the rewrite fails, so a cached
entry always equals the file content. The least recently used entries are
evicted while the total number of cached rows exceeds the ceiling.

The snapshot is a text file alternating path lines and JSON row arrays, oldest
entry first. On Open only entries whose sub-table still exists under the
database root are restored.

# Concurrency

Operations on one sub-table are serialized by a striped lock. There are no
transactions: a condition-based operation visits sub-tables one by one.

Batch operations (see Batch) run on a Scheduler. A task does not start while a
higher-priority task is active on the same table, so a SELECT batch queued
behind an INSERT batch observes all of its rows. Write batches fan out into
one child task per affected sub-table.
*/
package clapsql
