// Package datasync flushes file contents to stable storage using the cheapest
// primitive the platform offers.
package datasync

import "os"

// Fdatasync triggers the fastest fsync-like operation that ensures durability
// of the data written to the given file.
//
// Fdatasync might be faster than f.Sync() aka fsync thanks to not syncing
// metadata (last modification/access time) that isn't necessary to ensure
// durability of the data.
//
// WARNING: ERRORS RETURNED BY THIS FUNCTION ARE NOT RECOVERABLE. Many operating
// systems and file systems mark modified pages as clean in case of fsync
// failures, and there is no way to ensure data correctness after a failure.
// The file being synced must be treated as lost; callers should discard it
// rather than retry.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
