// Package tabledb makes a quota-limited remote tabular store usable as a
// small database.
//
// An Engine provisions canonical table headers on first use, serves reads
// through a TTL cache that falls back to the last good snapshot when the
// remote service throttles us, spaces every outbound call through a
// process-wide Throttle, and translates 0-based logical row indexes into the
// backend's 1-based physical rows (header first).
//
// Logical indexes are only meaningful for the snapshot they were read from.
// Update and Delete re-read the table before writing so a stale index past
// the end is rejected, but a stale index inside the table still addresses
// whatever row is there now. Callers that know a row's ID should prefer
// UpdateByKey and DeleteByKey.
package tabledb
