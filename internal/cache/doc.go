// Package cache defines the disk-backed store responsible for translating
// origin requests into StoragePath/<origin>/<path> entries. Every entry is a
// pair of files: the response body, written incrementally at arbitrary
// offsets while the fetch is still in flight, and a JSON metadata snapshot
// (status, headers, completion/truncation/unusable flags) written atomically
// via temp file + rename. The writers coordinator drives ActiveEntry through
// the narrow stream-indexed interface it needs; proxy handlers use Open to
// stream finished entries back to clients.
package cache
