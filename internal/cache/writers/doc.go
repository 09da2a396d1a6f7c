// Package writers implements the shared-fetch coordinator for one cache
// entry: several consumers ("transactions") multiplex over a single in-flight
// upstream read while the same bytes stream into the persistent entry. Only
// one network read and one disk write are ever in flight; every other
// consumer wanting data during that window parks in a waiting table and
// receives its slice of the single read's result when it resolves, so all
// consumers observe byte-identical data and the origin is fetched exactly
// once.
//
// The coordinator is a small state machine (network read → cache write →
// fan-out, with a conditional "mark entry unusable" tail when the response
// checksum fails on the terminal read). Failures never kill the process:
// network and cache-write errors flip coordinator-wide flags, are reported to
// affected consumers as ordinary errors, and feed the truncation policy that
// decides whether a partially written entry is kept as a resumable artifact,
// discarded, or marked permanently unusable.
package writers
