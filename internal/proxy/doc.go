// Package proxy orchestrates the cache hit, shared upstream fetch and direct
// forwarding paths for client requests. A miss spawns a writer coordinator
// that streams the upstream body to disk while fanning the same bytes out to
// every request attached to it; later requests for the same entry either join
// the in-flight fetch or fall back to the network when joining is impossible.
package proxy
