// Package upstream wraps the outbound HTTP side of the proxy. It owns the
// shared http.Client with its transport tunings, the hop-by-hop header rules,
// and the Transaction type handed to the cache writers coordinator: a single
// in-flight origin fetch exposing sequential body reads, a response metadata
// snapshot for the truncation policy, and a request priority that the
// coordinator re-aggregates as consumers come and go.
package upstream
