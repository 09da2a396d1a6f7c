// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that wires Host/port resolution into proxy handlers.
// The binary bootstraps Fiber once, attaches logging and recover middlewares,
// injects the OriginRegistry built from config, and exposes router
// constructors that other packages (main, proxy) can reuse. Diagnostics and
// metrics endpoints live under internal/server/routes; keep exports narrow
// and accept explicit dependencies.
package server
