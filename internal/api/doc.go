// Package api exposes the vault over HTTP. Reads, share and asset flows,
// administrative transitions, harvest job submission and the event history
// are served from a single ServeMux. Every /api route passes through the
// auth middleware, then an optional per-caller rate limiter; the caller
// address the vault sees is always the authenticated subject's address.
//
// Amounts travel as decimal strings. Failures are reported as
// {"code", "message", "metadata"} with an HTTP status derived from the
// error code.
package api
