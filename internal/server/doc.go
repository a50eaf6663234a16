// Package server provides the HTTP routing and lifecycle used by ytsync's listeners.
//
// # Router
//
// The [Router] interface defines HTTP routing with middleware support.
// [Middleware] wraps handlers in reverse order (last added executes first).
// The [BasicRouter] implementation uses [http.ServeMux] internally with method filtering.
//
// # Handlers
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// so a handler can register several paths at once. [HealthHandler] answers liveness probes.
//
// # Lifecycle
//
// [ListenAndServe] runs a server until its context is done and then shuts it down gracefully.
// `ytsync metrics serve` and `ytsync sync run --serve-metrics` both go through it.
package server
