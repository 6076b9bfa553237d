// Package server hosts the Fiber HTTP service, the request middleware chain
// and the glue that turns configuration into running lifecycle controllers.
// Requests are resolved from their Host header to a Target (the app origin or
// an allow-listed external host) before the proxy handler runs them through
// the caching layer. Diagnostics endpoints live in the routes subpackage and
// share the /-/ prefix, which bypasses host resolution.
package server
