// Package http binds oneM2M request primitives to HTTP.
//
// The server side maps methods, X-M2M-* headers and query parameters onto
// the primitive the dispatcher understands; the client side carries
// notifications, forwarded requests and announcement pushes to remote
// points of access. Both speak the oneM2M media types, including CBOR.
//
// A separate admin listener serves health, Prometheus metrics and, when a
// deployment enables it, the upper tester hook used by integration tests.
package http
