// Package httpmw holds the HTTP middleware shared by the guard listener and the
// admin API.
//
// httpserver.NewHandler composes the guard listener outermost first: security
// header defaults, panic recovery, request ID, client identifier resolution,
// the block gate, rate limiting, tracing, metrics, the request logger and the
// chi router (route annotation, access log, inspection, body cap).
//
// ClientIP is the single place a request is mapped to a tracker identifier.
// Everything after it reads ClientIPFromContext and never looks at
// X-Forwarded-For again. Request headers, bodies and user agents never become
// logger fields, the only attacker controlled values logged are the path and a
// truncated query string.
package httpmw
