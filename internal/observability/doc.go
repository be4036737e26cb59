// Package observability provides the zap logger construction and the
// Prometheus collectors shared by the gatekeeper components.
//
// Components depend on small recorder interfaces declared in their own
// packages; *Metrics satisfies all of them.
package observability
