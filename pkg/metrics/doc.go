// Package metrics defines Prometheus metrics for the library, covering
// HTTP request handling, mail delivery and the audit trail.
package metrics
