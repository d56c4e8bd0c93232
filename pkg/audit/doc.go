// Package audit records who did what through the HTTP API. Events flow
// through pluggable sinks; the queued wrapper decouples request latency
// from slow or unavailable destinations.
package audit
