// Package mail wraps SMTP delivery via gomail with the knobs web
// applications usually need: a configurable envelope sender, a default
// Reply-To, a local EHLO hostname, retries with backoff and a suppressed
// sender that records messages instead of delivering them in tests. An
// optional queue sends asynchronously.
package mail
