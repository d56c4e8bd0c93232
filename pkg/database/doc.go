// Package database connects to the configured SQL database and wraps
// operations with a retry for stale pooled connections. Long lived
// connections get dropped by load balancers and database restarts; the
// first statement on such a connection fails even though a fresh
// connection would succeed. WithRetry papers over exactly that case.
package database
