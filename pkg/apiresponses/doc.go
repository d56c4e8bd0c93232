// Package apiresponses provides standardized JSON API response helpers
// (unauthorized, forbidden, bad request, etc.) shared between the session
// and rate-limit middleware without import cycles.
package apiresponses
