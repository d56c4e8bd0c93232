// Package rest provides a small JSON API client with a fixed base URL,
// default timeouts and non-2xx responses mapped to errors, plus a token
// client and an http.RoundTripper that authenticate outgoing requests with
// bearer tokens fetched from an auth service.
package rest
