// Package session verifies bearer tokens and turns their claims into a
// Session carrying a user identity, an organization and a role set. Tokens
// are verified against either a shared HMAC secret or a JWKS endpoint.
// The gin middleware enforces authentication and role restrictions and
// makes the session available to handlers.
package session
