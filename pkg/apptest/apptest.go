// Package apptest provides helpers for testing applications built on
// this library.
package apptest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/moreonion/mogin/pkg/app"
	"github.com/moreonion/mogin/pkg/session"
	"github.com/moreonion/mogin/pkg/system"
)

// NewApp creates an app in testing mode. Mail sending is suppressed and
// keys in the "test." settings namespace override their base keys.
func NewApp(t *testing.T, name string, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithTesting()}, opts...)
	a, err := app.New(name, opts...)
	require.NoError(t, err)
	return a
}

// InjectSession returns middleware that places the given session in the
// request context, bypassing token verification. Install it before the
// handlers under test.
func InjectSession(s *session.Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(session.ContextKey, s)
		c.Set("identity", s.Identity)
		c.Set("org", s.Org)
		c.Set("roles", s.Roles)
		if reqLogger := system.GetReqLogger(c, nil); reqLogger != nil {
			c.Set(system.ReqLoggerKey, system.EnrichReqLoggerWithSession(c, reqLogger))
		}
	}
}

// BearerToken issues a signed token for the session, for tests that
// exercise the real session middleware.
func BearerToken(t *testing.T, secret []byte, s *session.Session) string {
	t.Helper()
	manager := session.NewHMACManager(secret, system.NewTestLogger())
	token, err := manager.Issue(s, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

// Perform runs a request against the engine and returns the recorder.
func Perform(t *testing.T, engine *gin.Engine, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}
