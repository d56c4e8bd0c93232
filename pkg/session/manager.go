package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/moreonion/mogin/pkg/apiresponses"
	"github.com/moreonion/mogin/pkg/config"
)

// ContextKey is the gin context key under which the middleware stores the
// verified session.
const ContextKey = "session"

// AuthHeaderKey is the header the middleware reads the bearer token from.
const AuthHeaderKey = "Authorization"

// PushContextFunc is called with the verified session before the request
// handler runs. Most commonly it loads a user or organization object for
// later use in the request.
type PushContextFunc func(c *gin.Context, s *Session)

// Manager verifies bearer tokens and mints new ones.
type Manager struct {
	secret      []byte
	jwks        *keyfunc.JWKS
	log         *zap.SugaredLogger
	pushContext PushContextFunc
}

// NewManager builds a Manager from the configuration. auth.secret_key
// selects HMAC verification, auth.jwks_url selects JWKS verification; the
// secret wins when both are set since only it allows issuing tokens.
func NewManager(cfg *config.Config, log *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{log: log}

	if secret := cfg.AuthSecretKey(); secret != "" {
		m.secret = []byte(secret)
		return m, nil
	}

	if url := cfg.AuthJWKSURL(); url != "" {
		jwks, err := keyfunc.Get(url, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshTimeout:  10 * time.Second,
			RefreshErrorHandler: func(err error) {
				log.Errorf("failed to refresh JWKS configuration: %v", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetching JWKS from %s: %w", url, err)
		}
		m.jwks = jwks
		return m, nil
	}

	return nil, fmt.Errorf("session manager needs either %s or %s", config.KeyAuthSecretKey, config.KeyAuthJWKSURL)
}

// NewHMACManager builds a Manager with a fixed HMAC secret, bypassing the
// configuration. Mainly useful for tests and token-issuing services.
func NewHMACManager(secret []byte, log *zap.SugaredLogger) *Manager {
	return &Manager{secret: secret, log: log}
}

// PushContextCallback registers a callback invoked with every verified
// session. The callback may abort the request via the gin context.
func (m *Manager) PushContextCallback(fn PushContextFunc) {
	m.pushContext = fn
}

func (m *Manager) keyfunc(token *jwt.Token) (interface{}, error) {
	if m.secret != nil {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}
	return m.jwks.Keyfunc(token)
}

// Parse verifies a token string and returns the session it represents.
func (m *Manager) Parse(tokenString string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, &claims, m.keyfunc); err != nil {
		return nil, err
	}
	return FromClaims(claims)
}

// Issue returns a signed token representing the session. Only managers with
// an HMAC secret can issue tokens.
func (m *Manager) Issue(s *Session, ttl time.Duration) (string, error) {
	if m.secret == nil {
		return "", fmt.Errorf("issuing tokens requires a shared secret")
	}
	claims := s.Claims()
	now := time.Now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// MiddlewareOption configures the authentication middleware.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	admittedRoles []string
	optional      bool
}

// Roles restricts the route to sessions holding at least one of the given
// roles.
func Roles(roles ...string) MiddlewareOption {
	return func(o *middlewareOptions) { o.admittedRoles = roles }
}

// Optional lets requests without a token pass with an anonymous session.
// Requests carrying an invalid token are still rejected.
func Optional() MiddlewareOption {
	return func(o *middlewareOptions) { o.optional = true }
}

// Middleware returns a gin middleware enforcing authentication.
func (m *Manager) Middleware(opts ...MiddlewareOption) gin.HandlerFunc {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		authHeader := c.GetHeader(AuthHeaderKey)
		// delete the header to avoid logging it by accident
		c.Request.Header.Del(AuthHeaderKey)

		if !strings.HasPrefix(authHeader, "Bearer ") {
			if o.optional {
				m.push(c, Anonymous())
				c.Next()
				return
			}
			apiresponses.RespondBadRequest(c, "No Bearer token provided in Authorization header")
			c.Abort()
			return
		}

		sess, err := m.Parse(authHeader[7:])
		if err != nil {
			apiresponses.RespondUnauthorized(c, err.Error())
			c.Abort()
			return
		}

		if len(o.admittedRoles) > 0 && !sess.HasAnyRole(o.admittedRoles...) {
			apiresponses.RespondForbidden(c, "the session has none of the required roles")
			c.Abort()
			return
		}

		m.push(c, sess)
		if c.IsAborted() {
			return
		}
		c.Next()
	}
}

// push stores the session in the gin context and runs the push-context
// callback. The plain identity/org/roles keys feed the request logger.
func (m *Manager) push(c *gin.Context, s *Session) {
	c.Set(ContextKey, s)
	if s.Authenticated() {
		c.Set("identity", s.Identity)
		c.Set("org", s.Org)
		c.Set("roles", s.Roles)
	}
	if m.pushContext != nil {
		m.pushContext(c, s)
	}
}

// FromContext returns the session stored by the middleware.
func FromContext(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}
