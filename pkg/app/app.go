package app

import (
	"fmt"
	"net/http"
	"time"

	sentry "github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moreonion/mogin/pkg/config"
	"github.com/moreonion/mogin/pkg/metrics"
	"github.com/moreonion/mogin/pkg/proxyfix"
	"github.com/moreonion/mogin/pkg/system"
)

// Controller is implemented by API components that register routes on
// the app.
type Controller interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// SanityCheck verifies a startup requirement. New aborts construction
// and Run refuses to start the server when any check fails.
type SanityCheck func(a *App) error

// App bundles the HTTP engine with the ambient pieces every service
// needs.
type App struct {
	Name   string
	Engine *gin.Engine
	Config *config.Config
	Log    *zap.SugaredLogger

	sentryEnabled bool
	sanityChecks  []SanityCheck
}

// Option customizes app construction.
type Option func(*options)

type options struct {
	cfg          *config.Config
	cfgOpts      []config.Option
	middleware   []gin.HandlerFunc
	sanityChecks []SanityCheck
	metrics      bool
}

// WithConfig uses an already loaded configuration instead of loading one.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigOptions passes options through to config loading.
func WithConfigOptions(opts ...config.Option) Option {
	return func(o *options) { o.cfgOpts = append(o.cfgOpts, opts...) }
}

// WithTesting loads the configuration in testing mode.
func WithTesting() Option {
	return func(o *options) { o.cfgOpts = append(o.cfgOpts, config.WithTesting()) }
}

// WithMiddleware appends middleware after the built-in stack.
func WithMiddleware(handlers ...gin.HandlerFunc) Option {
	return func(o *options) { o.middleware = append(o.middleware, handlers...) }
}

// WithSanityCheck registers a startup check run at construction and
// again by Run.
func WithSanityCheck(checks ...SanityCheck) Option {
	return func(o *options) { o.sanityChecks = append(o.sanityChecks, checks...) }
}

// WithMetrics mounts the Prometheus endpoint on /metrics and records
// per-request metrics.
func WithMetrics() Option {
	return func(o *options) { o.metrics = true }
}

// New creates an App named name. The name shows up in the logger and as
// the Sentry server name prefix.
func New(name string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil {
		var err error
		cfg, err = config.New(o.cfgOpts...)
		if err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
	}

	logger, err := system.NewLogger(name, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		Name:   name,
		Config: cfg,
		Log:    logger,
	}

	if dsn := cfg.SentryDSN(); dsn != "" && !cfg.Testing() {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: cfg.SentryEnvironment(),
			Release:     name + "@" + system.Version,
		}); err != nil {
			return nil, fmt.Errorf("initializing sentry: %w", err)
		}
		a.sentryEnabled = true
	}

	switch {
	case cfg.Testing():
		gin.SetMode(gin.TestMode)
	case cfg.Debug():
		gin.SetMode(gin.DebugMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	// Client IPs come from the proxyfix middleware; gin's own forwarded
	// header handling must stay out of the way.
	_ = engine.SetTrustedProxies(nil)

	engine.Use(
		ginzap.Ginzap(logger.Desugar(), time.RFC3339, true),
		ginzap.RecoveryWithZap(logger.Desugar(), true),
	)

	proxy, err := proxyfix.New(cfg.TrustedProxies())
	if err != nil {
		return nil, fmt.Errorf("configuring trusted proxies: %w", err)
	}
	engine.Use(proxy.Handler())
	engine.Use(system.RequestLogger(logger))

	if a.sentryEnabled {
		engine.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}

	if cfg.Debug() {
		engine.Use(cors.New(cors.Config{
			AllowOrigins: []string{"http://localhost:5173", "http://127.0.0.1:8080"},
			AllowMethods: []string{"GET", "PUT", "PATCH", "POST", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Origin", "Authorization", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	if o.metrics {
		engine.Use(metrics.RequestMetrics())
	}
	for _, mw := range o.middleware {
		engine.Use(mw)
	}

	engine.GET("/healthz", a.healthz)
	if o.metrics {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	a.Engine = engine
	a.sanityChecks = o.sanityChecks

	if err := a.CheckSanity(); err != nil {
		return nil, err
	}

	logger.Infow("Application initialized",
		"version", system.Version,
		"debug", cfg.Debug(),
		"testing", cfg.Testing(),
	)
	return a, nil
}

// RegisterAll mounts the controllers below the api prefix.
func (a *App) RegisterAll(controllers []Controller) error {
	r := a.Engine.Group("api")
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return fmt.Errorf("registering controller %s: %w", c.BasePath(), err)
		}
	}
	return nil
}

// CheckSanity runs all registered sanity checks.
func (a *App) CheckSanity() error {
	for _, check := range a.sanityChecks {
		if err := check(a); err != nil {
			return fmt.Errorf("sanity check failed: %w", err)
		}
	}
	return nil
}

// Run checks sanity and serves until the listener fails. TLS is used
// when both server.tls_cert_file and server.tls_key_file are set.
func (a *App) Run() error {
	if err := a.CheckSanity(); err != nil {
		return err
	}
	if a.sentryEnabled {
		defer sentry.Flush(2 * time.Second)
	}

	addr := a.Config.ListenAddress()
	certFile := a.Config.TLSCertFile()
	keyFile := a.Config.TLSKeyFile()

	a.Log.Infow("Starting server", "addr", addr, "tls", certFile != "" && keyFile != "")
	if certFile != "" && keyFile != "" {
		return a.Engine.RunTLS(addr, certFile, keyFile)
	}
	return a.Engine.Run(addr)
}

func (a *App) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"name":    a.Name,
		"version": system.Version,
	})
}
