package system

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/moreonion/mogin/pkg/config"
)

// ReqLoggerKey is the context key used to store the request-scoped logger in
// the gin context.
const ReqLoggerKey = "reqLogger"

// RequestIDKey is the context key under which the request id is stored.
const RequestIDKey = "requestID"

// NewLogger builds the application logger from the configuration. It always
// logs to stderr; when log.file is set a second JSON core writes to a
// size-rotated file.
func NewLogger(name string, cfg *config.Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel())
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel(), err)
	}
	if cfg.Debug() && level > zapcore.DebugLevel {
		level = zapcore.DebugLevel
	}

	var encoder zapcore.Encoder
	if cfg.Debug() {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}

	if file := cfg.LogFile(); file != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.LogFileMaxSize(),
			MaxBackups: cfg.LogFileCount(),
		})
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), writer, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger.Named(name).Sugar(), nil
}

// RequestLogger returns a middleware that stores a request-scoped logger in
// the gin context. The logger carries a request id and the basic request
// fields so downstream handlers can log with context attached.
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		reqLogger := logger.With(
			"request_id", requestID,
			"remote_addr", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.Set(RequestIDKey, requestID)
		c.Set(ReqLoggerKey, reqLogger)
		start := time.Now()
		c.Next()
		reqLogger.Debugw("Request finished",
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

// GetReqLogger returns the request-scoped sugared logger from gin.Context if
// present, otherwise the provided fallback.
func GetReqLogger(c *gin.Context, fallback *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil {
		return fallback
	}
	if v, ok := c.Get(ReqLoggerKey); ok {
		if l, ok2 := v.(*zap.SugaredLogger); ok2 {
			return l
		}
	}
	return fallback
}

// GetRequestID returns the request id assigned by RequestLogger, or the
// empty string when the middleware did not run.
func GetRequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok2 := v.(string); ok2 {
			return id
		}
	}
	return ""
}

// EnrichReqLoggerWithSession annotates the request-scoped logger with any
// session identity fields available in the gin context (identity, org,
// roles). Returns a new sugared logger with the additional fields attached.
func EnrichReqLoggerWithSession(c *gin.Context, reqLogger *zap.SugaredLogger) *zap.SugaredLogger {
	if c == nil || reqLogger == nil {
		return reqLogger
	}
	if v, ok := c.Get("identity"); ok {
		if identity, ok2 := v.(string); ok2 && identity != "" {
			reqLogger = reqLogger.With("identity", identity)
		}
	}
	if v, ok := c.Get("org"); ok {
		if org, ok2 := v.(string); ok2 && org != "" {
			reqLogger = reqLogger.With("org", org)
		}
	}
	if v, ok := c.Get("roles"); ok {
		if roles, ok2 := v.([]string); ok2 && len(roles) > 0 {
			reqLogger = reqLogger.With("roleCount", len(roles))
			// full role list is useful at debug level only
			reqLogger.Debugw("Session roles", "roles", roles)
		}
	}
	return reqLogger
}
