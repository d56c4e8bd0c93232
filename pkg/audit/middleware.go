package audit

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moreonion/mogin/pkg/config"
	"github.com/moreonion/mogin/pkg/session"
	"github.com/moreonion/mogin/pkg/system"
)

// Recorder emits audit events for an application.
type Recorder struct {
	sink    Sink
	service string
	skip    map[string]bool
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// SkipPaths excludes request paths from auditing, e.g. health and
// metrics endpoints polled by infrastructure.
func SkipPaths(paths ...string) RecorderOption {
	return func(r *Recorder) {
		for _, p := range paths {
			r.skip[p] = true
		}
	}
}

// NewRecorder creates a Recorder writing to the given sink.
func NewRecorder(sink Sink, service string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:    sink,
		service: service,
		skip:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRecorderFromConfig builds the sink stack from the audit.* settings.
// Events always go to the log; a Kafka sink and a webhook sink are added
// when configured. Each remote sink gets its own queue so a slow
// destination cannot stall requests or the other sinks.
func NewRecorderFromConfig(cfg *config.Config, service string, logger *zap.Logger, opts ...RecorderOption) (*Recorder, error) {
	sinks := []Sink{NewLogSink(logger)}

	queueCfg := DefaultQueuedSinkConfig()
	queueCfg.QueueSize = cfg.GetInt(config.KeyAuditQueueSize)
	queueCfg.WorkerCount = cfg.GetInt(config.KeyAuditWorkerCount)

	if brokers := cfg.AuditKafkaBrokers(); len(brokers) > 0 {
		kafkaSink, err := NewKafkaSink(KafkaSinkConfig{
			Brokers: brokers,
			Topic:   cfg.AuditKafkaTopic(),
		}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NewQueuedSink(kafkaSink, queueCfg, logger))
	}

	if url := cfg.AuditWebhookURL(); url != "" {
		webhook := NewWebhookSink(WebhookSinkConfig{URL: url}, logger)
		sinks = append(sinks, NewQueuedSink(webhook, queueCfg, logger))
	}

	return NewRecorder(NewMultiSink(sinks, logger), service, opts...), nil
}

// Emit writes a single event, stamping the service name.
func (r *Recorder) Emit(ctx context.Context, event *Event) error {
	event.Service = r.service
	return r.sink.Write(ctx, event)
}

// Close shuts down the underlying sinks.
func (r *Recorder) Close() error {
	return r.sink.Close()
}

// Middleware returns a handler that records one event per completed
// request, carrying the session identity when one is present.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.skip[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		event := NewEvent(EventRequestCompleted)
		event.Actor = Actor{
			SourceIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		if s, ok := session.FromContext(c); ok && s.Authenticated() {
			event.Actor.Identity = s.Identity
			event.Actor.Org = s.Org
			event.Actor.Roles = s.Roles
		}
		event.Request = &RequestInfo{
			ID:       system.GetRequestID(c),
			Method:   c.Request.Method,
			Path:     c.Request.URL.Path,
			Status:   c.Writer.Status(),
			Duration: time.Since(start),
		}
		if c.Writer.Status() == 401 {
			event.Type = EventAuthFailure
			event.Severity = SeverityForEventType(event.Type)
		} else if c.Writer.Status() == 403 {
			event.Type = EventAuthDenied
			event.Severity = SeverityForEventType(event.Type)
		}

		// Errors are already logged by the sinks; a failed audit write
		// must not fail the request.
		_ = r.Emit(c.Request.Context(), event)
	}
}
