package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moreonion/mogin/pkg/metrics"
)

// QueuedSinkConfig configures a QueuedSink.
type QueuedSinkConfig struct {
	// QueueSize is the size of the async event queue.
	// Default: 10000
	QueueSize int

	// WorkerCount is the number of async processing workers.
	// Default: 2
	WorkerCount int

	// WriteTimeout is the timeout for writing to the underlying sink.
	// Default: 5s
	WriteTimeout time.Duration

	// WarnOnDrop logs a warning for every dropped event. Off by default
	// since a full queue would flood the log.
	WarnOnDrop bool

	// CircuitBreakerThreshold is the number of consecutive failures before
	// the circuit opens. Default: 5
	CircuitBreakerThreshold int

	// CircuitBreakerResetTime is how long to wait before attempting to
	// close the circuit. Default: 30s
	CircuitBreakerResetTime time.Duration
}

// DefaultQueuedSinkConfig returns sensible defaults for a queued sink.
func DefaultQueuedSinkConfig() QueuedSinkConfig {
	return QueuedSinkConfig{
		QueueSize:               10000,
		WorkerCount:             2,
		WriteTimeout:            5 * time.Second,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetTime: 30 * time.Second,
	}
}

// Health reports the state of a queued sink.
type Health struct {
	Name             string    `json:"name"`
	Healthy          bool      `json:"healthy"`
	QueueLength      int       `json:"queueLength"`
	QueueCapacity    int       `json:"queueCapacity"`
	DroppedEvents    int64     `json:"droppedEvents"`
	ProcessedEvents  int64     `json:"processedEvents"`
	FailedEvents     int64     `json:"failedEvents"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	CircuitOpen      bool      `json:"circuitOpen"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitempty"`
	LastSuccessTime  time.Time `json:"lastSuccessTime,omitempty"`
}

// QueuedSink wraps a Sink with a dedicated queue. Write never blocks the
// caller; when the queue is full or the circuit breaker is open events are
// dropped and counted instead.
type QueuedSink struct {
	sink   Sink
	queue  chan *Event
	config QueuedSinkConfig
	logger *zap.Logger

	droppedEvents   atomic.Int64
	processedEvents atomic.Int64
	failedEvents    atomic.Int64

	consecutiveFails atomic.Int32
	circuitOpen      atomic.Bool
	lastResetAttempt atomic.Int64 // Unix timestamp

	mu              sync.RWMutex
	lastError       string
	lastErrorTime   time.Time
	lastSuccessTime time.Time

	wg     sync.WaitGroup
	closed atomic.Bool
	// sendMu serializes queue sends against close so a Write racing with
	// Close cannot send on a closed channel.
	sendMu sync.RWMutex
}

// NewQueuedSink creates a QueuedSink around an existing sink and starts
// its workers.
func NewQueuedSink(sink Sink, cfg QueuedSinkConfig, logger *zap.Logger) *QueuedSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerResetTime <= 0 {
		cfg.CircuitBreakerResetTime = 30 * time.Second
	}

	qs := &QueuedSink{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("queued-sink").With(zap.String("sink", sink.Name())),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		qs.wg.Add(1)
		go qs.processQueue(i)
	}

	qs.logger.Info("queued sink started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("write_timeout", cfg.WriteTimeout))

	return qs
}

// Write enqueues an event for async processing without blocking.
func (qs *QueuedSink) Write(_ context.Context, event *Event) error {
	if qs.closed.Load() {
		return fmt.Errorf("queued sink %s is closed", qs.sink.Name())
	}

	if qs.circuitOpen.Load() {
		lastReset := qs.lastResetAttempt.Load()
		now := time.Now().Unix()
		if now-lastReset >= int64(qs.config.CircuitBreakerResetTime.Seconds()) {
			if qs.lastResetAttempt.CompareAndSwap(lastReset, now) {
				qs.logger.Info("attempting to close circuit breaker")
				qs.circuitOpen.Store(false)
				qs.consecutiveFails.Store(0)
			}
		} else {
			qs.droppedEvents.Add(1)
			metrics.AuditEventsDropped.WithLabelValues(qs.sink.Name(), "circuit_open").Inc()
			return nil
		}
	}

	qs.sendMu.RLock()
	defer qs.sendMu.RUnlock()
	if qs.closed.Load() {
		return fmt.Errorf("queued sink %s is closed", qs.sink.Name())
	}

	select {
	case qs.queue <- event:
		return nil
	default:
		qs.droppedEvents.Add(1)
		metrics.AuditEventsDropped.WithLabelValues(qs.sink.Name(), "queue_full").Inc()
		if qs.config.WarnOnDrop {
			qs.logger.Warn("audit queue full, dropping event",
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID))
		}
		return nil
	}
}

func (qs *QueuedSink) processQueue(workerID int) {
	defer qs.wg.Done()

	for event := range qs.queue {
		ctx, cancel := context.WithTimeout(context.Background(), qs.config.WriteTimeout)
		err := qs.sink.Write(ctx, event)
		cancel()

		if err != nil {
			qs.failedEvents.Add(1)
			fails := qs.consecutiveFails.Add(1)
			metrics.AuditEventsFailed.WithLabelValues(qs.sink.Name()).Inc()

			qs.mu.Lock()
			qs.lastError = err.Error()
			qs.lastErrorTime = time.Now()
			qs.mu.Unlock()

			qs.logger.Error("failed to write audit event",
				zap.Int("worker", workerID),
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("error", err.Error()),
				zap.Int32("consecutive_fails", fails))

			if int(fails) >= qs.config.CircuitBreakerThreshold {
				if qs.circuitOpen.CompareAndSwap(false, true) {
					qs.lastResetAttempt.Store(time.Now().Unix())
					qs.logger.Warn("circuit breaker opened for sink",
						zap.Int32("consecutive_fails", fails))
				}
			}
		} else {
			qs.processedEvents.Add(1)
			qs.consecutiveFails.Store(0)
			metrics.AuditEventsEmitted.WithLabelValues(qs.sink.Name()).Inc()

			qs.mu.Lock()
			qs.lastSuccessTime = time.Now()
			qs.mu.Unlock()
		}
	}
}

// Health returns the current health status of this sink.
func (qs *QueuedSink) Health() Health {
	qs.mu.RLock()
	lastError := qs.lastError
	lastErrorTime := qs.lastErrorTime
	lastSuccessTime := qs.lastSuccessTime
	qs.mu.RUnlock()

	queueLen := len(qs.queue)
	queueCap := cap(qs.queue)
	circuitOpen := qs.circuitOpen.Load()

	// Healthy means the circuit is closed, the queue has headroom and the
	// sink either succeeded recently or has not errored yet.
	healthy := !circuitOpen &&
		float64(queueLen) < float64(queueCap)*0.8 &&
		(lastSuccessTime.After(time.Now().Add(-1*time.Minute)) || lastErrorTime.IsZero())

	return Health{
		Name:             qs.sink.Name(),
		Healthy:          healthy,
		QueueLength:      queueLen,
		QueueCapacity:    queueCap,
		DroppedEvents:    qs.droppedEvents.Load(),
		ProcessedEvents:  qs.processedEvents.Load(),
		FailedEvents:     qs.failedEvents.Load(),
		ConsecutiveFails: int(qs.consecutiveFails.Load()),
		CircuitOpen:      circuitOpen,
		LastError:        lastError,
		LastErrorTime:    lastErrorTime,
		LastSuccessTime:  lastSuccessTime,
	}
}

// Close drains the queue and shuts down the workers.
func (qs *QueuedSink) Close() error {
	if qs.closed.Swap(true) {
		return nil
	}

	// In-flight Writes hold the read lock; wait for them before closing
	// the channel.
	qs.sendMu.Lock()
	close(qs.queue)
	qs.sendMu.Unlock()
	qs.wg.Wait()

	return qs.sink.Close()
}

// Name returns the underlying sink's name.
func (qs *QueuedSink) Name() string {
	return qs.sink.Name()
}
