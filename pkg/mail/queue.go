package mail

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueItem represents a single mail to be sent with retry information.
type QueueItem struct {
	ID        string
	Receivers []string
	Subject   string
	Body      string
	Attempt   int
	CreatedAt time.Time
	NextRetry time.Time
	Succeeded bool
}

// Queue manages asynchronous mail sending with retries.
type Queue struct {
	sender         Sender
	queue          chan *QueueItem
	log            *zap.SugaredLogger
	maxRetries     int
	initialBackoff time.Duration
	maxQueueSize   int
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

// NewQueue creates a mail queue for asynchronous sending.
func NewQueue(sender Sender, log *zap.SugaredLogger, maxRetries int, initialBackoff time.Duration, maxQueueSize int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if initialBackoff <= 0 {
		initialBackoff = 10 * time.Second
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sender:         sender,
		queue:          make(chan *QueueItem, maxQueueSize),
		log:            log,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxQueueSize:   maxQueueSize,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the queue worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Enqueue adds a mail to the queue for sending. It returns an error when
// the queue is full or shutting down.
func (q *Queue) Enqueue(receivers []string, subject, body string) error {
	if len(receivers) == 0 {
		return fmt.Errorf("cannot enqueue mail with no receivers")
	}

	select {
	case <-q.ctx.Done():
		return fmt.Errorf("mail queue is shutting down")
	default:
	}

	item := &QueueItem{
		ID:        uuid.NewString(),
		Receivers: receivers,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
		NextRetry: time.Now(),
	}

	select {
	case q.queue <- item:
		q.log.Debugw("Mail queued", "id", item.ID, "receivers", len(receivers), "subject", subject)
		return nil
	case <-q.ctx.Done():
		return fmt.Errorf("mail queue is shutting down")
	default:
		q.log.Errorw("Mail queue is full, dropping message",
			"id", item.ID, "receivers", len(receivers), "queueSize", q.maxQueueSize)
		return fmt.Errorf("mail queue is full (capacity: %d)", q.maxQueueSize)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	pending := make([]*QueueItem, 0)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.drainPending(pending)
			return

		case item := <-q.queue:
			if item == nil {
				continue
			}
			q.processItem(item)
			if !item.Succeeded && item.Attempt < q.maxRetries {
				pending = append(pending, item)
			}

		case <-ticker.C:
			now := time.Now()
			remaining := pending[:0]
			for _, item := range pending {
				if !item.Succeeded && now.After(item.NextRetry) {
					q.processItem(item)
				}
				if !item.Succeeded && item.Attempt < q.maxRetries {
					remaining = append(remaining, item)
				}
			}
			pending = remaining
		}
	}
}

func (q *Queue) processItem(item *QueueItem) {
	item.Attempt++

	err := q.sender.Send(item.Receivers, item.Subject, item.Body)
	if err == nil {
		q.log.Infow("Queued mail sent", "id", item.ID, "attempt", item.Attempt)
		item.Succeeded = true
		return
	}

	if item.Attempt < q.maxRetries {
		backoff := q.backoff(item.Attempt)
		item.NextRetry = time.Now().Add(backoff)
		q.log.Warnw("Mail send failed, scheduling retry",
			"id", item.ID, "attempt", item.Attempt, "error", err, "retryIn", backoff.String())
	} else {
		q.log.Errorw("Mail send failed after all retries",
			"id", item.ID, "attempts", item.Attempt, "error", err, "subject", item.Subject)
	}
}

// drainPending gives items one final attempt on shutdown.
func (q *Queue) drainPending(items []*QueueItem) {
	for _, item := range items {
		if item.Attempt < q.maxRetries {
			q.processItem(item)
		}
	}
}

// backoff computes exponential backoff, capped at 30 minutes.
func (q *Queue) backoff(attempt int) time.Duration {
	d := time.Duration(float64(q.initialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > 30*time.Minute {
		d = 30 * time.Minute
	}
	return d
}

// Stop gracefully shuts down the queue and waits for the worker to finish.
func (q *Queue) Stop(ctx context.Context) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.log.Warn("Mail queue shutdown timeout, some items may not have been processed")
		return ctx.Err()
	}
}

// Length returns the current number of items waiting in the queue channel.
func (q *Queue) Length() int {
	return len(q.queue)
}
