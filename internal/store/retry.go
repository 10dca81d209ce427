package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gzhole/consentgate/internal/audit"
)

// ErrDegraded wraps every append that could not reach the backend and was
// queued instead.
var ErrDegraded = errors.New("persistence degraded")

// RetryOptions tunes the Retrying wrapper.
type RetryOptions struct {
	// Backoff is the initial gap between retries. It doubles after every
	// failed attempt up to MaxBackoff and resets after a success.
	Backoff    time.Duration
	MaxBackoff time.Duration
	MaxQueue   int
	Logger     *slog.Logger
}

// DefaultRetryOptions returns the built-in retry pacing.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		MaxQueue:   10000,
	}
}

// Retrying queues entries the backend rejects and replays them in order.
// While the queue is non-empty, new entries join its tail so the backend
// never sees them out of sequence.
type Retrying struct {
	inner Store
	opts  RetryOptions

	mu      sync.Mutex
	queue   []audit.Entry
	limiter *rate.Limiter
	backoff time.Duration
	lastErr error
	wake    chan struct{}
	logger  *slog.Logger
}

// NewRetrying wraps inner.
func NewRetrying(inner Store, opts RetryOptions) *Retrying {
	def := DefaultRetryOptions()
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = opts.Backoff
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = def.MaxQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		inner:   inner,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.Backoff), 1),
		backoff: opts.Backoff,
		wake:    make(chan struct{}, 1),
		logger:  logger.With("component", "store"),
	}
}

// Append writes e, or queues it when the backend fails or a backlog exists.
// A queued entry returns an error wrapping ErrDegraded.
func (r *Retrying) Append(e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) > 0 && r.limiter.Allow() {
		r.drainLocked()
	}
	if len(r.queue) == 0 {
		err := r.inner.Append(e)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		r.failedLocked(err)
	}
	return r.enqueueLocked(e)
}

func (r *Retrying) enqueueLocked(e audit.Entry) error {
	if len(r.queue) >= r.opts.MaxQueue {
		r.logger.Error("PersistenceDegraded: retry queue full, entry kept in memory only",
			"seq", e.Seq, "queued", len(r.queue))
		return fmt.Errorf("%w: %w", ErrDegraded, ErrQueueFull)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	r.queue = append(r.queue, e)
	r.logger.Warn("PersistenceDegraded: audit entry queued for retry",
		"seq", e.Seq, "queued", len(r.queue), "error", r.lastErr)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return fmt.Errorf("%w: %v", ErrDegraded, r.lastErr)
}

func (r *Retrying) failedLocked(err error) {
	r.lastErr = err
	r.backoff *= 2
	if r.backoff > r.opts.MaxBackoff {
		r.backoff = r.opts.MaxBackoff
	}
	r.limiter.SetLimit(rate.Every(r.backoff))
}

// drainLocked writes queued entries until one fails. It reports whether
// the queue is now empty.
func (r *Retrying) drainLocked() bool {
	for len(r.queue) > 0 {
		if err := r.inner.Append(r.queue[0]); err != nil {
			r.failedLocked(err)
			return false
		}
		r.queue = r.queue[1:]
	}
	if r.backoff != r.opts.Backoff {
		r.logger.Info("persistence recovered")
	}
	r.backoff = r.opts.Backoff
	r.lastErr = nil
	r.limiter.SetLimit(rate.Every(r.backoff))
	return true
}

// Flush retries the backlog once, waiting for the limiter first.
func (r *Retrying) Flush(ctx context.Context) error {
	if r.Pending() == 0 {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.drainLocked() {
		return fmt.Errorf("%w: %d entries pending: %v", ErrDegraded, len(r.queue), r.lastErr)
	}
	return nil
}

// Run retries the backlog in the background until ctx is done.
func (r *Retrying) Run(ctx context.Context) {
	for {
		if r.Pending() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			}
		}
		if err := r.Flush(ctx); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// Pending returns the number of queued entries.
func (r *Retrying) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Retrying) Load(ctx context.Context) ([]audit.Entry, error) {
	return r.inner.Load(ctx)
}

// Close makes one last attempt at the backlog, then closes the backend.
func (r *Retrying) Close() error {
	r.mu.Lock()
	pending := len(r.queue)
	if pending > 0 {
		r.drainLocked()
		pending = len(r.queue)
	}
	r.mu.Unlock()

	err := r.inner.Close()
	if pending > 0 {
		r.logger.Error("PersistenceDegraded: closing with unpersisted entries", "pending", pending)
		return errors.Join(fmt.Errorf("%w: %d entries not persisted", ErrDegraded, pending), err)
	}
	return err
}
