package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed: requests flow normally.
	StateClosed CircuitState = iota
	// StateOpen: requests fail fast.
	StateOpen
	// StateHalfOpen: one probe request is let through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned while the breaker is open.
	ErrCircuitOpen = errors.New("storage: circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open breaker already has
	// a probe in flight.
	ErrTooManyRequests = errors.New("storage: too many requests while circuit is half-open")
)

// CircuitBreaker fails fast after maxFailures consecutive backend errors
// and lets a single probe through once timeout has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures uint32
	timeout     time.Duration
	now         func() time.Time
	log         *zap.Logger

	state            CircuitState
	failures         uint32
	lastFailureTime  time.Time
	halfOpenInFlight bool

	totalRequests    uint64
	rejectedRequests uint64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures uint32, timeout time.Duration, log *zap.Logger) *CircuitBreaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
		log:         log,
		state:       StateClosed,
	}
}

// Execute runs fn under breaker protection. Errors that say nothing about
// backend health (missing object, bad key, caller cancellation) do not
// count as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.execute(fn, countsAsFailure)
}

func (cb *CircuitBreaker) execute(fn func() error, isFailure func(error) bool) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err != nil && isFailure(err), err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) <= cb.timeout {
			cb.rejectedRequests++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = true
		cb.log.Info("circuit_breaker_half_open", zap.Duration("timeout", cb.timeout))
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			cb.rejectedRequests++
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight = true
	}
	return nil
}

func (cb *CircuitBreaker) after(failed bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.halfOpenInFlight = false
	if failed {
		cb.failures++
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != StateOpen {
				cb.log.Warn("circuit_breaker_opened",
					zap.Uint32("failures", cb.failures),
					zap.Uint32("max_failures", cb.maxFailures),
					zap.Error(err))
			}
			cb.state = StateOpen
		}
		return
	}
	if cb.state == StateHalfOpen {
		cb.log.Info("circuit_breaker_closed", zap.String("reason", "recovery_successful"))
	}
	cb.state = StateClosed
	cb.failures = 0
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidKey) &&
		!errors.Is(err, context.Canceled)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStore wraps a remote Store with a CircuitBreaker so an
// unreachable bucket fails requests quickly instead of tying up handlers.
type BreakerStore struct {
	next Store
	cb   *CircuitBreaker
}

func NewBreakerStore(next Store, cb *CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

// Breaker exposes the underlying breaker for health reporting.
func (s *BreakerStore) Breaker() *CircuitBreaker { return s.cb }

func (s *BreakerStore) Mode() string { return s.next.Mode() }

// Put does not count a failure caused by the source reader (a client
// that disconnects or sends too much) against the backend.
func (s *BreakerStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (obj Object, err error) {
	src := &sourceReader{r: r}
	err = s.cb.execute(func() error {
		obj, err = s.next.Put(ctx, key, src, size, contentType)
		return err
	}, func(err error) bool {
		return src.err == nil && countsAsFailure(err)
	})
	return obj, err
}

// sourceReader remembers the first non-EOF error from r.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF && s.err == nil {
		s.err = err
	}
	return n, err
}

func (s *BreakerStore) Get(ctx context.Context, key string) (rc io.ReadCloser, obj Object, err error) {
	err = s.cb.Execute(func() error {
		rc, obj, err = s.next.Get(ctx, key)
		return err
	})
	return rc, obj, err
}

func (s *BreakerStore) Stat(ctx context.Context, key string) (obj Object, err error) {
	err = s.cb.Execute(func() error {
		obj, err = s.next.Stat(ctx, key)
		return err
	})
	return obj, err
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	return s.cb.Execute(func() error { return s.next.Delete(ctx, key) })
}

func (s *BreakerStore) List(ctx context.Context, prefix string) (objs []Object, err error) {
	err = s.cb.Execute(func() error {
		objs, err = s.next.List(ctx, prefix)
		return err
	})
	return objs, err
}

// Ping bypasses the breaker so readiness probes always reach the backend.
func (s *BreakerStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
