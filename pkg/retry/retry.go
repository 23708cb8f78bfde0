// Package retry wraps calls to external services with exponential backoff and
// full jitter.
//
// Only errors accepted by the executor's retryable predicate are retried. Any
// other error stops the loop on the attempt that produced it and is returned
// to the caller unmodified. When every attempt fails the last error is
// returned.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// Config controls the backoff schedule.
type Config struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=1,max=20"`

	// BaseDelay is the upper bound of the first retry delay.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"gt=0"`

	// MaxDelay caps the upper bound of every retry delay.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
}

// DefaultConfig returns five attempts starting around one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Executor runs operations under a backoff policy. It is safe for concurrent use.
type Executor struct {
	cfg       Config
	retryable func(error) bool
	newTimer  func() backoff.Timer
	int64N    func(n int64) int64
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock drives retry delays from clock.
func WithClock(clock quartz.Clock) Option {
	return func(e *Executor) {
		e.newTimer = func() backoff.Timer { return &clockTimer{clock: clock} }
	}
}

// WithTimer replaces the delay timer. newTimer is called once per Run.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(e *Executor) {
		e.newTimer = newTimer
	}
}

// WithRandom replaces the jitter source. int64N must return a value in [0, n).
func WithRandom(int64N func(n int64) int64) Option {
	return func(e *Executor) {
		e.int64N = int64N
	}
}

// WithTelemetry logs and counts retries.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Executor) {
		e.logger = tel.Logger.NewComponentLogger("retry")
		e.metrics = tel.Metrics
	}
}

// New creates an Executor that retries errors for which retryable returns true.
func New(cfg Config, retryable func(error) bool, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}

	e := &Executor{
		cfg:       cfg,
		retryable: retryable,
		int64N:    rand.Int64N,
		logger:    telemetry.NewNopLogger(),
	}
	WithClock(quartz.NewReal())(e)
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return e
}

// Config returns the executor's backoff schedule.
func (e *Executor) Config() Config {
	return e.cfg
}

// Run calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. operation names the call in logs and metrics.
func (e *Executor) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Run for operations that return a value.
func Do[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err != nil && !e.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		e.metrics.RecordRetry(operation)
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warn("retrying after retryable error")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(e.newBackOff(), uint64(e.cfg.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryNotifyWithTimerAndData(op, policy, notify, e.newTimer())
}

func (e *Executor) newBackOff() *fullJitter {
	return &fullJitter{
		base:   e.cfg.BaseDelay,
		max:    e.cfg.MaxDelay,
		int64N: e.int64N,
	}
}

// fullJitter draws the n-th delay uniformly from [0, min(max, base*2^n)].
type fullJitter struct {
	base, max time.Duration
	attempt   int
	int64N    func(n int64) int64
}

func (b *fullJitter) NextBackOff() time.Duration {
	ceiling := b.ceiling(b.attempt)
	b.attempt++
	return time.Duration(b.int64N(int64(ceiling) + 1))
}

func (b *fullJitter) Reset() {
	b.attempt = 0
}

func (b *fullJitter) ceiling(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		if d >= b.max/2 {
			return b.max
		}
		d *= 2
	}
	if d > b.max {
		return b.max
	}
	return d
}

// clockTimer adapts a quartz clock to backoff.Timer.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d, "retry")
		return
	}
	t.timer.Reset(d, "retry")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
