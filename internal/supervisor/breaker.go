package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vegas-max/titan/pkg/logger"
)

// maxBackoffInterval caps the degraded scan interval.
const maxBackoffInterval = 30 * time.Second

// scanControl is the slice of the scanner the breaker drives.
type scanControl interface {
	Interval() time.Duration
	SetInterval(time.Duration)
}

// submitControl is the slice of the execution engine the breaker drives.
type submitControl interface {
	HoldSubmissions(bool)
}

// Breaker is the circuit breaker: consecutive execution failures slow the
// scanner and hold submissions; successes walk the system back to baseline.
// The breaker never stops the process.
type Breaker struct {
	logger    *logger.Logger
	threshold int
	baseline  time.Duration

	scanner   scanControl
	submitter submitControl
	probe     func(ctx context.Context) bool

	mu          sync.Mutex
	consecutive int
	tripped     bool
}

// NewBreaker creates a breaker around the scanner and engine.
func NewBreaker(log *logger.Logger, threshold int, baseline time.Duration, scanner scanControl, submitter submitControl, probe func(ctx context.Context) bool) *Breaker {
	return &Breaker{
		logger:    log.Named("circuit-breaker"),
		threshold: threshold,
		baseline:  baseline,
		scanner:   scanner,
		submitter: submitter,
		probe:     probe,
	}
}

// OnFailure records one breaker-countable failure. Every time the
// consecutive count reaches a multiple of the threshold the scan interval
// doubles, capped at thirty seconds.
func (b *Breaker) OnFailure(signalID, reason string) {
	b.mu.Lock()
	b.consecutive++
	trip := b.consecutive%b.threshold == 0
	count := b.consecutive
	b.mu.Unlock()

	b.logger.Debug("Execution failure recorded",
		zap.String("signal_id", signalID),
		zap.String("reason", reason),
		zap.Int("consecutive", count))

	if !trip {
		return
	}

	current := b.scanner.Interval()
	next := current * 2
	if next > maxBackoffInterval {
		next = maxBackoffInterval
	}
	b.scanner.SetInterval(next)
	b.submitter.HoldSubmissions(true)

	b.mu.Lock()
	b.tripped = true
	b.mu.Unlock()

	b.logger.Warn("Circuit breaker tripped",
		zap.Int("consecutive_failures", count),
		zap.Duration("scan_interval", next))

	// a probe cycle decides whether submissions may resume
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if b.probe != nil && b.probe(ctx) {
			b.submitter.HoldSubmissions(false)
			b.logger.Info("Probe cycle passed, submissions resumed")
		}
	}()
}

// OnSuccess records a successful execution: the consecutive count resets and
// the scan interval halves toward baseline.
func (b *Breaker) OnSuccess(signalID string) {
	b.mu.Lock()
	wasTripped := b.tripped
	b.consecutive = 0
	b.mu.Unlock()

	if !wasTripped {
		return
	}

	current := b.scanner.Interval()
	next := current / 2
	if next <= b.baseline {
		next = b.baseline
		b.mu.Lock()
		b.tripped = false
		b.mu.Unlock()
		b.submitter.HoldSubmissions(false)
		b.logger.Info("Circuit breaker reset to baseline",
			zap.Duration("scan_interval", next))
	} else {
		b.logger.Info("Circuit breaker recovering",
			zap.Duration("scan_interval", next))
	}
	b.scanner.SetInterval(next)
}

// Tripped reports whether the breaker is currently degraded.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
