package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vegas-max/titan/pkg/logger"
)

// fakeScanner records interval adjustments.
type fakeScanner struct {
	mu       sync.Mutex
	interval time.Duration
}

func (f *fakeScanner) Interval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

func (f *fakeScanner) SetInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
}

// fakeSubmitter records the hold flag.
type fakeSubmitter struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeSubmitter) HoldSubmissions(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = hold
}

func (f *fakeSubmitter) isHeld() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func newTestBreaker(threshold int, baseline time.Duration) (*Breaker, *fakeScanner, *fakeSubmitter) {
	scanner := &fakeScanner{interval: baseline}
	submitter := &fakeSubmitter{}
	// probes fail in tests so the breaker cannot self-release the hold
	probe := func(ctx context.Context) bool { return false }
	b := NewBreaker(logger.New("test"), threshold, baseline, scanner, submitter, probe)
	return b, scanner, submitter
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, scanner, submitter := newTestBreaker(10, time.Second)

	for i := 0; i < 9; i++ {
		b.OnFailure("sig", "SimulationReverted")
	}
	assert.False(t, b.Tripped())
	assert.Equal(t, time.Second, scanner.Interval())

	// the tenth consecutive failure trips: interval doubles, submissions hold
	b.OnFailure("sig", "SimulationReverted")
	assert.True(t, b.Tripped())
	assert.Equal(t, 2*time.Second, scanner.Interval())
	assert.True(t, submitter.isHeld())
}

func TestBreakerDoublesAgainAtTwiceThreshold(t *testing.T) {
	b, scanner, _ := newTestBreaker(10, time.Second)

	for i := 0; i < 10; i++ {
		b.OnFailure("sig", "Reverted")
	}
	assert.Equal(t, 2*time.Second, scanner.Interval())

	for i := 0; i < 10; i++ {
		b.OnFailure("sig", "Reverted")
	}
	assert.Equal(t, 4*time.Second, scanner.Interval())
}

func TestBreakerCapsAtThirtySeconds(t *testing.T) {
	b, scanner, _ := newTestBreaker(1, 8*time.Second)

	b.OnFailure("sig", "Reverted") // 16s
	b.OnFailure("sig", "Reverted") // 30s (capped from 32)
	b.OnFailure("sig", "Reverted") // stays 30s
	assert.Equal(t, 30*time.Second, scanner.Interval())
}

func TestBreakerRecoversOnSuccess(t *testing.T) {
	b, scanner, submitter := newTestBreaker(10, time.Second)

	for i := 0; i < 20; i++ {
		b.OnFailure("sig", "Reverted")
	}
	assert.Equal(t, 4*time.Second, scanner.Interval())

	// successes halve the interval back toward baseline
	b.OnSuccess("sig")
	assert.Equal(t, 2*time.Second, scanner.Interval())
	assert.True(t, b.Tripped())

	b.OnSuccess("sig")
	assert.Equal(t, time.Second, scanner.Interval())
	assert.False(t, b.Tripped())
	assert.False(t, submitter.isHeld())
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, scanner, _ := newTestBreaker(10, time.Second)

	for i := 0; i < 9; i++ {
		b.OnFailure("sig", "Reverted")
	}
	b.OnSuccess("sig")
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// nine more failures after the reset do not trip
	for i := 0; i < 9; i++ {
		b.OnFailure("sig", "Reverted")
	}
	assert.False(t, b.Tripped())
	assert.Equal(t, time.Second, scanner.Interval())
}

func TestBreakerNeverStopsBelowBaseline(t *testing.T) {
	b, scanner, _ := newTestBreaker(1, time.Second)

	b.OnFailure("sig", "Reverted")
	b.OnSuccess("sig")
	b.OnSuccess("sig")
	b.OnSuccess("sig")
	assert.Equal(t, time.Second, scanner.Interval())
}
