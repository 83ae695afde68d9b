package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clk := &clock{t: time.Now()}
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 2, Timeout: time.Minute, Now: clk.now})

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func() error { return errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, StateOpen, cb.State())

	clk.advance(15 * time.Second)
	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "llm", open.Name)
	assert.Equal(t, 45*time.Second, open.RetryAfter)
}

func TestBreakerIgnoresNonFailures(t *testing.T) {
	badInput := errors.New("invalid prompt")
	cb := NewCircuitBreaker("llm", Config{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, badInput) },
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return badInput })
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(3), cb.Counts().TotalSuccesses)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	clk := &clock{t: time.Now()}
	var transitions []string
	cb := NewCircuitBreaker("search", Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Second,
		Now:              clk.now,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func() error { return errUpstream })
	require.Equal(t, StateOpen, cb.State())

	clk.advance(11 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clk := &clock{t: time.Now()}
	cb := NewCircuitBreaker("graph", Config{FailureThreshold: 1, Timeout: time.Second, Now: clk.now})

	_ = cb.Execute(context.Background(), func() error { return errUpstream })
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(context.Background(), func() error { return errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerIntervalResetsClosedCounts(t *testing.T) {
	clk := &clock{t: time.Now()}
	cb := NewCircuitBreaker("llm", Config{FailureThreshold: 2, Interval: time.Minute, Now: clk.now})

	_ = cb.Execute(context.Background(), func() error { return errUpstream })
	clk.advance(2 * time.Minute)
	_ = cb.Execute(context.Background(), func() error { return errUpstream })

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFailures)
}

func TestBreakerCancelledContext(t *testing.T) {
	cb := NewCircuitBreaker("llm", Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint32(0), cb.Counts().Requests)
}
