package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableConfig points at a port nothing listens on.
func unreachableConfig() *Config {
	return &Config{Domain: "http://127.0.0.1:1"}
}

func fastReconnector(cfg *Config, maxAttempts int) *Reconnector {
	r := NewReconnector(cfg, 3000, nil, maxAttempts)
	r.backoff.InitialInterval = time.Millisecond
	r.backoff.MaxInterval = 5 * time.Millisecond
	r.backoff.Reset()
	return r
}

func TestReconnectorGivesUpAfterMaxAttempts(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	r := fastReconnector(unreachableConfig(), 3)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3")
}

func TestReconnectorStopsOnCancel(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	r := fastReconnector(unreachableConfig(), 0)
	err := r.Run(ctx)
	assert.NoError(t, err, "cancellation is a clean stop, not a failure")
}

func TestReconnectorSecondRunIsNoOp(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := fastReconnector(unreachableConfig(), 0)
	started := make(chan struct{})
	go func() {
		close(started)
		_ = r.Run(ctx)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Run should return immediately while the first owns the loop")
	}
}

func TestBackoffScheduleIsBoundedAndJittered(t *testing.T) {
	r := NewReconnector(unreachableConfig(), 3000, nil, 0)

	expected := time.Second
	for i := 0; i < 10; i++ {
		wait := r.backoff.NextBackOff()
		lower := time.Duration(float64(expected) * 0.69)
		upper := time.Duration(float64(expected) * 1.31)
		if expected > 60*time.Second {
			upper = time.Duration(float64(60*time.Second) * 1.31)
			lower = time.Duration(float64(60*time.Second) * 0.69)
		}
		assert.GreaterOrEqual(t, wait, lower, "attempt %d", i)
		assert.LessOrEqual(t, wait, upper, "attempt %d", i)
		expected *= 2
	}

	// A successful connection resets the schedule.
	r.backoff.Reset()
	wait := r.backoff.NextBackOff()
	assert.LessOrEqual(t, wait, time.Duration(float64(time.Second)*1.31))
}
