package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnector keeps a tunnel alive: it dials, runs, and on failure retries
// with jittered exponential backoff. A successful connection resets the
// schedule.
type Reconnector struct {
	cfg         *Config
	port        int
	dialer      *ProxyDialer
	maxAttempts int

	// backoff drives the retry schedule; tests shrink its intervals.
	backoff *backoff.ExponentialBackOff

	running atomic.Bool
}

// NewReconnector builds the retry loop. maxAttempts 0 means retry forever.
func NewReconnector(cfg *Config, port int, dialer *ProxyDialer, maxAttempts int) *Reconnector {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.RandomizationFactor = 0.3
	bo.Multiplier = 2
	bo.MaxInterval = 60 * time.Second

	return &Reconnector{
		cfg:         cfg,
		port:        port,
		dialer:      dialer,
		maxAttempts: maxAttempts,
		backoff:     bo,
	}
}

// Run connects and reconnects until the context is cancelled or the attempt
// budget is spent. A second concurrent Run is a no-op: one loop owns the
// connection.
func (r *Reconnector) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		slog.Debug("reconnect loop already running")
		return nil
	}
	defer r.running.Store(false)

	r.backoff.Reset()
	attempts := 0

	for {
		tunnel, err := Connect(ctx, r.cfg, r.port, r.dialer)
		if err == nil {
			attempts = 0
			r.backoff.Reset()

			stop := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					tunnel.Close()
				case <-stop:
				}
			}()
			runErr := tunnel.Run()
			close(stop)

			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("tunnel connection lost", "error", runErr)
		} else {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("connecting to edge failed", "error", err)
		}

		attempts++
		if r.maxAttempts > 0 && attempts >= r.maxAttempts {
			return fmt.Errorf("giving up after %d connection attempts", attempts)
		}

		wait := r.backoff.NextBackOff()
		slog.Info("reconnecting", "attempt", attempts+1, "wait", wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
