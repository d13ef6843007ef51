// Package recovery decides between in-place transport repair and full
// rebuild when the media link degrades, with bounded budgets and
// backoff for each tier.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// RebuildFunc tears down the current link and re-runs the full connect
// sequence from credential fetch onward, returning the replacement link.
type RebuildFunc func(ctx context.Context) (core.MediaLink, error)

// Controller owns the attempt counters. All retry backoff in the
// system is centralized here: the broker and exchanger never retry on
// their own.
type Controller struct {
	broker    core.CredentialBroker
	exchanger core.Exchanger

	restartBudget  int
	restartCap     time.Duration
	rebuildBudget  int
	rebuildCap     time.Duration
	exchangeBudget int
	backoffBase    time.Duration

	// mu guards the counters: Recover runs off the session loop, and a
	// spontaneous connected edge resets them from the loop mid-recovery.
	mu       sync.Mutex
	restarts int
	rebuilds int

	logger zerolog.Logger
}

type Budgets struct {
	RestartAttempts  int
	RestartCap       time.Duration
	RebuildAttempts  int
	RebuildCap       time.Duration
	ExchangeAttempts int
	// BackoffBase is the first backoff step; defaults to 1s.
	BackoffBase time.Duration
}

func NewController(broker core.CredentialBroker, exchanger core.Exchanger, sid domain.SessionID, b Budgets) *Controller {
	if b.BackoffBase <= 0 {
		b.BackoffBase = time.Second
	}
	return &Controller{
		broker:         broker,
		exchanger:      exchanger,
		restartBudget:  b.RestartAttempts,
		restartCap:     b.RestartCap,
		rebuildBudget:  b.RebuildAttempts,
		rebuildCap:     b.RebuildCap,
		exchangeBudget: b.ExchangeAttempts,
		backoffBase:    b.BackoffBase,
		logger:         log.With().Str("module", "recovery").Str("sid", string(sid)).Logger(),
	}
}

// ResetCounters zeroes both attempt counters. Called whenever the
// transport reaches connected.
func (c *Controller) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarts != 0 || c.rebuilds != 0 {
		c.logger.Info().Int("restarts", c.restarts).Int("rebuilds", c.rebuilds).Msg("transport recovered, resetting attempt counters")
	}
	c.restarts = 0
	c.rebuilds = 0
}

func (c *Controller) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Controller) Rebuilds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuilds
}

// takeRestart claims one attempt from the in-place repair budget.
func (c *Controller) takeRestart() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restarts >= c.restartBudget {
		return 0, false
	}
	c.restarts++
	return c.restarts, true
}

// takeRebuild claims one attempt from the full rebuild budget.
func (c *Controller) takeRebuild() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rebuilds >= c.rebuildBudget {
		return 0, false
	}
	c.rebuilds++
	return c.rebuilds, true
}

// Negotiate runs one signaling exchange for the given link: fetch a
// fresh ephemeral key, produce the local description, exchange it,
// apply the answer. Throttled and server errors are retried with
// exponential backoff from 1s; each retry fetches a new key because
// the previous one is invalidated server-side after one use.
func (c *Controller) Negotiate(ctx context.Context, accountToken string, sid domain.SessionID, link core.MediaLink, restart bool) error {
	var lastErr error
	for attempt := 0; attempt < c.exchangeBudget; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.backoff(attempt, 0)); err != nil {
				return err
			}
			c.logger.Info().Int("attempt", attempt+1).Msg("retrying signaling exchange")
		}

		key, err := c.broker.EphemeralKey(ctx, accountToken, sid)
		if err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		var offer string
		if restart {
			offer, err = link.RestartOffer(ctx)
		} else {
			offer, err = link.Offer(ctx)
		}
		if err != nil {
			return err
		}

		answer, err := c.exchanger.Exchange(ctx, offer, key)
		if err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}
		return link.ApplyAnswer(answer)
	}
	return lastErr
}

// Recover runs one recovery cycle for an adverse transport event and
// returns the live link, which tier 2 may have replaced. A failed
// transport skips tier 1: failed means the transport itself has given
// up, not a transient link blip. Counters persist across calls until
// the transport reaches connected, so a repair that never converges
// still escalates.
func (c *Controller) Recover(ctx context.Context, event core.TransportEventKind, link core.MediaLink, accountToken string, sid domain.SessionID, rebuild RebuildFunc) (core.MediaLink, error) {
	if event != core.TransportFailed {
		for {
			attempt, ok := c.takeRestart()
			if !ok {
				break
			}
			c.logger.Info().Int("attempt", attempt).Msg("attempting in-place ICE restart")
			if err := sleep(ctx, c.backoff(attempt, c.restartCap)); err != nil {
				return link, err
			}
			err := c.Negotiate(ctx, accountToken, sid, link, true)
			if err == nil {
				c.logger.Info().Msg("ICE restart applied")
				return link, nil
			}
			if fatal(err) {
				return link, err
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("ICE restart failed")
		}
		c.logger.Warn().Msg("in-place repair budget exhausted, escalating to full rebuild")
	} else {
		c.logger.Warn().Msg("transport failed, skipping in-place repair")
	}

	for {
		attempt, ok := c.takeRebuild()
		if !ok {
			break
		}
		c.logger.Info().Int("attempt", attempt).Msg("attempting full rebuild")
		if err := sleep(ctx, c.backoff(attempt, c.rebuildCap)); err != nil {
			return link, err
		}
		newLink, err := rebuild(ctx)
		if err == nil {
			c.logger.Info().Msg("full rebuild negotiated")
			return newLink, nil
		}
		if fatal(err) {
			return link, err
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("full rebuild failed")
	}

	return link, core.ErrRecoveryExhausted
}

func retryable(err error) bool {
	return errors.Is(err, core.ErrThrottled) || errors.Is(err, core.ErrServer) || errors.Is(err, core.ErrUnavailable)
}

func fatal(err error) bool {
	return errors.Is(err, core.ErrAuthFailed) ||
		errors.Is(err, core.ErrNotFound) ||
		errors.Is(err, core.ErrMediaUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// backoff is exponential from the base: attempt 1 waits base, attempt
// 2 waits 2x base, attempt 3 waits 4x base, capped when ceil > 0.
func (c *Controller) backoff(attempt int, ceil time.Duration) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if ceil > 0 && d > ceil {
		return ceil
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
