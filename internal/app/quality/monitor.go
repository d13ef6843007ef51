// Package quality samples transport statistics and classifies link
// health into coarse tiers.
package quality

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

// Classify derives the tier from a single reading. Most severe
// condition wins; boundary values (exactly 1%, 3%, 10% loss and the
// RTT/jitter equivalents) land in the lower-severity tier.
func Classify(lossPercent float64, rtt, jitter time.Duration) domain.QualityTier {
	switch {
	case lossPercent > 10 || rtt > 300*time.Millisecond || jitter > 50*time.Millisecond:
		return domain.TierPoor
	case lossPercent > 3 || rtt > 150*time.Millisecond || jitter > 30*time.Millisecond:
		return domain.TierFair
	case lossPercent > 1 || rtt > 50*time.Millisecond || jitter > 10*time.Millisecond:
		return domain.TierGood
	default:
		return domain.TierExcellent
	}
}

// Monitor periodically reads link stats while its context is live. The
// session loop runs one Monitor per connected stretch and cancels it on
// any non-connected state.
type Monitor struct {
	interval time.Duration
}

func NewMonitor(interval time.Duration) *Monitor {
	return &Monitor{interval: interval}
}

// Run samples until ctx is cancelled. Loss is computed over the
// sampling window from packet counter deltas, so a burst of historical
// loss does not poison every later sample.
func (m *Monitor) Run(ctx context.Context, link core.MediaLink, out chan<- domain.QualitySample) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var prevReceived uint64
	var prevLost int64
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := link.Stats()
		if err != nil {
			log.Warn().Str("module", "quality").Err(err).Msg("stats read failed")
			continue
		}

		sample := domain.QualitySample{
			RTT:    time.Duration(stats.RTTSeconds * float64(time.Second)),
			Jitter: time.Duration(stats.JitterSeconds * float64(time.Second)),
			At:     time.Now(),
		}
		if !first {
			dRecv := stats.PacketsReceived - prevReceived
			dLost := stats.PacketsLost - prevLost
			if dLost > 0 && dRecv+uint64(dLost) > 0 {
				sample.LossPercent = float64(dLost) / float64(dRecv+uint64(dLost)) * 100
			}
		}
		prevReceived, prevLost = stats.PacketsReceived, stats.PacketsLost
		first = false

		sample.Tier = Classify(sample.LossPercent, sample.RTT, sample.Jitter)

		select {
		case out <- sample:
		case <-ctx.Done():
			return
		}
	}
}
