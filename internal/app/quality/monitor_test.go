package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reachlabs/voicebridge/internal/core"
	"github.com/reachlabs/voicebridge/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		loss   float64
		rtt    time.Duration
		jitter time.Duration
		want   domain.QualityTier
	}{
		{"all zero", 0, 0, 0, domain.TierExcellent},
		{"loss at 1 percent boundary", 1, 0, 0, domain.TierExcellent},
		{"loss just past 1 percent", 1.01, 0, 0, domain.TierGood},
		{"rtt at 50ms boundary", 0, 50 * time.Millisecond, 0, domain.TierExcellent},
		{"rtt just past 50ms", 0, 51 * time.Millisecond, 0, domain.TierGood},
		{"jitter at 10ms boundary", 0, 0, 10 * time.Millisecond, domain.TierExcellent},
		{"loss at 3 percent boundary", 3, 0, 0, domain.TierGood},
		{"loss just past 3 percent", 3.5, 0, 0, domain.TierFair},
		{"rtt at 150ms boundary", 0, 150 * time.Millisecond, 0, domain.TierGood},
		{"rtt just past 150ms", 0, 151 * time.Millisecond, 0, domain.TierFair},
		{"jitter just past 30ms", 0, 0, 31 * time.Millisecond, domain.TierFair},
		{"loss at 10 percent boundary", 10, 0, 0, domain.TierFair},
		{"loss just past 10 percent", 10.1, 0, 0, domain.TierPoor},
		{"rtt just past 300ms", 0, 301 * time.Millisecond, 0, domain.TierPoor},
		{"jitter just past 50ms", 0, 0, 51 * time.Millisecond, domain.TierPoor},
		{"worst condition wins", 0.5, 40 * time.Millisecond, 60 * time.Millisecond, domain.TierPoor},
		{"mixed mid tiers", 2, 200 * time.Millisecond, 5 * time.Millisecond, domain.TierFair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.loss, tt.rtt, tt.jitter))
		})
	}
}

// statsLink serves a scripted sequence of stats readings.
type statsLink struct {
	mu    sync.Mutex
	seq   []core.LinkStats
	calls int
}

func (s *statsLink) Stats() (core.LinkStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.seq) {
		i = len(s.seq) - 1
	}
	s.calls++
	return s.seq[i], nil
}

func (s *statsLink) Offer(context.Context) (string, error)          { return "", nil }
func (s *statsLink) RestartOffer(context.Context) (string, error)   { return "", nil }
func (s *statsLink) ApplyAnswer(string) error                       { return nil }
func (s *statsLink) LocalFeed() core.PCMFeed                        { return nil }
func (s *statsLink) RemoteFeed() core.PCMFeed                       { return nil }
func (s *statsLink) Events() <-chan core.TransportEvent             { return nil }
func (s *statsLink) Generation() uint64                             { return 0 }
func (s *statsLink) SetMuted(bool)                                  {}
func (s *statsLink) Close() error                                   { return nil }

func TestMonitorWindowedLoss(t *testing.T) {
	link := &statsLink{seq: []core.LinkStats{
		// First read seeds the counters; loss must be reported as zero.
		{PacketsReceived: 1000, PacketsLost: 500, RTTSeconds: 0.02, JitterSeconds: 0.005},
		// Window delta: 20 lost out of 100, 20% loss.
		{PacketsReceived: 1080, PacketsLost: 520, RTTSeconds: 0.02, JitterSeconds: 0.005},
		// Clean window afterwards.
		{PacketsReceived: 1180, PacketsLost: 520, RTTSeconds: 0.02, JitterSeconds: 0.005},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.QualitySample, 8)

	m := NewMonitor(5 * time.Millisecond)
	go m.Run(ctx, link, out)

	collect := func() domain.QualitySample {
		select {
		case s := <-out:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sample")
			return domain.QualitySample{}
		}
	}

	first := collect()
	assert.Zero(t, first.LossPercent)
	assert.Equal(t, domain.TierExcellent, first.Tier)

	second := collect()
	require.InDelta(t, 20.0, second.LossPercent, 0.01)
	assert.Equal(t, domain.TierPoor, second.Tier)

	third := collect()
	assert.Zero(t, third.LossPercent)
	assert.Equal(t, domain.TierExcellent, third.Tier)
}
