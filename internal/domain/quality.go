package domain

import "time"

// QualityTier is a coarse classification of link health.
type QualityTier int

const (
	TierExcellent QualityTier = iota
	TierGood
	TierFair
	TierPoor
)

func (t QualityTier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	}
	return "unknown"
}

// QualitySample is a point-in-time reading of the transport link.
// LossPercent is packet loss over the sampling window, 0-100.
type QualitySample struct {
	LossPercent float64
	RTT         time.Duration
	Jitter      time.Duration
	Tier        QualityTier
	At          time.Time
}
