package handlers

import "time"

// AdaptiveSampler picks the capture cadence from how recently the user did
// anything. Input snaps the loop back to the fast cadence at once; going idle
// waits out IdleTimeout.
type AdaptiveSampler struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	IdleTimeout time.Duration
}

type SamplerDecision struct {
	IsIdle   bool
	Interval time.Duration
}

func (s AdaptiveSampler) Decide(lastActivity, now time.Time) SamplerDecision {
	idle := now.Sub(lastActivity) > s.IdleTimeout
	if idle {
		return SamplerDecision{IsIdle: true, Interval: s.MaxInterval}
	}
	return SamplerDecision{IsIdle: false, Interval: s.MinInterval}
}
