package gateway

import (
	"errors"
	"sync"
	"time"
)

// Defaults for the replay guard.
const (
	DefaultTimestampTolerance = 5 * time.Minute
	DefaultReplayWindow       = 10 * time.Minute
)

var (
	// ErrStaleTimestamp means the webhook timestamp is outside the
	// accepted clock-skew tolerance.
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
	// ErrReplayed means the same signature was already accepted within the
	// replay window.
	ErrReplayed = errors.New("webhook signature already seen")
)

// ReplayGuard rejects webhooks whose timestamp is too far from now and
// webhooks whose signature was already accepted recently. Signatures cover
// the raw body, so a seen signature inside the window can only be a replay.
type ReplayGuard struct {
	tolerance time.Duration
	window    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // signature -> accepted at
}

// NewReplayGuard creates a guard. Non-positive durations fall back to defaults.
func NewReplayGuard(tolerance, window time.Duration) *ReplayGuard {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &ReplayGuard{
		tolerance: tolerance,
		window:    window,
		seen:      make(map[string]time.Time),
	}
}

// Check validates the timestamp and records the signature. Returns
// ErrStaleTimestamp or ErrReplayed on rejection; nil means the webhook is
// fresh and its signature is now remembered for the window.
func (g *ReplayGuard) Check(signature string, ts, now time.Time) error {
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.tolerance {
		return ErrStaleTimestamp
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(now)
	if _, ok := g.seen[signature]; ok {
		return ErrReplayed
	}
	g.seen[signature] = now
	return nil
}

// prune drops signatures older than the window. Called with the lock held.
func (g *ReplayGuard) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	for sig, at := range g.seen {
		if at.Before(cutoff) {
			delete(g.seen, sig)
		}
	}
}

// Len returns how many signatures are currently remembered.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
