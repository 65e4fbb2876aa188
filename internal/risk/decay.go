package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tripwire/sentinel/internal/model"
)

// DecayResult summarizes one decay pass.
type DecayResult struct {
	Scanned int
	Updated int
}

// Decay lowers the current score of rows older than the decay interval.
// The new value is always recomputed from the original total as
// total * factor^elapsedIntervals, clamped so it never exceeds the stored
// current score. A row is only rewritten when the score drops by at least
// MinDecayDelta or reaches zero.
func (e *Engine) Decay(ctx context.Context) (DecayResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res DecayResult
	now := e.now()
	cands, err := e.store.DecayCandidates(ctx, now.Add(-e.cfg.DecayInterval))
	if err != nil {
		return res, fmt.Errorf("risk: decay candidates: %w", err)
	}

	for _, rs := range cands {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		next, ok := e.decayed(rs, now)
		if !ok {
			continue
		}
		if err := e.store.UpdateDecayedScore(ctx, rs.ID, next); err != nil {
			return res, fmt.Errorf("risk: decay score %d: %w", rs.ID, err)
		}
		res.Updated++

		if cur := e.current.Load(); cur != nil && cur.ID == rs.ID {
			updated := *cur
			updated.Decayed = true
			updated.CurrentScore = &next
			e.setCurrent(updated)
			e.metrics.RiskScore(next)
		}
	}
	if res.Updated > 0 {
		e.logger.Info("risk scores decayed",
			slog.Int("scanned", res.Scanned),
			slog.Int("updated", res.Updated),
		)
	}
	return res, nil
}

// decayed returns the score rs should be rewritten to, if any.
func (e *Engine) decayed(rs model.RiskScore, now time.Time) (int, bool) {
	elapsed := int(now.Sub(rs.Timestamp) / e.cfg.DecayInterval)
	if elapsed < 1 {
		return 0, false
	}
	stored := rs.EffectiveScore()
	next := int(math.Floor(float64(rs.TotalScore) * math.Pow(e.cfg.DecayFactor, float64(elapsed))))
	next = max(0, min(next, stored))

	drop := stored - next
	switch {
	case next == 0:
		return 0, stored > 0 || !rs.Decayed
	case drop > 0 && drop >= e.cfg.MinDecayDelta:
		return next, true
	default:
		return 0, false
	}
}
