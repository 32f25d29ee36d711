package assign

import (
	"dispatchcore/internal/config"
	"dispatchcore/internal/model"
)

// Soft-constraint scoring. Every factor is normalized to 0-100 before its
// weight applies, so no single raw scale dominates.

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Score computes the weighted driver score for a route. The breakdown keeps
// each factor post-weight for audit.
func Score(d model.Driver, cfg config.AssignConfig) model.ScoreBreakdown {
	exp := clamp(d.ExperienceYears, 0, 20) / 20 * 100
	perf := clamp(d.OnTimeRate, 0, 1) * 100
	rating := clamp(d.CustomerRating, 0, 5) / 5 * 100
	eff := clamp(d.FuelEfficiency, 0, 100)
	safety := clamp(d.SafetyScore, 0, 100)

	b := model.ScoreBreakdown{
		Experience:  cfg.WeightExperience * exp,
		Performance: cfg.WeightPerformance * perf,
		Rating:      cfg.WeightRating * rating,
		Efficiency:  cfg.WeightEfficiency * eff,
		Safety:      cfg.WeightSafety * safety,
	}
	b.Total = b.Experience + b.Performance + b.Rating + b.Efficiency + b.Safety
	return b
}
