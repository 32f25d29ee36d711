package opt

import "dispatchcore/internal/config"

// Strategy orders a problem's stops. All strategies are deterministic for
// identical input: ties break on the lowest order id.
type Strategy interface {
	Name() string
	Order(p *Problem) []int
}

// strategyFor selects the construction tier by instance size: nearest
// neighbor for small instances, savings for medium, population search above.
func strategyFor(n int, cfg config.OptimizerConfig) Strategy {
	nearestMax := cfg.NearestMax
	if nearestMax <= 0 {
		nearestMax = 15
	}
	savingsMax := cfg.SavingsMax
	if savingsMax <= 0 {
		savingsMax = 30
	}
	switch {
	case n <= nearestMax:
		return nearestNeighbor{}
	case n <= savingsMax:
		return savings{}
	default:
		return population{}
	}
}
