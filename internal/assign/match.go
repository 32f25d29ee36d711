package assign

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"dispatchcore/internal/config"
)

// A matcher maps routes to drivers over a score matrix. m[r][d] is the
// weighted score of driver d on route r, or ineligible (-1) when the hard
// constraints reject the pairing. The result is one driver index per route,
// -1 where no eligible driver could be matched.
type matcher interface {
	Name() string
	Match(m [][]float64) []int
}

const ineligible = -1.0

// matcherFor picks the matching tier by eligible pool size.
func matcherFor(drivers int, cfg config.AssignConfig) matcher {
	switch {
	case drivers <= cfg.GreedyMaxDrivers:
		return greedyMatch{}
	case drivers <= cfg.HungarianMaxDrivers:
		return hungarianMatch{}
	default:
		return populationMatch{iters: cfg.MatchIterations}
	}
}

// greedyMatch takes the globally best remaining (route, driver) pair each
// round. Ties break on the lower route index, then lower driver index.
type greedyMatch struct{}

func (greedyMatch) Name() string { return "greedy" }

func (greedyMatch) Match(m [][]float64) []int {
	nr := len(m)
	out := make([]int, nr)
	for i := range out {
		out[i] = -1
	}
	if nr == 0 {
		return out
	}
	nd := len(m[0])
	usedD := make([]bool, nd)
	for round := 0; round < nr; round++ {
		br, bd, bs := -1, -1, ineligible
		for r := 0; r < nr; r++ {
			if out[r] != -1 {
				continue
			}
			for d := 0; d < nd; d++ {
				if usedD[d] || m[r][d] == ineligible {
					continue
				}
				if m[r][d] > bs {
					br, bd, bs = r, d, m[r][d]
				}
			}
		}
		if br == -1 {
			break
		}
		out[br] = bd
		usedD[bd] = true
	}
	return out
}

// populationMatch is the large-pool tier: a bounded stochastic search over
// permutations of driver picks, seeded deterministically from the matrix
// shape and contents so reruns agree.
type populationMatch struct {
	iters int
}

func (populationMatch) Name() string { return "population" }

func (pm populationMatch) Match(m [][]float64) []int {
	iters := pm.iters
	if iters <= 0 {
		iters = 500
	}
	best := greedyMatch{}.Match(m)
	bestScore := totalScore(m, best)
	nr := len(m)
	if nr == 0 {
		return best
	}
	nd := len(m[0])
	rng := rand.New(rand.NewSource(matrixSeed(m)))

	cur := append([]int(nil), best...)
	for it := 0; it < iters; it++ {
		cand := append([]int(nil), cur...)
		switch rng.Intn(2) {
		case 0: // swap the drivers of two routes
			if nr < 2 {
				continue
			}
			a, b := rng.Intn(nr), rng.Intn(nr)
			cand[a], cand[b] = cand[b], cand[a]
		case 1: // reassign one route to a random driver not in use
			r := rng.Intn(nr)
			d := rng.Intn(nd)
			taken := false
			for i, x := range cand {
				if i != r && x == d {
					taken = true
					break
				}
			}
			if taken {
				continue
			}
			cand[r] = d
		}
		if !valid(m, cand) {
			continue
		}
		if s := totalScore(m, cand); s > bestScore {
			best = append([]int(nil), cand...)
			bestScore = s
			cur = cand
		} else if rng.Float64() < 0.1 {
			cur = cand // occasional sideways move
		}
	}
	return best
}

func valid(m [][]float64, match []int) bool {
	for r, d := range match {
		if d == -1 {
			continue
		}
		if m[r][d] == ineligible {
			return false
		}
	}
	return true
}

func totalScore(m [][]float64, match []int) float64 {
	assigned := 0
	s := 0.0
	for r, d := range match {
		if d == -1 {
			continue
		}
		assigned++
		s += m[r][d]
	}
	// coverage dominates: an extra assigned route always beats any score gain
	return float64(assigned)*1e6 + s
}

func matrixSeed(m [][]float64) int64 {
	h := fnv.New64a()
	for _, row := range m {
		for _, v := range row {
			b := math.Float64bits(v)
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(b >> (8 * i))
			}
			_, _ = h.Write(buf[:])
		}
	}
	s := int64(h.Sum64() & math.MaxInt64)
	if s == 0 {
		s = 1
	}
	return s
}

// rankedDrivers returns driver indices for a route sorted by descending
// score, eligible only. Used for per-route justification text.
func rankedDrivers(row []float64) []int {
	var idx []int
	for d, v := range row {
		if v != ineligible {
			idx = append(idx, d)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		if row[idx[a]] != row[idx[b]] {
			return row[idx[a]] > row[idx[b]]
		}
		return idx[a] < idx[b]
	})
	return idx
}
