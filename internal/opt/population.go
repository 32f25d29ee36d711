package opt

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
)

// population is the large-instance tier: a bounded-iteration evolutionary
// search over visit permutations. Fitness is the weighted cost function, with
// infeasible schedules pushed out by a heavy lateness penalty. The RNG is
// seeded from the order-id set, so identical input reproduces identical
// routes.
type population struct{}

func (population) Name() string { return "population" }

func (population) Order(p *Problem) []int {
	n := len(p.Orders)
	popSize := p.Cfg.Population
	if popSize < 10 {
		popSize = 60
	}
	gens := p.Cfg.Generations
	if gens <= 0 {
		gens = 120
	}
	rng := rand.New(rand.NewSource(seedFor(p)))

	type indiv struct {
		perm []int
		fit  float64
	}
	fitness := func(perm []int) float64 {
		s := p.schedule(perm)
		c, _ := p.cost(s)
		if !s.Feasible {
			c += 1e6
		}
		return c
	}

	pop := make([]indiv, popSize)
	// seed with the nearest-neighbor tour, fill with shuffles
	nn := nearestNeighbor{}.Order(p)
	pop[0] = indiv{perm: nn, fit: fitness(nn)}
	for i := 1; i < popSize; i++ {
		perm := rng.Perm(n)
		pop[i] = indiv{perm: perm, fit: fitness(perm)}
	}
	sort.Slice(pop, func(a, b int) bool { return pop[a].fit < pop[b].fit })

	tournament := func() []int {
		best := rng.Intn(popSize)
		for k := 0; k < 2; k++ {
			c := rng.Intn(popSize)
			if pop[c].fit < pop[best].fit {
				best = c
			}
		}
		return pop[best].perm
	}

	for g := 0; g < gens; g++ {
		nextGen := make([]indiv, 0, popSize)
		// elitism: carry the two best forward
		nextGen = append(nextGen, pop[0], pop[1])
		for len(nextGen) < popSize {
			child := orderCrossover(tournament(), tournament(), rng)
			if rng.Float64() < 0.15 {
				i, j := rng.Intn(n), rng.Intn(n)
				child[i], child[j] = child[j], child[i]
			}
			nextGen = append(nextGen, indiv{perm: child, fit: fitness(child)})
		}
		pop = nextGen
		sort.Slice(pop, func(a, b int) bool { return pop[a].fit < pop[b].fit })
	}
	return pop[0].perm
}

// orderCrossover (OX): copy a slice of parent a, fill the rest in parent b's
// order.
func orderCrossover(a, b []int, rng *rand.Rand) []int {
	n := len(a)
	i := rng.Intn(n)
	j := rng.Intn(n)
	if i > j {
		i, j = j, i
	}
	child := make([]int, n)
	for k := range child {
		child[k] = -1
	}
	taken := make([]bool, n)
	for k := i; k <= j; k++ {
		child[k] = a[k]
		taken[a[k]] = true
	}
	pos := (j + 1) % n
	for k := 0; k < n; k++ {
		g := b[(j+1+k)%n]
		if taken[g] {
			continue
		}
		for child[pos] != -1 {
			pos = (pos + 1) % n
		}
		child[pos] = g
		taken[g] = true
	}
	return child
}

// seedFor derives a stable seed from the sorted order-id list.
func seedFor(p *Problem) int64 {
	h := fnv.New64a()
	for _, o := range p.Orders {
		_, _ = h.Write([]byte(o.ID))
		_, _ = h.Write([]byte{0})
	}
	s := int64(h.Sum64() & math.MaxInt64)
	if s == 0 {
		s = 1
	}
	return s
}
