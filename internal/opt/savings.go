package opt

import "sort"

// savings is a Clarke-Wright style construction: every stop starts as its own
// depot-out-and-back chain, and chains merge in descending order of the
// distance saved by linking them. A 2-opt pass then refines the single
// remaining chain; together they target a 10-25% improvement over naive
// ordering.
type savings struct{}

func (savings) Name() string { return "savings" }

type merge struct {
	i, j   int
	saving float64
}

func (savings) Order(p *Problem) []int {
	n := len(p.Orders)
	if n <= 1 {
		perm := make([]int, n)
		for i := range perm {
			perm[i] = i
		}
		return perm
	}

	pairs := make([]merge, 0, n*(n-1))
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			s := p.travelSec[i+1][0] + p.travelSec[0][j+1] - p.travelSec[i+1][j+1]
			pairs = append(pairs, merge{i: i, j: j, saving: s})
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].saving != pairs[b].saving {
			return pairs[a].saving > pairs[b].saving
		}
		// deterministic tie-break on order ids
		ia, ja := p.Orders[pairs[a].i].ID, p.Orders[pairs[a].j].ID
		ib, jb := p.Orders[pairs[b].i].ID, p.Orders[pairs[b].j].ID
		if ia != ib {
			return ia < ib
		}
		return ja < jb
	})

	// chain bookkeeping: head/tail of the chain each node belongs to
	next := make([]int, n)
	prev := make([]int, n)
	head := make([]int, n)
	tail := make([]int, n)
	for i := 0; i < n; i++ {
		next[i], prev[i] = -1, -1
		head[i], tail[i] = i, i
	}
	find := func(arr []int, x int) int { // follow to representative
		for arr[x] != x {
			x = arr[x]
		}
		return x
	}
	merged := 0
	for _, m := range pairs {
		if merged == n-1 {
			break
		}
		// link tail i -> head j when i ends a chain, j starts another chain
		if next[m.i] != -1 || prev[m.j] != -1 {
			continue
		}
		hi, hj := find(head, m.i), find(head, m.j)
		if hi == hj {
			continue // would close a cycle
		}
		next[m.i] = m.j
		prev[m.j] = m.i
		head[hj] = hi
		tail[hi] = find(tail, m.j)
		merged++
	}

	// walk remaining chains in head order; normally one chain remains, but a
	// degenerate savings matrix can leave several
	used := make([]bool, n)
	perm := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if prev[i] != -1 || used[i] {
			continue
		}
		for cur := i; cur != -1; cur = next[cur] {
			perm = append(perm, cur)
			used[cur] = true
		}
	}
	return twoOptImprove(p, perm)
}

// twoOptImprove reverses segments while total adjusted travel time drops and
// the schedule stays feasible.
func twoOptImprove(p *Problem, perm []int) []int {
	n := len(perm)
	if n < 4 {
		return perm
	}
	best := append([]int(nil), perm...)
	bestSec := p.pathSec(best)
	feasBase := p.schedule(best).Feasible
	improved := true
	for improved {
		improved = false
		for i := 0; i < n-2; i++ {
			for k := i + 1; k < n-1; k++ {
				cand := append([]int(nil), best...)
				for a, b := i, k; a < b; a, b = a+1, b-1 {
					cand[a], cand[b] = cand[b], cand[a]
				}
				sec := p.pathSec(cand)
				if sec+1e-6 >= bestSec {
					continue
				}
				if feasBase && !p.schedule(cand).Feasible {
					continue
				}
				best = cand
				bestSec = sec
				improved = true
			}
		}
	}
	return best
}
