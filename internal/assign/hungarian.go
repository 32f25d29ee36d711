package assign

// hungarianMatch solves the mid-size pool exactly. The score matrix is padded
// to square and negated into a cost matrix; ineligible pairings get a cost
// large enough that the solver only uses them when no real pairing exists,
// and those are stripped from the result.
type hungarianMatch struct{}

func (hungarianMatch) Name() string { return "hungarian" }

const padCost = 1e7

func (hungarianMatch) Match(m [][]float64) []int {
	nr := len(m)
	out := make([]int, nr)
	for i := range out {
		out[i] = -1
	}
	if nr == 0 {
		return out
	}
	nd := len(m[0])
	n := nr
	if nd > n {
		n = nd
	}

	// maximize score == minimize (max - score); padding rows/cols and
	// ineligible cells cost padCost
	maxScore := 0.0
	for _, row := range m {
		for _, v := range row {
			if v > maxScore {
				maxScore = v
			}
		}
	}
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			if i < nr && j < nd && m[i][j] != ineligible {
				cost[i][j] = maxScore - m[i][j]
			} else {
				cost[i][j] = padCost
			}
		}
	}

	match := solveAssignment(cost)
	for r := 0; r < nr; r++ {
		d := match[r]
		if d >= 0 && d < nd && m[r][d] != ineligible {
			out[r] = d
		}
	}
	return out
}

// solveAssignment is the O(n³) Hungarian algorithm with potentials (Kuhn-
// Munkres, shortest augmenting path form). Returns the column matched to each
// row of the square cost matrix.
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	const inf = 1e18
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row matched to column j (1-based)
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := 0; j <= n; j++ {
			minv[j] = inf
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	res := make([]int, n)
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			res[p[j]-1] = j - 1
		}
	}
	return res
}
