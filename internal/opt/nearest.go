package opt

// nearestNeighbor builds the route by repeatedly visiting the closest
// unvisited stop by adjusted travel time. Used as-is for small instances and
// as the seed for the population tier.
type nearestNeighbor struct{}

func (nearestNeighbor) Name() string { return "nearest_neighbor" }

func (nearestNeighbor) Order(p *Problem) []int {
	n := len(p.Orders)
	visited := make([]bool, n)
	perm := make([]int, 0, n)
	cur := 0 // depot
	for len(perm) < n {
		best := -1
		for i := 0; i < n; i++ {
			if visited[i] {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			ti, tb := p.travelSec[cur][i+1], p.travelSec[cur][best+1]
			if ti < tb || (ti == tb && p.Orders[i].ID < p.Orders[best].ID) {
				best = i
			}
		}
		visited[best] = true
		perm = append(perm, best)
		cur = best + 1
	}
	return perm
}
