package optimize

import (
	"fmt"
	"math"
	"time"
)

// AssignmentSolver finds a minimum-weight perfect matching on a square cost
// matrix. assign[i] = column matched to row i. Implementations must be
// deterministic for identical input.
type AssignmentSolver interface {
	Solve(cost [][]float64, deadline time.Time) (assign []int, total float64, err error)
}

// HungarianSolver is the default exact solver: shortest augmenting paths
// with row/column potentials, O(n^3). It checks its deadline between row
// augmentations and falls back to an error on expiry so callers can switch
// to the greedy solver.
type HungarianSolver struct{}

func (HungarianSolver) Solve(cost [][]float64, deadline time.Time) ([]int, float64, error) {
	n := len(cost)
	if n == 0 {
		return nil, 0, nil
	}
	for i := range cost {
		if len(cost[i]) != n {
			return nil, 0, fmt.Errorf("assignment: cost matrix not square")
		}
	}
	// 1-based potentials; way[j] remembers the augmenting path.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = row matched to column j
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("assignment: deadline exceeded at row %d/%d", i, n)
		}
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
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

	assign := make([]int, n)
	total := 0.0
	for j := 1; j <= n; j++ {
		assign[p[j]-1] = j - 1
		total += cost[p[j]-1][j-1]
	}
	return assign, total, nil
}

// GreedySolver picks the globally cheapest remaining (row, column) pair
// until every row is matched. Not optimal, but fast and deterministic; used
// when the exact solver runs out of time.
type GreedySolver struct{}

func (GreedySolver) Solve(cost [][]float64, _ time.Time) ([]int, float64, error) {
	n := len(cost)
	assign := make([]int, n)
	for i := range assign {
		assign[i] = -1
	}
	usedCol := make([]bool, n)
	total := 0.0
	for step := 0; step < n; step++ {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if assign[i] >= 0 {
				continue
			}
			for j := 0; j < n; j++ {
				if usedCol[j] {
					continue
				}
				if cost[i][j] < best {
					best = cost[i][j]
					bi, bj = i, j
				}
			}
		}
		if bi < 0 {
			break
		}
		assign[bi] = bj
		usedCol[bj] = true
		total += best
	}
	return assign, total, nil
}
