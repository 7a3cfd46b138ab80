package filter

import "math"

// Forbidden is the cost that marks a detection/track pair as outside the
// gate. HungarianAssign never returns such a pairing.
const Forbidden = 1e18

// HungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix (Kuhn-Munkres with potentials). It returns assignments[i] = column
// assigned to row i, or -1 when row i is unassigned. Entries ≥ Forbidden are
// never assigned; the matrix is padded to square with Forbidden entries.
func HungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	// Forbidden and padding cells are priced just above the sum of all
	// allowed costs, which keeps the potentials small enough that float64
	// still resolves differences between allowed costs.
	big := 1.0
	for i := range cost {
		for _, x := range cost[i] {
			if x < Forbidden {
				big += math.Abs(x)
			}
		}
	}

	dim := max(n, m)
	c := make([][]float64, dim)
	for i := range c {
		c[i] = make([]float64, dim)
		for j := range c[i] {
			if i < n && j < m && cost[i][j] < Forbidden {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = big
			}
		}
	}

	// 1-indexed; column 0 is the virtual start of each augmenting path.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
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
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	for j := 1; j <= dim; j++ {
		row, col := p[j]-1, j-1
		if row < 0 || row >= n || col >= m {
			continue
		}
		if cost[row][col] < Forbidden {
			result[row] = col
		}
	}
	return result
}
