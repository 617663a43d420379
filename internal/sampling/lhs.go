package sampling

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrNotPositiveDefinite reports a declared correlation matrix that no
// joint distribution can satisfy.
var ErrNotPositiveDefinite = errors.New("correlation matrix is not positive definite")

// Corr declares a target rank correlation between two named parameters.
type Corr struct {
	A, B string
	Coef float64
}

// CorrMatrix builds the full pairwise target matrix over names: identity
// diagonal plus the declared coefficients, symmetric. Unknown names,
// self-correlation, and coefficients outside [-1, 1] are configuration
// errors.
func CorrMatrix(names []string, corrs []Corr) ([][]float64, error) {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	m := identity(len(names))
	for _, c := range corrs {
		i, ok := idx[c.A]
		if !ok {
			return nil, fmt.Errorf("correlation names unknown parameter %q", c.A)
		}
		j, ok := idx[c.B]
		if !ok {
			return nil, fmt.Errorf("correlation names unknown parameter %q", c.B)
		}
		if i == j {
			return nil, fmt.Errorf("parameter %q correlated with itself", c.A)
		}
		if c.Coef < -1 || c.Coef > 1 {
			return nil, fmt.Errorf("correlation %q/%q coefficient %v outside [-1, 1]", c.A, c.B, c.Coef)
		}
		m[i][j] = c.Coef
		m[j][i] = c.Coef
	}
	return m, nil
}

// Sample draws a trials x len(dists) matrix by Latin hypercube sampling:
// one draw per equal-probability stratum per column, inverted through each
// column's quantile function. Without a correlation matrix each column is
// shuffled independently. With one, columns are reordered following Iman
// and Conover (1982) so their rank correlation approximates the target.
func Sample(rng *rand.Rand, dists []Quantiler, trials int, corr [][]float64) ([][]float64, error) {
	if trials <= 0 {
		return nil, fmt.Errorf("trials must be > 0, got %d", trials)
	}
	var ranks [][]int
	if corr != nil {
		if len(corr) != len(dists) {
			return nil, fmt.Errorf("correlation matrix is %dx%d for %d parameters", len(corr), len(corr), len(dists))
		}
		var err error
		ranks, err = rankValues(rng, len(dists), trials, corr)
		if err != nil {
			return nil, err
		}
	}

	out := make([][]float64, trials)
	for t := range out {
		out[t] = make([]float64, len(dists))
	}
	for j, dist := range dists {
		vals := make([]float64, trials)
		for i, p := range percentiles(rng, trials) {
			vals[i] = dist.Quantile(p)
		}
		if ranks == nil {
			rng.Shuffle(trials, func(a, b int) { vals[a], vals[b] = vals[b], vals[a] })
			for t := range vals {
				out[t][j] = vals[t]
			}
			continue
		}
		// vals is ascending (stratified percentiles through a monotone
		// quantile), so rank r maps to vals[r-1]
		for t := 0; t < trials; t++ {
			out[t][j] = vals[ranks[t][j]-1]
		}
	}
	return out, nil
}

// percentiles returns one uniform draw from each of n equal-width segments
// of [0,1), in segment order.
func percentiles(rng *rand.Rand, n int) []float64 {
	seg := 1.0 / float64(n)
	out := make([]float64, n)
	for i := range out {
		out[i] = (float64(i) + rng.Float64()) * seg
	}
	return out
}

// rankValues generates a trials x params matrix of ranks obeying the target
// rank correlation: van der Waerden scores shuffled per column, then
// transformed by the Cholesky factors of the target and of the realized
// score correlation.
func rankValues(rng *rand.Rand, params, trials int, corr [][]float64) ([][]int, error) {
	vdw := make([]float64, trials)
	for i := range vdw {
		vdw[i] = normQuantile(float64(i+1) / float64(trials+1))
	}

	scores := make([][]float64, trials)
	for t := range scores {
		scores[t] = make([]float64, params)
	}
	col := make([]float64, trials)
	for j := 0; j < params; j++ {
		copy(col, vdw)
		rng.Shuffle(trials, func(a, b int) { col[a], col[b] = col[b], col[a] })
		for t := 0; t < trials; t++ {
			scores[t][j] = col[t]
		}
	}

	target, err := cholesky(corr)
	if err != nil {
		return nil, err
	}
	realized, err := cholesky(rankCorrCoef(scores))
	if err != nil {
		return nil, fmt.Errorf("score correlation: %w", err)
	}
	final := matMul(matMul(scores, transpose(invLower(realized))), transpose(target))

	ranks := make([][]int, trials)
	for t := range ranks {
		ranks[t] = make([]int, params)
	}
	for j := 0; j < params; j++ {
		for t := 0; t < trials; t++ {
			col[t] = final[t][j]
		}
		for t, r := range ranksOf(col) {
			ranks[t][j] = r
		}
	}
	return ranks, nil
}

// rankCorrCoef computes the pairwise Spearman correlation among the
// columns of m.
func rankCorrCoef(m [][]float64) [][]float64 {
	trials := len(m)
	params := len(m[0])

	// Spearman is Pearson over ranks
	ranked := make([][]float64, trials)
	for t := range ranked {
		ranked[t] = make([]float64, params)
	}
	col := make([]float64, trials)
	for j := 0; j < params; j++ {
		for t := 0; t < trials; t++ {
			col[t] = m[t][j]
		}
		for t, r := range ranksOf(col) {
			ranked[t][j] = float64(r)
		}
	}

	out := identity(params)
	for i := 0; i < params; i++ {
		for j := i + 1; j < params; j++ {
			c := pearson(ranked, i, j)
			out[i][j] = c
			out[j][i] = c
		}
	}
	return out
}

func pearson(m [][]float64, i, j int) float64 {
	n := float64(len(m))
	var sumI, sumJ float64
	for _, row := range m {
		sumI += row[i]
		sumJ += row[j]
	}
	meanI, meanJ := sumI/n, sumJ/n
	var cov, varI, varJ float64
	for _, row := range m {
		di, dj := row[i]-meanI, row[j]-meanJ
		cov += di * dj
		varI += di * di
		varJ += dj * dj
	}
	if varI == 0 || varJ == 0 {
		return 0
	}
	return cov / math.Sqrt(varI*varJ)
}

// ranksOf returns 1-based ordinal ranks: the smallest value gets rank 1.
func ranksOf(vals []float64) []int {
	order := make([]int, len(vals))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })
	ranks := make([]int, len(vals))
	for r, idx := range order {
		ranks[idx] = r + 1
	}
	return ranks
}

func cholesky(a [][]float64) ([][]float64, error) {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, ErrNotPositiveDefinite
				}
				l[i][i] = math.Sqrt(sum)
			} else {
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l, nil
}

// invLower inverts a lower-triangular matrix by forward substitution.
func invLower(l [][]float64) [][]float64 {
	n := len(l)
	x := make([][]float64, n)
	for i := range x {
		x[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		x[i][i] = 1 / l[i][i]
		for j := 0; j < i; j++ {
			var sum float64
			for k := j; k < i; k++ {
				sum += l[i][k] * x[k][j]
			}
			x[i][j] = -sum / l[i][i]
		}
	}
	return x
}

func matMul(a, b [][]float64) [][]float64 {
	rows, inner, cols := len(a), len(b), len(b[0])
	out := make([][]float64, rows)
	for i := range out {
		out[i] = make([]float64, cols)
		for j := 0; j < cols; j++ {
			var sum float64
			for k := 0; k < inner; k++ {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func transpose(a [][]float64) [][]float64 {
	rows, cols := len(a), len(a[0])
	out := make([][]float64, cols)
	for i := range out {
		out[i] = make([]float64, rows)
		for j := 0; j < rows; j++ {
			out[i][j] = a[j][i]
		}
	}
	return out
}

func identity(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}
