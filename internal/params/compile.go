package params

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/ensemble/internal/sampling"
)

// ErrCyclicLink indicates linked parameters that form a reference cycle.
var ErrCyclicLink = fmt.Errorf("cyclic parameter link")

// Draw is one realized input value. Experiment is empty for shared-mode
// draws, which every experiment in the simulation reuses.
type Draw struct {
	Parameter  string
	TrialNum   int
	Experiment string
	Value      float64
}

// Compiled holds the per-trial draws of a parameter set. Draws are ordered
// by parameter declaration, then experiment, then trial, so persisting them
// is deterministic for a given seed.
type Compiled struct {
	Trials int
	Params []Parameter
	Draws  []Draw

	cols map[colKey][]float64
}

type colKey struct {
	name       string
	experiment string
}

// Value returns the draw for a parameter at a trial. Independent-mode
// parameters are keyed by experiment; shared ones resolve through the
// empty experiment key.
func (c *Compiled) Value(name string, trial int, experiment string) (float64, bool) {
	if trial < 0 || trial >= c.Trials {
		return 0, false
	}
	if col, ok := c.cols[colKey{name, experiment}]; ok {
		return col[trial], true
	}
	if col, ok := c.cols[colKey{name, ""}]; ok {
		return col[trial], true
	}
	return 0, false
}

// Column returns a parameter's full per-trial column for one experiment
// (empty for shared mode).
func (c *Compiled) Column(name, experiment string) ([]float64, bool) {
	col, ok := c.cols[colKey{name, experiment}]
	return col, ok
}

// Compile draws trialCount values for every active parameter. Shared
// parameters are drawn once from a seed-keyed stream; correlated ones are
// drawn jointly so their rank correlations approximate the declared
// targets. Independent parameters are redrawn per experiment from a
// per-experiment stream, so adding or reordering experiments never
// disturbs another experiment's draws. Linked parameters copy their
// target's column after everything else is drawn, in dependency order.
func Compile(f *File, reg *Registry, trialCount int, experiments []string, seed uint64) (*Compiled, error) {
	if trialCount <= 0 {
		return nil, fmt.Errorf("trial count must be > 0, got %d", trialCount)
	}
	if err := f.Validate(reg); err != nil {
		return nil, err
	}

	active := f.Active()
	dists := make(map[string]sampling.Distribution, len(active))
	for _, p := range active {
		d, err := p.Distribution.Distribution()
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		dists[p.Name] = d
	}

	var sharedStoch, independent, linked []Parameter
	out := &Compiled{
		Trials: trialCount,
		Params: active,
		cols:   make(map[colKey][]float64, len(active)),
	}
	for _, p := range active {
		d := dists[p.Name]
		switch {
		case d.Kind() == sampling.KindLinked:
			linked = append(linked, p)
		case p.Mode == ModeIndependent:
			independent = append(independent, p)
		default:
			if idx, ok := d.(sampling.Indexed); ok {
				col := make([]float64, trialCount)
				for t := range col {
					col[t] = idx.ValueAt(t)
				}
				out.cols[colKey{p.Name, ""}] = col
			} else {
				sharedStoch = append(sharedStoch, p)
			}
		}
	}

	if len(sharedStoch) > 0 {
		names := make([]string, len(sharedStoch))
		quants := make([]sampling.Quantiler, len(sharedStoch))
		for i, p := range sharedStoch {
			names[i] = p.Name
			quants[i] = dists[p.Name].(sampling.Quantiler)
		}
		var corr [][]float64
		if corrs := collectCorrs(active); len(corrs) > 0 {
			var err error
			corr, err = sampling.CorrMatrix(names, corrs)
			if err != nil {
				return nil, err
			}
		}
		rng := rand.New(rand.NewPCG(seed, subSeed("shared")))
		rows, err := sampling.Sample(rng, quants, trialCount, corr)
		if err != nil {
			return nil, err
		}
		for j, p := range sharedStoch {
			col := make([]float64, trialCount)
			for t := range col {
				col[t] = rows[t][j]
			}
			out.cols[colKey{p.Name, ""}] = col
		}
	}

	for _, e := range experiments {
		if len(independent) == 0 {
			break
		}
		quants := make([]sampling.Quantiler, len(independent))
		for i, p := range independent {
			quants[i] = dists[p.Name].(sampling.Quantiler)
		}
		rng := rand.New(rand.NewPCG(seed, subSeed("experiment|"+e)))
		rows, err := sampling.Sample(rng, quants, trialCount, nil)
		if err != nil {
			return nil, err
		}
		for j, p := range independent {
			col := make([]float64, trialCount)
			for t := range col {
				col[t] = rows[t][j]
			}
			out.cols[colKey{p.Name, e}] = col
		}
	}

	ordered, err := linkOrder(linked, dists)
	if err != nil {
		return nil, err
	}
	for _, p := range ordered {
		target := dists[p.Name].(sampling.Linked).Parameter
		src, ok := out.cols[colKey{target, ""}]
		if !ok {
			return nil, fmt.Errorf("parameter %q links to %q, which has no shared column", p.Name, target)
		}
		col := make([]float64, trialCount)
		copy(col, src)
		out.cols[colKey{p.Name, ""}] = col
	}

	for _, p := range active {
		if p.Mode == ModeIndependent {
			for _, e := range experiments {
				col := out.cols[colKey{p.Name, e}]
				for t := 0; t < trialCount; t++ {
					out.Draws = append(out.Draws, Draw{Parameter: p.Name, TrialNum: t, Experiment: e, Value: col[t]})
				}
			}
			continue
		}
		col := out.cols[colKey{p.Name, ""}]
		for t := 0; t < trialCount; t++ {
			out.Draws = append(out.Draws, Draw{Parameter: p.Name, TrialNum: t, Value: col[t]})
		}
	}
	return out, nil
}

// collectCorrs flattens the per-parameter correlation declarations. Both
// orientations of a pair land on the same matrix cell, so declaring a-b
// and b-a is harmless when the coefficients agree.
func collectCorrs(active []Parameter) []sampling.Corr {
	var corrs []sampling.Corr
	for _, p := range active {
		for _, c := range p.Correlation {
			corrs = append(corrs, sampling.Corr{A: p.Name, B: c.With, Coef: c.Coefficient})
		}
	}
	return corrs
}

// linkOrder sorts linked parameters so every target is resolved before its
// dependents. Only links onto other linked parameters constrain the order;
// stochastic and indexed columns always exist by the time links resolve.
func linkOrder(linked []Parameter, dists map[string]sampling.Distribution) ([]Parameter, error) {
	if len(linked) == 0 {
		return nil, nil
	}
	byName := make(map[string]Parameter, len(linked))
	indegree := make(map[string]int, len(linked))
	adjacency := make(map[string][]string, len(linked))
	for _, p := range linked {
		byName[p.Name] = p
		if _, ok := indegree[p.Name]; !ok {
			indegree[p.Name] = 0
		}
	}
	for _, p := range linked {
		target := dists[p.Name].(sampling.Linked).Parameter
		if _, ok := byName[target]; ok {
			adjacency[target] = append(adjacency[target], p.Name)
			indegree[p.Name] = indegree[p.Name] + 1
		}
	}

	queue := make([]string, 0, len(linked))
	for _, p := range linked {
		if indegree[p.Name] == 0 {
			queue = append(queue, p.Name)
		}
	}
	order := make([]Parameter, 0, len(linked))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, byName[current])
		for _, next := range adjacency[current] {
			indegree[next] = indegree[next] - 1
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(linked) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCyclicLink, strings.Join(stuck, ", "))
	}
	return order, nil
}

// subSeed derives a stream key from a label so shared and per-experiment
// draws come from disjoint deterministic streams of the same seed.
func subSeed(label string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(label))
	return h.Sum64()
}
