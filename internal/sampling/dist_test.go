package sampling

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func f64(v float64) *float64 { return &v }

func TestNormQuantile(t *testing.T) {
	chk := require.New(t)
	cases := []struct{ p, want float64 }{
		{0.5, 0},
		{0.975, 1.959964},
		{0.025, -1.959964},
		{0.8413447461, 1.0},
		{0.9986501020, 3.0},
	}
	for _, c := range cases {
		chk.InDelta(c.want, normQuantile(c.p), 1e-5, "p=%v", c.p)
	}
	chk.True(math.IsInf(normQuantile(0), -1))
	chk.True(math.IsInf(normQuantile(1), 1))
}

func TestUniformQuantile(t *testing.T) {
	chk := require.New(t)
	u := Uniform{Min: 2, Max: 6}
	chk.Equal(2.0, u.Quantile(0))
	chk.Equal(4.0, u.Quantile(0.5))
	chk.Equal(6.0, u.Quantile(1))
}

func TestLogUniformQuantile(t *testing.T) {
	chk := require.New(t)
	l := LogUniform{Factor: 3}
	chk.InDelta(1.0/3, l.Quantile(0), 1e-12)
	chk.InDelta(1.0, l.Quantile(0.5), 1e-12)
	chk.InDelta(3.0, l.Quantile(1), 1e-12)
}

func TestTriangleQuantile(t *testing.T) {
	chk := require.New(t)
	tri := Triangle{Min: 0, Max: 4, Mode: 1}
	chk.InDelta(0.0, tri.Quantile(0), 1e-12)
	chk.InDelta(1.0, tri.Quantile(0.25), 1e-12)
	chk.InDelta(4.0, tri.Quantile(1), 1e-12)
}

func TestIntegersQuantile(t *testing.T) {
	chk := require.New(t)
	d := Integers{Min: 1, Max: 6}
	chk.Equal(1.0, d.Quantile(0))
	chk.Equal(6.0, d.Quantile(0.9999))
	chk.Equal(6.0, d.Quantile(1))
	chk.Equal(2.0, d.Quantile(1.0/6+1e-9))
}

func TestBinaryQuantile(t *testing.T) {
	chk := require.New(t)
	b := Binary{}
	chk.Equal(0.0, b.Quantile(0.49))
	chk.Equal(1.0, b.Quantile(0.5))
}

func TestSequenceCycles(t *testing.T) {
	chk := require.New(t)
	seq := Sequence{Values: []float64{4, 6, 43.2}}
	want := []float64{4, 6, 43.2, 4, 6, 43.2, 4}
	for i, w := range want {
		chk.Equal(w, seq.ValueAt(i), "trial %d", i)
	}
}

func TestGridCycles(t *testing.T) {
	chk := require.New(t)
	d, err := Spec{Kind: KindGrid, Min: f64(0), Max: f64(10), Count: 5}.Distribution()
	chk.NoError(err)
	g := d.(Grid)
	chk.Equal([]float64{0, 2.5, 5, 7.5, 10}, g.Values)
	chk.Equal(5.0, g.ValueAt(7))
	chk.Equal(0.0, g.ValueAt(5))
}

func TestUniformForms(t *testing.T) {
	chk := require.New(t)

	d, err := Spec{Kind: KindUniform, Factor: f64(0.2)}.Distribution()
	chk.NoError(err)
	chk.Equal(Uniform{Min: 0.8, Max: 1.2}, d)

	d, err = Spec{Kind: KindUniform, Range: f64(0.2)}.Distribution()
	chk.NoError(err)
	chk.Equal(Uniform{Min: -0.2, Max: 0.2}, d)

	_, err = Spec{Kind: KindUniform, Factor: f64(1.5)}.Distribution()
	chk.Error(err)
	_, err = Spec{Kind: KindUniform}.Distribution()
	chk.Error(err)
}

func TestLognormalForms(t *testing.T) {
	chk := require.New(t)

	d, err := Spec{Kind: KindLognormal, Low95: f64(0.5), High95: f64(2)}.Distribution()
	chk.NoError(err)
	ln := d.(Lognormal)
	chk.InDelta(0.0, ln.Mu, 1e-12)
	chk.InDelta(math.Log(2)/1.96, ln.Sigma, 1e-12)

	// logfactor=2 is shorthand for the [1/2, 2] interval
	d2, err := Spec{Kind: KindLognormal, LogFactor: f64(2)}.Distribution()
	chk.NoError(err)
	chk.Equal(ln, d2)

	// linear-space moments round-trip: E[X] and Var[X] of the derived
	// distribution match the declared mean/stdev
	d3, err := Spec{Kind: KindLognormal, Mean: f64(3), Stdev: f64(1)}.Distribution()
	chk.NoError(err)
	ln3 := d3.(Lognormal)
	mean := math.Exp(ln3.Mu + ln3.Sigma*ln3.Sigma/2)
	variance := (math.Exp(ln3.Sigma*ln3.Sigma) - 1) * math.Exp(2*ln3.Mu+ln3.Sigma*ln3.Sigma)
	chk.InDelta(3.0, mean, 1e-9)
	chk.InDelta(1.0, variance, 1e-9)

	d4, err := Spec{Kind: KindLognormal, LogMean: f64(1.5), LogStdev: f64(0.25)}.Distribution()
	chk.NoError(err)
	chk.Equal(Lognormal{Mu: 1.5, Sigma: 0.25}, d4)

	_, err = Spec{Kind: KindLognormal, Low95: f64(2), High95: f64(1)}.Distribution()
	chk.Error(err)
}

func TestTriangleForms(t *testing.T) {
	chk := require.New(t)

	// swapped bounds are corrected, mode defaults to the midpoint
	d, err := Spec{Kind: KindTriangle, Min: f64(5), Max: f64(1)}.Distribution()
	chk.NoError(err)
	chk.Equal(Triangle{Min: 1, Max: 5, Mode: 3}, d)

	d, err = Spec{Kind: KindTriangle, Factor: f64(0.2)}.Distribution()
	chk.NoError(err)
	chk.Equal(Triangle{Min: 0.8, Max: 1.2, Mode: 1}, d)

	d, err = Spec{Kind: KindTriangle, Range: f64(0.5)}.Distribution()
	chk.NoError(err)
	chk.Equal(Triangle{Min: -0.5, Max: 0.5, Mode: 0}, d)

	d, err = Spec{Kind: KindTriangle, LogFactor: f64(4)}.Distribution()
	chk.NoError(err)
	chk.Equal(Triangle{Min: 0.25, Max: 4, Mode: 1}, d)

	_, err = Spec{Kind: KindTriangle, Min: f64(2), Max: f64(2)}.Distribution()
	chk.Error(err)
}

func TestSpecErrors(t *testing.T) {
	chk := require.New(t)
	for _, s := range []Spec{
		{Kind: "weibull"},
		{Kind: KindConstant},
		{Kind: KindNormal, Mean: f64(1)},
		{Kind: KindNormal, Mean: f64(1), Stdev: f64(0)},
		{Kind: KindGrid, Min: f64(0), Max: f64(1), Count: 1},
		{Kind: KindSequence},
		{Kind: KindLinked},
		{Kind: KindLogUniform, Factor: f64(0.9)},
	} {
		_, err := s.Distribution()
		chk.Error(err, "spec %+v", s)
	}
}

func moments(vals []float64) (mean, stdev float64) {
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	for _, v := range vals {
		d := v - mean
		stdev += d * d
	}
	stdev = math.Sqrt(stdev / float64(len(vals)-1))
	return mean, stdev
}

func column(m [][]float64, j int) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		out[i] = row[j]
	}
	return out
}

func TestEmpiricalMoments(t *testing.T) {
	chk := require.New(t)
	const trials = 20000
	rng := rand.New(rand.NewPCG(42, 1))

	dists := []Quantiler{
		Uniform{Min: 2, Max: 6},
		Normal{Mean: 10, Stdev: 2},
		Triangle{Min: 0, Max: 1, Mode: 0.5},
	}
	m, err := Sample(rng, dists, trials, nil)
	chk.NoError(err)

	mean, stdev := moments(column(m, 0))
	chk.InDelta(4.0, mean, 0.02)
	chk.InDelta(4/math.Sqrt(12), stdev, 0.02)

	mean, stdev = moments(column(m, 1))
	chk.InDelta(10.0, mean, 0.05)
	chk.InDelta(2.0, stdev, 0.05)

	mean, _ = moments(column(m, 2))
	chk.InDelta(0.5, mean, 0.01)
}

func TestSampleStratifies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		trials := rapid.IntRange(1, 200).Draw(t, "trials")
		seed := rapid.Uint64().Draw(t, "seed")
		rng := rand.New(rand.NewPCG(seed, 7))

		m, err := Sample(rng, []Quantiler{Uniform{Min: 0, Max: 1}}, trials, nil)
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		vals := column(m, 0)
		sort.Float64s(vals)
		for i, v := range vals {
			lo := float64(i) / float64(trials)
			hi := float64(i+1) / float64(trials)
			if v < lo || v > hi {
				t.Fatalf("value %v at index %d outside stratum [%v, %v)", v, i, lo, hi)
			}
		}
	})
}
