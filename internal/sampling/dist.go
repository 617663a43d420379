// Package sampling turns declarative distribution specs into per-trial
// draws. Stochastic kinds expose an inverse CDF so the Latin hypercube
// sampler can stratify percentiles; grid and sequence kinds are
// deterministic functions of the trial index and are never shuffled.
package sampling

import (
	"fmt"
	"math"
)

type Kind string

const (
	KindConstant   Kind = "constant"
	KindUniform    Kind = "uniform"
	KindLogUniform Kind = "loguniform"
	KindNormal     Kind = "normal"
	KindLognormal  Kind = "lognormal"
	KindTriangle   Kind = "triangle"
	KindIntegers   Kind = "integers"
	KindGrid       Kind = "grid"
	KindSequence   Kind = "sequence"
	KindBinary     Kind = "binary"
	KindLinked     Kind = "linked"
)

// Spec is the declarative form of a distribution as written in a parameter
// file. Exactly one combination of fields is valid per kind; Distribution
// validates and normalizes it.
type Spec struct {
	Kind Kind `yaml:"kind" json:"kind"`

	Value     *float64 `yaml:"value,omitempty" json:"value,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Mode      *float64 `yaml:"mode,omitempty" json:"mode,omitempty"`
	Factor    *float64 `yaml:"factor,omitempty" json:"factor,omitempty"`
	LogFactor *float64 `yaml:"logfactor,omitempty" json:"logfactor,omitempty"`
	Range     *float64 `yaml:"range,omitempty" json:"range,omitempty"`
	Mean      *float64 `yaml:"mean,omitempty" json:"mean,omitempty"`
	Stdev     *float64 `yaml:"stdev,omitempty" json:"stdev,omitempty"`
	LogMean   *float64 `yaml:"logmean,omitempty" json:"logmean,omitempty"`
	LogStdev  *float64 `yaml:"logstdev,omitempty" json:"logstdev,omitempty"`
	Low95     *float64 `yaml:"low95,omitempty" json:"low95,omitempty"`
	High95    *float64 `yaml:"high95,omitempty" json:"high95,omitempty"`
	Count     int      `yaml:"count,omitempty" json:"count,omitempty"`
	Values    []float64 `yaml:"values,omitempty" json:"values,omitempty"`
	Parameter string    `yaml:"parameter,omitempty" json:"parameter,omitempty"`
}

// Distribution is any realized distribution. Concrete types implement
// either Quantiler or Indexed (Linked implements neither; the parameter
// compiler resolves it by copying another parameter's column).
type Distribution interface {
	Kind() Kind
}

// Quantiler inverts the CDF at percentile u in [0,1].
type Quantiler interface {
	Distribution
	Quantile(u float64) float64
}

// Indexed yields deterministic values keyed by trial number.
type Indexed interface {
	Distribution
	ValueAt(trial int) float64
}

type Constant struct{ Value float64 }

func (Constant) Kind() Kind                 { return KindConstant }
func (c Constant) Quantile(float64) float64 { return c.Value }

type Uniform struct{ Min, Max float64 }

func (Uniform) Kind() Kind { return KindUniform }
func (u Uniform) Quantile(p float64) float64 {
	return u.Min + p*(u.Max-u.Min)
}

// LogUniform draws uniformly in log space over [1/Factor, Factor].
type LogUniform struct{ Factor float64 }

func (LogUniform) Kind() Kind { return KindLogUniform }
func (l LogUniform) Quantile(p float64) float64 {
	// log-space endpoints are -ln(f) and +ln(f)
	return math.Pow(l.Factor, 2*p-1)
}

type Normal struct{ Mean, Stdev float64 }

func (Normal) Kind() Kind { return KindNormal }
func (n Normal) Quantile(p float64) float64 {
	return n.Mean + n.Stdev*normQuantile(p)
}

// Lognormal is parameterized by the mean and stdev of the underlying
// normal distribution.
type Lognormal struct{ Mu, Sigma float64 }

func (Lognormal) Kind() Kind { return KindLognormal }
func (l Lognormal) Quantile(p float64) float64 {
	return math.Exp(l.Mu + l.Sigma*normQuantile(p))
}

type Triangle struct{ Min, Max, Mode float64 }

func (Triangle) Kind() Kind { return KindTriangle }
func (t Triangle) Quantile(p float64) float64 {
	scale := t.Max - t.Min
	fc := (t.Mode - t.Min) / scale
	if p < fc {
		return t.Min + math.Sqrt(p*scale*(t.Mode-t.Min))
	}
	return t.Max - math.Sqrt((1-p)*scale*(t.Max-t.Mode))
}

// Integers draws uniformly over [Min, Max], both inclusive.
type Integers struct{ Min, Max int }

func (Integers) Kind() Kind { return KindIntegers }
func (d Integers) Quantile(p float64) float64 {
	n := d.Max - d.Min + 1
	i := int(p * float64(n))
	if i >= n {
		i = n - 1
	}
	return float64(d.Min + i)
}

type Binary struct{}

func (Binary) Kind() Kind { return KindBinary }
func (Binary) Quantile(p float64) float64 {
	if p < 0.5 {
		return 0
	}
	return 1
}

// Grid cycles through Count evenly spaced values from Min to Max by trial
// index.
type Grid struct{ Values []float64 }

func (Grid) Kind() Kind { return KindGrid }
func (g Grid) ValueAt(trial int) float64 {
	return g.Values[trial%len(g.Values)]
}

// Sequence cycles through an explicit value list by trial index.
type Sequence struct{ Values []float64 }

func (Sequence) Kind() Kind { return KindSequence }
func (s Sequence) ValueAt(trial int) float64 {
	return s.Values[trial%len(s.Values)]
}

// Linked copies the named parameter's draw for the same trial.
type Linked struct{ Parameter string }

func (Linked) Kind() Kind { return KindLinked }

// Distribution validates the spec and returns its realized form.
func (s Spec) Distribution() (Distribution, error) {
	switch s.Kind {
	case KindConstant:
		if s.Value == nil {
			return nil, fmt.Errorf("constant: value is required")
		}
		return Constant{Value: *s.Value}, nil

	case KindUniform:
		min, max, err := uniformBounds(s)
		if err != nil {
			return nil, err
		}
		return Uniform{Min: min, Max: max}, nil

	case KindLogUniform:
		if s.Factor == nil {
			return nil, fmt.Errorf("loguniform: factor is required")
		}
		if *s.Factor <= 1 {
			return nil, fmt.Errorf("loguniform: factor must be > 1, got %v", *s.Factor)
		}
		return LogUniform{Factor: *s.Factor}, nil

	case KindNormal:
		if s.Mean == nil || s.Stdev == nil {
			return nil, fmt.Errorf("normal: mean and stdev are required")
		}
		if *s.Stdev <= 0 {
			return nil, fmt.Errorf("normal: stdev must be > 0, got %v", *s.Stdev)
		}
		return Normal{Mean: *s.Mean, Stdev: *s.Stdev}, nil

	case KindLognormal:
		return lognormalFrom(s)

	case KindTriangle:
		return triangleFrom(s)

	case KindIntegers:
		if s.Min == nil || s.Max == nil {
			return nil, fmt.Errorf("integers: min and max are required")
		}
		min, max := int(*s.Min), int(*s.Max)
		if max < min {
			return nil, fmt.Errorf("integers: max %d < min %d", max, min)
		}
		return Integers{Min: min, Max: max}, nil

	case KindGrid:
		if s.Min == nil || s.Max == nil || s.Count < 2 {
			return nil, fmt.Errorf("grid: min, max and count >= 2 are required")
		}
		return Grid{Values: linspace(*s.Min, *s.Max, s.Count)}, nil

	case KindSequence:
		if len(s.Values) == 0 {
			return nil, fmt.Errorf("sequence: values must be non-empty")
		}
		return Sequence{Values: s.Values}, nil

	case KindBinary:
		return Binary{}, nil

	case KindLinked:
		if s.Parameter == "" {
			return nil, fmt.Errorf("linked: parameter is required")
		}
		return Linked{Parameter: s.Parameter}, nil

	default:
		return nil, fmt.Errorf("unknown distribution kind %q", s.Kind)
	}
}

// uniformBounds resolves the three declaration forms: explicit min/max,
// factor f in (0,1) giving [1-f, 1+f] for apply="multiply", or range r
// giving [-r, +r] for apply="add".
func uniformBounds(s Spec) (float64, float64, error) {
	switch {
	case s.Min != nil && s.Max != nil:
		if *s.Max < *s.Min {
			return 0, 0, fmt.Errorf("uniform: max %v < min %v", *s.Max, *s.Min)
		}
		return *s.Min, *s.Max, nil
	case s.Factor != nil:
		f := *s.Factor
		if f <= 0 || f >= 1 {
			return 0, 0, fmt.Errorf("uniform: factor must be between 0 and 1, got %v", f)
		}
		return 1 - f, 1 + f, nil
	case s.Range != nil:
		r := *s.Range
		if r <= 0 {
			return 0, 0, fmt.Errorf("uniform: range must be > 0, got %v", r)
		}
		return -r, r, nil
	default:
		return 0, 0, fmt.Errorf("uniform: min/max, factor, or range is required")
	}
}

// lognormalFrom accepts four declaration forms and reduces each to the
// underlying normal's mu/sigma:
//   - logmean/logstdev: mu and sigma directly
//   - mean/stdev: the lognormal's own moments in linear space
//   - low95/high95: a 95% interval
//   - logfactor f >= 1: shorthand for the 95% interval [1/f, f]
func lognormalFrom(s Spec) (Distribution, error) {
	switch {
	case s.LogMean != nil && s.LogStdev != nil:
		if *s.LogStdev <= 0 {
			return nil, fmt.Errorf("lognormal: logstdev must be > 0, got %v", *s.LogStdev)
		}
		return Lognormal{Mu: *s.LogMean, Sigma: *s.LogStdev}, nil

	case s.Mean != nil && s.Stdev != nil:
		m, sd := *s.Mean, *s.Stdev
		if m <= 0 || sd <= 0 {
			return nil, fmt.Errorf("lognormal: mean and stdev must be > 0, got mean=%v stdev=%v", m, sd)
		}
		v := sd * sd
		m2 := m * m
		mu := math.Log(m2 / math.Sqrt(v+m2))
		sigma := math.Sqrt(math.Log(v/m2 + 1))
		return Lognormal{Mu: mu, Sigma: sigma}, nil

	case s.Low95 != nil && s.High95 != nil:
		return lognormalFor95th(*s.Low95, *s.High95)

	case s.LogFactor != nil:
		f := *s.LogFactor
		if f < 1 {
			return nil, fmt.Errorf("lognormal: logfactor must be >= 1, got %v", f)
		}
		return lognormalFor95th(1/f, f)

	default:
		return nil, fmt.Errorf("lognormal: logmean/logstdev, mean/stdev, low95/high95, or logfactor is required")
	}
}

func lognormalFor95th(lo, hi float64) (Distribution, error) {
	if lo <= 0 || hi <= lo {
		return nil, fmt.Errorf("lognormal: 95%% interval must satisfy 0 < low95 < high95, got [%v, %v]", lo, hi)
	}
	loLog := math.Log(lo)
	hiLog := math.Log(hi)
	mu := (loLog + hiLog) / 2
	// 95th percentile of the normal is +/- 1.96 sigma
	sigma := (hiLog - mu) / 1.96
	return Lognormal{Mu: mu, Sigma: sigma}, nil
}

// triangleFrom accepts explicit min/max (mode defaults to the midpoint) or
// the range/factor/logfactor shorthands, which center the triangle for
// apply="add" and apply="multiply" use respectively.
func triangleFrom(s Spec) (Distribution, error) {
	var min, max, mode float64
	switch {
	case s.Min != nil && s.Max != nil:
		min, max = *s.Min, *s.Max
		if min > max {
			min, max = max, min
		}
		if s.Mode != nil {
			mode = *s.Mode
		} else {
			mode = (min + max) / 2
		}
	case s.Range != nil:
		r := *s.Range
		if r <= 0 {
			return nil, fmt.Errorf("triangle: range must be > 0, got %v", r)
		}
		min, max, mode = -r, r, 0
	case s.Factor != nil:
		f := *s.Factor
		if f <= 0 || f >= 1 {
			return nil, fmt.Errorf("triangle: factor must be between 0 and 1, got %v", f)
		}
		min, max, mode = 1-f, 1+f, 1
	case s.LogFactor != nil:
		f := *s.LogFactor
		if f <= 1 {
			return nil, fmt.Errorf("triangle: logfactor must be > 1, got %v", f)
		}
		min, max, mode = 1/f, f, 1
	default:
		return nil, fmt.Errorf("triangle: min/max, range, factor, or logfactor is required")
	}
	if max == min {
		return nil, fmt.Errorf("triangle: zero-width distribution [%v, %v]", min, max)
	}
	if mode < min || mode > max {
		return nil, fmt.Errorf("triangle: mode %v outside [%v, %v]", mode, min, max)
	}
	return Triangle{Min: min, Max: max, Mode: mode}, nil
}

func linspace(min, max float64, count int) []float64 {
	vals := make([]float64, count)
	step := (max - min) / float64(count-1)
	for i := range vals {
		vals[i] = min + float64(i)*step
	}
	vals[count-1] = max
	return vals
}
