package params

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func f64(v float64) *float64 { return &v }

func TestBuiltinOperators(t *testing.T) {
	chk := require.New(t)
	reg := NewRegistry()

	cases := []struct {
		op                   string
		original, draw, want float64
	}{
		{"direct", 3, 0.25, 0.25},
		{"replace", 3, 0.25, 0.25},
		{"add", 3, 0.25, 3.25},
		{"multiply", 3, 0.25, 0.75},
		{"mult", 3, 0.25, 0.75},
	}
	for _, c := range cases {
		got, err := reg.Apply(c.op, c.original, c.draw, nil, nil)
		chk.NoError(err, c.op)
		chk.InDelta(c.want, got, 1e-12, c.op)
	}
}

func TestApplyClamps(t *testing.T) {
	chk := require.New(t)
	reg := NewRegistry()

	// add overshoots the high bound and lands exactly on it
	got, err := reg.Apply("add", 0.5, 0.9, f64(0), f64(1))
	chk.NoError(err)
	chk.Equal(1.0, got)

	got, err = reg.Apply("add", 0.5, -0.9, f64(0), f64(1))
	chk.NoError(err)
	chk.Equal(0.0, got)

	// open bounds pass the raw result through
	got, err = reg.Apply("add", 0.5, 0.9, nil, nil)
	chk.NoError(err)
	chk.InDelta(1.4, got, 1e-12)
}

func TestApplyUnknownOperator(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Apply("exponentiate", 1, 2, nil, nil); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestRegisterCustom(t *testing.T) {
	chk := require.New(t)
	reg := NewRegistry()

	chk.Error(reg.Register("", func(o, d float64) float64 { return o }))
	chk.Error(reg.Register("noop", nil))

	chk.NoError(reg.Register("Scale10", func(o, d float64) float64 { return o * d * 10 }))
	got, err := reg.Apply("scale10", 2, 3, nil, nil)
	chk.NoError(err)
	chk.Equal(60.0, got)
}

func TestApplyStaysWithinBounds(t *testing.T) {
	reg := NewRegistry()
	ops := []string{"direct", "add", "multiply"}
	rapid.Check(t, func(t *rapid.T) {
		op := rapid.SampledFrom(ops).Draw(t, "op")
		original := rapid.Float64Range(-100, 100).Draw(t, "original")
		draw := rapid.Float64Range(-100, 100).Draw(t, "draw")
		low := rapid.Float64Range(-50, 0).Draw(t, "low")
		high := rapid.Float64Range(0, 50).Draw(t, "high")

		got, err := reg.Apply(op, original, draw, &low, &high)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if got < low || got > high {
			t.Fatalf("result %v outside [%v, %v]", got, low, high)
		}
	})
}
