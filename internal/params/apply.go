package params

import (
	"fmt"
	"strings"
)

// ApplyFunc combines a sampled draw with the original value of the model
// input the parameter targets.
type ApplyFunc func(original, draw float64) float64

// Registry maps apply-operator names to functions. The builtin operators
// are direct and replace (substitute the draw), add, and multiply (with
// its alias mult).
type Registry struct {
	ops map[string]ApplyFunc
}

// NewRegistry returns a registry preloaded with the builtin operators.
func NewRegistry() *Registry {
	substitute := func(_, draw float64) float64 { return draw }
	multiply := func(original, draw float64) float64 { return original * draw }
	return &Registry{ops: map[string]ApplyFunc{
		"direct":   substitute,
		"replace":  substitute,
		"add":      func(original, draw float64) float64 { return original + draw },
		"multiply": multiply,
		"mult":     multiply,
	}}
}

// Register adds a custom operator. Re-registering a name replaces the
// previous function, builtins included.
func (r *Registry) Register(name string, fn ApplyFunc) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("apply operator name is empty")
	}
	if fn == nil {
		return fmt.Errorf("apply operator %q has nil function", name)
	}
	r.ops[name] = fn
	return nil
}

// Lookup returns the named operator.
func (r *Registry) Lookup(name string) (ApplyFunc, bool) {
	fn, ok := r.ops[strings.ToLower(name)]
	return fn, ok
}

// Apply runs the named operator on (original, draw) and clamps the result
// into [low, high]. Clamping happens after the operator, so an add that
// overshoots a bound lands exactly on it. Nil bounds are open.
func (r *Registry) Apply(name string, original, draw float64, low, high *float64) (float64, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("unknown apply operator %q", name)
	}
	v := fn(original, draw)
	if low != nil && v < *low {
		v = *low
	}
	if high != nil && v > *high {
		v = *high
	}
	return v, nil
}
