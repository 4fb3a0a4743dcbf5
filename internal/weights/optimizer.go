package weights

import (
	"fmt"
	"math"
	"strings"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// Optimizer updates params in place from grad. key identifies the parameter
// vector for stateful optimizers.
type Optimizer interface {
	Step(key string, params, grad []float64)
}

// NewOptimizer returns an optimizer by name ("sgd" or "adam").
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, errors.ValidationError(fmt.Sprintf("learning rate must be positive, got %g", lr))
	}
	switch strings.ToLower(name) {
	case "sgd":
		return &SGD{LR: lr}, nil
	case "adam", "":
		return NewAdam(lr), nil
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown optimizer %q", name))
	}
}

// SGD is plain gradient descent.
type SGD struct {
	LR float64
}

func (o *SGD) Step(_ string, params, grad []float64) {
	for i, g := range grad {
		params[i] -= o.LR * g
	}
}

type adamState struct {
	m, v []float64
	t    int
}

// Adam keeps first and second moment estimates per key.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	state map[string]*adamState
}

// NewAdam returns Adam with the usual defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, state: make(map[string]*adamState)}
}

func (o *Adam) Step(key string, params, grad []float64) {
	st, ok := o.state[key]
	if !ok || len(st.m) != len(params) {
		st = &adamState{m: make([]float64, len(params)), v: make([]float64, len(params))}
		o.state[key] = st
	}
	st.t++
	b1Corr := 1 - math.Pow(o.Beta1, float64(st.t))
	b2Corr := 1 - math.Pow(o.Beta2, float64(st.t))
	for j, g := range grad {
		st.m[j] = o.Beta1*st.m[j] + (1-o.Beta1)*g
		st.v[j] = o.Beta2*st.v[j] + (1-o.Beta2)*g*g
		mhat := st.m[j] / b1Corr
		vhat := st.v[j] / b2Corr
		params[j] -= o.LR * mhat / (math.Sqrt(vhat) + o.Eps)
	}
}
