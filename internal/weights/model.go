// Package weights implements per-relation learnable template mixture weights.
package weights

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
	"github.com/ricesearch/kbprobe/internal/tensor"
)

// Options configures a Model.
type Options struct {
	// EnforceProb normalises the active weights with a softmax.
	EnforceProb bool
	// NumFeatures multiplies each relation's template count into its capacity.
	NumFeatures int
}

// Output is the result of Forward. Mixture is set without a target, Loss with one.
type Output struct {
	Mixture *tensor.Dense
	Loss    float64
}

type param struct {
	w    []float64
	held bool
}

// Model owns one weight vector per relation. Capacities are fixed at
// construction and vectors are only mutated through a Handle.
type Model struct {
	opts Options

	mu     sync.RWMutex
	params map[string]*param
}

// NewModel allocates a zero weight vector of templates×NumFeatures for every relation.
func NewModel(rel2numtemp map[string]int, opts Options) (*Model, error) {
	if opts.NumFeatures < 1 {
		opts.NumFeatures = 1
	}
	m := &Model{opts: opts, params: make(map[string]*param, len(rel2numtemp))}
	for rel, n := range rel2numtemp {
		if n < 1 {
			return nil, errors.ValidationError(fmt.Sprintf("relation %s: template count must be positive, got %d", rel, n))
		}
		m.params[rel] = &param{w: make([]float64, n*opts.NumFeatures)}
	}
	return m, nil
}

// Options returns the model options.
func (m *Model) Options() Options {
	return m.opts
}

// Relations returns the known relations in sorted order.
func (m *Model) Relations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.params))
	for rel := range m.params {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// Capacity returns the allocated length of a relation's weight vector.
func (m *Model) Capacity(relation string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[relation]
	if !ok {
		return 0, errors.NotFoundError("relation " + relation)
	}
	return len(p.w), nil
}

// Raw returns a copy of a relation's full, unnormalised weight vector.
func (m *Model) Raw(relation string) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[relation]
	if !ok {
		return nil, errors.NotFoundError("relation " + relation)
	}
	return append([]float64(nil), p.w...), nil
}

// Weights returns the first n weights of a relation as used by Forward.
func (m *Model) Weights(relation string, n int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active(relation, n)
}

func (m *Model) active(relation string, n int) ([]float64, error) {
	p, ok := m.params[relation]
	if !ok {
		return nil, errors.NotFoundError("relation " + relation)
	}
	if n < 1 || n > len(p.w) {
		return nil, errors.TemplateShapeError(fmt.Sprintf("relation %s: %d active weights exceed capacity %d", relation, n, len(p.w)))
	}
	w := append([]float64(nil), p.w[:n]...)
	if m.opts.EnforceProb {
		var sum float64
		for i, v := range w {
			w[i] = math.Exp(v)
			sum += w[i]
		}
		for i := range w {
			w[i] /= sum
		}
	}
	return w, nil
}

// Forward mixes exp(x) across axis 1 with the relation's active weights.
// Rank-3 input (batch, templates, width) returns the (batch, width) mixture, or
// the mean negative log of the mixture at target when target is set. Rank-2
// input (batch, features) always returns the mean negative log of the mixture.
func (m *Model) Forward(relation string, x *tensor.Dense, target []int) (*Output, error) {
	mix, err := m.mixture(relation, x)
	if err != nil {
		return nil, err
	}
	switch x.Rank() {
	case 3:
		if target == nil {
			return &Output{Mixture: mix}, nil
		}
		if len(target) != x.Dim(0) {
			return nil, errors.TemplateShapeError(fmt.Sprintf("%d targets for batch %d", len(target), x.Dim(0)))
		}
		var loss float64
		for b, y := range target {
			if y < 0 || y >= x.Dim(2) {
				return nil, errors.TemplateShapeError(fmt.Sprintf("target %d out of range [0,%d)", y, x.Dim(2)))
			}
			loss -= math.Log(mix.At(b, y))
		}
		return &Output{Loss: loss / float64(len(target))}, nil
	default:
		var loss float64
		for _, v := range mix.Data() {
			loss -= math.Log(v)
		}
		return &Output{Loss: loss / float64(mix.NumElements())}, nil
	}
}

// Merge returns the inference-mode mixture of a (batch, templates, width) stack.
func (m *Model) Merge(relation string, x *tensor.Dense) (*tensor.Dense, error) {
	if x.Rank() != 3 {
		return nil, errors.TemplateShapeError(fmt.Sprintf("merge needs rank 3, got %d", x.Rank()))
	}
	out, err := m.Forward(relation, x, nil)
	if err != nil {
		return nil, err
	}
	return out.Mixture, nil
}

// mixture returns Σ_t w_t·exp(x[b,t,...]) with shape (batch, width) for rank 3
// and (batch) for rank 2.
func (m *Model) mixture(relation string, x *tensor.Dense) (*tensor.Dense, error) {
	if x.Rank() != 2 && x.Rank() != 3 {
		return nil, errors.TemplateShapeError(fmt.Sprintf("weight model input must have rank 2 or 3, got %d", x.Rank()))
	}
	w, err := m.Weights(relation, x.Dim(1))
	if err != nil {
		return nil, err
	}

	nb, nt := x.Dim(0), x.Dim(1)
	if x.Rank() == 2 {
		out := tensor.Zeros(nb)
		for b := 0; b < nb; b++ {
			var s float64
			for t := 0; t < nt; t++ {
				s += math.Exp(x.At(b, t)) * w[t]
			}
			out.Set(s, b)
		}
		return out, nil
	}

	width := x.Dim(2)
	out := tensor.Zeros(nb, width)
	for b := 0; b < nb; b++ {
		dst := out.Row(b)
		for t := 0; t < nt; t++ {
			src := x.Row(b, t)
			for v := range dst {
				dst[v] += math.Exp(src[v]) * w[t]
			}
		}
	}
	return out, nil
}

// Gradient returns the training loss and its gradient with respect to the
// relation's full weight vector. Slots beyond the active templates get zero.
func (m *Model) Gradient(relation string, x *tensor.Dense, target []int) (float64, []float64, error) {
	out, err := m.Forward(relation, x, target)
	if err != nil {
		return 0, nil, err
	}
	if x.Rank() == 3 && target == nil {
		return 0, nil, errors.ValidationError("gradient of a rank-3 input needs a target")
	}
	capacity, err := m.Capacity(relation)
	if err != nil {
		return 0, nil, err
	}
	nb, nt := x.Dim(0), x.Dim(1)
	w, err := m.Weights(relation, nt)
	if err != nil {
		return 0, nil, err
	}

	// p[b][t] is the probability each template assigns the gold entry.
	g := make([]float64, nt)
	for b := 0; b < nb; b++ {
		p := make([]float64, nt)
		var mix float64
		for t := 0; t < nt; t++ {
			if x.Rank() == 3 {
				p[t] = math.Exp(x.At(b, t, target[b]))
			} else {
				p[t] = math.Exp(x.At(b, t))
			}
			mix += w[t] * p[t]
		}
		for t := range g {
			g[t] -= p[t] / mix / float64(nb)
		}
	}

	grad := make([]float64, capacity)
	if !m.opts.EnforceProb {
		copy(grad, g)
		return out.Loss, grad, nil
	}
	var avg float64
	for t := range g {
		avg += w[t] * g[t]
	}
	for j := range g {
		grad[j] = w[j] * (g[j] - avg)
	}
	return out.Loss, grad, nil
}

// Acquire returns the exclusive writer handle for a relation. A second
// Acquire before Release fails with a conflict.
func (m *Model) Acquire(relation string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.params[relation]
	if !ok {
		return nil, errors.NotFoundError("relation " + relation)
	}
	if p.held {
		return nil, errors.ConflictError(fmt.Sprintf("weights for relation %s are held by another writer", relation))
	}
	p.held = true
	return &Handle{m: m, relation: relation, p: p}, nil
}

// SetWeight replaces a relation's weights in one acquire/replace/release.
func (m *Model) SetWeight(relation string, vec []float64) error {
	h, err := m.Acquire(relation)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.SetWeight(vec)
}

// Handle is the single writer of one relation's weight vector.
type Handle struct {
	m        *Model
	relation string
	p        *param
	released bool
}

// Relation returns the relation the handle owns.
func (h *Handle) Relation() string {
	return h.relation
}

// SetWeight overwrites the leading len(vec) weights and zeroes the rest.
func (h *Handle) SetWeight(vec []float64) error {
	if h.released {
		return errors.ConflictError("handle already released")
	}
	if len(vec) == 0 || len(vec) > len(h.p.w) {
		return errors.TemplateShapeError(fmt.Sprintf("relation %s: weight length %d, capacity %d", h.relation, len(vec), len(h.p.w)))
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	n := copy(h.p.w, vec)
	clear(h.p.w[n:])
	return nil
}

// Step applies one optimizer update with a full-length gradient.
func (h *Handle) Step(opt Optimizer, grad []float64) error {
	if h.released {
		return errors.ConflictError("handle already released")
	}
	if len(grad) != len(h.p.w) {
		return errors.TemplateShapeError(fmt.Sprintf("relation %s: gradient length %d, capacity %d", h.relation, len(grad), len(h.p.w)))
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	opt.Step(h.relation, h.p.w, grad)
	return nil
}

// TrainStep computes the loss and gradient for one batch and applies a step.
func (h *Handle) TrainStep(opt Optimizer, x *tensor.Dense, target []int) (float64, error) {
	loss, grad, err := h.m.Gradient(h.relation, x, target)
	if err != nil {
		return 0, err
	}
	if err := h.Step(opt, grad); err != nil {
		return 0, err
	}
	return loss, nil
}

// Release gives up write ownership. Further calls are no-ops.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.m.mu.Lock()
	h.p.held = false
	h.m.mu.Unlock()
}
