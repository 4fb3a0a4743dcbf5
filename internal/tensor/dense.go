// Package tensor provides a small shape-carrying float64 array used at the
// boundary between the ensemble, the template weight model and the reranker.
package tensor

import (
	"fmt"

	"github.com/ricesearch/kbprobe/internal/pkg/errors"
)

// Dense is a row-major float64 tensor of rank 1 to 3.
type Dense struct {
	shape []int
	data  []float64
}

// New wraps data with the given shape. The element count must match.
func New(data []float64, shape ...int) (*Dense, error) {
	if len(shape) == 0 || len(shape) > 3 {
		return nil, errors.TemplateShapeError(fmt.Sprintf("unsupported tensor rank %d", len(shape)))
	}
	if n := numElements(shape); n != len(data) {
		return nil, errors.TemplateShapeError(fmt.Sprintf("shape %v needs %d elements, got %d", shape, n, len(data)))
	}
	return &Dense{shape: append([]int(nil), shape...), data: data}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Dense {
	return &Dense{
		shape: append([]int(nil), shape...),
		data:  make([]float64, numElements(shape)),
	}
}

// FromRows builds a rank-2 tensor from equally sized rows.
func FromRows(rows [][]float64) (*Dense, error) {
	if len(rows) == 0 {
		return nil, errors.TemplateShapeError("no rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, errors.TemplateShapeError(fmt.Sprintf("row %d has %d columns, want %d", i, len(r), cols))
		}
		data = append(data, r...)
	}
	return &Dense{shape: []int{len(rows), cols}, data: data}, nil
}

// Stack builds a (batch, templates, width) tensor from per-template matrices
// indexed [template][batch][width].
func Stack(perTemplate [][][]float64) (*Dense, error) {
	if len(perTemplate) == 0 || len(perTemplate[0]) == 0 {
		return nil, errors.TemplateShapeError("nothing to stack")
	}
	nt := len(perTemplate)
	nb := len(perTemplate[0])
	nw := len(perTemplate[0][0])
	out := Zeros(nb, nt, nw)
	for t, m := range perTemplate {
		if len(m) != nb {
			return nil, errors.TemplateShapeError(fmt.Sprintf("template %d has batch %d, want %d", t, len(m), nb))
		}
		for b, row := range m {
			if len(row) != nw {
				return nil, errors.TemplateShapeError(fmt.Sprintf("template %d sample %d has width %d, want %d", t, b, len(row), nw))
			}
			copy(out.Row(b, t), row)
		}
	}
	return out, nil
}

// Shape returns the tensor shape.
func (d *Dense) Shape() []int {
	return d.shape
}

// Rank returns the number of dimensions.
func (d *Dense) Rank() int {
	return len(d.shape)
}

// Dim returns the size of dimension i.
func (d *Dense) Dim(i int) int {
	return d.shape[i]
}

// Data returns the underlying row-major storage.
func (d *Dense) Data() []float64 {
	return d.data
}

// NumElements returns the total number of elements.
func (d *Dense) NumElements() int {
	return len(d.data)
}

func (d *Dense) offset(idx []int) int {
	if len(idx) != len(d.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(d.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= d.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, d.shape))
		}
		off = off*d.shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (d *Dense) At(idx ...int) float64 {
	return d.data[d.offset(idx)]
}

// Set stores v at idx.
func (d *Dense) Set(v float64, idx ...int) {
	d.data[d.offset(idx)] = v
}

// Row returns a view of the innermost dimension at the given leading indices.
// For rank 3 pass (batch, template); for rank 2 pass (row).
func (d *Dense) Row(lead ...int) []float64 {
	if len(lead) != len(d.shape)-1 {
		panic(fmt.Sprintf("tensor: %d leading indices for rank %d", len(lead), len(d.shape)))
	}
	w := d.shape[len(d.shape)-1]
	idx := append(append([]int(nil), lead...), 0)
	start := d.offset(idx)
	return d.data[start : start+w : start+w]
}

// Reshape returns a tensor sharing storage with a different shape.
func (d *Dense) Reshape(shape ...int) (*Dense, error) {
	return New(d.data, shape...)
}

// Clone creates a deep copy of the tensor.
func (d *Dense) Clone() *Dense {
	data := make([]float64, len(d.data))
	copy(data, d.data)
	return &Dense{shape: append([]int(nil), d.shape...), data: data}
}

// Concat joins rank-3 tensors along the template axis (dimension 1).
func Concat(parts ...*Dense) (*Dense, error) {
	if len(parts) == 0 {
		return nil, errors.TemplateShapeError("nothing to concatenate")
	}
	nb, nw := parts[0].Dim(0), parts[0].Dim(2)
	nt := 0
	for i, p := range parts {
		if p.Rank() != 3 || p.Dim(0) != nb || p.Dim(2) != nw {
			return nil, errors.TemplateShapeError(fmt.Sprintf("part %d shape %v incompatible with (%d, _, %d)", i, p.Shape(), nb, nw))
		}
		nt += p.Dim(1)
	}
	out := Zeros(nb, nt, nw)
	for b := 0; b < nb; b++ {
		t0 := 0
		for _, p := range parts {
			for t := 0; t < p.Dim(1); t++ {
				copy(out.Row(b, t0+t), p.Row(b, t))
			}
			t0 += p.Dim(1)
		}
	}
	return out, nil
}

// ToRows returns a rank-2 tensor as a slice of row copies.
func (d *Dense) ToRows() [][]float64 {
	if d.Rank() != 2 {
		panic(fmt.Sprintf("tensor: ToRows on rank %d", d.Rank()))
	}
	rows := make([][]float64, d.shape[0])
	for i := range rows {
		rows[i] = append([]float64(nil), d.Row(i)...)
	}
	return rows
}

func numElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}
