// Package ops provides the host-side tensor operations the guidance core is
// built from. Tensors are contiguous float32 *tensor.Dense values; every
// operation returns a new tensor and leaves its inputs untouched.
package ops

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
)

var ErrShape = errors.New("ops: shape mismatch")

// New wraps data in a tensor of the given shape. The data is not copied.
func New(data []float32, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros returns a zero-filled tensor.
func Zeros(shape ...int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// ZerosLike returns a zero-filled tensor with the shape of t.
func ZerosLike(t *tensor.Dense) *tensor.Dense {
	return Zeros(Shape(t)...)
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *tensor.Dense {
	t := Zeros(shape...)
	data := Data(t)
	for i := range data {
		data[i] = v
	}
	return t
}

// Shape returns a copy of the shape of t.
func Shape(t *tensor.Dense) []int {
	return slices.Clone([]int(t.Shape()))
}

// Data returns the backing slice of t.
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Clone returns a deep copy of t.
func Clone(t *tensor.Dense) *tensor.Dense {
	return New(slices.Clone(Data(t)), Shape(t)...)
}

// Reshape returns a copy of t with a new shape of the same size.
func Reshape(t *tensor.Dense, shape ...int) (*tensor.Dense, error) {
	c := Clone(t)
	if err := c.Reshape(shape...); err != nil {
		return nil, fmt.Errorf("%w: reshape %v to %v: %v", ErrShape, t.Shape(), shape, err)
	}
	return c, nil
}

// Unsqueeze prepends a dimension of size one.
func Unsqueeze(t *tensor.Dense) (*tensor.Dense, error) {
	return Reshape(t, append([]int{1}, Shape(t)...)...)
}

func dense(t tensor.Tensor) *tensor.Dense {
	return tensor.Materialize(t).(*tensor.Dense)
}

// Concat joins tensors along axis. All other dimensions must agree.
func Concat(axis int, ts ...*tensor.Dense) (*tensor.Dense, error) {
	switch len(ts) {
	case 0:
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	case 1:
		return Clone(ts[0]), nil
	}

	want := Shape(ts[0])
	others := make([]tensor.Tensor, 0, len(ts)-1)
	for _, t := range ts[1:] {
		shape := Shape(t)
		if len(shape) != len(want) {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, want, shape)
		}
		for i := range shape {
			if i != axis && shape[i] != want[i] {
				return nil, fmt.Errorf("%w: concat %v with %v on axis %d", ErrShape, want, shape, axis)
			}
		}
		others = append(others, t)
	}

	out, err := tensor.Concat(axis, ts[0], others...)
	if err != nil {
		return nil, err
	}
	return dense(out), nil
}

// Repeat concatenates n copies of t along the first axis.
func Repeat(t *tensor.Dense, n int) (*tensor.Dense, error) {
	return Concat(0, slices.Repeat([]*tensor.Dense{t}, n)...)
}

// Stack joins tensors of identical shape along a new leading axis.
func Stack(ts ...*tensor.Dense) (*tensor.Dense, error) {
	expanded := make([]*tensor.Dense, len(ts))
	for i, t := range ts {
		if i > 0 && !slices.Equal(Shape(t), Shape(ts[0])) {
			return nil, fmt.Errorf("%w: stack %v with %v", ErrShape, ts[0].Shape(), t.Shape())
		}

		e, err := Unsqueeze(t)
		if err != nil {
			return nil, err
		}
		expanded[i] = e
	}
	return Concat(0, expanded...)
}

// Narrow returns the elements of t in [start, end) along axis. Unlike a
// plain tensor slice, a length-one result keeps its dimension and is never a
// scalar.
func Narrow(t *tensor.Dense, axis, start, end int) (*tensor.Dense, error) {
	shape := Shape(t)
	if axis < 0 || axis >= len(shape) || start < 0 || end > shape[axis] || start >= end {
		return nil, fmt.Errorf("%w: narrow %v axis %d [%d:%d]", ErrShape, shape, axis, start, end)
	}

	outer, inner := strides(shape, axis)
	n, m := shape[axis], end-start

	src := Data(t)
	dst := make([]float32, outer*m*inner)
	for o := range outer {
		copy(dst[o*m*inner:(o+1)*m*inner], src[(o*n+start)*inner:(o*n+end)*inner])
	}

	shape[axis] = m
	return New(dst, shape...), nil
}

// strides returns the number of blocks before axis and the block size after it.
func strides(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}

// Chunk splits t into n equal parts along the first axis.
func Chunk(t *tensor.Dense, n int) ([]*tensor.Dense, error) {
	shape := Shape(t)
	if len(shape) == 0 || n <= 0 || shape[0]%n != 0 {
		return nil, fmt.Errorf("%w: cannot split %v into %d chunks", ErrShape, shape, n)
	}

	size := shape[0] / n
	chunks := make([]*tensor.Dense, n)
	for i := range chunks {
		c, err := Narrow(t, 0, i*size, (i+1)*size)
		if err != nil {
			return nil, err
		}
		chunks[i] = c
	}
	return chunks, nil
}

// Flip reverses the order of elements along axis.
func Flip(t *tensor.Dense, axis int) (*tensor.Dense, error) {
	shape := Shape(t)
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("%w: flip axis %d of %v", ErrShape, axis, shape)
	}

	outer, inner := strides(shape, axis)

	n := shape[axis]
	src := Data(t)
	dst := make([]float32, len(src))
	for o := range outer {
		for i := range n {
			from := (o*n + i) * inner
			to := (o*n + n - 1 - i) * inner
			copy(dst[to:to+inner], src[from:from+inner])
		}
	}
	return New(dst, shape...), nil
}

// Add returns a + b. Shapes must match exactly.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !slices.Equal(Shape(a), Shape(b)) {
		return nil, fmt.Errorf("%w: add %v and %v", ErrShape, a.Shape(), b.Shape())
	}
	return a.Add(b)
}

// Sub returns a - b. Shapes must match exactly.
func Sub(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !slices.Equal(Shape(a), Shape(b)) {
		return nil, fmt.Errorf("%w: sub %v and %v", ErrShape, a.Shape(), b.Shape())
	}
	return a.Sub(b)
}

// Scale returns t * s.
func Scale(t *tensor.Dense, s float32) (*tensor.Dense, error) {
	out, err := tensor.Mul(t, s)
	if err != nil {
		return nil, err
	}
	return dense(out), nil
}

// Equal reports whether a and b have the same shape and elements within tol.
func Equal(a, b *tensor.Dense, tol float32) bool {
	if !slices.Equal(Shape(a), Shape(b)) {
		return false
	}

	x, y := Data(a), Data(b)
	for i := range x {
		d := x[i] - y[i]
		if d > tol || d < -tol {
			return false
		}
	}
	return true
}
