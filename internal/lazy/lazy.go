// Package lazy provides chunk-deferred arrays: transformation graphs over
// chunked storage that read nothing until a caller forces evaluation with
// Materialize. Graph construction is pure and side-effect free, so an
// unwanted graph can simply be discarded.
package lazy

import (
	"context"
	"fmt"
)

// Buffer is a materialized n-dimensional array in row-major (C) order.
// Values are held as float64 regardless of the storage dtype; the dataset
// layer tracks the declared dtype separately.
type Buffer struct {
	Shape []int
	Data  []float64
}

// NewBuffer allocates a zeroed buffer of the given shape.
func NewBuffer(shape []int) *Buffer {
	return &Buffer{Shape: append([]int(nil), shape...), Data: make([]float64, Size(shape))}
}

// At returns the value at the given index tuple.
func (b *Buffer) At(idx ...int) float64 {
	return b.Data[Offset(b.Shape, idx)]
}

// Set assigns the value at the given index tuple.
func (b *Buffer) Set(v float64, idx ...int) {
	b.Data[Offset(b.Shape, idx)] = v
}

// Size returns the element count of a shape.
func Size(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Strides returns row-major strides for a shape.
func Strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// Offset converts an index tuple to a flat row-major offset.
func Offset(shape, idx []int) int {
	off := 0
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		off += idx[i] * acc
		acc *= shape[i]
	}
	return off
}

// Array is a lazy n-dimensional array. Shape is known without I/O;
// Materialize forces evaluation and is the only operation that reads
// from storage.
type Array interface {
	Shape() []int
	Materialize(ctx context.Context) (*Buffer, error)
}

// eager wraps an already-materialized buffer as an Array.
type eager struct {
	buf *Buffer
}

// FromBuffer wraps a materialized buffer. Used for coordinate-derived arrays
// and in tests.
func FromBuffer(b *Buffer) Array { return &eager{buf: b} }

func (e *eager) Shape() []int { return e.buf.Shape }

func (e *eager) Materialize(ctx context.Context) (*Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func checkWindow(shape, start, stop []int) error {
	if len(start) != len(shape) || len(stop) != len(shape) {
		return fmt.Errorf("window rank %d/%d does not match array rank %d", len(start), len(stop), len(shape))
	}
	for i := range shape {
		if start[i] < 0 || stop[i] > shape[i] || start[i] > stop[i] {
			return fmt.Errorf("window [%d:%d) out of range for dim %d of size %d", start[i], stop[i], i, shape[i])
		}
	}
	return nil
}

// Slice returns a lazy view restricted to the half-open window
// [start[i], stop[i]) per dimension. Slicing a chunked array narrows the set
// of chunks that a later Materialize will read; no data is read here.
func Slice(a Array, start, stop []int) (Array, error) {
	if err := checkWindow(a.Shape(), start, stop); err != nil {
		return nil, err
	}
	if c, ok := a.(*chunked); ok {
		return c.slice(start, stop), nil
	}
	return &sliceNode{src: a, start: append([]int(nil), start...), stop: append([]int(nil), stop...)}, nil
}

type sliceNode struct {
	src         Array
	start, stop []int
}

func (s *sliceNode) Shape() []int {
	out := make([]int, len(s.start))
	for i := range s.start {
		out[i] = s.stop[i] - s.start[i]
	}
	return out
}

func (s *sliceNode) Materialize(ctx context.Context) (*Buffer, error) {
	in, err := s.src.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	out := NewBuffer(s.Shape())
	copyWindow(out.Data, out.Shape, in.Data, in.Shape, s.start)
	return out, nil
}

// copyWindow copies a window of srcShape starting at srcOff into dst, which
// has exactly the window's shape.
func copyWindow(dst []float64, dstShape []int, src []float64, srcShape []int, srcOff []int) {
	rank := len(dstShape)
	if rank == 0 {
		dst[0] = src[0]
		return
	}
	srcStrides := Strides(srcShape)
	dstStrides := Strides(dstShape)

	// Iterate all leading dims with an odometer; copy the innermost run.
	idx := make([]int, rank-1)
	inner := dstShape[rank-1]
	for {
		so := srcOff[rank-1] * 1
		do := 0
		for i := 0; i < rank-1; i++ {
			so += (srcOff[i] + idx[i]) * srcStrides[i]
			do += idx[i] * dstStrides[i]
		}
		copy(dst[do:do+inner], src[so:so+inner])

		i := rank - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < dstShape[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}

// Mask applies a boolean mask over the trailing two dimensions, writing fill
// wherever the mask is false. The mask is shared across any leading
// dimensions (e.g. time).
func Mask(a Array, mask []bool, fill float64) (Array, error) {
	shape := a.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("mask requires rank >= 2, got %d", len(shape))
	}
	plane := shape[len(shape)-2] * shape[len(shape)-1]
	if len(mask) != plane {
		return nil, fmt.Errorf("mask size %d does not match spatial plane %d", len(mask), plane)
	}
	return Transform(a, shape, func(ctx context.Context, in *Buffer) (*Buffer, error) {
		out := NewBuffer(in.Shape)
		copy(out.Data, in.Data)
		for base := 0; base < len(out.Data); base += plane {
			for i, keep := range mask {
				if !keep {
					out.Data[base+i] = fill
				}
			}
		}
		return out, nil
	}), nil
}

// Transform defers an arbitrary buffer-to-buffer function. The declared
// output shape must match what fn produces.
func Transform(a Array, shape []int, fn func(ctx context.Context, in *Buffer) (*Buffer, error)) Array {
	return &transformNode{src: a, shape: append([]int(nil), shape...), fn: fn}
}

type transformNode struct {
	src   Array
	shape []int
	fn    func(ctx context.Context, in *Buffer) (*Buffer, error)
}

func (t *transformNode) Shape() []int { return t.shape }

func (t *transformNode) Materialize(ctx context.Context) (*Buffer, error) {
	in, err := t.src.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	out, err := t.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	if Size(out.Shape) != Size(t.shape) {
		return nil, fmt.Errorf("transform produced shape %v, declared %v", out.Shape, t.shape)
	}
	return out, nil
}
