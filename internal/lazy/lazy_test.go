package lazy

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
)

// gridSource serves chunks whose values encode the global flat offset, and
// counts reads so tests can assert laziness.
type gridSource struct {
	shape  []int
	chunks []int
	reads  atomic.Int64
	fail   bool
}

func (s *gridSource) ReadChunk(ctx context.Context, index []int) ([]float64, error) {
	s.reads.Add(1)
	if s.fail {
		return nil, errors.New("backend unavailable")
	}
	data := make([]float64, Size(s.chunks))
	strides := Strides(s.shape)
	rank := len(s.shape)
	idx := make([]int, rank)
	for i := range data {
		global := 0
		rem := i
		inside := true
		for d := 0; d < rank; d++ {
			chunkStride := 1
			for dd := d + 1; dd < rank; dd++ {
				chunkStride *= s.chunks[dd]
			}
			idx[d] = rem / chunkStride
			rem %= chunkStride
			g := index[d]*s.chunks[d] + idx[d]
			if g >= s.shape[d] {
				inside = false
				break
			}
			global += g * strides[d]
		}
		if inside {
			data[i] = float64(global)
		} else {
			data[i] = math.NaN() // padding of edge chunks
		}
	}
	return data, nil
}

func newGrid(t *testing.T, shape, chunks []int) (*gridSource, Array) {
	t.Helper()
	src := &gridSource{shape: shape, chunks: chunks}
	arr, err := NewChunked(src, shape, chunks)
	if err != nil {
		t.Fatalf("NewChunked: %v", err)
	}
	return src, arr
}

func TestChunked_NoReadsUntilMaterialize(t *testing.T) {
	src, arr := newGrid(t, []int{8, 8}, []int{4, 4})

	win, err := Slice(arr, []int{1, 1}, []int{3, 3})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if got := src.reads.Load(); got != 0 {
		t.Fatalf("graph construction read %d chunks", got)
	}
	if s := win.Shape(); s[0] != 2 || s[1] != 2 {
		t.Fatalf("Shape = %v", s)
	}
}

func TestChunked_SliceReadsOnlyTouchedChunks(t *testing.T) {
	src, arr := newGrid(t, []int{8, 8}, []int{4, 4})

	win, err := Slice(arr, []int{0, 0}, []int{3, 3})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	buf, err := win.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := src.reads.Load(); got != 1 {
		t.Fatalf("read %d chunks, want 1", got)
	}
	if buf.At(2, 2) != float64(2*8+2) {
		t.Fatalf("At(2,2) = %v", buf.At(2, 2))
	}
}

func TestChunked_WindowValuesAcrossChunks(t *testing.T) {
	_, arr := newGrid(t, []int{8, 8}, []int{4, 4})

	win, err := Slice(arr, []int{2, 2}, []int{6, 6})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	buf, err := win.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			want := float64((r+2)*8 + (c + 2))
			if got := buf.At(r, c); got != want {
				t.Fatalf("At(%d,%d) = %v, want %v", r, c, got, want)
			}
		}
	}
}

func TestChunked_SliceOfSliceComposes(t *testing.T) {
	src, arr := newGrid(t, []int{8, 8}, []int{4, 4})

	a, err := Slice(arr, []int{2, 2}, []int{8, 8})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	b, err := Slice(a, []int{0, 0}, []int{2, 2})
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	buf, err := b.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := src.reads.Load(); got != 1 {
		t.Fatalf("read %d chunks, want 1", got)
	}
	if buf.At(0, 0) != float64(2*8+2) || buf.At(1, 1) != float64(3*8+3) {
		t.Fatalf("unexpected values: %v %v", buf.At(0, 0), buf.At(1, 1))
	}
}

func TestChunked_EdgeChunkPadding(t *testing.T) {
	// 5x5 array with 4x4 chunks: edge chunks are padded, padding must never
	// leak into the materialized window.
	_, arr := newGrid(t, []int{5, 5}, []int{4, 4})
	buf, err := arr.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	for r := 0; r < 5; r++ {
		for c := 0; c < 5; c++ {
			if math.IsNaN(buf.At(r, c)) {
				t.Fatalf("padding leaked at (%d,%d)", r, c)
			}
		}
	}
	if buf.At(4, 4) != 24 {
		t.Fatalf("At(4,4) = %v", buf.At(4, 4))
	}
}

func TestChunked_ReadErrorPropagates(t *testing.T) {
	src := &gridSource{shape: []int{4, 4}, chunks: []int{2, 2}, fail: true}
	arr, err := NewChunked(src, []int{4, 4}, []int{2, 2})
	if err != nil {
		t.Fatalf("NewChunked: %v", err)
	}
	if _, err := arr.Materialize(context.Background()); err == nil {
		t.Fatal("Materialize should fail when the source fails")
	}
}

func TestSlice_OutOfRange(t *testing.T) {
	_, arr := newGrid(t, []int{4, 4}, []int{2, 2})
	if _, err := Slice(arr, []int{0, 0}, []int{5, 4}); err == nil {
		t.Fatal("expected range error")
	}
	if _, err := Slice(arr, []int{3}, []int{4}); err == nil {
		t.Fatal("expected rank error")
	}
}

func TestMask(t *testing.T) {
	buf := NewBuffer([]int{2, 2, 2}) // time, y, x
	for i := range buf.Data {
		buf.Data[i] = float64(i + 1)
	}
	masked, err := Mask(FromBuffer(buf), []bool{true, false, false, true}, math.NaN())
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}
	out, err := masked.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	// Mask repeats across the leading time dimension.
	for ti := 0; ti < 2; ti++ {
		if math.IsNaN(out.At(ti, 0, 0)) || math.IsNaN(out.At(ti, 1, 1)) {
			t.Fatalf("kept pixels were masked at t=%d", ti)
		}
		if !math.IsNaN(out.At(ti, 0, 1)) || !math.IsNaN(out.At(ti, 1, 0)) {
			t.Fatalf("outside pixels not masked at t=%d", ti)
		}
	}
	// Source untouched.
	if buf.At(0, 0, 1) != 2 {
		t.Fatal("mask mutated its input")
	}
}

func TestTransform(t *testing.T) {
	buf := NewBuffer([]int{2, 2})
	buf.Data = []float64{1, 2, 3, 4}
	doubled := Transform(FromBuffer(buf), []int{2, 2}, func(_ context.Context, in *Buffer) (*Buffer, error) {
		out := NewBuffer(in.Shape)
		for i, v := range in.Data {
			out.Data[i] = 2 * v
		}
		return out, nil
	})
	got, err := doubled.Materialize(context.Background())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got.Data[3] != 8 {
		t.Fatalf("Data = %v", got.Data)
	}
}

func TestMaterialize_ContextCancelled(t *testing.T) {
	_, arr := newGrid(t, []int{4, 4}, []int{2, 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := arr.Materialize(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
