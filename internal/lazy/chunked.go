package lazy

import (
	"context"
	"fmt"
	"sync"
)

// ChunkSource reads one storage chunk identified by its chunk-grid index.
// Returned chunks are always full chunk size in C order; edge chunks are
// padded by the source.
type ChunkSource interface {
	ReadChunk(ctx context.Context, index []int) ([]float64, error)
}

// DefaultChunkWorkers bounds concurrent chunk reads per materialization.
const DefaultChunkWorkers = 4

type chunked struct {
	src     ChunkSource
	shape   []int // full array shape
	chunks  []int // chunk shape per dim
	start   []int // window into the full array, half-open
	stop    []int
	workers int
}

// ChunkedOption configures a chunked array.
type ChunkedOption func(*chunked)

// WithChunkWorkers sets the chunk-read concurrency for Materialize.
func WithChunkWorkers(n int) ChunkedOption {
	return func(c *chunked) {
		if n > 0 {
			c.workers = n
		}
	}
}

// NewChunked builds a lazy array over a chunk source. Nothing is read until
// Materialize.
func NewChunked(src ChunkSource, shape, chunks []int, opts ...ChunkedOption) (Array, error) {
	if len(shape) != len(chunks) || len(shape) == 0 {
		return nil, fmt.Errorf("shape rank %d and chunk rank %d must match and be non-zero", len(shape), len(chunks))
	}
	for i := range shape {
		if shape[i] < 0 || chunks[i] <= 0 {
			return nil, fmt.Errorf("invalid shape/chunk extent at dim %d: %d/%d", i, shape[i], chunks[i])
		}
	}
	c := &chunked{
		src:     src,
		shape:   append([]int(nil), shape...),
		chunks:  append([]int(nil), chunks...),
		start:   make([]int, len(shape)),
		stop:    append([]int(nil), shape...),
		workers: DefaultChunkWorkers,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *chunked) Shape() []int {
	out := make([]int, len(c.start))
	for i := range c.start {
		out[i] = c.stop[i] - c.start[i]
	}
	return out
}

// slice composes a window with the existing one; still no I/O.
func (c *chunked) slice(start, stop []int) *chunked {
	ns := make([]int, len(start))
	ne := make([]int, len(stop))
	for i := range start {
		ns[i] = c.start[i] + start[i]
		ne[i] = c.start[i] + stop[i]
	}
	out := *c
	out.start = ns
	out.stop = ne
	return &out
}

func (c *chunked) Materialize(ctx context.Context) (*Buffer, error) {
	outShape := c.Shape()
	out := NewBuffer(outShape)
	if Size(outShape) == 0 {
		return out, nil
	}

	rank := len(c.shape)
	lo := make([]int, rank) // chunk-grid range touching the window
	hi := make([]int, rank)
	for i := 0; i < rank; i++ {
		lo[i] = c.start[i] / c.chunks[i]
		hi[i] = (c.stop[i] + c.chunks[i] - 1) / c.chunks[i]
	}

	var tuples [][]int
	cur := append([]int(nil), lo...)
	for {
		tuples = append(tuples, append([]int(nil), cur...))
		i := rank - 1
		for ; i >= 0; i-- {
			cur[i]++
			if cur[i] < hi[i] {
				break
			}
			cur[i] = lo[i]
		}
		if i < 0 {
			break
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := c.workers
	if workers > len(tuples) {
		workers = len(tuples)
	}

	jobs := make(chan []int)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				data, err := c.src.ReadChunk(ctx, idx)
				if err != nil {
					fail(fmt.Errorf("read chunk %v: %w", idx, err))
					continue
				}
				if len(data) != Size(c.chunks) {
					fail(fmt.Errorf("chunk %v has %d elements, want %d", idx, len(data), Size(c.chunks)))
					continue
				}
				// Disjoint output regions per chunk; no lock needed.
				c.scatter(out, idx, data)
			}
		}()
	}

	for _, t := range tuples {
		select {
		case jobs <- t:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scatter copies the part of a chunk overlapping the window into the output.
func (c *chunked) scatter(out *Buffer, chunkIdx []int, data []float64) {
	rank := len(c.shape)
	// Overlap of this chunk with the window, in global coordinates.
	gLo := make([]int, rank)
	gHi := make([]int, rank)
	for i := 0; i < rank; i++ {
		cs := chunkIdx[i] * c.chunks[i]
		ce := cs + c.chunks[i]
		gLo[i] = max(cs, c.start[i])
		gHi[i] = min(ce, c.stop[i])
		if gLo[i] >= gHi[i] {
			return
		}
	}

	chunkStrides := Strides(c.chunks)
	outStrides := Strides(out.Shape)

	idx := make([]int, rank-1)
	inner := gHi[rank-1] - gLo[rank-1]
	for {
		co := gLo[rank-1] - chunkIdx[rank-1]*c.chunks[rank-1]
		oo := gLo[rank-1] - c.start[rank-1]
		for i := 0; i < rank-1; i++ {
			g := gLo[i] + idx[i]
			co += (g - chunkIdx[i]*c.chunks[i]) * chunkStrides[i]
			oo += (g - c.start[i]) * outStrides[i]
		}
		copy(out.Data[oo:oo+inner], data[co:co+inner])

		i := rank - 2
		for ; i >= 0; i-- {
			idx[i]++
			if gLo[i]+idx[i] < gHi[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
