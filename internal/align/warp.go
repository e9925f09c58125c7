package align

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/geometry"
	"github.com/atlaseo/eogrid/internal/grid"
	"github.com/atlaseo/eogrid/internal/lazy"
	"github.com/atlaseo/eogrid/internal/resample"
)

// footprint reports whether a method aggregates all source pixels under the
// destination pixel box, as opposed to sampling at the destination center.
func footprint(m resample.Method) bool {
	switch m {
	case resample.Average, resample.Mode, resample.Min, resample.Max, resample.Sum:
		return true
	}
	return false
}

// fracCol converts a source-CRS x coordinate to a fractional column index:
// 0.0 at the first pixel center, cols-1 at the last. Signed resolution keeps
// the same formula valid for descending axes.
func fracCol(d grid.Descriptor, sx float64) float64 {
	origin := d.Extent.MinX
	if d.XRes < 0 {
		origin = d.Extent.MaxX
	}
	return (sx-origin)/d.XRes - 0.5
}

func fracRow(d grid.Descriptor, sy float64) float64 {
	origin := d.Extent.MinY
	if d.YRes < 0 {
		origin = d.Extent.MaxY
	}
	return (sy-origin)/d.YRes - 0.5
}

// planeMapping precomputes, for every destination pixel, where it lands in a
// cropped source grid. Built once per (source grid, target grid, method
// class) and reused across variables and leading dimensions. Construction
// performs CRS transforms but never touches stored data.
type planeMapping struct {
	dst grid.Descriptor
	src grid.Descriptor

	// Point sampling. ok marks pixels whose center maps inside both the
	// transform domain and the source grid; uc/ur are fractional source
	// indices used by nearest and bilinear kernels.
	ok     []bool
	uc, ur []float64

	// Footprint aggregation: half-open source index windows per destination
	// pixel. Nil when the method class does not need them.
	fc0, fc1, fr0, fr1 []int
}

func newPlaneMapping(dst, src grid.Descriptor, withFootprints bool) (*planeMapping, error) {
	inv, err := crs.Transform(dst.CRS, src.CRS)
	if err != nil {
		return nil, err
	}

	n := dst.Rows * dst.Cols
	m := &planeMapping{
		dst: dst,
		src: src,
		ok:  make([]bool, n),
		uc:  make([]float64, n),
		ur:  make([]float64, n),
	}
	if withFootprints {
		m.fc0 = make([]int, n)
		m.fc1 = make([]int, n)
		m.fr0 = make([]int, n)
		m.fr1 = make([]int, n)
	}

	xs := dst.XCoords()
	ys := dst.YCoords()
	hx := math.Abs(dst.XRes) / 2
	hy := math.Abs(dst.YRes) / 2

	for r := 0; r < dst.Rows; r++ {
		for c := 0; c < dst.Cols; c++ {
			i := r*dst.Cols + c
			sx, sy, err := inv(xs[c], ys[r])
			if err != nil {
				var ood *crs.ErrOutOfDomain
				if errors.As(err, &ood) {
					continue // pixel has no counterpart in the source frame
				}
				return nil, err
			}
			uc := fracCol(src, sx)
			ur := fracRow(src, sy)
			if uc < -0.5 || uc > float64(src.Cols)-0.5 || ur < -0.5 || ur > float64(src.Rows)-0.5 {
				continue
			}
			m.ok[i] = true
			m.uc[i] = uc
			m.ur[i] = ur

			if withFootprints {
				m.pixelFootprint(inv, i, xs[c], ys[r], hx, hy)
			}
		}
	}
	return m, nil
}

// pixelFootprint maps the destination pixel box through the inverse transform
// and records the source index window whose pixel centers fall inside it. An
// empty window (upsampling) degrades to the single containing pixel.
func (m *planeMapping) pixelFootprint(inv crs.Func, i int, x, y, hx, hy float64) {
	minU, maxU := math.Inf(1), math.Inf(-1)
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, dx := range [2]float64{-hx, hx} {
		for _, dy := range [2]float64{-hy, hy} {
			sx, sy, err := inv(x+dx, y+dy)
			if err != nil {
				continue
			}
			u := fracCol(m.src, sx)
			v := fracRow(m.src, sy)
			minU = math.Min(minU, u)
			maxU = math.Max(maxU, u)
			minV = math.Min(minV, v)
			maxV = math.Max(maxV, v)
		}
	}

	const eps = 1e-9
	c0 := int(math.Ceil(minU - eps))
	c1 := int(math.Floor(maxU+eps)) + 1
	r0 := int(math.Ceil(minV - eps))
	r1 := int(math.Floor(maxV+eps)) + 1

	c0, c1 = max(c0, 0), min(c1, m.src.Cols)
	r0, r1 = max(r0, 0), min(r1, m.src.Rows)

	if c1 <= c0 || r1 <= r0 {
		// Destination pixel finer than the source: aggregate the one pixel
		// containing the center.
		cc := int(math.Floor(m.uc[i] + 0.5))
		rr := int(math.Floor(m.ur[i] + 0.5))
		c0, c1 = max(cc, 0), min(cc+1, m.src.Cols)
		r0, r1 = max(rr, 0), min(rr+1, m.src.Rows)
	}
	m.fc0[i], m.fc1[i] = c0, c1
	m.fr0[i], m.fr1[i] = r0, r1
}

// warp resamples one or more source planes onto the destination grid. The
// input buffer's trailing two dimensions must match the mapping's source
// shape; leading dimensions (time) are warped plane by plane.
func (m *planeMapping) warp(in *lazy.Buffer, method resample.Method) *lazy.Buffer {
	rank := len(in.Shape)
	lead := lazy.Size(in.Shape[:rank-2])
	srcPlane := m.src.Rows * m.src.Cols
	dstPlane := m.dst.Rows * m.dst.Cols

	outShape := append(append([]int(nil), in.Shape[:rank-2]...), m.dst.Rows, m.dst.Cols)
	out := lazy.NewBuffer(outShape)

	for p := 0; p < lead; p++ {
		src := in.Data[p*srcPlane : (p+1)*srcPlane]
		dst := out.Data[p*dstPlane : (p+1)*dstPlane]
		m.warpPlane(src, dst, method)
	}
	return out
}

func (m *planeMapping) warpPlane(src, dst []float64, method resample.Method) {
	for i := range dst {
		if !m.ok[i] {
			dst[i] = math.NaN()
			continue
		}
		switch method {
		case resample.Nearest:
			c := int(math.Floor(m.uc[i] + 0.5))
			r := int(math.Floor(m.ur[i] + 0.5))
			c = min(max(c, 0), m.src.Cols-1)
			r = min(max(r, 0), m.src.Rows-1)
			dst[i] = src[r*m.src.Cols+c]
		case resample.Bilinear:
			dst[i] = m.bilinear(src, i)
		default:
			dst[i] = m.aggregate(src, i, method)
		}
	}
}

// bilinear interpolates the four neighbors around the fractional source
// index, renormalizing weights when neighbors are NaN so partially covered
// edges keep their valid portion.
func (m *planeMapping) bilinear(src []float64, i int) float64 {
	c0 := int(math.Floor(m.uc[i]))
	r0 := int(math.Floor(m.ur[i]))
	wc := m.uc[i] - float64(c0)
	wr := m.ur[i] - float64(r0)

	var sum, wsum float64
	for dr := 0; dr < 2; dr++ {
		for dc := 0; dc < 2; dc++ {
			r := min(max(r0+dr, 0), m.src.Rows-1)
			c := min(max(c0+dc, 0), m.src.Cols-1)
			v := src[r*m.src.Cols+c]
			if math.IsNaN(v) {
				continue
			}
			w := (1 - math.Abs(float64(dr)-wr)) * (1 - math.Abs(float64(dc)-wc))
			sum += v * w
			wsum += w
		}
	}
	if wsum == 0 {
		return math.NaN()
	}
	return sum / wsum
}

func (m *planeMapping) aggregate(src []float64, i int, method resample.Method) float64 {
	var (
		sum   float64
		n     int
		lo    = math.Inf(1)
		hi    = math.Inf(-1)
		modes map[float64]int
	)
	if method == resample.Mode {
		modes = make(map[float64]int)
	}
	for r := m.fr0[i]; r < m.fr1[i]; r++ {
		for c := m.fc0[i]; c < m.fc1[i]; c++ {
			v := src[r*m.src.Cols+c]
			if math.IsNaN(v) {
				continue
			}
			n++
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			if modes != nil {
				modes[v]++
			}
		}
	}
	if n == 0 {
		return math.NaN()
	}
	switch method {
	case resample.Average:
		return sum / float64(n)
	case resample.Sum:
		return sum
	case resample.Min:
		return lo
	case resample.Max:
		return hi
	case resample.Mode:
		best := math.NaN()
		bestN := 0
		for v, cnt := range modes {
			// Ties break toward the smaller value for determinism.
			if cnt > bestN || (cnt == bestN && v < best) {
				best, bestN = v, cnt
			}
		}
		return best
	}
	return math.NaN()
}

// coarsened derives the descriptor of a grid block-aggregated by an integer
// factor. Edge blocks are padded outward so the origin-side edge is
// preserved and every source pixel belongs to exactly one block.
func coarsened(d grid.Descriptor, f int) grid.Descriptor {
	out := d
	out.Rows = (d.Rows + f - 1) / f
	out.Cols = (d.Cols + f - 1) / f
	out.XRes = d.XRes * float64(f)
	out.YRes = d.YRes * float64(f)

	if d.XRes >= 0 {
		out.Extent.MaxX = d.Extent.MinX + float64(out.Cols)*out.XRes
	} else {
		out.Extent.MinX = d.Extent.MaxX + float64(out.Cols)*out.XRes
	}
	if d.YRes >= 0 {
		out.Extent.MaxY = d.Extent.MinY + float64(out.Rows)*out.YRes
	} else {
		out.Extent.MinY = d.Extent.MaxY + float64(out.Rows)*out.YRes
	}
	return out
}

// blockAggregate reduces the trailing two dimensions by an integer factor
// using the reducer matching the final resampling method, so the two-stage
// path stays equivalent in expectation to direct resampling.
func blockAggregate(in *lazy.Buffer, f int, method resample.Method) *lazy.Buffer {
	rank := len(in.Shape)
	srcRows, srcCols := in.Shape[rank-2], in.Shape[rank-1]
	dstRows := (srcRows + f - 1) / f
	dstCols := (srcCols + f - 1) / f
	lead := lazy.Size(in.Shape[:rank-2])

	outShape := append(append([]int(nil), in.Shape[:rank-2]...), dstRows, dstCols)
	out := lazy.NewBuffer(outShape)

	srcPlane := srcRows * srcCols
	dstPlane := dstRows * dstCols

	for p := 0; p < lead; p++ {
		src := in.Data[p*srcPlane : (p+1)*srcPlane]
		dst := out.Data[p*dstPlane : (p+1)*dstPlane]
		for br := 0; br < dstRows; br++ {
			for bc := 0; bc < dstCols; bc++ {
				var (
					sum   float64
					n     int
					lo    = math.Inf(1)
					hi    = math.Inf(-1)
					modes map[float64]int
				)
				if method == resample.Mode {
					modes = make(map[float64]int)
				}
				for r := br * f; r < min((br+1)*f, srcRows); r++ {
					for c := bc * f; c < min((bc+1)*f, srcCols); c++ {
						v := src[r*srcCols+c]
						if math.IsNaN(v) {
							continue
						}
						n++
						sum += v
						lo = math.Min(lo, v)
						hi = math.Max(hi, v)
						if modes != nil {
							modes[v]++
						}
					}
				}
				o := br*dstCols + bc
				if n == 0 {
					dst[o] = math.NaN()
					continue
				}
				switch method {
				case resample.Sum:
					dst[o] = sum
				case resample.Min:
					dst[o] = lo
				case resample.Max:
					dst[o] = hi
				case resample.Mode:
					best := math.NaN()
					bestN := 0
					for v, cnt := range modes {
						if cnt > bestN || (cnt == bestN && v < best) {
							best, bestN = v, cnt
						}
					}
					dst[o] = best
				default:
					dst[o] = sum / float64(n)
				}
			}
		}
	}
	return out
}

// warpVariable builds the lazy reprojection of one variable onto the target
// grid. The source is first sliced to the window covering the target extent
// so a later Materialize reads only the chunks that can contribute.
func warpVariable(v *dataset.Variable, src, dst grid.Descriptor, srcDims srcAxes, method resample.Method, coarsenAt float64) (lazy.Array, error) {
	win, err := sourceWindow(src, dst)
	if err != nil {
		return nil, err
	}

	shape := v.Data.Shape()
	start := make([]int, len(shape))
	stop := make([]int, len(shape))
	for i, dim := range v.Dims {
		switch dim {
		case srcDims.y:
			start[i], stop[i] = win.Row0, win.Row1
		case srcDims.x:
			start[i], stop[i] = win.Col0, win.Col1
		default:
			start[i], stop[i] = 0, shape[i]
		}
	}
	sliced, err := lazy.Slice(v.Data, start, stop)
	if err != nil {
		return nil, err
	}
	crop := src.Crop(win)

	factor := 1
	if coarsenAt > 0 && footprint(method) {
		fx := math.Abs(dst.XRes) / math.Abs(crop.XRes)
		fy := math.Abs(dst.YRes) / math.Abs(crop.YRes)
		if f := int(math.Min(fx, fy)); f > 1 && float64(f) >= coarsenAt {
			factor = f
		}
	}
	work := crop
	if factor > 1 {
		work = coarsened(crop, factor)
	}

	m, err := newPlaneMapping(dst, work, footprint(method))
	if err != nil {
		return nil, err
	}

	slicedShape := sliced.Shape()
	outShape := append(append([]int(nil), slicedShape[:len(slicedShape)-2]...), dst.Rows, dst.Cols)
	f := factor
	return lazy.Transform(sliced, outShape, func(ctx context.Context, in *lazy.Buffer) (*lazy.Buffer, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f > 1 {
			in = blockAggregate(in, f, method)
		}
		return m.warp(in, method), nil
	}), nil
}

// srcAxes carries a source dataset's horizontal dimension names.
type srcAxes struct {
	x, y string
}

// sourceWindow computes the source index window covering the target extent,
// inflated by one source pixel for bilinear neighbors and footprint edges.
func sourceWindow(src, dst grid.Descriptor) (grid.Window, error) {
	fwd, err := crs.Transform(dst.CRS, src.CRS)
	if err != nil {
		return grid.Window{}, err
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	hit := false
	var lastErr error

	// Corners plus edge midpoints: curvature of the transform can push an
	// edge beyond the corner bbox.
	xs := [3]float64{dst.Extent.MinX, (dst.Extent.MinX + dst.Extent.MaxX) / 2, dst.Extent.MaxX}
	ys := [3]float64{dst.Extent.MinY, (dst.Extent.MinY + dst.Extent.MaxY) / 2, dst.Extent.MaxY}
	for _, x := range xs {
		for _, y := range ys {
			sx, sy, err := fwd(x, y)
			if err != nil {
				lastErr = err
				continue
			}
			hit = true
			minX = math.Min(minX, sx)
			maxX = math.Max(maxX, sx)
			minY = math.Min(minY, sy)
			maxY = math.Max(maxY, sy)
		}
	}
	if !hit {
		return grid.Window{}, fmt.Errorf("target extent has no image in source CRS %s: %w", src.CRS, lastErr)
	}

	pad := math.Max(math.Abs(src.XRes), math.Abs(src.YRes))
	return src.Window(geometry.Bounds{
		MinX: minX - pad, MinY: minY - pad,
		MaxX: maxX + pad, MaxY: maxY + pad,
	})
}
