// Package grid derives spatial frame descriptors from dataset handles and
// maps coordinate-space boxes to index windows. Descriptors are immutable
// values computed freshly on demand; a changed dataset yields a new one.
package grid

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/geometry"
)

// regularityTol is the relative spacing tolerance for treating a coordinate
// array as a regular grid.
const regularityTol = 1e-6

// Descriptor fully specifies a dataset's spatial frame. Resolution signs
// follow axis direction: YRes is negative for north-up grids and is never
// silently flipped.
type Descriptor struct {
	CRS    crs.CRS
	XRes   float64
	YRes   float64
	Extent geometry.Bounds
	Rows   int
	Cols   int
	XDim   string
	YDim   string
}

// Window is a half-open index range into a grid: rows [Row0,Row1), columns
// [Col0,Col1).
type Window struct {
	Row0, Row1 int
	Col0, Col1 int
}

func (w Window) Rows() int { return w.Row1 - w.Row0 }
func (w Window) Cols() int { return w.Col1 - w.Col0 }

func (w Window) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", w.Row0, w.Row1, w.Col0, w.Col1)
}

// ErrNoOverlap is returned by Window when a box lies entirely outside the
// grid extent.
var ErrNoOverlap = fmt.Errorf("box does not overlap grid extent")

// ErrIrregular indicates a non-monotonic or irregularly spaced coordinate
// array, which prevents index-window computation.
type ErrIrregular struct {
	Dataset string
	Dim     string
	Reason  string
}

func (e *ErrIrregular) Error() string {
	return fmt.Sprintf("dataset %q: coordinate %q is not a regular grid axis: %s", e.Dataset, e.Dim, e.Reason)
}

// FromDataset derives the spatial frame of a dataset handle. The extent is
// computed from the coordinate arrays (outer pixel edges), never taken from
// metadata attributes.
func FromDataset(d *dataset.Dataset) (Descriptor, error) {
	ref, err := d.CRSRef()
	if err != nil {
		return Descriptor{}, err
	}

	xdim, ydim := d.XDim, d.YDim
	if xdim == "" || ydim == "" {
		xdim, ydim, err = dataset.InferAxes(d.Coords)
		if err != nil {
			return Descriptor{}, fmt.Errorf("dataset %q: %w", d.ID, err)
		}
	}

	xres, err := axisStep(d.ID, xdim, d.Coords[xdim])
	if err != nil {
		return Descriptor{}, err
	}
	yres, err := axisStep(d.ID, ydim, d.Coords[ydim])
	if err != nil {
		return Descriptor{}, err
	}

	xs := d.Coords[xdim]
	ys := d.Coords[ydim]

	ex0 := xs[0] - xres/2
	ex1 := xs[len(xs)-1] + xres/2
	ey0 := ys[0] - yres/2
	ey1 := ys[len(ys)-1] + yres/2

	return Descriptor{
		CRS:  ref,
		XRes: xres,
		YRes: yres,
		Extent: geometry.Bounds{
			MinX: math.Min(ex0, ex1),
			MaxX: math.Max(ex0, ex1),
			MinY: math.Min(ey0, ey1),
			MaxY: math.Max(ey0, ey1),
		},
		Rows: len(ys),
		Cols: len(xs),
		XDim: xdim,
		YDim: ydim,
	}, nil
}

// axisStep validates monotonic regular spacing and returns the signed step.
func axisStep(dsID, dim string, coord []float64) (float64, error) {
	if len(coord) < 2 {
		return 0, &ErrIrregular{Dataset: dsID, Dim: dim, Reason: fmt.Sprintf("need at least 2 points, have %d", len(coord))}
	}
	step := coord[1] - coord[0]
	if step == 0 {
		return 0, &ErrIrregular{Dataset: dsID, Dim: dim, Reason: "zero spacing"}
	}
	tol := math.Abs(step) * regularityTol
	for i := 2; i < len(coord); i++ {
		d := coord[i] - coord[i-1]
		if math.Signbit(d) != math.Signbit(step) || d == 0 {
			return 0, &ErrIrregular{Dataset: dsID, Dim: dim, Reason: fmt.Sprintf("not monotonic at index %d", i)}
		}
		if math.Abs(d-step) > tol {
			return 0, &ErrIrregular{Dataset: dsID, Dim: dim, Reason: fmt.Sprintf("uneven spacing at index %d (%g vs %g)", i, d, step)}
		}
	}
	return step, nil
}

// windowEps absorbs floating-point noise when a box edge lands exactly on a
// pixel boundary.
const windowEps = 1e-9

// Window maps a coordinate-space box to the minimal index window fully
// containing it (outward rounding: boundary pixels are never lost). The
// window is clamped to the grid; a box entirely outside returns ErrNoOverlap.
// A degenerate box still yields a one-pixel window.
func (d Descriptor) Window(b geometry.Bounds) (Window, error) {
	if !d.Extent.Intersects(b) {
		return Window{}, ErrNoOverlap
	}

	axw := math.Abs(d.XRes)
	c0 := int(math.Floor((b.MinX-d.Extent.MinX)/axw + windowEps))
	c1 := int(math.Ceil((b.MaxX-d.Extent.MinX)/axw - windowEps))
	if d.XRes < 0 {
		// Descending x axis: column 0 at MaxX.
		c0 = int(math.Floor((d.Extent.MaxX-b.MaxX)/axw + windowEps))
		c1 = int(math.Ceil((d.Extent.MaxX-b.MinX)/axw - windowEps))
	}

	ayw := math.Abs(d.YRes)
	var r0, r1 int
	if d.YRes < 0 {
		// Row 0 at the top (MaxY).
		r0 = int(math.Floor((d.Extent.MaxY-b.MaxY)/ayw + windowEps))
		r1 = int(math.Ceil((d.Extent.MaxY-b.MinY)/ayw - windowEps))
	} else {
		r0 = int(math.Floor((b.MinY-d.Extent.MinY)/ayw + windowEps))
		r1 = int(math.Ceil((b.MaxY-d.Extent.MinY)/ayw - windowEps))
	}

	// A zero-extent edge (degenerate box on a pixel boundary) still covers
	// one pixel.
	if c1 <= c0 {
		c1 = c0 + 1
	}
	if r1 <= r0 {
		r1 = r0 + 1
	}

	w := Window{
		Row0: max(r0, 0), Row1: min(r1, d.Rows),
		Col0: max(c0, 0), Col1: min(c1, d.Cols),
	}
	if w.Row0 >= w.Row1 || w.Col0 >= w.Col1 {
		return Window{}, ErrNoOverlap
	}
	return w, nil
}

// Crop returns the descriptor of the sub-grid selected by a window.
func (d Descriptor) Crop(w Window) Descriptor {
	out := d
	out.Rows = w.Rows()
	out.Cols = w.Cols()

	if d.XRes >= 0 {
		out.Extent.MinX = d.Extent.MinX + float64(w.Col0)*d.XRes
		out.Extent.MaxX = d.Extent.MinX + float64(w.Col1)*d.XRes
	} else {
		out.Extent.MaxX = d.Extent.MaxX + float64(w.Col0)*d.XRes
		out.Extent.MinX = d.Extent.MaxX + float64(w.Col1)*d.XRes
	}
	if d.YRes < 0 {
		out.Extent.MaxY = d.Extent.MaxY + float64(w.Row0)*d.YRes
		out.Extent.MinY = d.Extent.MaxY + float64(w.Row1)*d.YRes
	} else {
		out.Extent.MinY = d.Extent.MinY + float64(w.Row0)*d.YRes
		out.Extent.MaxY = d.Extent.MinY + float64(w.Row1)*d.YRes
	}
	return out
}

// XCoords returns pixel-center x coordinates in column order.
func (d Descriptor) XCoords() []float64 {
	out := make([]float64, d.Cols)
	start := d.Extent.MinX
	if d.XRes < 0 {
		start = d.Extent.MaxX
	}
	for i := range out {
		out[i] = start + (float64(i)+0.5)*d.XRes
	}
	return out
}

// YCoords returns pixel-center y coordinates in row order.
func (d Descriptor) YCoords() []float64 {
	out := make([]float64, d.Rows)
	start := d.Extent.MinY
	if d.YRes < 0 {
		start = d.Extent.MaxY
	}
	for i := range out {
		out[i] = start + (float64(i)+0.5)*d.YRes
	}
	return out
}

// Equal compares two descriptors with a small tolerance on the floating
// point fields.
func (d Descriptor) Equal(o Descriptor) bool {
	const tol = 1e-9
	near := func(a, b float64) bool { return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b))) }
	return d.CRS.Equal(o.CRS) &&
		d.Rows == o.Rows && d.Cols == o.Cols &&
		near(d.XRes, o.XRes) && near(d.YRes, o.YRes) &&
		near(d.Extent.MinX, o.Extent.MinX) && near(d.Extent.MaxX, o.Extent.MaxX) &&
		near(d.Extent.MinY, o.Extent.MinY) && near(d.Extent.MaxY, o.Extent.MaxY)
}

// Key returns a stable content hash of the descriptor, used as a cache key
// component.
func (d Descriptor) Key() string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%.12g|%.12g|%.12g|%.12g|%.12g|%.12g|%d|%d",
		d.CRS, d.XRes, d.YRes,
		d.Extent.MinX, d.Extent.MinY, d.Extent.MaxX, d.Extent.MaxY,
		d.Rows, d.Cols)
	return fmt.Sprintf("%016x", h.Sum64())
}
