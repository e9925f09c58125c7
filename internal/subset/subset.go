// Package subset extracts lazy spatial/temporal views of gridded datasets.
// A subset reads nothing from storage: it narrows the dataset's lazy arrays
// to the minimal index window covering the geometry and optionally attaches
// an exact polygon mask.
package subset

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/geometry"
	"github.com/atlaseo/eogrid/internal/grid"
	"github.com/atlaseo/eogrid/internal/lazy"
)

// TimeRange is an inclusive interval on both ends, matching catalog query
// semantics.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, bounds included.
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && !t.After(tr.End)
}

// Options controls a subset operation.
type Options struct {
	// Time restricts the temporal dimension. Applying a time filter to a
	// dataset without a temporal dimension is a documented no-op, not an
	// error: catalog products are a mix of static and time-resolved layers
	// and callers filter them uniformly.
	Time *TimeRange

	// Mask additionally rasterizes the geometry at native resolution and
	// writes the no-data sentinel outside the polygon. Bounding-box-only
	// subsets (the default) have no per-pixel cost.
	Mask bool
}

// ErrEmptyIntersection indicates a geometry that does not overlap the
// dataset extent. Downstream alignment cannot operate on nothing, so this is
// an explicit error rather than an empty-but-valid view.
type ErrEmptyIntersection struct {
	Dataset string
	GridCRS string
	Bounds  geometry.Bounds
	Extent  geometry.Bounds
}

func (e *ErrEmptyIntersection) Error() string {
	return fmt.Sprintf("geometry bounds %v do not intersect extent %v of dataset %q (grid CRS %s)",
		e.Bounds, e.Extent, e.Dataset, e.GridCRS)
}

// ErrUnsortedTime indicates a time filter over a non-monotonic time
// coordinate. The window scan assumes ascending instants; on an unsorted axis
// it would silently select instants outside the range.
type ErrUnsortedTime struct {
	Dataset string
	Index   int
}

func (e *ErrUnsortedTime) Error() string {
	return fmt.Sprintf("time coordinate of dataset %q is not ascending at index %d; time filtering needs a sorted axis",
		e.Dataset, e.Index)
}

// ErrNoDataUndefined indicates masking was requested for an integer variable
// that declares no fill value.
type ErrNoDataUndefined struct {
	Dataset  string
	Variable string
}

func (e *ErrNoDataUndefined) Error() string {
	return fmt.Sprintf("variable %q of dataset %q is integer-typed and declares no no-data value; exact masking is impossible",
		e.Variable, e.Dataset)
}

// Apply subsets a dataset by a geometry (any supported CRS) and optional
// time range. The returned handle is a new lazy view; the input is never
// mutated.
func Apply(ds *dataset.Dataset, geom *geometry.Geometry, opts Options) (*dataset.Dataset, error) {
	desc, err := grid.FromDataset(ds)
	if err != nil {
		return nil, err
	}

	reconciled, err := geom.Reproject(desc.CRS)
	if err != nil {
		return nil, err
	}
	bounds := reconciled.Bounds()

	win, err := desc.Window(bounds)
	if errors.Is(err, grid.ErrNoOverlap) {
		return nil, &ErrEmptyIntersection{
			Dataset: ds.ID,
			GridCRS: desc.CRS.String(),
			Bounds:  bounds,
			Extent:  desc.Extent,
		}
	}
	if err != nil {
		return nil, err
	}

	t0, t1, err := timeWindow(ds, opts.Time)
	if err != nil {
		return nil, err
	}

	out := &dataset.Dataset{
		ID:      ds.ID,
		Version: ds.Version,
		CRS:     ds.CRS,
		XDim:    desc.XDim,
		YDim:    desc.YDim,
		TimeDim: ds.TimeDim,
		Coords:  make(map[string][]float64, len(ds.Coords)),
		Vars:    make(map[string]*dataset.Variable, len(ds.Vars)),
		Attrs:   ds.Attrs,
	}
	for name, c := range ds.Coords {
		switch name {
		case desc.XDim:
			out.Coords[name] = c[win.Col0:win.Col1]
		case desc.YDim:
			out.Coords[name] = c[win.Row0:win.Row1]
		default:
			out.Coords[name] = c
		}
	}
	if ds.HasTime() {
		out.Times = ds.Times[t0:t1]
	}

	var mask []bool
	if opts.Mask {
		sub := desc.Crop(win)
		mask = rasterizeOnto(reconciled, sub)
	}

	for _, name := range ds.VarNames() {
		v := ds.Vars[name]
		sliced, err := sliceVariable(ds, v, desc, win, t0, t1)
		if err != nil {
			return nil, fmt.Errorf("dataset %q variable %q: %w", ds.ID, name, err)
		}

		nv := &dataset.Variable{
			Name:        v.Name,
			Dims:        v.Dims,
			DType:       v.DType,
			Data:        sliced,
			FillValue:   v.FillValue,
			Categorical: v.Categorical,
			Source:      v.Source,
		}

		if opts.Mask && hasSpatialDims(v, desc) {
			fill, err := noDataSentinel(ds, nv)
			if err != nil {
				return nil, err
			}
			masked, err := lazy.Mask(nv.Data, mask, fill)
			if err != nil {
				return nil, fmt.Errorf("dataset %q variable %q: %w", ds.ID, name, err)
			}
			nv.Data = masked
		}
		out.Vars[name] = nv
	}
	return out, nil
}

func hasSpatialDims(v *dataset.Variable, desc grid.Descriptor) bool {
	n := len(v.Dims)
	return n >= 2 && v.Dims[n-2] == desc.YDim && v.Dims[n-1] == desc.XDim
}

// noDataSentinel picks the masking fill: NaN for floats, the declared fill
// value for integers.
func noDataSentinel(ds *dataset.Dataset, v *dataset.Variable) (float64, error) {
	if v.DType.Float() {
		return math.NaN(), nil
	}
	if v.FillValue != nil {
		return *v.FillValue, nil
	}
	return 0, &ErrNoDataUndefined{Dataset: ds.ID, Variable: v.Name}
}

// timeWindow returns the half-open index range selected by an inclusive
// time filter; the full range when no filter applies. Filtering requires an
// ascending time axis, checked with the same strictness as the spatial axes.
func timeWindow(ds *dataset.Dataset, tr *TimeRange) (int, int, error) {
	if !ds.HasTime() {
		return 0, 0, nil
	}
	if tr == nil {
		return 0, len(ds.Times), nil
	}
	for i := 1; i < len(ds.Times); i++ {
		if !ds.Times[i].After(ds.Times[i-1]) {
			return 0, 0, &ErrUnsortedTime{Dataset: ds.ID, Index: i}
		}
	}
	t0 := len(ds.Times)
	t1 := 0
	for i, t := range ds.Times {
		if tr.Contains(t) {
			if i < t0 {
				t0 = i
			}
			t1 = i + 1
		}
	}
	if t0 > t1 {
		return 0, 0, nil
	}
	return t0, t1, nil
}

// sliceVariable narrows a variable's lazy array to the spatial window and
// time range, leaving unrelated dimensions untouched.
func sliceVariable(ds *dataset.Dataset, v *dataset.Variable, desc grid.Descriptor, win grid.Window, t0, t1 int) (lazy.Array, error) {
	shape := v.Data.Shape()
	if len(shape) != len(v.Dims) {
		return nil, fmt.Errorf("array rank %d does not match dims %v", len(shape), v.Dims)
	}
	start := make([]int, len(shape))
	stop := make([]int, len(shape))
	for i, dim := range v.Dims {
		switch dim {
		case desc.YDim:
			start[i], stop[i] = win.Row0, win.Row1
		case desc.XDim:
			start[i], stop[i] = win.Col0, win.Col1
		case ds.TimeDim:
			start[i], stop[i] = t0, t1
		default:
			start[i], stop[i] = 0, shape[i]
		}
	}
	return lazy.Slice(v.Data, start, stop)
}

// rasterizeOnto rasterizes a geometry over a (cropped) grid descriptor.
func rasterizeOnto(g *geometry.Geometry, d grid.Descriptor) []bool {
	x0 := d.Extent.MinX
	if d.XRes < 0 {
		x0 = d.Extent.MaxX
	}
	y0 := d.Extent.MinY
	if d.YRes < 0 {
		y0 = d.Extent.MaxY
	}
	return geometry.Rasterize(g, x0, y0, d.XRes, d.YRes, d.Rows, d.Cols)
}
