package grid

import (
	"errors"
	"math"
	"testing"

	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/geometry"
)

// centers returns n pixel-center coordinates starting at the given edge.
func centers(edge, res float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = edge + (float64(i)+0.5)*res
	}
	return out
}

func testDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	return &dataset.Dataset{
		ID:  "unit",
		CRS: "EPSG:4326",
		Coords: map[string][]float64{
			"x": centers(0, 1, 10),
			"y": centers(0, 1, 10),
		},
	}
}

func TestFromDataset_AscendingGrid(t *testing.T) {
	d, err := FromDataset(testDataset(t))
	if err != nil {
		t.Fatalf("FromDataset: %v", err)
	}
	if !d.CRS.Equal(crs.EPSG4326) {
		t.Fatalf("CRS = %v", d.CRS)
	}
	if d.XRes != 1 || d.YRes != 1 || d.Rows != 10 || d.Cols != 10 {
		t.Fatalf("descriptor = %+v", d)
	}
	want := geometry.Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	if d.Extent != want {
		t.Fatalf("Extent = %v, want %v", d.Extent, want)
	}
}

func TestFromDataset_DescendingYPreserved(t *testing.T) {
	ds := testDataset(t)
	ds.Coords["y"] = centers(10, -1, 10) // 9.5, 8.5, ... 0.5
	d, err := FromDataset(ds)
	if err != nil {
		t.Fatalf("FromDataset: %v", err)
	}
	if d.YRes != -1 {
		t.Fatalf("YRes = %v, want -1 (must not be flipped)", d.YRes)
	}
	if d.Extent.MinY != 0 || d.Extent.MaxY != 10 {
		t.Fatalf("Extent = %v", d.Extent)
	}
	ys := d.YCoords()
	if ys[0] != 9.5 || ys[9] != 0.5 {
		t.Fatalf("YCoords = %v", ys)
	}
}

func TestFromDataset_IrregularCoordinates(t *testing.T) {
	ds := testDataset(t)
	ds.Coords["x"] = []float64{0.5, 1.5, 2.5, 4.5, 5.5}
	_, err := FromDataset(ds)
	var irr *ErrIrregular
	if !errors.As(err, &irr) {
		t.Fatalf("err = %v, want *ErrIrregular", err)
	}
	if irr.Dim != "x" {
		t.Fatalf("Dim = %q", irr.Dim)
	}
}

func TestFromDataset_NonMonotonic(t *testing.T) {
	ds := testDataset(t)
	ds.Coords["y"] = []float64{0.5, 1.5, 1.0, 2.5}
	_, err := FromDataset(ds)
	var irr *ErrIrregular
	if !errors.As(err, &irr) {
		t.Fatalf("err = %v, want *ErrIrregular", err)
	}
}

func TestFromDataset_MissingCRS(t *testing.T) {
	ds := testDataset(t)
	ds.CRS = ""
	_, err := FromDataset(ds)
	var missing *dataset.ErrMissingCRS
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want *ErrMissingCRS", err)
	}
}

func TestWindow_OutwardRounding(t *testing.T) {
	d, err := FromDataset(testDataset(t))
	if err != nil {
		t.Fatalf("FromDataset: %v", err)
	}
	// The window must fully contain the box, never a strict subset.
	w, err := d.Window(geometry.Bounds{MinX: 2.5, MinY: 2.5, MaxX: 4.2, MaxY: 4.2})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	want := Window{Row0: 2, Row1: 5, Col0: 2, Col1: 5}
	if w != want {
		t.Fatalf("Window = %v, want %v", w, want)
	}
}

func TestWindow_ExactPixelBoundaries(t *testing.T) {
	d, _ := FromDataset(testDataset(t))
	w, err := d.Window(geometry.Bounds{MinX: 2, MinY: 2, MaxX: 4, MaxY: 4})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if (w != Window{Row0: 2, Row1: 4, Col0: 2, Col1: 4}) {
		t.Fatalf("Window = %v", w)
	}
}

func TestWindow_DegenerateBoxCoversOnePixel(t *testing.T) {
	d, _ := FromDataset(testDataset(t))
	w, err := d.Window(geometry.Bounds{MinX: 3.5, MinY: 7.2, MaxX: 3.5, MaxY: 7.2})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if w.Rows() != 1 || w.Cols() != 1 || w.Col0 != 3 || w.Row0 != 7 {
		t.Fatalf("Window = %v", w)
	}
}

func TestWindow_DescendingY(t *testing.T) {
	ds := testDataset(t)
	ds.Coords["y"] = centers(10, -1, 10)
	d, _ := FromDataset(ds)
	w, err := d.Window(geometry.Bounds{MinX: 2.5, MinY: 2.5, MaxX: 4.2, MaxY: 4.2})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	// y in [2.5,4.2] maps to rows counted from the top (MaxY=10).
	if (w != Window{Row0: 5, Row1: 8, Col0: 2, Col1: 5}) {
		t.Fatalf("Window = %v", w)
	}
}

func TestWindow_NoOverlap(t *testing.T) {
	d, _ := FromDataset(testDataset(t))
	_, err := d.Window(geometry.Bounds{MinX: 20, MinY: 20, MaxX: 30, MaxY: 30})
	if !errors.Is(err, ErrNoOverlap) {
		t.Fatalf("err = %v, want ErrNoOverlap", err)
	}
}

func TestWindow_PartialOverlapClamped(t *testing.T) {
	d, _ := FromDataset(testDataset(t))
	w, err := d.Window(geometry.Bounds{MinX: -5, MinY: 8, MaxX: 2, MaxY: 15})
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if (w != Window{Row0: 8, Row1: 10, Col0: 0, Col1: 2}) {
		t.Fatalf("Window = %v", w)
	}
}

func TestCrop(t *testing.T) {
	ds := testDataset(t)
	ds.Coords["y"] = centers(10, -1, 10)
	d, _ := FromDataset(ds)

	w := Window{Row0: 5, Row1: 8, Col0: 2, Col1: 5}
	sub := d.Crop(w)
	if sub.Rows != 3 || sub.Cols != 3 {
		t.Fatalf("Crop shape = %dx%d", sub.Rows, sub.Cols)
	}
	want := geometry.Bounds{MinX: 2, MinY: 2, MaxX: 5, MaxY: 5}
	if math.Abs(sub.Extent.MinX-want.MinX) > 1e-12 || math.Abs(sub.Extent.MaxY-want.MaxY) > 1e-12 ||
		math.Abs(sub.Extent.MinY-want.MinY) > 1e-12 || math.Abs(sub.Extent.MaxX-want.MaxX) > 1e-12 {
		t.Fatalf("Crop extent = %v, want %v", sub.Extent, want)
	}
	// Cropping never flips axis direction.
	if sub.YRes != -1 {
		t.Fatalf("YRes = %v", sub.YRes)
	}
}

func TestKey_StableAndSensitive(t *testing.T) {
	d1, _ := FromDataset(testDataset(t))
	d2, _ := FromDataset(testDataset(t))
	if d1.Key() != d2.Key() {
		t.Fatal("identical descriptors must share a key")
	}
	ds := testDataset(t)
	ds.Coords["x"] = centers(0, 2, 10)
	d3, _ := FromDataset(ds)
	if d3.Key() == d1.Key() {
		t.Fatal("different descriptors must not collide")
	}
}

func TestEqual(t *testing.T) {
	a, _ := FromDataset(testDataset(t))
	b, _ := FromDataset(testDataset(t))
	if !a.Equal(b) {
		t.Fatal("equal descriptors reported unequal")
	}
	c := a
	c.Rows = 5
	if a.Equal(c) {
		t.Fatal("different shapes reported equal")
	}
}
