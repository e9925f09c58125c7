package geometry

import (
	"math"
	"testing"

	"github.com/atlaseo/eogrid/internal/crs"
)

const squareWithHole = `{
	"type": "Polygon",
	"coordinates": [
		[[0,0],[10,0],[10,10],[0,10],[0,0]],
		[[4,4],[6,4],[6,6],[4,6],[4,4]]
	]
}`

const multi = `{
	"type": "MultiPolygon",
	"coordinates": [
		[[[0,0],[2,0],[2,2],[0,2],[0,0]]],
		[[[5,5],[7,5],[7,7],[5,7],[5,5]]]
	]
}`

func TestFromGeoJSON_Polygon(t *testing.T) {
	g, err := FromGeoJSON([]byte(squareWithHole), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	if len(g.Polygons) != 1 || len(g.Polygons[0].Rings) != 2 {
		t.Fatalf("unexpected structure: %+v", g)
	}
	// Closing vertex dropped.
	if len(g.Polygons[0].Rings[0]) != 4 {
		t.Fatalf("outer ring len = %d, want 4", len(g.Polygons[0].Rings[0]))
	}
}

func TestFromGeoJSON_Rejects(t *testing.T) {
	cases := []string{
		`{"type":"Point","coordinates":[1,2]}`,
		`{"type":"Polygon","coordinates":[]}`,
		`{"type":"Polygon","coordinates":[[[0,0],[1,1]]]}`,
		`not json`,
	}
	for _, in := range cases {
		if _, err := FromGeoJSON([]byte(in), crs.EPSG4326); err == nil {
			t.Fatalf("FromGeoJSON(%q) succeeded, want error", in)
		}
	}
}

func TestBounds(t *testing.T) {
	g, err := FromGeoJSON([]byte(multi), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	b := g.Bounds()
	want := Bounds{MinX: 0, MinY: 0, MaxX: 7, MaxY: 7}
	if b != want {
		t.Fatalf("Bounds = %v, want %v", b, want)
	}
}

func TestContains_HoleExcluded(t *testing.T) {
	g, err := FromGeoJSON([]byte(squareWithHole), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	if !g.Contains(2, 2) {
		t.Fatal("(2,2) should be inside")
	}
	if g.Contains(5, 5) {
		t.Fatal("(5,5) is in the hole, should be outside")
	}
	if g.Contains(11, 5) {
		t.Fatal("(11,5) should be outside")
	}
}

func TestReproject_IdentityReturnsSameGeometry(t *testing.T) {
	g, err := FromGeoJSON([]byte(multi), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	g2, err := g.Reproject(crs.EPSG4326)
	if err != nil {
		t.Fatalf("Reproject: %v", err)
	}
	if g2 != g {
		t.Fatal("identity reprojection should return the same geometry")
	}
}

func TestReproject_ToMercator(t *testing.T) {
	g, err := FromGeoJSON([]byte(squareWithHole), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	g2, err := g.Reproject(crs.EPSG3857)
	if err != nil {
		t.Fatalf("Reproject: %v", err)
	}
	if !g2.CRS.Equal(crs.EPSG3857) {
		t.Fatalf("CRS = %v", g2.CRS)
	}
	b := g2.Bounds()
	// 10 degrees of longitude in Web Mercator.
	if math.Abs(b.MaxX-1113194.9) > 1.0 {
		t.Fatalf("MaxX = %v", b.MaxX)
	}
	// Original untouched.
	if g.CRS != crs.EPSG4326 || g.Bounds().MaxX != 10 {
		t.Fatal("source geometry was mutated")
	}
}

func TestBoundsOps(t *testing.T) {
	a := Bounds{0, 0, 10, 10}
	b := Bounds{5, 5, 15, 15}
	if !a.Intersects(b) {
		t.Fatal("expected intersection")
	}
	got, ok := a.Intersection(b)
	if !ok || got != (Bounds{5, 5, 10, 10}) {
		t.Fatalf("Intersection = %v ok=%v", got, ok)
	}
	if _, ok := a.Intersection(Bounds{20, 20, 30, 30}); ok {
		t.Fatal("disjoint boxes should not intersect")
	}
	if !(Bounds{3, 3, 3, 8}).Degenerate() {
		t.Fatal("zero-width box should be degenerate")
	}
}

func TestRasterize(t *testing.T) {
	g, err := FromGeoJSON([]byte(squareWithHole), crs.EPSG4326)
	if err != nil {
		t.Fatalf("FromGeoJSON: %v", err)
	}
	// 10x10 grid, 1-unit pixels, north-up (row 0 at y=10).
	mask := Rasterize(g, 0, 10, 1, -1, 10, 10)

	at := func(r, c int) bool { return mask[r*10+c] }
	if !at(0, 0) {
		t.Fatal("corner pixel center (0.5,9.5) should be inside")
	}
	// Pixel center (4.5,4.5) falls in the hole: row 5 (y=4.5), col 4.
	if at(5, 4) {
		t.Fatal("hole pixel should be outside")
	}
	count := 0
	for _, v := range mask {
		if v {
			count++
		}
	}
	// 100 pixels minus the 2x2 hole.
	if count != 96 {
		t.Fatalf("inside count = %d, want 96", count)
	}
}
