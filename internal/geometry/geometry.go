// Package geometry carries caller-supplied polygon geometries and reconciles
// them with dataset grids: reprojection between CRSs, bounding boxes, and
// rasterization onto a native grid.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atlaseo/eogrid/internal/crs"
)

// Point is a coordinate pair in the geometry's CRS.
type Point struct {
	X, Y float64
}

// Ring is a closed linear ring. The closing vertex is not duplicated; the
// segment from the last point back to the first is implied.
type Ring []Point

// Polygon is one outer ring plus zero or more holes.
type Polygon struct {
	Rings []Ring
}

// Geometry is a polygon or multipolygon with an associated CRS. The engine
// never mutates a Geometry; derived artifacts are new values.
type Geometry struct {
	CRS      crs.CRS
	Polygons []Polygon
}

// FromGeoJSON parses a GeoJSON Polygon or MultiPolygon. Coordinates are
// interpreted in the given CRS; callers supply geometries in EPSG:4326.
func FromGeoJSON(data []byte, c crs.CRS) (*Geometry, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	switch hdr.Type {
	case "Polygon":
		var tmp struct {
			Coordinates [][][]float64 `json:"coordinates"` // [ring][i][lon,lat]
		}
		if err := json.Unmarshal(data, &tmp); err != nil {
			return nil, fmt.Errorf("parse polygon coords: %w", err)
		}
		poly, err := toPolygon(tmp.Coordinates)
		if err != nil {
			return nil, err
		}
		return &Geometry{CRS: c, Polygons: []Polygon{poly}}, nil

	case "MultiPolygon":
		var tmp struct {
			Coordinates [][][][]float64 `json:"coordinates"` // [poly][ring][i][lon,lat]
		}
		if err := json.Unmarshal(data, &tmp); err != nil {
			return nil, fmt.Errorf("parse multipolygon coords: %w", err)
		}
		if len(tmp.Coordinates) == 0 {
			return nil, errors.New("empty multipolygon")
		}
		polys := make([]Polygon, 0, len(tmp.Coordinates))
		for pi, rings := range tmp.Coordinates {
			poly, err := toPolygon(rings)
			if err != nil {
				return nil, fmt.Errorf("polygon %d: %w", pi, err)
			}
			polys = append(polys, poly)
		}
		return &Geometry{CRS: c, Polygons: polys}, nil

	default:
		return nil, fmt.Errorf("unsupported GeoJSON type: %s", hdr.Type)
	}
}

func toPolygon(rings [][][]float64) (Polygon, error) {
	if len(rings) == 0 {
		return Polygon{}, errors.New("empty polygon")
	}
	out := Polygon{Rings: make([]Ring, 0, len(rings))}
	for ri, coords := range rings {
		ring := toRing(coords)
		if len(ring) < 3 {
			if ri == 0 {
				return Polygon{}, errors.New("outer ring has < 4 vertices")
			}
			return Polygon{}, fmt.Errorf("hole %d has < 4 vertices", ri-1)
		}
		out.Rings = append(out.Rings, ring)
	}
	return out, nil
}

// toRing drops the duplicated closing vertex if present.
func toRing(coords [][]float64) Ring {
	ring := make(Ring, 0, len(coords))
	for _, xy := range coords {
		if len(xy) < 2 {
			continue
		}
		ring = append(ring, Point{X: xy[0], Y: xy[1]})
	}
	if len(ring) >= 2 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	return ring
}

// Bounds returns the axis-aligned bounding box over all polygons. A
// degenerate (zero-area) box is a valid result.
func (g *Geometry) Bounds() Bounds {
	first := true
	var b Bounds
	for _, poly := range g.Polygons {
		for _, ring := range poly.Rings {
			for _, p := range ring {
				if first {
					b = Bounds{MinX: p.X, MinY: p.Y, MaxX: p.X, MaxY: p.Y}
					first = false
					continue
				}
				if p.X < b.MinX {
					b.MinX = p.X
				}
				if p.X > b.MaxX {
					b.MaxX = p.X
				}
				if p.Y < b.MinY {
					b.MinY = p.Y
				}
				if p.Y > b.MaxY {
					b.MaxY = p.Y
				}
			}
		}
	}
	return b
}

// Reproject returns the geometry with all vertices transformed into the
// target CRS. When the CRSs compare equal by normalized code the receiver is
// returned unchanged, avoiding floating-point drift on identity transforms.
func (g *Geometry) Reproject(to crs.CRS) (*Geometry, error) {
	if g.CRS.Equal(to) {
		return g, nil
	}
	tf, err := crs.Transform(g.CRS, to)
	if err != nil {
		return nil, err
	}
	out := &Geometry{CRS: to, Polygons: make([]Polygon, len(g.Polygons))}
	for pi, poly := range g.Polygons {
		out.Polygons[pi].Rings = make([]Ring, len(poly.Rings))
		for ri, ring := range poly.Rings {
			nr := make(Ring, len(ring))
			for i, p := range ring {
				x, y, err := tf(p.X, p.Y)
				if err != nil {
					return nil, err
				}
				nr[i] = Point{X: x, Y: y}
			}
			out.Polygons[pi].Rings[ri] = nr
		}
	}
	return out, nil
}

// Contains reports whether the point is inside the geometry, using even-odd
// winding so holes are excluded naturally.
func (g *Geometry) Contains(x, y float64) bool {
	for _, poly := range g.Polygons {
		crossings := 0
		for _, ring := range poly.Rings {
			crossings += rayCrossings(ring, x, y)
		}
		if crossings%2 == 1 {
			return true
		}
	}
	return false
}

func rayCrossings(ring Ring, x, y float64) int {
	n := len(ring)
	count := 0
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if (a.Y > y) != (b.Y > y) {
			xCross := a.X + (y-a.Y)/(b.Y-a.Y)*(b.X-a.X)
			if x < xCross {
				count++
			}
		}
	}
	return count
}
