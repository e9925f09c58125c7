// Package discovery answers "which collections cover this geometry" from an
// in-memory R-tree over collection footprints, and derives H3 covers used as
// cache keys for discovery responses.
package discovery

import (
	"fmt"
	"sort"

	"github.com/dhconnelly/rtreego"
	h3 "github.com/uber/h3-go/v4"

	"github.com/atlaseo/eogrid/internal/catalog"
	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/geometry"
)

// footprintEps pads degenerate rectangle extents; the R-tree rejects
// zero-length sides.
const footprintEps = 1e-9

type entry struct {
	id   string
	rect rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

// Index is immutable after construction. Footprints are indexed in
// EPSG:4326; queries in other CRSs are reprojected.
type Index struct {
	tree *rtreego.Rtree
	res  int
}

// NewIndex builds the footprint index. Collections without a spatial extent
// are not discoverable and are skipped. res is the H3 resolution used for
// covers.
func NewIndex(cols []*catalog.Collection, res int) (*Index, error) {
	if res < 0 || res > 15 {
		return nil, fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	tree := rtreego.NewTree(2, 25, 50)
	for _, c := range cols {
		bbox, ok := c.BBox()
		if !ok {
			continue
		}
		rect, err := newRect(bbox[0], bbox[1], bbox[2], bbox[3])
		if err != nil {
			return nil, fmt.Errorf("collection %q footprint: %w", c.ID, err)
		}
		tree.Insert(&entry{id: c.ID, rect: rect})
	}
	return &Index{tree: tree, res: res}, nil
}

func newRect(minX, minY, maxX, maxY float64) (rtreego.Rect, error) {
	w := maxX - minX
	if w < footprintEps {
		w = footprintEps
	}
	h := maxY - minY
	if h < footprintEps {
		h = footprintEps
	}
	return rtreego.NewRect(rtreego.Point{minX, minY}, []float64{w, h})
}

// Query returns the ids of collections whose footprint intersects the
// geometry's bounding box, sorted.
func (ix *Index) Query(g *geometry.Geometry) ([]string, error) {
	g4326, err := g.Reproject(crs.EPSG4326)
	if err != nil {
		return nil, err
	}
	b := g4326.Bounds()
	rect, err := newRect(b.MinX, b.MinY, b.MaxX, b.MaxY)
	if err != nil {
		return nil, err
	}
	hits := ix.tree.SearchIntersect(rect)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.(*entry).id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Cover returns the geometry's H3 cell cover at the index resolution, sorted
// and deduplicated, for use as a cache key.
func (ix *Index) Cover(g *geometry.Geometry) ([]string, error) {
	g4326, err := g.Reproject(crs.EPSG4326)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []string
	for pi, poly := range g4326.Polygons {
		if len(poly.Rings) == 0 {
			continue
		}
		gp := h3.GeoPolygon{GeoLoop: toLoop(poly.Rings[0])}
		for _, hole := range poly.Rings[1:] {
			gp.Holes = append(gp.Holes, toLoop(hole))
		}
		cells, err := h3.PolygonToCells(gp, ix.res)
		if err != nil {
			return nil, fmt.Errorf("polygon %d: h3 cover: %w", pi, err)
		}
		for _, c := range cells {
			s := c.String()
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func toLoop(ring geometry.Ring) h3.GeoLoop {
	loop := make(h3.GeoLoop, len(ring))
	for i, p := range ring {
		loop[i] = h3.LatLng{Lat: p.Y, Lng: p.X}
	}
	return loop
}
