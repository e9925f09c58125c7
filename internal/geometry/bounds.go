package geometry

import "fmt"

// Bounds is an axis-aligned box in some CRS. Min/Max refer to coordinate
// values, independent of grid row direction.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) String() string {
	return fmt.Sprintf("(%g,%g)-(%g,%g)", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// Contains returns true if the point (x, y) is within the bounds.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Intersects returns true if the given bounds intersects with this bounds.
// Touching edges count as intersecting.
func (b Bounds) Intersects(other Bounds) bool {
	return !(other.MaxX < b.MinX ||
		other.MinX > b.MaxX ||
		other.MaxY < b.MinY ||
		other.MinY > b.MaxY)
}

// Intersection returns the overlapping box and whether any overlap exists.
func (b Bounds) Intersection(other Bounds) (Bounds, bool) {
	if !b.Intersects(other) {
		return Bounds{}, false
	}
	out := Bounds{
		MinX: max(b.MinX, other.MinX),
		MinY: max(b.MinY, other.MinY),
		MaxX: min(b.MaxX, other.MaxX),
		MaxY: min(b.MaxY, other.MaxY),
	}
	return out, true
}

// Degenerate reports a zero-area box. Degenerate boxes are valid subset
// inputs; whether a zero-area subset is meaningful is the caller's call.
func (b Bounds) Degenerate() bool {
	return b.MinX == b.MaxX || b.MinY == b.MaxY
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }
