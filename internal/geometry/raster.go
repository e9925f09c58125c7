package geometry

// Rasterize samples the geometry at pixel centers of a regular grid and
// returns a row-major boolean mask of rows*cols entries, true inside.
//
// x0 is the left edge of column 0 and y0 the outer edge of row 0; yres is
// negative for north-up grids (row 0 at the top). The geometry must already
// be in the grid's CRS.
func Rasterize(g *Geometry, x0, y0, xres, yres float64, rows, cols int) []bool {
	mask := make([]bool, rows*cols)
	gb := g.Bounds()
	for r := 0; r < rows; r++ {
		cy := y0 + (float64(r)+0.5)*yres
		if cy < gb.MinY || cy > gb.MaxY {
			continue
		}
		for c := 0; c < cols; c++ {
			cx := x0 + (float64(c)+0.5)*xres
			if cx < gb.MinX || cx > gb.MaxX {
				continue
			}
			if g.Contains(cx, cy) {
				mask[r*cols+c] = true
			}
		}
	}
	return mask
}
