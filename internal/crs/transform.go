package crs

import "math"

// Func transforms a single coordinate pair. For geographic systems x is
// longitude and y is latitude, in degrees; for projected systems both are in
// meters.
type Func func(x, y float64) (float64, float64, error)

const (
	// GRS80 / WGS 84 share the semi-major axis used here.
	semiMajor = 6378137.0

	// Web Mercator is undefined beyond the latitude where the projected
	// y coordinate equals the projected x extent.
	mercatorMaxLat = 85.06

	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// Transform returns the point transform from one system to another.
//
// Identity pairs (compared by normalized code) return a pass-through without
// touching coordinates, so nominally identical CRSs stated differently never
// introduce floating-point drift. Projected-to-projected pairs are routed
// through EPSG:4326.
func Transform(from, to CRS) (Func, error) {
	if from.Equal(to) {
		return func(x, y float64) (float64, float64, error) { return x, y, nil }, nil
	}

	if from.Equal(EPSG4326) {
		if f := forwardFrom4326(to); f != nil {
			return f, nil
		}
		return nil, &ErrNoTransform{From: from, To: to}
	}
	if to.Equal(EPSG4326) {
		if f := inverseTo4326(from); f != nil {
			return f, nil
		}
		return nil, &ErrNoTransform{From: from, To: to}
	}

	inv := inverseTo4326(from)
	fwd := forwardFrom4326(to)
	if inv == nil || fwd == nil {
		return nil, &ErrNoTransform{From: from, To: to}
	}
	return func(x, y float64) (float64, float64, error) {
		lon, lat, err := inv(x, y)
		if err != nil {
			return 0, 0, err
		}
		return fwd(lon, lat)
	}, nil
}

func forwardFrom4326(to CRS) Func {
	switch {
	case to.Equal(EPSG3857):
		return lonLatToMercator
	case to.Equal(EPSG3035):
		return lonLatToLAEA
	}
	return nil
}

func inverseTo4326(from CRS) Func {
	switch {
	case from.Equal(EPSG3857):
		return mercatorToLonLat
	case from.Equal(EPSG3035):
		return laeaToLonLat
	}
	return nil
}

// --- EPSG:3857 spherical Web Mercator ---

func lonLatToMercator(lon, lat float64) (float64, float64, error) {
	if math.Abs(lat) > mercatorMaxLat || math.Abs(lon) > 180 {
		return 0, 0, &ErrOutOfDomain{X: lon, Y: lat, To: EPSG3857}
	}
	x := semiMajor * lon * deg2rad
	y := semiMajor * math.Log(math.Tan(math.Pi/4+lat*deg2rad/2))
	return x, y, nil
}

func mercatorToLonLat(x, y float64) (float64, float64, error) {
	lon := x / semiMajor * rad2deg
	lat := (2*math.Atan(math.Exp(y/semiMajor)) - math.Pi/2) * rad2deg
	if math.Abs(lon) > 180+1e-9 {
		return 0, 0, &ErrOutOfDomain{X: x, Y: y, To: EPSG4326}
	}
	return lon, lat, nil
}

// --- EPSG:3035 ETRS89 / LAEA Europe (ellipsoidal, GRS80) ---

const (
	grs80Flattening = 1.0 / 298.257222101
	laeaLat0        = 52.0
	laeaLon0        = 10.0
	laeaFalseE      = 4321000.0
	laeaFalseN      = 3210000.0
)

var (
	e2 = grs80Flattening * (2 - grs80Flattening)
	e1 = math.Sqrt(e2)

	qp    = authalicQ(math.Pi / 2)
	q0    = authalicQ(laeaLat0 * deg2rad)
	beta0 = math.Asin(q0 / qp)
	rq    = semiMajor * math.Sqrt(qp/2)
	laeaD = semiMajor * math.Cos(laeaLat0*deg2rad) /
		math.Sqrt(1-e2*sq(math.Sin(laeaLat0*deg2rad))) / (rq * math.Cos(beta0))
)

func sq(v float64) float64 { return v * v }

func authalicQ(phi float64) float64 {
	s := math.Sin(phi)
	return (1 - e2) * (s/(1-e2*s*s) - 1/(2*e1)*math.Log((1-e1*s)/(1+e1*s)))
}

func lonLatToLAEA(lon, lat float64) (float64, float64, error) {
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return 0, 0, &ErrOutOfDomain{X: lon, Y: lat, To: EPSG3035}
	}
	phi := lat * deg2rad
	dlam := (lon - laeaLon0) * deg2rad

	beta := math.Asin(authalicQ(phi) / qp)
	denom := 1 + math.Sin(beta0)*math.Sin(beta) + math.Cos(beta0)*math.Cos(beta)*math.Cos(dlam)
	if denom <= 0 {
		// Antipodal point: the azimuthal projection is undefined there.
		return 0, 0, &ErrOutOfDomain{X: lon, Y: lat, To: EPSG3035}
	}
	b := rq * math.Sqrt(2/denom)

	east := laeaFalseE + b*laeaD*math.Cos(beta)*math.Sin(dlam)
	north := laeaFalseN + b/laeaD*(math.Cos(beta0)*math.Sin(beta)-math.Sin(beta0)*math.Cos(beta)*math.Cos(dlam))
	return east, north, nil
}

func laeaToLonLat(east, north float64) (float64, float64, error) {
	dx := (east - laeaFalseE) / laeaD
	dy := (north - laeaFalseN) * laeaD

	rho := math.Hypot(dx, dy)
	if rho == 0 {
		return laeaLon0, laeaLat0, nil
	}
	if rho > 2*rq {
		return 0, 0, &ErrOutOfDomain{X: east, Y: north, To: EPSG4326}
	}

	ce := 2 * math.Asin(rho/(2*rq))
	betaP := math.Asin(math.Cos(ce)*math.Sin(beta0) + dy*math.Sin(ce)*math.Cos(beta0)/rho)
	lon := laeaLon0 + rad2deg*math.Atan2(dx*math.Sin(ce),
		rho*math.Cos(ce)*math.Cos(beta0)-dy*math.Sin(ce)*math.Sin(beta0))

	// Authalic to geodetic latitude series expansion.
	e4 := e2 * e2
	e6 := e4 * e2
	lat := betaP +
		(e2/3+31*e4/180+517*e6/5040)*math.Sin(2*betaP) +
		(23*e4/360+251*e6/3780)*math.Sin(4*betaP) +
		(761*e6/45360)*math.Sin(6*betaP)

	return lon, lat * rad2deg, nil
}
