// Package crs resolves coordinate reference system identifiers and provides
// point transforms between the systems used by the gridded-data catalog.
package crs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// CRS identifies a coordinate reference system by normalized authority code.
type CRS struct {
	Authority string
	Code      int
}

// Well-known systems used across the catalog.
var (
	EPSG4326 = CRS{Authority: "EPSG", Code: 4326} // WGS 84 geographic
	EPSG3857 = CRS{Authority: "EPSG", Code: 3857} // Web Mercator
	EPSG3035 = CRS{Authority: "EPSG", Code: 3035} // ETRS89 / LAEA Europe
)

func (c CRS) String() string {
	return fmt.Sprintf("%s:%d", c.Authority, c.Code)
}

// Equal compares by normalized authority code, not by the string the CRS was
// parsed from. "epsg:4326", "EPSG:4326" and the OGC URN all compare equal.
func (c CRS) Equal(o CRS) bool {
	return c.Authority == o.Authority && c.Code == o.Code
}

// IsZero reports whether the CRS is unset.
func (c CRS) IsZero() bool {
	return c.Authority == "" && c.Code == 0
}

// Geographic reports whether coordinates are degrees (lon/lat) rather than
// projected meters.
func (c CRS) Geographic() bool {
	return c.Equal(EPSG4326)
}

var urnRe = regexp.MustCompile(`(?i)^urn:ogc:def:crs:([a-z]+)(?::[0-9.]*)?::?(\w+)$`)

// Parse resolves a CRS identifier string to a normalized authority code.
//
// Accepted forms: "EPSG:4326" (any case), bare numeric codes ("4326"),
// OGC URNs ("urn:ogc:def:crs:EPSG::4326"), and "OGC:CRS84" which normalizes
// to EPSG:4326 with lon/lat axis order.
func Parse(s string) (CRS, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return CRS{}, &ErrInvalid{Value: s, Reason: "empty identifier"}
	}

	if m := urnRe.FindStringSubmatch(v); m != nil {
		return parseAuthorityCode(s, m[1], m[2])
	}

	if i := strings.IndexByte(v, ':'); i >= 0 {
		return parseAuthorityCode(s, v[:i], v[i+1:])
	}

	code, err := strconv.Atoi(v)
	if err != nil {
		return CRS{}, &ErrInvalid{Value: s, Reason: "not an authority:code identifier"}
	}
	return CRS{Authority: "EPSG", Code: code}, nil
}

func parseAuthorityCode(orig, auth, code string) (CRS, error) {
	auth = strings.ToUpper(strings.TrimSpace(auth))
	code = strings.TrimSpace(code)

	// CRS84 is WGS 84 with explicit lon/lat axis order; the engine always
	// works in lon/lat order, so it folds into EPSG:4326.
	if auth == "OGC" && strings.EqualFold(code, "CRS84") {
		return EPSG4326, nil
	}

	n, err := strconv.Atoi(code)
	if err != nil {
		return CRS{}, &ErrInvalid{Value: orig, Reason: fmt.Sprintf("non-numeric %s code %q", auth, code)}
	}
	if auth != "EPSG" {
		return CRS{}, &ErrInvalid{Value: orig, Reason: fmt.Sprintf("unsupported authority %q", auth)}
	}
	return CRS{Authority: "EPSG", Code: n}, nil
}

var (
	wktID   = regexp.MustCompile(`ID\s*\[\s*"EPSG"\s*,\s*(\d+)\s*\]`)
	wktAuth = regexp.MustCompile(`AUTHORITY\s*\[\s*"EPSG"\s*,\s*"(\d+)"\s*\]`)
)

// FromWKT extracts the EPSG authority code from a WKT1 or WKT2 CRS
// definition. Only the trailing authority identifier is consulted; full WKT
// parameter parsing is out of scope.
func FromWKT(wkt string) (CRS, error) {
	// WKT2 nests ID[] blocks; the last one identifies the whole CRS.
	if ms := wktID.FindAllStringSubmatch(wkt, -1); len(ms) > 0 {
		code, _ := strconv.Atoi(ms[len(ms)-1][1])
		return CRS{Authority: "EPSG", Code: code}, nil
	}
	if ms := wktAuth.FindAllStringSubmatch(wkt, -1); len(ms) > 0 {
		code, _ := strconv.Atoi(ms[len(ms)-1][1])
		return CRS{Authority: "EPSG", Code: code}, nil
	}
	return CRS{}, &ErrInvalid{Value: truncate(wkt, 60), Reason: "no EPSG identifier in WKT"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
