// Package dataset defines the in-process handle for a gridded dataset:
// coordinate arrays, CRS metadata, and lazily evaluated variables. Handles
// are produced by providers (zarr over object storage) and consumed by the
// subsetting and alignment engine; the engine never mutates a handle, it
// derives new ones.
package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/lazy"
)

// DType is the declared storage type of a variable. Materialized buffers are
// always float64; DType governs no-data semantics (NaN vs. fill value).
type DType int

const (
	Float64 DType = iota
	Float32
	Int32
	Int16
	Int8
	Uint8
)

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int16:
		return "int16"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Float reports whether the dtype is floating point, in which case NaN is a
// valid no-data sentinel.
func (d DType) Float() bool { return d == Float64 || d == Float32 }

// Provenance records which source dataset and version contributed a
// variable. Set by the aligner on merge outputs.
type Provenance struct {
	Dataset string
	Version string
}

// Variable is one data variable: a lazy array plus its dimension names and
// no-data/categorical metadata.
type Variable struct {
	Name        string
	Dims        []string
	DType       DType
	Data        lazy.Array
	FillValue   *float64
	Categorical bool
	Source      *Provenance
}

// SpatialOnly reports whether the variable has exactly the two spatial dims.
func (v *Variable) SpatialOnly() bool { return len(v.Dims) == 2 }

// Dataset is a handle to a gridded dataset.
type Dataset struct {
	ID      string
	Version string

	// CRS is the provider-stated identifier: an authority code or WKT.
	// Empty when the provider exposed no CRS metadata.
	CRS string

	XDim, YDim string
	TimeDim    string

	Coords map[string][]float64
	Times  []time.Time

	Vars  map[string]*Variable
	Attrs map[string]string
}

// HasTime reports whether the dataset carries a temporal dimension.
func (d *Dataset) HasTime() bool { return d.TimeDim != "" && len(d.Times) > 0 }

// VarNames returns variable names in deterministic order.
func (d *Dataset) VarNames() []string {
	names := make([]string, 0, len(d.Vars))
	for n := range d.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CRSRef resolves the dataset's CRS metadata to a normalized reference.
// A dataset without CRS metadata yields ErrMissingCRS: alignment with an
// unknown frame is unsafe and never proceeds with an assumed default.
func (d *Dataset) CRSRef() (crs.CRS, error) {
	raw := strings.TrimSpace(d.CRS)
	if raw == "" {
		return crs.CRS{}, &ErrMissingCRS{Dataset: d.ID}
	}
	if ref, err := crs.Parse(raw); err == nil {
		return ref, nil
	}
	ref, err := crs.FromWKT(raw)
	if err != nil {
		return crs.CRS{}, fmt.Errorf("dataset %q: %w", d.ID, err)
	}
	return ref, nil
}

// axisCandidates lists horizontal coordinate naming conventions, checked in
// order, matching what the catalog's products actually use.
var axisCandidates = [][2]string{
	{"longitude", "latitude"},
	{"lon", "lat"},
	{"x", "y"},
}

// InferAxes finds the horizontal coordinate names among a dataset's coords.
func InferAxes(coords map[string][]float64) (xdim, ydim string, err error) {
	for _, cand := range axisCandidates {
		_, okX := coords[cand[0]]
		_, okY := coords[cand[1]]
		if okX && okY {
			return cand[0], cand[1], nil
		}
	}
	return "", "", fmt.Errorf("could not infer horizontal coordinates from %v", coordNames(coords))
}

func coordNames(coords map[string][]float64) []string {
	names := make([]string, 0, len(coords))
	for n := range coords {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ErrMissingCRS indicates a dataset without any CRS metadata.
type ErrMissingCRS struct {
	Dataset string
}

func (e *ErrMissingCRS) Error() string {
	return fmt.Sprintf("dataset %q exposes no CRS metadata", e.Dataset)
}
