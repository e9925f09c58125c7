// Package zarr reads Zarr v2 stores with consolidated metadata from object
// storage and exposes them as dataset handles: coordinate arrays eagerly,
// data variables as lazy chunked arrays.
package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/lazy"
	"github.com/atlaseo/eogrid/internal/storage"
)

// consolidatedKey is the xarray-written consolidated metadata document.
const consolidatedKey = ".zmetadata"

type consolidated struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

type arrayMeta struct {
	Shape      []int           `json:"shape"`
	Chunks     []int           `json:"chunks"`
	DType      string          `json:"dtype"`
	Compressor *compressorMeta `json:"compressor"`
	FillValue  json.RawMessage `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    []any           `json:"filters"`
	Separator  string          `json:"dimension_separator"`
}

type compressorMeta struct {
	ID string `json:"id"`
}

// attrs is a variable's or the store's .zattrs document.
type attrs map[string]json.RawMessage

func (a attrs) str(key string) string {
	var s string
	if raw, ok := a[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

func (a attrs) has(key string) bool {
	_, ok := a[key]
	return ok
}

// node pairs an array's metadata with its attributes.
type node struct {
	name  string
	meta  arrayMeta
	attrs attrs
	dims  []string
}

// Open reads a Zarr store rooted at prefix and builds a dataset handle.
// Coordinate arrays are read eagerly; data variables defer all chunk reads
// until materialization.
func Open(ctx context.Context, store storage.Store, prefix, id, version string) (*dataset.Dataset, error) {
	prefix = strings.TrimSuffix(prefix, "/")

	body, err := store.Get(ctx, prefix+"/"+consolidatedKey)
	if err != nil {
		return nil, fmt.Errorf("zarr store %q: consolidated metadata: %w", prefix, err)
	}
	var meta consolidated
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("zarr store %q: parse %s: %w", prefix, consolidatedKey, err)
	}

	var global attrs
	if raw, ok := meta.Metadata[".zattrs"]; ok {
		if err := json.Unmarshal(raw, &global); err != nil {
			return nil, fmt.Errorf("zarr store %q: parse global attrs: %w", prefix, err)
		}
	}

	nodes, err := collectNodes(meta.Metadata)
	if err != nil {
		return nil, fmt.Errorf("zarr store %q: %w", prefix, err)
	}

	ds := &dataset.Dataset{
		ID:      id,
		Version: version,
		Coords:  make(map[string][]float64),
		Vars:    make(map[string]*dataset.Variable),
		Attrs:   stringAttrs(global),
	}
	ds.CRS = inferCRS(nodes, global)

	for _, n := range nodes {
		switch {
		case gridMappingNode(n):
			// CRS carrier, consumed by inferCRS; not a data variable.
		case coordinateNode(n):
			values, err := readAll(ctx, store, prefix, n)
			if err != nil {
				return nil, fmt.Errorf("zarr store %q: coordinate %q: %w", prefix, n.name, err)
			}
			if timeCoordinate(n) {
				times, err := decodeTimes(values, n.attrs.str("units"))
				if err != nil {
					return nil, fmt.Errorf("zarr store %q: coordinate %q: %w", prefix, n.name, err)
				}
				ds.TimeDim = n.name
				ds.Times = times
			} else {
				ds.Coords[n.name] = values
			}
		default:
			v, err := buildVariable(store, prefix, n)
			if err != nil {
				return nil, fmt.Errorf("zarr store %q: variable %q: %w", prefix, n.name, err)
			}
			ds.Vars[n.name] = v
		}
	}
	return ds, nil
}

// collectNodes walks the consolidated metadata for array definitions and
// their attributes.
func collectNodes(meta map[string]json.RawMessage) ([]node, error) {
	var nodes []node
	for key, raw := range meta {
		name, ok := strings.CutSuffix(key, "/.zarray")
		if !ok {
			continue
		}
		var am arrayMeta
		if err := json.Unmarshal(raw, &am); err != nil {
			return nil, fmt.Errorf("array %q: parse .zarray: %w", name, err)
		}
		if am.Order != "" && am.Order != "C" {
			return nil, fmt.Errorf("array %q: unsupported order %q", name, am.Order)
		}
		if len(am.Filters) > 0 {
			return nil, fmt.Errorf("array %q: filters are not supported", name)
		}

		n := node{name: name, meta: am}
		if rawAttrs, ok := meta[name+"/.zattrs"]; ok {
			if err := json.Unmarshal(rawAttrs, &n.attrs); err != nil {
				return nil, fmt.Errorf("array %q: parse .zattrs: %w", name, err)
			}
		}
		if rawDims, ok := n.attrs["_ARRAY_DIMENSIONS"]; ok {
			if err := json.Unmarshal(rawDims, &n.dims); err != nil {
				return nil, fmt.Errorf("array %q: parse _ARRAY_DIMENSIONS: %w", name, err)
			}
		}
		if len(n.dims) != len(am.Shape) && len(am.Shape) > 0 {
			return nil, fmt.Errorf("array %q: %d dimension names for shape %v", name, len(n.dims), am.Shape)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// coordinateNode: a 1-D array named after its own dimension.
func coordinateNode(n node) bool {
	return len(n.meta.Shape) == 1 && len(n.dims) == 1 && n.dims[0] == n.name
}

// gridMappingNode: CF grid-mapping carrier (0-d scalar holding CRS attrs).
func gridMappingNode(n node) bool {
	return n.attrs.has("crs_wkt") || n.attrs.has("spatial_ref") ||
		n.name == "spatial_ref" || n.name == "crs"
}

func timeCoordinate(n node) bool {
	return strings.Contains(n.attrs.str("units"), " since ")
}

func buildVariable(store storage.Store, prefix string, n node) (*dataset.Variable, error) {
	dt, err := parseDType(n.meta.DType)
	if err != nil {
		return nil, err
	}
	src := &chunkSource{
		store:  store,
		prefix: prefix,
		node:   n,
		dtype:  dt,
	}
	arr, err := lazy.NewChunked(src, n.meta.Shape, n.meta.Chunks)
	if err != nil {
		return nil, err
	}
	return &dataset.Variable{
		Name:        n.name,
		Dims:        n.dims,
		DType:       dt,
		Data:        arr,
		FillValue:   fillValue(n),
		Categorical: n.attrs.has("flag_values") || n.attrs.has("flag_meanings"),
	}, nil
}

// fillValue resolves the no-data sentinel: a _FillValue attribute overrides
// the .zarray fill_value. Float NaN fills stay nil since NaN is already the
// float sentinel.
func fillValue(n node) *float64 {
	for _, raw := range []json.RawMessage{n.attrs["_FillValue"], n.meta.FillValue} {
		if len(raw) == 0 {
			continue
		}
		if v, ok := decodeFill(raw); ok {
			if math.IsNaN(v) {
				return nil
			}
			return &v
		}
	}
	return nil
}

func decodeFill(raw json.RawMessage) (float64, bool) {
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && strings.EqualFold(s, "nan") {
		return math.NaN(), true
	}
	return 0, false
}

// readAll materializes a full (small) array, used for coordinates.
func readAll(ctx context.Context, store storage.Store, prefix string, n node) ([]float64, error) {
	dt, err := parseDType(n.meta.DType)
	if err != nil {
		return nil, err
	}
	src := &chunkSource{store: store, prefix: prefix, node: n, dtype: dt}
	arr, err := lazy.NewChunked(src, n.meta.Shape, n.meta.Chunks)
	if err != nil {
		return nil, err
	}
	buf, err := arr.Materialize(ctx)
	if err != nil {
		return nil, err
	}
	return buf.Data, nil
}

// decodeTimes converts CF numeric time values ("days since 2000-01-01") to
// instants.
func decodeTimes(values []float64, units string) ([]time.Time, error) {
	unit, base, ok := strings.Cut(units, " since ")
	if !ok {
		return nil, fmt.Errorf("unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.TrimSpace(unit) {
	case "days":
		step = 24 * time.Hour
	case "hours":
		step = time.Hour
	case "minutes":
		step = time.Minute
	case "seconds":
		step = time.Second
	default:
		return nil, fmt.Errorf("unsupported time unit %q", unit)
	}

	base = strings.TrimSpace(base)
	var epoch time.Time
	var err error
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if epoch, err = time.Parse(layout, base); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("unsupported time epoch %q", base)
	}

	out := make([]time.Time, len(values))
	for i, v := range values {
		out[i] = epoch.Add(time.Duration(v * float64(step))).UTC()
	}
	return out, nil
}

// inferCRS resolves the dataset CRS with the precedence the catalog's
// products use: a grid-mapping variable's crs_wkt or spatial_ref attribute,
// then a global crs attribute, then proj:epsg.
func inferCRS(nodes []node, global attrs) string {
	// Grid-mapping variables referenced by data variables come first.
	referenced := make(map[string]bool)
	for _, n := range nodes {
		if gm := n.attrs.str("grid_mapping"); gm != "" {
			referenced[gm] = true
		}
	}
	var fallback string
	for _, n := range nodes {
		if !gridMappingNode(n) {
			continue
		}
		v := n.attrs.str("crs_wkt")
		if v == "" {
			v = n.attrs.str("spatial_ref")
		}
		if v == "" {
			continue
		}
		if referenced[n.name] {
			return v
		}
		if fallback == "" {
			fallback = v
		}
	}
	if fallback != "" {
		return fallback
	}
	if v := global.str("crs"); v != "" {
		return v
	}
	if raw, ok := global["proj:epsg"]; ok {
		var code int
		if json.Unmarshal(raw, &code) == nil && code > 0 {
			return fmt.Sprintf("EPSG:%d", code)
		}
	}
	return ""
}

func stringAttrs(a attrs) map[string]string {
	if len(a) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, raw := range a {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			out[k] = s
		}
	}
	return out
}
