package server

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/atlaseo/eogrid/internal/cache"
	"github.com/atlaseo/eogrid/internal/catalog"
	"github.com/atlaseo/eogrid/internal/discovery"
	"github.com/atlaseo/eogrid/internal/metrics"
	"github.com/atlaseo/eogrid/internal/storage"
)

func le64(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func putDoc(t *testing.T, st *storage.Memory, key string, doc any) {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal %s: %v", key, err)
	}
	st.Put(key, body)
}

// fixture: one collection (GAMI v1.0) over a 4x4 unit grid spanning
// (0,0)-(4,4) in EPSG:4326, cell values equal to their flat index.
func fixture(t *testing.T) *storage.Memory {
	t.Helper()
	st := storage.NewMemory()

	putDoc(t, st, "catalog/catalog.json", map[string]any{
		"type": "Catalog", "id": "root",
		"links": []map[string]string{{"rel": "child", "href": "./GAMI/collection.json"}},
	})
	putDoc(t, st, "catalog/GAMI/collection.json", map[string]any{
		"type": "Collection", "id": "GAMI",
		"extent": map[string]any{
			"spatial": map[string]any{"bbox": [][]float64{{0, 0, 4, 4}}},
		},
		"links": []map[string]string{{"rel": "item", "href": "./GAMI_v1.0/item.json"}},
	})
	putDoc(t, st, "catalog/GAMI/GAMI_v1.0/item.json", map[string]any{
		"type": "Feature", "id": "GAMI_v1.0",
		"properties": map[string]any{"version": "1.0"},
		"assets": map[string]any{
			"zarr": map[string]any{
				"href": "s3://eo-bucket/catalog/GAMI/GAMI_v1.0/gami.zarr",
				"type": "application/vnd.zarr",
			},
		},
	})

	const p = "catalog/GAMI/GAMI_v1.0/gami.zarr"
	coordArray := map[string]any{
		"shape": []int{4}, "chunks": []int{4}, "dtype": "<f8",
		"compressor": nil, "fill_value": nil, "order": "C",
	}
	putDoc(t, st, p+"/.zmetadata", map[string]any{
		"zarr_consolidated_format": 1,
		"metadata": map[string]any{
			".zattrs":   map[string]any{"crs": "EPSG:4326"},
			"x/.zarray": coordArray,
			"x/.zattrs": map[string]any{"_ARRAY_DIMENSIONS": []string{"x"}},
			"y/.zarray": coordArray,
			"y/.zattrs": map[string]any{"_ARRAY_DIMENSIONS": []string{"y"}},
			"v/.zarray": map[string]any{
				"shape": []int{4, 4}, "chunks": []int{4, 4}, "dtype": "<f8",
				"compressor": nil, "fill_value": nil, "order": "C",
			},
			"v/.zattrs": map[string]any{"_ARRAY_DIMENSIONS": []string{"y", "x"}},
		},
	})
	st.Put(p+"/x/0", le64(0.5, 1.5, 2.5, 3.5))
	st.Put(p+"/y/0", le64(0.5, 1.5, 2.5, 3.5))
	vals := make([]float64, 16)
	for i := range vals {
		vals[i] = float64(i)
	}
	st.Put(p+"/v/0.0", le64(vals...))
	return st
}

func newTestServer(t *testing.T) (*Server, *cache.Memory) {
	t.Helper()
	st := fixture(t)
	tier := cache.NewMemory()
	cat := cache.NewCatalog(catalog.NewReader(st, "catalog/catalog.json"), tier)

	cols, err := cat.Collections(t.Context())
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	index, err := discovery.NewIndex(cols, 4)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}

	p := metrics.Init(metrics.BuildInfo{Version: "test"})
	srv := New(Deps{
		Log:            zerolog.Nop(),
		Catalog:        cat,
		Tier:           tier,
		Index:          index,
		Obs:            metrics.New(p),
		MetricsHandler: p.Handler(),
	})
	return srv, tier
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func geomBox(minX, minY, maxX, maxY float64) string {
	return fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}`,
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := do(t, srv.Routes(), http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCollectionsAndItems(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rr := do(t, h, http.MethodGet, "/collections", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"GAMI"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/collections/GAMI/items", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("items status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"GAMI_v1.0"`) {
		t.Fatalf("items body = %s", rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/collections/RADD/items", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown collection status = %d", rr.Code)
	}
}

func TestDiscover(t *testing.T) {
	srv, tier := newTestServer(t)
	h := srv.Routes()

	body := `{"geometry":` + geomBox(1, 1, 3, 3) + `}`
	rr := do(t, h, http.MethodPost, "/discover", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp discoverResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Collections) != 1 || resp.Collections[0] != "GAMI" {
		t.Fatalf("collections = %v", resp.Collections)
	}
	if resp.Cells == 0 {
		t.Fatal("expected a non-empty cover")
	}

	found := false
	for _, k := range tier.Keys() {
		if strings.HasPrefix(k, "eogrid:discovery:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("discovery response not cached; keys = %v", tier.Keys())
	}

	// Served identically from cache.
	rr = do(t, h, http.MethodPost, "/discover", body)
	var again discoverResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &again); err != nil {
		t.Fatalf("decode cached: %v", err)
	}
	if len(again.Collections) != 1 || again.Collections[0] != "GAMI" {
		t.Fatalf("cached collections = %v", again.Collections)
	}
}

func TestSubset(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	body := `{"collection":"GAMI","version":"1.0","geometry":` + geomBox(1, 1, 2, 2) + `}`
	rr := do(t, h, http.MethodPost, "/subset", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp subsetResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Grid.Rows != 1 || resp.Grid.Cols != 1 {
		t.Fatalf("grid = %+v", resp.Grid)
	}
	if resp.Grid.Extent != [4]float64{1, 1, 2, 2} {
		t.Fatalf("extent = %v", resp.Grid.Extent)
	}
	if len(resp.Variables) != 1 {
		t.Fatalf("variables = %+v", resp.Variables)
	}
	v := resp.Variables[0]
	// Window (row 1, col 1) of the flat-index grid.
	if v.Count != 1 || v.Mean == nil || *v.Mean != 5 {
		t.Fatalf("stats = %+v", v)
	}
}

func TestSubsetErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	rr := do(t, h, http.MethodPost, "/subset",
		`{"collection":"GAMI","version":"1.0","geometry":`+geomBox(10, 10, 12, 12)+`}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty intersection status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/subset",
		`{"collection":"GAMI","version":"9.9","geometry":`+geomBox(1, 1, 2, 2)+`}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown version status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/subset", `{"collection":"GAMI","version":"1.0"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing geometry status = %d", rr.Code)
	}
}

func TestAlign(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	body := `{
		"inputs": {
			"a": {"collection":"GAMI","version":"1.0"},
			"b": {"collection":"GAMI","version":"1.0"}
		},
		"target": "a",
		"rename": {"b": {"v": "v_b"}},
		"stats": true
	}`
	rr := do(t, h, http.MethodPost, "/align", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp alignResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Grid.Rows != 4 || resp.Grid.Cols != 4 {
		t.Fatalf("grid = %+v", resp.Grid)
	}
	if len(resp.Variables) != 2 || resp.Variables[0].Name != "v" || resp.Variables[1].Name != "v_b" {
		t.Fatalf("variables = %+v", resp.Variables)
	}
	if resp.Variables[0].Source == nil || resp.Variables[0].Source.Dataset != "a" {
		t.Fatalf("provenance = %+v", resp.Variables[0].Source)
	}
	if resp.Variables[1].Stats == nil || resp.Variables[1].Stats.Count != 16 {
		t.Fatalf("stats = %+v", resp.Variables[1].Stats)
	}
}

func TestAlignConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	body := `{
		"inputs": {
			"a": {"collection":"GAMI","version":"1.0"},
			"b": {"collection":"GAMI","version":"1.0"}
		},
		"target": "a"
	}`
	rr := do(t, h, http.MethodPost, "/align", body)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAlignUnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	body := `{"inputs": {"a": {"collection":"GAMI","version":"1.0"}}, "target": "nope"}`
	rr := do(t, h, http.MethodPost, "/align", body)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	// Generate some traffic first.
	do(t, h, http.MethodGet, "/collections", "")

	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatal("expected http_requests_total in metrics payload")
	}
}
