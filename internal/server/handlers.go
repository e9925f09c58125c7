package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlaseo/eogrid/internal/align"
	"github.com/atlaseo/eogrid/internal/cache"
	"github.com/atlaseo/eogrid/internal/catalog"
	"github.com/atlaseo/eogrid/internal/crs"
	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/geometry"
	"github.com/atlaseo/eogrid/internal/grid"
	"github.com/atlaseo/eogrid/internal/resample"
	"github.com/atlaseo/eogrid/internal/storage"
	"github.com/atlaseo/eogrid/internal/subset"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps the engine's typed errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		noCollection *catalog.ErrCollectionNotFound
		noVersion    *catalog.ErrVersionNotFound
		noAsset      *catalog.ErrNoZarrAsset
		noKey        *storage.ErrNotFound
		empty        *subset.ErrEmptyIntersection
		noData       *subset.ErrNoDataUndefined
		missingCRS   *dataset.ErrMissingCRS
		policy       *resample.ErrPolicy
		incompatible *resample.ErrIncompatible
		conflict     *align.ErrVariableNameConflict
		unknown      *align.ErrUnknownTarget
	)
	switch {
	case errors.As(err, &noCollection), errors.As(err, &noVersion),
		errors.As(err, &noAsset), errors.As(err, &noKey):
		status = http.StatusNotFound
	case errors.As(err, &empty), errors.As(err, &missingCRS):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &noData), errors.As(err, &policy),
		errors.As(err, &incompatible), errors.As(err, &unknown):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.deps.Catalog.Collections(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": cols})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.deps.Catalog.Items(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": id, "items": items})
}

type discoverRequest struct {
	Geometry json.RawMessage `json:"geometry"`
}

type discoverResponse struct {
	Collections []string `json:"collections"`
	Cells       int      `json:"cells"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Geometry) == 0 {
		badRequest(w, "geometry is required")
		return
	}
	geom, err := geometry.FromGeoJSON(req.Geometry, crs.EPSG4326)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	cover, err := s.deps.Index.Cover(geom)
	if err != nil {
		writeError(w, err)
		return
	}
	// Responses are keyed by the H3 cover, not the exact geometry: distinct
	// geometries sharing a cover at the configured resolution serve one
	// cached answer. The cell resolution bounds that approximation.
	key := cache.DiscoveryKey(cover)

	if got, err := s.deps.Tier.MGet(r.Context(), []string{key}); err == nil {
		if body, ok := got[key]; ok {
			var ids []string
			if json.Unmarshal(body, &ids) == nil {
				writeJSON(w, http.StatusOK, discoverResponse{Collections: ids, Cells: len(cover)})
				return
			}
		}
	}

	ids, err := s.deps.Index.Query(geom)
	if err != nil {
		writeError(w, err)
		return
	}
	if body, err := json.Marshal(ids); err == nil {
		if err := s.deps.Tier.Set(r.Context(), key, body, s.deps.DiscoveryTTL); err != nil {
			s.deps.Log.Warn().Err(err).Msg("discovery cache write failed")
		}
	}
	writeJSON(w, http.StatusOK, discoverResponse{Collections: ids, Cells: len(cover)})
}

type timeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type subsetRequest struct {
	Collection string          `json:"collection"`
	Version    string          `json:"version"`
	Geometry   json.RawMessage `json:"geometry"`
	Time       *timeRange      `json:"time,omitempty"`
	Mask       bool            `json:"mask"`
}

type gridInfo struct {
	CRS    string     `json:"crs"`
	Rows   int        `json:"rows"`
	Cols   int        `json:"cols"`
	XRes   float64    `json:"x_res"`
	YRes   float64    `json:"y_res"`
	Extent [4]float64 `json:"extent"` // minx, miny, maxx, maxy
}

type variableStats struct {
	Name  string   `json:"name"`
	Dims  []string `json:"dims"`
	Shape []int    `json:"shape"`
	Count int      `json:"count"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Mean  *float64 `json:"mean,omitempty"`
}

type subsetResponse struct {
	Collection string          `json:"collection"`
	Version    string          `json:"version"`
	Grid       gridInfo        `json:"grid"`
	Times      []time.Time     `json:"times,omitempty"`
	Variables  []variableStats `json:"variables"`
}

func (s *Server) handleSubset(w http.ResponseWriter, r *http.Request) {
	var req subsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Collection == "" || req.Version == "" {
		badRequest(w, "collection and version are required")
		return
	}
	if len(req.Geometry) == 0 {
		badRequest(w, "geometry is required")
		return
	}
	geom, err := geometry.FromGeoJSON(req.Geometry, crs.EPSG4326)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ds, err := s.deps.Catalog.OpenDataset(r.Context(), req.Collection, req.Version)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := subset.Options{Mask: req.Mask}
	if req.Time != nil {
		opts.Time = &subset.TimeRange{Start: req.Time.Start, End: req.Time.End}
	}
	sub, err := subset.Apply(ds, geom, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	desc, err := grid.FromDataset(sub)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := subsetResponse{
		Collection: req.Collection,
		Version:    req.Version,
		Grid:       toGridInfo(desc),
		Times:      sub.Times,
	}
	for _, name := range sub.VarNames() {
		st, err := computeStats(r, sub.Vars[name])
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Variables = append(resp.Variables, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

type alignInput struct {
	Collection string `json:"collection"`
	Version    string `json:"version"`
}

type alignRequest struct {
	Inputs   map[string]alignInput        `json:"inputs"`
	Target   string                       `json:"target"`
	Geometry json.RawMessage              `json:"geometry,omitempty"`
	Policy   resample.Policy              `json:"policy,omitempty"`
	Rename   map[string]map[string]string `json:"rename,omitempty"`
	Stats    bool                         `json:"stats"`
}

type alignedVariable struct {
	Name   string              `json:"name"`
	Dims   []string            `json:"dims"`
	Shape  []int               `json:"shape"`
	Source *dataset.Provenance `json:"source,omitempty"`
	Stats  *variableStats      `json:"stats,omitempty"`
}

type alignResponse struct {
	Grid      gridInfo          `json:"grid"`
	Variables []alignedVariable `json:"variables"`
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	var req alignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Inputs) == 0 {
		badRequest(w, "at least one input is required")
		return
	}
	if req.Target == "" {
		badRequest(w, "target is required")
		return
	}

	var geom *geometry.Geometry
	if len(req.Geometry) > 0 {
		g, err := geometry.FromGeoJSON(req.Geometry, crs.EPSG4326)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		geom = g
	}

	inputs := make(map[string]*dataset.Dataset, len(req.Inputs))
	for name, in := range req.Inputs {
		if in.Collection == "" || in.Version == "" {
			badRequest(w, "input "+name+": collection and version are required")
			return
		}
		ds, err := s.deps.Catalog.OpenDataset(r.Context(), in.Collection, in.Version)
		if err != nil {
			writeError(w, err)
			return
		}
		if geom != nil {
			ds, err = subset.Apply(ds, geom, subset.Options{})
			if err != nil {
				writeError(w, err)
				return
			}
		}
		inputs[name] = ds
	}

	opts := []align.Option{}
	if s.deps.AlignWorkers > 0 {
		opts = append(opts, align.WithWorkers(s.deps.AlignWorkers))
	}
	if s.deps.CoarsenThreshold > 0 {
		opts = append(opts, align.WithCoarsenThreshold(s.deps.CoarsenThreshold))
	}
	if len(req.Rename) > 0 {
		rename := req.Rename
		opts = append(opts, align.WithRename(func(input, variable string) string {
			if m, ok := rename[input]; ok {
				if n, ok := m[variable]; ok && n != "" {
					return n
				}
			}
			return variable
		}))
	}

	start := time.Now()
	result, err := align.New(opts...).Align(r.Context(), inputs, align.ToDataset(req.Target), req.Policy)
	s.deps.Obs.ObserveAlign(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := alignResponse{Grid: toGridInfo(result.Grid)}
	for _, name := range result.Dataset.VarNames() {
		v := result.Dataset.Vars[name]
		av := alignedVariable{Name: name, Dims: v.Dims, Shape: v.Data.Shape(), Source: v.Source}
		if req.Stats {
			st, err := computeStats(r, v)
			if err != nil {
				writeError(w, err)
				return
			}
			av.Stats = &st
		}
		resp.Variables = append(resp.Variables, av)
	}
	writeJSON(w, http.StatusOK, resp)
}

func toGridInfo(d grid.Descriptor) gridInfo {
	return gridInfo{
		CRS:  d.CRS.String(),
		Rows: d.Rows,
		Cols: d.Cols,
		XRes: d.XRes,
		YRes: d.YRes,
		Extent: [4]float64{
			d.Extent.MinX, d.Extent.MinY,
			d.Extent.MaxX, d.Extent.MaxY,
		},
	}
}

// computeStats materializes one variable and summarizes it, skipping NaN and
// declared fill values.
func computeStats(r *http.Request, v *dataset.Variable) (variableStats, error) {
	buf, err := v.Data.Materialize(r.Context())
	if err != nil {
		return variableStats{}, err
	}

	st := variableStats{Name: v.Name, Dims: v.Dims, Shape: buf.Shape}
	minV, maxV, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, val := range buf.Data {
		if math.IsNaN(val) {
			continue
		}
		if v.FillValue != nil && val == *v.FillValue {
			continue
		}
		st.Count++
		if val < minV {
			minV = val
		}
		if val > maxV {
			maxV = val
		}
		sum += val
	}
	if st.Count > 0 {
		mean := sum / float64(st.Count)
		st.Min, st.Max, st.Mean = &minV, &maxV, &mean
	}
	return st, nil
}
