// Package catalog reads the STAC-style JSON catalog that describes the
// available raster products: a root catalog with child collections (possibly
// grouped under theme sub-catalogs), items per dataset version, and a zarr
// asset per item.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/storage"
	"github.com/atlaseo/eogrid/internal/zarr"
)

// Link is a typed reference between catalog documents.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Catalog is the root (or a theme) document.
type Catalog struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Links       []Link `json:"links"`
}

// Extent is a collection's spatial/temporal coverage.
type Extent struct {
	Spatial struct {
		BBox [][]float64 `json:"bbox"`
	} `json:"spatial"`
	Temporal struct {
		Interval [][]*string `json:"interval"`
	} `json:"temporal"`
}

// Collection describes one product.
type Collection struct {
	Type        string   `json:"type"`
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	License     string   `json:"license,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Extent      Extent   `json:"extent"`
	Links       []Link   `json:"links"`
}

// BBox returns the collection's first spatial bbox (minx, miny, maxx, maxy).
func (c *Collection) BBox() ([4]float64, bool) {
	if len(c.Extent.Spatial.BBox) == 0 || len(c.Extent.Spatial.BBox[0]) < 4 {
		return [4]float64{}, false
	}
	var out [4]float64
	copy(out[:], c.Extent.Spatial.BBox[0][:4])
	return out, true
}

// Asset is a downloadable or openable representation of an item.
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Item is one versioned dataset of a collection.
type Item struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	BBox       []float64        `json:"bbox,omitempty"`
	Geometry   json.RawMessage  `json:"geometry,omitempty"`
	Properties ItemProperties   `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
	Links      []Link           `json:"links,omitempty"`
}

// ItemProperties carries the version and coverage window.
type ItemProperties struct {
	Version       string `json:"version"`
	StartDatetime string `json:"start_datetime,omitempty"`
	EndDatetime   string `json:"end_datetime,omitempty"`
	ProductName   string `json:"product_name,omitempty"`
}

// zarrMediaType marks the chunked-array asset.
const zarrMediaType = "application/vnd.zarr"

// ErrCollectionNotFound carries the available ids so a caller can correct
// the request without another round trip.
type ErrCollectionNotFound struct {
	ID        string
	Available []string
}

func (e *ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection %q not found; available: %s", e.ID, strings.Join(e.Available, ", "))
}

// ErrNoZarrAsset indicates an item without an openable zarr asset.
type ErrNoZarrAsset struct {
	Collection string
	Item       string
}

func (e *ErrNoZarrAsset) Error() string {
	return fmt.Sprintf("item %q of collection %q has no zarr asset", e.Item, e.Collection)
}

// ErrVersionNotFound carries the available versions of a collection.
type ErrVersionNotFound struct {
	Collection string
	Version    string
	Available  []string
}

func (e *ErrVersionNotFound) Error() string {
	return fmt.Sprintf("collection %q has no version %q; available: %s",
		e.Collection, e.Version, strings.Join(e.Available, ", "))
}

// Reader walks catalog documents on an object store. It holds no mutable
// state; callers layer caching on top of the Store if they need it.
type Reader struct {
	store   storage.Store
	rootKey string
}

// NewReader builds a reader rooted at the given catalog document key.
func NewReader(store storage.Store, rootKey string) *Reader {
	return &Reader{store: store, rootKey: rootKey}
}

// Root fetches the root catalog document.
func (r *Reader) Root(ctx context.Context) (*Catalog, error) {
	var cat Catalog
	if err := r.fetch(ctx, r.rootKey, &cat); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Collections lists every collection in the catalog, descending through
// theme sub-catalogs. Results are sorted by id.
func (r *Reader) Collections(ctx context.Context) ([]*Collection, error) {
	root, err := r.Root(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Collection
	if err := r.walk(ctx, root, r.rootKey, &out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Reader) walk(ctx context.Context, cat *Catalog, key string, out *[]*Collection) error {
	for _, l := range cat.Links {
		if l.Rel != "child" {
			continue
		}
		childKey := resolveHref(key, l.Href)

		// A child is either a collection or a theme catalog; the type field
		// decides.
		var probe struct {
			Type string `json:"type"`
		}
		body, err := r.store.Get(ctx, childKey)
		if err != nil {
			return fmt.Errorf("catalog child %q: %w", childKey, err)
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			return fmt.Errorf("catalog child %q: %w", childKey, err)
		}

		switch probe.Type {
		case "Collection":
			var col Collection
			if err := json.Unmarshal(body, &col); err != nil {
				return fmt.Errorf("collection %q: %w", childKey, err)
			}
			col.Links = rebase(col.Links, childKey)
			*out = append(*out, &col)
		case "Catalog":
			var sub Catalog
			if err := json.Unmarshal(body, &sub); err != nil {
				return fmt.Errorf("catalog %q: %w", childKey, err)
			}
			if err := r.walk(ctx, &sub, childKey, out); err != nil {
				return err
			}
		default:
			return fmt.Errorf("catalog child %q: unknown type %q", childKey, probe.Type)
		}
	}
	return nil
}

// Collection finds one collection by id.
func (r *Reader) Collection(ctx context.Context, id string) (*Collection, error) {
	cols, err := r.Collections(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if c.ID == id {
			return c, nil
		}
	}
	available := make([]string, len(cols))
	for i, c := range cols {
		available[i] = c.ID
	}
	return nil, &ErrCollectionNotFound{ID: id, Available: available}
}

// Items lists a collection's items sorted by id.
func (r *Reader) Items(ctx context.Context, collectionID string) ([]*Item, error) {
	col, err := r.Collection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	var out []*Item
	for _, l := range col.Links {
		if l.Rel != "item" {
			continue
		}
		var it Item
		if err := r.fetch(ctx, l.Href, &it); err != nil {
			return nil, fmt.Errorf("item %q: %w", l.Href, err)
		}
		out = append(out, &it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Versions lists a collection's dataset versions sorted.
func (r *Reader) Versions(ctx context.Context, collectionID string) ([]string, error) {
	items, err := r.Items(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(items))
	for _, it := range items {
		if it.Properties.Version != "" {
			versions = append(versions, it.Properties.Version)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// OpenDataset opens the zarr asset of one collection version as a lazy
// dataset handle.
func (r *Reader) OpenDataset(ctx context.Context, collectionID, version string) (*dataset.Dataset, error) {
	items, err := r.Items(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	var match *Item
	available := make([]string, 0, len(items))
	for _, it := range items {
		available = append(available, it.Properties.Version)
		if it.Properties.Version == version {
			match = it
		}
	}
	if match == nil {
		return nil, &ErrVersionNotFound{Collection: collectionID, Version: version, Available: available}
	}

	asset, ok := zarrAsset(match)
	if !ok {
		return nil, &ErrNoZarrAsset{Collection: collectionID, Item: match.ID}
	}
	return zarr.Open(ctx, r.store, hrefToKey(asset.Href), collectionID, version)
}

func zarrAsset(it *Item) (Asset, bool) {
	if a, ok := it.Assets["zarr"]; ok {
		return a, true
	}
	for _, a := range it.Assets {
		if a.Type == zarrMediaType {
			return a, true
		}
	}
	return Asset{}, false
}

func (r *Reader) fetch(ctx context.Context, key string, v any) error {
	body, err := r.store.Get(ctx, hrefToKey(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("document %q: %w", key, err)
	}
	return nil
}

// resolveHref resolves an href against the document that carries it. URL
// hrefs become bucket-relative keys; anything else is treated as relative to
// the document's directory.
func resolveHref(docKey, href string) string {
	if hasScheme(href) {
		return hrefToKey(href)
	}
	return path.Join(path.Dir(docKey), href)
}

func hasScheme(href string) bool {
	return strings.HasPrefix(href, "s3://") ||
		strings.HasPrefix(href, "https://") ||
		strings.HasPrefix(href, "http://")
}

// rebase makes a document's relative links absolute store keys.
func rebase(links []Link, docKey string) []Link {
	out := make([]Link, len(links))
	for i, l := range links {
		l.Href = resolveHref(docKey, l.Href)
		out[i] = l
	}
	return out
}

// hrefToKey strips s3 URL prefixes down to a bucket-relative object key.
func hrefToKey(href string) string {
	for _, scheme := range []string{"s3://", "https://", "http://"} {
		if rest, ok := strings.CutPrefix(href, scheme); ok {
			// Drop the bucket/host component.
			if _, key, found := strings.Cut(rest, "/"); found {
				return key
			}
			return rest
		}
	}
	return href
}
