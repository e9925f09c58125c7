package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/atlaseo/eogrid/internal/catalog"
	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/grid"
)

const (
	defaultTTL           = 5 * time.Minute
	defaultDescriptorCap = 128
)

// Catalog serves catalog listings through the shared cache tier and keeps
// resolved grid descriptors in an in-process LRU. Cache failures degrade to
// reading through; they never fail a request.
type Catalog struct {
	reader *catalog.Reader
	store  Interface

	ttl          time.Duration
	ttlOverrides map[string]time.Duration
	descriptors  *lru.Cache[string, grid.Descriptor]
	log          zerolog.Logger
}

type CatalogOption func(*Catalog)

func WithTTL(d time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttl = d }
}

// WithTTLOverrides sets per-collection TTLs for listing entries.
func WithTTLOverrides(m map[string]time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttlOverrides = m }
}

func WithDescriptorCapacity(n int) CatalogOption {
	return func(c *Catalog) {
		if n > 0 {
			if replacement, err := lru.New[string, grid.Descriptor](n); err == nil {
				c.descriptors = replacement
			}
		}
	}
}

func WithLogger(log zerolog.Logger) CatalogOption {
	return func(c *Catalog) { c.log = log }
}

func NewCatalog(reader *catalog.Reader, store Interface, opts ...CatalogOption) *Catalog {
	descriptors, _ := lru.New[string, grid.Descriptor](defaultDescriptorCap)
	c := &Catalog{
		reader:      reader,
		store:       store,
		ttl:         defaultTTL,
		descriptors: descriptors,
		log:         zerolog.Nop(),
	}
	for _, f := range opts {
		f(c)
	}
	return c
}

func (c *Catalog) ttlFor(collection string) time.Duration {
	if d, ok := c.ttlOverrides[collection]; ok {
		return d
	}
	return c.ttl
}

// Collections lists every collection, served from cache when present.
func (c *Catalog) Collections(ctx context.Context) ([]*catalog.Collection, error) {
	key := CollectionsKey()
	var cached []*catalog.Collection
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}
	cols, err := c.reader.Collections(ctx)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, cols, c.ttl)
	return cols, nil
}

// Collection finds one collection by id through the cached listing.
func (c *Catalog) Collection(ctx context.Context, id string) (*catalog.Collection, error) {
	cols, err := c.Collections(ctx)
	if err != nil {
		return nil, err
	}
	for _, col := range cols {
		if col.ID == id {
			return col, nil
		}
	}
	available := make([]string, len(cols))
	for i, col := range cols {
		available[i] = col.ID
	}
	return nil, &catalog.ErrCollectionNotFound{ID: id, Available: available}
}

// Items lists a collection's items, served from cache when present.
func (c *Catalog) Items(ctx context.Context, collectionID string) ([]*catalog.Item, error) {
	key := ItemsKey(collectionID)
	var cached []*catalog.Item
	if c.lookup(ctx, key, &cached) {
		return cached, nil
	}
	items, err := c.reader.Items(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	c.put(ctx, key, items, c.ttlFor(collectionID))
	return items, nil
}

// Versions lists a collection's dataset versions from the cached item list.
func (c *Catalog) Versions(ctx context.Context, collectionID string) ([]string, error) {
	items, err := c.Items(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(items))
	for _, it := range items {
		if it.Properties.Version != "" {
			versions = append(versions, it.Properties.Version)
		}
	}
	return versions, nil
}

// OpenDataset opens a lazy dataset handle. Handles hold live chunk readers,
// so they read through; only their grid descriptors are cached.
func (c *Catalog) OpenDataset(ctx context.Context, collectionID, version string) (*dataset.Dataset, error) {
	return c.reader.OpenDataset(ctx, collectionID, version)
}

// Descriptor resolves one dataset version's native grid, memoized in the
// LRU so repeated discovery and alignment planning skip the metadata read.
func (c *Catalog) Descriptor(ctx context.Context, collectionID, version string) (grid.Descriptor, error) {
	key := DescriptorKey(collectionID, version)
	if d, ok := c.descriptors.Get(key); ok {
		return d, nil
	}
	ds, err := c.OpenDataset(ctx, collectionID, version)
	if err != nil {
		return grid.Descriptor{}, err
	}
	d, err := grid.FromDataset(ds)
	if err != nil {
		return grid.Descriptor{}, err
	}
	c.descriptors.Add(key, d)
	return d, nil
}

// Invalidate drops every cache entry a catalog change to one collection can
// dirty. An empty version drops all of the collection's descriptors.
func (c *Catalog) Invalidate(ctx context.Context, collectionID, version string) error {
	if version == "" {
		prefix := sanitizeID(collectionID) + "@"
		for _, k := range c.descriptors.Keys() {
			if strings.HasPrefix(k, prefix) {
				c.descriptors.Remove(k)
			}
		}
	} else {
		c.descriptors.Remove(DescriptorKey(collectionID, version))
	}
	return c.store.Del(ctx, CollectionsKey(), ItemsKey(collectionID))
}

func (c *Catalog) lookup(ctx context.Context, key string, v any) bool {
	got, err := c.store.MGet(ctx, []string{key})
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed; reading through")
		return false
	}
	body, ok := got[key]
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry corrupt; reading through")
		return false
	}
	return true
}

func (c *Catalog) put(ctx context.Context, key string, v any, ttl time.Duration) {
	body, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := c.store.Set(ctx, key, body, ttl); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
