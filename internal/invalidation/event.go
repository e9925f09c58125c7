// Package invalidation defines the catalog-change events that drive cache
// eviction. Producers publish one event per catalog mutation; consumers drop
// the cache entries the change dirties.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event describes one catalog mutation. An empty ItemVersion means the whole
// collection changed (new item added, collection metadata edited).
type Event struct {
	Version     int       `json:"version"`
	Op          string    `json:"op"`
	Collection  string    `json:"collection"`
	ItemVersion string    `json:"item_version,omitempty"`
	TS          time.Time `json:"ts"`
	Source      string    `json:"source,omitempty"`
}

const (
	OpPublish = "publish"
	OpRetract = "retract"
)

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpPublish, OpRetract:
	default:
		return fmt.Errorf("op must be publish|retract")
	}
	if strings.TrimSpace(e.Collection) == "" {
		return fmt.Errorf("collection is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Op == OpRetract && strings.TrimSpace(e.ItemVersion) == "" {
		return fmt.Errorf("retract requires item_version")
	}
	return nil
}
