package cache

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Key builders. Every shared-tier key starts with the collection scope so
// invalidation can name exactly the keys a catalog change dirties.

const keyPrefix = "eogrid"

func CollectionsKey() string {
	return keyPrefix + ":catalog:collections"
}

func ItemsKey(collection string) string {
	return fmt.Sprintf("%s:catalog:%s:items", keyPrefix, sanitizeID(collection))
}

// DiscoveryKey identifies a footprint query by its H3 cover. Cells must
// already be sorted; the raw join is hashed so the key length stays bounded
// at any resolution.
func DiscoveryKey(cells []string) string {
	sum := xxhash.Sum64String(strings.Join(cells, ","))
	return fmt.Sprintf("%s:discovery:%016x", keyPrefix, sum)
}

// DescriptorKey identifies one dataset version's resolved grid in the
// in-process LRU.
func DescriptorKey(collection, version string) string {
	return sanitizeID(collection) + "@" + sanitizeID(version)
}

// sanitizeID makes a catalog identifier safe for use inside a colon-delimited
// key: whitespace collapses to '_', anything outside [A-Za-z0-9_.-] to '-',
// and runs of replacements collapse.
func sanitizeID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
