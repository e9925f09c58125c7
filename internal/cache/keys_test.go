package cache

import (
	"strings"
	"testing"
)

func TestItemsKey_SanitizesID(t *testing.T) {
	got := ItemsKey("CCI BIOMASS/v4 ")
	if strings.ContainsAny(got, " /") {
		t.Fatalf("key not sanitized: %q", got)
	}
	if !strings.HasPrefix(got, "eogrid:catalog:") || !strings.HasSuffix(got, ":items") {
		t.Fatalf("key = %q", got)
	}
}

func TestDiscoveryKey_StableAndBounded(t *testing.T) {
	cells := []string{"871f24ac9ffffff", "871f24aclffffff", "871f24ad3ffffff"}
	a := DiscoveryKey(cells)
	b := DiscoveryKey(cells)
	if a != b {
		t.Fatalf("%q != %q", a, b)
	}
	if DiscoveryKey(cells[:2]) == a {
		t.Fatal("different covers must hash differently")
	}
	if len(a) > 64 {
		t.Fatalf("key too long: %q", a)
	}
}

func TestDescriptorKey(t *testing.T) {
	if got := DescriptorKey("GAMI", "1.0"); got != "GAMI@1.0" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeID_CollapsesRuns(t *testing.T) {
	if got := sanitizeID("a  b//c"); got != "a_b-c" {
		t.Fatalf("got %q", got)
	}
}
