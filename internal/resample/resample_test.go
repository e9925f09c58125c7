package resample

import (
	"errors"
	"strings"
	"testing"

	"github.com/atlaseo/eogrid/internal/dataset"
)

func vars(names ...string) []*dataset.Variable {
	out := make([]*dataset.Variable, len(names))
	for i, n := range names {
		out[i] = &dataset.Variable{Name: n}
	}
	return out
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" Average ")
	if err != nil {
		t.Fatalf("ParseMethod: %v", err)
	}
	if m != Average {
		t.Fatalf("m = %v", m)
	}
	_, err = ParseMethod("cubic_spline")
	var pe *ErrPolicy
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrPolicy", err)
	}
}

func TestResolve_FallbackChain(t *testing.T) {
	p := Policy{
		"CCI_BIOMASS": {
			Methods: map[string]string{"agb": "average"},
			Default: "bilinear",
		},
	}
	r := NewResolver(p)

	got, err := r.Resolve("CCI_BIOMASS", vars("agb", "agb_sd"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["agb"] != Average {
		t.Fatalf("agb = %v, want explicit average", got["agb"])
	}
	if got["agb_sd"] != Bilinear {
		t.Fatalf("agb_sd = %v, want dataset default bilinear", got["agb_sd"])
	}

	// Dataset absent from the policy falls through to the global default.
	got, err = r.Resolve("RADD_EUROPE", vars("alert"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["alert"] != Nearest {
		t.Fatalf("alert = %v, want global nearest", got["alert"])
	}
}

func TestResolve_NoGlobalDefaultFails(t *testing.T) {
	r := NewResolver(Policy{}, WithoutGlobalDefault())
	_, err := r.Resolve("GAMI", vars("height"))
	var pe *ErrPolicy
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrPolicy", err)
	}
	if pe.Dataset != "GAMI" || pe.Variable != "height" {
		t.Fatalf("error context = %+v", pe)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	r := NewResolver(Policy{"A": {Default: "lanczos"}})
	_, err := r.Resolve("A", vars("v"))
	var pe *ErrPolicy
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ErrPolicy", err)
	}
	if pe.Dataset != "A" || pe.Variable != "v" {
		t.Fatalf("error context = %+v", pe)
	}
	// The message names the rejected token and the accepted ones.
	if !strings.Contains(pe.Reason, `"lanczos"`) || !strings.Contains(pe.Reason, "nearest") {
		t.Fatalf("reason = %q, want token and valid method list", pe.Reason)
	}
}

func TestResolve_CategoricalRejectsInterpolating(t *testing.T) {
	v := &dataset.Variable{Name: "landcover", Categorical: true}
	r := NewResolver(Policy{"LC": {Methods: map[string]string{"landcover": "average"}}})
	_, err := r.Resolve("LC", []*dataset.Variable{v})
	var inc *ErrIncompatible
	if !errors.As(err, &inc) {
		t.Fatalf("err = %v, want *ErrIncompatible", err)
	}

	// Mode is fine for categorical data.
	r = NewResolver(Policy{"LC": {Methods: map[string]string{"landcover": "mode"}}})
	got, err := r.Resolve("LC", []*dataset.Variable{v})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["landcover"] != Mode {
		t.Fatalf("landcover = %v", got["landcover"])
	}

	// The global nearest default is categorical-safe too.
	r = NewResolver(nil)
	if _, err := r.Resolve("LC", []*dataset.Variable{v}); err != nil {
		t.Fatalf("Resolve with default: %v", err)
	}
}

func TestWithGlobalDefault(t *testing.T) {
	r := NewResolver(nil, WithGlobalDefault(Average))
	got, err := r.Resolve("D", vars("v"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got["v"] != Average {
		t.Fatalf("v = %v", got["v"])
	}
}
