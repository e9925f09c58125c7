// Package resample defines the closed set of resampling methods the aligner
// accepts and resolves per-dataset, per-variable resampling policy.
package resample

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atlaseo/eogrid/internal/dataset"
)

// Method is a resampling kernel identifier. The set is closed: policy tokens
// are validated at resolution time and an unknown method is an error, never
// a silent pass-through.
type Method int

const (
	// Nearest is the engine-wide default: safe for both continuous and
	// categorical data, never introducing out-of-range interpolated values.
	Nearest Method = iota
	Bilinear
	Average
	Mode
	Min
	Max
	Sum
)

var methodNames = map[Method]string{
	Nearest:  "nearest",
	Bilinear: "bilinear",
	Average:  "average",
	Mode:     "mode",
	Min:      "min",
	Max:      "max",
	Sum:      "sum",
}

var methodTokens = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Interpolating reports whether the method can produce values absent from
// the input (fractional class values on categorical data).
func (m Method) Interpolating() bool {
	return m == Bilinear || m == Average || m == Sum
}

// ParseMethod validates a method token.
func ParseMethod(s string) (Method, error) {
	m, ok := methodTokens[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, &ErrPolicy{Reason: fmt.Sprintf("unknown resampling method %q (valid: %s)", s, validTokens())}
	}
	return m, nil
}

func validTokens() string {
	return "nearest, bilinear, average, mode, min, max, sum"
}

// DatasetPolicy configures resampling for one dataset: explicit per-variable
// methods plus a default for unlisted variables.
type DatasetPolicy struct {
	Methods map[string]string `json:"methods,omitempty"`
	Default string            `json:"default,omitempty"`
}

// Policy maps dataset identifiers to their resampling configuration.
type Policy map[string]DatasetPolicy

// Resolver resolves methods with a deterministic fallback chain: explicit
// per-variable entry, then the dataset default, then the global default.
type Resolver struct {
	policy    Policy
	global    Method
	hasGlobal bool
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithoutGlobalDefault removes the engine-wide nearest fallback. Resolution
// then fails for any variable not covered by the policy.
func WithoutGlobalDefault() ResolverOption {
	return func(r *Resolver) { r.hasGlobal = false }
}

// WithGlobalDefault overrides the engine-wide fallback method.
func WithGlobalDefault(m Method) ResolverOption {
	return func(r *Resolver) {
		r.global = m
		r.hasGlobal = true
	}
}

// NewResolver builds a resolver over a policy. The zero policy is valid:
// every variable then resolves to the global default.
func NewResolver(p Policy, opts ...ResolverOption) *Resolver {
	r := &Resolver{policy: p, global: Nearest, hasGlobal: true}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the method for every given variable of a dataset. Every
// variable resolves to exactly one method or the whole call fails; there is
// no silent skip.
func (r *Resolver) Resolve(datasetID string, vars []*dataset.Variable) (map[string]Method, error) {
	dp, hasDP := r.policy[datasetID]
	out := make(map[string]Method, len(vars))

	for _, v := range vars {
		var (
			token string
			found bool
		)
		if hasDP {
			if tk, ok := dp.Methods[v.Name]; ok {
				token, found = tk, true
			} else if dp.Default != "" {
				token, found = dp.Default, true
			}
		}

		var m Method
		if found {
			var err error
			m, err = ParseMethod(token)
			if err != nil {
				// Keep the parse error's reason so the caller sees the
				// accepted tokens.
				reason := err.Error()
				var pe *ErrPolicy
				if errors.As(err, &pe) {
					reason = pe.Reason
				}
				return nil, &ErrPolicy{Dataset: datasetID, Variable: v.Name, Reason: reason}
			}
		} else if r.hasGlobal {
			m = r.global
		} else {
			return nil, &ErrPolicy{Dataset: datasetID, Variable: v.Name, Reason: "no policy entry, dataset default, or global default"}
		}

		if v.Categorical && m.Interpolating() {
			return nil, &ErrIncompatible{Dataset: datasetID, Variable: v.Name, Method: m}
		}
		out[v.Name] = m
	}
	return out, nil
}

// ErrPolicy indicates a policy that fails to resolve a method, or an
// unknown method token.
type ErrPolicy struct {
	Dataset  string
	Variable string
	Reason   string
}

func (e *ErrPolicy) Error() string {
	switch {
	case e.Dataset == "" && e.Variable == "":
		return fmt.Sprintf("resampling policy: %s", e.Reason)
	case e.Variable == "":
		return fmt.Sprintf("resampling policy for dataset %q: %s", e.Dataset, e.Reason)
	}
	return fmt.Sprintf("resampling policy for dataset %q variable %q: %s", e.Dataset, e.Variable, e.Reason)
}

// ErrIncompatible indicates an averaging-class method requested for a
// categorical variable, which would produce meaningless fractional classes.
type ErrIncompatible struct {
	Dataset  string
	Variable string
	Method   Method
}

func (e *ErrIncompatible) Error() string {
	return fmt.Sprintf("method %q is incompatible with categorical variable %q of dataset %q",
		e.Method, e.Variable, e.Dataset)
}
