// Package align conforms multiple gridded datasets to one reference grid and
// merges them into a single multi-variable dataset. Reprojection is lazy:
// Align builds transformation graphs and reads no data; per-dataset graphs
// are built concurrently since they share no state until the merge.
package align

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlaseo/eogrid/internal/dataset"
	"github.com/atlaseo/eogrid/internal/grid"
	"github.com/atlaseo/eogrid/internal/resample"
)

// phase tracks progress of one alignment run. Any failure moves the run to
// phaseFailed and aborts the whole operation; there is no partial output.
type phase int

const (
	phaseUninitialized phase = iota
	phaseGridResolved
	phaseReprojected
	phaseMerged
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseUninitialized:
		return "UNINITIALIZED"
	case phaseGridResolved:
		return "GRID_RESOLVED"
	case phaseReprojected:
		return "PER_DATASET_REPROJECTED"
	case phaseMerged:
		return "MERGED"
	case phaseFailed:
		return "FAILED"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Target selects the reference grid: either one of the named input datasets
// or an explicit descriptor used as-is.
type Target struct {
	name string
	desc *grid.Descriptor
}

// ToDataset makes the named input's grid the reference.
func ToDataset(name string) Target { return Target{name: name} }

// ToGrid uses an explicit descriptor as the reference.
func ToGrid(d grid.Descriptor) Target { return Target{desc: &d} }

// ErrVariableNameConflict indicates two inputs contributing the same variable
// name. Silent overwrite is prohibited; callers resolve conflicts with
// WithRename.
type ErrVariableNameConflict struct {
	Variable string
	First    string
	Second   string
}

func (e *ErrVariableNameConflict) Error() string {
	return fmt.Sprintf("variable %q contributed by both %q and %q; supply a rename rule to merge them",
		e.Variable, e.First, e.Second)
}

// Error wraps any alignment failure with the phase the run had reached.
// Alignment is all-or-nothing: the first failure in any phase aborts the
// whole run.
type Error struct {
	Phase string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("alignment failed in phase %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrUnknownTarget indicates a target name absent from the input mapping.
type ErrUnknownTarget struct {
	Name   string
	Inputs []string
}

func (e *ErrUnknownTarget) Error() string {
	return fmt.Sprintf("target %q is not among the inputs %v", e.Name, e.Inputs)
}

// DefaultWorkers bounds concurrent per-dataset graph construction.
const DefaultWorkers = 4

// RenameFunc maps (input name, variable name) to the merged variable name.
type RenameFunc func(input, variable string) string

// Aligner is a reusable, concurrency-safe alignment engine. Configuration is
// fixed at construction; each Align call is an independent run.
type Aligner struct {
	workers      int
	rename       RenameFunc
	coarsenAt    float64
	resolverOpts []resample.ResolverOption
}

// Option configures an Aligner.
type Option func(*Aligner)

// WithWorkers bounds the per-dataset worker pool.
func WithWorkers(n int) Option {
	return func(a *Aligner) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithRename resolves variable name conflicts by renaming every contributed
// variable. Collisions after renaming still fail.
func WithRename(f RenameFunc) Option {
	return func(a *Aligner) { a.rename = f }
}

// WithCoarsenThreshold enables two-stage resampling for footprint methods
// when the source resolution is at least the given factor finer than the
// target. Opt-in: block aggregation of uneven edge blocks makes the result
// equivalent in expectation, not bit-identical, to direct resampling.
func WithCoarsenThreshold(factor float64) Option {
	return func(a *Aligner) { a.coarsenAt = factor }
}

// WithResolverOptions forwards options to the policy resolver, e.g.
// resample.WithoutGlobalDefault.
func WithResolverOptions(opts ...resample.ResolverOption) Option {
	return func(a *Aligner) { a.resolverOpts = append(a.resolverOpts, opts...) }
}

// New builds an Aligner.
func New(opts ...Option) *Aligner {
	a := &Aligner{workers: DefaultWorkers}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Result is the merge output: one dataset whose variables all share the
// reference grid, with per-variable provenance.
type Result struct {
	Dataset *dataset.Dataset
	Grid    grid.Descriptor
}

// contribution is the reprojected output of one input dataset.
type contribution struct {
	name  string
	vars  []*dataset.Variable
	times []time.Time
}

// Align conforms every input onto the reference grid and merges the results.
// The resampling policy is keyed by input name. Input order has no effect on
// the output: inputs are processed and merged in sorted name order.
func (a *Aligner) Align(ctx context.Context, inputs map[string]*dataset.Dataset, target Target, policy resample.Policy) (*Result, error) {
	run := phaseUninitialized
	fail := func(err error) (*Result, error) {
		reached := run
		run = phaseFailed
		return nil, &Error{Phase: reached.String(), Err: err}
	}

	if len(inputs) == 0 {
		return fail(fmt.Errorf("no input datasets"))
	}
	names := make([]string, 0, len(inputs))
	for n := range inputs {
		names = append(names, n)
	}
	sort.Strings(names)

	// Every input must expose a CRS before any work starts; alignment with
	// an unknown frame never proceeds with an assumed default.
	for _, n := range names {
		if _, err := inputs[n].CRSRef(); err != nil {
			return fail(err)
		}
	}

	ref, err := a.resolveGrid(inputs, target, names)
	if err != nil {
		return fail(err)
	}
	run = phaseGridResolved

	resolver := resample.NewResolver(policy, a.resolverOpts...)
	contribs, err := a.reprojectAll(ctx, inputs, names, ref, resolver)
	if err != nil {
		return fail(err)
	}
	run = phaseReprojected

	out, err := a.merge(contribs, ref)
	if err != nil {
		return fail(err)
	}
	run = phaseMerged

	return &Result{Dataset: out, Grid: ref}, nil
}

func (a *Aligner) resolveGrid(inputs map[string]*dataset.Dataset, target Target, names []string) (grid.Descriptor, error) {
	if target.desc != nil {
		return *target.desc, nil
	}
	ds, ok := inputs[target.name]
	if !ok {
		return grid.Descriptor{}, &ErrUnknownTarget{Name: target.name, Inputs: names}
	}
	return grid.FromDataset(ds)
}

// reprojectAll builds the per-dataset reprojection graphs with a bounded
// worker pool. Workers write disjoint slots; the first error cancels the
// rest.
func (a *Aligner) reprojectAll(ctx context.Context, inputs map[string]*dataset.Dataset, names []string, ref grid.Descriptor, resolver *resample.Resolver) ([]*contribution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]*contribution, len(names))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		errOnce.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		errOnce.Unlock()
	}

	workers := min(a.workers, len(names))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				c, err := a.reprojectOne(names[i], inputs[names[i]], ref, resolver)
				if err != nil {
					setErr(err)
					return
				}
				out[i] = c
			}
		}()
	}

feed:
	for i := range names {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// reprojectOne conforms one input dataset to the reference grid. A dataset
// already on the reference grid passes through with its data untouched.
func (a *Aligner) reprojectOne(name string, ds *dataset.Dataset, ref grid.Descriptor, resolver *resample.Resolver) (*contribution, error) {
	desc, err := grid.FromDataset(ds)
	if err != nil {
		return nil, err
	}
	methods, err := resolver.Resolve(name, sortedVars(ds))
	if err != nil {
		return nil, err
	}

	passthrough := desc.Equal(ref)
	c := &contribution{name: name}
	if ds.HasTime() {
		c.times = ds.Times
	}

	for _, vn := range ds.VarNames() {
		v := ds.Vars[vn]
		nv := &dataset.Variable{
			Name:        v.Name,
			DType:       v.DType,
			FillValue:   v.FillValue,
			Categorical: v.Categorical,
			Source:      &dataset.Provenance{Dataset: name, Version: ds.Version},
		}

		switch {
		case !spatial(v, desc):
			// Scalar or time-only variables carry through unchanged.
			nv.Dims = v.Dims
			nv.Data = v.Data
		case passthrough:
			nv.Dims = renameAxes(v.Dims, desc, ref)
			nv.Data = v.Data
		default:
			warped, err := warpVariable(v, desc, ref, srcAxes{x: desc.XDim, y: desc.YDim}, methods[vn], a.coarsenAt)
			if err != nil {
				return nil, fmt.Errorf("input %q variable %q: %w", name, vn, err)
			}
			nv.Dims = renameAxes(v.Dims, desc, ref)
			nv.Data = warped
		}
		c.vars = append(c.vars, nv)
	}
	return c, nil
}

func spatial(v *dataset.Variable, d grid.Descriptor) bool {
	n := len(v.Dims)
	return n >= 2 && v.Dims[n-2] == d.YDim && v.Dims[n-1] == d.XDim
}

// renameAxes rewrites a variable's horizontal dimension names to the
// reference grid's convention.
func renameAxes(dims []string, src, ref grid.Descriptor) []string {
	out := make([]string, len(dims))
	for i, d := range dims {
		switch d {
		case src.XDim:
			out[i] = ref.XDim
		case src.YDim:
			out[i] = ref.YDim
		default:
			out[i] = d
		}
	}
	return out
}

// merge combines all contributions into one dataset. Every variable shares
// the single pair of coordinate arrays derived from the reference grid, so
// post-merge coordinates are identical by construction, not by comparison.
func (a *Aligner) merge(contribs []*contribution, ref grid.Descriptor) (*dataset.Dataset, error) {
	out := &dataset.Dataset{
		ID:   "aligned",
		CRS:  ref.CRS.String(),
		XDim: ref.XDim,
		YDim: ref.YDim,
		Coords: map[string][]float64{
			ref.XDim: ref.XCoords(),
			ref.YDim: ref.YCoords(),
		},
		Vars: make(map[string]*dataset.Variable),
	}
	owner := make(map[string]string)

	for _, c := range contribs {
		if len(c.times) > 0 {
			if out.Times == nil {
				out.TimeDim = timeDim(c.vars)
				out.Times = c.times
			} else if !sameInstants(out.Times, c.times) {
				return nil, fmt.Errorf("input %q has a time axis incompatible with the merge; align time axes before merging", c.name)
			}
		}
		for _, v := range c.vars {
			name := v.Name
			if a.rename != nil {
				name = a.rename(c.name, v.Name)
			}
			if prev, taken := owner[name]; taken {
				return nil, &ErrVariableNameConflict{Variable: name, First: prev, Second: c.name}
			}
			owner[name] = c.name

			nv := *v
			nv.Name = name
			out.Vars[name] = &nv
		}
	}
	return out, nil
}

func timeDim(vars []*dataset.Variable) string {
	for _, v := range vars {
		if len(v.Dims) >= 3 {
			return v.Dims[len(v.Dims)-3]
		}
	}
	return "time"
}

func sameInstants(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func sortedVars(ds *dataset.Dataset) []*dataset.Variable {
	names := ds.VarNames()
	out := make([]*dataset.Variable, len(names))
	for i, n := range names {
		out[i] = ds.Vars[n]
	}
	return out
}
