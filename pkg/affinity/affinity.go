// Package affinity is the public API for the warp-affinity analysis.
//
// This package is intended for programmatic use by a vectorization
// pass. For CLI usage, see cmd/affinedump.
package affinity

import (
	"io"
	"log/slog"

	"github.com/stjordanis/gpuocelot/internal/affine"
	"github.com/stjordanis/gpuocelot/internal/arch"
	"github.com/stjordanis/gpuocelot/internal/ir"
	"github.com/stjordanis/gpuocelot/internal/kernel"
)

// Category is the effective classification of a value.
type Category uint8

const (
	// Unclassified means the value has not been queried yet.
	Unclassified Category = iota
	// Invariant values are identical across all threads of the warp.
	Invariant
	// Affine values are an invariant base plus thread index times a
	// compile-time-constant stride.
	Affine
	// Variant values could not be proven invariant or affine and must
	// stay scalar per lane.
	Variant
	// ThreadIndex is the sole referenced thread-index component.
	ThreadIndex
)

func (c Category) String() string {
	switch c {
	case Unclassified:
		return "unclassified"
	case Invariant:
		return "invariant"
	case Affine:
		return "affine"
	case Variant:
		return "variant"
	case ThreadIndex:
		return "thread-index"
	default:
		return "category?"
	}
}

// Options configures an Analysis.
type Options struct {
	// Profile is the architecture variance table. The zero value means
	// arch.Default().
	Profile *arch.Profile

	// Logger receives the classification decision trace at debug level.
	// Nil discards it.
	Logger *slog.Logger
}

// Analysis classifies the values of one kernel function.
type Analysis struct {
	snapshot *kernel.Snapshot
	set      *affine.InstructionSet
}

// New seeds an analysis for a kernel snapshot.
func New(snap *kernel.Snapshot, opts Options) *Analysis {
	profile := arch.Default()
	if opts.Profile != nil {
		profile = *opts.Profile
	}
	var setOpts []affine.Option
	if opts.Logger != nil {
		setOpts = append(setOpts, affine.WithLogger(opts.Logger))
	}
	return &Analysis{
		snapshot: snap,
		set:      affine.New(snap, profile, setOpts...),
	}
}

// IsThreadInvariant reports whether a value is identical across every
// thread of the warp.
func (a *Analysis) IsThreadInvariant(v ir.Handle) bool {
	return a.set.IsThreadInvariant(v)
}

// IsAffine reports whether a value is an invariant base plus the thread
// index times a constant stride. Invariant values qualify with stride
// zero.
func (a *Analysis) IsAffine(v ir.Handle) bool {
	return a.set.IsAffine(v)
}

// MarkVariant pins a value as thread-variant.
func (a *Analysis) MarkVariant(v ir.Handle) {
	a.set.MarkVariant(v)
}

// CategoryOf queries both predicates and returns the effective
// classification of a value.
func (a *Analysis) CategoryOf(v ir.Handle) Category {
	if tid, ok := a.set.ThreadIndex(); ok && tid == v {
		return ThreadIndex
	}
	if a.set.IsThreadInvariant(v) {
		return Invariant
	}
	if a.set.IsAffine(v) {
		return Affine
	}
	return Variant
}

// Report classifies every value in the kernel graph, indexed by handle.
func (a *Analysis) Report() []Category {
	categories := make([]Category, a.snapshot.Graph.Len())
	for h := ir.Handle(0); int(h) < a.snapshot.Graph.Len(); h++ {
		categories[h] = a.CategoryOf(h)
	}
	return categories
}

// WriteSets writes the invariant and affine set listing to w.
func (a *Analysis) WriteSets(w io.Writer) error {
	_, err := a.set.WriteTo(w)
	return err
}
