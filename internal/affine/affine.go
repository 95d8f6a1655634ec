// Package affine classifies every value of a GPU kernel function by
// how it varies across the threads of a warp.
//
// A value is thread-invariant when it is provably identical for every
// thread, affine when it is an invariant base plus the thread index
// times a compile-time constant stride, and thread-variant otherwise.
// The downstream vectorizer broadcasts invariant values, turns affine
// values into base+stride vector addresses, and keeps everything else
// scalar per lane.
//
// Classification is conservative: any value shape the rules do not
// recognize is reported non-invariant and non-affine. Wrong answers in
// that direction only cost optimization opportunities.
package affine

import (
	"io"
	"log/slog"

	"github.com/stjordanis/gpuocelot/internal/arch"
	"github.com/stjordanis/gpuocelot/internal/ir"
	"github.com/stjordanis/gpuocelot/internal/kernel"
)

// InstructionSet holds the classification results for one kernel
// function. The four sets are pairwise disjoint and only ever grow;
// they double as the memo cache for the recursive predicates.
//
// An InstructionSet is owned by a single vectorization pass invocation
// and is not safe for concurrent use.
type InstructionSet struct {
	graph *ir.Graph

	invariant map[ir.Handle]struct{}
	affine    map[ir.Handle]struct{}
	variant   map[ir.Handle]struct{}

	// threadIDs holds the sole referenced thread-index component, or is
	// empty when zero or several components are in use.
	threadIDs map[ir.Handle]struct{}

	log *slog.Logger
}

// Option configures an InstructionSet.
type Option func(*InstructionSet)

// WithLogger routes the classification decision trace to l.
// By default the trace is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *InstructionSet) {
		s.log = l
	}
}

// New seeds an InstructionSet for a kernel snapshot:
//
//   - special arguments the profile tags as warp-uniform are invariant;
//   - when the body references exactly one thread-index component, that
//     component becomes the thread index the affine matcher recognizes;
//   - every module-level global is invariant, since a global's address
//     is the same for every thread (its contents are not modeled).
//
// When several thread-index components are in use, no thread index is
// recorded and affine recognition is effectively disabled. The analysis
// does not attempt a multi-dimensional affine model.
func New(snap *kernel.Snapshot, profile arch.Profile, opts ...Option) *InstructionSet {
	s := &InstructionSet{
		graph:     snap.Graph,
		invariant: make(map[ir.Handle]struct{}),
		affine:    make(map[ir.Handle]struct{}),
		variant:   make(map[ir.Handle]struct{}),
		threadIDs: make(map[ir.Handle]struct{}),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for kind, h := range snap.Specials {
		if !profile.Varies(kind) {
			s.setInvariant(h)
		}
	}

	if len(snap.ThreadIDRefs) == 1 {
		tid := snap.ThreadIDRefs[0]
		s.log.Debug("single thread-index component in use", "value", s.graph.Ref(tid))
		s.threadIDs[tid] = struct{}{}
	} else if len(snap.ThreadIDRefs) > 1 {
		s.log.Debug("multiple thread-index components in use, affine matching disabled",
			"count", len(snap.ThreadIDRefs))
	}

	for h := ir.Handle(0); int(h) < s.graph.Len(); h++ {
		if _, ok := s.graph.Node(h).Kind.(ir.GlobalRef); ok {
			s.setInvariant(h)
		}
	}

	return s
}

// ThreadIndex returns the recorded thread-index component, if any.
func (s *InstructionSet) ThreadIndex() (ir.Handle, bool) {
	for h := range s.threadIDs {
		return h, true
	}
	return ir.Nil, false
}

// MarkVariant pins a value as thread-variant so later queries answer
// from the memo. Values already classified are left untouched; the
// sets stay disjoint. Intended for the consuming vectorizer to record
// values it has decided must stay scalar.
func (s *InstructionSet) MarkVariant(v ir.Handle) {
	v = s.canonicalize(v)
	if s.classified(v) {
		return
	}
	s.setVariant(v)
}

func (s *InstructionSet) classified(v ir.Handle) bool {
	if _, ok := s.invariant[v]; ok {
		return true
	}
	if _, ok := s.affine[v]; ok {
		return true
	}
	if _, ok := s.variant[v]; ok {
		return true
	}
	_, ok := s.threadIDs[v]
	return ok
}

func (s *InstructionSet) setInvariant(v ir.Handle) bool {
	s.log.Debug("marking invariant", "value", s.graph.Describe(v))
	s.invariant[v] = struct{}{}
	return true
}

func (s *InstructionSet) setAffine(v ir.Handle) bool {
	s.log.Debug("marking affine", "value", s.graph.Describe(v))
	s.affine[v] = struct{}{}
	return true
}

func (s *InstructionSet) setVariant(v ir.Handle) bool {
	s.log.Debug("marking variant", "value", s.graph.Describe(v))
	s.variant[v] = struct{}{}
	return false
}

// canonicalize strips a chain of integer-width and pointer/integer
// conversion casts so pattern matching sees the defining operation.
// Each step moves strictly toward the leaves of the DAG, so this
// terminates on any graph.
func (s *InstructionSet) canonicalize(v ir.Handle) ir.Handle {
	for {
		cast, ok := s.graph.Node(v).Kind.(ir.CastExpr)
		if !ok || !cast.Op.IntegerOrPointer() {
			return v
		}
		v = cast.Src
	}
}

// IsThreadInvariant reports whether a value is provably identical
// across every thread of the warp. Results are memoized in the
// classification sets; negative answers are not cached and may be
// re-derived by later queries.
func (s *InstructionSet) IsThreadInvariant(v ir.Handle) bool {
	v = s.canonicalize(v)
	s.log.Debug("isThreadInvariant", "value", s.graph.Ref(v))

	if _, ok := s.invariant[v]; ok {
		return true
	}
	if _, ok := s.affine[v]; ok {
		return false
	}
	if _, ok := s.variant[v]; ok {
		return false
	}
	if _, ok := s.threadIDs[v]; ok {
		return false
	}

	switch k := s.graph.Node(v).Kind.(type) {
	case ir.ConstInt:
		return s.setInvariant(v)

	case ir.CastExpr:
		// only non-strippable casts reach here; invariance passes through
		if s.IsThreadInvariant(k.Src) {
			return s.setInvariant(v)
		}
		return false

	case ir.LoadExpr:
		// every thread loading a provably-identical address observes the
		// same value; no aliasing model beyond that
		if s.IsThreadInvariant(k.Addr) {
			return s.setInvariant(v)
		}

	case ir.BinExpr:
		lhsInvariant := s.IsThreadInvariant(k.LHS)
		rhsInvariant := s.IsThreadInvariant(k.RHS)
		if lhsInvariant && rhsInvariant {
			// the operands are cached, the binary node itself is not
			s.setInvariant(k.LHS)
			return s.setInvariant(k.RHS)
		}
		return false
	}

	// phi, call and other unrecognized kinds: no recursion, so loops in
	// the control flow can never recurse the analysis
	return false
}

// IsAffine reports whether a value is expressible as an invariant base
// plus the thread index times a compile-time-constant stride. Invariant
// values are the stride-zero degenerate case and always qualify.
func (s *InstructionSet) IsAffine(v ir.Handle) bool {
	v = s.canonicalize(v)
	s.log.Debug("isAffine", "value", s.graph.Ref(v))

	if _, ok := s.invariant[v]; ok {
		return true
	}
	if _, ok := s.affine[v]; ok {
		return true
	}
	if _, ok := s.variant[v]; ok {
		return false
	}

	if bin, ok := s.graph.Node(v).Kind.(ir.BinExpr); ok {
		return s.isBinaryOperatorAffine(v, bin)
	}
	return false
}

// isBinaryOperatorAffine recognizes two shapes:
//
//	tid << 2, tid * 4       index scaled for 4-byte element addressing
//	affine + invariant      uniform offset added to a linear value
//
// The scaling constants are deliberately narrow; no general constant
// folding is attempted.
func (s *InstructionSet) isBinaryOperatorAffine(v ir.Handle, bin ir.BinExpr) bool {
	coefficient := ir.Nil
	coefficientIndex := -1
	if _, ok := s.threadIDs[s.canonicalize(bin.LHS)]; ok {
		coefficient, coefficientIndex = bin.RHS, 1
	} else if _, ok := s.threadIDs[s.canonicalize(bin.RHS)]; ok {
		coefficient, coefficientIndex = bin.LHS, 0
	}
	if coefficientIndex >= 0 {
		if c, ok := s.graph.Node(coefficient).Kind.(ir.ConstInt); ok {
			if bin.Op == ir.Shl && c.Value == 2 && coefficientIndex == 1 {
				return s.setAffine(v)
			}
			if bin.Op == ir.Mul && c.Value == 4 {
				return s.setAffine(v)
			}
		}
	}

	if bin.Op == ir.Add {
		if s.IsAffine(bin.LHS) && s.IsThreadInvariant(bin.RHS) {
			return s.setAffine(v)
		}
		if s.IsAffine(bin.RHS) && s.IsThreadInvariant(bin.LHS) {
			return s.setAffine(v)
		}
	}

	return false
}
