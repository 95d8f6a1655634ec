package affine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stjordanis/gpuocelot/internal/arch"
	"github.com/stjordanis/gpuocelot/internal/ir"
	"github.com/stjordanis/gpuocelot/internal/kernel"
)

// newSnapshot wires a graph into a snapshot without going through the
// kernel file loader. tids is the externally-supplied usage analysis
// result: the thread-index components the body references.
func newSnapshot(g *ir.Graph, specials map[arch.ArgKind]ir.Handle, tids ...ir.Handle) *kernel.Snapshot {
	return &kernel.Snapshot{
		Name:         "test",
		Graph:        g,
		Specials:     specials,
		ThreadIDRefs: tids,
	}
}

// singleIndexKernel returns a graph seeded with one referenced
// thread-index component and a uniform parameter-memory base pointer.
func singleIndexKernel() (*ir.Graph, *kernel.Snapshot, ir.Handle, ir.Handle) {
	g := ir.NewGraph()
	tid := g.Arg(0, "tid")
	paramMem := g.Arg(1, "paramMem")
	specials := map[arch.ArgKind]ir.Handle{
		arch.ThreadIDX:   tid,
		arch.ParamMemPtr: paramMem,
	}
	return g, newSnapshot(g, specials, tid), tid, paramMem
}

// ----------------------------------------------------------------------------
// Seeding
// ----------------------------------------------------------------------------

func TestSeeding_UniformSpecialsInvariant(t *testing.T) {
	g := ir.NewGraph()
	tid := g.Arg(0, "tid")
	ntid := g.Arg(1, "ntid")
	ctaid := g.Arg(2, "ctaid")
	localMem := g.Arg(3, "localMem")
	specials := map[arch.ArgKind]ir.Handle{
		arch.ThreadIDX:   tid,
		arch.BlockDimX:   ntid,
		arch.BlockIDX:    ctaid,
		arch.LocalMemPtr: localMem,
	}

	s := New(newSnapshot(g, specials, tid), arch.Default())

	assert.False(t, s.IsThreadInvariant(tid), "thread index must not be invariant")
	assert.True(t, s.IsThreadInvariant(ntid), "block dim is warp-uniform")
	assert.True(t, s.IsThreadInvariant(ctaid), "block index is warp-uniform")
	assert.False(t, s.IsThreadInvariant(localMem), "local memory base is per-thread")
}

func TestSeeding_GlobalsInvariant(t *testing.T) {
	g := ir.NewGraph()
	table := g.Global("table")
	scale := g.Global("scale")

	s := New(newSnapshot(g, nil), arch.Default())

	assert.True(t, s.IsThreadInvariant(table))
	assert.True(t, s.IsThreadInvariant(scale))
}

func TestSeeding_SingleThreadIndexRecorded(t *testing.T) {
	_, snap, tid, _ := singleIndexKernel()
	s := New(snap, arch.Default())

	got, ok := s.ThreadIndex()
	require.True(t, ok)
	assert.Equal(t, tid, got)
}

func TestSeeding_MultiComponentDisablesThreadIndex(t *testing.T) {
	g := ir.NewGraph()
	tidX := g.Arg(0, "tid.x")
	tidY := g.Arg(1, "tid.y")
	specials := map[arch.ArgKind]ir.Handle{
		arch.ThreadIDX: tidX,
		arch.ThreadIDY: tidY,
	}
	scaled := g.Bin(ir.Shl, tidX, g.Const(2))

	s := New(newSnapshot(g, specials, tidX, tidY), arch.Default())

	_, ok := s.ThreadIndex()
	assert.False(t, ok, "no thread index with two components in use")
	assert.Empty(t, s.threadIDMembers())
	assert.False(t, s.IsAffine(scaled), "index scaling must not match without a recorded thread index")
}

// ----------------------------------------------------------------------------
// IsThreadInvariant
// ----------------------------------------------------------------------------

func TestInvariant_Constants(t *testing.T) {
	g := ir.NewGraph()
	c := g.Const(42)

	s := New(newSnapshot(g, nil), arch.Default())

	assert.True(t, s.IsThreadInvariant(c))
}

func TestInvariant_CastTransparency(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	widenedConst := g.Cast(ir.ZExt, g.Cast(ir.Trunc, g.Const(7)))
	widenedTid := g.Cast(ir.SExt, tid)
	intPtr := g.Cast(ir.PtrToInt, paramMem)

	s := New(snap, arch.Default())

	assert.True(t, s.IsThreadInvariant(widenedConst), "cast chain over a constant")
	assert.False(t, s.IsThreadInvariant(widenedTid), "cast does not launder the thread index")
	assert.Equal(t, s.IsThreadInvariant(paramMem), s.IsThreadInvariant(intPtr))
}

func TestInvariant_BitcastOfInvariant(t *testing.T) {
	// bitcast is not stripped by canonicalization but passes invariance
	// through its operand
	g, snap, _, paramMem := singleIndexKernel()
	cast := g.Cast(ir.Bitcast, paramMem)

	s := New(snap, arch.Default())

	assert.True(t, s.IsThreadInvariant(cast))
	_, cached := s.invariantMembers()[cast]
	assert.True(t, cached, "positive bitcast result is cached")
}

func TestInvariant_LoadFromInvariantAddress(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	base := g.Load(paramMem)
	perLane := g.Load(tid)

	s := New(snap, arch.Default())

	assert.True(t, s.IsThreadInvariant(base), "load from a warp-uniform address")
	assert.False(t, s.IsThreadInvariant(perLane), "load through the thread index stays variant")
}

func TestInvariant_BinaryOperandsCachedNodeNot(t *testing.T) {
	g, snap, _, paramMem := singleIndexKernel()
	c := g.Const(16)
	sum := g.Bin(ir.Add, paramMem, c)

	s := New(snap, arch.Default())

	require.True(t, s.IsThreadInvariant(sum))

	_, lhsCached := s.invariantMembers()[paramMem]
	_, rhsCached := s.invariantMembers()[c]
	_, sumCached := s.invariantMembers()[sum]
	assert.True(t, lhsCached)
	assert.True(t, rhsCached)
	assert.False(t, sumCached, "the binary node itself is recomputed on the next query")

	// recomputation still gives the same answer
	assert.True(t, s.IsThreadInvariant(sum))
}

func TestInvariant_PhiAndCallConservative(t *testing.T) {
	g, snap, _, paramMem := singleIndexKernel()
	c := g.Const(1)
	join := g.Phi(c, paramMem)
	call := g.Call("helper", c)

	s := New(snap, arch.Default())

	assert.False(t, s.IsThreadInvariant(join), "loop-carried values are not analyzed")
	assert.False(t, s.IsThreadInvariant(call))
	assert.False(t, s.IsAffine(join))
}

// ----------------------------------------------------------------------------
// IsAffine
// ----------------------------------------------------------------------------

func TestAffine_IndexScalingIdiom(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *ir.Graph, tid ir.Handle) ir.Handle
		want  bool
	}{
		{"shl tid by 2", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Shl, tid, g.Const(2))
		}, true},
		{"shl tid by 3", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Shl, tid, g.Const(3))
		}, false},
		{"shl 2 by tid", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Shl, g.Const(2), tid)
		}, false},
		{"mul tid by 4", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Mul, tid, g.Const(4))
		}, true},
		{"mul 4 by tid", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Mul, g.Const(4), tid)
		}, true},
		{"mul tid by 8", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Mul, tid, g.Const(8))
		}, false},
		{"mul tid by tid", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Mul, tid, tid)
		}, false},
		{"shl widened tid by 2", func(g *ir.Graph, tid ir.Handle) ir.Handle {
			return g.Bin(ir.Shl, g.Cast(ir.SExt, tid), g.Const(2))
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, snap, tid, _ := singleIndexKernel()
			v := tt.build(g, tid)
			s := New(snap, arch.Default())
			assert.Equal(t, tt.want, s.IsAffine(v))
		})
	}
}

func TestAffine_AdditiveComposition(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	scaled := g.Bin(ir.Shl, tid, g.Const(2))
	base := g.Load(paramMem)
	sumAI := g.Bin(ir.Add, scaled, base)
	sumIA := g.Bin(ir.Add, base, scaled)
	subAI := g.Bin(ir.Sub, scaled, base)

	s := New(snap, arch.Default())

	assert.True(t, s.IsAffine(sumAI), "affine + invariant")
	assert.True(t, s.IsAffine(sumIA), "invariant + affine")
	assert.False(t, s.IsAffine(subAI), "only addition composes")
}

func TestAffine_AffinePlusAffineRejected(t *testing.T) {
	g, snap, tid, _ := singleIndexKernel()
	a := g.Bin(ir.Shl, tid, g.Const(2))
	b := g.Bin(ir.Mul, tid, g.Const(4))
	sum := g.Bin(ir.Add, a, b)

	s := New(snap, arch.Default())

	require.True(t, s.IsAffine(a))
	require.True(t, s.IsAffine(b))
	assert.False(t, s.IsAffine(sum), "stride would change, not recognized")
}

func TestAffine_InvariantImpliesAffine(t *testing.T) {
	g, snap, _, paramMem := singleIndexKernel()
	c := g.Const(5)
	base := g.Load(paramMem)

	s := New(snap, arch.Default())

	require.True(t, s.IsThreadInvariant(c))
	require.True(t, s.IsThreadInvariant(base))
	assert.True(t, s.IsAffine(c))
	assert.True(t, s.IsAffine(base))
}

func TestAffine_ThreadIndexItselfNotAffine(t *testing.T) {
	_, snap, tid, _ := singleIndexKernel()
	s := New(snap, arch.Default())

	assert.False(t, s.IsThreadInvariant(tid))
	assert.False(t, s.IsAffine(tid))
}

// ----------------------------------------------------------------------------
// Store properties
// ----------------------------------------------------------------------------

func TestStore_Idempotence(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	scaled := g.Bin(ir.Shl, tid, g.Const(2))
	base := g.Load(paramMem)
	addr := g.Bin(ir.Add, base, scaled)

	s := New(snap, arch.Default())

	first := s.IsAffine(addr)
	invariantCount := len(s.invariantMembers())
	affineCount := len(s.affineMembers())

	assert.Equal(t, first, s.IsAffine(addr))
	assert.Equal(t, invariantCount, len(s.invariantMembers()), "repeat query adds nothing")
	assert.Equal(t, affineCount, len(s.affineMembers()))
}

func TestStore_Disjointness(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	scaled := g.Bin(ir.Shl, tid, g.Const(2))
	base := g.Load(paramMem)
	addr := g.Bin(ir.Add, base, scaled)
	join := g.Phi(addr, scaled)

	s := New(snap, arch.Default())
	s.IsAffine(addr)
	s.IsThreadInvariant(addr)
	s.IsAffine(join)
	s.MarkVariant(join)

	sets := []map[ir.Handle]struct{}{
		s.invariantMembers(), s.affineMembers(), s.variantMembers(), s.threadIDMembers(),
	}
	for i, a := range sets {
		for j, b := range sets {
			if i == j {
				continue
			}
			for h := range a {
				_, shared := b[h]
				assert.False(t, shared, "handle %d in sets %d and %d", h, i, j)
			}
		}
	}
}

func TestMarkVariant(t *testing.T) {
	g, snap, _, paramMem := singleIndexKernel()
	join := g.Phi(paramMem)
	base := g.Load(paramMem)

	s := New(snap, arch.Default())
	s.MarkVariant(join)

	assert.False(t, s.IsThreadInvariant(join))
	assert.False(t, s.IsAffine(join))

	// pinning an already-classified value is a no-op
	require.True(t, s.IsThreadInvariant(base))
	s.MarkVariant(base)
	assert.True(t, s.IsThreadInvariant(base), "classification never moves between sets")
}

// ----------------------------------------------------------------------------
// End to end
// ----------------------------------------------------------------------------

func TestAddressComputationScenario(t *testing.T) {
	// addr = base + (tid << 2), base loaded from parameter memory
	g, snap, tid, paramMem := singleIndexKernel()
	base := g.Load(paramMem)
	scaled := g.Bin(ir.Shl, tid, g.Const(2))
	addr := g.Bin(ir.Add, base, scaled)

	s := New(snap, arch.Default())

	assert.False(t, s.IsThreadInvariant(tid))
	assert.True(t, s.IsAffine(scaled))
	assert.True(t, s.IsAffine(addr))
	assert.False(t, s.IsThreadInvariant(addr))
}

func TestWriteTo(t *testing.T) {
	g, snap, tid, paramMem := singleIndexKernel()
	g.Global("table")
	base := g.Load(paramMem)
	g.SetName(base, "base")
	scaled := g.Bin(ir.Shl, tid, g.Const(2))
	g.SetName(scaled, "scaled")

	s := New(snap, arch.Default())
	s.IsThreadInvariant(base)
	s.IsAffine(scaled)

	var buf strings.Builder
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	out := buf.String()
	assert.Contains(t, out, "Thread-Invariant values:")
	assert.Contains(t, out, "%table = global")
	assert.Contains(t, out, "%base = load %paramMem")
	assert.Contains(t, out, "Affine values:")
	assert.Contains(t, out, "%scaled = shl %tid,")
	assert.NotContains(t, out, "%tid = arg", "the thread index is in neither dumped set")
}
