// Package kernel holds the construction-time input for the affinity
// analysis: the value graph of one kernel function, the graph handles
// of the target's special per-thread arguments, and which thread-index
// components the kernel body actually references.
//
// The usage information is an input, not something the analysis
// computes; CountThreadIDRefs is a convenience for loaders that only
// have the graph.
package kernel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stjordanis/gpuocelot/internal/arch"
	"github.com/stjordanis/gpuocelot/internal/ir"
)

// Snapshot is everything the analysis needs about one kernel function.
type Snapshot struct {
	Name     string
	Graph    *ir.Graph
	Specials map[arch.ArgKind]ir.Handle

	// ThreadIDRefs lists the distinct thread-index components the
	// kernel body references, in graph order.
	ThreadIDRefs []ir.Handle
}

// CountThreadIDRefs scans the operand edges of a graph and returns the
// distinct thread-index special arguments that are used by some value.
// A thread-index argument that exists but is never an operand does not
// count as referenced.
func CountThreadIDRefs(g *ir.Graph, specials map[arch.ArgKind]ir.Handle) []ir.Handle {
	threadIDs := make(map[ir.Handle]bool)
	for kind, h := range specials {
		if kind.IsThreadID() {
			threadIDs[h] = true
		}
	}

	seen := make(map[ir.Handle]bool)
	var refs []ir.Handle
	for h := ir.Handle(0); int(h) < g.Len(); h++ {
		for _, op := range g.Operands(h) {
			if threadIDs[op] && !seen[op] {
				seen[op] = true
				refs = append(refs, op)
			}
		}
	}
	return refs
}

// ----------------------------------------------------------------------------
// Kernel description files
// ----------------------------------------------------------------------------

// valueSpec is one value in a kernel description file. Kind selects
// which of the remaining fields apply.
type valueSpec struct {
	Name     string   `yaml:"name,omitempty"`
	Kind     string   `yaml:"kind"`
	Arg      string   `yaml:"arg,omitempty"`    // kind special: arch argument name
	Index    int      `yaml:"index,omitempty"`  // kind arg: argument position
	Value    int64    `yaml:"value,omitempty"`  // kind const
	Op       string   `yaml:"op,omitempty"`     // kind bin, cast, unary
	Callee   string   `yaml:"callee,omitempty"` // kind call
	Operands []string `yaml:"operands,omitempty"`
}

type kernelFile struct {
	Name   string      `yaml:"name"`
	Values []valueSpec `yaml:"values"`
}

// Parse decodes a kernel description into a Snapshot. Values must be
// listed in dependency order; operands refer to earlier values by name.
func Parse(data []byte) (*Snapshot, error) {
	var f kernelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing kernel description: %w", err)
	}

	snap := &Snapshot{
		Name:     f.Name,
		Graph:    ir.NewGraph(),
		Specials: make(map[arch.ArgKind]ir.Handle),
	}
	byName := make(map[string]ir.Handle)
	nextArg := 0

	resolve := func(spec valueSpec, want int) ([]ir.Handle, error) {
		if want >= 0 && len(spec.Operands) != want {
			return nil, fmt.Errorf("value %q: %s takes %d operand(s), got %d",
				spec.Name, spec.Kind, want, len(spec.Operands))
		}
		ops := make([]ir.Handle, len(spec.Operands))
		for i, name := range spec.Operands {
			h, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("value %q: operand %q is not defined yet", spec.Name, name)
			}
			ops[i] = h
		}
		return ops, nil
	}

	for _, spec := range f.Values {
		var h ir.Handle
		switch spec.Kind {
		case "special":
			kind, err := arch.ParseArgKind(spec.Arg)
			if err != nil {
				return nil, fmt.Errorf("value %q: %w", spec.Name, err)
			}
			if _, dup := snap.Specials[kind]; dup {
				return nil, fmt.Errorf("value %q: special argument %s defined twice", spec.Name, kind)
			}
			name := spec.Name
			if name == "" {
				name = kind.String()
			}
			h = snap.Graph.Arg(nextArg, name)
			nextArg++
			snap.Specials[kind] = h

		case "arg":
			h = snap.Graph.Arg(spec.Index, spec.Name)
			nextArg++

		case "const":
			h = snap.Graph.Const(spec.Value)

		case "global":
			h = snap.Graph.Global(spec.Name)

		case "cast":
			op, ok := castOps[spec.Op]
			if !ok {
				return nil, fmt.Errorf("value %q: unknown cast op %q", spec.Name, spec.Op)
			}
			ops, err := resolve(spec, 1)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Cast(op, ops[0])

		case "load":
			ops, err := resolve(spec, 1)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Load(ops[0])

		case "unary":
			op, ok := unaryOps[spec.Op]
			if !ok {
				return nil, fmt.Errorf("value %q: unknown unary op %q", spec.Name, spec.Op)
			}
			ops, err := resolve(spec, 1)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Unary(op, ops[0])

		case "bin":
			op, ok := binOps[spec.Op]
			if !ok {
				return nil, fmt.Errorf("value %q: unknown binary op %q", spec.Name, spec.Op)
			}
			ops, err := resolve(spec, 2)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Bin(op, ops[0], ops[1])

		case "phi":
			ops, err := resolve(spec, -1)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Phi(ops...)

		case "call":
			ops, err := resolve(spec, -1)
			if err != nil {
				return nil, err
			}
			h = snap.Graph.Call(spec.Callee, ops...)

		default:
			return nil, fmt.Errorf("value %q: unknown kind %q", spec.Name, spec.Kind)
		}

		if spec.Name != "" {
			if _, dup := byName[spec.Name]; dup {
				return nil, fmt.Errorf("value %q defined twice", spec.Name)
			}
			byName[spec.Name] = h
			snap.Graph.SetName(h, spec.Name)
		}
	}

	snap.ThreadIDRefs = CountThreadIDRefs(snap.Graph, snap.Specials)
	return snap, nil
}

// Load reads a kernel description file from disk.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

var binOps = map[string]ir.BinOp{
	"add": ir.Add, "sub": ir.Sub, "mul": ir.Mul,
	"udiv": ir.UDiv, "sdiv": ir.SDiv, "urem": ir.URem, "srem": ir.SRem,
	"shl": ir.Shl, "lshr": ir.LShr, "ashr": ir.AShr,
	"and": ir.And, "or": ir.Or, "xor": ir.Xor,
}

var castOps = map[string]ir.CastOp{
	"trunc": ir.Trunc, "zext": ir.ZExt, "sext": ir.SExt,
	"ptrtoint": ir.PtrToInt, "inttoptr": ir.IntToPtr, "bitcast": ir.Bitcast,
}

var unaryOps = map[string]ir.UnaryOp{
	"neg": ir.Neg, "not": ir.Not,
}
