// Package ir defines the value graph for a single GPU kernel function.
//
// The graph is an append-only arena of nodes referenced by Handle, an
// index into the arena. Operands always refer to previously appended
// handles, so the graph is acyclic by construction. Once built it is
// read-only; analyses key their results by Handle.
package ir

import (
	"fmt"
	"strings"
)

// ----------------------------------------------------------------------------
// Handles
// ----------------------------------------------------------------------------

// Handle identifies a value in the graph arena.
type Handle int32

// Nil is the invalid handle.
const Nil Handle = -1

// IsValid reports whether the handle refers to a node.
func (h Handle) IsValid() bool {
	return h >= 0
}

// ----------------------------------------------------------------------------
// Node kinds
// ----------------------------------------------------------------------------

// NodeKind is the sum type over all defining operations.
// Analyses dispatch on it with an exhaustive type switch; kinds they do
// not recognize must be treated conservatively.
type NodeKind interface {
	isNodeKind()
}

// ConstInt is an integer literal constant.
type ConstInt struct {
	Value int64
}

// CastExpr is a representation conversion of a single operand.
type CastExpr struct {
	Op  CastOp
	Src Handle
}

// LoadExpr reads memory through an address operand.
type LoadExpr struct {
	Addr Handle
}

// UnaryExpr is a non-cast, non-load single-operand operation.
type UnaryExpr struct {
	Op  UnaryOp
	Src Handle
}

// BinExpr is a two-operand arithmetic or bitwise operation.
type BinExpr struct {
	Op  BinOp
	LHS Handle
	RHS Handle
}

// ArgRef is a formal argument of the kernel function.
type ArgRef struct {
	Index int
}

// GlobalRef is the address of a module-level global variable.
type GlobalRef struct{}

// PhiExpr is a control-flow join with one incoming value per predecessor.
type PhiExpr struct {
	Incoming []Handle
}

// CallExpr is a call to another function.
type CallExpr struct {
	Callee string
	Args   []Handle
}

func (ConstInt) isNodeKind()  {}
func (CastExpr) isNodeKind()  {}
func (LoadExpr) isNodeKind()  {}
func (UnaryExpr) isNodeKind() {}
func (BinExpr) isNodeKind()   {}
func (ArgRef) isNodeKind()    {}
func (GlobalRef) isNodeKind() {}
func (PhiExpr) isNodeKind()   {}
func (CallExpr) isNodeKind()  {}

// ----------------------------------------------------------------------------
// Operators
// ----------------------------------------------------------------------------

// BinOp is a binary operator.
type BinOp uint8

const (
	Add BinOp = iota
	Sub
	Mul
	UDiv
	SDiv
	URem
	SRem
	Shl
	LShr
	AShr
	And
	Or
	Xor
)

func (op BinOp) String() string {
	switch op {
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case UDiv:
		return "udiv"
	case SDiv:
		return "sdiv"
	case URem:
		return "urem"
	case SRem:
		return "srem"
	case Shl:
		return "shl"
	case LShr:
		return "lshr"
	case AShr:
		return "ashr"
	case And:
		return "and"
	case Or:
		return "or"
	case Xor:
		return "xor"
	default:
		return "binop?"
	}
}

// CastOp is a conversion operator.
type CastOp uint8

const (
	Trunc CastOp = iota
	ZExt
	SExt
	PtrToInt
	IntToPtr
	Bitcast
)

func (op CastOp) String() string {
	switch op {
	case Trunc:
		return "trunc"
	case ZExt:
		return "zext"
	case SExt:
		return "sext"
	case PtrToInt:
		return "ptrtoint"
	case IntToPtr:
		return "inttoptr"
	case Bitcast:
		return "bitcast"
	default:
		return "cast?"
	}
}

// IntegerOrPointer reports whether the cast is a width or
// pointer/integer representation conversion. These casts never change
// how a value varies across threads, so canonicalization strips them.
func (op CastOp) IntegerOrPointer() bool {
	switch op {
	case Trunc, ZExt, SExt, PtrToInt, IntToPtr:
		return true
	default:
		return false
	}
}

// UnaryOp is a non-cast unary operator.
type UnaryOp uint8

const (
	Neg UnaryOp = iota
	Not
)

func (op UnaryOp) String() string {
	switch op {
	case Neg:
		return "neg"
	case Not:
		return "not"
	default:
		return "unop?"
	}
}

// ----------------------------------------------------------------------------
// Graph
// ----------------------------------------------------------------------------

// Node is one value in the arena.
type Node struct {
	Kind NodeKind
	Name string // optional source-level name, used for rendering
}

// Graph is the arena of values for one kernel function.
type Graph struct {
	nodes []Node
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// Len returns the number of values in the arena.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node for a handle. An invalid or out-of-range handle
// returns a zero Node (nil Kind), which analyses treat as unrecognized.
func (g *Graph) Node(h Handle) Node {
	if h < 0 || int(h) >= len(g.nodes) {
		return Node{}
	}
	return g.nodes[h]
}

// SetName attaches a source-level name to a value.
func (g *Graph) SetName(h Handle, name string) {
	if h >= 0 && int(h) < len(g.nodes) {
		g.nodes[h].Name = name
	}
}

func (g *Graph) append(name string, kind NodeKind) Handle {
	g.nodes = append(g.nodes, Node{Kind: kind, Name: name})
	return Handle(len(g.nodes) - 1)
}

// Const appends an integer literal.
func (g *Graph) Const(v int64) Handle {
	return g.append("", ConstInt{Value: v})
}

// Cast appends a conversion of src.
func (g *Graph) Cast(op CastOp, src Handle) Handle {
	return g.append("", CastExpr{Op: op, Src: src})
}

// Load appends a memory load through addr.
func (g *Graph) Load(addr Handle) Handle {
	return g.append("", LoadExpr{Addr: addr})
}

// Unary appends a non-cast unary operation.
func (g *Graph) Unary(op UnaryOp, src Handle) Handle {
	return g.append("", UnaryExpr{Op: op, Src: src})
}

// Bin appends a binary operation.
func (g *Graph) Bin(op BinOp, lhs, rhs Handle) Handle {
	return g.append("", BinExpr{Op: op, LHS: lhs, RHS: rhs})
}

// Arg appends a formal argument.
func (g *Graph) Arg(index int, name string) Handle {
	return g.append(name, ArgRef{Index: index})
}

// Global appends the address of a module-level global.
func (g *Graph) Global(name string) Handle {
	return g.append(name, GlobalRef{})
}

// Phi appends a control-flow join value.
func (g *Graph) Phi(incoming ...Handle) Handle {
	return g.append("", PhiExpr{Incoming: incoming})
}

// Call appends a call result value.
func (g *Graph) Call(callee string, args ...Handle) Handle {
	return g.append("", CallExpr{Callee: callee, Args: args})
}

// Operands returns the operand handles of a value.
func (g *Graph) Operands(h Handle) []Handle {
	switch k := g.Node(h).Kind.(type) {
	case CastExpr:
		return []Handle{k.Src}
	case LoadExpr:
		return []Handle{k.Addr}
	case UnaryExpr:
		return []Handle{k.Src}
	case BinExpr:
		return []Handle{k.LHS, k.RHS}
	case PhiExpr:
		return k.Incoming
	case CallExpr:
		return k.Args
	default:
		return nil
	}
}

// ----------------------------------------------------------------------------
// Rendering
// ----------------------------------------------------------------------------

// Ref returns the short reference form of a value: its name if it has
// one, otherwise %N.
func (g *Graph) Ref(h Handle) string {
	if !h.IsValid() || int(h) >= len(g.nodes) {
		return "%?"
	}
	if name := g.nodes[h].Name; name != "" {
		return "%" + name
	}
	return fmt.Sprintf("%%%d", h)
}

// Describe returns a one-line rendering of a value and its defining
// operation, e.g. "%3 = add %tid, %1".
func (g *Graph) Describe(h Handle) string {
	node := g.Node(h)
	ref := g.Ref(h)
	switch k := node.Kind.(type) {
	case ConstInt:
		return fmt.Sprintf("%s = const %d", ref, k.Value)
	case CastExpr:
		return fmt.Sprintf("%s = %s %s", ref, k.Op, g.Ref(k.Src))
	case LoadExpr:
		return fmt.Sprintf("%s = load %s", ref, g.Ref(k.Addr))
	case UnaryExpr:
		return fmt.Sprintf("%s = %s %s", ref, k.Op, g.Ref(k.Src))
	case BinExpr:
		return fmt.Sprintf("%s = %s %s, %s", ref, k.Op, g.Ref(k.LHS), g.Ref(k.RHS))
	case ArgRef:
		return fmt.Sprintf("%s = arg %d", ref, k.Index)
	case GlobalRef:
		return fmt.Sprintf("%s = global", ref)
	case PhiExpr:
		return fmt.Sprintf("%s = phi %s", ref, g.refList(k.Incoming))
	case CallExpr:
		return fmt.Sprintf("%s = call %s(%s)", ref, k.Callee, g.refList(k.Args))
	default:
		return ref + " = ?"
	}
}

func (g *Graph) refList(hs []Handle) string {
	refs := make([]string, len(hs))
	for i, h := range hs {
		refs[i] = g.Ref(h)
	}
	return strings.Join(refs, ", ")
}
