package asm

import (
	"fmt"
)

//
// ExprOp
//

// An ExprOp identifies an algebraic combinator operation applied to one
// or two sub-expressions.
type ExprOp byte

const (
	// binary operations
	OpAdd ExprOp = iota
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr

	// unary operations
	OpNeg

	// leaf "operations" (never produced by Combine)
	opLit
	opOpaque
	opLabel
)

func (op ExprOp) isBinary() bool {
	return op < OpNeg
}

func (op ExprOp) isLeaf() bool {
	return op >= opLit
}

func (op ExprOp) symbol() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub, OpNeg:
		return "-"
	case OpAnd:
		return "&"
	case OpOr:
		return "|"
	case OpXor:
		return "^"
	case OpShl:
		return "<<"
	case OpShr:
		return ">>"
	default:
		return "?"
	}
}

func (op ExprOp) apply(a, b int64) int64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	case OpXor:
		return a ^ b
	case OpShl:
		return a << uint64(b)
	case OpShr:
		return a >> uint64(b)
	case OpNeg:
		return -a
	default:
		panic("invalid expression operator")
	}
}

//
// Opaque
//

// An Opaque is a host-owned value the assembler may combine
// algebraically but is never permitted to evaluate. The assembler uses
// only the value's identity token and bit width; its concrete bits
// remain the host's business. Opaque handles survive assembly unchanged
// inside the expression payload of an external relocation.
type Opaque interface {
	// Token returns the host's identity token for the value. The
	// assembler passes it through without inspecting it.
	Token() any

	// Width returns the width of the value in bits.
	Width() uint
}

//
// Expr
//

// An Expr is one node in an immutable expression tree. A node is a
// literal integer, an opaque host handle, a reference to an assembly
// label, or a combinator over sub-expressions. Combinators build new
// trees; existing nodes are never mutated.
type Expr struct {
	op     ExprOp
	value  int64   // literal value when op == opLit
	width  uint    // width in bits, fixed at construction
	opaque Opaque  // host handle when op == opOpaque
	label  string  // scoped label name when op == opLabel
	child0 *Expr
	child1 *Expr
	line   fstring // source position when parsed from text
}

// Lit returns a literal integer expression of the given bit width.
// Width must be 8, 16, 32 or 64.
func Lit(v int64, width uint) *Expr {
	return &Expr{op: opLit, value: v, width: width}
}

// Wrap returns a leaf expression holding an opaque host value.
func Wrap(o Opaque) *Expr {
	return &Expr{op: opOpaque, opaque: o, width: o.Width()}
}

// labelRef returns a leaf expression referencing an assembly label by
// its scoped name. The node evaluates once the resolver has assigned
// the label an offset.
func labelRef(name string, width uint, line fstring) *Expr {
	return &Expr{op: opLabel, label: name, width: width, line: line}
}

// NewLabelExpr returns a leaf expression referencing a label by name.
// Architecture back ends use it to defer a branch target that is not
// yet assigned an offset.
func NewLabelExpr(name string, width uint) *Expr {
	return labelRef(name, width, fstring{})
}

// Combine builds a new expression applying op to the given operands.
// It validates arity and computes the result width but never inspects
// the value of any opaque sub-expression. When every operand is a
// literal, the result is folded into a new literal node.
func Combine(op ExprOp, operands ...*Expr) (*Expr, error) {
	switch {
	case op == OpNeg:
		if len(operands) != 1 {
			return nil, fmt.Errorf("operator %s takes 1 operand, got %d", op.symbol(), len(operands))
		}
	case op.isBinary():
		if len(operands) != 2 {
			return nil, fmt.Errorf("operator %s takes 2 operands, got %d", op.symbol(), len(operands))
		}
	default:
		return nil, fmt.Errorf("invalid expression operator %d", op)
	}
	for _, o := range operands {
		if o == nil {
			return nil, fmt.Errorf("nil operand for operator %s", op.symbol())
		}
	}

	if op == OpNeg {
		a := operands[0]
		if a.op == opLit {
			return Lit(-a.value, a.width), nil
		}
		return &Expr{op: op, width: a.width, child0: a, line: a.line}, nil
	}

	a, b := operands[0], operands[1]
	width := a.width
	if op != OpShl && op != OpShr && b.width > width {
		width = b.width
	}
	if a.op == opLit && b.op == opLit {
		return Lit(op.apply(a.value, b.value), width), nil
	}
	line := a.line
	if line.str == "" {
		line = b.line
	}
	return &Expr{op: op, width: width, child0: a, child1: b, line: line}, nil
}

// Width returns the expression's bit width. It is always computable
// without evaluating any sub-expression.
func (e *Expr) Width() uint {
	return e.width
}

// Eval evaluates the expression tree. It fails with ErrUnevaluable if
// an opaque handle or a label reference is reachable anywhere in the
// tree; it never asks the host for an opaque value.
func (e *Expr) Eval() (int64, error) {
	return e.eval(nil)
}

// EvalWith evaluates the expression tree, resolving label references
// through the given view. A nil view resolves no labels.
func (e *Expr) EvalWith(labels LabelView) (int64, error) {
	return e.eval(labels)
}

// eval evaluates the expression tree, resolving label references
// through the given view. A nil view resolves no labels.
func (e *Expr) eval(labels LabelView) (int64, error) {
	switch {
	case e.op == opLit:
		return e.value, nil
	case e.op == opOpaque:
		return 0, ErrUnevaluable
	case e.op == opLabel:
		if labels != nil {
			if off, ok := labels.LabelOffset(e.label); ok {
				return off, nil
			}
		}
		return 0, ErrUnevaluable
	case e.op.isBinary():
		a, err := e.child0.eval(labels)
		if err != nil {
			return 0, err
		}
		b, err := e.child1.eval(labels)
		if err != nil {
			return 0, err
		}
		return e.op.apply(a, b), nil
	default:
		a, err := e.child0.eval(labels)
		if err != nil {
			return 0, err
		}
		return e.op.apply(a, 0), nil
	}
}

// resolve returns an equivalent tree with every resolvable label
// reference replaced by a literal. The receiver is never mutated;
// unresolved sub-trees are shared with the result.
func (e *Expr) resolve(labels LabelView) *Expr {
	switch {
	case e.op == opLit || e.op == opOpaque:
		return e
	case e.op == opLabel:
		if labels != nil {
			if off, ok := labels.LabelOffset(e.label); ok {
				return Lit(off, e.width)
			}
		}
		return e
	case e.op.isBinary():
		a, b := e.child0.resolve(labels), e.child1.resolve(labels)
		if a == e.child0 && b == e.child1 {
			return e
		}
		if a.op == opLit && b.op == opLit {
			return Lit(e.op.apply(a.value, b.value), e.width)
		}
		return &Expr{op: e.op, width: e.width, child0: a, child1: b, line: e.line}
	default:
		a := e.child0.resolve(labels)
		if a == e.child0 {
			return e
		}
		if a.op == opLit {
			return Lit(e.op.apply(a.value, 0), e.width)
		}
		return &Expr{op: e.op, width: e.width, child0: a, line: e.line}
	}
}

// hasOpaque reports whether an opaque handle is reachable in the tree.
func (e *Expr) hasOpaque() bool {
	switch e.op {
	case opLit, opLabel:
		return false
	case opOpaque:
		return true
	default:
		if e.child0.hasOpaque() {
			return true
		}
		return e.child1 != nil && e.child1.hasOpaque()
	}
}

// Op returns the node's combinator operation. ok is false for leaf
// nodes, which carry no operation.
func (e *Expr) Op() (op ExprOp, ok bool) {
	if e.op.isLeaf() {
		return 0, false
	}
	return e.op, true
}

// Operands returns a combinator node's children, or nil for a leaf.
// Hosts use it with Op, Literal, OpaqueValue and Label to walk the
// payload of an external relocation.
func (e *Expr) Operands() []*Expr {
	switch {
	case e.op.isLeaf():
		return nil
	case e.child1 != nil:
		return []*Expr{e.child0, e.child1}
	default:
		return []*Expr{e.child0}
	}
}

// Literal returns the node's value when it is a literal leaf.
func (e *Expr) Literal() (v int64, ok bool) {
	if e.op != opLit {
		return 0, false
	}
	return e.value, true
}

// OpaqueValue returns the node's host handle when it is an opaque
// leaf.
func (e *Expr) OpaqueValue() (o Opaque, ok bool) {
	if e.op != opOpaque {
		return nil, false
	}
	return e.opaque, true
}

// Label returns the referenced label name when the node is a label
// reference leaf.
func (e *Expr) Label() (name string, ok bool) {
	if e.op != opLabel {
		return "", false
	}
	return e.label, true
}

// labelName returns the referenced label name when the expression is a
// bare label reference.
func (e *Expr) labelName() (string, bool) {
	if e.op == opLabel {
		return e.label, true
	}
	return "", false
}

// Return the expression as a postfix notation string.
func (e *Expr) String() string {
	switch {
	case e.op == opLit:
		return fmt.Sprintf("%d", e.value)
	case e.op == opOpaque:
		return fmt.Sprintf("{%v}", e.opaque.Token())
	case e.op == opLabel:
		return e.label
	case e.op.isBinary():
		return fmt.Sprintf("%s %s %s", e.child0.String(), e.child1.String(), e.op.symbol())
	default:
		return fmt.Sprintf("%s [%s]", e.child0.String(), e.op.symbol())
	}
}
