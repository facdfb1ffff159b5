// Package treeir is a small expression-tree operator dialect: operators are
// applied as nested trees rather than single-assignment bindings. It exists
// so converters written against the tree dialect can feed the same import
// pipeline as native ones; Translate lowers a tree function into an
// equivalent single-assignment program.
package treeir

import "github.com/sairml/onnx-sair/sair"

// Expr is a node of the tree dialect.
type Expr interface {
	treeNode()
}

// Var is a free input of known shape.
type Var struct {
	Name  string
	Shape sair.Shape
}

func (v *Var) treeNode() {}

// Const is an embedded constant tensor.
type Const struct {
	Value *sair.Tensor
}

func (c *Const) treeNode() {}

// Call applies an operator to nested argument trees. Attrs holds the static
// attributes keyed by name.
type Call struct {
	Op    string
	Args  []Expr
	Attrs map[string]any
}

func (c *Call) treeNode() {}

// NewCall builds an operator application.
func NewCall(op string, args []Expr, attrs map[string]any) *Call {
	return &Call{Op: op, Args: args, Attrs: attrs}
}

// Tuple groups trees into one multi-valued expression.
type Tuple struct {
	Elems []Expr
}

func (t *Tuple) treeNode() {}

// Func is a tree-dialect function: parameters and one result tree.
type Func struct {
	Name   string
	Params []*Var
	Body   Expr
}
