package sair

import "fmt"

// Expr is a node of the IR expression language. Converters build Call trees
// over Values, Vars and Consts; the Builder normalizes each emitted
// expression into a named Value binding.
type Expr interface {
	// Type returns the normalized type. It panics for expressions that
	// have not been through inference yet (un-emitted Calls).
	Type() Type
	exprNode()
}

// Var is a function parameter: a free tensor of known shape.
type Var struct {
	Name  string
	Shape Shape
}

func (v *Var) Type() Type { return TensorType(v.Shape) }
func (v *Var) exprNode()  {}

func (v *Var) String() string { return fmt.Sprintf("%s: %s", v.Name, v.Shape) }

// Const is an embedded constant tensor.
type Const struct {
	Value *Tensor
}

// NewConst wraps a tensor as a constant expression.
func NewConst(t *Tensor) *Const { return &Const{Value: t} }

func (c *Const) Type() Type { return TensorType(c.Value.Shape()) }
func (c *Const) exprNode()  {}

// Call applies a primitive operator (Op) or a program function (Target) to
// arguments. Attrs holds the operator's static attributes, keyed by name.
// The type is assigned when the call is normalized by a Builder.
type Call struct {
	Op     string
	Target *GlobalFunc
	Args   []Expr
	Attrs  map[string]any

	typ   Type
	typed bool
}

// NewCall builds a primitive operator call.
func NewCall(op string, args []Expr, attrs map[string]any) *Call {
	return &Call{Op: op, Args: args, Attrs: attrs}
}

// NewFuncCall builds a call to a program function.
func NewFuncCall(target *GlobalFunc, args ...Expr) *Call {
	return &Call{Target: target, Args: args}
}

func (c *Call) Type() Type {
	if !c.typed {
		panic(fmt.Sprintf("call to %q has not been normalized", c.name()))
	}
	return c.typ
}
func (c *Call) exprNode() {}

func (c *Call) name() string {
	if c.Target != nil {
		return "@" + c.Target.Name
	}
	return c.Op
}

// AttrOr returns attribute key as T, or def when absent. Panics on a type
// mismatch (a converter bug, not a model error).
func AttrOr[T any](c *Call, key string, def T) T {
	raw, ok := c.Attrs[key]
	if !ok {
		return def
	}
	v, ok := raw.(T)
	if !ok {
		panic(fmt.Sprintf("op %q attribute %q is %T, expected %T", c.name(), key, raw, v))
	}
	return v
}

// Tuple groups expressions into one multi-valued expression.
type Tuple struct {
	Elems []Expr
}

func (t *Tuple) Type() Type {
	elems := make([]Shape, len(t.Elems))
	for i, e := range t.Elems {
		elems[i] = e.Type().Shape()
	}
	return TupleType(elems...)
}
func (t *Tuple) exprNode() {}

// TupleGetItem projects one element out of a tuple-typed expression.
type TupleGetItem struct {
	Tuple Expr
	Index int
}

func (t *TupleGetItem) Type() Type {
	return TensorType(t.Tuple.Type().Elem(t.Index))
}
func (t *TupleGetItem) exprNode() {}

// Value is a named single-assignment binding. Its defining expression lives
// in the enclosing function's binding list; the value itself is usable as an
// argument to later expressions.
type Value struct {
	Name string
	typ  Type
}

func (v *Value) Type() Type { return v.typ }
func (v *Value) exprNode()  {}

// IsTuple reports whether the value is tuple-typed.
func (v *Value) IsTuple() bool { return v.typ.IsTuple() }

// Shape returns the value's tensor shape. Panics on tuple-typed values.
func (v *Value) Shape() Shape { return v.typ.Shape() }

// Binding pairs a value with its defining expression.
type Binding struct {
	Value *Value
	Expr  Expr
}

// GlobalFunc is a reference to a function registered in a Program.
type GlobalFunc struct {
	Name string
	Fn   *Function
}

func (g *GlobalFunc) Type() Type { return g.Fn.Ret.Type() }
func (g *GlobalFunc) exprNode()  {}
