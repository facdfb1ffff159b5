package onnx

import (
	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/sair"
)

// nonConstantDependencies returns the names of the graph parameters a
// sub-expression depends on. A "shape_of" result is a constant of the
// import regardless of its input, so the walk does not descend into it.
func nonConstantDependencies(e sair.Expr, resolve sair.Resolver) []string {
	var deps []string
	seen := make(map[sair.Expr]bool)
	var walk func(e sair.Expr)
	walk = func(e sair.Expr) {
		if e == nil || seen[e] {
			return
		}
		seen[e] = true
		switch e := e.(type) {
		case *sair.Var:
			deps = append(deps, e.Name)
		case *sair.Const:
		case *sair.Value:
			if def, ok := resolve(e); ok {
				walk(def)
			} else {
				deps = append(deps, e.Name)
			}
		case *sair.Tuple:
			for _, el := range e.Elems {
				walk(el)
			}
		case *sair.TupleGetItem:
			walk(e.Tuple)
		case *sair.Call:
			if e.Op == "shape_of" {
				return
			}
			if e.Target != nil {
				deps = append(deps, "@"+e.Target.Name)
				return
			}
			for _, a := range e.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return deps
}

// materializeConstantExpression folds a sub-expression that an operator
// needs at import time (a reshape target, slice bound, tile repeats). It
// panics with an ErrUnsupportedDynamicInput cause when the expression
// depends on runtime data; the importer's API boundary unwinds the panic
// into an error.
func (cc *convCtx) materializeConstantExpression(what string, e sair.Expr) *sair.Tensor {
	if deps := nonConstantDependencies(e, cc.b.DefOf); len(deps) > 0 {
		panic(errors.Wrapf(ErrUnsupportedDynamicInput,
			"node %q: %s depends on runtime values %v", cc.nodeName, what, deps))
	}
	t, err := sair.EvalConst(e, cc.b.DefOf)
	if err != nil {
		panic(errors.Wrapf(ErrUnsupportedDynamicInput,
			"node %q: %s must be known at import time: %v", cc.nodeName, what, err))
	}
	return t
}

// materializeInts folds an expression to a list of ints.
func (cc *convCtx) materializeInts(what string, e sair.Expr) []int {
	t := cc.materializeConstantExpression(what, e)
	ints, err := t.Ints()
	if err != nil {
		panic(errors.Wrapf(ErrUnsupportedDynamicInput,
			"node %q: %s folded to %s, expected integers", cc.nodeName, what, t.Shape()))
	}
	return ints
}

// materializeInt folds an expression to a single int.
func (cc *convCtx) materializeInt(what string, e sair.Expr) int {
	ints := cc.materializeInts(what, e)
	if len(ints) != 1 {
		panic(errors.Wrapf(ErrUnsupportedDynamicInput,
			"node %q: %s folded to %d values, expected one", cc.nodeName, what, len(ints)))
	}
	return ints[0]
}

// materializeFloat folds an expression to a single float64.
func (cc *convCtx) materializeFloat(what string, e sair.Expr) float64 {
	t := cc.materializeConstantExpression(what, e)
	floats, err := t.Floats64()
	if err != nil {
		ints, ierr := t.Ints()
		if ierr != nil || len(ints) != 1 {
			panic(errors.Wrapf(ErrUnsupportedDynamicInput,
				"node %q: %s folded to %s, expected a scalar", cc.nodeName, what, t.Shape()))
		}
		return float64(ints[0])
	}
	if len(floats) != 1 {
		panic(errors.Wrapf(ErrUnsupportedDynamicInput,
			"node %q: %s folded to %d values, expected one", cc.nodeName, what, len(floats)))
	}
	return floats[0]
}
