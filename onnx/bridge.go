package onnx

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/sair"
	"github.com/sairml/onnx-sair/treeir"
)

// bridge runs a tree-dialect converter and splices its translation into the
// program under construction. The converter sees the node's inputs as tree
// variables (constants pass through as tree constants); the translated main
// function's bindings are replayed into the caller's builder with the
// variables substituted by the actual inputs, and its helper functions are
// registered on the program, deduplicated by name.
func (cc *convCtx) bridge(fn bridgedConverter, op string, inputs []sair.Expr, attrs Attributes) sair.Expr {
	treeInputs := make([]treeir.Expr, len(inputs))
	var params []*treeir.Var
	var actuals []sair.Expr
	for i, in := range inputs {
		if in == nil {
			continue
		}
		if c, ok := in.(*sair.Const); ok {
			treeInputs[i] = &treeir.Const{Value: c.Value}
			continue
		}
		t := in.Type()
		if t.IsTuple() {
			panic(errors.Wrapf(ErrBridgeTranslation,
				"node %q: tuple-typed input %d cannot cross the bridge", cc.nodeName, i))
		}
		v := &treeir.Var{Name: fmt.Sprintf("in%d", i), Shape: t.Shape()}
		treeInputs[i] = v
		params = append(params, v)
		actuals = append(actuals, in)
	}

	body := fn(treeInputs, attrs)
	prog, err := treeir.Translate(&treeir.Func{Name: op, Params: params, Body: body})
	if err != nil {
		panic(errors.Wrapf(ErrBridgeTranslation, "node %q: %v", cc.nodeName, err))
	}
	main, err := prog.Main()
	if err != nil {
		panic(errors.Wrapf(ErrBridgeTranslation, "node %q: %v", cc.nodeName, err))
	}
	if len(main.Params) != len(actuals) || main.Ret == nil {
		panic(errors.Wrapf(ErrBridgeTranslation,
			"node %q: translation of %q is structurally invalid", cc.nodeName, op))
	}

	// Helper functions keep their identity across nodes: AddFunc returns
	// the already-registered reference when the name is taken.
	remap := make(map[*sair.GlobalFunc]*sair.GlobalFunc)
	for _, f := range prog.Funcs {
		if f.Name == "main" {
			continue
		}
		remap[prog.Func(f.Name)] = cc.b.Program().AddFunc(f)
	}

	subst := make(map[sair.Expr]sair.Expr)
	for i, p := range main.Params {
		subst[p] = actuals[i]
	}
	for _, bind := range main.Bindings {
		v := cc.b.Emit(substituteExpr(cc, bind.Expr, subst, remap))
		subst[bind.Value] = v
	}
	return substituteExpr(cc, main.Ret, subst, remap)
}

// substituteExpr rewrites a translated expression against the caller's
// namespace: parameters become the node's actual inputs, bound values become
// the replayed values, helper references become the program-registered ones.
func substituteExpr(cc *convCtx, e sair.Expr, subst map[sair.Expr]sair.Expr,
	remap map[*sair.GlobalFunc]*sair.GlobalFunc) sair.Expr {
	switch e := e.(type) {
	case *sair.Var, *sair.Value:
		out, ok := subst[e]
		if !ok {
			panic(errors.Wrapf(ErrBridgeTranslation,
				"node %q: translated expression references an unbound value", cc.nodeName))
		}
		return out
	case *sair.Const:
		return e
	case *sair.Tuple:
		elems := make([]sair.Expr, len(e.Elems))
		for i, el := range e.Elems {
			elems[i] = substituteExpr(cc, el, subst, remap)
		}
		return &sair.Tuple{Elems: elems}
	case *sair.TupleGetItem:
		return &sair.TupleGetItem{
			Tuple: substituteExpr(cc, e.Tuple, subst, remap),
			Index: e.Index,
		}
	case *sair.Call:
		args := make([]sair.Expr, len(e.Args))
		for i, a := range e.Args {
			args[i] = substituteExpr(cc, a, subst, remap)
		}
		if e.Target != nil {
			target, ok := remap[e.Target]
			if !ok {
				panic(errors.Wrapf(ErrBridgeTranslation,
					"node %q: translated call targets unregistered function @%s",
					cc.nodeName, e.Target.Name))
			}
			return sair.NewFuncCall(target, args...)
		}
		return sair.NewCall(e.Op, args, e.Attrs)
	}
	panic(errors.Wrapf(ErrBridgeTranslation,
		"node %q: cannot substitute %T", cc.nodeName, e))
}
