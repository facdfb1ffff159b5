package treeir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/sair"
)

// Translate lowers a tree-dialect function into a program holding one
// function named "main" plus helper functions for the dialect's composite
// operators. The translation is self-contained: it builds its own program
// and never touches a caller's builder.
func Translate(fn *Func) (prog *sair.Program, err error) {
	b := sair.NewBuilder()
	b.Func("main")
	tr := &translator{b: b, vars: make(map[*Var]*sair.Var)}
	for _, p := range fn.Params {
		tr.vars[p] = b.AddParam(p.Name, p.Shape)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("translating %q: %v", fn.Name, r)
		}
	}()
	out, err := tr.lower(fn.Body)
	if err != nil {
		return nil, errors.WithMessagef(err, "translating %q", fn.Name)
	}
	b.Output(out)
	return b.Build(), nil
}

type translator struct {
	b    *sair.Builder
	vars map[*Var]*sair.Var
}

// composite operators get lowered through helper functions; everything else
// maps 1:1 onto a primitive of the target IR.
var composites = map[string]func(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error){
	"layer_norm":      lowerLayerNorm,
	"global_avg_pool": lowerGlobalAvgPool,
	"flatten":         lowerFlatten,
	"batch_norm":      lowerBatchNorm,
	"instance_norm":   lowerInstanceNorm,
}

func (tr *translator) lower(e Expr) (sair.Expr, error) {
	switch e := e.(type) {
	case *Var:
		v, ok := tr.vars[e]
		if !ok {
			return nil, errors.Errorf("unbound variable %q", e.Name)
		}
		return v, nil
	case *Const:
		return sair.NewConst(e.Value), nil
	case *Tuple:
		elems := make([]sair.Expr, len(e.Elems))
		for i, el := range e.Elems {
			lowered, err := tr.lower(el)
			if err != nil {
				return nil, err
			}
			elems[i] = tr.emit(lowered)
		}
		return &sair.Tuple{Elems: elems}, nil
	case *Call:
		return tr.lowerCall(e)
	default:
		return nil, errors.Errorf("cannot lower %T", e)
	}
}

// emit binds sub-expressions to values so the output program is in
// single-assignment form; already bound values and parameters pass through.
func (tr *translator) emit(e sair.Expr) sair.Expr {
	switch e.(type) {
	case *sair.Value, *sair.Var:
		return e
	}
	return tr.b.Emit(e)
}

func (tr *translator) lowerCall(c *Call) (sair.Expr, error) {
	args := make([]*sair.Value, len(c.Args))
	for i, a := range c.Args {
		lowered, err := tr.lower(a)
		if err != nil {
			return nil, err
		}
		if v, ok := tr.emit(lowered).(*sair.Value); ok {
			args[i] = v
		} else {
			args[i] = tr.b.Emit(lowered)
		}
	}
	if lowerFn, ok := composites[c.Op]; ok {
		return lowerFn(tr, c, args)
	}
	exprs := make([]sair.Expr, len(args))
	for i, a := range args {
		exprs[i] = a
	}
	return sair.NewCall(c.Op, exprs, c.Attrs), nil
}

func attrOr[T any](c *Call, key string, def T) T {
	raw, ok := c.Attrs[key]
	if !ok {
		return def
	}
	v, ok := raw.(T)
	if !ok {
		panic(fmt.Sprintf("op %q attribute %q is %T", c.Op, key, raw))
	}
	return v
}

func shapeKey(s sair.Shape) string {
	parts := make([]string, s.Rank())
	for i, d := range s.Dims {
		parts[i] = d.String()
	}
	return fmt.Sprintf("%s_%s", strings.ToLower(s.DType.String()), strings.Join(parts, "x"))
}

// helperFunc builds (or reuses) a named helper function in the translated
// program and returns a call to it. The body is built with a dedicated
// builder whose program is discarded; only the function survives.
func (tr *translator) helperFunc(name string, params []sair.Shape,
	body func(hb *sair.Builder, params []*sair.Var) sair.Expr, args []*sair.Value) sair.Expr {
	prog := tr.b.Program()
	ref := prog.Func(name)
	if ref == nil {
		hb := sair.NewBuilder()
		hb.Func(name)
		vars := make([]*sair.Var, len(params))
		for i, s := range params {
			vars[i] = hb.AddParam(fmt.Sprintf("p%d", i), s)
		}
		hb.Output(body(hb, vars))
		ref = prog.AddFunc(hb.Build().Funcs[0])
	}
	exprs := make([]sair.Expr, len(args))
	for i, a := range args {
		exprs[i] = a
	}
	return sair.NewFuncCall(ref, exprs...)
}

func lowerFlatten(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error) {
	x := args[0].Shape()
	axis := attrOr(c, "axis", 1)
	if axis < 0 {
		axis += x.Rank()
	}
	if !x.IsStatic() {
		return nil, errors.Errorf("flatten: symbolic input shape %s", x)
	}
	lead, trail := 1, 1
	for i, d := range x.Dims {
		if i < axis {
			lead *= d.Size
		} else {
			trail *= d.Size
		}
	}
	name := fmt.Sprintf("flatten_%s_axis%d", shapeKey(x), axis)
	return tr.helperFunc(name, []sair.Shape{x}, func(hb *sair.Builder, params []*sair.Var) sair.Expr {
		return hb.Emit(sair.NewCall("reshape", []sair.Expr{params[0]},
			map[string]any{"newshape": []int{lead, trail}}))
	}, args[:1]), nil
}

func lowerGlobalAvgPool(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error) {
	x := args[0].Shape()
	if x.Rank() != 4 {
		return nil, errors.Errorf("global_avg_pool: expects NCHW input, got %s", x)
	}
	name := fmt.Sprintf("global_avg_pool_%s", shapeKey(x))
	return tr.helperFunc(name, []sair.Shape{x}, func(hb *sair.Builder, params []*sair.Var) sair.Expr {
		return hb.Emit(sair.NewCall("avg_pool2d", []sair.Expr{params[0]}, nil))
	}, args[:1]), nil
}

func lowerLayerNorm(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error) {
	if len(args) < 3 {
		return nil, errors.Errorf("layer_norm: expects data, scale and bias")
	}
	x := args[0].Shape()
	axis := attrOr(c, "axis", -1)
	if axis < 0 {
		axis += x.Rank()
	}
	epsilon := attrOr(c, "epsilon", float32(1e-5))
	name := fmt.Sprintf("layer_norm_%s_axis%d_eps%g", shapeKey(x), axis, epsilon)
	shapes := []sair.Shape{x, args[1].Shape(), args[2].Shape()}
	return tr.helperFunc(name, shapes, func(hb *sair.Builder, params []*sair.Var) sair.Expr {
		axes := make([]int, 0, x.Rank()-axis)
		for i := axis; i < x.Rank(); i++ {
			axes = append(axes, i)
		}
		data := sair.Expr(params[0])
		mean := hb.Emit(sair.NewCall("mean", []sair.Expr{data},
			map[string]any{"axes": axes, "keepdims": true}))
		diff := hb.Emit(sair.NewCall("subtract", []sair.Expr{data, mean}, nil))
		sq := hb.Emit(sair.NewCall("multiply", []sair.Expr{diff, diff}, nil))
		variance := hb.Emit(sair.NewCall("mean", []sair.Expr{sq},
			map[string]any{"axes": axes, "keepdims": true}))
		eps := hb.Emit(sair.NewConst(sair.FromScalar(epsilon)))
		denom := hb.Emit(sair.NewCall("sqrt", []sair.Expr{
			hb.Emit(sair.NewCall("add", []sair.Expr{variance, eps}, nil)),
		}, nil))
		norm := hb.Emit(sair.NewCall("divide", []sair.Expr{diff, denom}, nil))
		scaled := hb.Emit(sair.NewCall("multiply", []sair.Expr{norm, params[1]}, nil))
		return hb.Emit(sair.NewCall("add", []sair.Expr{scaled, params[2]}, nil))
	}, args[:3]), nil
}

// channelParam reshapes a per-channel parameter of shape [C] so it
// broadcasts against NCHW data.
func channelParam(hb *sair.Builder, p sair.Expr, spatialRank int) sair.Expr {
	axes := make([]int, spatialRank)
	for i := range axes {
		axes[i] = i + 1
	}
	return hb.Emit(sair.NewCall("expand_dims", []sair.Expr{p}, map[string]any{"axes": axes}))
}

func lowerBatchNorm(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error) {
	if len(args) < 5 {
		return nil, errors.Errorf("batch_norm: expects data, scale, bias, mean and variance")
	}
	x := args[0].Shape()
	if x.Rank() < 2 {
		return nil, errors.Errorf("batch_norm: expects channeled input, got %s", x)
	}
	epsilon := attrOr(c, "epsilon", float32(1e-5))
	hb := tr.b
	spatial := x.Rank() - 2
	scale := channelParam(hb, args[1], spatial)
	bias := channelParam(hb, args[2], spatial)
	mean := channelParam(hb, args[3], spatial)
	variance := channelParam(hb, args[4], spatial)
	eps := hb.Emit(sair.NewConst(sair.FromScalar(epsilon)))
	centered := hb.Emit(sair.NewCall("subtract", []sair.Expr{args[0], mean}, nil))
	denom := hb.Emit(sair.NewCall("sqrt", []sair.Expr{
		hb.Emit(sair.NewCall("add", []sair.Expr{variance, eps}, nil)),
	}, nil))
	norm := hb.Emit(sair.NewCall("divide", []sair.Expr{centered, denom}, nil))
	scaled := hb.Emit(sair.NewCall("multiply", []sair.Expr{norm, scale}, nil))
	return sair.NewCall("add", []sair.Expr{scaled, bias}, nil), nil
}

func lowerInstanceNorm(tr *translator, c *Call, args []*sair.Value) (sair.Expr, error) {
	if len(args) < 3 {
		return nil, errors.Errorf("instance_norm: expects data, scale and bias")
	}
	x := args[0].Shape()
	if x.Rank() < 3 {
		return nil, errors.Errorf("instance_norm: expects spatial input, got %s", x)
	}
	epsilon := attrOr(c, "epsilon", float32(1e-5))
	hb := tr.b
	spatial := x.Rank() - 2
	axes := make([]int, spatial)
	for i := range axes {
		axes[i] = i + 2
	}
	mean := hb.Emit(sair.NewCall("mean", []sair.Expr{args[0]},
		map[string]any{"axes": axes, "keepdims": true}))
	diff := hb.Emit(sair.NewCall("subtract", []sair.Expr{args[0], mean}, nil))
	sq := hb.Emit(sair.NewCall("multiply", []sair.Expr{diff, diff}, nil))
	variance := hb.Emit(sair.NewCall("mean", []sair.Expr{sq},
		map[string]any{"axes": axes, "keepdims": true}))
	eps := hb.Emit(sair.NewConst(sair.FromScalar(epsilon)))
	denom := hb.Emit(sair.NewCall("sqrt", []sair.Expr{
		hb.Emit(sair.NewCall("add", []sair.Expr{variance, eps}, nil)),
	}, nil))
	norm := hb.Emit(sair.NewCall("divide", []sair.Expr{diff, denom}, nil))
	scale := channelParam(hb, args[1], spatial)
	bias := channelParam(hb, args[2], spatial)
	scaled := hb.Emit(sair.NewCall("multiply", []sair.Expr{norm, scale}, nil))
	return sair.NewCall("add", []sair.Expr{scaled, bias}, nil), nil
}
