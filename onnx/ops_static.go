package onnx

import (
	"github.com/gomlx/exceptions"

	"github.com/sairml/onnx-sair/sair"
)

// Converters for operators whose parameters must be known at import time.
// Parameters arriving as inputs are folded through the constant evaluator;
// a dependency on runtime data aborts the import.

func convSqueezeV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	attrMap := map[string]any{}
	if axes := attrs.Ints("axes"); axes != nil {
		attrMap["axes"] = axes
	}
	return sair.NewCall("squeeze", []sair.Expr{inputs[0]}, attrMap)
}

func convSqueezeV13(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	attrMap := map[string]any{}
	if len(inputs) > 1 && inputs[1] != nil {
		attrMap["axes"] = cc.materializeInts("axes", inputs[1])
	}
	return sair.NewCall("squeeze", []sair.Expr{inputs[0]}, attrMap)
}

func convUnsqueezeV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	axes := attrs.Ints("axes")
	if axes == nil {
		exceptions.Panicf("node %q: Unsqueeze requires axes", cc.nodeName)
	}
	return sair.NewCall("expand_dims", []sair.Expr{inputs[0]}, map[string]any{"axes": axes})
}

func convUnsqueezeV13(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	axes := cc.materializeInts("axes", inputs[1])
	return sair.NewCall("expand_dims", []sair.Expr{inputs[0]}, map[string]any{"axes": axes})
}

// resolveReshapeTarget applies the 0-means-copy rule to a reshape target.
func resolveReshapeTarget(cc *convCtx, x sair.Expr, target []int, allowZero bool) []int {
	if allowZero {
		return target
	}
	in := x.Type().Shape()
	out := make([]int, len(target))
	for i, d := range target {
		if d != 0 {
			out[i] = d
			continue
		}
		if i >= in.Rank() {
			exceptions.Panicf("node %q: reshape dimension %d copies a missing input dimension", cc.nodeName, i)
		}
		dim := in.Dim(i)
		if !dim.IsStatic() {
			exceptions.Panicf("node %q: reshape dimension %d copies symbolic input dimension %q", cc.nodeName, i, dim.Sym)
		}
		out[i] = dim.Size
	}
	return out
}

func convReshapeV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	target := attrs.Ints("shape")
	if target == nil {
		exceptions.Panicf("node %q: Reshape requires a shape", cc.nodeName)
	}
	target = resolveReshapeTarget(cc, inputs[0], target, false)
	return sair.NewCall("reshape", []sair.Expr{inputs[0]}, map[string]any{"newshape": target})
}

func convReshapeV5(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	target := cc.materializeInts("shape", inputs[1])
	target = resolveReshapeTarget(cc, inputs[0], target, attrs.IntOr("allowzero", 0) != 0)
	return sair.NewCall("reshape", []sair.Expr{inputs[0]}, map[string]any{"newshape": target})
}

func sliceCall(cc *convCtx, x sair.Expr, axes, begin, end, strides []int) sair.Expr {
	if len(begin) != len(axes) || len(end) != len(axes) {
		exceptions.Panicf("node %q: slice has %d axes but %d/%d bounds",
			cc.nodeName, len(axes), len(begin), len(end))
	}
	if strides == nil {
		strides = make([]int, len(axes))
		for i := range strides {
			strides[i] = 1
		}
	}
	return sair.NewCall("strided_slice", []sair.Expr{x}, map[string]any{
		"axes": axes, "begin": begin, "end": end, "strides": strides,
	})
}

func convSliceV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	begin := attrs.Ints("starts")
	end := attrs.Ints("ends")
	axes := attrs.Ints("axes")
	if axes == nil {
		axes = make([]int, len(begin))
		for i := range axes {
			axes[i] = i
		}
	}
	return sliceCall(cc, inputs[0], axes, begin, end, nil)
}

func convSliceV10(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	begin := cc.materializeInts("starts", inputs[1])
	end := cc.materializeInts("ends", inputs[2])
	var axes, strides []int
	if len(inputs) > 3 && inputs[3] != nil {
		axes = cc.materializeInts("axes", inputs[3])
	} else {
		axes = make([]int, len(begin))
		for i := range axes {
			axes[i] = i
		}
	}
	if len(inputs) > 4 && inputs[4] != nil {
		strides = cc.materializeInts("steps", inputs[4])
	}
	return sliceCall(cc, inputs[0], axes, begin, end, strides)
}

// equalSections divides the input dimension into n equal parts.
func equalSections(cc *convCtx, x sair.Expr, axis, n int) []int {
	s := x.Type().Shape()
	if axis < 0 {
		axis += s.Rank()
	}
	d := s.Dim(axis)
	if !d.IsStatic() {
		exceptions.Panicf("node %q: cannot split symbolic dimension %q", cc.nodeName, d.Sym)
	}
	if n <= 0 || d.Size%n != 0 {
		exceptions.Panicf("node %q: cannot split dimension of size %d into %d equal parts",
			cc.nodeName, d.Size, n)
	}
	sections := make([]int, n)
	for i := range sections {
		sections[i] = d.Size / n
	}
	return sections
}

func convSplitV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	axis := attrs.IntOr("axis", 0)
	sections := attrs.Ints("split")
	if sections == nil {
		sections = equalSections(cc, inputs[0], axis, attrs.NumOutputs())
	}
	return sair.NewCall("split", []sair.Expr{inputs[0]},
		map[string]any{"axis": axis, "sections": sections})
}

func convSplitV13(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	axis := attrs.IntOr("axis", 0)
	var sections []int
	if len(inputs) > 1 && inputs[1] != nil {
		sections = cc.materializeInts("split", inputs[1])
	} else {
		n := attrs.IntOr("num_outputs", attrs.NumOutputs())
		sections = equalSections(cc, inputs[0], axis, n)
	}
	return sair.NewCall("split", []sair.Expr{inputs[0]},
		map[string]any{"axis": axis, "sections": sections})
}

func convTile(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	repeats := cc.materializeInts("repeats", inputs[1])
	return sair.NewCall("tile", []sair.Expr{inputs[0]}, map[string]any{"repeats": repeats})
}

func convExpand(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	target := cc.materializeInts("shape", inputs[1])
	in := inputs[0].Type().Shape()
	// Expand broadcasts both ways: a target dimension of 1 keeps the
	// input dimension.
	rank := max(in.Rank(), len(target))
	merged := make([]int, rank)
	for i := 0; i < rank; i++ {
		ti, ii := len(target)-rank+i, in.Rank()-rank+i
		var t int
		if ti >= 0 {
			t = target[ti]
		} else {
			t = 1
		}
		if ii < 0 {
			merged[i] = t
			continue
		}
		d := in.Dim(ii)
		switch {
		case t == 1:
			if !d.IsStatic() {
				exceptions.Panicf("node %q: Expand keeps symbolic dimension %q", cc.nodeName, d.Sym)
			}
			merged[i] = d.Size
		case d.IsStatic() && d.Size != 1 && d.Size != t:
			exceptions.Panicf("node %q: Expand cannot broadcast dimension %d to %d",
				cc.nodeName, d.Size, t)
		default:
			merged[i] = t
		}
	}
	return sair.NewCall("broadcast_to", []sair.Expr{inputs[0]}, map[string]any{"shape": merged})
}

func convConstantOfShape(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	dims := cc.materializeInts("shape", inputs[0])
	fill := attrs.Tensor("value")
	if fill == nil {
		fill = sair.FromScalar(float32(0))
	}
	return sair.NewCall("full", []sair.Expr{sair.NewConst(fill)},
		map[string]any{"shape": dims, "dtype": fill.DType()})
}

func convRange(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	start := cc.materializeFloat("start", inputs[0])
	stop := cc.materializeFloat("limit", inputs[1])
	step := cc.materializeFloat("delta", inputs[2])
	if step == 0 {
		exceptions.Panicf("node %q: Range with zero delta", cc.nodeName)
	}
	return sair.NewCall("arange", nil, map[string]any{
		"start": start, "stop": stop, "step": step, "dtype": exprDType(inputs[0]),
	})
}

func convCumSum(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	if attrs.IntOr("exclusive", 0) != 0 || attrs.IntOr("reverse", 0) != 0 {
		exceptions.Panicf("node %q: exclusive/reverse CumSum is not supported", cc.nodeName)
	}
	axis := cc.materializeInt("axis", inputs[1])
	return sair.NewCall("cumsum", []sair.Expr{inputs[0]}, map[string]any{"axis": axis})
}

func padCall(cc *convCtx, x sair.Expr, mode string, pads []int, value float64) sair.Expr {
	if mode != "" && mode != "constant" {
		exceptions.Panicf("node %q: Pad mode %q is not supported", cc.nodeName, mode)
	}
	rank := x.Type().Shape().Rank()
	if len(pads) != 2*rank {
		exceptions.Panicf("node %q: Pad has %d pad values for rank %d", cc.nodeName, len(pads), rank)
	}
	for _, p := range pads {
		if p < 0 {
			exceptions.Panicf("node %q: negative padding is not supported", cc.nodeName)
		}
	}
	return sair.NewCall("pad", []sair.Expr{x}, map[string]any{"pads": pads, "value": value})
}

func convPadV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	pads := attrs.Ints("pads")
	if pads == nil {
		pads = attrs.Ints("paddings")
	}
	return padCall(cc, inputs[0], attrs.StrOr("mode", "constant"), pads,
		float64(attrs.FloatOr("value", 0)))
}

func convPadV11(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	pads := cc.materializeInts("pads", inputs[1])
	value := 0.0
	if len(inputs) > 2 && inputs[2] != nil {
		value = cc.materializeFloat("constant_value", inputs[2])
	}
	return padCall(cc, inputs[0], attrs.StrOr("mode", "constant"), pads, value)
}

func convResize(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	in := inputs[0].Type().Shape()
	if in.Rank() != 4 {
		exceptions.Panicf("node %q: Resize expects a rank-4 input, got %s", cc.nodeName, in)
	}
	method := attrs.StrOr("mode", "nearest")
	var sizes []int
	switch {
	case len(inputs) > 3 && inputs[3] != nil:
		all := cc.materializeInts("sizes", inputs[3])
		if len(all) != 4 {
			exceptions.Panicf("node %q: Resize sizes must cover all four axes, got %v", cc.nodeName, all)
		}
		sizes = all[2:]
	case len(inputs) > 2 && inputs[2] != nil:
		t := cc.materializeConstantExpression("scales", inputs[2])
		scales, err := t.Floats64()
		if err != nil || len(scales) != 4 {
			exceptions.Panicf("node %q: Resize scales must be four floats", cc.nodeName)
		}
		if scales[0] != 1 || scales[1] != 1 {
			exceptions.Panicf("node %q: Resize may only scale spatial axes", cc.nodeName)
		}
		sizes = make([]int, 2)
		for i, s := range scales[2:] {
			d := in.Dim(2 + i)
			if !d.IsStatic() {
				exceptions.Panicf("node %q: Resize of symbolic dimension %q", cc.nodeName, d.Sym)
			}
			sizes[i] = int(float64(d.Size) * s)
		}
	default:
		exceptions.Panicf("node %q: Resize needs sizes or scales", cc.nodeName)
	}
	return sair.NewCall("image_resize2d", []sair.Expr{inputs[0]},
		map[string]any{"sizes": sizes, "method": method})
}

// natReduce builds a reduction whose axes arrive as an optional input.
func natReduce(op string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		attrMap := map[string]any{"keepdims": attrs.IntOr("keepdims", 1) != 0}
		if len(inputs) > 1 && inputs[1] != nil {
			attrMap["axes"] = cc.materializeInts("axes", inputs[1])
		} else if attrs.IntOr("noop_with_empty_axes", 0) != 0 {
			return inputs[0]
		}
		return sair.NewCall(op, []sair.Expr{inputs[0]}, attrMap)
	}
}

// natReduceCompose builds the derived reductions from the base ones.
func natReduceCompose(kind string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		attrMap := map[string]any{"keepdims": attrs.IntOr("keepdims", 1) != 0}
		if len(inputs) > 1 && inputs[1] != nil {
			attrMap["axes"] = cc.materializeInts("axes", inputs[1])
		} else if attrs.IntOr("noop_with_empty_axes", 0) != 0 {
			return inputs[0]
		}
		return composeReduction(cc, kind, inputs[0], attrMap)
	}
}

// composeReduction lowers the derived reductions to base reductions plus
// elementwise ops.
func composeReduction(cc *convCtx, kind string, x sair.Expr, attrMap map[string]any) sair.Expr {
	switch kind {
	case "l1":
		a := cc.emit(sair.NewCall("abs", []sair.Expr{x}, nil))
		return sair.NewCall("sum", []sair.Expr{a}, attrMap)
	case "l2":
		sq := cc.emit(sair.NewCall("multiply", []sair.Expr{x, x}, nil))
		s := cc.emit(sair.NewCall("sum", []sair.Expr{sq}, attrMap))
		return sair.NewCall("sqrt", []sair.Expr{s}, nil)
	case "log_sum":
		s := cc.emit(sair.NewCall("sum", []sair.Expr{x}, attrMap))
		return sair.NewCall("log", []sair.Expr{s}, nil)
	case "log_sum_exp":
		e := cc.emit(sair.NewCall("exp", []sair.Expr{x}, nil))
		s := cc.emit(sair.NewCall("sum", []sair.Expr{e}, attrMap))
		return sair.NewCall("log", []sair.Expr{s}, nil)
	case "sum_square":
		sq := cc.emit(sair.NewCall("multiply", []sair.Expr{x, x}, nil))
		return sair.NewCall("sum", []sair.Expr{sq}, attrMap)
	}
	exceptions.Panicf("unknown derived reduction %q", kind)
	return nil
}
