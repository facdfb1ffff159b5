package onnx

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

// convCtx is the per-node conversion context handed to native converters:
// the builder under construction, the resolved model opset and the node's
// identity for diagnostics.
type convCtx struct {
	b        *sair.Builder
	opset    int
	nodeName string
}

func (cc *convCtx) emit(e sair.Expr) *sair.Value {
	return cc.b.Emit(e)
}

// converters is the operator catalog: one family per ONNX operator, fixed at
// build time. Within a family, variants apply from their minOpset up to the
// next variant's threshold.
var converters = map[string]*converterFamily{
	// Binary elementwise. Before opset 7 these carried explicit broadcast
	// attributes; since 7 they use numpy-style implicit broadcasting.
	"Add": family(nat(1, binaryLegacy("add")), nat(7, binaryOp("add"))),
	"Sub": family(nat(1, binaryLegacy("subtract")), nat(7, binaryOp("subtract"))),
	"Mul": family(nat(1, binaryLegacy("multiply")), nat(7, binaryOp("multiply"))),
	"Div": family(nat(1, binaryLegacy("divide")), nat(7, binaryOp("divide"))),
	"Pow": family(nat(1, binaryLegacy("power")), nat(7, binaryOp("power"))),

	"Equal":       family(nat(1, binaryLegacy("equal")), nat(7, binaryOp("equal"))),
	"Less":        family(nat(1, binaryLegacy("less")), nat(7, binaryOp("less"))),
	"LessOrEqual": family(nat(12, binaryOp("less_equal"))),
	"Not":         family(nat(1, unaryOp("logical_not"))),

	"Sqrt":    family(nat(1, unaryOp("sqrt"))),
	"Exp":     family(nat(1, unaryOp("exp"))),
	"Log":     family(nat(1, unaryOp("log"))),
	"Erf":     family(nat(9, unaryOp("erf"))),
	"Sin":     family(nat(7, unaryOp("sin"))),
	"Cos":     family(nat(7, unaryOp("cos"))),
	"Neg":     family(nat(1, unaryOp("negative"))),
	"Abs":     family(nat(1, unaryOp("abs"))),
	"Tanh":    family(nat(1, unaryOp("tanh"))),
	"Sigmoid": family(nat(1, unaryOp("sigmoid"))),
	"Relu":    family(nat(1, unaryOp("relu"))),
	"Gelu":    family(nat(1, convGelu)),
	"BiasGelu": family(nat(1, func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		sum := cc.emit(sair.NewCall("add", []sair.Expr{inputs[0], inputs[1]}, nil))
		return sair.NewCall("gelu", []sair.Expr{sum}, nil)
	})),

	"Identity": family(nat(1, func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		return inputs[0]
	})),

	"Clip":  family(nat(1, convClipV1), nat(11, convClipV11)),
	"Where": family(nat(9, convWhere)),
	"Min":   family(nat(1, variadicOp("minimum"))),
	"Max":   family(nat(1, variadicOp("maximum"))),

	"MatMul": family(nat(1, binaryOp("matmul"))),
	"Gemm":   family(nat(1, convGemm)),
	"Concat": family(nat(1, convConcat)),
	// Before opset 13 Softmax coerced to 2-D with a default axis of 1.
	"Softmax":   family(nat(1, convSoftmaxV1), nat(13, convSoftmaxV13)),
	"Cast":      family(nat(1, convCast)),
	"Transpose": family(nat(1, convTranspose)),
	"Gather":    family(nat(1, convGather)),
	"Shape":     family(nat(1, convShapeV1), nat(15, convShapeV15)),
	"Constant":  family(nat(1, convConstant)),
	"Einsum":    family(nat(12, convEinsum)),

	// Layout ops whose parameters moved from attributes to inputs over
	// the opset history.
	"Squeeze":         family(nat(1, convSqueezeV1), nat(13, convSqueezeV13)),
	"Unsqueeze":       family(nat(1, convUnsqueezeV1), nat(13, convUnsqueezeV13)),
	"Reshape":         family(nat(1, convReshapeV1), nat(5, convReshapeV5)),
	"Slice":           family(nat(1, convSliceV1), nat(10, convSliceV10)),
	"Split":           family(nat(1, convSplitV1), nat(13, convSplitV13)),
	"Tile":            family(nat(1, convTile)),
	"Expand":          family(nat(8, convExpand)),
	"ConstantOfShape": family(nat(9, convConstantOfShape)),
	"Range":           family(nat(11, convRange)),
	"CumSum":          family(nat(11, convCumSum)),
	"Pad":             family(nat(1, convPadV1), nat(11, convPadV11)),
	"Resize":          family(nat(11, convResize)),

	// Bridged operators: converters in the tree dialect, lowered through
	// the cross-dialect bridge. Reductions whose axes moved from an
	// attribute to an input get a native variant at that threshold.
	"Conv":                  family(brg(1, treeConv)),
	"MaxPool":               family(brg(1, treeMaxPool)),
	"GlobalAveragePool":     family(brg(1, treeGlobalAveragePool)),
	"Flatten":               family(brg(1, treeFlatten)),
	"BatchNormalization":    family(brg(1, treeBatchNorm)),
	"LayerNormalization":    family(brg(17, treeLayerNorm)),
	"InstanceNormalization": family(brg(1, treeInstanceNorm)),

	"ReduceSum":       family(brg(1, treeReduce("sum")), nat(13, natReduce("sum"))),
	"ReduceMean":      family(brg(1, treeReduce("mean")), nat(18, natReduce("mean"))),
	"ReduceMax":       family(brg(1, treeReduce("max")), nat(18, natReduce("max"))),
	"ReduceMin":       family(brg(1, treeReduce("min")), nat(18, natReduce("min"))),
	"ReduceProd":      family(brg(1, treeReduce("prod")), nat(18, natReduce("prod"))),
	"ReduceL1":        family(brg(1, treeReduceCompose("l1")), nat(18, natReduceCompose("l1"))),
	"ReduceL2":        family(brg(1, treeReduceCompose("l2")), nat(18, natReduceCompose("l2"))),
	"ReduceLogSum":    family(brg(1, treeReduceCompose("log_sum")), nat(18, natReduceCompose("log_sum"))),
	"ReduceLogSumExp": family(brg(1, treeReduceCompose("log_sum_exp")), nat(18, natReduceCompose("log_sum_exp"))),
	"ReduceSumSquare": family(brg(1, treeReduceCompose("sum_square")), nat(18, natReduceCompose("sum_square"))),
}

func unaryOp(op string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		return sair.NewCall(op, []sair.Expr{inputs[0]}, nil)
	}
}

func binaryOp(op string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		return sair.NewCall(op, []sair.Expr{inputs[0], inputs[1]}, nil)
	}
}

// binaryLegacy handles the pre-7 explicit-broadcast form: without the
// broadcast attribute the operands must match exactly, which implicit
// broadcasting subsumes; the axis-directed form is out of scope.
func binaryLegacy(op string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		if attrs.IntOr("broadcast", 0) != 0 && attrs.Has("axis") {
			exceptions.Panicf("node %q: axis-directed legacy broadcast is not supported", cc.nodeName)
		}
		return sair.NewCall(op, []sair.Expr{inputs[0], inputs[1]}, nil)
	}
}

func variadicOp(op string) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		if len(inputs) == 0 {
			exceptions.Panicf("node %q: needs at least one input", cc.nodeName)
		}
		if len(inputs) == 1 {
			return inputs[0]
		}
		acc := inputs[0]
		for _, next := range inputs[1 : len(inputs)-1] {
			acc = cc.emit(sair.NewCall(op, []sair.Expr{acc, next}, nil))
		}
		return sair.NewCall(op, []sair.Expr{acc, inputs[len(inputs)-1]}, nil)
	}
}

// makeScalar builds a rank-0 tensor of the given dtype.
func makeScalar(dt dtypes.DType, v float64) *sair.Tensor {
	switch dt {
	case dtypes.Float32:
		return sair.FromScalar(float32(v))
	case dtypes.Float64:
		return sair.FromScalar(v)
	case dtypes.Float16:
		return sair.FromFloat16([]float16.Float16{float16.Fromfloat32(float32(v))})
	case dtypes.BFloat16:
		return sair.FromBFloat16([]uint16{uint16(math.Float32bits(float32(v)) >> 16)})
	case dtypes.Int8:
		return sair.FromScalar(int8(v))
	case dtypes.Int16:
		return sair.FromScalar(int16(v))
	case dtypes.Int32:
		return sair.FromScalar(int32(v))
	case dtypes.Int64:
		return sair.FromScalar(int64(v))
	case dtypes.Uint8:
		return sair.FromScalar(uint8(v))
	case dtypes.Uint16:
		return sair.FromScalar(uint16(v))
	case dtypes.Uint32:
		return sair.FromScalar(uint32(v))
	case dtypes.Uint64:
		return sair.FromScalar(uint64(v))
	case dtypes.Bool:
		return sair.FromScalar(v != 0)
	}
	exceptions.Panicf("cannot build scalar of dtype %s", dt)
	return nil
}

func exprDType(e sair.Expr) dtypes.DType {
	return e.Type().Shape().DType
}

func convGelu(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	// The tanh approximation folds into the same IR op.
	return sair.NewCall("gelu", []sair.Expr{inputs[0]}, nil)
}

func clipWith(cc *convCtx, x sair.Expr, lo, hi sair.Expr) sair.Expr {
	out := x
	if lo != nil {
		out = cc.emit(sair.NewCall("maximum", []sair.Expr{out, lo}, nil))
	}
	if hi != nil {
		return sair.NewCall("minimum", []sair.Expr{out, hi}, nil)
	}
	return out
}

func convClipV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	dt := exprDType(inputs[0])
	var lo, hi sair.Expr
	if attrs.Has("min") {
		lo = sair.NewConst(makeScalar(dt, float64(attrs.FloatOr("min", 0))))
	}
	if attrs.Has("max") {
		hi = sair.NewConst(makeScalar(dt, float64(attrs.FloatOr("max", 0))))
	}
	return clipWith(cc, inputs[0], lo, hi)
}

func convClipV11(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	var lo, hi sair.Expr
	if len(inputs) > 1 && inputs[1] != nil {
		lo = inputs[1]
	}
	if len(inputs) > 2 && inputs[2] != nil {
		hi = inputs[2]
	}
	return clipWith(cc, inputs[0], lo, hi)
}

func convWhere(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("where", []sair.Expr{inputs[0], inputs[1], inputs[2]}, nil)
}

func convGemm(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	alpha := attrs.FloatOr("alpha", 1)
	beta := attrs.FloatOr("beta", 1)
	a, b := inputs[0], inputs[1]
	if attrs.IntOr("transA", 0) != 0 {
		a = cc.emit(sair.NewCall("permute_dims", []sair.Expr{a}, map[string]any{"perm": []int{1, 0}}))
	}
	if attrs.IntOr("transB", 0) != 0 {
		b = cc.emit(sair.NewCall("permute_dims", []sair.Expr{b}, map[string]any{"perm": []int{1, 0}}))
	}
	dt := exprDType(a)
	out := sair.Expr(cc.emit(sair.NewCall("matmul", []sair.Expr{a, b}, nil)))
	if alpha != 1 {
		scale := sair.NewConst(makeScalar(dt, float64(alpha)))
		out = cc.emit(sair.NewCall("multiply", []sair.Expr{out, scale}, nil))
	}
	if len(inputs) > 2 && inputs[2] != nil {
		c := inputs[2]
		if beta != 1 {
			scale := sair.NewConst(makeScalar(dt, float64(beta)))
			c = cc.emit(sair.NewCall("multiply", []sair.Expr{c, scale}, nil))
		}
		return sair.NewCall("add", []sair.Expr{out, c}, nil)
	}
	return out
}

func convConcat(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("concat", inputs, map[string]any{"axis": attrs.IntOr("axis", 0)})
}

func convSoftmaxV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("softmax", []sair.Expr{inputs[0]}, map[string]any{"axis": attrs.IntOr("axis", 1)})
}

func convSoftmaxV13(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("softmax", []sair.Expr{inputs[0]}, map[string]any{"axis": attrs.IntOr("axis", -1)})
}

func convCast(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	to := attrs.IntOr("to", 0)
	dt, err := dtypeForONNX(protos.TensorProto_DataType(to))
	if err != nil {
		exceptions.Panicf("node %q: Cast to unsupported dtype %d", cc.nodeName, to)
	}
	return sair.NewCall("astype", []sair.Expr{inputs[0]}, map[string]any{"dtype": dt})
}

func convTranspose(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	attrMap := map[string]any{}
	if perm := attrs.Ints("perm"); perm != nil {
		attrMap["perm"] = perm
	}
	return sair.NewCall("permute_dims", []sair.Expr{inputs[0]}, attrMap)
}

func convGather(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("take", []sair.Expr{inputs[0], inputs[1]},
		map[string]any{"axis": attrs.IntOr("axis", 0)})
}

func convShapeV1(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	return sair.NewCall("shape_of", []sair.Expr{inputs[0]}, nil)
}

func convShapeV15(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	rank := inputs[0].Type().Shape().Rank()
	start := attrs.IntOr("start", 0)
	end := attrs.IntOr("end", rank)
	full := sair.NewCall("shape_of", []sair.Expr{inputs[0]}, nil)
	if start == 0 && end == rank {
		return full
	}
	return sair.NewCall("strided_slice", []sair.Expr{cc.emit(full)}, map[string]any{
		"axes": []int{0}, "begin": []int{start}, "end": []int{end}, "strides": []int{1},
	})
}

func convConstant(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	if t := attrs.Tensor("value"); t != nil {
		return sair.NewConst(t)
	}
	if attrs.Has("value_float") {
		return sair.NewConst(sair.FromScalar(attrs.FloatOr("value_float", 0)))
	}
	if attrs.Has("value_int") {
		return sair.NewConst(sair.FromScalar(int64(attrs.IntOr("value_int", 0))))
	}
	if floats := attrs.Floats("value_floats"); floats != nil {
		return sair.NewConst(sair.FromFlat(floats, len(floats)))
	}
	if attrs.Has("value_ints") {
		v, _ := attrs["value_ints"].([]int64)
		return sair.NewConst(sair.FromFlat(v, len(v)))
	}
	exceptions.Panicf("node %q: Constant carries no supported value attribute", cc.nodeName)
	return nil
}

func convEinsum(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
	equation := attrs.StrOr("equation", "")
	if equation == "" {
		exceptions.Panicf("node %q: Einsum requires an equation", cc.nodeName)
	}
	return sair.NewCall("einsum", inputs, map[string]any{"equation": equation})
}
