package onnx

import (
	"github.com/gomlx/exceptions"

	"github.com/sairml/onnx-sair/sair"
	"github.com/sairml/onnx-sair/treeir"
)

// Converters expressed in the tree dialect. The bridge lowers their result
// through treeir.Translate and splices the translated bindings into the
// program under construction.

// pool2DAttrs maps the kernel/strides/pads attribute trio shared by Conv and
// the pooling operators.
func pool2DAttrs(attrs Attributes) (kernel, strides, padding []int) {
	kernel = attrs.Ints("kernel_shape")
	strides = attrs.Ints("strides")
	if strides == nil {
		strides = []int{1, 1}
	}
	padding = attrs.Ints("pads")
	if padding == nil {
		padding = []int{0, 0, 0, 0}
	}
	if ap := attrs.StrOr("auto_pad", "NOTSET"); ap != "NOTSET" && ap != "VALID" {
		exceptions.Panicf("node %q: auto_pad %q is not supported", attrs.NodeName(), ap)
	}
	return
}

func treeConv(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	_, strides, padding := pool2DAttrs(attrs)
	dilations := attrs.Ints("dilations")
	if dilations == nil {
		dilations = []int{1, 1}
	}
	out := treeir.NewCall("conv2d", []treeir.Expr{inputs[0], inputs[1]}, map[string]any{
		"strides":   strides,
		"padding":   padding,
		"dilations": dilations,
		"groups":    attrs.IntOr("group", 1),
	})
	if len(inputs) > 2 && inputs[2] != nil {
		bias := treeir.NewCall("expand_dims", []treeir.Expr{inputs[2]},
			map[string]any{"axes": []int{1, 2}})
		out = treeir.NewCall("add", []treeir.Expr{out, bias}, nil)
	}
	return out
}

func treeMaxPool(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	if attrs.IntOr("ceil_mode", 0) != 0 {
		exceptions.Panicf("node %q: MaxPool ceil_mode is not supported", attrs.NodeName())
	}
	kernel, strides, padding := pool2DAttrs(attrs)
	if kernel == nil {
		exceptions.Panicf("node %q: MaxPool requires kernel_shape", attrs.NodeName())
	}
	return treeir.NewCall("max_pool2d", []treeir.Expr{inputs[0]}, map[string]any{
		"pool_size": kernel,
		"strides":   strides,
		"padding":   padding,
	})
}

func treeGlobalAveragePool(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	return treeir.NewCall("global_avg_pool", []treeir.Expr{inputs[0]}, nil)
}

func treeFlatten(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	return treeir.NewCall("flatten", []treeir.Expr{inputs[0]},
		map[string]any{"axis": attrs.IntOr("axis", 1)})
}

func treeBatchNorm(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	if attrs.NumOutputs() > 1 {
		exceptions.Panicf("node %q: BatchNormalization training outputs are not supported",
			attrs.NodeName())
	}
	return treeir.NewCall("batch_norm", inputs[:5],
		map[string]any{"epsilon": attrs.FloatOr("epsilon", 1e-5)})
}

// zerosTree synthesizes a zero constant matching another tree operand, for
// optional inputs the composite lowering requires.
func zerosTree(e treeir.Expr, node string) treeir.Expr {
	var s sair.Shape
	switch e := e.(type) {
	case *treeir.Var:
		s = e.Shape
	case *treeir.Const:
		s = e.Value.Shape()
	default:
		exceptions.Panicf("node %q: cannot derive a shape for a synthesized operand", node)
	}
	if !s.IsStatic() {
		exceptions.Panicf("node %q: cannot synthesize zeros for symbolic shape %s", node, s)
	}
	return &treeir.Const{Value: sair.Zeros(s.DType, s.Sizes()...)}
}

func treeLayerNorm(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	if attrs.NumOutputs() > 1 {
		exceptions.Panicf("node %q: LayerNormalization mean/stddev outputs are not supported",
			attrs.NodeName())
	}
	var bias treeir.Expr
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	if bias == nil {
		bias = zerosTree(inputs[1], attrs.NodeName())
	}
	return treeir.NewCall("layer_norm", []treeir.Expr{inputs[0], inputs[1], bias}, map[string]any{
		"axis":    attrs.IntOr("axis", -1),
		"epsilon": attrs.FloatOr("epsilon", 1e-5),
	})
}

func treeInstanceNorm(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
	return treeir.NewCall("instance_norm", inputs[:3],
		map[string]any{"epsilon": attrs.FloatOr("epsilon", 1e-5)})
}

func reduceAttrMap(attrs Attributes) map[string]any {
	m := map[string]any{"keepdims": attrs.IntOr("keepdims", 1) != 0}
	if axes := attrs.Ints("axes"); axes != nil {
		m["axes"] = axes
	}
	return m
}

// treeReduce builds a reduction whose axes arrive as an attribute.
func treeReduce(op string) bridgedConverter {
	return func(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
		return treeir.NewCall(op, []treeir.Expr{inputs[0]}, reduceAttrMap(attrs))
	}
}

// treeReduceCompose builds the derived reductions from the base ones.
func treeReduceCompose(kind string) bridgedConverter {
	return func(inputs []treeir.Expr, attrs Attributes) treeir.Expr {
		m := reduceAttrMap(attrs)
		x := inputs[0]
		switch kind {
		case "l1":
			return treeir.NewCall("sum", []treeir.Expr{
				treeir.NewCall("abs", []treeir.Expr{x}, nil),
			}, m)
		case "l2":
			return treeir.NewCall("sqrt", []treeir.Expr{
				treeir.NewCall("sum", []treeir.Expr{
					treeir.NewCall("multiply", []treeir.Expr{x, x}, nil),
				}, m),
			}, nil)
		case "log_sum":
			return treeir.NewCall("log", []treeir.Expr{
				treeir.NewCall("sum", []treeir.Expr{x}, m),
			}, nil)
		case "log_sum_exp":
			return treeir.NewCall("log", []treeir.Expr{
				treeir.NewCall("sum", []treeir.Expr{
					treeir.NewCall("exp", []treeir.Expr{x}, nil),
				}, m),
			}, nil)
		case "sum_square":
			return treeir.NewCall("sum", []treeir.Expr{
				treeir.NewCall("multiply", []treeir.Expr{x, x}, nil),
			}, m)
		}
		exceptions.Panicf("unknown derived reduction %q", kind)
		return nil
	}
}
