package onnx

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

// Test graph construction helpers. Models are assembled directly as protos
// structs; the wire decoder has its own tests in internal/protos.

func testModel(opset int, g *protos.GraphProto) *Model {
	return &Model{Proto: protos.ModelProto{
		IrVersion:   8,
		Graph:       g,
		OpsetImport: []*protos.OperatorSetIdProto{{Domain: "", Version: int64(opset)}},
	}}
}

func tensorInput(name string, dtype protos.TensorProto_DataType, dims ...any) *protos.ValueInfoProto {
	shape := &protos.TensorShapeProto{}
	for _, d := range dims {
		switch d := d.(type) {
		case int:
			shape.Dim = append(shape.Dim, &protos.TensorShapeProto_Dimension{
				DimValue: int64(d), HasDimValue: true})
		case string:
			shape.Dim = append(shape.Dim, &protos.TensorShapeProto_Dimension{DimParam: d})
		}
	}
	return &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{TensorType: &protos.TypeProto_Tensor{
			ElemType: int32(dtype),
			Shape:    shape,
		}},
	}
}

func floatInit(name string, dims []int64, data []float32) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  int32(protos.TensorProto_FLOAT),
		Dims:      dims,
		FloatData: data,
	}
}

func int64Init(name string, dims []int64, data []int64) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  int32(protos.TensorProto_INT64),
		Dims:      dims,
		Int64Data: data,
	}
}

func node(op string, inputs, outputs []string, attrs ...*protos.AttributeProto) *protos.NodeProto {
	return &protos.NodeProto{
		OpType:    op,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
}

func attrInt(name string, v int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, I: v, HasI: true}
}

func attrInts(name string, v ...int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Ints: v}
}

func TestImportLinearGraph(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{
			tensorInput("x", protos.TensorProto_FLOAT, 2, 3),
			tensorInput("w", protos.TensorProto_FLOAT, 3, 4),
		},
		Initializer: []*protos.TensorProto{
			floatInit("w", []int64{3, 4}, make([]float32, 12)),
		},
		Node: []*protos.NodeProto{
			node("MatMul", []string{"x", "w"}, []string{"mm"}),
			node("Relu", []string{"mm"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 4)},
	}
	m := testModel(13, g)

	prog, params, err := Import(m)
	require.NoError(t, err)
	main := must.M1(prog.Main())

	// The initializer shadows its declared input: one parameter remains.
	require.Len(t, main.Params, 1)
	assert.Equal(t, "x", main.Params[0].Name)
	require.Contains(t, params, "w")
	assert.Equal(t, []int{3, 4}, params["w"].Dims())

	text := prog.String()
	assert.Contains(t, text, "matmul")
	assert.Contains(t, text, "relu")
	assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())

	// Importing twice yields structurally identical programs.
	prog2, _, err := Import(m)
	require.NoError(t, err)
	assert.Equal(t, text, prog2.String())
}

func TestImportIdentityRoundTrip(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	g := &protos.GraphProto{
		Initializer: []*protos.TensorProto{
			floatInit("t", []int64{2, 3}, values),
		},
		Node: []*protos.NodeProto{
			node("Identity", []string{"t"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 3)},
	}
	prog, params, err := Import(testModel(13, g))
	require.NoError(t, err)

	require.Contains(t, params, "t")
	assert.Equal(t, values, sair.Flat[float32](params["t"]))

	main := must.M1(prog.Main())
	require.Len(t, main.Bindings, 1)
	c, ok := main.Bindings[0].Expr.(*sair.Const)
	require.True(t, ok)
	assert.True(t, c.Value.Equal(params["t"]))
}

func TestImportUndefinedReference(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2)},
		Node: []*protos.NodeProto{
			node("Add", []string{"x", "missing"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2)},
	}
	_, _, err := Import(testModel(13, g))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUndefinedReference), "got %v", err)
}

func TestImportPreflightUnsupportedOp(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2)},
		Node: []*protos.NodeProto{
			node("FancyOp", []string{"x"}, []string{"a"}),
			node("Relu", []string{"a"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2)},
	}
	_, _, err := Import(testModel(13, g))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOp), "got %v", err)
	assert.Contains(t, err.Error(), "FancyOp")
}

func TestImportSplitOutputs(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 6, 2)},
		Node: []*protos.NodeProto{
			node("Split", []string{"x"}, []string{"a", "b", "c"}, attrInt("axis", 0)),
		},
		Output: []*protos.ValueInfoProto{
			tensorInput("a", protos.TensorProto_FLOAT, 2, 2),
			tensorInput("b", protos.TensorProto_FLOAT, 2, 2),
			tensorInput("c", protos.TensorProto_FLOAT, 2, 2),
		},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	ret := main.Ret.Type()
	require.True(t, ret.IsTuple())
	require.Equal(t, 3, ret.Len())
	for i := 0; i < 3; i++ {
		assert.Equal(t, "Float32[2 2]", ret.Elem(i).String())
	}
}

func TestImportSplitExtraOutputs(t *testing.T) {
	// A converter may produce more values than the node declares: the extras
	// stay bound in the program, unreferenced.
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 4, 2)},
		Node: []*protos.NodeProto{
			node("Split", []string{"x"}, []string{"a", "b", "c"},
				attrInt("axis", 0), attrInts("split", 1, 1, 1, 1)),
		},
		Output: []*protos.ValueInfoProto{
			tensorInput("a", protos.TensorProto_FLOAT, 1, 2),
			tensorInput("b", protos.TensorProto_FLOAT, 1, 2),
			tensorInput("c", protos.TensorProto_FLOAT, 1, 2),
		},
	}
	prog, _, err := Import(testModel(11, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())

	// All four sections are unpacked, even though only three are referenced.
	unpacked := 0
	for _, bind := range main.Bindings {
		if _, ok := bind.Expr.(*sair.TupleGetItem); ok {
			unpacked++
		}
	}
	assert.Equal(t, 4, unpacked)

	ret := main.Ret.Type()
	require.True(t, ret.IsTuple())
	require.Equal(t, 3, ret.Len())
	for i := 0; i < 3; i++ {
		assert.Equal(t, "Float32[1 2]", ret.Elem(i).String())
	}
}

func TestImportOutputArityMismatch(t *testing.T) {
	// Relu produces one value; declaring two outputs must fail.
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2)},
		Node: []*protos.NodeProto{
			node("Relu", []string{"x"}, []string{"y", "extra"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2)},
	}
	_, _, err := Import(testModel(13, g))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputArityMismatch), "got %v", err)
}

func TestImportSanitizeNames(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{
			tensorInput("1weird.name", protos.TensorProto_FLOAT, 2),
			tensorInput("", protos.TensorProto_FLOAT, 2),
			tensorInput("", protos.TensorProto_FLOAT, 2),
		},
		Node: []*protos.NodeProto{
			node("Relu", []string{"1weird.name"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	require.Len(t, main.Params, 3)
	assert.Equal(t, "input_1weird_name", main.Params[0].Name)
	assert.Equal(t, "empty_0", main.Params[1].Name)
	assert.Equal(t, "empty_1", main.Params[2].Name)

	prog, _, err = Import(testModel(13, g), WithSanitizeNames(false))
	require.NoError(t, err)
	main = must.M1(prog.Main())
	assert.Equal(t, "1weird.name", main.Params[0].Name)
}

func TestImportRejectsOldIRVersion(t *testing.T) {
	m := testModel(13, &protos.GraphProto{
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2)},
	})
	m.Proto.IrVersion = 2
	_, _, err := Import(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedModel), "got %v", err)
}

func TestImportShapeOverride(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, "batch", 3)},
		Node: []*protos.NodeProto{
			node("Relu", []string{"x"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, "batch", 3)},
	}
	prog, _, err := Import(testModel(13, g), WithInputShapes(map[string][]int{"x": {2, 3}}))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[2 3]", main.Params[0].Shape.String())

	_, _, err = Import(testModel(13, g), WithInputShapes(map[string][]int{"nope": {2}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
}

func TestImportConstantReshape(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2, 3)},
		Initializer: []*protos.TensorProto{
			int64Init("target", []int64{2}, []int64{3, 2}),
		},
		Node: []*protos.NodeProto{
			node("Reshape", []string{"x", "target"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 3, 2)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[3 2]", main.Ret.Type().Shape().String())
}

func TestImportShapeChainFolds(t *testing.T) {
	// Shape -> Gather -> Unsqueeze chains must fold at import time even
	// though the data input is a runtime value.
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 4, 6)},
		Initializer: []*protos.TensorProto{
			int64Init("idx", nil, []int64{1}),
			int64Init("axes", []int64{1}, []int64{0}),
			int64Init("rest", []int64{1}, []int64{-1}),
		},
		Node: []*protos.NodeProto{
			node("Shape", []string{"x"}, []string{"s"}),
			node("Gather", []string{"s", "idx"}, []string{"d1"}, attrInt("axis", 0)),
			node("Unsqueeze", []string{"d1", "axes"}, []string{"d1u"}),
			node("Concat", []string{"rest", "d1u"}, []string{"target"}, attrInt("axis", 0)),
			node("Reshape", []string{"x", "target"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 4, 6)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[4 6]", main.Ret.Type().Shape().String())
}

func TestImportDynamicReshapeFails(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{
			tensorInput("x", protos.TensorProto_FLOAT, 2, 3),
			tensorInput("target", protos.TensorProto_INT64, 2),
		},
		Node: []*protos.NodeProto{
			node("Reshape", []string{"x", "target"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 3, 2)},
	}
	_, _, err := Import(testModel(13, g))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDynamicInput), "got %v", err)
}

func TestImportGemmWithTranspose(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 3, 2)},
		Initializer: []*protos.TensorProto{
			floatInit("w", []int64{4, 3}, make([]float32, 12)),
			floatInit("b", []int64{4}, make([]float32, 4)),
		},
		Node: []*protos.NodeProto{
			node("Gemm", []string{"x", "w", "b"}, []string{"y"},
				attrInt("transA", 1), attrInt("transB", 1)),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 4)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())
}

func TestImportSliceV10(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 8, 4)},
		Initializer: []*protos.TensorProto{
			int64Init("starts", []int64{1}, []int64{6}),
			int64Init("ends", []int64{1}, []int64{0}),
			int64Init("axes", []int64{1}, []int64{0}),
			int64Init("steps", []int64{1}, []int64{-2}),
		},
		Node: []*protos.NodeProto{
			node("Slice", []string{"x", "starts", "ends", "axes", "steps"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 3, 4)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[3 4]", main.Ret.Type().Shape().String())
}

func TestImportReduceVariants(t *testing.T) {
	// Opset 11 resolves to the bridged attribute form, opset 18 to the
	// native input form; both must produce the same result shape.
	build := func(opset int, nodes []*protos.NodeProto, inits ...*protos.TensorProto) *Model {
		return testModel(opset, &protos.GraphProto{
			Input:       []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2, 3, 4)},
			Initializer: inits,
			Node:        nodes,
			Output:      []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 4)},
		})
	}

	prog, _, err := Import(build(11, []*protos.NodeProto{
		node("ReduceMean", []string{"x"}, []string{"y"},
			attrInts("axes", 1), attrInt("keepdims", 0)),
	}))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())

	prog, _, err = Import(build(18, []*protos.NodeProto{
		node("ReduceMean", []string{"x", "axes"}, []string{"y"}, attrInt("keepdims", 0)),
	}, int64Init("axes", []int64{1}, []int64{1})))
	require.NoError(t, err)
	main = must.M1(prog.Main())
	assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())
}
