package onnx

import (
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

func TestBridgeSharesHelpers(t *testing.T) {
	// Two identically shaped LayerNormalization nodes must share one helper
	// function, registered once.
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2, 4)},
		Initializer: []*protos.TensorProto{
			floatInit("gamma", []int64{4}, []float32{1, 1, 1, 1}),
			floatInit("beta", []int64{4}, []float32{0, 0, 0, 0}),
		},
		Node: []*protos.NodeProto{
			node("LayerNormalization", []string{"x", "gamma", "beta"}, []string{"h"}),
			node("LayerNormalization", []string{"h", "gamma", "beta"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 4)},
	}
	prog, _, err := Import(testModel(17, g))
	require.NoError(t, err)

	require.Len(t, prog.Funcs, 2)
	var helperName string
	for _, fn := range prog.Funcs {
		if fn.Name != "main" {
			helperName = fn.Name
		}
	}
	require.True(t, strings.HasPrefix(helperName, "layer_norm_"), "got %q", helperName)

	main := must.M1(prog.Main())
	calls := 0
	for _, bind := range main.Bindings {
		if c, ok := bind.Expr.(*sair.Call); ok && c.Target != nil {
			assert.Equal(t, helperName, c.Target.Name)
			calls++
		}
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())
}

func TestBridgeLayerNormOptionalBias(t *testing.T) {
	// The bias input is optional: both the two-input form and a blank third
	// input name must import, with a zero bias synthesized from scale.
	build := func(inputs []string) *Model {
		return testModel(17, &protos.GraphProto{
			Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 2, 4)},
			Initializer: []*protos.TensorProto{
				floatInit("gamma", []int64{4}, []float32{1, 1, 1, 1}),
			},
			Node: []*protos.NodeProto{
				node("LayerNormalization", inputs, []string{"y"}),
			},
			Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 2, 4)},
		})
	}

	for _, inputs := range [][]string{
		{"x", "gamma"},
		{"x", "gamma", ""},
	} {
		prog, _, err := Import(build(inputs))
		require.NoError(t, err, "inputs %v", inputs)
		main := must.M1(prog.Main())
		assert.Equal(t, "Float32[2 4]", main.Ret.Type().Shape().String())
	}
}

func TestBridgeConvChain(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 1, 3, 8, 8)},
		Initializer: []*protos.TensorProto{
			floatInit("w", []int64{16, 3, 3, 3}, make([]float32, 16*3*3*3)),
			floatInit("b", []int64{16}, make([]float32, 16)),
		},
		Node: []*protos.NodeProto{
			node("Conv", []string{"x", "w", "b"}, []string{"c"},
				attrInts("kernel_shape", 3, 3),
				attrInts("pads", 1, 1, 1, 1)),
			node("MaxPool", []string{"c"}, []string{"p"},
				attrInts("kernel_shape", 2, 2),
				attrInts("strides", 2, 2)),
			node("GlobalAveragePool", []string{"p"}, []string{"gap"}),
			node("Flatten", []string{"gap"}, []string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 1, 16)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[1 16]", main.Ret.Type().Shape().String())

	names := make([]string, 0, len(prog.Funcs))
	for _, fn := range prog.Funcs {
		names = append(names, fn.Name)
	}
	assert.Contains(t, names, "main")
	foundGap, foundFlatten := false, false
	for _, name := range names {
		if strings.HasPrefix(name, "global_avg_pool_") {
			foundGap = true
		}
		if strings.HasPrefix(name, "flatten_") {
			foundFlatten = true
		}
	}
	assert.True(t, foundGap, "funcs: %v", names)
	assert.True(t, foundFlatten, "funcs: %v", names)
}

func TestBridgeBatchNormInline(t *testing.T) {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{tensorInput("x", protos.TensorProto_FLOAT, 1, 3, 4, 4)},
		Initializer: []*protos.TensorProto{
			floatInit("scale", []int64{3}, []float32{1, 1, 1}),
			floatInit("bias", []int64{3}, []float32{0, 0, 0}),
			floatInit("mean", []int64{3}, []float32{0, 0, 0}),
			floatInit("variance", []int64{3}, []float32{1, 1, 1}),
		},
		Node: []*protos.NodeProto{
			node("BatchNormalization", []string{"x", "scale", "bias", "mean", "variance"},
				[]string{"y"}),
		},
		Output: []*protos.ValueInfoProto{tensorInput("y", protos.TensorProto_FLOAT, 1, 3, 4, 4)},
	}
	prog, _, err := Import(testModel(13, g))
	require.NoError(t, err)

	// Inline lowering: no helper functions, only main.
	require.Len(t, prog.Funcs, 1)
	main := must.M1(prog.Main())
	assert.Equal(t, "Float32[1 3 4 4]", main.Ret.Type().Shape().String())
}
