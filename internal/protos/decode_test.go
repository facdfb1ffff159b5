package protos

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendTag(b []byte, num protowire.Number, typ protowire.Type) []byte {
	return protowire.AppendTag(b, num, typ)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = appendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = appendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSub(b []byte, num protowire.Number, sub []byte) []byte {
	b = appendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func encodeOpset(domain string, version int64) []byte {
	var b []byte
	if domain != "" {
		b = appendString(b, 1, domain)
	}
	b = appendVarintField(b, 2, uint64(version))
	return b
}

func encodeDim(value int64, param string) []byte {
	var b []byte
	if param != "" {
		return appendString(b, 2, param)
	}
	return appendVarintField(b, 1, uint64(value))
}

func encodeTensorValueInfo(name string, elemType int32, dims ...[]byte) []byte {
	var shape []byte
	for _, d := range dims {
		shape = appendSub(shape, 1, d)
	}
	var tt []byte
	tt = appendVarintField(tt, 1, uint64(elemType))
	tt = appendSub(tt, 2, shape)
	var tp []byte
	tp = appendSub(tp, 1, tt)
	var vi []byte
	vi = appendString(vi, 1, name)
	vi = appendSub(vi, 2, tp)
	return vi
}

func TestUnmarshalModel(t *testing.T) {
	// TensorProto initializer "w": FLOAT, dims [2 2], raw_data.
	var w []byte
	w = appendTag(w, 1, protowire.VarintType)
	w = protowire.AppendVarint(w, 2)
	w = appendVarintField(w, 1, 2) // dims as two unpacked varints
	w = appendVarintField(w, 2, uint64(TensorProto_FLOAT))
	w = appendString(w, 8, "w")
	raw := make([]byte, 0, 16)
	for _, f := range []float32{1, 2, 3, 4} {
		raw = protowire.AppendFixed32(raw, math.Float32bits(f))
	}
	w = appendTag(w, 9, protowire.BytesType)
	w = protowire.AppendBytes(w, raw)

	// Attribute "alpha": float scalar.
	var alpha []byte
	alpha = appendString(alpha, 1, "alpha")
	alpha = appendTag(alpha, 2, protowire.Fixed32Type)
	alpha = protowire.AppendFixed32(alpha, math.Float32bits(0.5))
	alpha = appendVarintField(alpha, 20, uint64(AttributeProto_FLOAT))

	// Attribute "perm": packed ints.
	var packed []byte
	packed = protowire.AppendVarint(packed, 1)
	packed = protowire.AppendVarint(packed, 0)
	var perm []byte
	perm = appendString(perm, 1, "perm")
	perm = appendSub(perm, 8, packed)
	perm = appendVarintField(perm, 20, uint64(AttributeProto_INTS))

	// Node: Gemm(x, w) -> y with both attributes.
	var node []byte
	node = appendString(node, 1, "x")
	node = appendString(node, 1, "w")
	node = appendString(node, 2, "y")
	node = appendString(node, 3, "gemm0")
	node = appendString(node, 4, "Gemm")
	node = appendSub(node, 5, alpha)
	node = appendSub(node, 5, perm)

	var graph []byte
	graph = appendSub(graph, 1, node)
	graph = appendString(graph, 2, "main")
	graph = appendSub(graph, 5, w)
	graph = appendSub(graph, 11, encodeTensorValueInfo("x", int32(TensorProto_FLOAT),
		encodeDim(0, "batch"), encodeDim(2, "")))
	graph = appendSub(graph, 12, encodeTensorValueInfo("y", int32(TensorProto_FLOAT),
		encodeDim(0, "batch"), encodeDim(2, "")))

	var model []byte
	model = appendVarintField(model, 1, 8) // ir_version
	model = appendString(model, 2, "test-exporter")
	model = appendSub(model, 7, graph)
	model = appendSub(model, 8, encodeOpset("", 17))
	// Unknown field (training_info=20) must be skipped.
	model = appendSub(model, 20, []byte{0x0a, 0x00})

	var m ModelProto
	require.NoError(t, Unmarshal(model, &m))

	assert.Equal(t, int64(8), m.IrVersion)
	assert.Equal(t, "test-exporter", m.ProducerName)
	require.Len(t, m.OpsetImport, 1)
	assert.Equal(t, "", m.OpsetImport[0].Domain)
	assert.Equal(t, int64(17), m.OpsetImport[0].Version)

	g := m.Graph
	require.NotNil(t, g)
	assert.Equal(t, "main", g.Name)
	require.Len(t, g.Node, 1)
	require.Len(t, g.Initializer, 1)
	require.Len(t, g.Input, 1)
	require.Len(t, g.Output, 1)

	n := g.Node[0]
	assert.Equal(t, "Gemm", n.OpType)
	assert.Equal(t, "gemm0", n.Name)
	assert.Equal(t, []string{"x", "w"}, n.Input)
	assert.Equal(t, []string{"y"}, n.Output)
	require.Len(t, n.Attribute, 2)
	a0, a1 := n.Attribute[0], n.Attribute[1]
	assert.Equal(t, "alpha", a0.Name)
	assert.True(t, a0.HasF)
	assert.InDelta(t, 0.5, a0.F, 1e-6)
	assert.False(t, a0.HasI)
	assert.Equal(t, "perm", a1.Name)
	assert.Equal(t, []int64{1, 0}, a1.Ints)

	w0 := g.Initializer[0]
	assert.Equal(t, "w", w0.Name)
	assert.Equal(t, []int64{2, 2}, w0.Dims)
	assert.Equal(t, int32(TensorProto_FLOAT), w0.DataType)
	assert.Len(t, w0.RawData, 16)

	in := g.Input[0]
	assert.Equal(t, "x", in.Name)
	dims := in.Type.TensorType.Shape.Dim
	require.Len(t, dims, 2)
	assert.Equal(t, "batch", dims[0].DimParam)
	assert.False(t, dims[0].HasDimValue)
	assert.True(t, dims[1].HasDimValue)
	assert.Equal(t, int64(2), dims[1].DimValue)
}

func TestUnmarshalPackedAndUnpackedEquivalent(t *testing.T) {
	var packed []byte
	for _, v := range []uint64{3, 4, 5} {
		packed = protowire.AppendVarint(packed, v)
	}
	var tp []byte
	tp = appendSub(tp, 1, packed) // dims packed

	var tu []byte
	for _, v := range []uint64{3, 4, 5} {
		tu = appendVarintField(tu, 1, v) // dims unpacked
	}

	var a, b TensorProto
	require.NoError(t, unmarshalTensor(tp, &a))
	require.NoError(t, unmarshalTensor(tu, &b))
	assert.Equal(t, []int64{3, 4, 5}, a.Dims)
	assert.Equal(t, a.Dims, b.Dims)
}

func TestUnmarshalFloatData(t *testing.T) {
	var packed []byte
	for _, f := range []float32{1.5, -2.25} {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	var tp []byte
	tp = appendSub(tp, 4, packed)

	var tt TensorProto
	require.NoError(t, unmarshalTensor(tp, &tt))
	assert.Equal(t, []float32{1.5, -2.25}, tt.FloatData)
}

func TestUnmarshalFunctions(t *testing.T) {
	var fn []byte
	fn = appendString(fn, 1, "custom_gelu")
	var model []byte
	model = appendVarintField(model, 1, 8)
	model = appendSub(model, 25, fn)

	var m ModelProto
	require.NoError(t, Unmarshal(model, &m))
	require.Len(t, m.Functions, 1)
	assert.Equal(t, "custom_gelu", m.Functions[0].Name)
}

func TestUnmarshalMalformed(t *testing.T) {
	var m ModelProto
	// Truncated length-delimited field.
	bad := appendTag(nil, 7, protowire.BytesType)
	bad = protowire.AppendVarint(bad, 100)
	assert.Error(t, Unmarshal(bad, &m))
}
