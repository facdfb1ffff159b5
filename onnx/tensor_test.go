package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

func TestTensorFromRawData(t *testing.T) {
	raw := make([]byte, 4*4)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	proto := &protos.TensorProto{
		Name:     "w",
		DataType: int32(protos.TensorProto_FLOAT),
		Dims:     []int64{2, 2},
		RawData:  raw,
	}
	tensor, err := tensorToSAIR(proto)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, tensor.Dims())
	assert.Equal(t, []float32{1, 2, 3, 4}, sair.Flat[float32](tensor))
}

func TestTensorFromRawDataSizeMismatch(t *testing.T) {
	proto := &protos.TensorProto{
		Name:     "w",
		DataType: int32(protos.TensorProto_FLOAT),
		Dims:     []int64{2, 2},
		RawData:  make([]byte, 12),
	}
	_, err := tensorToSAIR(proto)
	require.Error(t, err)
}

func TestTensorFloat16(t *testing.T) {
	raw := make([]byte, 2*3)
	for i, v := range []float32{0.5, 1, -2} {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	proto := &protos.TensorProto{
		Name:     "h",
		DataType: int32(protos.TensorProto_FLOAT16),
		Dims:     []int64{3},
		RawData:  raw,
	}
	tensor, err := tensorToSAIR(proto)
	require.NoError(t, err)
	floats, err := tensor.Floats64()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1, -2}, floats)
}

func TestTensorNarrowInt32Field(t *testing.T) {
	proto := &protos.TensorProto{
		Name:      "q",
		DataType:  int32(protos.TensorProto_INT8),
		Dims:      []int64{4},
		Int32Data: []int32{-1, 0, 1, 127},
	}
	tensor, err := tensorToSAIR(proto)
	require.NoError(t, err)
	assert.Equal(t, []int8{-1, 0, 1, 127}, sair.Flat[int8](tensor))
}

func TestExternalDataResolution(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, 4*2)
	binary.LittleEndian.PutUint32(raw[0:], math.Float32bits(3))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(7))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), raw, 0o644))

	proto := &protos.TensorProto{
		Name:         "w",
		DataType:     int32(protos.TensorProto_FLOAT),
		Dims:         []int64{2},
		DataLocation: protos.TensorProto_EXTERNAL,
		ExternalData: []*protos.StringStringEntryProto{
			{Key: "location", Value: "weights.bin"},
			{Key: "offset", Value: "0"},
			{Key: "length", Value: "8"},
		},
	}
	reader := newExternalDataReader(dir)
	defer func() { _ = reader.Close() }()
	require.NoError(t, resolveExternalData(proto, reader))

	tensor, err := tensorToSAIR(proto)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 7}, sair.Flat[float32](tensor))
}

func TestExternalDataMissingFile(t *testing.T) {
	proto := &protos.TensorProto{
		Name:         "w",
		DataType:     int32(protos.TensorProto_FLOAT),
		Dims:         []int64{2},
		DataLocation: protos.TensorProto_EXTERNAL,
		ExternalData: []*protos.StringStringEntryProto{
			{Key: "location", Value: "nope.bin"},
		},
	}
	reader := newExternalDataReader(t.TempDir())
	defer func() { _ = reader.Close() }()
	require.Error(t, resolveExternalData(proto, reader))
}

func TestExternalDataUnresolvedFails(t *testing.T) {
	proto := &protos.TensorProto{
		Name:         "w",
		DataType:     int32(protos.TensorProto_FLOAT),
		Dims:         []int64{2},
		DataLocation: protos.TensorProto_EXTERNAL,
	}
	_, err := tensorToSAIR(proto)
	require.Error(t, err)
}
