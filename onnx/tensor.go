package onnx

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

// Shape converts an ONNX tensor's data type and dimensions to a sair.Shape.
func Shape(proto *protos.TensorProto) (shape sair.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = dtypeForONNX(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dims = make([]sair.Dim, len(proto.Dims))
	for axis, dim := range proto.Dims {
		shape.Dims[axis] = sair.StaticDim(int(dim))
	}
	if proto.Segment != nil {
		err = errors.Wrapf(ErrMalformedModel, "segmented tensor %q not supported", proto.Name)
		return
	}
	return
}

// checkAndCreateTensor implements the generic check and copy of ONNX proto
// data to a tensor for one of the directly stored data types.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *protos.TensorProto, onnxData []T, shape sair.Shape) (*sair.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if shape.DType != dtypes.FromGenericsType[T]() {
		return nil, errors.Errorf("tensor %q shaped %s provided data as %T!?", proto.Name, shape, onnxData)
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided a slice with %d values!?",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	return sair.FromFlat(onnxData, shape.Sizes()...), nil
}

// narrowFromInt32 handles the types ONNX stores widened inside int32_data.
func narrowFromInt32[T interface {
	int8 | int16 | uint8 | uint16 | uint32
}](proto *protos.TensorProto, shape sair.Shape) (*sair.Tensor, error) {
	if len(proto.Int32Data) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided %d int32 values!?",
			proto.Name, shape, shape.Size(), len(proto.Int32Data))
	}
	data := make([]T, len(proto.Int32Data))
	for i, v := range proto.Int32Data {
		data[i] = T(v)
	}
	return sair.FromFlat(data, shape.Sizes()...), nil
}

// tensorToSAIR converts a TensorProto to a sair.Tensor, handling raw data,
// the per-dtype data fields and the widened narrow types. External data must
// have been resolved into RawData beforehand.
func tensorToSAIR(proto *protos.TensorProto) (*sair.Tensor, error) {
	shape, err := Shape(proto)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
	}
	if proto.DataLocation == protos.TensorProto_EXTERNAL && proto.RawData == nil {
		return nil, errors.Wrapf(ErrUnsupportedFeature,
			"tensor %q stores data externally and no external data directory was configured", proto.Name)
	}

	if proto.RawData != nil {
		return rawToTensor(proto, shape)
	}

	// Data provided in one of the typed fields.
	t, err := checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return t, err
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return t, err
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return t, err
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return t, err
	}
	if proto.Int32Data != nil {
		switch shape.DType {
		case dtypes.Int32:
			return checkAndCreateTensor(proto, proto.Int32Data, shape)
		case dtypes.Int8:
			return narrowFromInt32[int8](proto, shape)
		case dtypes.Int16:
			return narrowFromInt32[int16](proto, shape)
		case dtypes.Uint8:
			return narrowFromInt32[uint8](proto, shape)
		case dtypes.Uint16:
			return narrowFromInt32[uint16](proto, shape)
		case dtypes.Uint32:
			return narrowFromInt32[uint32](proto, shape)
		case dtypes.Bool:
			data := make([]bool, len(proto.Int32Data))
			for i, v := range proto.Int32Data {
				data[i] = v != 0
			}
			if len(data) != shape.Size() {
				return nil, errors.Errorf("tensor %q shaped %s has %d bool values!?", proto.Name, shape, len(data))
			}
			return sair.FromFlat(data, shape.Sizes()...), nil
		case dtypes.Float16:
			data := make([]float16.Float16, len(proto.Int32Data))
			for i, v := range proto.Int32Data {
				data[i] = float16.Frombits(uint16(v))
			}
			return sair.FromFloat16(data, shape.Sizes()...), nil
		case dtypes.BFloat16:
			data := make([]uint16, len(proto.Int32Data))
			for i, v := range proto.Int32Data {
				data[i] = uint16(v)
			}
			return sair.FromBFloat16(data, shape.Sizes()...), nil
		}
	}
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model!?", proto.Name, shape)
}

func dtypeByteSize(dt dtypes.DType) int {
	switch dt {
	case dtypes.Float64, dtypes.Int64, dtypes.Uint64:
		return 8
	case dtypes.Float32, dtypes.Int32, dtypes.Uint32:
		return 4
	case dtypes.Float16, dtypes.BFloat16, dtypes.Int16, dtypes.Uint16:
		return 2
	default:
		return 1
	}
}

// rawToTensor decodes little-endian raw tensor bytes.
func rawToTensor(proto *protos.TensorProto, shape sair.Shape) (*sair.Tensor, error) {
	raw := proto.RawData
	size := shape.Size()
	if want := size * dtypeByteSize(shape.DType); len(raw) != want {
		return nil, errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
			proto.Name, shape, want, len(raw))
	}
	dims := shape.Sizes()
	switch shape.DType {
	case dtypes.Float32:
		data := make([]float32, size)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Float64:
		data := make([]float64, size)
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Int64:
		data := make([]int64, size)
		for i := range data {
			data[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Uint64:
		data := make([]uint64, size)
		for i := range data {
			data[i] = binary.LittleEndian.Uint64(raw[8*i:])
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Int32:
		data := make([]int32, size)
		for i := range data {
			data[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Uint32:
		data := make([]uint32, size)
		for i := range data {
			data[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Int16:
		data := make([]int16, size)
		for i := range data {
			data[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Uint16:
		data := make([]uint16, size)
		for i := range data {
			data[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Int8:
		data := make([]int8, size)
		for i, b := range raw {
			data[i] = int8(b)
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Uint8:
		data := make([]uint8, size)
		copy(data, raw)
		return sair.FromFlat(data, dims...), nil
	case dtypes.Bool:
		data := make([]bool, size)
		for i, b := range raw {
			data[i] = b != 0
		}
		return sair.FromFlat(data, dims...), nil
	case dtypes.Float16:
		data := make([]float16.Float16, size)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		return sair.FromFloat16(data, dims...), nil
	case dtypes.BFloat16:
		data := make([]uint16, size)
		for i := range data {
			data[i] = binary.LittleEndian.Uint16(raw[2*i:])
		}
		return sair.FromBFloat16(data, dims...), nil
	}
	return nil, errors.Errorf("tensor %q: unsupported raw-data dtype %s", proto.Name, shape.DType)
}
