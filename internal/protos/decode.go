package protos

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a serialized ONNX model. Unknown fields are skipped so
// that models produced by newer exporters still load; malformed wire data is
// an error.
func Unmarshal(data []byte, m *ModelProto) error {
	return unmarshalModel(data, m)
}

// fieldFn decodes one field given its number, wire type and the remaining
// buffer, returning the number of bytes it consumed (<0 on parse error).
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) int

// walkMessage drives the generic tag/skip loop shared by all messages.
func walkMessage(b []byte, what string, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "decoding %s tag", what)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n == 0 {
			// Field not handled by the message: skip it.
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "decoding %s field %d", what, num)
		}
		b = b[n:]
	}
	return nil
}

func consumeString(b []byte) (string, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", n
	}
	return string(v), n
}

func consumeByteCopy(b []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n
}

// consumeVarints appends one varint (VarintType) or a packed run (BytesType)
// to *dst, converting each element with conv.
func consumeVarints[T any](dst *[]T, typ protowire.Type, b []byte, conv func(uint64) T) int {
	if typ == protowire.VarintType {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n
		}
		*dst = append(*dst, conv(v))
		return n
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return m
		}
		*dst = append(*dst, conv(v))
		packed = packed[m:]
	}
	return n
}

func consumeFloats(dst *[]float32, typ protowire.Type, b []byte) int {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return n
		}
		*dst = append(*dst, math.Float32frombits(v))
		return n
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return m
		}
		*dst = append(*dst, math.Float32frombits(v))
		packed = packed[m:]
	}
	return n
}

func consumeDoubles(dst *[]float64, typ protowire.Type, b []byte) int {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return n
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return m
		}
		*dst = append(*dst, math.Float64frombits(v))
		packed = packed[m:]
	}
	return n
}

// consumeSub decodes an embedded message with dec and stores it via set.
func consumeSub[T any](b []byte, what string, dec func([]byte, *T) error, set func(*T)) int {
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	msg := new(T)
	if err := dec(raw, msg); err != nil {
		return -1
	}
	set(msg)
	return n
}

func unmarshalModel(b []byte, m *ModelProto) error {
	return walkMessage(b, "ModelProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1: // ir_version
			v, n := protowire.ConsumeVarint(b)
			m.IrVersion = int64(v)
			return n
		case 2:
			var n int
			m.ProducerName, n = consumeString(b)
			return n
		case 3:
			var n int
			m.ProducerVersion, n = consumeString(b)
			return n
		case 4:
			var n int
			m.Domain, n = consumeString(b)
			return n
		case 5:
			v, n := protowire.ConsumeVarint(b)
			m.ModelVersion = int64(v)
			return n
		case 6:
			var n int
			m.DocString, n = consumeString(b)
			return n
		case 7:
			return consumeSub(b, "GraphProto", unmarshalGraph, func(g *GraphProto) { m.Graph = g })
		case 8:
			return consumeSub(b, "OperatorSetIdProto", unmarshalOperatorSetId, func(o *OperatorSetIdProto) {
				m.OpsetImport = append(m.OpsetImport, o)
			})
		case 14:
			return consumeSub(b, "StringStringEntryProto", unmarshalStringStringEntry, func(e *StringStringEntryProto) {
				m.MetadataProps = append(m.MetadataProps, e)
			})
		case 25:
			return consumeSub(b, "FunctionProto", unmarshalFunction, func(f *FunctionProto) {
				m.Functions = append(m.Functions, f)
			})
		}
		return 0
	})
}

func unmarshalGraph(b []byte, g *GraphProto) error {
	return walkMessage(b, "GraphProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeSub(b, "NodeProto", unmarshalNode, func(n *NodeProto) { g.Node = append(g.Node, n) })
		case 2:
			var n int
			g.Name, n = consumeString(b)
			return n
		case 5:
			return consumeSub(b, "TensorProto", unmarshalTensor, func(t *TensorProto) {
				g.Initializer = append(g.Initializer, t)
			})
		case 10:
			var n int
			g.DocString, n = consumeString(b)
			return n
		case 11:
			return consumeSub(b, "ValueInfoProto", unmarshalValueInfo, func(v *ValueInfoProto) {
				g.Input = append(g.Input, v)
			})
		case 12:
			return consumeSub(b, "ValueInfoProto", unmarshalValueInfo, func(v *ValueInfoProto) {
				g.Output = append(g.Output, v)
			})
		case 13:
			return consumeSub(b, "ValueInfoProto", unmarshalValueInfo, func(v *ValueInfoProto) {
				g.ValueInfo = append(g.ValueInfo, v)
			})
		case 15:
			return consumeSub(b, "SparseTensorProto", unmarshalSparseTensor, func(s *SparseTensorProto) {
				g.SparseInitializer = append(g.SparseInitializer, s)
			})
		}
		return 0
	})
}

func unmarshalNode(b []byte, nd *NodeProto) error {
	return walkMessage(b, "NodeProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			s, n := consumeString(b)
			if n >= 0 {
				nd.Input = append(nd.Input, s)
			}
			return n
		case 2:
			s, n := consumeString(b)
			if n >= 0 {
				nd.Output = append(nd.Output, s)
			}
			return n
		case 3:
			var n int
			nd.Name, n = consumeString(b)
			return n
		case 4:
			var n int
			nd.OpType, n = consumeString(b)
			return n
		case 5:
			return consumeSub(b, "AttributeProto", unmarshalAttribute, func(a *AttributeProto) {
				nd.Attribute = append(nd.Attribute, a)
			})
		case 6:
			var n int
			nd.DocString, n = consumeString(b)
			return n
		case 7:
			var n int
			nd.Domain, n = consumeString(b)
			return n
		case 8:
			var n int
			nd.Overload, n = consumeString(b)
			return n
		}
		return 0
	})
}

func unmarshalAttribute(b []byte, a *AttributeProto) error {
	return walkMessage(b, "AttributeProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var n int
			a.Name, n = consumeString(b)
			return n
		case 2:
			v, n := protowire.ConsumeFixed32(b)
			a.F = math.Float32frombits(v)
			a.HasF = n >= 0
			return n
		case 3:
			v, n := protowire.ConsumeVarint(b)
			a.I = int64(v)
			a.HasI = n >= 0
			return n
		case 4:
			var n int
			a.S, n = consumeByteCopy(b)
			a.HasS = n >= 0
			return n
		case 5:
			return consumeSub(b, "TensorProto", unmarshalTensor, func(t *TensorProto) { a.T = t })
		case 6:
			return consumeSub(b, "GraphProto", unmarshalGraph, func(g *GraphProto) { a.G = g })
		case 7:
			return consumeFloats(&a.Floats, typ, b)
		case 8:
			return consumeVarints(&a.Ints, typ, b, func(v uint64) int64 { return int64(v) })
		case 9:
			s, n := consumeByteCopy(b)
			if n >= 0 {
				a.Strings = append(a.Strings, s)
			}
			return n
		case 10:
			return consumeSub(b, "TensorProto", unmarshalTensor, func(t *TensorProto) {
				a.Tensors = append(a.Tensors, t)
			})
		case 11:
			return consumeSub(b, "GraphProto", unmarshalGraph, func(g *GraphProto) {
				a.Graphs = append(a.Graphs, g)
			})
		case 13:
			var n int
			a.DocString, n = consumeString(b)
			return n
		case 20:
			v, n := protowire.ConsumeVarint(b)
			a.Type = AttributeProto_AttributeType(v)
			return n
		case 21:
			var n int
			a.RefAttrName, n = consumeString(b)
			return n
		}
		return 0
	})
}

func unmarshalTensor(b []byte, t *TensorProto) error {
	return walkMessage(b, "TensorProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeVarints(&t.Dims, typ, b, func(v uint64) int64 { return int64(v) })
		case 2:
			v, n := protowire.ConsumeVarint(b)
			t.DataType = int32(v)
			return n
		case 3:
			return consumeSub(b, "TensorProto.Segment", unmarshalSegment, func(s *TensorProto_Segment) { t.Segment = s })
		case 4:
			return consumeFloats(&t.FloatData, typ, b)
		case 5:
			return consumeVarints(&t.Int32Data, typ, b, func(v uint64) int32 { return int32(v) })
		case 6:
			s, n := consumeByteCopy(b)
			if n >= 0 {
				t.StringData = append(t.StringData, s)
			}
			return n
		case 7:
			return consumeVarints(&t.Int64Data, typ, b, func(v uint64) int64 { return int64(v) })
		case 8:
			var n int
			t.Name, n = consumeString(b)
			return n
		case 9:
			var n int
			t.RawData, n = consumeByteCopy(b)
			return n
		case 10:
			return consumeDoubles(&t.DoubleData, typ, b)
		case 11:
			return consumeVarints(&t.Uint64Data, typ, b, func(v uint64) uint64 { return v })
		case 12:
			var n int
			t.DocString, n = consumeString(b)
			return n
		case 13:
			return consumeSub(b, "StringStringEntryProto", unmarshalStringStringEntry, func(e *StringStringEntryProto) {
				t.ExternalData = append(t.ExternalData, e)
			})
		case 14:
			v, n := protowire.ConsumeVarint(b)
			t.DataLocation = TensorProto_DataLocation(v)
			return n
		}
		return 0
	})
}

func unmarshalSegment(b []byte, s *TensorProto_Segment) error {
	return walkMessage(b, "TensorProto.Segment", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			s.Begin = int64(v)
			return n
		case 2:
			v, n := protowire.ConsumeVarint(b)
			s.End = int64(v)
			return n
		}
		return 0
	})
}

func unmarshalSparseTensor(b []byte, s *SparseTensorProto) error {
	return walkMessage(b, "SparseTensorProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeSub(b, "TensorProto", unmarshalTensor, func(t *TensorProto) { s.Values = t })
		case 2:
			return consumeSub(b, "TensorProto", unmarshalTensor, func(t *TensorProto) { s.Indices = t })
		case 3:
			return consumeVarints(&s.Dims, typ, b, func(v uint64) int64 { return int64(v) })
		}
		return 0
	})
}

func unmarshalValueInfo(b []byte, v *ValueInfoProto) error {
	return walkMessage(b, "ValueInfoProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var n int
			v.Name, n = consumeString(b)
			return n
		case 2:
			return consumeSub(b, "TypeProto", unmarshalType, func(t *TypeProto) { v.Type = t })
		case 3:
			var n int
			v.DocString, n = consumeString(b)
			return n
		}
		return 0
	})
}

func unmarshalType(b []byte, t *TypeProto) error {
	return walkMessage(b, "TypeProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeSub(b, "TypeProto.Tensor", unmarshalTensorType, func(tt *TypeProto_Tensor) { t.TensorType = tt })
		}
		return 0
	})
}

func unmarshalTensorType(b []byte, t *TypeProto_Tensor) error {
	return walkMessage(b, "TypeProto.Tensor", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			t.ElemType = int32(v)
			return n
		case 2:
			return consumeSub(b, "TensorShapeProto", unmarshalTensorShape, func(s *TensorShapeProto) { t.Shape = s })
		}
		return 0
	})
}

func unmarshalTensorShape(b []byte, s *TensorShapeProto) error {
	return walkMessage(b, "TensorShapeProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeSub(b, "TensorShapeProto.Dimension", unmarshalDimension, func(d *TensorShapeProto_Dimension) {
				s.Dim = append(s.Dim, d)
			})
		}
		return 0
	})
}

func unmarshalDimension(b []byte, d *TensorShapeProto_Dimension) error {
	return walkMessage(b, "TensorShapeProto.Dimension", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			d.DimValue = int64(v)
			d.HasDimValue = n >= 0
			return n
		case 2:
			var n int
			d.DimParam, n = consumeString(b)
			return n
		case 3:
			var n int
			d.Denotation, n = consumeString(b)
			return n
		}
		return 0
	})
}

func unmarshalOperatorSetId(b []byte, o *OperatorSetIdProto) error {
	return walkMessage(b, "OperatorSetIdProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var n int
			o.Domain, n = consumeString(b)
			return n
		case 2:
			v, n := protowire.ConsumeVarint(b)
			o.Version = int64(v)
			return n
		}
		return 0
	})
}

func unmarshalFunction(b []byte, f *FunctionProto) error {
	return walkMessage(b, "FunctionProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			var n int
			f.Name, n = consumeString(b)
			return n
		}
		return 0
	})
}

func unmarshalStringStringEntry(b []byte, e *StringStringEntryProto) error {
	return walkMessage(b, "StringStringEntryProto", func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			var n int
			e.Key, n = consumeString(b)
			return n
		case 2:
			var n int
			e.Value, n = consumeString(b)
			return n
		}
		return 0
	})
}
