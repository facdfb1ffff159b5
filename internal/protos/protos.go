// Package protos holds the subset of the ONNX serialized-model messages that
// the importer consumes, together with a decoder for the protobuf wire format.
//
// The structs mirror the message and field layout of onnx.proto
// (https://github.com/onnx/onnx/blob/main/onnx/onnx.proto), but only the
// fields the importer reads are decoded; everything else is skipped.
package protos

// TensorProto_DataType enumerates the ONNX tensor element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

var dataTypeNames = map[TensorProto_DataType]string{
	TensorProto_UNDEFINED:  "UNDEFINED",
	TensorProto_FLOAT:      "FLOAT",
	TensorProto_UINT8:      "UINT8",
	TensorProto_INT8:       "INT8",
	TensorProto_UINT16:     "UINT16",
	TensorProto_INT16:      "INT16",
	TensorProto_INT32:      "INT32",
	TensorProto_INT64:      "INT64",
	TensorProto_STRING:     "STRING",
	TensorProto_BOOL:       "BOOL",
	TensorProto_FLOAT16:    "FLOAT16",
	TensorProto_DOUBLE:     "DOUBLE",
	TensorProto_UINT32:     "UINT32",
	TensorProto_UINT64:     "UINT64",
	TensorProto_COMPLEX64:  "COMPLEX64",
	TensorProto_COMPLEX128: "COMPLEX128",
	TensorProto_BFLOAT16:   "BFLOAT16",
}

func (dt TensorProto_DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return "UNKNOWN"
}

// TensorProto_DataLocation says whether tensor data is inline or in an
// external file next to the model.
type TensorProto_DataLocation int32

const (
	TensorProto_DEFAULT  TensorProto_DataLocation = 0
	TensorProto_EXTERNAL TensorProto_DataLocation = 1
)

// AttributeProto_AttributeType enumerates attribute value kinds.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

// ModelProto is the top-level ONNX model message.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
	Functions       []*FunctionProto
}

// OperatorSetIdProto identifies an operator set by domain and version.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a key/value string pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// FunctionProto is an in-model function definition. The importer rejects
// models that carry them; only the name is decoded for diagnostics.
type FunctionProto struct {
	Name string
}

// GraphProto is the computation graph: nodes plus inputs, outputs and
// initializer constants.
type GraphProto struct {
	Node              []*NodeProto
	Name              string
	Initializer       []*TensorProto
	SparseInitializer []*SparseTensorProto
	DocString         string
	Input             []*ValueInfoProto
	Output            []*ValueInfoProto
	ValueInfo         []*ValueInfoProto
}

// NodeProto is one operator application.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Overload  string
	Attribute []*AttributeProto
	DocString string
}

// AttributeProto is a named attribute value. Exactly one of the value slots
// is expected to be populated; the Has* flags record wire-level presence for
// the scalar slots, which proto3 getters alone cannot distinguish from zero
// values.
type AttributeProto struct {
	Name        string
	RefAttrName string
	DocString   string
	Type        AttributeProto_AttributeType

	F float32
	I int64
	S []byte
	T *TensorProto
	G *GraphProto

	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Tensors []*TensorProto
	Graphs  []*GraphProto

	HasF bool
	HasI bool
	HasS bool
}

// TensorProto is a named constant tensor.
type TensorProto struct {
	Dims     []int64
	DataType int32
	Segment  *TensorProto_Segment
	Name     string

	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	DoubleData []float64
	Uint64Data []uint64
	RawData    []byte

	DocString    string
	ExternalData []*StringStringEntryProto
	DataLocation TensorProto_DataLocation
}

// TensorProto_Segment marks a tensor stored as part of a larger buffer.
// Unsupported; decoded only so it can be rejected with a clear error.
type TensorProto_Segment struct {
	Begin int64
	End   int64
}

// SparseTensorProto is decoded only far enough to be detected and rejected.
type SparseTensorProto struct {
	Values  *TensorProto
	Dims    []int64
	Indices *TensorProto
}

// ValueInfoProto describes a graph input, output or intermediate value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto wraps the type of a value; only tensor types are supported.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

// TypeProto_Tensor is a tensor type: element type plus shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto is a list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a literal size (DimValue) or a named
// symbolic dimension (DimParam). HasDimValue records wire-level presence so
// that an explicit zero-sized dimension can be told apart from an absent one.
type TensorShapeProto_Dimension struct {
	DimValue    int64
	DimParam    string
	HasDimValue bool
	Denotation  string
}
