package onnx

import "github.com/pkg/errors"

// Sentinel errors for the importer's failure classes. Wrapped causes carry
// the node, operator and attribute context; callers classify failures with
// errors.Is.
var (
	// ErrMalformedModel: the model violates structural requirements of the
	// format (missing graph, unsupported IR version, segmented or sparse
	// tensors).
	ErrMalformedModel = errors.New("malformed model")

	// ErrUnsupportedOp: no converter is registered for an operator.
	ErrUnsupportedOp = errors.New("unsupported operator")

	// ErrUnsupportedVersion: a converter exists but none of its variants
	// covers the requested opset.
	ErrUnsupportedVersion = errors.New("unsupported operator version")

	// ErrMalformedAttribute: an attribute has no populated value slot.
	ErrMalformedAttribute = errors.New("malformed attribute")

	// ErrConflictingAttribute: an attribute has more than one populated
	// value slot.
	ErrConflictingAttribute = errors.New("conflicting attribute")

	// ErrUnsupportedFeature: the model uses a feature outside the
	// importer's scope (functions, subgraph attributes, external data
	// without a directory).
	ErrUnsupportedFeature = errors.New("unsupported feature")

	// ErrDuplicateDefinition: two nodes define the same output name.
	ErrDuplicateDefinition = errors.New("duplicate definition")

	// ErrUndefinedReference: a node consumes a name nothing has defined.
	ErrUndefinedReference = errors.New("undefined reference")

	// ErrOutputArityMismatch: a converter produced fewer values than the
	// node declares.
	ErrOutputArityMismatch = errors.New("output arity mismatch")

	// ErrUnsupportedDynamicInput: an input that must be known at import
	// time depends on runtime data.
	ErrUnsupportedDynamicInput = errors.New("unsupported dynamic input")

	// ErrBridgeTranslation: a bridged converter's translated program did
	// not have the expected structure.
	ErrBridgeTranslation = errors.New("bridge translation failed")

	// ErrInvalidInput: caller-provided import options reference unknown
	// inputs or disagree with the model.
	ErrInvalidInput = errors.New("invalid input")
)
