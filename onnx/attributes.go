package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

// Synthetic attribute keys injected for every node, alongside the model's
// own attributes.
const (
	// AttrNodeName carries the node's identity for diagnostics.
	AttrNodeName = "onnxsair.name"
	// AttrNumOutputs carries the node's declared output count.
	AttrNumOutputs = "onnxsair.num_outputs"
)

// Attributes holds a node's parsed attributes as plain Go values: float32,
// int64, string, *sair.Tensor, or slices of those.
type Attributes map[string]any

// parseAttributes converts a node's attribute list. Each attribute must have
// exactly one populated value slot; subgraph-valued attributes are out of
// scope.
func parseAttributes(node *protos.NodeProto) (Attributes, error) {
	attrs := make(Attributes, len(node.Attribute)+2)
	for _, a := range node.Attribute {
		if a.RefAttrName != "" {
			return nil, errors.Wrapf(ErrUnsupportedFeature,
				"node %q attribute %q references a function attribute", node.Name, a.Name)
		}
		if a.G != nil || len(a.Graphs) > 0 {
			return nil, errors.Wrapf(ErrUnsupportedFeature,
				"node %q attribute %q holds a subgraph", node.Name, a.Name)
		}
		var value any
		slots := 0
		if a.HasF {
			value, slots = a.F, slots+1
		}
		if a.HasI {
			value, slots = a.I, slots+1
		}
		if a.HasS {
			value, slots = string(a.S), slots+1
		}
		if a.T != nil {
			t, err := tensorToSAIR(a.T)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q attribute %q", node.Name, a.Name)
			}
			value, slots = t, slots+1
		}
		if len(a.Floats) > 0 {
			value, slots = a.Floats, slots+1
		}
		if len(a.Ints) > 0 {
			value, slots = a.Ints, slots+1
		}
		if len(a.Strings) > 0 {
			strs := make([]string, len(a.Strings))
			for i, s := range a.Strings {
				strs[i] = string(s)
			}
			value, slots = strs, slots+1
		}
		if len(a.Tensors) > 0 {
			ts := make([]*sair.Tensor, len(a.Tensors))
			for i, tp := range a.Tensors {
				t, err := tensorToSAIR(tp)
				if err != nil {
					return nil, errors.WithMessagef(err, "node %q attribute %q", node.Name, a.Name)
				}
				ts[i] = t
			}
			value, slots = ts, slots+1
		}
		switch {
		case slots == 0:
			return nil, errors.Wrapf(ErrMalformedAttribute,
				"node %q attribute %q has no value", node.Name, a.Name)
		case slots > 1:
			return nil, errors.Wrapf(ErrConflictingAttribute,
				"node %q attribute %q has %d populated value slots", node.Name, a.Name, slots)
		}
		attrs[a.Name] = value
	}
	return attrs, nil
}

// NodeName returns the node identity injected under AttrNodeName.
func (a Attributes) NodeName() string {
	name, _ := a[AttrNodeName].(string)
	return name
}

// NumOutputs returns the node's declared output count.
func (a Attributes) NumOutputs() int {
	n, _ := a[AttrNumOutputs].(int)
	return n
}

// Has reports whether the attribute is present.
func (a Attributes) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func attrAs[T any](a Attributes, name string) (T, bool) {
	raw, ok := a[name]
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		exceptions.Panicf("node %q: attribute %q is %T, expected %T",
			a.NodeName(), name, raw, v)
	}
	return v, true
}

// IntOr returns an INT attribute, or def when absent.
func (a Attributes) IntOr(name string, def int) int {
	v, ok := attrAs[int64](a, name)
	if !ok {
		return def
	}
	return int(v)
}

// Ints returns an INTS attribute widened to []int, or nil when absent.
func (a Attributes) Ints(name string) []int {
	v, ok := attrAs[[]int64](a, name)
	if !ok {
		return nil
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// FloatOr returns a FLOAT attribute, or def when absent.
func (a Attributes) FloatOr(name string, def float32) float32 {
	v, ok := attrAs[float32](a, name)
	if !ok {
		return def
	}
	return v
}

// Floats returns a FLOATS attribute, or nil when absent.
func (a Attributes) Floats(name string) []float32 {
	v, _ := attrAs[[]float32](a, name)
	return v
}

// StrOr returns a STRING attribute, or def when absent.
func (a Attributes) StrOr(name, def string) string {
	v, ok := attrAs[string](a, name)
	if !ok {
		return def
	}
	return v
}

// Strs returns a STRINGS attribute, or nil when absent.
func (a Attributes) Strs(name string) []string {
	v, _ := attrAs[[]string](a, name)
	return v
}

// Tensor returns a TENSOR attribute, or nil when absent.
func (a Attributes) Tensor(name string) *sair.Tensor {
	v, _ := attrAs[*sair.Tensor](a, name)
	return v
}
