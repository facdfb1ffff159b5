package onnx

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sairml/onnx-sair/internal/protos"
)

func TestParseAttributesSlots(t *testing.T) {
	n := node("Test", nil, []string{"y"},
		&protos.AttributeProto{Name: "alpha", F: 0.5, HasF: true},
		&protos.AttributeProto{Name: "axis", I: -1, HasI: true},
		&protos.AttributeProto{Name: "mode", S: []byte("constant"), HasS: true},
		&protos.AttributeProto{Name: "perm", Ints: []int64{1, 0}},
		&protos.AttributeProto{Name: "names", Strings: [][]byte{[]byte("a"), []byte("b")}},
	)
	attrs, err := parseAttributes(n)
	require.NoError(t, err)

	assert.Equal(t, float32(0.5), attrs.FloatOr("alpha", 0))
	assert.Equal(t, -1, attrs.IntOr("axis", 0))
	assert.Equal(t, "constant", attrs.StrOr("mode", ""))
	assert.Equal(t, []int{1, 0}, attrs.Ints("perm"))
	assert.Equal(t, []string{"a", "b"}, attrs.Strs("names"))
	assert.True(t, attrs.Has("alpha"))
	assert.False(t, attrs.Has("beta"))
	assert.Equal(t, 7, attrs.IntOr("missing", 7))
}

func TestParseAttributesZeroIsPresent(t *testing.T) {
	// Presence flags distinguish an explicit zero from an absent slot.
	n := node("Test", nil, []string{"y"},
		&protos.AttributeProto{Name: "transA", I: 0, HasI: true},
	)
	attrs, err := parseAttributes(n)
	require.NoError(t, err)
	assert.True(t, attrs.Has("transA"))
	assert.Equal(t, 0, attrs.IntOr("transA", 5))
}

func TestParseAttributesNoValue(t *testing.T) {
	n := node("Test", nil, []string{"y"},
		&protos.AttributeProto{Name: "empty"},
	)
	_, err := parseAttributes(n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedAttribute), "got %v", err)
}

func TestParseAttributesConflict(t *testing.T) {
	n := node("Test", nil, []string{"y"},
		&protos.AttributeProto{Name: "both", I: 1, HasI: true, Ints: []int64{1, 2}},
	)
	_, err := parseAttributes(n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflictingAttribute), "got %v", err)
}

func TestParseAttributesSubgraph(t *testing.T) {
	n := node("If", nil, []string{"y"},
		&protos.AttributeProto{Name: "then_branch", G: &protos.GraphProto{}},
	)
	_, err := parseAttributes(n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedFeature), "got %v", err)
}

func TestParseAttributesTensor(t *testing.T) {
	n := node("Constant", nil, []string{"y"},
		&protos.AttributeProto{Name: "value", T: floatInit("", []int64{2}, []float32{1, 2})},
	)
	attrs, err := parseAttributes(n)
	require.NoError(t, err)
	v := attrs.Tensor("value")
	require.NotNil(t, v)
	assert.Equal(t, []int{2}, v.Dims())
}
