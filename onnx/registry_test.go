package onnx

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sairml/onnx-sair/sair"
)

func markerConverter(marker int) nativeConverter {
	return func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr {
		_ = marker
		return inputs[0]
	}
}

func TestResolveVersionBoundaries(t *testing.T) {
	fam := family(
		nat(13, markerConverter(13)),
		nat(1, markerConverter(1)),
		nat(7, markerConverter(7)),
	)
	// family sorts its variants regardless of declaration order.
	for i := 1; i < len(fam.variants); i++ {
		assert.Less(t, fam.variants[i-1].minOpset, fam.variants[i].minOpset)
	}
	cases := []struct {
		opset, want int
	}{
		{1, 1}, {6, 1}, {7, 7}, {12, 7}, {13, 13}, {14, 13},
	}
	for _, c := range cases {
		v, err := fam.resolve(c.opset)
		require.NoError(t, err, "opset %d", c.opset)
		assert.Equal(t, c.want, v.minOpset, "opset %d", c.opset)
	}
}

func TestResolveBelowAllVariants(t *testing.T) {
	fam := family(nat(9, markerConverter(9)), nat(13, markerConverter(13)))
	_, err := fam.resolve(8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion), "got %v", err)
}

func TestConverterFamiliesWellFormed(t *testing.T) {
	for op, fam := range converters {
		require.NotEmpty(t, fam.variants, "operator %s", op)
		for i, v := range fam.variants {
			hasNative := v.native != nil
			hasBridged := v.bridged != nil
			assert.True(t, hasNative != hasBridged,
				"operator %s variant %d must be native xor bridged", op, i)
			if i > 0 {
				assert.Less(t, fam.variants[i-1].minOpset, v.minOpset,
					"operator %s variants must be strictly ordered", op)
			}
		}
	}
}

func TestSupportedOpsSorted(t *testing.T) {
	ops := SupportedOps()
	require.NotEmpty(t, ops)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, ops[i-1], ops[i])
	}
	assert.True(t, Supported("Add"))
	assert.True(t, Supported("Conv"))
	assert.False(t, Supported("NotAnOp"))
}
