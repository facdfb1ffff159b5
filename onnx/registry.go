package onnx

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/sair"
	"github.com/sairml/onnx-sair/treeir"
)

// nativeConverter builds a SAIR expression for one node. Inputs are the
// node's already-bound operands in declaration order, nil for blank names.
type nativeConverter func(cc *convCtx, inputs []sair.Expr, attrs Attributes) sair.Expr

// bridgedConverter builds a tree-dialect expression for one node; the bridge
// translates the result into the SAIR pipeline.
type bridgedConverter func(inputs []treeir.Expr, attrs Attributes) treeir.Expr

// variant is one versioned implementation of an operator: it applies to
// opsets >= minOpset, until a higher variant takes over. Exactly one of
// native and bridged is set.
type variant struct {
	minOpset int
	native   nativeConverter
	bridged  bridgedConverter
}

func nat(minOpset int, fn nativeConverter) variant {
	return variant{minOpset: minOpset, native: fn}
}

func brg(minOpset int, fn bridgedConverter) variant {
	return variant{minOpset: minOpset, bridged: fn}
}

// converterFamily is the version-ordered implementation list of one
// operator.
type converterFamily struct {
	variants []variant
}

func family(variants ...variant) *converterFamily {
	f := &converterFamily{variants: variants}
	sort.Slice(f.variants, func(i, j int) bool {
		return f.variants[i].minOpset < f.variants[j].minOpset
	})
	return f
}

// resolve picks the variant with the largest minOpset not exceeding the
// requested opset. An opset below every variant is an error, never a
// wrap-around.
func (f *converterFamily) resolve(opset int) (*variant, error) {
	best := -1
	for i, v := range f.variants {
		if v.minOpset > opset {
			break
		}
		best = i
	}
	if best < 0 {
		return nil, errors.Wrapf(ErrUnsupportedVersion,
			"no variant for opset %d (earliest supported is %d)", opset, f.variants[0].minOpset)
	}
	return &f.variants[best], nil
}

// Supported reports whether op has a registered converter family.
func Supported(op string) bool {
	_, ok := converters[op]
	return ok
}

// SupportedOps returns the sorted list of operators with a registered
// converter.
func SupportedOps() []string {
	ops := make([]string, 0, len(converters))
	for op := range converters {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
