package treeir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sairml/onnx-sair/sair"
)

func TestTranslateSimpleTree(t *testing.T) {
	x := &Var{Name: "x", Shape: sair.MakeShape(dtypes.Float32, 2, 3)}
	y := &Var{Name: "y", Shape: sair.MakeShape(dtypes.Float32, 2, 3)}
	body := NewCall("add", []Expr{
		NewCall("multiply", []Expr{x, y}, nil),
		&Const{Value: sair.FromScalar(float32(1))},
	}, nil)

	prog, err := Translate(&Func{Name: "f", Params: []*Var{x, y}, Body: body})
	require.NoError(t, err)
	main, err := prog.Main()
	require.NoError(t, err)
	assert.Len(t, main.Params, 2)
	// multiply, const and add all get their own bindings.
	assert.GreaterOrEqual(t, len(main.Bindings), 3)
	ret, ok := main.Ret.(*sair.Value)
	require.True(t, ok)
	assert.Equal(t, "Float32[2 3]", ret.Shape().String())
}

func TestTranslateSharedHelper(t *testing.T) {
	shape := sair.MakeShape(dtypes.Float32, 2, 4)
	pshape := sair.MakeShape(dtypes.Float32, 4)
	x := &Var{Name: "x", Shape: shape}
	gamma := &Var{Name: "gamma", Shape: pshape}
	beta := &Var{Name: "beta", Shape: pshape}

	ln := func(arg Expr) Expr {
		return NewCall("layer_norm", []Expr{arg, gamma, beta},
			map[string]any{"axis": -1, "epsilon": float32(1e-5)})
	}
	prog, err := Translate(&Func{Name: "f", Params: []*Var{x, gamma, beta}, Body: ln(ln(x))})
	require.NoError(t, err)

	// Two identical layer_norm applications share one helper function.
	require.Len(t, prog.Funcs, 2)
	var helper string
	for _, fn := range prog.Funcs {
		if fn.Name != "main" {
			helper = fn.Name
		}
	}
	assert.Contains(t, helper, "layer_norm")
	calls := 0
	main, err := prog.Main()
	require.NoError(t, err)
	for _, bind := range main.Bindings {
		if call, ok := bind.Expr.(*sair.Call); ok && call.Target != nil {
			assert.Equal(t, helper, call.Target.Name)
			calls++
		}
	}
	assert.Equal(t, 2, calls)
}

func TestTranslateFlatten(t *testing.T) {
	x := &Var{Name: "x", Shape: sair.MakeShape(dtypes.Float32, 2, 3, 4)}
	prog, err := Translate(&Func{Name: "f", Params: []*Var{x},
		Body: NewCall("flatten", []Expr{x}, map[string]any{"axis": 1})})
	require.NoError(t, err)
	main, err := prog.Main()
	require.NoError(t, err)
	ret, ok := main.Ret.(*sair.Value)
	require.True(t, ok)
	assert.Equal(t, "Float32[2 12]", ret.Shape().String())
	assert.Len(t, prog.Funcs, 2)
}

func TestTranslateBatchNormInline(t *testing.T) {
	x := &Var{Name: "x", Shape: sair.MakeShape(dtypes.Float32, 1, 3, 8, 8)}
	c := sair.MakeShape(dtypes.Float32, 3)
	scale := &Var{Name: "scale", Shape: c}
	bias := &Var{Name: "bias", Shape: c}
	mean := &Var{Name: "mean", Shape: c}
	variance := &Var{Name: "var", Shape: c}
	prog, err := Translate(&Func{
		Name:   "f",
		Params: []*Var{x, scale, bias, mean, variance},
		Body: NewCall("batch_norm", []Expr{x, scale, bias, mean, variance},
			map[string]any{"epsilon": float32(1e-5)}),
	})
	require.NoError(t, err)
	// Inline lowering: a single function, no helpers.
	assert.Len(t, prog.Funcs, 1)
	main, err := prog.Main()
	require.NoError(t, err)
	ret, ok := main.Ret.(*sair.Value)
	require.True(t, ok)
	assert.Equal(t, "Float32[1 3 8 8]", ret.Shape().String())
}

func TestTranslateUnknownOp(t *testing.T) {
	x := &Var{Name: "x", Shape: sair.MakeShape(dtypes.Float32, 2)}
	_, err := Translate(&Func{Name: "f", Params: []*Var{x},
		Body: NewCall("no_such_op", []Expr{x}, nil)})
	assert.Error(t, err)
}

func TestTranslateUnboundVar(t *testing.T) {
	x := &Var{Name: "x", Shape: sair.MakeShape(dtypes.Float32, 2)}
	stray := &Var{Name: "stray", Shape: sair.MakeShape(dtypes.Float32, 2)}
	_, err := Translate(&Func{Name: "f", Params: []*Var{x},
		Body: NewCall("add", []Expr{x, stray}, nil)})
	assert.Error(t, err)
}
