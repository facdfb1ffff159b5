package sair

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := MakeShape(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.True(t, s.IsStatic())
	assert.Equal(t, "Float32[2 3]", s.String())
	assert.Equal(t, 3, s.Dim(-1).Size)

	sym := MakeShapeDims(dtypes.Float32, []Dim{SymDim("batch"), StaticDim(4)})
	assert.False(t, sym.IsStatic())
	assert.Equal(t, -1, sym.Size())
	assert.Equal(t, "Float32[batch 4]", sym.String())

	scalar := MakeShape(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
}

func TestTensor(t *testing.T) {
	x := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, x.DType())
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, 6, x.Size())

	ints := FromFlat([]int64{3, 4, 5}, 3)
	got, err := ints.Ints()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, got)

	_, err = x.Ints()
	assert.Error(t, err)

	floats, err := x.Floats64()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, floats)

	assert.True(t, x.Equal(FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)))
	assert.False(t, x.Equal(FromFlat([]float32{1, 2, 3, 4, 5, 6}, 3, 2)))
	assert.True(t, FromScalar(int64(7)).IsScalar())
}

func emitCall(b *Builder, op string, args []Expr, attrs map[string]any) *Value {
	return b.Emit(NewCall(op, args, attrs))
}

func TestBuilderAndInference(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2, 3))
	w := b.AddParam("w", MakeShape(dtypes.Float32, 3, 4))

	mm := emitCall(b, "matmul", []Expr{x, w}, nil)
	assert.Equal(t, "Float32[2 4]", mm.Shape().String())

	bias := b.Emit(NewConst(FromFlat([]float32{1, 2, 3, 4}, 4)))
	sum := emitCall(b, "add", []Expr{mm, bias}, nil)
	assert.Equal(t, "Float32[2 4]", sum.Shape().String())

	out := b.Output(sum)
	prog := b.Build()
	main, err := prog.Main()
	require.NoError(t, err)
	assert.Len(t, main.Bindings, 3)
	assert.Same(t, out, main.Ret)

	def, ok := b.DefOf(bias)
	require.True(t, ok)
	assert.IsType(t, &Const{}, def)
}

func TestInferenceRules(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2, 1, 4))
	y := b.AddParam("y", MakeShape(dtypes.Float32, 3, 1))

	bcast := emitCall(b, "multiply", []Expr{x, y}, nil)
	assert.Equal(t, "Float32[2 3 4]", bcast.Shape().String())

	cmp := emitCall(b, "less", []Expr{x, y}, nil)
	assert.Equal(t, dtypes.Bool, cmp.Shape().DType)

	perm := emitCall(b, "permute_dims", []Expr{x}, map[string]any{"perm": []int{2, 0, 1}})
	assert.Equal(t, "Float32[4 2 1]", perm.Shape().String())

	reshaped := emitCall(b, "reshape", []Expr{x}, map[string]any{"newshape": []int{4, -1}})
	assert.Equal(t, "Float32[4 2]", reshaped.Shape().String())

	reduced := emitCall(b, "sum", []Expr{x}, map[string]any{"axes": []int{-1}, "keepdims": true})
	assert.Equal(t, "Float32[2 1 1]", reduced.Shape().String())

	shp := emitCall(b, "shape_of", []Expr{x}, nil)
	assert.Equal(t, "Int64[3]", shp.Shape().String())

	split := emitCall(b, "split", []Expr{x}, map[string]any{"axis": 2, "sections": []int{1, 3}})
	require.True(t, split.IsTuple())
	assert.Equal(t, "Float32[2 1 1]", split.Type().Elem(0).String())
	assert.Equal(t, "Float32[2 1 3]", split.Type().Elem(1).String())

	item := b.Emit(&TupleGetItem{Tuple: split, Index: 1})
	assert.Equal(t, "Float32[2 1 3]", item.Shape().String())

	cast := emitCall(b, "astype", []Expr{x}, map[string]any{"dtype": dtypes.Int32})
	assert.Equal(t, dtypes.Int32, cast.Shape().DType)
}

func TestInferenceSlice(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 10, 4))
	s := emitCall(b, "strided_slice", []Expr{x}, map[string]any{
		"axes": []int{0}, "begin": []int{2}, "end": []int{9}, "strides": []int{3},
	})
	assert.Equal(t, "Float32[3 4]", s.Shape().String())

	rev := emitCall(b, "strided_slice", []Expr{x}, map[string]any{
		"axes": []int{1}, "begin": []int{-1}, "end": []int{-5}, "strides": []int{-1},
	})
	assert.Equal(t, "Float32[10 4]", rev.Shape().String())
}

func TestInferenceConv(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 1, 3, 224, 224))
	w := b.AddParam("w", MakeShape(dtypes.Float32, 64, 3, 7, 7))
	conv := emitCall(b, "conv2d", []Expr{x, w}, map[string]any{
		"strides": []int{2, 2}, "padding": []int{3, 3, 3, 3}, "dilations": []int{1, 1},
	})
	assert.Equal(t, "Float32[1 64 112 112]", conv.Shape().String())

	pool := emitCall(b, "max_pool2d", []Expr{conv}, map[string]any{
		"pool_size": []int{3, 3}, "strides": []int{2, 2}, "padding": []int{1, 1, 1, 1},
	})
	assert.Equal(t, "Float32[1 64 56 56]", pool.Shape().String())

	global := emitCall(b, "avg_pool2d", []Expr{pool}, nil)
	assert.Equal(t, "Float32[1 64 1 1]", global.Shape().String())
}

func TestInferenceEinsum(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2, 3))
	y := b.AddParam("y", MakeShape(dtypes.Float32, 3, 5))
	out := emitCall(b, "einsum", []Expr{x, y}, map[string]any{"equation": "ij,jk->ik"})
	assert.Equal(t, "Float32[2 5]", out.Shape().String())

	implicit := emitCall(b, "einsum", []Expr{x, y}, map[string]any{"equation": "ij,jk"})
	assert.Equal(t, "Float32[2 5]", implicit.Shape().String())
}

func TestInferenceUnknownOpPanics(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2))
	assert.Panics(t, func() { emitCall(b, "no_such_op", []Expr{x}, nil) })
}

func TestEvalConst(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	resolve := b.DefOf

	a := b.Emit(NewConst(FromFlat([]int64{2, 3, 4}, 3)))
	two := b.Emit(NewConst(FromScalar(int64(2))))
	prod := emitCall(b, "multiply", []Expr{a, two}, nil)
	got, err := EvalConst(prod, resolve)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]int64{4, 6, 8}, 3)))

	cat := emitCall(b, "concat", []Expr{a, a}, map[string]any{"axis": 0})
	got, err = EvalConst(cat, resolve)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]int64{2, 3, 4, 2, 3, 4}, 6)))

	idx := b.Emit(NewConst(FromFlat([]int64{2, 0}, 2)))
	taken := emitCall(b, "take", []Expr{a, idx}, map[string]any{"axis": 0})
	got, err = EvalConst(taken, resolve)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]int64{4, 2}, 2)))

	cast := emitCall(b, "astype", []Expr{a}, map[string]any{"dtype": dtypes.Float32})
	got, err = EvalConst(cast, resolve)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]float32{2, 3, 4}, 3)))

	sliced := emitCall(b, "strided_slice", []Expr{a}, map[string]any{
		"axes": []int{0}, "begin": []int{1}, "end": []int{3}, "strides": []int{1},
	})
	got, err = EvalConst(sliced, resolve)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]int64{3, 4}, 2)))
}

func TestEvalConstShapeOf(t *testing.T) {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2, 5))
	// shape_of is constant even though its input is a runtime parameter.
	shp := emitCall(b, "shape_of", []Expr{x}, nil)
	got, err := EvalConst(shp, b.DefOf)
	require.NoError(t, err)
	assert.True(t, got.Equal(FromFlat([]int64{2, 5}, 2)))

	// The parameter itself is not.
	_, err = EvalConst(x, b.DefOf)
	assert.Error(t, err)
}

func TestProgramAddFuncDedup(t *testing.T) {
	p := NewProgram()
	fn1 := &Function{Name: "helper"}
	fn2 := &Function{Name: "helper"}
	ref1 := p.AddFunc(fn1)
	ref2 := p.AddFunc(fn2)
	assert.Same(t, ref1, ref2)
	assert.Len(t, p.Funcs, 1)
	assert.Same(t, fn1, p.Func("helper").Fn)
}

func buildSmallProgram() *Program {
	b := NewBuilder()
	b.Func("main")
	x := b.AddParam("x", MakeShape(dtypes.Float32, 2, 3))
	neg := emitCall(b, "negative", []Expr{x}, nil)
	b.Output(emitCall(b, "add", []Expr{x, neg}, nil))
	return b.Build()
}

func TestPrettyPrintDeterministic(t *testing.T) {
	p1, p2 := buildSmallProgram(), buildSmallProgram()
	assert.Equal(t, p1.String(), p2.String())
	assert.Contains(t, p1.String(), "func main(x: Float32[2 3])")
	assert.Contains(t, p1.String(), "negative(x)")
}
