package sair

import (
	"math"

	"github.com/chewxy/math32"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Resolver maps a bound value back to its defining expression. Builders
// provide one through DefOf.
type Resolver func(v *Value) (Expr, bool)

// EvalConst evaluates a constant expression to a tensor. It follows value
// bindings through resolve and folds the operator set needed for shape-like
// computations (arithmetic, concat, cast, take, slice, shape_of and the
// layout ops). Expressions that depend on runtime data return an error.
func EvalConst(e Expr, resolve Resolver) (*Tensor, error) {
	switch e := e.(type) {
	case *Const:
		return e.Value, nil
	case *Value:
		def, ok := resolve(e)
		if !ok {
			return nil, errors.Errorf("value %q has no constant definition", e.Name)
		}
		return EvalConst(def, resolve)
	case *Var:
		return nil, errors.Errorf("parameter %q is not a constant", e.Name)
	case *TupleGetItem:
		tuple, err := asTuple(e.Tuple, resolve)
		if err != nil {
			return nil, err
		}
		if e.Index < 0 || e.Index >= len(tuple.Elems) {
			return nil, errors.Errorf("tuple index %d out of range", e.Index)
		}
		return EvalConst(tuple.Elems[e.Index], resolve)
	case *Call:
		return evalCall(e, resolve)
	default:
		return nil, errors.Errorf("cannot evaluate %T as a constant", e)
	}
}

func asTuple(e Expr, resolve Resolver) (*Tuple, error) {
	for {
		switch t := e.(type) {
		case *Tuple:
			return t, nil
		case *Value:
			def, ok := resolve(t)
			if !ok {
				return nil, errors.Errorf("value %q has no constant definition", t.Name)
			}
			e = def
		default:
			return nil, errors.Errorf("cannot evaluate %T as a constant tuple", e)
		}
	}
}

func evalCall(c *Call, resolve Resolver) (*Tensor, error) {
	if c.Target != nil {
		return nil, errors.Errorf("call to @%s is not a constant", c.Target.Name)
	}
	switch c.Op {
	case "shape_of":
		// The shape of a value is known at import time even when its
		// elements are not, so this op never recurses into its input.
		s := c.Args[0].Type().Shape()
		if !s.IsStatic() {
			return nil, errors.Errorf("shape_of: input shape %s is symbolic", s)
		}
		dims := make([]int64, s.Rank())
		for i, d := range s.Dims {
			dims[i] = int64(d.Size)
		}
		return FromFlat(dims, s.Rank()), nil
	case "arange":
		return evalArange(c)
	}

	args := make([]*Tensor, len(c.Args))
	for i, a := range c.Args {
		t, err := EvalConst(a, resolve)
		if err != nil {
			return nil, errors.WithMessagef(err, "operand %d of %q", i, c.Op)
		}
		args[i] = t
	}

	switch c.Op {
	case "negative", "abs", "sqrt", "exp", "log", "floor", "ceil":
		return evalUnary(c.Op, args[0])
	case "add", "subtract", "multiply", "divide", "power", "minimum", "maximum":
		return evalBinary(c.Op, args[0], args[1])
	case "equal", "less", "less_equal":
		return evalCompare(c.Op, args[0], args[1])
	case "astype":
		return evalAstype(c, args[0])
	case "concat":
		return evalConcat(c, args)
	case "take":
		return evalTake(c, args[0], args[1])
	case "strided_slice":
		return evalStridedSlice(c, args[0])
	case "reshape", "squeeze", "expand_dims", "broadcast_to":
		return evalLayout(c, args[0])
	case "full":
		return evalFull(c, args[0])
	default:
		return nil, errors.Errorf("operator %q is not constant-foldable", c.Op)
	}
}

func isIntDType(dt dtypes.DType) bool {
	switch dt {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

func intLanes(t *Tensor) ([]int64, error) {
	vals, err := t.Ints()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(vals))
	for i, v := range vals {
		out[i] = int64(v)
	}
	return out, nil
}

func fromIntLanes(dt dtypes.DType, vals []int64, dims []int) (*Tensor, error) {
	switch dt {
	case dtypes.Int64:
		return FromFlat(vals, dims...), nil
	case dtypes.Int32:
		out := make([]int32, len(vals))
		for i, v := range vals {
			out[i] = int32(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Int16:
		out := make([]int16, len(vals))
		for i, v := range vals {
			out[i] = int16(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Int8:
		out := make([]int8, len(vals))
		for i, v := range vals {
			out[i] = int8(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Uint8:
		out := make([]uint8, len(vals))
		for i, v := range vals {
			out[i] = uint8(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Uint16:
		out := make([]uint16, len(vals))
		for i, v := range vals {
			out[i] = uint16(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Uint32:
		out := make([]uint32, len(vals))
		for i, v := range vals {
			out[i] = uint32(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Uint64:
		out := make([]uint64, len(vals))
		for i, v := range vals {
			out[i] = uint64(v)
		}
		return FromFlat(out, dims...), nil
	}
	return nil, errors.Errorf("cannot build %s tensor from integer lanes", dt)
}

func fromFloatLanes(dt dtypes.DType, vals []float64, dims []int) (*Tensor, error) {
	switch dt {
	case dtypes.Float32:
		out := make([]float32, len(vals))
		for i, v := range vals {
			out[i] = float32(v)
		}
		return FromFlat(out, dims...), nil
	case dtypes.Float64:
		return FromFlat(vals, dims...), nil
	case dtypes.Float16:
		out := make([]float16.Float16, len(vals))
		for i, v := range vals {
			out[i] = float16.Fromfloat32(float32(v))
		}
		return FromFloat16(out, dims...), nil
	case dtypes.BFloat16:
		out := make([]uint16, len(vals))
		for i, v := range vals {
			out[i] = uint16(math.Float32bits(float32(v)) >> 16)
		}
		return FromBFloat16(out, dims...), nil
	}
	return nil, errors.Errorf("cannot build %s tensor from float lanes", dt)
}

func evalUnary(op string, t *Tensor) (*Tensor, error) {
	if isIntDType(t.DType()) {
		vals, err := intLanes(t)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			switch op {
			case "negative":
				vals[i] = -v
			case "abs":
				if v < 0 {
					vals[i] = -v
				}
			case "floor", "ceil":
				// Identity on integers.
			default:
				return nil, errors.Errorf("%s: not defined for %s", op, t.DType())
			}
		}
		return fromIntLanes(t.DType(), vals, t.Dims())
	}
	if t.DType() == dtypes.Float32 {
		vals := make([]float32, t.Size())
		copy(vals, Flat[float32](t))
		for i, v := range vals {
			switch op {
			case "negative":
				vals[i] = -v
			case "abs":
				vals[i] = math32.Abs(v)
			case "sqrt":
				vals[i] = math32.Sqrt(v)
			case "exp":
				vals[i] = math32.Exp(v)
			case "log":
				vals[i] = math32.Log(v)
			case "floor":
				vals[i] = math32.Floor(v)
			case "ceil":
				vals[i] = math32.Ceil(v)
			}
		}
		return FromFlat(vals, t.Dims()...), nil
	}
	vals, err := t.Floats64()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	for i, v := range vals {
		switch op {
		case "negative":
			vals[i] = -v
		case "abs":
			vals[i] = math.Abs(v)
		case "sqrt":
			vals[i] = math.Sqrt(v)
		case "exp":
			vals[i] = math.Exp(v)
		case "log":
			vals[i] = math.Log(v)
		case "floor":
			vals[i] = math.Floor(v)
		case "ceil":
			vals[i] = math.Ceil(v)
		}
	}
	return fromFloatLanes(t.DType(), vals, t.Dims())
}

// alignOperands handles the two folded broadcasting cases: equal shapes, or
// one scalar operand expanded to the other's shape.
func alignOperands(op string, a, b *Tensor) (dims []int, size int, err error) {
	if a.DType() != b.DType() {
		return nil, 0, errors.Errorf("%s: dtype mismatch %s vs %s", op, a.DType(), b.DType())
	}
	switch {
	case a.IsScalar():
		return b.Dims(), b.Size(), nil
	case b.IsScalar():
		return a.Dims(), a.Size(), nil
	case a.Shape().Eq(b.Shape()):
		return a.Dims(), a.Size(), nil
	}
	return nil, 0, errors.Errorf("%s: unsupported constant broadcast %s vs %s", op, a.Shape(), b.Shape())
}

func lane[T any](vals []T, i int) T {
	if len(vals) == 1 {
		return vals[0]
	}
	return vals[i]
}

func evalBinary(op string, a, b *Tensor) (*Tensor, error) {
	dims, size, err := alignOperands(op, a, b)
	if err != nil {
		return nil, err
	}
	if isIntDType(a.DType()) {
		av, err := intLanes(a)
		if err != nil {
			return nil, err
		}
		bv, err := intLanes(b)
		if err != nil {
			return nil, err
		}
		out := make([]int64, size)
		for i := range out {
			x, y := lane(av, i), lane(bv, i)
			switch op {
			case "add":
				out[i] = x + y
			case "subtract":
				out[i] = x - y
			case "multiply":
				out[i] = x * y
			case "divide":
				if y == 0 {
					return nil, errors.Errorf("divide: integer division by zero")
				}
				out[i] = x / y
			case "power":
				out[i] = intPow(x, y)
			case "minimum":
				out[i] = min(x, y)
			case "maximum":
				out[i] = max(x, y)
			}
		}
		return fromIntLanes(a.DType(), out, dims)
	}
	av, err := a.Floats64()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	bv, err := b.Floats64()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", op)
	}
	out := make([]float64, size)
	for i := range out {
		x, y := lane(av, i), lane(bv, i)
		switch op {
		case "add":
			out[i] = x + y
		case "subtract":
			out[i] = x - y
		case "multiply":
			out[i] = x * y
		case "divide":
			out[i] = x / y
		case "power":
			out[i] = math.Pow(x, y)
		case "minimum":
			out[i] = math.Min(x, y)
		case "maximum":
			out[i] = math.Max(x, y)
		}
	}
	return fromFloatLanes(a.DType(), out, dims)
}

func intPow(base, exp int64) int64 {
	if exp < 0 {
		return 0
	}
	result := int64(1)
	for ; exp > 0; exp-- {
		result *= base
	}
	return result
}

func evalCompare(op string, a, b *Tensor) (*Tensor, error) {
	dims, size, err := alignOperands(op, a, b)
	if err != nil {
		return nil, err
	}
	cmp := func(x, y float64) bool {
		switch op {
		case "equal":
			return x == y
		case "less":
			return x < y
		default:
			return x <= y
		}
	}
	var av, bv []float64
	if isIntDType(a.DType()) {
		ai, err := intLanes(a)
		if err != nil {
			return nil, err
		}
		bi, err := intLanes(b)
		if err != nil {
			return nil, err
		}
		av = make([]float64, len(ai))
		bv = make([]float64, len(bi))
		for i, v := range ai {
			av[i] = float64(v)
		}
		for i, v := range bi {
			bv[i] = float64(v)
		}
	} else {
		if av, err = a.Floats64(); err != nil {
			return nil, err
		}
		if bv, err = b.Floats64(); err != nil {
			return nil, err
		}
	}
	out := make([]bool, size)
	for i := range out {
		out[i] = cmp(lane(av, i), lane(bv, i))
	}
	return FromFlat(out, dims...), nil
}

func evalAstype(c *Call, t *Tensor) (*Tensor, error) {
	target := AttrOr(c, "dtype", dtypes.InvalidDType)
	if target == t.DType() {
		return t, nil
	}
	if isIntDType(t.DType()) || t.DType() == dtypes.Bool {
		var vals []int64
		if t.DType() == dtypes.Bool {
			bits := Flat[bool](t)
			vals = make([]int64, len(bits))
			for i, v := range bits {
				if v {
					vals[i] = 1
				}
			}
		} else {
			var err error
			if vals, err = intLanes(t); err != nil {
				return nil, err
			}
		}
		if isIntDType(target) {
			return fromIntLanes(target, vals, t.Dims())
		}
		floats := make([]float64, len(vals))
		for i, v := range vals {
			floats[i] = float64(v)
		}
		return fromFloatLanes(target, floats, t.Dims())
	}
	vals, err := t.Floats64()
	if err != nil {
		return nil, errors.WithMessagef(err, "astype to %s", target)
	}
	if isIntDType(target) {
		ints := make([]int64, len(vals))
		for i, v := range vals {
			ints[i] = int64(v)
		}
		return fromIntLanes(target, ints, t.Dims())
	}
	return fromFloatLanes(target, vals, t.Dims())
}

func evalConcat(c *Call, args []*Tensor) (*Tensor, error) {
	axis := AttrOr(c, "axis", 0)
	total := 0
	for _, t := range args {
		if t.Rank() != 1 {
			return nil, errors.Errorf("concat: constant folding supports rank-1 operands, got %s", t.Shape())
		}
		if t.DType() != args[0].DType() {
			return nil, errors.Errorf("concat: dtype mismatch %s vs %s", t.DType(), args[0].DType())
		}
		total += t.Size()
	}
	if axis != 0 && axis != -1 {
		return nil, errors.Errorf("concat: constant folding supports axis 0, got %d", axis)
	}
	if isIntDType(args[0].DType()) {
		out := make([]int64, 0, total)
		for _, t := range args {
			vals, err := intLanes(t)
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
		}
		return fromIntLanes(args[0].DType(), out, []int{total})
	}
	out := make([]float64, 0, total)
	for _, t := range args {
		vals, err := t.Floats64()
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return fromFloatLanes(args[0].DType(), out, []int{total})
}

func evalTake(c *Call, data, indices *Tensor) (*Tensor, error) {
	axis := AttrOr(c, "axis", 0)
	if data.Rank() != 1 || (axis != 0 && axis != -1) {
		return nil, errors.Errorf("take: constant folding supports rank-1 data on axis 0, got %s", data.Shape())
	}
	idx, err := indices.Ints()
	if err != nil {
		return nil, err
	}
	n := data.Size()
	for i, v := range idx {
		if v < 0 {
			idx[i] = v + n
		}
		if idx[i] < 0 || idx[i] >= n {
			return nil, errors.Errorf("take: index %d out of range for %d elements", v, n)
		}
	}
	outDims := indices.Dims()
	if isIntDType(data.DType()) {
		vals, err := intLanes(data)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(idx))
		for i, j := range idx {
			out[i] = vals[j]
		}
		return fromIntLanes(data.DType(), out, outDims)
	}
	vals, err := data.Floats64()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = vals[j]
	}
	return fromFloatLanes(data.DType(), out, outDims)
}

func evalStridedSlice(c *Call, t *Tensor) (*Tensor, error) {
	if t.Rank() != 1 {
		return nil, errors.Errorf("strided_slice: constant folding supports rank-1 input, got %s", t.Shape())
	}
	axes := AttrOr(c, "axes", []int(nil))
	begin := AttrOr(c, "begin", []int(nil))
	end := AttrOr(c, "end", []int(nil))
	strides := AttrOr(c, "strides", []int(nil))
	if len(axes) != 1 || (axes[0] != 0 && axes[0] != -1) {
		return nil, errors.Errorf("strided_slice: constant folding supports a single axis 0, got %v", axes)
	}
	step := 1
	if strides != nil {
		step = strides[0]
	}
	if step == 0 {
		return nil, errors.Errorf("strided_slice: zero stride")
	}
	size := t.Size()
	b := clampSliceBound(begin[0], size, step, true)
	e := clampSliceBound(end[0], size, step, false)
	var idx []int
	if step > 0 {
		for i := b; i < e; i += step {
			idx = append(idx, i)
		}
	} else {
		for i := b; i > e; i += step {
			idx = append(idx, i)
		}
	}
	if isIntDType(t.DType()) {
		vals, err := intLanes(t)
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(idx))
		for i, j := range idx {
			out[i] = vals[j]
		}
		return fromIntLanes(t.DType(), out, []int{len(idx)})
	}
	vals, err := t.Floats64()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = vals[j]
	}
	return fromFloatLanes(t.DType(), out, []int{len(idx)})
}

// evalLayout folds the data-preserving layout ops by reusing the inferred
// result shape over the unchanged flat storage.
func evalLayout(c *Call, t *Tensor) (*Tensor, error) {
	if !c.typed {
		c.typ = inferCallType(c)
		c.typed = true
	}
	out := c.typ.Shape()
	if !out.IsStatic() {
		return nil, errors.Errorf("%s: result shape %s is symbolic", c.Op, out)
	}
	if c.Op == "broadcast_to" && out.Size() != t.Size() {
		return nil, errors.Errorf("broadcast_to: constant folding supports same-size reshapes only")
	}
	result := Zeros(t.DType(), out.Sizes()...)
	copyFlat(result, t)
	return result, nil
}

func copyFlat(dst, src *Tensor) {
	switch data := src.Data().(type) {
	case []float32:
		copy(Flat[float32](dst), data)
	case []float64:
		copy(Flat[float64](dst), data)
	case []int8:
		copy(Flat[int8](dst), data)
	case []int16:
		copy(Flat[int16](dst), data)
	case []int32:
		copy(Flat[int32](dst), data)
	case []int64:
		copy(Flat[int64](dst), data)
	case []uint8:
		copy(Flat[uint8](dst), data)
	case []uint16:
		copy(Flat[uint16](dst), data)
	case []uint32:
		copy(Flat[uint32](dst), data)
	case []uint64:
		copy(Flat[uint64](dst), data)
	case []bool:
		copy(Flat[bool](dst), data)
	case []float16.Float16:
		copy(Flat[float16.Float16](dst), data)
	}
}

func evalFull(c *Call, fill *Tensor) (*Tensor, error) {
	if !fill.IsScalar() && fill.Size() != 1 {
		return nil, errors.Errorf("full: fill value must be a scalar, got %s", fill.Shape())
	}
	dims := AttrOr(c, "shape", []int{})
	dt := AttrOr(c, "dtype", fill.DType())
	size := sizeOf(dims)
	if isIntDType(dt) {
		vals, err := intLanes(fill)
		if err != nil {
			return nil, err
		}
		out := make([]int64, size)
		for i := range out {
			out[i] = vals[0]
		}
		return fromIntLanes(dt, out, dims)
	}
	vals, err := fill.Floats64()
	if err != nil {
		return nil, err
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = vals[0]
	}
	return fromFloatLanes(dt, out, dims)
}

func evalArange(c *Call) (*Tensor, error) {
	start := AttrOr(c, "start", 0.0)
	step := AttrOr(c, "step", 1.0)
	dt := AttrOr(c, "dtype", dtypes.InvalidDType)
	if !c.typed {
		c.typ = inferCallType(c)
		c.typed = true
	}
	length := c.typ.Shape().Dim(0).Size
	if isIntDType(dt) {
		out := make([]int64, length)
		for i := range out {
			out[i] = int64(start) + int64(i)*int64(step)
		}
		return fromIntLanes(dt, out, []int{length})
	}
	out := make([]float64, length)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return fromFloatLanes(dt, out, []int{length})
}
