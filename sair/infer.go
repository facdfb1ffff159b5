package sair

import (
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// inferCallType computes the result type of a primitive operator call from
// its argument types and attributes. Unknown operators and rule violations
// panic: they indicate a converter bug or an invalid model, and the importer
// converts panics to errors at its API boundary.
func inferCallType(c *Call) Type {
	if c.Target != nil {
		return c.Target.Fn.Ret.Type()
	}
	rule, ok := inferRules[c.Op]
	if !ok {
		exceptions.Panicf("no inference rule for operator %q", c.Op)
	}
	return rule(c)
}

type inferRule func(c *Call) Type

var inferRules map[string]inferRule

func init() {
	inferRules = map[string]inferRule{
		"add":      inferBinaryElementwise,
		"subtract": inferBinaryElementwise,
		"multiply": inferBinaryElementwise,
		"divide":   inferBinaryElementwise,
		"power":    inferBinaryElementwise,
		"minimum":  inferBinaryElementwise,
		"maximum":  inferBinaryElementwise,

		"equal":      inferCompare,
		"less":       inferCompare,
		"less_equal": inferCompare,

		"sqrt":        inferUnary,
		"exp":         inferUnary,
		"log":         inferUnary,
		"erf":         inferUnary,
		"sin":         inferUnary,
		"cos":         inferUnary,
		"negative":    inferUnary,
		"abs":         inferUnary,
		"tanh":        inferUnary,
		"sigmoid":     inferUnary,
		"relu":        inferUnary,
		"gelu":        inferUnary,
		"floor":       inferUnary,
		"ceil":        inferUnary,
		"logical_not": inferUnary,
		"clip":        inferUnary,
		"cumsum":      inferUnary,
		"softmax":     inferUnary,

		"where":         inferWhere,
		"matmul":        inferMatMul,
		"concat":        inferConcat,
		"astype":        inferAstype,
		"permute_dims":  inferPermuteDims,
		"take":          inferTake,
		"shape_of":      inferShapeOf,
		"reshape":       inferReshape,
		"strided_slice": inferStridedSlice,
		"split":         inferSplit,
		"tile":          inferTile,
		"broadcast_to":  inferBroadcastTo,
		"full":          inferFull,
		"arange":        inferArange,
		"pad":           inferPad,
		"squeeze":       inferSqueeze,
		"expand_dims":   inferExpandDims,
		"einsum":        inferEinsum,

		"sum":  inferReduce,
		"mean": inferReduce,
		"max":  inferReduce,
		"min":  inferReduce,
		"prod": inferReduce,

		"conv2d":     inferConv2D,
		"max_pool2d": inferPool2D,
		"avg_pool2d": inferPool2D,

		"image_resize2d": inferResize2D,
	}
}

func argShape(c *Call, i int) Shape {
	if i >= len(c.Args) {
		exceptions.Panicf("op %q: missing argument %d", c.Op, i)
	}
	t := c.Args[i].Type()
	if t.IsTuple() {
		exceptions.Panicf("op %q: argument %d is tuple-typed", c.Op, i)
	}
	return t.Shape()
}

func normAxis(c *Call, axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		exceptions.Panicf("op %q: axis %d out of range for rank %d", c.Op, axis, rank)
	}
	return axis
}

// broadcastDims merges two dimensions under numpy broadcasting. Symbolic
// dimensions unify with size-1 and with themselves; a symbolic dimension
// against a static size other than 1 is assumed to match at runtime.
func broadcastDims(c *Call, a, b Dim) Dim {
	switch {
	case a.IsStatic() && b.IsStatic():
		if a.Size == b.Size {
			return a
		}
		if a.Size == 1 {
			return b
		}
		if b.Size == 1 {
			return a
		}
		exceptions.Panicf("op %q: cannot broadcast dimensions %d and %d", c.Op, a.Size, b.Size)
		return Dim{}
	case !a.IsStatic() && !b.IsStatic():
		return a
	case a.IsStatic():
		if a.Size == 1 {
			return b
		}
		return a
	default:
		if b.Size == 1 {
			return a
		}
		return b
	}
}

func broadcastShapes(c *Call, a, b Shape) Shape {
	if a.DType != b.DType {
		exceptions.Panicf("op %q: dtype mismatch %s vs %s", c.Op, a, b)
	}
	rank := max(a.Rank(), b.Rank())
	dims := make([]Dim, rank)
	for i := 0; i < rank; i++ {
		ai, bi := a.Rank()-rank+i, b.Rank()-rank+i
		switch {
		case ai < 0:
			dims[i] = b.Dims[bi]
		case bi < 0:
			dims[i] = a.Dims[ai]
		default:
			dims[i] = broadcastDims(c, a.Dims[ai], b.Dims[bi])
		}
	}
	return MakeShapeDims(a.DType, dims)
}

func inferUnary(c *Call) Type {
	return TensorType(argShape(c, 0).Clone())
}

func inferBinaryElementwise(c *Call) Type {
	return TensorType(broadcastShapes(c, argShape(c, 0), argShape(c, 1)))
}

func inferCompare(c *Call) Type {
	s := broadcastShapes(c, argShape(c, 0), argShape(c, 1))
	s.DType = dtypes.Bool
	return TensorType(s)
}

func inferWhere(c *Call) Type {
	cond, x, y := argShape(c, 0), argShape(c, 1), argShape(c, 2)
	branches := broadcastShapes(c, x, y)
	cond.DType = branches.DType // condition is Bool; align dtypes for the merge
	return TensorType(broadcastShapes(c, cond, branches))
}

func inferMatMul(c *Call) Type {
	a, b := argShape(c, 0), argShape(c, 1)
	if a.DType != b.DType {
		exceptions.Panicf("matmul: dtype mismatch %s vs %s", a, b)
	}
	if a.Rank() == 0 || b.Rank() == 0 {
		exceptions.Panicf("matmul: scalar operand %s x %s", a, b)
	}
	// 1-D operands get a unit dimension prepended/appended, dropped after.
	squeezeLead, squeezeTrail := false, false
	if a.Rank() == 1 {
		a = MakeShapeDims(a.DType, append([]Dim{StaticDim(1)}, a.Dims...))
		squeezeLead = true
	}
	if b.Rank() == 1 {
		b = MakeShapeDims(b.DType, append(append([]Dim{}, b.Dims...), StaticDim(1)))
		squeezeTrail = true
	}
	ak, bk := a.Dim(-1), b.Dim(-2)
	if ak.IsStatic() && bk.IsStatic() && ak.Size != bk.Size {
		exceptions.Panicf("matmul: contraction mismatch %s x %s", a, b)
	}
	aBatch := MakeShapeDims(a.DType, a.Dims[:a.Rank()-2])
	bBatch := MakeShapeDims(b.DType, b.Dims[:b.Rank()-2])
	batch := broadcastShapes(c, aBatch, bBatch)
	dims := append(append([]Dim{}, batch.Dims...), a.Dim(-2), b.Dim(-1))
	if squeezeTrail {
		dims = dims[:len(dims)-1]
	}
	if squeezeLead {
		dims = append(dims[:len(dims)-2], dims[len(dims)-1])
	}
	return TensorType(MakeShapeDims(a.DType, dims))
}

func inferConcat(c *Call) Type {
	if len(c.Args) == 0 {
		exceptions.Panicf("concat: no operands")
	}
	out := argShape(c, 0).Clone()
	axis := normAxis(c, AttrOr(c, "axis", 0), out.Rank())
	total := out.Dims[axis]
	for i := 1; i < len(c.Args); i++ {
		s := argShape(c, i)
		if s.DType != out.DType || s.Rank() != out.Rank() {
			exceptions.Panicf("concat: operand %d shaped %s does not match %s", i, s, out)
		}
		d := s.Dims[axis]
		if !total.IsStatic() || !d.IsStatic() {
			total = SymDim("concat")
		} else {
			total.Size += d.Size
		}
	}
	out.Dims[axis] = total
	return TensorType(out)
}

func inferAstype(c *Call) Type {
	s := argShape(c, 0).Clone()
	s.DType = AttrOr(c, "dtype", dtypes.InvalidDType)
	if s.DType == dtypes.InvalidDType {
		exceptions.Panicf("astype: missing dtype attribute")
	}
	return TensorType(s)
}

func inferPermuteDims(c *Call) Type {
	in := argShape(c, 0)
	perm := AttrOr(c, "perm", []int(nil))
	if perm == nil {
		perm = make([]int, in.Rank())
		for i := range perm {
			perm[i] = in.Rank() - 1 - i
		}
	}
	if len(perm) != in.Rank() {
		exceptions.Panicf("permute_dims: perm %v does not match rank %d", perm, in.Rank())
	}
	dims := make([]Dim, len(perm))
	for i, p := range perm {
		dims[i] = in.Dim(p)
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

func inferTake(c *Call) Type {
	data, indices := argShape(c, 0), argShape(c, 1)
	axis := normAxis(c, AttrOr(c, "axis", 0), data.Rank())
	dims := make([]Dim, 0, data.Rank()-1+indices.Rank())
	dims = append(dims, data.Dims[:axis]...)
	dims = append(dims, indices.Dims...)
	dims = append(dims, data.Dims[axis+1:]...)
	return TensorType(MakeShapeDims(data.DType, dims))
}

func inferShapeOf(c *Call) Type {
	return TensorType(MakeShape(dtypes.Int64, argShape(c, 0).Rank()))
}

func inferReshape(c *Call) Type {
	in := argShape(c, 0)
	target := AttrOr(c, "newshape", []int(nil))
	if target == nil {
		exceptions.Panicf("reshape: missing newshape attribute")
	}
	dims := make([]Dim, len(target))
	known := 1
	wild := -1
	for i, d := range target {
		if d == -1 {
			if wild >= 0 {
				exceptions.Panicf("reshape: multiple -1 dimensions in %v", target)
			}
			wild = i
			continue
		}
		dims[i] = StaticDim(d)
		known *= d
	}
	if wild >= 0 {
		if !in.IsStatic() {
			dims[wild] = SymDim("reshaped")
		} else {
			if known == 0 || in.Size()%known != 0 {
				exceptions.Panicf("reshape: cannot infer -1 in %v from %s", target, in)
			}
			dims[wild] = StaticDim(in.Size() / known)
		}
	} else if in.IsStatic() && known != in.Size() {
		exceptions.Panicf("reshape: %v has %d elements, input %s has %d", target, known, in, in.Size())
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

func inferStridedSlice(c *Call) Type {
	in := argShape(c, 0).Clone()
	axes := AttrOr(c, "axes", []int(nil))
	begin := AttrOr(c, "begin", []int(nil))
	end := AttrOr(c, "end", []int(nil))
	strides := AttrOr(c, "strides", []int(nil))
	for i, axis := range axes {
		axis = normAxis(c, axis, in.Rank())
		d := in.Dims[axis]
		if !d.IsStatic() {
			exceptions.Panicf("strided_slice: axis %d of %s is symbolic", axis, in)
		}
		step := 1
		if strides != nil {
			step = strides[i]
		}
		if step == 0 {
			exceptions.Panicf("strided_slice: zero stride on axis %d", axis)
		}
		b, e := clampSliceBound(begin[i], d.Size, step, true), clampSliceBound(end[i], d.Size, step, false)
		size := 0
		if step > 0 {
			if e > b {
				size = (e - b + step - 1) / step
			}
		} else {
			if b > e {
				size = (b - e + (-step) - 1) / (-step)
			}
		}
		in.Dims[axis] = StaticDim(size)
	}
	return TensorType(in)
}

// clampSliceBound resolves a possibly negative or out-of-range slice bound
// against a dimension of the given size, under numpy slicing rules.
func clampSliceBound(v, size, step int, isBegin bool) int {
	if v < 0 {
		v += size
	}
	lo, hi := 0, size
	if step < 0 {
		hi = size - 1
		if !isBegin {
			lo = -1
		}
	}
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func inferSplit(c *Call) Type {
	in := argShape(c, 0)
	axis := normAxis(c, AttrOr(c, "axis", 0), in.Rank())
	sections := AttrOr(c, "sections", []int(nil))
	if sections == nil {
		exceptions.Panicf("split: missing sections attribute")
	}
	elems := make([]Shape, len(sections))
	for i, size := range sections {
		s := in.Clone()
		s.Dims[axis] = StaticDim(size)
		elems[i] = s
	}
	return TupleType(elems...)
}

func inferTile(c *Call) Type {
	in := argShape(c, 0)
	repeats := AttrOr(c, "repeats", []int(nil))
	if len(repeats) != in.Rank() {
		exceptions.Panicf("tile: repeats %v does not match rank %d", repeats, in.Rank())
	}
	dims := make([]Dim, in.Rank())
	for i, r := range repeats {
		d := in.Dims[i]
		if !d.IsStatic() {
			if r != 1 {
				exceptions.Panicf("tile: cannot repeat symbolic dimension %s", d)
			}
			dims[i] = d
			continue
		}
		dims[i] = StaticDim(d.Size * r)
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

func inferBroadcastTo(c *Call) Type {
	in := argShape(c, 0)
	target := AttrOr(c, "shape", []int(nil))
	if target == nil {
		exceptions.Panicf("broadcast_to: missing shape attribute")
	}
	return TensorType(MakeShape(in.DType, target...))
}

func inferFull(c *Call) Type {
	dt := AttrOr(c, "dtype", dtypes.InvalidDType)
	if dt == dtypes.InvalidDType {
		dt = argShape(c, 0).DType
	}
	return TensorType(MakeShape(dt, AttrOr(c, "shape", []int{})...))
}

func inferArange(c *Call) Type {
	start := AttrOr(c, "start", 0.0)
	stop := AttrOr(c, "stop", 0.0)
	step := AttrOr(c, "step", 1.0)
	if step == 0 {
		exceptions.Panicf("arange: zero step")
	}
	length := int(math.Ceil((stop - start) / step))
	if length < 0 {
		length = 0
	}
	dt := AttrOr(c, "dtype", dtypes.InvalidDType)
	if dt == dtypes.InvalidDType {
		exceptions.Panicf("arange: missing dtype attribute")
	}
	return TensorType(MakeShape(dt, length))
}

func inferPad(c *Call) Type {
	in := argShape(c, 0).Clone()
	pads := AttrOr(c, "pads", []int(nil))
	if len(pads) != 2*in.Rank() {
		exceptions.Panicf("pad: %d pad values for rank %d", len(pads), in.Rank())
	}
	for i := range in.Dims {
		d := in.Dims[i]
		if !d.IsStatic() {
			if pads[i] != 0 || pads[in.Rank()+i] != 0 {
				exceptions.Panicf("pad: cannot pad symbolic dimension %s", d)
			}
			continue
		}
		in.Dims[i] = StaticDim(d.Size + pads[i] + pads[in.Rank()+i])
	}
	return TensorType(in)
}

func inferSqueeze(c *Call) Type {
	in := argShape(c, 0)
	axes := AttrOr(c, "axes", []int(nil))
	drop := make(map[int]bool)
	if axes == nil {
		for i, d := range in.Dims {
			if d.IsStatic() && d.Size == 1 {
				drop[i] = true
			}
		}
	} else {
		for _, a := range axes {
			a = normAxis(c, a, in.Rank())
			d := in.Dims[a]
			if d.IsStatic() && d.Size != 1 {
				exceptions.Panicf("squeeze: axis %d of %s has size %d", a, in, d.Size)
			}
			drop[a] = true
		}
	}
	var dims []Dim
	for i, d := range in.Dims {
		if !drop[i] {
			dims = append(dims, d)
		}
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

func inferExpandDims(c *Call) Type {
	in := argShape(c, 0)
	axes := AttrOr(c, "axes", []int(nil))
	outRank := in.Rank() + len(axes)
	insert := make(map[int]bool)
	for _, a := range axes {
		if a < 0 {
			a += outRank
		}
		if a < 0 || a >= outRank || insert[a] {
			exceptions.Panicf("expand_dims: bad axes %v for rank %d", axes, in.Rank())
		}
		insert[a] = true
	}
	dims := make([]Dim, 0, outRank)
	next := 0
	for i := 0; i < outRank; i++ {
		if insert[i] {
			dims = append(dims, StaticDim(1))
		} else {
			dims = append(dims, in.Dims[next])
			next++
		}
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

func inferReduce(c *Call) Type {
	in := argShape(c, 0)
	axes := AttrOr(c, "axes", []int(nil))
	keepdims := AttrOr(c, "keepdims", false)
	reduce := make(map[int]bool)
	if axes == nil {
		for i := range in.Dims {
			reduce[i] = true
		}
	} else {
		for _, a := range axes {
			reduce[normAxis(c, a, in.Rank())] = true
		}
	}
	var dims []Dim
	for i, d := range in.Dims {
		if reduce[i] {
			if keepdims {
				dims = append(dims, StaticDim(1))
			}
			continue
		}
		dims = append(dims, d)
	}
	return TensorType(MakeShapeDims(in.DType, dims))
}

// spatialOut computes one spatial output size of a convolution or pooling
// window.
func spatialOut(c *Call, in Dim, kernel, stride, dilation, padBegin, padEnd int) Dim {
	if !in.IsStatic() {
		return SymDim(in.Sym)
	}
	effective := (kernel-1)*dilation + 1
	size := (in.Size+padBegin+padEnd-effective)/stride + 1
	if size < 0 {
		exceptions.Panicf("op %q: window larger than padded input (%d vs %d)", c.Op, effective, in.Size+padBegin+padEnd)
	}
	return StaticDim(size)
}

func inferConv2D(c *Call) Type {
	x, w := argShape(c, 0), argShape(c, 1)
	if x.Rank() != 4 || w.Rank() != 4 {
		exceptions.Panicf("conv2d: expects NCHW input and OIHW kernel, got %s and %s", x, w)
	}
	strides := AttrOr(c, "strides", []int{1, 1})
	dilations := AttrOr(c, "dilations", []int{1, 1})
	padding := AttrOr(c, "padding", []int{0, 0, 0, 0})
	kh, kw := w.Dim(2), w.Dim(3)
	if !kh.IsStatic() || !kw.IsStatic() {
		exceptions.Panicf("conv2d: symbolic kernel shape %s", w)
	}
	dims := []Dim{
		x.Dim(0),
		w.Dim(0),
		spatialOut(c, x.Dim(2), kh.Size, strides[0], dilations[0], padding[0], padding[2]),
		spatialOut(c, x.Dim(3), kw.Size, strides[1], dilations[1], padding[1], padding[3]),
	}
	return TensorType(MakeShapeDims(x.DType, dims))
}

func inferPool2D(c *Call) Type {
	x := argShape(c, 0)
	if x.Rank() != 4 {
		exceptions.Panicf("%s: expects NCHW input, got %s", c.Op, x)
	}
	pool := AttrOr(c, "pool_size", []int(nil))
	if pool == nil {
		// Global pooling reduces the spatial extent to 1x1.
		return TensorType(MakeShapeDims(x.DType, []Dim{x.Dim(0), x.Dim(1), StaticDim(1), StaticDim(1)}))
	}
	strides := AttrOr(c, "strides", []int{1, 1})
	padding := AttrOr(c, "padding", []int{0, 0, 0, 0})
	dims := []Dim{
		x.Dim(0),
		x.Dim(1),
		spatialOut(c, x.Dim(2), pool[0], strides[0], 1, padding[0], padding[2]),
		spatialOut(c, x.Dim(3), pool[1], strides[1], 1, padding[1], padding[3]),
	}
	return TensorType(MakeShapeDims(x.DType, dims))
}

func inferResize2D(c *Call) Type {
	x := argShape(c, 0)
	if x.Rank() != 4 {
		exceptions.Panicf("image_resize2d: expects NCHW input, got %s", x)
	}
	sizes := AttrOr(c, "sizes", []int(nil))
	if len(sizes) != 2 {
		exceptions.Panicf("image_resize2d: expects two target sizes, got %v", sizes)
	}
	dims := []Dim{x.Dim(0), x.Dim(1), StaticDim(sizes[0]), StaticDim(sizes[1])}
	return TensorType(MakeShapeDims(x.DType, dims))
}

// inferEinsum supports one- and two-operand equations with explicit output
// ("ij,jk->ik") or implicit output (alphabetical non-repeated labels).
func inferEinsum(c *Call) Type {
	equation := AttrOr(c, "equation", "")
	equation = strings.ReplaceAll(equation, " ", "")
	if equation == "" {
		exceptions.Panicf("einsum: missing equation")
	}
	var inSpec, outSpec string
	if idx := strings.Index(equation, "->"); idx >= 0 {
		inSpec, outSpec = equation[:idx], equation[idx+2:]
	} else {
		inSpec = equation
		outSpec = implicitEinsumOutput(inSpec)
	}
	operands := strings.Split(inSpec, ",")
	if len(operands) != len(c.Args) {
		exceptions.Panicf("einsum: equation %q has %d operands, call has %d", equation, len(operands), len(c.Args))
	}
	labelDims := make(map[rune]Dim)
	for i, spec := range operands {
		s := argShape(c, i)
		if len([]rune(spec)) != s.Rank() {
			exceptions.Panicf("einsum: operand %d spec %q does not match shape %s", i, spec, s)
		}
		for j, label := range spec {
			d := s.Dims[j]
			if prev, ok := labelDims[label]; ok {
				labelDims[label] = broadcastDims(c, prev, d)
			} else {
				labelDims[label] = d
			}
		}
	}
	dims := make([]Dim, 0, len(outSpec))
	for _, label := range outSpec {
		d, ok := labelDims[label]
		if !ok {
			exceptions.Panicf("einsum: output label %q not present in inputs of %q", label, equation)
		}
		dims = append(dims, d)
	}
	return TensorType(MakeShapeDims(argShape(c, 0).DType, dims))
}

func implicitEinsumOutput(inSpec string) string {
	counts := make(map[rune]int)
	for _, r := range inSpec {
		if r != ',' {
			counts[r]++
		}
	}
	var out []rune
	for r, n := range counts {
		if n == 1 {
			out = append(out, r)
		}
	}
	// Implicit mode orders output labels alphabetically.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return string(out)
}
