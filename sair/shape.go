// Package sair implements a small single-assignment tensor IR: expressions,
// named value bindings, functions and programs, plus a builder that
// normalizes every emitted expression (shape and dtype inference) and a
// constant evaluator used to fold compile-time sub-expressions.
package sair

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Dim is one tensor dimension: a static size, or a named symbolic dimension
// whose size is unknown at import time.
type Dim struct {
	Size int
	Sym  string
}

// StaticDim makes a static dimension.
func StaticDim(size int) Dim { return Dim{Size: size} }

// SymDim makes a named symbolic dimension.
func SymDim(name string) Dim { return Dim{Size: -1, Sym: name} }

// IsStatic reports whether the dimension has a known size.
func (d Dim) IsStatic() bool { return d.Sym == "" }

func (d Dim) String() string {
	if d.Sym != "" {
		return d.Sym
	}
	return fmt.Sprintf("%d", d.Size)
}

// Shape is an element dtype plus dimensions. A rank-0 shape is a scalar.
type Shape struct {
	DType dtypes.DType
	Dims  []Dim
}

// MakeShape builds a static shape.
func MakeShape(dtype dtypes.DType, dims ...int) Shape {
	s := Shape{DType: dtype, Dims: make([]Dim, len(dims))}
	for i, d := range dims {
		s.Dims[i] = StaticDim(d)
	}
	return s
}

// MakeShapeDims builds a shape from already constructed dimensions.
func MakeShapeDims(dtype dtypes.DType, dims []Dim) Shape {
	return Shape{DType: dtype, Dims: dims}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dims) }

// IsScalar reports whether the shape has rank 0.
func (s Shape) IsScalar() bool { return len(s.Dims) == 0 }

// IsStatic reports whether every dimension has a known size.
func (s Shape) IsStatic() bool {
	for _, d := range s.Dims {
		if !d.IsStatic() {
			return false
		}
	}
	return true
}

// Dim returns dimension i, counting negative indices from the end.
func (s Shape) Dim(i int) Dim {
	if i < 0 {
		i += len(s.Dims)
	}
	return s.Dims[i]
}

// Size returns the number of elements, or -1 if any dimension is symbolic.
func (s Shape) Size() int {
	size := 1
	for _, d := range s.Dims {
		if !d.IsStatic() {
			return -1
		}
		size *= d.Size
	}
	return size
}

// Sizes returns the static dimension sizes. Panics on a symbolic shape.
func (s Shape) Sizes() []int {
	sizes := make([]int, len(s.Dims))
	for i, d := range s.Dims {
		if !d.IsStatic() {
			panic(fmt.Sprintf("Shape.Sizes called on symbolic shape %s", s))
		}
		sizes[i] = d.Size
	}
	return sizes
}

// Eq reports whether two shapes have the same dtype and dimensions.
// Symbolic dimensions compare by name.
func (s Shape) Eq(o Shape) bool {
	if s.DType != o.DType || len(s.Dims) != len(o.Dims) {
		return false
	}
	for i, d := range s.Dims {
		if d != o.Dims[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy with an independent dims slice.
func (s Shape) Clone() Shape {
	c := Shape{DType: s.DType, Dims: make([]Dim, len(s.Dims))}
	copy(c.Dims, s.Dims)
	return c
}

func (s Shape) String() string {
	if s.IsScalar() {
		return fmt.Sprintf("%s[]", s.DType)
	}
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		parts[i] = d.String()
	}
	return fmt.Sprintf("%s[%s]", s.DType, strings.Join(parts, " "))
}

// Type is the normalized type of an expression: one tensor shape, or a tuple
// of tensor shapes.
type Type struct {
	tuple bool
	elems []Shape
}

// TensorType wraps a single shape.
func TensorType(s Shape) Type { return Type{elems: []Shape{s}} }

// TupleType wraps an ordered list of shapes.
func TupleType(elems ...Shape) Type { return Type{tuple: true, elems: elems} }

// IsTuple reports whether the type is a tuple.
func (t Type) IsTuple() bool { return t.tuple }

// Len returns the number of tuple elements (1 for a tensor type).
func (t Type) Len() int { return len(t.elems) }

// Elem returns the i-th element shape.
func (t Type) Elem(i int) Shape { return t.elems[i] }

// Shape returns the single tensor shape. Panics on a tuple type.
func (t Type) Shape() Shape {
	if t.tuple {
		panic(fmt.Sprintf("Type.Shape called on tuple type %s", t))
	}
	return t.elems[0]
}

func (t Type) String() string {
	if !t.tuple {
		return t.elems[0].String()
	}
	parts := make([]string, len(t.elems))
	for i, e := range t.elems {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
