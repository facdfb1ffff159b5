package sair

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Builder constructs one function of a program, normalizing every emitted
// expression: result types are inferred, the expression is bound to a fresh
// value and the binding is appended in order. There is no ambient current
// builder; callers that compose functions pass builders explicitly.
type Builder struct {
	prog    *Program
	fn      *Function
	defs    map[*Value]Expr
	counter int
}

// NewBuilder creates a builder with a fresh empty program.
func NewBuilder() *Builder {
	return &Builder{prog: NewProgram(), defs: make(map[*Value]Expr)}
}

// Program returns the program under construction. Helper functions may be
// added to it directly through AddFunc while the main function is being
// built.
func (b *Builder) Program() *Program { return b.prog }

// Func starts the function under construction. A builder builds exactly one
// function.
func (b *Builder) Func(name string) {
	if b.fn != nil {
		exceptions.Panicf("builder already building function %q", b.fn.Name)
	}
	b.fn = &Function{Name: name}
}

// AddParam appends a function parameter.
func (b *Builder) AddParam(name string, shape Shape) *Var {
	v := &Var{Name: name, Shape: shape}
	b.fn.Params = append(b.fn.Params, v)
	return v
}

func (b *Builder) fresh() string {
	name := fmt.Sprintf("v%d", b.counter)
	b.counter++
	return name
}

// Emit normalizes expr and binds it to a fresh value. Calls get their result
// type inferred here; inference failures panic (they indicate a converter
// bug or an invalid model, and are turned into errors at the API boundary).
func (b *Builder) Emit(expr Expr) *Value {
	typ := b.normalize(expr)
	v := &Value{Name: b.fresh(), typ: typ}
	b.fn.Bindings = append(b.fn.Bindings, &Binding{Value: v, Expr: expr})
	b.defs[v] = expr
	return v
}

func (b *Builder) normalize(expr Expr) Type {
	if call, ok := expr.(*Call); ok && !call.typed {
		call.typ = inferCallType(call)
		call.typed = true
	}
	return expr.Type()
}

// DefOf returns the defining expression of a value emitted by this builder.
func (b *Builder) DefOf(v *Value) (Expr, bool) {
	expr, ok := b.defs[v]
	return expr, ok
}

// Output emits expr (unless it is already a bound value) and marks it as the
// function's return value.
func (b *Builder) Output(expr Expr) *Value {
	v, ok := expr.(*Value)
	if !ok {
		v = b.Emit(expr)
	}
	b.fn.Ret = v
	return v
}

// Build finalizes the function into the program and returns the program.
func (b *Builder) Build() *Program {
	if b.fn == nil {
		exceptions.Panicf("builder has no function under construction")
	}
	if b.fn.Ret == nil {
		exceptions.Panicf("function %q has no output", b.fn.Name)
	}
	b.prog.AddFunc(b.fn)
	return b.prog
}
