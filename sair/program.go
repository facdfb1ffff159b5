package sair

import "github.com/pkg/errors"

// Function is a single-assignment function: parameters, an ordered binding
// list and a return expression referencing earlier bindings or parameters.
type Function struct {
	Name     string
	Params   []*Var
	Bindings []*Binding
	Ret      Expr
}

// Program is an ordered collection of functions addressed by name.
type Program struct {
	Funcs  []*Function
	byName map[string]*GlobalFunc
}

// NewProgram creates an empty program.
func NewProgram() *Program {
	return &Program{byName: make(map[string]*GlobalFunc)}
}

// AddFunc registers fn and returns a reference to it. If a function with the
// same name is already registered the existing reference is returned and fn
// is discarded, so repeated registration of shared helpers is idempotent.
func (p *Program) AddFunc(fn *Function) *GlobalFunc {
	if ref, ok := p.byName[fn.Name]; ok {
		return ref
	}
	ref := &GlobalFunc{Name: fn.Name, Fn: fn}
	p.Funcs = append(p.Funcs, fn)
	p.byName[fn.Name] = ref
	return ref
}

// Func returns the reference registered under name, or nil.
func (p *Program) Func(name string) *GlobalFunc {
	return p.byName[name]
}

// Main returns the function named "main".
func (p *Program) Main() (*Function, error) {
	if ref, ok := p.byName["main"]; ok {
		return ref.Fn, nil
	}
	return nil, errors.New("program has no main function")
}
