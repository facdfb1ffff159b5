package onnx

import (
	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/sair"
)

// symbolTable maps graph value names to the IR expressions that define them:
// parameters for graph inputs, constants for initializers and bound values
// for node outputs. Names are single-assignment.
type symbolTable struct {
	defs map[string]sair.Expr
}

func newSymbolTable() *symbolTable {
	return &symbolTable{defs: make(map[string]sair.Expr)}
}

func (st *symbolTable) define(name string, e sair.Expr) error {
	if _, ok := st.defs[name]; ok {
		return errors.Wrapf(ErrDuplicateDefinition, "name %q is already defined", name)
	}
	st.defs[name] = e
	return nil
}

func (st *symbolTable) lookup(name string) (sair.Expr, error) {
	e, ok := st.defs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUndefinedReference, "name %q is not defined", name)
	}
	return e, nil
}

func (st *symbolTable) has(name string) bool {
	_, ok := st.defs[name]
	return ok
}
