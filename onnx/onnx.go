// Package onnx imports serialized ONNX model graphs into SAIR programs.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse.
//   - Model.Import: translates the model's graph into a single-assignment
//     SAIR program, resolving per-operator opset versions, folding constant
//     sub-expressions and bridging tree-dialect converters.
package onnx

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/sairml/onnx-sair/internal/protos"
)

// Model represents a parsed ONNX file.
type Model struct {
	Proto protos.ModelProto

	// baseDir is the directory external tensor data resolves against; set
	// by ReadFile to the model's own directory, overridable per import
	// with WithExternalDataDir.
	baseDir string
}

// Parse parses a serialized ONNX model into a Model.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	if err := protos.Unmarshal(contents, &m.Proto); err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model proto")
	}
	return m, nil
}

// ReadFile parses an ONNX model file into a Model. External tensor data
// resolves relative to the model file's directory unless overridden with
// WithExternalDataDir.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, err
	}
	m.baseDir = filepath.Dir(filePath)
	return m, nil
}

// InputNames returns the names of the graph inputs in declaration order,
// excluding inputs shadowed by initializers.
func (m *Model) InputNames() []string {
	g := m.Proto.Graph
	if g == nil {
		return nil
	}
	initializers := make(map[string]bool, len(g.Initializer))
	for _, init := range g.Initializer {
		initializers[init.Name] = true
	}
	var names []string
	for _, input := range g.Input {
		if !initializers[input.Name] {
			names = append(names, input.Name)
		}
	}
	return names
}

// OutputNames returns the names of the graph outputs in declaration order.
func (m *Model) OutputNames() []string {
	g := m.Proto.Graph
	if g == nil {
		return nil
	}
	names := make([]string, len(g.Output))
	for i, output := range g.Output {
		names[i] = output.Name
	}
	return names
}

// Opset returns the model's operator set version: the version declared for
// the default domain, or 1 when none is declared. Non-default domains do
// not participate.
func (m *Model) Opset() int {
	opset := 0
	for _, imp := range m.Proto.OpsetImport {
		if imp.Domain == "" || imp.Domain == "ai.onnx" {
			if int(imp.Version) > opset {
				opset = int(imp.Version)
			}
		}
	}
	if opset == 0 {
		return 1
	}
	return opset
}
