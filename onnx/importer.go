package onnx

import (
	"fmt"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sairml/onnx-sair/internal/protos"
	"github.com/sairml/onnx-sair/sair"
)

// importStage tracks the importer's forward-only state machine. Every
// transition is gated on the previous stage having completed; a failure at
// any stage aborts the whole import with no partial program.
type importStage int

const (
	stageInit importStage = iota
	stageInitializers
	stageInputs
	stageValidated
	stageConverting
	stageDone
)

type importOptions struct {
	inputShapes     map[string][]int
	inputDTypes     map[string]dtypes.DType
	defaultDType    dtypes.DType
	opset           int
	sanitize        bool
	externalDataDir string
}

// ImportOption configures one import call.
type ImportOption func(*importOptions)

// WithInputShapes overrides the declared shapes of the named graph inputs.
func WithInputShapes(shapes map[string][]int) ImportOption {
	return func(o *importOptions) { o.inputShapes = shapes }
}

// WithDTypes overrides the element dtypes of the named graph inputs.
func WithDTypes(dts map[string]dtypes.DType) ImportOption {
	return func(o *importOptions) { o.inputDTypes = dts }
}

// WithDefaultDType applies dt to every input without a per-name override.
func WithDefaultDType(dt dtypes.DType) ImportOption {
	return func(o *importOptions) { o.defaultDType = dt }
}

// WithOpset requests a specific operator set version instead of the model's
// declared one. Requesting a lower version than the model declares proceeds
// with a warning.
func WithOpset(opset int) ImportOption {
	return func(o *importOptions) { o.opset = opset }
}

// WithSanitizeNames controls input name sanitization (default on). With it
// off, raw model names are used verbatim.
func WithSanitizeNames(enabled bool) ImportOption {
	return func(o *importOptions) { o.sanitize = enabled }
}

// WithExternalDataDir sets the directory external tensor data resolves
// against, overriding the model file's own directory.
func WithExternalDataDir(dir string) ImportOption {
	return func(o *importOptions) { o.externalDataDir = dir }
}

// Import translates the model's graph into a SAIR program with a single
// function named "main". The returned map holds the constant tensor of every
// initializer, keyed by its (possibly sanitized) name.
func Import(model *Model, opts ...ImportOption) (prog *sair.Program, params map[string]*sair.Tensor, err error) {
	options := importOptions{sanitize: true}
	for _, opt := range opts {
		opt(&options)
	}
	err = exceptions.TryCatch[error](func() {
		imp := newImporter(model, options)
		prog, params = imp.run()
	})
	if err != nil {
		return nil, nil, err
	}
	return prog, params, nil
}

// Import is the method form of the package-level Import.
func (m *Model) Import(opts ...ImportOption) (*sair.Program, map[string]*sair.Tensor, error) {
	return Import(m, opts...)
}

// importer holds the state of one import pass. An importer converts exactly
// one model; a fresh one is created per Import call.
type importer struct {
	model   *Model
	opts    importOptions
	stage   importStage
	opset   int
	b       *sair.Builder
	symbols *symbolTable
	san     *sanitizer
	params  map[string]*sair.Tensor
}

func newImporter(model *Model, opts importOptions) *importer {
	b := sair.NewBuilder()
	b.Func("main")
	return &importer{
		model:   model,
		opts:    opts,
		stage:   stageInit,
		b:       b,
		symbols: newSymbolTable(),
		san:     newSanitizer(opts.sanitize),
		params:  make(map[string]*sair.Tensor),
	}
}

// check unwinds an error to the Import boundary, where TryCatch converts it
// back into a return value.
func check(err error) {
	if err != nil {
		panic(err)
	}
}

func (imp *importer) advance(to importStage) {
	if to != imp.stage+1 {
		exceptions.Panicf("import cannot advance from stage %d to %d", imp.stage, to)
	}
	imp.stage = to
}

func (imp *importer) run() (*sair.Program, map[string]*sair.Tensor) {
	imp.validateModel()
	imp.resolveOpset()
	imp.loadInitializers()
	imp.advance(stageInitializers)
	imp.bindInputs()
	imp.advance(stageInputs)
	imp.preflight()
	imp.advance(stageValidated)
	imp.convertNodes()
	prog := imp.finalize()
	imp.advance(stageDone)
	return prog, imp.params
}

func (imp *importer) validateModel() {
	proto := &imp.model.Proto
	if proto.IrVersion < 3 {
		check(errors.Wrapf(ErrMalformedModel,
			"model IR version %d is below the minimum supported (3)", proto.IrVersion))
	}
	if proto.Graph == nil {
		check(errors.Wrap(ErrMalformedModel, "model has no graph"))
	}
	if len(proto.Functions) > 0 {
		check(errors.Wrapf(ErrUnsupportedFeature,
			"model defines %d local functions", len(proto.Functions)))
	}
	if len(proto.Graph.SparseInitializer) > 0 {
		check(errors.Wrap(ErrUnsupportedFeature, "model uses sparse initializers"))
	}
}

func (imp *importer) resolveOpset() {
	declared := imp.model.Opset()
	for _, opset := range imp.model.Proto.OpsetImport {
		if opset.Domain != "" && opset.Domain != "ai.onnx" {
			klog.Warningf("ignoring opset import for domain %q", opset.Domain)
		}
	}
	imp.opset = declared
	if imp.opts.opset > 0 {
		if imp.opts.opset < declared {
			klog.Warningf("importing with opset %d below the model's declared opset %d",
				imp.opts.opset, declared)
		}
		imp.opset = imp.opts.opset
	}
}

func (imp *importer) loadInitializers() {
	g := imp.model.Proto.Graph
	baseDir := imp.opts.externalDataDir
	if baseDir == "" {
		baseDir = imp.model.baseDir
	}
	var reader *externalDataReader
	defer func() {
		if reader != nil {
			if err := reader.Close(); err != nil {
				klog.Warningf("closing external data reader: %v", err)
			}
		}
	}()
	for _, tp := range g.Initializer {
		if tp.DataLocation == protos.TensorProto_EXTERNAL {
			if reader == nil {
				reader = newExternalDataReader(baseDir)
			}
			check(resolveExternalData(tp, reader))
		}
		t, err := tensorToSAIR(tp)
		if err != nil {
			check(errors.WithMessagef(err, "initializer %q", tp.Name))
		}
		check(imp.symbols.define(tp.Name, sair.NewConst(t)))
		imp.params[imp.san.sanitize(tp.Name)] = t
	}
}

// inputShape builds a graph input's shape from its descriptor plus any
// caller overrides.
func (imp *importer) inputShape(vi *protos.ValueInfoProto) sair.Shape {
	if vi.Type == nil || vi.Type.TensorType == nil {
		check(errors.Wrapf(ErrMalformedModel, "input %q has no tensor type", vi.Name))
	}
	tt := vi.Type.TensorType
	dt, err := dtypeForONNX(protos.TensorProto_DataType(tt.ElemType))
	if err != nil {
		check(errors.WithMessagef(err, "input %q", vi.Name))
	}
	var dims []sair.Dim
	if tt.Shape != nil {
		dims = make([]sair.Dim, len(tt.Shape.Dim))
		for i, d := range tt.Shape.Dim {
			switch {
			case d.HasDimValue:
				dims[i] = sair.StaticDim(int(d.DimValue))
			case d.DimParam != "":
				dims[i] = sair.SymDim(d.DimParam)
			default:
				dims[i] = sair.SymDim(fmt.Sprintf("d%d", i))
			}
		}
	}
	if override, ok := imp.opts.inputShapes[vi.Name]; ok {
		dims = make([]sair.Dim, len(override))
		for i, size := range override {
			dims[i] = sair.StaticDim(size)
		}
	}
	if override, ok := imp.opts.inputDTypes[vi.Name]; ok {
		dt = override
	} else if imp.opts.defaultDType != dtypes.InvalidDType {
		dt = imp.opts.defaultDType
	}
	return sair.MakeShapeDims(dt, dims)
}

// checkOverrideNames rejects override keys that do not name a declared,
// non-initializer graph input, reporting the full valid set.
func (imp *importer) checkOverrideNames(what string, names []string) {
	valid := imp.model.InputNames()
	validSet := make(map[string]bool, len(valid))
	for _, name := range valid {
		validSet[name] = true
	}
	var unknown []string
	for _, name := range names {
		if !validSet[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		check(errors.Wrapf(ErrInvalidInput,
			"%s overrides reference unknown inputs %v, graph inputs are %v", what, unknown, valid))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (imp *importer) bindInputs() {
	imp.checkOverrideNames("shape", sortedKeys(imp.opts.inputShapes))
	imp.checkOverrideNames("dtype", sortedKeys(imp.opts.inputDTypes))
	for _, vi := range imp.model.Proto.Graph.Input {
		if imp.symbols.has(vi.Name) {
			// Initializers shadow declared inputs: the name is already a
			// constant and gets no parameter.
			continue
		}
		shape := imp.inputShape(vi)
		name := imp.san.sanitize(vi.Name)
		v := imp.b.AddParam(name, shape)
		// Anonymous inputs cannot be referenced by nodes (a blank input
		// slot means absent); they are keyed by their generated name, or
		// left out of the table entirely when sanitization is off.
		if vi.Name != "" {
			name = vi.Name
		}
		if name != "" {
			check(imp.symbols.define(name, v))
		}
	}
}

// preflight rejects the whole model before any node conversion when it uses
// operators without a registered converter.
func (imp *importer) preflight() {
	seen := make(map[string]bool)
	var unsupported []string
	for _, node := range imp.model.Proto.Graph.Node {
		op := node.OpType
		if node.Domain != "" && node.Domain != "ai.onnx" {
			op = node.Domain + "." + op
		} else if Supported(op) {
			continue
		}
		if !seen[op] {
			seen[op] = true
			unsupported = append(unsupported, op)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		check(errors.Wrapf(ErrUnsupportedOp,
			"model uses %d unsupported operators: %v", len(unsupported), unsupported))
	}
}

func nodeIdent(node *protos.NodeProto) string {
	if node.Name != "" {
		return node.Name
	}
	if len(node.Output) > 0 {
		return fmt.Sprintf("%s(%s)", node.OpType, node.Output[0])
	}
	return node.OpType
}

func (imp *importer) convertNodes() {
	imp.advance(stageConverting)
	for _, node := range imp.model.Proto.Graph.Node {
		imp.convertNode(node)
	}
}

func (imp *importer) convertNode(node *protos.NodeProto) {
	ident := nodeIdent(node)
	attrs, err := parseAttributes(node)
	check(err)
	attrs[AttrNodeName] = ident
	attrs[AttrNumOutputs] = len(node.Output)

	inputs := make([]sair.Expr, len(node.Input))
	for i, name := range node.Input {
		if name == "" {
			continue // absent optional input
		}
		e, err := imp.symbols.lookup(name)
		if err != nil {
			check(errors.WithMessagef(err, "input %d of node %q", i, ident))
		}
		inputs[i] = e
	}

	fam, ok := converters[node.OpType]
	if !ok {
		check(errors.Wrapf(ErrUnsupportedOp, "node %q: operator %q", ident, node.OpType))
	}
	v, err := fam.resolve(imp.opset)
	if err != nil {
		check(errors.WithMessagef(err, "node %q (%s)", ident, node.OpType))
	}

	cc := &convCtx{b: imp.b, opset: imp.opset, nodeName: ident}
	var result sair.Expr
	if v.native != nil {
		result = v.native(cc, inputs, attrs)
	} else {
		result = cc.bridge(v.bridged, node.OpType, inputs, attrs)
	}

	produced := imp.produce(cc, result)
	if len(node.Output) > len(produced) {
		check(errors.Wrapf(ErrOutputArityMismatch,
			"node %q declares %d outputs, converter produced %d",
			ident, len(node.Output), len(produced)))
	}
	for i, name := range node.Output {
		if name == "" {
			continue
		}
		check(imp.symbols.define(name, produced[i]))
	}
}

// produce normalizes a converter's result into the sequence of output
// values: explicit tuples are used directly, a tuple-typed single value is
// unpacked field by field, everything else is a single output.
func (imp *importer) produce(cc *convCtx, result sair.Expr) []sair.Expr {
	if tup, ok := result.(*sair.Tuple); ok {
		out := make([]sair.Expr, len(tup.Elems))
		for i, el := range tup.Elems {
			out[i] = imp.bind(el)
		}
		return out
	}
	single := imp.bind(result)
	if v, ok := single.(*sair.Value); ok && v.IsTuple() {
		n := v.Type().Len()
		out := make([]sair.Expr, n)
		for i := range out {
			out[i] = cc.b.Emit(&sair.TupleGetItem{Tuple: v, Index: i})
		}
		return out
	}
	return []sair.Expr{single}
}

// bind emits an expression unless it is already usable as a later node's
// input as-is.
func (imp *importer) bind(e sair.Expr) sair.Expr {
	switch e.(type) {
	case *sair.Value, *sair.Var, *sair.Const:
		return e
	}
	return imp.b.Emit(e)
}

func (imp *importer) finalize() *sair.Program {
	g := imp.model.Proto.Graph
	if len(g.Output) == 0 {
		check(errors.Wrap(ErrMalformedModel, "graph declares no outputs"))
	}
	outs := make([]sair.Expr, len(g.Output))
	for i, vi := range g.Output {
		e, err := imp.symbols.lookup(vi.Name)
		if err != nil {
			check(errors.WithMessagef(err, "graph output %d", i))
		}
		outs[i] = imp.bind(e)
	}
	if len(outs) == 1 {
		imp.b.Output(outs[0])
	} else {
		imp.b.Output(&sair.Tuple{Elems: outs})
	}
	return imp.b.Build()
}
