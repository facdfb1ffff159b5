package sair

import (
	"fmt"
	"sort"
	"strings"
)

// String returns a deterministic textual form of the program: functions in
// registration order, one binding per line, attributes sorted by name.
func (p *Program) String() string {
	var sb strings.Builder
	for i, fn := range p.Funcs {
		if i > 0 {
			sb.WriteString("\n")
		}
		fn.write(&sb)
	}
	return sb.String()
}

func (f *Function) String() string {
	var sb strings.Builder
	f.write(&sb)
	return sb.String()
}

func (f *Function) write(sb *strings.Builder) {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.String()
	}
	fmt.Fprintf(sb, "func %s(%s) {\n", f.Name, strings.Join(params, ", "))
	for _, bind := range f.Bindings {
		fmt.Fprintf(sb, "  %s: %s = %s\n", bind.Value.Name, bind.Value.Type(), exprString(bind.Expr))
	}
	if f.Ret != nil {
		fmt.Fprintf(sb, "  return %s\n", exprString(f.Ret))
	}
	sb.WriteString("}\n")
}

func exprString(e Expr) string {
	switch e := e.(type) {
	case *Var:
		return e.Name
	case *Value:
		return e.Name
	case *Const:
		return "const " + e.Value.String()
	case *GlobalFunc:
		return "@" + e.Name
	case *Tuple:
		parts := make([]string, len(e.Elems))
		for i, el := range e.Elems {
			parts[i] = exprString(el)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case *TupleGetItem:
		return fmt.Sprintf("%s.%d", exprString(e.Tuple), e.Index)
	case *Call:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = exprString(a)
		}
		name := e.Op
		if e.Target != nil {
			name = "@" + e.Target.Name
		}
		if len(e.Attrs) == 0 {
			return fmt.Sprintf("%s(%s)", name, strings.Join(args, ", "))
		}
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make([]string, len(keys))
		for i, k := range keys {
			attrs[i] = fmt.Sprintf("%s=%v", k, e.Attrs[k])
		}
		return fmt.Sprintf("%s(%s) {%s}", name, strings.Join(args, ", "), strings.Join(attrs, ", "))
	default:
		return fmt.Sprintf("<%T>", e)
	}
}
