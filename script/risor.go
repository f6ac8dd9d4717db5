package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorCompiler compiles Risor expressions. Every name an expression may
// reference must be known at compile time, so the compiler is built with the
// full set of globals; evaluation may override their values.
type RisorCompiler struct {
	globals map[string]any
}

// NewRisorCompiler returns a compiler over the given globals.
func NewRisorCompiler(globals map[string]any) *RisorCompiler {
	return &RisorCompiler{globals: globals}
}

// NewDefaultCompiler returns a compiler over DefaultGlobals.
func NewDefaultCompiler() *RisorCompiler {
	return NewRisorCompiler(DefaultGlobals())
}

func (c *RisorCompiler) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.globals))
	for name := range c.globals {
		names = append(names, name)
	}
	sort.Strings(names)

	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{compiler: c, code: compiled}, nil
}

// RisorScript is a compiled Risor expression.
type RisorScript struct {
	compiler *RisorCompiler
	code     *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.compiler.globals)+len(globals))
	for name, value := range s.compiler.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	obj, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: obj}, nil
}

// RisorValue wraps a Risor object result.
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return toGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	switch obj := v.obj.(type) {
	case *object.Bool:
		return obj.Value()
	case *object.Int:
		return obj.Value() != 0
	case *object.Float:
		return obj.Value() != 0.0
	case *object.List:
		return len(obj.Value()) > 0
	case *object.Map:
		return len(obj.Value()) > 0
	case *object.String:
		val := obj.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return fmt.Sprintf("%d", o.Value())
	case *object.Float:
		return fmt.Sprintf("%g", o.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case fmt.Stringer:
		return o.String()
	default:
		return o.Inspect()
	}
}

// toGo converts a Risor object into plain Go values suitable for storing in a
// run context.
func toGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = toGo(value)
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, toGo(item))
		}
		return result
	default:
		return obj.Inspect()
	}
}

// safeBuiltins are the deterministic, side-effect free Risor builtins that
// expressions may use.
var safeBuiltins = map[string]bool{
	"all":      true,
	"any":      true,
	"bool":     true,
	"coalesce": true,
	"float":    true,
	"fmt":      true,
	"int":      true,
	"json":     true,
	"keys":     true,
	"len":      true,
	"list":     true,
	"math":     true,
	"regexp":   true,
	"sorted":   true,
	"sprintf":  true,
	"string":   true,
	"strings":  true,
	"type":     true,
}

// DefaultGlobals returns the safe builtins plus the names the engine binds
// at evaluation time: "state" (the run context) and "run" (run metadata).
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safeBuiltins[name] {
			globals[name] = value
		}
	}
	globals["state"] = object.NewMap(map[string]object.Object{})
	globals["run"] = object.NewMap(map[string]object.Object{})
	return globals
}
