// Package filter compiles per-session CEL predicates evaluated against
// outbound intel and sighting payloads.
//
// Expressions see four variables:
//
//	kind    string  message kind ("intel", "sighting", ...)
//	json    dyn     decoded JSON payload
//	size    int     payload size in bytes
//	now_ms  int     current unix time in milliseconds
//
// For example: json.data.intel_type == "DOMAIN" && size < 4096
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter is an immutable compiled predicate. A nil *Filter matches everything.
type Filter struct {
	expr string
	prog cel.Program
}

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("size", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		panic(fmt.Sprintf("filter: cel env: %v", err))
	}
}

// Compile parses and type-checks expr. An empty expression yields a nil
// Filter and no error.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("filter: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("filter: expression must be boolean, got %s", ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the predicate. Evaluation errors and non-boolean results
// count as no match.
func (f *Filter) Match(kind string, payload []byte) bool {
	if f == nil {
		return true
	}
	var doc any
	_ = json.Unmarshal(payload, &doc)
	out, _, err := f.prog.Eval(map[string]any{
		"kind":   kind,
		"json":   doc,
		"size":   int64(len(payload)),
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
