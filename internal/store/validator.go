package store

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Validator decides whether a cached entry is still usable. Returning false
// drops the entry on the next read or validation scan.
type Validator func(EntryInfo) bool

// ExprValidator wraps a compiled CEL program that judges entries. The
// expression sees the EntryInfo fields as top-level variables:
//
//	key == "budget:parse" || ageSeconds < 600.0
//	accessCount > 0 && "journal" in tags
type ExprValidator struct {
	source  string
	program cel.Program
}

// CompileValidator builds an ExprValidator from a CEL boolean expression.
func CompileValidator(expression string) (*ExprValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("ageSeconds", cel.DoubleType),
		cel.Variable("accessCount", cel.IntType),
		cel.Variable("sizeBytes", cel.IntType),
		cel.Variable("dependencies", cel.ListType(cel.StringType)),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: build validator environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("store: compile validator %q: %w", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("store: validator %q must yield a boolean, got %s", expression, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("store: program validator %q: %w", expression, err)
	}
	return &ExprValidator{source: expression, program: program}, nil
}

// Eval runs the expression against one entry snapshot. Evaluation failures
// are surfaced so the store can log them; the entry is treated as invalid.
func (v *ExprValidator) Eval(info EntryInfo) (bool, error) {
	out, _, err := v.program.Eval(map[string]any{
		"key":          info.Key,
		"ageSeconds":   info.AgeSeconds,
		"accessCount":  info.AccessCount,
		"sizeBytes":    info.SizeBytes,
		"dependencies": info.Dependencies,
		"tags":         info.Tags,
	})
	if err != nil {
		return false, fmt.Errorf("store: evaluate validator %q: %w", v.source, err)
	}
	result, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("store: validator %q yielded %T, expected bool", v.source, out)
	}
	return bool(result), nil
}

// Func adapts the compiled expression into the Validator contract.
func (v *ExprValidator) Func() Validator {
	return func(info EntryInfo) bool {
		ok, err := v.Eval(info)
		return err == nil && ok
	}
}
