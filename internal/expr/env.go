// Package expr compiles the CEL expressions the catalog evaluates against
// candidate records.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment declares `record`, the candidate's attributes keyed by name,
// and `value`, the filter value a predicate is checked against.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("value", cel.DynType),
		cel.Function("lookup",
			cel.Overload("lookup_record_key",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookup),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

type compiled struct {
	text    string
	program cel.Program
}

// String returns the trimmed expression text.
func (c compiled) String() string { return c.text }

func (c compiled) eval(record map[string]any, value any) (ref.Val, error) {
	if c.program == nil {
		return nil, errors.New("expr: expression not compiled")
	}
	out, _, err := c.program.Eval(map[string]any{"record": record, "value": value})
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", c.text, err)
	}
	return out, nil
}

// Predicate decides whether a record satisfies one filter key.
type Predicate struct {
	compiled
}

// Predicate compiles a boolean expression over `record` and `value`.
func (e *Environment) Predicate(text string) (Predicate, error) {
	c, ast, err := e.compile(text)
	if err != nil {
		return Predicate{}, err
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Predicate{}, fmt.Errorf("expr: %q must return bool, got %s", c.text, cel.FormatCELType(t))
	}
	return Predicate{c}, nil
}

// Match evaluates the predicate for one record and filter value.
func (p Predicate) Match(record map[string]any, value any) (bool, error) {
	out, err := p.eval(record, value)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expr: %q yielded %s, want bool", p.text, out.Type().TypeName())
	}
	return bool(b), nil
}

// Derivation computes an attribute from the other attributes of a record.
type Derivation struct {
	compiled
}

// Derivation compiles an expression over `record`. Its result must be a
// scalar: bool, number, string or null.
func (e *Environment) Derivation(text string) (Derivation, error) {
	c, _, err := e.compile(text)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{c}, nil
}

// Value evaluates the derivation. Numbers come back as float64.
func (d Derivation) Value(record map[string]any) (any, error) {
	out, err := d.eval(record, nil)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case types.Bool:
		return bool(v), nil
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	case types.Uint:
		return float64(v), nil
	case types.String:
		return string(v), nil
	case types.Null:
		return nil, nil
	}
	return nil, fmt.Errorf("expr: %q yielded %s, want a scalar", d.text, out.Type().TypeName())
}

func (e *Environment) compile(text string) (compiled, *cel.Ast, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return compiled{}, nil, errors.New("expr: expression required")
	}
	ast, issues := e.env.Compile(trimmed)
	if issues != nil && issues.Err() != nil {
		return compiled{}, nil, fmt.Errorf("expr: compile %q: %w", trimmed, issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return compiled{}, nil, fmt.Errorf("expr: program %q: %w", trimmed, err)
	}
	return compiled{text: trimmed, program: program}, ast, nil
}

// lookup returns null instead of failing when the key is absent.
func lookup(container ref.Val, key ref.Val) ref.Val {
	mapper, ok := container.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
