package logical

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/types"
)

// ExprKind tags the variant of a logical expression.
type ExprKind int

const (
	// ExprInputRef references a column of the node's input by name.
	ExprInputRef ExprKind = iota
	// ExprConstant is a literal value.
	ExprConstant
	// ExprCall is a function call.
	ExprCall
	// ExprSpecialForm is a builtin form: and, or, dereference, cast, if.
	ExprSpecialForm
	// ExprLambda is a lambda passed to a higher-order function.
	ExprLambda
)

// SpecialForm names for ExprSpecialForm.
const (
	FormAnd         = "and"
	FormOr          = "or"
	FormDereference = "dereference"
	FormCast        = "cast"
	FormIf          = "if"
)

// Expr is a logical-plan expression. Logical expressions are plain trees;
// deduplication happens when they are translated into the query graph.
type Expr struct {
	Kind   ExprKind
	Type   *types.DataType
	Name   string  // column name, call name or special form
	Value  any     // ExprConstant payload
	Inputs []*Expr // arguments

	// Lambda signature: argument names and types.
	Signature *types.DataType
}

// InputRef returns a reference to a named input column.
func InputRef(name string, typ *types.DataType) *Expr {
	return &Expr{Kind: ExprInputRef, Type: typ, Name: name}
}

// Constant returns a literal of the given type.
func Constant(typ *types.DataType, value any) *Expr {
	return &Expr{Kind: ExprConstant, Type: typ, Value: value}
}

// Call returns a function call expression.
func Call(typ *types.DataType, name string, inputs ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Type: typ, Name: name, Inputs: inputs}
}

// SpecialForm returns a builtin form expression.
func SpecialForm(typ *types.DataType, form string, inputs ...*Expr) *Expr {
	return &Expr{Kind: ExprSpecialForm, Type: typ, Name: form, Inputs: inputs}
}

// Lambda returns a lambda with the given argument signature and body.
func Lambda(signature *types.DataType, body *Expr) *Expr {
	return &Expr{
		Kind:      ExprLambda,
		Type:      body.Type,
		Inputs:    []*Expr{body},
		Signature: signature,
	}
}

// Dereference returns a struct field access over base.
func Dereference(base *Expr, field string) *Expr {
	fieldType := base.Type.FindChild(field)
	return SpecialForm(fieldType, FormDereference, base, Constant(types.Varchar(), field))
}

// Eq returns an equality comparison call.
func Eq(left, right *Expr) *Expr {
	return Call(types.Boolean(), "eq", left, right)
}

// And folds exprs into a left-deep AND. Returns nil for no exprs and the
// sole expr for one.
func And(exprs ...*Expr) *Expr {
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return exprs[0]
	}
	result := exprs[0]
	for _, e := range exprs[1:] {
		result = SpecialForm(types.Boolean(), FormAnd, result, e)
	}
	return result
}

// IsConstant reports whether the expression is a literal.
func (e *Expr) IsConstant() bool { return e.Kind == ExprConstant }

// IsInputRef reports whether the expression references an input column.
func (e *Expr) IsInputRef() bool { return e.Kind == ExprInputRef }

// IsForm reports whether the expression is the named special form.
func (e *Expr) IsForm(form string) bool {
	return e.Kind == ExprSpecialForm && e.Name == form
}

// IsCallNamed reports whether the expression is a call to name.
func (e *Expr) IsCallNamed(name string) bool {
	return e.Kind == ExprCall && e.Name == name
}

// Body returns a lambda's body expression.
func (e *Expr) Body() *Expr { return e.Inputs[0] }

// ConjunctsOf splits a predicate on top-level AND into its conjuncts.
func ConjunctsOf(expr *Expr) []*Expr {
	if expr == nil {
		return nil
	}
	if expr.IsForm(FormAnd) {
		var out []*Expr
		for _, in := range expr.Inputs {
			out = append(out, ConjunctsOf(in)...)
		}
		return out
	}
	return []*Expr{expr}
}

// String renders the expression for diagnostics.
func (e *Expr) String() string {
	switch e.Kind {
	case ExprInputRef:
		return e.Name
	case ExprConstant:
		if s, ok := e.Value.(string); ok {
			return fmt.Sprintf("'%s'", s)
		}
		return fmt.Sprintf("%v", e.Value)
	case ExprLambda:
		args := make([]string, 0, e.Signature.Size())
		for i := 0; i < e.Signature.Size(); i++ {
			args = append(args, e.Signature.NameOf(i))
		}
		return fmt.Sprintf("(%s) -> %s", strings.Join(args, ", "), e.Body())
	default:
		parts := make([]string, len(e.Inputs))
		for i, in := range e.Inputs {
			parts[i] = in.String()
		}
		return fmt.Sprintf("%s(%s)", e.Name, strings.Join(parts, ", "))
	}
}
