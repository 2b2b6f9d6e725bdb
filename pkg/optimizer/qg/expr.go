package qg

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// ExprKind tags the variant of a query-graph expression.
type ExprKind uint8

const (
	ExprColumn ExprKind = iota
	ExprLiteral
	ExprCall
	ExprField
	ExprLambda
	ExprAggregate
)

// Value describes an expression's result: its type and the estimated
// number of distinct values.
type Value struct {
	Type        *types.DataType
	Cardinality float64
}

// Expr is an interned expression. Structurally equal expressions made
// through the same context are the same pointer, so equality checks and
// set membership use identity. All fields are immutable after interning.
type Expr struct {
	objectBase
	kind  ExprKind
	value Value

	name     Name       // column name, call name, field name
	relation PlanObject // ExprColumn: the owning BaseTable or DerivedTable
	schema   *catalog.Column
	literal  any
	args     []*Expr // call args; Field/Lambda: [base]/[body]

	fieldIndex int32

	condition *Expr // ExprAggregate FILTER
	distinct  bool
	orderKeys []*Expr
	orderType []OrderType

	signature *types.DataType // ExprLambda argument row

	columns ObjectSet // referenced columns, cached bottom-up
}

func (e *Expr) Kind() ExprKind            { return e.kind }
func (e *Expr) Value() Value              { return e.value }
func (e *Expr) Name() Name                { return e.name }
func (e *Expr) Relation() PlanObject      { return e.relation }
func (e *Expr) SchemaColumn() *catalog.Column { return e.schema }
func (e *Expr) Literal() any              { return e.literal }
func (e *Expr) Args() []*Expr             { return e.args }
func (e *Expr) Base() *Expr               { return e.args[0] }
func (e *Expr) FieldIndex() int32         { return e.fieldIndex }
func (e *Expr) Condition() *Expr          { return e.condition }
func (e *Expr) IsDistinct() bool          { return e.distinct }
func (e *Expr) OrderKeys() []*Expr        { return e.orderKeys }
func (e *Expr) Signature() *types.DataType { return e.signature }

// Columns returns the set of column ids the expression references.
func (e *Expr) Columns() ObjectSet { return e.columns }

// SameOrEqual reports whether the two interned expressions are the same
// value; with hash-consing this is pointer equality.
func (e *Expr) SameOrEqual(other *Expr) bool { return e == other }

func columnsOf(exprs []*Expr, extra *Expr) ObjectSet {
	var set ObjectSet
	set.UnionColumnsOf(exprs)
	if extra != nil {
		set.UnionColumns(extra)
	}
	return set
}

// NewColumn interns a column of relation. Columns are unique per
// (relation, name); repeated calls return the same pointer.
func (c *Context) NewColumn(relation PlanObject, name Name, value Value, schema *catalog.Column) *Expr {
	key := fmt.Sprintf("c|%d|%s", relation.ID(), name.String())
	if e, ok := c.exprs[key]; ok {
		return e
	}
	e := &Expr{kind: ExprColumn, value: value, name: name, relation: relation, schema: schema}
	c.register(e)
	e.columns.AddObject(e)
	c.exprs[key] = e
	return e
}

// NewLiteral interns a literal.
func (c *Context) NewLiteral(typ *types.DataType, literal any) *Expr {
	key := fmt.Sprintf("l|%s|%T|%v", typ, literal, literal)
	if e, ok := c.exprs[key]; ok {
		return e
	}
	e := &Expr{kind: ExprLiteral, value: Value{Type: typ, Cardinality: 1}, literal: literal}
	c.register(e)
	c.exprs[key] = e
	return e
}

func argIDs(args []*Expr) string {
	var b strings.Builder
	for _, a := range args {
		fmt.Fprintf(&b, "%d,", a.ID())
	}
	return b.String()
}

// NewCall interns a function call over already-interned args.
func (c *Context) NewCall(name Name, typ *types.DataType, args []*Expr) *Expr {
	key := fmt.Sprintf("f|%s|%s|%s", name.String(), typ, argIDs(args))
	if e, ok := c.exprs[key]; ok {
		return e
	}
	cardinality := 1.0
	for _, a := range args {
		if a.value.Cardinality > cardinality {
			cardinality = a.value.Cardinality
		}
	}
	e := &Expr{
		kind:    ExprCall,
		value:   Value{Type: typ, Cardinality: cardinality},
		name:    name,
		args:    args,
		columns: columnsOf(args, nil),
	}
	c.register(e)
	c.exprs[key] = e
	return e
}

// NewField interns a struct field access. field may be empty when the
// access is by index.
func (c *Context) NewField(typ *types.DataType, base *Expr, field Name, index int32) *Expr {
	fieldText := ""
	if !field.Empty() {
		fieldText = field.String()
	}
	key := fmt.Sprintf("d|%d|%s|%d", base.ID(), fieldText, index)
	if e, ok := c.exprs[key]; ok {
		return e
	}
	e := &Expr{
		kind:       ExprField,
		value:      Value{Type: typ, Cardinality: base.value.Cardinality},
		name:       field,
		args:       []*Expr{base},
		fieldIndex: index,
		columns:    base.columns.Clone(),
	}
	c.register(e)
	c.exprs[key] = e
	return e
}

// NewLambda interns a lambda with the given argument signature.
func (c *Context) NewLambda(signature *types.DataType, body *Expr) *Expr {
	key := fmt.Sprintf("y|%s|%d", signature, body.ID())
	if e, ok := c.exprs[key]; ok {
		return e
	}
	e := &Expr{
		kind:      ExprLambda,
		value:     body.value,
		args:      []*Expr{body},
		signature: signature,
		columns:   body.columns.Clone(),
	}
	c.register(e)
	c.exprs[key] = e
	return e
}

// NewAggregate interns an aggregate function. Two aggregates that agree
// on function, arguments, filter, distinct and ordering intern to the
// same expression, which is what collapses duplicate aggregates into one
// physical computation.
func (c *Context) NewAggregate(name Name, typ *types.DataType, args []*Expr, condition *Expr, distinct bool, orderKeys []*Expr, orderType []OrderType) *Expr {
	condID := ObjectID(-1)
	if condition != nil {
		condID = condition.ID()
	}
	key := fmt.Sprintf("a|%s|%s|%s|%d|%v|%s|%v",
		name.String(), typ, argIDs(args), condID, distinct, argIDs(orderKeys), orderType)
	if e, ok := c.exprs[key]; ok {
		return e
	}
	cardinality := 1.0
	for _, a := range args {
		if a.value.Cardinality > cardinality {
			cardinality = a.value.Cardinality
		}
	}
	e := &Expr{
		kind:      ExprAggregate,
		value:     Value{Type: typ, Cardinality: cardinality},
		name:      name,
		args:      args,
		condition: condition,
		distinct:  distinct,
		orderKeys: orderKeys,
		orderType: orderType,
		columns:   columnsOf(args, condition),
	}
	e.columns.UnionColumnsOf(orderKeys)
	c.register(e)
	c.exprs[key] = e
	return e
}

// CNamesInExpr controls whether Column printing includes the correlation
// name. History keys canonicalize by turning it off.
func (c *Context) CNamesInExpr() bool { return !c.suppressCNames }

// SetCNamesInExpr toggles correlation names in Column printing and
// returns the previous setting.
func (c *Context) SetCNamesInExpr(on bool) bool {
	prev := !c.suppressCNames
	c.suppressCNames = !on
	return prev
}

func relationCName(relation PlanObject) string {
	switch t := relation.(type) {
	case *BaseTable:
		return t.CName.String()
	case *DerivedTable:
		return t.CName.String()
	case *ValuesTable:
		return t.CName.String()
	default:
		return ""
	}
}

// String renders the expression. Columns include their correlation name
// unless the context suppresses it.
func (e *Expr) String() string {
	switch e.kind {
	case ExprColumn:
		if HasCurrent() && !Current().CNamesInExpr() {
			return e.name.String()
		}
		if cname := relationCName(e.relation); cname != "" {
			return cname + "." + e.name.String()
		}
		return e.name.String()
	case ExprLiteral:
		if s, ok := e.literal.(string); ok {
			return fmt.Sprintf("'%s'", s)
		}
		return fmt.Sprintf("%v", e.literal)
	case ExprField:
		if !e.name.Empty() {
			return fmt.Sprintf("%s.%s", e.Base(), e.name.String())
		}
		return fmt.Sprintf("%s.%d", e.Base(), e.fieldIndex)
	case ExprLambda:
		return fmt.Sprintf("lambda -> %s", e.Body())
	case ExprAggregate:
		var b strings.Builder
		b.WriteString(e.name.String())
		b.WriteString("(")
		if e.distinct {
			b.WriteString("distinct ")
		}
		for i, a := range e.args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.String())
		}
		b.WriteString(")")
		if e.condition != nil {
			fmt.Fprintf(&b, " filter (%s)", e.condition)
		}
		return b.String()
	default:
		parts := make([]string, len(e.args))
		for i, a := range e.args {
			parts[i] = a.String()
		}
		return fmt.Sprintf("%s(%s)", e.name.String(), strings.Join(parts, ", "))
	}
}

// Body returns a lambda's body.
func (e *Expr) Body() *Expr { return e.args[0] }
