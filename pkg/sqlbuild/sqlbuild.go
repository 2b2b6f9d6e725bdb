// Package sqlbuild turns SQL text into logical plans for tests and
// harnesses. It supports the SELECT shape the optimizer consumes:
// joins, filters, aggregates, order by and limit.
package sqlbuild

import (
	"fmt"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/opcode"
	driver "github.com/pingcap/tidb/pkg/parser/test_driver"

	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// Builder parses SQL against a table resolver.
type Builder struct {
	resolver logical.TableResolver
	parser   *parser.Parser
}

// New returns a Builder resolving tables through resolver.
func New(resolver logical.TableResolver) *Builder {
	return &Builder{resolver: resolver, parser: parser.New()}
}

// Build parses one SELECT statement into a logical plan.
func (b *Builder) Build(sql string) (*logical.Node, error) {
	stmts, _, err := b.parser.ParseSQL(sql)
	if err != nil {
		return nil, planerr.InvalidPlan("parse: %v", err)
	}
	if len(stmts) != 1 {
		return nil, planerr.InvalidPlan("expected one statement, got %d", len(stmts))
	}
	sel, ok := stmts[0].(*ast.SelectStmt)
	if !ok {
		return nil, planerr.Unsupported("statement %T", stmts[0])
	}
	return b.buildSelect(sel)
}

func (b *Builder) buildSelect(sel *ast.SelectStmt) (*logical.Node, error) {
	if sel.From == nil {
		return nil, planerr.Unsupported("SELECT without FROM")
	}
	lb := logical.NewBuilder(b.resolver)
	if err := b.buildFrom(lb, sel.From.TableRefs); err != nil {
		return nil, err
	}
	if sel.Where != nil {
		predicate, err := b.convertExpr(sel.Where, lb.Node().OutputType())
		if err != nil {
			return nil, err
		}
		lb.Filter(predicate)
	}

	hasAggregates := false
	for _, field := range sel.Fields.Fields {
		if field.Expr != nil && containsAggregate(field.Expr) {
			hasAggregates = true
			break
		}
	}

	if hasAggregates || sel.GroupBy != nil {
		if err := b.buildAggregate(lb, sel); err != nil {
			return nil, err
		}
	} else {
		if err := b.buildProjection(lb, sel); err != nil {
			return nil, err
		}
	}

	if sel.OrderBy != nil {
		ordering := make([]logical.SortField, 0, len(sel.OrderBy.Items))
		for _, item := range sel.OrderBy.Items {
			expr, err := b.convertExpr(item.Expr, lb.Node().OutputType())
			if err != nil {
				return nil, err
			}
			ordering = append(ordering, logical.SortField{Expr: expr, Descending: item.Desc})
		}
		lb.Sort(ordering)
	}
	if sel.Limit != nil {
		count, err := limitValue(sel.Limit.Count)
		if err != nil {
			return nil, err
		}
		offset := int64(0)
		if sel.Limit.Offset != nil {
			if offset, err = limitValue(sel.Limit.Offset); err != nil {
				return nil, err
			}
		}
		lb.Limit(offset, count)
	}
	return lb.Build()
}

func limitValue(node ast.ExprNode) (int64, error) {
	value, ok := node.(*driver.ValueExpr)
	if !ok {
		return 0, planerr.Unsupported("limit expression %T", node)
	}
	return value.GetInt64(), nil
}

// buildFrom folds the FROM join tree left-deep into the builder.
func (b *Builder) buildFrom(lb *logical.Builder, refs *ast.Join) error {
	if refs.Right == nil {
		return b.buildTableSource(lb, refs.Left)
	}
	if err := b.buildFrom(lb, &ast.Join{Left: refs.Left}); err != nil {
		return err
	}
	rb := logical.NewBuilder(b.resolver)
	if err := b.buildTableSource(rb, refs.Right); err != nil {
		return err
	}
	right, err := rb.Build()
	if err != nil {
		return err
	}
	joinType := logical.JoinInner
	switch refs.Tp {
	case ast.LeftJoin:
		joinType = logical.JoinLeft
	case ast.RightJoin:
		return planerr.Unsupported("right join; rewrite as left join")
	}
	var condition *logical.Expr
	if refs.On != nil {
		combined := append(append([]string{}, lb.Node().OutputType().Names...), right.OutputType().Names...)
		fields := append(append([]*types.DataType{}, lb.Node().OutputType().Children...), right.OutputType().Children...)
		if condition, err = b.convertExpr(refs.On.Expr, types.Row(combined, fields)); err != nil {
			return err
		}
	}
	lb.Join(joinType, right, condition)
	return nil
}

func (b *Builder) buildTableSource(lb *logical.Builder, node ast.ResultSetNode) error {
	switch source := node.(type) {
	case *ast.TableSource:
		return b.buildTableSource(lb, source.Source)
	case *ast.TableName:
		lb.TableScan(source.Name.L)
		return nil
	case *ast.Join:
		return b.buildFrom(lb, source)
	default:
		return planerr.Unsupported("table source %T", node)
	}
}

// buildProjection maps the SELECT list; * expands the input columns.
func (b *Builder) buildProjection(lb *logical.Builder, sel *ast.SelectStmt) error {
	inputType := lb.Node().OutputType()
	var names []string
	var exprs []*logical.Expr
	for _, field := range sel.Fields.Fields {
		if field.WildCard != nil {
			for i := 0; i < inputType.Size(); i++ {
				names = append(names, inputType.NameOf(i))
				exprs = append(exprs, logical.InputRef(inputType.NameOf(i), inputType.ChildAt(i)))
			}
			continue
		}
		expr, err := b.convertExpr(field.Expr, inputType)
		if err != nil {
			return err
		}
		names = append(names, fieldName(field, len(names)))
		exprs = append(exprs, expr)
	}
	lb.Project(names, exprs)
	return nil
}

func fieldName(field *ast.SelectField, ordinal int) string {
	if field.AsName.L != "" {
		return field.AsName.L
	}
	if column, ok := field.Expr.(*ast.ColumnNameExpr); ok {
		return column.Name.Name.L
	}
	return fmt.Sprintf("_col%d", ordinal)
}

func containsAggregate(node ast.ExprNode) bool {
	_, ok := node.(*ast.AggregateFuncExpr)
	return ok
}

func (b *Builder) buildAggregate(lb *logical.Builder, sel *ast.SelectStmt) error {
	inputType := lb.Node().OutputType()
	var keys []*logical.Expr
	var keyNames []string
	if sel.GroupBy != nil {
		for _, item := range sel.GroupBy.Items {
			key, err := b.convertExpr(item.Expr, inputType)
			if err != nil {
				return err
			}
			keys = append(keys, key)
			name := fmt.Sprintf("_key%d", len(keyNames))
			if key.IsInputRef() {
				name = key.Name
			}
			keyNames = append(keyNames, name)
		}
	}
	var aggregates []*logical.AggregateCall
	var aggNames []string
	for _, field := range sel.Fields.Fields {
		agg, ok := field.Expr.(*ast.AggregateFuncExpr)
		if !ok {
			// Non-aggregate fields must be grouping keys; they pass
			// through by name.
			continue
		}
		call := &logical.AggregateCall{Func: strings.ToLower(agg.F), Distinct: agg.Distinct}
		for _, arg := range agg.Args {
			// count(*) parses as count(1); the literal carries no input.
			if _, isValue := arg.(*driver.ValueExpr); isValue && call.Func == "count" {
				continue
			}
			converted, err := b.convertExpr(arg, inputType)
			if err != nil {
				return err
			}
			call.Inputs = append(call.Inputs, converted)
		}
		aggregates = append(aggregates, call)
		aggNames = append(aggNames, fieldName(field, len(aggNames)))
	}
	lb.Aggregate(keys, keyNames, aggregates, aggNames)
	return nil
}

var binaryOps = map[opcode.Op]string{
	opcode.EQ: "eq",
	opcode.NE: "neq",
	opcode.LT: "lt",
	opcode.LE: "lte",
	opcode.GT: "gt",
	opcode.GE: "gte",
	opcode.Plus: "plus",
	opcode.Minus: "minus",
	opcode.Mul: "multiply",
	opcode.Div: "divide",
}

func (b *Builder) convertExpr(node ast.ExprNode, inputType *types.DataType) (*logical.Expr, error) {
	switch expr := node.(type) {
	case *ast.ColumnNameExpr:
		name := expr.Name.Name.L
		fieldType := inputType.FindChild(name)
		if fieldType == nil {
			return nil, planerr.InvalidPlan("unresolved column %q", name)
		}
		return logical.InputRef(name, fieldType), nil
	case *driver.ValueExpr:
		return convertValue(expr)
	case *ast.BinaryOperationExpr:
		left, err := b.convertExpr(expr.L, inputType)
		if err != nil {
			return nil, err
		}
		right, err := b.convertExpr(expr.R, inputType)
		if err != nil {
			return nil, err
		}
		switch expr.Op {
		case opcode.LogicAnd:
			return logical.And(left, right), nil
		case opcode.LogicOr:
			return logical.SpecialForm(types.Boolean(), logical.FormOr, left, right), nil
		}
		name, ok := binaryOps[expr.Op]
		if !ok {
			return nil, planerr.Unsupported("operator %s", expr.Op)
		}
		resultType := types.Boolean()
		switch expr.Op {
		case opcode.Plus, opcode.Minus, opcode.Mul, opcode.Div:
			resultType = left.Type
		}
		return logical.Call(resultType, name, left, right), nil
	case *ast.ParenthesesExpr:
		return b.convertExpr(expr.Expr, inputType)
	case *ast.FuncCallExpr:
		args := make([]*logical.Expr, 0, len(expr.Args))
		for _, arg := range expr.Args {
			converted, err := b.convertExpr(arg, inputType)
			if err != nil {
				return nil, err
			}
			args = append(args, converted)
		}
		resultType := types.Double()
		if len(args) > 0 && args[0].Type != nil {
			resultType = args[0].Type
		}
		return logical.Call(resultType, expr.FnName.L, args...), nil
	default:
		return nil, planerr.Unsupported("expression %T", node)
	}
}

func convertValue(value *driver.ValueExpr) (*logical.Expr, error) {
	switch value.Kind() {
	case 0: // null
		return logical.Constant(types.Unknown(), nil), nil
	default:
		v := value.GetValue()
		switch typed := v.(type) {
		case int64:
			return logical.Constant(types.Bigint(), typed), nil
		case uint64:
			return logical.Constant(types.Bigint(), int64(typed)), nil
		case float64:
			return logical.Constant(types.Double(), typed), nil
		case string:
			return logical.Constant(types.Varchar(), typed), nil
		default:
			return logical.Constant(types.Varchar(), fmt.Sprintf("%v", v)), nil
		}
	}
}
