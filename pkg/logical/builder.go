package logical

import (
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// TableResolver resolves a table name to its row type. The catalog
// implements this.
type TableResolver interface {
	TableType(name string) (*types.DataType, error)
}

// Builder assembles a logical plan bottom-up, validating as it goes.
// The first error sticks and is returned from Build.
type Builder struct {
	resolver TableResolver
	node     *Node
	err      error
}

// NewBuilder returns a Builder resolving table names through resolver.
func NewBuilder(resolver TableResolver) *Builder {
	return &Builder{resolver: resolver}
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Build returns the finished plan or the first error encountered.
func (b *Builder) Build() (*Node, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.node == nil {
		return nil, planerr.InvalidPlan("empty plan")
	}
	return b.node, nil
}

// Node returns the current root without finishing the builder.
func (b *Builder) Node() *Node { return b.node }

func checkUniqueNames(names []string) error {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return planerr.InvalidPlan("duplicate output name %q", n)
		}
		seen[n] = true
	}
	return nil
}

// TableScan starts a plan from a table. columns selects and orders the
// scanned columns; empty means all columns in schema order.
func (b *Builder) TableScan(table string, columns ...string) *Builder {
	if b.err != nil {
		return b
	}
	tableType, err := b.resolver.TableType(table)
	if err != nil {
		return b.fail(planerr.SchemaFailure(err))
	}
	if len(columns) == 0 {
		columns = append(columns, tableType.Names...)
	}
	fields := make([]*types.DataType, 0, len(columns))
	for _, c := range columns {
		fieldType := tableType.FindChild(c)
		if fieldType == nil {
			return b.fail(planerr.InvalidPlan("column %q not in table %q", c, table))
		}
		fields = append(fields, fieldType)
	}
	if err := checkUniqueNames(columns); err != nil {
		return b.fail(err)
	}
	b.node = &Node{
		Kind:        NodeTableScan,
		Table:       table,
		ScanColumns: columns,
		outputType:  types.Row(columns, fields),
	}
	return b
}

// Values starts a plan from literal rows.
func (b *Builder) Values(rowType *types.DataType, rows [][]any) *Builder {
	if b.err != nil {
		return b
	}
	if err := checkUniqueNames(rowType.Names); err != nil {
		return b.fail(err)
	}
	for i, row := range rows {
		if len(row) != rowType.Size() {
			return b.fail(planerr.InvalidPlan("values row %d has %d fields, want %d", i, len(row), rowType.Size()))
		}
	}
	b.node = &Node{Kind: NodeValues, Rows: rows, outputType: rowType}
	return b
}

// resolveRefs types all input references in expr against the current
// output row type.
func (b *Builder) resolveRefs(expr *Expr, input *types.DataType) error {
	if expr == nil {
		return nil
	}
	if expr.IsInputRef() {
		fieldType := input.FindChild(expr.Name)
		if fieldType == nil {
			return planerr.InvalidPlan("column %q not found", expr.Name)
		}
		expr.Type = fieldType
		return nil
	}
	if expr.Kind == ExprLambda {
		// Lambda args shadow the input row; body refs resolve against
		// the signature first.
		return b.resolveLambda(expr, input)
	}
	for _, in := range expr.Inputs {
		if err := b.resolveRefs(in, input); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) resolveLambda(lambda *Expr, input *types.DataType) error {
	names := append([]string{}, lambda.Signature.Names...)
	fields := append([]*types.DataType{}, lambda.Signature.Children...)
	for i := 0; i < input.Size(); i++ {
		if lambda.Signature.ChildIndex(input.NameOf(i)) < 0 {
			names = append(names, input.NameOf(i))
			fields = append(fields, input.ChildAt(i))
		}
	}
	return b.resolveRefs(lambda.Body(), types.Row(names, fields))
}

// Filter adds a predicate over the current node.
func (b *Builder) Filter(predicate *Expr) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.resolveRefs(predicate, b.node.OutputType()); err != nil {
		return b.fail(err)
	}
	b.node = &Node{
		Kind:       NodeFilter,
		Inputs:     []*Node{b.node},
		Predicate:  predicate,
		outputType: b.node.OutputType(),
	}
	return b
}

// Project maps names[i] to exprs[i] over the current node.
func (b *Builder) Project(names []string, exprs []*Expr) *Builder {
	if b.err != nil {
		return b
	}
	if len(names) != len(exprs) {
		return b.fail(planerr.InvalidPlan("project with %d names, %d exprs", len(names), len(exprs)))
	}
	if err := checkUniqueNames(names); err != nil {
		return b.fail(err)
	}
	fields := make([]*types.DataType, len(exprs))
	for i, e := range exprs {
		if err := b.resolveRefs(e, b.node.OutputType()); err != nil {
			return b.fail(err)
		}
		fields[i] = e.Type
	}
	b.node = &Node{
		Kind:        NodeProject,
		Inputs:      []*Node{b.node},
		OutputNames: names,
		Exprs:       exprs,
		outputType:  types.Row(names, fields),
	}
	return b
}

// Join joins the current node with right. Column names of the two sides
// must not collide.
func (b *Builder) Join(joinType JoinType, right *Node, condition *Expr) *Builder {
	if b.err != nil {
		return b
	}
	left := b.node
	leftType, rightType := left.OutputType(), right.OutputType()
	names := append(append([]string{}, leftType.Names...), rightType.Names...)
	if err := checkUniqueNames(names); err != nil {
		return b.fail(err)
	}
	fields := append(append([]*types.DataType{}, leftType.Children...), rightType.Children...)
	combined := types.Row(names, fields)
	if condition != nil {
		if err := b.resolveRefs(condition, combined); err != nil {
			return b.fail(err)
		}
	}
	var outputType *types.DataType
	switch joinType {
	case JoinSemi, JoinAnti:
		outputType = leftType
	default:
		outputType = combined
	}
	b.node = &Node{
		Kind:       NodeJoin,
		Inputs:     []*Node{left, right},
		JoinType:   joinType,
		Condition:  condition,
		outputType: outputType,
	}
	return b
}

// Aggregate groups the current node. Output is keys then aggregates, in
// order, named keyNames/aggNames.
func (b *Builder) Aggregate(keys []*Expr, keyNames []string, aggregates []*AggregateCall, aggNames []string) *Builder {
	if b.err != nil {
		return b
	}
	if len(keys) != len(keyNames) || len(aggregates) != len(aggNames) {
		return b.fail(planerr.InvalidPlan("aggregate name/expr arity mismatch"))
	}
	names := append(append([]string{}, keyNames...), aggNames...)
	if err := checkUniqueNames(names); err != nil {
		return b.fail(err)
	}
	inputType := b.node.OutputType()
	fields := make([]*types.DataType, 0, len(names))
	for _, k := range keys {
		if err := b.resolveRefs(k, inputType); err != nil {
			return b.fail(err)
		}
		fields = append(fields, k.Type)
	}
	for _, a := range aggregates {
		for _, in := range a.Inputs {
			if err := b.resolveRefs(in, inputType); err != nil {
				return b.fail(err)
			}
		}
		if a.Filter != nil {
			if err := b.resolveRefs(a.Filter, inputType); err != nil {
				return b.fail(err)
			}
		}
		for _, s := range a.Ordering {
			if err := b.resolveRefs(s.Expr, inputType); err != nil {
				return b.fail(err)
			}
		}
		if a.Type == nil {
			a.Type = defaultAggregateType(a)
		}
		fields = append(fields, a.Type)
	}
	b.node = &Node{
		Kind:         NodeAggregate,
		Inputs:       []*Node{b.node},
		GroupingKeys: keys,
		Aggregates:   aggregates,
		AggNames:     aggNames,
		outputType:   types.Row(names, fields),
	}
	return b
}

func defaultAggregateType(a *AggregateCall) *types.DataType {
	switch a.Func {
	case "count":
		return types.Bigint()
	case "avg":
		return types.Double()
	default:
		if len(a.Inputs) > 0 && a.Inputs[0].Type != nil {
			return a.Inputs[0].Type
		}
		return types.Double()
	}
}

// Sort orders the current node.
func (b *Builder) Sort(ordering []SortField) *Builder {
	if b.err != nil {
		return b
	}
	for _, s := range ordering {
		if err := b.resolveRefs(s.Expr, b.node.OutputType()); err != nil {
			return b.fail(err)
		}
	}
	b.node = &Node{
		Kind:       NodeSort,
		Inputs:     []*Node{b.node},
		Ordering:   ordering,
		outputType: b.node.OutputType(),
	}
	return b
}

// Limit applies offset/count to the current node.
func (b *Builder) Limit(offset, count int64) *Builder {
	if b.err != nil {
		return b
	}
	b.node = &Node{
		Kind:       NodeLimit,
		Inputs:     []*Node{b.node},
		Offset:     offset,
		Count:      count,
		outputType: b.node.OutputType(),
	}
	return b
}

// SetOp combines the current node with more inputs. All inputs must have
// identical row types.
func (b *Builder) SetOp(op SetOperation, others ...*Node) *Builder {
	if b.err != nil {
		return b
	}
	inputs := append([]*Node{b.node}, others...)
	first := inputs[0].OutputType()
	for i, in := range inputs[1:] {
		if !first.Equal(in.OutputType()) {
			return b.fail(planerr.InvalidPlan("set operation input %d row type mismatch", i+1))
		}
	}
	b.node = &Node{
		Kind:       NodeSet,
		Inputs:     inputs,
		SetOp:      op,
		outputType: first,
	}
	return b
}
