package optimizer

import (
	"fmt"
	"math"

	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
)

// scope maps visible output names to their query-graph expressions, in
// declaration order.
type scope struct {
	names []string
	exprs map[string]*qg.Expr
}

func newScope() *scope {
	return &scope{exprs: make(map[string]*qg.Expr)}
}

func (s *scope) set(name string, expr *qg.Expr) {
	if _, ok := s.exprs[name]; !ok {
		s.names = append(s.names, name)
	}
	s.exprs[name] = expr
}

func (s *scope) lookup(name string) *qg.Expr { return s.exprs[name] }

// toGraph converts a logical plan into a tree of derived tables. Each
// logical node folds into the current derived table unless that would
// break reorderability; then a new derived table wraps the current one.
type toGraph struct {
	o   *Optimization
	ctx *qg.Context

	current *qg.DerivedTable
	scope   *scope

	hasAggregation bool
	hasOrderBy     bool
	hasLimit       bool

	cnameCounter int
	dtCounter    int

	// scanNodes pairs leaf logical nodes with their base tables for
	// subfield transfer.
	scanNodes map[*logical.Node]*qg.BaseTable

	subfields *subfieldAnalysis
}

func (g *toGraph) nextCName(prefix string) qg.Name {
	g.cnameCounter++
	return g.ctx.Intern(fmt.Sprintf("%s%d", prefix, g.cnameCounter))
}

// buildGraph turns the optimization's logical plan into its root
// derived table and runs subfield analysis.
func (o *Optimization) buildGraph() (*qg.DerivedTable, error) {
	g := &toGraph{
		o:         o,
		ctx:       o.ctx,
		scanNodes: make(map[*logical.Node]*qg.BaseTable),
	}
	o.graph = g
	g.current = o.ctx.NewDerivedTable(g.nextCName("dt"))
	g.scope = newScope()
	if err := g.processNode(o.logicalPlan); err != nil {
		return nil, err
	}
	root := g.current
	if err := g.finishDt(root); err != nil {
		return nil, err
	}
	g.subfields = newSubfieldAnalysis(o)
	if err := g.subfields.markAllSubfields(o.logicalPlan); err != nil {
		return nil, err
	}
	if err := g.subfields.transferToTables(g.scanNodes); err != nil {
		return nil, err
	}
	if err := g.finishBaseTables(root); err != nil {
		return nil, err
	}
	return root, nil
}

// finishDt fixes the derived table's projection from the current scope:
// one dt-owned output column per visible name.
func (g *toGraph) finishDt(dt *qg.DerivedTable) error {
	if len(dt.Columns) > 0 {
		return nil
	}
	for _, name := range g.scope.names {
		defining := g.scope.exprs[name]
		column := g.ctx.NewColumn(dt, g.ctx.Intern(name), defining.Value(), nil)
		dt.Columns = append(dt.Columns, column)
		dt.Exprs = append(dt.Exprs, defining)
	}
	return nil
}

// wrapNewDt closes the current derived table and opens an enclosing one
// with the closed dt as its only table. The scope re-maps every visible
// name to the inner dt's output column.
func (g *toGraph) wrapNewDt() error {
	inner := g.current
	if err := g.finishDt(inner); err != nil {
		return err
	}
	outer := g.ctx.NewDerivedTable(g.nextCName("dt"))
	outer.AddTable(inner)
	newScope := newScope()
	for _, column := range inner.Columns {
		newScope.set(column.Name().String(), column)
	}
	g.current = outer
	g.scope = newScope
	g.hasAggregation = false
	g.hasOrderBy = false
	g.hasLimit = false
	return nil
}

func (g *toGraph) processNode(node *logical.Node) error {
	switch node.Kind {
	case logical.NodeTableScan:
		return g.addTableScan(node)
	case logical.NodeValues:
		return g.addValues(node)
	case logical.NodeFilter:
		return g.addFilter(node)
	case logical.NodeProject:
		return g.addProject(node)
	case logical.NodeJoin:
		return g.addJoinNode(node)
	case logical.NodeAggregate:
		return g.addAggregate(node)
	case logical.NodeSort:
		return g.addSort(node)
	case logical.NodeLimit:
		return g.addLimit(node)
	case logical.NodeSet:
		return g.addSetOp(node)
	default:
		return planerr.Unsupported("logical node kind %s", node.Kind)
	}
}

func (g *toGraph) addTableScan(node *logical.Node) error {
	schemaTable, err := g.o.schema.FindTable(node.Table)
	if err != nil {
		return planerr.SchemaFailure(err)
	}
	bt := g.ctx.NewBaseTable(g.nextCName("t"), schemaTable)
	g.current.AddTable(bt)
	g.scanNodes[node] = bt
	for _, name := range node.ScanColumns {
		column := bt.ColumnByName(g.ctx, g.ctx.Intern(name))
		if column == nil {
			return planerr.InvalidPlan("column %q not in table %q", name, node.Table)
		}
		g.scope.set(name, column)
	}
	return nil
}

func (g *toGraph) addValues(node *logical.Node) error {
	vt := g.ctx.NewValuesTable(g.nextCName("v"), node.OutputType(), node.Rows)
	g.current.AddTable(vt)
	for _, column := range vt.Columns {
		g.scope.set(column.Name().String(), column)
	}
	if len(node.Rows) == 1 {
		g.current.SingleRow = true
	}
	return nil
}

func (g *toGraph) addFilter(node *logical.Node) error {
	if err := g.processNode(node.OnlyInput()); err != nil {
		return err
	}
	if g.hasOrderBy || g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	for _, conjunct := range logical.ConjunctsOf(node.Predicate) {
		translated, err := g.translateExpr(conjunct)
		if err != nil {
			return err
		}
		g.distributeConjunct(translated)
	}
	return nil
}

func (g *toGraph) addProject(node *logical.Node) error {
	if err := g.processNode(node.OnlyInput()); err != nil {
		return err
	}
	if g.hasOrderBy || g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	replacement := newScope()
	for i, name := range node.OutputNames {
		translated, err := g.translateExpr(node.Exprs[i])
		if err != nil {
			return err
		}
		replacement.set(name, translated)
	}
	g.scope = replacement
	return nil
}

func (g *toGraph) addAggregate(node *logical.Node) error {
	if err := g.processNode(node.OnlyInput()); err != nil {
		return err
	}
	if g.hasAggregation || g.hasOrderBy || g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	spec := &qg.AggregationSpec{}
	replacement := newScope()
	outputType := node.OutputType()
	for i, key := range node.GroupingKeys {
		translated, err := g.translateExpr(key)
		if err != nil {
			return err
		}
		spec.Grouping = append(spec.Grouping, translated)
		name := outputType.NameOf(i)
		column := g.ctx.NewColumn(g.current, g.ctx.Intern(name), translated.Value(), nil)
		spec.Columns = append(spec.Columns, column)
		replacement.set(name, column)
	}
	// Structurally equal aggregates intern to one expression; duplicate
	// outputs share the physical aggregate's column.
	physical := make(map[*qg.Expr]*qg.Expr)
	for i, agg := range node.Aggregates {
		translated, err := g.translateAggregate(agg)
		if err != nil {
			return err
		}
		column, ok := physical[translated]
		if !ok {
			spec.Aggregates = append(spec.Aggregates, translated)
			column = g.ctx.NewColumn(g.current, g.ctx.Intern(node.AggNames[i]), translated.Value(), nil)
			spec.Columns = append(spec.Columns, column)
			physical[translated] = column
		}
		replacement.set(node.AggNames[i], column)
	}
	g.current.Aggregation = spec
	g.scope = replacement
	g.hasAggregation = true
	if len(spec.Grouping) == 0 {
		g.current.SingleRow = true
	}
	return nil
}

func (g *toGraph) translateAggregate(agg *logical.AggregateCall) (*qg.Expr, error) {
	args := make([]*qg.Expr, 0, len(agg.Inputs))
	for _, in := range agg.Inputs {
		translated, err := g.translateExpr(in)
		if err != nil {
			return nil, err
		}
		args = append(args, translated)
	}
	var condition *qg.Expr
	if agg.Filter != nil {
		translated, err := g.translateExpr(agg.Filter)
		if err != nil {
			return nil, err
		}
		condition = translated
	}
	var orderKeys []*qg.Expr
	var orderType []qg.OrderType
	for _, s := range agg.Ordering {
		translated, err := g.translateExpr(s.Expr)
		if err != nil {
			return nil, err
		}
		orderKeys = append(orderKeys, translated)
		orderType = append(orderType, toOrderType(s.Descending, s.NullsFirst))
	}
	return g.ctx.NewAggregate(g.ctx.Intern(agg.Func), agg.Type, args, condition, agg.Distinct, orderKeys, orderType), nil
}

func toOrderType(descending, nullsFirst bool) qg.OrderType {
	switch {
	case descending && nullsFirst:
		return qg.DescNullsFirst
	case descending:
		return qg.DescNullsLast
	case nullsFirst:
		return qg.AscNullsFirst
	default:
		return qg.AscNullsLast
	}
}

func (g *toGraph) addSort(node *logical.Node) error {
	if err := g.processNode(node.OnlyInput()); err != nil {
		return err
	}
	if g.hasOrderBy || g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	for _, field := range node.Ordering {
		translated, err := g.translateExpr(field.Expr)
		if err != nil {
			return err
		}
		g.current.OrderKeys = append(g.current.OrderKeys, translated)
		g.current.OrderType = append(g.current.OrderType, toOrderType(field.Descending, field.NullsFirst))
	}
	g.hasOrderBy = true
	return nil
}

func (g *toGraph) addLimit(node *logical.Node) error {
	if err := g.processNode(node.OnlyInput()); err != nil {
		return err
	}
	if g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	g.current.Limit = node.Count
	g.current.Offset = node.Offset
	g.hasLimit = true
	return nil
}

func (g *toGraph) addJoinNode(node *logical.Node) error {
	if err := g.processNode(node.Inputs[0]); err != nil {
		return err
	}
	if g.hasAggregation || g.hasOrderBy || g.hasLimit {
		if err := g.wrapNewDt(); err != nil {
			return err
		}
	}
	switch node.JoinType {
	case logical.JoinInner:
		if err := g.processNode(node.Inputs[1]); err != nil {
			return err
		}
		for _, conjunct := range logical.ConjunctsOf(node.Condition) {
			translated, err := g.translateExpr(conjunct)
			if err != nil {
				return err
			}
			g.distributeConjunct(translated)
		}
		return nil
	case logical.JoinLeft, logical.JoinSemi, logical.JoinAnti, logical.JoinFull:
		return g.addNonInnerJoin(node, node.JoinType)
	case logical.JoinRight:
		return planerr.Unsupported("right join must be rewritten as left join by the plan builder")
	default:
		return planerr.Unsupported("join type %s", node.JoinType)
	}
}

// addNonInnerJoin wraps the right side in its own derived table; such
// joins are not freely reorderable.
func (g *toGraph) addNonInnerJoin(node *logical.Node, joinType logical.JoinType) error {
	rightGraph := &toGraph{
		o:            g.o,
		ctx:          g.ctx,
		scanNodes:    g.scanNodes,
		cnameCounter: g.cnameCounter,
		dtCounter:    g.dtCounter,
	}
	rightGraph.current = g.ctx.NewDerivedTable(g.nextCName("dt"))
	rightGraph.scope = newScope()
	if err := rightGraph.processNode(node.Inputs[1]); err != nil {
		return err
	}
	rightDt := rightGraph.current
	if err := rightGraph.finishDt(rightDt); err != nil {
		return err
	}
	g.cnameCounter = rightGraph.cnameCounter + 1

	g.current.AddTable(rightDt)
	isSemi := joinType == logical.JoinSemi || joinType == logical.JoinAnti
	if !isSemi {
		for _, column := range rightDt.Columns {
			g.scope.set(column.Name().String(), column)
		}
	}

	edgeType := qg.JoinLeft
	switch joinType {
	case logical.JoinSemi:
		edgeType = qg.JoinSemi
	case logical.JoinAnti:
		edgeType = qg.JoinAnti
	case logical.JoinFull:
		edgeType = qg.JoinFull
	}

	var edge *qg.JoinEdge
	rightScope := newScope()
	for _, column := range rightDt.Columns {
		rightScope.set(column.Name().String(), column)
	}
	for _, conjunct := range logical.ConjunctsOf(node.Condition) {
		translated, err := g.translateJoinConjunct(conjunct, rightScope)
		if err != nil {
			return err
		}
		left, right, ok := g.splitEquality(translated, rightDt)
		if !ok {
			if edge == nil {
				edge = g.newEdgeTo(rightDt, edgeType)
			}
			edge.Filter = append(edge.Filter, translated)
			continue
		}
		if edge == nil {
			leftColumns := left.Columns()
			leftTable := g.tableOfColumns(leftColumns)
			if leftTable == nil {
				return planerr.Unsupported("join condition does not reference a left-side table")
			}
			edge = g.ctx.NewJoinEdge(leftTable, rightDt, edgeType)
			g.current.Joins = append(g.current.Joins, edge)
		}
		edge.AddEquality(left, right)
	}
	if edge == nil {
		edge = g.newEdgeTo(rightDt, edgeType)
	}
	edge.GuessFanout()
	return nil
}

func (g *toGraph) newEdgeTo(rightDt *qg.DerivedTable, edgeType qg.JoinType) *qg.JoinEdge {
	leftTable := g.current.Tables[0]
	edge := g.ctx.NewJoinEdge(leftTable, rightDt, edgeType)
	g.current.Joins = append(g.current.Joins, edge)
	return edge
}

// translateJoinConjunct resolves names first in the outer scope, then
// in the right side's output.
func (g *toGraph) translateJoinConjunct(e *logical.Expr, rightScope *scope) (*qg.Expr, error) {
	saved := g.scope
	merged := newScope()
	for _, name := range saved.names {
		merged.set(name, saved.exprs[name])
	}
	for _, name := range rightScope.names {
		merged.set(name, rightScope.exprs[name])
	}
	g.scope = merged
	defer func() { g.scope = saved }()
	return g.translateExpr(e)
}

// splitEquality decomposes eq(a, b) into (leftExpr, rightColumn) when b
// belongs to rightTable and a does not.
func (g *toGraph) splitEquality(conjunct *qg.Expr, rightTable qg.PlanObject) (*qg.Expr, *qg.Expr, bool) {
	if conjunct.Kind() != qg.ExprCall || conjunct.Name().String() != "eq" || len(conjunct.Args()) != 2 {
		return nil, nil, false
	}
	a, b := conjunct.Args()[0], conjunct.Args()[1]
	aRight := columnsBelongTo(g.ctx, a.Columns(), rightTable)
	bRight := columnsBelongTo(g.ctx, b.Columns(), rightTable)
	switch {
	case bRight && !aRight:
		return a, b, true
	case aRight && !bRight:
		return b, a, true
	default:
		return nil, nil, false
	}
}

func columnsBelongTo(ctx *qg.Context, columns qg.ObjectSet, table qg.PlanObject) bool {
	if columns.IsEmpty() {
		return false
	}
	all := true
	columns.ForEachObject(ctx, func(obj qg.PlanObject) {
		column, ok := obj.(*qg.Expr)
		if !ok || column.Relation() != table {
			all = false
		}
	})
	return all
}

// tableOfColumns returns the single table owning all columns, or nil.
func (g *toGraph) tableOfColumns(columns qg.ObjectSet) qg.PlanObject {
	var table qg.PlanObject
	single := true
	columns.ForEachObject(g.ctx, func(obj qg.PlanObject) {
		column, ok := obj.(*qg.Expr)
		if !ok {
			single = false
			return
		}
		if table == nil {
			table = column.Relation()
		} else if table != column.Relation() {
			single = false
		}
	})
	if !single {
		return nil
	}
	return table
}

func (g *toGraph) addSetOp(node *logical.Node) error {
	switch node.SetOp {
	case logical.SetUnionAll, logical.SetUnion:
	default:
		return planerr.Unsupported("set operation %d", node.SetOp)
	}
	union := g.current
	union.Set = qg.SetUnionAllKind
	union.Distinct = node.SetOp == logical.SetUnion
	for _, input := range node.Inputs {
		childGraph := &toGraph{
			o:            g.o,
			ctx:          g.ctx,
			scanNodes:    g.scanNodes,
			cnameCounter: g.cnameCounter,
		}
		childGraph.current = g.ctx.NewDerivedTable(g.nextCName("dt"))
		childGraph.scope = newScope()
		if err := childGraph.processNode(input); err != nil {
			return err
		}
		if err := childGraph.finishDt(childGraph.current); err != nil {
			return err
		}
		g.cnameCounter = childGraph.cnameCounter + 1
		union.Children = append(union.Children, childGraph.current)
		union.AddTable(childGraph.current)
	}
	outputType := node.OutputType()
	for i := 0; i < outputType.Size(); i++ {
		name := outputType.NameOf(i)
		first := union.Children[0].Columns[i]
		column := g.ctx.NewColumn(union, g.ctx.Intern(name), first.Value(), nil)
		union.Columns = append(union.Columns, column)
		union.Exprs = append(union.Exprs, first)
		g.scope.set(name, column)
	}
	return nil
}

// distributeConjunct routes a translated conjunct: equalities between
// two tables become join edges, single-table conjuncts become base
// table filters, the rest stay on the derived table.
func (g *toGraph) distributeConjunct(conjunct *qg.Expr) {
	columns := conjunct.Columns()
	if left, right, leftTable, rightTable, ok := g.innerEquality(conjunct); ok {
		edge := g.findOrAddInnerEdge(leftTable, rightTable)
		if edge.LeftTable == leftTable {
			edge.AddEquality(left, right)
		} else {
			edge.AddEquality(right, left)
		}
		return
	}
	table := g.tableOfColumns(columns)
	if bt, ok := table.(*qg.BaseTable); ok {
		if columns.Count() == 1 {
			bt.ColumnFilters = append(bt.ColumnFilters, conjunct)
		} else {
			bt.Filter = append(bt.Filter, conjunct)
		}
		return
	}
	g.current.Conjuncts = append(g.current.Conjuncts, conjunct)
}

// innerEquality recognizes eq(a, b) with each side on its own table of
// the current dt.
func (g *toGraph) innerEquality(conjunct *qg.Expr) (left, right *qg.Expr, leftTable, rightTable qg.PlanObject, ok bool) {
	if conjunct.Kind() != qg.ExprCall || conjunct.Name().String() != "eq" || len(conjunct.Args()) != 2 {
		return nil, nil, nil, nil, false
	}
	a, b := conjunct.Args()[0], conjunct.Args()[1]
	aTable := g.tableOfColumns(a.Columns())
	bTable := g.tableOfColumns(b.Columns())
	if aTable == nil || bTable == nil || aTable == bTable {
		return nil, nil, nil, nil, false
	}
	if !g.current.TableSet.ContainsObject(aTable) || !g.current.TableSet.ContainsObject(bTable) {
		return nil, nil, nil, nil, false
	}
	return a, b, aTable, bTable, true
}

func (g *toGraph) findOrAddInnerEdge(a, b qg.PlanObject) *qg.JoinEdge {
	for _, edge := range g.current.Joins {
		if !edge.IsInner() {
			continue
		}
		if (edge.LeftTable == a && edge.RightTable == b) || (edge.LeftTable == b && edge.RightTable == a) {
			return edge
		}
	}
	edge := g.ctx.NewJoinEdge(a, b, qg.JoinInner)
	g.current.Joins = append(g.current.Joins, edge)
	return edge
}

// translateExpr converts a logical expression into an interned graph
// expression resolved against the current scope.
func (g *toGraph) translateExpr(e *logical.Expr) (*qg.Expr, error) {
	if folded := g.o.evaluator.TryFold(e); folded != nil && folded.IsConstant() {
		return g.ctx.NewLiteral(folded.Type, folded.Value), nil
	}
	switch e.Kind {
	case logical.ExprInputRef:
		column := g.scope.lookup(e.Name)
		if column == nil {
			return nil, planerr.InvalidPlan("unresolved column %q", e.Name)
		}
		return column, nil
	case logical.ExprConstant:
		return g.ctx.NewLiteral(e.Type, e.Value), nil
	case logical.ExprSpecialForm:
		if e.Name == logical.FormDereference {
			base, err := g.translateExpr(e.Inputs[0])
			if err != nil {
				return nil, err
			}
			fieldName := fmt.Sprintf("%v", e.Inputs[1].Value)
			index := base.Value().Type.ChildIndex(fieldName)
			if index < 0 {
				return nil, planerr.InvalidPlan("field %q not in %s", fieldName, base.Value().Type)
			}
			return g.ctx.NewField(e.Type, base, g.ctx.Intern(fieldName), int32(index)), nil
		}
		fallthrough
	case logical.ExprCall:
		args := make([]*qg.Expr, 0, len(e.Inputs))
		for _, in := range e.Inputs {
			translated, err := g.translateExpr(in)
			if err != nil {
				return nil, err
			}
			args = append(args, translated)
		}
		return g.ctx.NewCall(g.ctx.Intern(e.Name), e.Type, args), nil
	case logical.ExprLambda:
		saved := g.scope
		lambdaScope := newScope()
		for _, name := range saved.names {
			lambdaScope.set(name, saved.exprs[name])
		}
		signature := e.Signature
		for i := 0; i < signature.Size(); i++ {
			name := signature.NameOf(i)
			arg := g.ctx.NewColumn(g.current, g.ctx.Intern(name),
				qg.Value{Type: signature.ChildAt(i), Cardinality: 1000}, nil)
			lambdaScope.set(name, arg)
		}
		g.scope = lambdaScope
		body, err := g.translateExpr(e.Body())
		g.scope = saved
		if err != nil {
			return nil, err
		}
		return g.ctx.NewLambda(signature, body), nil
	default:
		return nil, planerr.Unsupported("expression kind %d", e.Kind)
	}
}

// finishBaseTables computes filter selectivities for every base table
// reachable from dt, preferring history, then sampling, then the
// default per-conjunct factor; and fills the join edge fanouts.
func (g *toGraph) finishBaseTables(dt *qg.DerivedTable) error {
	for _, t := range dt.Tables {
		switch table := t.(type) {
		case *qg.BaseTable:
			g.o.updateFilterSelectivity(table)
		case *qg.DerivedTable:
			if err := g.finishBaseTables(table); err != nil {
				return err
			}
		}
	}
	for _, child := range dt.Children {
		if err := g.finishBaseTables(child); err != nil {
			return err
		}
	}
	for _, edge := range dt.Joins {
		edge.GuessFanout()
	}
	return nil
}

// updateFilterSelectivity sets the base table's combined filter
// selectivity; the history store overrides the default when it has a
// record, else sampling when enabled.
func (o *Optimization) updateFilterSelectivity(bt *qg.BaseTable) {
	numFilters := len(bt.ColumnFilters) + len(bt.Filter)
	if numFilters == 0 {
		bt.FilterSelectivity = 1
		return
	}
	bt.FilterSelectivity = math.Pow(0.8, float64(numFilters))
	if o.SetLeafSelectivity(bt) {
		return
	}
	if o.opts.SamplePct > 0 {
		handle := o.leafHandleFor(bt)
		total, matching := bt.Schema.Sample(handle.handle, o.opts.SamplePct)
		if total > 0 {
			bt.FilterSelectivity = matching / total
		}
	}
}
