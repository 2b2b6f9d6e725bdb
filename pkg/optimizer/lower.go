package optimizer

import (
	"fmt"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/runner"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// columnAltered holds scan columns whose physical type differs from the
// logical one (map read as struct). Keyed per optimization.
func (o *Optimization) alteredType(column *qg.Expr) *types.DataType {
	if o.columnAltered == nil {
		return nil
	}
	return o.columnAltered[column]
}

// ToFragmentedPlan lowers the winning relation op tree into executable
// fragments. Repartition nodes split the plan at fragment boundaries;
// order by, limit and aggregation split into partial and final parts
// around their shuffles.
func (o *Optimization) ToFragmentedPlan(root relop.RelationOp) (*runner.MultiFragmentPlan, error) {
	o.stageCounter = 0
	o.nextNodeID = 0
	o.columnAltered = make(map[*qg.Expr]*types.DataType)

	multiWorker := o.opts.NumWorkers > 1
	if multiWorker && !gathersAtTop(root) {
		distribution := root.Distribution()
		root = relop.NewRepartition(root, qg.Gather(distribution.Order, distribution.OrderType), root.Columns())
	}
	var stages []runner.ExecutableFragment
	top := o.newFragment(1)
	node, err := o.makeFragment(root, &top, &stages)
	if err != nil {
		return nil, err
	}
	top.Root = node
	plan := &runner.MultiFragmentPlan{
		Fragments: append(stages, top),
		Options: runner.Options{
			QueryID:    o.ctx.RunID,
			NumWorkers: o.opts.NumWorkers,
			NumDrivers: o.opts.NumDrivers,
		},
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// gathersAtTop reports whether the operators above the first fragment
// boundary already force single-worker output.
func gathersAtTop(op relop.RelationOp) bool {
	switch op.Kind() {
	case relop.KindLimit, relop.KindOrderBy:
		return true
	case relop.KindRepartition:
		return op.Distribution().IsGather()
	case relop.KindProject, relop.KindFilter, relop.KindAggregation:
		return gathersAtTop(op.Input())
	default:
		return false
	}
}

func (o *Optimization) newFragment(width int) runner.ExecutableFragment {
	prefix := fmt.Sprintf("stage%d", o.stageCounter)
	o.stageCounter++
	return runner.ExecutableFragment{TaskPrefix: prefix, Width: width}
}

func (o *Optimization) newNode(kind runner.NodeKind, outputType *types.DataType, inputs ...*runner.PlanNode) *runner.PlanNode {
	return &runner.PlanNode{
		ID:         o.NextNodeID(),
		Kind:       kind,
		Inputs:     inputs,
		OutputType: outputType,
	}
}

// rowTypeOf renders an op's output columns as a row type, using the
// altered physical types where map-as-struct applies.
func (o *Optimization) rowTypeOf(op relop.RelationOp) *types.DataType {
	columns := op.Columns()
	names := make([]string, len(columns))
	fields := make([]*types.DataType, len(columns))
	for i, c := range columns {
		names[i] = c.Name().String()
		fields[i] = c.Value().Type
		if altered := o.alteredType(c); altered != nil {
			fields[i] = altered
		}
	}
	return types.Row(names, fields)
}

// makeFragment emits the plan node tree for op into fragment; sources
// of repartitions become separate fragments appended to stages and
// referenced through input stages.
func (o *Optimization) makeFragment(op relop.RelationOp, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	switch typed := op.(type) {
	case *relop.TableScan:
		return o.makeScan(typed, fragment, stages)
	case *relop.Values:
		node := o.newNode(runner.NodeValues, o.rowTypeOf(typed))
		node.Rows = typed.Table.Rows
		o.makePredictionAndHistory(node.ID, typed)
		return node, nil
	case *relop.Filter:
		input, err := o.makeFragment(typed.Input(), fragment, stages)
		if err != nil {
			return nil, err
		}
		predicate, err := o.toLogicalAnd(typed.Exprs)
		if err != nil {
			return nil, err
		}
		node := o.newNode(runner.NodeFilter, input.OutputType, input)
		node.Predicate = predicate
		o.makePredictionAndHistory(node.ID, typed)
		return node, nil
	case *relop.Project:
		input, err := o.makeFragment(typed.Input(), fragment, stages)
		if err != nil {
			return nil, err
		}
		return o.makeProject(typed, input)
	case *relop.Join:
		return o.makeJoinNode(typed, fragment, stages)
	case *relop.HashBuild:
		return o.makeFragment(typed.Input(), fragment, stages)
	case *relop.Aggregation:
		return o.makeAggregationNode(typed, fragment, stages)
	case *relop.OrderBy:
		return o.makeOrderBy(typed, fragment, stages)
	case *relop.Limit:
		return o.makeLimit(typed, fragment, stages)
	case *relop.Repartition:
		return o.makeRepartition(typed, fragment, stages)
	case *relop.UnionAll:
		inputs := make([]*runner.PlanNode, 0, len(typed.AllInputs))
		for _, in := range typed.AllInputs {
			node, err := o.makeFragment(in, fragment, stages)
			if err != nil {
				return nil, err
			}
			inputs = append(inputs, node)
		}
		node := o.newNode(runner.NodeUnionAll, o.rowTypeOf(typed), inputs...)
		o.makePredictionAndHistory(node.ID, typed)
		return node, nil
	default:
		return nil, planerr.Unsupported("relation op %s in lowering", op.Kind())
	}
}

func (o *Optimization) makeProject(project *relop.Project, input *runner.PlanNode) (*runner.PlanNode, error) {
	names := make([]string, len(project.Columns()))
	exprs := make([]*logical.Expr, len(project.Exprs))
	for i, column := range project.Columns() {
		names[i] = column.Name().String()
		converted, err := o.toLogicalExpr(project.Exprs[i])
		if err != nil {
			return nil, err
		}
		exprs[i] = converted
	}
	node := o.newNode(runner.NodeProject, o.rowTypeOf(project), input)
	node.Names = names
	node.Exprs = exprs
	return node, nil
}

// makeScan emits a scan with its connector handles: pushdown filters
// live in the table handle, per-column subfields and casts in the
// column handles, and rejected filters in a post-scan filter node.
func (o *Optimization) makeScan(scan *relop.TableScan, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	bt := scan.BaseTable
	handle := o.leafHandleFor(bt)
	outputType, altered, err := o.scanOutputType(bt, scan.Columns())
	if err != nil {
		return nil, err
	}
	for column, alteredType := range altered {
		o.columnAltered[column] = alteredType
	}
	assignments := make(map[string]*catalog.ColumnHandle, len(scan.Columns()))
	for _, column := range scan.Columns() {
		var subfields []catalog.Subfield
		if o.opts.PushdownSubfields {
			subfields, err = o.columnSubfields(bt, column)
			if err != nil {
				return nil, err
			}
		}
		assignments[column.Name().String()] = catalog.CreateColumnHandle(
			scan.Index, column.SchemaColumn(), subfields, o.alteredType(column))
	}

	var node *runner.PlanNode
	if len(scan.Keys) > 0 {
		probe, err := o.makeFragment(scan.Input(), fragment, stages)
		if err != nil {
			return nil, err
		}
		node = o.newNode(runner.NodeIndexLookup, outputType, probe)
		keys, err := o.toLogicalExprs(scan.Keys)
		if err != nil {
			return nil, err
		}
		node.LeftKeys = keys
		node.JoinType = toLogicalJoinType(scan.JoinType)
	} else {
		node = o.newNode(runner.NodeTableScan, outputType)
	}
	node.Handle = handle.handle
	node.Assignments = assignments
	fragment.Scans = append(fragment.Scans, node)
	o.makePredictionAndHistory(node.ID, scan)

	if len(handle.extraFilters) > 0 {
		predicate, err := o.toLogicalAnd(handle.extraFilters)
		if err != nil {
			return nil, err
		}
		filter := o.newNode(runner.NodeFilter, node.OutputType, node)
		filter.Predicate = predicate
		node = filter
	}
	return node, nil
}

func toLogicalJoinType(t qg.JoinType) logical.JoinType {
	switch t {
	case qg.JoinLeft:
		return logical.JoinLeft
	case qg.JoinRight:
		return logical.JoinRight
	case qg.JoinFull:
		return logical.JoinFull
	case qg.JoinSemi:
		return logical.JoinSemi
	case qg.JoinAnti:
		return logical.JoinAnti
	default:
		return logical.JoinInner
	}
}

func (o *Optimization) makeJoinNode(join *relop.Join, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	left, err := o.makeFragment(join.Input(), fragment, stages)
	if err != nil {
		return nil, err
	}
	right, err := o.makeFragment(join.Right, fragment, stages)
	if err != nil {
		return nil, err
	}
	node := o.newNode(runner.NodeHashJoin, o.rowTypeOf(join), left, right)
	node.JoinType = toLogicalJoinType(join.JoinType)
	if node.LeftKeys, err = o.toLogicalExprs(join.LeftKeys); err != nil {
		return nil, err
	}
	if node.RightKeys, err = o.toLogicalExprs(join.RightKeys); err != nil {
		return nil, err
	}
	if len(join.Filter) > 0 {
		if node.Filter, err = o.toLogicalAnd(join.Filter); err != nil {
			return nil, err
		}
	}
	node.PreFilterBloom = o.opts.PreFilterBloom && len(join.LeftKeys) > 0
	o.makePredictionAndHistory(node.ID, join)
	return node, nil
}

// makeAggregationNode splits the aggregation into partial and final
// around its input shuffle; without one it emits a single step.
func (o *Optimization) makeAggregationNode(agg *relop.Aggregation, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	multiWorker := o.opts.NumWorkers > 1
	if shuffle, ok := agg.Input().(*relop.Repartition); ok && multiWorker {
		source := o.newFragment(o.opts.NumWorkers)
		sourceRoot, err := o.makeFragment(shuffle.Input(), &source, stages)
		if err != nil {
			return nil, err
		}
		partial, err := o.aggregationStep(agg, runner.AggregationPartial, sourceRoot)
		if err != nil {
			return nil, err
		}
		exchange, err := o.finishBoundary(&source, partial, shuffle.Distribution(), fragment, stages)
		if err != nil {
			return nil, err
		}
		final, err := o.aggregationStep(agg, runner.AggregationFinal, exchange)
		if err != nil {
			return nil, err
		}
		o.makePredictionAndHistory(final.ID, agg)
		return final, nil
	}
	input, err := o.makeFragment(agg.Input(), fragment, stages)
	if err != nil {
		return nil, err
	}
	node, err := o.aggregationStep(agg, runner.AggregationSingle, input)
	if err != nil {
		return nil, err
	}
	o.makePredictionAndHistory(node.ID, agg)
	return node, nil
}

func (o *Optimization) aggregationStep(agg *relop.Aggregation, step runner.AggregationStep, input *runner.PlanNode) (*runner.PlanNode, error) {
	node := o.newNode(runner.NodeAggregation, o.rowTypeOf(agg), input)
	node.Step = step
	keys, err := o.toLogicalExprs(agg.Grouping)
	if err != nil {
		return nil, err
	}
	node.GroupingKeys = keys
	for i, aggregate := range agg.Aggregates {
		spec, err := o.toAggregateSpec(aggregate, agg.Columns()[len(agg.Grouping)+i])
		if err != nil {
			return nil, err
		}
		node.Aggregates = append(node.Aggregates, spec)
	}
	return node, nil
}

func (o *Optimization) toAggregateSpec(aggregate *qg.Expr, output *qg.Expr) (runner.AggregateSpec, error) {
	spec := runner.AggregateSpec{
		Name:     output.Name().String(),
		Func:     aggregate.Name().String(),
		Distinct: aggregate.IsDistinct(),
		Type:     aggregate.Value().Type,
	}
	inputs, err := o.toLogicalExprs(aggregate.Args())
	if err != nil {
		return spec, err
	}
	spec.Inputs = inputs
	if aggregate.Condition() != nil {
		filter, err := o.toLogicalExpr(aggregate.Condition())
		if err != nil {
			return spec, err
		}
		spec.Filter = filter
	}
	return spec, nil
}

// makeOrderBy emits partial top-n (or full sort) on the workers, a
// local merge, and a merge exchange at the consumer. The limit, when
// one sits above, arrives through toLimit.
func (o *Optimization) makeOrderBy(orderBy *relop.OrderBy, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	ordering, err := o.toOrdering(orderBy.Keys, orderBy.OrderType)
	if err != nil {
		return nil, err
	}
	limit, offset := o.toLimit, o.toOffset
	multiWorker := o.opts.NumWorkers > 1

	sortNode := func(input *runner.PlanNode, partial bool) *runner.PlanNode {
		if limit >= 0 {
			node := o.newNode(runner.NodeTopN, input.OutputType, input)
			node.Count = limit + offset
			node.IsPartial = partial
			node.Ordering = ordering
			return node
		}
		node := o.newNode(runner.NodeOrderBy, input.OutputType, input)
		node.IsPartial = partial
		node.Ordering = ordering
		return node
	}

	if multiWorker {
		source := o.newFragment(o.opts.NumWorkers)
		sourceRoot, err := o.makeFragment(orderBy.Input(), &source, stages)
		if err != nil {
			return nil, err
		}
		sorted := sortNode(sourceRoot, true)
		merge := o.newNode(runner.NodeLocalMerge, sorted.OutputType, sorted)
		merge.Ordering = ordering
		output := o.newNode(runner.NodePartitionedOutput, merge.OutputType, merge)
		output.Partition = runner.PartitionGather
		source.Root = output
		*stages = append(*stages, source)

		exchange := o.newNode(runner.NodeMergeExchange, merge.OutputType)
		exchange.Ordering = ordering
		fragment.InputStages = append(fragment.InputStages, runner.InputStage{
			ConsumerNodeID:     exchange.ID,
			ProducerTaskPrefix: source.TaskPrefix,
		})
		o.makePredictionAndHistory(exchange.ID, orderBy)
		return exchange, nil
	}

	input, err := o.makeFragment(orderBy.Input(), fragment, stages)
	if err != nil {
		return nil, err
	}
	if o.opts.NumDrivers > 1 {
		sorted := sortNode(input, true)
		merge := o.newNode(runner.NodeLocalMerge, sorted.OutputType, sorted)
		merge.Ordering = ordering
		o.makePredictionAndHistory(merge.ID, orderBy)
		return merge, nil
	}
	node := sortNode(input, false)
	o.makePredictionAndHistory(node.ID, orderBy)
	return node, nil
}

func (o *Optimization) toOrdering(keys []*qg.Expr, orderType []qg.OrderType) ([]runner.SortField, error) {
	out := make([]runner.SortField, len(keys))
	for i, key := range keys {
		converted, err := o.toLogicalExpr(key)
		if err != nil {
			return nil, err
		}
		out[i] = runner.SortField{
			Expr:       converted,
			Descending: orderType[i].IsDescending(),
			NullsFirst: orderType[i] == qg.AscNullsFirst || orderType[i] == qg.DescNullsFirst,
		}
	}
	return out, nil
}

// makeLimit emits the partial/final limit pair around the shuffle or
// local exchange, or delegates the count to an order-by below it.
func (o *Optimization) makeLimit(limit *relop.Limit, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	if limit.Input().Kind() == relop.KindOrderBy {
		o.toLimit, o.toOffset = limit.Count, limit.Offset
		input, err := o.makeFragment(limit.Input(), fragment, stages)
		o.toLimit, o.toOffset = -1, 0
		if err != nil {
			return nil, err
		}
		node := o.finalLimit(limit, input)
		return node, nil
	}
	if shuffle, ok := limit.Input().(*relop.Repartition); ok && o.opts.NumWorkers > 1 {
		source := o.newFragment(o.opts.NumWorkers)
		sourceRoot, err := o.makeFragment(shuffle.Input(), &source, stages)
		if err != nil {
			return nil, err
		}
		partial := o.newNode(runner.NodeLimit, sourceRoot.OutputType, sourceRoot)
		partial.IsPartial = true
		partial.Count = limit.Count + limit.Offset
		exchange, err := o.finishBoundary(&source, partial, shuffle.Distribution(), fragment, stages)
		if err != nil {
			return nil, err
		}
		return o.finalLimit(limit, exchange), nil
	}
	input, err := o.makeFragment(limit.Input(), fragment, stages)
	if err != nil {
		return nil, err
	}
	if o.opts.NumDrivers > 1 {
		partial := o.newNode(runner.NodeLimit, input.OutputType, input)
		partial.IsPartial = true
		partial.Count = limit.Count + limit.Offset
		local := o.newNode(runner.NodeLocalPartition, partial.OutputType, partial)
		local.Partition = runner.PartitionGather
		return o.finalLimit(limit, local), nil
	}
	return o.finalLimit(limit, input), nil
}

func (o *Optimization) finalLimit(limit *relop.Limit, input *runner.PlanNode) *runner.PlanNode {
	node := o.newNode(runner.NodeLimit, input.OutputType, input)
	node.Count = limit.Count
	node.Offset = limit.Offset
	o.makePredictionAndHistory(node.ID, limit)
	return node
}

// makeRepartition splits the plan: the source becomes its own fragment
// terminated by a partitioned output and the consumer starts with an
// exchange naming the source.
func (o *Optimization) makeRepartition(repartition *relop.Repartition, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	source := o.newFragment(o.opts.NumWorkers)
	sourceRoot, err := o.makeFragment(repartition.Input(), &source, stages)
	if err != nil {
		return nil, err
	}
	exchange, err := o.finishBoundary(&source, sourceRoot, repartition.Distribution(), fragment, stages)
	if err != nil {
		return nil, err
	}
	o.makePredictionAndHistory(exchange.ID, repartition)
	return exchange, nil
}

// finishBoundary terminates source with a partitioned output for the
// target distribution, appends it to stages and returns the consuming
// exchange in fragment.
func (o *Optimization) finishBoundary(source *runner.ExecutableFragment, sourceRoot *runner.PlanNode, target qg.Distribution, fragment *runner.ExecutableFragment, stages *[]runner.ExecutableFragment) (*runner.PlanNode, error) {
	output := o.newNode(runner.NodePartitionedOutput, sourceRoot.OutputType, sourceRoot)
	switch target.Kind {
	case qg.PartitionBroadcast:
		output.Partition = runner.PartitionBroadcast
		source.NumBroadcastDestinations = fragment.Width
	case qg.PartitionGather:
		output.Partition = runner.PartitionGather
	default:
		output.Partition = runner.PartitionHash
		keys, err := o.toLogicalExprs(target.Partition)
		if err != nil {
			return nil, err
		}
		output.PartitionKeys = keys
		output.NumPartitions = o.opts.NumWorkers
	}
	source.Root = output
	*stages = append(*stages, *source)

	kind := runner.NodeExchange
	if target.IsGather() && len(target.Order) > 0 {
		kind = runner.NodeMergeExchange
	}
	exchange := o.newNode(kind, sourceRoot.OutputType)
	if kind == runner.NodeMergeExchange {
		ordering, err := o.toOrdering(target.Order, target.OrderType)
		if err != nil {
			return nil, err
		}
		exchange.Ordering = ordering
	}
	fragment.InputStages = append(fragment.InputStages, runner.InputStage{
		ConsumerNodeID:     exchange.ID,
		ProducerTaskPrefix: source.TaskPrefix,
	})
	return exchange, nil
}

func (o *Optimization) toLogicalExprs(exprs []*qg.Expr) ([]*logical.Expr, error) {
	out := make([]*logical.Expr, len(exprs))
	for i, e := range exprs {
		converted, err := o.toLogicalExpr(e)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

func (o *Optimization) toLogicalAnd(exprs []*qg.Expr) (*logical.Expr, error) {
	converted, err := o.toLogicalExprs(exprs)
	if err != nil {
		return nil, err
	}
	return logical.And(converted...), nil
}

// toLogicalExpr converts a graph expression back into the logical form
// the runner consumes. Subscripts over a map column read as a struct
// become struct dereferences.
func (o *Optimization) toLogicalExpr(e *qg.Expr) (*logical.Expr, error) {
	switch e.Kind() {
	case qg.ExprColumn:
		columnType := e.Value().Type
		if altered := o.alteredType(e); altered != nil {
			columnType = altered
		}
		return logical.InputRef(e.Name().String(), columnType), nil
	case qg.ExprLiteral:
		return logical.Constant(e.Value().Type, e.Literal()), nil
	case qg.ExprField:
		base, err := o.toLogicalExpr(e.Base())
		if err != nil {
			return nil, err
		}
		fieldName := e.Name().String()
		if fieldName == "" {
			fieldName = base.Type.NameOf(int(e.FieldIndex()))
		}
		return logical.SpecialForm(e.Value().Type, logical.FormDereference, base,
			logical.Constant(types.Varchar(), fieldName)), nil
	case qg.ExprCall:
		if converted, ok, err := o.maybeStructGetter(e); err != nil {
			return nil, err
		} else if ok {
			return converted, nil
		}
		args, err := o.toLogicalExprs(e.Args())
		if err != nil {
			return nil, err
		}
		name := e.Name().String()
		switch name {
		case logical.FormAnd, logical.FormOr, logical.FormCast, logical.FormIf:
			return logical.SpecialForm(e.Value().Type, name, args...), nil
		}
		return logical.Call(e.Value().Type, name, args...), nil
	case qg.ExprAggregate:
		return nil, planerr.Unsupported("aggregate outside aggregation node")
	case qg.ExprLambda:
		body, err := o.toLogicalExpr(e.Body())
		if err != nil {
			return nil, err
		}
		return logical.Lambda(e.Signature(), body), nil
	default:
		return nil, planerr.Unsupported("expression kind %d", e.Kind())
	}
}

// maybeStructGetter rewrites subscript(column, key) into a dereference
// when the column's map is scanned as a struct of its accessed keys.
func (o *Optimization) maybeStructGetter(e *qg.Expr) (*logical.Expr, bool, error) {
	name := e.Name().String()
	if name != "subscript" && name != "element_at" {
		return nil, false, nil
	}
	if len(e.Args()) != 2 {
		return nil, false, nil
	}
	base, key := e.Args()[0], e.Args()[1]
	if base.Kind() != qg.ExprColumn || key.Kind() != qg.ExprLiteral {
		return nil, false, nil
	}
	structType := o.alteredType(base)
	if structType == nil {
		return nil, false, nil
	}
	fieldName := fmt.Sprintf("%v", key.Literal())
	fieldType := structType.FindChild(fieldName)
	if fieldType == nil {
		return nil, false, planerr.UnsupportedSubfield("key %q not in struct-read map %s", fieldName, base.Name().String())
	}
	return logical.SpecialForm(fieldType, logical.FormDereference,
		logical.InputRef(base.Name().String(), structType),
		logical.Constant(types.Varchar(), fieldName)), true, nil
}
