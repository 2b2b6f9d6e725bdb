package optimizer

import (
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
)

// addPostprocess tops a fully joined plan with the derived table's
// aggregation, order by, limit and final projection, folding the costs
// into state.
func (o *Optimization) addPostprocess(plan relop.RelationOp, state *PlanState) relop.RelationOp {
	dt := state.dt
	result := plan

	if dt.Aggregation != nil {
		result = o.addAggregation(result, dt.Aggregation, state)
	}

	if len(dt.OrderKeys) > 0 {
		orderBy := relop.NewOrderBy(result, dt.OrderKeys, dt.OrderType)
		state.AddCost(orderBy)
		result = orderBy

		if dt.Limit >= 0 {
			limit := relop.NewLimit(result, dt.Offset, dt.Limit)
			state.AddCost(limit)
			result = limit
		}
		if isTopDt(o, dt) {
			result = o.addFinalProject(result, dt, state)
		}
		return result
	}

	if isTopDt(o, dt) {
		result = o.addFinalProject(result, dt, state)
	}
	if dt.Limit >= 0 {
		if o.opts.NumWorkers > 1 && !result.Distribution().IsGather() {
			gather := relop.NewRepartition(result, qg.Gather(nil, nil), result.Columns())
			state.AddCost(gather)
			result = gather
		}
		limit := relop.NewLimit(result, dt.Offset, dt.Limit)
		state.AddCost(limit)
		result = limit
	}
	return result
}

func isTopDt(o *Optimization, dt *qg.DerivedTable) bool { return dt == o.root }

// addAggregation places a single logical aggregation, preceded by a
// shuffle onto the grouping keys when the input is distributed some
// other way. Lowering splits it into partial and final around the
// shuffle.
func (o *Optimization) addAggregation(input relop.RelationOp, agg *qg.AggregationSpec, state *PlanState) relop.RelationOp {
	result := input
	if o.opts.NumWorkers > 1 {
		if len(agg.Grouping) == 0 {
			if !result.Distribution().IsGather() {
				gather := relop.NewRepartition(result, qg.Gather(nil, nil), result.Columns())
				state.AddCost(gather)
				result = gather
			}
		} else if !result.Distribution().PartitionedOn(agg.Grouping) {
			shuffle := relop.NewRepartition(result, qg.HashPartition(agg.Grouping, o.opts.NumWorkers), result.Columns())
			state.AddCost(shuffle)
			result = shuffle
		}
	}
	node := relop.NewAggregation(result, agg.Grouping, agg.Aggregates, agg.Columns, result.Distribution())
	state.AddCost(node)
	return node
}

// addFinalProject restores the derived table's projection list: output
// columns in declared order, duplicates of a deduplicated aggregate
// repeating its single physical column.
func (o *Optimization) addFinalProject(input relop.RelationOp, dt *qg.DerivedTable, state *PlanState) relop.RelationOp {
	if len(dt.Columns) == 0 {
		return input
	}
	project := relop.NewProject(input, dt.Columns, dt.Exprs)
	state.AddCost(project)
	return project
}

// planUnionAll plans each branch of a union-all derived table through
// the memo and concatenates them. A distinct set operation adds a
// grouping aggregation over all output columns.
func (o *Optimization) planUnionAll(state *PlanState) error {
	dt := state.dt
	if len(dt.Children) == 0 {
		return planerr.InvalidPlan("set operation with no inputs")
	}
	inputs := make([]relop.RelationOp, 0, len(dt.Children))
	for _, child := range dt.Children {
		var columns qg.ObjectSet
		for _, c := range child.Columns {
			columns.AddObject(c)
		}
		key := o.memoKeyForTables([]qg.PlanObject{child}, columns, nil)
		plan, _, err := o.makePlan(key, qg.AnyDistribution(), qg.ObjectSet{}, 1, state)
		if err != nil {
			return err
		}
		branch := o.wrapDtOutput(child, plan)
		state.Cost.UnitCost += plan.Cost.UnitCost
		state.Cost.SetupCost += plan.Cost.SetupCost
		state.Cost.TotalBytes += plan.Cost.TotalBytes
		state.Cost.TransferBytes += plan.Cost.TransferBytes
		inputs = append(inputs, branch)
	}
	union := relop.NewUnionAll(inputs, dt.Columns)
	relop.SetCost(union, 0)
	state.Cost.Fanout = union.Cost().OutCardinality()
	var result relop.RelationOp = union

	if dt.Distinct {
		distinct := &qg.AggregationSpec{Grouping: dt.Columns, Columns: dt.Columns}
		result = o.addAggregation(result, distinct, state)
	}
	for _, t := range dt.Children {
		state.Placed.AddObject(t)
	}
	addColumnsOf(&state.Columns, result)
	state.Plans().AddPlan(result, state)
	return nil
}
