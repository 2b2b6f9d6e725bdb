package optimizer

import (
	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
)

// joinByHash adds candidate as a hash join on top of plan. The build
// side is planned through the memo; probe and build are repartitioned
// when their partitioning does not match the keys, and a broadcast
// build is considered when the build is small.
func (o *Optimization) joinByHash(plan relop.RelationOp, candidate *JoinCandidate, state *PlanState, toTry *[]*NextJoin) {
	probeKeys, buildKeys := o.keysTowards(candidate)
	joinType := o.joinTypeTowards(candidate)
	multiWorker := o.opts.NumWorkers > 1

	key := o.memoKeyForTables(candidate.Tables, o.buildColumns(state, candidate.Tables, buildKeys), candidate.Existences)

	// Partition-aligned variant: both sides hash-partitioned on the
	// join keys.
	func() {
		saver := NewPlanStateSaver(state)
		defer saver.Restore()
		buildTarget := qg.AnyDistribution()
		if multiWorker {
			buildTarget = qg.HashPartition(buildKeys, o.opts.NumWorkers)
		}
		buildPlan, needsShuffle, err := o.makePlan(key, buildTarget, qg.ObjectSet{}, candidate.ExistsFanout, state)
		if err != nil {
			return
		}
		buildOp := o.maybeWrapDtBuild(candidate, buildPlan)
		buildCost := buildPlan.Cost
		if multiWorker && needsShuffle {
			shuffle := relop.NewRepartition(buildOp, buildTarget, buildOp.Columns())
			relop.SetCost(shuffle, buildCost.Fanout)
			buildCost.UnitCost += shuffle.Cost().UnitCost * buildCost.Fanout
			buildCost.TransferBytes += shuffle.Cost().TransferBytes
			buildOp = shuffle
		}
		probe := plan
		if multiWorker && !probe.Distribution().PartitionedOn(probeKeys) {
			repartition := relop.NewRepartition(probe, qg.HashPartition(probeKeys, o.opts.NumWorkers), probe.Columns())
			state.AddCost(repartition)
			probe = repartition
		}
		o.finishHashJoin(probe, buildOp, buildCost, buildPlan, candidate, joinType, probeKeys, buildKeys, state, toTry)
	}()

	if !multiWorker {
		return
	}

	// Broadcast variant: probe stays put, build is replicated to every
	// worker.
	func() {
		saver := NewPlanStateSaver(state)
		defer saver.Restore()
		buildPlan, _, err := o.makePlan(key, qg.AnyDistribution(), qg.ObjectSet{}, candidate.ExistsFanout, state)
		if err != nil {
			return
		}
		if buildPlan.Cost.Fanout > o.opts.BroadcastLimit {
			return
		}
		buildCost := buildPlan.Cost
		wrapped := o.maybeWrapDtBuild(candidate, buildPlan)
		broadcast := relop.NewRepartition(wrapped, qg.Broadcast(), wrapped.Columns())
		relop.SetCost(broadcast, buildCost.Fanout)
		workers := float64(o.opts.NumWorkers)
		buildCost.UnitCost += broadcast.Cost().UnitCost * buildCost.Fanout * workers
		buildCost.TransferBytes += broadcast.Cost().TransferBytes * workers
		o.finishHashJoin(plan, broadcast, buildCost, buildPlan, candidate, joinType, probeKeys, buildKeys, state, toTry)
	}()
}

// maybeWrapDtBuild projects a derived-table build side onto the dt's
// output columns, which the join keys and downstream references name.
func (o *Optimization) maybeWrapDtBuild(candidate *JoinCandidate, buildPlan *Plan) relop.RelationOp {
	if len(candidate.Tables) == 1 {
		if dt, ok := candidate.Tables[0].(*qg.DerivedTable); ok {
			return o.wrapDtOutput(dt, buildPlan)
		}
	}
	return buildPlan.Op
}

// finishHashJoin wraps the build in a HashBuild, folds the off-spine
// build cost into setup, places the join and registers the variant.
func (o *Optimization) finishHashJoin(probe, buildOp relop.RelationOp, buildCost cost.Cost, buildPlan *Plan, candidate *JoinCandidate, joinType qg.JoinType, probeKeys, buildKeys []*qg.Expr, state *PlanState, toTry *[]*NextJoin) {
	build := relop.NewHashBuild(buildOp, o.nextBuildID(), buildKeys)
	relop.SetCost(build, buildCost.Fanout)

	state.Cost.SetupCost += buildCost.UnitCost + buildCost.SetupCost +
		build.Cost().UnitCost*buildCost.Fanout
	state.Cost.TotalBytes += buildCost.TotalBytes + build.Cost().TotalBytes
	state.Cost.TransferBytes += buildCost.TransferBytes

	var edgeFilter []*qg.Expr
	if candidate.Join != nil {
		edgeFilter = candidate.Join.Filter
	}
	fanout := candidate.Fanout * candidate.ExistsFanout
	join := relop.NewJoin(probe, build, joinType, probeKeys, buildKeys, edgeFilter,
		fanout, o.joinColumns(probe, buildOp.Columns(), state, joinType))
	state.AddCost(join)
	for _, t := range candidate.Tables {
		state.Placed.AddObject(t)
	}
	state.Placed.UnionSet(buildPlan.FullyImported)
	addColumnsOf(&state.Columns, join)
	state.AddNextJoin(candidate, join, []*relop.HashBuild{build}, toTry)
}

// joinByHashRight tries the right hash variant of a left outer join:
// the unplaced table becomes the probe and the partial plan so far
// becomes the build. Worthwhile when the new table is much larger than
// the accumulated plan.
func (o *Optimization) joinByHashRight(plan relop.RelationOp, candidate *JoinCandidate, state *PlanState, toTry *[]*NextJoin) {
	if len(candidate.Tables) != 1 {
		return
	}
	table, ok := candidate.Tables[0].(*qg.BaseTable)
	if !ok {
		return
	}
	joinType := o.joinTypeTowards(candidate)
	if joinType != qg.JoinLeft {
		return
	}
	probeKeys, buildKeys := o.keysTowards(candidate)

	saver := NewPlanStateSaver(state)
	defer saver.Restore()

	// The partial plan becomes the build; its cost moves off-spine.
	buildCost := state.Cost
	state.Cost = cost.Cost{Fanout: 1}
	probe := o.placeTableLeaf(table, state)
	if probe == nil {
		return
	}
	multiWorker := o.opts.NumWorkers > 1
	if multiWorker && !probe.Distribution().PartitionedOn(buildKeys) {
		repartition := relop.NewRepartition(probe, qg.HashPartition(buildKeys, o.opts.NumWorkers), probe.Columns())
		state.AddCost(repartition)
		probe = repartition
	}
	buildOp := plan
	if multiWorker && !buildOp.Distribution().PartitionedOn(probeKeys) {
		shuffle := relop.NewRepartition(buildOp, qg.HashPartition(probeKeys, o.opts.NumWorkers), buildOp.Columns())
		relop.SetCost(shuffle, buildCost.Fanout)
		buildCost.UnitCost += shuffle.Cost().UnitCost * buildCost.Fanout
		buildCost.TransferBytes += shuffle.Cost().TransferBytes
		buildOp = shuffle
	}
	build := relop.NewHashBuild(buildOp, o.nextBuildID(), probeKeys)
	relop.SetCost(build, buildCost.Fanout)
	state.Cost.SetupCost += buildCost.UnitCost + buildCost.SetupCost +
		build.Cost().UnitCost*buildCost.Fanout
	state.Cost.TotalBytes += buildCost.TotalBytes + build.Cost().TotalBytes
	state.Cost.TransferBytes += buildCost.TransferBytes

	// Fanout toward the placed side: placed rows matched per new row.
	fanout := candidate.Join.SideOf(candidate.Tables[0], true).Fanout
	columns := append(append([]*qg.Expr(nil), probe.Columns()...), buildOp.Columns()...)
	join := relop.NewJoin(probe, build, qg.JoinRight, buildKeys, probeKeys, candidate.Join.Filter, fanout, columns)
	state.AddCost(join)
	state.Placed.AddObject(table)
	addColumnsOf(&state.Columns, join)
	state.AddNextJoin(candidate, join, []*relop.HashBuild{build}, toTry)
}

// joinByIndex adds candidate as an index lookup when the right table
// has a layout whose lookup keys are a prefix of the join equalities.
func (o *Optimization) joinByIndex(plan relop.RelationOp, candidate *JoinCandidate, state *PlanState, toTry *[]*NextJoin) {
	if len(candidate.Tables) != 1 || len(candidate.Existences) > 0 {
		return
	}
	table, ok := candidate.Tables[0].(*qg.BaseTable)
	if !ok {
		return
	}
	probeKeys, buildKeys := o.keysTowards(candidate)
	joinType := o.joinTypeTowards(candidate)
	layout := lookupLayout(o, table, buildKeys)
	if layout == nil {
		return
	}
	saver := NewPlanStateSaver(state)
	defer saver.Restore()

	downstream := state.DownstreamColumns()
	var lookupColumns []*qg.Expr
	lookupColumns = append(lookupColumns, plan.Columns()...)
	for _, column := range table.Columns {
		if downstream.ContainsObject(column) && !containsExpr(lookupColumns, column) {
			lookupColumns = append(lookupColumns, column)
		}
	}
	scan := relop.NewIndexLookup(plan, table, layout, probeKeys, joinType, lookupColumns)
	state.AddCost(scan)
	state.Placed.AddObject(table)
	addColumnsOf(&state.Columns, scan)
	state.AddNextJoin(candidate, scan, nil, toTry)
}

// lookupLayout finds a layout of table whose order columns are all
// among the join keys, in order.
func lookupLayout(o *Optimization, table *qg.BaseTable, keys []*qg.Expr) *catalog.Layout {
	for _, layout := range table.Schema.Layouts {
		if len(layout.Order) == 0 || len(layout.Order) > len(keys) {
			continue
		}
		match := true
		for i, orderCol := range layout.Order {
			key := keys[i]
			if key.Kind() != qg.ExprColumn || key.SchemaColumn() != orderCol {
				match = false
				break
			}
		}
		if match {
			return layout
		}
	}
	return nil
}

// crossJoin places a disconnected table: the build side is planned
// through the memo and joined without keys. Non-correlated single-row
// subqueries place this way.
func (o *Optimization) crossJoin(plan relop.RelationOp, candidate *JoinCandidate, state *PlanState, toTry *[]*NextJoin) {
	saver := NewPlanStateSaver(state)
	defer saver.Restore()

	table := candidate.Tables[0]
	var columns qg.ObjectSet
	downstream := state.DownstreamColumns()
	forEachTableColumn(o.ctx, table, func(column *qg.Expr) {
		if downstream.ContainsObject(column) {
			columns.AddObject(column)
		}
	})
	key := o.memoKeyForTables(candidate.Tables, columns, nil)
	buildPlan, _, err := o.makePlan(key, qg.AnyDistribution(), qg.ObjectSet{}, 1, state)
	if err != nil {
		return
	}
	buildOp := o.maybeWrapDtBuild(candidate, buildPlan)
	buildCost := buildPlan.Cost
	if o.opts.NumWorkers > 1 {
		// Cross joins replicate the smaller side.
		broadcast := relop.NewRepartition(buildOp, qg.Broadcast(), buildOp.Columns())
		relop.SetCost(broadcast, buildCost.Fanout)
		workers := float64(o.opts.NumWorkers)
		buildCost.UnitCost += broadcast.Cost().UnitCost * buildCost.Fanout * workers
		buildCost.TransferBytes += broadcast.Cost().TransferBytes * workers
		buildOp = broadcast
	}
	build := relop.NewHashBuild(buildOp, o.nextBuildID(), nil)
	relop.SetCost(build, buildCost.Fanout)
	state.Cost.SetupCost += buildCost.UnitCost + buildCost.SetupCost +
		build.Cost().UnitCost*buildCost.Fanout
	state.Cost.TotalBytes += buildCost.TotalBytes + build.Cost().TotalBytes
	state.Cost.TransferBytes += buildCost.TransferBytes

	join := relop.NewJoin(plan, build, qg.JoinInner, nil, nil, nil,
		buildCost.Fanout, o.joinColumns(plan, buildOp.Columns(), state, qg.JoinInner))
	state.AddCost(join)
	state.Placed.AddObject(table)
	addColumnsOf(&state.Columns, join)
	state.AddNextJoin(candidate, join, []*relop.HashBuild{build}, toTry)
}

func forEachTableColumn(ctx *qg.Context, table qg.PlanObject, fn func(*qg.Expr)) {
	switch t := table.(type) {
	case *qg.BaseTable:
		for _, c := range t.Columns {
			fn(c)
		}
	case *qg.DerivedTable:
		for _, c := range t.Columns {
			fn(c)
		}
	case *qg.ValuesTable:
		for _, c := range t.Columns {
			fn(c)
		}
	}
}

// tryNextJoins develops each kept variant: the state is moved to the
// variant's snapshot, the recursion continues, and the saver rolls the
// state back. Building all variants before recursing lets dominance
// checks compare them first.
func (o *Optimization) tryNextJoins(state *PlanState, toTry []*NextJoin) {
	for _, next := range toTry {
		saver := NewPlanStateSaver(state)
		state.Placed = next.Placed.Clone()
		state.Columns = next.Columns.Clone()
		state.Cost = next.Cost
		state.AddBuilds(next.NewBuilds)
		o.makeJoins(next.Plan, state)
		saver.Restore()
	}
}
