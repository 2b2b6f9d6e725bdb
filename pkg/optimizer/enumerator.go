package optimizer

import (
	"sort"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
)

// planDerivedTable runs the enumerator over state.dt and fills
// state.plans with the interesting complete plans.
func (o *Optimization) planDerivedTable(state *PlanState) error {
	dt := state.dt
	if dt.Set == qg.SetUnionAllKind {
		return o.planUnionAll(state)
	}
	if len(dt.Tables) == 0 {
		return planerr.InvalidPlan("derived table %s has no tables", dt.CName.String())
	}
	o.makeJoins(nil, state)
	if len(state.Plans().Plans) == 0 {
		return planerr.Unsupported("no feasible plan for derived table %s", dt.CName.String())
	}
	return nil
}

// makeJoins lists the possible joins given state.Placed and adds each
// on top of plan, recursing into the interesting extensions. With all
// tables placed it adds postprocessing and records the plan. Partial
// plans worse than the best so far are discarded when cutoff is on.
func (o *Optimization) makeJoins(plan relop.RelationOp, state *PlanState) {
	if plan == nil {
		o.placeStartTables(state)
		return
	}
	if state.IsOverBest() {
		o.trace(TraceExceededBest, state.dt.ID(), state.Cost, plan)
		return
	}
	if o.placeConjuncts(plan, state) {
		return
	}
	if state.dt.TableSet.IsSubsetOf(state.Placed) {
		finished := o.addPostprocess(plan, state)
		if retained := state.Plans().AddPlan(finished, state); retained != nil {
			o.trace(TraceRetained, state.dt.ID(), state.Cost, finished)
		}
		return
	}
	candidates := o.nextJoins(state)
	var toTry []*NextJoin
	for i := range candidates {
		o.addJoin(&candidates[i], plan, state, &toTry)
	}
	o.tryNextJoins(state, toTry)
}

// placeStartTables begins one partial plan per legal first table.
func (o *Optimization) placeStartTables(state *PlanState) {
	for _, t := range state.dt.Tables {
		if !o.canStart(t, state.dt) {
			continue
		}
		saver := NewPlanStateSaver(state)
		leaf := o.placeTableLeaf(t, state)
		if leaf != nil {
			state.Placed.AddObject(t)
			addColumnsOf(&state.Columns, leaf)
			o.makeJoins(leaf, state)
		}
		saver.Restore()
	}
}

// canStart rejects tables that sit on the optional side of a
// non-commutative edge; the probe side must be placed first. Full outer
// joins are not reordered across: only their left side may start.
func (o *Optimization) canStart(t qg.PlanObject, dt *qg.DerivedTable) bool {
	for _, join := range dt.Joins {
		if join.IsNonCommutative() && join.RightTable == t {
			return false
		}
	}
	return true
}

func addColumnsOf(set *qg.ObjectSet, op relop.RelationOp) {
	for _, c := range op.Columns() {
		set.AddObject(c)
	}
}

// scanColumnsFor selects the columns of bt needed downstream. A scan
// must read at least one column.
func (o *Optimization) scanColumnsFor(bt *qg.BaseTable, state *PlanState) []*qg.Expr {
	downstream := state.DownstreamColumns()
	var out []*qg.Expr
	for _, column := range bt.Columns {
		if downstream.ContainsObject(column) || referencedByFilters(bt, column) {
			out = append(out, column)
		}
	}
	if len(out) == 0 && len(bt.Columns) > 0 {
		out = append(out, bt.Columns[0])
	}
	if len(out) == 0 {
		first := bt.ColumnByName(o.ctx, o.ctx.Intern(bt.Schema.Columns[0].Name))
		out = append(out, first)
	}
	return out
}

func referencedByFilters(bt *qg.BaseTable, column *qg.Expr) bool {
	for _, f := range bt.ColumnFilters {
		cols := f.Columns()
		if cols.ContainsObject(column) {
			return true
		}
	}
	for _, f := range bt.Filter {
		cols := f.Columns()
		if cols.ContainsObject(column) {
			return true
		}
	}
	return false
}

// scanDistribution derives the scan output distribution from the layout
// and the worker count.
func (o *Optimization) scanDistribution(bt *qg.BaseTable, layout *catalog.Layout) qg.Distribution {
	if o.opts.NumWorkers <= 1 {
		return qg.Gather(nil, nil)
	}
	if len(layout.Partition) > 0 {
		keys := make([]*qg.Expr, 0, len(layout.Partition))
		for _, col := range layout.Partition {
			keys = append(keys, bt.ColumnByName(o.ctx, o.ctx.Intern(col.Name)))
		}
		return qg.HashPartition(keys, layout.NumPartitions)
	}
	return qg.AnyDistribution()
}

// placeTableLeaf makes the leaf op for t and folds its cost into state.
func (o *Optimization) placeTableLeaf(t qg.PlanObject, state *PlanState) relop.RelationOp {
	switch table := t.(type) {
	case *qg.BaseTable:
		layout := table.Schema.Layouts[0]
		columns := o.scanColumnsFor(table, state)
		scan := relop.NewTableScan(table, layout, columns, o.scanDistribution(table, layout))
		state.AddLeafCost(scan)
		return scan
	case *qg.ValuesTable:
		values := relop.NewValues(table, table.Columns)
		state.AddLeafCost(values)
		return values
	case *qg.DerivedTable:
		var columns qg.ObjectSet
		downstream := state.DownstreamColumns()
		for _, c := range table.Columns {
			if downstream.ContainsObject(c) {
				columns.AddObject(c)
			}
		}
		if columns.IsEmpty() && len(table.Columns) > 0 {
			columns.AddObject(table.Columns[0])
		}
		key := o.memoKeyForTables([]qg.PlanObject{table}, columns, nil)
		plan, _, err := o.makePlan(key, qg.AnyDistribution(), qg.ObjectSet{}, 1, state)
		if err != nil {
			return nil
		}
		op := o.wrapDtOutput(table, plan)
		state.Cost.UnitCost += plan.Cost.UnitCost
		state.Cost.SetupCost += plan.Cost.SetupCost
		state.Cost.TotalBytes += plan.Cost.TotalBytes
		state.Cost.TransferBytes += plan.Cost.TransferBytes
		state.Cost.Fanout *= plan.Cost.Fanout
		return op
	default:
		return nil
	}
}

// wrapDtOutput renames a sub-plan's outputs into the derived table's
// columns with a projection.
func (o *Optimization) wrapDtOutput(dt *qg.DerivedTable, plan *Plan) relop.RelationOp {
	project := relop.NewProject(plan.Op, dt.Columns, dt.Exprs)
	relop.SetCost(project, plan.Cost.Fanout)
	return project
}

// placeConjuncts adds every unplaced dt conjunct whose columns are all
// available. Returns true if any were placed (the recursion continued
// inside).
func (o *Optimization) placeConjuncts(plan relop.RelationOp, state *PlanState) bool {
	var ready []*qg.Expr
	for _, conjunct := range state.dt.Conjuncts {
		if state.PlacedConjuncts.ContainsObject(conjunct) {
			continue
		}
		columns := conjunct.Columns()
		if columns.IsSubsetOf(state.Columns) {
			ready = append(ready, conjunct)
		}
	}
	if len(ready) == 0 {
		return false
	}
	saver := NewPlanStateSaver(state)
	defer saver.Restore()
	filter := relop.NewFilter(plan, ready)
	state.AddCost(filter)
	for _, conjunct := range ready {
		state.PlacedConjuncts.AddObject(conjunct)
	}
	o.makeJoins(filter, state)
	return true
}

// nextJoins returns the sorted candidates joinable to the placed
// tables: one per joinable table, plus bushy variants with a further
// reducing join, each with probe-side existence imports where they
// reduce the build.
func (o *Optimization) nextJoins(state *PlanState) []JoinCandidate {
	dt := state.dt
	var candidates []JoinCandidate
	for _, t := range dt.Tables {
		if state.Placed.ContainsObject(t) {
			continue
		}
		edge, fanout := o.edgeToPlaced(t, state)
		if edge == nil {
			continue
		}
		candidate := JoinCandidate{
			Join:         edge,
			Tables:       []qg.PlanObject{t},
			Fanout:       fanout,
			ExistsFanout: 1,
		}
		candidates = append(candidates, candidate)

		// A variant with probe-side reducing joins imported into the
		// build competes with the plain one on cost.
		withExists := candidate
		o.addExistences(&withExists, state)
		if len(withExists.Existences) > 0 {
			candidates = append(candidates, withExists)
		}

		if bushy := o.bushyCandidate(&candidate, state); bushy != nil {
			candidates = append(candidates, *bushy)
		}
	}
	if len(candidates) == 0 {
		candidates = o.crossCandidates(state)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Fanout != candidates[j].Fanout {
			return candidates[i].Fanout < candidates[j].Fanout
		}
		return candidates[i].Tables[0].ID() < candidates[j].Tables[0].ID()
	})
	return candidates
}

// edgeToPlaced finds the edge connecting t to the placed tables,
// respecting non-commutative sides. Multiple edges combine into the
// dominant one with the tightest fanout.
func (o *Optimization) edgeToPlaced(t qg.PlanObject, state *PlanState) (*qg.JoinEdge, float64) {
	var best *qg.JoinEdge
	bestFanout := 0.0
	for _, join := range state.dt.Joins {
		other := join.OtherTable(t)
		if join.LeftTable != t && join.RightTable != t {
			continue
		}
		if !state.Placed.ContainsObject(other) {
			continue
		}
		if join.IsNonCommutative() && join.LeftTable == t {
			// The probe side of an outer or existence join cannot be
			// added on the build side.
			continue
		}
		fanout := join.SideOf(t, false).Fanout
		if best == nil || fanout < bestFanout ||
			(fanout == bestFanout && join.ID() < best.ID()) {
			best = join
			bestFanout = fanout
		}
	}
	return best, bestFanout
}

// bushyCandidate extends candidate's single table with one unplaced
// reducing join, producing a bushy build side.
func (o *Optimization) bushyCandidate(candidate *JoinCandidate, state *PlanState) *JoinCandidate {
	t := candidate.Tables[0]
	for _, join := range state.dt.Joins {
		if join.LeftTable != t && join.RightTable != t {
			continue
		}
		other := join.OtherTable(t)
		if state.Placed.ContainsObject(other) || other == t {
			continue
		}
		if join.IsNonCommutative() {
			continue
		}
		fanout := join.SideOf(other, false).Fanout
		if fanout >= 1 {
			continue
		}
		bushy := JoinCandidate{
			Join:         candidate.Join,
			Tables:       []qg.PlanObject{t, other},
			Fanout:       candidate.Fanout * fanout,
			ExistsFanout: candidate.ExistsFanout,
			Existences:   candidate.Existences,
		}
		return &bushy
	}
	return nil
}

// addExistences imports probe-side reducing joins as existence sets:
// the probe already enforces the filter, so semijoining the build
// against it only shrinks the build.
func (o *Optimization) addExistences(candidate *JoinCandidate, state *PlanState) {
	t := candidate.Tables[0]
	for _, join := range state.dt.Joins {
		if join == candidate.Join || !join.IsInner() {
			continue
		}
		if join.LeftTable != t && join.RightTable != t {
			continue
		}
		other := join.OtherTable(t)
		if !state.Placed.ContainsObject(other) {
			continue
		}
		fanout := join.SideOf(t, false).Fanout
		if fanout >= 1 {
			continue
		}
		var set qg.ObjectSet
		set.AddObject(other)
		candidate.Existences = append(candidate.Existences, set)
		candidate.ExistsFanout *= fanout
	}
}

// crossCandidates covers disconnected remainders: the smallest-id
// unplaced table joins with no edge. Single-row subqueries place this
// way.
func (o *Optimization) crossCandidates(state *PlanState) []JoinCandidate {
	for _, t := range state.dt.Tables {
		if state.Placed.ContainsObject(t) {
			continue
		}
		fanout := 1.0
		switch table := t.(type) {
		case *qg.BaseTable:
			fanout = table.Cardinality()
		case *qg.DerivedTable:
			fanout = table.Cardinality()
		case *qg.ValuesTable:
			fanout = table.Cardinality()
		}
		return []JoinCandidate{{
			Tables:       []qg.PlanObject{t},
			Fanout:       fanout,
			ExistsFanout: 1,
		}}
	}
	return nil
}

// addJoin tries the applicable methods for candidate on top of plan:
// hash join, its right variant, index lookup, cross join. Dominated
// variants for the same coverage are discarded by AddNextJoin.
func (o *Optimization) addJoin(candidate *JoinCandidate, plan relop.RelationOp, state *PlanState, toTry *[]*NextJoin) {
	if candidate.Join == nil {
		o.crossJoin(plan, candidate, state, toTry)
		return
	}
	o.joinByHash(plan, candidate, state, toTry)
	if o.joinTypeTowards(candidate) == qg.JoinLeft {
		o.joinByHashRight(plan, candidate, state, toTry)
	}
	o.joinByIndex(plan, candidate, state, toTry)
}

// joinTypeTowards is the join type as seen with the placed side
// probing.
func (o *Optimization) joinTypeTowards(candidate *JoinCandidate) qg.JoinType {
	join := candidate.Join
	if join.RightTable == candidate.Tables[0] || containsTable(candidate.Tables, join.RightTable) {
		return join.JoinType
	}
	return join.JoinType.Reverse()
}

func containsTable(tables []qg.PlanObject, t qg.PlanObject) bool {
	for _, candidate := range tables {
		if candidate == t {
			return true
		}
	}
	return false
}

// keysTowards returns probe keys (placed side) and build keys for
// candidate.
func (o *Optimization) keysTowards(candidate *JoinCandidate) (probeKeys, buildKeys []*qg.Expr) {
	join := candidate.Join
	if join.RightTable == candidate.Tables[0] || containsTable(candidate.Tables, join.RightTable) {
		return join.LeftKeys, join.RightKeys
	}
	return join.RightKeys, join.LeftKeys
}

// joinColumns is the probe columns plus the build columns needed
// downstream.
func (o *Optimization) joinColumns(probe relop.RelationOp, buildColumns []*qg.Expr, state *PlanState, joinType qg.JoinType) []*qg.Expr {
	if joinType == qg.JoinSemi || joinType == qg.JoinAnti {
		return probe.Columns()
	}
	cached := state.DownstreamColumns()
	downstream := cached.Clone()
	downstream.UnionSet(state.TargetColumns)
	out := append([]*qg.Expr(nil), probe.Columns()...)
	for _, column := range buildColumns {
		if downstream.ContainsObject(column) && !containsExpr(out, column) {
			out = append(out, column)
		}
	}
	return out
}

func containsExpr(exprs []*qg.Expr, e *qg.Expr) bool {
	for _, candidate := range exprs {
		if candidate == e {
			return true
		}
	}
	return false
}

