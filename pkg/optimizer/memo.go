package optimizer

import (
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
)

// MemoKey identifies a memoized sub-problem: a first table with a set
// of projected columns, the set of reducing joins applied to it, and an
// ordered set of existence semijoin sets. Two equal keys share one
// PlanSet.
type MemoKey struct {
	FirstTable qg.ObjectID
	Columns    qg.ObjectSet
	Tables     qg.ObjectSet
	Existences []qg.ObjectSet
}

// Hash mixes the id-keyed components.
func (k *MemoKey) Hash() uint64 {
	h := uint64(k.FirstTable) * 0x9e3779b97f4a7c15
	h ^= k.Columns.Hash()
	h = h<<7 | h>>57
	h ^= k.Tables.Hash()
	for i := range k.Existences {
		h = h<<7 | h>>57
		h ^= k.Existences[i].Hash()
	}
	return h
}

// Equals reports full key equality.
func (k *MemoKey) Equals(other *MemoKey) bool {
	if k.FirstTable != other.FirstTable ||
		!k.Columns.Equals(other.Columns) ||
		!k.Tables.Equals(other.Tables) ||
		len(k.Existences) != len(other.Existences) {
		return false
	}
	for i := range k.Existences {
		if !k.Existences[i].Equals(other.Existences[i]) {
			return false
		}
	}
	return true
}

type memoEntry struct {
	key     MemoKey
	planSet *PlanSet
}

func (o *Optimization) lookupMemo(key *MemoKey) *PlanSet {
	for _, entry := range o.memo[key.Hash()] {
		if entry.key.Equals(key) {
			return entry.planSet
		}
	}
	return nil
}

// commitMemo stores a finished PlanSet. Writes are stable: an existing
// entry is never replaced.
func (o *Optimization) commitMemo(key *MemoKey, ps *PlanSet) {
	if o.lookupMemo(key) != nil {
		return
	}
	h := key.Hash()
	o.memo[h] = append(o.memo[h], &memoEntry{key: *key, planSet: ps})
}

// makePlan retrieves or makes a plan for key: a single table, a hash
// join build side or a derived table. distribution is the desired
// output placement, existsFanout the selectivity of key.Existences (1
// if none). needsShuffle is set when the returned plan's distribution
// does not match the request.
func (o *Optimization) makePlan(key *MemoKey, distribution qg.Distribution, boundColumns qg.ObjectSet, existsFanout float64, state *PlanState) (*Plan, bool, error) {
	if ps := o.lookupMemo(key); ps != nil {
		plan, needsShuffle := ps.Best(distribution)
		if plan == nil {
			return nil, false, planerr.Unsupported("memoized empty plan set")
		}
		return plan, needsShuffle, nil
	}
	ps, err := o.makeDtPlan(key, boundColumns, existsFanout, state)
	if err != nil {
		return nil, false, err
	}
	o.commitMemo(key, ps)
	plan, needsShuffle := ps.Best(distribution)
	if plan == nil {
		return nil, false, planerr.Unsupported("no plan for memo key")
	}
	return plan, needsShuffle, nil
}

// makeDtPlan plans the sub-problem behind key by running the enumerator
// over a derived table assembled from key.Tables, importing the
// existence sets as semijoin edges.
func (o *Optimization) makeDtPlan(key *MemoKey, boundColumns qg.ObjectSet, existsFanout float64, state *PlanState) (*PlanSet, error) {
	ctx := o.ctx
	first := ctx.ObjectAt(key.FirstTable)

	// A single derived table plans through its own state.
	if dt, ok := first.(*qg.DerivedTable); ok && key.Tables.Count() == 1 {
		child := NewPlanState(o, dt)
		child.HasCutoff = state.HasCutoff
		child.InputColumns = boundColumns
		var target qg.ObjectSet
		target.UnionColumnsOf(dt.Exprs)
		child.SetTargetColumns(target)
		if err := o.planDerivedTable(child); err != nil {
			return nil, err
		}
		return child.Plans(), nil
	}

	// Assemble a planning dt over key.Tables with the edges fully
	// inside it.
	planning := ctx.NewDerivedTable(ctx.Intern("build"))
	key.Tables.ForEachObject(ctx, func(obj qg.PlanObject) {
		planning.AddTable(obj)
	})
	for _, join := range state.dt.Joins {
		if key.Tables.ContainsObject(join.LeftTable) && key.Tables.ContainsObject(join.RightTable) {
			planning.Joins = append(planning.Joins, join)
		}
	}
	// Existence sets become semijoin edges against the first of each
	// set; reducing joins imported below a possible duplicate source
	// must stay semijoins.
	for _, existence := range key.Existences {
		o.importExistence(planning, existence, state)
		planning.ImportedExistences.UnionSet(existence)
	}
	for _, conjunct := range state.dt.Conjuncts {
		columns := conjunct.Columns()
		if columnsCoveredByTables(ctx, columns, key.Tables) {
			planning.Conjuncts = append(planning.Conjuncts, conjunct)
		}
	}

	child := NewPlanState(o, planning)
	child.HasCutoff = state.HasCutoff
	child.SetTargetColumns(key.Columns)
	if err := o.planDerivedTable(child); err != nil {
		return nil, err
	}
	if existsFanout != 1 {
		for _, plan := range child.Plans().Plans {
			plan.Cost.Fanout *= existsFanout
		}
	}
	return child.Plans(), nil
}

// importExistence links the tables of an existence set into planning as
// semijoin edges so the build is reduced without changing the result.
func (o *Optimization) importExistence(planning *qg.DerivedTable, existence qg.ObjectSet, state *PlanState) {
	ctx := o.ctx
	existenceKey := existence.Hash()
	if dt := o.existenceDts[existenceKey]; dt != nil {
		// Already built for a previous candidate; reuse its edges.
		planning.Joins = append(planning.Joins, dt.Joins...)
		for _, t := range dt.Tables {
			if !planning.TableSet.ContainsObject(t) {
				planning.AddTable(t)
			}
		}
		return
	}
	holder := ctx.NewDerivedTable(ctx.Intern("exists"))
	existence.ForEachObject(ctx, func(obj qg.PlanObject) {
		if !planning.TableSet.ContainsObject(obj) {
			planning.AddTable(obj)
			holder.AddTable(obj)
		}
	})
	for _, join := range state.dt.Joins {
		touchesExistence := existence.ContainsObject(join.LeftTable) || existence.ContainsObject(join.RightTable)
		bothInPlanning := planning.TableSet.ContainsObject(join.LeftTable) && planning.TableSet.ContainsObject(join.RightTable)
		if touchesExistence && bothInPlanning {
			semi := ctx.NewJoinEdge(join.LeftTable, join.RightTable, qg.JoinSemi)
			if existence.ContainsObject(join.LeftTable) {
				// The existence side goes on the right of the semijoin.
				semi = ctx.NewJoinEdge(join.RightTable, join.LeftTable, qg.JoinSemi)
				for i := range join.LeftKeys {
					semi.AddEquality(join.RightKeys[i], join.LeftKeys[i])
				}
			} else {
				for i := range join.LeftKeys {
					semi.AddEquality(join.LeftKeys[i], join.RightKeys[i])
				}
			}
			semi.GuessFanout()
			planning.Joins = append(planning.Joins, semi)
			holder.Joins = append(holder.Joins, semi)
		}
	}
	o.existenceDts[existenceKey] = holder
}

func columnsCoveredByTables(ctx *qg.Context, columns qg.ObjectSet, tables qg.ObjectSet) bool {
	covered := true
	columns.ForEachObject(ctx, func(obj qg.PlanObject) {
		column, ok := obj.(*qg.Expr)
		if !ok || column.Kind() != qg.ExprColumn {
			covered = false
			return
		}
		if !tables.ContainsObject(column.Relation()) {
			covered = false
		}
	})
	return covered
}

// memoKeyForTables builds the key for planning tables with the columns
// needed downstream plus keys.
func (o *Optimization) memoKeyForTables(tables []qg.PlanObject, columns qg.ObjectSet, existences []qg.ObjectSet) *MemoKey {
	key := &MemoKey{Columns: columns, Existences: existences}
	first := qg.ObjectID(-1)
	for _, t := range tables {
		key.Tables.AddObject(t)
		if first < 0 || t.ID() < first {
			first = t.ID()
		}
	}
	key.FirstTable = first
	return key
}

// buildColumns returns the columns of the build tables that are needed
// downstream, always including the build keys.
func (o *Optimization) buildColumns(state *PlanState, tables []qg.PlanObject, keys []*qg.Expr) qg.ObjectSet {
	var tableSet qg.ObjectSet
	for _, t := range tables {
		tableSet.AddObject(t)
	}
	downstream := state.DownstreamColumns()
	var result qg.ObjectSet
	downstream.ForEachObject(o.ctx, func(obj qg.PlanObject) {
		column, ok := obj.(*qg.Expr)
		if ok && column.Kind() == qg.ExprColumn && tableSet.ContainsObject(column.Relation()) {
			result.AddObject(column)
		}
	})
	for _, k := range keys {
		result.UnionColumns(k)
	}
	return result
}

// columnExprs resolves a column id set into expressions, ascending.
func (o *Optimization) columnExprs(columns qg.ObjectSet) []*qg.Expr {
	out := make([]*qg.Expr, 0, columns.Count())
	columns.ForEachObject(o.ctx, func(obj qg.PlanObject) {
		if e, ok := obj.(*qg.Expr); ok {
			out = append(out, e)
		}
	})
	return out
}
