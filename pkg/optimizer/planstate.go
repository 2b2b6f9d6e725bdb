package optimizer

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
)

// Plan is a memoized, fully costed physical plan.
type Plan struct {
	// Op is the root of the plan tree.
	Op relop.RelationOp

	// Cost aggregates the whole tree: setup costs and memory add up,
	// unit cost sums the left-deep spine with each node's unit cost
	// multiplied by the product of the fanouts below it.
	Cost cost.Cost

	// Tables are the query-graph tables covered by this plan.
	Tables qg.ObjectSet

	// Columns are the produced columns, including pass-through input
	// columns.
	Columns qg.ObjectSet

	// Input is the set of columns fixed on input for index paths.
	Input qg.ObjectSet

	// Builds are the hash join builds placed in the plan, reusable by
	// enclosing plans.
	Builds []*relop.HashBuild

	// FullyImported are tables contained in this plan that enclosing
	// plans need not address again.
	FullyImported qg.ObjectSet
}

// IsStateBetter reports whether state carries a lower cost than this
// plan, by at least perRowMargin per row.
func (p *Plan) IsStateBetter(state *PlanState, perRowMargin float64) bool {
	return state.Cost.UnitCost+state.Cost.SetupCost <
		p.Cost.UnitCost+p.Cost.SetupCost-perRowMargin*state.Cost.Fanout
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan cost=%s\n%s", p.Cost, relop.PrintPlan(p.Op, false))
}

// PlanSet is the set of interesting plans for one (tables, columns)
// pair: the best by cost plus any plan with a distinct useful order or
// distribution.
type PlanSet struct {
	Plans []*Plan

	// BestCostWithShuffle is the cost of the cheapest plan plus a
	// shuffle to the final distribution. With cutoff enabled nothing
	// more expensive is explored.
	BestCostWithShuffle float64
}

// Best returns the cheapest plan, taking the cheapest one matching
// distribution when it costs no more than that; if the winner has some
// other distribution, needsShuffle is true.
func (ps *PlanSet) Best(distribution qg.Distribution) (*Plan, bool) {
	var best, bestMatch *Plan
	for _, p := range ps.Plans {
		if best == nil || p.Cost.Total() < best.Cost.Total() {
			best = p
		}
		if p.Op.Distribution().SamePartitioning(distribution) {
			if bestMatch == nil || p.Cost.Total() < bestMatch.Cost.Total() {
				bestMatch = p
			}
		}
	}
	if bestMatch != nil {
		// Prefer the aligned plan on a cost tie with the global best;
		// fewer shuffles downstream.
		if best == nil || bestMatch.Cost.Total() <= best.Cost.Total() {
			return bestMatch, false
		}
	}
	if best == nil {
		return nil, false
	}
	return best, !best.Op.Distribution().SamePartitioning(distribution)
}

// AddPlan compares the finished plan in state against the set and
// retains it if interesting. Returns the retained plan, or nil.
func (ps *PlanSet) AddPlan(op relop.RelationOp, state *PlanState) *Plan {
	replaceIdx := -1
	if len(ps.Plans) > 0 {
		best, _ := ps.Best(qg.AnyDistribution())
		if best.IsStateBetter(state, 0) {
			// The new plan wins on cost; it replaces the best unless
			// the old best keeps an interesting order.
			replaceIdx = planIndexOf(ps.Plans, best)
			if hasInterestingOrder(best.Op) && !sameOrder(best.Op, op) {
				replaceIdx = -1
			}
		} else if !hasInterestingOrder(op) {
			return nil
		} else {
			for i, p := range ps.Plans {
				if sameOrder(p.Op, op) {
					if p.Cost.Total() <= state.Cost.Total() {
						return nil
					}
					replaceIdx = i
					break
				}
			}
		}
	}
	plan := &Plan{
		Op:            op,
		Cost:          state.Cost,
		Tables:        state.Placed.Clone(),
		Columns:       state.Columns.Clone(),
		Builds:        append([]*relop.HashBuild(nil), state.Builds...),
		FullyImported: state.dt.ImportedExistences.Clone(),
	}
	if replaceIdx >= 0 {
		ps.Plans[replaceIdx] = plan
	} else {
		ps.Plans = append(ps.Plans, plan)
	}
	shuffle := cost.ShuffleCost(op.Columns()) * state.Cost.Fanout
	total := plan.Cost.Total() + shuffle
	if ps.BestCostWithShuffle == 0 || total < ps.BestCostWithShuffle {
		ps.BestCostWithShuffle = total
	}
	return plan
}

func planIndexOf(plans []*Plan, p *Plan) int {
	for i, candidate := range plans {
		if candidate == p {
			return i
		}
	}
	return -1
}

func hasInterestingOrder(op relop.RelationOp) bool {
	return len(op.Distribution().Order) > 0
}

func sameOrder(a, b relop.RelationOp) bool {
	ao, bo := a.Distribution().Order, b.Distribution().Order
	if len(ao) != len(bo) {
		return false
	}
	for i := range ao {
		if !ao[i].SameOrEqual(bo[i]) {
			return false
		}
	}
	return true
}

// JoinCandidate is the next table or bushy build side to join.
type JoinCandidate struct {
	// Join is the edge between placed tables and Tables.
	Join *qg.JoinEdge

	// Tables are the build-side tables, none placed yet.
	Tables []qg.PlanObject

	// Existences are reducing semijoins imported from the probe side
	// to shrink the build. They never change the result.
	Existences []qg.ObjectSet

	// Fanout is right-side hits per left row. Existences do not affect
	// it.
	Fanout float64

	// ExistsFanout is the reduction from Existences; 0.2 means 5x
	// smaller build.
	ExistsFanout float64
}

func (c *JoinCandidate) String() string {
	var b strings.Builder
	b.WriteString("candidate{")
	for i, t := range c.Tables {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	fmt.Fprintf(&b, " fanout=%.3g", c.Fanout)
	if len(c.Existences) > 0 {
		fmt.Fprintf(&b, " exists=%d x%.3g", len(c.Existences), c.ExistsFanout)
	}
	b.WriteString("}")
	return b.String()
}

// NextJoin is one placed join variant to try: a candidate joined with a
// specific method, costed.
type NextJoin struct {
	Candidate *JoinCandidate
	Plan      relop.RelationOp
	Cost      cost.Cost
	Placed    qg.ObjectSet
	Columns   qg.ObjectSet
	NewBuilds []*relop.HashBuild
}

// IsWorse reports whether other strictly dominates this variant: same
// coverage, cheaper.
func (nj *NextJoin) IsWorse(other *NextJoin) bool {
	return nj.Placed.Equals(other.Placed) &&
		other.Cost.Total() < nj.Cost.Total() &&
		sameOrder(other.Plan, nj.Plan)
}

// PlanState tracks the tables and columns placed while constructing a
// partial plan for one derived table.
type PlanState struct {
	opt *Optimization
	dt  *qg.DerivedTable

	// Placed are the tables already in the partial plan.
	Placed qg.ObjectSet

	// Columns are the columns with a value from placed tables.
	Columns qg.ObjectSet

	// TargetColumns are the columns that must remain at the end; a dt
	// can be planned for just join/filter columns or all payload.
	TargetColumns qg.ObjectSet

	// InputColumns are lookup keys fixed on input for an index path.
	InputColumns qg.ObjectSet

	// Cost is the accumulated cost of the partial plan. Fanout carries
	// the current cardinality.
	Cost cost.Cost

	// Builds are all hash join builds in any branch so far.
	Builds []*relop.HashBuild

	// HasCutoff enables backtracking against plans.BestCostWithShuffle.
	HasCutoff bool

	// PlacedConjuncts are dt conjuncts already turned into filters.
	PlacedConjuncts qg.ObjectSet

	plans PlanSet

	downstreamCache map[uint64]qg.ObjectSet
}

// NewPlanState returns the empty state for planning dt.
func NewPlanState(o *Optimization, dt *qg.DerivedTable) *PlanState {
	return &PlanState{
		opt:             o,
		dt:              dt,
		Cost:            cost.Cost{Fanout: 1},
		HasCutoff:       true,
		downstreamCache: make(map[uint64]qg.ObjectSet),
	}
}

// SetTargetColumns fixes the columns the finished plan must produce.
func (s *PlanState) SetTargetColumns(target qg.ObjectSet) {
	s.TargetColumns = target
}

// Plans exposes the interesting finished plans.
func (s *PlanState) Plans() *PlanSet { return &s.plans }

// AddCost places op on top of the partial plan: op's cost is assigned
// from the current cardinality, then folded into the running total.
func (s *PlanState) AddCost(op relop.RelationOp) {
	relop.SetCost(op, s.Cost.Fanout)
	c := op.Cost()
	s.Cost.UnitCost += c.UnitCost * s.Cost.Fanout
	s.Cost.Fanout *= c.Fanout
	s.Cost.SetupCost += c.SetupCost
	s.Cost.TotalBytes += c.TotalBytes
	s.Cost.TransferBytes += c.TransferBytes
}

// AddLeafCost places a leaf: its fanout is an absolute cardinality.
func (s *PlanState) AddLeafCost(op relop.RelationOp) {
	relop.SetCost(op, s.Cost.Fanout)
	c := op.Cost()
	s.Cost.UnitCost += c.UnitCost
	s.Cost.Fanout = c.Fanout
	s.Cost.SetupCost += c.SetupCost
	s.Cost.TotalBytes += c.TotalBytes
	s.Cost.TransferBytes += c.TransferBytes
}

// AddBuildCost folds a build-side plan's full cost into setup cost: the
// build runs once, off the probe spine.
func (s *PlanState) AddBuildCost(buildPlanCost cost.Cost) {
	s.Cost.SetupCost += buildPlanCost.UnitCost + buildPlanCost.SetupCost
	s.Cost.TotalBytes += buildPlanCost.TotalBytes
	s.Cost.TransferBytes += buildPlanCost.TransferBytes
}

// AddBuilds appends new builds.
func (s *PlanState) AddBuilds(added []*relop.HashBuild) {
	s.Builds = append(s.Builds, added...)
}

// IsOverBest reports that the accumulated cost exceeds the best
// complete plan plus shuffle, so exploration should backtrack.
func (s *PlanState) IsOverBest() bool {
	return s.HasCutoff && s.plans.BestCostWithShuffle != 0 &&
		s.Cost.UnitCost+s.Cost.SetupCost > s.plans.BestCostWithShuffle
}

// DownstreamColumns returns the columns referenced by unplaced joins,
// conjuncts and postprocessing, union the target columns. Shrinks as
// tables are placed; memoized on the placed set.
func (s *PlanState) DownstreamColumns() qg.ObjectSet {
	key := s.Placed.Hash() ^ s.PlacedConjuncts.Hash()
	if cached, ok := s.downstreamCache[key]; ok {
		return cached
	}
	var result qg.ObjectSet
	result.UnionSet(s.TargetColumns)
	for _, join := range s.dt.Joins {
		if !s.Placed.ContainsObject(join.LeftTable) {
			result.UnionColumnsOf(join.LeftKeys)
		}
		if !s.Placed.ContainsObject(join.RightTable) {
			result.UnionColumnsOf(join.RightKeys)
		}
		for _, f := range join.Filter {
			result.UnionColumns(f)
		}
	}
	for _, conjunct := range s.dt.Conjuncts {
		if !s.PlacedConjuncts.ContainsObject(conjunct) {
			result.UnionColumns(conjunct)
		}
	}
	if s.dt.Aggregation != nil {
		result.UnionColumnsOf(s.dt.Aggregation.Grouping)
		result.UnionColumnsOf(s.dt.Aggregation.Aggregates)
	}
	result.UnionColumnsOf(s.dt.OrderKeys)
	s.downstreamCache[key] = result
	return result
}

// AddNextJoin appends a costed variant to toTry unless cutoff already
// rules it out or a variant for the same coverage dominates it.
func (s *PlanState) AddNextJoin(candidate *JoinCandidate, plan relop.RelationOp, builds []*relop.HashBuild, toTry *[]*NextJoin) {
	if s.IsOverBest() {
		s.opt.trace(TraceExceededBest, s.dt.ID(), s.Cost, plan)
		return
	}
	next := &NextJoin{
		Candidate: candidate,
		Plan:      plan,
		Cost:      s.Cost,
		Placed:    s.Placed.Clone(),
		Columns:   s.Columns.Clone(),
		NewBuilds: append([]*relop.HashBuild(nil), builds...),
	}
	for i, existing := range *toTry {
		if next.IsWorse(existing) {
			return
		}
		if existing.IsWorse(next) {
			(*toTry)[i] = next
			return
		}
	}
	*toTry = append(*toTry, next)
}

// PlanStateSaver restores the mutable search state on release. Use with
// defer so rollback happens on all paths.
type PlanStateSaver struct {
	state     *PlanState
	placed    qg.ObjectSet
	columns   qg.ObjectSet
	conjuncts qg.ObjectSet
	cost      cost.Cost
	numBuilds int
}

// NewPlanStateSaver snapshots state.
func NewPlanStateSaver(state *PlanState) *PlanStateSaver {
	return &PlanStateSaver{
		state:     state,
		placed:    state.Placed.Clone(),
		columns:   state.Columns.Clone(),
		conjuncts: state.PlacedConjuncts.Clone(),
		cost:      state.Cost,
		numBuilds: len(state.Builds),
	}
}

// Restore rolls the state back to the snapshot.
func (ps *PlanStateSaver) Restore() {
	ps.state.Placed = ps.placed
	ps.state.Columns = ps.columns
	ps.state.PlacedConjuncts = ps.conjuncts
	ps.state.Cost = ps.cost
	ps.state.Builds = ps.state.Builds[:ps.numBuilds]
}
