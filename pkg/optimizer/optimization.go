// Package optimizer turns a logical relational plan into a fragmented
// physical execution plan: it builds the query graph, enumerates join
// orders under the cost model with memoization and branch-and-bound,
// and lowers the winning plan into executable fragments.
package optimizer

import (
	"fmt"
	"log"
	"strconv"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/history"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
	"github.com/kasuganosora/sqlopt/pkg/runner"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// PlanAndStats is the optimization result: the fragmented plan plus the
// per-node history keys and predictions used to record execution.
type PlanAndStats struct {
	Plan *runner.MultiFragmentPlan

	// NodeHistory maps plan node id to the canonical key under which
	// its execution is recorded.
	NodeHistory map[string]string

	// Prediction maps plan node id to the planning-time estimate.
	Prediction map[string]history.NodePrediction
}

// Evaluator folds constant expressions on demand. Implementations
// return nil when they cannot fold.
type Evaluator interface {
	TryFold(expr *logical.Expr) *logical.Expr
}

type literalEvaluator struct{}

func (literalEvaluator) TryFold(expr *logical.Expr) *logical.Expr {
	if expr.IsConstant() {
		return expr
	}
	return nil
}

// LiteralEvaluator folds nothing beyond literals themselves.
func LiteralEvaluator() Evaluator { return literalEvaluator{} }

// Optimization is one instance of query optimization. It depends on a
// qg.Context being bound to the calling goroutine and must stay live as
// long as a returned plan is referenced.
type Optimization struct {
	ctx       *qg.Context
	schema    *catalog.Schema
	history   history.History
	evaluator Evaluator
	opts      Options

	logicalPlan *logical.Node

	root *qg.DerivedTable

	graph *toGraph

	memo         map[uint64][]*memoEntry
	existenceDts map[uint64]*qg.DerivedTable

	topState *PlanState

	buildCounter int
	stageCounter int
	nextNodeID   int

	// leafHandles maps base table id to its pushdown handle and the
	// filters to evaluate above the scan.
	leafHandles map[qg.ObjectID]*leafHandle

	nodeHistory map[string]string
	prediction  map[string]history.NodePrediction

	// columnAltered maps scan columns to their physical type when it
	// differs from the logical one (map read as struct).
	columnAltered map[*qg.Expr]*types.DataType

	// toLimit/toOffset carry a limit downward while lowering an
	// order-by below it. -1 means no limit.
	toLimit  int64
	toOffset int64
}

type leafHandle struct {
	handle       *catalog.TableHandle
	extraFilters []*qg.Expr
}

// NewOptimization prepares an optimization of plan against schema. The
// qg.Context must already be bound via qg.Enter.
func NewOptimization(plan *logical.Node, schema *catalog.Schema, hist history.History, evaluator Evaluator, opts Options) *Optimization {
	if hist == nil {
		hist = history.NewMemoryHistory()
	}
	if evaluator == nil {
		evaluator = LiteralEvaluator()
	}
	o := &Optimization{
		ctx:          qg.Current(),
		schema:       schema,
		history:      hist,
		evaluator:    evaluator,
		opts:         opts,
		logicalPlan:  plan,
		memo:         make(map[uint64][]*memoEntry),
		existenceDts: make(map[uint64]*qg.DerivedTable),
		leafHandles:  make(map[qg.ObjectID]*leafHandle),
		nodeHistory:  make(map[string]string),
		prediction:   make(map[string]history.NodePrediction),
		toLimit:      -1,
	}
	o.ctx.Optimization = o
	return o
}

// Optimize is the library entry point: it binds a fresh context to the
// goroutine, builds the query graph, finds the best plan and lowers it.
// The context is cleared on all exit paths; internal panics carrying
// errors surface as errors.
func Optimize(plan *logical.Node, schema *catalog.Schema, opts Options, hist history.History, evaluator Evaluator) (result *PlanAndStats, err error) {
	leave := qg.Enter(qg.NewContext())
	defer leave()
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				result, err = nil, e
				return
			}
			panic(r)
		}
	}()

	o := NewOptimization(plan, schema, hist, evaluator, opts)
	best, err := o.BestPlan()
	if err != nil {
		return nil, err
	}
	fragmented, err := o.ToFragmentedPlan(best.Op)
	if err != nil {
		return nil, err
	}
	return &PlanAndStats{
		Plan:        fragmented,
		NodeHistory: o.nodeHistory,
		Prediction:  o.prediction,
	}, nil
}

// BestPlan builds the query graph and runs the enumerator, returning
// the winning costed plan.
func (o *Optimization) BestPlan() (*Plan, error) {
	root, err := o.buildGraph()
	if err != nil {
		return nil, err
	}
	o.root = root
	state := NewPlanState(o, root)
	var target qg.ObjectSet
	target.UnionColumnsOf(root.Exprs)
	state.SetTargetColumns(target)
	o.topState = state
	if err := o.planDerivedTable(state); err != nil {
		return nil, err
	}
	best, _ := state.plans.Best(qg.AnyDistribution())
	if best == nil {
		return nil, fmt.Errorf("no plan produced for derived table %s", root.CName.String())
	}
	return best, nil
}

// Context returns the optimization's query graph context.
func (o *Optimization) Context() *qg.Context { return o.ctx }

// Schema returns the catalog schema.
func (o *Optimization) Schema() *catalog.Schema { return o.schema }

// History returns the history store.
func (o *Optimization) History() history.History { return o.history }

// Options returns the run options.
func (o *Optimization) Options() *Options { return &o.opts }

// NextNodeID returns the next physical plan node id.
func (o *Optimization) NextNodeID() string {
	id := strconv.Itoa(o.nextNodeID)
	o.nextNodeID++
	return id
}

func (o *Optimization) nextBuildID() int {
	o.buildCounter++
	return o.buildCounter
}

// trace logs enumeration events at the configured level.
func (o *Optimization) trace(event int, id qg.ObjectID, c cost.Cost, op relop.RelationOp) {
	switch {
	case event == TraceRetained && o.opts.TraceLevel >= 1:
		log.Printf("[OPTIMIZER %s] retained dt=%d cost=%s %s", o.ctx.RunID, id, c, op)
	case event == TraceExceededBest && o.opts.TraceLevel >= 2:
		log.Printf("[OPTIMIZER %s] cutoff dt=%d cost=%s %s", o.ctx.RunID, id, c, op)
	}
}
