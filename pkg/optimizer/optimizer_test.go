package optimizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/catalog/testcat"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/history"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/runner"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func optionsFor(workers, drivers int) Options {
	opts := DefaultOptions()
	opts.NumWorkers = workers
	opts.NumDrivers = drivers
	return opts
}

func selectStarNationLimit(t *testing.T, workers int) *logical.Node {
	t.Helper()
	schema := testcat.TPCH(workers)
	scan, err := logical.NewBuilder(schema).TableScan("nation").Build()
	require.NoError(t, err)
	names := scan.OutputType().Names
	exprs := make([]*logical.Expr, len(names))
	for i, name := range names {
		exprs[i] = logical.InputRef(name, nil)
	}
	plan, err := logical.NewBuilder(schema).
		TableScan("nation").
		Project(names, exprs).
		Limit(0, 10).
		Build()
	require.NoError(t, err)
	return plan
}

func kindsDown(node *runner.PlanNode) []runner.NodeKind {
	var kinds []runner.NodeKind
	for n := node; n != nil; {
		kinds = append(kinds, n.Kind)
		if len(n.Inputs) == 0 {
			break
		}
		n = n.Inputs[0]
	}
	return kinds
}

func TestLimitSingleWorkerSingleDriver(t *testing.T) {
	schema := testcat.TPCH(1)
	plan := selectStarNationLimit(t, 1)
	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 1)

	fragment := result.Plan.Fragments[0]
	assert.Equal(t, []runner.NodeKind{
		runner.NodeLimit, runner.NodeProject, runner.NodeTableScan,
	}, kindsDown(fragment.Root))
	assert.False(t, fragment.Root.IsPartial)
	assert.Equal(t, int64(10), fragment.Root.Count)
	assert.Len(t, fragment.Scans, 1)

	// The plan covers the request: output row type equals the logical
	// plan's output row type.
	assert.True(t, plan.OutputType().Equal(fragment.Root.OutputType))
}

func TestLimitSingleWorkerFourDrivers(t *testing.T) {
	schema := testcat.TPCH(1)
	plan := selectStarNationLimit(t, 1)
	result, err := Optimize(plan, schema, optionsFor(1, 4), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 1)

	root := result.Plan.Fragments[0].Root
	assert.Equal(t, []runner.NodeKind{
		runner.NodeLimit, runner.NodeLocalPartition, runner.NodeLimit,
		runner.NodeProject, runner.NodeTableScan,
	}, kindsDown(root))
	assert.False(t, root.IsPartial)
	partial := root.Inputs[0].Inputs[0]
	assert.True(t, partial.IsPartial)
	assert.Equal(t, runner.PartitionGather, root.Inputs[0].Partition)
}

func TestLimitFourWorkers(t *testing.T) {
	schema := testcat.TPCH(4)
	plan := selectStarNationLimit(t, 4)
	result, err := Optimize(plan, schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 2)

	worker := result.Plan.Fragments[0]
	assert.Equal(t, 4, worker.Width)
	assert.Equal(t, []runner.NodeKind{
		runner.NodePartitionedOutput, runner.NodeLimit,
		runner.NodeProject, runner.NodeTableScan,
	}, kindsDown(worker.Root))
	assert.Equal(t, runner.PartitionGather, worker.Root.Partition)
	assert.True(t, worker.Root.Inputs[0].IsPartial)

	coordinator := result.Plan.Fragments[1]
	assert.Equal(t, 1, coordinator.Width)
	assert.Equal(t, []runner.NodeKind{
		runner.NodeLimit, runner.NodeExchange,
	}, kindsDown(coordinator.Root))
	assert.False(t, coordinator.Root.IsPartial)
	require.Len(t, coordinator.InputStages, 1)
	assert.Equal(t, worker.TaskPrefix, coordinator.InputStages[0].ProducerTaskPrefix)
	assert.Equal(t, coordinator.Root.Inputs[0].ID, coordinator.InputStages[0].ConsumerNodeID)
}

func TestOrderByLimitDistributed(t *testing.T) {
	schema := testcat.TPCH(4)
	plan, err := logical.NewBuilder(schema).
		TableScan("nation").
		Project([]string{"n_name"}, []*logical.Expr{logical.InputRef("n_name", nil)}).
		Sort([]logical.SortField{{Expr: logical.InputRef("n_name", nil), Descending: true}}).
		Limit(0, 10).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 2)

	worker := result.Plan.Fragments[0]
	assert.Equal(t, []runner.NodeKind{
		runner.NodePartitionedOutput, runner.NodeLocalMerge,
		runner.NodeTopN, runner.NodeTableScan,
	}, kindsDown(worker.Root))
	topN := worker.Root.Inputs[0].Inputs[0]
	assert.True(t, topN.IsPartial)
	assert.Equal(t, int64(10), topN.Count)
	require.Len(t, topN.Ordering, 1)
	assert.True(t, topN.Ordering[0].Descending)

	coordinator := result.Plan.Fragments[1]
	assert.Equal(t, []runner.NodeKind{
		runner.NodeProject, runner.NodeLimit, runner.NodeMergeExchange,
	}, kindsDown(coordinator.Root))
	assert.True(t, plan.OutputType().Equal(coordinator.Root.OutputType))
}

func threeWayJoin(t *testing.T, schema logical.TableResolver) *logical.Node {
	t.Helper()
	orders, err := logical.NewBuilder(schema).TableScan("orders", "o_orderkey", "o_custkey").Build()
	require.NoError(t, err)
	customer, err := logical.NewBuilder(schema).
		TableScan("customer", "c_custkey", "c_mktsegment").
		Filter(logical.Eq(logical.InputRef("c_mktsegment", nil), logical.Constant(types.Varchar(), "BUILDING"))).
		Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("lineitem", "l_orderkey", "l_extendedprice").
		Join(logical.JoinInner, orders, logical.Eq(logical.InputRef("l_orderkey", nil), logical.InputRef("o_orderkey", nil))).
		Join(logical.JoinInner, customer, logical.Eq(logical.InputRef("o_custkey", nil), logical.InputRef("c_custkey", nil))).
		Project([]string{"l_extendedprice"}, []*logical.Expr{logical.InputRef("l_extendedprice", nil)}).
		Build()
	require.NoError(t, err)
	return plan
}

func TestThreeWayJoinSingleWorker(t *testing.T) {
	schema := testcat.TPCH(1)
	plan := threeWayJoin(t, schema)
	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 1)

	scans := 0
	joins := 0
	var customerScan *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		switch n.Kind {
		case runner.NodeTableScan, runner.NodeIndexLookup:
			scans++
			if n.Handle.Table.Name == "customer" {
				customerScan = n
			}
		case runner.NodeHashJoin:
			joins++
		}
	})
	assert.Equal(t, 3, scans)
	require.NotNil(t, customerScan)
	// The segment filter pushed into the connector handle.
	assert.Len(t, customerScan.Handle.PushdownFilters, 1)
	assert.True(t, plan.OutputType().Equal(result.Plan.Fragments[0].Root.OutputType))
}

func TestMemoizationEquivalence(t *testing.T) {
	schema := testcat.TPCH(4)
	first, err := Optimize(threeWayJoin(t, schema), schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	second, err := Optimize(threeWayJoin(t, schema), schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Plan.Explain(), second.Plan.Explain())
}

func TestCutoffSoundness(t *testing.T) {
	schema := testcat.TPCH(1)
	run := func(cutoff bool) float64 {
		leave := qg.Enter(qg.NewContext())
		defer leave()
		o := NewOptimization(threeWayJoin(t, schema), schema, nil, nil, optionsFor(1, 1))
		root, err := o.buildGraph()
		require.NoError(t, err)
		o.root = root
		state := NewPlanState(o, root)
		state.HasCutoff = cutoff
		var target qg.ObjectSet
		target.UnionColumnsOf(root.Exprs)
		state.SetTargetColumns(target)
		o.topState = state
		require.NoError(t, o.planDerivedTable(state))
		best, _ := state.Plans().Best(qg.AnyDistribution())
		require.NotNil(t, best)
		return best.Cost.Total()
	}
	withCutoff := run(true)
	withoutCutoff := run(false)
	// Disabling cutoff may only find an equal or better plan.
	assert.LessOrEqual(t, withoutCutoff, withCutoff*(1+1e-9))
}

func TestColocatedJoinHasNoIntermediateShuffle(t *testing.T) {
	schema := testcat.TPCH(4)
	orders, err := logical.NewBuilder(schema).TableScan("orders", "o_orderkey", "o_totalprice").Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("lineitem", "l_orderkey", "l_quantity").
		Join(logical.JoinInner, orders, logical.Eq(logical.InputRef("l_orderkey", nil), logical.InputRef("o_orderkey", nil))).
		Project([]string{"l_quantity"}, []*logical.Expr{logical.InputRef("l_quantity", nil)}).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	// Both sides are partitioned on the join key: one worker fragment,
	// one gather into the coordinator, nothing else.
	require.Len(t, result.Plan.Fragments, 2)
	exchanges := 0
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeExchange || n.Kind == runner.NodeMergeExchange {
			exchanges++
		}
	})
	assert.Equal(t, 1, exchanges)
	require.NoError(t, result.Plan.Validate())
}

func TestFragmentGraphAcyclic(t *testing.T) {
	schema := testcat.TPCH(4)
	result, err := Optimize(threeWayJoin(t, schema), schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)
	require.NoError(t, result.Plan.Validate())
	// Producers precede consumers in fragment order.
	seen := map[string]bool{}
	for _, fragment := range result.Plan.Fragments {
		for _, input := range fragment.InputStages {
			assert.True(t, seen[input.ProducerTaskPrefix],
				"producer %s must precede consumer %s", input.ProducerTaskPrefix, fragment.TaskPrefix)
		}
		seen[fragment.TaskPrefix] = true
	}
}

func TestAggregateFilterDeduplication(t *testing.T) {
	schema := testcat.TPCH(1)
	positive := logical.Call(types.Boolean(), "gt", logical.InputRef("o_totalprice", nil), logical.Constant(types.Double(), 0.0))
	negative := logical.Call(types.Boolean(), "lt", logical.InputRef("o_totalprice", nil), logical.Constant(types.Double(), 0.0))
	positiveAgain := logical.Call(types.Boolean(), "gt", logical.InputRef("o_totalprice", nil), logical.Constant(types.Double(), 0.0))
	plan, err := logical.NewBuilder(schema).
		TableScan("orders", "o_totalprice").
		Aggregate(nil, nil,
			[]*logical.AggregateCall{
				{Func: "sum", Inputs: []*logical.Expr{logical.InputRef("o_totalprice", nil)}, Filter: positive},
				{Func: "sum", Inputs: []*logical.Expr{logical.InputRef("o_totalprice", nil)}, Filter: negative},
				{Func: "sum", Inputs: []*logical.Expr{logical.InputRef("o_totalprice", nil)}, Filter: positiveAgain},
			},
			[]string{"s1", "s2", "s3"},
		).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)

	var agg, project *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		switch n.Kind {
		case runner.NodeAggregation:
			agg = n
		case runner.NodeProject:
			project = n
		}
	})
	require.NotNil(t, agg)
	// Two physical aggregates for three outputs.
	assert.Len(t, agg.Aggregates, 2)
	require.NotNil(t, project)
	require.Len(t, project.Exprs, 3)
	// The duplicate output repeats the first physical aggregate.
	assert.Equal(t, "s1", project.Exprs[0].Name)
	assert.Equal(t, "s1", project.Exprs[2].Name)
	assert.True(t, plan.OutputType().Equal(result.Plan.Fragments[len(result.Plan.Fragments)-1].Root.OutputType))
}

func TestDistributedAggregationSplits(t *testing.T) {
	schema := testcat.TPCH(4)
	plan, err := logical.NewBuilder(schema).
		TableScan("orders", "o_custkey", "o_totalprice").
		Aggregate(
			[]*logical.Expr{logical.InputRef("o_custkey", nil)}, []string{"o_custkey"},
			[]*logical.AggregateCall{{Func: "sum", Inputs: []*logical.Expr{logical.InputRef("o_totalprice", nil)}}},
			[]string{"total"},
		).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(4, 4), nil, nil)
	require.NoError(t, err)

	var partial, final *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind != runner.NodeAggregation {
			return
		}
		switch n.Step {
		case runner.AggregationPartial:
			partial = n
		case runner.AggregationFinal:
			final = n
		}
	})
	// Orders is partitioned on o_orderkey, so grouping by o_custkey
	// needs a shuffle with a partial aggregation below it.
	require.NotNil(t, partial)
	require.NotNil(t, final)
	assert.Equal(t, runner.NodeExchange, final.Inputs[0].Kind)
}

func TestValuesPlan(t *testing.T) {
	schema := testcat.TPCH(1)
	rowType := types.Row([]string{"id", "name"}, []*types.DataType{types.Bigint(), types.Varchar()})
	plan, err := logical.NewBuilder(schema).
		Values(rowType, [][]any{{int64(1), "a"}, {int64(2), "b"}}).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Plan.Fragments, 1)
	kinds := kindsDown(result.Plan.Fragments[0].Root)
	assert.Equal(t, runner.NodeValues, kinds[len(kinds)-1])
}

func TestUnionAll(t *testing.T) {
	schema := testcat.TPCH(1)
	right, err := logical.NewBuilder(schema).
		TableScan("region", "r_name").
		Project([]string{"name"}, []*logical.Expr{logical.InputRef("r_name", nil)}).
		Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("nation", "n_name").
		Project([]string{"name"}, []*logical.Expr{logical.InputRef("n_name", nil)}).
		SetOp(logical.SetUnionAll, right).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)

	var union *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeUnionAll {
			union = n
		}
	})
	require.NotNil(t, union)
	assert.Len(t, union.Inputs, 2)
}

func TestUnionDistinctAddsAggregation(t *testing.T) {
	schema := testcat.TPCH(1)
	right, err := logical.NewBuilder(schema).
		TableScan("region", "r_name").
		Project([]string{"name"}, []*logical.Expr{logical.InputRef("r_name", nil)}).
		Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("nation", "n_name").
		Project([]string{"name"}, []*logical.Expr{logical.InputRef("n_name", nil)}).
		SetOp(logical.SetUnion, right).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	distinct := false
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeAggregation && len(n.Aggregates) == 0 && len(n.GroupingKeys) == 1 {
			distinct = true
		}
	})
	assert.True(t, distinct)
}

func TestUnsupportedSetOp(t *testing.T) {
	schema := testcat.TPCH(1)
	right, err := logical.NewBuilder(schema).TableScan("nation", "n_name").Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("nation", "n_name").
		SetOp(logical.SetIntersect, right).
		Build()
	require.NoError(t, err)
	_, err = Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	assert.True(t, errors.Is(err, planerr.ErrUnsupportedFeature))
}

func TestHistoryOverridesSelectivity(t *testing.T) {
	schema := testcat.TPCH(1)
	build := func() *logical.Node {
		plan, err := logical.NewBuilder(schema).
			TableScan("orders", "o_orderkey", "o_totalprice").
			Filter(logical.Call(types.Boolean(), "gt", logical.InputRef("o_totalprice", nil), logical.Constant(types.Double(), 100.0))).
			Project([]string{"o_orderkey"}, []*logical.Expr{logical.InputRef("o_orderkey", nil)}).
			Build()
		require.NoError(t, err)
		return plan
	}

	leave := qg.Enter(qg.NewContext())
	o := NewOptimization(build(), schema, nil, nil, optionsFor(1, 1))
	root, err := o.buildGraph()
	require.NoError(t, err)
	key := o.scanHistoryKey(root.Tables[0].(*qg.BaseTable))
	leave()

	stored := history.NewMemoryHistory()
	stored.Update(history.Record{Key: key, ObservedRows: 15_000})

	leave = qg.Enter(qg.NewContext())
	defer leave()
	o2 := NewOptimization(build(), schema, stored, nil, optionsFor(1, 1))
	root2, err := o2.buildGraph()
	require.NoError(t, err)
	bt := root2.Tables[0].(*qg.BaseTable)
	assert.InDelta(t, 0.01, bt.FilterSelectivity, 1e-9)
}

func TestLeftJoinPlans(t *testing.T) {
	schema := testcat.TPCH(1)
	right, err := logical.NewBuilder(schema).TableScan("nation", "n_nationkey", "n_name").Build()
	require.NoError(t, err)
	plan, err := logical.NewBuilder(schema).
		TableScan("customer", "c_custkey", "c_nationkey").
		Join(logical.JoinLeft, right, logical.Eq(logical.InputRef("c_nationkey", nil), logical.InputRef("n_nationkey", nil))).
		Project([]string{"c_custkey", "n_name"},
			[]*logical.Expr{logical.InputRef("c_custkey", nil), logical.InputRef("n_name", nil)}).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	assert.True(t, plan.OutputType().Equal(result.Plan.Fragments[len(result.Plan.Fragments)-1].Root.OutputType))
}

func TestFiveWayJoinChain(t *testing.T) {
	schema := testcat.TPCH(1)
	nation, err := logical.NewBuilder(schema).TableScan("nation", "n_nationkey", "n_regionkey").Build()
	require.NoError(t, err)
	customer, err := logical.NewBuilder(schema).TableScan("customer", "c_custkey", "c_nationkey").Build()
	require.NoError(t, err)
	orders, err := logical.NewBuilder(schema).TableScan("orders", "o_orderkey", "o_custkey").Build()
	require.NoError(t, err)
	lineitem, err := logical.NewBuilder(schema).TableScan("lineitem", "l_orderkey", "l_extendedprice").Build()
	require.NoError(t, err)

	plan, err := logical.NewBuilder(schema).
		TableScan("region", "r_regionkey", "r_name").
		Filter(logical.Eq(logical.InputRef("r_name", nil), logical.Constant(types.Varchar(), "ASIA"))).
		Join(logical.JoinInner, nation, logical.Eq(logical.InputRef("r_regionkey", nil), logical.InputRef("n_regionkey", nil))).
		Join(logical.JoinInner, customer, logical.Eq(logical.InputRef("n_nationkey", nil), logical.InputRef("c_nationkey", nil))).
		Join(logical.JoinInner, orders, logical.Eq(logical.InputRef("c_custkey", nil), logical.InputRef("o_custkey", nil))).
		Join(logical.JoinInner, lineitem, logical.Eq(logical.InputRef("o_orderkey", nil), logical.InputRef("l_orderkey", nil))).
		Project([]string{"l_extendedprice"}, []*logical.Expr{logical.InputRef("l_extendedprice", nil)}).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	require.NoError(t, result.Plan.Validate())

	scans := 0
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeTableScan || n.Kind == runner.NodeIndexLookup {
			scans++
		}
	})
	// Exactly one scan per base table occurrence.
	assert.Equal(t, 5, scans)
	assert.True(t, plan.OutputType().Equal(result.Plan.Fragments[len(result.Plan.Fragments)-1].Root.OutputType))
}

func TestPredictionsRecorded(t *testing.T) {
	schema := testcat.TPCH(1)
	result, err := Optimize(selectStarNationLimit(t, 1), schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.NodeHistory)
	assert.NotEmpty(t, result.Prediction)
	for nodeID, key := range result.NodeHistory {
		assert.NotEmpty(t, key, "node %s has empty history key", nodeID)
	}
}
