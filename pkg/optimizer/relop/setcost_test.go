package relop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func testContext(t *testing.T) *qg.Context {
	t.Helper()
	ctx := qg.NewContext()
	leave := qg.Enter(ctx)
	t.Cleanup(leave)
	return ctx
}

func scanFixture(ctx *qg.Context, numRows float64, selectivity float64) *TableScan {
	table := catalog.NewTable("t", numRows,
		&catalog.Column{Name: "a", Type: types.Bigint(), Cardinality: numRows},
		&catalog.Column{Name: "b", Type: types.Bigint(), Cardinality: numRows / 10},
	)
	bt := ctx.NewBaseTable(ctx.Intern("t1"), table)
	bt.FilterSelectivity = selectivity
	columns := []*qg.Expr{
		bt.ColumnByName(ctx, ctx.Intern("a")),
		bt.ColumnByName(ctx, ctx.Intern("b")),
	}
	return NewTableScan(bt, table.Layouts[0], columns, qg.Gather(nil, nil))
}

func TestScanLeafCost(t *testing.T) {
	ctx := testContext(t)
	scan := scanFixture(ctx, 1000, 0.5)
	SetCost(scan, 1)
	c := scan.Cost()
	// Leaf fanout is the output cardinality.
	assert.Equal(t, 500.0, c.Fanout)
	// Two 8-byte columns: row cost is pure per-column cost.
	assert.InDelta(t, 500*2*cost.ColumnRowCost, c.UnitCost, 1e-6)
}

func TestFilterDefaultFanout(t *testing.T) {
	ctx := testContext(t)
	scan := scanFixture(ctx, 1000, 1)
	SetCost(scan, 1)
	exprs := []*qg.Expr{
		ctx.NewLiteral(types.Boolean(), true),
		ctx.NewLiteral(types.Boolean(), false),
	}
	filter := NewFilter(scan, exprs)
	SetCost(filter, scan.Cost().Fanout)
	assert.InDelta(t, 0.64, filter.Cost().Fanout, 1e-9)
	assert.Equal(t, 2.0*cost.MinimumFilterCost, filter.Cost().UnitCost)

	// A history-provided selectivity overrides the default.
	filter.Selectivity = 0.05
	SetCost(filter, scan.Cost().Fanout)
	assert.Equal(t, 0.05, filter.Cost().Fanout)
}

func TestLimitFanout(t *testing.T) {
	ctx := testContext(t)
	scan := scanFixture(ctx, 1000, 1)
	SetCost(scan, 1)
	limit := NewLimit(scan, 0, 10)
	SetCost(limit, 1000)
	assert.InDelta(t, 0.01, limit.Cost().Fanout, 1e-9)

	// Input under the limit: no-op.
	small := NewLimit(scan, 0, 5000)
	SetCost(small, 1000)
	assert.Equal(t, 1.0, small.Cost().Fanout)
}

func aggregationGroups(t *testing.T, keyCardinality, inputRows float64) float64 {
	ctx := testContext(t)
	scan := scanFixture(ctx, inputRows, 1)
	SetCost(scan, 1)
	key := ctx.NewColumn(ctx.NewDerivedTable(ctx.Intern("d")), ctx.Intern("k"),
		qg.Value{Type: types.Bigint(), Cardinality: keyCardinality}, nil)
	agg := NewAggregation(scan, []*qg.Expr{key}, nil, []*qg.Expr{key}, scan.Distribution())
	SetCost(agg, inputRows)
	return agg.Cost().OutCardinality()
}

func TestAggregationGroupsMonotone(t *testing.T) {
	// Expected groups grow with the keys' distinct count and never
	// exceed it.
	low := aggregationGroups(t, 10, 10_000)
	mid := aggregationGroups(t, 100, 10_000)
	high := aggregationGroups(t, 1000, 10_000)
	assert.Less(t, low, mid)
	assert.Less(t, mid, high)
	assert.LessOrEqual(t, low, 10.0+1e-6)
	assert.LessOrEqual(t, high, 1000.0+1e-6)
}

func TestRepartitionCost(t *testing.T) {
	ctx := testContext(t)
	scan := scanFixture(ctx, 1000, 1)
	SetCost(scan, 1)
	shuffle := NewRepartition(scan, qg.Gather(nil, nil), scan.Columns())
	SetCost(shuffle, 1000)
	// Two 8-byte columns per row through the wire.
	assert.InDelta(t, 16*cost.ByteShuffleCost, shuffle.Cost().UnitCost, 1e-9)
	assert.InDelta(t, 1000*16, shuffle.Cost().TransferBytes, 1e-9)
	// A repartition's output distribution is exactly its target.
	assert.True(t, shuffle.Distribution().IsGather())
}

func TestHashBuildAndJoinCost(t *testing.T) {
	ctx := testContext(t)
	build := scanFixture(ctx, 2000, 1)
	SetCost(build, 1)
	keys := build.Columns()[:1]
	hashBuild := NewHashBuild(build, 1, keys)
	SetCost(hashBuild, build.Cost().Fanout)
	require.Equal(t, 2000.0, hashBuild.Cost().InputCardinality)
	assert.InDelta(t, 2000*16, hashBuild.Cost().TotalBytes, 1e-9)

	probe := scanFixture(ctx, 50_000, 1)
	SetCost(probe, 1)
	join := NewJoin(probe, hashBuild, qg.JoinInner, probe.Columns()[:1], keys, nil, 1, probe.Columns())
	SetCost(join, probe.Cost().Fanout)
	expected := cost.HashProbeCost(2000) + 1*2*cost.HashExtractColumnCost + 1*cost.HashColumnCost
	assert.InDelta(t, expected, join.Cost().UnitCost, 1e-9)
}

func TestUnionAllCost(t *testing.T) {
	ctx := testContext(t)
	a := scanFixture(ctx, 100, 1)
	SetCost(a, 1)
	b := scanFixture(ctx, 300, 1)
	SetCost(b, 1)
	union := NewUnionAll([]RelationOp{a, b}, a.Columns())
	SetCost(union, 0)
	assert.Equal(t, 400.0, union.Cost().InputCardinality)
}
