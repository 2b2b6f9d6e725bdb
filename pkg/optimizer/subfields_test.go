package optimizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/runner"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func eventsSchema() *catalog.Schema {
	s := catalog.NewSchema("events")
	table := catalog.NewTable("events", 100_000,
		&catalog.Column{Name: "id", Type: types.Bigint(), Cardinality: 100_000},
		&catalog.Column{Name: "features", Type: types.Map(types.Varchar(), types.Double()), Cardinality: 50_000},
		&catalog.Column{Name: "tags", Type: types.Array(types.Bigint()), Cardinality: 50_000},
	)
	s.AddTable(table)
	return s
}

func subscriptPlan(t *testing.T, schema *catalog.Schema) *logical.Node {
	t.Helper()
	features := func() *logical.Expr { return logical.InputRef("features", nil) }
	plan, err := logical.NewBuilder(schema).
		TableScan("events", "id", "features").
		Filter(logical.Call(types.Boolean(), "gt",
			logical.Call(types.Double(), "subscript", features(), logical.Constant(types.Varchar(), "a")),
			logical.Constant(types.Double(), 10.0))).
		Project([]string{"id", "b_value"},
			[]*logical.Expr{
				logical.InputRef("id", nil),
				logical.Call(types.Double(), "element_at", features(), logical.Constant(types.Varchar(), "b")),
			}).
		Build()
	require.NoError(t, err)
	return plan
}

func TestControlAndPayloadSubfields(t *testing.T) {
	schema := eventsSchema()
	leave := qg.Enter(qg.NewContext())
	defer leave()
	o := NewOptimization(subscriptPlan(t, schema), schema, nil, nil, optionsFor(1, 1))
	root, err := o.buildGraph()
	require.NoError(t, err)

	bt := root.Tables[0].(*qg.BaseTable)
	features := bt.ColumnByName(o.Context(), o.Context().Intern("features"))
	require.NotNil(t, features)

	control := bt.ControlSubfields.Paths(features.ID())
	require.NotNil(t, control)
	require.Equal(t, 1, control.Count())
	control.ForEach(func(id qg.ObjectID) {
		assert.Equal(t, `["a"]`, o.Context().PathByID(int32(id)).String())
	})

	payload := bt.PayloadSubfields.Paths(features.ID())
	require.NotNil(t, payload)
	require.Equal(t, 1, payload.Count())
	payload.ForEach(func(id qg.ObjectID) {
		assert.Equal(t, `["b"]`, o.Context().PathByID(int32(id)).String())
	})
}

func TestSubfieldsOnColumnHandles(t *testing.T) {
	schema := eventsSchema()
	result, err := Optimize(subscriptPlan(t, schema), schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)

	var scan *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeTableScan {
			scan = n
		}
	})
	require.NotNil(t, scan)
	handle := scan.Assignments["features"]
	require.NotNil(t, handle)
	require.Len(t, handle.Subfields, 2)
	rendered := []string{handle.Subfields[0].String(), handle.Subfields[1].String()}
	assert.Contains(t, rendered, `features["a"]`)
	assert.Contains(t, rendered, `features["b"]`)
}

func TestMapAsStructRewrite(t *testing.T) {
	schema := eventsSchema()
	opts := optionsFor(1, 1)
	opts.MapAsStruct = map[string][]string{"events": {"features"}}
	result, err := Optimize(subscriptPlan(t, schema), schema, opts, nil, nil)
	require.NoError(t, err)

	var scan, filter *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		switch n.Kind {
		case runner.NodeTableScan:
			scan = n
		case runner.NodeFilter:
			filter = n
		}
	})
	require.NotNil(t, scan)
	handle := scan.Assignments["features"]
	require.NotNil(t, handle)
	// The scan's physical type replaces the map by a struct of exactly
	// the accessed keys.
	require.NotNil(t, handle.CastTo)
	assert.Equal(t, types.KindRow, handle.CastTo.Kind)
	assert.ElementsMatch(t, []string{"a", "b"}, handle.CastTo.Names)
	physicalType := scan.OutputType.FindChild("features")
	require.NotNil(t, physicalType)
	assert.Equal(t, types.KindRow, physicalType.Kind)

	// The getter over the map became a struct dereference.
	require.NotNil(t, filter)
	assert.Contains(t, filter.Predicate.String(), "dereference")
}

func TestCardinalityOverPrunedMapFails(t *testing.T) {
	schema := eventsSchema()
	plan, err := logical.NewBuilder(schema).
		TableScan("events", "id", "features").
		Project([]string{"n"},
			[]*logical.Expr{logical.Call(types.Bigint(), "cardinality", logical.InputRef("features", nil))}).
		Build()
	require.NoError(t, err)

	opts := optionsFor(1, 1)
	opts.MapAsStruct = map[string][]string{"events": {"features"}}
	_, err = Optimize(plan, schema, opts, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, planerr.ErrUnsupportedSubfield))
}

func TestScanReadsOnlyReferencedColumns(t *testing.T) {
	schema := eventsSchema()
	plan, err := logical.NewBuilder(schema).
		TableScan("events", "id", "features", "tags").
		Project([]string{"id"}, []*logical.Expr{logical.InputRef("id", nil)}).
		Build()
	require.NoError(t, err)

	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	var scan *runner.PlanNode
	result.Plan.ForEachNode(func(n *runner.PlanNode) {
		if n.Kind == runner.NodeTableScan {
			scan = n
		}
	})
	require.NotNil(t, scan)
	// Only the transitively referenced column is read.
	assert.Equal(t, 1, scan.OutputType.Size())
	assert.Equal(t, "id", scan.OutputType.NameOf(0))
}

func TestLambdaSubfields(t *testing.T) {
	schema := eventsSchema()
	signature := types.Row([]string{"v"}, []*types.DataType{types.Double()})
	lambda := logical.Lambda(signature,
		logical.Call(types.Boolean(), "gt", logical.InputRef("v", nil), logical.Constant(types.Double(), 0.0)))
	plan, err := logical.NewBuilder(schema).
		TableScan("events", "id", "features").
		Project([]string{"filtered"},
			[]*logical.Expr{logical.Call(types.Map(types.Varchar(), types.Double()), "map_filter",
				logical.InputRef("features", nil), lambda)}).
		Build()
	require.NoError(t, err)

	// The higher-order call resolves through function metadata without
	// error and the whole map stays readable.
	result, err := Optimize(plan, schema, optionsFor(1, 1), nil, nil)
	require.NoError(t, err)
	require.NoError(t, result.Plan.Validate())
}
