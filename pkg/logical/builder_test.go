package logical

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

type testResolver map[string]*types.DataType

func (r testResolver) TableType(name string) (*types.DataType, error) {
	if t, ok := r[name]; ok {
		return t, nil
	}
	return nil, errors.New("table not found: " + name)
}

func resolver() testResolver {
	return testResolver{
		"t": types.Row([]string{"a", "b"}, []*types.DataType{types.Bigint(), types.Varchar()}),
		"u": types.Row([]string{"c", "d"}, []*types.DataType{types.Bigint(), types.Double()}),
	}
}

func TestScanProjectFilter(t *testing.T) {
	plan, err := NewBuilder(resolver()).
		TableScan("t").
		Filter(Call(types.Boolean(), "gt", InputRef("a", nil), Constant(types.Bigint(), int64(10)))).
		Project([]string{"a2"}, []*Expr{InputRef("a", nil)}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, NodeProject, plan.Kind)
	assert.Equal(t, "ROW(a2 BIGINT)", plan.OutputType().String())
	filter := plan.OnlyInput()
	assert.Equal(t, NodeFilter, filter.Kind)
	// The input reference resolved its type against the scan.
	assert.Equal(t, types.Bigint(), filter.Predicate.Inputs[0].Type)
}

func TestDuplicateNamesRejected(t *testing.T) {
	_, err := NewBuilder(resolver()).
		TableScan("t").
		Project([]string{"x", "x"}, []*Expr{InputRef("a", nil), InputRef("b", nil)}).
		Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, planerr.ErrInvalidPlan))
}

func TestJoinColumnCollision(t *testing.T) {
	right, err := NewBuilder(resolver()).TableScan("t").Build()
	require.NoError(t, err)
	_, err = NewBuilder(resolver()).
		TableScan("t").
		Join(JoinInner, right, nil).
		Build()
	assert.True(t, errors.Is(err, planerr.ErrInvalidPlan))
}

func TestJoinOutputType(t *testing.T) {
	right, err := NewBuilder(resolver()).TableScan("u").Build()
	require.NoError(t, err)
	plan, err := NewBuilder(resolver()).
		TableScan("t").
		Join(JoinInner, right, Eq(InputRef("a", nil), InputRef("c", nil))).
		Build()
	require.NoError(t, err)
	assert.Equal(t, 4, plan.OutputType().Size())

	semi, err := NewBuilder(resolver()).
		TableScan("t").
		Join(JoinSemi, right, Eq(InputRef("a", nil), InputRef("c", nil))).
		Build()
	require.NoError(t, err)
	assert.Equal(t, 2, semi.OutputType().Size())
}

func TestValuesArityChecked(t *testing.T) {
	rowType := types.Row([]string{"a"}, []*types.DataType{types.Bigint()})
	_, err := NewBuilder(resolver()).Values(rowType, [][]any{{int64(1), int64(2)}}).Build()
	assert.True(t, errors.Is(err, planerr.ErrInvalidPlan))
}

func TestAggregateTypes(t *testing.T) {
	plan, err := NewBuilder(resolver()).
		TableScan("t").
		Aggregate(
			[]*Expr{InputRef("b", nil)}, []string{"b"},
			[]*AggregateCall{
				{Func: "count"},
				{Func: "sum", Inputs: []*Expr{InputRef("a", nil)}},
			},
			[]string{"cnt", "total"},
		).
		Build()
	require.NoError(t, err)
	outputType := plan.OutputType()
	assert.Equal(t, types.Varchar(), outputType.FindChild("b"))
	assert.Equal(t, types.Bigint(), outputType.FindChild("cnt"))
	assert.Equal(t, types.Bigint(), outputType.FindChild("total"))
}

func TestConjunctsOf(t *testing.T) {
	a := Constant(types.Boolean(), true)
	b := Constant(types.Boolean(), false)
	c := Eq(a, b)
	assert.Len(t, ConjunctsOf(And(a, b, c)), 3)
	assert.Len(t, ConjunctsOf(a), 1)
	assert.Nil(t, ConjunctsOf(nil))
}

func TestSetOpTypeMismatch(t *testing.T) {
	other, err := NewBuilder(resolver()).TableScan("u").Build()
	require.NoError(t, err)
	_, err = NewBuilder(resolver()).
		TableScan("t").
		SetOp(SetUnionAll, other).
		Build()
	assert.True(t, errors.Is(err, planerr.ErrInvalidPlan))
}
