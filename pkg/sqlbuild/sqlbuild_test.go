package sqlbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/catalog/testcat"
	"github.com/kasuganosora/sqlopt/pkg/logical"
)

func TestSelectStarLimit(t *testing.T) {
	b := New(testcat.TPCH(1))
	plan, err := b.Build("SELECT * FROM nation LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, logical.NodeLimit, plan.Kind)
	assert.Equal(t, int64(10), plan.Count)
	project := plan.OnlyInput()
	assert.Equal(t, logical.NodeProject, project.Kind)
	assert.Equal(t, 4, project.OutputType().Size())
	assert.Equal(t, logical.NodeTableScan, project.OnlyInput().Kind)
}

func TestWhereAndOrderBy(t *testing.T) {
	b := New(testcat.TPCH(1))
	plan, err := b.Build("SELECT n_name FROM nation WHERE n_regionkey = 1 ORDER BY n_name DESC LIMIT 5")
	require.NoError(t, err)
	assert.Equal(t, logical.NodeLimit, plan.Kind)
	sort := plan.OnlyInput()
	require.Equal(t, logical.NodeSort, sort.Kind)
	require.Len(t, sort.Ordering, 1)
	assert.True(t, sort.Ordering[0].Descending)
	project := sort.OnlyInput()
	assert.Equal(t, logical.NodeProject, project.Kind)
	filter := project.OnlyInput()
	require.Equal(t, logical.NodeFilter, filter.Kind)
	assert.Equal(t, "eq", filter.Predicate.Name)
}

func TestJoinConversion(t *testing.T) {
	b := New(testcat.TPCH(1))
	plan, err := b.Build(`SELECT n_name, r_name FROM nation JOIN region ON n_regionkey = r_regionkey`)
	require.NoError(t, err)
	project := plan
	require.Equal(t, logical.NodeProject, project.Kind)
	join := project.OnlyInput()
	require.Equal(t, logical.NodeJoin, join.Kind)
	assert.Equal(t, logical.JoinInner, join.JoinType)
	assert.Equal(t, "eq", join.Condition.Name)
}

func TestAggregateConversion(t *testing.T) {
	b := New(testcat.TPCH(1))
	plan, err := b.Build("SELECT n_regionkey, count(*) AS c, sum(n_nationkey) AS s FROM nation GROUP BY n_regionkey")
	require.NoError(t, err)
	require.Equal(t, logical.NodeAggregate, plan.Kind)
	assert.Len(t, plan.GroupingKeys, 1)
	require.Len(t, plan.Aggregates, 2)
	assert.Equal(t, "count", plan.Aggregates[0].Func)
	assert.Empty(t, plan.Aggregates[0].Inputs)
	assert.Equal(t, "sum", plan.Aggregates[1].Func)
	assert.Equal(t, []string{"c", "s"}, plan.AggNames)
}

func TestUnsupportedStatement(t *testing.T) {
	b := New(testcat.TPCH(1))
	_, err := b.Build("DELETE FROM nation")
	assert.Error(t, err)
}

func TestParsedPlanOutputType(t *testing.T) {
	// The parsed plan's output row carries only the selected column.
	b := New(testcat.TPCH(1))
	plan, err := b.Build("SELECT n_name FROM nation WHERE n_regionkey = 1")
	require.NoError(t, err)
	assert.Equal(t, "ROW(n_name VARCHAR)", plan.OutputType().String())
}
