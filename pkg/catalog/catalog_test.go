package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func sampleTable() *Table {
	return NewTable("orders", 1000,
		&Column{Name: "o_orderkey", Type: types.Bigint(), Cardinality: 1000},
		&Column{Name: "o_custkey", Type: types.Bigint(), Cardinality: 100},
		&Column{Name: "o_comment", Type: types.Varchar(), Cardinality: 1000},
	)
}

func TestSchemaCaseFolding(t *testing.T) {
	s := NewSchema("test")
	s.AddTable(sampleTable())
	found, err := s.FindTable("ORDERS")
	require.NoError(t, err)
	assert.Equal(t, "orders", found.Name)
	_, err = s.FindTable("missing")
	assert.Error(t, err)
}

func TestRowType(t *testing.T) {
	table := sampleTable()
	rowType := table.RowType()
	assert.Equal(t, 3, rowType.Size())
	assert.Equal(t, "o_orderkey", rowType.NameOf(0))
	assert.Equal(t, types.Bigint(), rowType.ChildAt(0))
}

func TestCreateTableHandlePushdown(t *testing.T) {
	table := sampleTable()
	layout := table.Layouts[0]
	accepted := logical.Eq(logical.InputRef("o_custkey", types.Bigint()), logical.Constant(types.Bigint(), int64(5)))
	flipped := logical.Call(types.Boolean(), "lt", logical.Constant(types.Bigint(), int64(9)), logical.InputRef("o_orderkey", types.Bigint()))
	rejected := logical.Call(types.Boolean(), "like", logical.InputRef("o_comment", types.Varchar()), logical.Constant(types.Varchar(), "%rush%"))
	twoColumns := logical.Eq(logical.InputRef("o_orderkey", types.Bigint()), logical.InputRef("o_custkey", types.Bigint()))

	handle := CreateTableHandle(layout, []string{"o_orderkey"}, []*logical.Expr{accepted, flipped, rejected, twoColumns})
	assert.Len(t, handle.PushdownFilters, 2)
	assert.Len(t, handle.RejectedFilters, 2)
}

func TestSampleUsesSeededSelectivity(t *testing.T) {
	table := sampleTable()
	filter := logical.Eq(logical.InputRef("o_custkey", types.Bigint()), logical.Constant(types.Bigint(), int64(5)))
	table.SetFilterSelectivity(filter.String(), 0.01)
	handle := CreateTableHandle(table.Layouts[0], nil, []*logical.Expr{filter})
	total, matching := table.Sample(handle, 10)
	assert.Equal(t, 100.0, total)
	assert.InDelta(t, 1.0, matching, 1e-9)
}

func TestListPartitions(t *testing.T) {
	table := sampleTable()
	handle := CreateTableHandle(table.Layouts[0], nil, nil)
	assert.Len(t, table.ListPartitions(handle), 1)
	table.SetPartitioning(4, table.Column("o_orderkey"))
	assert.Len(t, table.ListPartitions(handle), 4)
}

func TestSubfieldString(t *testing.T) {
	s := Subfield{Elements: []SubfieldElement{
		{Kind: SubfieldNestedField, Name: "features"},
		{Kind: SubfieldStringSubscript, Name: "width"},
		{Kind: SubfieldAllSubscripts},
		{Kind: SubfieldLongSubscript, Index: 3},
	}}
	assert.Equal(t, `features["width"][*][3]`, s.String())
}

func TestLayoutLookupCost(t *testing.T) {
	table := sampleTable()
	layout := table.AddLayout([]*Column{table.Column("o_orderkey")}, true)
	// log2(2 + 2) == 2 compares at unit key-compare cost.
	assert.InDelta(t, 12.0, layout.LookupCost(2), 1e-9)
}
