// Package relop defines the physical plan operators produced by the
// enumerator. Each operator carries its input(s), output columns,
// output distribution and Cost. Operators are immutable once installed
// in a plan; visitors dispatch on Kind.
package relop

import (
	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
)

// Kind tags the operator variant.
type Kind int

const (
	KindTableScan Kind = iota
	KindValues
	KindFilter
	KindProject
	KindHashBuild
	KindJoin
	KindRepartition
	KindAggregation
	KindOrderBy
	KindLimit
	KindUnionAll
)

func (k Kind) String() string {
	switch k {
	case KindTableScan:
		return "TableScan"
	case KindValues:
		return "Values"
	case KindFilter:
		return "Filter"
	case KindProject:
		return "Project"
	case KindHashBuild:
		return "HashBuild"
	case KindJoin:
		return "Join"
	case KindRepartition:
		return "Repartition"
	case KindAggregation:
		return "Aggregation"
	case KindOrderBy:
		return "OrderBy"
	case KindLimit:
		return "Limit"
	case KindUnionAll:
		return "UnionAll"
	default:
		return "Unknown"
	}
}

// RelationOp is a physical operator node.
type RelationOp interface {
	Kind() Kind

	// Input returns the primary (probe/left) input, nil for leaves.
	Input() RelationOp

	// Columns is the output column vector.
	Columns() []*qg.Expr

	Distribution() qg.Distribution

	// Cost returns the operator's mutable cost record.
	Cost() *cost.Cost

	String() string
}

type relBase struct {
	input        RelationOp
	columns      []*qg.Expr
	distribution qg.Distribution
	cost         cost.Cost
}

func (r *relBase) Input() RelationOp             { return r.input }
func (r *relBase) Columns() []*qg.Expr           { return r.columns }
func (r *relBase) Distribution() qg.Distribution { return r.distribution }
func (r *relBase) Cost() *cost.Cost              { return &r.cost }

func (*TableScan) Kind() Kind   { return KindTableScan }
func (*Values) Kind() Kind      { return KindValues }
func (*Filter) Kind() Kind      { return KindFilter }
func (*Project) Kind() Kind     { return KindProject }
func (*HashBuild) Kind() Kind   { return KindHashBuild }
func (*Join) Kind() Kind        { return KindJoin }
func (*Repartition) Kind() Kind { return KindRepartition }
func (*Aggregation) Kind() Kind { return KindAggregation }
func (*OrderBy) Kind() Kind     { return KindOrderBy }
func (*Limit) Kind() Kind       { return KindLimit }
func (*UnionAll) Kind() Kind    { return KindUnionAll }

// TableScan reads a base table through a layout. With Keys set it is an
// index lookup driven by its input; without, a full scan leaf.
type TableScan struct {
	relBase
	BaseTable *qg.BaseTable
	Index     *catalog.Layout

	// Keys are lookup keys pairing with the index order, set for index
	// joins.
	Keys []*qg.Expr

	// JoinType applies to lookup scans placed as the right side of a
	// join.
	JoinType qg.JoinType
}

// NewTableScan makes a full scan of table through layout.
func NewTableScan(table *qg.BaseTable, layout *catalog.Layout, columns []*qg.Expr, distribution qg.Distribution) *TableScan {
	return &TableScan{
		relBase:   relBase{columns: columns, distribution: distribution},
		BaseTable: table,
		Index:     layout,
	}
}

// NewIndexLookup makes a lookup join: for each input row, the keys are
// looked up in layout's order.
func NewIndexLookup(input RelationOp, table *qg.BaseTable, layout *catalog.Layout, keys []*qg.Expr, joinType qg.JoinType, columns []*qg.Expr) *TableScan {
	return &TableScan{
		relBase:   relBase{input: input, columns: columns, distribution: input.Distribution()},
		BaseTable: table,
		Index:     layout,
		Keys:      keys,
		JoinType:  joinType,
	}
}

// Values is a literal leaf.
type Values struct {
	relBase
	Table *qg.ValuesTable
}

func NewValues(table *qg.ValuesTable, columns []*qg.Expr) *Values {
	return &Values{relBase: relBase{columns: columns, distribution: qg.Gather(nil, nil)}, Table: table}
}

// Filter evaluates conjuncts over its input.
type Filter struct {
	relBase
	Exprs []*qg.Expr

	// Selectivity overrides the default conjunct fanout when the
	// history store knows better. Zero means default.
	Selectivity float64
}

func NewFilter(input RelationOp, exprs []*qg.Expr) *Filter {
	return &Filter{
		relBase: relBase{input: input, columns: input.Columns(), distribution: input.Distribution()},
		Exprs:   exprs,
	}
}

// Project computes exprs as columns.
type Project struct {
	relBase
	Exprs []*qg.Expr
}

func NewProject(input RelationOp, columns []*qg.Expr, exprs []*qg.Expr) *Project {
	return &Project{
		relBase: relBase{input: input, columns: columns, distribution: input.Distribution()},
		Exprs:   exprs,
	}
}

// HashBuild materializes its input as a hash table on Keys.
type HashBuild struct {
	relBase
	Keys []*qg.Expr

	// BuildID identifies the build for reuse across join candidates.
	BuildID int
}

func NewHashBuild(input RelationOp, buildID int, keys []*qg.Expr) *HashBuild {
	return &HashBuild{
		relBase: relBase{input: input, columns: input.Columns(), distribution: input.Distribution()},
		Keys:    keys,
		BuildID: buildID,
	}
}

// Join is a hash or cross join. Input() is the probe; Right the build.
type Join struct {
	relBase
	JoinType  qg.JoinType
	LeftKeys  []*qg.Expr
	RightKeys []*qg.Expr
	Right     RelationOp

	// Filter holds non-equality conjuncts evaluated with the join.
	Filter []*qg.Expr

	// Fanout is the expected build hits per probe row, from the edge.
	Fanout float64
}

func NewJoin(input RelationOp, right RelationOp, joinType qg.JoinType, leftKeys, rightKeys []*qg.Expr, filter []*qg.Expr, fanout float64, columns []*qg.Expr) *Join {
	return &Join{
		relBase:   relBase{input: input, columns: columns, distribution: input.Distribution()},
		JoinType:  joinType,
		LeftKeys:  leftKeys,
		RightKeys: rightKeys,
		Right:     right,
		Filter:    filter,
		Fanout:    fanout,
	}
}

// Repartition moves rows into its target distribution: hash shuffle,
// broadcast or gather. Its output distribution is exactly the target.
type Repartition struct {
	relBase
}

func NewRepartition(input RelationOp, target qg.Distribution, columns []*qg.Expr) *Repartition {
	return &Repartition{relBase: relBase{input: input, columns: columns, distribution: target}}
}

// AggStep marks how an Aggregation is split at lowering.
type AggStep int

const (
	AggSingle AggStep = iota
	AggPartial
	AggFinal
)

// Aggregation groups its input. The enumerator plans a single logical
// aggregation; partial/final splitting happens at lowering.
type Aggregation struct {
	relBase
	Grouping   []*qg.Expr
	Aggregates []*qg.Expr
	Step       AggStep
}

func NewAggregation(input RelationOp, grouping, aggregates []*qg.Expr, columns []*qg.Expr, distribution qg.Distribution) *Aggregation {
	return &Aggregation{
		relBase:    relBase{input: input, columns: columns, distribution: distribution},
		Grouping:   grouping,
		Aggregates: aggregates,
	}
}

// OrderBy sorts its input.
type OrderBy struct {
	relBase
	Keys      []*qg.Expr
	OrderType []qg.OrderType
}

func NewOrderBy(input RelationOp, keys []*qg.Expr, orderType []qg.OrderType) *OrderBy {
	distribution := input.Distribution().WithOrder(keys, orderType)
	return &OrderBy{
		relBase:   relBase{input: input, columns: input.Columns(), distribution: distribution},
		Keys:      keys,
		OrderType: orderType,
	}
}

// Limit keeps Count rows after Offset.
type Limit struct {
	relBase
	Count  int64
	Offset int64
}

func NewLimit(input RelationOp, offset, count int64) *Limit {
	return &Limit{
		relBase: relBase{input: input, columns: input.Columns(), distribution: input.Distribution()},
		Count:   count,
		Offset:  offset,
	}
}

// UnionAll concatenates its inputs.
type UnionAll struct {
	relBase
	AllInputs []RelationOp
}

func NewUnionAll(inputs []RelationOp, columns []*qg.Expr) *UnionAll {
	return &UnionAll{
		relBase:   relBase{input: inputs[0], columns: columns, distribution: qg.AnyDistribution()},
		AllInputs: inputs,
	}
}
