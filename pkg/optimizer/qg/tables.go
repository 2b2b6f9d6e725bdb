package qg

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// SubfieldMap records, per column id, the set of accessed path ids.
type SubfieldMap map[ObjectID]*ObjectSet

// Add records that path is accessed under column.
func (m SubfieldMap) Add(column ObjectID, pathID int32) {
	set := m[column]
	if set == nil {
		set = &ObjectSet{}
		m[column] = set
	}
	set.Add(ObjectID(pathID))
}

// Paths returns the accessed path set for column, which may be nil.
func (m SubfieldMap) Paths(column ObjectID) *ObjectSet { return m[column] }

// BaseTable is one occurrence of a schema table in a query.
type BaseTable struct {
	objectBase
	CName  Name
	Schema *catalog.Table

	// Columns holds the column expressions referenced from this
	// occurrence, in first-use order.
	Columns []*Expr

	// ColumnFilters are single-column conjuncts, candidates for scan
	// pushdown. Filter holds the remaining multi-column conjuncts.
	ColumnFilters []*Expr
	Filter        []*Expr

	// FilterSelectivity is the combined selectivity of all filters,
	// overridden from history when available.
	FilterSelectivity float64

	JoinedBy []*JoinEdge

	ControlSubfields SubfieldMap
	PayloadSubfields SubfieldMap
}

// NewBaseTable registers a base table occurrence under cname.
func (c *Context) NewBaseTable(cname Name, schema *catalog.Table) *BaseTable {
	bt := &BaseTable{
		CName:             cname,
		Schema:            schema,
		FilterSelectivity: 1,
		ControlSubfields:  make(SubfieldMap),
		PayloadSubfields:  make(SubfieldMap),
	}
	c.register(bt)
	return bt
}

// ColumnByName returns the column expression for name, creating it on
// first use from the schema column.
func (bt *BaseTable) ColumnByName(c *Context, name Name) *Expr {
	for _, col := range bt.Columns {
		if col.Name() == name {
			return col
		}
	}
	schemaColumn := bt.Schema.Column(name.String())
	if schemaColumn == nil {
		return nil
	}
	col := c.NewColumn(bt, name, Value{Type: schemaColumn.Type, Cardinality: schemaColumn.Cardinality}, schemaColumn)
	bt.Columns = append(bt.Columns, col)
	return col
}

// Cardinality is the estimated output row count after filters.
func (bt *BaseTable) Cardinality() float64 {
	return bt.Schema.NumRows * bt.FilterSelectivity
}

// ColumnSubfields returns the union of control and payload paths for a
// column id.
func (bt *BaseTable) ColumnSubfields(column ObjectID) ObjectSet {
	var out ObjectSet
	if s := bt.ControlSubfields.Paths(column); s != nil {
		out.UnionSet(*s)
	}
	if s := bt.PayloadSubfields.Paths(column); s != nil {
		out.UnionSet(*s)
	}
	return out
}

func (bt *BaseTable) String() string {
	return fmt.Sprintf("%s as %s", bt.Schema.Name, bt.CName.String())
}

// AggregationSpec is a derived table's aggregation: grouping keys and
// deduplicated aggregate expressions, plus the output columns (keys
// first, then one per distinct aggregate).
type AggregationSpec struct {
	Grouping   []*Expr
	Aggregates []*Expr

	// Columns are the aggregation's output columns, 1:1 with Grouping
	// then Aggregates.
	Columns []*Expr
}

// SetKind distinguishes a plain SELECT derived table from a set
// operation over child derived tables.
type SetKind uint8

const (
	SetNone SetKind = iota
	SetUnionAllKind
)

// DerivedTable is a SELECT subquery, the unit of planning.
type DerivedTable struct {
	objectBase
	CName Name

	Tables   []PlanObject
	TableSet ObjectSet
	Joins    []*JoinEdge

	Conjuncts []*Expr

	// Columns are the projected output columns; Exprs their
	// definitions, 1:1.
	Columns []*Expr
	Exprs   []*Expr

	Aggregation *AggregationSpec

	OrderKeys []*Expr
	OrderType []OrderType

	// Limit < 0 means no limit.
	Limit  int64
	Offset int64

	// Set operation payload; Children are the branches.
	Set      SetKind
	Children []*DerivedTable

	// Distinct wraps the set operation output in a distinct
	// aggregation.
	Distinct bool

	// SingleRow marks a non-correlated single-row subquery, placed as
	// a cross join.
	SingleRow bool

	// ImportedExistences are tables imported as existences into this
	// dt when planning a reduced build side.
	ImportedExistences ObjectSet

	startTables ObjectSet
}

// NewDerivedTable registers an empty derived table.
func (c *Context) NewDerivedTable(cname Name) *DerivedTable {
	dt := &DerivedTable{CName: cname, Limit: -1}
	c.register(dt)
	return dt
}

// AddTable records a base or derived table inside dt.
func (dt *DerivedTable) AddTable(t PlanObject) {
	dt.Tables = append(dt.Tables, t)
	dt.TableSet.AddObject(t)
}

// ColumnByName finds an output column by name, or nil.
func (dt *DerivedTable) ColumnByName(name Name) *Expr {
	for _, col := range dt.Columns {
		if col.Name() == name {
			return col
		}
	}
	return nil
}

// ExprOf returns the defining expression of an output column of dt.
func (dt *DerivedTable) ExprOf(column *Expr) *Expr {
	for i, col := range dt.Columns {
		if col == column {
			return dt.Exprs[i]
		}
	}
	return nil
}

// Cardinality estimates the dt's output row count from its tables,
// joins and postprocessing.
func (dt *DerivedTable) Cardinality() float64 {
	card := 1.0
	for _, t := range dt.Tables {
		switch table := t.(type) {
		case *BaseTable:
			card *= table.Cardinality()
		case *DerivedTable:
			card *= table.Cardinality()
		}
	}
	for _, j := range dt.Joins {
		if j.LRFanout > 0 {
			sourceCard := tableCardinality(j.RightTable)
			if sourceCard > 0 {
				card *= j.LRFanout / sourceCard
			}
		}
	}
	if dt.Aggregation != nil {
		groups := 1.0
		for _, k := range dt.Aggregation.Grouping {
			groups *= k.Value().Cardinality
		}
		if groups < card {
			card = groups
		}
	}
	if dt.Limit >= 0 && float64(dt.Limit) < card {
		card = float64(dt.Limit)
	}
	if card < 1 {
		card = 1
	}
	return card
}

func tableCardinality(t PlanObject) float64 {
	switch table := t.(type) {
	case *BaseTable:
		return table.Cardinality()
	case *DerivedTable:
		return table.Cardinality()
	case *ValuesTable:
		return table.Cardinality()
	default:
		return 1
	}
}

func (dt *DerivedTable) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dt %s [", dt.CName.String())
	for i, t := range dt.Tables {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteString("]")
	return b.String()
}

// ValuesTable is a literal row source inside a derived table.
type ValuesTable struct {
	objectBase
	CName   Name
	RowType *types.DataType
	Rows    [][]any
	Columns []*Expr
}

// NewValuesTable registers a literal table with one column expression
// per field.
func (c *Context) NewValuesTable(cname Name, rowType *types.DataType, rows [][]any) *ValuesTable {
	vt := &ValuesTable{CName: cname, RowType: rowType, Rows: rows}
	c.register(vt)
	for i := 0; i < rowType.Size(); i++ {
		name := c.Intern(rowType.NameOf(i))
		col := c.NewColumn(vt, name, Value{Type: rowType.ChildAt(i), Cardinality: float64(len(rows))}, nil)
		vt.Columns = append(vt.Columns, col)
	}
	return vt
}

// Cardinality returns the literal row count.
func (vt *ValuesTable) Cardinality() float64 { return float64(len(vt.Rows)) }

// ColumnByName finds a values column by name, or nil.
func (vt *ValuesTable) ColumnByName(name Name) *Expr {
	for _, col := range vt.Columns {
		if col.Name() == name {
			return col
		}
	}
	return nil
}

func (vt *ValuesTable) String() string {
	return fmt.Sprintf("values %s (%d rows)", vt.CName.String(), len(vt.Rows))
}
