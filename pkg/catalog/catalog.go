// Package catalog models the schema collaborator consumed by the
// optimizer: tables, layouts, columns and statistics, plus the handle
// factory used at lowering time for scan pushdown.
package catalog

import (
	"fmt"
	"math"

	"golang.org/x/text/cases"

	"github.com/kasuganosora/sqlopt/pkg/types"
)

// Column describes one table column with its statistics.
type Column struct {
	Name string
	Type *types.DataType

	// Cardinality is the approximate distinct value count.
	Cardinality float64

	NullFraction float64
	MinValue     any
	MaxValue     any
}

// Layout is one physical organization of a table: a column group with an
// optional ordering (lookup keys) and partitioning.
type Layout struct {
	Table   *Table
	Columns []*Column

	// Order lists the sort/lookup key columns, major first.
	Order []*Column

	// Unique means Order is a unique key of the layout.
	Unique bool

	// Partition lists hash-partitioning columns, empty if unpartitioned.
	Partition     []*Column
	NumPartitions int
}

// LookupCost returns the cost of one index lookup over range rows.
// Adds 2 because a compare and access happen also when hitting the same
// row; log2(1) would otherwise make it free.
func (l *Layout) LookupCost(rangeRows float64) float64 {
	return keyCompareCost * math.Log2(rangeRows+2)
}

const keyCompareCost = 6

// Table is a schema table with statistics and one or more layouts.
// Layouts[0] is the primary layout.
type Table struct {
	Name    string
	Columns []*Column
	NumRows float64
	Layouts []*Layout

	byName map[string]*Column

	// filterSelectivity optionally maps a canonical filter string to a
	// sampled selectivity; used by Sample for deterministic tests.
	filterSelectivity map[string]float64
}

// NewTable creates a table with a default layout covering all columns.
func NewTable(name string, numRows float64, columns ...*Column) *Table {
	t := &Table{
		Name:              name,
		Columns:           columns,
		NumRows:           numRows,
		byName:            make(map[string]*Column, len(columns)),
		filterSelectivity: make(map[string]float64),
	}
	for _, c := range columns {
		t.byName[c.Name] = c
	}
	t.Layouts = []*Layout{{Table: t, Columns: columns}}
	return t
}

// Column returns the named column or nil.
func (t *Table) Column(name string) *Column { return t.byName[name] }

// AddLayout registers an additional layout, e.g. a secondary index.
func (t *Table) AddLayout(order []*Column, unique bool, covered ...*Column) *Layout {
	if len(covered) == 0 {
		covered = t.Columns
	}
	l := &Layout{Table: t, Columns: covered, Order: order, Unique: unique}
	t.Layouts = append(t.Layouts, l)
	return l
}

// SetPartitioning sets the hash partitioning of the primary layout.
func (t *Table) SetPartitioning(numPartitions int, columns ...*Column) {
	t.Layouts[0].Partition = columns
	t.Layouts[0].NumPartitions = numPartitions
}

// SetFilterSelectivity seeds the sampling oracle for a canonical filter
// string. Tests use this to make Sample deterministic.
func (t *Table) SetFilterSelectivity(filter string, selectivity float64) {
	t.filterSelectivity[filter] = selectivity
}

// RowType returns the table's row type in column order.
func (t *Table) RowType() *types.DataType {
	names := make([]string, len(t.Columns))
	fields := make([]*types.DataType, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
		fields[i] = c.Type
	}
	return types.Row(names, fields)
}

// Sample estimates the fraction of rows matching the canonicalized
// filters of handle, scanning pct percent of the table. Returns sampled
// and matching row counts. The in-memory catalog answers from seeded
// selectivities and falls back to a default per conjunct.
func (t *Table) Sample(handle *TableHandle, pct float64) (total, matching float64) {
	total = t.NumRows * pct / 100
	fraction := 1.0
	for _, f := range handle.PushdownFilters {
		if sel, ok := t.filterSelectivity[f.String()]; ok {
			fraction *= sel
		} else {
			fraction *= defaultFilterSelectivity
		}
	}
	for _, f := range handle.RejectedFilters {
		if sel, ok := t.filterSelectivity[f.String()]; ok {
			fraction *= sel
		} else {
			fraction *= defaultFilterSelectivity
		}
	}
	return total, total * fraction
}

const defaultFilterSelectivity = 0.2

// PartitionHandle names one partition of a table for split generation.
type PartitionHandle struct {
	Table     string
	Ordinal   int
	KeyValues []any
}

// ListPartitions enumerates the partitions behind a table handle.
func (t *Table) ListPartitions(handle *TableHandle) []PartitionHandle {
	n := handle.Layout.NumPartitions
	if n <= 0 {
		n = 1
	}
	out := make([]PartitionHandle, n)
	for i := range out {
		out[i] = PartitionHandle{Table: t.Name, Ordinal: i}
	}
	return out
}

// Schema is a set of tables with case-insensitive name resolution.
type Schema struct {
	name   string
	tables map[string]*Table
	folder cases.Caser
}

// NewSchema returns an empty schema.
func NewSchema(name string) *Schema {
	return &Schema{
		name:   name,
		tables: make(map[string]*Table),
		folder: cases.Fold(),
	}
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// AddTable registers a table under its folded name.
func (s *Schema) AddTable(t *Table) {
	s.tables[s.folder.String(t.Name)] = t
}

// FindTable resolves a table name, folding case.
func (s *Schema) FindTable(name string) (*Table, error) {
	if t, ok := s.tables[s.folder.String(name)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("table %q not found in schema %q", name, s.name)
}

// Tables returns all tables, order unspecified.
func (s *Schema) Tables() []*Table {
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	return out
}

// TableType implements logical.TableResolver.
func (s *Schema) TableType(name string) (*types.DataType, error) {
	t, err := s.FindTable(name)
	if err != nil {
		return nil, err
	}
	return t.RowType(), nil
}
