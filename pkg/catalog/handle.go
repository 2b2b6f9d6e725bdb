package catalog

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// SubfieldElementKind tags one element of a subfield path.
type SubfieldElementKind int

const (
	// SubfieldNestedField addresses a struct field by name.
	SubfieldNestedField SubfieldElementKind = iota
	// SubfieldStringSubscript addresses a map entry by string key.
	SubfieldStringSubscript
	// SubfieldLongSubscript addresses a map entry or array element by
	// integer key.
	SubfieldLongSubscript
	// SubfieldAllSubscripts addresses every entry of a map or array.
	SubfieldAllSubscripts
)

// SubfieldElement is one step of a subfield path.
type SubfieldElement struct {
	Kind  SubfieldElementKind
	Name  string
	Index int64
}

// Subfield addresses a nested field inside a column, e.g. c.features["a"].
type Subfield struct {
	Elements []SubfieldElement
}

// String renders the path, e.g. features["width"][*].id.
func (s Subfield) String() string {
	var b strings.Builder
	for i, e := range s.Elements {
		switch e.Kind {
		case SubfieldNestedField:
			if i > 0 {
				b.WriteString(".")
			}
			b.WriteString(e.Name)
		case SubfieldStringSubscript:
			fmt.Fprintf(&b, "[%q]", e.Name)
		case SubfieldLongSubscript:
			fmt.Fprintf(&b, "[%d]", e.Index)
		case SubfieldAllSubscripts:
			b.WriteString("[*]")
		}
	}
	return b.String()
}

// TableHandle is the connector-facing description of one scan: the
// chosen layout, the columns to read and the filters the connector
// agreed to evaluate. RejectedFilters must be applied above the scan.
type TableHandle struct {
	Table           *Table
	Layout          *Layout
	Columns         []string
	PushdownFilters []*logical.Expr
	RejectedFilters []*logical.Expr
}

func (h *TableHandle) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", h.Table.Name)
	if len(h.PushdownFilters) > 0 {
		parts := make([]string, len(h.PushdownFilters))
		for i, f := range h.PushdownFilters {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, " pushdown [%s]", strings.Join(parts, " and "))
	}
	return b.String()
}

// ColumnHandle is the connector-facing description of one scanned
// column, optionally restricted to subfields and cast to another type
// (map read as struct).
type ColumnHandle struct {
	Column    *Column
	Subfields []Subfield
	CastTo    *types.DataType
}

// acceptsFilter reports whether the in-memory connector can evaluate the
// expression below the scan: a comparison between a column of the layout
// and a constant.
func acceptsFilter(layout *Layout, expr *logical.Expr) bool {
	if expr.Kind != logical.ExprCall {
		return false
	}
	switch expr.Name {
	case "eq", "neq", "lt", "lte", "gt", "gte":
	default:
		return false
	}
	if len(expr.Inputs) != 2 {
		return false
	}
	column, constant := expr.Inputs[0], expr.Inputs[1]
	if !column.IsInputRef() {
		column, constant = constant, column
	}
	if !column.IsInputRef() || !constant.IsConstant() {
		return false
	}
	for _, c := range layout.Columns {
		if c.Name == column.Name {
			return true
		}
	}
	return false
}

// CreateTableHandle makes a handle over layout reading columns, pushing
// down the filters the connector accepts and returning the rest as
// RejectedFilters.
func CreateTableHandle(layout *Layout, columns []string, filters []*logical.Expr) *TableHandle {
	h := &TableHandle{Table: layout.Table, Layout: layout, Columns: columns}
	for _, f := range filters {
		if acceptsFilter(layout, f) {
			h.PushdownFilters = append(h.PushdownFilters, f)
		} else {
			h.RejectedFilters = append(h.RejectedFilters, f)
		}
	}
	return h
}

// CreateColumnHandle makes a column handle with optional subfield
// restriction and target type.
func CreateColumnHandle(layout *Layout, column *Column, subfields []Subfield, castTo *types.DataType) *ColumnHandle {
	return &ColumnHandle{Column: column, Subfields: subfields, CastTo: castTo}
}
