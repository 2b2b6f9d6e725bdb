package optimizer

import (
	"fmt"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// leafHandleFor creates (or returns the cached) connector handle for a
// base table: column filters the connector accepts are pushed into the
// handle, the rest stay as post-scan filters.
func (o *Optimization) leafHandleFor(bt *qg.BaseTable) *leafHandle {
	if handle, ok := o.leafHandles[bt.ID()]; ok {
		return handle
	}
	layout := bt.Schema.Layouts[0]
	columns := make([]string, 0, len(bt.Columns))
	for _, c := range bt.Columns {
		columns = append(columns, c.Name().String())
	}
	filters := make([]*logical.Expr, 0, len(bt.ColumnFilters))
	extras := make([]*qg.Expr, 0, len(bt.Filter))
	for _, f := range bt.ColumnFilters {
		converted, err := o.toLogicalExpr(f)
		if err != nil {
			extras = append(extras, f)
			continue
		}
		filters = append(filters, converted)
	}
	extras = append(extras, bt.Filter...)
	tableHandle := catalog.CreateTableHandle(layout, columns, filters)
	handle := &leafHandle{handle: tableHandle, extraFilters: extras}
	// Rejected filters also evaluate above the scan.
	for _, rejected := range tableHandle.RejectedFilters {
		for _, f := range bt.ColumnFilters {
			if converted, err := o.toLogicalExpr(f); err == nil && converted.String() == rejected.String() {
				handle.extraFilters = append(handle.extraFilters, f)
			}
		}
	}
	o.leafHandles[bt.ID()] = handle
	return handle
}

// columnSubfields renders the accessed paths of one scanned column as
// connector subfields, the column name leading each path.
func (o *Optimization) columnSubfields(bt *qg.BaseTable, column *qg.Expr) ([]catalog.Subfield, error) {
	set := bt.ColumnSubfields(column.ID())
	if set.IsEmpty() {
		return nil, nil
	}
	columnName := column.Name().String()
	mapAsStruct := o.opts.IsMapAsStruct(bt.Schema.Name, columnName)
	var out []catalog.Subfield
	var err error
	set.ForEach(func(id qg.ObjectID) {
		if err != nil {
			return
		}
		path := o.ctx.PathByID(int32(id))
		elements := []catalog.SubfieldElement{{Kind: catalog.SubfieldNestedField, Name: columnName}}
		first := true
		for _, step := range path.Steps() {
			switch step.Kind {
			case qg.StepField:
				if step.Field.Empty() {
					err = planerr.UnsupportedSubfield("index subfield not suitable for pruning on %s", columnName)
					return
				}
				elements = append(elements, catalog.SubfieldElement{Kind: catalog.SubfieldNestedField, Name: step.Field.String()})
			case qg.StepSubscript:
				switch {
				case step.AllFields:
					elements = append(elements, catalog.SubfieldElement{Kind: catalog.SubfieldAllSubscripts})
				case first && mapAsStruct:
					name := fmt.Sprintf("%d", step.ID)
					if !step.Field.Empty() {
						name = step.Field.String()
					}
					elements = append(elements, catalog.SubfieldElement{Kind: catalog.SubfieldNestedField, Name: name})
				case !step.Field.Empty():
					elements = append(elements, catalog.SubfieldElement{Kind: catalog.SubfieldStringSubscript, Name: step.Field.String()})
				default:
					elements = append(elements, catalog.SubfieldElement{Kind: catalog.SubfieldLongSubscript, Index: step.ID})
				}
			case qg.StepCardinality:
				err = planerr.UnsupportedSubfield("cardinality pushdown on %s", columnName)
				return
			}
			first = false
		}
		out = append(out, catalog.Subfield{Elements: elements})
	})
	return out, err
}

// scanOutputType computes the physical output type of a scan. A map
// column configured as map-as-struct is replaced by a struct whose
// fields are exactly the observed subscript keys; the altered type is
// recorded for getter rewriting.
func (o *Optimization) scanOutputType(bt *qg.BaseTable, columns []*qg.Expr) (*types.DataType, map[*qg.Expr]*types.DataType, error) {
	names := make([]string, 0, len(columns))
	fields := make([]*types.DataType, 0, len(columns))
	altered := make(map[*qg.Expr]*types.DataType)
	for _, column := range columns {
		columnName := column.Name().String()
		columnType := column.Value().Type
		if o.opts.IsMapAsStruct(bt.Schema.Name, columnName) {
			structType, err := o.mapAsStructType(bt, column)
			if err != nil {
				return nil, nil, err
			}
			if structType != nil {
				columnType = structType
				altered[column] = structType
			}
		}
		names = append(names, columnName)
		fields = append(fields, columnType)
	}
	return types.Row(names, fields), altered, nil
}

// mapAsStructType builds the struct replacement for a map column: one
// field per observed subscript key. Returns nil when no keys were
// observed (the column is read whole).
func (o *Optimization) mapAsStructType(bt *qg.BaseTable, column *qg.Expr) (*types.DataType, error) {
	columnType := column.Value().Type
	if columnType.Kind != types.KindMap {
		return nil, planerr.UnsupportedSubfield("map_as_struct on non-map column %s", column.Name().String())
	}
	valueType := columnType.ChildAt(1)
	set := bt.ColumnSubfields(column.ID())
	var names []string
	seen := make(map[string]bool)
	var err error
	set.ForEach(func(id qg.ObjectID) {
		if err != nil {
			return
		}
		steps := o.ctx.PathByID(int32(id)).Steps()
		if len(steps) == 0 {
			return
		}
		first := steps[0]
		switch first.Kind {
		case qg.StepSubscript:
			if first.AllFields {
				err = planerr.UnsupportedSubfield("non-constant subscript on struct-read map %s", column.Name().String())
				return
			}
			name := fmt.Sprintf("%d", first.ID)
			if !first.Field.Empty() {
				name = first.Field.String()
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		case qg.StepCardinality:
			err = planerr.UnsupportedSubfield("cardinality over struct-read map %s", column.Name().String())
		}
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	fields := make([]*types.DataType, len(names))
	for i := range fields {
		fields[i] = valueType
	}
	return types.Row(names, fields), nil
}
