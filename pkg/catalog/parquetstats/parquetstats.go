// Package parquetstats derives table statistics from Parquet file
// footers for file-backed tables: row counts, null fractions and
// distinct-count estimates from the column indexes.
package parquetstats

import (
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// TableFromFile builds a catalog table named tableName from the footer
// of one Parquet file.
func TableFromFile(path, tableName string) (*catalog.Table, error) {
	osFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer osFile.Close()
	info, err := osFile.Stat()
	if err != nil {
		return nil, err
	}
	file, err := parquet.OpenFile(osFile, info.Size())
	if err != nil {
		return nil, err
	}
	return tableFromParquet(file, tableName), nil
}

func tableFromParquet(file *parquet.File, tableName string) *catalog.Table {
	numRows := float64(file.NumRows())
	fields := file.Schema().Fields()
	columns := make([]*catalog.Column, 0, len(fields))
	for i, field := range fields {
		column := &catalog.Column{
			Name:        field.Name(),
			Type:        parquetTypeToDataType(field),
			Cardinality: estimateDistinct(file, i, numRows),
		}
		column.NullFraction = nullFraction(file, i)
		columns = append(columns, column)
	}
	return catalog.NewTable(tableName, numRows, columns...)
}

// estimateDistinct reads the column index min/max for integer columns;
// other types default to a tenth of the rows.
func estimateDistinct(file *parquet.File, ordinal int, numRows float64) float64 {
	fallback := numRows / 10
	if fallback < 1 {
		fallback = 1
	}
	var low, high int64
	seen := false
	for _, rowGroup := range file.RowGroups() {
		chunk := rowGroup.ColumnChunks()[ordinal]
		index, err := chunk.ColumnIndex()
		if err != nil || index == nil {
			return fallback
		}
		for page := 0; page < index.NumPages(); page++ {
			if index.NullPage(page) {
				continue
			}
			minValue, maxValue := index.MinValue(page), index.MaxValue(page)
			if minValue.Kind() != parquet.Int64 && minValue.Kind() != parquet.Int32 {
				return fallback
			}
			if !seen || minValue.Int64() < low {
				low = minValue.Int64()
			}
			if !seen || maxValue.Int64() > high {
				high = maxValue.Int64()
			}
			seen = true
		}
	}
	if !seen {
		return fallback
	}
	distinct := float64(high-low) + 1
	if distinct > numRows {
		return numRows
	}
	return distinct
}

func nullFraction(file *parquet.File, ordinal int) float64 {
	var nulls, values int64
	for _, rowGroup := range file.RowGroups() {
		chunk := rowGroup.ColumnChunks()[ordinal]
		values += rowGroup.NumRows()
		index, err := chunk.ColumnIndex()
		if err != nil || index == nil {
			continue
		}
		for page := 0; page < index.NumPages(); page++ {
			nulls += index.NullCount(page)
		}
	}
	if values == 0 {
		return 0
	}
	return float64(nulls) / float64(values)
}

func parquetTypeToDataType(field parquet.Field) *types.DataType {
	switch field.Type().Kind() {
	case parquet.Boolean:
		return types.Boolean()
	case parquet.Int32:
		return types.Integer()
	case parquet.Int64:
		return types.Bigint()
	case parquet.Float:
		return types.Real()
	case parquet.Double:
		return types.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return types.Varchar()
	default:
		return types.Varchar()
	}
}

// SchemaFromFiles builds a schema from (tableName, path) pairs.
func SchemaFromFiles(schemaName string, files map[string]string) (*catalog.Schema, error) {
	schema := catalog.NewSchema(schemaName)
	for tableName, path := range files {
		table, err := TableFromFile(path, tableName)
		if err != nil {
			return nil, err
		}
		schema.AddTable(table)
	}
	return schema, nil
}
