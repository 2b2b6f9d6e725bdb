// Package sqlitecat persists catalog snapshots (tables, columns,
// statistics, partitioning) in a SQLite file so planning tests replay
// against a frozen schema.
package sqlitecat

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tables (
	name TEXT PRIMARY KEY,
	num_rows REAL NOT NULL,
	num_partitions INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS columns (
	table_name TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	cardinality REAL NOT NULL,
	null_fraction REAL NOT NULL DEFAULT 0,
	is_order_key INTEGER NOT NULL DEFAULT 0,
	is_partition_key INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (table_name, ordinal)
);`

// Save writes the schema's tables and statistics to the SQLite file at
// path, replacing previous contents for the same tables.
func Save(schema *catalog.Schema, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.Exec(schemaDDL); err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range schema.Tables() {
		layout := table.Layouts[0]
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO tables(name, num_rows, num_partitions) VALUES (?, ?, ?)`,
			table.Name, table.NumRows, layout.NumPartitions); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM columns WHERE table_name = ?`, table.Name); err != nil {
			return err
		}
		for ordinal, column := range table.Columns {
			if _, err := tx.Exec(
				`INSERT INTO columns(table_name, ordinal, name, type, cardinality, null_fraction, is_order_key, is_partition_key)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				table.Name, ordinal, column.Name, column.Type.Kind.String(),
				column.Cardinality, column.NullFraction,
				boolInt(containsColumn(orderLayout(table), column)),
				boolInt(containsColumn(layout.Partition, column))); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func orderLayout(table *catalog.Table) []*catalog.Column {
	for _, layout := range table.Layouts {
		if len(layout.Order) > 0 {
			return layout.Order
		}
	}
	return nil
}

func containsColumn(columns []*catalog.Column, c *catalog.Column) bool {
	for _, candidate := range columns {
		if candidate == c {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Load reads a snapshot back into a schema named name. A path holding no
// snapshot yet loads as an empty schema.
func Load(path, name string) (*catalog.Schema, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, err
	}
	schema := catalog.NewSchema(name)

	rows, err := db.Query(`SELECT name, num_rows, num_partitions FROM tables ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type tableMeta struct {
		numRows       float64
		numPartitions int
	}
	metas := make(map[string]tableMeta)
	var names []string
	for rows.Next() {
		var tableName string
		var meta tableMeta
		if err := rows.Scan(&tableName, &meta.numRows, &meta.numPartitions); err != nil {
			return nil, err
		}
		metas[tableName] = meta
		names = append(names, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, tableName := range names {
		meta := metas[tableName]
		columnRows, err := db.Query(
			`SELECT name, type, cardinality, null_fraction, is_order_key, is_partition_key
			 FROM columns WHERE table_name = ? ORDER BY ordinal`, tableName)
		if err != nil {
			return nil, err
		}
		var columns []*catalog.Column
		var orderKeys, partitionKeys []*catalog.Column
		for columnRows.Next() {
			var columnName, typeName string
			var cardinality, nullFraction float64
			var isOrder, isPartition int
			if err := columnRows.Scan(&columnName, &typeName, &cardinality, &nullFraction, &isOrder, &isPartition); err != nil {
				columnRows.Close()
				return nil, err
			}
			column := &catalog.Column{
				Name:         columnName,
				Type:         typeFromName(typeName),
				Cardinality:  cardinality,
				NullFraction: nullFraction,
			}
			columns = append(columns, column)
			if isOrder != 0 {
				orderKeys = append(orderKeys, column)
			}
			if isPartition != 0 {
				partitionKeys = append(partitionKeys, column)
			}
		}
		columnRows.Close()
		if err := columnRows.Err(); err != nil {
			return nil, err
		}
		table := catalog.NewTable(tableName, meta.numRows, columns...)
		if len(orderKeys) > 0 {
			table.AddLayout(orderKeys, true)
		}
		if len(partitionKeys) > 0 && meta.numPartitions > 0 {
			table.SetPartitioning(meta.numPartitions, partitionKeys...)
		}
		schema.AddTable(table)
	}
	return schema, nil
}

func typeFromName(name string) *types.DataType {
	switch name {
	case "BOOLEAN":
		return types.Boolean()
	case "TINYINT":
		return types.Tinyint()
	case "SMALLINT":
		return types.Smallint()
	case "INTEGER":
		return types.Integer()
	case "BIGINT":
		return types.Bigint()
	case "REAL":
		return types.Real()
	case "DOUBLE":
		return types.Double()
	case "VARCHAR":
		return types.Varchar()
	case "VARBINARY":
		return types.Varbinary()
	case "TIMESTAMP":
		return types.Timestamp()
	case "DATE":
		return types.Date()
	default:
		return types.Varchar()
	}
}

