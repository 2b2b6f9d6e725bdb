// Package infoschema builds a catalog schema from a live MySQL or
// PostgreSQL database by reading information_schema. Row counts come
// from the engines' own estimates; column cardinalities are set to a
// tenth of the row count, as engine column statistics are not read.
package infoschema

import (
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// Driver names accepted by Load.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Load connects with the given driver and DSN and reads every table of
// dbName into a schema.
func Load(driver, dsn, dbName string) (*catalog.Schema, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return LoadDB(db, driver, dbName)
}

// LoadDB reads the catalog through an existing connection.
func LoadDB(db *sql.DB, driver, dbName string) (*catalog.Schema, error) {
	schema := catalog.NewSchema(dbName)
	tables, err := tableRows(db, driver, dbName)
	if err != nil {
		return nil, err
	}
	for name, numRows := range tables {
		columns, err := columnRows(db, driver, dbName, name)
		if err != nil {
			return nil, err
		}
		for _, column := range columns {
			// Without engine statistics assume 1/10 of rows distinct.
			column.Cardinality = numRows / 10
		}
		table := catalog.NewTable(name, numRows, columns...)
		if keys, err := primaryKey(db, driver, dbName, name, table); err == nil && len(keys) > 0 {
			table.AddLayout(keys, true)
		}
		schema.AddTable(table)
	}
	return schema, nil
}

func tableRows(db *sql.DB, driver, dbName string) (map[string]float64, error) {
	query := `SELECT table_name, COALESCE(table_rows, 0) FROM information_schema.tables WHERE table_schema = ?`
	if driver == DriverPostgres {
		query = `SELECT relname, GREATEST(reltuples, 0) FROM pg_class c
			 JOIN pg_namespace n ON n.oid = c.relnamespace
			 WHERE n.nspname = $1 AND c.relkind = 'r'`
	}
	rows, err := db.Query(query, dbName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var numRows float64
		if err := rows.Scan(&name, &numRows); err != nil {
			return nil, err
		}
		out[name] = numRows
	}
	return out, rows.Err()
}

func columnRows(db *sql.DB, driver, dbName, tableName string) ([]*catalog.Column, error) {
	query := `SELECT column_name, data_type FROM information_schema.columns
		  WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`
	if driver == DriverPostgres {
		query = `SELECT column_name, data_type FROM information_schema.columns
			 WHERE table_schema = $1 AND table_name = $2 ORDER BY ordinal_position`
	}
	rows, err := db.Query(query, dbName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*catalog.Column
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		out = append(out, &catalog.Column{Name: name, Type: sqlTypeToDataType(dataType)})
	}
	return out, rows.Err()
}

func primaryKey(db *sql.DB, driver, dbName, tableName string, table *catalog.Table) ([]*catalog.Column, error) {
	query := `SELECT column_name FROM information_schema.key_column_usage
		  WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		  ORDER BY ordinal_position`
	if driver == DriverPostgres {
		query = `SELECT a.attname FROM pg_index i
			 JOIN pg_class c ON c.oid = i.indrelid
			 JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
			 WHERE c.relname = $2 AND i.indisprimary AND $1 <> ''`
	}
	rows, err := db.Query(query, dbName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*catalog.Column
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if column := table.Column(name); column != nil {
			keys = append(keys, column)
		}
	}
	return keys, rows.Err()
}

func sqlTypeToDataType(dataType string) *types.DataType {
	switch strings.ToLower(dataType) {
	case "tinyint":
		return types.Tinyint()
	case "smallint":
		return types.Smallint()
	case "int", "integer", "mediumint":
		return types.Integer()
	case "bigint":
		return types.Bigint()
	case "float", "real":
		return types.Real()
	case "double", "double precision", "numeric", "decimal":
		return types.Double()
	case "date":
		return types.Date()
	case "datetime", "timestamp", "timestamp without time zone", "timestamp with time zone":
		return types.Timestamp()
	case "boolean", "bool":
		return types.Boolean()
	case "blob", "binary", "varbinary", "bytea":
		return types.Varbinary()
	default:
		return types.Varchar()
	}
}
