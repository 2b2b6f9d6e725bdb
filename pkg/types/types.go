package types

import (
	"fmt"
	"strings"
)

// Kind identifies a SQL data type. Complex kinds (Array, Map, Row) carry
// child types; Row additionally carries field names.
type Kind int

const (
	KindUnknown Kind = iota
	KindBoolean
	KindTinyint
	KindSmallint
	KindInteger
	KindBigint
	KindReal
	KindDouble
	KindVarchar
	KindVarbinary
	KindTimestamp
	KindDate
	KindArray
	KindMap
	KindRow
)

// String returns the SQL spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "BOOLEAN"
	case KindTinyint:
		return "TINYINT"
	case KindSmallint:
		return "SMALLINT"
	case KindInteger:
		return "INTEGER"
	case KindBigint:
		return "BIGINT"
	case KindReal:
		return "REAL"
	case KindDouble:
		return "DOUBLE"
	case KindVarchar:
		return "VARCHAR"
	case KindVarbinary:
		return "VARBINARY"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindDate:
		return "DATE"
	case KindArray:
		return "ARRAY"
	case KindMap:
		return "MAP"
	case KindRow:
		return "ROW"
	default:
		return "UNKNOWN"
	}
}

// DataType is an immutable type descriptor. Instances are shared freely;
// callers must not mutate Children or Names after construction.
type DataType struct {
	Kind     Kind
	Children []*DataType
	Names    []string // field names, Row only
}

var (
	booleanType   = &DataType{Kind: KindBoolean}
	tinyintType   = &DataType{Kind: KindTinyint}
	smallintType  = &DataType{Kind: KindSmallint}
	integerType   = &DataType{Kind: KindInteger}
	bigintType    = &DataType{Kind: KindBigint}
	realType      = &DataType{Kind: KindReal}
	doubleType    = &DataType{Kind: KindDouble}
	varcharType   = &DataType{Kind: KindVarchar}
	varbinaryType = &DataType{Kind: KindVarbinary}
	timestampType = &DataType{Kind: KindTimestamp}
	dateType      = &DataType{Kind: KindDate}
	unknownType   = &DataType{Kind: KindUnknown}
)

func Boolean() *DataType   { return booleanType }
func Tinyint() *DataType   { return tinyintType }
func Smallint() *DataType  { return smallintType }
func Integer() *DataType   { return integerType }
func Bigint() *DataType    { return bigintType }
func Real() *DataType      { return realType }
func Double() *DataType    { return doubleType }
func Varchar() *DataType   { return varcharType }
func Varbinary() *DataType { return varbinaryType }
func Timestamp() *DataType { return timestampType }
func Date() *DataType      { return dateType }
func Unknown() *DataType   { return unknownType }

// Array returns ARRAY(element).
func Array(element *DataType) *DataType {
	return &DataType{Kind: KindArray, Children: []*DataType{element}}
}

// Map returns MAP(key, value).
func Map(key, value *DataType) *DataType {
	return &DataType{Kind: KindMap, Children: []*DataType{key, value}}
}

// Row returns ROW(names[0] types[0], ...). names and types must have the
// same length.
func Row(names []string, children []*DataType) *DataType {
	if len(names) != len(children) {
		panic(fmt.Sprintf("types: Row with %d names and %d children", len(names), len(children)))
	}
	return &DataType{Kind: KindRow, Children: children, Names: names}
}

// Size returns the number of children (fields for Row).
func (t *DataType) Size() int {
	return len(t.Children)
}

// ChildAt returns the idx'th child type.
func (t *DataType) ChildAt(idx int) *DataType {
	return t.Children[idx]
}

// NameOf returns the idx'th field name of a Row.
func (t *DataType) NameOf(idx int) string {
	return t.Names[idx]
}

// ChildIndex returns the ordinal of the named Row field, or -1.
func (t *DataType) ChildIndex(name string) int {
	for i, n := range t.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// FindChild returns the type of the named Row field, or nil.
func (t *DataType) FindChild(name string) *DataType {
	if idx := t.ChildIndex(name); idx >= 0 {
		return t.Children[idx]
	}
	return nil
}

// Equal reports deep structural equality, including Row field names.
func (t *DataType) Equal(other *DataType) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || t.Kind != other.Kind || len(t.Children) != len(other.Children) {
		return false
	}
	for i, n := range t.Names {
		if n != other.Names[i] {
			return false
		}
	}
	for i, c := range t.Children {
		if !c.Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// IsComplex reports whether the type has substructure subfield analysis
// can prune.
func (t *DataType) IsComplex() bool {
	switch t.Kind {
	case KindArray, KindMap, KindRow:
		return true
	default:
		return false
	}
}

// ByteWidth is the estimated per-value width used by the cost model.
// Variable-width and complex types use fixed approximations.
func (t *DataType) ByteWidth() float64 {
	switch t.Kind {
	case KindBoolean, KindTinyint:
		return 1
	case KindSmallint:
		return 2
	case KindInteger, KindReal, KindDate:
		return 4
	case KindBigint, KindDouble, KindTimestamp:
		return 8
	case KindVarchar, KindVarbinary:
		return 16
	case KindArray:
		return 4 * t.Children[0].ByteWidth()
	case KindMap:
		return 4 * (t.Children[0].ByteWidth() + t.Children[1].ByteWidth())
	case KindRow:
		var total float64
		for _, c := range t.Children {
			total += c.ByteWidth()
		}
		return total
	default:
		return 8
	}
}

// String renders the type, e.g. MAP(VARCHAR, ARRAY(BIGINT)).
func (t *DataType) String() string {
	switch t.Kind {
	case KindArray:
		return fmt.Sprintf("ARRAY(%s)", t.Children[0])
	case KindMap:
		return fmt.Sprintf("MAP(%s, %s)", t.Children[0], t.Children[1])
	case KindRow:
		var b strings.Builder
		b.WriteString("ROW(")
		for i, c := range t.Children {
			if i > 0 {
				b.WriteString(", ")
			}
			if len(t.Names) > i && t.Names[i] != "" {
				b.WriteString(t.Names[i])
				b.WriteString(" ")
			}
			b.WriteString(c.String())
		}
		b.WriteString(")")
		return b.String()
	default:
		return t.Kind.String()
	}
}
