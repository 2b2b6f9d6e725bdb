package qg

import (
	"fmt"
	"strings"
)

// JoinType enumerates the join variants recorded on edges.
type JoinType uint8

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinSemi
	JoinAnti
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	case JoinRight:
		return "right"
	case JoinFull:
		return "full"
	case JoinSemi:
		return "semi"
	case JoinAnti:
		return "anti"
	default:
		return "?"
	}
}

// Reverse returns the join type with sides swapped.
func (t JoinType) Reverse() JoinType {
	switch t {
	case JoinLeft:
		return JoinRight
	case JoinRight:
		return JoinLeft
	default:
		return t
	}
}

// JoinSide is one endpoint of an edge as seen from a candidate.
type JoinSide struct {
	Table    PlanObject
	Keys     []*Expr
	Fanout   float64
	Unique   bool
	Optional bool
}

// JoinEdge records an equi-join relationship between two tables of a
// derived table. Inner edges are undirected; outer and existence edges
// fix the probe on the left.
type JoinEdge struct {
	objectBase
	LeftTable  PlanObject
	RightTable PlanObject

	LeftKeys  []*Expr
	RightKeys []*Expr

	// Filter holds non-equality conjuncts evaluated with the join.
	Filter []*Expr

	JoinType JoinType

	// LRFanout is the expected right-side hits per left row; RLFanout
	// the reverse.
	LRFanout float64
	RLFanout float64

	// LeftUnique/RightUnique mean the keys cover a unique layout of
	// that side.
	LeftUnique  bool
	RightUnique bool
}

// NewJoinEdge registers an edge and links it from both endpoint tables.
func (c *Context) NewJoinEdge(left, right PlanObject, joinType JoinType) *JoinEdge {
	e := &JoinEdge{LeftTable: left, RightTable: right, JoinType: joinType, LRFanout: 1, RLFanout: 1}
	c.register(e)
	if bt, ok := left.(*BaseTable); ok {
		bt.JoinedBy = append(bt.JoinedBy, e)
	}
	if bt, ok := right.(*BaseTable); ok {
		bt.JoinedBy = append(bt.JoinedBy, e)
	}
	return e
}

// AddEquality appends one key pair.
func (e *JoinEdge) AddEquality(left, right *Expr) {
	e.LeftKeys = append(e.LeftKeys, left)
	e.RightKeys = append(e.RightKeys, right)
}

// IsInner reports a plain inner edge, freely reorderable.
func (e *JoinEdge) IsInner() bool { return e.JoinType == JoinInner }

// IsNonCommutative reports edges whose right side must be placed after
// the left: outer, semi and anti joins.
func (e *JoinEdge) IsNonCommutative() bool {
	return e.JoinType != JoinInner
}

// SideOf returns the side of table; with other, the opposite side.
func (e *JoinEdge) SideOf(table PlanObject, other bool) JoinSide {
	onLeft := e.LeftTable == table
	if other {
		onLeft = !onLeft
	}
	if onLeft {
		return JoinSide{
			Table:    e.LeftTable,
			Keys:     e.LeftKeys,
			Fanout:   e.RLFanout,
			Unique:   e.LeftUnique,
			Optional: e.JoinType == JoinRight || e.JoinType == JoinFull,
		}
	}
	return JoinSide{
		Table:    e.RightTable,
		Keys:     e.RightKeys,
		Fanout:   e.LRFanout,
		Unique:   e.RightUnique,
		Optional: e.JoinType == JoinLeft || e.JoinType == JoinFull,
	}
}

// OtherTable returns the endpoint that is not table.
func (e *JoinEdge) OtherTable(table PlanObject) PlanObject {
	if e.LeftTable == table {
		return e.RightTable
	}
	return e.LeftTable
}

// GuessFanout fills LR/RL fanouts and uniqueness from key statistics.
// The fanout toward a side is rows of that side divided by the distinct
// count of its keys; a unique key caps it at one hit.
func (e *JoinEdge) GuessFanout() {
	leftCard := tableCardinality(e.LeftTable)
	rightCard := tableCardinality(e.RightTable)
	leftDistinct := keyDistinct(e.LeftKeys, leftCard)
	rightDistinct := keyDistinct(e.RightKeys, rightCard)

	e.LeftUnique = coversUniqueLayout(e.LeftTable, e.LeftKeys)
	e.RightUnique = coversUniqueLayout(e.RightTable, e.RightKeys)

	e.LRFanout = rightCard / maxf(1, rightDistinct)
	if e.RightUnique {
		e.LRFanout = minf(e.LRFanout, 1)
	}
	e.RLFanout = leftCard / maxf(1, leftDistinct)
	if e.LeftUnique {
		e.RLFanout = minf(e.RLFanout, 1)
	}
}

func keyDistinct(keys []*Expr, tableCard float64) float64 {
	d := 1.0
	for _, k := range keys {
		d *= maxf(1, k.Value().Cardinality)
	}
	return minf(d, tableCard)
}

// coversUniqueLayout reports whether keys contain all order columns of a
// unique layout of table.
func coversUniqueLayout(table PlanObject, keys []*Expr) bool {
	bt, ok := table.(*BaseTable)
	if !ok {
		return false
	}
	for _, layout := range bt.Schema.Layouts {
		if !layout.Unique || len(layout.Order) == 0 {
			continue
		}
		covered := true
		for _, orderCol := range layout.Order {
			found := false
			for _, k := range keys {
				if k.Kind() == ExprColumn && k.SchemaColumn() == orderCol {
					found = true
					break
				}
			}
			if !found {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (e *JoinEdge) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s on ", e.LeftTable, e.JoinType, e.RightTable)
	for i := range e.LeftKeys {
		if i > 0 {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s = %s", e.LeftKeys[i], e.RightKeys[i])
	}
	return b.String()
}
