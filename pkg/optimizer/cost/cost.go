// Package cost holds the cost algebra: per-operation cost constants for
// a target system and the Cost record composed along a plan. The base
// unit is the time to memcpy one cache line in a large memcpy on one
// core, ~6GB/s, so ~10ns. Other times are multiples of that.
package cost

import (
	"fmt"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
)

const (
	// ByteShuffleCost is per byte moved through a shuffle, ~500MB/s.
	ByteShuffleCost = 12

	// KeyCompareCost covers finding, decoding and comparing one key,
	// ~30 instructions.
	KeyCompareCost = 6

	// ArrayProbeCost is a probe of an array-sized table, ~10
	// instructions.
	ArrayProbeCost = 2

	// SmallHashCost is a probe of a cache-resident table, ~50
	// instructions.
	SmallHashCost = 10

	// LargeHashCost is a probe with 2 LLC misses.
	LargeHashCost = 40

	ColumnRowCost  = 5
	ColumnByteCost = 0.1

	// HashColumnCost is the hash function on one column.
	HashColumnCost = 0.5

	// HashExtractColumnCost is getting a column from a hash table.
	HashExtractColumnCost = 0.5

	// MinimumFilterCost is the minimal cost of calling a filter
	// function, e.g. comparing two numeric exprs.
	MinimumFilterCost = 2
)

// HashProbeCost is a step function of build cardinality: array table,
// cache-resident hash table, large hash table.
func HashProbeCost(cardinality float64) float64 {
	switch {
	case cardinality < 10_000:
		return ArrayProbeCost
	case cardinality < 500_000:
		return SmallHashCost
	default:
		return LargeHashCost
	}
}

// Cost describes one operator's contribution to a plan.
//
// For leaf nodes the fanout is the output cardinality and the unit cost
// is the total cost. For non-leaf nodes the fanout is output over input
// cardinality and the unit cost is per input row.
type Cost struct {
	// InputCardinality is the estimated input rows, the product of the
	// leaf cardinality and the fanouts below.
	InputCardinality float64

	// Fanout is output rows per input row.
	Fanout float64

	// UnitCost is the cost per input row.
	UnitCost float64

	// SetupCost is a one-time cost, e.g. building a hash table.
	SetupCost float64

	// TotalBytes is memory retained, e.g. a build side.
	TotalBytes float64

	// TransferBytes is bytes moved across workers.
	TransferBytes float64
}

// Add accumulates other's one-time components into c.
func (c *Cost) Add(other Cost) {
	c.SetupCost += other.SetupCost
	c.TotalBytes += other.TotalBytes
	c.TransferBytes += other.TransferBytes
}

// OutCardinality is Fanout times InputCardinality.
func (c Cost) OutCardinality() float64 { return c.Fanout * c.InputCardinality }

// Total is the comparable scalar used in pruning: unit plus setup cost.
func (c Cost) Total() float64 { return c.UnitCost + c.SetupCost }

func (c Cost) String() string {
	return fmt.Sprintf("{in=%.4g fanout=%.4g unit=%.4g setup=%.4g bytes=%.4g transfer=%.4g}",
		c.InputCardinality, c.Fanout, c.UnitCost, c.SetupCost, c.TotalBytes, c.TransferBytes)
}

// ByteSize estimates the row width of columns.
func ByteSize(columns []*qg.Expr) float64 {
	var size float64
	for _, c := range columns {
		size += c.Value().Type.ByteWidth()
	}
	return size
}

// ShuffleCost is the per-row cost of moving columns through a shuffle.
func ShuffleCost(columns []*qg.Expr) float64 {
	return ByteSize(columns) * ByteShuffleCost
}

// SelfCost is the evaluation cost of one expression node.
func SelfCost(expr *qg.Expr) float64 {
	switch expr.Kind() {
	case qg.ExprColumn:
		if expr.Value().Type.IsComplex() {
			return 200
		}
		return 10
	case qg.ExprCall:
		if metadata := qg.Functions().Metadata(expr.Name().String()); metadata != nil && metadata.Cost > 0 {
			return metadata.Cost
		}
		return 5
	default:
		return 5
	}
}

// CostWithChildren is the evaluation cost of an expression tree,
// skipping subtrees in notCounting (already-computed columns).
func CostWithChildren(expr *qg.Expr, notCounting qg.ObjectSet) float64 {
	if notCounting.ContainsObject(expr) {
		return 0
	}
	switch expr.Kind() {
	case qg.ExprColumn:
		return SelfCost(expr)
	case qg.ExprCall:
		total := SelfCost(expr)
		for _, arg := range expr.Args() {
			total += CostWithChildren(arg, notCounting)
		}
		return total
	default:
		return 0
	}
}
