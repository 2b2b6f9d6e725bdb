package relop

import (
	"math"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/cost"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
)

// SetCost fills op's cost record given the estimated input cardinality.
// For leaves the fanout is the output cardinality and the unit cost the
// total cost; for other operators the fanout is output over input and
// the unit cost is per input row.
func SetCost(op RelationOp, inputCardinality float64) {
	c := op.Cost()
	c.InputCardinality = inputCardinality
	switch op.Kind() {
	case KindTableScan:
		setTableScanCost(op.(*TableScan))
	case KindValues:
		values := op.(*Values)
		updateLeafCost(values.Table.Cardinality(), values.Columns(), c)
	case KindFilter:
		filter := op.(*Filter)
		c.UnitCost = cost.MinimumFilterCost * float64(len(filter.Exprs))
		if filter.Selectivity > 0 {
			c.Fanout = filter.Selectivity
		} else {
			// Each conjunct is assumed to select 4/5. The small effect
			// lets better-known join and scan selectivities dominate
			// plan cardinality until history fills this in.
			c.Fanout = math.Pow(0.8, float64(len(filter.Exprs)))
		}
	case KindProject:
		project := op.(*Project)
		var inputColumns qg.ObjectSet
		inputColumns.UnionColumnsOf(project.Input().Columns())
		c.Fanout = 1
		for _, e := range project.Exprs {
			if e.Kind() != qg.ExprColumn {
				c.UnitCost += cost.CostWithChildren(e, inputColumns) / 10
			}
		}
	case KindHashBuild:
		build := op.(*HashBuild)
		inputColumns := build.Input().Columns()
		c.Fanout = 1
		c.UnitCost = float64(len(build.Keys))*cost.HashColumnCost +
			cost.HashProbeCost(inputCardinality) +
			float64(len(inputColumns))*cost.HashExtractColumnCost*2
		c.TotalBytes = inputCardinality * cost.ByteSize(inputColumns)
	case KindJoin:
		join := op.(*Join)
		buildSize := join.Right.Cost().InputCardinality
		buildColumns := join.Right.Columns()
		if join.Right.Input() != nil {
			buildColumns = join.Right.Input().Columns()
		}
		rowCost := float64(len(buildColumns)) * cost.HashExtractColumnCost
		c.Fanout = join.Fanout
		c.UnitCost = cost.HashProbeCost(buildSize) + c.Fanout*rowCost +
			float64(len(join.LeftKeys))*cost.HashColumnCost
	case KindRepartition:
		repartition := op.(*Repartition)
		size := cost.ByteSize(repartition.Columns())
		c.Fanout = 1
		c.UnitCost = size * cost.ByteShuffleCost
		c.TransferBytes = inputCardinality * size
	case KindAggregation:
		setAggregationCost(op.(*Aggregation))
	case KindOrderBy:
		orderBy := op.(*OrderBy)
		c.Fanout = 1
		// n log n compares over the whole input, charged per row.
		n := math.Max(2, inputCardinality)
		c.UnitCost = float64(len(orderBy.Keys)) * cost.KeyCompareCost * math.Log2(n)
	case KindLimit:
		limit := op.(*Limit)
		c.UnitCost = 0.01
		if inputCardinality <= float64(limit.Count) {
			// The limit is a no-op on this input.
			c.Fanout = 1
		} else {
			c.Fanout = float64(limit.Count) / inputCardinality
		}
	case KindUnionAll:
		union := op.(*UnionAll)
		c.InputCardinality = 0
		c.Fanout = 1
		for _, in := range union.AllInputs {
			c.InputCardinality += in.Cost().OutCardinality()
			c.UnitCost += in.Cost().UnitCost
		}
	}
}

// updateLeafCost fills the cost of a leaf producing cardinality rows of
// columns.
func updateLeafCost(cardinality float64, columns []*qg.Expr, c *cost.Cost) {
	c.Fanout = cardinality
	size := cost.ByteSize(columns)
	numColumns := float64(len(columns))
	rowCost := numColumns*cost.ColumnRowCost +
		math.Max(0, size-8*numColumns)*cost.ColumnByteCost
	c.UnitCost += c.Fanout * rowCost
}

// orderPrefixDistance multiplies the key cardinalities over the prefix
// where the input arrives in index order, giving the expected distance
// between consecutive lookups.
func orderPrefixDistance(input RelationOp, index *qg.Distribution, keys []*qg.Expr) float64 {
	selection := 1.0
	order := input.Distribution().Order
	for i := 0; i < len(order) && i < len(index.Order) && i < len(keys); i++ {
		if order[i].SameOrEqual(keys[i]) {
			selection *= index.Order[i].Value().Cardinality
		}
	}
	return selection
}

// setAggregationCost estimates the output as the input minus the times
// an input duplicates a key already seen: with d potentially distinct
// keys and n input rows, the expected result is d - d*(1 - 1/d)^n,
// which approaches d as n grows.
func setAggregationCost(agg *Aggregation) {
	c := agg.Cost()
	cardinality := 1.0
	for _, key := range agg.Grouping {
		cardinality *= math.Max(1, key.Value().Cardinality)
	}
	n := math.Max(1, c.InputCardinality)
	nOut := cardinality - cardinality*math.Pow(1.0-1.0/cardinality, n)
	c.Fanout = nOut / n
	c.UnitCost = float64(len(agg.Grouping)) * cost.HashProbeCost(nOut)
	rowBytes := cost.ByteSize(agg.Grouping) + cost.ByteSize(agg.Aggregates)
	c.TotalBytes = nOut * rowBytes
}

func setTableScanCost(scan *TableScan) {
	c := scan.Cost()
	if len(scan.Keys) > 0 {
		lookupRange := scan.Index.Table.NumRows
		indexDistribution := indexDistributionOf(scan)
		orderSelectivity := orderPrefixDistance(scan.Input(), &indexDistribution, scan.Keys)
		distance := lookupRange / math.Max(1, orderSelectivity)
		batchSize := math.Min(c.InputCardinality, 10_000)
		var batchCost float64
		if orderSelectivity == 1 {
			// The data does not come in key order.
			batchCost = scan.Index.LookupCost(lookupRange) +
				scan.Index.LookupCost(lookupRange/math.Max(1, batchSize))*math.Max(1, batchSize)
		} else {
			batchCost = scan.Index.LookupCost(lookupRange) +
				scan.Index.LookupCost(distance)*math.Max(1, batchSize)
		}
		c.UnitCost = batchCost / math.Max(1, batchSize)
		c.Fanout = scan.BaseTable.FilterSelectivity * lookupFanout(scan)
		return
	}
	cardinality := scan.Index.Table.NumRows * scan.BaseTable.FilterSelectivity
	updateLeafCost(cardinality, scan.Columns(), c)
}

// lookupFanout is hits per probe row: one for a unique index, rows over
// key distinct otherwise.
func lookupFanout(scan *TableScan) float64 {
	if scan.Index.Unique && len(scan.Keys) >= len(scan.Index.Order) {
		return 1
	}
	distinct := 1.0
	for _, k := range scan.Keys {
		distinct *= math.Max(1, k.Value().Cardinality)
	}
	return scan.Index.Table.NumRows / math.Max(1, distinct)
}

// indexDistributionOf exposes the layout order as a distribution with
// the layout cardinality.
func indexDistributionOf(scan *TableScan) qg.Distribution {
	ctx := qg.Current()
	order := make([]*qg.Expr, 0, len(scan.Index.Order))
	orderType := make([]qg.OrderType, 0, len(scan.Index.Order))
	for _, col := range scan.Index.Order {
		colExpr := scan.BaseTable.ColumnByName(ctx, ctx.Intern(col.Name))
		if colExpr == nil {
			break
		}
		order = append(order, colExpr)
		orderType = append(orderType, qg.AscNullsLast)
	}
	d := qg.Distribution{Order: order, OrderType: orderType}
	d.Cardinality = scan.Index.Table.NumRows
	return d
}
