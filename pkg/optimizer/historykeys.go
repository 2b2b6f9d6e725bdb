package optimizer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/history"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/optimizer/relop"
)

// scanHistoryKey canonicalizes a filtered scan: correlation names are
// suppressed and filters sorted, so logically equivalent scans collide
// across queries.
func (o *Optimization) scanHistoryKey(bt *qg.BaseTable) string {
	prev := o.ctx.SetCNamesInExpr(false)
	defer o.ctx.SetCNamesInExpr(prev)
	filters := make([]string, 0, len(bt.ColumnFilters)+len(bt.Filter))
	for _, f := range bt.ColumnFilters {
		filters = append(filters, f.String())
	}
	for _, f := range bt.Filter {
		filters = append(filters, f.String())
	}
	sort.Strings(filters)
	return fmt.Sprintf("scan %s [%s]", bt.Schema.Name, strings.Join(filters, " and "))
}

// SetLeafSelectivity overrides the base table's filter selectivity from
// history. Returns whether a stored value was found.
func (o *Optimization) SetLeafSelectivity(bt *qg.BaseTable) bool {
	if len(bt.ColumnFilters)+len(bt.Filter) == 0 {
		return false
	}
	key := o.scanHistoryKey(bt)
	selectivity, ok := history.LeafSelectivity(o.history, key, bt.Schema.NumRows)
	if !ok {
		return false
	}
	bt.FilterSelectivity = selectivity
	return true
}

// historyKey canonicalizes a relation op and its inputs into the string
// the node's execution is recorded under.
func (o *Optimization) historyKey(op relop.RelationOp) string {
	prev := o.ctx.SetCNamesInExpr(false)
	defer o.ctx.SetCNamesInExpr(prev)
	var b strings.Builder
	o.describeOp(&b, op)
	return b.String()
}

func (o *Optimization) describeOp(b *strings.Builder, op relop.RelationOp) {
	switch typed := op.(type) {
	case *relop.TableScan:
		b.WriteString(o.scanHistoryKey(typed.BaseTable))
		if len(typed.Keys) > 0 {
			fmt.Fprintf(b, " lookup(%d keys)", len(typed.Keys))
			b.WriteString(" over (")
			o.describeOp(b, typed.Input())
			b.WriteString(")")
		}
	case *relop.Join:
		fmt.Fprintf(b, "join %s (", typed.JoinType)
		o.describeOp(b, typed.Input())
		b.WriteString(") x (")
		o.describeOp(b, typed.Right)
		b.WriteString(") on ")
		for i := range typed.LeftKeys {
			if i > 0 {
				b.WriteString(" and ")
			}
			fmt.Fprintf(b, "%s = %s", typed.LeftKeys[i], typed.RightKeys[i])
		}
	case *relop.Filter:
		filters := make([]string, len(typed.Exprs))
		for i, e := range typed.Exprs {
			filters[i] = e.String()
		}
		sort.Strings(filters)
		fmt.Fprintf(b, "filter [%s] over (", strings.Join(filters, " and "))
		o.describeOp(b, typed.Input())
		b.WriteString(")")
	case *relop.Aggregation:
		fmt.Fprintf(b, "agg %d keys %d aggs over (", len(typed.Grouping), len(typed.Aggregates))
		o.describeOp(b, typed.Input())
		b.WriteString(")")
	case *relop.UnionAll:
		b.WriteString("union (")
		for i, in := range typed.AllInputs {
			if i > 0 {
				b.WriteString(") + (")
			}
			o.describeOp(b, in)
		}
		b.WriteString(")")
	default:
		if op.Input() != nil {
			o.describeOp(b, op.Input())
			return
		}
		b.WriteString(op.String())
	}
}

// makePredictionAndHistory records the planning-time estimate and the
// history key for one emitted node.
func (o *Optimization) makePredictionAndHistory(nodeID string, op relop.RelationOp) {
	o.nodeHistory[nodeID] = o.historyKey(op)
	o.prediction[nodeID] = history.NodePrediction{
		Cardinality: op.Cost().OutCardinality(),
		PeakMemory:  op.Cost().TotalBytes,
	}
}

// RecordExecution folds the runner's observed stats into the history
// store using the plan's node keys.
func RecordExecution(h history.History, plan *PlanAndStats, stats map[string]history.NodeStats) {
	history.RecordExecution(h, plan.NodeHistory, plan.Prediction, stats)
}
