package relop

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
)

func exprList(exprs []*qg.Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func (s *TableScan) String() string {
	if len(s.Keys) > 0 {
		return fmt.Sprintf("IndexLookup(%s on %s)", s.BaseTable, exprList(s.Keys))
	}
	return fmt.Sprintf("TableScan(%s)", s.BaseTable)
}

func (v *Values) String() string { return v.Table.String() }

func (f *Filter) String() string { return fmt.Sprintf("Filter(%s)", exprList(f.Exprs)) }

func (p *Project) String() string { return fmt.Sprintf("Project(%s)", exprList(p.Exprs)) }

func (b *HashBuild) String() string {
	return fmt.Sprintf("HashBuild#%d(%s)", b.BuildID, exprList(b.Keys))
}

func (j *Join) String() string {
	if len(j.LeftKeys) == 0 {
		return fmt.Sprintf("CrossJoin(%s)", j.JoinType)
	}
	return fmt.Sprintf("HashJoin(%s, %s = %s)", j.JoinType, exprList(j.LeftKeys), exprList(j.RightKeys))
}

func (r *Repartition) String() string {
	return fmt.Sprintf("Repartition(%s)", r.Distribution())
}

func (a *Aggregation) String() string {
	return fmt.Sprintf("Aggregation(keys: %s; aggregates: %s)", exprList(a.Grouping), exprList(a.Aggregates))
}

func (o *OrderBy) String() string { return fmt.Sprintf("OrderBy(%s)", exprList(o.Keys)) }

func (l *Limit) String() string { return fmt.Sprintf("Limit(%d, %d)", l.Offset, l.Count) }

func (u *UnionAll) String() string { return fmt.Sprintf("UnionAll(%d inputs)", len(u.AllInputs)) }

// PrintPlan renders op's tree. With detail, each line carries the cost
// record and output distribution.
func PrintPlan(op RelationOp, detail bool) string {
	var b strings.Builder
	printTo(&b, op, 0, detail)
	return b.String()
}

func printTo(b *strings.Builder, op RelationOp, depth int, detail bool) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(op.String())
	if detail {
		fmt.Fprintf(b, " %s dist=%s", op.Cost(), op.Distribution())
	}
	b.WriteString("\n")
	switch typed := op.(type) {
	case *Join:
		printTo(b, typed.Input(), depth+1, detail)
		printTo(b, typed.Right, depth+1, detail)
	case *UnionAll:
		for _, in := range typed.AllInputs {
			printTo(b, in, depth+1, detail)
		}
	default:
		if op.Input() != nil {
			printTo(b, op.Input(), depth+1, detail)
		}
	}
}

// ForEach walks the tree depth-first, probe before build.
func ForEach(op RelationOp, fn func(RelationOp)) {
	fn(op)
	switch typed := op.(type) {
	case *Join:
		ForEach(typed.Input(), fn)
		ForEach(typed.Right, fn)
	case *UnionAll:
		for _, in := range typed.AllInputs {
			ForEach(in, fn)
		}
	default:
		if op.Input() != nil {
			ForEach(op.Input(), fn)
		}
	}
}
