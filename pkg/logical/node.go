package logical

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/types"
)

// NodeKind tags the variant of a logical plan node.
type NodeKind int

const (
	NodeTableScan NodeKind = iota
	NodeFilter
	NodeProject
	NodeJoin
	NodeAggregate
	NodeSort
	NodeLimit
	NodeSet
	NodeValues
)

func (k NodeKind) String() string {
	switch k {
	case NodeTableScan:
		return "TableScan"
	case NodeFilter:
		return "Filter"
	case NodeProject:
		return "Project"
	case NodeJoin:
		return "Join"
	case NodeAggregate:
		return "Aggregate"
	case NodeSort:
		return "Sort"
	case NodeLimit:
		return "Limit"
	case NodeSet:
		return "Set"
	case NodeValues:
		return "Values"
	default:
		return "Unknown"
	}
}

// JoinType enumerates the join variants of the logical plan.
type JoinType int

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
		return "INNER"
	case JoinLeft:
		return "LEFT"
	case JoinRight:
		return "RIGHT"
	case JoinFull:
		return "FULL"
	case JoinSemi:
		return "SEMI"
	case JoinAnti:
		return "ANTI"
	default:
		return "UNKNOWN"
	}
}

// SetOperation enumerates set-node operations.
type SetOperation int

const (
	SetUnionAll SetOperation = iota
	SetUnion
	SetIntersect
	SetExcept
)

// SortField is one ordering key.
type SortField struct {
	Expr       *Expr
	Descending bool
	NullsFirst bool
}

// AggregateCall is one aggregate in an Aggregate node.
type AggregateCall struct {
	Func     string
	Inputs   []*Expr
	Filter   *Expr // optional FILTER (WHERE ...) predicate
	Distinct bool
	Ordering []SortField
	Type     *types.DataType
}

// String renders the aggregate without its output alias. Two calls with
// equal strings compute the same value, which postprocessing uses to
// deduplicate aggregates.
func (a *AggregateCall) String() string {
	var b strings.Builder
	b.WriteString(a.Func)
	b.WriteString("(")
	if a.Distinct {
		b.WriteString("distinct ")
	}
	for i, in := range a.Inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(in.String())
	}
	b.WriteString(")")
	if a.Filter != nil {
		fmt.Fprintf(&b, " filter (%s)", a.Filter)
	}
	return b.String()
}

// Node is a logical plan node. The payload fields used depend on Kind.
type Node struct {
	Kind   NodeKind
	Inputs []*Node

	// TableScan
	Table       string
	ScanColumns []string

	// Filter
	Predicate *Expr

	// Project: OutputNames[i] = Exprs[i].
	OutputNames []string
	Exprs       []*Expr

	// Join
	JoinType  JoinType
	Condition *Expr

	// Aggregate
	GroupingKeys []*Expr
	Aggregates   []*AggregateCall
	AggNames     []string // output names of Aggregates

	// Sort
	Ordering []SortField

	// Limit
	Count  int64
	Offset int64

	// Set
	SetOp SetOperation

	// Values
	Rows [][]any

	outputType *types.DataType
}

// OutputType returns the node's output row type.
func (n *Node) OutputType() *types.DataType { return n.outputType }

// OnlyInput returns the single input of a unary node.
func (n *Node) OnlyInput() *Node { return n.Inputs[0] }

// String renders one line for the node.
func (n *Node) String() string {
	switch n.Kind {
	case NodeTableScan:
		return fmt.Sprintf("TableScan(%s)", n.Table)
	case NodeFilter:
		return fmt.Sprintf("Filter(%s)", n.Predicate)
	case NodeProject:
		return fmt.Sprintf("Project(%s)", strings.Join(n.OutputNames, ", "))
	case NodeJoin:
		return fmt.Sprintf("Join(%s, %s)", n.JoinType, n.Condition)
	case NodeAggregate:
		return fmt.Sprintf("Aggregate(%d keys, %d aggregates)", len(n.GroupingKeys), len(n.Aggregates))
	case NodeSort:
		return fmt.Sprintf("Sort(%d keys)", len(n.Ordering))
	case NodeLimit:
		return fmt.Sprintf("Limit(%d, %d)", n.Offset, n.Count)
	case NodeValues:
		return fmt.Sprintf("Values(%d rows)", len(n.Rows))
	default:
		return n.Kind.String()
	}
}

// Explain renders the subtree with indentation.
func (n *Node) Explain() string {
	var b strings.Builder
	n.explainTo(&b, 0)
	return b.String()
}

func (n *Node) explainTo(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.String())
	b.WriteString("\n")
	for _, in := range n.Inputs {
		in.explainTo(b, depth+1)
	}
}
