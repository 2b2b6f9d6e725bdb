// Package runner defines the fragmented physical plan handed to the
// execution runtime: a DAG of executable fragments connected by
// exchanges, each fragment a tree of physical nodes.
package runner

import (
	"fmt"
	"strings"

	"github.com/kasuganosora/sqlopt/pkg/catalog"
	"github.com/kasuganosora/sqlopt/pkg/logical"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

// NodeKind tags a physical execution node.
type NodeKind int

const (
	NodeTableScan NodeKind = iota
	NodeValues
	NodeFilter
	NodeProject
	NodeHashJoin
	NodeAggregation
	NodeOrderBy
	NodeTopN
	NodeLimit
	NodeLocalPartition
	NodeLocalMerge
	NodePartitionedOutput
	NodeExchange
	NodeMergeExchange
	NodeUnionAll
	NodeIndexLookup
)

func (k NodeKind) String() string {
	switch k {
	case NodeTableScan:
		return "TableScan"
	case NodeValues:
		return "Values"
	case NodeFilter:
		return "Filter"
	case NodeProject:
		return "Project"
	case NodeHashJoin:
		return "HashJoin"
	case NodeAggregation:
		return "Aggregation"
	case NodeOrderBy:
		return "OrderBy"
	case NodeTopN:
		return "TopN"
	case NodeLimit:
		return "Limit"
	case NodeLocalPartition:
		return "LocalPartition"
	case NodeLocalMerge:
		return "LocalMerge"
	case NodePartitionedOutput:
		return "PartitionedOutput"
	case NodeExchange:
		return "Exchange"
	case NodeMergeExchange:
		return "MergeExchange"
	case NodeUnionAll:
		return "UnionAll"
	case NodeIndexLookup:
		return "IndexLookup"
	default:
		return "Unknown"
	}
}

// AggregationStep is the execution step of an aggregation node.
type AggregationStep int

const (
	AggregationSingle AggregationStep = iota
	AggregationPartial
	AggregationFinal
)

func (s AggregationStep) String() string {
	switch s {
	case AggregationPartial:
		return "partial"
	case AggregationFinal:
		return "final"
	default:
		return "single"
	}
}

// PartitionKind tags a PartitionedOutput or LocalPartition target.
type PartitionKind int

const (
	PartitionHash PartitionKind = iota
	PartitionBroadcast
	PartitionGather
)

func (k PartitionKind) String() string {
	switch k {
	case PartitionBroadcast:
		return "broadcast"
	case PartitionGather:
		return "gather"
	default:
		return "hash"
	}
}

// SortField is one ordering key of an OrderBy/TopN/MergeExchange.
type SortField struct {
	Expr       *logical.Expr
	Descending bool
	NullsFirst bool
}

// AggregateSpec is one physical aggregate.
type AggregateSpec struct {
	Name     string
	Func     string
	Inputs   []*logical.Expr
	Filter   *logical.Expr
	Distinct bool
	Type     *types.DataType
}

// PlanNode is one physical execution node. Ids are strings "0", "1", …
// assigned monotonically across the whole plan; the runner receives no
// other plan metadata from the optimizer.
type PlanNode struct {
	ID     string
	Kind   NodeKind
	Inputs []*PlanNode

	OutputType *types.DataType

	// TableScan
	Handle      *catalog.TableHandle
	Assignments map[string]*catalog.ColumnHandle

	// Filter
	Predicate *logical.Expr

	// Project
	Names []string
	Exprs []*logical.Expr

	// HashJoin
	JoinType  logical.JoinType
	LeftKeys  []*logical.Expr
	RightKeys []*logical.Expr
	Filter    *logical.Expr

	// PreFilterBloom asks the runner to push a bloom filter of the
	// build keys into the probe side scan.
	PreFilterBloom bool

	// Aggregation
	GroupingKeys []*logical.Expr
	Aggregates   []AggregateSpec
	Step         AggregationStep

	// OrderBy / TopN / MergeExchange
	Ordering []SortField

	// Limit / TopN
	Count     int64
	Offset    int64
	IsPartial bool

	// PartitionedOutput / LocalPartition
	Partition     PartitionKind
	PartitionKeys []*logical.Expr
	NumPartitions int

	// Values
	Rows [][]any
}

// InputStage connects a consuming exchange node to the fragment that
// produces its data.
type InputStage struct {
	ConsumerNodeID     string
	ProducerTaskPrefix string
}

// ExecutableFragment is one stage of the distributed plan.
type ExecutableFragment struct {
	TaskPrefix string
	Width      int
	Root       *PlanNode
	Scans      []*PlanNode
	InputStages []InputStage

	// NumBroadcastDestinations is set on fragments ending in a
	// broadcast output.
	NumBroadcastDestinations int
}

// Options sizes the distributed plan.
type Options struct {
	QueryID    string
	NumWorkers int
	NumDrivers int
}

// MultiFragmentPlan is an ordered sequence of fragments; producers
// precede consumers.
type MultiFragmentPlan struct {
	Fragments []ExecutableFragment
	Options   Options
}

// Fragment returns the fragment with the given task prefix, or nil.
func (p *MultiFragmentPlan) Fragment(taskPrefix string) *ExecutableFragment {
	for i := range p.Fragments {
		if p.Fragments[i].TaskPrefix == taskPrefix {
			return &p.Fragments[i]
		}
	}
	return nil
}

// Validate checks that every input stage names an existing producer and
// that the stage graph is acyclic.
func (p *MultiFragmentPlan) Validate() error {
	index := make(map[string]*ExecutableFragment, len(p.Fragments))
	for i := range p.Fragments {
		index[p.Fragments[i].TaskPrefix] = &p.Fragments[i]
	}
	state := make(map[string]int, len(p.Fragments))
	var visit func(f *ExecutableFragment) error
	visit = func(f *ExecutableFragment) error {
		switch state[f.TaskPrefix] {
		case 1:
			return fmt.Errorf("cycle through fragment %s", f.TaskPrefix)
		case 2:
			return nil
		}
		state[f.TaskPrefix] = 1
		for _, in := range f.InputStages {
			producer, ok := index[in.ProducerTaskPrefix]
			if !ok {
				return fmt.Errorf("fragment %s references unknown producer %s", f.TaskPrefix, in.ProducerTaskPrefix)
			}
			if err := visit(producer); err != nil {
				return err
			}
		}
		state[f.TaskPrefix] = 2
		return nil
	}
	for i := range p.Fragments {
		if err := visit(&p.Fragments[i]); err != nil {
			return err
		}
	}
	return nil
}

func (n *PlanNode) String() string {
	switch n.Kind {
	case NodeTableScan:
		return fmt.Sprintf("TableScan[%s](%s)", n.ID, n.Handle)
	case NodeFilter:
		return fmt.Sprintf("Filter[%s](%s)", n.ID, n.Predicate)
	case NodeProject:
		return fmt.Sprintf("Project[%s](%s)", n.ID, strings.Join(n.Names, ", "))
	case NodeAggregation:
		return fmt.Sprintf("Aggregation[%s](%s, %d keys, %d aggregates)", n.ID, n.Step, len(n.GroupingKeys), len(n.Aggregates))
	case NodeHashJoin:
		return fmt.Sprintf("HashJoin[%s](%s)", n.ID, n.JoinType)
	case NodeTopN:
		return fmt.Sprintf("TopN[%s](%d, partial=%v)", n.ID, n.Count, n.IsPartial)
	case NodeLimit:
		partial := "final"
		if n.IsPartial {
			partial = "partial"
		}
		return fmt.Sprintf("Limit[%s](%s %d, %d)", n.ID, partial, n.Offset, n.Count)
	case NodePartitionedOutput:
		return fmt.Sprintf("PartitionedOutput[%s](%s)", n.ID, n.Partition)
	case NodeExchange, NodeMergeExchange:
		return fmt.Sprintf("%s[%s]", n.Kind, n.ID)
	default:
		return fmt.Sprintf("%s[%s]", n.Kind, n.ID)
	}
}

// Explain renders the whole fragmented plan.
func (p *MultiFragmentPlan) Explain() string {
	var b strings.Builder
	for i := range p.Fragments {
		f := &p.Fragments[i]
		fmt.Fprintf(&b, "Fragment %s (width %d):\n", f.TaskPrefix, f.Width)
		explainNode(&b, f.Root, 1)
		for _, in := range f.InputStages {
			fmt.Fprintf(&b, "  input: node %s <- %s\n", in.ConsumerNodeID, in.ProducerTaskPrefix)
		}
	}
	return b.String()
}

func explainNode(b *strings.Builder, n *PlanNode, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.String())
	b.WriteString("\n")
	for _, in := range n.Inputs {
		explainNode(b, in, depth+1)
	}
}

// ForEachNode walks all nodes of all fragments.
func (p *MultiFragmentPlan) ForEachNode(fn func(*PlanNode)) {
	var walk func(n *PlanNode)
	walk = func(n *PlanNode) {
		fn(n)
		for _, in := range n.Inputs {
			walk(in)
		}
	}
	for i := range p.Fragments {
		walk(p.Fragments[i].Root)
	}
}
