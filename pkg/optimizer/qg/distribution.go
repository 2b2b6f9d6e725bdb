package qg

import (
	"fmt"
	"strings"
)

// PartitionKind tags how an operator's output is spread over workers.
type PartitionKind uint8

const (
	// PartitionAny means no particular partitioning is established or
	// required.
	PartitionAny PartitionKind = iota
	// PartitionHash means rows are hash-partitioned on Partition keys.
	PartitionHash
	// PartitionBroadcast means every worker has all rows.
	PartitionBroadcast
	// PartitionGather means all rows are on a single worker.
	PartitionGather
)

func (k PartitionKind) String() string {
	switch k {
	case PartitionHash:
		return "hash"
	case PartitionBroadcast:
		return "broadcast"
	case PartitionGather:
		return "gather"
	default:
		return "any"
	}
}

// OrderType is the direction of one order key.
type OrderType uint8

const (
	AscNullsFirst OrderType = iota
	AscNullsLast
	DescNullsFirst
	DescNullsLast
)

// IsDescending reports whether the key is ordered descending.
func (o OrderType) IsDescending() bool {
	return o == DescNullsFirst || o == DescNullsLast
}

func (o OrderType) String() string {
	switch o {
	case AscNullsFirst:
		return "asc nulls first"
	case AscNullsLast:
		return "asc nulls last"
	case DescNullsFirst:
		return "desc nulls first"
	case DescNullsLast:
		return "desc nulls last"
	default:
		return "?"
	}
}

// Distribution describes the partitioning and ordering of an operator's
// output, plus the cardinality for index layouts.
type Distribution struct {
	Kind          PartitionKind
	Partition     []*Expr
	NumPartitions int

	Order     []*Expr
	OrderType []OrderType

	// Cardinality is set on index distributions: the row count of the
	// layout behind it.
	Cardinality float64
}

// AnyDistribution is the unconstrained distribution.
func AnyDistribution() Distribution { return Distribution{Kind: PartitionAny} }

// Gather returns a single-worker distribution, optionally ordered.
func Gather(order []*Expr, orderType []OrderType) Distribution {
	return Distribution{Kind: PartitionGather, Order: order, OrderType: orderType}
}

// Broadcast returns a broadcast distribution.
func Broadcast() Distribution { return Distribution{Kind: PartitionBroadcast} }

// HashPartition returns a hash distribution on keys.
func HashPartition(keys []*Expr, numPartitions int) Distribution {
	return Distribution{Kind: PartitionHash, Partition: keys, NumPartitions: numPartitions}
}

// IsGather reports a single-worker distribution.
func (d Distribution) IsGather() bool { return d.Kind == PartitionGather }

// IsBroadcast reports a broadcast distribution.
func (d Distribution) IsBroadcast() bool { return d.Kind == PartitionBroadcast }

// SamePartitioning reports whether data placed per d is already placed
// per other, so no shuffle is needed between them.
func (d Distribution) SamePartitioning(other Distribution) bool {
	if other.Kind == PartitionAny {
		return true
	}
	if d.Kind != other.Kind {
		return false
	}
	if d.Kind == PartitionHash {
		if len(d.Partition) != len(other.Partition) {
			return false
		}
		for i, e := range d.Partition {
			if !e.SameOrEqual(other.Partition[i]) {
				return false
			}
		}
	}
	return true
}

// PartitionedOn reports whether the distribution hash-partitions exactly
// on a permutation-free prefix-insensitive subset match: every partition
// key appears among keys.
func (d Distribution) PartitionedOn(keys []*Expr) bool {
	if d.Kind != PartitionHash || len(d.Partition) == 0 {
		return false
	}
	for _, p := range d.Partition {
		found := false
		for _, k := range keys {
			if p.SameOrEqual(k) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// WithOrder returns a copy with the given ordering.
func (d Distribution) WithOrder(order []*Expr, orderType []OrderType) Distribution {
	d.Order = order
	d.OrderType = orderType
	return d
}

// OrderPrefixLength returns how many leading keys of keys match the
// distribution's order.
func (d Distribution) OrderPrefixLength(keys []*Expr) int {
	n := 0
	for n < len(d.Order) && n < len(keys) && d.Order[n].SameOrEqual(keys[n]) {
		n++
	}
	return n
}

func (d Distribution) String() string {
	var b strings.Builder
	b.WriteString(d.Kind.String())
	if len(d.Partition) > 0 {
		parts := make([]string, len(d.Partition))
		for i, e := range d.Partition {
			parts[i] = e.String()
		}
		fmt.Fprintf(&b, "(%s)", strings.Join(parts, ", "))
	}
	if len(d.Order) > 0 {
		parts := make([]string, len(d.Order))
		for i, e := range d.Order {
			parts[i] = e.String()
		}
		fmt.Fprintf(&b, " order by %s", strings.Join(parts, ", "))
	}
	return b.String()
}
