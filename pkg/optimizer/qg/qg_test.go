package qg

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/planerr"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func withContext(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	leave := Enter(ctx)
	t.Cleanup(leave)
	return ctx
}

func TestNameInterning(t *testing.T) {
	ctx := withContext(t)
	a := ctx.Intern("orders")
	b := ctx.Intern("orders")
	c := ctx.Intern("lineitem")
	assert.True(t, a == b)
	assert.False(t, a == c)
	assert.Equal(t, "orders", a.String())
}

func TestPathInterning(t *testing.T) {
	ctx := withContext(t)
	field := ctx.Intern("key")
	p1 := ctx.InternPath([]Step{{Kind: StepSubscript, Field: field}})
	p2 := ctx.InternPath([]Step{{Kind: StepSubscript, Field: field}})
	p3 := ctx.InternPath([]Step{{Kind: StepSubscript, ID: 3}})
	assert.Same(t, p1, p2)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, p1, ctx.PathByID(p1.ID()))
	assert.Equal(t, `["key"]`, p1.String())
}

func TestExprDeduplication(t *testing.T) {
	ctx := withContext(t)
	one := ctx.NewLiteral(types.Bigint(), int64(1))
	again := ctx.NewLiteral(types.Bigint(), int64(1))
	two := ctx.NewLiteral(types.Bigint(), int64(2))
	assert.Same(t, one, again)
	assert.NotSame(t, one, two)

	eq := ctx.Intern("eq")
	call := ctx.NewCall(eq, types.Boolean(), []*Expr{one, two})
	callAgain := ctx.NewCall(eq, types.Boolean(), []*Expr{one, two})
	assert.Same(t, call, callAgain)
	assert.True(t, call.SameOrEqual(callAgain))
}

func TestAggregateDeduplication(t *testing.T) {
	ctx := withContext(t)
	sum := ctx.Intern("sum")
	arg := ctx.NewLiteral(types.Double(), 1.5)
	cond := ctx.NewLiteral(types.Boolean(), true)
	a := ctx.NewAggregate(sum, types.Double(), []*Expr{arg}, cond, false, nil, nil)
	b := ctx.NewAggregate(sum, types.Double(), []*Expr{arg}, cond, false, nil, nil)
	c := ctx.NewAggregate(sum, types.Double(), []*Expr{arg}, nil, false, nil, nil)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestObjectSet(t *testing.T) {
	var s ObjectSet
	assert.True(t, s.IsEmpty())
	s.Add(3)
	s.Add(70)
	s.Add(3)
	assert.Equal(t, 2, s.Count())
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(4))

	var other ObjectSet
	other.Add(70)
	assert.True(t, other.IsSubsetOf(s))
	assert.False(t, s.IsSubsetOf(other))

	union := s.Clone()
	union.UnionSet(other)
	assert.True(t, union.Equals(s))

	var ids []ObjectID
	s.ForEach(func(id ObjectID) { ids = append(ids, id) })
	assert.Equal(t, []ObjectID{3, 70}, ids)

	s.Remove(70)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, "3", s.String())
}

func TestObjectSetHashStable(t *testing.T) {
	var a, b ObjectSet
	a.Add(5)
	a.Add(129)
	b.Add(129)
	b.Add(5)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestContextPerGoroutine(t *testing.T) {
	outer := withContext(t)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		inner := NewContext()
		leave := Enter(inner)
		defer leave()
		assert.Same(t, inner, Current())
	}()
	wg.Wait()
	assert.Same(t, outer, Current())
}

func TestArenaExhausted(t *testing.T) {
	ctx := withContext(t)
	ctx.SetMaxObjects(1)
	ctx.NewLiteral(types.Bigint(), int64(1))
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, planerr.ErrArenaExhausted))
	}()
	ctx.NewLiteral(types.Bigint(), int64(2))
}

func TestJoinEdgeSides(t *testing.T) {
	ctx := withContext(t)
	left := ctx.NewDerivedTable(ctx.Intern("l"))
	right := ctx.NewDerivedTable(ctx.Intern("r"))
	edge := ctx.NewJoinEdge(left, right, JoinLeft)
	assert.True(t, edge.IsNonCommutative())
	assert.Equal(t, right, edge.OtherTable(left))
	side := edge.SideOf(right, false)
	assert.True(t, side.Optional)
	assert.Equal(t, JoinRight, JoinLeft.Reverse())
}

func TestDistribution(t *testing.T) {
	ctx := withContext(t)
	key := ctx.NewLiteral(types.Bigint(), int64(7))
	hash := HashPartition([]*Expr{key}, 4)
	assert.True(t, hash.SamePartitioning(AnyDistribution()))
	assert.True(t, hash.SamePartitioning(HashPartition([]*Expr{key}, 4)))
	assert.False(t, hash.SamePartitioning(Gather(nil, nil)))
	assert.True(t, hash.PartitionedOn([]*Expr{key}))
	assert.True(t, Gather(nil, nil).IsGather())
	assert.True(t, Broadcast().IsBroadcast())
}
