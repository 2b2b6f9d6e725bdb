package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kasuganosora/sqlopt/pkg/optimizer/qg"
	"github.com/kasuganosora/sqlopt/pkg/types"
)

func TestHashProbeCostSteps(t *testing.T) {
	assert.Equal(t, float64(ArrayProbeCost), HashProbeCost(100))
	assert.Equal(t, float64(ArrayProbeCost), HashProbeCost(9_999))
	assert.Equal(t, float64(SmallHashCost), HashProbeCost(10_000))
	assert.Equal(t, float64(SmallHashCost), HashProbeCost(499_999))
	assert.Equal(t, float64(LargeHashCost), HashProbeCost(500_000))
}

func TestByteSizeAndShuffle(t *testing.T) {
	ctx := qg.NewContext()
	leave := qg.Enter(ctx)
	defer leave()
	columns := []*qg.Expr{
		ctx.NewLiteral(types.Bigint(), int64(1)),
		ctx.NewLiteral(types.Integer(), int32(2)),
	}
	assert.Equal(t, 12.0, ByteSize(columns))
	assert.Equal(t, 12.0*ByteShuffleCost, ShuffleCost(columns))
}

func TestCostComposition(t *testing.T) {
	c := Cost{InputCardinality: 100, Fanout: 0.5, UnitCost: 3, SetupCost: 7}
	assert.Equal(t, 50.0, c.OutCardinality())
	assert.Equal(t, 10.0, c.Total())
	other := Cost{SetupCost: 2, TotalBytes: 64, TransferBytes: 8}
	c.Add(other)
	assert.Equal(t, 9.0, c.SetupCost)
	assert.Equal(t, 64.0, c.TotalBytes)
	assert.Equal(t, 8.0, c.TransferBytes)
}

func TestSelfCost(t *testing.T) {
	ctx := qg.NewContext()
	leave := qg.Enter(ctx)
	defer leave()
	literal := ctx.NewLiteral(types.Bigint(), int64(9))
	assert.Equal(t, 5.0, SelfCost(literal))
	call := ctx.NewCall(ctx.Intern("plus"), types.Bigint(), []*qg.Expr{literal, literal})
	assert.Equal(t, 5.0, SelfCost(call))
	registered := ctx.NewCall(ctx.Intern("transform"), types.Bigint(), []*qg.Expr{literal})
	assert.Equal(t, 20.0, SelfCost(registered))
}
