package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasuganosora/sqlopt/pkg/types"
)

func fragment(prefix string, producers ...string) ExecutableFragment {
	f := ExecutableFragment{
		TaskPrefix: prefix,
		Width:      1,
		Root:       &PlanNode{ID: "0", Kind: NodeValues, OutputType: types.Row(nil, nil)},
	}
	for _, p := range producers {
		f.InputStages = append(f.InputStages, InputStage{ConsumerNodeID: "0", ProducerTaskPrefix: p})
	}
	return f
}

func TestValidateAcceptsDAG(t *testing.T) {
	plan := &MultiFragmentPlan{Fragments: []ExecutableFragment{
		fragment("stage1"),
		fragment("stage2"),
		fragment("stage0", "stage1", "stage2"),
	}}
	require.NoError(t, plan.Validate())
}

func TestValidateRejectsCycle(t *testing.T) {
	plan := &MultiFragmentPlan{Fragments: []ExecutableFragment{
		fragment("stage0", "stage1"),
		fragment("stage1", "stage0"),
	}}
	assert.Error(t, plan.Validate())
}

func TestValidateRejectsUnknownProducer(t *testing.T) {
	plan := &MultiFragmentPlan{Fragments: []ExecutableFragment{
		fragment("stage0", "missing"),
	}}
	assert.Error(t, plan.Validate())
}

func TestFragmentLookup(t *testing.T) {
	plan := &MultiFragmentPlan{Fragments: []ExecutableFragment{fragment("stage0")}}
	assert.NotNil(t, plan.Fragment("stage0"))
	assert.Nil(t, plan.Fragment("stage9"))
}
