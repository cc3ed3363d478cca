package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/candorlabs/foreman/internal/task"
)

func TestScriptForPlanSteps(t *testing.T) {
	script := scriptFor([]task.PlanStep{
		{Seq: 1, Title: "build", Command: "make build"},
		{Seq: 2, Title: "notes only"},
		{Seq: 3, Title: "test", Command: "make test"},
	})
	require.Contains(t, script, ">> step 1: build")
	require.Contains(t, script, "make build")
	require.Contains(t, script, "make test")
	require.NotContains(t, script, "step 2", "steps without a command must not appear")
}

func TestScriptForCommandlessPlanExitsCleanly(t *testing.T) {
	require.Equal(t, "true", scriptFor(nil))
	require.Equal(t, "true", scriptFor([]task.PlanStep{{Seq: 1, Title: "discuss"}}),
		"a plan with no commands must still produce a runnable script")
}
