package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/crosschain"
)

const aavePlan = `
give:
  Deposit: 1000 USDC
steps:
  - {src: <Deposit>, dest: "@agoric", amount: 1000 USDC}
  - {src: "@agoric", dest: "@noble", amount: 1000 USDC}
  - {src: "@noble", dest: "@Arbitrum", amount: 1000 USDC}
  - {src: "@Arbitrum", dest: Aave_Arbitrum, amount: 1000 USDC}
`

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FLOWCTL_LOG_LEVEL", "error")
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunPlan(t *testing.T) {
	out, err := execute(t, "run", "--run-id", "r1", writePlan(t, aavePlan))
	require.NoError(t, err)

	assert.Contains(t, out, "run r1")
	assert.Contains(t, out, "flow flow0: done")
	assert.Contains(t, out, "run  step 4 Aave")
	assert.Contains(t, out, "position Aave_Arbitrum: in 1000 USDC")
}

func TestRunPlanUnwinds(t *testing.T) {
	plan := aavePlan + `
faults:
  - {kind: execute, method: supply}
`
	out, err := execute(t, "run", "--format", "json", writePlan(t, plan))
	require.Error(t, err)

	var result RunResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, crosschain.FlowFailed, result.State)
	assert.NotEmpty(t, result.Error)

	var states []crosschain.FlowState
	for _, s := range result.Trail {
		states = append(states, s.State)
	}
	assert.Equal(t, []crosschain.FlowState{"run", "run", "run", "run", "fail", "undo", "undo", "undo"}, states)
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	plan := `
give:
  Deposit: 10 USDC
steps:
  - {src: <Deposit>, dest: "@noble", amount: 10 USDC}
`
	out, err := execute(t, "run", writePlan(t, plan))
	require.Error(t, err)
	assert.ErrorIs(t, err, crosschain.ErrNoRoute)
	assert.Contains(t, out, "error: step 1")
}

func TestPlanListsMovements(t *testing.T) {
	out, err := execute(t, "plan", "--format", "json", writePlan(t, aavePlan))
	require.NoError(t, err)

	var planned []PlannedMove
	require.NoError(t, json.Unmarshal([]byte(out), &planned))
	require.Len(t, planned, 4)
	assert.Equal(t, crosschain.HowLocalTransfer, planned[0].How)
	assert.Equal(t, crosschain.HowTransfer, planned[2].How)
	assert.Equal(t, "Aave", planned[3].How)
}

func TestPlanDOT(t *testing.T) {
	out, err := execute(t, "plan", "--dot", writePlan(t, aavePlan))
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "step3 -> step4")
}

func TestPendingAndTrailFromStore(t *testing.T) {
	t.Setenv("FLOWCTL_STORE_DRIVER", "sqlite")
	t.Setenv("FLOWCTL_STORE_PATH", filepath.Join(t.TempDir(), "state.db"))

	_, err := execute(t, "run", writePlan(t, aavePlan))
	require.NoError(t, err)

	out, err := execute(t, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending transactions")

	out, err = execute(t, "trail", "--format", "json", "flow0")
	require.NoError(t, err)
	var records []crosschain.FlowStatus
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.NotEmpty(t, records)
	assert.Equal(t, crosschain.StateDone, records[len(records)-1].State)

	_, err = execute(t, "trail", "flow9")
	assert.ErrorContains(t, err, "no trail for flow flow9")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "pending")
	assert.ErrorContains(t, err, `invalid format "xml"`)
}
