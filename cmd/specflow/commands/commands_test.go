package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/specflow/pkg/engine"
	"github.com/openfroyo/specflow/pkg/orchestrator"
)

// run executes the CLI in a fresh root command and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "unknown")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	_, err := run(t, "init", "--agent", "true")
	require.NoError(t, err)
	return dir
}

func TestInit_WritesWorkspace(t *testing.T) {
	dir := workspace(t)

	for _, name := range []string{"specflow.yaml", "roadmap.yaml", filepath.Join(".specflow", "state.db")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	// A second init keeps the edited config.
	require.NoError(t, os.WriteFile("specflow.yaml", []byte("maxConcurrency: 2\n"), 0o644))
	out, err := run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized state database")

	data, err := os.ReadFile("specflow.yaml")
	require.NoError(t, err)
	assert.Equal(t, "maxConcurrency: 2\n", string(data))
}

func TestPlanThenStatus(t *testing.T) {
	workspace(t)

	out, err := run(t, "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "Created: auth, billing, reports")
	assert.Contains(t, out, "1. auth")
	assert.Contains(t, out, "3. reports")

	// A second plan finds nothing to change.
	out, err = run(t, "plan", "--json")
	require.NoError(t, err)
	var pr orchestrator.PlanResult
	require.NoError(t, json.Unmarshal([]byte(out), &pr))
	assert.Empty(t, pr.Created)
	assert.Empty(t, pr.Updated)
	assert.Equal(t, [][]string{{"auth"}, {"billing"}, {"reports"}}, pr.Levels)

	out, err = run(t, "status", "--json")
	require.NoError(t, err)
	var st orchestrator.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Len(t, st.Items, 3)
	assert.Equal(t, 3, st.Counts[engine.StatusDrafting])
	assert.Equal(t, []string{"auth"}, st.Ready[engine.PhaseShape])
}

func TestPlan_WritesDOT(t *testing.T) {
	workspace(t)

	_, err := run(t, "plan", "--dot", "graph.dot")
	require.NoError(t, err)

	data, err := os.ReadFile("graph.dot")
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")
}

func TestPlan_MissingRoadmap(t *testing.T) {
	workspace(t)

	_, err := run(t, "plan", "--roadmap", "nope.yaml")
	assert.Error(t, err)
}

func TestFlagValidation(t *testing.T) {
	workspace(t)

	tests := []struct {
		name string
		args []string
	}{
		{"align without scope", []string{"align"}},
		{"align with both scopes", []string{"align", "--specs", "--tasks"}},
		{"spec without items", []string{"spec"}},
		{"implement without selection", []string{"implement"}},
		{"decide without decision", []string{"decide", "ev-1"}},
		{"decide with two decisions", []string{"decide", "ev-1", "--approve", "--reject"}},
		{"unblock without ids", []string{"unblock"}},
		{"execute with unknown checkpoint", []string{"execute", "--checkpoint-at", "deploy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestParsePhase(t *testing.T) {
	p, err := parsePhase("create-tasks")
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseCreateTasks, p)

	_, err = parsePhase("deploy")
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	res := &orchestrator.Result{
		ExitCode: orchestrator.ExitPartial,
		Blocked:  []string{"a", "b"},
	}
	var err error = &ExitError{Code: int(res.ExitCode), Reason: exitReason(res)}

	var exit *ExitError
	require.True(t, errors.As(err, &exit))
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "exit status 3: 2 item(s) blocked", err.Error())
}

func TestExitError_Contended(t *testing.T) {
	res := &orchestrator.Result{
		ExitCode:  orchestrator.ExitPartial,
		Contended: []string{"a"},
	}
	assert.Equal(t, "1 item(s) held by another writer", exitReason(res))
}
