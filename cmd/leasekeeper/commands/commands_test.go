package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leasekeeper/leasekeeper/pkg/stores"
)

// setup writes a config pointing at a fresh database and migrates it.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "leasekeeper.yaml")
	cfg := "store:\n  path: " + filepath.Join(dir, "state.db") + "\n" +
		"telemetry:\n  logging:\n    level: error\n  metrics:\n    enabled: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	_, err := run(t, cfgPath, "migrate")
	require.NoError(t, err)
	return cfgPath
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBlueprintCommands(t *testing.T) {
	cfgPath := setup(t)
	bpFile := filepath.Join(t.TempDir(), "bp.yaml")
	require.NoError(t, os.WriteFile(bpFile, []byte(`
blueprint:
  id: web
  name: Web sandbox
targets:
  - id: default
    templateRef: leasekeeper-web
    regions: [us-east-1, us-west-2]
`), 0o600))

	out, err := run(t, cfgPath, "blueprint", "create", "-f", bpFile)
	require.NoError(t, err)
	assert.Contains(t, out, "created blueprint web with 1 targets")

	_, err = run(t, cfgPath, "blueprint", "create", "-f", bpFile)
	assert.ErrorIs(t, err, stores.ErrAlreadyExists)

	out, err = run(t, cfgPath, "--json", "blueprint", "list")
	require.NoError(t, err)
	var page stores.Page[*stores.Blueprint]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Web sandbox", page.Items[0].Name)

	out, err = run(t, cfgPath, "blueprint", "get", "web")
	require.NoError(t, err)
	assert.Contains(t, out, "us-east-1,us-west-2")

	_, err = run(t, cfgPath, "bp", "delete", "web")
	require.NoError(t, err)
	_, err = run(t, cfgPath, "blueprint", "get", "web")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestLeaseCommands(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, cfgPath, "--json", "lease", "create",
		"--email", "dev@example.com", "--account", "123456789012",
		"--max-spend", "100", "--hours", "72",
		"--budget-threshold", "50:alert")
	require.NoError(t, err)
	var lease stores.Lease
	require.NoError(t, json.Unmarshal([]byte(out), &lease))
	assert.Equal(t, stores.LeaseStatusActive, lease.Status)
	require.Len(t, lease.BudgetThresholds, 1)
	assert.Equal(t, stores.ThresholdActionAlert, lease.BudgetThresholds[0].Action)
	id := lease.LeaseKey.String()

	out, err = run(t, cfgPath, "lease", "freeze", id)
	require.NoError(t, err)
	assert.Contains(t, out, "is Frozen")

	out, err = run(t, cfgPath, "--json", "lease", "list", "--status", "Frozen")
	require.NoError(t, err)
	var page stores.Page[*stores.Lease]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, lease.UUID, page.Items[0].UUID)

	out, err = run(t, cfgPath, "lease", "expire", id)
	require.NoError(t, err)
	assert.Contains(t, out, "is Expired")

	_, err = run(t, cfgPath, "lease", "unfreeze", id)
	assert.Error(t, err)
}

func TestLeaseCreateRejectsBadInput(t *testing.T) {
	cfgPath := setup(t)

	_, err := run(t, cfgPath, "lease", "create", "--email", "dev@example.com", "--account", "12")
	assert.Error(t, err)

	_, err = run(t, cfgPath, "lease", "create", "--email", "dev@example.com", "--account", "123456789012",
		"--budget-threshold", "fifty:ALERT")
	assert.Error(t, err)
}

func TestMonitorRunOnceExpiresOverBudgetLease(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, cfgPath, "--json", "lease", "create",
		"--email", "dev@example.com", "--account", "123456789012", "--max-spend", "100")
	require.NoError(t, err)
	var lease stores.Lease
	require.NoError(t, json.Unmarshal([]byte(out), &lease))

	out, err = run(t, cfgPath, "--json", "monitor", "run", "--once", "--static-cost", "123456789012=150")
	require.NoError(t, err)
	var report struct{ Scanned, Persisted int }
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Scanned)

	out, err = run(t, cfgPath, "lease", "get", lease.LeaseKey.String())
	require.NoError(t, err)
	var got stores.Lease
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, stores.LeaseStatusExpired, got.Status)
	assert.Equal(t, stores.ExpiryReasonBudgetExceeded, got.ExpiryReason)
	assert.InDelta(t, 150.0, got.TotalCostAccrued, 0.001)
}

func TestDeployHandleRejectsBadAction(t *testing.T) {
	cfgPath := setup(t)
	cmd := newRootCommand("test", "none", "now")
	cmd.SetIn(bytes.NewBufferString(`{"action":"DELETE"}`))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "deploy", "handle"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestPruneAndHistoryOnEmptyStore(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, cfgPath, "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 deployment records")

	_, err = run(t, cfgPath, "deploy", "get", "op-missing")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestParseLeaseKey(t *testing.T) {
	key, err := parseLeaseKey("dev@example.com/0b6c")
	require.NoError(t, err)
	assert.Equal(t, stores.LeaseKey{UserEmail: "dev@example.com", UUID: "0b6c"}, key)

	for _, bad := range []string{"", "dev@example.com", "/0b6c", "dev@example.com/"} {
		_, err := parseLeaseKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseThreshold(t *testing.T) {
	v, action, err := parseThreshold("80:freeze")
	require.NoError(t, err)
	assert.Equal(t, 80.0, v)
	assert.Equal(t, stores.ThresholdActionFreeze, action)

	_, _, err = parseThreshold("80")
	assert.Error(t, err)
}
