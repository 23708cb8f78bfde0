package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderReadsDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rego"), []byte("package a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.json"),
		[]byte(`{"name":"b","rego":"package b\n","severity":"critical"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o600))

	policies, err := NewLoader(nil).LoadFromPaths([]string{dir})
	require.NoError(t, err)
	require.Len(t, policies, 2)

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}
	assert.Equal(t, SeverityWarning, byName["a"].Severity)
	assert.True(t, byName["a"].Enabled)
	assert.Equal(t, SeverityCritical, byName["b"].Severity)
	assert.True(t, byName["b"].Enabled)
	assert.Equal(t, filepath.Join(nested, "b.json"), byName["b"].Source)
}

func TestLoaderMissingPath(t *testing.T) {
	_, err := NewLoader(nil).LoadFromPaths([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestLoaderRejectsUnnamedJSONPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rego":"package p"}`), 0o600))

	_, err := NewLoader(nil).LoadFromPaths([]string{path})
	assert.Error(t, err)
}

func TestParseHeader(t *testing.T) {
	description, severity := parseHeader("\n# Keep spend low.\n#  severity: CRITICAL \n# Second line.\npackage x\n# trailing\n")
	assert.Equal(t, "Keep spend low. Second line.", description)
	assert.Equal(t, SeverityCritical, severity)
}
