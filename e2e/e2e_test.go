//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyclecoord/cyclecoord/testutil"
)

var binaryPath string

func TestMain(m *testing.M) {
	// Build binary to temp dir.
	tmpDir, err := os.MkdirTemp("", "cyclecoord-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	binaryPath = filepath.Join(tmpDir, "cyclecoord")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = findModuleRoot()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// findModuleRoot walks up from the current dir to find go.mod.
func findModuleRoot() string {
	dir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Fallback to ".." since e2e/ is one level below module root.
			return ".."
		}

		dir = parent
	}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string) {
	t.Helper()

	fullArgs := append([]string{"--config", configPath}, args...)
	cmd := exec.Command(binaryPath, fullArgs...)
	cmd.Stdin = bytes.NewReader(nil) // non-interactive: approvals auto-resolve

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

// storedStatus mirrors the status command's --json output.
type storedStatus struct {
	ExecutionID   string           `json:"execution_id"`
	Status        string           `json:"status"`
	OpenConflicts []map[string]any `json:"open_conflicts"`
	Metrics       map[string]int64 `json:"metrics"`
}

func statusJSON(t *testing.T, configPath string) storedStatus {
	t.Helper()

	stdout, _ := runCLI(t, configPath, "status", "--json")
	var st storedStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &st), "status output: %s", stdout)
	return st
}

func TestE2E_BacklogRunsToCompletion(t *testing.T) {
	dir := t.TempDir()

	configPath, err := testutil.WriteConfig(dir, testutil.ConfigOpts{})
	require.NoError(t, err)

	storiesPath, err := testutil.WriteStories(dir, []testutil.Story{
		{ID: "auth", Priority: 8, Mutates: []string{"auth/login.go"}, PhaseMs: 5, PhaseTokens: 200},
		{ID: "api", Priority: 5, Mutates: []string{"api/routes.go"}, Reads: []string{"auth/login.go"}, PhaseMs: 5, PhaseTokens: 200, DependsOn: []string{"auth"}},
		{ID: "docs", Priority: 2, Mutates: []string{"README.md"}, PhaseMs: 5, PhaseTokens: 100},
	})
	require.NoError(t, err)

	stdout, _ := runCLI(t, configPath, "run", "--stories", storiesPath)
	assert.Contains(t, stdout, "3 completed")

	st := statusJSON(t, configPath)
	assert.Equal(t, "finished", st.Status)
	assert.Empty(t, st.OpenConflicts)
	assert.Equal(t, int64(3), st.Metrics["cycles_completed"])
	assert.Equal(t, int64(0), st.Metrics["cycles_aborted"])
	// Five charged phase transitions per cycle.
	assert.Equal(t, int64(2500), st.Metrics["tokens_spent"])
}

func TestE2E_FailingStoryAbortsWithoutBlockingOthers(t *testing.T) {
	dir := t.TempDir()

	configPath, err := testutil.WriteConfig(dir, testutil.ConfigOpts{})
	require.NoError(t, err)

	storiesPath, err := testutil.WriteStories(dir, []testutil.Story{
		{ID: "solid", Priority: 5, Mutates: []string{"a.go"}, PhaseMs: 5, PhaseTokens: 100},
		{ID: "broken", Priority: 5, Mutates: []string{"b.go"}, PhaseMs: 5, PhaseTokens: 100, FailAt: "code"},
	})
	require.NoError(t, err)

	runCLI(t, configPath, "run", "--stories", storiesPath)

	st := statusJSON(t, configPath)
	assert.Equal(t, "finished", st.Status)
	assert.Equal(t, int64(1), st.Metrics["cycles_completed"])
	assert.Equal(t, int64(1), st.Metrics["cycles_aborted"])
}

func TestE2E_OverlappingWritersSerialize(t *testing.T) {
	dir := t.TempDir()

	configPath, err := testutil.WriteConfig(dir, testutil.ConfigOpts{})
	require.NoError(t, err)

	// Both stories mutate the same file; policy resolves the overlap by
	// ordering them instead of escalating.
	storiesPath, err := testutil.WriteStories(dir, []testutil.Story{
		{ID: "first", Priority: 9, Mutates: []string{"shared.go"}, PhaseMs: 10, PhaseTokens: 100},
		{ID: "second", Priority: 1, Mutates: []string{"shared.go"}, PhaseMs: 10, PhaseTokens: 100},
	})
	require.NoError(t, err)

	runCLI(t, configPath, "run", "--stories", storiesPath)

	st := statusJSON(t, configPath)
	assert.Equal(t, int64(2), st.Metrics["cycles_completed"])
	assert.Empty(t, st.OpenConflicts)
}
