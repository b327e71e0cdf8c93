//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/crewplan-sync/testutil"
)

var (
	binaryPath string
	configPath string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))
	testutil.ValidateAllowlist(testutil.EnvTestURL)

	tmpDir, err := os.MkdirTemp("", "crewplan-sync-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "crewplan-sync")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	configPath = testutil.WriteConfig(tmpDir, os.Getenv(testutil.EnvTestURL), os.Getenv(testutil.EnvTestAnonKey))

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	cmd := exec.Command(binaryPath, append([]string{"--config", configPath}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

func TestE2E_OneShotCommands(t *testing.T) {
	t.Run("check", func(t *testing.T) {
		stdout, _ := runCLI(t, "check", "--json")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, true, out["online"])
		assert.Equal(t, "connected", out["state"])
	})

	t.Run("fetch_statuses", func(t *testing.T) {
		stdout, _ := runCLI(t, "fetch", "statuses", "--json")

		var out map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, "statuses", out["kind"])
		assert.Equal(t, false, out["stale"])
	})

	t.Run("snapshot_lists_fetched_kind", func(t *testing.T) {
		stdout, _ := runCLI(t, "snapshot", "--json")

		var infos []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &infos))

		kinds := make([]string, 0, len(infos))
		for _, info := range infos {
			kinds = append(kinds, fmt.Sprint(info["kind"]))
		}

		assert.Contains(t, kinds, "statuses")
	})

	t.Run("config_show_masks_key", func(t *testing.T) {
		stdout, _ := runCLI(t, "config", "show")
		assert.NotContains(t, stdout, os.Getenv(testutil.EnvTestAnonKey))
	})
}

// waitForLine reads r until a line contains want or the deadline passes.
func waitForLine(t *testing.T, r io.Reader, want string, timeout time.Duration) {
	t.Helper()

	found := make(chan struct{})

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), want) {
				close(found)
				break
			}
		}

		_, _ = io.Copy(io.Discard, r)
	}()

	select {
	case <-found:
	case <-time.After(timeout):
		t.Fatalf("did not see %q within %s", want, timeout)
	}
}

func TestE2E_WatchReloadAndShutdown(t *testing.T) {
	cmd := exec.Command(binaryPath, "--config", configPath, "watch")

	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		if cmd.ProcessState == nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})

	waitForLine(t, stderr, "Watching", 30*time.Second)

	// A second watcher must refuse to start.
	second := exec.Command(binaryPath, "--config", configPath, "watch")
	out, err := second.CombinedOutput()
	require.Error(t, err)
	assert.Contains(t, string(out), "already running")

	runCLI(t, "reload")

	require.NoError(t, cmd.Process.Signal(syscall.SIGINT))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err, "graceful shutdown exits 0")
	case <-time.After(15 * time.Second):
		t.Fatal("watch did not stop within 15s of SIGINT")
	}
}
