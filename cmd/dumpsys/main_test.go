package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/lock"
	"github.com/mattjoyce/dumpsys/internal/log"
	"github.com/mattjoyce/dumpsys/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	// Drain concurrently so large output cannot fill the pipe buffer.
	stdoutCh := make(chan []byte, 1)
	stderrCh := make(chan []byte, 1)
	go func() { b, _ := io.ReadAll(stdoutR); stdoutCh <- b }()
	go func() { b, _ := io.ReadAll(stderrR); stderrCh <- b }()

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdout, stderr := <-stdoutCh, <-stderrCh
	_ = stdoutR.Close()
	_ = stderrR.Close()
	return code, string(stdout), string(stderr)
}

const testConfig = `
service:
  log_level: error
hub:
  grace_period: 0s
services:
  activity:
    command: /bin/sh
    args: ["-c", 'printf "Visible recent tasks: %s\n" "$*"', "sh"]
  broken:
    command: /bin/sh
    args: ["-c", 'printf partial; exit 3']
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig+extra), 0o600))
	return path
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func TestRunCLIUsage(t *testing.T) {
	code, stdout, _ := runCaptured(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "Usage:")

	code, stdout, _ = runCaptured(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "dump <service>")

	code, _, stderr := runCaptured(t, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestRunVersionJSON(t *testing.T) {
	orig := version
	version = "1.2.3"
	t.Cleanup(func() { version = orig })

	code, stdout, _ := runCaptured(t, "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)

	code, _, _ = runCaptured(t, "version", "extra")
	assert.Equal(t, 1, code)
}

func TestRunDump(t *testing.T) {
	cfg := writeConfig(t, "")

	code, stdout, stderr := runCaptured(t, "dump", "--config", cfg, "activity", "recents", "-a")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Visible recent tasks: recents -a\n", stdout)
}

func TestRunDumpRepeated(t *testing.T) {
	cfg := writeConfig(t, "")

	code, stdout, stderr := runCaptured(t, "dump", "--config", cfg, "--count", "3", "--interval", "1ms", "activity")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, 3, strings.Count(stdout, "Visible recent tasks:"))
}

func TestRunDumpErrors(t *testing.T) {
	cfg := writeConfig(t, "")

	code, _, stderr := runCaptured(t, "dump", "--config", cfg, "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Can't find service: nope")

	code, stdout, stderr := runCaptured(t, "dump", "--config", cfg, "broken")
	assert.Equal(t, 1, code)
	assert.Equal(t, "partial", stdout)
	assert.Contains(t, stderr, binder.StatusFailedTransaction.String())

	code, _, stderr = runCaptured(t, "dump", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: dumpsys dump")

	code, _, _ = runCaptured(t, "dump", "--config", cfg, "--count", "0", "activity")
	assert.Equal(t, 1, code)
}

func TestRunList(t *testing.T) {
	cfg := writeConfig(t, "")

	code, stdout, _ := runCaptured(t, "list", "--config", cfg)
	require.Equal(t, 0, code)
	assert.Equal(t, "Currently running services:\n  activity\n  broken\n", stdout)
}

func TestRunConfigHashUpdateAndVerify(t *testing.T) {
	cfg := writeConfig(t, "")

	code, _, stderr := runCaptured(t, "config", "verify", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "No .checksums found")

	code, stdout, _ := runCaptured(t, "config", "hash-update", "--config", cfg, "--dry-run")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "Dry run")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(cfg), ".checksums"))

	code, stdout, _ = runCaptured(t, "config", "hash-update", "--config", cfg)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "config.yaml")

	code, stdout, _ = runCaptured(t, "config", "verify", "--config", filepath.Dir(cfg))
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", stdout)

	f, err := os.OpenFile(cfg, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("\n# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, _, stderr = runCaptured(t, "config", "verify", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "hash mismatch")

	code, _, stderr = runCaptured(t, "dump", "--config", cfg, "activity")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to load config")
}

func TestRunHistory(t *testing.T) {
	code, _, stderr := runCaptured(t, "history", "--config", writeConfig(t, ""))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "history is disabled")

	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := writeConfig(t, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	id, err := history.NewStore(db).Record(context.Background(), &history.Entry{
		Service: "activity",
		Args:    []string{"recents"},
		Outcome: history.OutcomeSucceeded,
		Bytes:   12,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, stdout, stderr := runCaptured(t, "history", "--config", cfg, "--json")
	require.Equal(t, 0, code, stderr)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, []string{"recents"}, entries[0].Args)

	code, stdout, _ = runCaptured(t, "history", "--config", cfg, "--service", "activity")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, id)
	assert.Contains(t, stdout, "OK")

	code, _, stderr = runCaptured(t, "history", "--config", cfg, "--id", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, history.ErrEntryNotFound.Error())
}

func TestRunServeRequiresAuth(t *testing.T) {
	code, _, stderr := runCaptured(t, "serve", "--config", writeConfig(t, ""))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "api.api_key")
}

func TestRunServeRefusesWhenLocked(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "dumpsys.lock")
	held, err := lock.Acquire(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	cfg := writeConfig(t, "api:\n  api_key: secret\n  listen: 127.0.0.1:0\n")
	data, err := os.ReadFile(cfg)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), "  log_level: error\n", "  log_level: error\n  lock_path: "+lockPath+"\n", 1))
	require.NoError(t, os.WriteFile(cfg, data, 0o600))

	code, _, _ := runCaptured(t, "serve", "--config", cfg)
	assert.Equal(t, 1, code)
}

func TestRunConfigCheck(t *testing.T) {
	cfg := writeConfig(t, "api:\n  tokens:\n    - token: t\n      scopes: [\"dump:rw\", \"bogus\"]\n")

	code, stdout, _ := runCaptured(t, "config", "check", "--config", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, `unknown scope "bogus"`)

	code, stdout, _ = runCaptured(t, "config", "check", "--config", writeConfig(t, ""), "--json")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, `"valid": true`)
}
