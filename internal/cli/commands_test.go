package cli

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/config"
	"github.com/roach88/nebula/internal/credential/rotation"
)

type cliResult struct {
	stdout string
	stderr string
	code   int
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

// decodeData unmarshals the data field of a JSON success response.
func decodeData[T any](t *testing.T, r cliResult) T {
	t.Helper()
	var resp struct {
		Status string    `json:"status"`
		Data   T         `json:"data"`
		Error  *CLIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), "stdout: %s\nstderr: %s", r.stdout, r.stderr)
	require.Equal(t, "ok", resp.Status, "stdout: %s", r.stdout)
	return resp.Data
}

func decodeError(t *testing.T, r cliResult) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), "stdout: %s", r.stdout)
	require.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "nebula.db")
}

func masterKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestActionList(t *testing.T) {
	r := runCLI(t, "--format", "json", "action", "list")
	require.Equal(t, ExitSuccess, r.code, r.stderr)

	actions := decodeData[[]ActionView](t, r)
	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.Key)
	}
	assert.Contains(t, keys, "core.echo")
	assert.Contains(t, keys, "core.wait")
	assert.Contains(t, keys, "core.sequence")
}

func TestActionInvoke_RecordsExecution(t *testing.T) {
	unsetEnv(t, config.MasterKeyEnv)
	db := tempDB(t)

	r := runCLI(t, "--db", db, "--format", "json",
		"action", "invoke", "core.echo", "--input", `{"msg":"hi"}`, "--execution", "exec-1")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)

	comp := decodeData[CompletionView](t, r)
	assert.Equal(t, "exec-1", comp.ExecutionID)
	assert.Equal(t, "core.echo", comp.ActionKey)
	assert.Equal(t, "completed", comp.Status)
	assert.JSONEq(t, `{"msg":"hi"}`, string(comp.Output))
	assert.NotEmpty(t, comp.InvocationID)

	r = runCLI(t, "--db", db, "--format", "json", "execution", "list")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Equal(t, []string{"exec-1"}, decodeData[[]string](t, r))

	r = runCLI(t, "--db", db, "--format", "json", "execution", "show", "exec-1")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	report := decodeData[ExecutionReport](t, r)
	require.Len(t, report.Timeline, 2)
	assert.Equal(t, "invocation", report.Timeline[0].Type)
	assert.Equal(t, "completion", report.Timeline[1].Type)
	assert.Equal(t, "core.echo", report.Timeline[1].ActionKey)
	assert.Equal(t, 1, report.Stats.Invocations)
	assert.Equal(t, 1, report.Stats.Completions)
	assert.True(t, report.Stats.IsComplete)
	assert.Empty(t, report.Waiting)

	r = runCLI(t, "--db", db, "execution", "show", "exec-1")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "Execution: exec-1")
	assert.Contains(t, r.stdout, "core.echo")
	assert.Contains(t, r.stdout, "Stats: 2 events, 1 invocations, 1 completions, 0 pending")
}

func TestActionInvoke_Failures(t *testing.T) {
	unsetEnv(t, config.MasterKeyEnv)
	db := tempDB(t)

	t.Run("invalid input JSON", func(t *testing.T) {
		r := runCLI(t, "--db", db, "action", "invoke", "core.echo", "--input", "{")
		assert.Equal(t, ExitCommandError, r.code)
		assert.Contains(t, r.stderr, "invalid --input JSON")
	})

	t.Run("unknown action", func(t *testing.T) {
		r := runCLI(t, "--db", db, "--format", "json", "action", "invoke", "core.nope")
		assert.NotEqual(t, ExitSuccess, r.code)
		e := decodeError(t, r)
		assert.Contains(t, e.Message, "core.nope")
	})
}

func TestActionWaitAndResume(t *testing.T) {
	unsetEnv(t, config.MasterKeyEnv)
	db := tempDB(t)

	r := runCLI(t, "--db", db, "--format", "json",
		"action", "invoke", "core.wait", "--input", `{"event":"approved"}`, "--execution", "exec-w")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	waiting := decodeData[CompletionView](t, r)
	assert.Equal(t, "waiting", waiting.Status)
	require.NotEmpty(t, waiting.ResumeToken)

	r = runCLI(t, "--db", db, "--format", "json", "execution", "show", "exec-w")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	report := decodeData[ExecutionReport](t, r)
	require.Len(t, report.Waiting, 1)
	assert.Equal(t, waiting.ResumeToken, report.Waiting[0].Token)

	r = runCLI(t, "--db", db, "--format", "json",
		"action", "resume", waiting.ResumeToken, "--payload", `{"ok":true}`)
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	resumed := decodeData[CompletionView](t, r)
	assert.Equal(t, "ready", resumed.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resumed.Output))

	r = runCLI(t, "--db", db, "--format", "json", "action", "resume", waiting.ResumeToken)
	assert.NotEqual(t, ExitSuccess, r.code)
	decodeError(t, r)
}

func TestCredentialLifecycle(t *testing.T) {
	t.Setenv(config.MasterKeyEnv, masterKey(t))
	db := tempDB(t)

	r := runCLI(t, "--db", db, "--format", "json", "credential", "create", "github",
		"--type", "api_key", "--input", `{"key":"ghp_0123456789"}`, "--label", "team=core")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	created := decodeData[CredentialView](t, r)
	assert.Equal(t, "github", created.ID)
	assert.Equal(t, "api_key", created.Type)
	assert.Equal(t, uint32(1), created.Version)
	assert.Equal(t, map[string]string{"team": "core"}, created.Labels)
	assert.NotContains(t, r.stdout, "ghp_0123456789")

	r = runCLI(t, "--db", db, "credential", "token", "github")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "[REDACTED]")
	assert.NotContains(t, r.stdout, "ghp_0123456789")

	r = runCLI(t, "--db", db, "--format", "json", "credential", "token", "github", "--reveal")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	tok := decodeData[TokenView](t, r)
	assert.Equal(t, "ghp_0123456789", tok.Secret)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "rotate", "github", "--reason", "scheduled")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	tx := decodeData[rotation.Transaction](t, r)
	assert.Equal(t, rotation.Committed, tx.State)
	assert.Equal(t, uint32(1), tx.FromVersion)
	assert.Equal(t, uint32(2), tx.ToVersion)
	assert.Equal(t, "scheduled", tx.Reason)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "history", "github")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	history := decodeData[HistoryView](t, r)
	require.Len(t, history.Transactions, 1)
	assert.Equal(t, tx.ID, history.Transactions[0].ID)
	require.Len(t, history.Backups, 1)
	assert.Equal(t, uint32(1), history.Backups[0].Version)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "rollback", tx.ID)
	assert.Equal(t, ExitCommandError, r.code)
	assert.Equal(t, "E_VALIDATION", decodeError(t, r).Code)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "restore", history.Backups[0].ID)
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	restored := decodeData[CredentialView](t, r)
	assert.Equal(t, uint32(3), restored.Version)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "delete", "github")
	require.Equal(t, ExitSuccess, r.code, r.stderr)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "token", "github")
	assert.NotEqual(t, ExitSuccess, r.code)
	decodeError(t, r)
}

func TestCredentialCreate_Duplicate(t *testing.T) {
	t.Setenv(config.MasterKeyEnv, masterKey(t))
	db := tempDB(t)

	args := []string{"--db", db, "--format", "json", "credential", "create", "svc",
		"--type", "basic", "--input", `{"username":"u","password":"p"}`}
	r := runCLI(t, args...)
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)

	r = runCLI(t, args...)
	assert.Equal(t, ExitCommandError, r.code)
	e := decodeError(t, r)
	assert.Equal(t, "E_VALIDATION", e.Code)
	assert.Contains(t, e.Message, "svc")
}

func TestCredentialCreate_FlagErrors(t *testing.T) {
	t.Setenv(config.MasterKeyEnv, masterKey(t))
	db := tempDB(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad input", []string{"--input", "{"}, "invalid --input JSON"},
		{"exclusive policies", []string{"--rotate-every", "1h", "--rotate-after-failures", "3"}, "exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", db, "credential", "create", "x", "--type", "api_key"}, tt.args...)
			r := runCLI(t, args...)
			assert.Equal(t, ExitCommandError, r.code)
			assert.Contains(t, r.stderr, tt.want)
		})
	}
}

func TestCredentialList_WithoutMasterKey(t *testing.T) {
	db := tempDB(t)
	t.Setenv(config.MasterKeyEnv, masterKey(t))

	for _, id := range []string{"a", "b"} {
		r := runCLI(t, "--db", db, "credential", "create", id,
			"--type", "api_key", "--input", `{"key":"key-0123456789"}`, "--label", "env="+id)
		require.Equal(t, ExitSuccess, r.code, r.stderr)
	}

	unsetEnv(t, config.MasterKeyEnv)

	r := runCLI(t, "--db", db, "--format", "json", "credential", "list")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Len(t, decodeData[[]CredentialView](t, r), 2)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "list", "--label", "env=b")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	views := decodeData[[]CredentialView](t, r)
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].ID)

	r = runCLI(t, "--db", db, "credential", "token", "a")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, config.MasterKeyEnv)
}

func TestEnvFile_LoadsMasterKey(t *testing.T) {
	unsetEnv(t, config.MasterKeyEnv)
	db := tempDB(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(config.MasterKeyEnv+"="+masterKey(t)+"\n"), 0o600))

	r := runCLI(t, "--db", db, "--env-file", envFile, "credential", "create", "k",
		"--type", "api_key", "--input", `{"key":"key-0123456789"}`)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	assert.Contains(t, r.stdout, "k (api_key) v1")

	r = runCLI(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "action", "list")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "failed to load env file")
}

func TestConfigValidate(t *testing.T) {
	r := runCLI(t, "--format", "json", "config", "validate", "../config/testdata/nebula.yaml")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	summary := decodeData[ConfigSummary](t, r)
	assert.True(t, summary.Valid)
	assert.Equal(t, "sqlite", summary.Store)
	assert.Contains(t, summary.Services, "github")

	r = runCLI(t, "config", "validate", "../config/testdata/nebula.cue")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	assert.Contains(t, r.stdout, "✓ ../config/testdata/nebula.cue is valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store: [unclosed\n"), 0o600))
	r = runCLI(t, "config", "validate", bad)
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "invalid")
}

func TestScenarioRun(t *testing.T) {
	r := runCLI(t, "scenario", "run", "../harness/testdata/scenarios")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	assert.Contains(t, r.stdout, "✓ All scenarios passed")

	r = runCLI(t, "--format", "json", "scenario", "run", "../harness/testdata/scenarios")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	assert.Zero(t, decodeData[struct {
		Failed int `json:"failed"`
	}](t, r).Failed)

	r = runCLI(t, "scenario", "run", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ExitCommandError, r.code)
}

func TestCredentialSweep(t *testing.T) {
	t.Setenv(config.MasterKeyEnv, masterKey(t))
	db := tempDB(t)

	r := runCLI(t, "--db", db, "credential", "create", "due",
		"--type", "api_key", "--input", `{"key":"key-0123456789"}`, "--rotate-every", "1ms")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	r = runCLI(t, "--db", db, "credential", "create", "static",
		"--type", "api_key", "--input", `{"key":"key-9876543210"}`)
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	time.Sleep(5 * time.Millisecond)

	r = runCLI(t, "--db", db, "--format", "json", "credential", "sweep")
	require.Equal(t, ExitSuccess, r.code, r.stdout+r.stderr)
	sweep := decodeData[SweepView](t, r)
	assert.Equal(t, 1, sweep.Rotated)
	assert.Zero(t, sweep.Failed)
	require.Len(t, sweep.Transactions, 1)
	assert.Equal(t, "due", string(sweep.Transactions[0].CredentialID))
	assert.Contains(t, sweep.Transactions[0].Reason, "periodic")

	r = runCLI(t, "--db", db, "--format", "json", "credential", "list")
	require.Equal(t, ExitSuccess, r.code, r.stderr)
	versions := map[string]uint32{}
	for _, v := range decodeData[[]CredentialView](t, r) {
		versions[v.ID] = v.Version
	}
	assert.Equal(t, map[string]uint32{"due": 2, "static": 1}, versions)
}

func TestServe_StopsOnCancel(t *testing.T) {
	unsetEnv(t, config.MasterKeyEnv)
	db := tempDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := Execute(ctx, []string{"--db", db, "serve", "--metrics-addr", "127.0.0.1:0"}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code, stderr.String())
	assert.Contains(t, stderr.String(), "rotation scheduler disabled")
	assert.Contains(t, stderr.String(), "serve stopped")
}
