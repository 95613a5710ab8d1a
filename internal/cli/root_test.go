package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "nebula", cmd.Use)
	assert.Contains(t, cmd.Long, "NEBULA_MASTER_KEY")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"credential"},
		{"credential", "create"},
		{"credential", "continue"},
		{"credential", "token"},
		{"credential", "list"},
		{"credential", "delete"},
		{"credential", "rotate"},
		{"credential", "rollback"},
		{"credential", "restore"},
		{"credential", "history"},
		{"credential", "sweep"},
		{"action"},
		{"action", "list"},
		{"action", "invoke"},
		{"action", "resume"},
		{"execution", "list"},
		{"execution", "show"},
		{"config", "validate"},
		{"scenario", "run"},
		{"serve"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "env-file"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestCredentialCreateFlags(t *testing.T) {
	cmd := NewRootCommand()
	createCmd, _, err := cmd.Find([]string{"credential", "create"})
	require.NoError(t, err)

	inputFlag := createCmd.Flags().Lookup("input")
	require.NotNil(t, inputFlag)
	assert.Equal(t, "{}", inputFlag.DefValue)

	for _, name := range []string{"type", "label", "rotate-every", "rotate-after-failures"} {
		assert.NotNil(t, createCmd.Flags().Lookup(name), name)
	}
}

func TestRotateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	rotateCmd, _, err := cmd.Find([]string{"credential", "rotate"})
	require.NoError(t, err)

	reasonFlag := rotateCmd.Flags().Lookup("reason")
	require.NotNil(t, reasonFlag)
	assert.Equal(t, "manual", reasonFlag.DefValue)
}

func TestInvokeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	invokeCmd, _, err := cmd.Find([]string{"action", "invoke"})
	require.NoError(t, err)

	inputFlag := invokeCmd.Flags().Lookup("input")
	require.NotNil(t, inputFlag)
	assert.Equal(t, "{}", inputFlag.DefValue)
	assert.NotNil(t, invokeCmd.Flags().Lookup("execution"))
	assert.NotNil(t, invokeCmd.Flags().Lookup("node"))
}

func TestFormatValidation(t *testing.T) {
	tests := []struct {
		format string
		valid  bool
	}{
		{"json", true},
		{"text", true},
		{"xml", false},
		{"yaml", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			assert.Equal(t, tt.valid, isValidFormat(tt.format))
		})
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--format", "xml", "action", "list"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "invalid format")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"compile"}, &stdout, &stderr)

	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr.String(), "unknown command")
}
