package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/nebula/internal/harness"
)

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run declarative scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <file-or-dir>...",
		Short: "Run scenario files against an in-memory engine",
		Long: `Run scenario files against a fresh in-memory store and the builtin
actions, checking each step's expectations and the final assertions.

Directories contribute every .yaml and .yml file directly inside them.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, etc.)

Examples:
  nebula scenario run ./scenarios
  nebula scenario run approval.yaml transfer.yaml --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(rootOpts, args, cmd)
		},
	}
}

func runScenarios(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := formatter(cmd, opts)

	result, err := harness.RunSuite(cmd.Context(), paths...)
	if err != nil {
		var nf *harness.ScenarioNotFoundError
		if errors.As(err, &nf) {
			return WrapExitError(ExitCommandError, "scenario path not found", err)
		}
		return WrapExitError(ExitCommandError, "failed to discover scenarios", err)
	}

	if f.JSON() {
		if result.Failed > 0 {
			if werr := f.Error("E_SCENARIO_FAILED", fmt.Sprintf("%d scenario(s) failed", result.Failed), result); werr != nil {
				return werr
			}
			return reported(NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed)))
		}
		return f.Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}
	for _, fail := range result.Failures {
		name := fail.Scenario
		if name == "" {
			name = fail.Path
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range fail.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed)))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
