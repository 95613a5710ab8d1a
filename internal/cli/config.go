package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/nebula/internal/config"
)

// ConfigSummary describes a configuration file that passed validation.
type ConfigSummary struct {
	Path       string   `json:"path"`
	Valid      bool     `json:"valid"`
	Store      string   `json:"store"`
	Services   []string `json:"services"`
	Pools      []string `json:"pools"`
	Redis      bool     `json:"redis"`
	Schedule   string   `json:"rotation_schedule,omitempty"`
	HasDefault bool     `json:"default_policy"`
}

func (s ConfigSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s is valid\n", s.Path)
	fmt.Fprintf(&b, "  store:    %s\n", s.Store)
	fmt.Fprintf(&b, "  services: %s\n", listOrNone(s.Services))
	fmt.Fprintf(&b, "  pools:    %s", listOrNone(s.Pools))
	if s.Redis {
		b.WriteString("\n  credentials: redis lock and token cache")
	}
	if s.Schedule != "" {
		fmt.Fprintf(&b, "\n  rotation: %s", s.Schedule)
	}
	return b.String()
}

func listOrNone(xs []string) string {
	if len(xs) == 0 {
		return "(none)"
	}
	return strings.Join(xs, ", ")
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a configuration file",
		Long: `Validate a CUE or YAML configuration file against the schema and build
every policy and pool it declares.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid

Examples:
  nebula config validate nebula.cue
  nebula config validate ./deploy/nebula.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(rootOpts, args[0], cmd)
		},
	}
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := formatter(cmd, opts)
	f.VerboseLog("loading %s", path)

	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid configuration", err)
	}
	if _, err := cfg.Policies(nil); err != nil {
		return WrapExitError(ExitFailure, "invalid resilience policies", err)
	}

	summary := ConfigSummary{
		Path:       path,
		Valid:      true,
		Store:      "sqlite (default)",
		Services:   cfg.Services(),
		Pools:      slices.Sorted(maps.Keys(cfg.Pools)),
		Redis:      cfg.Credentials.Redis != nil,
		Schedule:   cfg.Rotation.Schedule,
		HasDefault: cfg.Resilience.Default != nil,
	}
	if cfg.Store != nil {
		summary.Store = cfg.Store.Driver
		if summary.Store == "" {
			summary.Store = "sqlite"
		}
	}
	if summary.Services == nil {
		summary.Services = []string{}
	}
	if summary.Pools == nil {
		summary.Pools = []string{}
	}
	return f.Success(summary)
}
