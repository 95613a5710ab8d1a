package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/credential/rotation"
	"github.com/roach88/nebula/internal/secret"
)

// CredentialView is the printable form of a stored credential. It never
// carries the sealed state.
type CredentialView struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Version    uint32            `json:"version"`
	Pending    bool              `json:"pending,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	RotatedAt  *time.Time        `json:"rotated_at,omitempty"`
	GraceUntil *time.Time        `json:"grace_until,omitempty"`

	// AuthorizeURL is set while an interactive flow waits for its callback.
	AuthorizeURL string `json:"authorize_url,omitempty"`
}

func newCredentialView(rec credential.Record) CredentialView {
	return CredentialView{
		ID:         string(rec.ID),
		Type:       rec.Type,
		Version:    rec.Version,
		Pending:    rec.Metadata.Pending,
		Labels:     rec.Metadata.Labels,
		CreatedAt:  rec.Metadata.CreatedAt,
		UpdatedAt:  rec.Metadata.UpdatedAt,
		RotatedAt:  rec.Metadata.RotatedAt,
		GraceUntil: rec.Metadata.GraceUntil,
	}
}

func (v CredentialView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s) v%d", v.ID, v.Type, v.Version)
	if v.Pending {
		b.WriteString(" pending")
	}
	if len(v.Labels) > 0 {
		b.WriteString(" " + formatLabels(v.Labels))
	}
	if v.AuthorizeURL != "" {
		fmt.Fprintf(&b, "\nAuthorize at: %s\nThen run: nebula credential continue %s --param code=<code> --param state=<state>", v.AuthorizeURL, v.ID)
	}
	return b.String()
}

// TokenView is the printable form of an access token. Secret is redacted
// unless the caller asked to reveal it.
type TokenView struct {
	Credential string     `json:"credential"`
	Kind       string     `json:"kind"`
	Secret     string     `json:"secret"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
}

func (v TokenView) String() string {
	s := fmt.Sprintf("%s %s %s", v.Credential, v.Kind, v.Secret)
	if v.ExpiresAt != nil {
		s += " expires " + v.ExpiresAt.Format(time.RFC3339)
	}
	return s
}

// TransactionView wraps a rotation transaction for output.
type TransactionView struct {
	rotation.Transaction
}

func (v TransactionView) String() string {
	s := fmt.Sprintf("%s %s %s v%d", v.ID, v.CredentialID, v.State, v.FromVersion)
	if v.ToVersion != 0 {
		s += fmt.Sprintf(" -> v%d", v.ToVersion)
	}
	if v.Error != "" {
		s += ": " + v.Error
	}
	return s
}

// NewCredentialCommand creates the credential command group.
func NewCredentialCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage encrypted credentials",
		Long: `Create, inspect and rotate credentials stored in the database.

Credential state is sealed with the key in NEBULA_MASTER_KEY. Supported
types: api_key, basic, oauth2_client_credentials, oauth2_authorization_code.`,
	}

	cmd.AddCommand(newCredentialCreateCommand(rootOpts))
	cmd.AddCommand(newCredentialContinueCommand(rootOpts))
	cmd.AddCommand(newCredentialTokenCommand(rootOpts))
	cmd.AddCommand(newCredentialListCommand(rootOpts))
	cmd.AddCommand(newCredentialDeleteCommand(rootOpts))
	cmd.AddCommand(newCredentialRotateCommand(rootOpts))
	cmd.AddCommand(newCredentialRollbackCommand(rootOpts))
	cmd.AddCommand(newCredentialRestoreCommand(rootOpts))
	cmd.AddCommand(newCredentialHistoryCommand(rootOpts))
	cmd.AddCommand(newCredentialSweepCommand(rootOpts))

	return cmd
}

// withCredentials opens the runtime and the credential manager for the
// duration of fn.
func withCredentials(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, m *credential.Manager) error) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	m, err := rt.credentials()
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

// CreateOptions holds flags for credential create.
type CreateOptions struct {
	*RootOptions
	Type                string
	Input               string
	Labels              map[string]string
	RotateEvery         time.Duration
	RotateAfterFailures int
}

func newCredentialCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a credential",
		Long: `Create a credential from type-specific JSON input.

Interactive types (oauth2_authorization_code) are stored pending; the
output names the URL to visit and the continue command to finish.

Examples:
  nebula credential create github --type api_key --input '{"key":"ghp_..."}'
  nebula credential create crm --type oauth2_client_credentials \
    --input '{"token_url":"https://idp/token","client_id":"c","client_secret":"s"}' \
    --rotate-every 720h --label team=sales`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createCredential(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "credential type (required)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Input, "input", "{}", "type-specific input as JSON")
	cmd.Flags().StringToStringVar(&opts.Labels, "label", nil, "label as key=value (repeatable)")
	cmd.Flags().DurationVar(&opts.RotateEvery, "rotate-every", 0, "attach a periodic rotation policy")
	cmd.Flags().IntVar(&opts.RotateAfterFailures, "rotate-after-failures", 0, "attach an on-failure rotation policy")

	return cmd
}

func createCredential(opts *CreateOptions, id string, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Input)) {
		return NewExitError(ExitCommandError, "invalid --input JSON")
	}
	if opts.RotateEvery > 0 && opts.RotateAfterFailures > 0 {
		return NewExitError(ExitCommandError, "--rotate-every and --rotate-after-failures are exclusive")
	}
	var policy *credential.RotationPolicy
	switch {
	case opts.RotateEvery > 0:
		policy = &credential.RotationPolicy{Kind: "periodic", Interval: opts.RotateEvery}
	case opts.RotateAfterFailures > 0:
		policy = &credential.RotationPolicy{Kind: "on_failure", Threshold: opts.RotateAfterFailures}
	}
	if policy != nil {
		if _, err := rotation.PolicyFor(*policy); err != nil {
			return WrapFault("invalid rotation policy", err)
		}
	}

	return withCredentials(cmd, opts.RootOptions, func(ctx context.Context, m *credential.Manager) error {
		res, err := m.Create(ctx, credential.CreateRequest{
			ID:             credential.ID(id),
			Type:           opts.Type,
			Input:          json.RawMessage(opts.Input),
			Labels:         opts.Labels,
			RotationPolicy: policy,
		})
		if err != nil {
			return WrapFault("failed to create credential", err)
		}
		view := newCredentialView(res.Record)
		if res.Pending != nil {
			view.AuthorizeURL = res.Pending.Next.URL
		}
		return formatter(cmd, opts.RootOptions).Success(view)
	})
}

func newCredentialContinueCommand(rootOpts *RootOptions) *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "continue <id>",
		Short: "Complete a pending interactive credential",
		Long: `Complete an authorization-code credential with the parameters the
provider passed to the redirect URL.

Example:
  nebula credential continue crm --param code=abc --param state=xyz`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCredentials(cmd, rootOpts, func(ctx context.Context, m *credential.Manager) error {
				rec, err := m.Continue(ctx, credential.ID(args[0]), params)
				if err != nil {
					return WrapFault("failed to complete credential", err)
				}
				return formatter(cmd, rootOpts).Success(newCredentialView(rec))
			})
		},
	}
	cmd.Flags().StringToStringVar(&params, "param", nil, "callback parameter as key=value (repeatable)")
	return cmd
}

func newCredentialTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var reveal, refresh bool

	cmd := &cobra.Command{
		Use:   "token <id>",
		Short: "Obtain an access token",
		Long: `Obtain a usable access token, refreshing it when stale.

The secret is printed redacted unless --reveal is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCredentials(cmd, rootOpts, func(ctx context.Context, m *credential.Manager) error {
				id := credential.ID(args[0])
				get := m.GetToken
				if refresh {
					get = m.Refresh
				}
				tok, err := get(ctx, id)
				if err != nil {
					return WrapFault("failed to obtain token", err)
				}
				view := TokenView{
					Credential: string(id),
					Kind:       string(tok.Kind),
					Secret:     secret.Redacted,
					IssuedAt:   tok.IssuedAt,
					ExpiresAt:  tok.ExpiresAt,
					Scopes:     tok.Scopes,
				}
				if reveal {
					tok.Secret.Expose(func(s string) { view.Secret = s })
				}
				return formatter(cmd, rootOpts).Success(view)
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the secret in clear")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "force a refresh")
	return cmd
}

func newCredentialListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter credential.Filter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Listing reads metadata only, so it works without the master key.
			recs, err := rt.store.List(ctx, filter)
			if err != nil {
				return WrapFault("failed to list credentials", err)
			}
			views := make([]CredentialView, 0, len(recs))
			for _, r := range recs {
				views = append(views, newCredentialView(r))
			}
			f := formatter(cmd, rootOpts)
			if f.JSON() {
				return f.Success(views)
			}
			if len(views) == 0 {
				return f.Success("No credentials.")
			}
			for _, v := range views {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.Type, "type", "", "only credentials of this type")
	cmd.Flags().StringToStringVar(&filter.Labels, "label", nil, "only credentials with this label (repeatable)")
	return cmd
}

func newCredentialDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCredentials(cmd, rootOpts, func(ctx context.Context, m *credential.Manager) error {
				if err := m.Delete(ctx, credential.ID(args[0])); err != nil {
					return WrapFault("failed to delete credential", err)
				}
				return formatter(cmd, rootOpts).Success(map[string]string{"deleted": args[0]})
			})
		},
	}
}

func newCredentialRotateCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rotate <id>",
		Short: "Rotate a credential",
		Long: `Rotate a credential through backup, create, validate and commit.

A failed rotation restores the backup; the rolled-back transaction is
printed and the command exits 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rot, err := rt.rotator()
			if err != nil {
				return err
			}

			tx, err := rot.Rotate(ctx, credential.ID(args[0]), reason)
			if err != nil {
				if tx.ID == "" {
					return WrapFault("failed to rotate credential", err)
				}
				if werr := formatter(cmd, rootOpts).Success(TransactionView{tx}); werr != nil {
					return werr
				}
				return reported(WrapExitError(ExitFailure, "rotation rolled back", err))
			}
			return formatter(cmd, rootOpts).Success(TransactionView{tx})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded on the transaction")
	return cmd
}

func newCredentialRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <transaction-id>",
		Short: "Roll back an unfinished rotation",
		Long: `Roll back a rotation left unfinished by a crash, restoring its backup.

Committed or already rolled back transactions are rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rot, err := rt.rotator()
			if err != nil {
				return err
			}
			tx, err := rot.Rollback(ctx, args[0])
			if err != nil {
				return WrapFault("failed to roll back rotation", err)
			}
			return formatter(cmd, rootOpts).Success(TransactionView{tx})
		},
	}
}

func newCredentialRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a credential from a rotation backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rot, err := rt.rotator()
			if err != nil {
				return err
			}
			rec, err := rot.Restore(ctx, args[0])
			if err != nil {
				return WrapFault("failed to restore backup", err)
			}
			return formatter(cmd, rootOpts).Success(newCredentialView(rec))
		},
	}
}

// SweepView lists the rotations one policy sweep started.
type SweepView struct {
	Rotated      int                    `json:"rotated"`
	Failed       int                    `json:"failed"`
	Transactions []rotation.Transaction `json:"transactions"`
}

func (v SweepView) String() string {
	if len(v.Transactions) == 0 {
		return "No credentials due for rotation."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rotated %d, failed %d", v.Rotated, v.Failed)
	for _, tx := range v.Transactions {
		fmt.Fprintf(&b, "\n  %s", TransactionView{tx})
	}
	return b.String()
}

func newCredentialSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Rotate every credential whose policy is due",
		Long: `Evaluate the rotation policy of every stored credential once and rotate
those that are due, the same pass serve runs on its schedule.

Exit codes:
  0 - Every due rotation committed (or none was due)
  1 - At least one rotation rolled back`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rot, err := rt.rotator()
			if err != nil {
				return err
			}

			sched := rotation.NewScheduler(rot, rt.cfg.SchedulerOptions(rt.logger)...)
			txs, runErr := sched.RunOnce(ctx)
			view := SweepView{Transactions: txs}
			if view.Transactions == nil {
				view.Transactions = []rotation.Transaction{}
			}
			for _, tx := range txs {
				if tx.State == rotation.Committed {
					view.Rotated++
				} else {
					view.Failed++
				}
			}
			if err := formatter(cmd, rootOpts).Success(view); err != nil {
				return err
			}
			if runErr != nil {
				return reported(WrapExitError(ExitFailure, "sweep incomplete", runErr))
			}
			return nil
		},
	}
}

// HistoryView lists a credential's rotation transactions and backups.
type HistoryView struct {
	Credential   string                 `json:"credential"`
	Transactions []rotation.Transaction `json:"transactions"`
	Backups      []BackupView           `json:"backups"`
}

// BackupView is a backup without its sealed state.
type BackupView struct {
	ID        string    `json:"id"`
	Version   uint32    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (v HistoryView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d transactions, %d backups", v.Credential, len(v.Transactions), len(v.Backups))
	for _, tx := range v.Transactions {
		fmt.Fprintf(&b, "\n  %s", TransactionView{tx})
	}
	for _, bk := range v.Backups {
		fmt.Fprintf(&b, "\n  backup %s v%d expires %s", bk.ID, bk.Version, bk.ExpiresAt.Format(time.RFC3339))
	}
	return b.String()
}

func newCredentialHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show rotation transactions and backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := credential.ID(args[0])
			txs, err := rt.store.ListTransactions(ctx, id)
			if err != nil {
				return WrapFault("failed to list transactions", err)
			}
			backups, err := rt.store.ListBackups(ctx, id)
			if err != nil {
				return WrapFault("failed to list backups", err)
			}
			view := HistoryView{Credential: args[0], Transactions: txs, Backups: make([]BackupView, 0, len(backups))}
			if view.Transactions == nil {
				view.Transactions = []rotation.Transaction{}
			}
			for _, b := range backups {
				view.Backups = append(view.Backups, BackupView{ID: b.ID, Version: b.Version, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt})
			}
			return formatter(cmd, rootOpts).Success(view)
		},
	}
}

func formatLabels(labels map[string]string) string {
	parts := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
