package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/engine"
	"github.com/roach88/nebula/internal/fault"
)

// ActionView describes one registered action.
type ActionView struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Version     uint32 `json:"version"`
	Description string `json:"description,omitempty"`
}

// CompletionView is the printable outcome of one dispatch.
type CompletionView struct {
	ExecutionID  string            `json:"execution_id"`
	InvocationID string            `json:"invocation_id"`
	NodeID       string            `json:"node_id"`
	ActionKey    string            `json:"action_key"`
	Seq          int64             `json:"seq"`
	Result       string            `json:"result,omitempty"`
	Status       string            `json:"status"`
	Ports        []string          `json:"ports,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Items        []json.RawMessage `json:"items,omitempty"`
	ResumeToken  string            `json:"resume_token,omitempty"`
	Failure      *fault.Error      `json:"failure,omitempty"`
}

func newCompletionView(c engine.Completion) CompletionView {
	return CompletionView{
		ExecutionID:  c.ExecutionID,
		InvocationID: c.InvocationID,
		NodeID:       c.NodeID,
		ActionKey:    c.ActionKey,
		Seq:          c.Seq,
		Result:       string(c.Result.Type),
		Status:       string(c.Decision.Status),
		Ports:        c.Decision.Ports,
		Output:       c.Decision.Output,
		ResumeToken:  c.Decision.ResumeToken,
		Failure:      c.Failure,
	}
}

func (v CompletionView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s %s -> %s", v.Seq, v.ExecutionID, v.ActionKey, v.Status)
	if v.Result != "" {
		fmt.Fprintf(&b, " (%s)", v.Result)
	}
	if len(v.Output) > 0 {
		fmt.Fprintf(&b, "\n  output: %s", v.Output)
	}
	for _, item := range v.Items {
		fmt.Fprintf(&b, "\n  item: %s", item)
	}
	if v.ResumeToken != "" {
		fmt.Fprintf(&b, "\n  resume with: nebula action resume %s --payload '<json>'", v.ResumeToken)
	}
	if v.Failure != nil {
		fmt.Fprintf(&b, "\n  failure: %s", v.Failure.Error())
	}
	return b.String()
}

// NewActionCommand creates the action command group.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "List and run actions",
	}
	cmd.AddCommand(newActionListCommand(rootOpts))
	cmd.AddCommand(NewInvokeCommand(rootOpts))
	cmd.AddCommand(newActionResumeCommand(rootOpts))
	return cmd
}

func newActionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := action.NewRegistry(slog.Default())
			if err := builtin.Register(reg); err != nil {
				return WrapFault("failed to register actions", err)
			}
			var views []ActionView
			for _, m := range reg.List() {
				h, _ := reg.Get(m.Key)
				views = append(views, ActionView{
					Key:         m.Key,
					Name:        m.Name,
					Kind:        string(h.Kind()),
					Version:     m.Version,
					Description: m.Description,
				})
			}

			f := formatter(cmd, rootOpts)
			if f.JSON() {
				return f.Success(views)
			}
			w := cmd.OutOrStdout()
			for _, v := range views {
				fmt.Fprintf(w, "%-16s %-14s %s\n", v.Key, v.Kind, v.Description)
			}
			return nil
		},
	}
}

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Input       string
	ExecutionID string
	NodeID      string
}

// NewInvokeCommand creates the action invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <action-key>",
		Short: "Invoke an action",
		Long: `Invoke an action once and record the invocation and its completion in
the database.

Streaming actions run to their end and print every item. Waiting actions
print the resume token to pass to 'nebula action resume'.

Examples:
  nebula action invoke core.echo --input '{"msg":"hi"}'
  nebula action invoke core.approval --input '{"subject":"deploy","approvers":["ops"]}'
  nebula action invoke core.sequence --input '{"start":1,"end":3}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAction(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "{}", "action input as JSON")
	cmd.Flags().StringVar(&opts.ExecutionID, "execution", "", "execution ID (default: a new UUIDv7)")
	cmd.Flags().StringVar(&opts.NodeID, "node", "", "node ID (default: the action key)")

	return cmd
}

func invokeAction(opts *InvokeOptions, key string, cmd *cobra.Command) error {
	if !json.Valid([]byte(opts.Input)) {
		return NewExitError(ExitCommandError, "invalid --input JSON")
	}
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer rt.Close()
	eng, err := rt.engine(ctx)
	if err != nil {
		return err
	}

	inv := engine.Invocation{
		ExecutionID: opts.ExecutionID,
		NodeID:      opts.NodeID,
		ActionKey:   key,
		Input:       json.RawMessage(opts.Input),
	}

	var comp engine.Completion
	var items []json.RawMessage
	if h, ok := eng.Registry().Get(key); ok && h.Kind() == action.KindStreaming {
		comp, err = eng.Stream(ctx, inv, func(item json.RawMessage) error {
			items = append(items, item)
			return nil
		})
	} else {
		comp, err = eng.Execute(ctx, inv)
	}
	return reportCompletion(cmd, opts.RootOptions, comp, items, err)
}

func newActionResumeCommand(rootOpts *RootOptions) *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Resume a waiting action",
		Long: `Resume a node suspended by a wait or an interactive action.

Example:
  nebula action resume 0192f0c4-... --payload '{"approved":true,"by":"ops"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return NewExitError(ExitCommandError, "invalid --payload JSON")
			}
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()
			eng, err := rt.engine(ctx)
			if err != nil {
				return err
			}
			comp, err := eng.Resume(ctx, args[0], json.RawMessage(payload))
			return reportCompletion(cmd, rootOpts, comp, nil, err)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "resume payload as JSON")
	return cmd
}

// reportCompletion prints comp when one was recorded and turns a dispatch
// error into the exit code.
func reportCompletion(cmd *cobra.Command, opts *RootOptions, comp engine.Completion, items []json.RawMessage, err error) error {
	if comp.InvocationID == "" {
		if err != nil {
			return WrapFault("action failed", err)
		}
		return nil
	}
	view := newCompletionView(comp)
	view.Items = items
	if werr := formatter(cmd, opts).Success(view); werr != nil {
		return werr
	}
	if err != nil {
		return reported(WrapFault("action failed", err))
	}
	return nil
}
