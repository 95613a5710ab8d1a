package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/nebula/internal/store"
)

// TimelineEvent is one invocation or completion in an execution.
type TimelineEvent struct {
	Seq        int64           `json:"seq"`
	Type       string          `json:"type"` // "invocation" or "completion"
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id,omitempty"`
	ActionKey  string          `json:"action_key,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	ResultType string          `json:"result_type,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Failure    string          `json:"failure,omitempty"`
}

// ExecutionReport is the output of execution show.
type ExecutionReport struct {
	ExecutionID string          `json:"execution_id"`
	Timeline    []TimelineEvent `json:"timeline"`
	Waiting     []WaitingNode   `json:"waiting"`
	Stats       ExecutionStats  `json:"stats"`
}

// WaitingNode is a node suspended until resumed.
type WaitingNode struct {
	Token     string `json:"token"`
	NodeID    string `json:"node_id"`
	ActionKey string `json:"action_key"`
	Kind      string `json:"kind"`
}

// ExecutionStats holds summary statistics for an execution.
type ExecutionStats struct {
	TotalEvents    int    `json:"total_events"`
	Invocations    int    `json:"invocations"`
	Completions    int    `json:"completions"`
	Pending        int    `json:"pending"`
	IsComplete     bool   `json:"is_complete"`
	TerminalStatus string `json:"terminal_status,omitempty"`
}

// NewExecutionCommand creates the execution command group.
func NewExecutionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Inspect recorded executions",
	}
	cmd.AddCommand(newExecutionListCommand(rootOpts))
	cmd.AddCommand(newExecutionShowCommand(rootOpts))
	return cmd
}

func newExecutionListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List execution IDs in the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ids, err := rt.store.ListExecutions(ctx)
			if err != nil {
				return WrapFault("failed to list executions", err)
			}
			f := formatter(cmd, rootOpts)
			if f.JSON() {
				if ids == nil {
					ids = []string{}
				}
				return f.Success(ids)
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newExecutionShowCommand(rootOpts *RootOptions) *cobra.Command {
	var actionFilter string

	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show the timeline of an execution",
		Long: `Show every invocation and completion recorded for an execution in seq
order, the nodes still waiting and summary statistics.

Examples:
  nebula execution show 0192f0c4-7d1e-7c3a-9f00-2b1d5e6a7c10
  nebula execution show exec-1 --action core.ledger --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.store.GetExecutionState(ctx, args[0])
			if err != nil {
				return WrapFault("failed to get execution state", err)
			}
			events, err := rt.store.ReplayExecution(ctx, args[0])
			if err != nil {
				return WrapFault("failed to replay execution", err)
			}

			report := ExecutionReport{
				ExecutionID: args[0],
				Timeline:    buildTimeline(events, actionFilter),
				Waiting:     make([]WaitingNode, 0, len(state.Waits)),
				Stats: ExecutionStats{
					Invocations:    len(state.Invocations),
					Completions:    len(state.Completions),
					Pending:        state.PendingCount,
					IsComplete:     state.IsComplete,
					TerminalStatus: state.TerminalStatus,
				},
			}
			report.Stats.TotalEvents = len(report.Timeline)
			for _, w := range state.Waits {
				report.Waiting = append(report.Waiting, WaitingNode{Token: w.Token, NodeID: w.NodeID, ActionKey: w.ActionKey, Kind: w.Kind})
			}

			f := formatter(cmd, rootOpts)
			if f.JSON() {
				return f.Success(report)
			}
			if len(events) == 0 {
				return f.Success(fmt.Sprintf("No events found for execution: %s", args[0]))
			}
			writeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&actionFilter, "action", "", "only events of this action key")
	return cmd
}

// buildTimeline converts replayed events to timeline events. With a
// filter, only invocations of that action and their completions remain.
func buildTimeline(events []store.Event, actionFilter string) []TimelineEvent {
	timeline := make([]TimelineEvent, 0, len(events))
	keys := make(map[string]string) // invocation ID -> action key

	for _, ev := range events {
		switch ev.Type {
		case store.EventInvocation:
			inv := ev.Invocation
			if inv == nil {
				continue
			}
			keys[inv.ID] = inv.ActionKey
			if actionFilter != "" && inv.ActionKey != actionFilter {
				continue
			}
			timeline = append(timeline, TimelineEvent{
				Seq:       ev.Seq,
				Type:      "invocation",
				ID:        inv.ID,
				NodeID:    inv.NodeID,
				ActionKey: inv.ActionKey,
				Input:     inv.Input,
			})
		case store.EventCompletion:
			comp := ev.Completion
			if comp == nil {
				continue
			}
			key := keys[comp.InvocationID]
			if actionFilter != "" && key != actionFilter {
				continue
			}
			te := TimelineEvent{
				Seq:        ev.Seq,
				Type:       "completion",
				ID:         comp.ID,
				ActionKey:  key,
				ResultType: comp.ResultType,
				Output:     comp.Output,
			}
			if comp.Failure != nil {
				te.Failure = comp.Failure.Error()
			}
			timeline = append(timeline, te)
		}
	}
	return timeline
}

func writeReport(w io.Writer, r ExecutionReport) {
	fmt.Fprintf(w, "Execution: %s\n\n", r.ExecutionID)
	fmt.Fprintln(w, "Timeline:")
	for _, ev := range r.Timeline {
		switch ev.Type {
		case "invocation":
			fmt.Fprintf(w, "  [%d] %s (%s) %s\n", ev.Seq, ev.ActionKey, ev.NodeID, ev.Input)
		default:
			switch {
			case ev.Failure != "":
				fmt.Fprintf(w, "  [%d]   -> failed: %s\n", ev.Seq, ev.Failure)
			case len(ev.Output) > 0:
				fmt.Fprintf(w, "  [%d]   -> %s %s\n", ev.Seq, ev.ResultType, ev.Output)
			default:
				fmt.Fprintf(w, "  [%d]   -> %s\n", ev.Seq, ev.ResultType)
			}
		}
	}
	if len(r.Waiting) > 0 {
		fmt.Fprintln(w, "\nWaiting:")
		for _, n := range r.Waiting {
			fmt.Fprintf(w, "  %s %s (%s) token=%s\n", n.NodeID, n.ActionKey, n.Kind, n.Token)
		}
	}
	s := r.Stats
	fmt.Fprintf(w, "\nStats: %d events, %d invocations, %d completions, %d pending", s.TotalEvents, s.Invocations, s.Completions, s.Pending)
	if s.IsComplete {
		fmt.Fprintf(w, ", complete (%s)", s.TerminalStatus)
	}
	fmt.Fprintln(w)
}
