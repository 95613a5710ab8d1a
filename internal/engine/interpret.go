package engine

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/roach88/nebula/internal/action"
)

// DefaultPort is the output port a Success result fires.
const DefaultPort = "main"

// NodeStatus is where a node stands after one dispatch.
type NodeStatus string

const (
	StatusCompleted NodeStatus = "completed"
	StatusWaiting   NodeStatus = "waiting"
	StatusReady     NodeStatus = "ready"
	StatusSkipped   NodeStatus = "skipped"
	StatusFailed    NodeStatus = "failed"
)

// Decision is how the runtime proceeds after a result.
type Decision struct {
	Status NodeStatus `json:"status"`

	// Ports lists the output ports that fire, sorted. Empty means no
	// downstream edge is taken.
	Ports []string `json:"ports,omitempty"`

	Output      json.RawMessage       `json:"output,omitempty"`
	Wait        *action.WaitCondition `json:"wait,omitempty"`
	ResumeToken string                `json:"resume_token,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// Interpret maps a result to a Decision. staticBranches gives the value of
// each route branch the node declares; a Route result overrides the
// branches it lists and the rest keep their static value.
//
// Break completes the node without firing any port. Skip is reported as
// skipped so downstream treats the node as never having run.
func Interpret(r action.Result[json.RawMessage], staticBranches map[string]bool) Decision {
	switch r.Type {
	case action.ResultSuccess, action.ResultStreamItem:
		return Decision{Status: StatusCompleted, Ports: []string{DefaultPort}, Output: r.Output}
	case action.ResultRoute:
		branches := maps.Clone(staticBranches)
		if branches == nil {
			branches = make(map[string]bool, len(r.Branches))
		}
		maps.Copy(branches, r.Branches)
		var ports []string
		for name, fire := range branches {
			if fire {
				ports = append(ports, name)
			}
		}
		slices.Sort(ports)
		return Decision{Status: StatusCompleted, Ports: ports, Output: r.Output}
	case action.ResultWait:
		return Decision{Status: StatusWaiting, Wait: r.Wait, ResumeToken: r.ResumeToken}
	case action.ResultBreak:
		return Decision{Status: StatusCompleted, Reason: r.Reason}
	case action.ResultSkip:
		return Decision{Status: StatusSkipped}
	case action.ResultStreamEnd, action.ResultVote:
		return Decision{Status: StatusCompleted, Reason: r.Reason}
	case action.ResultCommit:
		return Decision{Status: StatusCompleted, Ports: []string{DefaultPort}}
	case action.ResultRollback:
		return Decision{Status: StatusCompleted, Reason: r.Reason}
	default:
		return Decision{Status: StatusFailed, Reason: "unknown result type " + string(r.Type)}
	}
}
