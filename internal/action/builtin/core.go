package builtin

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

// Echo returns its input unchanged.
type Echo struct{}

func (Echo) Metadata() action.Metadata {
	return action.Metadata{
		Key:          "core.echo",
		Name:         "Echo",
		Description:  "Returns its input unchanged.",
		Version:      1,
		Capabilities: []string{action.CapIdempotent},
	}
}

func (Echo) Run(_ action.Context, in json.RawMessage) (json.RawMessage, error) {
	if in == nil {
		return json.RawMessage("null"), nil
	}
	return in, nil
}

// IfInput is core.if's input. Condition is a template rendered against Data
// that must produce a boolean.
type IfInput struct {
	Condition string         `json:"condition" validate:"required"`
	Data      map[string]any `json:"data,omitempty"`
}

// If routes Data to the "true" or "false" port.
type If struct{}

func (If) Metadata() action.Metadata {
	return action.Metadata{
		Key:          "core.if",
		Name:         "If",
		Description:  "Routes its data to the true or false port.",
		Version:      1,
		Capabilities: []string{action.CapIdempotent},
	}
}

func (If) Execute(ctx action.Context, in IfInput) (action.Result[any], error) {
	rendered, err := ctx.Render(in.Condition, in.Data)
	if err != nil {
		return action.Result[any]{}, err
	}
	ok, err := strconv.ParseBool(strings.TrimSpace(rendered))
	if err != nil {
		return action.Result[any]{}, fault.Wrap(fault.Validation, err, "condition must render to a boolean")
	}
	var out any = in.Data
	if in.Data == nil {
		out = map[string]any{}
	}
	return action.Route(out, map[string]bool{"true": ok, "false": !ok}), nil
}

// WaitInput is core.wait's input. Exactly one of Duration, Until or Event is
// set.
type WaitInput struct {
	Duration string     `json:"duration,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
	Event    string     `json:"event,omitempty"`
}

func (w WaitInput) Validate() error {
	n := 0
	if w.Duration != "" {
		n++
		d, err := time.ParseDuration(w.Duration)
		if err != nil {
			return err
		}
		if d <= 0 {
			return errors.New("duration must be positive")
		}
	}
	if w.Until != nil {
		n++
	}
	if w.Event != "" {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of duration, until or event is required")
	}
	return nil
}

// Wait suspends the node. The runtime assigns the resume token.
type Wait struct{}

func (Wait) Metadata() action.Metadata {
	return action.Metadata{Key: "core.wait", Name: "Wait", Version: 1}
}

func (Wait) Execute(_ action.Context, in WaitInput) (action.Result[struct{}], error) {
	var cond action.WaitCondition
	switch {
	case in.Duration != "":
		d, _ := time.ParseDuration(in.Duration)
		cond = action.WaitCondition{Kind: action.WaitDuration, Duration: d}
	case in.Until != nil:
		u := in.Until.UTC()
		cond = action.WaitCondition{Kind: action.WaitUntil, Until: &u}
	default:
		cond = action.WaitCondition{Kind: action.WaitCallback, Event: in.Event}
	}
	return action.WaitFor[struct{}](cond, ""), nil
}

// CounterInput is core.counter's input: sum From..To inclusive in Step
// increments.
type CounterInput struct {
	From int `json:"from"`
	To   int `json:"to"`
	Step int `json:"step,omitempty" validate:"gte=0"`
}

func (c CounterInput) Validate() error {
	if c.To < c.From {
		return errors.New("to must not be less than from")
	}
	return nil
}

// CounterState is persisted between ticks.
type CounterState struct {
	Next  int `json:"next"`
	To    int `json:"to"`
	Step  int `json:"step"`
	Sum   int `json:"sum"`
	Count int `json:"count"`
}

// CounterOutput is the final tick's output.
type CounterOutput struct {
	Sum   int `json:"sum"`
	Count int `json:"count"`
}

// Counter adds one number per tick.
type Counter struct{}

func (Counter) Metadata() action.Metadata {
	return action.Metadata{Key: "core.counter", Name: "Counter", Version: 1}
}

func (Counter) Init(_ action.Context, in CounterInput) (CounterState, error) {
	step := in.Step
	if step == 0 {
		step = 1
	}
	return CounterState{Next: in.From, To: in.To, Step: step}, nil
}

func (Counter) Tick(_ action.Context, s CounterState) (action.Tick[CounterState, CounterOutput], error) {
	if s.Next > s.To {
		return action.Done[CounterState](CounterOutput{Sum: s.Sum, Count: s.Count}), nil
	}
	s.Sum += s.Next
	s.Count++
	s.Next += s.Step
	return action.Continue[CounterState, CounterOutput](s), nil
}
