package builtin

import (
	"slices"
	"time"

	"github.com/roach88/nebula/internal/action"
	"github.com/roach88/nebula/internal/fault"
)

// ApprovalInput names what needs approving and, optionally, who may approve.
type ApprovalInput struct {
	Subject   string        `json:"subject" validate:"required"`
	Approvers []string      `json:"approvers,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" validate:"gte=0"`
}

// ApprovalResponse is the human's answer.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	By       string `json:"by" validate:"required"`
	Comment  string `json:"comment,omitempty"`
}

// ApprovalOutput is emitted when the subject is approved.
type ApprovalOutput struct {
	Subject    string `json:"subject"`
	ApprovedBy string `json:"approved_by"`
	Comment    string `json:"comment,omitempty"`
}

var errNotApprover = fault.New(fault.Validation, "responder is not an approver")

// Approval suspends until someone approves or rejects. A rejection breaks
// the path.
type Approval struct{}

func (Approval) Metadata() action.Metadata {
	return action.Metadata{Key: "core.approval", Name: "Approval", Version: 1}
}

func (Approval) RequestInteraction(_ action.Context, in ApprovalInput) (action.Interaction, error) {
	return action.Interaction{
		Prompt:  "Approve " + in.Subject + "?",
		Options: []string{"approve", "reject"},
		Timeout: in.Timeout,
	}, nil
}

func (Approval) HandleResponse(ctx action.Context, in ApprovalInput, resp ApprovalResponse) (action.Result[ApprovalOutput], error) {
	if len(in.Approvers) > 0 && !slices.Contains(in.Approvers, resp.By) {
		return action.Result[ApprovalOutput]{}, errNotApprover
	}
	if !resp.Approved {
		ctx.Logger().Info("approval rejected", "subject", in.Subject, "by", resp.By)
		return action.Break[ApprovalOutput]("rejected by " + resp.By), nil
	}
	return action.Success(ApprovalOutput{Subject: in.Subject, ApprovedBy: resp.By, Comment: resp.Comment}), nil
}
