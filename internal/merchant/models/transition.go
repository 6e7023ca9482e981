package models

import (
	"strings"

	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
)

// Action names a requested state change.
type Action string

const (
	ActionReadyToReview      Action = "ready_to_review"
	ActionApprove            Action = "approve"
	ActionReject             Action = "reject"
	ActionRevert             Action = "revert"
	ActionCompleteAllocation Action = "complete_allocation"
)

// TransitionRequest is one requested state change. Reason is required for
// reject and revert.
type TransitionRequest struct {
	Action Action
	Reason string
}

// Transition computes the next status for req. It is pure: it reads no
// store and mutates nothing. Checker actions validate reason, then
// maker-checker separation, then current status. Ready-to-review validates
// the actor before the status.
func Transition(current Status, actor, submitter id.ActorID, req TransitionRequest) (Status, error) {
	switch req.Action {
	case ActionReadyToReview:
		if actor != submitter {
			return current, dErrors.New(dErrors.CodeForbidden, "only the submitter can send a merchant to review")
		}
		if !current.Editable() {
			return current, invalidState(req.Action, current)
		}
		return StatusReview, nil

	case ActionApprove, ActionReject, ActionRevert:
		if req.Action != ActionApprove && strings.TrimSpace(req.Reason) == "" {
			return current, dErrors.New(dErrors.CodeReasonRequired, "a reason is required to "+string(req.Action))
		}
		if actor == submitter {
			return current, dErrors.New(dErrors.CodeSameActorForbidden, "the submitter cannot "+string(req.Action)+" their own merchant")
		}
		if current != StatusReview {
			return current, invalidState(req.Action, current)
		}
		switch req.Action {
		case ActionApprove:
			return StatusWaitingAliasGeneration, nil
		case ActionReject:
			return StatusRejected, nil
		default:
			return StatusReverted, nil
		}

	case ActionCompleteAllocation:
		if actor != id.SystemActor {
			return current, dErrors.New(dErrors.CodeForbidden, "alias assignment is performed by the allocator only")
		}
		if current != StatusWaitingAliasGeneration {
			return current, invalidState(req.Action, current)
		}
		return StatusApproved, nil

	default:
		return current, dErrors.New(dErrors.CodeBadRequest, "unknown transition "+string(req.Action))
	}
}

func invalidState(action Action, current Status) error {
	return dErrors.New(dErrors.CodeInvalidState, "cannot "+string(action)+" a merchant in status "+string(current))
}
