package models

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "onboarding/pkg/domain"
	dErrors "onboarding/pkg/domain-errors"
)

const (
	maker   id.ActorID = "maker"
	checker id.ActorID = "checker"
)

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		actor   id.ActorID
		req     TransitionRequest
		want    Status
		code    dErrors.Code
	}{
		{"draft to review", StatusDraft, maker, TransitionRequest{Action: ActionReadyToReview}, StatusReview, ""},
		{"reverted to review", StatusReverted, maker, TransitionRequest{Action: ActionReadyToReview}, StatusReview, ""},
		{"review by other actor", StatusDraft, checker, TransitionRequest{Action: ActionReadyToReview}, StatusDraft, dErrors.CodeForbidden},
		{"review twice", StatusReview, maker, TransitionRequest{Action: ActionReadyToReview}, StatusReview, dErrors.CodeInvalidState},
		{"approve", StatusReview, checker, TransitionRequest{Action: ActionApprove}, StatusWaitingAliasGeneration, ""},
		{"approve own", StatusReview, maker, TransitionRequest{Action: ActionApprove}, StatusReview, dErrors.CodeSameActorForbidden},
		{"approve draft", StatusDraft, checker, TransitionRequest{Action: ActionApprove}, StatusDraft, dErrors.CodeInvalidState},
		{"reject", StatusReview, checker, TransitionRequest{Action: ActionReject, Reason: "bad docs"}, StatusRejected, ""},
		{"reject without reason", StatusReview, checker, TransitionRequest{Action: ActionReject, Reason: "  "}, StatusReview, dErrors.CodeReasonRequired},
		{"revert", StatusReview, checker, TransitionRequest{Action: ActionRevert, Reason: "fix address"}, StatusReverted, ""},
		{"revert approved", StatusApproved, checker, TransitionRequest{Action: ActionRevert, Reason: "x"}, StatusApproved, dErrors.CodeInvalidState},
		{"reason checked before separation", StatusReview, maker, TransitionRequest{Action: ActionRevert}, StatusReview, dErrors.CodeReasonRequired},
		{"separation checked before state", StatusDraft, maker, TransitionRequest{Action: ActionReject, Reason: "x"}, StatusDraft, dErrors.CodeSameActorForbidden},
		{"complete allocation", StatusWaitingAliasGeneration, id.SystemActor, TransitionRequest{Action: ActionCompleteAllocation}, StatusApproved, ""},
		{"complete allocation by human", StatusWaitingAliasGeneration, checker, TransitionRequest{Action: ActionCompleteAllocation}, StatusWaitingAliasGeneration, dErrors.CodeForbidden},
		{"draft straight to approved", StatusDraft, id.SystemActor, TransitionRequest{Action: ActionCompleteAllocation}, StatusDraft, dErrors.CodeInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.current, tt.actor, maker, tt.req)
			if tt.code == "" {
				require.NoError(t, err)
			} else {
				assert.True(t, dErrors.HasCode(err, tt.code), "got %v", err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

var allowed = map[Status]map[Action]Status{
	StatusDraft:                  {ActionReadyToReview: StatusReview},
	StatusReverted:               {ActionReadyToReview: StatusReview},
	StatusReview:                 {ActionApprove: StatusWaitingAliasGeneration, ActionReject: StatusRejected, ActionRevert: StatusReverted},
	StatusWaitingAliasGeneration: {ActionCompleteAllocation: StatusApproved},
}

// Random sequences of actions by random actors never set approved_by to
// the submitter, and every move off the graph fails with InvalidState and
// leaves the status unchanged.
func TestMakerCheckerProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 2024))
	actors := []id.ActorID{"alice", "bob", "carol", id.SystemActor}
	actions := []Action{ActionReadyToReview, ActionApprove, ActionReject, ActionRevert, ActionCompleteAllocation}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for run := 0; run < 500; run++ {
		submitter := actors[rng.IntN(3)]
		m := completeMerchant(submitter)
		for step := 0; step < 12; step++ {
			actor := actors[rng.IntN(len(actors))]
			req := TransitionRequest{Action: actions[rng.IntN(len(actions))]}
			if rng.IntN(4) > 0 {
				req.Reason = "because"
			}

			before := m.Status
			err := m.Apply(actor, req, now)

			if err != nil {
				require.Equal(t, before, m.Status, "failed transition must not change status")
				if _, onGraph := allowed[before][req.Action]; !onGraph && dErrors.HasCode(err, dErrors.CodeInvalidState) {
					continue
				}
				if _, onGraph := allowed[before][req.Action]; !onGraph {
					// Off-graph attempts may be rejected earlier by actor or reason checks.
					require.True(t,
						dErrors.HasCode(err, dErrors.CodeForbidden) ||
							dErrors.HasCode(err, dErrors.CodeSameActorForbidden) ||
							dErrors.HasCode(err, dErrors.CodeReasonRequired),
						"unexpected error %v", err)
				}
				continue
			}

			require.Equal(t, allowed[before][req.Action], m.Status)
			if m.ApprovedBy != "" {
				require.NotEqual(t, m.SubmittedBy, m.ApprovedBy, "maker-checker violated")
			}
		}
	}
}

func TestOffGraphAttemptsWithValidActorAreInvalidState(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusReview, StatusWaitingAliasGeneration, StatusApproved, StatusRejected, StatusReverted} {
		for action, actor := range map[Action]id.ActorID{
			ActionReadyToReview:      maker,
			ActionApprove:            checker,
			ActionReject:             checker,
			ActionRevert:             checker,
			ActionCompleteAllocation: id.SystemActor,
		} {
			if _, ok := allowed[status][action]; ok {
				continue
			}
			got, err := Transition(status, actor, maker, TransitionRequest{Action: action, Reason: "r"})
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidState), "%s from %s: %v", action, status, err)
			assert.Equal(t, status, got)
		}
	}
}
