package redlines

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
)

// Action names a state-changing step of the redline workflow.
type Action string

const (
	ActionUpload          Action = "upload"
	ActionSubmitForReview Action = "submit_for_review"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
)

var (
	// ErrInvalidTransition indicates that the version is not in the state the action requires.
	ErrInvalidTransition = errors.New("redlines: invalid review status transition")
	// ErrUnknownAction indicates an action name outside the workflow.
	ErrUnknownAction = errors.New("redlines: unknown action")
)

// ParseAction validates a workflow action name.
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case ActionUpload, ActionSubmitForReview, ActionApprove, ActionReject:
		return action, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
}

// transition returns the status a version moves to when action is applied in status from.
func transition(from ReviewStatus, action Action) (ReviewStatus, error) {
	switch action {
	case ActionSubmitForReview:
		if from == ReviewStatusUploaded {
			return ReviewStatusUnderReview, nil
		}
	case ActionApprove:
		if from == ReviewStatusUnderReview {
			return ReviewStatusApproved, nil
		}
	case ActionReject:
		if from == ReviewStatusUnderReview {
			return ReviewStatusRejected, nil
		}
	case ActionUpload:
		// Uploads create versions; they never move an existing one.
	}
	return "", fmt.Errorf("%w: cannot %s a version that is %s", ErrInvalidTransition, action, from)
}

// permitted applies the role gate for an action.
func permitted(role roles.Role, action Action) bool {
	switch action {
	case ActionUpload:
		return roles.CanUpload(role)
	case ActionSubmitForReview:
		return roles.CanSubmitForReview(role)
	case ActionApprove, ActionReject:
		return roles.CanReview(role)
	}
	return false
}

// AllowedActions lists the review actions the role may take on a version in the given status.
func AllowedActions(role roles.Role, status ReviewStatus) []Action {
	allowed := make([]Action, 0, 2)
	for _, action := range []Action{ActionSubmitForReview, ActionApprove, ActionReject} {
		if !permitted(role, action) {
			continue
		}
		if _, err := transition(status, action); err == nil {
			allowed = append(allowed, action)
		}
	}
	return allowed
}

// jobMirror maps a version review status to the job fields that mirror it.
func jobMirror(status ReviewStatus) (jobs.Status, jobs.RedlineStatus, error) {
	switch status {
	case ReviewStatusUploaded:
		return jobs.StatusRedlineUploaded, jobs.RedlineStatusUploaded, nil
	case ReviewStatusUnderReview:
		return jobs.StatusUnderClientReview, jobs.RedlineStatusUnderReview, nil
	case ReviewStatusApproved:
		return jobs.StatusApproved, jobs.RedlineStatusApproved, nil
	case ReviewStatusRejected:
		return jobs.StatusRejected, jobs.RedlineStatusRejected, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrInvalidReviewStatus, status)
}

// redlineStatusOf reports the displayed redline status for a job whose newest version is latest.
func redlineStatusOf(latest *Version) (jobs.RedlineStatus, error) {
	if latest == nil {
		return jobs.RedlineStatusNotUploaded, nil
	}
	_, redlineStatus, err := jobMirror(latest.ReviewStatus)
	return redlineStatus, err
}
