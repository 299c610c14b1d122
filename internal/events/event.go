// Package events carries redline workflow notifications to in-process
// subscribers and to the Redis event stream consumed by other services.
package events

import (
	"context"
	"time"
)

// Type names a workflow event.
type Type string

const (
	TypeRedlineUploaded           Type = "redline.uploaded"
	TypeRedlineSubmittedForReview Type = "redline.submitted_for_review"
	TypeRedlineApproved           Type = "redline.approved"
	TypeRedlineRejected           Type = "redline.rejected"
)

// Event describes a committed change to a redline version.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	JobID         string    `json:"job_id"`
	VersionID     string    `json:"version_id"`
	VersionNumber int64     `json:"version_number"`
	Status        string    `json:"status"`
	ActorUserID   string    `json:"actor_user_id"`
	ActorRole     string    `json:"actor_role"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error {
	return nil
}
