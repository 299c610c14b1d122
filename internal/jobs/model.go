package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the job lifecycle.
type Status string

const (
	StatusUnassigned          Status = "unassigned"
	StatusAssigned            Status = "assigned"
	StatusInProgress          Status = "in_progress"
	StatusProductionSubmitted Status = "production_submitted"
	StatusPendingRedlines     Status = "pending_redlines"
	StatusRedlineUploaded     Status = "redline_uploaded"
	StatusUnderClientReview   Status = "under_client_review"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusReadyToInvoice      Status = "ready_to_invoice"
	StatusCompleted           Status = "completed"
)

// RedlineStatus mirrors the review status of the job's latest redline version.
type RedlineStatus string

const (
	// RedlineStatusNotUploaded is reported for jobs without any redline version.
	RedlineStatusNotUploaded RedlineStatus = "not_uploaded"
	RedlineStatusUploaded    RedlineStatus = "uploaded"
	RedlineStatusUnderReview RedlineStatus = "under_review"
	RedlineStatusApproved    RedlineStatus = "approved"
	RedlineStatusRejected    RedlineStatus = "rejected"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidJobID indicates that a job identifier is empty or exceeds storage bounds.
	ErrInvalidJobID = errors.New("jobs: invalid job id")
	// ErrInvalidStatus indicates an unknown job status value.
	ErrInvalidStatus = errors.New("jobs: invalid status")
	// ErrInvalidRedlineStatus indicates an unknown redline status value.
	ErrInvalidRedlineStatus = errors.New("jobs: invalid redline status")
)

// JobID represents a validated job identifier.
type JobID string

// NewJobID validates raw input and returns a JobID.
func NewJobID(rawInput string) (JobID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidJobID, maxIdentifierLength)
	}
	return JobID(trimmed), nil
}

// String returns the underlying string identifier.
func (id JobID) String() string {
	return string(id)
}

// ParseStatus validates a raw job status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusUnassigned, StatusAssigned, StatusInProgress, StatusProductionSubmitted,
		StatusPendingRedlines, StatusRedlineUploaded, StatusUnderClientReview,
		StatusApproved, StatusRejected, StatusReadyToInvoice, StatusCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseRedlineStatus validates a raw redline status.
func ParseRedlineStatus(raw string) (RedlineStatus, error) {
	status := RedlineStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case RedlineStatusNotUploaded, RedlineStatusUploaded, RedlineStatusUnderReview,
		RedlineStatusApproved, RedlineStatusRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRedlineStatus, raw)
	}
}

// Job is the parent work order. The redline columns are owned by the redline workflow.
type Job struct {
	ID                       string        `gorm:"column:id;primaryKey;size:190;not null"`
	JobCode                  string        `gorm:"column:job_code;size:50;not null;uniqueIndex"`
	Title                    string        `gorm:"column:title;size:255;not null"`
	ClientName               string        `gorm:"column:client_name;size:255;not null;default:''"`
	AssignedToUserID         string        `gorm:"column:assigned_to_user_id;size:190;not null;default:'';index"`
	CreatedByUserID          string        `gorm:"column:created_by_user_id;size:190;not null"`
	Status                   Status        `gorm:"column:status;size:40;not null;index:idx_jobs_status_created,priority:1"`
	RedlineStatus            RedlineStatus `gorm:"column:redline_status;size:40;not null;default:'not_uploaded';index"`
	SRNumber                 *string       `gorm:"column:sr_number;size:100"`
	LastRedlineVersionNumber int64         `gorm:"column:last_redline_version_number;not null;default:0"`
	StatusChangedAt          time.Time     `gorm:"column:status_changed_at;not null"`
	CreatedAt                time.Time     `gorm:"column:created_at;not null;index:idx_jobs_status_created,priority:2"`
	UpdatedAt                time.Time     `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Job) TableName() string {
	return "jobs"
}

// manualTransitions lists the lifecycle steps that are driven by job managers.
// Redline statuses are written exclusively by the redline workflow.
var manualTransitions = map[Status]Status{
	StatusUnassigned:          StatusAssigned,
	StatusAssigned:            StatusInProgress,
	StatusInProgress:          StatusProductionSubmitted,
	StatusProductionSubmitted: StatusPendingRedlines,
	StatusApproved:            StatusReadyToInvoice,
	StatusReadyToInvoice:      StatusCompleted,
}

// CanAdvance reports whether a manager may move a job from one status to another.
func CanAdvance(from, to Status) bool {
	next, ok := manualTransitions[from]
	return ok && next == to
}
