package redlines

import (
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAuditImmutable is returned when code attempts to modify or remove an audit record.
var ErrAuditImmutable = errors.New("redlines: review audit records are append-only")

// ReviewAudit records one state-changing action on a redline version.
type ReviewAudit struct {
	ID          string            `gorm:"column:id;primaryKey;size:190;not null"`
	VersionID   string            `gorm:"column:version_id;size:190;not null;index:idx_redline_audits_version_created,priority:1"`
	JobID       string            `gorm:"column:job_id;size:190;not null;index:idx_redline_audits_job_created,priority:1"`
	ActorUserID string            `gorm:"column:actor_user_id;size:190;not null;index:idx_redline_audits_actor_created,priority:1"`
	ActorName   string            `gorm:"column:actor_name;size:255;not null"`
	ActorRole   string            `gorm:"column:actor_role;size:40;not null"`
	Action      Action            `gorm:"column:action;size:40;not null"`
	FromStatus  string            `gorm:"column:from_status;size:40;not null;default:''"`
	ToStatus    ReviewStatus      `gorm:"column:to_status;size:40;not null"`
	SRNumber    *string           `gorm:"column:sr_number;size:100"`
	Notes       *string           `gorm:"column:notes;type:text"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt   time.Time         `gorm:"column:created_at;not null;index:idx_redline_audits_version_created,priority:2;index:idx_redline_audits_job_created,priority:2;index:idx_redline_audits_actor_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewAudit) TableName() string {
	return "redline_review_audits"
}

// BeforeUpdate refuses every update.
func (ReviewAudit) BeforeUpdate(*gorm.DB) error {
	return ErrAuditImmutable
}

// BeforeDelete refuses every delete.
func (ReviewAudit) BeforeDelete(*gorm.DB) error {
	return ErrAuditImmutable
}

// RequestMetadata is caller context stored alongside each audit record.
type RequestMetadata struct {
	RequestID string
	ClientIP  string
	UserAgent string
}

func (m RequestMetadata) toJSONMap() datatypes.JSONMap {
	values := datatypes.JSONMap{}
	if value := strings.TrimSpace(m.RequestID); value != "" {
		values["request_id"] = value
	}
	if value := strings.TrimSpace(m.ClientIP); value != "" {
		values["client_ip"] = value
	}
	if value := strings.TrimSpace(m.UserAgent); value != "" {
		values["user_agent"] = value
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
