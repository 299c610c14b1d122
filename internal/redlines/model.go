package redlines

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
)

// ReviewStatus enumerates the review states of a single redline version.
type ReviewStatus string

const (
	ReviewStatusUploaded    ReviewStatus = "uploaded"
	ReviewStatusUnderReview ReviewStatus = "under_review"
	ReviewStatusApproved    ReviewStatus = "approved"
	ReviewStatusRejected    ReviewStatus = "rejected"
)

const (
	maxIdentifierLength = 190
	maxFileNameLength   = 255
	maxNotesLength      = 4000
)

var (
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("redlines: invalid version id")
	// ErrInvalidReviewStatus indicates an unknown review status value.
	ErrInvalidReviewStatus = errors.New("redlines: invalid review status")
	// ErrInvalidFile indicates that a file descriptor is incomplete.
	ErrInvalidFile = errors.New("redlines: invalid file")
)

// VersionID represents a validated redline version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// ParseReviewStatus validates a raw review status.
func ParseReviewStatus(raw string) (ReviewStatus, error) {
	status := ReviewStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case ReviewStatusUploaded, ReviewStatusUnderReview, ReviewStatusApproved, ReviewStatusRejected:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReviewStatus, raw)
	}
}

// Version is one submitted revision of a job's redline documents.
type Version struct {
	ID               string       `gorm:"column:id;primaryKey;size:190;not null"`
	JobID            string       `gorm:"column:job_id;size:190;not null;uniqueIndex:idx_redline_versions_job_number,priority:1"`
	VersionNumber    int64        `gorm:"column:version_number;not null;uniqueIndex:idx_redline_versions_job_number,priority:2"`
	UploadedByUserID string       `gorm:"column:uploaded_by_user_id;size:190;not null"`
	UploadedByName   string       `gorm:"column:uploaded_by_name;size:255;not null"`
	UploadedAt       time.Time    `gorm:"column:uploaded_at;not null"`
	InternalNotes    *string      `gorm:"column:internal_notes;type:text"`
	ClientNotes      *string      `gorm:"column:client_notes;type:text"`
	ReviewStatus     ReviewStatus `gorm:"column:review_status;size:40;not null;index"`
	ReviewedAt       *time.Time   `gorm:"column:reviewed_at"`
	ReviewedByUserID *string      `gorm:"column:reviewed_by_user_id;size:190"`
	ReviewedByName   *string      `gorm:"column:reviewed_by_name;size:255"`
	ReviewerNotes    *string      `gorm:"column:reviewer_notes;type:text"`
	Files            []File       `gorm:"foreignKey:VersionID;references:ID;constraint:OnDelete:CASCADE"`
	Job              *jobs.Job    `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "redline_versions"
}

// VisibleTo returns a copy of the version with fields the role may not read removed.
func (v Version) VisibleTo(role roles.Role) Version {
	visible := v
	if !roles.CanViewInternalNotes(role) {
		visible.InternalNotes = nil
	}
	if v.Files != nil {
		visible.Files = append([]File(nil), v.Files...)
	}
	return visible
}

// File is a single document attached to a version.
type File struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null"`
	VersionID      string    `gorm:"column:version_id;size:190;not null;uniqueIndex:idx_redline_files_version_position,priority:1"`
	Position       int       `gorm:"column:position;not null;uniqueIndex:idx_redline_files_version_position,priority:2"`
	StorageURL     string    `gorm:"column:storage_url;size:2048;not null"`
	FileName       string    `gorm:"column:file_name;size:255;not null"`
	MimeType       string    `gorm:"column:mime_type;size:255;not null"`
	SizeBytes      int64     `gorm:"column:size_bytes;not null"`
	ChecksumSHA256 string    `gorm:"column:checksum_sha256;size:64;not null;default:''"`
	PageCount      *int      `gorm:"column:page_count"`
	UploadedAt     time.Time `gorm:"column:uploaded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "redline_files"
}

// FileInput describes a stored document that should be attached to a new version.
type FileInput struct {
	StorageURL     string
	FileName       string
	MimeType       string
	SizeBytes      int64
	ChecksumSHA256 string
	PageCount      *int
}

// normalize trims the descriptor and checks that it is complete.
func (f FileInput) normalize() (FileInput, error) {
	normalized := f
	normalized.FileName = strings.TrimSpace(f.FileName)
	normalized.StorageURL = strings.TrimSpace(f.StorageURL)
	normalized.ChecksumSHA256 = strings.ToLower(strings.TrimSpace(f.ChecksumSHA256))

	if normalized.FileName == "" {
		return FileInput{}, fmt.Errorf("%w: missing file name", ErrInvalidFile)
	}
	if len(normalized.FileName) > maxFileNameLength {
		return FileInput{}, fmt.Errorf("%w: file name exceeds %d characters", ErrInvalidFile, maxFileNameLength)
	}
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(f.MimeType))
	if err != nil {
		return FileInput{}, fmt.Errorf("%w: mime type %q: %v", ErrInvalidFile, f.MimeType, err)
	}
	if !strings.Contains(mediaType, "/") {
		return FileInput{}, fmt.Errorf("%w: mime type %q has no subtype", ErrInvalidFile, f.MimeType)
	}
	normalized.MimeType = mediaType
	if f.SizeBytes <= 0 {
		return FileInput{}, fmt.Errorf("%w: size must be positive", ErrInvalidFile)
	}
	if normalized.StorageURL == "" {
		return FileInput{}, fmt.Errorf("%w: missing storage url", ErrInvalidFile)
	}
	if f.PageCount != nil && *f.PageCount < 0 {
		return FileInput{}, fmt.Errorf("%w: negative page count", ErrInvalidFile)
	}
	return normalized, nil
}

func optionalText(raw string) *string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
