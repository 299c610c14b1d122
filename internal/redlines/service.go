package redlines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/events"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/svcerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew      = "redlines.service.new"
	opUpload          = "redlines.upload"
	opSubmitForReview = "redlines.submit_for_review"
	opApprove         = "redlines.approve"
	opReject          = "redlines.reject"
	opListJobRedlines = "redlines.list"
	opGetVersion      = "redlines.get"
	opJobStatus       = "redlines.job_status"
	opListAudit       = "redlines.audit"
	maxSRNumberLength = 100
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrVersionNotFound indicates the referenced redline version does not exist.
	ErrVersionNotFound = errors.New("redlines: version not found")
	noOpLogger         = zap.NewNop()
)

// OperationObserver receives the outcome and latency of every workflow operation.
type OperationObserver interface {
	ObserveOperation(operation string, err error, elapsed time.Duration)
}

// ServiceConfig describes the dependencies of the redline workflow engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	Publisher  events.Publisher
	Observer   OperationObserver
}

// Service enforces the redline review state machine and keeps the job mirror in sync.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	publisher  events.Publisher
	observer   OperationObserver
}

// NewService constructs a redline workflow engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, svcerror.New(opServiceNew, "missing_database", svcerror.KindPersistence, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, svcerror.New(opServiceNew, "missing_id_provider", svcerror.KindPersistence, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		publisher:  publisher,
		observer:   cfg.Observer,
	}, nil
}

// UploadVersionRequest carries a new redline version for a job.
type UploadVersionRequest struct {
	JobID         jobs.JobID
	Files         []FileInput
	InternalNotes string
	ClientNotes   string
	Actor         roles.Actor
	Metadata      RequestMetadata
}

// UploadVersion creates the next version of a job's redlines together with its files.
// The version number is allocated by an atomic increment on the job row inside the
// same transaction that inserts the version, its files and the audit record.
func (s *Service) UploadVersion(ctx context.Context, request UploadVersionRequest) (version Version, err error) {
	started := time.Now()
	defer func() { s.observe(ActionUpload, started, err) }()

	if err := s.authorize(opUpload, request.Actor, ActionUpload); err != nil {
		return Version{}, err
	}
	jobID, idErr := jobs.NewJobID(request.JobID.String())
	if idErr != nil {
		return Version{}, svcerror.New(opUpload, "invalid_job_id", svcerror.KindValidation, idErr)
	}
	if len(request.Files) == 0 {
		return Version{}, svcerror.New(opUpload, "missing_files", svcerror.KindValidation, nil)
	}
	inputs := make([]FileInput, 0, len(request.Files))
	for index, file := range request.Files {
		normalized, fileErr := file.normalize()
		if fileErr != nil {
			return Version{}, svcerror.New(opUpload, "invalid_file", svcerror.KindValidation,
				fmt.Errorf("file %d: %w", index, fileErr))
		}
		inputs = append(inputs, normalized)
	}
	internalNotes := optionalText(request.InternalNotes)
	clientNotes := optionalText(request.ClientNotes)
	if tooLong(internalNotes) || tooLong(clientNotes) {
		return Version{}, svcerror.New(opUpload, "notes_too_long", svcerror.KindValidation, nil)
	}

	recordIDs, idErr := s.newIDs(len(inputs) + 3)
	if idErr != nil {
		s.logError(opUpload, "id_generation_failed", idErr, zap.String("job_id", jobID.String()))
		return Version{}, svcerror.New(opUpload, "id_generation_failed", svcerror.KindPersistence, idErr)
	}
	versionID, auditID, eventID, fileIDs := recordIDs[0], recordIDs[1], recordIDs[2], recordIDs[3:]

	now := s.clock().UTC()
	jobStatus, redlineStatus, mirrorErr := jobMirror(ReviewStatusUploaded)
	if mirrorErr != nil {
		return Version{}, svcerror.New(opUpload, "invalid_status", svcerror.KindValidation, mirrorErr)
	}

	var created Version
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&jobs.Job{}).
			Where("id = ?", jobID.String()).
			Updates(map[string]interface{}{
				"last_redline_version_number": gorm.Expr("last_redline_version_number + ?", 1),
				"status":                      string(jobStatus),
				"redline_status":              string(redlineStatus),
				"status_changed_at":           now,
				"updated_at":                  now,
			})
		if result.Error != nil {
			s.logError(opUpload, "version_allocation_failed", result.Error, zap.String("job_id", jobID.String()))
			return svcerror.New(opUpload, "version_allocation_failed", svcerror.KindPersistence, result.Error)
		}
		if result.RowsAffected == 0 {
			return svcerror.New(opUpload, "job_not_found", svcerror.KindNotFound, jobs.ErrJobNotFound)
		}

		var job jobs.Job
		if err := tx.Select("id", "last_redline_version_number").Where("id = ?", jobID.String()).Take(&job).Error; err != nil {
			s.logError(opUpload, "version_allocation_failed", err, zap.String("job_id", jobID.String()))
			return svcerror.New(opUpload, "version_allocation_failed", svcerror.KindPersistence, err)
		}

		created = Version{
			ID:               versionID,
			JobID:            jobID.String(),
			VersionNumber:    job.LastRedlineVersionNumber,
			UploadedByUserID: request.Actor.UserID,
			UploadedByName:   request.Actor.Name,
			UploadedAt:       now,
			InternalNotes:    internalNotes,
			ClientNotes:      clientNotes,
			ReviewStatus:     ReviewStatusUploaded,
		}
		if err := tx.Omit(clause.Associations).Create(&created).Error; err != nil {
			s.logError(opUpload, "version_insert_failed", err,
				zap.String("job_id", jobID.String()),
				zap.Int64("version_number", created.VersionNumber))
			return svcerror.New(opUpload, "version_insert_failed", svcerror.KindPersistence, err)
		}

		files := make([]File, 0, len(inputs))
		for position, input := range inputs {
			files = append(files, File{
				ID:             fileIDs[position],
				VersionID:      versionID,
				Position:       position,
				StorageURL:     input.StorageURL,
				FileName:       input.FileName,
				MimeType:       input.MimeType,
				SizeBytes:      input.SizeBytes,
				ChecksumSHA256: input.ChecksumSHA256,
				PageCount:      input.PageCount,
				UploadedAt:     now,
			})
		}
		if err := tx.Create(&files).Error; err != nil {
			s.logError(opUpload, "file_insert_failed", err,
				zap.String("job_id", jobID.String()),
				zap.String("version_id", versionID))
			return svcerror.New(opUpload, "file_insert_failed", svcerror.KindPersistence, err)
		}
		created.Files = files

		audit := ReviewAudit{
			ID:          auditID,
			VersionID:   versionID,
			JobID:       jobID.String(),
			ActorUserID: request.Actor.UserID,
			ActorName:   request.Actor.Name,
			ActorRole:   request.Actor.Role.String(),
			Action:      ActionUpload,
			ToStatus:    ReviewStatusUploaded,
			Metadata:    request.Metadata.toJSONMap(),
			CreatedAt:   now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opUpload, "audit_insert_failed", err, zap.String("version_id", versionID))
			return svcerror.New(opUpload, "audit_insert_failed", svcerror.KindPersistence, err)
		}
		return nil
	})
	if txErr != nil {
		return Version{}, s.transactionError(opUpload, txErr, zap.String("job_id", jobID.String()))
	}

	s.logger.Info("redline version uploaded",
		zap.String("job_id", created.JobID),
		zap.String("version_id", created.ID),
		zap.Int64("version_number", created.VersionNumber),
		zap.Int("file_count", len(created.Files)),
		zap.String("actor_user_id", request.Actor.UserID))
	s.publish(ctx, eventID, ActionUpload, created, request.Actor)
	return created, nil
}

// ReviewRequest identifies a version and the actor acting on it.
type ReviewRequest struct {
	VersionID VersionID
	Actor     roles.Actor
	Metadata  RequestMetadata
}

// SubmitForReview moves an uploaded version to under_review.
func (s *Service) SubmitForReview(ctx context.Context, request ReviewRequest) (version Version, err error) {
	started := time.Now()
	defer func() { s.observe(ActionSubmitForReview, started, err) }()

	if err := s.authorize(opSubmitForReview, request.Actor, ActionSubmitForReview); err != nil {
		return Version{}, err
	}
	return s.applyReview(ctx, reviewChange{
		operation: opSubmitForReview,
		action:    ActionSubmitForReview,
		request:   request,
	})
}

// ApproveRequest approves a version under review with the client's SR number.
type ApproveRequest struct {
	ReviewRequest
	SRNumber string
}

// ApproveRedline approves a version under review and records the SR number on the job.
func (s *Service) ApproveRedline(ctx context.Context, request ApproveRequest) (version Version, err error) {
	started := time.Now()
	defer func() { s.observe(ActionApprove, started, err) }()

	if err := s.authorize(opApprove, request.Actor, ActionApprove); err != nil {
		return Version{}, err
	}
	srNumber := strings.TrimSpace(request.SRNumber)
	if srNumber == "" {
		return Version{}, svcerror.New(opApprove, "missing_sr_number", svcerror.KindValidation, nil)
	}
	if len(srNumber) > maxSRNumberLength {
		return Version{}, svcerror.New(opApprove, "sr_number_too_long", svcerror.KindValidation, nil)
	}
	return s.applyReview(ctx, reviewChange{
		operation: opApprove,
		action:    ActionApprove,
		request:   request.ReviewRequest,
		srNumber:  &srNumber,
	})
}

// RejectRequest rejects a version under review with the reviewer's reason.
type RejectRequest struct {
	ReviewRequest
	Notes string
}

// RejectRedline rejects a version under review. The job keeps any SR number from an earlier approval.
func (s *Service) RejectRedline(ctx context.Context, request RejectRequest) (version Version, err error) {
	started := time.Now()
	defer func() { s.observe(ActionReject, started, err) }()

	if err := s.authorize(opReject, request.Actor, ActionReject); err != nil {
		return Version{}, err
	}
	notes := optionalText(request.Notes)
	if notes == nil {
		return Version{}, svcerror.New(opReject, "missing_notes", svcerror.KindValidation, nil)
	}
	if tooLong(notes) {
		return Version{}, svcerror.New(opReject, "notes_too_long", svcerror.KindValidation, nil)
	}
	return s.applyReview(ctx, reviewChange{
		operation: opReject,
		action:    ActionReject,
		request:   request.ReviewRequest,
		notes:     notes,
	})
}

type reviewChange struct {
	operation string
	action    Action
	request   ReviewRequest
	srNumber  *string
	notes     *string
}

// applyReview performs a compare-and-set on the version status, mirrors the new status
// onto the job when the version is still the job's latest, and appends the audit record.
func (s *Service) applyReview(ctx context.Context, change reviewChange) (Version, error) {
	versionID, idErr := NewVersionID(change.request.VersionID.String())
	if idErr != nil {
		return Version{}, svcerror.New(change.operation, "invalid_version_id", svcerror.KindValidation, idErr)
	}
	recordIDs, idErr := s.newIDs(2)
	if idErr != nil {
		s.logError(change.operation, "id_generation_failed", idErr, zap.String("version_id", versionID.String()))
		return Version{}, svcerror.New(change.operation, "id_generation_failed", svcerror.KindPersistence, idErr)
	}
	auditID, eventID := recordIDs[0], recordIDs[1]
	actor := change.request.Actor

	var (
		updated  Version
		mirrored bool
	)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Version
		err := tx.Where("id = ?", versionID.String()).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerror.New(change.operation, "not_found", svcerror.KindNotFound, ErrVersionNotFound)
		}
		if err != nil {
			s.logError(change.operation, "version_select_failed", err, zap.String("version_id", versionID.String()))
			return svcerror.New(change.operation, "version_select_failed", svcerror.KindPersistence, err)
		}

		next, err := transition(current.ReviewStatus, change.action)
		if err != nil {
			return svcerror.New(change.operation, "invalid_transition", svcerror.KindValidation, err)
		}
		jobStatus, redlineStatus, err := jobMirror(next)
		if err != nil {
			return svcerror.New(change.operation, "invalid_transition", svcerror.KindValidation, err)
		}

		now := s.clock().UTC()
		versionUpdates := map[string]interface{}{
			"review_status": string(next),
		}
		if change.action == ActionApprove || change.action == ActionReject {
			versionUpdates["reviewed_at"] = now
			versionUpdates["reviewed_by_user_id"] = actor.UserID
			versionUpdates["reviewed_by_name"] = actor.Name
		}
		if change.notes != nil {
			versionUpdates["reviewer_notes"] = *change.notes
		}
		result := tx.Model(&Version{}).
			Where("id = ? AND review_status = ?", current.ID, string(current.ReviewStatus)).
			Updates(versionUpdates)
		if result.Error != nil {
			s.logError(change.operation, "version_update_failed", result.Error,
				zap.String("job_id", current.JobID),
				zap.String("version_id", current.ID))
			return svcerror.New(change.operation, "version_update_failed", svcerror.KindPersistence, result.Error)
		}
		if result.RowsAffected == 0 {
			return svcerror.New(change.operation, "invalid_transition", svcerror.KindValidation,
				fmt.Errorf("%w: version changed concurrently", ErrInvalidTransition))
		}

		jobUpdates := map[string]interface{}{
			"status":            string(jobStatus),
			"redline_status":    string(redlineStatus),
			"status_changed_at": now,
			"updated_at":        now,
		}
		jobResult := tx.Model(&jobs.Job{}).
			Where("id = ? AND last_redline_version_number = ?", current.JobID, current.VersionNumber).
			Updates(jobUpdates)
		if jobResult.Error != nil {
			s.logError(change.operation, "job_update_failed", jobResult.Error,
				zap.String("job_id", current.JobID),
				zap.String("version_id", current.ID))
			return svcerror.New(change.operation, "job_update_failed", svcerror.KindPersistence, jobResult.Error)
		}
		mirrored = jobResult.RowsAffected > 0

		// The SR number is not part of the status mirror: an issued SR lands on the job
		// even when the approved version has since been superseded.
		if change.srNumber != nil {
			srResult := tx.Model(&jobs.Job{}).
				Where("id = ?", current.JobID).
				Updates(map[string]interface{}{"sr_number": *change.srNumber, "updated_at": now})
			if srResult.Error != nil {
				s.logError(change.operation, "job_update_failed", srResult.Error,
					zap.String("job_id", current.JobID),
					zap.String("version_id", current.ID))
				return svcerror.New(change.operation, "job_update_failed", svcerror.KindPersistence, srResult.Error)
			}
		}

		audit := ReviewAudit{
			ID:          auditID,
			VersionID:   current.ID,
			JobID:       current.JobID,
			ActorUserID: actor.UserID,
			ActorName:   actor.Name,
			ActorRole:   actor.Role.String(),
			Action:      change.action,
			FromStatus:  string(current.ReviewStatus),
			ToStatus:    next,
			SRNumber:    change.srNumber,
			Notes:       change.notes,
			Metadata:    change.request.Metadata.toJSONMap(),
			CreatedAt:   now,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(change.operation, "audit_insert_failed", err,
				zap.String("job_id", current.JobID),
				zap.String("version_id", current.ID))
			return svcerror.New(change.operation, "audit_insert_failed", svcerror.KindPersistence, err)
		}

		return loadVersion(tx, current.ID, &updated)
	})
	if txErr != nil {
		return Version{}, s.transactionError(change.operation, txErr, zap.String("version_id", versionID.String()))
	}

	fields := []zap.Field{
		zap.String("job_id", updated.JobID),
		zap.String("version_id", updated.ID),
		zap.Int64("version_number", updated.VersionNumber),
		zap.String("review_status", string(updated.ReviewStatus)),
		zap.String("actor_user_id", actor.UserID),
	}
	if mirrored {
		s.logger.Info("redline review status changed", fields...)
	} else {
		s.logger.Warn("redline review status changed on superseded version", fields...)
	}
	s.publish(ctx, eventID, change.action, updated, actor)
	return updated, nil
}

// ListJobRedlines returns every version of the job newest first, each with its files in order.
// A job without versions yields an empty list.
func (s *Service) ListJobRedlines(ctx context.Context, jobID jobs.JobID) ([]Version, error) {
	if err := s.ensureJob(ctx, opListJobRedlines, jobID); err != nil {
		return nil, err
	}
	versions := make([]Version, 0)
	err := s.db.WithContext(ctx).
		Preload("Files", orderFiles).
		Where("job_id = ?", jobID.String()).
		Order("version_number DESC").
		Find(&versions).Error
	if err != nil {
		s.logError(opListJobRedlines, "query_failed", err, zap.String("job_id", jobID.String()))
		return nil, svcerror.New(opListJobRedlines, "query_failed", svcerror.KindPersistence, err)
	}
	return versions, nil
}

// GetVersion loads a version with its files.
func (s *Service) GetVersion(ctx context.Context, versionID VersionID) (Version, error) {
	var version Version
	err := loadVersion(s.db.WithContext(ctx), versionID.String(), &version)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, svcerror.New(opGetVersion, "not_found", svcerror.KindNotFound, ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err, zap.String("version_id", versionID.String()))
		return Version{}, svcerror.New(opGetVersion, "query_failed", svcerror.KindPersistence, err)
	}
	return version, nil
}

// JobRedlineStatus computes the job's redline status from its newest version at read time.
func (s *Service) JobRedlineStatus(ctx context.Context, jobID jobs.JobID) (jobs.RedlineStatus, error) {
	if err := s.ensureJob(ctx, opJobStatus, jobID); err != nil {
		return "", err
	}
	var latest []Version
	err := s.db.WithContext(ctx).
		Select("id", "review_status", "version_number").
		Where("job_id = ?", jobID.String()).
		Order("version_number DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		s.logError(opJobStatus, "query_failed", err, zap.String("job_id", jobID.String()))
		return "", svcerror.New(opJobStatus, "query_failed", svcerror.KindPersistence, err)
	}
	var newest *Version
	if len(latest) > 0 {
		newest = &latest[0]
	}
	status, err := redlineStatusOf(newest)
	if err != nil {
		s.logError(opJobStatus, "invalid_status", err, zap.String("job_id", jobID.String()))
		return "", svcerror.New(opJobStatus, "invalid_status", svcerror.KindPersistence, err)
	}
	return status, nil
}

// ListReviewAudit returns the audit trail of one version in chronological order.
func (s *Service) ListReviewAudit(ctx context.Context, versionID VersionID) ([]ReviewAudit, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Version{}).Where("id = ?", versionID.String()).Count(&count).Error; err != nil {
		s.logError(opListAudit, "query_failed", err, zap.String("version_id", versionID.String()))
		return nil, svcerror.New(opListAudit, "query_failed", svcerror.KindPersistence, err)
	}
	if count == 0 {
		return nil, svcerror.New(opListAudit, "not_found", svcerror.KindNotFound, ErrVersionNotFound)
	}
	return s.queryAudit(ctx, "version_id = ?", versionID.String(), AuditFilter{})
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Action Action
}

// ListJobAudit returns the audit trail across all versions of a job in chronological order.
func (s *Service) ListJobAudit(ctx context.Context, jobID jobs.JobID, filter AuditFilter) ([]ReviewAudit, error) {
	if err := s.ensureJob(ctx, opListAudit, jobID); err != nil {
		return nil, err
	}
	return s.queryAudit(ctx, "job_id = ?", jobID.String(), filter)
}

// ListAuditByActor returns every action a user took, across jobs, in chronological order.
func (s *Service) ListAuditByActor(ctx context.Context, userID string, filter AuditFilter) ([]ReviewAudit, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, svcerror.New(opListAudit, "missing_user_id", svcerror.KindValidation, errors.New("user id is required"))
	}
	return s.queryAudit(ctx, "actor_user_id = ?", userID, filter)
}

func (s *Service) queryAudit(ctx context.Context, condition string, value string, filter AuditFilter) ([]ReviewAudit, error) {
	query := s.db.WithContext(ctx).Where(condition, value)
	if filter.Action != "" {
		action, err := ParseAction(string(filter.Action))
		if err != nil {
			return nil, svcerror.New(opListAudit, "invalid_action", svcerror.KindValidation, err)
		}
		query = query.Where("action = ?", string(action))
	}
	records := make([]ReviewAudit, 0)
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListAudit, "query_failed", err, zap.String("filter", value))
		return nil, svcerror.New(opListAudit, "query_failed", svcerror.KindPersistence, err)
	}
	return records, nil
}
func (s *Service) ensureJob(ctx context.Context, operation string, jobID jobs.JobID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&jobs.Job{}).Where("id = ?", jobID.String()).Count(&count).Error; err != nil {
		s.logError(operation, "job_select_failed", err, zap.String("job_id", jobID.String()))
		return svcerror.New(operation, "job_select_failed", svcerror.KindPersistence, err)
	}
	if count == 0 {
		return svcerror.New(operation, "job_not_found", svcerror.KindNotFound, jobs.ErrJobNotFound)
	}
	return nil
}

func loadVersion(db *gorm.DB, versionID string, target *Version) error {
	return db.Preload("Files", orderFiles).Where("id = ?", versionID).Take(target).Error
}

func orderFiles(db *gorm.DB) *gorm.DB {
	return db.Order("position ASC")
}

func (s *Service) authorize(operation string, actor roles.Actor, action Action) error {
	if err := actor.Validate(); err != nil {
		return svcerror.New(operation, "invalid_actor", svcerror.KindAuthorization, err)
	}
	if !permitted(actor.Role, action) {
		return svcerror.New(operation, "forbidden", svcerror.KindAuthorization,
			fmt.Errorf("role %s may not %s", actor.Role, action))
	}
	return nil
}

func (s *Service) newIDs(count int) ([]string, error) {
	generated := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := s.idProvider.NewID()
		if err != nil {
			return nil, err
		}
		generated = append(generated, id)
	}
	return generated, nil
}

func (s *Service) transactionError(operation string, txErr error, fields ...zap.Field) error {
	var serviceErr *svcerror.Error
	if errors.As(txErr, &serviceErr) {
		return txErr
	}
	s.logError(operation, "transaction_failed", txErr, fields...)
	return svcerror.New(operation, "transaction_failed", svcerror.KindPersistence, txErr)
}

func (s *Service) publish(ctx context.Context, eventID string, action Action, version Version, actor roles.Actor) {
	event := events.Event{
		ID:            eventID,
		Type:          eventTypeFor(action),
		JobID:         version.JobID,
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Status:        string(version.ReviewStatus),
		ActorUserID:   actor.UserID,
		ActorRole:     actor.Role.String(),
		OccurredAt:    s.clock().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("redline event publish failed",
			zap.String("event_type", string(event.Type)),
			zap.String("job_id", event.JobID),
			zap.String("version_id", event.VersionID),
			zap.Error(err))
	}
}

func eventTypeFor(action Action) events.Type {
	switch action {
	case ActionUpload:
		return events.TypeRedlineUploaded
	case ActionSubmitForReview:
		return events.TypeRedlineSubmittedForReview
	case ActionApprove:
		return events.TypeRedlineApproved
	case ActionReject:
		return events.TypeRedlineRejected
	}
	return events.Type("redline." + string(action))
}

func (s *Service) observe(action Action, started time.Time, err error) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveOperation(string(action), err, time.Since(started))
}

func tooLong(value *string) bool {
	return value != nil && len(*value) > maxNotesLength
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("redlines service error", attrs...)
}
