package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/svcerror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "jobs.service.new"
	opCreateJob     = "jobs.create"
	opGetJob        = "jobs.get"
	opListJobs      = "jobs.list"
	opUpdateStatus  = "jobs.update_status"
	defaultPageSize = 100
	maxPageSize     = 500
	maxTitleLength  = 255
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrTransitionNotAllowed indicates that the requested lifecycle step is not a manual transition.
	ErrTransitionNotAllowed = errors.New("jobs: status transition not allowed")
	noOpLogger              = zap.NewNop()
)

// ServiceConfig describes the dependencies of the jobs service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service manages job records outside of the redline workflow.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs a jobs service.
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
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateJobRequest carries the fields for a new work order.
type CreateJobRequest struct {
	Title            string
	ClientName       string
	AssignedToUserID string
	Actor            roles.Actor
}

// CreateJob persists a new job. Jobs with an assignee start as assigned.
func (s *Service) CreateJob(ctx context.Context, request CreateJobRequest) (Job, error) {
	if err := request.Actor.Validate(); err != nil {
		return Job{}, svcerror.New(opCreateJob, "invalid_actor", svcerror.KindAuthorization, err)
	}
	if !roles.CanManageJobs(request.Actor.Role) {
		return Job{}, svcerror.New(opCreateJob, "forbidden", svcerror.KindAuthorization, nil)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Job{}, svcerror.New(opCreateJob, "missing_title", svcerror.KindValidation, nil)
	}
	if len(title) > maxTitleLength {
		return Job{}, svcerror.New(opCreateJob, "title_too_long", svcerror.KindValidation, nil)
	}

	jobID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateJob, "id_generation_failed", err)
		return Job{}, svcerror.New(opCreateJob, "id_generation_failed", svcerror.KindPersistence, err)
	}

	now := s.clock().UTC()
	assignee := strings.TrimSpace(request.AssignedToUserID)
	status := StatusUnassigned
	if assignee != "" {
		status = StatusAssigned
	}
	job := Job{
		ID:               jobID,
		JobCode:          jobCode(now, jobID),
		Title:            title,
		ClientName:       strings.TrimSpace(request.ClientName),
		AssignedToUserID: assignee,
		CreatedByUserID:  request.Actor.UserID,
		Status:           status,
		RedlineStatus:    RedlineStatusNotUploaded,
		StatusChangedAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		s.logError(opCreateJob, "insert_failed", err, zap.String("job_id", jobID))
		return Job{}, svcerror.New(opCreateJob, "insert_failed", svcerror.KindPersistence, err)
	}
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("job_code", job.JobCode),
		zap.String("status", string(job.Status)))
	return job, nil
}

// GetJob loads a job by id.
func (s *Service) GetJob(ctx context.Context, jobID JobID) (Job, error) {
	var job Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID.String()).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Job{}, svcerror.New(opGetJob, "not_found", svcerror.KindNotFound, ErrJobNotFound)
	}
	if err != nil {
		s.logError(opGetJob, "query_failed", err, zap.String("job_id", jobID.String()))
		return Job{}, svcerror.New(opGetJob, "query_failed", svcerror.KindPersistence, err)
	}
	return job, nil
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	Status        Status
	RedlineStatus RedlineStatus
	Limit         int
}

// ListJobs returns jobs newest first.
func (s *Service) ListJobs(ctx context.Context, filter ListFilter) ([]Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := s.db.WithContext(ctx).Model(&Job{})
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.RedlineStatus != "" {
		query = query.Where("redline_status = ?", string(filter.RedlineStatus))
	}

	var jobs []Job
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		s.logError(opListJobs, "query_failed", err)
		return nil, svcerror.New(opListJobs, "query_failed", svcerror.KindPersistence, err)
	}
	return jobs, nil
}

// UpdateStatusRequest moves a job one manual lifecycle step forward.
type UpdateStatusRequest struct {
	JobID          JobID
	Status         Status
	AssigneeUserID string
	Actor          roles.Actor
}

// UpdateStatus applies a manual lifecycle step using compare-and-set on the current status.
func (s *Service) UpdateStatus(ctx context.Context, request UpdateStatusRequest) (Job, error) {
	if err := request.Actor.Validate(); err != nil {
		return Job{}, svcerror.New(opUpdateStatus, "invalid_actor", svcerror.KindAuthorization, err)
	}
	if !roles.CanManageJobs(request.Actor.Role) {
		return Job{}, svcerror.New(opUpdateStatus, "forbidden", svcerror.KindAuthorization, nil)
	}
	assignee := strings.TrimSpace(request.AssigneeUserID)
	if request.Status == StatusAssigned && assignee == "" {
		return Job{}, svcerror.New(opUpdateStatus, "missing_assignee", svcerror.KindValidation, nil)
	}

	var updated Job
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Job
		err := tx.Where("id = ?", request.JobID.String()).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcerror.New(opUpdateStatus, "not_found", svcerror.KindNotFound, ErrJobNotFound)
		}
		if err != nil {
			s.logError(opUpdateStatus, "job_select_failed", err, zap.String("job_id", request.JobID.String()))
			return svcerror.New(opUpdateStatus, "job_select_failed", svcerror.KindPersistence, err)
		}
		if !CanAdvance(current.Status, request.Status) {
			return svcerror.New(opUpdateStatus, "transition_not_allowed", svcerror.KindValidation,
				fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, current.Status, request.Status))
		}

		now := s.clock().UTC()
		updates := map[string]interface{}{
			"status":            string(request.Status),
			"status_changed_at": now,
			"updated_at":        now,
		}
		if request.Status == StatusAssigned {
			updates["assigned_to_user_id"] = assignee
		}
		result := tx.Model(&Job{}).
			Where("id = ? AND status = ?", current.ID, string(current.Status)).
			Updates(updates)
		if result.Error != nil {
			s.logError(opUpdateStatus, "job_update_failed", result.Error, zap.String("job_id", current.ID))
			return svcerror.New(opUpdateStatus, "job_update_failed", svcerror.KindPersistence, result.Error)
		}
		if result.RowsAffected == 0 {
			return svcerror.New(opUpdateStatus, "transition_not_allowed", svcerror.KindValidation, ErrTransitionNotAllowed)
		}
		return tx.Where("id = ?", current.ID).Take(&updated).Error
	})
	if txErr != nil {
		var serviceErr *svcerror.Error
		if errors.As(txErr, &serviceErr) {
			return Job{}, txErr
		}
		s.logError(opUpdateStatus, "transaction_failed", txErr, zap.String("job_id", request.JobID.String()))
		return Job{}, svcerror.New(opUpdateStatus, "transaction_failed", svcerror.KindPersistence, txErr)
	}

	s.logger.Info("job status updated",
		zap.String("job_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("actor_user_id", request.Actor.UserID))
	return updated, nil
}

// jobCode renders the human readable code, e.g. JOB-2026-0F3A9C.
func jobCode(now time.Time, jobID string) string {
	compact := strings.ReplaceAll(jobID, "-", "")
	suffix := compact
	if len(compact) > 6 {
		suffix = compact[len(compact)-6:]
	}
	return fmt.Sprintf("JOB-%d-%s", now.Year(), strings.ToUpper(suffix))
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
	s.logger.Error("jobs service error", attrs...)
}
