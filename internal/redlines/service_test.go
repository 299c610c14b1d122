package redlines

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/events"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/roles"
	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/svcerror"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testJobID = "job-1"

var (
	alice    = roles.Actor{UserID: "u1", Name: "Alice", Role: roles.RoleRedlineSpecialist}
	bob      = roles.Actor{UserID: "r1", Name: "Bob", Role: roles.RoleClientReviewer}
	carl     = roles.Actor{UserID: "l1", Name: "Carl", Role: roles.RoleLineman}
	fileA    = FileInput{StorageURL: "file:///redlines/a.pdf", FileName: "span-12.pdf", MimeType: "application/pdf", SizeBytes: 2048}
	fileB    = FileInput{StorageURL: "file:///redlines/b.pdf", FileName: "span-12-rev.pdf", MimeType: "application/pdf", SizeBytes: 4096}
	photoOne = FileInput{StorageURL: "file:///redlines/p.jpg", FileName: "pole.jpg", MimeType: "image/jpeg; charset=binary", SizeBytes: 99}
)

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func newStepClock() *stepClock {
	return &stepClock{current: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%05d", g.next), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) {
	return "", errors.New("entropy exhausted")
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveOperation(operation string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := "success"
	if err != nil {
		outcome = string(svcerror.KindOf(err))
	}
	r.outcomes = append(r.outcomes, operation+":"+outcome)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error {
	return errors.New("redis unavailable")
}

type engineOptions struct {
	idProvider ids.Provider
	publisher  events.Publisher
	observer   OperationObserver
	logger     *zap.Logger
}

func newTestEngine(t *testing.T, options engineOptions) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:redlines_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&jobs.Job{}, &Version{}, &File{}, &ReviewAudit{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	now := time.Date(2026, 10, 1, 7, 0, 0, 0, time.UTC)
	seed := jobs.Job{
		ID:              testJobID,
		JobCode:         "JOB-2026-000001",
		Title:           "Span 12 aerial",
		CreatedByUserID: "sup-1",
		Status:          jobs.StatusPendingRedlines,
		RedlineStatus:   jobs.RedlineStatusNotUploaded,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}

	idProvider := options.idProvider
	if idProvider == nil {
		idProvider = &sequenceIDs{}
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      newStepClock().Now,
		IDProvider: idProvider,
		Logger:     options.logger,
		Publisher:  options.publisher,
		Observer:   options.observer,
	})
	if err != nil {
		t.Fatalf("failed to construct redline service: %v", err)
	}
	return service, db
}

func loadJob(t *testing.T, db *gorm.DB) jobs.Job {
	t.Helper()
	var job jobs.Job
	if err := db.Where("id = ?", testJobID).Take(&job).Error; err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	return job
}

func countAudit(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&ReviewAudit{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit records: %v", err)
	}
	return count
}

func upload(t *testing.T, service *Service, files ...FileInput) Version {
	t.Helper()
	version, err := service.UploadVersion(context.Background(), UploadVersionRequest{
		JobID: testJobID,
		Files: files,
		Actor: alice,
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	return version
}

func submit(t *testing.T, service *Service, version Version) Version {
	t.Helper()
	submitted, err := service.SubmitForReview(context.Background(), ReviewRequest{VersionID: VersionID(version.ID), Actor: alice})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return submitted
}

func TestRejectThenApproveLifecycle(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	empty, err := service.ListJobRedlines(ctx, testJobID)
	if err != nil {
		t.Fatalf("unexpected error listing redlines: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no versions, got %d", len(empty))
	}

	first := upload(t, service, fileA)
	if first.VersionNumber != 1 || first.ReviewStatus != ReviewStatusUploaded {
		t.Fatalf("unexpected first version %+v", first)
	}
	if len(first.Files) != 1 || first.Files[0].FileName != "span-12.pdf" {
		t.Fatalf("expected file to be attached, got %+v", first.Files)
	}
	if job := loadJob(t, db); job.Status != jobs.StatusRedlineUploaded || job.RedlineStatus != jobs.RedlineStatusUploaded {
		t.Fatalf("unexpected job after upload: %s/%s", job.Status, job.RedlineStatus)
	}

	first = submit(t, service, first)
	if first.ReviewStatus != ReviewStatusUnderReview {
		t.Fatalf("expected under_review, got %s", first.ReviewStatus)
	}
	if job := loadJob(t, db); job.Status != jobs.StatusUnderClientReview || job.RedlineStatus != jobs.RedlineStatusUnderReview {
		t.Fatalf("unexpected job after submit: %s/%s", job.Status, job.RedlineStatus)
	}

	rejected, err := service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(first.ID), Actor: bob},
		Notes:         "  Missing span 12 data  ",
	})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.ReviewStatus != ReviewStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.ReviewStatus)
	}
	if rejected.ReviewerNotes == nil || *rejected.ReviewerNotes != "Missing span 12 data" {
		t.Fatalf("expected trimmed reviewer notes, got %v", rejected.ReviewerNotes)
	}
	if rejected.ReviewedByName == nil || *rejected.ReviewedByName != "Bob" || rejected.ReviewedAt == nil {
		t.Fatalf("expected reviewer stamp, got %+v", rejected)
	}
	if job := loadJob(t, db); job.Status != jobs.StatusRejected || job.RedlineStatus != jobs.RedlineStatusRejected {
		t.Fatalf("unexpected job after reject: %s/%s", job.Status, job.RedlineStatus)
	}

	second := upload(t, service, fileB)
	if second.VersionNumber != 2 || second.ReviewStatus != ReviewStatusUploaded {
		t.Fatalf("unexpected second version %+v", second)
	}
	if job := loadJob(t, db); job.LastRedlineVersionNumber != 2 {
		t.Fatalf("expected last version number 2, got %d", job.LastRedlineVersionNumber)
	}

	second = submit(t, service, second)
	auditBefore := countAudit(t, db)
	approved, err := service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(second.ID), Actor: bob},
		SRNumber:      "SR-2024-0099",
	})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.ReviewStatus != ReviewStatusApproved {
		t.Fatalf("expected approved, got %s", approved.ReviewStatus)
	}
	job := loadJob(t, db)
	if job.Status != jobs.StatusApproved || job.RedlineStatus != jobs.RedlineStatusApproved {
		t.Fatalf("unexpected job after approve: %s/%s", job.Status, job.RedlineStatus)
	}
	if job.SRNumber == nil || *job.SRNumber != "SR-2024-0099" {
		t.Fatalf("expected SR number on job, got %v", job.SRNumber)
	}
	if countAudit(t, db) != auditBefore+1 {
		t.Fatalf("expected exactly one new audit record")
	}

	history, err := service.ListJobRedlines(ctx, testJobID)
	if err != nil {
		t.Fatalf("unexpected error listing redlines: %v", err)
	}
	if len(history) != 2 || history[0].VersionNumber != 2 || history[1].VersionNumber != 1 {
		t.Fatalf("expected newest-first history, got %+v", history)
	}
	if len(history[1].Files) != 1 || history[1].Files[0].FileName != "span-12.pdf" {
		t.Fatalf("expected files to be populated in history")
	}

	trail, err := service.ListReviewAudit(ctx, VersionID(second.ID))
	if err != nil {
		t.Fatalf("unexpected error listing audit: %v", err)
	}
	actions := make([]Action, 0, len(trail))
	for _, record := range trail {
		actions = append(actions, record.Action)
	}
	if fmt.Sprint(actions) != fmt.Sprint([]Action{ActionUpload, ActionSubmitForReview, ActionApprove}) {
		t.Fatalf("unexpected audit trail %v", actions)
	}
	last := trail[len(trail)-1]
	if last.SRNumber == nil || *last.SRNumber != "SR-2024-0099" || last.ActorRole != "client_reviewer" {
		t.Fatalf("unexpected approve audit record %+v", last)
	}
	if last.FromStatus != string(ReviewStatusUnderReview) || last.ToStatus != ReviewStatusApproved {
		t.Fatalf("unexpected audit transition %s -> %s", last.FromStatus, last.ToStatus)
	}

	jobTrail, err := service.ListJobAudit(ctx, testJobID, AuditFilter{})
	if err != nil {
		t.Fatalf("unexpected error listing job audit: %v", err)
	}
	if len(jobTrail) != 6 {
		t.Fatalf("expected 6 job audit records, got %d", len(jobTrail))
	}

	status, err := service.JobRedlineStatus(ctx, testJobID)
	if err != nil || status != jobs.RedlineStatusApproved {
		t.Fatalf("expected computed approved status, got %s (%v)", status, err)
	}
}

func TestUploadValidationWritesNothing(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})

	testCases := []struct {
		name   string
		files  []FileInput
		reason string
	}{
		{name: "no files", files: nil, reason: "redlines.upload.missing_files"},
		{name: "missing name", files: []FileInput{{StorageURL: "u", FileName: " ", MimeType: "application/pdf", SizeBytes: 1}}, reason: "redlines.upload.invalid_file"},
		{name: "missing mime", files: []FileInput{{StorageURL: "u", FileName: "a.pdf", SizeBytes: 1}}, reason: "redlines.upload.invalid_file"},
		{name: "bare mime", files: []FileInput{{StorageURL: "u", FileName: "a.pdf", MimeType: "pdf", SizeBytes: 1}}, reason: "redlines.upload.invalid_file"},
		{name: "zero size", files: []FileInput{fileA, {StorageURL: "u", FileName: "b.pdf", MimeType: "application/pdf"}}, reason: "redlines.upload.invalid_file"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.UploadVersion(context.Background(), UploadVersionRequest{
				JobID: testJobID,
				Files: testCase.files,
				Actor: alice,
			})
			if svcerror.KindOf(err) != svcerror.KindValidation || svcerror.CodeOf(err) != testCase.reason {
				t.Fatalf("expected %s, got %v", testCase.reason, err)
			}
		})
	}

	var versions int64
	if err := db.Model(&Version{}).Count(&versions).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if versions != 0 || countAudit(t, db) != 0 {
		t.Fatalf("expected nothing persisted, got %d versions", versions)
	}
	job := loadJob(t, db)
	if job.LastRedlineVersionNumber != 0 || job.RedlineStatus != jobs.RedlineStatusNotUploaded || job.Status != jobs.StatusPendingRedlines {
		t.Fatalf("expected job untouched, got %+v", job)
	}
}

func TestUploadNormalizesFiles(t *testing.T) {
	service, _ := newTestEngine(t, engineOptions{})
	version := upload(t, service, fileA, photoOne)

	if len(version.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(version.Files))
	}
	if version.Files[0].Position != 0 || version.Files[1].Position != 1 {
		t.Fatalf("expected files in upload order, got %+v", version.Files)
	}
	if version.Files[1].MimeType != "image/jpeg" {
		t.Fatalf("expected media type without parameters, got %s", version.Files[1].MimeType)
	}
}

func TestUploadForUnknownJobIsNotFound(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	_, err := service.UploadVersion(context.Background(), UploadVersionRequest{
		JobID: "missing",
		Files: []FileInput{fileA},
		Actor: alice,
	})
	if svcerror.KindOf(err) != svcerror.KindNotFound || !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	var files int64
	if err := db.Model(&File{}).Count(&files).Error; err != nil {
		t.Fatalf("failed to count files: %v", err)
	}
	if files != 0 {
		t.Fatalf("expected no orphan files, got %d", files)
	}
}

func TestUploadFailsWithoutIdentifiers(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{idProvider: failingIDs{}})
	_, err := service.UploadVersion(context.Background(), UploadVersionRequest{
		JobID: testJobID,
		Files: []FileInput{fileA},
		Actor: alice,
	})
	if svcerror.KindOf(err) != svcerror.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if job := loadJob(t, db); job.LastRedlineVersionNumber != 0 {
		t.Fatalf("expected no version number to be consumed, got %d", job.LastRedlineVersionNumber)
	}
}

func TestApproveRequiresSRNumber(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	version := submit(t, service, upload(t, service, fileA))
	auditBefore := countAudit(t, db)

	for _, srNumber := range []string{"", "   ", "\t\n"} {
		_, err := service.ApproveRedline(context.Background(), ApproveRequest{
			ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
			SRNumber:      srNumber,
		})
		if svcerror.CodeOf(err) != "redlines.approve.missing_sr_number" || svcerror.KindOf(err) != svcerror.KindValidation {
			t.Fatalf("expected missing SR number error for %q, got %v", srNumber, err)
		}
	}

	current, err := service.GetVersion(context.Background(), VersionID(version.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.ReviewStatus != ReviewStatusUnderReview || current.ReviewedAt != nil {
		t.Fatalf("expected version untouched, got %+v", current)
	}
	if countAudit(t, db) != auditBefore {
		t.Fatalf("expected no audit record to be written")
	}
	if job := loadJob(t, db); job.SRNumber != nil || job.Status != jobs.StatusUnderClientReview {
		t.Fatalf("expected job untouched, got %+v", job)
	}
}

func TestRejectRequiresNotes(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	version := submit(t, service, upload(t, service, fileA))
	auditBefore := countAudit(t, db)

	for _, notes := range []string{"", "  "} {
		_, err := service.RejectRedline(context.Background(), RejectRequest{
			ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
			Notes:         notes,
		})
		if svcerror.CodeOf(err) != "redlines.reject.missing_notes" {
			t.Fatalf("expected missing notes error for %q, got %v", notes, err)
		}
	}

	current, err := service.GetVersion(context.Background(), VersionID(version.ID))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.ReviewStatus != ReviewStatusUnderReview || current.ReviewerNotes != nil {
		t.Fatalf("expected version untouched, got %+v", current)
	}
	if countAudit(t, db) != auditBefore {
		t.Fatalf("expected no audit record to be written")
	}
}

func TestReviewTransitionsRequireMatchingStatus(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	ctx := context.Background()
	version := upload(t, service, fileA)

	_, err := service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
		SRNumber:      "SR-1",
	})
	if !errors.Is(err, ErrInvalidTransition) || svcerror.KindOf(err) != svcerror.KindValidation {
		t.Fatalf("expected approve of uploaded version to fail, got %v", err)
	}

	version = submit(t, service, version)
	auditBefore := countAudit(t, db)
	_, err = service.SubmitForReview(ctx, ReviewRequest{VersionID: VersionID(version.ID), Actor: alice})
	if !errors.Is(err, ErrInvalidTransition) || svcerror.CodeOf(err) != "redlines.submit_for_review.invalid_transition" {
		t.Fatalf("expected resubmission to fail, got %v", err)
	}
	if countAudit(t, db) != auditBefore {
		t.Fatalf("expected failed resubmission to write nothing")
	}

	if _, err := service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
		SRNumber:      "SR-1",
	}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	_, err = service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
		Notes:         "too late",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected reject of approved version to fail, got %v", err)
	}

	_, err = service.SubmitForReview(ctx, ReviewRequest{VersionID: "missing", Actor: alice})
	if svcerror.KindOf(err) != svcerror.KindNotFound || !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRoleGateIsEnforcedByEngine(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	_, err := service.UploadVersion(ctx, UploadVersionRequest{JobID: testJobID, Files: []FileInput{fileA}, Actor: bob})
	if svcerror.KindOf(err) != svcerror.KindAuthorization {
		t.Fatalf("expected client reviewer upload to be forbidden, got %v", err)
	}
	if job := loadJob(t, db); job.LastRedlineVersionNumber != 0 {
		t.Fatalf("expected forbidden upload to write nothing")
	}

	version := upload(t, service, fileA)
	_, err = service.SubmitForReview(ctx, ReviewRequest{VersionID: VersionID(version.ID), Actor: bob})
	if svcerror.KindOf(err) != svcerror.KindAuthorization {
		t.Fatalf("expected client reviewer submit to be forbidden, got %v", err)
	}

	version = submit(t, service, version)
	_, err = service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: alice},
		SRNumber:      "SR-9",
	})
	if svcerror.KindOf(err) != svcerror.KindAuthorization {
		t.Fatalf("expected redline specialist approve to be forbidden, got %v", err)
	}
	_, err = service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: carl},
		Notes:         "no",
	})
	if svcerror.KindOf(err) != svcerror.KindAuthorization {
		t.Fatalf("expected lineman reject to be forbidden, got %v", err)
	}
	_, err = service.SubmitForReview(ctx, ReviewRequest{VersionID: VersionID(version.ID), Actor: roles.Actor{UserID: "x", Name: "X", Role: "owner"}})
	if svcerror.CodeOf(err) != "redlines.submit_for_review.invalid_actor" {
		t.Fatalf("expected invalid actor, got %v", err)
	}

	if _, err := service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
		Notes:         "Pole 4 mislabeled",
	}); err != nil {
		t.Fatalf("expected client reviewer to reject: %v", err)
	}
}

func TestConcurrentUploadsAllocateContiguousVersionNumbers(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{idProvider: ids.NewUUIDProvider()})
	const uploads = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []int64
		errs    []error
	)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			version, err := service.UploadVersion(context.Background(), UploadVersionRequest{
				JobID: testJobID,
				Files: []FileInput{{
					StorageURL: fmt.Sprintf("file:///redlines/%d.pdf", index),
					FileName:   fmt.Sprintf("%d.pdf", index),
					MimeType:   "application/pdf",
					SizeBytes:  int64(index + 1),
				}},
				Actor: alice,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers = append(numbers, version.VersionNumber)
		}(i)
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("expected every upload to succeed, got %v", errs)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for index, number := range numbers {
		if number != int64(index+1) {
			t.Fatalf("expected version numbers 1..%d, got %v", uploads, numbers)
		}
	}
	job := loadJob(t, db)
	if job.LastRedlineVersionNumber != uploads {
		t.Fatalf("expected last version number %d, got %d", uploads, job.LastRedlineVersionNumber)
	}
	if job.RedlineStatus != jobs.RedlineStatusUploaded {
		t.Fatalf("expected uploaded mirror, got %s", job.RedlineStatus)
	}
}

func TestApprovingSupersededVersionKeepsMirrorAndRecordsSRNumber(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	first := submit(t, service, upload(t, service, fileA))
	second := upload(t, service, fileB)

	approved, err := service.ApproveRedline(context.Background(), ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(first.ID), Actor: bob},
		SRNumber:      " SR-2024-0099 ",
	})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.ReviewStatus != ReviewStatusApproved {
		t.Fatalf("expected superseded version to be approved, got %s", approved.ReviewStatus)
	}

	job := loadJob(t, db)
	if job.RedlineStatus != jobs.RedlineStatusUploaded || job.Status != jobs.StatusRedlineUploaded {
		t.Fatalf("expected job to keep mirroring version %d, got %s/%s", second.VersionNumber, job.Status, job.RedlineStatus)
	}
	if job.LastRedlineVersionNumber != second.VersionNumber {
		t.Fatalf("expected mirror version %d, got %d", second.VersionNumber, job.LastRedlineVersionNumber)
	}
	if job.SRNumber == nil || *job.SRNumber != "SR-2024-0099" {
		t.Fatalf("expected issued SR number on the job, got %v", job.SRNumber)
	}
	status, err := service.JobRedlineStatus(context.Background(), testJobID)
	if err != nil || status != jobs.RedlineStatus(job.RedlineStatus) {
		t.Fatalf("expected computed status to match mirror, got %s (%v)", status, err)
	}
}

func TestRejectionKeepsEarlierSRNumber(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	first := submit(t, service, upload(t, service, fileA))
	if _, err := service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(first.ID), Actor: bob},
		SRNumber:      "SR-001",
	}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	second := submit(t, service, upload(t, service, fileB))
	if _, err := service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(second.ID), Actor: bob},
		Notes:         "Wrong span",
	}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	job := loadJob(t, db)
	if job.Status != jobs.StatusRejected {
		t.Fatalf("expected rejected job, got %s", job.Status)
	}
	if job.SRNumber == nil || *job.SRNumber != "SR-001" {
		t.Fatalf("expected SR number to persist, got %v", job.SRNumber)
	}
}

func TestListingUnknownJobIsNotFound(t *testing.T) {
	service, _ := newTestEngine(t, engineOptions{})
	if _, err := service.ListJobRedlines(context.Background(), "missing"); svcerror.KindOf(err) != svcerror.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := service.ListReviewAudit(context.Background(), "missing"); svcerror.KindOf(err) != svcerror.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	status, err := service.JobRedlineStatus(context.Background(), testJobID)
	if err != nil || status != jobs.RedlineStatusNotUploaded {
		t.Fatalf("expected not_uploaded for job without versions, got %s (%v)", status, err)
	}
}

func TestAuditRecordsAreAppendOnly(t *testing.T) {
	service, db := newTestEngine(t, engineOptions{})
	version := upload(t, service, fileA)

	var record ReviewAudit
	if err := db.Where("version_id = ?", version.ID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load audit record: %v", err)
	}
	if err := db.Model(&record).Update("actor_name", "Mallory").Error; !errors.Is(err, ErrAuditImmutable) {
		t.Fatalf("expected update to be refused, got %v", err)
	}
	if err := db.Delete(&record).Error; !errors.Is(err, ErrAuditImmutable) {
		t.Fatalf("expected delete to be refused, got %v", err)
	}
	if countAudit(t, db) != 1 {
		t.Fatalf("expected audit record to remain")
	}
}

func TestAuditQueriesFilterByActorAndAction(t *testing.T) {
	service, _ := newTestEngine(t, engineOptions{})
	ctx := context.Background()

	first := submit(t, service, upload(t, service, fileA))
	if _, err := service.RejectRedline(ctx, RejectRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(first.ID), Actor: bob},
		Notes:         "Missing span 12 data",
	}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	second := submit(t, service, upload(t, service, fileB))
	if _, err := service.ApproveRedline(ctx, ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(second.ID), Actor: bob},
		SRNumber:      "SR-2024-0099",
	}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	approvals, err := service.ListJobAudit(ctx, testJobID, AuditFilter{Action: ActionApprove})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(approvals) != 1 || approvals[0].VersionID != second.ID || approvals[0].SRNumber == nil || *approvals[0].SRNumber != "SR-2024-0099" {
		t.Fatalf("unexpected approval trail %+v", approvals)
	}

	reviewerTrail, err := service.ListAuditByActor(ctx, bob.UserID, AuditFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reviewerTrail) != 2 || reviewerTrail[0].Action != ActionReject || reviewerTrail[1].Action != ActionApprove {
		t.Fatalf("unexpected reviewer trail %+v", reviewerTrail)
	}

	uploads, err := service.ListAuditByActor(ctx, alice.UserID, AuditFilter{Action: "UPLOAD"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(uploads) != 2 {
		t.Fatalf("expected 2 uploads by %s, got %d", alice.UserID, len(uploads))
	}

	nobody, err := service.ListAuditByActor(ctx, "ghost", AuditFilter{})
	if err != nil || len(nobody) != 0 {
		t.Fatalf("expected empty trail for unknown actor, got %d (%v)", len(nobody), err)
	}
	if _, err := service.ListAuditByActor(ctx, "  ", AuditFilter{}); svcerror.KindOf(err) != svcerror.KindValidation {
		t.Fatalf("expected validation error for blank user id, got %v", err)
	}
	if _, err := service.ListJobAudit(ctx, testJobID, AuditFilter{Action: "delete"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected unknown action error, got %v", err)
	}
}

func TestAuditStoresRequestMetadata(t *testing.T) {
	service, _ := newTestEngine(t, engineOptions{})
	version, err := service.UploadVersion(context.Background(), UploadVersionRequest{
		JobID:    testJobID,
		Files:    []FileInput{fileA},
		Actor:    alice,
		Metadata: RequestMetadata{RequestID: "req-7", ClientIP: "10.0.0.4"},
	})
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	trail, err := service.ListReviewAudit(context.Background(), VersionID(version.ID))
	if err != nil || len(trail) != 1 {
		t.Fatalf("expected one audit record, got %d (%v)", len(trail), err)
	}
	if trail[0].Metadata["request_id"] != "req-7" || trail[0].Metadata["client_ip"] != "10.0.0.4" {
		t.Fatalf("unexpected metadata %v", trail[0].Metadata)
	}
	if _, ok := trail[0].Metadata["user_agent"]; ok {
		t.Fatalf("expected empty values to be omitted")
	}
}

func TestEventsArePublishedAfterCommit(t *testing.T) {
	dispatcher := events.NewDispatcher()
	service, _ := newTestEngine(t, engineOptions{publisher: dispatcher})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, testJobID)
	defer cleanup()

	version := submit(t, service, upload(t, service, fileA))

	expected := []events.Type{events.TypeRedlineUploaded, events.TypeRedlineSubmittedForReview}
	for _, eventType := range expected {
		select {
		case event := <-stream:
			if event.Type != eventType || event.VersionID != version.ID {
				t.Fatalf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected %s event", eventType)
		}
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	service, _ := newTestEngine(t, engineOptions{publisher: failingPublisher{}, logger: zap.New(core)})

	version := upload(t, service, fileA)
	if version.VersionNumber != 1 {
		t.Fatalf("expected upload to succeed, got %+v", version)
	}
	entries := logs.FilterMessage("redline event publish failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one publish warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["event_type"] != string(events.TypeRedlineUploaded) {
		t.Fatalf("unexpected log context %v", entries[0].ContextMap())
	}
}

func TestObserverSeesOutcomes(t *testing.T) {
	recorder := &recordingObserver{}
	service, _ := newTestEngine(t, engineOptions{observer: recorder})

	version := upload(t, service, fileA)
	_, _ = service.ApproveRedline(context.Background(), ApproveRequest{
		ReviewRequest: ReviewRequest{VersionID: VersionID(version.ID), Actor: bob},
		SRNumber:      " ",
	})
	_, _ = service.SubmitForReview(context.Background(), ReviewRequest{VersionID: VersionID(version.ID), Actor: bob})

	expected := []string{"upload:success", "approve:validation", "submit_for_review:authorization"}
	if fmt.Sprint(recorder.outcomes) != fmt.Sprint(expected) {
		t.Fatalf("unexpected outcomes %v", recorder.outcomes)
	}
}

func TestPersistenceFailuresAreLoggedWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	service, db := newTestEngine(t, engineOptions{logger: zap.New(core)})
	if err := db.Migrator().DropTable(&File{}); err != nil {
		t.Fatalf("failed to drop files table: %v", err)
	}

	_, err := service.UploadVersion(context.Background(), UploadVersionRequest{
		JobID: testJobID,
		Files: []FileInput{fileA},
		Actor: alice,
	})
	if svcerror.CodeOf(err) != "redlines.upload.file_insert_failed" || svcerror.KindOf(err) != svcerror.KindPersistence {
		t.Fatalf("expected file insert failure, got %v", err)
	}
	if job := loadJob(t, db); job.LastRedlineVersionNumber != 0 {
		t.Fatalf("expected allocation to roll back, got %d", job.LastRedlineVersionNumber)
	}
	var versions int64
	if err := db.Model(&Version{}).Count(&versions).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if versions != 0 {
		t.Fatalf("expected version insert to roll back")
	}

	entries := logs.FilterField(zap.String("reason", "file_insert_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one logged failure, got %d", len(entries))
	}
	if entries[0].ContextMap()["job_id"] != testJobID {
		t.Fatalf("expected job context on failure log, got %v", entries[0].ContextMap())
	}
}
