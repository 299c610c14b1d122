package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/backend/internal/jobs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillJobRedlineMirror = "2026-10-01_backfill_job_redline_mirror"
	migrationProtectReviewAudits      = "2026-10-15_protect_review_audits"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillJobRedlineMirror, apply: backfillJobRedlineMirror},
		{name: migrationProtectReviewAudits, apply: protectReviewAudits},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type latestVersionRow struct {
	JobID         string
	VersionNumber int64
	ReviewStatus  string
}

// backfillJobRedlineMirror recomputes the job redline columns from the version history.
func backfillJobRedlineMirror(db *gorm.DB) error {
	var rows []latestVersionRow
	err := db.Raw(`SELECT v.job_id AS job_id, v.version_number AS version_number, v.review_status AS review_status
		FROM redline_versions v
		JOIN (SELECT job_id, MAX(version_number) AS version_number FROM redline_versions GROUP BY job_id) latest
		ON latest.job_id = v.job_id AND latest.version_number = v.version_number`).
		Scan(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		status, err := jobs.ParseRedlineStatus(row.ReviewStatus)
		if err != nil {
			return err
		}
		err = db.Model(&jobs.Job{}).
			Where("id = ?", row.JobID).
			Updates(map[string]interface{}{
				"last_redline_version_number": row.VersionNumber,
				"redline_status":              string(status),
			}).Error
		if err != nil {
			return err
		}
	}

	return db.Model(&jobs.Job{}).
		Where("id NOT IN (?)", db.Table("redline_versions").Select("job_id")).
		Updates(map[string]interface{}{
			"last_redline_version_number": 0,
			"redline_status":              string(jobs.RedlineStatusNotUploaded),
		}).Error
}

// protectReviewAudits installs triggers that refuse UPDATE and DELETE on the audit table,
// covering raw SQL and gorm paths that skip model hooks.
func protectReviewAudits(db *gorm.DB) error {
	var statements []string
	switch db.Dialector.Name() {
	case DriverPostgres:
		statements = []string{
			`CREATE OR REPLACE FUNCTION redline_review_audits_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'redline review audit records are append-only';
END;
$$ LANGUAGE plpgsql`,
			`DROP TRIGGER IF EXISTS redline_review_audits_immutable ON redline_review_audits`,
			`CREATE TRIGGER redline_review_audits_immutable BEFORE UPDATE OR DELETE ON redline_review_audits
FOR EACH ROW EXECUTE FUNCTION redline_review_audits_immutable()`,
		}
	default:
		statements = []string{
			`CREATE TRIGGER IF NOT EXISTS redline_review_audits_no_update BEFORE UPDATE ON redline_review_audits
BEGIN SELECT RAISE(ABORT, 'redline review audit records are append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS redline_review_audits_no_delete BEFORE DELETE ON redline_review_audits
BEGIN SELECT RAISE(ABORT, 'redline review audit records are append-only'); END`,
		}
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
