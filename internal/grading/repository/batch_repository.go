// Package repository persists batch state in MySQL and live status in Redis.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

const mysqlDuplicateEntry = 1062

// BatchRepository stores batches and per-student results.
type BatchRepository interface {
	CreateBatch(ctx context.Context, batch *model.Batch) error
	GetBatch(ctx context.Context, batchID string) (*model.Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID, status, bundleKey, errMsg string, studentCount, failedCount int) error
	UpsertStudentResult(ctx context.Context, res *model.StudentResult) error
	GetStudentResult(ctx context.Context, batchID, studentID string) (*model.StudentResult, error)
	ListStudentResults(ctx context.Context, batchID string) ([]*model.StudentResult, error)
}

type mysqlBatchRepository struct {
	db *sql.DB
}

// NewBatchRepository creates a MySQL-backed batch repository.
func NewBatchRepository(db *sql.DB) BatchRepository {
	return &mysqlBatchRepository{db: db}
}

func (r *mysqlBatchRepository) CreateBatch(ctx context.Context, batch *model.Batch) error {
	if batch == nil || batch.ID == "" {
		return appErr.ValidationError("batch_id", "required")
	}
	query := `INSERT INTO grading_batches
		(id, assignment_id, version, assignment, grader, archive_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	createdAt := batch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, query,
		batch.ID, batch.AssignmentID, batch.Version, batch.Assignment,
		batch.Grader, batch.ArchiveKey, batch.Status, createdAt)
	if err != nil {
		return mapBatchInsertError(err, batch.ID)
	}
	return nil
}

// mapBatchInsertError turns a duplicate-key insert into RecordAlreadyExists
// so a redelivered job recognizes its own batch row.
func mapBatchInsertError(err error, batchID string) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return appErr.New(appErr.RecordAlreadyExists).
			WithMessagef("batch %s already exists", batchID)
	}
	return appErr.Wrapf(err, appErr.BatchCreateFailed, "insert batch: %v", err)
}

func (r *mysqlBatchRepository) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	query := `SELECT id, assignment_id, version, assignment, grader, archive_key,
		COALESCE(bundle_key, ''), status, student_count, failed_count,
		COALESCE(error, ''), created_at, finished_at
		FROM grading_batches WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, batchID)

	batch := &model.Batch{}
	var finishedAt sql.NullTime
	err := row.Scan(&batch.ID, &batch.AssignmentID, &batch.Version, &batch.Assignment,
		&batch.Grader, &batch.ArchiveKey, &batch.BundleKey, &batch.Status,
		&batch.StudentCount, &batch.FailedCount, &batch.Error, &batch.CreatedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, appErr.New(appErr.BatchNotFound).WithMessagef("batch %s not found", batchID)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query batch: %v", err)
	}
	if finishedAt.Valid {
		batch.FinishedAt = &finishedAt.Time
	}
	return batch, nil
}

func (r *mysqlBatchRepository) UpdateBatchStatus(ctx context.Context, batchID, status, bundleKey, errMsg string, studentCount, failedCount int) error {
	query := `UPDATE grading_batches
		SET status = ?, bundle_key = ?, error = ?, student_count = ?, failed_count = ?, finished_at = ?
		WHERE id = ?`
	var finishedAt interface{}
	if status == "Finished" || status == "Failed" {
		finishedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, query, status, bundleKey, errMsg, studentCount, failedCount, finishedAt, batchID)
	if err != nil {
		return appErr.Wrapf(err, appErr.BatchUpdateFailed, "update batch: %v", err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return appErr.New(appErr.BatchNotFound).WithMessagef("batch %s not found", batchID)
	}
	return nil
}

func (r *mysqlBatchRepository) UpsertStudentResult(ctx context.Context, result *model.StudentResult) error {
	if result == nil || result.BatchID == "" || result.StudentID == "" {
		return appErr.ValidationError("student_result", "required")
	}
	query := `INSERT INTO grading_students
		(batch_id, student_id, status, failed_steps, total_time_ms, max_memory_kb, report, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		status = VALUES(status), failed_steps = VALUES(failed_steps),
		total_time_ms = VALUES(total_time_ms), max_memory_kb = VALUES(max_memory_kb),
		report = VALUES(report), updated_at = VALUES(updated_at)`
	_, err := r.db.ExecContext(ctx, query,
		result.BatchID, result.StudentID, result.Status, result.FailedSteps,
		result.TotalTimeMs, result.MaxMemoryKB, result.Report, time.Now())
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "upsert student result: %v", err)
	}
	return nil
}

func (r *mysqlBatchRepository) GetStudentResult(ctx context.Context, batchID, studentID string) (*model.StudentResult, error) {
	query := `SELECT batch_id, student_id, status, failed_steps, total_time_ms, max_memory_kb,
		COALESCE(report, ''), updated_at
		FROM grading_students WHERE batch_id = ? AND student_id = ?`
	row := r.db.QueryRowContext(ctx, query, batchID, studentID)

	res := &model.StudentResult{}
	err := row.Scan(&res.BatchID, &res.StudentID, &res.Status, &res.FailedSteps,
		&res.TotalTimeMs, &res.MaxMemoryKB, &res.Report, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, appErr.New(appErr.SubmissionNotFound).WithMessagef("student %s not found in batch %s", studentID, batchID)
	}
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query student result: %v", err)
	}
	return res, nil
}

func (r *mysqlBatchRepository) ListStudentResults(ctx context.Context, batchID string) ([]*model.StudentResult, error) {
	query := `SELECT batch_id, student_id, status, failed_steps, total_time_ms, max_memory_kb,
		COALESCE(report, ''), updated_at
		FROM grading_students WHERE batch_id = ? ORDER BY student_id`
	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query student results: %v", err)
	}
	defer rows.Close()

	var results []*model.StudentResult
	for rows.Next() {
		res := &model.StudentResult{}
		if err := rows.Scan(&res.BatchID, &res.StudentID, &res.Status, &res.FailedSteps,
			&res.TotalTimeMs, &res.MaxMemoryKB, &res.Report, &res.UpdatedAt); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan student result: %v", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate student results: %v", err)
	}
	return results, nil
}
