// Package service orchestrates batch grading.
package service

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/grader"
	"gradebox/internal/grading/intake"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/respack"
	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config controls the grading orchestration.
type Config struct {
	WorkRoot         string
	SubmissionBucket string
	ReportBucket     string
	Profile          string
	Concurrency      int
	StepTimeout      time.Duration
	DefaultLimits    spec.ResourceLimit
	RunPatterns      []string
}

// GradingService consumes grade jobs and runs batches end to end.
type GradingService struct {
	cfg        Config
	worker     *grader.Worker
	packs      *respack.Cache
	store      storage.ObjectStorage
	batchRepo  repository.BatchRepository
	statusRepo repository.StatusRepository
}

// NewGradingService wires the orchestrator.
func NewGradingService(
	cfg Config,
	worker *grader.Worker,
	packs *respack.Cache,
	store storage.ObjectStorage,
	batchRepo repository.BatchRepository,
	statusRepo repository.StatusRepository,
) *GradingService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Profile == "" {
		cfg.Profile = "run"
	}
	worker.SetStatusReporter(&statusReporterAdapter{statusRepo: statusRepo})
	return &GradingService{
		cfg:        cfg,
		worker:     worker,
		packs:      packs,
		store:      store,
		batchRepo:  batchRepo,
		statusRepo: statusRepo,
	}
}

// PoolSize reports the worker pool capacity, used to size the fetch limiter.
func (s *GradingService) PoolSize() int {
	return s.cfg.Concurrency
}

// HandleMessage processes one grade job from the queue.
func (s *GradingService) HandleMessage(ctx context.Context, message *mq.Message) error {
	var job model.GradeJob
	if err := json.Unmarshal(message.Body, &job); err != nil {
		logger.Error(ctx, "drop malformed grade job", zap.Error(err))
		// Malformed payloads never succeed on retry.
		return nil
	}
	if err := validateJob(job); err != nil {
		logger.Error(ctx, "drop invalid grade job", zap.String("batch_id", job.BatchID), zap.Error(err))
		return nil
	}

	ctx = logger.ContextWithBatchID(ctx, job.BatchID)
	logger.Info(ctx, "grade job received",
		zap.String("assignment_id", job.AssignmentID),
		zap.String("archive_key", job.ArchiveKey))

	if err := s.runBatch(ctx, job); err != nil {
		logger.Error(ctx, "batch failed", zap.Error(err))
		_ = s.batchRepo.UpdateBatchStatus(ctx, job.BatchID, string(result.StatusFailed), "", err.Error(), 0, 0)
		_ = s.statusRepo.FinishBatch(ctx, job.BatchID, string(result.StatusFailed))
		return err
	}
	return nil
}

func (s *GradingService) runBatch(ctx context.Context, job model.GradeJob) error {
	batch := &model.Batch{
		ID:           job.BatchID,
		AssignmentID: job.AssignmentID,
		Version:      job.Version,
		Assignment:   job.Assignment,
		Grader:       job.Grader,
		ArchiveKey:   job.ArchiveKey,
		Status:       string(result.StatusPending),
	}
	if err := s.batchRepo.CreateBatch(ctx, batch); err != nil {
		// Redelivery after a crash finds the row already there.
		if !appErr.Is(err, appErr.RecordAlreadyExists) {
			logger.Warn(ctx, "create batch row failed", zap.Error(err))
		}
	}

	packDir, err := s.packs.Get(ctx, model.AssignmentMeta{
		AssignmentID: job.AssignmentID,
		Version:      job.Version,
		PackKey:      job.PackKey,
		PackHash:     job.PackHash,
	})
	if err != nil {
		return err
	}

	scratchDir := filepath.Join(s.cfg.WorkRoot, job.BatchID)
	defer func() {
		_ = os.RemoveAll(scratchDir)
	}()

	archivePath := filepath.Join(scratchDir, "archive.zip")
	if err := s.downloadArchive(ctx, job.ArchiveKey, archivePath); err != nil {
		return err
	}

	subsDir := filepath.Join(scratchDir, "submissions")
	roster, err := intake.ExtractBatch(ctx, archivePath, filepath.Join(scratchDir, "temp"), subsDir, intake.Options{
		RunPatterns: s.cfg.RunPatterns,
	})
	if err != nil {
		return err
	}
	logger.Info(ctx, "batch extracted",
		zap.Int("submissions", len(roster.Submissions)),
		zap.Int("skipped", len(roster.Errors)))

	if err := s.statusRepo.InitBatch(ctx, job.BatchID, len(roster.Submissions)); err != nil {
		logger.Warn(ctx, "init batch status failed", zap.Error(err))
	}

	limits := s.buildLimits(job.Limits)
	timeout := s.cfg.StepTimeout
	if job.Limits != nil && job.Limits.TimeoutMs > 0 {
		timeout = time.Duration(job.Limits.TimeoutMs) * time.Millisecond
	}

	failed := s.gradeAll(ctx, job, roster, packDir, scratchDir, limits, timeout)

	bundleKey, err := s.uploadBundle(ctx, job.BatchID, subsDir)
	if err != nil {
		return err
	}

	if err := s.batchRepo.UpdateBatchStatus(ctx, job.BatchID, string(result.StatusFinished),
		bundleKey, "", len(roster.Submissions), failed); err != nil {
		return err
	}
	if err := s.statusRepo.FinishBatch(ctx, job.BatchID, string(result.StatusFinished)); err != nil {
		logger.Warn(ctx, "finish batch status failed", zap.Error(err))
	}
	logger.Info(ctx, "batch finished",
		zap.Int("students", len(roster.Submissions)),
		zap.Int("failed", failed),
		zap.String("bundle_key", bundleKey))
	return nil
}

// gradeAll grades every submission with bounded concurrency and returns the
// number of submissions with at least one failing step.
func (s *GradingService) gradeAll(ctx context.Context, job model.GradeJob, roster *intake.Roster, packDir, scratchDir string, limits spec.ResourceLimit, timeout time.Duration) int {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, sub := range roster.Submissions {
		sub := sub
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if s.gradeOne(ctx, job, sub, packDir, scratchDir, limits, timeout) {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failed
}

// gradeOne grades a single submission and reports whether it failed.
func (s *GradingService) gradeOne(ctx context.Context, job model.GradeJob, sub *intake.Submission, packDir, scratchDir string, limits spec.ResourceLimit, timeout time.Duration) bool {
	ctx = logger.ContextWithStudentID(ctx, sub.StudentID)

	req := grader.GradeRequest{
		BatchID:    job.BatchID,
		Submission: sub,
		WorkRoot:   filepath.Join(scratchDir, "work"),
		PlanPath:   respack.PlanPath(packDir),
		ResDir:     respack.ResourceDir(packDir),
		Profile:    s.cfg.Profile,
		Limits:     limits,
		Timeout:    timeout,
		ReceivedAt: time.Now().Unix(),
	}

	gradeRes, err := s.worker.Execute(ctx, req)
	if err != nil {
		logger.Error(ctx, "grading failed", zap.Error(err))
		gradeRes.Status = result.StatusFailed
	}

	if writeErr := grader.WriteReports(sub.Dir, gradeRes, grader.ReportInfo{
		Assignment: job.Assignment,
		Grader:     job.Grader,
	}); writeErr != nil {
		logger.Error(ctx, "write reports failed", zap.Error(writeErr))
	}

	report := readReport(sub.Dir, sub.StudentID)
	if upsertErr := s.batchRepo.UpsertStudentResult(ctx, &model.StudentResult{
		BatchID:     job.BatchID,
		StudentID:   sub.StudentID,
		Status:      string(gradeRes.Status),
		FailedSteps: gradeRes.Summary.FailedSteps,
		TotalTimeMs: gradeRes.Summary.TotalTimeMs,
		MaxMemoryKB: gradeRes.Summary.MaxMemoryKB,
		Report:      report,
	}); upsertErr != nil {
		logger.Error(ctx, "persist student result failed", zap.Error(upsertErr))
	}

	if statusErr := s.statusRepo.SetStudentStatus(ctx, job.BatchID, sub.StudentID, model.StudentStatus{
		Status:     string(gradeRes.Status),
		TotalSteps: len(gradeRes.Steps),
		DoneSteps:  len(gradeRes.Steps),
		ReceivedAt: gradeRes.Timestamps.ReceivedAt,
	}); statusErr != nil {
		logger.Warn(ctx, "set student status failed", zap.Error(statusErr))
	}

	return err != nil || gradeRes.Failed()
}

func (s *GradingService) downloadArchive(ctx context.Context, archiveKey, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0750); err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "create batch dir: %v", err)
	}
	reader, err := s.store.GetObject(ctx, s.cfg.SubmissionBucket, archiveKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "download archive: %v", err)
	}
	defer reader.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.WorkspaceError, "create archive file: %v", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, reader); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "write archive file: %v", err)
	}
	return nil
}

func (s *GradingService) uploadBundle(ctx context.Context, batchID, subsDir string) (string, error) {
	bundlePath := filepath.Join(filepath.Dir(subsDir), "submissions.tar.zst")
	if err := buildBundle(subsDir, bundlePath); err != nil {
		return "", err
	}

	file, err := os.Open(bundlePath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ReportBundleFailed, "open bundle: %v", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ReportBundleFailed, "stat bundle: %v", err)
	}

	bundleKey := "batches/" + batchID + "/submissions.tar.zst"
	if err := s.store.PutObject(ctx, s.cfg.ReportBucket, bundleKey, file, info.Size(), "application/zstd"); err != nil {
		return "", appErr.Wrapf(err, appErr.ReportBundleFailed, "upload bundle: %v", err)
	}
	return bundleKey, nil
}

func (s *GradingService) buildLimits(overrides *model.LimitOverrides) spec.ResourceLimit {
	limits := s.cfg.DefaultLimits
	if overrides == nil {
		return limits
	}
	if overrides.MemoryMB > 0 {
		limits.MemoryMB = overrides.MemoryMB
	}
	if overrides.OutputMB > 0 {
		limits.OutputMB = overrides.OutputMB
	}
	if overrides.PIDs > 0 {
		limits.PIDs = overrides.PIDs
	}
	return limits
}

func validateJob(job model.GradeJob) error {
	if job.BatchID == "" {
		return appErr.ValidationError("batch_id", "required")
	}
	if job.AssignmentID == "" {
		return appErr.ValidationError("assignment_id", "required")
	}
	if job.Version <= 0 {
		return appErr.ValidationError("version", "required")
	}
	if job.ArchiveKey == "" {
		return appErr.ValidationError("archive_key", "required")
	}
	if job.PackKey == "" {
		return appErr.ValidationError("pack_key", "required")
	}
	return nil
}

func readReport(dir, studentID string) string {
	data, err := os.ReadFile(filepath.Join(dir, grader.OutputFileName(studentID)))
	if err != nil {
		return ""
	}
	return string(data)
}

type statusReporterAdapter struct {
	statusRepo repository.StatusRepository
}

func (a *statusReporterAdapter) ReportStatus(ctx context.Context, update grader.StatusUpdate) error {
	return a.statusRepo.SetStudentStatus(ctx, update.BatchID, update.StudentID, model.StudentStatus{
		Status:     string(update.Status),
		TotalSteps: update.TotalSteps,
		DoneSteps:  update.DoneSteps,
		ReceivedAt: update.ReceivedAt,
	})
}
