package controller

import (
	"time"

	"github.com/gin-gonic/gin"

	"gradebox/internal/common/storage"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"
	"gradebox/pkg/utils/response"

	"go.uber.org/zap"
)

const defaultPresignTTL = 15 * time.Minute

// BatchController serves batch status, per-student reports, and bundle
// downloads via presigned URLs.
type BatchController struct {
	batchRepo    repository.BatchRepository
	statusRepo   repository.StatusRepository
	store        storage.ObjectStorage
	reportBucket string
	presignTTL   time.Duration
}

// NewBatchController creates the batch controller.
func NewBatchController(batchRepo repository.BatchRepository, statusRepo repository.StatusRepository, store storage.ObjectStorage, reportBucket string, presignTTL time.Duration) *BatchController {
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	return &BatchController{
		batchRepo:    batchRepo,
		statusRepo:   statusRepo,
		store:        store,
		reportBucket: reportBucket,
		presignTTL:   presignTTL,
	}
}

type batchStatusResponse struct {
	Batch     *model.Batch           `json:"batch"`
	Snapshot  *model.BatchSnapshot   `json:"snapshot,omitempty"`
	Students  []*model.StudentResult `json:"students,omitempty"`
	BundleURL string                 `json:"bundle_url,omitempty"`
}

// GetBatch returns the persisted batch row, the per-student results, and
// the live snapshot.
func (c *BatchController) GetBatch(ctx *gin.Context) {
	batchID := ctx.Param("id")
	if batchID == "" {
		response.Error(ctx, appErr.BadRequest("batch id is required"))
		return
	}
	rctx := ctx.Request.Context()
	batch, err := c.batchRepo.GetBatch(rctx, batchID)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	students, err := c.batchRepo.ListStudentResults(rctx, batchID)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	snapshot, err := c.statusRepo.GetSnapshot(rctx, batchID)
	if err != nil {
		// Snapshot is best effort; the row is authoritative.
		snapshot = nil
	}
	response.Success(ctx, batchStatusResponse{
		Batch:     batch,
		Snapshot:  snapshot,
		Students:  students,
		BundleURL: c.presignBundle(ctx, batch),
	})
}

type studentReportResponse struct {
	BatchID     string `json:"batch_id"`
	StudentID   string `json:"student_id"`
	Status      string `json:"status"`
	FailedSteps int    `json:"failed_steps"`
	TotalTimeMs int64  `json:"total_time_ms"`
	MaxMemoryKB int64  `json:"max_memory_kb"`
	Report      string `json:"report"`
	BundleURL   string `json:"bundle_url,omitempty"`
}

// GetStudentReport returns one student's grading record, the report text,
// and a presigned URL for the batch bundle holding the full report files.
func (c *BatchController) GetStudentReport(ctx *gin.Context) {
	batchID := ctx.Param("id")
	studentID := ctx.Param("sid")
	if batchID == "" || studentID == "" {
		response.Error(ctx, appErr.BadRequest("batch id and student id are required"))
		return
	}
	rctx := ctx.Request.Context()
	res, err := c.batchRepo.GetStudentResult(rctx, batchID, studentID)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	bundleURL := ""
	if batch, batchErr := c.batchRepo.GetBatch(rctx, batchID); batchErr == nil {
		bundleURL = c.presignBundle(ctx, batch)
	}
	response.Success(ctx, studentReportResponse{
		BatchID:     res.BatchID,
		StudentID:   res.StudentID,
		Status:      res.Status,
		FailedSteps: res.FailedSteps,
		TotalTimeMs: res.TotalTimeMs,
		MaxMemoryKB: res.MaxMemoryKB,
		Report:      res.Report,
		BundleURL:   bundleURL,
	})
}

type purgeResponse struct {
	BatchID string `json:"batch_id"`
	Removed int    `json:"removed"`
}

// PurgeBatch deletes a finished batch's report objects from storage.
func (c *BatchController) PurgeBatch(ctx *gin.Context) {
	batchID := ctx.Param("id")
	if batchID == "" {
		response.Error(ctx, appErr.BadRequest("batch id is required"))
		return
	}
	rctx := ctx.Request.Context()
	batch, err := c.batchRepo.GetBatch(rctx, batchID)
	if err != nil {
		response.Error(ctx, err)
		return
	}
	if batch.Status != "Finished" && batch.Status != "Failed" {
		response.Error(ctx, appErr.BadRequest("batch is still running"))
		return
	}

	var keys []string
	for obj := range c.store.ListObjects(rctx, c.reportBucket, "batches/"+batchID+"/") {
		if obj.Err != nil {
			response.Error(ctx, appErr.Wrapf(obj.Err, appErr.StorageError, "list batch objects: %v", obj.Err))
			return
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) > 0 {
		if err := c.store.RemoveObjects(rctx, c.reportBucket, keys); err != nil {
			response.Error(ctx, appErr.Wrapf(err, appErr.StorageError, "remove batch objects: %v", err))
			return
		}
	}
	logger.Info(rctx, "batch objects purged",
		zap.String("batch_id", batchID),
		zap.Int("removed", len(keys)))
	response.Success(ctx, purgeResponse{BatchID: batchID, Removed: len(keys)})
}

func (c *BatchController) presignBundle(ctx *gin.Context, batch *model.Batch) string {
	if batch == nil || batch.BundleKey == "" {
		return ""
	}
	url, err := c.store.PresignGet(ctx.Request.Context(), c.reportBucket, batch.BundleKey, c.presignTTL)
	if err != nil {
		logger.Warn(ctx.Request.Context(), "presign bundle failed",
			zap.String("bundle_key", batch.BundleKey), zap.Error(err))
		return ""
	}
	return url
}
