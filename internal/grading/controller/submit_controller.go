package controller

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"
	"gradebox/pkg/utils/response"

	"go.uber.org/zap"
)

// SubmitController accepts new grading batches and publishes them as jobs.
type SubmitController struct {
	producer mq.Producer
	jobTopic string
	store    storage.ObjectStorage
	bucket   string
}

// NewSubmitController creates the submit controller.
func NewSubmitController(producer mq.Producer, jobTopic string, store storage.ObjectStorage, submissionBucket string) *SubmitController {
	return &SubmitController{
		producer: producer,
		jobTopic: jobTopic,
		store:    store,
		bucket:   submissionBucket,
	}
}

type submitRequest struct {
	AssignmentID string                `json:"assignment_id" binding:"required"`
	Version      int32                 `json:"version" binding:"required"`
	Assignment   string                `json:"assignment"`
	ArchiveKey   string                `json:"archive_key" binding:"required"`
	PackKey      string                `json:"pack_key" binding:"required"`
	PackHash     string                `json:"pack_hash"`
	Limits       *model.LimitOverrides `json:"limits"`
}

type submitResponse struct {
	BatchID string `json:"batch_id"`
}

// Submit publishes a grade job for the uploaded archive and returns the
// batch id to poll or stream.
func (c *SubmitController) Submit(ctx *gin.Context) {
	var req submitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		response.Error(ctx, appErr.BadRequest("assignment_id, version, archive_key and pack_key are required"))
		return
	}

	// Reject jobs whose objects do not exist instead of failing them
	// later on the worker.
	rctx := ctx.Request.Context()
	if _, err := c.store.StatObject(rctx, c.bucket, req.ArchiveKey); err != nil {
		response.Error(ctx, appErr.New(appErr.SubmissionNotFound).
			WithMessagef("archive %s not found", req.ArchiveKey))
		return
	}
	if _, err := c.store.StatObject(rctx, c.bucket, req.PackKey); err != nil {
		response.Error(ctx, appErr.New(appErr.ResourcePackNotFound).
			WithMessagef("resource pack %s not found", req.PackKey))
		return
	}

	job := model.GradeJob{
		BatchID:      uuid.NewString(),
		AssignmentID: req.AssignmentID,
		Version:      req.Version,
		Assignment:   req.Assignment,
		Grader:       ctx.GetString("grader"),
		ArchiveKey:   req.ArchiveKey,
		PackKey:      req.PackKey,
		PackHash:     req.PackHash,
		Limits:       req.Limits,
	}
	body, err := json.Marshal(job)
	if err != nil {
		response.Error(ctx, appErr.Wrap(err, appErr.InternalServerError))
		return
	}
	if err := c.producer.Publish(ctx.Request.Context(), c.jobTopic, mq.NewMessage(body)); err != nil {
		response.Error(ctx, appErr.Wrap(err, appErr.BatchCreateFailed))
		return
	}

	logger.Info(ctx.Request.Context(), "batch submitted",
		zap.String("batch_id", job.BatchID),
		zap.String("assignment_id", job.AssignmentID),
		zap.String("grader", job.Grader))
	response.Success(ctx, submitResponse{BatchID: job.BatchID})
}
