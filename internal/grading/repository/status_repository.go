package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

const (
	statusMetaPrefix     = "grading:batch:meta:"
	statusStudentsPrefix = "grading:batch:students:"
	statusDonePrefix     = "grading:batch:done:"
	statusDoneMarkPrefix = "grading:batch:donemark:"
	defaultStatusTTL     = 24 * time.Hour
)

// StatusRepository keeps the live batch snapshot in Redis.
type StatusRepository interface {
	InitBatch(ctx context.Context, batchID string, totalStudents int) error
	SetStudentStatus(ctx context.Context, batchID, studentID string, status model.StudentStatus) error
	FinishBatch(ctx context.Context, batchID, status string) error
	GetSnapshot(ctx context.Context, batchID string) (*model.BatchSnapshot, error)
}

type redisStatusRepository struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusRepository creates a Redis-backed status repository.
func NewStatusRepository(c cache.Cache) StatusRepository {
	return &redisStatusRepository{cache: c, ttl: defaultStatusTTL}
}

// batchMeta is the batch-level part of the snapshot. Student entries live
// in a separate hash so concurrent workers never rewrite each other.
type batchMeta struct {
	BatchID       string `json:"batch_id"`
	Status        string `json:"status"`
	TotalStudents int    `json:"total_students"`
	UpdatedAt     int64  `json:"updated_at"`
}

func metaKey(batchID string) string {
	return statusMetaPrefix + batchID
}

func studentsKey(batchID string) string {
	return statusStudentsPrefix + batchID
}

func doneKey(batchID string) string {
	return statusDonePrefix + batchID
}

func doneMarkKey(batchID, studentID string) string {
	return statusDoneMarkPrefix + batchID + ":" + studentID
}

func isTerminal(status string) bool {
	return status == "Finished" || status == "Failed"
}

func (r *redisStatusRepository) InitBatch(ctx context.Context, batchID string, totalStudents int) error {
	meta := batchMeta{
		BatchID:       batchID,
		Status:        "Running",
		TotalStudents: totalStudents,
		UpdatedAt:     time.Now().Unix(),
	}
	return r.saveMeta(ctx, meta)
}

func (r *redisStatusRepository) SetStudentStatus(ctx context.Context, batchID, studentID string, status model.StudentStatus) error {
	// A crashed-over batch gets a fresh meta; an existing one is untouched.
	meta := batchMeta{BatchID: batchID, Status: "Running", UpdatedAt: time.Now().Unix()}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode batch meta: %v", err)
	}
	if _, err := r.cache.SetNX(ctx, metaKey(batchID), string(metaData), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "init batch meta: %v", err)
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode student status: %v", err)
	}
	if err := r.cache.HSet(ctx, studentsKey(batchID), studentID, string(payload)); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "set student status: %v", err)
	}
	_ = r.cache.Expire(ctx, studentsKey(batchID), r.ttl)

	if isTerminal(status.Status) {
		// SetNX marks the first terminal update for this student, so
		// repeated terminal updates never double count.
		first, err := r.cache.SetNX(ctx, doneMarkKey(batchID, studentID), "1", r.ttl)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheSetFailed, "mark student done: %v", err)
		}
		if first {
			if _, err := r.cache.Incr(ctx, doneKey(batchID)); err != nil {
				return appErr.Wrapf(err, appErr.CacheError, "count student done: %v", err)
			}
			_ = r.cache.Expire(ctx, doneKey(batchID), r.ttl)
		}
	}
	return nil
}

func (r *redisStatusRepository) FinishBatch(ctx context.Context, batchID, status string) error {
	meta, err := r.getMeta(ctx, batchID)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &batchMeta{BatchID: batchID}
	}
	meta.Status = status
	meta.UpdatedAt = time.Now().Unix()
	return r.saveMeta(ctx, *meta)
}

func (r *redisStatusRepository) GetSnapshot(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	meta, err := r.getMeta(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	fields, err := r.cache.HGetAll(ctx, studentsKey(batchID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get student statuses: %v", err)
	}
	students := make(map[string]model.StudentStatus, len(fields))
	for studentID, raw := range fields {
		var status model.StudentStatus
		if err := json.Unmarshal([]byte(raw), &status); err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode student status: %v", err)
		}
		students[studentID] = status
	}

	done := 0
	if raw, err := r.cache.Get(ctx, doneKey(batchID)); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get done counter: %v", err)
	} else if raw != "" {
		done, _ = strconv.Atoi(raw)
	}

	return &model.BatchSnapshot{
		BatchID:       meta.BatchID,
		Status:        meta.Status,
		TotalStudents: meta.TotalStudents,
		DoneStudents:  done,
		Students:      students,
		UpdatedAt:     meta.UpdatedAt,
	}, nil
}

func (r *redisStatusRepository) getMeta(ctx context.Context, batchID string) (*batchMeta, error) {
	raw, err := r.cache.Get(ctx, metaKey(batchID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "get batch meta: %v", err)
	}
	if raw == "" {
		return nil, nil
	}
	meta := &batchMeta{}
	if err := json.Unmarshal([]byte(raw), meta); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode batch meta: %v", err)
	}
	return meta, nil
}

func (r *redisStatusRepository) saveMeta(ctx context.Context, meta batchMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode batch meta: %v", err)
	}
	if err := r.cache.Set(ctx, metaKey(meta.BatchID), string(data), r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "save batch meta: %v", err)
	}
	return nil
}
