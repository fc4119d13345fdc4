package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/controller"
	"gradebox/internal/grading/model"
	appErr "gradebox/pkg/errors"
)

type fakeBatchRepo struct {
	batch    *model.Batch
	students []*model.StudentResult
}

func (f *fakeBatchRepo) CreateBatch(ctx context.Context, batch *model.Batch) error { return nil }

func (f *fakeBatchRepo) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	if f.batch == nil || f.batch.ID != batchID {
		return nil, appErr.New(appErr.BatchNotFound).WithMessagef("batch %s not found", batchID)
	}
	return f.batch, nil
}

func (f *fakeBatchRepo) UpdateBatchStatus(ctx context.Context, batchID, status, bundleKey, errMsg string, studentCount, failedCount int) error {
	return nil
}

func (f *fakeBatchRepo) UpsertStudentResult(ctx context.Context, res *model.StudentResult) error {
	return nil
}

func (f *fakeBatchRepo) GetStudentResult(ctx context.Context, batchID, studentID string) (*model.StudentResult, error) {
	for _, res := range f.students {
		if res.BatchID == batchID && res.StudentID == studentID {
			return res, nil
		}
	}
	return nil, appErr.New(appErr.SubmissionNotFound).WithMessagef("student %s not found", studentID)
}

func (f *fakeBatchRepo) ListStudentResults(ctx context.Context, batchID string) ([]*model.StudentResult, error) {
	return f.students, nil
}

type fakeStatusRepo struct{}

func (f *fakeStatusRepo) InitBatch(ctx context.Context, batchID string, totalStudents int) error {
	return nil
}

func (f *fakeStatusRepo) SetStudentStatus(ctx context.Context, batchID, studentID string, status model.StudentStatus) error {
	return nil
}

func (f *fakeStatusRepo) FinishBatch(ctx context.Context, batchID, status string) error { return nil }

func (f *fakeStatusRepo) GetSnapshot(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	return nil, nil
}

type fakeStore struct {
	objects map[string][]byte
	removed []string
}

type nopReader struct{ *bytes.Reader }

func (nopReader) Close() error { return nil }

func (f *fakeStore) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, appErr.New(appErr.NotFound)
	}
	return nopReader{bytes.NewReader(data)}, nil
}

func (f *fakeStore) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	return nil
}

func (f *fakeStore) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, appErr.New(appErr.NotFound)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "http://presign/" + bucket + "/" + key, nil
}

func (f *fakeStore) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo, len(f.objects))
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			ch <- storage.ObjectInfo{Key: key}
		}
	}
	close(ch)
	return ch
}

func (f *fakeStore) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		delete(f.objects, key)
		f.removed = append(f.removed, key)
	}
	return nil
}

type fakeProducer struct {
	topic    string
	messages []*mq.Message
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.topic = topic
	f.messages = append(f.messages, message)
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func newBatchRouter(repo *fakeBatchRepo, store *fakeStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ctrl := controller.NewBatchController(repo, &fakeStatusRepo{}, store, "reports", time.Minute)
	router := gin.New()
	router.GET("/batches/:id", ctrl.GetBatch)
	router.GET("/batches/:id/students/:sid", ctrl.GetStudentReport)
	router.DELETE("/batches/:id", ctrl.PurgeBatch)
	return router
}

func finishedBatch() *model.Batch {
	return &model.Batch{
		ID:        "b-1",
		Status:    "Finished",
		BundleKey: "batches/b-1/submissions.tar.zst",
	}
}

func TestGetBatchListsStudentsAndPresignsBundle(t *testing.T) {
	repo := &fakeBatchRepo{
		batch: finishedBatch(),
		students: []*model.StudentResult{
			{BatchID: "b-1", StudentID: "jdoe", Status: "Finished"},
			{BatchID: "b-1", StudentID: "jsmith", Status: "Finished"},
		},
	}
	router := newBatchRouter(repo, &fakeStore{})

	rec, env := doRequest(t, router, "GET", "/batches/b-1", nil)
	if rec.Code != http.StatusOK || env.Code != int(appErr.Success) {
		t.Fatalf("status = %d, code = %d", rec.Code, env.Code)
	}

	var data struct {
		Students  []json.RawMessage `json:"students"`
		BundleURL string            `json:"bundle_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data.Students) != 2 {
		t.Fatalf("students = %d, want 2", len(data.Students))
	}
	if data.BundleURL != "http://presign/reports/batches/b-1/submissions.tar.zst" {
		t.Fatalf("bundle url = %q", data.BundleURL)
	}
}

func TestGetStudentReportPresignsBundle(t *testing.T) {
	repo := &fakeBatchRepo{
		batch: finishedBatch(),
		students: []*model.StudentResult{
			{BatchID: "b-1", StudentID: "jsmith", Status: "Finished", Report: "compiled ok\n"},
		},
	}
	router := newBatchRouter(repo, &fakeStore{})

	_, env := doRequest(t, router, "GET", "/batches/b-1/students/jsmith", nil)
	if env.Code != int(appErr.Success) {
		t.Fatalf("code = %d", env.Code)
	}
	var data struct {
		Report    string `json:"report"`
		BundleURL string `json:"bundle_url"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Report != "compiled ok\n" {
		t.Fatalf("report = %q", data.Report)
	}
	if data.BundleURL == "" {
		t.Fatalf("bundle url missing")
	}
}

func TestPurgeBatchRemovesObjects(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"batches/b-1/submissions.tar.zst": []byte("bundle"),
		"batches/b-1/manifest.json":       []byte("{}"),
		"batches/b-2/submissions.tar.zst": []byte("other"),
	}}
	router := newBatchRouter(&fakeBatchRepo{batch: finishedBatch()}, store)

	_, env := doRequest(t, router, "DELETE", "/batches/b-1", nil)
	if env.Code != int(appErr.Success) {
		t.Fatalf("code = %d", env.Code)
	}
	var data struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Removed != 2 {
		t.Fatalf("removed = %d, want 2", data.Removed)
	}
	if _, ok := store.objects["batches/b-2/submissions.tar.zst"]; !ok {
		t.Fatalf("other batch's objects were removed")
	}
}

func TestPurgeBatchRefusedWhileRunning(t *testing.T) {
	running := finishedBatch()
	running.Status = "Running"
	router := newBatchRouter(&fakeBatchRepo{batch: running}, &fakeStore{})

	rec, env := doRequest(t, router, "DELETE", "/batches/b-1", nil)
	if rec.Code == http.StatusOK && env.Code == int(appErr.Success) {
		t.Fatalf("running batch purge was accepted")
	}
}

func TestSubmitChecksObjectsExist(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &fakeStore{objects: map[string][]byte{
		"exports/hw3.zip":     []byte("zip"),
		"packs/hw3-1.tar.zst": []byte("pack"),
	}}
	producer := &fakeProducer{}
	ctrl := controller.NewSubmitController(producer, "grading.jobs", store, "subs")
	router := gin.New()
	router.POST("/batches", func(ctx *gin.Context) {
		ctx.Set("grader", "alice")
		ctrl.Submit(ctx)
	})

	body := []byte(`{"assignment_id":"hw3","version":1,"archive_key":"exports/hw3.zip","pack_key":"packs/hw3-1.tar.zst"}`)
	_, env := doRequest(t, router, "POST", "/batches", body)
	if env.Code != int(appErr.Success) {
		t.Fatalf("submit failed: code = %d message = %s", env.Code, env.Message)
	}
	if len(producer.messages) != 1 || producer.topic != "grading.jobs" {
		t.Fatalf("published %d messages to %q", len(producer.messages), producer.topic)
	}

	missing := []byte(`{"assignment_id":"hw3","version":1,"archive_key":"exports/nope.zip","pack_key":"packs/hw3-1.tar.zst"}`)
	_, env = doRequest(t, router, "POST", "/batches", missing)
	if env.Code != int(appErr.SubmissionNotFound) {
		t.Fatalf("missing archive: code = %d, want %d", env.Code, int(appErr.SubmissionNotFound))
	}
	if len(producer.messages) != 1 {
		t.Fatalf("job published for missing archive")
	}

	badPack := []byte(`{"assignment_id":"hw3","version":1,"archive_key":"exports/hw3.zip","pack_key":"packs/nope.tar.zst"}`)
	_, env = doRequest(t, router, "POST", "/batches", badPack)
	if env.Code != int(appErr.ResourcePackNotFound) {
		t.Fatalf("missing pack: code = %d, want %d", env.Code, int(appErr.ResourcePackNotFound))
	}
}
