package service_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/grader"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/respack"
	"gradebox/internal/grading/sandbox/result"
	"gradebox/internal/grading/sandbox/spec"
	"gradebox/internal/grading/service"
	appErr "gradebox/pkg/errors"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type nopReader struct{ *bytes.Reader }

func (nopReader) Close() error { return nil }

func (f *fakeStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return nopReader{bytes.NewReader(data)}, nil
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, key string, reader storage.ObjectReader, sizeBytes int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return storage.ObjectStat{}, os.ErrNotExist
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (f *fakeStorage) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "http://fake/" + key, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo)
	close(ch)
	return ch
}

func (f *fakeStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.objects, key)
	}
	return nil
}

type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLock) Unlock(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
	return nil
}

type batchUpdate struct {
	Status       string
	BundleKey    string
	Error        string
	StudentCount int
	FailedCount  int
}

type fakeBatchRepo struct {
	mu      sync.Mutex
	created map[string]*model.Batch
	updates []batchUpdate
	results map[string]*model.StudentResult
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{
		created: make(map[string]*model.Batch),
		results: make(map[string]*model.StudentResult),
	}
}

func (f *fakeBatchRepo) CreateBatch(ctx context.Context, batch *model.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[batch.ID]; ok {
		return appErr.New(appErr.RecordAlreadyExists)
	}
	f.created[batch.ID] = batch
	return nil
}

func (f *fakeBatchRepo) GetBatch(ctx context.Context, batchID string) (*model.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.created[batchID]
	if !ok {
		return nil, appErr.New(appErr.BatchNotFound)
	}
	return batch, nil
}

func (f *fakeBatchRepo) UpdateBatchStatus(ctx context.Context, batchID, status, bundleKey, errMsg string, studentCount, failedCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, batchUpdate{
		Status:       status,
		BundleKey:    bundleKey,
		Error:        errMsg,
		StudentCount: studentCount,
		FailedCount:  failedCount,
	})
	return nil
}

func (f *fakeBatchRepo) UpsertStudentResult(ctx context.Context, res *model.StudentResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[res.StudentID] = res
	return nil
}

func (f *fakeBatchRepo) GetStudentResult(ctx context.Context, batchID, studentID string) (*model.StudentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[studentID]
	if !ok {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	return res, nil
}

func (f *fakeBatchRepo) ListStudentResults(ctx context.Context, batchID string) ([]*model.StudentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []*model.StudentResult
	for _, res := range f.results {
		results = append(results, res)
	}
	return results, nil
}

func (f *fakeBatchRepo) lastUpdate() (batchUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return batchUpdate{}, false
	}
	return f.updates[len(f.updates)-1], true
}

type fakeStatusRepo struct {
	mu        sync.Mutex
	initTotal int
	students  map[string]model.StudentStatus
	finished  string
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{students: make(map[string]model.StudentStatus)}
}

func (f *fakeStatusRepo) InitBatch(ctx context.Context, batchID string, totalStudents int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initTotal = totalStudents
	return nil
}

func (f *fakeStatusRepo) SetStudentStatus(ctx context.Context, batchID, studentID string, status model.StudentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.students[studentID] = status
	return nil
}

func (f *fakeStatusRepo) FinishBatch(ctx context.Context, batchID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = status
	return nil
}

func (f *fakeStatusRepo) GetSnapshot(ctx context.Context, batchID string) (*model.BatchSnapshot, error) {
	return nil, nil
}

// fakeRunner passes every step and tracks how many steps run at once.
// Students listed in failStudents get a failing outcome instead.
type fakeRunner struct {
	running       atomic.Int64
	maxConcurrent atomic.Int64
	failStudents  map[string]bool
}

func (f *fakeRunner) RunStep(ctx context.Context, req grader.StepRequest) (result.StepResult, error) {
	cur := f.running.Add(1)
	for {
		max := f.maxConcurrent.Load()
		if cur <= max || f.maxConcurrent.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	f.running.Add(-1)

	res := result.StepResult{
		StepID:   req.Step.ID,
		Outcome:  result.OutcomeOK,
		ExitCode: 0,
		Stdout:   "ok\n",
	}
	if f.failStudents[req.StudentID] {
		res.Outcome = result.OutcomeRE
		res.ExitCode = 1
		res.Stdout = "boom\n"
	}
	return res, nil
}

func zipBytes(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func infoFor(name, id, timestamp string, files ...string) string {
	out := "Name: " + name + " (" + id + ")\n"
	for _, f := range files {
		out += "\tOriginal filename: " + f + "\n"
		out += "\tFilename: hw3_attempt_" + timestamp + "_" + f + "\n"
	}
	return out
}

// exportFor builds a Blackboard-style export holding one main.c per student.
func exportFor(t *testing.T, students ...string) []byte {
	t.Helper()
	entries := map[string]string{}
	for i, id := range students {
		ts := "2024-01-15-10-30-0" + string(rune('0'+i))
		entries["hw3_attempt_"+ts+".txt"] = infoFor("Student "+id, id, ts, "main.c")
		entries["hw3_attempt_"+ts+"_main.c"] = "int main(void){return 0;}\n"
	}
	return zipBytes(t, entries)
}

func packBytes(t *testing.T, plan string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	hdr := &tar.Header{Name: "commands.txt", Mode: 0644, Size: int64(len(plan))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write([]byte(plan)); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd: %v", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func newService(t *testing.T, store *fakeStorage, runner grader.Runner, batchRepo repository.BatchRepository, statusRepo repository.StatusRepository, concurrency int) *service.GradingService {
	t.Helper()
	packs := respack.New(t.TempDir(), time.Hour, time.Second, 4, 0, "subs", store, &fakeLock{})
	return service.NewGradingService(service.Config{
		WorkRoot:         t.TempDir(),
		SubmissionBucket: "subs",
		ReportBucket:     "reports",
		Profile:          "run",
		Concurrency:      concurrency,
		StepTimeout:      time.Second,
		DefaultLimits:    spec.ResourceLimit{CPUTimeMs: 10000, MemoryMB: 64, OutputMB: 1},
	}, grader.NewWorker(runner), packs, store, batchRepo, statusRepo)
}

func jobMessage(t *testing.T, job model.GradeJob) *mq.Message {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return mq.NewMessage(body)
}

// readBundle unpacks a tar.zst report bundle into file name to content.
func readBundle(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()

	files := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read bundle: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read bundle entry %s: %v", hdr.Name, err)
		}
		files[hdr.Name] = string(content)
	}
	return files
}

func TestHandleMessageDropsMalformedJob(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{}}
	batchRepo := newFakeBatchRepo()
	svc := newService(t, store, &fakeRunner{}, batchRepo, newFakeStatusRepo(), 2)

	if err := svc.HandleMessage(context.Background(), mq.NewMessage([]byte("{not json"))); err != nil {
		t.Fatalf("malformed job must not be retried, got %v", err)
	}
	if len(batchRepo.created) != 0 {
		t.Fatalf("batch row created for malformed job")
	}
}

func TestHandleMessageDropsInvalidJob(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{}}
	batchRepo := newFakeBatchRepo()
	svc := newService(t, store, &fakeRunner{}, batchRepo, newFakeStatusRepo(), 2)

	msg := jobMessage(t, model.GradeJob{
		BatchID:      "b-1",
		AssignmentID: "hw3",
		Version:      1,
		ArchiveKey:   "exports/hw3.zip",
		// no pack key
	})
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("invalid job must not be retried, got %v", err)
	}
	if len(batchRepo.created) != 0 {
		t.Fatalf("batch row created for invalid job")
	}
}

func TestHandleMessageMissingPackFailsBatch(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"exports/hw3.zip": exportFor(t, "jsmith"),
	}}
	batchRepo := newFakeBatchRepo()
	statusRepo := newFakeStatusRepo()
	svc := newService(t, store, &fakeRunner{}, batchRepo, statusRepo, 2)

	msg := jobMessage(t, model.GradeJob{
		BatchID:      "b-1",
		AssignmentID: "hw3",
		Version:      1,
		ArchiveKey:   "exports/hw3.zip",
		PackKey:      "packs/nope.tar.zst",
	})
	if err := svc.HandleMessage(context.Background(), msg); err == nil {
		t.Fatalf("expected error for missing pack")
	}
	update, ok := batchRepo.lastUpdate()
	if !ok || update.Status != string(result.StatusFailed) {
		t.Fatalf("batch update = %+v, want Failed", update)
	}
	if statusRepo.finished != string(result.StatusFailed) {
		t.Fatalf("live status = %q, want Failed", statusRepo.finished)
	}
}

func TestHandleMessageGradesBatch(t *testing.T) {
	pack, hash := packBytes(t, "./prog\n")
	store := &fakeStorage{objects: map[string][]byte{
		"exports/hw3.zip":     exportFor(t, "jsmith", "jdoe"),
		"packs/hw3-1.tar.zst": pack,
	}}
	batchRepo := newFakeBatchRepo()
	statusRepo := newFakeStatusRepo()
	runner := &fakeRunner{failStudents: map[string]bool{"jdoe": true}}
	svc := newService(t, store, runner, batchRepo, statusRepo, 2)

	msg := jobMessage(t, model.GradeJob{
		BatchID:      "b-1",
		AssignmentID: "hw3",
		Version:      1,
		Assignment:   "Homework 3",
		Grader:       "alice",
		ArchiveKey:   "exports/hw3.zip",
		PackKey:      "packs/hw3-1.tar.zst",
		PackHash:     hash,
	})
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	update, ok := batchRepo.lastUpdate()
	if !ok {
		t.Fatalf("no batch update recorded")
	}
	if update.Status != string(result.StatusFinished) {
		t.Fatalf("status = %q, want Finished", update.Status)
	}
	if update.StudentCount != 2 || update.FailedCount != 1 {
		t.Fatalf("students = %d failed = %d, want 2/1", update.StudentCount, update.FailedCount)
	}
	if update.BundleKey != "batches/b-1/submissions.tar.zst" {
		t.Fatalf("bundle key = %q", update.BundleKey)
	}
	if statusRepo.initTotal != 2 {
		t.Fatalf("init total = %d, want 2", statusRepo.initTotal)
	}
	if statusRepo.finished != string(result.StatusFinished) {
		t.Fatalf("live status = %q, want Finished", statusRepo.finished)
	}

	passed := batchRepo.results["jsmith"]
	if passed == nil || passed.FailedSteps != 0 || passed.Report != "ok\n" {
		t.Fatalf("jsmith result = %+v", passed)
	}
	failed := batchRepo.results["jdoe"]
	if failed == nil || failed.FailedSteps != 1 {
		t.Fatalf("jdoe result = %+v", failed)
	}

	bundle, ok := store.objects[update.BundleKey]
	if !ok {
		t.Fatalf("bundle not uploaded")
	}
	files := readBundle(t, bundle)
	if files["jsmith/"+grader.OutputFileName("jsmith")] != "ok\n" {
		t.Fatalf("jsmith output missing from bundle: %v", mapKeys(files))
	}
	if _, ok := files["jdoe/"+grader.GradingFileName("jdoe")]; !ok {
		t.Fatalf("jdoe grading template missing from bundle: %v", mapKeys(files))
	}
}

func TestGradeAllBoundsConcurrency(t *testing.T) {
	pack, hash := packBytes(t, "./prog\n")
	store := &fakeStorage{objects: map[string][]byte{
		"exports/hw3.zip":     exportFor(t, "s1", "s2", "s3", "s4", "s5", "s6"),
		"packs/hw3-1.tar.zst": pack,
	}}
	runner := &fakeRunner{}
	svc := newService(t, store, runner, newFakeBatchRepo(), newFakeStatusRepo(), 2)

	msg := jobMessage(t, model.GradeJob{
		BatchID:      "b-1",
		AssignmentID: "hw3",
		Version:      1,
		ArchiveKey:   "exports/hw3.zip",
		PackKey:      "packs/hw3-1.tar.zst",
		PackHash:     hash,
	})
	if err := svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if max := runner.maxConcurrent.Load(); max > 2 {
		t.Fatalf("max concurrent steps = %d, want <= 2", max)
	}
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
