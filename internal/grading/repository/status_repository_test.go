package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"gradebox/internal/common/cache"
	"gradebox/internal/grading/model"
	"gradebox/internal/grading/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStatusRepo(t *testing.T) repository.StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return repository.NewStatusRepository(c)
}

func TestStatusRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newStatusRepo(t)

	if err := repo.InitBatch(ctx, "batch-1", 2); err != nil {
		t.Fatalf("init: %v", err)
	}

	snapshot, err := repo.GetSnapshot(ctx, "batch-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot == nil {
		t.Fatalf("snapshot missing after init")
	}
	if snapshot.Status != "Running" || snapshot.TotalStudents != 2 || snapshot.DoneStudents != 0 {
		t.Fatalf("snapshot = %+v", snapshot)
	}

	running := model.StudentStatus{Status: "Running", TotalSteps: 3, DoneSteps: 1}
	if err := repo.SetStudentStatus(ctx, "batch-1", "jsmith", running); err != nil {
		t.Fatalf("set running: %v", err)
	}
	snapshot, _ = repo.GetSnapshot(ctx, "batch-1")
	if snapshot.DoneStudents != 0 {
		t.Fatalf("running student counted as done")
	}

	finished := model.StudentStatus{Status: "Finished", TotalSteps: 3, DoneSteps: 3}
	if err := repo.SetStudentStatus(ctx, "batch-1", "jsmith", finished); err != nil {
		t.Fatalf("set finished: %v", err)
	}
	// A repeated terminal update must not double count.
	if err := repo.SetStudentStatus(ctx, "batch-1", "jsmith", finished); err != nil {
		t.Fatalf("set finished again: %v", err)
	}
	snapshot, _ = repo.GetSnapshot(ctx, "batch-1")
	if snapshot.DoneStudents != 1 {
		t.Fatalf("done students = %d, want 1", snapshot.DoneStudents)
	}
	if got := snapshot.Students["jsmith"]; got.DoneSteps != 3 {
		t.Fatalf("student status = %+v", got)
	}

	if err := repo.FinishBatch(ctx, "batch-1", "Finished"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	snapshot, _ = repo.GetSnapshot(ctx, "batch-1")
	if snapshot.Status != "Finished" {
		t.Fatalf("final status = %s", snapshot.Status)
	}
}

func TestStatusRepositoryConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newStatusRepo(t)

	const students = 32
	if err := repo.InitBatch(ctx, "batch-c", students); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Concurrent workers finishing distinct students must not lose
	// each other's entries or done increments.
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			studentID := fmt.Sprintf("student-%02d", i)
			err := repo.SetStudentStatus(ctx, "batch-c", studentID, model.StudentStatus{
				Status: "Finished", TotalSteps: 2, DoneSteps: 2,
			})
			if err != nil {
				t.Errorf("set %s: %v", studentID, err)
			}
		}(i)
	}
	wg.Wait()

	snapshot, err := repo.GetSnapshot(ctx, "batch-c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snapshot.Students) != students {
		t.Fatalf("students recorded = %d, want %d", len(snapshot.Students), students)
	}
	if snapshot.DoneStudents != students {
		t.Fatalf("done students = %d, want %d", snapshot.DoneStudents, students)
	}
}

func TestStatusRepositoryMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newStatusRepo(t)

	snapshot, err := repo.GetSnapshot(ctx, "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil snapshot, got %+v", snapshot)
	}

	// Updates against an unknown batch start a fresh snapshot.
	err = repo.SetStudentStatus(ctx, "batch-2", "jdoe", model.StudentStatus{Status: "Finished"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	snapshot, _ = repo.GetSnapshot(ctx, "batch-2")
	if snapshot == nil || snapshot.DoneStudents != 1 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}
