package repository

import (
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"

	appErr "gradebox/pkg/errors"
)

func TestMapBatchInsertError(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'b-1' for key 'PRIMARY'"}
	if err := mapBatchInsertError(dup, "b-1"); !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("duplicate key: expected RecordAlreadyExists, got %v", err)
	}

	wrapped := fmt.Errorf("exec: %w", dup)
	if err := mapBatchInsertError(wrapped, "b-1"); !appErr.Is(err, appErr.RecordAlreadyExists) {
		t.Fatalf("wrapped duplicate key: expected RecordAlreadyExists, got %v", err)
	}

	other := &mysql.MySQLError{Number: 1045, Message: "Access denied"}
	if err := mapBatchInsertError(other, "b-1"); !appErr.Is(err, appErr.BatchCreateFailed) {
		t.Fatalf("other mysql error: expected BatchCreateFailed, got %v", err)
	}
	if err := mapBatchInsertError(fmt.Errorf("connection reset"), "b-1"); !appErr.Is(err, appErr.BatchCreateFailed) {
		t.Fatalf("plain error: expected BatchCreateFailed, got %v", err)
	}
}
