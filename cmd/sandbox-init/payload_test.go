//go:build linux

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writePayload(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	// WriteFile is subject to the umask, so force the mode.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod payload: %v", err)
	}
	return path
}

func TestCheckPayloadClean(t *testing.T) {
	path := writePayload(t, 0755)
	if err := checkPayload(path, isolationProfile{}); err != nil {
		t.Fatalf("clean payload refused: %v", err)
	}
}

func TestCheckPayloadWorldWritable(t *testing.T) {
	path := writePayload(t, 0777)
	if err := checkPayload(path, isolationProfile{}); err == nil {
		t.Fatalf("world-writable payload was not refused")
	}
}

func TestCheckPayloadMissing(t *testing.T) {
	if err := checkPayload(filepath.Join(t.TempDir(), "nope"), isolationProfile{}); err == nil {
		t.Fatalf("missing payload was not refused")
	}
}
