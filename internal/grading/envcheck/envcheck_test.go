package envcheck

import (
	"os"
	"path/filepath"
	"testing"

	"gradebox/internal/grading/sandbox/profile"
	appErr "gradebox/pkg/errors"
)

func writeHelper(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandbox-init")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), mode); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	// WriteFile is subject to the umask, so force the mode.
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod helper: %v", err)
	}
	return path
}

func TestCheckToolchainMissing(t *testing.T) {
	err := checkToolchain([]string{"definitely-not-a-real-binary-xyz"})
	if !appErr.Is(err, appErr.ToolchainMissing) {
		t.Fatalf("expected ToolchainMissing, got %v", err)
	}
}

func TestCheckToolchainPresent(t *testing.T) {
	if err := checkToolchain([]string{"sh"}); err != nil {
		t.Fatalf("sh should resolve: %v", err)
	}
}

func TestCheckHelper(t *testing.T) {
	tests := []struct {
		name string
		mode os.FileMode
		code appErr.ErrorCode
	}{
		{"executable", 0755, 0},
		{"not executable", 0644, appErr.HelperNotExecutable},
		{"world writable", 0777, appErr.PreflightFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeHelper(t, tt.mode)
			err := checkHelper(path)
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !appErr.Is(err, tt.code) {
				t.Fatalf("expected code %d, got %v", tt.code, err)
			}
		})
	}
}

func TestCheckHelperMissing(t *testing.T) {
	err := checkHelper(filepath.Join(t.TempDir(), "nope"))
	if !appErr.Is(err, appErr.HelperNotExecutable) {
		t.Fatalf("expected HelperNotExecutable, got %v", err)
	}
}

func TestCheckWorkRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "work")
	if err := checkWorkRoot(root); err != nil {
		t.Fatalf("work root check failed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("work root not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".envcheck")); !os.IsNotExist(err) {
		t.Fatalf("probe file left behind: %v", err)
	}
}

func TestCheckWorkRootUnconfigured(t *testing.T) {
	if err := checkWorkRoot(""); !appErr.Is(err, appErr.PreflightFailed) {
		t.Fatalf("expected PreflightFailed, got %v", err)
	}
}

func TestCheckIdentityNonRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	if err := checkIdentity(Config{}); err != nil {
		t.Fatalf("non-root identity should pass: %v", err)
	}
}

func TestRequireUnprivilegedProfiles(t *testing.T) {
	if err := requireUnprivilegedProfiles(nil); !appErr.Is(err, appErr.RunningAsRoot) {
		t.Fatalf("no profiles: expected RunningAsRoot, got %v", err)
	}

	// Every wired profile must carry a runner uid, not just some.
	mixed := []profile.Profile{
		{Name: "run", RunAsUID: 1001},
		{Name: "build"},
	}
	if err := requireUnprivilegedProfiles(mixed); !appErr.Is(err, appErr.RunningAsRoot) {
		t.Fatalf("profile without runner uid: expected RunningAsRoot, got %v", err)
	}

	ok := []profile.Profile{
		{Name: "run", RunAsUID: 1001},
		{Name: "build", RunAsUID: 1001},
	}
	if err := requireUnprivilegedProfiles(ok); err != nil {
		t.Fatalf("unprivileged profiles should pass: %v", err)
	}
}
