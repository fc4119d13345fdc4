// Package envcheck verifies the grading environment at service start.
//
// Every failure is fatal: a service that cannot drop privileges, find its
// toolchain, or trust its helper binary must not accept jobs.
package envcheck

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"gradebox/internal/grading/sandbox/profile"
	appErr "gradebox/pkg/errors"
	"gradebox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultToolchain lists the binaries a C grading environment needs.
var DefaultToolchain = []string{"cc", "make", "python3"}

// Config controls the preflight checks.
type Config struct {
	// Toolchain binaries that must resolve on PATH.
	Toolchain []string
	// HelperPath is the sandbox helper binary.
	HelperPath string
	// WorkRoot must exist and be writable.
	WorkRoot string
	// Profiles are the wired sandbox profiles. When the service runs as
	// root, every profile must drop to an unprivileged runner account.
	Profiles []profile.Profile
}

// Run executes all preflight checks and returns the first failure.
func Run(ctx context.Context, cfg Config) error {
	if err := checkIdentity(cfg); err != nil {
		return err
	}
	if err := checkToolchain(cfg.Toolchain); err != nil {
		return err
	}
	if err := checkHelper(cfg.HelperPath); err != nil {
		return err
	}
	if err := checkWorkRoot(cfg.WorkRoot); err != nil {
		return err
	}
	logger.Info(ctx, "environment preflight passed",
		zap.String("helper", cfg.HelperPath),
		zap.String("work_root", cfg.WorkRoot))
	return nil
}

// checkIdentity refuses a root service unless every sandbox profile the
// helper can resolve drops to an unprivileged runner account.
func checkIdentity(cfg Config) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return requireUnprivilegedProfiles(cfg.Profiles)
}

func requireUnprivilegedProfiles(profiles []profile.Profile) error {
	if len(profiles) == 0 {
		return appErr.New(appErr.RunningAsRoot).
			WithMessage("service runs as root and no sandbox profiles are configured")
	}
	for _, p := range profiles {
		if p.RunAsUID <= 0 {
			return appErr.New(appErr.RunningAsRoot).
				WithMessagef("service runs as root and profile %q has no runner uid", p.Name)
		}
	}
	return nil
}

func checkToolchain(toolchain []string) error {
	if len(toolchain) == 0 {
		toolchain = DefaultToolchain
	}
	for _, name := range toolchain {
		if _, err := exec.LookPath(name); err != nil {
			return appErr.New(appErr.ToolchainMissing).
				WithMessagef("required binary %q not found on PATH", name)
		}
	}
	return nil
}

// checkHelper requires the helper to exist, be executable, and not be
// writable by anyone but its owner group.
func checkHelper(helperPath string) error {
	if helperPath == "" {
		return appErr.New(appErr.PreflightFailed).WithMessage("sandbox helper path is not configured")
	}
	resolved := helperPath
	if !filepath.IsAbs(resolved) {
		found, err := exec.LookPath(resolved)
		if err != nil {
			return appErr.New(appErr.HelperNotExecutable).
				WithMessagef("sandbox helper %q not found", helperPath)
		}
		resolved = found
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return appErr.New(appErr.HelperNotExecutable).
			WithMessagef("sandbox helper %q not found", helperPath)
	}
	mode := info.Mode()
	if mode.IsDir() || mode.Perm()&0111 == 0 {
		return appErr.New(appErr.HelperNotExecutable).
			WithMessagef("sandbox helper %q is not executable", helperPath)
	}
	if mode.Perm()&0002 != 0 {
		return appErr.New(appErr.PreflightFailed).
			WithMessagef("sandbox helper %q is world-writable", helperPath)
	}
	return nil
}

func checkWorkRoot(workRoot string) error {
	if workRoot == "" {
		return appErr.New(appErr.PreflightFailed).WithMessage("work root is not configured")
	}
	if err := os.MkdirAll(workRoot, 0750); err != nil {
		return appErr.Wrapf(err, appErr.PreflightFailed, "create work root: %v", err)
	}
	probe := filepath.Join(workRoot, ".envcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0640); err != nil {
		return appErr.Wrapf(err, appErr.PreflightFailed, "work root is not writable: %v", err)
	}
	_ = os.Remove(probe)
	return nil
}
