package engine

import (
	"gradebox/internal/grading/sandbox/security"
	"gradebox/internal/grading/sandbox/spec"
)

type initRequest struct {
	RunSpec       spec.RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool
}
