// Package profile maps named sandbox profiles to isolation settings.
package profile

import (
	"fmt"

	"gradebox/internal/grading/sandbox/security"
	"gradebox/internal/grading/sandbox/spec"
)

// Profile names used by the grading pipeline.
const (
	ProfileBuild = "build"
	ProfileRun   = "run"
)

// Profile defines sandbox resources and security settings for a step category.
type Profile struct {
	Name     string       `yaml:"name"`
	RootFS   string       `yaml:"rootfs"`
	Seccomp  string       `yaml:"seccomp"`
	Network  bool         `yaml:"network"`
	RunAsUID int          `yaml:"runAsUid"`
	RunAsGID int          `yaml:"runAsGid"`
	Limits   LimitsConfig `yaml:"limits"`
}

// LimitsConfig is the YAML shape of default resource limits for a profile.
type LimitsConfig struct {
	CPUTimeMs  int64 `yaml:"cpuTimeMs"`
	WallTimeMs int64 `yaml:"wallTimeMs"`
	MemoryMB   int64 `yaml:"memoryMB"`
	StackMB    int64 `yaml:"stackMB"`
	OutputMB   int64 `yaml:"outputMB"`
	PIDs       int64 `yaml:"pids"`
}

// ResourceLimit converts the YAML limits into the sandbox representation.
func (l LimitsConfig) ResourceLimit() spec.ResourceLimit {
	return spec.ResourceLimit{
		CPUTimeMs:  l.CPUTimeMs,
		WallTimeMs: l.WallTimeMs,
		MemoryMB:   l.MemoryMB,
		StackMB:    l.StackMB,
		OutputMB:   l.OutputMB,
		PIDs:       l.PIDs,
	}
}

// Resolver holds the configured profiles and implements engine.ProfileResolver.
type Resolver struct {
	profiles map[string]security.IsolationProfile
	limits   map[string]spec.ResourceLimit
}

// NewResolver builds a resolver from named profiles.
func NewResolver(profiles []Profile) (*Resolver, error) {
	out := make(map[string]security.IsolationProfile, len(profiles))
	limits := make(map[string]spec.ResourceLimit, len(profiles))
	for _, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile name is required")
		}
		if _, exists := out[p.Name]; exists {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		out[p.Name] = security.IsolationProfile{
			RootFS:         p.RootFS,
			SeccompProfile: p.Seccomp,
			DisableNetwork: !p.Network,
			RunAsUID:       p.RunAsUID,
			RunAsGID:       p.RunAsGID,
		}
		limits[p.Name] = p.Limits.ResourceLimit()
	}
	return &Resolver{profiles: out, limits: limits}, nil
}

// Resolve returns the isolation profile for a name.
func (r *Resolver) Resolve(name string) (security.IsolationProfile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return security.IsolationProfile{}, fmt.Errorf("unknown sandbox profile %q", name)
	}
	return p, nil
}

// DefaultLimits returns the configured default limits for a profile.
// Unknown names return a zero limit so callers fall back to their own defaults.
func (r *Resolver) DefaultLimits(name string) spec.ResourceLimit {
	return r.limits[name]
}
