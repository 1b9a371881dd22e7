// Package engine runs one bounded process for the runner. The local backend
// spawns a host subprocess; the docker backend runs a throwaway container.
package engine

import (
	"context"
	"fmt"

	"codejudge/internal/judge/sandbox/result"
	"codejudge/internal/judge/sandbox/spec"
	appErr "codejudge/pkg/errors"
)

const (
	BackendLocal  = "local"
	BackendDocker = "docker"

	defaultMaxOutputBytes int64 = 1 << 20
	defaultWallTimeMs     int64 = 2000
)

// Engine executes a RunSpec and returns its buffered output.
// A non-zero exit or a timeout is reported in the result, not as an error;
// errors mean the process could not be started or observed.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.ExecutionResult, error)
	// SandboxDir maps a host workspace directory to the path the process sees.
	SandboxDir(hostDir string) string
	Name() string
}

// Config controls sandbox engine behavior.
type Config struct {
	Backend        string       `yaml:"backend"`
	MaxOutputBytes int64        `yaml:"maxOutputBytes"`
	Docker         DockerConfig `yaml:"docker"`
}

// New builds the engine selected by cfg.Backend.
func New(cfg Config) (Engine, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalEngine(cfg)
	case BackendDocker:
		eng, err := NewDockerEngine(cfg)
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %s", cfg.Backend)
	}
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	return nil
}

func wallLimitMs(limits spec.ResourceLimit) int64 {
	if limits.WallTimeMs > 0 {
		return limits.WallTimeMs
	}
	return defaultWallTimeMs
}

func outputLimit(limits spec.ResourceLimit, fallback int64) int64 {
	if limits.OutputBytes > 0 {
		return limits.OutputBytes
	}
	if fallback > 0 {
		return fallback
	}
	return defaultMaxOutputBytes
}
