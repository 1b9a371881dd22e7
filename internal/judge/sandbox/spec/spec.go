// Package spec defines the execution specification and resource limits.
package spec

import "time"

// ResourceLimit describes the bounds applied to one process run.
// Zero values mean "use the engine default".
type ResourceLimit struct {
	WallTimeMs  int64
	MemoryMB    int64
	NanoCPUs    int64
	OutputBytes int64
	PIDs        int64
}

// WallTime returns the wall-clock bound as a duration.
func (l ResourceLimit) WallTime() time.Duration {
	return time.Duration(l.WallTimeMs) * time.Millisecond
}

// RunSpec is the unified execution specification for one process.
// Paths are host paths; Cmd is already expanded for the engine's view of
// the workspace (see engine.Engine.SandboxDir).
type RunSpec struct {
	JobID     string
	Step      string
	Language  string
	Image     string
	WorkDir   string
	Cmd       []string
	Env       []string
	StdinPath string
	Limits    ResourceLimit
}
