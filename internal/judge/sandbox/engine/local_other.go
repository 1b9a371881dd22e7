//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package engine

import "fmt"

// NewLocalEngine is only available on unix hosts.
func NewLocalEngine(cfg Config) (Engine, error) {
	return nil, fmt.Errorf("local sandbox engine is only supported on unix")
}
