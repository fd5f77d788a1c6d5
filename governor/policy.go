package governor

import (
	"errors"
	"fmt"
	"time"
)

// Limits applied when the host does not supply its own.
const (
	DefaultMaxDuration    = 5 * time.Second
	DefaultMaxMemoryBytes = 100 * 1024 * 1024
	DefaultMaxCallDepth   = 200
	DefaultSampleInterval = 1000
)

// ErrInvalidPolicy wraps every error Validate returns.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy holds the ceilings for one run. A zero limit disables that check.
type Policy struct {
	MaxDuration    time.Duration `json:"max_duration" yaml:"max_duration"`
	MaxMemoryBytes int64         `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	MaxCallDepth   int           `json:"max_call_depth" yaml:"max_call_depth"`

	// SampleInterval is how many units of work run between preemption
	// checkpoints. It bounds how far past a limit a script can get.
	SampleInterval int `json:"sample_interval" yaml:"sample_interval"`
}

// DefaultPolicy returns the Default* limits.
func DefaultPolicy() Policy {
	return Policy{
		MaxDuration:    DefaultMaxDuration,
		MaxMemoryBytes: DefaultMaxMemoryBytes,
		MaxCallDepth:   DefaultMaxCallDepth,
		SampleInterval: DefaultSampleInterval,
	}
}

// Validate reports the first field that cannot be enforced.
func (p Policy) Validate() error {
	switch {
	case p.MaxDuration < 0:
		return fmt.Errorf("%w: max duration %v is negative", ErrInvalidPolicy, p.MaxDuration)
	case p.MaxMemoryBytes < 0:
		return fmt.Errorf("%w: max memory %d is negative", ErrInvalidPolicy, p.MaxMemoryBytes)
	case p.MaxCallDepth < 0:
		return fmt.Errorf("%w: max call depth %d is negative", ErrInvalidPolicy, p.MaxCallDepth)
	case p.SampleInterval <= 0:
		return fmt.Errorf("%w: sample interval must be positive, got %d", ErrInvalidPolicy, p.SampleInterval)
	}
	return nil
}

// Deadline returns the wall-clock instant a run started at start must end by,
// or the zero time when duration is unlimited.
func (p Policy) Deadline(start time.Time) time.Time {
	if p.MaxDuration <= 0 {
		return time.Time{}
	}
	return start.Add(p.MaxDuration)
}
