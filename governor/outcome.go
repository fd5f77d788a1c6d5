package governor

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies how a run ended.
type Kind int

const (
	Success Kind = iota
	SyntaxError
	RuntimeError
	TimedOut
	MemoryExceeded
	StackOverflow
)

var kindNames = [...]string{
	Success:        "success",
	SyntaxError:    "syntax_error",
	RuntimeError:   "runtime_error",
	TimedOut:       "timed_out",
	MemoryExceeded: "memory_exceeded",
	StackOverflow:  "stack_overflow",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown outcome kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var (
	ErrSyntax         = errors.New("syntax error")
	ErrRuntime        = errors.New("runtime error")
	ErrTimedOut       = errors.New("execution timed out")
	ErrMemoryExceeded = errors.New("memory limit exceeded")
	ErrStackOverflow  = errors.New("call depth limit exceeded")
)

func (k Kind) sentinel() error {
	switch k {
	case SyntaxError:
		return ErrSyntax
	case RuntimeError:
		return ErrRuntime
	case TimedOut:
		return ErrTimedOut
	case MemoryExceeded:
		return ErrMemoryExceeded
	case StackOverflow:
		return ErrStackOverflow
	}
	return nil
}

// Outcome is the result of one RunScript call.
type Outcome struct {
	Kind    Kind    `json:"kind"`
	Values  []any   `json:"values,omitempty"`
	Message string  `json:"message,omitempty"`
	Metrics Metrics `json:"metrics"`
	Output  string  `json:"output,omitempty"`
}

func (o Outcome) OK() bool {
	return o.Kind == Success
}

// Err returns nil on success and a *ScriptError otherwise.
func (o Outcome) Err() error {
	if o.Kind == Success {
		return nil
	}
	return &ScriptError{Kind: o.Kind, Message: o.Message, Metrics: o.Metrics}
}

// Diagnostic renders the outcome for humans. It returns "" on success.
func (o Outcome) Diagnostic() string {
	if o.Kind == Success {
		return ""
	}
	return fmt.Sprintf("Error: %s\nExecution time: %d ms\nMemory used: %d bytes\nCall depth: %d\n",
		o.Message, o.Metrics.ElapsedMs(), o.Metrics.MemoryUsedBytes, o.Metrics.CurrentCallDepth)
}

// ScriptError is a failed run as an error value.
type ScriptError struct {
	Kind    Kind
	Message string
	Metrics Metrics
}

func (e *ScriptError) Error() string {
	sentinel := e.Kind.sentinel()
	switch {
	case sentinel == nil:
		return e.Message
	case e.Message == "":
		return sentinel.Error()
	}
	return fmt.Sprintf("%s: %s", sentinel, e.Message)
}

// Is matches the sentinel for the error's kind.
func (e *ScriptError) Is(target error) bool {
	return target == e.Kind.sentinel()
}
