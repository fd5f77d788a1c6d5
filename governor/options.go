package governor

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/caffeineduck/vmguard/sandbox"
)

// Option configures a Governor.
type Option func(*config)

type config struct {
	logger     *slog.Logger
	allow      sandbox.AllowList
	precedence []Kind
}

func defaultConfig() config {
	return config{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		precedence: DefaultPrecedence(),
	}
}

// DefaultPrecedence is the order limit flags are checked in when more than
// one tripped during a run.
func DefaultPrecedence() []Kind {
	return []Kind{TimedOut, MemoryExceeded, StackOverflow}
}

// WithLogger sets the logger for run lifecycle events. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAllowList replaces the machine's default allow-list.
func WithAllowList(allow sandbox.AllowList) Option {
	return func(c *config) {
		c.allow = allow.Clone()
	}
}

// WithPrecedence sets the order limit kinds are reported in when several
// tripped during one run. It must name TimedOut, MemoryExceeded and
// StackOverflow exactly once each.
//
//	governor.New(m, governor.WithPrecedence(
//	    governor.MemoryExceeded, governor.TimedOut, governor.StackOverflow))
func WithPrecedence(kinds ...Kind) Option {
	return func(c *config) {
		c.precedence = append([]Kind(nil), kinds...)
	}
}

func validatePrecedence(kinds []Kind) error {
	want := DefaultPrecedence()
	if len(kinds) != len(want) {
		return fmt.Errorf("precedence must list %v, got %v", want, kinds)
	}
	seen := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		if !k.isLimit() || seen[k] {
			return fmt.Errorf("precedence must list %v exactly once, got %v", want, kinds)
		}
		seen[k] = true
	}
	return nil
}

func (k Kind) isLimit() bool {
	return k == TimedOut || k == MemoryExceeded || k == StackOverflow
}
