// Package pool runs scripts in parallel on several governors.
//
// A governor serializes its own runs, so parallelism comes from owning
// several of them, each on its own machine. Nothing is shared between the
// members: every run gets its own metrics, guards and sandbox.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/sandbox"
	"github.com/caffeineduck/vmguard/vm"
)

var ErrClosed = errors.New("pool closed")

// Factory creates one pool member. Every call must return a governor over
// a machine of its own.
type Factory func() (*governor.Governor, error)

// Machines builds a Factory from a machine constructor. Every governor gets
// opts.
func Machines(newMachine func() (vm.Machine, error), opts ...governor.Option) Factory {
	return func() (*governor.Governor, error) {
		m, err := newMachine()
		if err != nil {
			return nil, err
		}
		g, err := governor.New(m, opts...)
		if err != nil {
			m.Close()
			return nil, err
		}
		return g, nil
	}
}

// Job is one script to run.
type Job struct {
	Script    []byte
	ChunkName string
	Policy    governor.Policy
}

// Pool hands out idle governors to concurrent callers.
type Pool struct {
	members []*governor.Governor
	idle    chan *governor.Governor

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a pool of size governors from factory.
func New(size int, factory Factory) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{
		idle: make(chan *governor.Governor, size),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		g, err := factory()
		if err != nil {
			p.closeMembers()
			return nil, fmt.Errorf("create member %d: %w", i, err)
		}
		p.members = append(p.members, g)
		p.idle <- g
	}
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.members)
}

// Machine reports the name of the machine the members run on.
func (p *Pool) Machine() string {
	return p.members[0].Machine().Name()
}

// AllowList returns the allow-list the members apply.
func (p *Pool) AllowList() sandbox.AllowList {
	return p.members[0].AllowList()
}

// Run waits for an idle governor and runs the script on it. The error is
// non-nil only when no governor could be had: the pool closed or ctx ended
// while waiting. Script failures are reported in the Outcome.
func (p *Pool) Run(ctx context.Context, script []byte, chunkName string, policy governor.Policy) (governor.Outcome, error) {
	g, err := p.acquire(ctx)
	if err != nil {
		return governor.Outcome{}, err
	}
	defer p.release(g)

	return g.RunScript(ctx, script, chunkName, policy), nil
}

// Validate compiles script on an idle governor without running it.
func (p *Pool) Validate(ctx context.Context, script []byte, chunkName string) error {
	g, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer p.release(g)

	return g.Validate(script, chunkName)
}

// RunAll runs every job, at most Size at a time, and returns the outcomes
// in job order.
func (p *Pool) RunAll(ctx context.Context, jobs []Job) ([]governor.Outcome, error) {
	outcomes := make([]governor.Outcome, len(jobs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Size())

	for i, job := range jobs {
		g.Go(func() error {
			out, err := p.Run(ctx, job.Script, job.ChunkName, job.Policy)
			if err != nil {
				return fmt.Errorf("job %d (%s): %w", i, job.ChunkName, err)
			}
			outcomes[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

func (p *Pool) acquire(ctx context.Context) (*governor.Governor, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}

	select {
	case g := <-p.idle:
		select {
		case <-p.done:
			p.idle <- g
			return nil, ErrClosed
		default:
		}
		return g, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(g *governor.Governor) {
	p.idle <- g
}

// Close waits for in-flight runs to finish and closes every governor.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		for range p.members {
			<-p.idle
		}
		err = p.closeMembers()
	})
	return err
}

func (p *Pool) closeMembers() error {
	var errs []error
	for _, g := range p.members {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
