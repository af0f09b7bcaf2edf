// Package executor runs action chains: ordered steps that either all take
// effect or none do. Every submitted chain delivers exactly one outcome to its
// continuation after it has settled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull  = errors.New("executor: queue is full")
	ErrStopped    = errors.New("executor: stopped")
	ErrEmptyChain = errors.New("executor: empty chain")
)

type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the settled result of a chain.
type Outcome struct {
	Status     Status
	FailedStep string
	Err        error
}

func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

func Failure(step string, err error) Outcome {
	return Outcome{Status: StatusFailure, FailedStep: step, Err: err}
}

// Step is one external action. Undo reverts a successful Do and may be nil
// when Do has nothing to revert.
type Step struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

type Chain []Step

type Continuation func(ctx context.Context, outcome Outcome)

// Handle identifies a submitted chain.
type Handle struct {
	ID          string
	SubmittedAt time.Time
}

type Executor interface {
	Submit(ctx context.Context, chain Chain, cont Continuation) (Handle, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// StepDelay is slept before every step.
	StepDelay time.Duration
}

type job struct {
	handle Handle
	chain  Chain
	cont   Continuation
}

// Local runs chains on a fixed pool of goroutines.
type Local struct {
	cfg    Config
	jobs   chan job
	logger *logrus.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewLocal(cfg Config, logger *logrus.Logger) *Local {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Local{
		cfg:    cfg,
		jobs:   make(chan job, cfg.QueueSize),
		logger: logger,
	}
}

// Start launches the workers. Chains run detached from ctx cancellation: once
// submitted a chain always runs to completion.
func (l *Local) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true

	base := context.WithoutCancel(ctx)
	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker(base)
	}
	l.logger.WithField("workers", l.cfg.Workers).Info("Action chain executor started")
}

// Stop refuses new submissions and waits for queued chains to settle. When
// the workers were never started the queue is drained in the calling
// goroutine.
func (l *Local) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	close(l.jobs)
	l.mu.Unlock()

	if !started {
		l.wg.Add(1)
		l.worker(context.Background())
	}
	l.wg.Wait()
	l.logger.Info("Action chain executor stopped")
}

func (l *Local) Submit(ctx context.Context, chain Chain, cont Continuation) (Handle, error) {
	if len(chain) == 0 {
		return Handle{}, ErrEmptyChain
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return Handle{}, ErrStopped
	}

	j := job{
		handle: Handle{ID: uuid.NewString(), SubmittedAt: time.Now()},
		chain:  chain,
		cont:   cont,
	}
	select {
	case l.jobs <- j:
		return j.handle, nil
	default:
		return Handle{}, ErrQueueFull
	}
}

func (l *Local) worker(ctx context.Context) {
	defer l.wg.Done()
	for j := range l.jobs {
		outcome := Run(ctx, j.chain, l.cfg.StepDelay, l.logger.WithField("chain", j.handle.ID))
		if j.cont != nil {
			j.cont(ctx, outcome)
		}
	}
}

// Run executes chain in order. When a step fails the steps that already
// succeeded are undone in reverse order.
func Run(ctx context.Context, chain Chain, delay time.Duration, log logrus.FieldLogger) Outcome {
	for i, step := range chain {
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := runStep(ctx, step.Do); err != nil {
			log.WithError(err).WithField("step", step.Name).Warn("Action chain step failed, reverting")
			for k := i - 1; k >= 0; k-- {
				if chain[k].Undo == nil {
					continue
				}
				if uerr := runStep(ctx, chain[k].Undo); uerr != nil {
					log.WithError(uerr).WithField("step", chain[k].Name).Error("Failed to revert action chain step")
				}
			}
			return Failure(step.Name, err)
		}
		log.WithField("step", step.Name).Debug("Action chain step done")
	}
	return Success()
}

func runStep(ctx context.Context, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: step panicked: %v", r)
		}
	}()
	return fn(ctx)
}
