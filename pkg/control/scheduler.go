package control

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a long-running activity. It returns nil when ctx is cancelled.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

// Scheduler runs tasks together. The first task to fail cancels the rest.
type Scheduler struct {
	log    *zap.SugaredLogger
	tasks  []namedTask
	onExit []func()
}

// NewScheduler creates an empty scheduler.
func NewScheduler(log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{log: log}
}

// Go adds a task.
func (s *Scheduler) Go(name string, t Task) {
	s.tasks = append(s.tasks, namedTask{name: name, run: t})
}

// OnExit registers fn to run after every task has returned, in reverse
// registration order.
func (s *Scheduler) OnExit(fn func()) {
	s.onExit = append(s.onExit, fn)
}

// Run starts every task and waits for all of them.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			s.log.Debugw("task started", "task", t.name)
			if err := t.run(ctx); err != nil {
				return errors.WithMessagef(err, "%s task", t.name)
			}
			s.log.Debugw("task stopped", "task", t.name)
			return nil
		})
	}

	err := g.Wait()
	for i := len(s.onExit) - 1; i >= 0; i-- {
		s.onExit[i]()
	}
	return err
}
