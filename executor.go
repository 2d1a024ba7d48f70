package guestres

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/guestres/fence"
	"github.com/vkngwrapper/arsenal/guestres/host"
	"golang.org/x/exp/slog"
)

// Pass records host GPU work into cmd as part of cycle
type Pass func(cmd host.CommandContext, cycle *fence.Cycle) error

// Executor batches the host GPU work of one submission. Views attached to it are uploaded at the
// start of the submission, followed by its passes in the order they were added. After Execute the
// Executor starts over with a fresh cycle.
type Executor struct {
	cache  *Cache
	logger *slog.Logger

	cycle    *fence.Cycle
	passes   []Pass
	attached map[*Resource]struct{}
	syncList []*Resource
}

// NewExecutor creates an Executor that submits through the cache's host device
func (c *Cache) NewExecutor() *Executor {
	return &Executor{
		cache:    c,
		logger:   c.logger,
		cycle:    c.tracker.Begin(),
		attached: make(map[*Resource]struct{}),
	}
}

// Cycle is the cycle the next Execute will submit
func (e *Executor) Cycle() *fence.Cycle {
	return e.cycle
}

// AttachView makes the view's resource part of this submission. The view must be locked. The
// first time a resource is attached, the executor waits for any earlier submission using it, and
// the resource's pending guest writes are uploaded at the start of Execute.
func (e *Executor) AttachView(view *View) error {
	r := view.resource
	if r.destroyed {
		return ErrResourceDestroyed
	}

	if _, ok := e.attached[r]; !ok {
		err := r.waitOnFence(e.cycle)
		if err != nil {
			return err
		}

		e.attached[r] = struct{}{}
		e.syncList = append(e.syncList, r)
	}

	r.attachTo(e.cycle)
	e.cycle.AttachObject(view)
	return nil
}

// AttachDependency keeps dep alive until this submission completes
func (e *Executor) AttachDependency(dep fence.Dependency) {
	e.cycle.AttachObject(dep)
}

// AddPass appends work to this submission
func (e *Executor) AddPass(pass Pass) {
	e.passes = append(e.passes, pass)
}

// Execute records the uploads of every attached resource followed by every pass, submits them and
// starts a new cycle. Attached views must be unlocked. The submitted cycle is returned so callers
// can wait on it.
func (e *Executor) Execute() (*fence.Cycle, error) {
	e.logger.Debug("Executor::Execute", slog.Int("resources", len(e.syncList)), slog.Int("passes", len(e.passes)))

	cycle := e.cycle
	syncList := e.syncList
	passes := e.passes
	e.reset()

	if len(syncList) == 0 && len(passes) == 0 {
		cycle.Cancel()
		return cycle, nil
	}

	f, err := e.cache.device.Submit(func(cmd host.CommandContext) error {
		for _, r := range syncList {
			r.Lock()
			err := r.EnsureHostCurrentWithContext(cmd, cycle, true)
			r.Unlock()
			if err != nil {
				return errors.Wrapf(err, "failed to upload resource %s", r.id)
			}
		}

		for _, pass := range passes {
			err := pass(cmd, cycle)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		cycle.Cancel()
		return nil, err
	}

	cycle.Bind(f)
	return cycle, nil
}

func (e *Executor) reset() {
	e.cycle = e.cache.tracker.Begin()
	e.passes = nil
	e.attached = make(map[*Resource]struct{})
	e.syncList = nil
}

// Close cancels any work recorded since the last Execute
func (e *Executor) Close() {
	e.cycle.Cancel()
	e.passes = nil
	e.attached = nil
	e.syncList = nil
}
