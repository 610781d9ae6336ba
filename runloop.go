package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// core drives one physical processor: it picks vCPUs from its run queue and
// runs them until they yield, block, stop or exit.
type core struct {
	id  int
	e   *Engine
	log *logrus.Entry

	// busy is held by whichever goroutine is scheduling on the core.
	busy atomic.Bool
}

// Run drives every core until ctx is done or a core hits a fatal host error.
// Virtualization is disabled on each core as its loop returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: engine is already running", ErrInvalidState)
	}
	defer e.running.Store(false)

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrEngineClosed
	}

	for i, c := range e.cores {
		if !c.busy.CompareAndSwap(false, true) {
			for _, held := range e.cores[:i] {
				held.busy.Store(false)
			}
			return fmt.Errorf("%w: core %d is busy", ErrInvalidState, c.id)
		}
	}
	defer func() {
		for _, c := range e.cores {
			c.busy.Store(false)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range e.cores {
		c := c
		g.Go(func() error { return c.run(ctx) })
	}
	// Guests only notice cancellation at their next exit.
	stop := context.AfterFunc(ctx, func() {
		for i := range e.cores {
			e.proc.Kick(i)
		}
	})
	defer stop()

	err := g.Wait()
	e.log.WithError(err).Info("run loops stopped")
	return err
}

// RunOnce performs a single scheduling round on core from the calling
// goroutine. It reports whether a vCPU was scheduled.
func (e *Engine) RunOnce(ctx context.Context, core int) (bool, error) {
	if core < 0 || core >= len(e.cores) {
		return false, fmt.Errorf("%w: core %d", ErrInvalidRange, core)
	}
	c := e.cores[core]
	if !c.busy.CompareAndSwap(false, true) {
		if e.running.Load() {
			return false, fmt.Errorf("%w: engine is running", ErrInvalidState)
		}
		return false, fmt.Errorf("%w: core %d is busy", ErrInvalidState, core)
	}
	defer c.busy.Store(false)

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false, ErrEngineClosed
	}
	if err := e.enableCore(core); err != nil {
		return false, err
	}
	return c.runOnce(ctx)
}

func (c *core) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e := c.e
	if err := e.enableCore(c.id); err != nil {
		return err
	}
	defer func() {
		if err := e.disableCore(c.id); err != nil {
			c.log.WithError(err).Error("failed to disable virtualization")
		}
	}()

	wake := e.sched.wakeup(c.id)
	for ctx.Err() == nil {
		ran, err := c.runOnce(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
		case <-wake:
		}
	}
	return nil
}

// runOnce is one scheduling round. An error means the core cannot continue.
func (c *core) runOnce(ctx context.Context) (bool, error) {
	e := c.e
	picked := e.clock.Now()
	v := e.sched.SelectNext(c.id)
	e.metrics.recordSelect(e.clock.Since(picked))
	if v == nil {
		return false, nil
	}

	v.mu.Lock()
	if v.State() != Runnable {
		// Stopped between selection and here.
		e.sched.Remove(v)
		v.mu.Unlock()
		return true, nil
	}
	if v.stopRequested.Load() {
		e.sched.Remove(v)
		v.setState(Idle)
		v.markStopped()
		v.mu.Unlock()
		return true, nil
	}
	v.setState(Running)
	v.mu.Unlock()

	start := e.clock.Now()
	out, err := c.execute(ctx, v, start)
	ran := e.clock.Since(start)
	v.runs.Add(1)
	v.runtime.Add(int64(ran))
	if int64(ran) > v.maxRun.Load() {
		v.maxRun.Store(int64(ran))
	}
	e.metrics.recordRun(ran)

	if errors.Is(err, ErrHostStateCorrupted) {
		c.settle(v, outcome{kind: outcomeExit, err: err}, ran)
		c.log.WithError(err).Error("host state corrupted, stopping core")
		e.emit(Event{Kind: EventHostStateCorrupted, VM: v.vm.id, VCPU: v.handle, Core: c.id, Err: err})
		return true, err
	}
	c.settle(v, out, ran)
	return true, nil
}

// execute enters v repeatedly while exits resolve to a plain resume and the
// quantum lasts.
func (c *core) execute(ctx context.Context, v *VCPU, start time.Time) (outcome, error) {
	e := c.e
	if err := e.pool.Load(v.cs, c.id); err != nil {
		return outcome{kind: outcomeExit, err: err}, nil
	}
	if err := e.proc.Load(c.id, v.cs); err != nil {
		e.pool.Clear(v.cs)
		return outcome{kind: outcomeExit, err: entryFailure(v, err, 0)}, nil
	}

	e.retireHalt(v)

	quantum := e.cfg.Quantum
	if v.class == ClassRealTime && v.rt.Budget < quantum {
		quantum = v.rt.Budget
	}
	for {
		left := quantum - e.clock.Since(start)
		if left <= 0 {
			return outcome{kind: outcomeYield}, nil
		}
		root, tag := v.space.root()
		e.backend.applyTranslationRoot(v, root, tag)
		e.backend.setTimer(c.id, v, left)

		exit, err := e.backend.enter(c.id, v)
		if err != nil {
			if errors.Is(err, ErrHostStateCorrupted) {
				return outcome{}, err
			}
			return outcome{kind: outcomeExit, err: err}, nil
		}
		out := e.dispatch(ctx, c.id, v, &exit)
		e.complete(v, &exit, out)

		if out.kind != outcomeResume {
			return out, nil
		}
		if v.stopRequested.Load() || e.sched.needResched(c.id) || ctx.Err() != nil {
			return outcome{kind: outcomeYield}, nil
		}
	}
}

// settle moves v out of Running according to the outcome of its run.
func (c *core) settle(v *VCPU, out outcome, ran time.Duration) {
	e := c.e
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case out.kind == outcomeExit:
		e.sched.Remove(v)
		v.setState(Exited)
		v.exitErr = out.err
		c.unload(v)
		v.markStopped()
		c.reportExit(v, out.err)
	case v.stopRequested.Load():
		e.sched.OnBlock(v, ran)
		v.setState(Idle)
		c.unload(v)
		v.markStopped()
	case out.kind == outcomeBlock:
		if v.pendingWake.CompareAndSwap(true, false) {
			v.setState(Runnable)
			e.sched.OnPreempt(v, ran)
			return
		}
		v.setState(Blocked)
		e.sched.OnBlock(v, ran)
	default:
		v.setState(Runnable)
		e.sched.OnPreempt(v, ran)
	}
}

// unload clears v's control structure off this core.
func (c *core) unload(v *VCPU) {
	if v.cs.LoadedOn() != c.id {
		return
	}
	if err := c.e.proc.Clear(c.id, v.cs); err != nil {
		c.log.WithError(err).WithField("vcpu", v.handle).Error("failed to clear control structure")
		return
	}
	c.e.pool.Clear(v.cs)
}

func (c *core) reportExit(v *VCPU, err error) {
	e := c.e
	log := c.log.WithField("vm", v.vm.id).WithField("vcpu", v.handle)

	var fail *EntryFailure
	if errors.As(err, &fail) {
		e.metrics.recordEntryFailure()
		log.WithField("reason", fmt.Sprintf("%#x", fail.Reason)).Warn(fail.Detail)
		e.emit(Event{Kind: EventEntryFailure, VM: v.vm.id, VCPU: v.handle, Core: c.id, Err: err})
	} else {
		log.WithError(err).Warn("vCPU exited")
	}
	e.emit(Event{Kind: EventVCPUExited, VM: v.vm.id, VCPU: v.handle, Core: c.id, Err: err})
}
