package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// tableBase is the first physical address handed to translation tables.
const tableBase = 0x1_0000_0000

// EventKind classifies an engine event.
type EventKind int

const (
	EventIsolationViolation EventKind = iota
	EventEntryFailure
	EventVCPUExited
	EventHostStateCorrupted
)

func (k EventKind) String() string {
	switch k {
	case EventIsolationViolation:
		return "isolation_violation"
	case EventEntryFailure:
		return "entry_failure"
	case EventVCPUExited:
		return "vcpu_exited"
	case EventHostStateCorrupted:
		return "host_state_corrupted"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is reported to the management plane through the EventSink.
type Event struct {
	Kind EventKind
	VM   uuid.UUID
	VCPU VCPUHandle
	Core int
	GPA  uint64
	Err  error
	Time time.Time
}

// EventSink receives engine events. It is called on core goroutines and
// must not block or call back into the engine.
type EventSink func(Event)

type options struct {
	cfg        Config
	logger     *logrus.Logger
	clock      clock.PassiveClock
	registerer prometheus.Registerer
	tables     pagetables.Allocator
	events     EventSink
}

// Option configures New.
type Option func(*options)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. Its level is left alone.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source used for run-time accounting.
func WithClock(c clock.PassiveClock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers the engine collector with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithTableAllocator supplies the memory backing translation tables.
func WithTableAllocator(a pagetables.Allocator) Option {
	return func(o *options) { o.tables = a }
}

// WithEventSink sets the receiver of engine events.
func WithEventSink(s EventSink) Option {
	return func(o *options) { o.events = s }
}

type vcpuSlot struct {
	gen uint32
	v   *VCPU
}

// Engine is the virtualization execution engine of one host.
//
// Lock order: Engine.mu, VCPU.mu, VirtualMachine.mu, addressSpace.mu. A
// VCPU.mu holder may take run queue locks.
type Engine struct {
	caps    Capabilities
	cfg     Config
	proc    Processor
	backend backend
	pool    *ControlStructurePool
	tables  pagetables.Allocator
	tags    *tagPool
	frames  *frameIndex
	sched   *Scheduler
	cores   []*core
	enabled []atomic.Bool
	clock   clock.PassiveClock
	log     *logrus.Entry
	metrics *metrics
	events  EventSink

	mu      sync.RWMutex
	vms     map[uuid.UUID]*VirtualMachine
	vcpus   []vcpuSlot
	free    []uint32
	device  DeviceHandler
	closed  bool
	running atomic.Bool
}

// New selects the backend for caps, enables it on every core through proc
// and returns an engine with no VMs.
func New(caps Capabilities, proc Processor, opts ...Option) (*Engine, error) {
	if proc == nil {
		return nil, fmt.Errorf("%w: nil processor", ErrUnsupportedHardware)
	}
	o := options{cfg: DefaultConfig(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg.Cores == 0 {
		cfg.Cores = max(caps.Cores, 1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logrus.New()
		lvl, _ := logrus.ParseLevel(cfg.LogLevel)
		o.logger.SetLevel(lvl)
	}
	log := o.logger.WithField("component", "hv")

	b, err := initializeBackend(caps, proc, cfg, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		caps:    caps,
		cfg:     cfg,
		proc:    proc,
		backend: b,
		tables:  o.tables,
		tags:    newTagPool(caps, b.vendor()),
		frames:  newFrameIndex(),
		enabled: make([]atomic.Bool, cfg.Cores),
		clock:   o.clock,
		log:     log,
		metrics: &metrics{},
		events:  o.events,
		vms:     make(map[uuid.UUID]*VirtualMachine),
	}
	for i := range e.enabled {
		e.enabled[i].Store(true)
	}

	e.pool, err = NewControlStructurePool(cfg.ControlStructures, b.vendor(), caps.VMCSRevision)
	if err != nil {
		e.disableAll()
		return nil, err
	}
	if e.tables == nil {
		e.tables = pagetables.NewPoolAllocator(tableBase, cfg.TableFrames)
	}
	e.sched = NewScheduler(cfg.Cores, cfg, e.clock, e.kick)
	e.cores = make([]*core, cfg.Cores)
	for i := range e.cores {
		e.cores[i] = &core{id: i, e: e, log: log.WithField("core", i)}
	}

	if o.registerer != nil {
		if err := o.registerer.Register(newCollector(e)); err != nil {
			e.pool.Close()
			e.disableAll()
			return nil, fmt.Errorf("hv: failed to register metrics: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) kick(core int) { e.proc.Kick(core) }

func (e *Engine) emit(ev Event) {
	if e.events == nil {
		return
	}
	ev.Time = e.clock.Now()
	e.events(ev)
}

func (e *Engine) enableCore(core int) error {
	if e.enabled[core].Load() {
		return nil
	}
	if err := e.backend.enable(core); err != nil {
		return fmt.Errorf("%w: enabling core %d: %v", ErrUnsupportedHardware, core, err)
	}
	e.enabled[core].Store(true)
	return nil
}

func (e *Engine) disableCore(core int) error {
	if !e.enabled[core].Swap(false) {
		return nil
	}
	if err := e.backend.disable(core); err != nil {
		return fmt.Errorf("%w: disabling core %d: %v", ErrHostStateCorrupted, core, err)
	}
	return nil
}

func (e *Engine) disableAll() error {
	var errs []error
	for i := range e.enabled {
		if err := e.disableCore(i); err != nil {
			e.log.WithError(err).WithField("core", i).Error("failed to disable virtualization")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Capabilities returns the snapshot the engine was built for.
func (e *Engine) Capabilities() Capabilities { return e.caps }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Vendor returns the selected backend variant.
func (e *Engine) Vendor() Vendor { return e.backend.vendor() }

// RegisterDeviceHandler sets the handler for port I/O and hypercall exits.
// A nil handler restores the built-in defaults.
func (e *Engine) RegisterDeviceHandler(h DeviceHandler) {
	e.mu.Lock()
	e.device = h
	e.mu.Unlock()
}

func (e *Engine) deviceHandler() DeviceHandler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// CreateVCPU creates an Idle vCPU in an attached VM. Its control structure
// is acquired and programmed immediately.
func (e *Engine) CreateVCPU(id uuid.UUID, opts VCPUOptions) (VCPUHandle, error) {
	if opts.Core < 0 || opts.Core >= e.cfg.Cores {
		return VCPUHandle{}, fmt.Errorf("%w: core %d (have %d)", ErrInvalidRange, opts.Core, e.cfg.Cores)
	}
	switch opts.Class {
	case ClassFair, ClassRealTime, ClassIdle:
	default:
		return VCPUHandle{}, fmt.Errorf("%w: scheduling class %v", ErrInvalidRange, opts.Class)
	}
	weight := opts.Weight
	if weight == 0 {
		weight = e.cfg.DefaultWeight
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return VCPUHandle{}, ErrEngineClosed
	}
	vm, ok := e.vms[id]
	if !ok {
		return VCPUHandle{}, fmt.Errorf("%w: %s", ErrNoSuchVM, id)
	}

	if opts.Class == ClassRealTime {
		if err := e.sched.Admit(opts.Core, opts.RealTime); err != nil {
			if errors.Is(err, ErrAdmissionDenied) {
				e.metrics.recordResourceError()
			}
			return VCPUHandle{}, err
		}
	}
	release := func() {
		if opts.Class == ClassRealTime {
			e.sched.Release(opts.Core, opts.RealTime)
		}
	}

	h := e.allocHandleLocked()
	csh, err := e.pool.Acquire(h)
	if err != nil {
		release()
		e.freeHandleLocked(h)
		e.metrics.recordResourceError()
		return VCPUHandle{}, err
	}
	cs, err := e.pool.Get(csh)
	if err != nil {
		release()
		e.freeHandleLocked(h)
		return VCPUHandle{}, err
	}

	v := &VCPU{
		handle:  h,
		vm:      vm,
		core:    opts.Core,
		class:   opts.Class,
		weight:  weight,
		rt:      opts.RealTime,
		entry:   opts.EntryPoint,
		stack:   opts.Stack,
		csh:     csh,
		cs:      cs,
		stopped: make(chan struct{}),
	}
	close(v.stopped)
	e.backend.setup(v)

	vm.mu.Lock()
	v.space = vm.space
	v.space.acquire()
	vm.vcpus[h] = v
	vm.mu.Unlock()
	e.vcpus[h.index].v = v

	e.metrics.recordVCPUCreate()
	e.log.WithFields(logrus.Fields{
		"vm":    vm.id,
		"vcpu":  h,
		"core":  v.core,
		"class": v.class,
	}).Info("vCPU created")
	return h, nil
}

func (e *Engine) allocHandleLocked() VCPUHandle {
	if n := len(e.free); n > 0 {
		idx := e.free[n-1]
		e.free = e.free[:n-1]
		return VCPUHandle{index: idx, gen: e.vcpus[idx].gen}
	}
	e.vcpus = append(e.vcpus, vcpuSlot{gen: 1})
	return VCPUHandle{index: uint32(len(e.vcpus) - 1), gen: 1}
}

func (e *Engine) freeHandleLocked(h VCPUHandle) {
	s := &e.vcpus[h.index]
	s.v = nil
	s.gen++
	e.free = append(e.free, h.index)
}

func (e *Engine) lookupVCPU(h VCPUHandle) (*VCPU, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	return e.lookupVCPULocked(h)
}

func (e *Engine) lookupVCPULocked(h VCPUHandle) (*VCPU, error) {
	if h.IsZero() || int(h.index) >= len(e.vcpus) {
		return nil, fmt.Errorf("%w: %v", ErrNoSuchVCPU, h)
	}
	s := e.vcpus[h.index]
	if s.gen != h.gen || s.v == nil {
		return nil, fmt.Errorf("%w: %v is stale", ErrNoSuchVCPU, h)
	}
	return s.v, nil
}

// StartVCPU makes an Idle vCPU runnable on its core.
func (e *Engine) StartVCPU(h VCPUHandle) error {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if st := v.State(); st != Idle {
		return fmt.Errorf("%w: cannot start %v vCPU %v", ErrInvalidState, st, h)
	}
	v.stopped = make(chan struct{})
	v.setState(Runnable)
	e.sched.Enqueue(v)
	e.log.WithField("vcpu", h).Debug("vCPU started")
	return nil
}

// StopVCPU asks a vCPU to become Idle. A Running vCPU stops at its next exit,
// which is forced with a kick; use WaitStopped to wait for it.
func (e *Engine) StopVCPU(h VCPUHandle) error {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.State() {
	case Runnable:
		e.sched.Remove(v)
		v.setState(Idle)
		v.markStopped()
	case Blocked:
		v.setState(Idle)
		v.markStopped()
	case Running:
		v.stopRequested.Store(true)
		e.proc.Kick(v.core)
	}
	return nil
}

// WaitStopped blocks until h is Idle or Exited.
func (e *Engine) WaitStopped(ctx context.Context, h VCPUHandle) error {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return err
	}
	v.mu.Lock()
	ch := v.stopped
	v.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnblockVCPU wakes a vCPU blocked in Halt or by a device handler. A wakeup
// for a vCPU that has not blocked yet is remembered and consumed by its next
// Halt.
func (e *Engine) UnblockVCPU(h VCPUHandle) error {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch st := v.State(); st {
	case Blocked:
		v.setState(Runnable)
		e.sched.OnUnblock(v)
	case Running, Runnable:
		v.pendingWake.Store(true)
	default:
		return fmt.Errorf("%w: cannot unblock %v vCPU %v", ErrInvalidState, st, h)
	}
	return nil
}

// DestroyVCPU releases an Idle or Exited vCPU. Its handle becomes stale.
func (e *Engine) DestroyVCPU(h VCPUHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	v, err := e.lookupVCPULocked(h)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if st := v.State(); st != Idle && st != Exited {
		return fmt.Errorf("%w: cannot destroy %v vCPU %v", ErrInvalidState, st, h)
	}
	e.sched.Remove(v)
	if on := v.cs.LoadedOn(); on != notLoaded {
		if err := e.proc.Clear(on, v.cs); err != nil {
			return fmt.Errorf("%w: clearing control structure of %v: %v", ErrHostStateCorrupted, h, err)
		}
		e.pool.Clear(v.cs)
	}
	if err := e.pool.Release(v.csh); err != nil {
		return err
	}
	if v.class == ClassRealTime {
		e.sched.Release(v.core, v.rt)
	}

	vm := v.vm
	vm.mu.Lock()
	delete(vm.vcpus, h)
	vm.mu.Unlock()
	if err := v.space.release(); err != nil {
		e.log.WithError(err).WithField("vcpu", h).Error("failed to release address space")
	}
	e.freeHandleLocked(h)

	e.metrics.recordVCPUDestroy()
	e.log.WithField("vm", vm.id).WithField("vcpu", h).Info("vCPU destroyed")
	return nil
}

// Close stops accepting requests, disables virtualization on every core
// and unmaps the control structures. Run must have returned. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.disableAll()
	if perr := e.pool.Close(); perr != nil {
		err = errors.Join(err, fmt.Errorf("hv: failed to unmap control structures: %w", perr))
	}
	e.log.Info("engine closed")
	return err
}
