package hypervisor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"k8s.io/utils/clock"
)

// SchedClass is the scheduling class of a vCPU.
type SchedClass int

const (
	ClassFair SchedClass = iota
	ClassRealTime
	ClassIdle
)

func (c SchedClass) String() string {
	switch c {
	case ClassFair:
		return "fair"
	case ClassRealTime:
		return "realtime"
	case ClassIdle:
		return "idle"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseSchedClass parses the names printed by String.
func ParseSchedClass(s string) (SchedClass, error) {
	switch strings.ToLower(s) {
	case "", "fair":
		return ClassFair, nil
	case "realtime", "rt":
		return ClassRealTime, nil
	case "idle":
		return ClassIdle, nil
	}
	return 0, fmt.Errorf("hv: unknown scheduling class %q", s)
}

func (c SchedClass) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *SchedClass) UnmarshalText(b []byte) error {
	v, err := ParseSchedClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// RealTimeParams describe a periodic RealTime reservation.
type RealTimeParams struct {
	Period time.Duration `json:"period" yaml:"period"`
	Budget time.Duration `json:"budget" yaml:"budget"`
	// Deadline is relative to each enqueue. Zero means Period.
	Deadline time.Duration `json:"deadline" yaml:"deadline"`
	// Priority breaks deadline ties; lower runs first.
	Priority uint32 `json:"priority" yaml:"priority"`
}

func (p RealTimeParams) utilization() float64 {
	if p.Period <= 0 {
		return 0
	}
	return float64(p.Budget) / float64(p.Period)
}

func (p RealTimeParams) validate() error {
	if p.Period <= 0 || p.Budget <= 0 || p.Budget > p.Period {
		return fmt.Errorf("%w: realtime budget %v / period %v", ErrInvalidRange, p.Budget, p.Period)
	}
	if p.Deadline < 0 {
		return fmt.Errorf("%w: negative realtime deadline", ErrInvalidRange)
	}
	return nil
}

// schedEntity is the per-vCPU scheduler state, guarded by the run queue.
type schedEntity struct {
	vruntime  uint64
	seq       uint64
	deadline  int64 // unix nanoseconds
	waitSince uint64
	queued    bool
	misses    uint64
	aged      uint64
}

type runQueue struct {
	mu      sync.Mutex
	core    int
	fair    *btree.BTreeG[*VCPU]
	byWait  *btree.BTreeG[*VCPU]
	rt      *btree.BTreeG[*VCPU]
	idle    *btree.BTreeG[*VCPU]
	current *VCPU
	round   uint64
	seq     uint64
	minVrt  uint64
	rtUtil  float64

	resched atomic.Bool
	wake    chan struct{}
}

func fairLess(a, b *VCPU) bool {
	if a.se.vruntime != b.se.vruntime {
		return a.se.vruntime < b.se.vruntime
	}
	return a.se.seq < b.se.seq
}

func waitLess(a, b *VCPU) bool {
	if a.se.waitSince != b.se.waitSince {
		return a.se.waitSince < b.se.waitSince
	}
	return a.se.seq < b.se.seq
}

func rtLess(a, b *VCPU) bool {
	if a.se.deadline != b.se.deadline {
		return a.se.deadline < b.se.deadline
	}
	if a.rt.Priority != b.rt.Priority {
		return a.rt.Priority < b.rt.Priority
	}
	return a.se.seq < b.se.seq
}

func seqLess(a, b *VCPU) bool { return a.se.seq < b.se.seq }

func newRunQueue(core int) *runQueue {
	return &runQueue{
		core:   core,
		fair:   btree.NewG(8, fairLess),
		byWait: btree.NewG(8, waitLess),
		rt:     btree.NewG(8, rtLess),
		idle:   btree.NewG(8, seqLess),
		wake:   make(chan struct{}, 1),
	}
}

// Scheduler picks the next vCPU of each core: RealTime by earliest
// deadline, then Fair by least weighted runtime, then Idle.
type Scheduler struct {
	queues []*runQueue
	clock  clock.PassiveClock
	kick   func(core int)

	defaultWeight uint32
	agingRounds   uint64
	rtCap         float64

	agedTotal atomic.Uint64
	missTotal atomic.Uint64
}

// NewScheduler returns a scheduler for cores run queues. kick is invoked
// when a core should leave guest mode early.
func NewScheduler(cores int, cfg Config, clk clock.PassiveClock, kick func(core int)) *Scheduler {
	s := &Scheduler{
		queues:        make([]*runQueue, cores),
		clock:         clk,
		kick:          kick,
		defaultWeight: cfg.DefaultWeight,
		agingRounds:   uint64(cfg.AgingRounds),
		rtCap:         cfg.RTUtilizationCap,
	}
	for i := range s.queues {
		s.queues[i] = newRunQueue(i)
	}
	return s
}

func (s *Scheduler) queue(core int) *runQueue {
	return s.queues[core]
}

// Admit reserves RealTime utilization on the core of v.
func (s *Scheduler) Admit(core int, p RealTimeParams) error {
	if err := p.validate(); err != nil {
		return err
	}
	q := s.queue(core)
	q.mu.Lock()
	defer q.mu.Unlock()
	u := p.utilization()
	if q.rtUtil+u > s.rtCap+1e-9 {
		return fmt.Errorf("%w: core %d utilization %.3f + %.3f exceeds %.3f", ErrAdmissionDenied, core, q.rtUtil, u, s.rtCap)
	}
	q.rtUtil += u
	return nil
}

// Release returns the RealTime utilization reserved by Admit.
func (s *Scheduler) Release(core int, p RealTimeParams) {
	q := s.queue(core)
	q.mu.Lock()
	q.rtUtil -= p.utilization()
	if q.rtUtil < 0 {
		q.rtUtil = 0
	}
	q.mu.Unlock()
}

// Enqueue makes v runnable on its core.
func (s *Scheduler) Enqueue(v *VCPU) {
	q := s.queue(v.core)
	q.mu.Lock()
	preempt := s.enqueueLocked(q, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	if preempt {
		q.resched.Store(true)
		if s.kick != nil {
			s.kick(q.core)
		}
	}
}

// enqueueLocked inserts v and reports whether the running vCPU should be
// preempted for it.
func (s *Scheduler) enqueueLocked(q *runQueue, v *VCPU) bool {
	if v.se.queued {
		return false
	}
	q.seq++
	v.se.seq = q.seq
	v.se.waitSince = q.round
	v.se.queued = true

	switch v.class {
	case ClassRealTime:
		d := v.rt.Deadline
		if d <= 0 {
			d = v.rt.Period
		}
		v.se.deadline = s.clock.Now().Add(d).UnixNano()
		q.rt.ReplaceOrInsert(v)
		return q.current != nil && q.current.class != ClassRealTime
	case ClassIdle:
		q.idle.ReplaceOrInsert(v)
	default:
		if v.se.vruntime < q.minVrt {
			v.se.vruntime = q.minVrt
		}
		q.fair.ReplaceOrInsert(v)
		q.byWait.ReplaceOrInsert(v)
	}
	return false
}

func (s *Scheduler) dequeueLocked(q *runQueue, v *VCPU) {
	if !v.se.queued {
		return
	}
	switch v.class {
	case ClassRealTime:
		q.rt.Delete(v)
	case ClassIdle:
		q.idle.Delete(v)
	default:
		q.fair.Delete(v)
		q.byWait.Delete(v)
	}
	v.se.queued = false
}

// SelectNext removes and returns the vCPU core should run next, or nil.
// Every call is one scheduling round.
func (s *Scheduler) SelectNext(core int) *VCPU {
	q := s.queue(core)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.round++
	q.resched.Store(false)

	var v *VCPU
	aged := false
	if old, ok := q.byWait.Min(); ok && q.rt.Len() > 0 && q.round-old.se.waitSince >= s.agingRounds {
		// A Fair vCPU starved by RealTime work is served once and its
		// deficit forgiven.
		v, aged = old, true
		old.se.aged++
		s.agedTotal.Add(1)
	} else if rt, ok := q.rt.Min(); ok {
		v = rt
		if s.clock.Now().UnixNano() > rt.se.deadline {
			rt.se.misses++
			s.missTotal.Add(1)
		}
	} else if f, ok := q.fair.Min(); ok {
		v = f
	} else if idle, ok := q.idle.Min(); ok {
		v = idle
	}
	if v == nil {
		q.current = nil
		return nil
	}
	s.dequeueLocked(q, v)
	if v.class == ClassFair {
		if aged {
			v.se.vruntime = q.minVrt
		}
		if v.se.vruntime > q.minVrt {
			q.minVrt = v.se.vruntime
		}
	}
	q.current = v
	return v
}

// charge accounts ran against v. The q lock must be held.
func (s *Scheduler) chargeLocked(v *VCPU, ran time.Duration) {
	if v.class != ClassFair {
		return
	}
	ns := uint64(max(ran, 1))
	w := v.weight
	if w == 0 {
		w = s.defaultWeight
	}
	v.se.vruntime += ns * uint64(s.defaultWeight) / uint64(w)
}

func (q *runQueue) clearCurrent(v *VCPU) {
	if q.current == v {
		q.current = nil
	}
}

// OnPreempt charges v for ran and requeues it.
func (s *Scheduler) OnPreempt(v *VCPU, ran time.Duration) {
	q := s.queue(v.core)
	q.mu.Lock()
	s.chargeLocked(v, ran)
	q.clearCurrent(v)
	s.enqueueLocked(q, v)
	q.mu.Unlock()
}

// OnBlock charges v for ran and takes it off the core.
func (s *Scheduler) OnBlock(v *VCPU, ran time.Duration) {
	q := s.queue(v.core)
	q.mu.Lock()
	s.chargeLocked(v, ran)
	q.clearCurrent(v)
	q.mu.Unlock()
}

// OnUnblock makes a blocked vCPU runnable again.
func (s *Scheduler) OnUnblock(v *VCPU) {
	s.Enqueue(v)
}

// Remove takes v out of the scheduler wherever it is.
func (s *Scheduler) Remove(v *VCPU) {
	q := s.queue(v.core)
	q.mu.Lock()
	s.dequeueLocked(q, v)
	q.clearCurrent(v)
	q.mu.Unlock()
}

// RemoveVM removes every queued vCPU of vm.
func (s *Scheduler) RemoveVM(vm *VirtualMachine) {
	for _, q := range s.queues {
		q.mu.Lock()
		var drop []*VCPU
		for _, t := range []*btree.BTreeG[*VCPU]{q.rt, q.fair, q.idle} {
			t.Ascend(func(v *VCPU) bool {
				if v.vm == vm {
					drop = append(drop, v)
				}
				return true
			})
		}
		for _, v := range drop {
			s.dequeueLocked(q, v)
		}
		if q.current != nil && q.current.vm == vm {
			q.current = nil
		}
		q.mu.Unlock()
	}
}

// needResched reports whether the running vCPU of core should yield.
func (s *Scheduler) needResched(core int) bool {
	return s.queue(core).resched.Load()
}

// runnable returns the number of queued vCPUs on core.
func (s *Scheduler) runnable(core int) int {
	q := s.queue(core)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rt.Len() + q.fair.Len() + q.idle.Len()
}

func (s *Scheduler) wakeup(core int) <-chan struct{} {
	return s.queue(core).wake
}

func (s *Scheduler) fill(v *VCPU, st *VCPUStats) {
	q := s.queue(v.core)
	q.mu.Lock()
	st.VRuntime = v.se.vruntime
	st.DeadlineMisses = v.se.misses
	st.Aged = v.se.aged
	q.mu.Unlock()
}
