package hypervisor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RunState is the lifecycle state of a vCPU.
type RunState uint32

const (
	Idle RunState = iota
	Runnable
	Running
	Blocked
	Exited
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunState) UnmarshalText(b []byte) error {
	for st := Idle; st <= Exited; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("hv: unknown vCPU state %q", b)
}

// VCPUHandle identifies a vCPU. Handles of destroyed vCPUs are rejected.
type VCPUHandle struct {
	index uint32
	gen   uint32
}

// ID returns a stable numeric identity for logs and scenario files.
func (h VCPUHandle) ID() uint32 { return h.index }

// IsZero reports whether h was never assigned.
func (h VCPUHandle) IsZero() bool { return h.gen == 0 }

func (h VCPUHandle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

// VCPUOptions configures a new vCPU.
type VCPUOptions struct {
	// Core pins the vCPU to a physical core.
	Core  int
	Class SchedClass
	// Weight scales the Fair share. Zero uses Config.DefaultWeight.
	Weight   uint32
	RealTime RealTimeParams
	// EntryPoint and Stack seed RIP and RSP.
	EntryPoint uint64
	Stack      uint64
}

// VCPU is one virtual processor. Its register state is owned by the core
// running it while Running and by the caller otherwise.
type VCPU struct {
	handle VCPUHandle
	vm     *VirtualMachine
	space  *addressSpace
	core   int
	class  SchedClass
	weight uint32
	rt     RealTimeParams
	entry  uint64
	stack  uint64

	csh  CSHandle
	cs   *ControlStructure
	gprs GPRs
	// haltLen is the length of a HLT the vCPU blocked on. The instruction
	// retires when the vCPU next enters.
	haltLen uint64

	// mu orders lifecycle transitions between the API and the run loop.
	mu            sync.Mutex
	state         atomic.Uint32
	stopRequested atomic.Bool
	pendingWake   atomic.Bool
	stopped       chan struct{}
	exitErr       error

	// Guarded by the run queue of core.
	se schedEntity

	runs    atomic.Uint64
	exits   atomic.Uint64
	runtime atomic.Int64
	// Written only by the core running v.
	maxRun atomic.Int64
}

// State returns the current run state.
func (v *VCPU) State() RunState { return RunState(v.state.Load()) }

func (v *VCPU) setState(s RunState) { v.state.Store(uint32(s)) }

// markStopped closes the stop channel. Called with mu held.
func (v *VCPU) markStopped() {
	select {
	case <-v.stopped:
	default:
		close(v.stopped)
	}
	v.stopRequested.Store(false)
}

// VCPUStats is a snapshot of per-vCPU counters.
type VCPUStats struct {
	State          RunState      `json:"state"`
	Core           int           `json:"core"`
	Class          SchedClass    `json:"class"`
	Runs           uint64        `json:"runs"`
	Exits          uint64        `json:"exits"`
	Runtime        time.Duration `json:"runtime"`
	MaxRun         time.Duration `json:"max_run"`
	VRuntime       uint64        `json:"vruntime"`
	DeadlineMisses uint64        `json:"deadline_misses"`
	Aged           uint64        `json:"aged"`
	Err            string        `json:"error,omitempty"`
}

// VCPUState returns the run state of h.
func (e *Engine) VCPUState(h VCPUHandle) (RunState, error) {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return Idle, err
	}
	return v.State(), nil
}

// VCPUStats returns the counters of h.
func (e *Engine) VCPUStats(h VCPUHandle) (VCPUStats, error) {
	v, err := e.lookupVCPU(h)
	if err != nil {
		return VCPUStats{}, err
	}
	st := VCPUStats{
		Core:    v.core,
		Class:   v.class,
		Runs:    v.runs.Load(),
		Exits:   v.exits.Load(),
		Runtime: time.Duration(v.runtime.Load()),
		MaxRun:  time.Duration(v.maxRun.Load()),
	}
	e.sched.fill(v, &st)

	v.mu.Lock()
	st.State = v.State()
	if v.exitErr != nil {
		st.Err = v.exitErr.Error()
	}
	v.mu.Unlock()
	return st, nil
}
