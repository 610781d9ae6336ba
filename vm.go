package hypervisor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IsolationLevel selects how host frames may be shared with other VMs.
type IsolationLevel int

const (
	// IsolationStandard allows read-only sharing of host frames.
	IsolationStandard IsolationLevel = iota
	// IsolationStrict forbids any host frame overlap with another VM.
	IsolationStrict
)

func (l IsolationLevel) String() string {
	if l == IsolationStrict {
		return "strict"
	}
	return "standard"
}

func (l IsolationLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *IsolationLevel) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "standard":
		*l = IsolationStandard
	case "strict":
		*l = IsolationStrict
	default:
		return fmt.Errorf("hv: unknown isolation level %q", b)
	}
	return nil
}

// SecurityPolicy is supplied by the management plane with each VM.
type SecurityPolicy struct {
	Isolation    IsolationLevel `json:"isolation" yaml:"isolation"`
	RequireIOMMU bool           `json:"require_iommu" yaml:"require_iommu"`
}

// VirtualMachine is a guest: its vCPUs and its second-level address space.
type VirtualMachine struct {
	id     uuid.UUID
	name   string
	policy SecurityPolicy

	mu    sync.Mutex
	vcpus map[VCPUHandle]*VCPU
	space *addressSpace

	stats vmStats
}

// NewVirtualMachine creates a detached VM with a fresh identity.
func NewVirtualMachine(name string, policy SecurityPolicy) *VirtualMachine {
	return &VirtualMachine{
		id:     uuid.New(),
		name:   name,
		policy: policy,
		vcpus:  make(map[VCPUHandle]*VCPU),
	}
}

// ID returns the VM identity.
func (vm *VirtualMachine) ID() uuid.UUID { return vm.id }

// Name returns the management-plane name.
func (vm *VirtualMachine) Name() string { return vm.name }

// Policy returns the security policy.
func (vm *VirtualMachine) Policy() SecurityPolicy { return vm.policy }

func (vm *VirtualMachine) String() string {
	return fmt.Sprintf("%s(%s)", vm.name, vm.id)
}

type vmStats struct {
	exits        atomic.Uint64
	byReason     [numExitReasons]atomic.Uint64
	pageFaults   atomic.Uint64
	hypercalls   atomic.Uint64
	latencyTotal atomic.Int64
	latencyMax   atomic.Int64
}

func (s *vmStats) record(exit *ExitRecord, latency time.Duration) {
	s.exits.Add(1)
	s.byReason[exit.Reason].Add(1)
	switch exit.Reason {
	case ExitFault:
		s.pageFaults.Add(1)
	case ExitHyperCall:
		s.hypercalls.Add(1)
	}
	ns := int64(latency)
	s.latencyTotal.Add(ns)
	for {
		cur := s.latencyMax.Load()
		if ns <= cur || s.latencyMax.CompareAndSwap(cur, ns) {
			break
		}
	}
}

// VMStats is a snapshot of per-VM exit statistics.
type VMStats struct {
	Exits            uint64            `json:"exits"`
	ExitsByReason    map[string]uint64 `json:"exits_by_reason"`
	NestedPageFaults uint64            `json:"nested_page_faults"`
	Hypercalls       uint64            `json:"hypercalls"`
	MaxExitLatency   time.Duration     `json:"max_exit_latency"`
	AvgExitLatency   time.Duration     `json:"avg_exit_latency"`
	VCPUs            int               `json:"vcpus"`
	States           map[string]int    `json:"states"`
	Regions          int               `json:"regions"`
	Mapped           uint64            `json:"mapped_bytes"`
}

// VMStats returns the exit statistics of an attached VM.
func (e *Engine) VMStats(id uuid.UUID) (VMStats, error) {
	vm, err := e.lookupVM(id)
	if err != nil {
		return VMStats{}, err
	}
	s := &vm.stats
	out := VMStats{
		Exits:            s.exits.Load(),
		ExitsByReason:    make(map[string]uint64, numExitReasons),
		NestedPageFaults: s.pageFaults.Load(),
		Hypercalls:       s.hypercalls.Load(),
		MaxExitLatency:   time.Duration(s.latencyMax.Load()),
		States:           make(map[string]int),
	}
	for r := ExitReason(0); r < numExitReasons; r++ {
		if n := s.byReason[r].Load(); n > 0 {
			out.ExitsByReason[r.String()] = n
		}
	}
	if out.Exits > 0 {
		out.AvgExitLatency = time.Duration(s.latencyTotal.Load() / int64(out.Exits))
	}

	vm.mu.Lock()
	out.VCPUs = len(vm.vcpus)
	for _, v := range vm.vcpus {
		out.States[v.State().String()]++
	}
	space := vm.space
	vm.mu.Unlock()

	if space != nil {
		out.Regions, out.Mapped = space.usage()
	}
	return out, nil
}

// AttachVM hands a VM to the engine and builds its empty address space.
func (e *Engine) AttachVM(vm *VirtualMachine) error {
	if vm == nil {
		return fmt.Errorf("%w: nil VM", ErrNoSuchVM)
	}
	if vm.policy.RequireIOMMU && !e.caps.IOMMU {
		return fmt.Errorf("%w: policy of %s requires an IOMMU", ErrUnsupportedHardware, vm)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.vms[vm.id]; ok {
		return fmt.Errorf("%w: %s", ErrVMAlreadyAttached, vm)
	}

	space, err := e.newAddressSpace(vm)
	if err != nil {
		e.metrics.recordResourceError()
		return err
	}
	vm.mu.Lock()
	vm.space = space
	vm.mu.Unlock()
	e.vms[vm.id] = vm

	e.metrics.recordVMAttach()
	e.log.WithField("vm", vm.id).WithField("name", vm.name).Info("VM attached")
	return nil
}

// DetachVM removes a VM. It fails while the VM still has vCPUs or mapped
// regions.
func (e *Engine) DetachVM(id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	vm, ok := e.vms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchVM, id)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.vcpus) > 0 {
		return fmt.Errorf("%w: %d vCPUs remain", ErrVMBusy, len(vm.vcpus))
	}
	if n, _ := vm.space.usage(); n > 0 {
		return fmt.Errorf("%w: %d regions remain", ErrVMBusy, n)
	}

	e.sched.RemoveVM(vm)
	if err := vm.space.release(); err != nil {
		return err
	}
	vm.space = nil
	delete(e.vms, id)

	e.metrics.recordVMDetach()
	e.log.WithField("vm", id).Info("VM detached")
	return nil
}

func (e *Engine) lookupVM(id uuid.UUID) (*VirtualMachine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	vm, ok := e.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchVM, id)
	}
	return vm, nil
}
