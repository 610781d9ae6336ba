package hypervisor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
	testingclock "k8s.io/utils/clock/testing"
)

// GuestOpKind is one instruction of a simulated guest program.
type GuestOpKind int

const (
	// OpRead loads the 8 byte word at Addr into RAX.
	OpRead GuestOpKind = iota
	// OpWrite stores Value at Addr.
	OpWrite
	// OpFetch executes code at Addr.
	OpFetch
	// OpCPUID executes CPUID with RAX = Value.
	OpCPUID
	OpRDMSR
	// OpWRMSR writes Value to MSR.
	OpWRMSR
	OpIn
	// OpOut writes Value to Port.
	OpOut
	// OpHypercall issues VMCALL / VMMCALL with RAX = Value.
	OpHypercall
	OpHalt
	// OpSpin loops in place until the scheduling timer fires.
	OpSpin
	// OpShutdown triple faults.
	OpShutdown
)

var guestOpNames = [...]string{
	"read", "write", "fetch", "cpuid", "rdmsr", "wrmsr", "in", "out", "hypercall", "halt", "spin", "shutdown",
}

var guestOpLengths = [...]uint64{3, 3, 3, 2, 2, 2, 1, 1, 3, 1, 2, 1}

func (k GuestOpKind) String() string {
	if k >= 0 && int(k) < len(guestOpNames) {
		return guestOpNames[k]
	}
	return fmt.Sprintf("op(%d)", int(k))
}

func (k GuestOpKind) length() uint64 {
	if k >= 0 && int(k) < len(guestOpLengths) {
		return guestOpLengths[k]
	}
	return 1
}

func (k GuestOpKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *GuestOpKind) UnmarshalText(b []byte) error {
	for i, n := range guestOpNames {
		if strings.EqualFold(string(b), n) {
			*k = GuestOpKind(i)
			return nil
		}
	}
	return fmt.Errorf("hv: unknown guest op %q", b)
}

// GuestOp is one step of a simulated guest.
type GuestOp struct {
	Kind  GuestOpKind `json:"op" yaml:"op"`
	Addr  uint64      `json:"addr,omitempty" yaml:"addr,omitempty"`
	Value uint64      `json:"value,omitempty" yaml:"value,omitempty"`
	Port  uint16      `json:"port,omitempty" yaml:"port,omitempty"`
	Size  uint8       `json:"size,omitempty" yaml:"size,omitempty"`
	MSR   uint32      `json:"msr,omitempty" yaml:"msr,omitempty"`
}

type program struct {
	byRIP map[uint64]GuestOp
}

type tlbKey struct {
	root uint64
	tag  uint32
	page uint64
}

type tlbEntry struct {
	host  uint64
	perms pagetables.Perm
}

type simCore struct {
	enabled     bool
	current     *ControlStructure
	tlb         map[tlbKey]tlbEntry
	timer       time.Duration
	timerVector uint8
	pending     []uint8
	lastVector  uint8
	entries     uint64
	clobber     bool
}

// SimProcessor is a deterministic software Processor. It runs scripted
// guest programs against the control structures and translation tables the
// engine programs and reports exits in the vendor encodings.
type SimProcessor struct {
	vendor Vendor
	alloc  pagetables.Allocator
	clock  *testingclock.FakeClock

	mu            sync.Mutex
	cores         map[int]*simCore
	programs      map[VCPUHandle]*program
	memory        map[uint64]uint64
	enableErr     map[int]error
	invalidations []Invalidation
}

// SimOption configures a SimProcessor.
type SimOption func(*SimProcessor)

// WithSimClock advances c by the armed quantum whenever a guest spins until
// its timer fires.
func WithSimClock(c *testingclock.FakeClock) SimOption {
	return func(p *SimProcessor) { p.clock = c }
}

// NewSimProcessor returns a processor for vendor whose translation walks read
// tables from alloc. The engine must be built with the same allocator.
func NewSimProcessor(vendor Vendor, alloc pagetables.Allocator, opts ...SimOption) *SimProcessor {
	p := &SimProcessor{
		vendor:    vendor,
		alloc:     alloc,
		cores:     make(map[int]*simCore),
		programs:  make(map[VCPUHandle]*program),
		memory:    make(map[uint64]uint64),
		enableErr: make(map[int]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SimProcessor) core(id int) *simCore {
	c, ok := p.cores[id]
	if !ok {
		c = &simCore{tlb: make(map[tlbKey]tlbEntry)}
		p.cores[id] = c
	}
	return c
}

// Program loads ops at consecutive addresses starting at entry for the vCPU
// h. Running off the end of the program triple faults.
func (p *SimProcessor) Program(h VCPUHandle, entry uint64, ops ...GuestOp) {
	prog := &program{byRIP: make(map[uint64]GuestOp, len(ops))}
	rip := entry
	for _, op := range ops {
		prog.byRIP[rip] = op
		rip += op.Kind.length()
	}
	p.mu.Lock()
	p.programs[h] = prog
	p.mu.Unlock()
}

// FailEnable makes the next Enable of core fail with err.
func (p *SimProcessor) FailEnable(core int, err error) {
	p.mu.Lock()
	p.enableErr[core] = err
	p.mu.Unlock()
}

// RaiseInterrupt queues a host interrupt for core. The guest exits at its
// next entry.
func (p *SimProcessor) RaiseInterrupt(core int, vector uint8) {
	p.mu.Lock()
	c := p.core(core)
	c.pending = append(c.pending, vector)
	p.mu.Unlock()
}

// ClobberHostState overwrites the host state of the structure that exits
// next on core.
func (p *SimProcessor) ClobberHostState(core int) {
	p.mu.Lock()
	p.core(core).clobber = true
	p.mu.Unlock()
}

// Memory returns the word stored at the host-physical address addr.
func (p *SimProcessor) Memory(addr uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory[addr&^7]
}

// SetMemory stores a word at the host-physical address addr.
func (p *SimProcessor) SetMemory(addr, val uint64) {
	p.mu.Lock()
	p.memory[addr&^7] = val
	p.mu.Unlock()
}

// Entries returns the number of guest entries on core.
func (p *SimProcessor) Entries(core int) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core(core).entries
}

// CachedTranslations returns the size of the translation cache of core.
func (p *SimProcessor) CachedTranslations(core int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.core(core).tlb)
}

// Invalidations returns every invalidation issued so far.
func (p *SimProcessor) Invalidations() []Invalidation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Invalidation(nil), p.invalidations...)
}

// Enable implements Processor.
func (p *SimProcessor) Enable(core int, vendor Vendor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vendor != p.vendor {
		return fmt.Errorf("sim: %v processor cannot enable %v", p.vendor, vendor)
	}
	if err, ok := p.enableErr[core]; ok {
		delete(p.enableErr, core)
		return err
	}
	c := p.core(core)
	if c.enabled {
		return fmt.Errorf("sim: core %d already enabled", core)
	}
	c.enabled = true
	return nil
}

// Disable implements Processor.
func (p *SimProcessor) Disable(core int, vendor Vendor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.core(core)
	if !c.enabled {
		return fmt.Errorf("sim: core %d not enabled", core)
	}
	c.enabled = false
	c.current = nil
	clear(c.tlb)
	return nil
}

// Load implements Processor.
func (p *SimProcessor) Load(core int, cs *ControlStructure) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.core(core)
	if !c.enabled {
		return &EntryError{Msg: fmt.Sprintf("core %d not in virtualization mode", core)}
	}
	if p.vendor == VendorVMX && cs.read32(0) == 0 {
		return &EntryError{Msg: "VMPTRLD: VMCS revision identifier is zero"}
	}
	c.current = cs
	return nil
}

// Clear implements Processor.
func (p *SimProcessor) Clear(core int, cs *ControlStructure) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.core(core)
	if c.current == cs {
		c.current = nil
	}
	return nil
}

// Invalidate implements Processor.
func (p *SimProcessor) Invalidate(inv Invalidation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidations = append(p.invalidations, inv)
	for _, c := range p.cores {
		for k := range c.tlb {
			if p.covers(inv, k) {
				delete(c.tlb, k)
			}
		}
	}
	return nil
}

func (p *SimProcessor) covers(inv Invalidation, k tlbKey) bool {
	if p.vendor == VendorVMX && k.root != inv.Root {
		return false
	}
	if p.vendor == VendorSVM && k.tag != inv.Tag {
		return false
	}
	if inv.Length == 0 {
		return true
	}
	addr := k.page << pagetables.PageShift
	return addr+pagetables.PageSize > inv.Start && addr < inv.Start+inv.Length
}

// ArmTimer implements Processor.
func (p *SimProcessor) ArmTimer(core int, d time.Duration, vector uint8) {
	p.mu.Lock()
	c := p.core(core)
	c.timer, c.timerVector = d, vector
	p.mu.Unlock()
}

// AckInterrupt implements Processor.
func (p *SimProcessor) AckInterrupt(core int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.core(core).lastVector
}

// Kick implements Processor.
func (p *SimProcessor) Kick(core int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.core(core)
	for _, v := range c.pending {
		if v == kickVector {
			return
		}
	}
	c.pending = append(c.pending, kickVector)
}

// Enter implements Processor.
func (p *SimProcessor) Enter(core int, cs *ControlStructure, gprs *GPRs, launch bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.core(core)
	if !c.enabled {
		return &EntryError{Msg: fmt.Sprintf("core %d not in virtualization mode", core)}
	}
	m := p.machine(c, cs, gprs)
	if err := m.check(launch); err != nil || m.failed {
		return err
	}
	c.entries++
	defer func() {
		if c.clobber && p.vendor == VendorVMX {
			vmwrite(cs, vmcsHostRIP, 0)
			c.clobber = false
		}
	}()

	if n := len(c.pending); n > 0 {
		vec := c.pending[0]
		c.pending = c.pending[1:]
		m.interrupt(vec)
		return nil
	}

	prog := p.programs[cs.Owner()]
	for {
		rip := m.rip()
		var op GuestOp
		ok := prog != nil
		if ok {
			op, ok = prog.byRIP[rip]
		}
		if !ok {
			m.shutdown()
			return nil
		}
		next := rip + op.Kind.length()

		switch op.Kind {
		case OpRead, OpWrite, OpFetch:
			access := pagetables.Read
			switch op.Kind {
			case OpWrite:
				access = pagetables.Write
			case OpFetch:
				access = pagetables.Execute
			}
			host, present, ok := m.translate(op.Addr, access)
			if !ok {
				m.fault(op.Addr, access, present)
				return nil
			}
			switch op.Kind {
			case OpRead:
				m.setReg(RegRAX, p.memory[host&^7])
			case OpWrite:
				p.memory[host&^7] = op.Value
			}
			m.setRIP(next)
		case OpCPUID:
			m.setReg(RegRAX, op.Value)
			m.trap(op, next)
			return nil
		case OpRDMSR, OpWRMSR:
			gprs[RegRCX] = uint64(op.MSR)
			if op.Kind == OpWRMSR {
				m.setReg(RegRAX, op.Value&0xFFFF_FFFF)
				gprs[RegRDX] = op.Value >> 32
			}
			m.trap(op, next)
			return nil
		case OpIn, OpOut:
			if op.Kind == OpOut {
				m.setReg(RegRAX, op.Value)
			}
			m.trap(op, next)
			return nil
		case OpHypercall:
			m.setReg(RegRAX, op.Value)
			m.trap(op, next)
			return nil
		case OpHalt:
			m.trap(op, next)
			return nil
		case OpSpin:
			m.timerExpiry(core)
			return nil
		default:
			m.shutdown()
			return nil
		}
	}
}

// machine is the view of one entry: a core, a structure and the GPRs.
type machine struct {
	p      *SimProcessor
	c      *simCore
	cs     *ControlStructure
	gprs   *GPRs
	failed bool
}

func (p *SimProcessor) machine(c *simCore, cs *ControlStructure, gprs *GPRs) *machine {
	return &machine{p: p, c: c, cs: cs, gprs: gprs}
}

func (m *machine) vmx() bool { return m.p.vendor == VendorVMX }

// check performs the entry consistency checks. A failed guest-state check
// is reported as an exit and sets m.failed.
func (m *machine) check(launch bool) error {
	cs := m.cs
	if m.vmx() {
		if m.c.current != cs {
			return &EntryError{Msg: "VMfailInvalid: no current VMCS"}
		}
		if launch && cs.Launched() {
			vmwrite(cs, vmcsInstrError, 4)
			return &EntryError{Code: 4, Msg: "VMLAUNCH with non-clear VMCS"}
		}
		if !launch && !cs.Launched() {
			vmwrite(cs, vmcsInstrError, 5)
			return &EntryError{Code: 5, Msg: "VMRESUME with non-launched VMCS"}
		}
		if vmread(cs, vmcsGuestRFLAGS)&guestRFLAGS == 0 {
			vmwrite(cs, vmcsExitReason, vmxExitInvalidState|vmxExitEntryFailureFlag)
			vmwrite(cs, vmcsExitQual, 0)
			m.failed = true
		}
		return nil
	}

	// ASID 0 is the host's; VMRUN refuses it.
	if cs.read64(vmcbSaveEFER)&eferSVME == 0 || cs.read32(vmcbASID) == 0 {
		cs.write64(vmcbExitCode, svmExitInvalid)
		m.failed = true
		return nil
	}
	if cs.read32(vmcbTLBControl) == tlbControlFlushASID {
		asid := cs.read32(vmcbASID)
		for k := range m.c.tlb {
			if k.tag == asid {
				delete(m.c.tlb, k)
			}
		}
	}
	return nil
}

func (m *machine) rip() uint64 {
	if m.vmx() {
		return vmread(m.cs, vmcsGuestRIP)
	}
	return m.cs.read64(vmcbSaveRIP)
}

func (m *machine) setRIP(rip uint64) {
	if m.vmx() {
		vmwrite(m.cs, vmcsGuestRIP, rip)
		return
	}
	m.cs.write64(vmcbSaveRIP, rip)
}

func (m *machine) setReg(r Reg, val uint64) {
	if r == RegRAX && !m.vmx() {
		m.cs.write64(vmcbSaveRAX, val)
		return
	}
	m.gprs[r] = val
}

func (m *machine) context() (root uint64, tag uint32) {
	if m.vmx() {
		return vmread(m.cs, vmcsEPTPointer) &^ (pagetables.PageSize - 1), uint32(vmread(m.cs, vmcsVPID))
	}
	return m.cs.read64(vmcbNCR3), m.cs.read32(vmcbASID)
}

// translate resolves gpa through the cached translations of the core, then
// the tables. present reports a leaf that exists but denies access.
func (m *machine) translate(gpa uint64, access pagetables.Perm) (host uint64, present, ok bool) {
	root, tag := m.context()
	key := tlbKey{root: root, tag: tag, page: gpa >> pagetables.PageShift}
	off := gpa & (pagetables.PageSize - 1)
	if ent, ok := m.c.tlb[key]; ok && access&^ent.perms == 0 {
		return ent.host + off, true, true
	}
	format := pagetables.EPT
	if !m.vmx() {
		format = pagetables.NPT
	}
	t, ok := pagetables.Translate(m.p.alloc, format, root, gpa, access)
	if !ok {
		return 0, t.Present, false
	}
	m.c.tlb[key] = tlbEntry{host: t.Physical &^ (pagetables.PageSize - 1), perms: t.Perms}
	return t.Physical, true, true
}

func (m *machine) exitVMX(reason, qual, length uint64) {
	vmwrite(m.cs, vmcsExitReason, reason)
	vmwrite(m.cs, vmcsExitQual, qual)
	vmwrite(m.cs, vmcsExitInstrLen, length)
}

func (m *machine) exitSVM(code, info1, info2, next uint64) {
	m.cs.write64(vmcbExitCode, code)
	m.cs.write64(vmcbExitInfo1, info1)
	m.cs.write64(vmcbExitInfo2, info2)
	m.cs.write64(vmcbNextRIP, next)
}

func (m *machine) trap(op GuestOp, next uint64) {
	length := op.Kind.length()
	if m.vmx() {
		switch op.Kind {
		case OpCPUID:
			m.exitVMX(vmxExitCPUID, 0, length)
		case OpRDMSR:
			m.exitVMX(vmxExitRDMSR, 0, length)
		case OpWRMSR:
			m.exitVMX(vmxExitWRMSR, 0, length)
		case OpIn, OpOut:
			qual := uint64(max(op.Size, 1)-1) | uint64(op.Port)<<16
			if op.Kind == OpIn {
				qual |= 1 << 3
			}
			m.exitVMX(vmxExitIO, qual, length)
		case OpHypercall:
			m.exitVMX(vmxExitVMCALL, 0, length)
		case OpHalt:
			m.exitVMX(vmxExitHLT, 0, length)
		}
		return
	}

	switch op.Kind {
	case OpCPUID:
		m.exitSVM(svmExitCPUID, 0, 0, next)
	case OpRDMSR:
		m.exitSVM(svmExitMSR, 0, 0, next)
	case OpWRMSR:
		m.exitSVM(svmExitMSR, 1, 0, next)
	case OpIn, OpOut:
		info1 := uint64(op.Port) << 16
		switch op.Size {
		case 4:
			info1 |= 1 << 6
		case 2:
			info1 |= 1 << 5
		default:
			info1 |= 1 << 4
		}
		if op.Kind == OpIn {
			info1 |= 1
		}
		m.exitSVM(svmExitIOIO, info1, next, next)
	case OpHypercall:
		m.exitSVM(svmExitVMMCALL, 0, 0, next)
	case OpHalt:
		m.exitSVM(svmExitHLT, 0, 0, next)
	}
}

func (m *machine) fault(gpa uint64, access pagetables.Perm, present bool) {
	if m.vmx() {
		qual := uint64(0)
		switch access {
		case pagetables.Write:
			qual |= 1 << 1
		case pagetables.Execute:
			qual |= 1 << 2
		default:
			qual |= 1 << 0
		}
		if present {
			qual |= 1 << 3
		}
		vmwrite(m.cs, vmcsGuestPhysAddr, gpa)
		m.exitVMX(vmxExitEPTViolation, qual, 0)
		return
	}
	info1 := uint64(1 << 2) // user access
	if present {
		info1 |= 1 << 0
	}
	switch access {
	case pagetables.Write:
		info1 |= 1 << 1
	case pagetables.Execute:
		info1 |= 1 << 4
	}
	m.exitSVM(svmExitNPF, info1, gpa, 0)
}

func (m *machine) interrupt(vec uint8) {
	m.c.lastVector = vec
	if m.vmx() {
		vmwrite(m.cs, vmcsExitIntrInfo, uint64(vec)|1<<31)
		m.exitVMX(vmxExitExternalIntr, 0, 0)
		return
	}
	m.exitSVM(svmExitINTR, 0, 0, 0)
}

// timerExpiry lets the scheduling timer fire: the preemption timer when the
// structure enables it, the armed host timer otherwise.
func (m *machine) timerExpiry(core int) {
	d := m.c.timer
	preempt := m.vmx() && vmread(m.cs, vmcsPinControls)&pinPreemptTimer != 0
	if preempt {
		d = time.Duration(vmread(m.cs, vmcsPreemptionTimer) << vmxTimerShift)
	}
	if m.p.clock != nil && d > 0 {
		m.p.clock.Step(d)
	}
	if preempt {
		m.exitVMX(vmxExitPreemptionTimer, 0, 0)
		return
	}
	m.interrupt(m.c.timerVector)
}

func (m *machine) shutdown() {
	if m.vmx() {
		m.exitVMX(vmxExitTripleFault, 0, 0)
		return
	}
	m.exitSVM(svmExitShutdown, 0, 0, 0)
}
