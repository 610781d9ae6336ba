package hypervisor

import (
	"context"
	"fmt"
)

// ExitReason categorizes vCPU exits.
type ExitReason int

const (
	ExitFault ExitReason = iota
	ExitInstructionTrap
	ExitTimerExpiry
	ExitExternalInterrupt
	ExitHyperCall
	ExitHalt
	ExitUnknownOrFatal

	numExitReasons
)

var exitReasonNames = [numExitReasons]string{
	"fault", "instruction_trap", "timer_expiry", "external_interrupt", "hypercall", "halt", "unknown_or_fatal",
}

func (r ExitReason) String() string {
	if r >= 0 && r < numExitReasons {
		return exitReasonNames[r]
	}
	return fmt.Sprintf("exit(%d)", int(r))
}

// TrapKind refines ExitInstructionTrap.
type TrapKind int

const (
	TrapNone TrapKind = iota
	TrapCPUID
	TrapRDMSR
	TrapWRMSR
	TrapIO
)

func (k TrapKind) String() string {
	switch k {
	case TrapCPUID:
		return "cpuid"
	case TrapRDMSR:
		return "rdmsr"
	case TrapWRMSR:
		return "wrmsr"
	case TrapIO:
		return "io"
	default:
		return "none"
	}
}

// ExitRecord is the vendor-neutral description of one VM exit.
type ExitRecord struct {
	Reason ExitReason
	Trap   TrapKind
	// Code is the raw vendor exit code (VMX basic exit reason or SVM EXITCODE).
	Code uint64
	// Qualification is the raw exit qualification or EXITINFO1.
	Qualification uint64

	// GuestPhysical and Access describe a fault.
	GuestPhysical uint64
	Access        MemPerm

	// InstructionLength is zero for asynchronous exits.
	InstructionLength uint64

	Port  uint16
	Size  uint8
	Write bool
	MSR   uint32

	Vector uint8
	// Hypercall is the call number taken from RAX.
	Hypercall uint64
}

// ActionKind is what a device handler wants done with the vCPU.
type ActionKind int

const (
	ActionResume ActionKind = iota
	ActionResumeWithRegisterPatch
	ActionBlock
)

// Action is the reply of a DeviceHandler.
type Action struct {
	Kind  ActionKind
	Patch RegBatch
}

// DeviceHandler services port I/O and hypercall exits. It runs on the core
// goroutine of the exiting vCPU and must not block.
type DeviceHandler interface {
	HandleExit(ctx context.Context, vcpu VCPUHandle, exit *ExitRecord, regs RegisterView) Action
}

// DeviceHandlerFunc adapts a function to DeviceHandler.
type DeviceHandlerFunc func(ctx context.Context, vcpu VCPUHandle, exit *ExitRecord, regs RegisterView) Action

func (f DeviceHandlerFunc) HandleExit(ctx context.Context, vcpu VCPUHandle, exit *ExitRecord, regs RegisterView) Action {
	return f(ctx, vcpu, exit, regs)
}

type outcomeKind int

const (
	outcomeResume outcomeKind = iota
	outcomeYield
	outcomeBlock
	outcomeExit
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeResume:
		return "resume"
	case outcomeYield:
		return "yield"
	case outcomeBlock:
		return "block"
	default:
		return "exit"
	}
}

// outcome is the dispatcher verdict for one exit. A non-nil patch on a
// resume is ResumeWithRegisterPatch.
type outcome struct {
	kind  outcomeKind
	patch RegBatch
	err   error
}

// advance returns the instruction pointer advance owed for this outcome.
func (o outcome) advance(exit *ExitRecord) uint64 {
	switch o.kind {
	case outcomeResume, outcomeYield:
		return exit.InstructionLength
	}
	return 0
}
