package hypervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CPUID leaves answered by the engine.
const (
	cpuidHypervisorBit = 1 << 31
	cpuidVMXBit        = 1 << 5
	cpuidSVMBit        = 1 << 2
	cpuidLeafBase      = 0x4000_0000
	cpuidLeafFeatures  = 0x4000_0001
	cpuidExtMax        = 0x8000_0008

	hypervisorSignature = "GoHVEngine\x00\x00"

	msrTSC          = 0x10
	msrAPICBase     = 0x1B
	msrMiscEnable   = 0x1A0
	msrEFER         = 0xC000_0080
	apicBaseDefault = 0xFEE0_0900
)

// unknownHypercall is returned in RAX for hypercalls nobody serves.
const unknownHypercall = ^uint64(0)

// dispatch classifies one exit into an outcome and records statistics.
func (e *Engine) dispatch(ctx context.Context, core int, v *VCPU, exit *ExitRecord) outcome {
	start := e.clock.Now()
	out := e.handleExit(ctx, core, v, exit)
	v.vm.stats.record(exit, e.clock.Since(start))
	v.exits.Add(1)
	e.metrics.recordExit(exit.Reason)

	if e.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		e.log.WithFields(logrus.Fields{
			"vm":      v.vm.id,
			"vcpu":    v.handle,
			"core":    core,
			"reason":  exit.Reason,
			"code":    fmt.Sprintf("%#x", exit.Code),
			"outcome": out.kind,
		}).Debug("exit dispatched")
	}
	return out
}

func (e *Engine) handleExit(ctx context.Context, core int, v *VCPU, exit *ExitRecord) outcome {
	switch exit.Reason {
	case ExitFault:
		return e.handleFault(v, exit)
	case ExitInstructionTrap:
		switch exit.Trap {
		case TrapCPUID:
			return outcome{kind: outcomeResume, patch: e.emulateCPUID(v)}
		case TrapRDMSR:
			return outcome{kind: outcomeResume, patch: e.emulateRDMSR(v, exit.MSR)}
		case TrapWRMSR:
			e.emulateWRMSR(v, exit.MSR)
			return outcome{kind: outcomeResume}
		case TrapIO:
			return e.callDevice(ctx, v, exit)
		}
		return outcome{kind: outcomeExit, err: fmt.Errorf("%w: unhandled trap %v", ErrGuestFatal, exit.Trap)}
	case ExitTimerExpiry:
		return outcome{kind: outcomeYield}
	case ExitExternalInterrupt:
		if v.stopRequested.Load() || e.sched.needResched(core) {
			return outcome{kind: outcomeYield}
		}
		return outcome{kind: outcomeResume}
	case ExitHyperCall:
		return e.callDevice(ctx, v, exit)
	case ExitHalt:
		if v.pendingWake.CompareAndSwap(true, false) {
			return outcome{kind: outcomeResume}
		}
		return outcome{kind: outcomeBlock}
	}
	return outcome{kind: outcomeExit, err: fmt.Errorf("%w: exit code %#x qualification %#x", ErrGuestFatal, exit.Code, exit.Qualification)}
}

// handleFault materializes demand-paged memory or rejects the access.
func (e *Engine) handleFault(v *VCPU, exit *ExitRecord) outcome {
	large := e.cfg.LargePages && e.caps.LargePages2M
	size, err := v.space.resolveFault(exit.GuestPhysical, exit.Access, large)
	if err == nil {
		e.metrics.recordDemandFault()
		e.log.WithField("vcpu", v.handle).Debugf("demand mapped %#x bytes for gpa %#x", size, exit.GuestPhysical)
		return outcome{kind: outcomeResume}
	}

	var iv *IsolationViolation
	if errors.As(err, &iv) {
		iv.VCPU = v.handle
		e.metrics.recordSecurityError()
		e.log.WithFields(logrus.Fields{
			"vm":     v.vm.id,
			"vcpu":   v.handle,
			"gpa":    fmt.Sprintf("%#x", exit.GuestPhysical),
			"access": exit.Access,
		}).Warn("isolation violation")
		e.emit(Event{Kind: EventIsolationViolation, VM: v.vm.id, VCPU: v.handle, Core: v.core, GPA: exit.GuestPhysical, Err: iv})
		return outcome{kind: outcomeExit, err: iv}
	}
	if errors.Is(err, ErrResourceExhausted) {
		e.metrics.recordResourceError()
	}
	return outcome{kind: outcomeExit, err: err}
}

func (e *Engine) emulateCPUID(v *VCPU) RegBatch {
	leaf := uint32(e.backend.readRegister(v, RegRAX))
	var eax, ebx, ecx, edx uint32

	switch leaf {
	case 0:
		eax = 0xD
		vendor := "GenuineIntel"
		if e.backend.vendor() == VendorSVM {
			vendor = "AuthenticAMD"
		}
		ebx = binary.LittleEndian.Uint32([]byte(vendor[0:4]))
		edx = binary.LittleEndian.Uint32([]byte(vendor[4:8]))
		ecx = binary.LittleEndian.Uint32([]byte(vendor[8:12]))
	case 1:
		eax = 0x000906EA
		ecx = (0x7FFA_3203 &^ cpuidVMXBit) | cpuidHypervisorBit
		edx = 0x078B_FBFF
	case cpuidLeafBase:
		eax = cpuidLeafFeatures
		sig := []byte(hypervisorSignature)
		ebx = binary.LittleEndian.Uint32(sig[0:4])
		ecx = binary.LittleEndian.Uint32(sig[4:8])
		edx = binary.LittleEndian.Uint32(sig[8:12])
	case cpuidLeafFeatures:
		if e.caps.PostedInterrupts || e.caps.AVIC {
			eax = 1
		}
	case 0x8000_0000:
		eax = cpuidExtMax
	case 0x8000_0001:
		ecx = 0x121 &^ cpuidSVMBit
		edx = 1<<29 | 1<<20 | 1<<11 // LM, NX, SYSCALL
	case cpuidExtMax:
		eax = 0x3030 // 48-bit physical and linear addresses
	}

	return RegBatch{
		RegRAX: uint64(eax),
		RegRBX: uint64(ebx),
		RegRCX: uint64(ecx),
		RegRDX: uint64(edx),
	}
}

func (e *Engine) emulateRDMSR(v *VCPU, msr uint32) RegBatch {
	var val uint64
	switch msr {
	case msrTSC:
		val = uint64(e.clock.Now().UnixNano())
	case msrAPICBase:
		val = apicBaseDefault
	case msrMiscEnable:
		val = 1
	case msrEFER:
		val = e.backend.readRegister(v, RegEFER)
		if e.backend.vendor() == VendorSVM {
			val &^= eferSVME
		}
	}
	return RegBatch{RegRAX: val & 0xFFFF_FFFF, RegRDX: val >> 32}
}

func (e *Engine) emulateWRMSR(v *VCPU, msr uint32) {
	if msr != msrEFER {
		return
	}
	val := e.backend.readRegister(v, RegRAX)&0xFFFF_FFFF | e.backend.readRegister(v, RegRDX)<<32
	if e.backend.vendor() == VendorSVM {
		val |= eferSVME
	}
	e.backend.writeRegister(v, RegEFER, val)
}

// callDevice hands port I/O and hypercalls to the registered handler.
func (e *Engine) callDevice(ctx context.Context, v *VCPU, exit *ExitRecord) (out outcome) {
	h := e.deviceHandler()
	if h == nil {
		return e.defaultDevice(v, exit)
	}

	defer func() {
		if r := recover(); r != nil {
			out = outcome{kind: outcomeExit, err: fmt.Errorf("%w: device handler panic: %v", ErrGuestFatal, r)}
		}
	}()
	act := h.HandleExit(ctx, v.handle, exit, regView{b: e.backend, v: v})
	switch act.Kind {
	case ActionBlock:
		return outcome{kind: outcomeBlock}
	case ActionResumeWithRegisterPatch:
		return outcome{kind: outcomeResume, patch: act.Patch}
	default:
		return outcome{kind: outcomeResume}
	}
}

func (e *Engine) defaultDevice(v *VCPU, exit *ExitRecord) outcome {
	switch {
	case exit.Reason == ExitHyperCall:
		return outcome{kind: outcomeResume, patch: RegBatch{RegRAX: unknownHypercall}}
	case exit.Trap == TrapIO && !exit.Write:
		mask := uint64(1)<<(8*uint(exit.Size)) - 1
		rax := e.backend.readRegister(v, RegRAX)
		return outcome{kind: outcomeResume, patch: RegBatch{RegRAX: rax | mask}}
	}
	return outcome{kind: outcomeResume}
}

// complete applies an outcome to the vCPU: the register patch, then the
// single instruction pointer advance the outcome owes.
func (e *Engine) complete(v *VCPU, exit *ExitRecord, out outcome) {
	for r, val := range out.patch {
		if r == RegRIP || !r.valid() {
			e.log.WithField("vcpu", v.handle).Warnf("ignoring patch of %v", r)
			continue
		}
		e.backend.writeRegister(v, r, val)
	}
	e.backend.advanceIP(v, out.advance(exit))
	if out.kind == outcomeBlock && exit.Reason == ExitHalt {
		v.haltLen = exit.InstructionLength
	}
}

// retireHalt completes the HLT a woken vCPU blocked on.
func (e *Engine) retireHalt(v *VCPU) {
	if v.haltLen == 0 {
		return
	}
	e.backend.advanceIP(v, v.haltLen)
	v.haltLen = 0
}
