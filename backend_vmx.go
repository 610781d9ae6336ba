package hypervisor

import (
	"fmt"
	"math"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
)

// VMCS field encodings.
const (
	vmcsVPID            = 0x0000
	vmcsPostedIntrNV    = 0x0002
	vmcsPostedIntrDesc  = 0x2016
	vmcsEPTPointer      = 0x201A
	vmcsGuestPhysAddr   = 0x2400
	vmcsGuestEFER       = 0x2806
	vmcsPinControls     = 0x4000
	vmcsProcControls    = 0x4002
	vmcsExitControls    = 0x400C
	vmcsEntryControls   = 0x4012
	vmcsSecondary       = 0x401E
	vmcsInstrError      = 0x4400
	vmcsExitReason      = 0x4402
	vmcsExitIntrInfo    = 0x4404
	vmcsExitInstrLen    = 0x440C
	vmcsPreemptionTimer = 0x482E
	vmcsExitQual        = 0x6400
	vmcsGuestCR0        = 0x6800
	vmcsGuestCR3        = 0x6802
	vmcsGuestCR4        = 0x6804
	vmcsGuestRSP        = 0x681C
	vmcsGuestRIP        = 0x681E
	vmcsGuestRFLAGS     = 0x6820
	vmcsHostCR3         = 0x6C02
	vmcsHostRSP         = 0x6C14
	vmcsHostRIP         = 0x6C16
)

// The VMCS data area is implementation specific. Fields sit in 8 byte
// slots after the revision and abort words, in this order.
var vmcsFields = [...]uint32{
	vmcsVPID, vmcsPostedIntrNV, vmcsPostedIntrDesc, vmcsEPTPointer,
	vmcsGuestPhysAddr, vmcsGuestEFER, vmcsPinControls, vmcsProcControls,
	vmcsExitControls, vmcsEntryControls, vmcsSecondary, vmcsInstrError,
	vmcsExitReason, vmcsExitIntrInfo, vmcsExitInstrLen, vmcsPreemptionTimer,
	vmcsExitQual, vmcsGuestCR0, vmcsGuestCR3, vmcsGuestCR4,
	vmcsGuestRSP, vmcsGuestRIP, vmcsGuestRFLAGS, vmcsHostCR3,
	vmcsHostRSP, vmcsHostRIP,
}

var vmcsOffsets = func() map[uint32]int {
	m := make(map[uint32]int, len(vmcsFields))
	for i, f := range vmcsFields {
		m[f] = 8 + i*8
	}
	return m
}()

func vmread(cs *ControlStructure, field uint32) uint64 {
	off, ok := vmcsOffsets[field]
	if !ok {
		panic(fmt.Sprintf("vmread: unsupported field %#x", field))
	}
	return cs.read64(off)
}

func vmwrite(cs *ControlStructure, field uint32, v uint64) {
	off, ok := vmcsOffsets[field]
	if !ok {
		panic(fmt.Sprintf("vmwrite: unsupported field %#x", field))
	}
	cs.write64(off, v)
}

// VMX basic exit reasons.
const (
	vmxExitException        = 0
	vmxExitExternalIntr     = 1
	vmxExitTripleFault      = 2
	vmxExitCPUID            = 10
	vmxExitHLT              = 12
	vmxExitVMCALL           = 18
	vmxExitCRAccess         = 28
	vmxExitIO               = 30
	vmxExitRDMSR            = 31
	vmxExitWRMSR            = 32
	vmxExitInvalidState     = 33
	vmxExitEPTViolation     = 48
	vmxExitEPTMisconfig     = 49
	vmxExitPreemptionTimer  = 52
	vmxExitEntryFailureFlag = 1 << 31
)

// Execution control bits.
const (
	pinExternalIntr   = 1 << 0
	pinNMI            = 1 << 3
	pinPreemptTimer   = 1 << 6
	pinPostedIntr     = 1 << 7
	procHLTExiting    = 1 << 7
	procUncondIO      = 1 << 24
	procSecondary     = 1 << 31
	secEnableEPT      = 1 << 1
	secEnableVPID     = 1 << 5
	secUnrestricted   = 1 << 7
	exitHostAddrSpace = 1 << 9
	exitAckIntr       = 1 << 15
	exitSaveEFER      = 1 << 20
	exitLoadEFER      = 1 << 21
	exitSaveTimer     = 1 << 22
	entryIA32eGuest   = 1 << 9
	entryLoadEFER     = 1 << 15
)

// Initial long-mode guest state.
const (
	guestRFLAGS = 0x2
	guestCR0    = 0x8000_0031 // PG | NE | ET | PE
	guestCR4    = 0x2020      // VMXE | PAE
	guestEFER   = 0x500       // LMA | LME

	// Extended page table pointer bits.
	eptpMemTypeWB = 6
	eptpWalk4     = 3 << 3
	eptpAD        = 1 << 6

	// vmxTimerShift is the rate of the preemption timer relative to the
	// nanosecond time base.
	vmxTimerShift = 5

	postedIntrVector uint8 = 0xF3
	postedDescOffset       = 0xF00
)

type vmxBackend struct {
	caps Capabilities
	proc Processor
	cfg  Config
}

func newVMXBackend(caps Capabilities, proc Processor, cfg Config) *vmxBackend {
	return &vmxBackend{caps: caps, proc: proc, cfg: cfg}
}

func (b *vmxBackend) vendor() Vendor { return VendorVMX }

func (b *vmxBackend) tableFormat() pagetables.Format { return pagetables.EPT }

func (b *vmxBackend) enable(core int) error  { return b.proc.Enable(core, VendorVMX) }
func (b *vmxBackend) disable(core int) error { return b.proc.Disable(core, VendorVMX) }

// adjustControls computes the execution controls the hardware accepts.
func (b *vmxBackend) adjustControls() (pin, proc, sec, exit, entry uint32) {
	pin = pinExternalIntr | pinNMI
	if b.caps.PreemptionTimer {
		pin |= pinPreemptTimer
	}
	if b.caps.PostedInterrupts {
		pin |= pinPostedIntr
	}
	sec = secEnableEPT | secUnrestricted
	if b.caps.VPID {
		sec |= secEnableVPID
	}
	exit = exitHostAddrSpace | exitAckIntr | exitSaveEFER | exitLoadEFER
	if b.caps.PreemptionTimer {
		exit |= exitSaveTimer
	}
	return b.caps.PinControls.adjust(pin),
		b.caps.ProcControls.adjust(procHLTExiting | procUncondIO | procSecondary),
		b.caps.SecondaryControls.adjust(sec),
		b.caps.ExitControls.adjust(exit),
		b.caps.EntryControls.adjust(entryIA32eGuest | entryLoadEFER)
}

func (b *vmxBackend) setup(v *VCPU) {
	cs := v.cs
	pin, proc, sec, exit, entry := b.adjustControls()
	vmwrite(cs, vmcsPinControls, uint64(pin))
	vmwrite(cs, vmcsProcControls, uint64(proc))
	vmwrite(cs, vmcsSecondary, uint64(sec))
	vmwrite(cs, vmcsExitControls, uint64(exit))
	vmwrite(cs, vmcsEntryControls, uint64(entry))
	if pin&pinPostedIntr != 0 {
		vmwrite(cs, vmcsPostedIntrNV, uint64(postedIntrVector))
		vmwrite(cs, vmcsPostedIntrDesc, cs.Physical()+postedDescOffset)
	}

	b.writeHost(cs, hostStateFor(v.core))

	vmwrite(cs, vmcsGuestRIP, v.entry)
	vmwrite(cs, vmcsGuestRSP, v.stack)
	vmwrite(cs, vmcsGuestRFLAGS, guestRFLAGS)
	vmwrite(cs, vmcsGuestCR0, guestCR0)
	vmwrite(cs, vmcsGuestCR4, guestCR4)
	vmwrite(cs, vmcsGuestEFER, guestEFER)
}

func (b *vmxBackend) writeHost(cs *ControlStructure, hs hostState) {
	vmwrite(cs, vmcsHostCR3, hs.cr3)
	vmwrite(cs, vmcsHostRSP, hs.rsp)
	vmwrite(cs, vmcsHostRIP, hs.rip)
}

func (b *vmxBackend) applyTranslationRoot(v *VCPU, root uint64, tag uint32) {
	eptp := root | eptpMemTypeWB | eptpWalk4
	if b.caps.AccessedDirty {
		eptp |= eptpAD
	}
	vmwrite(v.cs, vmcsEPTPointer, eptp)
	if b.caps.VPID {
		vmwrite(v.cs, vmcsVPID, uint64(tag))
	}
}

func (b *vmxBackend) setTimer(core int, v *VCPU, quantum time.Duration) {
	if !b.caps.PreemptionTimer {
		b.proc.ArmTimer(core, quantum, b.cfg.TimerVector)
		return
	}
	ticks := uint64(quantum.Nanoseconds()) >> vmxTimerShift
	if ticks > math.MaxUint32 {
		ticks = math.MaxUint32
	}
	vmwrite(v.cs, vmcsPreemptionTimer, ticks)
}

func (b *vmxBackend) enter(core int, v *VCPU) (exit ExitRecord, err error) {
	cs := v.cs
	hs := hostStateFor(core)
	b.writeHost(cs, hs)
	defer func() {
		// Host state must survive the round trip; anything else means the
		// exit path is running on clobbered state.
		if got := (hostState{vmread(cs, vmcsHostCR3), vmread(cs, vmcsHostRSP), vmread(cs, vmcsHostRIP)}); got != hs {
			b.writeHost(cs, hs)
			err = fmt.Errorf("%w: core %d host state %+v after exit", ErrHostStateCorrupted, core, got)
		}
	}()

	launch := !cs.Launched()
	if err := guardedEnter(b.proc, core, v, launch); err != nil {
		return ExitRecord{}, entryFailure(v, err, vmread(cs, vmcsInstrError))
	}

	reason := vmread(cs, vmcsExitReason)
	if reason&vmxExitEntryFailureFlag != 0 {
		return ExitRecord{Code: reason}, &EntryFailure{
			VCPU:   v.handle,
			Reason: reason,
			Detail: fmt.Sprintf("basic exit reason %d, qualification %#x", reason&0xFFFF, vmread(cs, vmcsExitQual)),
		}
	}
	if launch {
		cs.launched.Store(true)
	}
	return b.decode(v, reason&0xFFFF), nil
}

func (b *vmxBackend) decode(v *VCPU, basic uint64) ExitRecord {
	cs := v.cs
	qual := vmread(cs, vmcsExitQual)
	exit := ExitRecord{Code: basic, Qualification: qual}
	instrLen := vmread(cs, vmcsExitInstrLen)

	switch basic {
	case vmxExitException:
		info := vmread(cs, vmcsExitIntrInfo)
		if (info>>8)&7 == 2 { // NMI
			exit.Reason = ExitExternalInterrupt
			exit.Vector = uint8(info)
		} else {
			exit.Reason = ExitUnknownOrFatal
		}
	case vmxExitExternalIntr:
		exit.Reason = ExitExternalInterrupt
		exit.Vector = uint8(vmread(cs, vmcsExitIntrInfo))
		if exit.Vector == b.cfg.TimerVector && !b.caps.PreemptionTimer {
			exit.Reason = ExitTimerExpiry
		}
	case vmxExitPreemptionTimer:
		exit.Reason = ExitTimerExpiry
	case vmxExitCPUID:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapCPUID
		exit.InstructionLength = instrLen
	case vmxExitRDMSR, vmxExitWRMSR:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapRDMSR
		if basic == vmxExitWRMSR {
			exit.Trap, exit.Write = TrapWRMSR, true
		}
		exit.MSR = uint32(v.gprs[RegRCX])
		exit.InstructionLength = instrLen
	case vmxExitIO:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapIO
		exit.Size = uint8(qual&7) + 1
		exit.Write = qual&(1<<3) == 0
		exit.Port = uint16(qual >> 16)
		exit.InstructionLength = instrLen
	case vmxExitHLT:
		exit.Reason = ExitHalt
		exit.InstructionLength = instrLen
	case vmxExitVMCALL:
		exit.Reason = ExitHyperCall
		exit.Hypercall = v.gprs[RegRAX]
		exit.InstructionLength = instrLen
	case vmxExitEPTViolation:
		exit.Reason = ExitFault
		exit.GuestPhysical = vmread(cs, vmcsGuestPhysAddr)
		exit.Access = decodeAccess(qual&(1<<1) != 0, qual&(1<<2) != 0)
	default:
		// Triple fault, EPT misconfiguration and anything not intercepted
		// on purpose.
		exit.Reason = ExitUnknownOrFatal
	}
	return exit
}

var vmxRegFields = map[Reg]uint32{
	RegRSP:    vmcsGuestRSP,
	RegRIP:    vmcsGuestRIP,
	RegRFLAGS: vmcsGuestRFLAGS,
	RegCR0:    vmcsGuestCR0,
	RegCR3:    vmcsGuestCR3,
	RegCR4:    vmcsGuestCR4,
	RegEFER:   vmcsGuestEFER,
}

func (b *vmxBackend) readRegister(v *VCPU, r Reg) uint64 {
	if r.isGPR() {
		return v.gprs[r]
	}
	return vmread(v.cs, vmxRegFields[r])
}

func (b *vmxBackend) writeRegister(v *VCPU, r Reg, val uint64) {
	if r.isGPR() {
		v.gprs[r] = val
		return
	}
	vmwrite(v.cs, vmxRegFields[r], val)
}

func (b *vmxBackend) advanceIP(v *VCPU, n uint64) {
	if n == 0 {
		return
	}
	vmwrite(v.cs, vmcsGuestRIP, vmread(v.cs, vmcsGuestRIP)+n)
}

// invalidate issues a single-context INVEPT (and INVVPID when tagged).
func (b *vmxBackend) invalidate(root uint64, tag uint32, start, length uint64) error {
	return b.proc.Invalidate(Invalidation{Vendor: VendorVMX, Root: root, Tag: tag, Start: start, Length: length})
}
