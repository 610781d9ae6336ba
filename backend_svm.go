package hypervisor

import (
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
)

// VMCB control area offsets.
const (
	vmcbInterceptCR     = 0x000
	vmcbIntercept3      = 0x00C
	vmcbIntercept4      = 0x010
	vmcbIOPMBase        = 0x040
	vmcbMSRPMBase       = 0x048
	vmcbASID            = 0x058
	vmcbTLBControl      = 0x05C
	vmcbVIntr           = 0x060
	vmcbExitCode        = 0x070
	vmcbExitInfo1       = 0x078
	vmcbExitInfo2       = 0x080
	vmcbNPEnable        = 0x090
	vmcbNCR3            = 0x0B0
	vmcbCleanBits       = 0x0C0
	vmcbNextRIP         = 0x0C8
	vmcbSaveEFER        = 0x4D0
	vmcbSaveCR4         = 0x548
	vmcbSaveCR3         = 0x550
	vmcbSaveCR0         = 0x558
	vmcbSaveRFLAGS      = 0x570
	vmcbSaveRIP         = 0x578
	vmcbSaveRSP         = 0x5D8
	vmcbSaveRAX         = 0x5F8
	vmcbSaveGPAT        = 0x668
	vmcbNCR3Mask        = 0x000F_FFFF_FFFF_F000
	vmcbCleanNP         = 1 << 4
	vmcbVIntrAVIC       = 1 << 31
	tlbControlNone      = 0
	tlbControlFlushASID = 3
)

// Intercept bits.
const (
	intercept3INTR     = 1 << 0
	intercept3NMI      = 1 << 1
	intercept3CPUID    = 1 << 18
	intercept3HLT      = 1 << 24
	intercept3IOIO     = 1 << 27
	intercept3MSR      = 1 << 28
	intercept3Shutdown = 1 << 31
	intercept4VMRUN    = 1 << 0
	intercept4VMMCALL  = 1 << 1
)

// SVM exit codes.
const (
	svmExitINTR     = 0x60
	svmExitNMI      = 0x61
	svmExitCPUID    = 0x72
	svmExitHLT      = 0x78
	svmExitIOIO     = 0x7B
	svmExitMSR      = 0x7C
	svmExitShutdown = 0x7F
	svmExitVMRUN    = 0x80
	svmExitVMMCALL  = 0x81
	svmExitNPF      = 0x400
	svmExitInvalid  = ^uint64(0)
)

const (
	eferSVME   = 1 << 12
	defaultPAT = 0x0007_0406_0007_0406

	// Permission maps with every bit set, shared by all guests so port and
	// MSR accesses always exit.
	ioPermMapPhys  = 0x0000_0000_00F0_0000
	msrPermMapPhys = 0x0000_0000_00F0_4000
)

// svmDefaultLength is the instruction length used without next-RIP save.
var svmDefaultLength = map[uint64]uint64{
	svmExitCPUID:   2,
	svmExitHLT:     1,
	svmExitVMMCALL: 3,
	svmExitMSR:     2,
	svmExitIOIO:    1,
}

type svmBackend struct {
	caps Capabilities
	proc Processor
	cfg  Config
}

func newSVMBackend(caps Capabilities, proc Processor, cfg Config) *svmBackend {
	return &svmBackend{caps: caps, proc: proc, cfg: cfg}
}

func (b *svmBackend) vendor() Vendor { return VendorSVM }

func (b *svmBackend) tableFormat() pagetables.Format { return pagetables.NPT }

func (b *svmBackend) enable(core int) error  { return b.proc.Enable(core, VendorSVM) }
func (b *svmBackend) disable(core int) error { return b.proc.Disable(core, VendorSVM) }

func (b *svmBackend) setup(v *VCPU) {
	cs := v.cs
	cs.write32(vmcbIntercept3, intercept3INTR|intercept3NMI|intercept3CPUID|intercept3HLT|
		intercept3IOIO|intercept3MSR|intercept3Shutdown)
	cs.write32(vmcbIntercept4, intercept4VMRUN|intercept4VMMCALL)
	cs.write64(vmcbIOPMBase, ioPermMapPhys)
	cs.write64(vmcbMSRPMBase, msrPermMapPhys)
	cs.write64(vmcbNPEnable, 1)
	if b.caps.AVIC {
		cs.write32(vmcbVIntr, cs.read32(vmcbVIntr)|vmcbVIntrAVIC)
	}

	cs.write64(vmcbSaveRIP, v.entry)
	cs.write64(vmcbSaveRSP, v.stack)
	cs.write64(vmcbSaveRFLAGS, guestRFLAGS)
	cs.write64(vmcbSaveCR0, guestCR0)
	cs.write64(vmcbSaveCR4, guestCR4&^0x2000) // no VMXE on SVM
	cs.write64(vmcbSaveEFER, guestEFER|eferSVME)
	cs.write64(vmcbSaveGPAT, defaultPAT)
}

func (b *svmBackend) applyTranslationRoot(v *VCPU, root uint64, tag uint32) {
	cs := v.cs
	ncr3 := root & vmcbNCR3Mask
	if cs.read64(vmcbNCR3) != ncr3 || cs.read32(vmcbASID) != tag {
		cs.write64(vmcbNCR3, ncr3)
		cs.write32(vmcbASID, tag)
		cs.write32(vmcbCleanBits, cs.read32(vmcbCleanBits)&^vmcbCleanNP)
		cs.write32(vmcbTLBControl, tlbControlFlushASID)
	}
	// Other VMs may have filled the shared ASID since our last run.
	if tag == sharedASID {
		cs.write32(vmcbTLBControl, tlbControlFlushASID)
	}
	cs.write64(vmcbNPEnable, cs.read64(vmcbNPEnable)|1)
}

// setTimer arms the host timer; SVM has no guest preemption timer.
func (b *svmBackend) setTimer(core int, v *VCPU, quantum time.Duration) {
	b.proc.ArmTimer(core, quantum, b.cfg.TimerVector)
}

func (b *svmBackend) enter(core int, v *VCPU) (ExitRecord, error) {
	cs := v.cs
	defer func() {
		cs.write32(vmcbTLBControl, tlbControlNone)
		cs.write32(vmcbCleanBits, ^uint32(0))
	}()

	if err := guardedEnter(b.proc, core, v, false); err != nil {
		return ExitRecord{}, entryFailure(v, err, cs.read64(vmcbExitCode))
	}
	code := cs.read64(vmcbExitCode)
	if code == svmExitInvalid {
		return ExitRecord{Code: code}, &EntryFailure{
			VCPU:   v.handle,
			Reason: code,
			Detail: "VMEXIT_INVALID: guest state rejected by VMRUN",
		}
	}
	cs.launched.Store(true)
	return b.decode(core, v, code), nil
}

func (b *svmBackend) decode(core int, v *VCPU, code uint64) ExitRecord {
	cs := v.cs
	info1 := cs.read64(vmcbExitInfo1)
	info2 := cs.read64(vmcbExitInfo2)
	exit := ExitRecord{Code: code, Qualification: info1}

	switch code {
	case svmExitINTR:
		// The interrupt is taken by the host after #VMEXIT.
		exit.Vector = b.proc.AckInterrupt(core)
		exit.Reason = ExitExternalInterrupt
		if exit.Vector == b.cfg.TimerVector {
			exit.Reason = ExitTimerExpiry
		}
	case svmExitNMI:
		exit.Reason = ExitExternalInterrupt
		exit.Vector = 2
	case svmExitCPUID:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapCPUID
	case svmExitMSR:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapRDMSR
		if info1&1 != 0 {
			exit.Trap, exit.Write = TrapWRMSR, true
		}
		exit.MSR = uint32(v.gprs[RegRCX])
	case svmExitIOIO:
		exit.Reason, exit.Trap = ExitInstructionTrap, TrapIO
		exit.Write = info1&1 == 0
		switch {
		case info1&(1<<6) != 0:
			exit.Size = 4
		case info1&(1<<5) != 0:
			exit.Size = 2
		default:
			exit.Size = 1
		}
		exit.Port = uint16(info1 >> 16)
	case svmExitHLT:
		exit.Reason = ExitHalt
	case svmExitVMMCALL:
		exit.Reason = ExitHyperCall
		exit.Hypercall = cs.read64(vmcbSaveRAX)
	case svmExitNPF:
		exit.Reason = ExitFault
		exit.GuestPhysical = info2
		exit.Access = decodeAccess(info1&(1<<1) != 0, info1&(1<<4) != 0)
	default:
		exit.Reason = ExitUnknownOrFatal
	}

	switch exit.Reason {
	case ExitInstructionTrap, ExitHalt, ExitHyperCall:
		exit.InstructionLength = b.instructionLength(cs, code, info2)
	}
	return exit
}

func (b *svmBackend) instructionLength(cs *ControlStructure, code, info2 uint64) uint64 {
	rip := cs.read64(vmcbSaveRIP)
	if b.caps.NRIPSave {
		if next := cs.read64(vmcbNextRIP); next > rip {
			return next - rip
		}
	}
	// IOIO exits always carry the next RIP in EXITINFO2.
	if code == svmExitIOIO && info2 > rip {
		return info2 - rip
	}
	return svmDefaultLength[code]
}

var svmRegOffsets = map[Reg]int{
	RegRAX:    vmcbSaveRAX,
	RegRSP:    vmcbSaveRSP,
	RegRIP:    vmcbSaveRIP,
	RegRFLAGS: vmcbSaveRFLAGS,
	RegCR0:    vmcbSaveCR0,
	RegCR3:    vmcbSaveCR3,
	RegCR4:    vmcbSaveCR4,
	RegEFER:   vmcbSaveEFER,
}

func (b *svmBackend) readRegister(v *VCPU, r Reg) uint64 {
	if off, ok := svmRegOffsets[r]; ok {
		return v.cs.read64(off)
	}
	return v.gprs[r]
}

func (b *svmBackend) writeRegister(v *VCPU, r Reg, val uint64) {
	if off, ok := svmRegOffsets[r]; ok {
		v.cs.write64(off, val)
		return
	}
	v.gprs[r] = val
}

func (b *svmBackend) advanceIP(v *VCPU, n uint64) {
	if n == 0 {
		return
	}
	v.cs.write64(vmcbSaveRIP, v.cs.read64(vmcbSaveRIP)+n)
}

// invalidate flushes the ASID on every core.
func (b *svmBackend) invalidate(root uint64, tag uint32, start, length uint64) error {
	return b.proc.Invalidate(Invalidation{Vendor: VendorSVM, Root: root & vmcbNCR3Mask, Tag: tag, Start: start, Length: length})
}
