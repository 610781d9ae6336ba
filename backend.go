package hypervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/sirupsen/logrus"
)

// backend is the vendor variant driving the virtualization extension. The
// set of variants is closed: vmxBackend and svmBackend.
type backend interface {
	vendor() Vendor
	tableFormat() pagetables.Format

	enable(core int) error
	disable(core int) error

	// setup programs a fresh control structure for v.
	setup(v *VCPU)
	// applyTranslationRoot points v at the second-level tables rooted at
	// root, tagged for the translation cache with tag.
	applyTranslationRoot(v *VCPU, root uint64, tag uint32)
	setTimer(core int, v *VCPU, quantum time.Duration)
	// enter runs v on core and decodes the exit.
	enter(core int, v *VCPU) (ExitRecord, error)

	readRegister(v *VCPU, r Reg) uint64
	writeRegister(v *VCPU, r Reg, val uint64)
	advanceIP(v *VCPU, n uint64)

	invalidate(root uint64, tag uint32, start, length uint64) error
}

// Synthetic host context written into control structures. The exit stub
// and stacks live in the host half of the address space.
const (
	hostExitStub   = 0xFFFF_FFFF_8100_0000
	hostStackBase  = 0xFFFF_C900_0000_0000
	hostStackSize  = 0x4000
	hostPageTables = 0x0000_0000_0100_0000

	// kickVector is the IPI used to force a core out of guest mode.
	kickVector uint8 = 0xF2
)

type hostState struct {
	cr3, rsp, rip uint64
}

func hostStateFor(core int) hostState {
	return hostState{
		cr3: hostPageTables,
		rsp: hostStackBase + uint64(core+1)*hostStackSize,
		rip: hostExitStub,
	}
}

// initializeBackend selects the variant for caps and enables the extension
// on every core. A core that cannot be enabled makes the host unsupported.
func initializeBackend(caps Capabilities, proc Processor, cfg Config, log *logrus.Entry) (backend, error) {
	vendor, err := caps.Backend()
	if err != nil {
		return nil, err
	}

	var b backend
	switch vendor {
	case VendorVMX:
		b = newVMXBackend(caps, proc, cfg)
	case VendorSVM:
		b = newSVMBackend(caps, proc, cfg)
	}

	for core := 0; core < cfg.Cores; core++ {
		if err := b.enable(core); err != nil {
			for c := 0; c < core; c++ {
				if derr := b.disable(c); derr != nil {
					log.WithError(derr).WithField("core", c).Error("failed to disable virtualization")
				}
			}
			return nil, fmt.Errorf("%w: enabling %s on core %d: %v", ErrUnsupportedHardware, vendor, core, err)
		}
	}
	log.WithFields(logrus.Fields{
		"vendor": vendor,
		"cores":  cfg.Cores,
		"tables": b.tableFormat(),
	}).Info("virtualization backend initialized")
	return b, nil
}

// guardedEnter calls into the processor and turns a panic raised on the
// way in or out of the guest into an entry failure of that vCPU.
func guardedEnter(proc Processor, core int, v *VCPU, launch bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EntryFailure{VCPU: v.handle, Detail: fmt.Sprintf("processor panic: %v", r)}
		}
	}()
	return proc.Enter(core, v.cs, &v.gprs, launch)
}

// entryFailure converts a refused entry into the engine error.
func entryFailure(v *VCPU, err error, reason uint64) error {
	var fail *EntryFailure
	if errors.As(err, &fail) {
		return fail
	}
	var ee *EntryError
	if errors.As(err, &ee) {
		if reason == 0 {
			reason = ee.Code
		}
		return &EntryFailure{VCPU: v.handle, Reason: reason, Detail: ee.Msg}
	}
	return &EntryFailure{VCPU: v.handle, Reason: reason, Detail: err.Error()}
}

// decodeAccess maps the read/write/fetch bits of a fault to a permission.
func decodeAccess(write, fetch bool) MemPerm {
	switch {
	case write:
		return MemWrite
	case fetch:
		return MemExec
	default:
		return MemRead
	}
}
