package hypervisor

import (
	"fmt"
	"time"
)

// Processor is the per-core instruction surface of the virtualization
// extension: enable/disable, structure load/clear, guest entry, translation
// cache invalidation and cross-core interrupts. Every method that takes a
// core must be called from the goroutine driving that core, except Kick and
// Clear.
type Processor interface {
	// Enable turns the extension on for core (VMXON or EFER.SVME).
	Enable(core int, vendor Vendor) error
	// Disable turns it off again.
	Disable(core int, vendor Vendor) error
	// Load makes cs the current structure of core (VMPTRLD; a no-op on SVM).
	Load(core int, cs *ControlStructure) error
	// Clear flushes cs out of core (VMCLEAR). Implementations route the
	// request to core when called from elsewhere.
	Clear(core int, cs *ControlStructure) error
	// Enter runs the guest until the next exit. The exit is reported in cs
	// using the vendor layout. launch selects VMLAUNCH over VMRESUME. A
	// refused entry returns *EntryError.
	Enter(core int, cs *ControlStructure, gprs *GPRs, launch bool) error
	// Invalidate drops cached translations for one context on every core.
	Invalidate(inv Invalidation) error
	// ArmTimer programs the host timer of core to fire vector after d.
	ArmTimer(core int, d time.Duration, vector uint8)
	// AckInterrupt returns the vector of the host interrupt that caused the
	// last exit on core.
	AckInterrupt(core int) uint8
	// Kick forces core out of guest mode as soon as possible. Safe from
	// any goroutine.
	Kick(core int)
}

// Invalidation describes one translation cache flush.
type Invalidation struct {
	Vendor Vendor
	// Root is the physical address of the top-level table.
	Root uint64
	// Tag is the VPID or ASID of the context.
	Tag uint32
	// Start and Length bound the flushed guest range. Zero Length flushes
	// the whole context.
	Start, Length uint64
}

// EntryError reports a refused VM entry (VMX VMfail or SVM VMRUN failure).
type EntryError struct {
	Code uint64
	Msg  string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry refused (%#x): %s", e.Code, e.Msg)
}
