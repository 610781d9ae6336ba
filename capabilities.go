package hypervisor

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Vendor identifies a hardware virtualization extension.
type Vendor uint8

const (
	VendorNone Vendor = iota
	VendorVMX
	VendorSVM
)

func (v Vendor) String() string {
	switch v {
	case VendorVMX:
		return "vmx"
	case VendorSVM:
		return "svm"
	default:
		return "none"
	}
}

// Capabilities is the immutable snapshot of the host's virtualization
// features. It is produced once by discovery and only read afterwards.
type Capabilities struct {
	VMX        bool `json:"vmx" yaml:"vmx"`
	VMXEnabled bool `json:"vmx_enabled" yaml:"vmx_enabled"`
	SVM        bool `json:"svm" yaml:"svm"`
	SVMEnabled bool `json:"svm_enabled" yaml:"svm_enabled"`

	// EPT and NPT report second-level translation support.
	EPT bool `json:"ept" yaml:"ept"`
	NPT bool `json:"npt" yaml:"npt"`

	LargePages2M  bool `json:"large_pages_2m" yaml:"large_pages_2m"`
	LargePages1G  bool `json:"large_pages_1g" yaml:"large_pages_1g"`
	AccessedDirty bool `json:"accessed_dirty" yaml:"accessed_dirty"`

	PostedInterrupts bool `json:"posted_interrupts" yaml:"posted_interrupts"`
	AVIC             bool `json:"avic" yaml:"avic"`
	VPID             bool `json:"vpid" yaml:"vpid"`
	PreemptionTimer  bool `json:"preemption_timer" yaml:"preemption_timer"`
	NRIPSave         bool `json:"nrip_save" yaml:"nrip_save"`

	// VMCSRevision is IA32_VMX_BASIC[30:0].
	VMCSRevision uint32 `json:"vmcs_revision" yaml:"vmcs_revision"`
	// ASIDs is the number of SVM address space identifiers.
	ASIDs uint32 `json:"asids" yaml:"asids"`

	// Allowed-0 / allowed-1 settings of the VMX control MSRs. A zero
	// allowed-1 word is read as "everything may be set".
	PinControls       ControlMSR `json:"pin_controls" yaml:"pin_controls"`
	ProcControls      ControlMSR `json:"proc_controls" yaml:"proc_controls"`
	SecondaryControls ControlMSR `json:"secondary_controls" yaml:"secondary_controls"`
	ExitControls      ControlMSR `json:"exit_controls" yaml:"exit_controls"`
	EntryControls     ControlMSR `json:"entry_controls" yaml:"entry_controls"`

	IOMMU bool `json:"iommu" yaml:"iommu"`
	Cores int  `json:"cores" yaml:"cores"`
}

// ControlMSR holds the two halves of a VMX capability MSR: bits that must be
// one (allowed-0 settings) and bits that may be one (allowed-1 settings).
type ControlMSR struct {
	Allowed0 uint32 `json:"allowed0" yaml:"allowed0"`
	Allowed1 uint32 `json:"allowed1" yaml:"allowed1"`
}

// adjust forces the required bits on and strips the unsupported ones.
func (m ControlMSR) adjust(want uint32) uint32 {
	allowed1 := m.Allowed1
	if allowed1 == 0 {
		allowed1 = ^uint32(0)
	}
	return (want | m.Allowed0) & allowed1
}

// Backend reports the variant the engine would select, preferring VMX.
func (c Capabilities) Backend() (Vendor, error) {
	switch {
	case c.VMX && c.VMXEnabled && c.EPT:
		return VendorVMX, nil
	case c.SVM && c.SVMEnabled && c.NPT:
		return VendorSVM, nil
	}
	return VendorNone, fmt.Errorf("%w: vmx=%v/%v ept=%v svm=%v/%v npt=%v", ErrUnsupportedHardware,
		c.VMX, c.VMXEnabled, c.EPT, c.SVM, c.SVMEnabled, c.NPT)
}

// DefaultVMXCapabilities describes a typical VMX host with every optional
// acceleration present.
func DefaultVMXCapabilities(cores int) Capabilities {
	return Capabilities{
		VMX:              true,
		VMXEnabled:       true,
		EPT:              true,
		LargePages2M:     true,
		LargePages1G:     true,
		AccessedDirty:    true,
		PostedInterrupts: true,
		VPID:             true,
		PreemptionTimer:  true,
		VMCSRevision:     0x4,
		Cores:            cores,
	}
}

// DefaultSVMCapabilities describes a typical SVM host.
func DefaultSVMCapabilities(cores int) Capabilities {
	return Capabilities{
		SVM:           true,
		SVMEnabled:    true,
		NPT:           true,
		LargePages2M:  true,
		LargePages1G:  true,
		AccessedDirty: true,
		AVIC:          true,
		NRIPSave:      true,
		ASIDs:         32768,
		Cores:         cores,
	}
}

// parseCPUInfo derives a snapshot from the text of /proc/cpuinfo. Linux
// clears the vmx/svm flags when firmware has the extension locked off, so a
// present flag also means enabled.
func parseCPUInfo(r io.Reader) (Capabilities, error) {
	var caps Capabilities
	flags := make(map[string]bool)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "processor":
			caps.Cores++
		case "flags", "vmx flags":
			for _, f := range strings.Fields(value) {
				flags[f] = true
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Capabilities{}, fmt.Errorf("hv: failed to read cpuinfo: %w", err)
	}

	caps.VMX = flags["vmx"]
	caps.VMXEnabled = caps.VMX
	caps.SVM = flags["svm"]
	caps.SVMEnabled = caps.SVM
	caps.EPT = flags["ept"]
	caps.NPT = flags["npt"]
	caps.LargePages2M = caps.EPT || caps.NPT
	caps.LargePages1G = flags["pdpe1gb"] && (caps.NPT || flags["ept_1gb"])
	caps.AccessedDirty = flags["ept_ad"] || caps.NPT
	caps.VPID = flags["vpid"]
	caps.PreemptionTimer = flags["preemption_timer"]
	caps.PostedInterrupts = flags["posted_intr"]
	caps.NRIPSave = flags["nrip_save"]
	caps.AVIC = flags["avic"]
	if caps.SVM {
		caps.ASIDs = 32768
	}
	return caps, nil
}
