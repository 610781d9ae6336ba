package hypervisor

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const intelCPUInfo = `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) Gold 6338 CPU @ 2.00GHz
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush mmx fxsr sse sse2 ss ht syscall nx pdpe1gb rdtscp lm vmx est tm2 ssse3 fma cx16 xtpr pcid sse4_1 sse4_2 x2apic popcnt aes xsave avx f16c rdrand
vmx flags	: vnmi preemption_timer posted_intr invvpid ept_x_only ept_ad ept_1gb flexpriority apicv tsc_offset vtpr mtf vapic ept vpid unrestricted_guest vapic_reg vid ple

processor	: 1
vendor_id	: GenuineIntel
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush mmx fxsr sse sse2 ss ht syscall nx pdpe1gb rdtscp lm vmx
vmx flags	: vnmi preemption_timer posted_intr invvpid ept_x_only ept_ad ept_1gb ept vpid
`

const amdCPUInfo = `processor	: 0
vendor_id	: AuthenticAMD
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush mmx fxsr sse sse2 ht syscall nx mmxext fxsr_opt pdpe1gb rdtscp lm svm extapic cr8_legacy abm sse4a npt lbrv svm_lock nrip_save tsc_scale vmcb_clean flushbyasid decodeassists pausefilter pfthreshold avic v_vmsave_vmload vgif
`

func TestParseCPUInfo(t *testing.T) {
	t.Run("intel", func(t *testing.T) {
		caps, err := parseCPUInfo(strings.NewReader(intelCPUInfo))
		require.NoError(t, err)

		assert.Equal(t, 2, caps.Cores)
		assert.True(t, caps.VMX)
		assert.True(t, caps.VMXEnabled)
		assert.False(t, caps.SVM)
		assert.True(t, caps.EPT)
		assert.True(t, caps.VPID)
		assert.True(t, caps.PreemptionTimer)
		assert.True(t, caps.PostedInterrupts)
		assert.True(t, caps.AccessedDirty)
		assert.True(t, caps.LargePages2M)
		assert.True(t, caps.LargePages1G)
		assert.Zero(t, caps.ASIDs)

		v, err := caps.Backend()
		require.NoError(t, err)
		assert.Equal(t, VendorVMX, v)
	})

	t.Run("amd", func(t *testing.T) {
		caps, err := parseCPUInfo(strings.NewReader(amdCPUInfo))
		require.NoError(t, err)

		assert.Equal(t, 1, caps.Cores)
		assert.True(t, caps.SVM)
		assert.True(t, caps.NPT)
		assert.True(t, caps.NRIPSave)
		assert.True(t, caps.AVIC)
		assert.True(t, caps.LargePages1G)
		assert.Equal(t, uint32(32768), caps.ASIDs)

		v, err := caps.Backend()
		require.NoError(t, err)
		assert.Equal(t, VendorSVM, v)
	})

	t.Run("no extension", func(t *testing.T) {
		caps, err := parseCPUInfo(strings.NewReader("processor\t: 0\nflags\t\t: fpu sse sse2 lm\n"))
		require.NoError(t, err)
		_, err = caps.Backend()
		assert.True(t, errors.Is(err, ErrUnsupportedHardware), "got %v", err)
	})
}

func TestCapabilitiesBackend(t *testing.T) {
	tests := []struct {
		name    string
		caps    Capabilities
		want    Vendor
		wantErr bool
	}{
		{"vmx", DefaultVMXCapabilities(1), VendorVMX, false},
		{"svm", DefaultSVMCapabilities(1), VendorSVM, false},
		{"vmx preferred", Capabilities{VMX: true, VMXEnabled: true, EPT: true, SVM: true, SVMEnabled: true, NPT: true}, VendorVMX, false},
		{"vmx without ept", Capabilities{VMX: true, VMXEnabled: true}, VendorNone, true},
		{"vmx locked off", Capabilities{VMX: true, EPT: true}, VendorNone, true},
		{"svm without npt", Capabilities{SVM: true, SVMEnabled: true}, VendorNone, true},
		{"nothing", Capabilities{}, VendorNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.caps.Backend()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Backend() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Backend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestControlMSRAdjust(t *testing.T) {
	tests := []struct {
		name string
		msr  ControlMSR
		want uint32
		in   uint32
	}{
		{"required bits forced on", ControlMSR{Allowed0: 0x16, Allowed1: 0xFF}, 0x17, 0x01},
		{"unsupported bits stripped", ControlMSR{Allowed0: 0x16, Allowed1: 0xFF}, 0x57, 0x141},
		{"zero allowed-1 permits everything", ControlMSR{}, 1 << 31, 1 << 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msr.adjust(tt.in); got != tt.want {
				t.Errorf("adjust(%#x) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestVendorString(t *testing.T) {
	assert.Equal(t, "vmx", VendorVMX.String())
	assert.Equal(t, "svm", VendorSVM.String())
	assert.Equal(t, "none", VendorNone.String())
}
