package hypervisor

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leWord(s string) uint64 { return uint64(binary.LittleEndian.Uint32([]byte(s))) }

func TestCPUIDEmulation(t *testing.T) {
	vendors := map[Vendor]string{VendorVMX: "GenuineIntel", VendorSVM: "AuthenticAMD"}
	for _, vendor := range bothVendors {
		t.Run(vendor.String(), func(t *testing.T) {
			te := newTestEngine(t, vendor)
			vm := te.attach(t, "guest", IsolationStandard)

			h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpCPUID, Value: 0}, GuestOp{Kind: OpHalt})
			te.drain(t, 0, 10)
			name := vendors[vendor]
			assert.Equal(t, leWord(name[0:4]), te.reg(t, h, RegRBX))
			assert.Equal(t, leWord(name[4:8]), te.reg(t, h, RegRDX))
			assert.Equal(t, leWord(name[8:12]), te.reg(t, h, RegRCX))

			h = te.spawn(t, vm, 0x1000, GuestOp{Kind: OpCPUID, Value: 1}, GuestOp{Kind: OpHalt})
			te.drain(t, 0, 10)
			ecx := te.reg(t, h, RegRCX)
			assert.NotZero(t, ecx&cpuidHypervisorBit, "hypervisor present bit")
			assert.Zero(t, ecx&cpuidVMXBit, "nested VMX is hidden")

			h = te.spawn(t, vm, 0x1000, GuestOp{Kind: OpCPUID, Value: cpuidLeafBase}, GuestOp{Kind: OpHalt})
			te.drain(t, 0, 10)
			sig := make([]byte, 0, 12)
			for _, r := range []Reg{RegRBX, RegRCX, RegRDX} {
				sig = binary.LittleEndian.AppendUint32(sig, uint32(te.reg(t, h, r)))
			}
			assert.Equal(t, hypervisorSignature, string(sig))
			assert.Equal(t, uint64(0x1002), te.reg(t, h, RegRIP))
		})
	}
}

func TestMSREmulation(t *testing.T) {
	for _, vendor := range bothVendors {
		t.Run(vendor.String(), func(t *testing.T) {
			te := newTestEngine(t, vendor)
			vm := te.attach(t, "guest", IsolationStandard)
			rdmsr := func(msr uint32) uint64 {
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpRDMSR, MSR: msr}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)
				require.Equal(t, uint64(0x1002), te.reg(t, h, RegRIP))
				return te.reg(t, h, RegRAX) | te.reg(t, h, RegRDX)<<32
			}

			assert.Equal(t, uint64(apicBaseDefault), rdmsr(msrAPICBase))
			assert.Equal(t, uint64(te.clk.Now().UnixNano()), rdmsr(msrTSC))
			assert.Equal(t, uint64(guestEFER), rdmsr(msrEFER), "SVME is never visible to the guest")

			h := te.spawn(t, vm, 0x1000,
				GuestOp{Kind: OpWRMSR, MSR: msrEFER, Value: 0x501},
				GuestOp{Kind: OpHalt},
			)
			te.drain(t, 0, 10)
			assert.Equal(t, Blocked, te.state(t, h), "the guest keeps running after the write")
			want := uint64(0x501)
			if vendor == VendorSVM {
				want |= eferSVME
			}
			assert.Equal(t, want, te.reg(t, h, RegEFER))
		})
	}
}

func TestDeviceHandler(t *testing.T) {
	for _, vendor := range bothVendors {
		t.Run(vendor.String(), func(t *testing.T) {
			t.Run("port output", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				var got ExitRecord
				var rax uint64
				te.RegisterDeviceHandler(DeviceHandlerFunc(func(_ context.Context, _ VCPUHandle, exit *ExitRecord, regs RegisterView) Action {
					got = *exit
					rax, _ = regs.Get(RegRAX)
					return Action{}
				}))

				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpOut, Port: 0x3F8, Size: 1, Value: 'A'}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)

				assert.Equal(t, TrapIO, got.Trap)
				assert.Equal(t, uint16(0x3F8), got.Port)
				assert.Equal(t, uint8(1), got.Size)
				assert.True(t, got.Write)
				assert.Equal(t, uint64('A'), rax)
				assert.Equal(t, uint64(0x1001), te.reg(t, h, RegRIP))
			})

			t.Run("port input without handler", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpIn, Port: 0x60, Size: 2}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)
				assert.Equal(t, uint64(0xFFFF), te.reg(t, h, RegRAX), "floating bus")
			})

			t.Run("register patch", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				te.RegisterDeviceHandler(DeviceHandlerFunc(func(context.Context, VCPUHandle, *ExitRecord, RegisterView) Action {
					return Action{Kind: ActionResumeWithRegisterPatch, Patch: RegBatch{RegRAX: 0x42, RegRBX: 7, RegRIP: 0xdead}}
				}))
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpIn, Port: 0x71, Size: 1}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)

				assert.Equal(t, uint64(0x42), te.reg(t, h, RegRAX))
				assert.Equal(t, uint64(7), te.reg(t, h, RegRBX))
				assert.Equal(t, uint64(0x1001), te.reg(t, h, RegRIP), "RIP is never patched")
			})

			t.Run("unknown hypercall", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpHypercall, Value: 9}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)

				assert.Equal(t, unknownHypercall, te.reg(t, h, RegRAX))
				assert.Equal(t, uint64(0x1003), te.reg(t, h, RegRIP))
				vs, err := te.VMStats(vm.ID())
				require.NoError(t, err)
				assert.Equal(t, uint64(1), vs.Hypercalls)
			})

			t.Run("blocking handler", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				var calls atomic.Int32
				var nr uint64
				te.RegisterDeviceHandler(DeviceHandlerFunc(func(_ context.Context, _ VCPUHandle, exit *ExitRecord, _ RegisterView) Action {
					nr = exit.Hypercall
					if calls.Add(1) == 1 {
						return Action{Kind: ActionBlock}
					}
					return Action{Kind: ActionResumeWithRegisterPatch, Patch: RegBatch{RegRAX: 0}}
				}))
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpHypercall, Value: 7}, GuestOp{Kind: OpHalt})

				te.drain(t, 0, 10)
				assert.Equal(t, Blocked, te.state(t, h))
				assert.Equal(t, uint64(0x1000), te.reg(t, h, RegRIP), "a blocked call is re-executed")

				require.NoError(t, te.UnblockVCPU(h))
				te.drain(t, 0, 10)
				assert.Equal(t, int32(2), calls.Load())
				assert.Equal(t, uint64(7), nr)
				assert.Zero(t, te.reg(t, h, RegRAX))
				assert.Equal(t, uint64(0x1003), te.reg(t, h, RegRIP))
				assert.Equal(t, Blocked, te.state(t, h), "now halted")
			})

			t.Run("panicking handler", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				te.RegisterDeviceHandler(DeviceHandlerFunc(func(context.Context, VCPUHandle, *ExitRecord, RegisterView) Action {
					panic("uart on fire")
				}))
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpOut, Port: 0x3F8, Value: 1}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)

				assert.Equal(t, Exited, te.state(t, h))
				st, err := te.VCPUStats(h)
				require.NoError(t, err)
				assert.Contains(t, st.Err, "device handler panic: uart on fire")
				assert.Len(t, te.eventsOf(EventVCPUExited), 1)
			})

			t.Run("nil restores defaults", func(t *testing.T) {
				te := newTestEngine(t, vendor)
				vm := te.attach(t, "guest", IsolationStandard)
				te.RegisterDeviceHandler(DeviceHandlerFunc(func(context.Context, VCPUHandle, *ExitRecord, RegisterView) Action {
					panic("unreachable")
				}))
				te.RegisterDeviceHandler(nil)
				h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpHypercall}, GuestOp{Kind: OpHalt})
				te.drain(t, 0, 10)
				assert.Equal(t, Blocked, te.state(t, h))
			})
		})
	}
}

func TestOutcomeAdvance(t *testing.T) {
	exit := &ExitRecord{InstructionLength: 3}
	tests := []struct {
		kind outcomeKind
		want uint64
	}{
		{outcomeResume, 3},
		{outcomeYield, 3},
		{outcomeBlock, 0},
		{outcomeExit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := (outcome{kind: tt.kind}).advance(exit); got != tt.want {
				t.Errorf("advance() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitReasonString(t *testing.T) {
	assert.Equal(t, "timer_expiry", ExitTimerExpiry.String())
	assert.Equal(t, "unknown_or_fatal", ExitUnknownOrFatal.String())
	assert.Equal(t, "exit(42)", ExitReason(42).String())
	assert.Equal(t, "wrmsr", TrapWRMSR.String())
}
