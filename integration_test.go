package hypervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDemoIntegration walks a guest through its whole life: map memory,
// run two vCPUs on two cores, serve their devices, then tear everything
// down in order.
func TestDemoIntegration(t *testing.T) {
	for _, vendor := range bothVendors {
		t.Run(vendor.String(), func(t *testing.T) {
			te := newTestEngine(t, vendor, func(c *Config) { c.Cores = 2 })

			var (
				mu      sync.Mutex
				console []byte
			)
			te.RegisterDeviceHandler(DeviceHandlerFunc(func(_ context.Context, _ VCPUHandle, exit *ExitRecord, regs RegisterView) Action {
				switch {
				case exit.Trap == TrapIO:
					if exit.Write && exit.Port == 0x3F8 {
						b, _ := regs.Get(RegRAX)
						mu.Lock()
						console = append(console, byte(b))
						mu.Unlock()
					}
					return Action{}
				case exit.Reason == ExitHyperCall:
					return Action{Kind: ActionResumeWithRegisterPatch, Patch: RegBatch{RegRAX: exit.Hypercall * 2}}
				}
				return Action{}
			}))

			vm := te.attach(t, "demo", IsolationStrict)
			const size = 2 << 20
			require.NoError(t, te.MapRegion(vm.ID(), 0, 0x40000, size, MemRead|MemWrite|MemExec))

			writer := te.spawnWith(t, vm, VCPUOptions{Core: 0, EntryPoint: 0x1000},
				GuestOp{Kind: OpWrite, Addr: 0x3000, Value: 0x42},
				GuestOp{Kind: OpRead, Addr: 0x3000},
				GuestOp{Kind: OpOut, Port: 0x3F8, Size: 1, Value: 'h'},
				GuestOp{Kind: OpOut, Port: 0x3F8, Size: 1, Value: 'i'},
				GuestOp{Kind: OpHalt},
			)
			caller := te.spawnWith(t, vm, VCPUOptions{Core: 1, EntryPoint: 0x2000},
				GuestOp{Kind: OpHypercall, Value: 21},
				GuestOp{Kind: OpHalt},
			)

			te.drain(t, 0, 20)
			te.drain(t, 1, 20)

			assert.Equal(t, Blocked, te.state(t, writer))
			assert.Equal(t, Blocked, te.state(t, caller))
			assert.Equal(t, uint64(0x42), te.sim.Memory(0x4000_0000+0x3000))
			assert.Equal(t, uint64(0x1008), te.reg(t, writer, RegRIP))
			assert.Equal(t, uint64(42), te.reg(t, caller, RegRAX))
			assert.Equal(t, uint64(0x2003), te.reg(t, caller, RegRIP))
			mu.Lock()
			assert.Equal(t, "hi", string(console))
			mu.Unlock()

			vs, err := te.VMStats(vm.ID())
			require.NoError(t, err)
			assert.Equal(t, 2, vs.VCPUs)
			assert.Equal(t, 1, vs.Regions)
			assert.Equal(t, uint64(size), vs.Mapped)
			assert.Equal(t, uint64(1), vs.Hypercalls)
			assert.Equal(t, uint64(2), vs.ExitsByReason["instruction_trap"])

			// Teardown order matters: vCPUs, then memory, then the VM.
			assert.ErrorIs(t, te.DetachVM(vm.ID()), ErrVMBusy)
			for _, h := range []VCPUHandle{writer, caller} {
				assert.ErrorIs(t, te.DestroyVCPU(h), ErrInvalidState, "a Blocked vCPU must be stopped first")
				require.NoError(t, te.StopVCPU(h))
				require.NoError(t, te.DestroyVCPU(h))
			}
			require.NoError(t, te.UnmapRegion(vm.ID(), 0, size))
			require.NoError(t, te.DetachVM(vm.ID()))

			m := te.Metrics()
			assert.Equal(t, uint64(2), m.VCPUDestroyed)
			assert.Equal(t, uint64(1), m.VMDetached)
			assert.Equal(t, uint64(1), m.UnmapOperations)
			assert.Equal(t, te.Config().ControlStructures, m.FreeControlSlots)

			require.NoError(t, te.Close())
			assert.ErrorIs(t, te.AttachVM(NewVirtualMachine("late", SecurityPolicy{})), ErrEngineClosed)
		})
	}
}

// TestRunDrivesAllCores runs guests through Run instead of RunOnce.
func TestRunDrivesAllCores(t *testing.T) {
	te := newTestEngine(t, VendorSVM, func(c *Config) { c.Cores = 2 })
	vm := te.attach(t, "guest", IsolationStandard)
	require.NoError(t, te.MapRegion(vm.ID(), 0, 0x40000, 0x10000, MemRead|MemWrite))

	var hs []VCPUHandle
	for core := 0; core < 2; core++ {
		hs = append(hs, te.spawnWith(t, vm, VCPUOptions{Core: core, EntryPoint: 0x1000},
			GuestOp{Kind: OpWrite, Addr: uint64(0x100 * (core + 1)), Value: uint64(core + 1)},
			GuestOp{Kind: OpHalt},
		))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, h := range hs {
			if st, err := te.VCPUState(h); err != nil || st != Blocked {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, uint64(1), te.sim.Memory(0x4000_0000+0x100))
	assert.Equal(t, uint64(2), te.sim.Memory(0x4000_0000+0x200))
}
