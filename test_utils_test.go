package hypervisor

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// testLogger is silent unless DEBUG_TESTS is set.
func testLogger() *logrus.Logger {
	l := logrus.New()
	if os.Getenv("DEBUG_TESTS") == "" {
		l.SetOutput(io.Discard)
		return l
	}
	l.SetLevel(logrus.DebugLevel)
	return l
}

// testEngine is an engine running on a SimProcessor and a fake clock.
type testEngine struct {
	*Engine
	sim *SimProcessor
	clk *testingclock.FakeClock

	evMu sync.Mutex
	seen []Event
}

func newTestEngine(t *testing.T, vendor Vendor, mutate ...func(*Config)) *testEngine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Cores = 1
	cfg.ControlStructures = 16
	cfg.TableFrames = 1024
	for _, m := range mutate {
		m(&cfg)
	}
	caps := DefaultVMXCapabilities(cfg.Cores)
	if vendor == VendorSVM {
		caps = DefaultSVMCapabilities(cfg.Cores)
	}
	return newTestEngineWithCaps(t, caps, cfg)
}

// newTestEngineWithCaps builds a testEngine for an explicit snapshot.
func newTestEngineWithCaps(t *testing.T, caps Capabilities, cfg Config) *testEngine {
	t.Helper()
	vendor, err := caps.Backend()
	require.NoError(t, err)

	te := &testEngine{clk: testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))}
	alloc := pagetables.NewPoolAllocator(tableBase, cfg.TableFrames)
	te.sim = NewSimProcessor(vendor, alloc, WithSimClock(te.clk))

	e, err := New(caps, te.sim,
		WithConfig(cfg),
		WithLogger(testLogger()),
		WithClock(te.clk),
		WithTableAllocator(alloc),
		WithEventSink(func(ev Event) {
			te.evMu.Lock()
			te.seen = append(te.seen, ev)
			te.evMu.Unlock()
		}),
	)
	require.NoError(t, err)
	te.Engine = e
	t.Cleanup(func() { e.Close() })
	return te
}

// Events returns the events reported so far.
func (te *testEngine) Events() []Event {
	te.evMu.Lock()
	defer te.evMu.Unlock()
	return append([]Event(nil), te.seen...)
}

func (te *testEngine) eventsOf(kind EventKind) []Event {
	var out []Event
	for _, ev := range te.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (te *testEngine) attach(t *testing.T, name string, isolation IsolationLevel) *VirtualMachine {
	t.Helper()
	vm := NewVirtualMachine(name, SecurityPolicy{Isolation: isolation})
	require.NoError(t, te.AttachVM(vm))
	return vm
}

// spawn creates a Fair vCPU on core 0 running ops from entry and starts it.
func (te *testEngine) spawn(t *testing.T, vm *VirtualMachine, entry uint64, ops ...GuestOp) VCPUHandle {
	t.Helper()
	return te.spawnWith(t, vm, VCPUOptions{EntryPoint: entry}, ops...)
}

func (te *testEngine) spawnWith(t *testing.T, vm *VirtualMachine, opts VCPUOptions, ops ...GuestOp) VCPUHandle {
	t.Helper()
	h, err := te.CreateVCPU(vm.ID(), opts)
	require.NoError(t, err)
	te.sim.Program(h, opts.EntryPoint, ops...)
	require.NoError(t, te.StartVCPU(h))
	return h
}

// drain runs scheduling rounds on core until nothing is runnable or limit
// rounds have passed. It returns the number of rounds that ran a vCPU.
func (te *testEngine) drain(t *testing.T, core, limit int) int {
	t.Helper()
	n := 0
	for n < limit {
		ran, err := te.RunOnce(context.Background(), core)
		require.NoError(t, err)
		if !ran {
			break
		}
		n++
	}
	return n
}

func (te *testEngine) reg(t *testing.T, h VCPUHandle, r Reg) uint64 {
	t.Helper()
	v, err := te.ReadGuestRegister(h, r)
	require.NoError(t, err)
	return v
}

func (te *testEngine) state(t *testing.T, h VCPUHandle) RunState {
	t.Helper()
	st, err := te.VCPUState(h)
	require.NoError(t, err)
	return st
}

var bothVendors = []Vendor{VendorVMX, VendorSVM}
