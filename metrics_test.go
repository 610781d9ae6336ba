package hypervisor

import (
	"testing"
	"time"

	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMetrics(t *testing.T) {
	te := newTestEngine(t, VendorVMX)

	te.ResetMetrics()
	metrics := te.Metrics()
	if metrics.VMAttached != 0 {
		t.Errorf("Expected VMAttached=0, got %d", metrics.VMAttached)
	}
	assert.Equal(t, 16, metrics.FreeControlSlots)

	vm := te.attach(t, "guest", IsolationStandard)
	require.NoError(t, te.MapRegion(vm.ID(), 0, 0x40000, 0x1000, MemRead|MemWrite))
	h := te.spawn(t, vm, 0x1000, GuestOp{Kind: OpSpin})
	te.drain(t, 0, 3)

	metrics = te.Metrics()
	if metrics.VMAttached != 1 {
		t.Errorf("Expected VMAttached=1, got %d", metrics.VMAttached)
	}
	if metrics.VCPUCreated != 1 {
		t.Errorf("Expected VCPUCreated=1, got %d", metrics.VCPUCreated)
	}
	if metrics.RunOperations != 3 {
		t.Errorf("Expected RunOperations=3, got %d", metrics.RunOperations)
	}
	if metrics.AvgRunTimeNs != uint64(te.Config().Quantum) {
		t.Errorf("Expected AvgRunTimeNs=%d, got %d", te.Config().Quantum, metrics.AvgRunTimeNs)
	}
	assert.Equal(t, uint64(3), metrics.Exits["timer_expiry"])
	assert.Equal(t, uint64(3), metrics.Selections)
	assert.Zero(t, metrics.MaxSelectNs, "the fake clock does not move during selection")
	assert.Equal(t, uint64(1), metrics.MapOperations)
	assert.NotZero(t, metrics.Invalidations)
	assert.Equal(t, 15, metrics.FreeControlSlots)

	st, err := te.VCPUStats(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Runs)
	assert.Equal(t, uint64(3), st.Exits)
	assert.Equal(t, te.Config().Quantum, st.MaxRun)

	te.ResetMetrics()
	metrics = te.Metrics()
	assert.Zero(t, metrics.RunOperations)
	assert.Zero(t, metrics.Selections)
	assert.Zero(t, metrics.Exits["timer_expiry"])
	assert.Equal(t, 15, metrics.FreeControlSlots, "gauges are not reset")
}

func TestRecordSelect(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		wantAvg uint64
		wantMax uint64
	}{
		{"none", nil, 0, 0},
		{"single", []time.Duration{3 * time.Microsecond}, 3000, 3000},
		{"max is kept", []time.Duration{3 * time.Microsecond, time.Microsecond}, 2000, 3000},
		{"clock step back", []time.Duration{-time.Second, 2 * time.Microsecond}, 1000, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t, VendorVMX)
			for _, d := range tt.samples {
				te.metrics.recordSelect(d)
			}
			m := te.Metrics()
			assert.Equal(t, uint64(len(tt.samples)), m.Selections)
			assert.Equal(t, tt.wantAvg, m.AvgSelectNs)
			assert.Equal(t, tt.wantMax, m.MaxSelectNs)
		})
	}
}

func TestMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	alloc := pagetables.NewPoolAllocator(tableBase, 256)
	sim := NewSimProcessor(VendorSVM, alloc, WithSimClock(clk))
	cfg := DefaultConfig()
	cfg.Cores = 2
	cfg.TableFrames = 256
	e, err := New(DefaultSVMCapabilities(2), sim,
		WithConfig(cfg),
		WithLogger(testLogger()),
		WithClock(clk),
		WithTableAllocator(alloc),
		WithRegisterer(reg),
	)
	require.NoError(t, err)
	defer e.Close()

	vm := NewVirtualMachine("guest", SecurityPolicy{})
	require.NoError(t, e.AttachVM(vm))
	h, err := e.CreateVCPU(vm.ID(), VCPUOptions{Core: 1})
	require.NoError(t, err)
	require.NoError(t, e.StartVCPU(h))

	n, err := testutil.GatherAndCount(reg, "hv_exits_total")
	require.NoError(t, err)
	assert.Equal(t, int(numExitReasons), n)

	n, err = testutil.GatherAndCount(reg, "hv_scheduler_runnable")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per core")

	n, err = testutil.GatherAndCount(reg, "hv_scheduler_select_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "avg and max")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["hv_operations_total/vm_attach"])
	assert.Equal(t, 1.0, values["hv_operations_total/vcpu_create"])
	assert.Equal(t, 1.0, values["hv_scheduler_runnable/1"])
	assert.Equal(t, 0.0, values["hv_scheduler_runnable/0"])
	assert.Equal(t, 1.0, values["hv_vcpus/runnable"])
	assert.Equal(t, float64(cfg.ControlStructures-1), values["hv_control_structures_free"])
	assert.Equal(t, 0.0, values["hv_errors_total/security"])
}
