package hypervisor

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the engine's performance counters.
type metrics struct {
	// Operation counters
	vmAttachCount    atomic.Uint64
	vmDetachCount    atomic.Uint64
	vcpuCreateCount  atomic.Uint64
	vcpuDestroyCount atomic.Uint64
	mapOperations    atomic.Uint64
	unmapOperations  atomic.Uint64
	protectOps       atomic.Uint64
	registerOps      atomic.Uint64
	runOperations    atomic.Uint64
	invalidations    atomic.Uint64
	demandFaults     atomic.Uint64
	exits            [numExitReasons]atomic.Uint64

	// Timing metrics (nanoseconds)
	totalRunTime    atomic.Uint64
	selections      atomic.Uint64
	totalSelectTime atomic.Uint64
	maxSelectTime   atomic.Uint64

	// Error counters
	securityErrors atomic.Uint64
	resourceErrors atomic.Uint64
	entryFailures  atomic.Uint64
}

// Metrics provides access to performance metrics
type Metrics struct {
	VMAttached       uint64            `json:"vm_attached"`
	VMDetached       uint64            `json:"vm_detached"`
	VCPUCreated      uint64            `json:"vcpu_created"`
	VCPUDestroyed    uint64            `json:"vcpu_destroyed"`
	MapOperations    uint64            `json:"map_operations"`
	UnmapOperations  uint64            `json:"unmap_operations"`
	ProtectOps       uint64            `json:"protect_operations"`
	RegisterOps      uint64            `json:"register_operations"`
	RunOperations    uint64            `json:"run_operations"`
	AvgRunTimeNs     uint64            `json:"avg_run_time_ns"`
	Selections       uint64            `json:"selections"`
	AvgSelectNs      uint64            `json:"avg_select_ns"`
	MaxSelectNs      uint64            `json:"max_select_ns"`
	Exits            map[string]uint64 `json:"exits"`
	Invalidations    uint64            `json:"invalidations"`
	DemandFaults     uint64            `json:"demand_faults"`
	AgingEvents      uint64            `json:"aging_events"`
	DeadlineMisses   uint64            `json:"deadline_misses"`
	SecurityErrors   uint64            `json:"security_errors"`
	ResourceErrors   uint64            `json:"resource_errors"`
	EntryFailures    uint64            `json:"entry_failures"`
	FreeControlSlots int               `json:"free_control_structures"`
}

// Metrics returns current performance metrics
func (e *Engine) Metrics() Metrics {
	m := e.metrics
	runOps := m.runOperations.Load()

	var avgRun uint64
	if runOps > 0 {
		avgRun = m.totalRunTime.Load() / runOps
	}
	selections := m.selections.Load()
	var avgSelect uint64
	if selections > 0 {
		avgSelect = m.totalSelectTime.Load() / selections
	}

	out := Metrics{
		VMAttached:       m.vmAttachCount.Load(),
		VMDetached:       m.vmDetachCount.Load(),
		VCPUCreated:      m.vcpuCreateCount.Load(),
		VCPUDestroyed:    m.vcpuDestroyCount.Load(),
		MapOperations:    m.mapOperations.Load(),
		UnmapOperations:  m.unmapOperations.Load(),
		ProtectOps:       m.protectOps.Load(),
		RegisterOps:      m.registerOps.Load(),
		RunOperations:    runOps,
		AvgRunTimeNs:     avgRun,
		Selections:       selections,
		AvgSelectNs:      avgSelect,
		MaxSelectNs:      m.maxSelectTime.Load(),
		Exits:            make(map[string]uint64, numExitReasons),
		Invalidations:    m.invalidations.Load(),
		DemandFaults:     m.demandFaults.Load(),
		AgingEvents:      e.sched.agedTotal.Load(),
		DeadlineMisses:   e.sched.missTotal.Load(),
		SecurityErrors:   m.securityErrors.Load(),
		ResourceErrors:   m.resourceErrors.Load(),
		EntryFailures:    m.entryFailures.Load(),
		FreeControlSlots: e.pool.Available(),
	}
	for r := ExitReason(0); r < numExitReasons; r++ {
		out.Exits[r.String()] = m.exits[r].Load()
	}
	return out
}

// ResetMetrics clears all performance metrics
func (e *Engine) ResetMetrics() {
	m := e.metrics
	for _, c := range []*atomic.Uint64{
		&m.vmAttachCount, &m.vmDetachCount, &m.vcpuCreateCount, &m.vcpuDestroyCount,
		&m.mapOperations, &m.unmapOperations, &m.protectOps, &m.registerOps,
		&m.runOperations, &m.invalidations, &m.demandFaults, &m.totalRunTime,
		&m.selections, &m.totalSelectTime, &m.maxSelectTime,
		&m.securityErrors, &m.resourceErrors, &m.entryFailures,
		&e.sched.agedTotal, &e.sched.missTotal,
	} {
		c.Store(0)
	}
	for i := range m.exits {
		m.exits[i].Store(0)
	}
}

// Internal metric recording functions
func (m *metrics) recordVMAttach()   { m.vmAttachCount.Add(1) }
func (m *metrics) recordVMDetach()   { m.vmDetachCount.Add(1) }
func (m *metrics) recordVCPUCreate() { m.vcpuCreateCount.Add(1) }

func (m *metrics) recordVCPUDestroy() {
	m.vcpuDestroyCount.Add(1)
}

func (m *metrics) recordMapOperation()     { m.mapOperations.Add(1) }
func (m *metrics) recordUnmapOperation()   { m.unmapOperations.Add(1) }
func (m *metrics) recordProtectOperation() { m.protectOps.Add(1) }
func (m *metrics) recordRegisterOp()       { m.registerOps.Add(1) }

func (m *metrics) recordRun(duration time.Duration) {
	m.runOperations.Add(1)
	m.totalRunTime.Add(uint64(duration.Nanoseconds()))
}

// recordSelect accounts one SelectNext call, including those that found
// nothing to run.
func (m *metrics) recordSelect(d time.Duration) {
	ns := uint64(max(d, 0))
	m.selections.Add(1)
	m.totalSelectTime.Add(ns)
	for {
		cur := m.maxSelectTime.Load()
		if ns <= cur || m.maxSelectTime.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (m *metrics) recordExit(r ExitReason) {
	if r >= 0 && r < numExitReasons {
		m.exits[r].Add(1)
	}
}

func (m *metrics) recordInvalidation() { m.invalidations.Add(1) }
func (m *metrics) recordDemandFault()  { m.demandFaults.Add(1) }

func (m *metrics) recordSecurityError() {
	m.securityErrors.Add(1)
}

func (m *metrics) recordResourceError() {
	m.resourceErrors.Add(1)
}

func (m *metrics) recordEntryFailure() {
	m.entryFailures.Add(1)
}

const metricsNamespace = "hv"

// collector exports the engine counters to Prometheus.
type collector struct {
	e *Engine

	operations *prometheus.Desc
	exits      *prometheus.Desc
	errors     *prometheus.Desc
	sched      *prometheus.Desc
	runSeconds *prometheus.Desc
	selectLat  *prometheus.Desc
	runnable   *prometheus.Desc
	freeCS     *prometheus.Desc
	vcpus      *prometheus.Desc
}

func newCollector(e *Engine) *collector {
	return &collector{
		e: e,

		operations: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "operations_total"),
			"Engine API and memory operations by kind.", []string{"op"}, nil),
		exits: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "exits_total"),
			"VM exits by reason.", []string{"reason"}, nil),
		errors: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "errors_total"),
			"Errors by class.", []string{"class"}, nil),
		sched: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "scheduler", "events_total"),
			"Aging and deadline-miss events.", []string{"event"}, nil),
		runSeconds: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "guest_run_seconds_total"),
			"Time spent running guests.", nil, nil),
		selectLat: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "scheduler", "select_seconds"),
			"Time spent picking the next vCPU.", []string{"stat"}, nil),
		runnable: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "scheduler", "runnable"),
			"Queued vCPUs per core.", []string{"core"}, nil),
		freeCS: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "control_structures_free"),
			"Free control structures in the pool.", nil, nil),
		vcpus: prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", "vcpus"),
			"vCPUs by run state.", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.operations, c.exits, c.errors, c.sched, c.runSeconds, c.selectLat, c.runnable, c.freeCS, c.vcpus} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.e.Metrics()
	for op, n := range map[string]uint64{
		"vm_attach":    m.VMAttached,
		"vm_detach":    m.VMDetached,
		"vcpu_create":  m.VCPUCreated,
		"vcpu_destroy": m.VCPUDestroyed,
		"map":          m.MapOperations,
		"unmap":        m.UnmapOperations,
		"protect":      m.ProtectOps,
		"register":     m.RegisterOps,
		"run":          m.RunOperations,
		"invalidate":   m.Invalidations,
		"demand_fault": m.DemandFaults,
	} {
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(n), op)
	}
	for reason, n := range m.Exits {
		ch <- prometheus.MustNewConstMetric(c.exits, prometheus.CounterValue, float64(n), reason)
	}
	for class, n := range map[string]uint64{
		"security":      m.SecurityErrors,
		"resource":      m.ResourceErrors,
		"entry_failure": m.EntryFailures,
	} {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), class)
	}
	ch <- prometheus.MustNewConstMetric(c.sched, prometheus.CounterValue, float64(m.AgingEvents), "aging")
	ch <- prometheus.MustNewConstMetric(c.sched, prometheus.CounterValue, float64(m.DeadlineMisses), "deadline_miss")
	run := time.Duration(c.e.metrics.totalRunTime.Load())
	ch <- prometheus.MustNewConstMetric(c.runSeconds, prometheus.CounterValue, run.Seconds())
	ch <- prometheus.MustNewConstMetric(c.selectLat, prometheus.GaugeValue,
		time.Duration(m.AvgSelectNs).Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(c.selectLat, prometheus.GaugeValue,
		time.Duration(m.MaxSelectNs).Seconds(), "max")
	ch <- prometheus.MustNewConstMetric(c.freeCS, prometheus.GaugeValue, float64(m.FreeControlSlots))

	for i := range c.e.cores {
		ch <- prometheus.MustNewConstMetric(c.runnable, prometheus.GaugeValue,
			float64(c.e.sched.runnable(i)), strconv.Itoa(i))
	}
	states := make(map[RunState]int)
	c.e.mu.RLock()
	for _, s := range c.e.vcpus {
		if s.v != nil {
			states[s.v.State()]++
		}
	}
	c.e.mu.RUnlock()
	for st := Idle; st <= Exited; st++ {
		ch <- prometheus.MustNewConstMetric(c.vcpus, prometheus.GaugeValue, float64(states[st]), st.String())
	}
}
