/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	hypervisor "github.com/blacktop/go-hvengine"
	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	testingclock "k8s.io/utils/clock/testing"
)

// tableBase is where the simulated host places translation tables.
const tableBase = 0x1_0000_0000

// Scenario describes the guests to run in the simulator.
type Scenario struct {
	Vendor string   `yaml:"vendor"`
	Cores  int      `yaml:"cores"`
	Rounds int      `yaml:"rounds"`
	VMs    []VMSpec `yaml:"vms"`
}

// VMSpec is one guest of a scenario.
type VMSpec struct {
	Name    string                    `yaml:"name"`
	Policy  hypervisor.SecurityPolicy `yaml:"policy"`
	Regions []RegionSpec              `yaml:"regions"`
	VCPUs   []VCPUSpec                `yaml:"vcpus"`
}

// RegionSpec uses byte addresses; all three must be page aligned.
type RegionSpec struct {
	Guest uint64 `yaml:"guest"`
	Host  uint64 `yaml:"host"`
	Size  uint64 `yaml:"size"`
	Perms string `yaml:"perms"`
	Lazy  bool   `yaml:"lazy"`
}

type VCPUSpec struct {
	Core     int                       `yaml:"core"`
	Class    hypervisor.SchedClass     `yaml:"class"`
	Weight   uint32                    `yaml:"weight"`
	RealTime hypervisor.RealTimeParams `yaml:"realtime"`
	Entry    uint64                    `yaml:"entry"`
	Stack    uint64                    `yaml:"stack"`
	Regs     map[string]uint64         `yaml:"regs"`
	Program  []hypervisor.GuestOp      `yaml:"program"`
}

// ExecuteResult is printed as JSON when the scenario finishes.
type ExecuteResult struct {
	Vendor  string             `json:"vendor"`
	Rounds  int                `json:"rounds"`
	VMs     []VMResult         `json:"vms"`
	Events  []EventResult      `json:"events,omitempty"`
	Metrics hypervisor.Metrics `json:"metrics"`
	Error   string             `json:"error,omitempty"`
}

type VMResult struct {
	Name  string             `json:"name"`
	ID    string             `json:"id"`
	Stats hypervisor.VMStats `json:"stats"`
	VCPUs []VCPUResult       `json:"vcpus"`
}

type VCPUResult struct {
	ID    uint32               `json:"id"`
	Stats hypervisor.VCPUStats `json:"stats"`
	Regs  map[string]uint64    `json:"regs"`
}

type EventResult struct {
	Kind  string `json:"kind"`
	VM    string `json:"vm"`
	VCPU  uint32 `json:"vcpu"`
	Core  int    `json:"core"`
	GPA   uint64 `json:"gpa,omitempty"`
	Error string `json:"error,omitempty"`
}

// Registers reported for every vCPU.
var resultRegs = []hypervisor.Reg{
	hypervisor.RegRAX, hypervisor.RegRBX, hypervisor.RegRCX, hypervisor.RegRDX,
	hypervisor.RegRSP, hypervisor.RegRIP, hypervisor.RegRFLAGS,
}

var (
	vendorFlag  string
	roundsFlag  int
	metricsAddr string
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVar(&vendorFlag, "vendor", "", "override the scenario vendor (vmx or svm)")
	executeCmd.Flags().IntVarP(&roundsFlag, "rounds", "r", 0, "override the scenario scheduling rounds per core")
	executeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address until interrupted")
}

var executeCmd = &cobra.Command{
	Use:     "execute [scenario-file]",
	Aliases: []string{"exec", "sim"},
	Short:   "Run a guest scenario on the simulated processor and print the result as JSON",
	Long: `Run a YAML guest scenario on the deterministic simulated processor.

The scenario can be provided as:
  - A file argument
  - Stdin (if no file argument provided)

Each round every core runs one scheduling decision. The run ends after the
configured rounds or once no core has work. Results are written as JSON to
stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read scenario file: %w", err)
		}
	} else {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("no scenario provided")
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("failed to parse scenario: %w", err)
	}
	if vendorFlag != "" {
		sc.Vendor = vendorFlag
	}
	if roundsFlag > 0 {
		sc.Rounds = roundsFlag
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var registerer prometheus.Registerer
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		registerer = reg
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdown)
		}()
	}

	result, err := runScenario(ctx, &sc, registerer)
	if err != nil {
		result = &ExecuteResult{Vendor: sc.Vendor, Error: err.Error()}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))

	if metricsAddr != "" {
		logrus.Infof("serving metrics on %s, interrupt to exit", metricsAddr)
		<-ctx.Done()
	}
	return nil
}

func runScenario(ctx context.Context, sc *Scenario, reg prometheus.Registerer) (*ExecuteResult, error) {
	if sc.Cores <= 0 {
		sc.Cores = 1
	}
	if sc.Rounds <= 0 {
		sc.Rounds = 1000
	}

	var (
		vendor hypervisor.Vendor
		caps   hypervisor.Capabilities
	)
	switch sc.Vendor {
	case "", "vmx":
		vendor, caps = hypervisor.VendorVMX, hypervisor.DefaultVMXCapabilities(sc.Cores)
	case "svm":
		vendor, caps = hypervisor.VendorSVM, hypervisor.DefaultSVMCapabilities(sc.Cores)
	default:
		return nil, fmt.Errorf("unknown vendor %q (want vmx or svm)", sc.Vendor)
	}

	cfg := engineConfig
	cfg.Cores = sc.Cores
	clk := testingclock.NewFakeClock(time.Unix(0, 0).UTC())
	alloc := pagetables.NewPoolAllocator(tableBase, cfg.TableFrames)
	sim := hypervisor.NewSimProcessor(vendor, alloc, hypervisor.WithSimClock(clk))

	var (
		mu     sync.Mutex
		events []EventResult
	)
	opts := []hypervisor.Option{
		hypervisor.WithConfig(cfg),
		hypervisor.WithLogger(logrus.StandardLogger()),
		hypervisor.WithClock(clk),
		hypervisor.WithTableAllocator(alloc),
		hypervisor.WithEventSink(func(ev hypervisor.Event) {
			er := EventResult{Kind: ev.Kind.String(), VM: ev.VM.String(), VCPU: ev.VCPU.ID(), Core: ev.Core, GPA: ev.GPA}
			if ev.Err != nil {
				er.Error = ev.Err.Error()
			}
			mu.Lock()
			events = append(events, er)
			mu.Unlock()
		}),
	}
	if reg != nil {
		opts = append(opts, hypervisor.WithRegisterer(reg))
	}
	e, err := hypervisor.New(caps, sim, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer e.Close()

	vms := make([]*hypervisor.VirtualMachine, len(sc.VMs))
	handles := make([][]hypervisor.VCPUHandle, len(sc.VMs))
	for i, spec := range sc.VMs {
		vm, hs, err := setupVM(e, sim, spec)
		if err != nil {
			return nil, fmt.Errorf("vm %q: %w", spec.Name, err)
		}
		vms[i], handles[i] = vm, hs
	}

	result := &ExecuteResult{Vendor: vendor.String()}
	for result.Rounds < sc.Rounds && ctx.Err() == nil {
		ran := false
		for core := 0; core < sc.Cores; core++ {
			r, err := e.RunOnce(ctx, core)
			if err != nil {
				result.Error = err.Error()
				break
			}
			ran = ran || r
		}
		if result.Error != "" || !ran {
			break
		}
		result.Rounds++
	}

	for i, vm := range vms {
		vr := VMResult{Name: vm.Name(), ID: vm.ID().String()}
		if vr.Stats, err = e.VMStats(vm.ID()); err != nil {
			return nil, err
		}
		for _, h := range handles[i] {
			cr := VCPUResult{ID: h.ID(), Regs: make(map[string]uint64, len(resultRegs))}
			if cr.Stats, err = e.VCPUStats(h); err != nil {
				return nil, err
			}
			regs, err := e.GetRegs(h, resultRegs)
			if err != nil {
				return nil, fmt.Errorf("failed to read registers of vcpu %v: %w", h, err)
			}
			for r, v := range regs {
				cr.Regs[r.String()] = v
			}
			vr.VCPUs = append(vr.VCPUs, cr)
		}
		result.VMs = append(result.VMs, vr)
	}
	result.Metrics = e.Metrics()
	mu.Lock()
	result.Events = events
	mu.Unlock()
	return result, nil
}

func setupVM(e *hypervisor.Engine, sim *hypervisor.SimProcessor, spec VMSpec) (*hypervisor.VirtualMachine, []hypervisor.VCPUHandle, error) {
	vm := hypervisor.NewVirtualMachine(spec.Name, spec.Policy)
	if err := e.AttachVM(vm); err != nil {
		return nil, nil, err
	}

	for _, r := range spec.Regions {
		if r.Guest%pagetables.PageSize != 0 || r.Host%pagetables.PageSize != 0 {
			return nil, nil, fmt.Errorf("region %#x -> %#x is not page aligned", r.Guest, r.Host)
		}
		perms, err := hypervisor.ParseMemPerm(r.Perms)
		if err != nil {
			return nil, nil, err
		}
		gf := hypervisor.GuestFrame(r.Guest >> pagetables.PageShift)
		hf := hypervisor.HostFrame(r.Host >> pagetables.PageShift)
		if r.Lazy {
			err = e.AuthorizeRegion(vm.ID(), gf, hf, r.Size, perms)
		} else {
			err = e.MapRegion(vm.ID(), gf, hf, r.Size, perms)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	var handles []hypervisor.VCPUHandle
	for _, vs := range spec.VCPUs {
		h, err := e.CreateVCPU(vm.ID(), hypervisor.VCPUOptions{
			Core:       vs.Core,
			Class:      vs.Class,
			Weight:     vs.Weight,
			RealTime:   vs.RealTime,
			EntryPoint: vs.Entry,
			Stack:      vs.Stack,
		})
		if err != nil {
			return nil, nil, err
		}
		for name, val := range vs.Regs {
			r, err := hypervisor.ParseReg(name)
			if err != nil {
				return nil, nil, err
			}
			if err := e.WriteGuestRegister(h, r, val); err != nil {
				return nil, nil, err
			}
		}
		sim.Program(h, vs.Entry, vs.Program...)
		if err := e.StartVCPU(h); err != nil {
			return nil, nil, err
		}
		handles = append(handles, h)
	}
	return vm, handles, nil
}
