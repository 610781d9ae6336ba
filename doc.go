// Package hypervisor is the execution engine of a Type-1 hypervisor for
// x86-64 hosts with Intel VMX or AMD SVM.
//
// The engine owns the per-core virtualization state: the control structure
// pool (VMCS or VMCB pages), the second-level translation tables (EPT or
// NPT) of every VM, the per-core run loops, the exit dispatcher and the
// scheduler. Everything above it (VM configuration, device models, the
// management plane) talks to it through Engine.
//
// # Requirements
//
//   - x86-64 host with VMX and EPT, or SVM and NPT, enabled in firmware
//   - A Processor implementation for the privileged instructions
//     (VMXON/VMLAUNCH/INVEPT or EFER.SVME/VMRUN/INVLPGA)
//
// SimProcessor is a deterministic software Processor used by the tests and
// the hv command.
//
// # Basic Usage
//
// Check whether the host qualifies:
//
//	caps, err := hypervisor.DetectCapabilities()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := caps.Backend(); err != nil {
//		log.Fatal("no usable virtualization extension: ", err)
//	}
//
// Create an engine and a VM:
//
//	e, err := hypervisor.New(caps, proc, hypervisor.WithConfig(cfg))
//	if err != nil {
//		log.Fatal("Failed to create engine:", err)
//	}
//	defer e.Close()
//
//	vm := hypervisor.NewVirtualMachine("guest0", hypervisor.SecurityPolicy{
//		Isolation: hypervisor.IsolationStrict,
//	})
//	if err := e.AttachVM(vm); err != nil {
//		log.Fatal("Failed to attach VM:", err)
//	}
//
// Memory management (frame numbers are 4 KiB pages):
//
//	// 2 MiB of guest memory at guest-physical 0, backed by host frame 0x40000
//	err = e.MapRegion(vm.ID(), 0, 0x40000, 2<<20, hypervisor.MemRead|hypervisor.MemWrite|hypervisor.MemExec)
//	if err != nil {
//		log.Fatal("Failed to map memory:", err)
//	}
//
// vCPUs and execution:
//
//	h, err := e.CreateVCPU(vm.ID(), hypervisor.VCPUOptions{Core: 0, EntryPoint: 0x1000})
//	if err != nil {
//		log.Fatal("Failed to create vCPU:", err)
//	}
//	if err := e.StartVCPU(h); err != nil {
//		log.Fatal(err)
//	}
//
//	// Run blocks until ctx is cancelled or a core fails.
//	if err := e.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Exits
//
// Every VM exit is decoded into an ExitRecord and resolved to one outcome:
// resume, yield, block or exit. Port I/O and hypercalls go to the
// DeviceHandler registered with RegisterDeviceHandler. The instruction
// pointer is advanced exactly once for every synchronous exit that
// completes; faults and asynchronous exits leave it alone.
//
// # Scheduling
//
// Each core has its own run queue. RealTime vCPUs run earliest deadline
// first within an admission-controlled utilization cap, Fair vCPUs share
// the rest in proportion to their weights, and Idle vCPUs only run when
// nothing else can.
//
// # Error Handling
//
// Errors wrap the sentinels in hverror.go and can be matched with
// errors.Is. Isolation violations and entry failures carry detail as
// *IsolationViolation and *EntryFailure. Set HV_ENV=production to strip
// detail from error strings.
//
// # Resource Management
//
// Engine.Close disables virtualization on every core and unmaps the control
// structures. A finalizer on the pool is only a safety net.
package hypervisor
