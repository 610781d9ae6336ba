package hypervisor

import (
	"fmt"
	"strings"
)

// Reg names an x86-64 guest register.
type Reg int

// General purpose registers, in instruction-encoding order without RSP.
// These live in the software save area and are swapped around every entry.
const (
	RegRAX Reg = iota
	RegRCX
	RegRDX
	RegRBX
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	// Registers below are held in the control structure.
	RegRSP
	RegRIP
	RegRFLAGS
	RegCR0
	RegCR3
	RegCR4
	RegEFER
)

const numGPRs = int(RegR15) + 1

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rsp", "rip", "rflags", "cr0", "cr3", "cr4", "efer",
}

func (r Reg) String() string {
	if r.valid() {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", int(r))
}

// ParseReg looks a register up by its lower-case name.
func ParseReg(name string) (Reg, error) {
	for i, n := range regNames {
		if strings.EqualFold(n, name) {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidRegister, name)
}

func (r Reg) valid() bool {
	return r >= RegRAX && r <= RegEFER
}

func (r Reg) isGPR() bool {
	return r >= RegRAX && r <= RegR15
}

// GPRs is the software-saved general purpose register file.
type GPRs [numGPRs]uint64

// RegBatch represents a batch of register values.
type RegBatch map[Reg]uint64

// RegisterView is the read-only register access handed to device handlers.
type RegisterView interface {
	Get(r Reg) (uint64, error)
}

type regView struct {
	b backend
	v *VCPU
}

func (rv regView) Get(r Reg) (uint64, error) {
	if !r.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRegister, r)
	}
	return rv.b.readRegister(rv.v, r), nil
}

// ReadGuestRegister returns a register of a vCPU that is not running.
func (e *Engine) ReadGuestRegister(h VCPUHandle, r Reg) (uint64, error) {
	if !r.valid() {
		return 0, fmt.Errorf("%w %d (must be %d-%d)", ErrInvalidRegister, r, RegRAX, RegEFER)
	}
	v, err := e.lookupVCPU(h)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.State() == Running {
		return 0, ErrVCPURunning
	}
	e.metrics.recordRegisterOp()
	return e.backend.readRegister(v, r), nil
}

// WriteGuestRegister sets a register of a vCPU that is not running.
func (e *Engine) WriteGuestRegister(h VCPUHandle, r Reg, val uint64) error {
	if !r.valid() {
		return fmt.Errorf("%w %d (must be %d-%d)", ErrInvalidRegister, r, RegRAX, RegEFER)
	}
	v, err := e.lookupVCPU(h)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.State() == Running {
		return ErrVCPURunning
	}
	e.metrics.recordRegisterOp()
	e.backend.writeRegister(v, r, val)
	return nil
}

// GetRegs retrieves multiple registers.
func (e *Engine) GetRegs(h VCPUHandle, regs []Reg) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, reg := range regs {
		val, err := e.ReadGuestRegister(h, reg)
		if err != nil {
			return nil, err
		}
		batch[reg] = val
	}
	return batch, nil
}

// SetRegs sets multiple registers.
func (e *Engine) SetRegs(h VCPUHandle, batch RegBatch) error {
	for reg, val := range batch {
		if err := e.WriteGuestRegister(h, reg, val); err != nil {
			return err
		}
	}
	return nil
}
