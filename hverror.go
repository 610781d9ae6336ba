package hypervisor

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Engine status codes. The high half mirrors the hv_return_t family the
// bindings were first written against; HV_FATAL is engine specific.
const (
	HV_SUCCESS             uint32 = 0x00000000
	HV_ERROR               uint32 = 0xFAE94001
	HV_BUSY                uint32 = 0xFAE94002
	HV_BAD_ARGUMENT        uint32 = 0xFAE94003
	HV_ILLEGAL_GUEST_STATE uint32 = 0xFAE94004
	HV_NO_RESOURCES        uint32 = 0xFAE94005
	HV_NO_DEVICE           uint32 = 0xFAE94006
	HV_DENIED              uint32 = 0xFAE94007
	HV_EXISTS              uint32 = 0xFAE94008
	HV_UNSUPPORTED         uint32 = 0xFAE9400F
	HV_FATAL               uint32 = 0xFAE94010
)

// HVError carries an engine status code.
type HVError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is matches any HVError with the same code, so errors.Is(err,
// ErrResourceExhausted) holds for every resource failure.
func (e HVError) Is(target error) bool {
	switch t := target.(type) {
	case HVError:
		return t.Code == e.Code
	case *HVError:
		return t != nil && t.Code == e.Code
	}
	return false
}

// detailedError provides full error context for development
func (e HVError) detailedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hv: success"
	case HV_ERROR:
		return "hv: general error (HV_ERROR) - check engine state and API usage"
	case HV_BUSY:
		return "hv: resource busy (HV_BUSY) - the vCPU is running or the structure is loaded elsewhere"
	case HV_BAD_ARGUMENT:
		return "hv: invalid argument (HV_BAD_ARGUMENT) - check parameter values and alignment"
	case HV_ILLEGAL_GUEST_STATE:
		return "hv: illegal guest state (HV_ILLEGAL_GUEST_STATE) - hardware rejected VM entry"
	case HV_NO_RESOURCES:
		return "hv: insufficient resources (HV_NO_RESOURCES) - control structures or table memory exhausted"
	case HV_NO_DEVICE:
		return "hv: device not found (HV_NO_DEVICE) - no VM or vCPU with that identity"
	case HV_DENIED:
		return "hv: access denied (HV_DENIED) - guest-physical access outside the authorized region"
	case HV_EXISTS:
		return "hv: resource exists (HV_EXISTS) - VM already attached"
	case HV_UNSUPPORTED:
		return "hv: operation unsupported (HV_UNSUPPORTED) - no usable VMX or SVM extension"
	case HV_FATAL:
		return "hv: host state corrupted (HV_FATAL) - the core cannot continue"
	default:
		return fmt.Sprintf("hv: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e HVError) sanitizedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hv: success"
	case HV_ERROR:
		return "hv: general error"
	case HV_BUSY:
		return "hv: resource busy"
	case HV_BAD_ARGUMENT:
		return "hv: invalid argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "hv: illegal guest state"
	case HV_NO_RESOURCES:
		return "hv: insufficient resources"
	case HV_NO_DEVICE:
		return "hv: device not found"
	case HV_DENIED:
		return "hv: access denied"
	case HV_EXISTS:
		return "hv: resource exists"
	case HV_UNSUPPORTED:
		return "hv: operation unsupported"
	case HV_FATAL:
		return "hv: host state corrupted"
	default:
		return "hv: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Error taxonomy surfaced to callers.
var (
	ErrUnsupportedHardware = &HVError{Code: HV_UNSUPPORTED, message: "hv: unsupported hardware"}
	ErrResourceExhausted   = &HVError{Code: HV_NO_RESOURCES, message: "hv: resource exhausted"}
	ErrEntryFailure        = &HVError{Code: HV_ILLEGAL_GUEST_STATE, message: "hv: VM entry failed"}
	ErrIsolationViolation  = &HVError{Code: HV_DENIED, message: "hv: isolation violation"}
	ErrHostStateCorrupted  = &HVError{Code: HV_FATAL, message: "hv: host state corrupted"}
	ErrGuestFatal          = &HVError{Code: HV_ERROR, message: "hv: unrecoverable guest exit"}
)

// Common specific errors for API consumers
var (
	ErrEngineClosed         = &HVError{Code: HV_ERROR, message: "hv: engine is closed"}
	ErrInvalidAlignment     = &HVError{Code: HV_BAD_ARGUMENT, message: "hv: address not page-aligned"}
	ErrInvalidRegister      = &HVError{Code: HV_BAD_ARGUMENT, message: "hv: invalid register"}
	ErrInvalidPermissions   = &HVError{Code: HV_BAD_ARGUMENT, message: "hv: invalid memory permissions"}
	ErrInvalidRange         = &HVError{Code: HV_BAD_ARGUMENT, message: "hv: invalid guest range"}
	ErrRegionOverlap        = &HVError{Code: HV_EXISTS, message: "hv: region overlaps an existing region"}
	ErrInvalidState         = &HVError{Code: HV_BUSY, message: "hv: vCPU not in a valid state for this operation"}
	ErrVCPURunning          = &HVError{Code: HV_BUSY, message: "hv: vCPU is running"}
	ErrControlStructureBusy = &HVError{Code: HV_BUSY, message: "hv: control structure loaded on another core"}
	ErrNoSuchVM             = &HVError{Code: HV_NO_DEVICE, message: "hv: no such VM"}
	ErrNoSuchVCPU           = &HVError{Code: HV_NO_DEVICE, message: "hv: no such vCPU"}
	ErrVMAlreadyAttached    = &HVError{Code: HV_EXISTS, message: "hv: VM already attached"}
	ErrVMBusy               = &HVError{Code: HV_BUSY, message: "hv: VM still has vCPUs or mapped regions"}
	ErrAdmissionDenied      = &HVError{Code: HV_NO_RESOURCES, message: "hv: real-time admission denied"}
)

// EntryFailure reports a VM entry the hardware rejected.
type EntryFailure struct {
	VCPU VCPUHandle
	// Reason is the VM-instruction error number (VMX VMfail), the basic exit
	// reason with the entry-failure bit (VMX), or the raw exit code (SVM).
	Reason uint64
	Detail string
}

func (e *EntryFailure) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("hv: VM entry failed for vcpu %v: reason %#x: %s", e.VCPU, e.Reason, e.Detail)
	}
	return fmt.Sprintf("hv: VM entry failed for vcpu %v: reason %#x", e.VCPU, e.Reason)
}

func (e *EntryFailure) Unwrap() error { return ErrEntryFailure }

// IsolationViolation reports a guest access outside its authorized region.
type IsolationViolation struct {
	VM     uuid.UUID
	VCPU   VCPUHandle
	GPA    uint64
	Access MemPerm
}

func (e *IsolationViolation) Error() string {
	if isProductionEnv() {
		return "hv: isolation violation"
	}
	return fmt.Sprintf("hv: isolation violation: vm %s vcpu %v %v access to gpa %#x", e.VM, e.VCPU, e.Access, e.GPA)
}

func (e *IsolationViolation) Unwrap() error { return ErrIsolationViolation }
