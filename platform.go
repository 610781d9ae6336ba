//go:build linux

package hypervisor

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	cpuinfoPath = "/proc/cpuinfo"
	iommuPath   = "/sys/class/iommu"

	msrVMXBasic = 0x480
)

// Supported returns true if the host exposes an enabled VMX or SVM extension
// with second-level translation.
func Supported() (bool, error) {
	caps, err := DetectCapabilities()
	if err != nil {
		return false, err
	}
	_, err = caps.Backend()
	return err == nil, nil
}

// DetectCapabilities builds a Capabilities snapshot for this host.
func DetectCapabilities() (Capabilities, error) {
	f, err := os.Open(cpuinfoPath)
	if err != nil {
		return Capabilities{}, fmt.Errorf("hv: failed to open %s: %w", cpuinfoPath, err)
	}
	defer f.Close()

	caps, err := parseCPUInfo(f)
	if err != nil {
		return Capabilities{}, err
	}
	if entries, err := os.ReadDir(iommuPath); err == nil && len(entries) > 0 {
		caps.IOMMU = true
	}
	if caps.VMX {
		// The msr driver needs privileges; without it the revision stays zero.
		if basic, err := readMSR(0, msrVMXBasic); err == nil {
			caps.VMCSRevision = uint32(basic & 0x7FFF_FFFF)
		}
	}
	return caps, nil
}

func readMSR(cpu int, msr int64) (uint64, error) {
	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], msr)
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("hv: short msr read: %d bytes", n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
