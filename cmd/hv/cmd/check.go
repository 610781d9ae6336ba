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
	"fmt"

	hypervisor "github.com/blacktop/go-hvengine"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var (
	okColor   = color.New(color.FgGreen, color.Bold).SprintFunc()
	failColor = color.New(color.FgRed, color.Bold).SprintFunc()
)

func mark(ok bool) string {
	if ok {
		return okColor("yes")
	}
	return failColor("no")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check hardware virtualization support",
	RunE: func(cmd *cobra.Command, args []string) error {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err == nil {
			fmt.Printf("host: %s %s (%s)\n", unix.ByteSliceToString(uts.Sysname[:]),
				unix.ByteSliceToString(uts.Release[:]), unix.ByteSliceToString(uts.Machine[:]))
		}

		caps, err := hypervisor.DetectCapabilities()
		if err != nil {
			fmt.Printf("hv support: %s (%v)\n", failColor("error"), err)
			return nil
		}
		vendor, err := caps.Backend()
		if err != nil {
			fmt.Printf("hv support: %s\n", mark(false))
		} else {
			fmt.Printf("hv support: %s (%s)\n", mark(true), vendor)
		}

		fmt.Printf("  cores:            %d\n", caps.Cores)
		fmt.Printf("  vmx:              %s\n", mark(caps.VMX))
		fmt.Printf("  ept:              %s\n", mark(caps.EPT))
		fmt.Printf("  vpid:             %s\n", mark(caps.VPID))
		fmt.Printf("  preemption timer: %s\n", mark(caps.PreemptionTimer))
		fmt.Printf("  posted intr:      %s\n", mark(caps.PostedInterrupts))
		fmt.Printf("  svm:              %s\n", mark(caps.SVM))
		fmt.Printf("  npt:              %s\n", mark(caps.NPT))
		fmt.Printf("  nrip save:        %s\n", mark(caps.NRIPSave))
		fmt.Printf("  avic:             %s\n", mark(caps.AVIC))
		fmt.Printf("  2M / 1G pages:    %s / %s\n", mark(caps.LargePages2M), mark(caps.LargePages1G))
		fmt.Printf("  accessed/dirty:   %s\n", mark(caps.AccessedDirty))
		fmt.Printf("  iommu:            %s\n", mark(caps.IOMMU))
		if caps.VMX {
			fmt.Printf("  vmcs revision:    %#x\n", caps.VMCSRevision)
		}
		return nil
	},
}
