package pagetables

import (
	"fmt"
	"sync/atomic"
)

// Format selects the hardware encoding of table entries. The walker logic is
// shared; only the bit layout differs between formats.
type Format uint8

const (
	// EPT is the Intel extended page table format.
	EPT Format = iota
	// NPT is the AMD nested page table format (long-mode entries).
	NPT
)

func (f Format) String() string {
	switch f {
	case EPT:
		return "ept"
	case NPT:
		return "npt"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// addressMask selects bits 12..51 of an entry.
const addressMask = 0x000F_FFFF_FFFF_F000

// EPT entry bits.
const (
	eptRead         = 1 << 0
	eptWrite        = 1 << 1
	eptExecute      = 1 << 2
	eptMemTypeShift = 3
	eptMemTypeMask  = 0x7 << eptMemTypeShift
	eptIgnorePAT    = 1 << 6
	eptLarge        = 1 << 7
	eptAccessed     = 1 << 8
	eptDirty        = 1 << 9
	eptPermMask     = eptRead | eptWrite | eptExecute
)

// NPT entry bits.
const (
	nptPresent  = 1 << 0
	nptWrite    = 1 << 1
	nptUser     = 1 << 2
	nptAccessed = 1 << 5
	nptDirty    = 1 << 6
	nptLarge    = 1 << 7
	nptNX       = 1 << 63
)

// PTE is a single translation table entry.
type PTE uint64

// PTEs is one table page.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

func (p *PTE) store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

func (p *PTE) cas(old, new PTE) bool {
	return atomic.CompareAndSwapUint64((*uint64)(p), uint64(old), uint64(new))
}

// Address returns the frame address held in the entry.
func (e PTE) Address() uint64 {
	return uint64(e) & addressMask
}

func (f Format) valid(e PTE) bool {
	if f == NPT {
		return e&nptPresent != 0
	}
	return e&eptPermMask != 0
}

func (f Format) large(e PTE) bool {
	if f == NPT {
		return e&nptLarge != 0
	}
	return e&eptLarge != 0
}

// isLeaf reports whether a valid entry at level terminates the walk.
func (f Format) isLeaf(e PTE, level int) bool {
	return level == leafLevel || f.large(e)
}

func (f Format) table(physical uint64) PTE {
	if f == NPT {
		return PTE(physical&addressMask) | nptPresent | nptWrite | nptUser
	}
	return PTE(physical&addressMask) | eptRead | eptWrite | eptExecute
}

func (f Format) leaf(addr uint64, opts MapOpts, large bool) PTE {
	e := PTE(addr & addressMask)
	if f == NPT {
		e |= nptPresent | nptUser
		if opts.Perms&Write != 0 {
			e |= nptWrite
		}
		if opts.Perms&Execute == 0 {
			e |= nptNX
		}
		if large {
			e |= nptLarge
		}
		return e
	}
	if opts.Perms&Read != 0 {
		e |= eptRead
	}
	if opts.Perms&Write != 0 {
		e |= eptWrite
	}
	if opts.Perms&Execute != 0 {
		e |= eptExecute
	}
	e |= PTE(opts.MemoryType) << eptMemTypeShift & eptMemTypeMask
	e |= eptIgnorePAT
	if large {
		e |= eptLarge
	}
	return e
}

// opts decodes the permissions and memory type of a leaf.
func (f Format) opts(e PTE) MapOpts {
	if f == NPT {
		o := MapOpts{Perms: Read, MemoryType: WriteBack}
		if e&nptWrite != 0 {
			o.Perms |= Write
		}
		if e&nptNX == 0 {
			o.Perms |= Execute
		}
		return o
	}
	var o MapOpts
	if e&eptRead != 0 {
		o.Perms |= Read
	}
	if e&eptWrite != 0 {
		o.Perms |= Write
	}
	if e&eptExecute != 0 {
		o.Perms |= Execute
	}
	o.MemoryType = MemoryType((e & eptMemTypeMask) >> eptMemTypeShift)
	return o
}

func (f Format) accessedBit() PTE {
	if f == NPT {
		return nptAccessed
	}
	return eptAccessed
}

func (f Format) dirtyBit() PTE {
	if f == NPT {
		return nptDirty
	}
	return eptDirty
}

// canEncode reports whether perms is expressible as a leaf in this format.
func (f Format) canEncode(perms Perm) bool {
	if perms == 0 || perms&^(Read|Write|Execute) != 0 {
		return false
	}
	if f == NPT {
		// Every present NPT entry is readable.
		return perms&Read != 0
	}
	// Write without read is an EPT misconfiguration.
	return !(perms&Write != 0 && perms&Read == 0)
}
