// Package pagetables builds the second-level (guest-physical to host-physical)
// translation tables walked by the processor during guest execution.
//
// Tables are four-level radix trees of 512-entry pages. Leaves exist at
// 4 KiB, 2 MiB and 1 GiB granularity; Map always installs the largest leaf the
// alignment of both addresses allows, and folds a fully populated contiguous
// table back into a single larger leaf. Partial Unmap and Protect split large
// leaves while keeping the remaining sub-mappings intact.
//
// PageTables is not safe for concurrent mutation; callers serialize Map,
// Unmap and Protect. Entries are written atomically, so Translate may run
// concurrently with a mutation the same way the hardware walker does.
package pagetables

import (
	"errors"
	"fmt"
	"strings"
)

// Granularities of the four walk levels.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PMDShift  = 21
	PMDSize   = 1 << PMDShift
	PUDShift  = 30
	PUDSize   = 1 << PUDShift
	PGDShift  = 39

	// MaxAddress bounds the guest-physical space of a four-level walk.
	MaxAddress = 1 << 48

	entriesPerPage = 512
	leafLevel      = 3
)

var levelShift = [...]uint{PGDShift, PUDShift, PMDShift, PageShift}

// Perm is a leaf access permission set.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Execute
)

func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{Read, 'r'}, {Write, 'w'}, {Execute, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// MemoryType is the EPT memory type of a leaf.
type MemoryType uint8

const (
	Uncacheable    MemoryType = 0
	WriteCombining MemoryType = 1
	WriteThrough   MemoryType = 4
	WriteProtected MemoryType = 5
	WriteBack      MemoryType = 6
)

// MapOpts are the attributes of a leaf.
type MapOpts struct {
	Perms      Perm
	MemoryType MemoryType
}

// Options configure a set of tables.
type Options struct {
	Format Format
	// Allow2M and Allow1G enable large leaves.
	Allow2M bool
	Allow1G bool
}

var (
	ErrNoMemory    = errors.New("pagetables: table memory exhausted")
	ErrUnaligned   = errors.New("pagetables: address or length not page aligned")
	ErrRange       = errors.New("pagetables: range exceeds guest-physical address space")
	ErrPermissions = errors.New("pagetables: permissions not encodable")
)

// PageTables is one guest's translation tables.
type PageTables struct {
	// Allocator is used to allocate and look up table pages.
	Allocator Allocator

	opts         Options
	root         *PTEs
	rootPhysical uint64
}

// New returns empty tables with a freshly allocated root.
func New(a Allocator, opts Options) (*PageTables, error) {
	root := a.NewPTEs()
	if root == nil {
		return nil, ErrNoMemory
	}
	return &PageTables{
		Allocator:    a,
		opts:         opts,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() uint64 {
	return p.rootPhysical
}

// Format returns the entry format of the tables.
func (p *PageTables) Format() Format {
	return p.opts.Format
}

func (p *PageTables) leafAllowed(level int) bool {
	switch level {
	case leafLevel:
		return true
	case leafLevel - 1:
		return p.opts.Allow2M
	case leafLevel - 2:
		return p.opts.Allow1G
	default:
		return false
	}
}

func checkRange(addr, length uint64) error {
	if addr&(PageSize-1) != 0 || length&(PageSize-1) != 0 {
		return ErrUnaligned
	}
	if addr >= MaxAddress || length > MaxAddress-addr {
		return ErrRange
	}
	return nil
}

// Map installs a mapping of [addr, addr+length) to physical.
//
// True is returned iff an existing mapping in the range was changed. On
// ErrNoMemory the range may be partially mapped; the caller unmaps it.
func (p *PageTables) Map(addr, length, physical uint64, opts MapOpts) (bool, error) {
	if err := checkRange(addr, length); err != nil {
		return false, err
	}
	if physical&(PageSize-1) != 0 || physical > addressMask {
		return false, ErrUnaligned
	}
	if !p.opts.Format.canEncode(opts.Perms) {
		return false, fmt.Errorf("%w: %v in %v", ErrPermissions, opts.Perms, p.opts.Format)
	}
	v := mapVisitor{
		format:   p.opts.Format,
		target:   addr,
		physical: physical,
		opts:     opts,
	}
	w := walker{pt: p, visitor: &v}
	err := w.iterateRange(addr, addr+length)
	return v.changed, err
}

// Unmap removes mappings in [addr, addr+length). Ranges with nothing mapped
// are ignored.
//
// True is returned iff there was a mapping in the range.
func (p *PageTables) Unmap(addr, length uint64) (bool, error) {
	if err := checkRange(addr, length); err != nil {
		return false, err
	}
	var v unmapVisitor
	w := walker{pt: p, visitor: &v}
	err := w.iterateRange(addr, addr+length)
	return v.count > 0, err
}

// Protect changes the permissions of mappings in [addr, addr+length). A zero
// perms removes them.
//
// True is returned iff any leaf changed.
func (p *PageTables) Protect(addr, length uint64, perms Perm) (bool, error) {
	if err := checkRange(addr, length); err != nil {
		return false, err
	}
	if perms != 0 && !p.opts.Format.canEncode(perms) {
		return false, fmt.Errorf("%w: %v in %v", ErrPermissions, perms, p.opts.Format)
	}
	v := protectVisitor{format: p.opts.Format, perms: perms}
	w := walker{pt: p, visitor: &v}
	err := w.iterateRange(addr, addr+length)
	return v.changed, err
}

// Lookup returns the physical address addr translates to, along with the
// attributes and size of the leaf holding it.
func (p *PageTables) Lookup(addr uint64) (physical uint64, opts MapOpts, size uint64, ok bool) {
	if addr >= MaxAddress {
		return 0, MapOpts{}, 0, false
	}
	v := lookupVisitor{format: p.opts.Format, addr: addr}
	w := walker{pt: p, visitor: &v}
	page := addr &^ (PageSize - 1)
	w.iterateRange(page, page+PageSize)
	return v.physical, v.opts, v.size, v.found
}

// Leaf describes one installed leaf.
type Leaf struct {
	Addr     uint64
	Length   uint64
	Physical uint64
	Opts     MapOpts
	Accessed bool
	Dirty    bool
}

// Iterate calls fn for each leaf intersecting [start, end) in address order
// until fn returns false. Iterate never modifies the tables.
func (p *PageTables) Iterate(start, end uint64, fn func(Leaf) bool) {
	if end > MaxAddress {
		end = MaxAddress
	}
	v := iterateVisitor{format: p.opts.Format, fn: fn}
	w := walker{pt: p, visitor: &v}
	v.stop = &w.stop
	w.iterateRange(start&^(PageSize-1), end)
}

// ClearAccessedDirty resets the accessed and dirty bits of every leaf
// intersecting [start, end).
func (p *PageTables) ClearAccessedDirty(start, end uint64) {
	if end > MaxAddress {
		end = MaxAddress
	}
	v := clearVisitor{format: p.opts.Format}
	w := walker{pt: p, visitor: &v}
	w.iterateRange(start&^(PageSize-1), end)
}

// Release frees every table page, the root included. The tables must not be
// used afterwards.
func (p *PageTables) Release() {
	if p.root == nil {
		return
	}
	p.freeTables(p.root, 0)
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	p.rootPhysical = 0
}

func (p *PageTables) freeTables(entries *PTEs, level int) {
	if level == leafLevel {
		return
	}
	f := p.opts.Format
	for i := range entries {
		e := entries[i].load()
		if !f.valid(e) || f.isLeaf(e, level) {
			continue
		}
		if child := p.Allocator.LookupPTEs(e.Address()); child != nil {
			p.freeTables(child, level+1)
			p.Allocator.FreePTEs(child)
		}
		entries[i].store(0)
	}
}
