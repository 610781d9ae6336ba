package hypervisor

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	controlStructureSize = 4096
	// controlStructureBase is the first physical address handed out by the pool.
	controlStructureBase = 0x2_0000_0000

	notLoaded = -1
)

// CSHandle is an arena index into the control structure pool. The
// generation rejects handles kept past Release.
type CSHandle struct {
	index uint32
	gen   uint32
}

// ControlStructure is one VMCS or VMCB page. Its layout is private to the
// backend variant that owns the pool.
type ControlStructure struct {
	page  []byte
	phys  uint64
	gen   uint32
	inUse bool
	owner VCPUHandle

	loadedOn atomic.Int32
	launched atomic.Bool
}

// Physical returns the physical address of the page.
func (cs *ControlStructure) Physical() uint64 { return cs.phys }

// Owner returns the vCPU the structure belongs to.
func (cs *ControlStructure) Owner() VCPUHandle { return cs.owner }

// LoadedOn returns the core the structure is loaded on, or -1.
func (cs *ControlStructure) LoadedOn() int { return int(cs.loadedOn.Load()) }

// Launched reports whether the structure went through a successful launch
// since it was last cleared.
func (cs *ControlStructure) Launched() bool { return cs.launched.Load() }

func (cs *ControlStructure) read16(off int) uint16 {
	return binary.LittleEndian.Uint16(cs.page[off:])
}

func (cs *ControlStructure) write16(off int, v uint16) {
	binary.LittleEndian.PutUint16(cs.page[off:], v)
}

func (cs *ControlStructure) read32(off int) uint32 {
	return binary.LittleEndian.Uint32(cs.page[off:])
}

func (cs *ControlStructure) write32(off int, v uint32) {
	binary.LittleEndian.PutUint32(cs.page[off:], v)
}

func (cs *ControlStructure) read64(off int) uint64 {
	return binary.LittleEndian.Uint64(cs.page[off:])
}

func (cs *ControlStructure) write64(off int, v uint64) {
	binary.LittleEndian.PutUint64(cs.page[off:], v)
}

// ControlStructurePool owns every control structure of the engine. Pages
// come from one anonymous mapping so each structure is page aligned.
type ControlStructurePool struct {
	mu       sync.Mutex
	vendor   Vendor
	revision uint32
	slab     []byte
	slots    []ControlStructure
	free     []uint32
	closed   bool
}

// NewControlStructurePool maps capacity pages. For VMX pools every page is
// tagged with revision.
func NewControlStructurePool(capacity int, vendor Vendor, revision uint32) (*ControlStructurePool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: control structure capacity %d", ErrResourceExhausted, capacity)
	}
	if ps := unix.Getpagesize(); ps > controlStructureSize || controlStructureSize%ps != 0 {
		return nil, fmt.Errorf("hv: host page size %d cannot back %d byte control structures", ps, controlStructureSize)
	}
	slab, err := unix.Mmap(-1, 0, capacity*controlStructureSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to map control structures: %v", ErrResourceExhausted, err)
	}

	p := &ControlStructurePool{
		vendor:   vendor,
		revision: revision,
		slab:     slab,
		slots:    make([]ControlStructure, capacity),
		free:     make([]uint32, 0, capacity),
	}
	for i := range p.slots {
		cs := &p.slots[i]
		off := i * controlStructureSize
		cs.page = slab[off : off+controlStructureSize : off+controlStructureSize]
		cs.phys = controlStructureBase + uint64(off)
		cs.gen = 1
		cs.loadedOn.Store(notLoaded)
		p.scrub(cs)
	}
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, uint32(i))
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(p, (*ControlStructurePool).finalize)
	return p, nil
}

// scrub zeroes the page and writes the revision tag.
func (p *ControlStructurePool) scrub(cs *ControlStructure) {
	clear(cs.page)
	if p.vendor == VendorVMX {
		// Bit 31 (shadow indicator) stays clear.
		cs.write32(0, p.revision&0x7FFF_FFFF)
	}
	cs.launched.Store(false)
}

// Acquire hands a zeroed, tagged structure to owner.
func (p *ControlStructurePool) Acquire(owner VCPUHandle) (CSHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return CSHandle{}, ErrEngineClosed
	}
	if len(p.free) == 0 {
		return CSHandle{}, fmt.Errorf("%w: all %d control structures in use", ErrResourceExhausted, len(p.slots))
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	cs := &p.slots[idx]
	cs.inUse = true
	cs.owner = owner
	return CSHandle{index: idx, gen: cs.gen}, nil
}

// Release scrubs the structure and returns it to the pool. A structure that
// is still loaded on a core cannot be released.
func (p *ControlStructurePool) Release(h CSHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cs, err := p.getLocked(h)
	if err != nil {
		return err
	}
	if cs.LoadedOn() != notLoaded {
		return fmt.Errorf("%w: core %d", ErrControlStructureBusy, cs.LoadedOn())
	}
	p.scrub(cs)
	cs.inUse = false
	cs.owner = VCPUHandle{}
	cs.gen++
	p.free = append(p.free, h.index)
	return nil
}

// Get resolves a handle.
func (p *ControlStructurePool) Get(h CSHandle) (*ControlStructure, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(h)
}

func (p *ControlStructurePool) getLocked(h CSHandle) (*ControlStructure, error) {
	if int(h.index) >= len(p.slots) {
		return nil, fmt.Errorf("hv: invalid control structure handle %d", h.index)
	}
	cs := &p.slots[h.index]
	if !cs.inUse || cs.gen != h.gen {
		return nil, fmt.Errorf("hv: stale control structure handle %d.%d", h.index, h.gen)
	}
	return cs, nil
}

// Load marks the structure current on core. Loading a structure that is
// current on another core fails; reloading on the same core is a no-op.
func (p *ControlStructurePool) Load(cs *ControlStructure, core int) error {
	if cs.loadedOn.CompareAndSwap(notLoaded, int32(core)) {
		return nil
	}
	if on := cs.LoadedOn(); on != core {
		return fmt.Errorf("%w: loaded on core %d, wanted %d", ErrControlStructureBusy, on, core)
	}
	return nil
}

// Clear marks the structure as not current anywhere and resets its launch
// state. It returns the core it was loaded on, or -1.
func (p *ControlStructurePool) Clear(cs *ControlStructure) int {
	on := int(cs.loadedOn.Swap(notLoaded))
	cs.launched.Store(false)
	return on
}

// Available returns the number of free structures.
func (p *ControlStructurePool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close unmaps the pool. Idempotent.
func (p *ControlStructurePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	runtime.SetFinalizer(p, nil)
	for i := range p.slots {
		p.slots[i].page = nil
	}
	return unix.Munmap(p.slab)
}

// finalize is called by the garbage collector as a safety net
func (p *ControlStructurePool) finalize() {
	if p.mu.TryLock() {
		defer p.mu.Unlock()
		if !p.closed {
			p.closed = true
			unix.Munmap(p.slab)
		}
	}
}
