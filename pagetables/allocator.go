package pagetables

import "sync"

// Allocator is used to allocate and map table pages.
type Allocator interface {
	// NewPTEs returns a new, zeroed table page, or nil when the table memory
	// budget is exhausted.
	NewPTEs() *PTEs

	// PhysicalFor returns the physical address of the given table page.
	PhysicalFor(ptes *PTEs) uint64

	// LookupPTEs looks up a table page by physical address.
	LookupPTEs(physical uint64) *PTEs

	// FreePTEs returns a table page to the allocator.
	FreePTEs(ptes *PTEs)
}

// PoolAllocator hands out table pages from a bounded frame budget. Physical
// addresses are synthesized from base, one page per slot, and slots are
// recycled after FreePTEs.
type PoolAllocator struct {
	mu       sync.Mutex
	base     uint64
	limit    int
	next     int
	free     []uint64
	byPhys   map[uint64]*PTEs
	physByPT map[*PTEs]uint64
}

// NewPoolAllocator returns an allocator of at most limit table pages whose
// physical addresses start at base. base must be page aligned.
func NewPoolAllocator(base uint64, limit int) *PoolAllocator {
	return &PoolAllocator{
		base:     base &^ (PageSize - 1),
		limit:    limit,
		byPhys:   make(map[uint64]*PTEs),
		physByPT: make(map[*PTEs]uint64),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *PoolAllocator) NewPTEs() *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()

	var phys uint64
	switch {
	case len(a.free) > 0:
		phys = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case a.next < a.limit:
		phys = a.base + uint64(a.next)*PageSize
		a.next++
	default:
		return nil
	}
	ptes := new(PTEs)
	a.byPhys[phys] = ptes
	a.physByPT[ptes] = phys
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *PoolAllocator) PhysicalFor(ptes *PTEs) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.physByPT[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *PoolAllocator) LookupPTEs(physical uint64) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byPhys[physical&addressMask]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *PoolAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	defer a.mu.Unlock()
	phys, ok := a.physByPT[ptes]
	if !ok {
		return
	}
	delete(a.physByPT, ptes)
	delete(a.byPhys, phys)
	a.free = append(a.free, phys)
}

// InUse returns the number of table pages currently allocated.
func (a *PoolAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byPhys)
}

// Limit returns the frame budget.
func (a *PoolAllocator) Limit() int {
	return a.limit
}
