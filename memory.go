package hypervisor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-hvengine/pagetables"
	"github.com/google/uuid"
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

func (p MemPerm) String() string {
	return pagetables.Perm(p).String()
}

// ParseMemPerm accepts "rwx"-style strings such as "rw" or "r-x".
func ParseMemPerm(s string) (MemPerm, error) {
	var p MemPerm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= MemRead
		case 'w':
			p |= MemWrite
		case 'x':
			p |= MemExec
		case '-':
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidPermissions, s)
		}
	}
	return p, nil
}

func (p MemPerm) tablePerm() pagetables.Perm { return pagetables.Perm(p) }

// GuestFrame is a guest-physical page frame number.
type GuestFrame uint64

// Addr returns the guest-physical byte address of the frame.
func (f GuestFrame) Addr() uint64 { return uint64(f) << pagetables.PageShift }

// HostFrame is a host-physical page frame number.
type HostFrame uint64

// Addr returns the host-physical byte address of the frame.
func (f HostFrame) Addr() uint64 { return uint64(f) << pagetables.PageShift }

// Region is a guest-physical range backed by host frames.
type Region struct {
	Guest GuestFrame `json:"guest"`
	Host  HostFrame  `json:"host"`
	Size  uint64     `json:"size"`
	Perms MemPerm    `json:"perms"`
	// Lazy regions are authorized but materialized on first touch.
	Lazy bool `json:"lazy"`

	frames frameRange
}

func (r Region) start() uint64 { return r.Guest.Addr() }
func (r Region) end() uint64   { return r.Guest.Addr() + r.Size }

func (r Region) contains(gpa uint64) bool { return gpa >= r.start() && gpa < r.end() }

// slice returns the part of r within [start, end).
func (r Region) slice(start, end uint64) Region {
	start, end = max(start, r.start()), min(end, r.end())
	if end <= start {
		return Region{}
	}
	off := start - r.start()
	return Region{
		Guest: GuestFrame(start >> pagetables.PageShift),
		Host:  HostFrame((r.Host.Addr() + off) >> pagetables.PageShift),
		Size:  end - start,
		Perms: r.Perms,
		Lazy:  r.Lazy,
	}
}

func (r Region) claim(vm uuid.UUID, strict bool) frameRange {
	return frameRange{
		start:    r.Host.Addr(),
		end:      r.Host.Addr() + r.Size,
		vm:       vm,
		writable: r.Perms&MemWrite != 0,
		strict:   strict,
	}
}

// Mapping is one installed translation leaf as seen by IterateMappings.
type Mapping struct {
	Guest    GuestFrame `json:"guest"`
	Host     HostFrame  `json:"host"`
	Size     uint64     `json:"size"`
	Perms    MemPerm    `json:"perms"`
	Accessed bool       `json:"accessed"`
	Dirty    bool       `json:"dirty"`
}

func isPageAligned(addr uint64) bool {
	return addr&(pagetables.PageSize-1) == 0
}

func validatePerms(perms MemPerm, format pagetables.Format) error {
	// Validate permissions - must have at least one permission set
	if perms == 0 {
		return fmt.Errorf("%w: at least one of read, write or exec is required", ErrInvalidPermissions)
	}
	validPerms := MemRead | MemWrite | MemExec
	if perms&^validPerms != 0 {
		return fmt.Errorf("%w: bits 0x%x (valid: 0x%x)", ErrInvalidPermissions, perms, validPerms)
	}
	if format == pagetables.NPT && perms&MemRead == 0 {
		return fmt.Errorf("%w: %v not expressible in %v tables", ErrInvalidPermissions, perms, format)
	}
	if format == pagetables.EPT && perms&(MemRead|MemWrite) == MemWrite {
		return fmt.Errorf("%w: write without read is not expressible in %v tables", ErrInvalidPermissions, format)
	}
	return nil
}

func validateRange(gf GuestFrame, size uint64) error {
	if size == 0 {
		return fmt.Errorf("%w: size must be non-zero", ErrInvalidRange)
	}
	if !isPageAligned(size) {
		return fmt.Errorf("%w: size not page multiple: %d (page size: %d)", ErrInvalidAlignment, size, pagetables.PageSize)
	}
	// Prevent integer overflow
	if gf > GuestFrame(math.MaxUint64>>pagetables.PageShift) || gf.Addr() > math.MaxUint64-size {
		return fmt.Errorf("%w: guest address range would overflow", ErrInvalidRange)
	}
	if gf.Addr()+size > pagetables.MaxAddress {
		return fmt.Errorf("%w: %#x+%#x exceeds the guest-physical address space", ErrInvalidRange, gf.Addr(), size)
	}
	return nil
}

func validateHost(hf HostFrame, size uint64) error {
	if hf > HostFrame(math.MaxUint64>>pagetables.PageShift) || hf.Addr() > math.MaxUint64-size {
		return fmt.Errorf("%w: host address range would overflow", ErrInvalidRange)
	}
	return nil
}

// tableError maps builder failures onto the engine taxonomy.
func tableError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pagetables.ErrNoMemory):
		return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	case errors.Is(err, pagetables.ErrUnaligned):
		return fmt.Errorf("%w: %v", ErrInvalidAlignment, err)
	case errors.Is(err, pagetables.ErrPermissions):
		return fmt.Errorf("%w: %v", ErrInvalidPermissions, err)
	case errors.Is(err, pagetables.ErrRange):
		return fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return err
}

// tagPool hands out VPIDs or ASIDs. Tag 0 belongs to the host. On SVM,
// ASID 1 is reserved as the shared guest ASID used once tags run out.
type tagPool struct {
	mu     sync.Mutex
	next   uint32
	max    uint32
	shared uint32
	free   []uint32
}

// sharedASID is flushed on every VMRUN that uses it.
const sharedASID uint32 = 1

func newTagPool(caps Capabilities, vendor Vendor) *tagPool {
	p := &tagPool{next: 1}
	switch vendor {
	case VendorVMX:
		if caps.VPID {
			p.max = 0xFFFF
		}
	case VendorSVM:
		p.shared = sharedASID
		p.next = sharedASID + 1
		if caps.ASIDs > 1 {
			p.max = caps.ASIDs - 1
		}
	}
	return p
}

// get returns a fresh tag. When tags are unavailable or exhausted it returns
// the shared tag: 0 on VMX (untagged), sharedASID on SVM. Every switch to a
// shared tag flushes the whole cache.
func (p *tagPool) get() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		t := p.free[n-1]
		p.free = p.free[:n-1]
		return t
	}
	if p.next > p.max {
		return p.shared
	}
	p.next++
	return p.next - 1
}

func (p *tagPool) put(t uint32) {
	if t == 0 || t == p.shared {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, t)
	p.mu.Unlock()
}

// addressSpace is the second-level translation of one VM. Every mutation
// and the invalidation it requires happen under mu.
type addressSpace struct {
	mu      sync.Mutex
	e       *Engine
	vm      *VirtualMachine
	tables  *pagetables.PageTables
	tag     uint32
	regions []Region // sorted by guest address, disjoint
	refs    atomic.Int32
}

func (e *Engine) newAddressSpace(vm *VirtualMachine) (*addressSpace, error) {
	tables, err := pagetables.New(e.tables, pagetables.Options{
		Format:  e.backend.tableFormat(),
		Allow2M: e.cfg.LargePages && e.caps.LargePages2M,
		Allow1G: e.cfg.LargePages && e.caps.LargePages1G,
	})
	if err != nil {
		return nil, tableError(err)
	}
	s := &addressSpace{e: e, vm: vm, tables: tables, tag: e.tags.get()}
	s.refs.Store(1)
	return s, nil
}

func (s *addressSpace) acquire() { s.refs.Add(1) }

// release drops a reference and frees the tables with the last one.
func (s *addressSpace) release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		s.e.frames.release(r.frames)
	}
	s.regions = nil
	err := s.flushLocked(0, 0)
	s.tables.Release()
	s.e.tags.put(s.tag)
	return err
}

func (s *addressSpace) root() (uint64, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.Root(), s.tag
}

func (s *addressSpace) usage() (regions int, mapped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if !r.Lazy {
			mapped += r.Size
		}
	}
	return len(s.regions), mapped
}

// flushLocked invalidates cached translations of the range on every core.
func (s *addressSpace) flushLocked(start, length uint64) error {
	s.e.metrics.recordInvalidation()
	if err := s.e.backend.invalidate(s.tables.Root(), s.tag, start, length); err != nil {
		return fmt.Errorf("%w: invalidation of %#x+%#x failed: %v", ErrHostStateCorrupted, start, length, err)
	}
	return nil
}

func (s *addressSpace) overlapping(start, end uint64) []int {
	var idx []int
	for i, r := range s.regions {
		if r.start() < end && start < r.end() {
			idx = append(idx, i)
		}
	}
	return idx
}

func (s *addressSpace) insertLocked(rs ...Region) {
	s.regions = append(s.regions, rs...)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].start() < s.regions[j].start() })
}

// add installs a region, eagerly unless it is lazy.
func (s *addressSpace) add(r Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.overlapping(r.start(), r.end())) > 0 {
		return fmt.Errorf("%w: %#x+%#x", ErrRegionOverlap, r.start(), r.Size)
	}
	want := r.claim(s.vm.id, s.vm.policy.Isolation == IsolationStrict)
	claim, conflict := s.e.frames.reserve(want.vm, want.start, want.end, want.writable, want.strict)
	if conflict != nil {
		s.e.metrics.recordSecurityError()
		s.e.log.WithField("vm", s.vm.id).WithField("owner", conflict.vm).
			WithField("claimants", s.e.frames.owners(want.start, want.end)).
			Warnf("host frames %#x-%#x already claimed", want.start, want.end)
		return &IsolationViolation{VM: s.vm.id, GPA: r.start(), Access: r.Perms}
	}
	r.frames = claim

	if !r.Lazy {
		changed, err := s.tables.Map(r.start(), r.Size, r.Host.Addr(), pagetables.MapOpts{
			Perms:      r.Perms.tablePerm(),
			MemoryType: pagetables.WriteBack,
		})
		if err != nil {
			s.tables.Unmap(r.start(), r.Size)
			s.e.frames.release(claim)
			if ferr := s.flushLocked(r.start(), r.Size); ferr != nil {
				return ferr
			}
			return tableError(err)
		}
		if changed {
			if err := s.flushLocked(r.start(), r.Size); err != nil {
				return err
			}
		}
	}
	s.insertLocked(r)
	return nil
}

// cutLocked removes [start, end) from the region list and returns the
// removed parts. The kept parts keep their frame claims.
func (s *addressSpace) cutLocked(start, end uint64, edit func(Region) *Region) []Region {
	idx := s.overlapping(start, end)
	if len(idx) == 0 {
		return nil
	}
	strict := s.vm.policy.Isolation == IsolationStrict
	var removed, added []Region
	kept := s.regions[:0:0]
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
	}
	for i, r := range s.regions {
		if !drop[i] {
			kept = append(kept, r)
			continue
		}
		pieces := []Region{r.slice(r.start(), start), r.slice(end, r.end())}
		mid := r.slice(start, end)
		removed = append(removed, mid)
		if edit != nil {
			if m := edit(mid); m != nil {
				pieces = append(pieces, *m)
			}
		}
		var claims []frameRange
		var live []Region
		for _, p := range pieces {
			if p.Size == 0 {
				continue
			}
			live = append(live, p)
			claims = append(claims, p.claim(s.vm.id, strict))
		}
		claims = s.e.frames.replace(r.frames, claims...)
		for j := range live {
			live[j].frames = claims[j]
		}
		added = append(added, live...)
	}
	s.regions = kept
	s.insertLocked(added...)
	return removed
}

// remove unmaps [start, end). Nothing mapped there is not an error.
func (s *addressSpace) remove(start, end uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Regions and frame claims are only dropped once the translations are
	// gone. A failed split leaves the range claimed.
	changed, err := s.tables.Unmap(start, end-start)
	if changed {
		if ferr := s.flushLocked(start, end-start); ferr != nil {
			return true, ferr
		}
	}
	if err != nil {
		return changed, tableError(err)
	}
	removed := s.cutLocked(start, end, nil)
	return len(removed) > 0 || changed, nil
}

// protect narrows the permissions of every region in [start, end).
func (s *addressSpace) protect(start, end uint64, perms MemPerm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.overlapping(start, end)
	if len(idx) == 0 {
		return fmt.Errorf("%w: nothing mapped at %#x+%#x", ErrInvalidRange, start, end-start)
	}
	for _, i := range idx {
		if perms&^s.regions[i].Perms != 0 {
			return fmt.Errorf("%w: %v exceeds region permissions %v", ErrInvalidPermissions, perms, s.regions[i].Perms)
		}
	}
	changed, err := s.tables.Protect(start, end-start, perms.tablePerm())
	if changed {
		if ferr := s.flushLocked(start, end-start); ferr != nil {
			return ferr
		}
	}
	if err != nil {
		// Keep the wider claim: part of the range may still be writable.
		return tableError(err)
	}
	s.cutLocked(start, end, func(r Region) *Region {
		r.Perms = perms
		return &r
	})
	return nil
}

// resolveFault handles a second-level fault at gpa. Inside an authorized
// region it maps the largest aligned chunk; outside, or against the region
// permissions, it reports an isolation violation.
func (s *addressSpace) resolveFault(gpa uint64, access MemPerm, large bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r *Region
	for i := range s.regions {
		if s.regions[i].contains(gpa) {
			r = &s.regions[i]
			break
		}
	}
	if r == nil || access&^r.Perms != 0 {
		return 0, &IsolationViolation{VM: s.vm.id, GPA: gpa, Access: access}
	}

	start, size := gpa&^uint64(pagetables.PageSize-1), uint64(pagetables.PageSize)
	if large {
		chunk := gpa &^ uint64(pagetables.PMDSize-1)
		host := r.Host.Addr() + (chunk - r.start())
		if chunk >= r.start() && chunk+pagetables.PMDSize <= r.end() && host%pagetables.PMDSize == 0 {
			start, size = chunk, pagetables.PMDSize
		}
	}
	host := r.Host.Addr() + (start - r.start())
	changed, err := s.tables.Map(start, size, host, pagetables.MapOpts{
		Perms:      r.Perms.tablePerm(),
		MemoryType: pagetables.WriteBack,
	})
	if err != nil {
		s.tables.Unmap(start, size)
		return 0, tableError(err)
	}
	if changed {
		if err := s.flushLocked(start, size); err != nil {
			return 0, err
		}
	}
	return size, nil
}

func (e *Engine) space(id uuid.UUID) (*VirtualMachine, *addressSpace, error) {
	vm, err := e.lookupVM(id)
	if err != nil {
		return nil, nil, err
	}
	vm.mu.Lock()
	s := vm.space
	vm.mu.Unlock()
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s is detached", ErrNoSuchVM, id)
	}
	return vm, s, nil
}

// MapRegion maps size bytes of host frames at guest frame gf with perms.
// Host frames already mapped writable by another VM, or mapped at all when
// this mapping is writable, are rejected with an IsolationViolation.
func (e *Engine) MapRegion(id uuid.UUID, gf GuestFrame, hf HostFrame, size uint64, perms MemPerm) error {
	return e.addRegion(id, Region{Guest: gf, Host: hf, Size: size, Perms: perms})
}

// AuthorizeRegion grants the VM access to a region without mapping it.
// Pages are mapped on first touch in the largest aligned chunk.
func (e *Engine) AuthorizeRegion(id uuid.UUID, gf GuestFrame, hf HostFrame, size uint64, perms MemPerm) error {
	return e.addRegion(id, Region{Guest: gf, Host: hf, Size: size, Perms: perms, Lazy: true})
}

func (e *Engine) addRegion(id uuid.UUID, r Region) error {
	if err := validateRange(r.Guest, r.Size); err != nil {
		return err
	}
	if err := validateHost(r.Host, r.Size); err != nil {
		return err
	}
	if err := validatePerms(r.Perms, e.backend.tableFormat()); err != nil {
		return err
	}
	vm, s, err := e.space(id)
	if err != nil {
		return err
	}
	if err := s.add(r); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			e.metrics.recordResourceError()
		}
		return fmt.Errorf("failed to map %d bytes at 0x%x with perms %v: %w", r.Size, r.Guest.Addr(), r.Perms, err)
	}

	e.metrics.recordMapOperation()
	e.log.WithField("vm", vm.id).Debugf("mapped %#x+%#x -> %#x %v lazy=%v", r.Guest.Addr(), r.Size, r.Host.Addr(), r.Perms, r.Lazy)
	return nil
}

// UnmapRegion removes any mapping in [gf, gf+size). Unmapped parts of the
// range are ignored.
func (e *Engine) UnmapRegion(id uuid.UUID, gf GuestFrame, size uint64) error {
	if err := validateRange(gf, size); err != nil {
		return err
	}
	_, s, err := e.space(id)
	if err != nil {
		return err
	}
	if _, err := s.remove(gf.Addr(), gf.Addr()+size); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			e.metrics.recordResourceError()
		}
		return fmt.Errorf("failed to unmap region 0x%x+%d: %w", gf.Addr(), size, err)
	}
	e.metrics.recordUnmapOperation()
	return nil
}

// ProtectRegion narrows the permissions of [gf, gf+size).
func (e *Engine) ProtectRegion(id uuid.UUID, gf GuestFrame, size uint64, perms MemPerm) error {
	if err := validateRange(gf, size); err != nil {
		return err
	}
	if err := validatePerms(perms, e.backend.tableFormat()); err != nil {
		return err
	}
	_, s, err := e.space(id)
	if err != nil {
		return err
	}
	if err := s.protect(gf.Addr(), gf.Addr()+size, perms); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			e.metrics.recordResourceError()
		}
		return fmt.Errorf("failed to protect region 0x%x+%d: %w", gf.Addr(), size, err)
	}
	e.metrics.recordProtectOperation()
	return nil
}

// Walk translates a guest frame through the VM's tables.
func (e *Engine) Walk(id uuid.UUID, gf GuestFrame) (HostFrame, bool) {
	_, s, err := e.space(id)
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	phys, _, _, ok := s.tables.Lookup(gf.Addr())
	if !ok {
		return 0, false
	}
	return HostFrame(phys >> pagetables.PageShift), true
}

// IterateMappings calls fn for each installed leaf in guest address order
// until fn returns false. fn must not call back into the engine's memory
// API for the same VM.
func (e *Engine) IterateMappings(id uuid.UUID, fn func(Mapping) bool) error {
	_, s, err := e.space(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.Iterate(0, pagetables.MaxAddress, func(l pagetables.Leaf) bool {
		return fn(Mapping{
			Guest:    GuestFrame(l.Addr >> pagetables.PageShift),
			Host:     HostFrame(l.Physical >> pagetables.PageShift),
			Size:     l.Length,
			Perms:    MemPerm(l.Opts.Perms),
			Accessed: l.Accessed,
			Dirty:    l.Dirty,
		})
	})
	return nil
}

// ResetAccessedDirty clears the accessed and dirty bits of every leaf.
func (e *Engine) ResetAccessedDirty(id uuid.UUID) error {
	_, s, err := e.space(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.ClearAccessedDirty(0, pagetables.MaxAddress)
	return s.flushLocked(0, 0)
}

// Regions returns the regions of the VM in guest address order.
func (e *Engine) Regions(id uuid.UUID) ([]Region, error) {
	_, s, err := e.space(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Region, len(s.regions))
	copy(out, s.regions)
	return out, nil
}
