package pagetables

// visitor is driven by walker over every entry in a range.
type visitor interface {
	// requiresAlloc returns true if missing intermediate tables should be
	// allocated on the way down.
	requiresAlloc() bool

	// requiresSplit returns true if a large leaf only partially covered by
	// the range must be split before visiting. Visitors that split are the
	// ones that mutate structure, so the walker also folds and frees child
	// tables after them.
	requiresSplit() bool

	// visitEmpty is called for an absent entry whose slot may hold a leaf
	// covering exactly [start, start+size). It returns false if no leaf was
	// installed, in which case the walker allocates the next level instead.
	visitEmpty(start, size uint64, pte *PTE, level int) bool

	// visit is called for a present leaf. Returning false for a large leaf
	// asks the walker to split it and descend.
	visit(start, end uint64, pte *PTE, level int) bool
}

type walker struct {
	pt      *PageTables
	visitor visitor
	err     error
	stop    bool
}

// addrEnd returns the end of the current slot, bounded by end.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr &^ (size - 1)) + size
	if next > end || next < addr {
		return end
	}
	return next
}

func (w *walker) iterateRange(start, end uint64) error {
	if start >= end || w.pt.root == nil {
		return nil
	}
	w.walk(w.pt.root, 0, start, end)
	return w.err
}

func (w *walker) walk(entries *PTEs, level int, start, end uint64) {
	f := w.pt.opts.Format
	shift := levelShift[level]
	size := uint64(1) << shift

	for start < end && w.err == nil && !w.stop {
		next := addrEnd(start, end, size)
		pte := &entries[(start>>shift)&(entriesPerPage-1)]
		covers := start&(size-1) == 0 && next-start == size
		e := pte.load()

		switch {
		case !f.valid(e):
			if !w.visitor.requiresAlloc() {
				start = next
				continue
			}
			if w.pt.leafAllowed(level) && covers && w.visitor.visitEmpty(start, size, pte, level) {
				start = next
				continue
			}
			if level == leafLevel {
				start = next
				continue
			}
			child := w.pt.Allocator.NewPTEs()
			if child == nil {
				w.err = ErrNoMemory
				return
			}
			pte.store(f.table(w.pt.Allocator.PhysicalFor(child)))

		case f.isLeaf(e, level):
			if level == leafLevel || covers || !w.visitor.requiresSplit() {
				if w.visitor.visit(start, next, pte, level) || level == leafLevel {
					start = next
					continue
				}
			}
			if !w.split(pte, level) {
				return
			}
		}

		child := w.pt.Allocator.LookupPTEs(pte.load().Address())
		if child == nil {
			start = next
			continue
		}
		w.walk(child, level+1, start, next)
		if w.visitor.requiresSplit() {
			w.fold(pte, child, level)
		}
		start = next
	}
}

// split replaces the large leaf at pte with a table of next-level leaves
// describing the same translation, accessed and dirty state included.
func (w *walker) split(pte *PTE, level int) bool {
	f := w.pt.opts.Format
	child := w.pt.Allocator.NewPTEs()
	if child == nil {
		w.err = ErrNoMemory
		return false
	}
	e := pte.load()
	opts := f.opts(e)
	ad := e & (f.accessedBit() | f.dirtyBit())
	childSize := uint64(1) << levelShift[level+1]
	large := level+1 != leafLevel
	for i := range child {
		child[i] = f.leaf(e.Address()+uint64(i)*childSize, opts, large) | ad
	}
	pte.store(f.table(w.pt.Allocator.PhysicalFor(child)))
	return true
}

// fold frees child if it became empty, or replaces it with a single large
// leaf if its entries are uniform, contiguous and suitably aligned.
func (w *walker) fold(pte *PTE, child *PTEs, level int) {
	f := w.pt.opts.Format
	childLevel := level + 1
	childSize := uint64(1) << levelShift[childLevel]
	size := uint64(1) << levelShift[level]

	// Entries are checked from the end so a table being filled in address
	// order is rejected on the first check.
	first := child[0].load()
	empty := !f.valid(first)
	uniform := !empty && f.isLeaf(first, childLevel) && first.Address()&(size-1) == 0
	adMask := f.accessedBit() | f.dirtyBit()
	attrs := first &^ (adMask | addressMask)
	var ad PTE
	for i := entriesPerPage - 1; i >= 0 && (empty || uniform); i-- {
		e := child[i].load()
		if f.valid(e) {
			empty = false
		}
		if uniform {
			want := PTE(first.Address()+uint64(i)*childSize) | attrs
			if e&^adMask != want {
				uniform = false
			}
			ad |= e & adMask
		}
	}

	switch {
	case empty:
		pte.store(0)
		w.pt.Allocator.FreePTEs(child)
	case uniform && w.pt.leafAllowed(level):
		pte.store(f.leaf(first.Address(), f.opts(first), true) | ad)
		w.pt.Allocator.FreePTEs(child)
	}
}

type mapVisitor struct {
	format   Format
	target   uint64
	physical uint64
	opts     MapOpts
	changed  bool
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }

func (v *mapVisitor) visitEmpty(start, size uint64, pte *PTE, level int) bool {
	phys := v.physical + (start - v.target)
	if phys&(size-1) != 0 {
		return false
	}
	pte.store(v.format.leaf(phys, v.opts, level != leafLevel))
	return true
}

func (v *mapVisitor) visit(start, end uint64, pte *PTE, level int) bool {
	phys := v.physical + (start - v.target)
	if phys&(end-start-1) != 0 {
		return false
	}
	e := pte.load()
	if e.Address() == phys && v.format.opts(e) == v.opts {
		return true
	}
	v.changed = true
	pte.store(v.format.leaf(phys, v.opts, level != leafLevel))
	return true
}

type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool                      { return false }
func (*unmapVisitor) requiresSplit() bool                      { return true }
func (*unmapVisitor) visitEmpty(uint64, uint64, *PTE, int) bool { return false }

func (v *unmapVisitor) visit(_, _ uint64, pte *PTE, _ int) bool {
	pte.store(0)
	v.count++
	return true
}

type protectVisitor struct {
	format  Format
	perms   Perm
	changed bool
}

func (*protectVisitor) requiresAlloc() bool                      { return false }
func (*protectVisitor) requiresSplit() bool                      { return true }
func (*protectVisitor) visitEmpty(uint64, uint64, *PTE, int) bool { return false }

func (v *protectVisitor) visit(_, _ uint64, pte *PTE, level int) bool {
	e := pte.load()
	opts := v.format.opts(e)
	if opts.Perms == v.perms {
		return true
	}
	v.changed = true
	if v.perms == 0 {
		pte.store(0)
		return true
	}
	ad := e & (v.format.accessedBit() | v.format.dirtyBit())
	opts.Perms = v.perms
	pte.store(v.format.leaf(e.Address(), opts, level != leafLevel) | ad)
	return true
}

type lookupVisitor struct {
	format   Format
	addr     uint64
	found    bool
	physical uint64
	opts     MapOpts
	size     uint64
}

func (*lookupVisitor) requiresAlloc() bool                      { return false }
func (*lookupVisitor) requiresSplit() bool                      { return false }
func (*lookupVisitor) visitEmpty(uint64, uint64, *PTE, int) bool { return false }

func (v *lookupVisitor) visit(_, _ uint64, pte *PTE, level int) bool {
	e := pte.load()
	v.size = uint64(1) << levelShift[level]
	v.physical = e.Address() + v.addr&(v.size-1)
	v.opts = v.format.opts(e)
	v.found = true
	return true
}

type iterateVisitor struct {
	format Format
	fn     func(Leaf) bool
	stop   *bool
}

func (*iterateVisitor) requiresAlloc() bool                      { return false }
func (*iterateVisitor) requiresSplit() bool                      { return false }
func (*iterateVisitor) visitEmpty(uint64, uint64, *PTE, int) bool { return false }

func (v *iterateVisitor) visit(start, _ uint64, pte *PTE, level int) bool {
	e := pte.load()
	size := uint64(1) << levelShift[level]
	leaf := Leaf{
		Addr:     start &^ (size - 1),
		Length:   size,
		Physical: e.Address(),
		Opts:     v.format.opts(e),
		Accessed: e&v.format.accessedBit() != 0,
		Dirty:    e&v.format.dirtyBit() != 0,
	}
	if !v.fn(leaf) {
		*v.stop = true
	}
	return true
}

type clearVisitor struct {
	format Format
}

func (*clearVisitor) requiresAlloc() bool                      { return false }
func (*clearVisitor) requiresSplit() bool                      { return false }
func (*clearVisitor) visitEmpty(uint64, uint64, *PTE, int) bool { return false }

func (v *clearVisitor) visit(_, _ uint64, pte *PTE, _ int) bool {
	mask := v.format.accessedBit() | v.format.dirtyBit()
	for {
		e := pte.load()
		if e&mask == 0 || pte.cas(e, e&^mask) {
			return true
		}
	}
}
