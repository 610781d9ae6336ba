package pagetables

// Translation is the result of a hardware-view walk.
type Translation struct {
	Physical uint64
	Perms    Perm
	Size     uint64
	Present  bool
}

// Translate walks the tables rooted at the physical address root the way the
// processor does while the guest runs: without locks, setting the accessed
// bit of the leaf and, for write accesses, the dirty bit.
//
// ok is false if no leaf maps addr or the leaf does not grant access; in the
// latter case the returned Translation has Present set.
func Translate(a Allocator, f Format, root, addr uint64, access Perm) (t Translation, ok bool) {
	if addr >= MaxAddress {
		return t, false
	}
	entries := a.LookupPTEs(root)
	for level := 0; entries != nil && level <= leafLevel; level++ {
		shift := levelShift[level]
		pte := &entries[(addr>>shift)&(entriesPerPage-1)]
		e := pte.load()
		if !f.valid(e) {
			return t, false
		}
		if !f.isLeaf(e, level) {
			entries = a.LookupPTEs(e.Address())
			continue
		}

		size := uint64(1) << shift
		opts := f.opts(e)
		t = Translation{
			Physical: e.Address() + addr&(size-1),
			Perms:    opts.Perms,
			Size:     size,
			Present:  true,
		}
		if access&^opts.Perms != 0 {
			return t, false
		}
		bits := f.accessedBit()
		if access&Write != 0 {
			bits |= f.dirtyBit()
		}
		for f.valid(e) && e&bits != bits && !pte.cas(e, e|bits) {
			e = pte.load()
		}
		return t, true
	}
	return t, false
}
