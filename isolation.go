package hypervisor

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// frameRange is one host-physical range claimed by a region of a VM.
type frameRange struct {
	start, end uint64
	vm         uuid.UUID
	writable   bool
	strict     bool
	id         uint64
}

func (r frameRange) overlaps(start, end uint64) bool {
	return r.start < end && start < r.end
}

// conflicts reports whether two claims of different VMs may not coexist.
func (r frameRange) conflicts(o frameRange) bool {
	if r.vm == o.vm || !r.overlaps(o.start, o.end) {
		return false
	}
	return r.writable || o.writable || r.strict || o.strict
}

func frameLess(a, b frameRange) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	if c := bytes.Compare(a.vm[:], b.vm[:]); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

// frameIndex tracks which VM owns which host frames, engine wide.
type frameIndex struct {
	mu   sync.Mutex
	tree *btree.BTreeG[frameRange]
	next uint64
}

func newFrameIndex() *frameIndex {
	return &frameIndex{tree: btree.NewG(16, frameLess)}
}

// reserve claims [start, end) for vm. If another VM holds a conflicting
// claim, that claim is returned and nothing is reserved.
func (x *frameIndex) reserve(vm uuid.UUID, start, end uint64, writable, strict bool) (frameRange, *frameRange) {
	x.mu.Lock()
	defer x.mu.Unlock()

	want := frameRange{start: start, end: end, vm: vm, writable: writable, strict: strict}
	var conflict *frameRange
	// Every claim starting below end may overlap.
	x.tree.AscendLessThan(frameRange{start: end}, func(r frameRange) bool {
		if r.conflicts(want) {
			conflict = &r
			return false
		}
		return true
	})
	if conflict != nil {
		return frameRange{}, conflict
	}
	x.next++
	want.id = x.next
	x.tree.ReplaceOrInsert(want)
	return want, nil
}

// replace swaps a claim for the given pieces. The pieces must lie within
// the released claim, so they cannot conflict.
func (x *frameIndex) replace(old frameRange, pieces ...frameRange) []frameRange {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.tree.Delete(old)
	out := make([]frameRange, 0, len(pieces))
	for _, p := range pieces {
		if p.start >= p.end {
			continue
		}
		x.next++
		p.id = x.next
		x.tree.ReplaceOrInsert(p)
		out = append(out, p)
	}
	return out
}

func (x *frameIndex) release(r frameRange) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tree.Delete(r)
}

// owners returns the VMs claiming any frame of [start, end).
func (x *frameIndex) owners(start, end uint64) []uuid.UUID {
	x.mu.Lock()
	defer x.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	x.tree.AscendLessThan(frameRange{start: end}, func(r frameRange) bool {
		if r.overlaps(start, end) && !seen[r.vm] {
			seen[r.vm] = true
			out = append(out, r.vm)
		}
		return true
	})
	return out
}

func (x *frameIndex) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.tree.Len()
}
