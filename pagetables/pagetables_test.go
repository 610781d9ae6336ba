package pagetables

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rw  = MapOpts{Perms: Read | Write, MemoryType: WriteBack}
	ro  = MapOpts{Perms: Read, MemoryType: WriteBack}
	rwx = MapOpts{Perms: Read | Write | Execute, MemoryType: WriteBack}
)

type mapping struct {
	Addr     uint64
	Length   uint64
	Physical uint64
	Opts     MapOpts
}

func newTables(t *testing.T, f Format, allow1G bool) *PageTables {
	t.Helper()
	pt, err := New(NewPoolAllocator(0x1000_0000, 1024), Options{
		Format:  f,
		Allow2M: true,
		Allow1G: allow1G,
	})
	require.NoError(t, err)
	return pt
}

func collect(pt *PageTables) []mapping {
	var found []mapping
	pt.Iterate(0, MaxAddress, func(l Leaf) bool {
		found = append(found, mapping{l.Addr, l.Length, l.Physical, l.Opts})
		return true
	})
	return found
}

func checkMappings(t *testing.T, pt *PageTables, want []mapping) {
	t.Helper()
	if diff := cmp.Diff(want, collect(pt)); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func forEachFormat(t *testing.T, fn func(t *testing.T, f Format)) {
	for _, f := range []Format{EPT, NPT} {
		t.Run(f.String(), func(t *testing.T) { fn(t, f) })
	}
}

func TestMapLookupRoundTrip(t *testing.T) {
	forEachFormat(t, func(t *testing.T, f Format) {
		pt := newTables(t, f, false)
		const (
			gpa  = 0x400000
			hpa  = 0x9000000
			size = 16 * PageSize
		)
		changed, err := pt.Map(gpa, size, hpa, rw)
		require.NoError(t, err)
		assert.False(t, changed)

		for off := uint64(0); off < size; off += PageSize {
			phys, opts, leaf, ok := pt.Lookup(gpa + off + 0x123)
			require.True(t, ok, "offset %#x", off)
			assert.Equal(t, hpa+off+0x123, phys)
			assert.Equal(t, rw, opts)
			assert.Equal(t, uint64(PageSize), leaf)
		}

		_, err = pt.Unmap(gpa, size)
		require.NoError(t, err)
		for off := uint64(0); off < size; off += PageSize {
			_, _, _, ok := pt.Lookup(gpa + off)
			assert.False(t, ok, "offset %#x still mapped", off)
		}
	})
}

func TestLargeLeaves(t *testing.T) {
	forEachFormat(t, func(t *testing.T, f Format) {
		t.Run("2M", func(t *testing.T) {
			pt := newTables(t, f, false)
			_, err := pt.Map(PMDSize, PMDSize, 4*PMDSize, rw)
			require.NoError(t, err)
			checkMappings(t, pt, []mapping{{PMDSize, PMDSize, 4 * PMDSize, rw}})
		})

		t.Run("1G", func(t *testing.T) {
			pt := newTables(t, f, true)
			_, err := pt.Map(PUDSize, PUDSize, 2*PUDSize, rw)
			require.NoError(t, err)
			checkMappings(t, pt, []mapping{{PUDSize, PUDSize, 2 * PUDSize, rw}})
		})

		t.Run("1G disabled", func(t *testing.T) {
			pt := newTables(t, f, false)
			_, err := pt.Map(PUDSize, PUDSize, 2*PUDSize, rw)
			require.NoError(t, err)
			found := collect(pt)
			require.Len(t, found, entriesPerPage)
			for i, m := range found {
				assert.Equal(t, uint64(PMDSize), m.Length)
				assert.Equal(t, 2*PUDSize+uint64(i)*PMDSize, m.Physical)
			}
		})

		t.Run("misaligned host", func(t *testing.T) {
			pt := newTables(t, f, false)
			_, err := pt.Map(PMDSize, PMDSize, PMDSize+PageSize, rw)
			require.NoError(t, err)
			found := collect(pt)
			require.Len(t, found, entriesPerPage)
			assert.Equal(t, uint64(PageSize), found[0].Length)
		})
	})
}

func TestCoalescingIdempotence(t *testing.T) {
	const (
		gpa = PUDSize
		hpa = 4 * PUDSize
	)
	whole := newTables(t, EPT, true)
	_, err := whole.Map(gpa, PUDSize, hpa, rw)
	require.NoError(t, err)

	paged := newTables(t, EPT, true)
	for off := uint64(0); off < PUDSize; off += PageSize {
		_, err := paged.Map(gpa+off, PageSize, hpa+off, rw)
		require.NoError(t, err)
	}

	if diff := cmp.Diff(collect(whole), collect(paged)); diff != "" {
		t.Fatalf("tables differ (-one call +paged):\n%s", diff)
	}
	for off := uint64(0); off < PUDSize; off += PageSize {
		p1, o1, _, ok1 := whole.Lookup(gpa + off)
		p2, o2, _, ok2 := paged.Lookup(gpa + off)
		if p1 != p2 || o1 != o2 || ok1 != ok2 {
			t.Fatalf("lookup %#x: (%#x, %v, %v) vs (%#x, %v, %v)", gpa+off, p1, o1, ok1, p2, o2, ok2)
		}
	}
	assert.Equal(t, whole.Allocator.(*PoolAllocator).InUse(), paged.Allocator.(*PoolAllocator).InUse())
}

func TestFoldRequiresUniformLeaves(t *testing.T) {
	pt := newTables(t, EPT, false)
	for i := uint64(0); i < entriesPerPage; i++ {
		opts := rw
		if i == 7 {
			opts = ro
		}
		_, err := pt.Map(PMDSize+i*PageSize, PageSize, 8*PMDSize+i*PageSize, opts)
		require.NoError(t, err)
	}
	assert.Len(t, collect(pt), entriesPerPage)

	// Making the odd page uniform folds the table.
	_, err := pt.Protect(PMDSize+7*PageSize, PageSize, Read|Write)
	require.NoError(t, err)
	checkMappings(t, pt, []mapping{{PMDSize, PMDSize, 8 * PMDSize, rw}})
}

func TestSplit2MPage(t *testing.T) {
	forEachFormat(t, func(t *testing.T, f Format) {
		pt := newTables(t, f, false)
		_, err := pt.Map(PMDSize, PMDSize, 4*PMDSize, rw)
		require.NoError(t, err)

		changed, err := pt.Unmap(PMDSize+PageSize, PageSize)
		require.NoError(t, err)
		assert.True(t, changed)

		found := collect(pt)
		require.Len(t, found, entriesPerPage-1)
		assert.Equal(t, mapping{PMDSize, PageSize, 4 * PMDSize, rw}, found[0])
		assert.Equal(t, mapping{PMDSize + 2*PageSize, PageSize, 4*PMDSize + 2*PageSize, rw}, found[1])

		_, _, _, ok := pt.Lookup(PMDSize + PageSize)
		assert.False(t, ok)
		phys, _, _, ok := pt.Lookup(PMDSize + PMDSize - PageSize)
		require.True(t, ok)
		assert.Equal(t, uint64(4*PMDSize+PMDSize-PageSize), phys)
	})
}

func TestSplit1GPage(t *testing.T) {
	pt := newTables(t, EPT, true)
	_, err := pt.Map(PUDSize, PUDSize, 2*PUDSize, rw)
	require.NoError(t, err)

	_, err = pt.Unmap(PUDSize+2*PMDSize, PMDSize)
	require.NoError(t, err)

	found := collect(pt)
	require.Len(t, found, entriesPerPage-1)
	for _, m := range found {
		assert.Equal(t, uint64(PMDSize), m.Length)
		assert.Equal(t, 2*PUDSize+(m.Addr-PUDSize), m.Physical)
		assert.NotEqual(t, uint64(PUDSize+2*PMDSize), m.Addr)
	}
}

func TestProtectSplitsAndPreservesNeighbours(t *testing.T) {
	forEachFormat(t, func(t *testing.T, f Format) {
		pt := newTables(t, f, false)
		_, err := pt.Map(0, PMDSize, PMDSize, rwx)
		require.NoError(t, err)

		changed, err := pt.Protect(0, PageSize, Read)
		require.NoError(t, err)
		assert.True(t, changed)

		_, opts, size, ok := pt.Lookup(0)
		require.True(t, ok)
		assert.Equal(t, Read, opts.Perms)
		assert.Equal(t, uint64(PageSize), size)

		phys, opts, _, ok := pt.Lookup(PageSize)
		require.True(t, ok)
		assert.Equal(t, rwx.Perms, opts.Perms)
		assert.Equal(t, uint64(PMDSize+PageSize), phys)
	})
}

func TestUnmapBeyondMappedRegionIsNoop(t *testing.T) {
	pt := newTables(t, EPT, false)
	_, err := pt.Map(0x400000, PageSize, 0x1000, rw)
	require.NoError(t, err)

	changed, err := pt.Unmap(0x4000_0000, 16*PMDSize)
	require.NoError(t, err)
	assert.False(t, changed)
	checkMappings(t, pt, []mapping{{0x400000, PageSize, 0x1000, rw}})
}

func TestUnmapFreesTables(t *testing.T) {
	a := NewPoolAllocator(0, 16)
	pt, err := New(a, Options{Format: EPT, Allow2M: true})
	require.NoError(t, err)

	_, err = pt.Map(0x7000, PageSize, 0x1000, rw)
	require.NoError(t, err)
	assert.Equal(t, 4, a.InUse())

	_, err = pt.Unmap(0x7000, PageSize)
	require.NoError(t, err)
	assert.Equal(t, 1, a.InUse())

	pt.Release()
	assert.Equal(t, 0, a.InUse())
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewPoolAllocator(0, 2)
	pt, err := New(a, Options{Format: NPT})
	require.NoError(t, err)

	_, err = pt.Map(0, PageSize, 0x1000, rw)
	assert.ErrorIs(t, err, ErrNoMemory)

	_, err = New(NewPoolAllocator(0, 0), Options{})
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestMapValidation(t *testing.T) {
	pt := newTables(t, EPT, false)
	tests := []struct {
		name    string
		addr    uint64
		length  uint64
		phys    uint64
		opts    MapOpts
		wantErr error
	}{
		{"unaligned guest", 0x1001, PageSize, 0, rw, ErrUnaligned},
		{"unaligned length", 0x1000, 100, 0, rw, ErrUnaligned},
		{"unaligned host", 0x1000, PageSize, 0x10, rw, ErrUnaligned},
		{"beyond 48 bits", MaxAddress - PageSize, 2 * PageSize, 0, rw, ErrRange},
		{"no permissions", 0x1000, PageSize, 0, MapOpts{}, ErrPermissions},
		{"write without read", 0x1000, PageSize, 0, MapOpts{Perms: Write}, ErrPermissions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pt.Map(tt.addr, tt.length, tt.phys, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	npt := newTables(t, NPT, false)
	_, err := npt.Map(0, PageSize, 0, MapOpts{Perms: Execute})
	assert.ErrorIs(t, err, ErrPermissions)
}

func TestRemapReportsChange(t *testing.T) {
	pt := newTables(t, EPT, false)
	_, err := pt.Map(0, PageSize, 0x1000, rw)
	require.NoError(t, err)

	changed, err := pt.Map(0, PageSize, 0x1000, rw)
	require.NoError(t, err)
	assert.False(t, changed, "identical remap")

	changed, err = pt.Map(0, PageSize, 0x2000, rw)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestTranslateAccessedDirty(t *testing.T) {
	forEachFormat(t, func(t *testing.T, f Format) {
		pt := newTables(t, f, false)
		_, err := pt.Map(0x200000, PMDSize, 0x4000000, rw)
		require.NoError(t, err)
		_, err = pt.Map(0x600000, PageSize, 0x8000, ro)
		require.NoError(t, err)

		leafState := func(addr uint64) (accessed, dirty bool) {
			pt.Iterate(addr, addr+PageSize, func(l Leaf) bool {
				accessed, dirty = l.Accessed, l.Dirty
				return false
			})
			return
		}

		tr, ok := Translate(pt.Allocator, f, pt.Root(), 0x200010, Read)
		require.True(t, ok)
		assert.Equal(t, uint64(0x4000010), tr.Physical)
		assert.Equal(t, uint64(PMDSize), tr.Size)
		a, d := leafState(0x200000)
		assert.True(t, a)
		assert.False(t, d)

		_, ok = Translate(pt.Allocator, f, pt.Root(), 0x200010, Write)
		require.True(t, ok)
		a, d = leafState(0x200000)
		assert.True(t, a)
		assert.True(t, d)

		pt.ClearAccessedDirty(0, MaxAddress)
		a, d = leafState(0x200000)
		assert.False(t, a)
		assert.False(t, d)

		tr, ok = Translate(pt.Allocator, f, pt.Root(), 0x600000, Write)
		assert.False(t, ok)
		assert.True(t, tr.Present)

		tr, ok = Translate(pt.Allocator, f, pt.Root(), 0x900000, Read)
		assert.False(t, ok)
		assert.False(t, tr.Present)
	})
}

func TestSplitInheritsDirty(t *testing.T) {
	pt := newTables(t, EPT, false)
	_, err := pt.Map(0, PMDSize, PMDSize, rw)
	require.NoError(t, err)
	_, ok := Translate(pt.Allocator, EPT, pt.Root(), 0, Write)
	require.True(t, ok)

	_, err = pt.Unmap(PMDSize-PageSize, PageSize)
	require.NoError(t, err)

	var dirty int
	pt.Iterate(0, PMDSize, func(l Leaf) bool {
		if l.Dirty {
			dirty++
		}
		return true
	})
	assert.Equal(t, entriesPerPage-1, dirty)
}

func TestEntryEncoding(t *testing.T) {
	tests := []struct {
		name  string
		f     Format
		addr  uint64
		opts  MapOpts
		large bool
		want  PTE
	}{
		{"ept rwx wb", EPT, 0x1000, rwx, false, 0x1000 | eptRead | eptWrite | eptExecute | 6<<3 | eptIgnorePAT},
		{"ept ro 2M", EPT, 0x200000, ro, true, 0x200000 | eptRead | 6<<3 | eptIgnorePAT | eptLarge},
		{"npt rw", NPT, 0x3000, rw, false, 0x3000 | nptPresent | nptUser | nptWrite | nptNX},
		{"npt rx 1G", NPT, 0x40000000, MapOpts{Perms: Read | Execute}, true, 0x40000000 | nptPresent | nptUser | nptLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.f.leaf(tt.addr, tt.opts, tt.large)
			if got != tt.want {
				t.Errorf("leaf() = %#x, want %#x", got, tt.want)
			}
			if o := tt.f.opts(got); o.Perms != tt.opts.Perms {
				t.Errorf("opts() perms = %v, want %v", o.Perms, tt.opts.Perms)
			}
		})
	}
}

func TestPermString(t *testing.T) {
	assert.Equal(t, "rw-", (Read | Write).String())
	assert.Equal(t, "--x", Execute.String())
}
