package hypervisor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity int, vendor Vendor) *ControlStructurePool {
	t.Helper()
	p, err := NewControlStructurePool(capacity, vendor, 0x12)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestControlStructurePool(t *testing.T) {
	t.Run("acquire until exhausted", func(t *testing.T) {
		p := newTestPool(t, 4, VendorVMX)
		seen := make(map[uint64]bool)
		for i := 0; i < 4; i++ {
			h, err := p.Acquire(VCPUHandle{index: uint32(i), gen: 1})
			require.NoError(t, err)
			cs, err := p.Get(h)
			require.NoError(t, err)
			assert.Zero(t, cs.Physical()%controlStructureSize, "structure must be page aligned")
			assert.False(t, seen[cs.Physical()], "structure handed out twice")
			seen[cs.Physical()] = true
		}
		assert.Zero(t, p.Available())

		_, err := p.Acquire(VCPUHandle{index: 9, gen: 1})
		assert.True(t, errors.Is(err, ErrResourceExhausted), "got %v", err)
	})

	t.Run("vmx pages carry the revision", func(t *testing.T) {
		p := newTestPool(t, 1, VendorVMX)
		h, err := p.Acquire(VCPUHandle{gen: 1})
		require.NoError(t, err)
		cs, err := p.Get(h)
		require.NoError(t, err)
		assert.Equal(t, uint32(0x12), cs.read32(0))
		assert.Equal(t, VCPUHandle{gen: 1}, cs.Owner())
		assert.Equal(t, notLoaded, cs.LoadedOn())
	})

	t.Run("svm pages start zeroed", func(t *testing.T) {
		p := newTestPool(t, 1, VendorSVM)
		h, err := p.Acquire(VCPUHandle{gen: 1})
		require.NoError(t, err)
		cs, err := p.Get(h)
		require.NoError(t, err)
		assert.Zero(t, cs.read32(0))
	})

	t.Run("release scrubs and invalidates the handle", func(t *testing.T) {
		p := newTestPool(t, 1, VendorVMX)
		h, err := p.Acquire(VCPUHandle{gen: 1})
		require.NoError(t, err)
		cs, err := p.Get(h)
		require.NoError(t, err)
		cs.write64(0x100, 0xDEADBEEF)
		cs.launched.Store(true)

		require.NoError(t, p.Release(h))
		assert.Error(t, p.Release(h), "double release")
		_, err = p.Get(h)
		assert.Error(t, err, "stale handle")

		h2, err := p.Acquire(VCPUHandle{index: 1, gen: 1})
		require.NoError(t, err)
		assert.NotEqual(t, h, h2)
		cs2, err := p.Get(h2)
		require.NoError(t, err)
		assert.Same(t, cs, cs2)
		assert.Zero(t, cs2.read64(0x100))
		assert.Equal(t, uint32(0x12), cs2.read32(0))
		assert.False(t, cs2.Launched())
	})

	t.Run("one core at a time", func(t *testing.T) {
		p := newTestPool(t, 1, VendorVMX)
		h, err := p.Acquire(VCPUHandle{gen: 1})
		require.NoError(t, err)
		cs, err := p.Get(h)
		require.NoError(t, err)

		require.NoError(t, p.Load(cs, 0))
		require.NoError(t, p.Load(cs, 0), "reload on the same core")
		err = p.Load(cs, 1)
		assert.True(t, errors.Is(err, ErrControlStructureBusy), "got %v", err)
		err = p.Release(h)
		assert.True(t, errors.Is(err, ErrControlStructureBusy), "released while loaded: %v", err)

		cs.launched.Store(true)
		assert.Equal(t, 0, p.Clear(cs))
		assert.False(t, cs.Launched(), "clear resets the launch state")
		assert.Equal(t, notLoaded, p.Clear(cs))

		require.NoError(t, p.Load(cs, 1))
		p.Clear(cs)
		require.NoError(t, p.Release(h))
	})

	t.Run("closed pool", func(t *testing.T) {
		p, err := NewControlStructurePool(2, VendorSVM, 0)
		require.NoError(t, err)
		require.NoError(t, p.Close())
		require.NoError(t, p.Close(), "Close is idempotent")
		_, err = p.Acquire(VCPUHandle{gen: 1})
		assert.ErrorIs(t, err, ErrEngineClosed)
	})

	t.Run("zero capacity", func(t *testing.T) {
		_, err := NewControlStructurePool(0, VendorVMX, 1)
		assert.ErrorIs(t, err, ErrResourceExhausted)
	})
}
