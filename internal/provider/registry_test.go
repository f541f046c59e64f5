package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal Provider for registry tests.
type fakeProvider struct {
	name      string
	tier      Tier
	caps      []Capability
	available bool
	availErr  error
	probes    atomic.Int64
}

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) Tier() Tier                  { return f.tier }
func (f *fakeProvider) Capabilities() []Capability  { return f.caps }
func (f *fakeProvider) IsAvailable(context.Context) (bool, error) {
	f.probes.Add(1)
	return f.available, f.availErr
}

func TestRegistryIndexing(t *testing.T) {
	t.Parallel()

	paid := &fakeProvider{name: "paid", tier: TierPaid, caps: []Capability{CapMetadata, CapCoverImages}, available: true}
	free := &fakeProvider{name: "free", tier: TierFree, caps: []Capability{CapMetadata}, available: true}
	dupe := &fakeProvider{name: "paid", tier: TierFree, caps: []Capability{CapRatings}}

	r := NewRegistry(paid, free, dupe)

	got, ok := r.Get("paid")
	require.True(t, ok)
	assert.Equal(t, TierPaid, got.Tier(), "first registration wins")

	assert.Len(t, r.ByCapability(CapMetadata), 2)
	assert.Len(t, r.ByCapability(CapCoverImages), 1)
	assert.Empty(t, r.ByCapability(CapRatings), "duplicate registration is dropped")

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByTier[TierPaid])
	assert.Equal(t, 1, stats.ByTier[TierFree])
	assert.Equal(t, 2, stats.ByCapability[CapMetadata])
}

func TestAvailableByCapability(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	up := &fakeProvider{name: "up", tier: TierFree, caps: []Capability{CapMetadata}, available: true}
	down := &fakeProvider{name: "down", tier: TierFree, caps: []Capability{CapMetadata}, available: false}
	broken := &fakeProvider{name: "broken", tier: TierFree, caps: []Capability{CapMetadata}, availErr: errors.New("boom")}

	r := NewRegistry(up, down, broken)

	got := r.AvailableByCapability(ctx, CapMetadata)
	require.Len(t, got, 1)
	assert.Equal(t, "up", got[0].Name())

	// Each candidate is probed exactly once per call.
	assert.Equal(t, int64(1), up.probes.Load())
	assert.Equal(t, int64(1), down.probes.Load())
	assert.Equal(t, int64(1), broken.probes.Load())
}

func TestAvailableByCapabilityAllDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := &fakeProvider{name: "a", tier: TierFree, caps: []Capability{CapCoverImages}}
	b := &fakeProvider{name: "b", tier: TierPaid, caps: []Capability{CapCoverImages}}

	r := NewRegistry(a, b)
	assert.Empty(t, r.AvailableByCapability(ctx, CapCoverImages))
	assert.Nil(t, r.AvailableByCapability(ctx, CapBookGeneration), "unknown capability yields nil")
}

func TestOrderByTier(t *testing.T) {
	t.Parallel()

	ai := &fakeProvider{name: "ai", tier: TierAI}
	free1 := &fakeProvider{name: "free1", tier: TierFree}
	paid := &fakeProvider{name: "paid", tier: TierPaid}
	free2 := &fakeProvider{name: "free2", tier: TierFree}

	ordered := OrderByTier([]Provider{ai, free1, paid, free2}, false)
	names := []string{}
	for _, p := range ordered {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"paid", "free1", "free2", "ai"}, names)

	demoted := OrderByTier([]Provider{ai, free1, paid, free2}, true)
	names = names[:0]
	for _, p := range demoted {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"free1", "free2", "ai", "paid"}, names)
}

func TestOrderByPriority(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a"}
	b := &fakeProvider{name: "b"}
	c := &fakeProvider{name: "c"}

	ordered := OrderByPriority([]Provider{a, b, c}, []string{"c", "b"})
	names := []string{}
	for _, p := range ordered {
		names = append(names, p.Name())
	}
	// Unlisted providers go last in discovery order.
	assert.Equal(t, []string{"c", "b", "a"}, names)
}
