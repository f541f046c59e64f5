package provider

import (
	"context"
	"slices"
	"sync"

	"github.com/bookforge/bookforge/internal/logging"
)

// Registry indexes providers by name and capability. It is immutable after
// construction, so reads are lock-free.
type Registry struct {
	byName  map[string]Provider
	byCap   map[Capability][]Provider
	ordered []Provider
}

// Stats summarises the registry contents.
type Stats struct {
	Total        int                `json:"total"`
	ByTier       map[Tier]int       `json:"byTier"`
	ByCapability map[Capability]int `json:"byCapability"`
}

// NewRegistry builds a registry from the given providers. Registration order
// is preserved within each capability list so ordering stays deterministic.
// Duplicate names keep the first registration.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		byName: make(map[string]Provider, len(providers)),
		byCap:  map[Capability][]Provider{},
	}
	for _, p := range providers {
		if _, ok := r.byName[p.Name()]; ok {
			continue
		}
		r.byName[p.Name()] = p
		r.ordered = append(r.ordered, p)
		for _, cap := range p.Capabilities() {
			r.byCap[cap] = append(r.byCap[cap], p)
		}
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Provider {
	return slices.Clone(r.ordered)
}

// ByCapability returns all registered providers declaring the capability,
// in registration order, regardless of availability.
func (r *Registry) ByCapability(cap Capability) []Provider {
	return slices.Clone(r.byCap[cap])
}

// AvailableByCapability probes each capable provider's availability
// concurrently and returns only those that answered true. Providers that
// error are demoted with a logged warning rather than failing the call.
func (r *Registry) AvailableByCapability(ctx context.Context, cap Capability) []Provider {
	candidates := r.byCap[cap]
	if len(candidates) == 0 {
		return nil
	}

	available := make([]bool, len(candidates))
	wg := sync.WaitGroup{}
	for i, p := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logging.Log(ctx).Warn("provider availability check panicked", "provider", p.Name(), "details", rec)
				}
			}()
			ok, err := p.IsAvailable(ctx)
			if err != nil {
				logging.Log(ctx).Warn("provider unavailable", "provider", p.Name(), "capability", string(cap), "err", err)
				return
			}
			available[i] = ok
		}()
	}
	wg.Wait()

	out := make([]Provider, 0, len(candidates))
	for i, p := range candidates {
		if available[i] {
			out = append(out, p)
		}
	}
	return out
}

// OrderByTier sorts providers paid-first, then free, then AI, preserving
// relative order within a tier. When paid providers should be skipped (no
// quota) callers pass paidLast=true to demote rather than drop them.
func OrderByTier(providers []Provider, paidLast bool) []Provider {
	out := slices.Clone(providers)
	slices.SortStableFunc(out, func(a, b Provider) int {
		ra, rb := a.Tier().rank(), b.Tier().rank()
		if paidLast {
			if a.Tier() == TierPaid {
				ra = 9
			}
			if b.Tier() == TierPaid {
				rb = 9
			}
		}
		return ra - rb
	})
	return out
}

// OrderByPriority applies an explicit priority list of provider names.
// Providers not named keep their discovery order after the named ones.
func OrderByPriority(providers []Provider, priority []string) []Provider {
	if len(priority) == 0 {
		return slices.Clone(providers)
	}
	pos := make(map[string]int, len(priority))
	for i, name := range priority {
		pos[name] = i
	}
	out := slices.Clone(providers)
	slices.SortStableFunc(out, func(a, b Provider) int {
		ia, oka := pos[a.Name()]
		ib, okb := pos[b.Name()]
		switch {
		case oka && okb:
			return ia - ib
		case oka:
			return -1
		case okb:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Stats returns counts by tier and capability.
func (r *Registry) Stats() Stats {
	s := Stats{
		Total:        len(r.ordered),
		ByTier:       map[Tier]int{},
		ByCapability: map[Capability]int{},
	}
	for _, p := range r.ordered {
		s.ByTier[p.Tier()]++
	}
	for cap, ps := range r.byCap {
		s.ByCapability[cap] = len(ps)
	}
	return s
}
