// Package registry tracks scanner instances grouped by pool and hands out
// capacity to workers. Counters are in-memory; with a slot coordinator
// attached, acquire and release also maintain shared per-instance counters so
// multiple worker processes respect instance bounds.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/config"
)

var (
	ErrUnknownPool     = errors.New("unknown scanner pool")
	ErrUnknownInstance = errors.New("unknown scanner instance")
	ErrNoCapacity      = errors.New("no scanner capacity available")
)

// Instance is a point-in-time copy of one scanner endpoint, safe to hand to
// drivers and API projections.
type Instance struct {
	Pool               string
	InstanceID         string
	Name               string
	Endpoint           string
	Username           string
	Password           string
	AccessKey          string
	SecretKey          string
	Enabled            bool
	MaxConcurrent      int
	InFlight           int
	InsecureSkipVerify bool
}

type instanceState struct {
	cfg          config.InstanceConfig
	inFlight     int
	lastAcquired time.Time
}

// SlotCoordinator shares per-instance in-flight counts across worker
// processes. *queue.Queue implements it.
type SlotCoordinator interface {
	AcquireSlot(ctx context.Context, pool, instanceID string, max int) (bool, error)
	ReleaseSlot(ctx context.Context, pool, instanceID string) error
}

type Registry struct {
	log   zerolog.Logger
	coord SlotCoordinator

	mu    sync.RWMutex
	order []string
	pools map[string][]*instanceState
}

func New(pools *config.Pools, log zerolog.Logger) *Registry {
	r := &Registry{log: log}
	r.Reload(pools)
	return r
}

// WithCoordinator enables shared slot counting. Call before handing the
// registry to workers.
func (r *Registry) WithCoordinator(coord SlotCoordinator) *Registry {
	r.coord = coord
	return r
}

// Reload atomically replaces the instance set. In-flight counts and
// last-acquire times carry over for (pool, instance_id) pairs that survive;
// scans already running on removed instances finish and release harmlessly.
func (r *Registry) Reload(pools *config.Pools) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.pools
	next := make(map[string][]*instanceState, len(pools.Order))
	order := make([]string, 0, len(pools.Order))

	for _, pool := range pools.Order {
		order = append(order, pool)
		instances := make([]*instanceState, 0, len(pools.ByName[pool]))
		for _, cfg := range pools.ByName[pool] {
			state := &instanceState{cfg: cfg}
			if old := findInstance(prev[pool], cfg.InstanceID); old != nil {
				state.inFlight = old.inFlight
				state.lastAcquired = old.lastAcquired
			}
			instances = append(instances, state)
		}
		next[pool] = instances
	}

	r.order = order
	r.pools = next
}

func findInstance(instances []*instanceState, instanceID string) *instanceState {
	for _, state := range instances {
		if state.cfg.InstanceID == instanceID {
			return state
		}
	}
	return nil
}

// ListPools returns pool names in declaration order.
func (r *Registry) ListPools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultPool is the first declared pool, the submission target when the
// client names none.
func (r *Registry) DefaultPool() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

func (r *Registry) HasPool(pool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[pool]
	return ok
}

// Acquire reserves capacity on the least-utilized enabled instance of the
// pool, ties broken by least-recently-acquired then declaration order. With
// explicitInstance set, only that instance is considered. Returns
// ErrNoCapacity when every eligible instance is saturated; the caller
// re-enqueues with backoff.
func (r *Registry) Acquire(ctx context.Context, pool, explicitInstance string) (*Instance, error) {
	r.mu.Lock()

	candidates, err := r.eligible(pool, explicitInstance)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	// With a coordinator, a locally-best instance can still be saturated
	// globally; walk candidates best-first until one accepts.
	for {
		best := pickLeastUtilized(candidates)
		if best == nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: pool %s", ErrNoCapacity, pool)
		}

		if r.coord != nil {
			ok, err := r.coord.AcquireSlot(ctx, pool, best.cfg.InstanceID, best.cfg.MaxConcurrent)
			if err != nil {
				r.mu.Unlock()
				return nil, fmt.Errorf("failed to coordinate scanner slot: %w", err)
			}
			if !ok {
				candidates = without(candidates, best)
				continue
			}
		}

		best.inFlight++
		best.lastAcquired = time.Now()
		snapshot := r.snapshot(pool, best)
		r.mu.Unlock()
		return &snapshot, nil
	}
}

// CandidateFor returns the instance Acquire would pick right now, without
// reserving capacity. Submission records it on the task; the worker acquires
// for real later.
func (r *Registry) CandidateFor(pool, explicitInstance string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates, err := r.eligible(pool, explicitInstance)
	if err != nil {
		return nil, err
	}
	best := pickLeastUtilized(candidates)
	if best == nil {
		// Fall back to any enabled instance so submissions can still land
		// while the pool is momentarily saturated.
		for _, state := range r.pools[pool] {
			if state.cfg.IsEnabled() && (explicitInstance == "" || state.cfg.InstanceID == explicitInstance) {
				best = state
				break
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: pool %s", ErrNoCapacity, pool)
	}
	snapshot := r.snapshot(pool, best)
	return &snapshot, nil
}

// Release returns capacity for an instance. Over-release clamps at zero;
// unknown instances (removed by reload mid-scan) are ignored.
func (r *Registry) Release(ctx context.Context, pool, instanceID string) {
	r.mu.Lock()
	state := findInstance(r.pools[pool], instanceID)
	if state != nil {
		if state.inFlight > 0 {
			state.inFlight--
		} else {
			r.log.Warn().Str("pool", pool).Str("instance", instanceID).
				Msg("release without matching acquire, clamping at zero")
		}
	}
	r.mu.Unlock()

	if r.coord != nil {
		if err := r.coord.ReleaseSlot(ctx, pool, instanceID); err != nil {
			r.log.Warn().Err(err).Str("pool", pool).Str("instance", instanceID).
				Msg("failed to release shared scanner slot")
		}
	}
}

func (r *Registry) eligible(pool, explicitInstance string) ([]*instanceState, error) {
	instances, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	if explicitInstance != "" {
		state := findInstance(instances, explicitInstance)
		if state == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownInstance, pool, explicitInstance)
		}
		instances = []*instanceState{state}
	}

	var out []*instanceState
	for _, state := range instances {
		if state.cfg.IsEnabled() {
			out = append(out, state)
		}
	}
	return out, nil
}

func pickLeastUtilized(candidates []*instanceState) *instanceState {
	var best *instanceState
	for _, state := range candidates {
		if state.inFlight >= state.cfg.MaxConcurrent {
			continue
		}
		if best == nil {
			best = state
			continue
		}
		bestRatio := float64(best.inFlight) / float64(best.cfg.MaxConcurrent)
		ratio := float64(state.inFlight) / float64(state.cfg.MaxConcurrent)
		if ratio < bestRatio {
			best = state
		} else if ratio == bestRatio && state.lastAcquired.Before(best.lastAcquired) {
			best = state
		}
	}
	return best
}

func without(candidates []*instanceState, drop *instanceState) []*instanceState {
	out := candidates[:0]
	for _, state := range candidates {
		if state != drop {
			out = append(out, state)
		}
	}
	return out
}

func (r *Registry) snapshot(pool string, state *instanceState) Instance {
	return Instance{
		Pool:               pool,
		InstanceID:         state.cfg.InstanceID,
		Name:               state.cfg.Name,
		Endpoint:           state.cfg.Endpoint,
		Username:           state.cfg.Username,
		Password:           state.cfg.Password,
		AccessKey:          state.cfg.AccessKey,
		SecretKey:          state.cfg.SecretKey,
		Enabled:            state.cfg.IsEnabled(),
		MaxConcurrent:      state.cfg.MaxConcurrent,
		InFlight:           state.inFlight,
		InsecureSkipVerify: state.cfg.InsecureSkipVerify,
	}
}
