package registry

import "fmt"

// InstanceStatus is the operator-facing view of one scanner. Credentials are
// deliberately absent.
type InstanceStatus struct {
	InstanceID    string  `json:"instance_id"`
	Name          string  `json:"name,omitempty"`
	Endpoint      string  `json:"endpoint"`
	Enabled       bool    `json:"enabled"`
	MaxConcurrent int     `json:"max_concurrent"`
	InFlight      int     `json:"in_flight"`
	Utilization   float64 `json:"utilization_pct"`
}

type PoolStatus struct {
	Pool          string           `json:"pool"`
	Scanners      int              `json:"scanners"`
	MaxConcurrent int              `json:"max_concurrent"`
	InFlight      int              `json:"in_flight"`
	Utilization   float64          `json:"utilization_pct"`
	Instances     []InstanceStatus `json:"instances"`
}

// PoolStatus aggregates capacity and per-instance breakdown for one pool.
func (r *Registry) PoolStatus(pool string) (*PoolStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances, ok := r.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	return poolStatusLocked(pool, instances), nil
}

// AllPoolStatuses returns every pool's status in declaration order.
func (r *Registry) AllPoolStatuses() []*PoolStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PoolStatus, 0, len(r.order))
	for _, pool := range r.order {
		out = append(out, poolStatusLocked(pool, r.pools[pool]))
	}
	return out
}

func poolStatusLocked(pool string, instances []*instanceState) *PoolStatus {
	status := &PoolStatus{Pool: pool, Scanners: len(instances)}
	for _, state := range instances {
		inst := InstanceStatus{
			InstanceID:    state.cfg.InstanceID,
			Name:          state.cfg.Name,
			Endpoint:      state.cfg.Endpoint,
			Enabled:       state.cfg.IsEnabled(),
			MaxConcurrent: state.cfg.MaxConcurrent,
			InFlight:      state.inFlight,
		}
		if inst.MaxConcurrent > 0 {
			inst.Utilization = 100 * float64(inst.InFlight) / float64(inst.MaxConcurrent)
		}
		status.MaxConcurrent += inst.MaxConcurrent
		status.InFlight += inst.InFlight
		status.Instances = append(status.Instances, inst)
	}
	if status.MaxConcurrent > 0 {
		status.Utilization = 100 * float64(status.InFlight) / float64(status.MaxConcurrent)
	}
	return status
}

// InFlight sums the live counter across one pool, used by metrics.
func (r *Registry) InFlight(pool string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, state := range r.pools[pool] {
		total += state.inFlight
	}
	return total
}
