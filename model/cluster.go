package model

import "sort"

// NodeID identifies one node of the execution cluster.
type NodeID string

// ResourceKind is a named dimension of node capacity.
type ResourceKind string

const (
	ResourceCPU ResourceKind = "cpu"
	ResourceGPU ResourceKind = "gpu"
)

// RescUnit is the minimal unit of a resource kind.
type RescUnit int

// Resources is a capacity vector, one scalar per resource kind.
// A missing kind is treated as zero.
type Resources map[ResourceKind]RescUnit

// NewResources is a convenience constructor for the two common kinds.
func NewResources(cpu, gpu RescUnit) Resources {
	res := Resources{}
	if cpu > 0 {
		res[ResourceCPU] = cpu
	}
	if gpu > 0 {
		res[ResourceGPU] = gpu
	}
	return res
}

// Kinds returns the kinds with a positive quantity, sorted for
// deterministic logging.
func (r Resources) Kinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(r))
	for kind, qty := range r {
		if qty > 0 {
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsZero returns true if no kind has a positive quantity.
func (r Resources) IsZero() bool {
	return len(r.Kinds()) == 0
}

// Clone returns a deep copy, so there is no risk of accidental sharing.
func (r Resources) Clone() Resources {
	ret := make(Resources, len(r))
	for kind, qty := range r {
		ret[kind] = qty
	}
	return ret
}

// Add accumulates other into r in place.
func (r Resources) Add(other Resources) {
	for kind, qty := range other {
		r[kind] += qty
	}
}

// Sub removes other from r in place. Kinds that drop to zero are deleted
// to keep the vector canonical.
func (r Resources) Sub(other Resources) {
	for kind, qty := range other {
		r[kind] -= qty
		if r[kind] <= 0 {
			delete(r, kind)
		}
	}
}

// NodeInfo describes one node of the cluster as reported by the
// execution substrate.
type NodeInfo struct {
	ID       NodeID    `json:"id"`
	Capacity Resources `json:"capacity"`
}
