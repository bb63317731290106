// Package pool tracks per-node and aggregate resource capacity and
// answers admission queries for trial resource requests.
package pool

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/tuneflow/model"
	derror "github.com/hanfei1991/tuneflow/pkg/errors"
)

type nodeEntry struct {
	info      model.NodeInfo
	committed model.Resources
	// owners records each live commitment, keyed by the owner tag the
	// caller passed to Commit (the trial ID in practice).
	owners map[string]model.Resources
}

func (n *nodeEntry) fits(request model.Resources) bool {
	for _, kind := range request.Kinds() {
		if n.committed[kind]+request[kind] > n.info.Capacity[kind] {
			return false
		}
	}
	return true
}

// Eviction reports a commitment that was force-released because its node
// left the cluster. The owner's remote work is presumed lost.
type Eviction struct {
	Node      model.NodeID
	Owner     string
	Resources model.Resources
}

// NodeStatus is a point-in-time copy of one node's accounting.
type NodeStatus struct {
	Capacity  model.Resources
	Committed model.Resources
}

// Pool tracks total and committed capacity per node. Its figures reflect
// the last synchronization with the substrate, so admission answers are
// advisory; Commit re-validates under the pool lock and is authoritative.
type Pool struct {
	mu    sync.RWMutex
	r     *rand.Rand // random generator for choosing a node
	nodes map[model.NodeID]*nodeEntry
}

func New() *Pool {
	return &Pool{
		r:     rand.New(rand.NewSource(time.Now().UnixNano())),
		nodes: make(map[model.NodeID]*nodeEntry),
	}
}

// AddNode registers a node, or updates its capacity if already known.
// Existing commitments are kept.
func (p *Pool) AddNode(info model.NodeInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addNodeLocked(info)
	log.L().Info("node resource is registered",
		zap.String("node-id", string(info.ID)), zap.Any("capacity", info.Capacity))
}

func (p *Pool) addNodeLocked(info model.NodeInfo) {
	if entry, ok := p.nodes[info.ID]; ok {
		entry.info = model.NodeInfo{ID: info.ID, Capacity: info.Capacity.Clone()}
		return
	}
	p.nodes[info.ID] = &nodeEntry{
		info:      model.NodeInfo{ID: info.ID, Capacity: info.Capacity.Clone()},
		committed: model.Resources{},
		owners:    make(map[string]model.Resources),
	}
}

// RemoveNode unregisters a node and force-releases every commitment it
// held. The returned evictions identify the owners whose work is lost.
func (p *Pool) RemoveNode(id model.NodeID) []Eviction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeNodeLocked(id)
}

func (p *Pool) removeNodeLocked(id model.NodeID) []Eviction {
	entry, ok := p.nodes[id]
	if !ok {
		return nil
	}
	delete(p.nodes, id)

	evictions := make([]Eviction, 0, len(entry.owners))
	for owner, committed := range entry.owners {
		evictions = append(evictions, Eviction{
			Node:      id,
			Owner:     owner,
			Resources: committed,
		})
	}
	log.L().Info("node resource is unregistered",
		zap.String("node-id", string(id)), zap.Int("evictions", len(evictions)))
	return evictions
}

// Sync reconciles the pool with the substrate's current node membership.
// Unknown nodes are added, known nodes get their capacity updated, and
// nodes absent from the view are removed, with their evictions returned.
func (p *Pool) Sync(nodes []model.NodeInfo) []Eviction {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[model.NodeID]struct{}, len(nodes))
	for _, info := range nodes {
		seen[info.ID] = struct{}{}
		p.addNodeLocked(info)
	}

	var evictions []Eviction
	for id := range p.nodes {
		if _, ok := seen[id]; !ok {
			evictions = append(evictions, p.removeNodeLocked(id)...)
		}
	}
	return evictions
}

// HasResources returns true iff the request currently fits within the
// uncommitted capacity of a single node. Co-located resource kinds cannot
// span nodes, so the single-node rule applies to every request.
func (p *Pool) HasResources(request model.Resources) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, entry := range p.nodes {
		if entry.fits(request) {
			return true
		}
	}
	return false
}

// Commit reserves capacity for the request on one node and records the
// owner. It re-validates the admission invariant instead of trusting a
// prior HasResources answer.
func (p *Pool) Commit(request model.Resources, owner string) (model.NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*nodeEntry, 0, len(p.nodes))
	for _, entry := range p.nodes {
		if entry.fits(request) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return "", derror.ErrResourceExhausted.GenWithStackByArgs()
	}

	entry := candidates[p.r.Intn(len(candidates))]
	entry.committed.Add(request)
	held, ok := entry.owners[owner]
	if !ok {
		held = model.Resources{}
		entry.owners[owner] = held
	}
	held.Add(request)
	return entry.info.ID, nil
}

// Release returns the owner's commitment on the given node. It must be
// called exactly once per successful Commit.
func (p *Pool) Release(id model.NodeID, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.nodes[id]
	if !ok {
		return derror.ErrUnknownNode.GenWithStackByArgs(id)
	}
	held, ok := entry.owners[owner]
	if !ok {
		log.L().Warn("release without a matching commit",
			zap.String("node-id", string(id)), zap.String("owner", owner))
		return nil
	}
	entry.committed.Sub(held)
	delete(entry.owners, owner)
	return nil
}

// Committed returns the pool-wide committed capacity, summed over nodes.
func (p *Pool) Committed() model.Resources {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := model.Resources{}
	for _, entry := range p.nodes {
		total.Add(entry.committed)
	}
	return total
}

// Snapshot returns a deep copy of every node's accounting, so there is no
// risk of accidental sharing. Note the O(n) complexity; scheduling
// happens only sporadically, so this does not matter in practice.
func (p *Pool) Snapshot() map[model.NodeID]NodeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ret := make(map[model.NodeID]NodeStatus, len(p.nodes))
	for id, entry := range p.nodes {
		ret[id] = NodeStatus{
			Capacity:  entry.info.Capacity.Clone(),
			Committed: entry.committed.Clone(),
		}
	}
	return ret
}
