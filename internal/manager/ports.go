package manager

import (
	"sort"
	"sync"

	"opendut/internal/model"
)

// DefaultClusterPortBase is the first CAN server port handed out to any
// peer/cluster pairing.
const DefaultClusterPortBase uint16 = 48900

// portAllocator hands out deterministic, stable can_server_port values per
// (peer, cluster) pair. Ports are unique per peer across every cluster
// that peer participates in, so two clusters sharing a peer never
// collide; the mapping for an existing pair never changes while the
// cluster stays deployed.
type portAllocator struct {
	mu   sync.Mutex
	base uint16

	// assigned[peer][cluster] = port
	assigned map[model.PeerID]map[model.ClusterID]uint16
	// used[peer][port] = cluster currently holding that port
	used map[model.PeerID]map[uint16]model.ClusterID
}

func newPortAllocator(base uint16) *portAllocator {
	if base == 0 {
		base = DefaultClusterPortBase
	}
	return &portAllocator{
		base:     base,
		assigned: make(map[model.PeerID]map[model.ClusterID]uint16),
		used:     make(map[model.PeerID]map[uint16]model.ClusterID),
	}
}

// allocate returns the port assigned to peer within cluster, creating one
// if it does not yet exist. contenders is the full set of deployed
// clusters touching this peer (cluster itself included): every contender
// still unassigned is served in cluster-id sort order under one lock
// hold, so two clusters racing for the same peer's ports resolve
// identically no matter which reconciliation reaches the allocator first.
// The lower cluster id takes the contested port, the other waits for the
// next free one.
func (a *portAllocator) allocate(peer model.PeerID, cluster model.ClusterID, contenders []model.ClusterID) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.assigned[peer][cluster]; ok {
		return port
	}

	ordered := append([]model.ClusterID(nil), contenders...)
	if !containsCluster(ordered, cluster) {
		ordered = append(ordered, cluster)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	for _, contender := range ordered {
		if _, ok := a.assigned[peer][contender]; ok {
			continue
		}
		a.assign(peer, contender)
	}
	return a.assigned[peer][cluster]
}

// assign pins the lowest free port on peer to cluster. Callers hold a.mu.
func (a *portAllocator) assign(peer model.PeerID, cluster model.ClusterID) {
	port := a.base
	for {
		if _, taken := a.used[peer][port]; !taken {
			break
		}
		port++
	}

	if a.assigned[peer] == nil {
		a.assigned[peer] = make(map[model.ClusterID]uint16)
	}
	if a.used[peer] == nil {
		a.used[peer] = make(map[uint16]model.ClusterID)
	}
	a.assigned[peer][cluster] = port
	a.used[peer][port] = cluster
}

func containsCluster(ids []model.ClusterID, id model.ClusterID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// release frees every port held by cluster across all peers, so a future
// deployment of a different cluster may reuse them. Called when a
// ClusterDeployment marker is removed.
func (a *portAllocator) release(cluster model.ClusterID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for peer, byCluster := range a.assigned {
		port, ok := byCluster[cluster]
		if !ok {
			continue
		}
		delete(byCluster, cluster)
		if len(byCluster) == 0 {
			delete(a.assigned, peer)
		}
		if holder, ok := a.used[peer][port]; ok && holder == cluster {
			delete(a.used[peer], port)
			if len(a.used[peer]) == 0 {
				delete(a.used, peer)
			}
		}
	}
}
