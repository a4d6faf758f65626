// Package manager implements the cluster & peer manager: business logic
// layered on the resource store that composes peer descriptors and
// cluster configurations into cluster assignments, reacts to peer
// liveness, and schedules (re)deployment.
package manager

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"opendut/internal/model"
	"opendut/internal/store"
	"opendut/internal/telemetry"
)

// Pusher is the subset of the messaging broker the manager
// depends on. internal/broker.Broker satisfies it; keeping the interface
// here (rather than importing internal/broker) lets tests substitute a
// recording pusher. The broker never calls the manager directly: its
// connection-state changes reach the manager through store subscriptions.
type Pusher interface {
	Push(ctx context.Context, peer model.PeerID, cfg model.PeerConfiguration) error
}

// namespaceParameterIDs seeds the deterministic parameter-id derivation in
// assignment.go. Fixed so ids are stable across process restarts, which
// the Absent-parameter diffing depends on (a peer must see the *same*
// parameter id go Absent that it previously saw Present).
var namespaceParameterIDs = uuid.MustParse("6f6e6365-6f70-656e-6475-742e6d616e61")

// Manager is the cluster & peer manager. It owns no persistent state of
// its own beyond in-memory bookkeeping for port allocation and the last
// configuration pushed per (cluster, peer), both of which are legitimately
// ephemeral: derived entities are never persisted.
type Manager struct {
	store  store.Store
	pusher Pusher
	logger telemetry.Logger
	metrics *telemetry.MetricsCollector

	ports *portAllocator

	mu       sync.Mutex
	tracked  map[model.ClusterID]map[model.PeerID]model.PeerConfiguration
	feedback map[model.PeerID]map[model.ParameterID]model.ParameterResult

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the Manager's tunables.
type Config struct {
	ClusterPortBase uint16
}

func New(st store.Store, pusher Pusher, logger telemetry.Logger, metrics *telemetry.MetricsCollector, cfg Config) *Manager {
	return &Manager{
		store:    st,
		pusher:   pusher,
		logger:   logger,
		metrics:  metrics,
		ports:    newPortAllocator(cfg.ClusterPortBase),
		tracked:  make(map[model.ClusterID]map[model.PeerID]model.PeerConfiguration),
		feedback: make(map[model.PeerID]map[model.ParameterID]model.ParameterResult),
	}
}

// StorePeerDescriptor validates referential integrity (device interface
// ids exist in the peer's own network list, device ids are unique) and
// upserts.
func (m *Manager) StorePeerDescriptor(ctx context.Context, desc model.PeerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	return m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.Peers().Insert(ctx, desc.ID, desc)
	})
}

// DeletePeerDescriptor fails if the peer is currently a member of a
// deployed cluster.
func (m *Manager) DeletePeerDescriptor(ctx context.Context, id model.PeerID) error {
	return m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		desc, ok, err := tx.Peers().Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrPeerNotFound
		}

		deployed, err := deployedClustersOwnedBy(ctx, tx, desc)
		if err != nil {
			return err
		}
		if len(deployed) > 0 {
			return ErrPeerIsClusterMember
		}

		_, _, err = tx.Peers().Remove(ctx, id)
		return err
	})
}

// deployedClustersOwnedBy returns the ids of every deployed cluster that
// references a device owned by desc.
func deployedClustersOwnedBy(ctx context.Context, tx store.Transaction, desc model.PeerDescriptor) ([]model.ClusterID, error) {
	deployments, err := tx.ClusterDeployments().List(ctx)
	if err != nil {
		return nil, err
	}
	if len(deployments) == 0 {
		return nil, nil
	}
	configs, err := tx.ClusterConfigurations().List(ctx)
	if err != nil {
		return nil, err
	}

	var hit []model.ClusterID
	for id := range deployments {
		cfg, ok := configs[id]
		if !ok {
			continue
		}
		for _, dev := range desc.Topology.Devices {
			if _, owned := cfg.Devices[dev.ID]; owned {
				hit = append(hit, id)
				break
			}
		}
	}
	return hit, nil
}

// GetPeerDescriptor returns the stored descriptor for id, if any.
func (m *Manager) GetPeerDescriptor(ctx context.Context, id model.PeerID) (model.PeerDescriptor, bool, error) {
	var (
		desc  model.PeerDescriptor
		found bool
	)
	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		var err error
		desc, found, err = tx.Peers().Get(ctx, id)
		return err
	})
	return desc, found, err
}

// ListPeerDescriptors returns every stored descriptor, sorted by id.
func (m *Manager) ListPeerDescriptors(ctx context.Context) ([]model.PeerDescriptor, error) {
	var peers []model.PeerDescriptor
	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		byID, err := tx.Peers().List(ctx)
		if err != nil {
			return err
		}
		for _, peer := range byID {
			peers = append(peers, peer)
		}
		return nil
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID.String() < peers[j].ID.String() })
	return peers, err
}

// ListClusterConfigurations returns every stored configuration, sorted by id.
func (m *Manager) ListClusterConfigurations(ctx context.Context) ([]model.ClusterConfiguration, error) {
	var clusters []model.ClusterConfiguration
	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		byID, err := tx.ClusterConfigurations().List(ctx)
		if err != nil {
			return err
		}
		for _, cluster := range byID {
			clusters = append(clusters, cluster)
		}
		return nil
	})
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ID.String() < clusters[j].ID.String() })
	return clusters, err
}

// CreateClusterConfiguration validates that the leader owns at least one
// referenced device and every device resolves to an existing peer, then
// upserts.
func (m *Manager) CreateClusterConfiguration(ctx context.Context, cfg model.ClusterConfiguration) error {
	return m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		peers, err := tx.Peers().List(ctx)
		if err != nil {
			return err
		}
		owners, err := deviceOwners(peers, cfg.Devices)
		if err != nil {
			return err
		}
		if _, ok := owners[cfg.Leader]; !ok {
			return ErrLeaderHasNoDevice
		}
		return tx.ClusterConfigurations().Insert(ctx, cfg.ID, cfg)
	})
}

// deviceOwners resolves every id in devices to the owning peer, returning
// an error if any device does not resolve. The returned set keys are the
// owning peer ids (for the leader-ownership check).
func deviceOwners(peers map[model.PeerID]model.PeerDescriptor, devices map[model.DeviceID]struct{}) (map[model.PeerID]struct{}, error) {
	owners := make(map[model.PeerID]struct{})
	remaining := make(map[model.DeviceID]struct{}, len(devices))
	for id := range devices {
		remaining[id] = struct{}{}
	}
	for peerID, peer := range peers {
		for _, dev := range peer.Topology.Devices {
			if _, wanted := remaining[dev.ID]; wanted {
				owners[peerID] = struct{}{}
				delete(remaining, dev.ID)
			}
		}
	}
	if len(remaining) > 0 {
		return nil, ErrDeviceUnresolved
	}
	return owners, nil
}

// DeleteClusterConfiguration fails if a ClusterDeployment(id) exists.
func (m *Manager) DeleteClusterConfiguration(ctx context.Context, id model.ClusterID) error {
	return m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		if _, ok, err := tx.ClusterDeployments().Get(ctx, id); err != nil {
			return err
		} else if ok {
			return ErrClusterDeployed
		}
		_, existed, err := tx.ClusterConfigurations().Remove(ctx, id)
		if err != nil {
			return err
		}
		if !existed {
			return ErrClusterConfigurationNotFound
		}
		return nil
	})
}

// StoreClusterDeployment inserts the deployment marker and then calls
// Reconcile(ctx, id) itself to push computed configurations. Once Start
// has been called, the subscription-driven reactor in reactor.go also
// reconciles the cluster on the resulting deployment event.
func (m *Manager) StoreClusterDeployment(ctx context.Context, id model.ClusterID) error {
	err := m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		if _, ok, err := tx.ClusterConfigurations().Get(ctx, id); err != nil {
			return err
		} else if !ok {
			return ErrClusterConfigurationMissing
		}
		return tx.ClusterDeployments().Insert(ctx, id, model.ClusterDeployment{ClusterID: id})
	})
	if err != nil {
		return err
	}
	return m.Reconcile(ctx, id)
}

// DeleteClusterDeployment removes the marker and pushes Absent
// configurations to every peer that previously held state for it.
func (m *Manager) DeleteClusterDeployment(ctx context.Context, id model.ClusterID) error {
	err := m.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		_, _, err := tx.ClusterDeployments().Remove(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	m.ports.release(id)
	return m.Reconcile(ctx, id)
}

// ListClusterPeers returns the peer descriptors whose devices intersect
// the cluster's device set.
func (m *Manager) ListClusterPeers(ctx context.Context, clusterID model.ClusterID) ([]model.PeerDescriptor, error) {
	var result []model.PeerDescriptor
	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		cfg, ok, err := tx.ClusterConfigurations().Get(ctx, clusterID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrClusterConfigurationNotFound
		}
		peers, err := tx.Peers().List(ctx)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			if ownsAny(peer, cfg.Devices) {
				result = append(result, peer)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID.String() < result[j].ID.String() })
	return result, err
}

func ownsAny(peer model.PeerDescriptor, devices map[model.DeviceID]struct{}) bool {
	for _, dev := range peer.Topology.Devices {
		if _, ok := devices[dev.ID]; ok {
			return true
		}
	}
	return false
}

// DetermineClusterPeerStates joins PeerConnectionState and
// PeerMemberState by peer id for every peer in the cluster.
func (m *Manager) DetermineClusterPeerStates(ctx context.Context, clusterID model.ClusterID) ([]model.PeerState, error) {
	peers, err := m.ListClusterPeers(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	var states []model.PeerState
	err = m.store.Resources(ctx, func(tx store.Transaction) error {
		deployments, err := tx.ClusterDeployments().List(ctx)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			conn, _, err := tx.PeerConnectionStates().Get(ctx, peer.ID)
			if err != nil {
				return err
			}
			member := model.PeerMemberState{Available: true}
			if _, deployed := deployments[clusterID]; deployed {
				member = model.PeerMemberState{Available: false, HasBlocker: true, BlockedBy: clusterID}
			}
			states = append(states, model.PeerState{PeerID: peer.ID, Location: peer.Location, Connection: conn, Member: member})
		}
		return nil
	})
	return states, err
}

// RecordFeedback stores the agent's per-parameter result so operators
// can observe deployment health through feedback inspection.
func (m *Manager) RecordFeedback(peer model.PeerID, result model.ParameterResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feedback[peer] == nil {
		m.feedback[peer] = make(map[model.ParameterID]model.ParameterResult)
	}
	m.feedback[peer][result.ParameterID] = result
}

// Feedback returns the last reported result for every parameter id the
// given peer has reported on.
func (m *Manager) Feedback(peer model.PeerID) map[model.ParameterID]model.ParameterResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ParameterID]model.ParameterResult, len(m.feedback[peer]))
	for id, res := range m.feedback[peer] {
		out[id] = res
	}
	return out
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Infof(format, args...)
	}
}
