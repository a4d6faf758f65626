// Package memory implements store.Store entirely in process memory. It
// backs tests and single-process deployments of carl; durable deployments
// use internal/store/relational instead.
package memory

import (
	"context"
	"sync"

	"opendut/internal/model"
	"opendut/internal/store"
)

// table is the generic backing store for one entity type: a map guarded
// by the owning Store's transaction lock. The fan-out buses live on Store.
type table[K comparable, V any] struct {
	data map[K]V
}

func newTable[K comparable, V any]() *table[K, V] {
	return &table[K, V]{data: make(map[K]V)}
}

func (t *table[K, V]) snapshot() map[K]V {
	cp := make(map[K]V, len(t.data))
	for k, v := range t.data {
		cp[k] = v
	}
	return cp
}

func (t *table[K, V]) restore(snap map[K]V) { t.data = snap }

// view is the store.Resource implementation handed out for both the
// auto-committing top-level accessors and the scoped transaction
// accessors. readOnly and buffer turn it into whichever mode is needed;
// buffer == nil means "emit immediately", non-nil means "stage for the
// enclosing transaction to flush on commit".
type view[K comparable, V any] struct {
	t        *table[K, V]
	readOnly bool
	buffer   *[]store.Event[K, V]
	publish  func(store.Event[K, V])

	// mu, when set, is the owning Store's transaction lock: top-level
	// auto-committing views take it per operation, transaction-scoped
	// views leave it nil because ResourcesMut already holds it.
	mu *sync.Mutex
}

func (v *view[K, V]) lock() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func (v *view[K, V]) Insert(_ context.Context, id K, value V) error {
	if v.readOnly {
		return store.ErrReadOnlyTransaction
	}
	defer v.lock()()
	old, existed := v.t.data[id]
	v.t.data[id] = value
	if existed {
		v.emit(store.Event[K, V]{Inserted: false, ID: id, Value: old})
	}
	v.emit(store.Event[K, V]{Inserted: true, ID: id, Value: value})
	return nil
}

func (v *view[K, V]) Remove(_ context.Context, id K) (V, bool, error) {
	var zero V
	if v.readOnly {
		return zero, false, store.ErrReadOnlyTransaction
	}
	defer v.lock()()
	old, existed := v.t.data[id]
	if !existed {
		return zero, false, nil
	}
	delete(v.t.data, id)
	v.emit(store.Event[K, V]{Inserted: false, ID: id, Value: old})
	return old, true, nil
}

func (v *view[K, V]) Get(_ context.Context, id K) (V, bool, error) {
	defer v.lock()()
	val, ok := v.t.data[id]
	return val, ok, nil
}

func (v *view[K, V]) List(_ context.Context) (map[K]V, error) {
	defer v.lock()()
	out := make(map[K]V, len(v.t.data))
	for k, val := range v.t.data {
		out[k] = val
	}
	return out, nil
}

func (v *view[K, V]) emit(ev store.Event[K, V]) {
	if v.buffer != nil {
		*v.buffer = append(*v.buffer, ev)
		return
	}
	v.publish(ev)
}

// Store is the in-memory backend. A single mutex serializes every
// transaction, which trivially satisfies the serializability requirement
// at the cost of concurrency; this is an acceptable
// tradeoff for an in-memory backend that exists mainly for tests and
// small deployments.
type Store struct {
	mu sync.Mutex

	peers              *table[model.PeerID, model.PeerDescriptor]
	clusterConfigs     *table[model.ClusterID, model.ClusterConfiguration]
	clusterDeployments *table[model.ClusterID, model.ClusterDeployment]
	connStates         *table[model.PeerID, model.PeerConnectionState]

	peerBus              *store.Bus[model.PeerID, model.PeerDescriptor]
	clusterConfigBus     *store.Bus[model.ClusterID, model.ClusterConfiguration]
	clusterDeploymentBus *store.Bus[model.ClusterID, model.ClusterDeployment]
	connStateBus         *store.Bus[model.PeerID, model.PeerConnectionState]
}

func New() *Store {
	return &Store{
		peers:              newTable[model.PeerID, model.PeerDescriptor](),
		clusterConfigs:     newTable[model.ClusterID, model.ClusterConfiguration](),
		clusterDeployments: newTable[model.ClusterID, model.ClusterDeployment](),
		connStates:         newTable[model.PeerID, model.PeerConnectionState](),

		peerBus:              store.NewBus[model.PeerID, model.PeerDescriptor](),
		clusterConfigBus:     store.NewBus[model.ClusterID, model.ClusterConfiguration](),
		clusterDeploymentBus: store.NewBus[model.ClusterID, model.ClusterDeployment](),
		connStateBus:         store.NewBus[model.PeerID, model.PeerConnectionState](),
	}
}

func (s *Store) Peers() store.PeerResource {
	return &view[model.PeerID, model.PeerDescriptor]{t: s.peers, publish: s.peerBus.Publish, mu: &s.mu}
}

func (s *Store) ClusterConfigurations() store.ClusterConfigurationResource {
	return &view[model.ClusterID, model.ClusterConfiguration]{t: s.clusterConfigs, publish: s.clusterConfigBus.Publish, mu: &s.mu}
}

func (s *Store) ClusterDeployments() store.ClusterDeploymentResource {
	return &view[model.ClusterID, model.ClusterDeployment]{t: s.clusterDeployments, publish: s.clusterDeploymentBus.Publish, mu: &s.mu}
}

func (s *Store) PeerConnectionStates() store.PeerConnectionStateResource {
	return &view[model.PeerID, model.PeerConnectionState]{t: s.connStates, publish: s.connStateBus.Publish, mu: &s.mu}
}

// txView bundles the four staged accessors used during a transaction.
type txView struct {
	peers              view[model.PeerID, model.PeerDescriptor]
	clusterConfigs     view[model.ClusterID, model.ClusterConfiguration]
	clusterDeployments view[model.ClusterID, model.ClusterDeployment]
	connStates         view[model.PeerID, model.PeerConnectionState]
}

func (t *txView) Peers() store.PeerResource                                 { return &t.peers }
func (t *txView) ClusterConfigurations() store.ClusterConfigurationResource { return &t.clusterConfigs }
func (t *txView) ClusterDeployments() store.ClusterDeploymentResource       { return &t.clusterDeployments }
func (t *txView) PeerConnectionStates() store.PeerConnectionStateResource   { return &t.connStates }

func (s *Store) Resources(ctx context.Context, f func(tx store.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txView{
		peers:              view[model.PeerID, model.PeerDescriptor]{t: s.peers, readOnly: true},
		clusterConfigs:     view[model.ClusterID, model.ClusterConfiguration]{t: s.clusterConfigs, readOnly: true},
		clusterDeployments: view[model.ClusterID, model.ClusterDeployment]{t: s.clusterDeployments, readOnly: true},
		connStates:         view[model.PeerID, model.PeerConnectionState]{t: s.connStates, readOnly: true},
	}
	return f(tx)
}

func (s *Store) ResourcesMut(ctx context.Context, f func(tx store.Transaction) error) error {
	s.mu.Lock()

	peersSnap := s.peers.snapshot()
	clusterConfigsSnap := s.clusterConfigs.snapshot()
	clusterDeploymentsSnap := s.clusterDeployments.snapshot()
	connStatesSnap := s.connStates.snapshot()

	var peerEvents []store.Event[model.PeerID, model.PeerDescriptor]
	var clusterConfigEvents []store.Event[model.ClusterID, model.ClusterConfiguration]
	var clusterDeploymentEvents []store.Event[model.ClusterID, model.ClusterDeployment]
	var connStateEvents []store.Event[model.PeerID, model.PeerConnectionState]

	tx := &txView{
		peers:              view[model.PeerID, model.PeerDescriptor]{t: s.peers, buffer: &peerEvents},
		clusterConfigs:     view[model.ClusterID, model.ClusterConfiguration]{t: s.clusterConfigs, buffer: &clusterConfigEvents},
		clusterDeployments: view[model.ClusterID, model.ClusterDeployment]{t: s.clusterDeployments, buffer: &clusterDeploymentEvents},
		connStates:         view[model.PeerID, model.PeerConnectionState]{t: s.connStates, buffer: &connStateEvents},
	}

	err := f(tx)
	if err != nil {
		s.peers.restore(peersSnap)
		s.clusterConfigs.restore(clusterConfigsSnap)
		s.clusterDeployments.restore(clusterDeploymentsSnap)
		s.connStates.restore(connStatesSnap)
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.peerBus.PublishAll(peerEvents)
	s.clusterConfigBus.PublishAll(clusterConfigEvents)
	s.clusterDeploymentBus.PublishAll(clusterDeploymentEvents)
	s.connStateBus.PublishAll(connStateEvents)
	return nil
}

func (s *Store) SubscribePeers(bufferSize int) *store.PeerSubscription {
	return s.peerBus.Subscribe(bufferSize)
}

func (s *Store) SubscribeClusterConfigurations(bufferSize int) *store.ClusterConfigurationSubscription {
	return s.clusterConfigBus.Subscribe(bufferSize)
}

func (s *Store) SubscribeClusterDeployments(bufferSize int) *store.ClusterDeploymentSubscription {
	return s.clusterDeploymentBus.Subscribe(bufferSize)
}

func (s *Store) SubscribePeerConnectionStates(bufferSize int) *store.PeerConnectionStateSubscription {
	return s.connStateBus.Subscribe(bufferSize)
}

func (s *Store) Close() error { return nil }
