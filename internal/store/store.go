// Package store defines the typed resource store: id-keyed storage of
// domain entities with transactional mutation and per-type subscription. Two backends satisfy the Store
// contract: internal/store/memory and internal/store/relational.
package store

import (
	"context"

	"opendut/internal/model"
)

// Resource is the per-entity-type operation set exposed both as the top
// level, auto-committing accessor (Store.Peers(), etc.) and as the scoped
// view handed to a transaction closure.
type Resource[K comparable, V any] interface {
	// Insert upserts value at id. If a value existed, the store emits
	// Removed(old) followed by Inserted(new) atomically with the write.
	Insert(ctx context.Context, id K, value V) error

	// Remove deletes id, returning the removed value and whether it existed.
	Remove(ctx context.Context, id K) (V, bool, error)

	// Get returns the value at id, and whether it existed.
	Get(ctx context.Context, id K) (V, bool, error)

	// List returns every stored value keyed by id.
	List(ctx context.Context) (map[K]V, error)
}

// Concrete Resource instantiations for the four persisted entity types.
type (
	PeerResource                 = Resource[model.PeerID, model.PeerDescriptor]
	ClusterConfigurationResource = Resource[model.ClusterID, model.ClusterConfiguration]
	ClusterDeploymentResource    = Resource[model.ClusterID, model.ClusterDeployment]
	PeerConnectionStateResource  = Resource[model.PeerID, model.PeerConnectionState]
)

// Transaction is the handle passed to a Resources/ResourcesMut closure. It
// exposes the same per-type accessors as Store; whether its Resources are
// read-only is enforced by the backend (read-only transactions return
// ErrReadOnlyTransaction from any mutating call).
type Transaction interface {
	Peers() PeerResource
	ClusterConfigurations() ClusterConfigurationResource
	ClusterDeployments() ClusterDeploymentResource
	PeerConnectionStates() PeerConnectionStateResource
}

// Store is the contract implemented by both persistence backends.
type Store interface {
	Transaction

	// Resources runs f in a read-only transaction: mutating calls on the
	// supplied Transaction fail with ErrReadOnlyTransaction. No events are
	// ever emitted by a read-only transaction.
	Resources(ctx context.Context, f func(tx Transaction) error) error

	// ResourcesMut runs f in a mutable transaction. If f returns an error,
	// every write it made is rolled back and no subscription events are
	// emitted. If f returns nil, the transaction commits and its events
	// are delivered to subscribers only after the commit completes.
	ResourcesMut(ctx context.Context, f func(tx Transaction) error) error

	// SubscribePeers and its siblings install a per-type tap receiving a
	// chronologically ordered stream of insert/remove events, delivered
	// after the emitting transaction commits.
	SubscribePeers(bufferSize int) *PeerSubscription
	SubscribeClusterConfigurations(bufferSize int) *ClusterConfigurationSubscription
	SubscribeClusterDeployments(bufferSize int) *ClusterDeploymentSubscription
	SubscribePeerConnectionStates(bufferSize int) *PeerConnectionStateSubscription

	Close() error
}
