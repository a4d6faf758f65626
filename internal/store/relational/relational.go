// Package relational implements store.Store on PostgreSQL via lib/pq.
// Composite entities are split across normalized tables on write and
// rejoined on read; a write of a composite entity is delete-then-insert
// inside one database transaction so removed list elements disappear.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"opendut/internal/model"
	"opendut/internal/store"
	"opendut/internal/telemetry"
)

// queryer is the subset of *sql.Tx / *sql.DB the row mappers need.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Config holds the relational backend's connection settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// ConnectAttempts bounds the ping retry loop at startup; transient
	// transport errors are retried with exponential backoff, a malformed
	// URL is not.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// DefaultConfig returns the backend's default pool and retry settings.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectAttempts: 6,
		ConnectBackoff:  500 * time.Millisecond,
	}
}

// Store is the PostgreSQL-backed resource store.
type Store struct {
	db     *sql.DB
	logger telemetry.Logger

	peerBus              *store.Bus[model.PeerID, model.PeerDescriptor]
	clusterConfigBus     *store.Bus[model.ClusterID, model.ClusterConfiguration]
	clusterDeploymentBus *store.Bus[model.ClusterID, model.ClusterDeployment]
	connStateBus         *store.Bus[model.PeerID, model.PeerConnectionState]
}

// Connect opens the database, verifies connectivity with bounded
// exponential backoff, applies pending migrations and returns the store.
func Connect(cfg Config, logger telemetry.Logger) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: database URL is required", model.ErrValidation)
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 1
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 500 * time.Millisecond
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		// sql.Open only fails on a bad driver/DSN, which no amount of
		// retrying fixes.
		return nil, fmt.Errorf("%w: open database: %v", model.ErrFatal, err)
	}

	backoff := cfg.ConnectBackoff
	var pingErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		pingErr = db.PingContext(context.Background())
		if pingErr == nil {
			break
		}
		if attempt == cfg.ConnectAttempts {
			break
		}
		if logger != nil {
			logger.WithError(pingErr).Warnf("Database not reachable, retrying in %s (attempt %d/%d)", backoff, attempt, cfg.ConnectAttempts)
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", model.ErrPersistence, pingErr)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := Migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger != nil {
		logger.WithFields(telemetry.Fields{
			"max_open_conns": cfg.MaxOpenConns,
			"max_idle_conns": cfg.MaxIdleConns,
		}).Info("Database connected")
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already-connected database handle. The caller is
// responsible for having run Migrate; tests use this with sqlmock.
func NewWithDB(db *sql.DB, logger telemetry.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,

		peerBus:              store.NewBus[model.PeerID, model.PeerDescriptor](),
		clusterConfigBus:     store.NewBus[model.ClusterID, model.ClusterConfiguration](),
		clusterDeploymentBus: store.NewBus[model.ClusterID, model.ClusterDeployment](),
		connStateBus:         store.NewBus[model.PeerID, model.PeerConnectionState](),
	}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func wrapPersistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPersistence, op, err)
}

// ops bundles the row-mapper functions for one entity type, bound to the
// owning Store so read paths can log dropped rows.
type ops[K comparable, V any] struct {
	get    func(ctx context.Context, q queryer, id K) (V, bool, error)
	list   func(ctx context.Context, q queryer) (map[K]V, error)
	insert func(ctx context.Context, q queryer, id K, value V) error
	delete func(ctx context.Context, q queryer, id K) error
}

// resource adapts one entity type's ops to store.Resource within an open
// transaction. Events are staged into buffer and published by the owning
// transaction only after commit.
type resource[K comparable, V any] struct {
	ops      ops[K, V]
	q        queryer
	readOnly bool
	buffer   *[]store.Event[K, V]
}

func (r *resource[K, V]) Insert(ctx context.Context, id K, value V) error {
	if r.readOnly {
		return store.ErrReadOnlyTransaction
	}
	old, existed, err := r.ops.get(ctx, r.q, id)
	if err != nil {
		return err
	}
	if err := r.ops.insert(ctx, r.q, id, value); err != nil {
		return err
	}
	if existed {
		*r.buffer = append(*r.buffer, store.Event[K, V]{Inserted: false, ID: id, Value: old})
	}
	*r.buffer = append(*r.buffer, store.Event[K, V]{Inserted: true, ID: id, Value: value})
	return nil
}

func (r *resource[K, V]) Remove(ctx context.Context, id K) (V, bool, error) {
	var zero V
	if r.readOnly {
		return zero, false, store.ErrReadOnlyTransaction
	}
	old, existed, err := r.ops.get(ctx, r.q, id)
	if err != nil {
		return zero, false, err
	}
	if !existed {
		return zero, false, nil
	}
	if err := r.ops.delete(ctx, r.q, id); err != nil {
		return zero, false, err
	}
	*r.buffer = append(*r.buffer, store.Event[K, V]{Inserted: false, ID: id, Value: old})
	return old, true, nil
}

func (r *resource[K, V]) Get(ctx context.Context, id K) (V, bool, error) {
	return r.ops.get(ctx, r.q, id)
}

func (r *resource[K, V]) List(ctx context.Context) (map[K]V, error) {
	return r.ops.list(ctx, r.q)
}

// txView is the store.Transaction handed to a Resources/ResourcesMut
// closure, backed by one open *sql.Tx.
type txView struct {
	peers              resource[model.PeerID, model.PeerDescriptor]
	clusterConfigs     resource[model.ClusterID, model.ClusterConfiguration]
	clusterDeployments resource[model.ClusterID, model.ClusterDeployment]
	connStates         resource[model.PeerID, model.PeerConnectionState]
}

func (t *txView) Peers() store.PeerResource                                 { return &t.peers }
func (t *txView) ClusterConfigurations() store.ClusterConfigurationResource { return &t.clusterConfigs }
func (t *txView) ClusterDeployments() store.ClusterDeploymentResource       { return &t.clusterDeployments }
func (t *txView) PeerConnectionStates() store.PeerConnectionStateResource   { return &t.connStates }

func (s *Store) newTxView(tx *sql.Tx, readOnly bool) (*txView, *stagedEvents) {
	staged := &stagedEvents{}
	return &txView{
		peers:              resource[model.PeerID, model.PeerDescriptor]{ops: s.peerOps(), q: tx, readOnly: readOnly, buffer: &staged.peers},
		clusterConfigs:     resource[model.ClusterID, model.ClusterConfiguration]{ops: s.clusterConfigOps(), q: tx, readOnly: readOnly, buffer: &staged.clusterConfigs},
		clusterDeployments: resource[model.ClusterID, model.ClusterDeployment]{ops: s.clusterDeploymentOps(), q: tx, readOnly: readOnly, buffer: &staged.clusterDeployments},
		connStates:         resource[model.PeerID, model.PeerConnectionState]{ops: s.connStateOps(), q: tx, readOnly: readOnly, buffer: &staged.connStates},
	}, staged
}

// stagedEvents accumulates per-type events during a mutable transaction,
// flushed to the buses only after the database commit succeeds.
type stagedEvents struct {
	peers              []store.Event[model.PeerID, model.PeerDescriptor]
	clusterConfigs     []store.Event[model.ClusterID, model.ClusterConfiguration]
	clusterDeployments []store.Event[model.ClusterID, model.ClusterDeployment]
	connStates         []store.Event[model.PeerID, model.PeerConnectionState]
}

func (s *Store) publish(staged *stagedEvents) {
	s.peerBus.PublishAll(staged.peers)
	s.clusterConfigBus.PublishAll(staged.clusterConfigs)
	s.clusterDeploymentBus.PublishAll(staged.clusterDeployments)
	s.connStateBus.PublishAll(staged.connStates)
}

func (s *Store) Resources(ctx context.Context, f func(tx store.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true})
	if err != nil {
		return wrapPersistence("begin read transaction", err)
	}
	view, _ := s.newTxView(tx, true)
	if err := f(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapPersistence("commit read transaction", err)
	}
	return nil
}

func (s *Store) ResourcesMut(ctx context.Context, f func(tx store.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapPersistence("begin transaction", err)
	}
	view, staged := s.newTxView(tx, false)
	if err := f(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapPersistence("commit transaction", err)
	}
	s.publish(staged)
	return nil
}

// autoResource runs each single operation in its own transaction, giving
// the top-level accessors the same commit-then-emit behavior as an
// explicit one-operation ResourcesMut.
type autoResource[K comparable, V any] struct {
	s      *Store
	pick   func(tx store.Transaction) store.Resource[K, V]
}

func (a *autoResource[K, V]) Insert(ctx context.Context, id K, value V) error {
	return a.s.ResourcesMut(ctx, func(tx store.Transaction) error {
		return a.pick(tx).Insert(ctx, id, value)
	})
}

func (a *autoResource[K, V]) Remove(ctx context.Context, id K) (V, bool, error) {
	var value V
	var existed bool
	err := a.s.ResourcesMut(ctx, func(tx store.Transaction) error {
		var err error
		value, existed, err = a.pick(tx).Remove(ctx, id)
		return err
	})
	return value, existed, err
}

func (a *autoResource[K, V]) Get(ctx context.Context, id K) (V, bool, error) {
	var value V
	var found bool
	err := a.s.Resources(ctx, func(tx store.Transaction) error {
		var err error
		value, found, err = a.pick(tx).Get(ctx, id)
		return err
	})
	return value, found, err
}

func (a *autoResource[K, V]) List(ctx context.Context) (map[K]V, error) {
	var out map[K]V
	err := a.s.Resources(ctx, func(tx store.Transaction) error {
		var err error
		out, err = a.pick(tx).List(ctx)
		return err
	})
	return out, err
}

func (s *Store) Peers() store.PeerResource {
	return &autoResource[model.PeerID, model.PeerDescriptor]{s: s, pick: store.Transaction.Peers}
}

func (s *Store) ClusterConfigurations() store.ClusterConfigurationResource {
	return &autoResource[model.ClusterID, model.ClusterConfiguration]{s: s, pick: store.Transaction.ClusterConfigurations}
}

func (s *Store) ClusterDeployments() store.ClusterDeploymentResource {
	return &autoResource[model.ClusterID, model.ClusterDeployment]{s: s, pick: store.Transaction.ClusterDeployments}
}

func (s *Store) PeerConnectionStates() store.PeerConnectionStateResource {
	return &autoResource[model.PeerID, model.PeerConnectionState]{s: s, pick: store.Transaction.PeerConnectionStates}
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
