// Package broker implements the bidirectional messaging broker between
// carl and its agents: one long-lived stream per connected agent, used to push
// computed PeerConfigurations downstream and to receive liveness/state
// upstream into the resource store.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"opendut/internal/model"
	"opendut/internal/store"
	"opendut/internal/telemetry"
)

var (
	// ErrPeerNotFound is returned by Push/Pong when no stream is open
	// for the given peer.
	ErrPeerNotFound = fmt.Errorf("%w: no open stream for peer", model.ErrNotFound)

	// ErrDownstreamSend is returned by Push/Pong when the peer's channel
	// cannot take the message without blocking (its buffer is full).
	ErrDownstreamSend = fmt.Errorf("%w: downstream channel closed", model.ErrTransport)

	// ErrAlreadyConnected is returned by Open when a live stream for the
	// peer already exists.
	ErrAlreadyConnected = fmt.Errorf("%w: peer already has an open stream", model.ErrValidation)
)

// Downstream is one message sent from carl to an agent: either the reply
// to an upstream Ping, or a computed configuration to apply.
type Downstream struct {
	Pong          bool
	Configuration *model.PeerConfiguration
}

// connection is the broker's per-peer bookkeeping: the channel handed to
// the agent-facing RPC goroutine, plus liveness tracking. lastSeenAt is
// bumped on every upstream message (Hello, Ping, State, ParameterFeedback);
// the liveness loop reaps connections that have gone quiet for too long,
// matching the agent-initiated heartbeat of the wire protocol.
type connection struct {
	sender     chan Downstream
	lastSeenAt time.Time
	remoteHost net.IP
}

// Broker is the in-process stream registry. Its sender table
// is a per-peer map protected by a lock held only for membership changes;
// sends use a cloned channel handle and never hold the lock.
type Broker struct {
	store  store.Store
	logger telemetry.Logger
	metrics *telemetry.MetricsCollector

	pingInterval time.Duration
	pingTimeout  time.Duration

	mu    sync.RWMutex
	conns map[model.PeerID]*connection

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the Broker's liveness tunables.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	BufferSize   int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 30 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	return c
}

func New(st store.Store, logger telemetry.Logger, metrics *telemetry.MetricsCollector, cfg Config) *Broker {
	cfg = cfg.withDefaults()
	return &Broker{
		store:        st,
		logger:       logger,
		metrics:      metrics,
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		conns:        make(map[model.PeerID]*connection),
	}
}

// Open registers a new stream for peerID, writes PeerConnectionState
// Online{remoteHost} to the store, and returns the channel the agent's
// RPC goroutine should drain for downstream messages.
func (b *Broker) Open(ctx context.Context, peerID model.PeerID, remoteHost net.IP, bufferSize int) (<-chan Downstream, error) {
	if bufferSize <= 0 {
		bufferSize = 16
	}

	b.mu.Lock()
	if _, ok := b.conns[peerID]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	conn := &connection{sender: make(chan Downstream, bufferSize), remoteHost: remoteHost, lastSeenAt: time.Now()}
	b.conns[peerID] = conn
	count := len(b.conns)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetConnectedPeers(count)
	}

	if err := b.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.PeerConnectionStates().Insert(ctx, peerID, model.Online(remoteHost))
	}); err != nil {
		b.mu.Lock()
		delete(b.conns, peerID)
		b.mu.Unlock()
		return nil, err
	}

	return conn.sender, nil
}

// Push enqueues configuration for delivery to peerID's stream. Enqueue
// order within one peer's stream is preserved.
func (b *Broker) Push(ctx context.Context, peerID model.PeerID, cfg model.PeerConfiguration) error {
	b.mu.RLock()
	conn, ok := b.conns[peerID]
	b.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}

	msg := Downstream{Configuration: &cfg}
	select {
	case conn.sender <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrDownstreamSend
	}
}

// Pong enqueues a heartbeat reply on peerID's stream. It shares the
// downstream channel with configuration pushes so the stream's single
// sender goroutine stays the only writer.
func (b *Broker) Pong(peerID model.PeerID) error {
	b.mu.RLock()
	conn, ok := b.conns[peerID]
	b.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	select {
	case conn.sender <- Downstream{Pong: true}:
		return nil
	default:
		return ErrDownstreamSend
	}
}

// RemovePeer drops peerID's sender, terminating its stream. Called when
// a PeerDescriptor is deleted.
func (b *Broker) RemovePeer(ctx context.Context, peerID model.PeerID) error {
	b.mu.Lock()
	conn, ok := b.conns[peerID]
	if ok {
		delete(b.conns, peerID)
	}
	count := len(b.conns)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	close(conn.sender)

	if b.metrics != nil {
		b.metrics.SetConnectedPeers(count)
	}

	return b.store.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.PeerConnectionStates().Insert(ctx, peerID, model.Offline())
	})
}

// Close marks the stream for peerID dead from the agent side (e.g. the
// gRPC stream returned io.EOF or an error). It is the receive-path
// counterpart to RemovePeer and results in the same Offline transition.
func (b *Broker) Close(ctx context.Context, peerID model.PeerID) error {
	return b.RemovePeer(ctx, peerID)
}

// RecordActivity bumps the peer's last-seen timestamp. Call it on every
// upstream message (Hello, Ping, State, ParameterFeedback) so the
// liveness loop does not reap an agent that is merely quiet on Pings but
// actively reporting state.
func (b *Broker) RecordActivity(peerID model.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn, ok := b.conns[peerID]; ok {
		conn.lastSeenAt = time.Now()
	}
}

// ConnectedPeers returns the number of peers with a currently open stream.
func (b *Broker) ConnectedPeers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// StartLiveness runs the periodic liveness reaper: peers whose upstream
// Ping/State traffic has gone quiet for longer than PingTimeout are
// marked Offline, which in turn triggers the cluster &
// peer manager's redeployment reactor.
func (b *Broker) StartLiveness(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Add(1)
	go b.livenessLoop(ctx)
}

func (b *Broker) StopLiveness() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *Broker) livenessLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapStale(ctx)
		}
	}
}

func (b *Broker) reapStale(ctx context.Context) {
	now := time.Now()

	b.mu.RLock()
	var stale []model.PeerID
	for peerID, conn := range b.conns {
		if now.Sub(conn.lastSeenAt) > b.pingTimeout {
			stale = append(stale, peerID)
		}
	}
	b.mu.RUnlock()

	for _, peerID := range stale {
		if err := b.RemovePeer(ctx, peerID); err != nil && !errors.Is(err, ErrPeerNotFound) {
			if b.logger != nil {
				b.logger.Warnf("mark peer %s offline after ping timeout failed: %v", peerID, err)
			}
		}
	}
}
