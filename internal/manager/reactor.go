package manager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"opendut/internal/model"
	"opendut/internal/store"
)

// Start launches the manager's background reactors: subscribing to PeerConnectionState changes (peer online/offline) and
// ClusterDeployment changes (operator deploy/undeploy) and recomputing
// affected clusters' assignments. Cancel ctx or call Stop to end both
// loops; dropping a subscription consumer only cancels
// delivery, it does not touch the store.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	connSub := m.store.SubscribePeerConnectionStates(64)
	deploySub := m.store.SubscribeClusterDeployments(64)

	m.wg.Add(2)
	go m.watchConnections(ctx, connSub)
	go m.watchDeployments(ctx, deploySub)
}

// Stop cancels both reactor loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) watchConnections(ctx context.Context, sub *store.PeerConnectionStateSubscription) {
	defer m.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Overflowed():
			// A burst of liveness churn outran the buffer; resync by
			// re-evaluating every deployed cluster instead of guessing
			// which peers changed.
			m.reconcileAllDeployed(ctx)
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			m.reconcileClustersContainingPeer(ctx, ev.ID)
		}
	}
}

func (m *Manager) watchDeployments(ctx context.Context, sub *store.ClusterDeploymentSubscription) {
	defer m.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Overflowed():
			m.reconcileAllDeployed(ctx)
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := m.Reconcile(ctx, ev.ID); err != nil {
				m.logf("reconcile cluster %s after deployment change failed: %v", ev.ID, err)
			}
		}
	}
}

// reconcileClustersContainingPeer re-evaluates every cluster whose
// current membership or last-pushed configuration includes peerID.
func (m *Manager) reconcileClustersContainingPeer(ctx context.Context, peerID model.PeerID) {
	clusters, err := m.clustersTouchingPeer(ctx, peerID)
	if err != nil {
		m.logf("list clusters touching peer %s failed: %v", peerID, err)
		return
	}
	m.reconcileAll(ctx, clusters)
}

func (m *Manager) clustersTouchingPeer(ctx context.Context, peerID model.PeerID) ([]model.ClusterID, error) {
	var ids []model.ClusterID
	seen := make(map[model.ClusterID]struct{})

	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		configs, err := tx.ClusterConfigurations().List(ctx)
		if err != nil {
			return err
		}
		peer, _, err := tx.Peers().Get(ctx, peerID)
		if err != nil {
			return err
		}
		for id, cfg := range configs {
			if ownsAny(peer, cfg.Devices) {
				seen[id] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for clusterID, byPeer := range m.tracked {
		if _, ok := byPeer[peerID]; ok {
			seen[clusterID] = struct{}{}
		}
	}
	m.mu.Unlock()

	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) reconcileAllDeployed(ctx context.Context) {
	var ids []model.ClusterID
	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		deployments, err := tx.ClusterDeployments().List(ctx)
		if err != nil {
			return err
		}
		for id := range deployments {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		m.logf("list cluster deployments for resync failed: %v", err)
		return
	}

	m.mu.Lock()
	for clusterID := range m.tracked {
		ids = append(ids, clusterID)
	}
	m.mu.Unlock()

	m.reconcileAll(ctx, ids)
}

// reconcileAll recomputes every given cluster concurrently: each
// cluster's push is independent of the others, so fanning out keeps a
// liveness burst from serializing behind one slow agent stream.
func (m *Manager) reconcileAll(ctx context.Context, clusterIDs []model.ClusterID) {
	if len(clusterIDs) == 0 {
		return
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, id := range clusterIDs {
		id := id
		group.Go(func() error {
			if err := m.Reconcile(gctx, id); err != nil {
				m.logf("reconcile cluster %s failed: %v", id, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}
