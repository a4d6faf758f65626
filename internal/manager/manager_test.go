package manager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"opendut/internal/manager"
	"opendut/internal/model"
	"opendut/internal/store"
	"opendut/internal/store/memory"
)

type recordingPusher struct {
	mu   sync.Mutex
	last map[model.PeerID]model.PeerConfiguration
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{last: make(map[model.PeerID]model.PeerConfiguration)}
}

func (p *recordingPusher) Push(_ context.Context, peer model.PeerID, cfg model.PeerConfiguration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[peer] = cfg
	return nil
}

func (p *recordingPusher) configFor(peer model.PeerID) (model.PeerConfiguration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.last[peer]
	return cfg, ok
}

func newPeerWithDevice(t *testing.T, name string) (model.PeerDescriptor, model.DeviceID) {
	t.Helper()
	ifaceID := model.NewInterfaceID()
	deviceID := model.NewDeviceID()
	peerName, err := model.NewResourceName(name)
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	devName, err := model.NewResourceName(name + "-device")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	peer := model.PeerDescriptor{
		ID:       model.NewPeerID(),
		Name:     peerName,
		Network:  model.Network{Interfaces: []model.NetworkInterfaceDescriptor{{ID: ifaceID, Name: "eth0", Kind: model.InterfaceKindEthernet}}, BridgeName: "br-opendut"},
		Topology: model.Topology{Devices: []model.DeviceDescriptor{{ID: deviceID, Name: devName, InterfaceID: ifaceID}}},
	}
	return peer, deviceID
}

func findParameter(t *testing.T, cfg model.PeerConfiguration, kind model.ParameterValueKind) model.Parameter {
	t.Helper()
	for _, p := range cfg.Parameters {
		if p.Value.Kind == kind {
			return p
		}
	}
	t.Fatalf("no parameter of kind %d in configuration for %s", kind, cfg.PeerID)
	return model.Parameter{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

// The cluster deploys only once the last member peer comes online, and
// both peers receive a ClusterAssignment.
func TestClusterDeploysWhenLastPeerComesOnline(t *testing.T) {
	st := memory.New()
	pusher := newRecordingPusher()
	m := manager.New(st, pusher, nil, nil, manager.Config{})
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	p1, d1 := newPeerWithDevice(t, "p1")
	p2, d2 := newPeerWithDevice(t, "p2")
	if err := m.StorePeerDescriptor(ctx, p1); err != nil {
		t.Fatalf("store p1: %v", err)
	}
	if err := m.StorePeerDescriptor(ctx, p2); err != nil {
		t.Fatalf("store p2: %v", err)
	}

	clusterName, _ := model.NewResourceName("cluster-a")
	cluster := model.ClusterConfiguration{
		ID:     model.NewClusterID(),
		Name:   clusterName,
		Leader: p1.ID,
		Devices: map[model.DeviceID]struct{}{
			d1: {}, d2: {},
		},
	}
	if err := m.CreateClusterConfiguration(ctx, cluster); err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if err := m.StoreClusterDeployment(ctx, cluster.ID); err != nil {
		t.Fatalf("deploy cluster: %v", err)
	}

	if err := st.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.PeerConnectionStates().Insert(ctx, p1.ID, model.Online(nil))
	}); err != nil {
		t.Fatalf("mark p1 online: %v", err)
	}

	// P1 alone online: cluster stays pending, nothing pushed yet.
	if _, ok := pusher.configFor(p1.ID); ok {
		t.Fatalf("expected no push while P2 is offline")
	}

	if err := st.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.PeerConnectionStates().Insert(ctx, p2.ID, model.Online(nil))
	}); err != nil {
		t.Fatalf("mark p2 online: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		_, ok1 := pusher.configFor(p1.ID)
		_, ok2 := pusher.configFor(p2.ID)
		return ok1 && ok2
	})

	cfg1, _ := pusher.configFor(p1.ID)
	assignment1 := findParameter(t, cfg1, model.ValueClusterAssignment)
	if len(assignment1.Value.ClusterAssignment.Assignments) != 2 {
		t.Fatalf("leader should see both peers, got %d", len(assignment1.Value.ClusterAssignment.Assignments))
	}
	bridge1 := findParameter(t, cfg1, model.ValueEthernetBridge)
	if bridge1.Target != model.Present {
		t.Fatalf("expected bridge parameter Present, got %v", bridge1.Target)
	}
}

// P2 disconnecting flips P1's ClusterAssignment parameter to Absent,
// reusing the same parameter id.
func TestPeerOfflineTriggersAbsentParameters(t *testing.T) {
	st := memory.New()
	pusher := newRecordingPusher()
	m := manager.New(st, pusher, nil, nil, manager.Config{})
	ctx := context.Background()
	m.Start(ctx)
	defer m.Stop()

	p1, d1 := newPeerWithDevice(t, "p1")
	p2, d2 := newPeerWithDevice(t, "p2")
	_ = m.StorePeerDescriptor(ctx, p1)
	_ = m.StorePeerDescriptor(ctx, p2)

	clusterName, _ := model.NewResourceName("cluster-b")
	cluster := model.ClusterConfiguration{ID: model.NewClusterID(), Name: clusterName, Leader: p1.ID, Devices: map[model.DeviceID]struct{}{d1: {}, d2: {}}}
	_ = m.CreateClusterConfiguration(ctx, cluster)
	_ = m.StoreClusterDeployment(ctx, cluster.ID)

	_ = st.ResourcesMut(ctx, func(tx store.Transaction) error { return tx.PeerConnectionStates().Insert(ctx, p1.ID, model.Online(nil)) })
	_ = st.ResourcesMut(ctx, func(tx store.Transaction) error { return tx.PeerConnectionStates().Insert(ctx, p2.ID, model.Online(nil)) })

	waitFor(t, time.Second, func() bool {
		cfg, ok := pusher.configFor(p1.ID)
		if !ok {
			return false
		}
		return findParameter(t, cfg, model.ValueClusterAssignment).Target == model.Present
	})
	before := findParameter(t, mustConfig(t, pusher, p1.ID), model.ValueClusterAssignment)

	_ = st.ResourcesMut(ctx, func(tx store.Transaction) error { return tx.PeerConnectionStates().Insert(ctx, p2.ID, model.Offline()) })

	waitFor(t, time.Second, func() bool {
		cfg, ok := pusher.configFor(p1.ID)
		if !ok {
			return false
		}
		return findParameter(t, cfg, model.ValueClusterAssignment).Target == model.Absent
	})
	after := findParameter(t, mustConfig(t, pusher, p1.ID), model.ValueClusterAssignment)

	if before.ID != after.ID {
		t.Fatalf("expected stable parameter id across Present->Absent, got %s -> %s", before.ID, after.ID)
	}
}

func mustConfig(t *testing.T, pusher *recordingPusher, peer model.PeerID) model.PeerConfiguration {
	t.Helper()
	cfg, ok := pusher.configFor(peer)
	if !ok {
		t.Fatalf("no configuration recorded for peer %s", peer)
	}
	return cfg
}

// Deleting a deployed cluster configuration is forbidden.
func TestDeleteDeployedClusterConfigurationForbidden(t *testing.T) {
	st := memory.New()
	pusher := newRecordingPusher()
	m := manager.New(st, pusher, nil, nil, manager.Config{})
	ctx := context.Background()

	p1, d1 := newPeerWithDevice(t, "p1")
	_ = m.StorePeerDescriptor(ctx, p1)
	clusterName, _ := model.NewResourceName("cluster-c")
	cluster := model.ClusterConfiguration{ID: model.NewClusterID(), Name: clusterName, Leader: p1.ID, Devices: map[model.DeviceID]struct{}{d1: {}}}
	_ = m.CreateClusterConfiguration(ctx, cluster)
	_ = m.StoreClusterDeployment(ctx, cluster.ID)

	err := m.DeleteClusterConfiguration(ctx, cluster.ID)
	if err == nil {
		t.Fatal("expected delete to fail while deployed")
	}

	if _, ok, _ := st.ClusterConfigurations().Get(ctx, cluster.ID); !ok {
		t.Fatal("cluster configuration must remain after failed delete")
	}
}

// Deleting a peer is forbidden while the peer is part of a deployed
// cluster, and allowed once the cluster is undeployed.
func TestDeletePeerForbiddenWhileClusterMember(t *testing.T) {
	st := memory.New()
	pusher := newRecordingPusher()
	m := manager.New(st, pusher, nil, nil, manager.Config{})
	ctx := context.Background()

	p1, d1 := newPeerWithDevice(t, "p1")
	_ = m.StorePeerDescriptor(ctx, p1)
	clusterName, _ := model.NewResourceName("cluster-d")
	cluster := model.ClusterConfiguration{ID: model.NewClusterID(), Name: clusterName, Leader: p1.ID, Devices: map[model.DeviceID]struct{}{d1: {}}}
	_ = m.CreateClusterConfiguration(ctx, cluster)
	_ = m.StoreClusterDeployment(ctx, cluster.ID)

	if err := m.DeletePeerDescriptor(ctx, p1.ID); err == nil {
		t.Fatal("expected delete to fail while peer is a deployed cluster member")
	}

	_ = m.DeleteClusterDeployment(ctx, cluster.ID)
	_ = m.DeleteClusterConfiguration(ctx, cluster.ID)

	if err := m.DeletePeerDescriptor(ctx, p1.ID); err != nil {
		t.Fatalf("expected delete to succeed once cluster is undeployed: %v", err)
	}
}
