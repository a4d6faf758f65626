package server

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"opendut/internal/broker"
	"opendut/internal/manager"
	"opendut/internal/model"
	"opendut/internal/rpc"
	"opendut/internal/store/memory"
	"opendut/internal/telemetry"
)

func newTestServer(t *testing.T) *CarlServer {
	t.Helper()
	st := memory.New()
	logger := telemetry.NewLogger("carl-test")
	brk := broker.New(st, logger, nil, broker.Config{})
	mgr := manager.New(st, brk, logger, nil, manager.Config{})
	return NewCarlServer(mgr, brk, logger, nil)
}

func TestToStatusMapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{fmt.Errorf("%w: no such row", model.ErrNotFound), codes.NotFound},
		{fmt.Errorf("%w: bad name", model.ErrValidation), codes.InvalidArgument},
		{fmt.Errorf("%w: bad token", model.ErrAuth), codes.Unauthenticated},
		{fmt.Errorf("%w: tx failed", model.ErrPersistence), codes.Internal},
		{errors.New("anything else"), codes.Unknown},
	}
	for _, tc := range cases {
		got := status.Code(toStatus(tc.err))
		if got != tc.code {
			t.Errorf("toStatus(%v) = %v, want %v", tc.err, got, tc.code)
		}
	}
	if toStatus(nil) != nil {
		t.Error("toStatus(nil) must be nil")
	}
}

func TestStorePeerDescriptorRejectsInvalidDescriptor(t *testing.T) {
	srv := newTestServer(t)

	// Device references an interface the peer does not own.
	peer := model.PeerDescriptor{
		ID:   model.NewPeerID(),
		Name: "broken",
		Topology: model.Topology{Devices: []model.DeviceDescriptor{{
			ID: model.NewDeviceID(), Name: "d", InterfaceID: model.NewInterfaceID(),
		}}},
	}

	_, err := srv.StorePeerDescriptor(context.Background(), &rpc.StorePeerDescriptorRequest{Peer: peer})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestGetPeerDescriptorRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ifaceID := model.NewInterfaceID()
	peer := model.PeerDescriptor{
		ID:      model.NewPeerID(),
		Name:    "hardware-1",
		Network: model.Network{Interfaces: []model.NetworkInterfaceDescriptor{{ID: ifaceID, Name: "eth0"}}},
	}
	if _, err := srv.StorePeerDescriptor(ctx, &rpc.StorePeerDescriptorRequest{Peer: peer}); err != nil {
		t.Fatalf("store: %v", err)
	}

	resp, err := srv.GetPeerDescriptor(ctx, &rpc.GetPeerDescriptorRequest{ID: peer.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !resp.Found || resp.Peer.ID != peer.ID || resp.Peer.Name != peer.Name {
		t.Errorf("round trip mismatch: %+v", resp)
	}

	missing, err := srv.GetPeerDescriptor(ctx, &rpc.GetPeerDescriptorRequest{ID: model.NewPeerID()})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing.Found {
		t.Error("expected Found=false for unknown peer")
	}
}

func TestListClusterPeerStatesIncludesLocation(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ifaceID := model.NewInterfaceID()
	deviceID := model.NewDeviceID()
	peer := model.PeerDescriptor{
		ID:       model.NewPeerID(),
		Name:     "p1",
		Location: "lab-3, rack 12",
		Network:  model.Network{Interfaces: []model.NetworkInterfaceDescriptor{{ID: ifaceID, Name: "eth0"}}},
		Topology: model.Topology{Devices: []model.DeviceDescriptor{{ID: deviceID, Name: "d1", InterfaceID: ifaceID}}},
	}
	if _, err := srv.StorePeerDescriptor(ctx, &rpc.StorePeerDescriptorRequest{Peer: peer}); err != nil {
		t.Fatalf("store peer: %v", err)
	}

	cluster := model.ClusterConfiguration{
		ID: model.NewClusterID(), Name: "c1", Leader: peer.ID,
		Devices: map[model.DeviceID]struct{}{deviceID: {}},
	}
	if _, err := srv.CreateClusterConfiguration(ctx, &rpc.CreateClusterConfigurationRequest{Cluster: cluster}); err != nil {
		t.Fatalf("create cluster: %v", err)
	}

	resp, err := srv.ListClusterPeerStates(ctx, &rpc.ListClusterPeerStatesRequest{ClusterID: cluster.ID})
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(resp.States) != 1 {
		t.Fatalf("expected 1 peer state, got %d", len(resp.States))
	}
	if resp.States[0].Location != peer.Location {
		t.Errorf("location = %q, want %q", resp.States[0].Location, peer.Location)
	}
}

func TestDeleteDeployedClusterReturnsInvalidArgument(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	ifaceID := model.NewInterfaceID()
	deviceID := model.NewDeviceID()
	peer := model.PeerDescriptor{
		ID:       model.NewPeerID(),
		Name:     "p1",
		Network:  model.Network{Interfaces: []model.NetworkInterfaceDescriptor{{ID: ifaceID, Name: "eth0"}}},
		Topology: model.Topology{Devices: []model.DeviceDescriptor{{ID: deviceID, Name: "d1", InterfaceID: ifaceID}}},
	}
	if _, err := srv.StorePeerDescriptor(ctx, &rpc.StorePeerDescriptorRequest{Peer: peer}); err != nil {
		t.Fatalf("store peer: %v", err)
	}

	cluster := model.ClusterConfiguration{
		ID: model.NewClusterID(), Name: "c1", Leader: peer.ID,
		Devices: map[model.DeviceID]struct{}{deviceID: {}},
	}
	if _, err := srv.CreateClusterConfiguration(ctx, &rpc.CreateClusterConfigurationRequest{Cluster: cluster}); err != nil {
		t.Fatalf("create cluster: %v", err)
	}
	if _, err := srv.StoreClusterDeployment(ctx, &rpc.StoreClusterDeploymentRequest{ID: cluster.ID}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	_, err := srv.DeleteClusterConfiguration(ctx, &rpc.DeleteClusterConfigurationRequest{ID: cluster.ID})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument while deployed, got %v", err)
	}
}
