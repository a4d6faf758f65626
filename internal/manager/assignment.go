package manager

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"opendut/internal/model"
	"opendut/internal/store"
)

// deterministicUUID derives a stable UUID from key within the package's
// fixed namespace, so repeated calls with the same key always agree.
func deterministicUUID(key string) uuid.UUID {
	return uuid.NewSHA1(namespaceParameterIDs, []byte(key))
}

// Reconcile recomputes the effective assignment for cluster id and pushes
// the resulting PeerConfiguration to every affected peer: Present
// parameters to peers currently in P(C), Absent parameters (reusing the
// prior parameter ids) to peers that held configuration for C but no
// longer belong to it.
func (m *Manager) Reconcile(ctx context.Context, clusterID model.ClusterID) error {
	plan, err := m.planReconcile(ctx, clusterID)
	if err != nil {
		if IsNotFound(err) {
			// Cluster configuration vanished (e.g. deleted after its
			// deployment marker was already gone); nothing to push.
			return nil
		}
		return err
	}

	for peerID, cfg := range plan {
		if err := m.pusher.Push(ctx, peerID, cfg); err != nil {
			m.logf("push configuration to peer %s for cluster %s failed: %v", peerID, clusterID, err)
		}
	}
	return nil
}

// planReconcile computes, per peer, the PeerConfiguration that should be
// pushed right now: either the full Present set (cluster deployed and
// every member online) or an Absent set undoing whatever was last pushed
// (cluster undeployed, or some member offline and therefore the cluster
// pending).
func (m *Manager) planReconcile(ctx context.Context, clusterID model.ClusterID) (map[model.PeerID]model.PeerConfiguration, error) {
	var (
		cfg         model.ClusterConfiguration
		cfgFound    bool
		deployed    bool
		peerByID    map[model.PeerID]model.PeerDescriptor
		connByPeer  map[model.PeerID]model.PeerConnectionState
		allConfigs  map[model.ClusterID]model.ClusterConfiguration
		deployments map[model.ClusterID]model.ClusterDeployment
	)

	err := m.store.Resources(ctx, func(tx store.Transaction) error {
		var err error
		allConfigs, err = tx.ClusterConfigurations().List(ctx)
		if err != nil {
			return err
		}
		cfg, cfgFound = allConfigs[clusterID]
		if !cfgFound {
			return nil
		}
		deployments, err = tx.ClusterDeployments().List(ctx)
		if err != nil {
			return err
		}
		_, deployed = deployments[clusterID]
		peerByID, err = tx.Peers().List(ctx)
		if err != nil {
			return err
		}
		connByPeer, err = tx.PeerConnectionStates().List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !cfgFound {
		return nil, ErrClusterConfigurationNotFound
	}

	members := membersOf(cfg, peerByID)

	allOnline := deployed && len(members) > 0
	for _, peer := range members {
		state := connByPeer[peer.ID]
		if !state.Online {
			allOnline = false
			break
		}
	}

	m.mu.Lock()
	previously := m.tracked[clusterID]
	delete(m.tracked, clusterID)
	m.mu.Unlock()

	plan := make(map[model.PeerID]model.PeerConfiguration)

	if !allOnline {
		// Pending or undeployed: every peer that previously held live
		// configuration for this cluster gets it withdrawn.
		for peerID, prior := range previously {
			plan[peerID] = absentOf(prior)
		}
		return plan, nil
	}

	assignment := m.buildAssignment(cfg, members, connByPeer, contendingClusters(members, allConfigs, deployments))

	fresh := make(map[model.PeerID]model.PeerConfiguration, len(members))
	for _, peer := range members {
		fresh[peer.ID] = buildPeerConfiguration(cfg, peer, members, assignment)
	}

	for peerID, cfg := range fresh {
		plan[peerID] = cfg
	}
	for peerID, prior := range previously {
		if _, stillMember := fresh[peerID]; !stillMember {
			plan[peerID] = absentOf(prior)
		}
	}

	m.mu.Lock()
	m.tracked[clusterID] = fresh
	m.mu.Unlock()

	return plan, nil
}

// membersOf resolves P(C): the peer descriptors owning any device in
// cfg.Devices, sorted by id for deterministic port allocation order.
func membersOf(cfg model.ClusterConfiguration, peers map[model.PeerID]model.PeerDescriptor) []model.PeerDescriptor {
	var members []model.PeerDescriptor
	for _, peer := range peers {
		if ownsAny(peer, cfg.Devices) {
			members = append(members, peer)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID.String() < members[j].ID.String() })
	return members
}

// contendingClusters maps each member peer to every deployed cluster
// owning any of its devices: the set port allocation resolves its
// cluster-id tie-break over.
func contendingClusters(members []model.PeerDescriptor, configs map[model.ClusterID]model.ClusterConfiguration, deployments map[model.ClusterID]model.ClusterDeployment) map[model.PeerID][]model.ClusterID {
	out := make(map[model.PeerID][]model.ClusterID, len(members))
	for _, peer := range members {
		var ids []model.ClusterID
		for deployedID := range deployments {
			if deployedCfg, ok := configs[deployedID]; ok && ownsAny(peer, deployedCfg.Devices) {
				ids = append(ids, deployedID)
			}
		}
		out[peer.ID] = ids
	}
	return out
}

// buildAssignment allocates a stable can_server_port per member and
// assembles the ClusterAssignmentValue shared by every member's
// configuration.
func (m *Manager) buildAssignment(cfg model.ClusterConfiguration, members []model.PeerDescriptor, connByPeer map[model.PeerID]model.PeerConnectionState, contenders map[model.PeerID][]model.ClusterID) model.ClusterAssignmentValue {
	assignments := make(map[model.PeerID]model.PeerPort, len(members))
	for _, peer := range members {
		port := m.ports.allocate(peer.ID, cfg.ID, contenders[peer.ID])
		var vpnAddress string
		if state := connByPeer[peer.ID]; state.Online && state.RemoteHost != nil {
			vpnAddress = state.RemoteHost.String()
		}
		assignments[peer.ID] = model.PeerPort{
			VPNAddress:    vpnAddress,
			CanServerPort: port,
		}
	}
	return model.ClusterAssignmentValue{ClusterID: cfg.ID, Leader: cfg.Leader, Assignments: assignments}
}

// buildPeerConfiguration assembles the ordered parameter set pushed to
// one member peer: bridge, device interfaces (or
// CAN bridge/route pairs), a filtered cluster assignment, and executors.
func buildPeerConfiguration(cfg model.ClusterConfiguration, peer model.PeerDescriptor, members []model.PeerDescriptor, assignment model.ClusterAssignmentValue) model.PeerConfiguration {
	var params []model.Parameter

	bridgeID := parameterID(cfg.ID, peer.ID, "ethernet-bridge")
	params = append(params, model.Parameter{
		ID:     bridgeID,
		Target: model.Present,
		Value: model.ParameterValue{
			Kind:               model.ValueEthernetBridge,
			EthernetBridgeName: peer.Network.BridgeName,
		},
	})

	usedInterfaces := interfacesUsedBy(cfg, peer)
	var interfaceDeps []model.ParameterID
	for _, iface := range usedInterfaces {
		switch iface.Kind {
		case model.InterfaceKindCan:
			canBridgeID := parameterID(cfg.ID, peer.ID, "can-bridge", iface.ID.String())
			canRouteID := parameterID(cfg.ID, peer.ID, "can-route", iface.ID.String())
			params = append(params,
				model.Parameter{
					ID:     canBridgeID,
					Target: model.Present,
					Value:  model.ParameterValue{Kind: model.ValueCanBridge, DeviceInterface: iface},
				},
				model.Parameter{
					ID:           canRouteID,
					Dependencies: []model.ParameterID{canBridgeID},
					Target:       model.Present,
					Value:        model.ParameterValue{Kind: model.ValueCanRoute, DeviceInterface: iface},
				},
			)
			interfaceDeps = append(interfaceDeps, canRouteID)
		default:
			ifaceID := parameterID(cfg.ID, peer.ID, "device-interface", iface.ID.String())
			params = append(params, model.Parameter{
				ID:           ifaceID,
				Dependencies: []model.ParameterID{bridgeID},
				Target:       model.Present,
				Value:        model.ParameterValue{Kind: model.ValueDeviceInterface, DeviceInterface: iface},
			})
			interfaceDeps = append(interfaceDeps, ifaceID)
		}
	}

	assignmentID := parameterID(cfg.ID, peer.ID, "cluster-assignment")
	params = append(params, model.Parameter{
		ID:           assignmentID,
		Dependencies: interfaceDeps,
		Target:       model.Present,
		Value: model.ParameterValue{
			Kind:              model.ValueClusterAssignment,
			ClusterAssignment: filterAssignment(assignment, peer.ID, members),
		},
	})

	for i, executor := range peer.Executors {
		params = append(params, model.Parameter{
			ID:           parameterID(cfg.ID, peer.ID, "executor", fmt.Sprint(i)),
			Dependencies: []model.ParameterID{bridgeID},
			Target:       model.Present,
			Value:        model.ParameterValue{Kind: model.ValueExecutor, Executor: executor},
		})
	}

	return model.PeerConfiguration{PeerID: peer.ID, Parameters: params}
}

// interfacesUsedBy returns the network interfaces of peer that back a
// device referenced by cfg, in a deterministic order.
func interfacesUsedBy(cfg model.ClusterConfiguration, peer model.PeerDescriptor) []model.NetworkInterfaceDescriptor {
	used := make(map[model.InterfaceID]struct{})
	for _, dev := range peer.Topology.Devices {
		if _, wanted := cfg.Devices[dev.ID]; wanted {
			used[dev.InterfaceID] = struct{}{}
		}
	}
	var ifaces []model.NetworkInterfaceDescriptor
	for _, iface := range peer.Network.Interfaces {
		if _, ok := used[iface.ID]; ok {
			ifaces = append(ifaces, iface)
		}
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].ID.String() < ifaces[j].ID.String() })
	return ifaces
}

// filterAssignment keeps only the entries a given peer needs to see:
// the leader sees every member, members see only themselves and the
// leader.
func filterAssignment(full model.ClusterAssignmentValue, peer model.PeerID, members []model.PeerDescriptor) model.ClusterAssignmentValue {
	filtered := model.ClusterAssignmentValue{ClusterID: full.ClusterID, Leader: full.Leader, Assignments: make(map[model.PeerID]model.PeerPort)}

	isLeader := peer == full.Leader
	for _, member := range members {
		if isLeader || member.ID == peer || member.ID == full.Leader {
			if port, ok := full.Assignments[member.ID]; ok {
				filtered.Assignments[member.ID] = port
			}
		}
	}
	return filtered
}

// absentOf mirrors a previously-pushed configuration with every
// parameter's target flipped to Absent, so the agent removes whatever it
// previously made present.
func absentOf(cfg model.PeerConfiguration) model.PeerConfiguration {
	out := model.PeerConfiguration{PeerID: cfg.PeerID, Parameters: make([]model.Parameter, len(cfg.Parameters))}
	for i, p := range cfg.Parameters {
		out.Parameters[i] = model.Parameter{ID: p.ID, Dependencies: p.Dependencies, Target: model.Absent, Value: p.Value}
	}
	return out
}

// parameterID derives a stable parameter id from a cluster id and an
// arbitrary list of string parts, so recomputing an assignment after a
// restart or a liveness change reproduces identical ids for identical
// logical parameters (required for the Absent-diffing above).
func parameterID(cluster model.ClusterID, peer model.PeerID, parts ...string) model.ParameterID {
	key := cluster.String() + "/" + peer.String()
	for _, p := range parts {
		key += "/" + p
	}
	return model.ParameterID(deterministicUUID(key))
}
