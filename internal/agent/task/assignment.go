package task

import (
	"context"
	"fmt"
	"sort"

	"opendut/internal/model"
)

// ClusterAssignmentTask realizes one ClusterAssignment parameter: a GRE
// tap per reachable remote member, joined to the bridge. Tap indices are
// assigned in remote-peer-id sort order so recomputation after a liveness
// change reproduces identical interface names.
type ClusterAssignmentTask struct {
	Netlink    *Netlink
	SelfPeerID model.PeerID
	Assignment model.ClusterAssignmentValue
	BridgeName string
}

func (t *ClusterAssignmentTask) Description() string {
	return fmt.Sprintf("establish GRE tunnels for cluster %s", t.Assignment.ClusterID)
}

// greTasks expands the assignment into one GreInterfaceTask per remote
// member reachable from this peer.
func (t *ClusterAssignmentTask) greTasks() []*GreInterfaceTask {
	self, ok := t.Assignment.Assignments[t.SelfPeerID]
	if !ok {
		return nil
	}

	var remotes []model.PeerID
	for peerID := range t.Assignment.Assignments {
		if peerID != t.SelfPeerID {
			remotes = append(remotes, peerID)
		}
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].String() < remotes[j].String() })

	tasks := make([]*GreInterfaceTask, 0, len(remotes))
	for i, remote := range remotes {
		tasks = append(tasks, &GreInterfaceTask{
			Netlink:    t.Netlink,
			Index:      i,
			LocalIP:    self.VPNAddress,
			RemoteIP:   t.Assignment.Assignments[remote].VPNAddress,
			BridgeName: t.BridgeName,
		})
	}
	return tasks
}

func (t *ClusterAssignmentTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	for _, gre := range t.greTasks() {
		fulfilled, err := gre.CheckPresent(ctx)
		if err != nil {
			return FulfilledNo, err
		}
		if fulfilled != FulfilledYes {
			return FulfilledNo, nil
		}
	}
	return FulfilledYes, nil
}

func (t *ClusterAssignmentTask) MakePresent(ctx context.Context) error {
	for _, gre := range t.greTasks() {
		if err := gre.MakePresent(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *ClusterAssignmentTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	for _, gre := range t.greTasks() {
		fulfilled, err := gre.CheckAbsent(ctx)
		if err != nil {
			return FulfilledNo, err
		}
		if fulfilled != FulfilledYes {
			return FulfilledNo, nil
		}
	}
	return FulfilledYes, nil
}

func (t *ClusterAssignmentTask) MakeAbsent(ctx context.Context) error {
	for _, gre := range t.greTasks() {
		fulfilled, err := gre.CheckAbsent(ctx)
		if err != nil {
			return err
		}
		if fulfilled == FulfilledYes {
			continue
		}
		if err := gre.MakeAbsent(ctx); err != nil {
			return err
		}
	}
	return nil
}
