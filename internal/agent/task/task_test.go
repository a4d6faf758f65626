package task

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"opendut/internal/model"
)

// scriptedRunner replays canned outputs per command line and records
// every invocation.
type scriptedRunner struct {
	replies map[string]scriptedReply
	calls   []string
}

type scriptedReply struct {
	out string
	err error
}

func (r *scriptedRunner) run(_ context.Context, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if reply, ok := r.replies[line]; ok {
		return reply.out, reply.err
	}
	return "", nil
}

func (r *scriptedRunner) called(line string) bool {
	for _, c := range r.calls {
		if c == line {
			return true
		}
	}
	return false
}

func TestEthernetBridgeRecreatesExistingLink(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev br-opendut": {out: "4: br-opendut: <BROADCAST> mtu 1500 state DOWN"},
	}}
	task := &EthernetBridgeTask{Netlink: newNetlinkWithRunner(runner)}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}
	for _, want := range []string{
		"ip link del dev br-opendut",
		"ip link add name br-opendut type bridge",
		"ip link set dev br-opendut up",
	} {
		if !runner.called(want) {
			t.Errorf("missing call %q, got %v", want, runner.calls)
		}
	}
}

func TestEthernetBridgeCheckPresent(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev br-opendut": {out: "4: br-opendut: <BROADCAST,UP,LOWER_UP> mtu 1500 state UP"},
	}}
	task := &EthernetBridgeTask{Netlink: newNetlinkWithRunner(runner)}

	fulfilled, err := task.CheckPresent(context.Background())
	if err != nil {
		t.Fatalf("CheckPresent: %v", err)
	}
	if fulfilled != FulfilledYes {
		t.Errorf("expected FulfilledYes for an up bridge, got %v", fulfilled)
	}
}

func TestEthernetBridgeCheckAbsentOnMissingLink(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev br-opendut": {out: `Device "br-opendut" does not exist.`, err: fmt.Errorf("exit status 1")},
	}}
	task := &EthernetBridgeTask{Netlink: newNetlinkWithRunner(runner)}

	fulfilled, err := task.CheckAbsent(context.Background())
	if err != nil {
		t.Fatalf("CheckAbsent: %v", err)
	}
	if fulfilled != FulfilledYes {
		t.Errorf("expected FulfilledYes for a missing bridge, got %v", fulfilled)
	}
}

func TestDeviceInterfaceChecksMaster(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev eth0": {out: "2: eth0: <BROADCAST,UP,LOWER_UP> mtu 1500 master br-opendut state UP"},
	}}
	task := &DeviceInterfaceTask{Netlink: newNetlinkWithRunner(runner), Interface: "eth0"}

	fulfilled, err := task.CheckPresent(context.Background())
	if err != nil {
		t.Fatalf("CheckPresent: %v", err)
	}
	if fulfilled != FulfilledYes {
		t.Errorf("expected FulfilledYes when already enslaved and up, got %v", fulfilled)
	}
}

func TestDeviceInterfaceJoinsBridge(t *testing.T) {
	runner := &scriptedRunner{}
	task := &DeviceInterfaceTask{Netlink: newNetlinkWithRunner(runner), Interface: "eth0", BridgeName: "br-lab"}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}
	if !runner.called("ip link set dev eth0 master br-lab") || !runner.called("ip link set dev eth0 up") {
		t.Errorf("unexpected calls: %v", runner.calls)
	}
}

func TestGreInterfaceNaming(t *testing.T) {
	if got := GreInterfaceName(0); got != "gre-opendut0" {
		t.Errorf("GreInterfaceName(0) = %q", got)
	}
	if got := GreInterfaceName(3); got != "gre-opendut3" {
		t.Errorf("GreInterfaceName(3) = %q", got)
	}
}

func TestGreInterfaceCreation(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev gre-opendut0": {out: `Device "gre-opendut0" does not exist.`, err: fmt.Errorf("exit status 1")},
	}}
	task := &GreInterfaceTask{
		Netlink:  newNetlinkWithRunner(runner),
		Index:    0,
		LocalIP:  "100.64.0.1",
		RemoteIP: "100.64.0.2",
	}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}
	for _, want := range []string{
		"ip link add gre-opendut0 type gretap local 100.64.0.1 remote 100.64.0.2",
		"ip link set dev gre-opendut0 master br-opendut",
		"ip link set dev gre-opendut0 up",
	} {
		if !runner.called(want) {
			t.Errorf("missing call %q, got %v", want, runner.calls)
		}
	}
}

func TestCanDeviceAppliesBitrate(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"ip link show dev br-can0": {out: `Device "br-can0" does not exist.`, err: fmt.Errorf("exit status 1")},
	}}
	task := &CanDeviceTask{
		Netlink: newNetlinkWithRunner(runner),
		Interface: model.NetworkInterfaceDescriptor{
			Name: "can0",
			Kind: model.InterfaceKindCan,
			Can:  model.CanParameters{Bitrate: 500000, SamplePoint: 0.7},
		},
	}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}
	if !runner.called("ip link add name br-can0 type vcan") {
		t.Errorf("vcan device not created: %v", runner.calls)
	}
	if !runner.called("ip link set dev can0 type can bitrate 500000 sample-point 0.7") {
		t.Errorf("bitrate not applied: %v", runner.calls)
	}
}

func TestCanRouteInstallsBothDirections(t *testing.T) {
	runner := &scriptedRunner{}
	task := &CanRouteTask{
		Runner:    runner,
		Interface: model.NetworkInterfaceDescriptor{Name: "can0", Kind: model.InterfaceKindCan},
	}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}
	if !runner.called("cangw -A -s can0 -d br-can0 -e") || !runner.called("cangw -A -s br-can0 -d can0 -e") {
		t.Errorf("routes not installed in both directions: %v", runner.calls)
	}
}

func TestContainerExecutorRunArguments(t *testing.T) {
	runner := &scriptedRunner{}
	task := &ContainerExecutorTask{
		Runner: runner,
		Executor: model.ExecutorDescriptor{
			Kind: model.ExecutorKindContainer,
			Container: model.ContainerParameters{
				Engine:  "podman",
				Name:    "dut-runner",
				Image:   "example.org/dut:1",
				Volumes: []string{"/data:/data"},
				Envs:    []model.EnvVar{{Name: "MODE", Value: "test"}},
			},
			ResultsURL: "https://results.example.org/run/1",
		},
	}

	if err := task.MakePresent(context.Background()); err != nil {
		t.Fatalf("MakePresent: %v", err)
	}

	var runLine string
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "podman run") {
			runLine = c
		}
	}
	if runLine == "" {
		t.Fatalf("no podman run call: %v", runner.calls)
	}
	for _, fragment := range []string{
		"--name dut-runner",
		"--volume /data:/data",
		"--env MODE=test",
		"--env RESULTS_URL=https://results.example.org/run/1",
		"example.org/dut:1",
	} {
		if !strings.Contains(runLine, fragment) {
			t.Errorf("run command missing %q: %s", fragment, runLine)
		}
	}
}

func TestContainerExecutorCheckPresent(t *testing.T) {
	runner := &scriptedRunner{replies: map[string]scriptedReply{
		"docker ps --filter name=^dut-runner$ --format {{.Names}}": {out: "dut-runner\n"},
	}}
	task := &ContainerExecutorTask{
		Runner: runner,
		Executor: model.ExecutorDescriptor{
			Kind:      model.ExecutorKindContainer,
			Container: model.ContainerParameters{Name: "dut-runner", Image: "example.org/dut:1"},
		},
	}

	fulfilled, err := task.CheckPresent(context.Background())
	if err != nil {
		t.Fatalf("CheckPresent: %v", err)
	}
	if fulfilled != FulfilledYes {
		t.Errorf("expected FulfilledYes for a running container, got %v", fulfilled)
	}
}

func TestClusterAssignmentExpandsTunnelsDeterministically(t *testing.T) {
	self := model.NewPeerID()
	remoteA := model.NewPeerID()
	remoteB := model.NewPeerID()

	assignment := model.ClusterAssignmentValue{
		ClusterID: model.NewClusterID(),
		Leader:    self,
		Assignments: map[model.PeerID]model.PeerPort{
			self:    {VPNAddress: "100.64.0.1", CanServerPort: 48900},
			remoteA: {VPNAddress: "100.64.0.2", CanServerPort: 48900},
			remoteB: {VPNAddress: "100.64.0.3", CanServerPort: 48900},
		},
	}

	task := &ClusterAssignmentTask{SelfPeerID: self, Assignment: assignment}
	tunnels := task.greTasks()
	if len(tunnels) != 2 {
		t.Fatalf("expected 2 tunnels, got %d", len(tunnels))
	}

	// Sorted by remote peer id, indices dense from 0.
	first, second := remoteA, remoteB
	if second.String() < first.String() {
		first, second = second, first
	}
	if tunnels[0].RemoteIP != assignment.Assignments[first].VPNAddress || tunnels[0].Index != 0 {
		t.Errorf("tunnel 0 = %+v, want remote %s", tunnels[0], first)
	}
	if tunnels[1].RemoteIP != assignment.Assignments[second].VPNAddress || tunnels[1].Index != 1 {
		t.Errorf("tunnel 1 = %+v, want remote %s", tunnels[1], second)
	}
	for _, tunnel := range tunnels {
		if tunnel.LocalIP != "100.64.0.1" {
			t.Errorf("tunnel local ip = %q, want self address", tunnel.LocalIP)
		}
	}
}
