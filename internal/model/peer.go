package model

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ResourceName is a validated string used for peer, cluster and device
// names across the data model.
type ResourceName string

var resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

var forbiddenNamePrefixes = []string{"opendut-", "."}
var forbiddenNameSuffixes = []string{".lock"}

// NewResourceName validates s and returns it as a ResourceName.
func NewResourceName(s string) (ResourceName, error) {
	if !resourceNamePattern.MatchString(s) {
		return "", fmt.Errorf("%w: name %q must match %s", ErrValidation, s, resourceNamePattern.String())
	}
	for _, prefix := range forbiddenNamePrefixes {
		if strings.HasPrefix(s, prefix) {
			return "", fmt.Errorf("%w: name %q must not start with %q", ErrValidation, s, prefix)
		}
	}
	for _, suffix := range forbiddenNameSuffixes {
		if strings.HasSuffix(s, suffix) {
			return "", fmt.Errorf("%w: name %q must not end with %q", ErrValidation, s, suffix)
		}
	}
	return ResourceName(s), nil
}

func (n ResourceName) String() string { return string(n) }

// NetworkInterfaceKind discriminates Ethernet from CAN interfaces.
type NetworkInterfaceKind int

const (
	InterfaceKindEthernet NetworkInterfaceKind = iota
	InterfaceKindCan
)

// CanParameters carries the bitrate/sample-point configuration of a CAN
// interface, with optional CAN-FD data-phase parameters.
type CanParameters struct {
	Bitrate        uint32
	SamplePoint    float64
	FD             bool
	DataBitrate    uint32
	DataSamplePoint float64
}

// NetworkInterfaceDescriptor describes one network interface owned by a peer.
type NetworkInterfaceDescriptor struct {
	ID   InterfaceID
	Name string
	Kind NetworkInterfaceKind
	Can  CanParameters // only meaningful when Kind == InterfaceKindCan
}

// DeviceDescriptor describes a logical endpoint attached to one of the
// peer's network interfaces.
type DeviceDescriptor struct {
	ID          DeviceID
	Name        ResourceName
	Description string
	InterfaceID InterfaceID
	Tags        []string
}

// ExecutorKind discriminates a bare executable from a container executor.
type ExecutorKind int

const (
	ExecutorKindExecutable ExecutorKind = iota
	ExecutorKindContainer
)

// ContainerParameters configures a container-backed executor.
type ContainerParameters struct {
	Engine  string
	Name    string
	Image   string
	Volumes []string
	Devices []string
	Envs    []EnvVar
	Ports   []string
	Command string
	Args    []string
}

type EnvVar struct {
	Name  string
	Value string
}

// ExecutorDescriptor describes one workload the agent must keep running.
type ExecutorDescriptor struct {
	Kind       ExecutorKind
	Container  ContainerParameters // only meaningful when Kind == ExecutorKindContainer
	ResultsURL string
}

// Topology groups the devices a peer exposes.
type Topology struct {
	Devices []DeviceDescriptor
}

// Network groups the network interfaces a peer exposes and its optional
// bridge name.
type Network struct {
	Interfaces []NetworkInterfaceDescriptor
	BridgeName string
}

// PeerDescriptor is the operator-authored description of one Device-under-Test host.
type PeerDescriptor struct {
	ID        PeerID
	Name      ResourceName
	Location  string
	Network   Network
	Topology  Topology
	Executors []ExecutorDescriptor
}

// InterfaceByID returns the interface with the given id, if owned by this peer.
func (p PeerDescriptor) InterfaceByID(id InterfaceID) (NetworkInterfaceDescriptor, bool) {
	for _, iface := range p.Network.Interfaces {
		if iface.ID == id {
			return iface, true
		}
	}
	return NetworkInterfaceDescriptor{}, false
}

// DeviceByID returns the device with the given id, if owned by this peer.
func (p PeerDescriptor) DeviceByID(id DeviceID) (DeviceDescriptor, bool) {
	for _, dev := range p.Topology.Devices {
		if dev.ID == id {
			return dev, true
		}
	}
	return DeviceDescriptor{}, false
}

// Validate enforces the descriptor's structural invariants: device
// interface ids resolve within the peer's own network, and device ids are
// unique.
func (p PeerDescriptor) Validate() error {
	seenInterfaces := make(map[InterfaceID]struct{}, len(p.Network.Interfaces))
	for _, iface := range p.Network.Interfaces {
		if _, dup := seenInterfaces[iface.ID]; dup {
			return fmt.Errorf("%w: duplicate interface id %s on peer %s", ErrValidation, iface.ID, p.ID)
		}
		seenInterfaces[iface.ID] = struct{}{}
	}

	seenDevices := make(map[DeviceID]struct{}, len(p.Topology.Devices))
	for _, dev := range p.Topology.Devices {
		if _, dup := seenDevices[dev.ID]; dup {
			return fmt.Errorf("%w: duplicate device id %s on peer %s", ErrValidation, dev.ID, p.ID)
		}
		seenDevices[dev.ID] = struct{}{}
		if _, ok := seenInterfaces[dev.InterfaceID]; !ok {
			return fmt.Errorf("%w: device %s references unknown interface %s on peer %s", ErrValidation, dev.ID, dev.InterfaceID, p.ID)
		}
	}
	return nil
}

// PeerConnectionState reflects whether the messaging broker currently
// holds a live downstream stream for the peer.
type PeerConnectionState struct {
	Online     bool
	RemoteHost net.IP
}

func Offline() PeerConnectionState { return PeerConnectionState{} }

func Online(remoteHost net.IP) PeerConnectionState {
	return PeerConnectionState{Online: true, RemoteHost: remoteHost}
}

// PeerMemberState is derived cluster-membership status for a peer.
type PeerMemberState struct {
	Available  bool
	BlockedBy  ClusterID
	HasBlocker bool
}

// PeerState composes connection and membership state for presentation to
// operators, alongside the descriptor's location so a pending peer can be
// placed without a second lookup.
type PeerState struct {
	PeerID     PeerID
	Location   string
	Connection PeerConnectionState
	Member     PeerMemberState
}
