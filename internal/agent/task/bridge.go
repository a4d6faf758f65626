package task

import (
	"context"
	"fmt"
)

// DefaultBridgeName is used when a peer descriptor carries no explicit
// bridge name.
const DefaultBridgeName = "br-opendut"

// EthernetBridgeTask creates the Ethernet bridge cluster traffic flows
// over. A pre-existing link with the same name is torn down and recreated,
// so a stale or foreign device can never be mistaken for the bridge.
type EthernetBridgeTask struct {
	Netlink *Netlink
	Name    string
}

func (t *EthernetBridgeTask) bridgeName() string {
	if t.Name == "" {
		return DefaultBridgeName
	}
	return t.Name
}

func (t *EthernetBridgeTask) Description() string {
	return fmt.Sprintf("create ethernet bridge %q", t.bridgeName())
}

func (t *EthernetBridgeTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	up, err := t.Netlink.LinkIsUp(ctx, t.bridgeName())
	if err != nil {
		return FulfilledNo, err
	}
	if up {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *EthernetBridgeTask) MakePresent(ctx context.Context) error {
	name := t.bridgeName()
	exists, err := t.Netlink.LinkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if _, err := t.Netlink.run(ctx, "ip", "link", "del", "dev", name); err != nil {
			return err
		}
	}
	if _, err := t.Netlink.run(ctx, "ip", "link", "add", "name", name, "type", "bridge"); err != nil {
		return err
	}
	_, err = t.Netlink.run(ctx, "ip", "link", "set", "dev", name, "up")
	return err
}

func (t *EthernetBridgeTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	exists, err := t.Netlink.LinkExists(ctx, t.bridgeName())
	if err != nil {
		return FulfilledNo, err
	}
	if !exists {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *EthernetBridgeTask) MakeAbsent(ctx context.Context) error {
	_, err := t.Netlink.run(ctx, "ip", "link", "del", "dev", t.bridgeName())
	return err
}

// DeviceInterfaceTask joins one of the peer's physical interfaces to the
// bridge and brings it up.
type DeviceInterfaceTask struct {
	Netlink    *Netlink
	Interface  string
	BridgeName string
}

func (t *DeviceInterfaceTask) bridgeName() string {
	if t.BridgeName == "" {
		return DefaultBridgeName
	}
	return t.BridgeName
}

func (t *DeviceInterfaceTask) Description() string {
	return fmt.Sprintf("join interface %q to bridge %q", t.Interface, t.bridgeName())
}

func (t *DeviceInterfaceTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	master, err := t.Netlink.LinkMaster(ctx, t.Interface)
	if err != nil {
		return FulfilledNo, err
	}
	if master != t.bridgeName() {
		return FulfilledNo, nil
	}
	up, err := t.Netlink.LinkIsUp(ctx, t.Interface)
	if err != nil {
		return FulfilledNo, err
	}
	if up {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *DeviceInterfaceTask) MakePresent(ctx context.Context) error {
	if _, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", t.Interface, "master", t.bridgeName()); err != nil {
		return err
	}
	_, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", t.Interface, "up")
	return err
}

func (t *DeviceInterfaceTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	master, err := t.Netlink.LinkMaster(ctx, t.Interface)
	if err != nil {
		return FulfilledNo, err
	}
	if master == "" {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *DeviceInterfaceTask) MakeAbsent(ctx context.Context) error {
	_, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", t.Interface, "nomaster")
	return err
}

// GreInterfaceName returns the deterministic name of the index-th GRE tap
// on a peer.
func GreInterfaceName(index int) string {
	return fmt.Sprintf("gre-opendut%d", index)
}

// GreInterfaceTask creates one GRE tap tunnel toward a remote cluster
// member and joins it to the bridge.
type GreInterfaceTask struct {
	Netlink    *Netlink
	Index      int
	LocalIP    string
	RemoteIP   string
	BridgeName string
}

func (t *GreInterfaceTask) name() string { return GreInterfaceName(t.Index) }

func (t *GreInterfaceTask) bridgeName() string {
	if t.BridgeName == "" {
		return DefaultBridgeName
	}
	return t.BridgeName
}

func (t *GreInterfaceTask) Description() string {
	return fmt.Sprintf("create GRE tap %q toward %s", t.name(), t.RemoteIP)
}

func (t *GreInterfaceTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	master, err := t.Netlink.LinkMaster(ctx, t.name())
	if err != nil {
		return FulfilledNo, err
	}
	if master == t.bridgeName() {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *GreInterfaceTask) MakePresent(ctx context.Context) error {
	name := t.name()
	exists, err := t.Netlink.LinkExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		// Tunnel endpoints may have changed since the tap was created;
		// recreating is the only way to update them atomically.
		if _, err := t.Netlink.run(ctx, "ip", "link", "del", "dev", name); err != nil {
			return err
		}
	}
	if _, err := t.Netlink.run(ctx, "ip", "link", "add", name, "type", "gretap", "local", t.LocalIP, "remote", t.RemoteIP); err != nil {
		return err
	}
	if _, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", name, "master", t.bridgeName()); err != nil {
		return err
	}
	_, err = t.Netlink.run(ctx, "ip", "link", "set", "dev", name, "up")
	return err
}

func (t *GreInterfaceTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	exists, err := t.Netlink.LinkExists(ctx, t.name())
	if err != nil {
		return FulfilledNo, err
	}
	if !exists {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *GreInterfaceTask) MakeAbsent(ctx context.Context) error {
	_, err := t.Netlink.run(ctx, "ip", "link", "del", "dev", t.name())
	return err
}
