package task

import (
	"context"
	"fmt"
	"strconv"

	"opendut/internal/model"
)

// CanBridgeName returns the name of the virtual CAN device bridging a
// physical CAN interface into the cluster.
func CanBridgeName(iface string) string {
	return "br-" + iface
}

// CanDeviceTask creates the virtual CAN device for a physical CAN
// interface and applies the configured bitrate/sample-point to the
// physical side.
type CanDeviceTask struct {
	Netlink   *Netlink
	Interface model.NetworkInterfaceDescriptor
}

func (t *CanDeviceTask) bridge() string { return CanBridgeName(t.Interface.Name) }

func (t *CanDeviceTask) Description() string {
	return fmt.Sprintf("create virtual CAN device %q for %q", t.bridge(), t.Interface.Name)
}

func (t *CanDeviceTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	up, err := t.Netlink.LinkIsUp(ctx, t.bridge())
	if err != nil {
		return FulfilledNo, err
	}
	if up {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *CanDeviceTask) MakePresent(ctx context.Context) error {
	bridge := t.bridge()
	exists, err := t.Netlink.LinkExists(ctx, bridge)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := t.Netlink.run(ctx, "ip", "link", "add", "name", bridge, "type", "vcan"); err != nil {
			return err
		}
	}
	if _, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", bridge, "up"); err != nil {
		return err
	}

	// The physical interface must be reconfigured down before bitrate
	// changes are accepted.
	if _, err := t.Netlink.run(ctx, "ip", "link", "set", "dev", t.Interface.Name, "down"); err != nil {
		return err
	}
	args := []string{
		"link", "set", "dev", t.Interface.Name, "type", "can",
		"bitrate", strconv.FormatUint(uint64(t.Interface.Can.Bitrate), 10),
		"sample-point", strconv.FormatFloat(t.Interface.Can.SamplePoint, 'f', -1, 64),
	}
	if t.Interface.Can.FD {
		args = append(args,
			"dbitrate", strconv.FormatUint(uint64(t.Interface.Can.DataBitrate), 10),
			"dsample-point", strconv.FormatFloat(t.Interface.Can.DataSamplePoint, 'f', -1, 64),
			"fd", "on",
		)
	}
	if _, err := t.Netlink.run(ctx, "ip", args...); err != nil {
		return err
	}
	_, err = t.Netlink.run(ctx, "ip", "link", "set", "dev", t.Interface.Name, "up")
	return err
}

func (t *CanDeviceTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	exists, err := t.Netlink.LinkExists(ctx, t.bridge())
	if err != nil {
		return FulfilledNo, err
	}
	if !exists {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *CanDeviceTask) MakeAbsent(ctx context.Context) error {
	_, err := t.Netlink.run(ctx, "ip", "link", "del", "dev", t.bridge())
	return err
}

// CanRouteTask installs the bidirectional frame route between the
// physical CAN interface and its virtual bridge device via can-gw.
type CanRouteTask struct {
	Runner    commandRunner
	Interface model.NetworkInterfaceDescriptor
}

func (t *CanRouteTask) runner() commandRunner {
	if t.Runner != nil {
		return t.Runner
	}
	return defaultRunner
}

func (t *CanRouteTask) bridge() string { return CanBridgeName(t.Interface.Name) }

func (t *CanRouteTask) Description() string {
	return fmt.Sprintf("route CAN frames between %q and %q", t.Interface.Name, t.bridge())
}

// CheckPresent has no reliable probe: cangw -L output formatting differs
// between kernel versions, and re-adding an existing identical rule is
// rejected harmlessly. The task therefore always runs.
func (t *CanRouteTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	return FulfilledUnchecked, nil
}

func (t *CanRouteTask) MakePresent(ctx context.Context) error {
	// Remove first so repeated runs do not pile up duplicate rules.
	_, _ = t.runner().run(ctx, "cangw", "-D", "-s", t.Interface.Name, "-d", t.bridge(), "-e")
	_, _ = t.runner().run(ctx, "cangw", "-D", "-s", t.bridge(), "-d", t.Interface.Name, "-e")

	if _, err := t.runner().run(ctx, "cangw", "-A", "-s", t.Interface.Name, "-d", t.bridge(), "-e"); err != nil {
		return err
	}
	_, err := t.runner().run(ctx, "cangw", "-A", "-s", t.bridge(), "-d", t.Interface.Name, "-e")
	return err
}

func (t *CanRouteTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	return FulfilledUnchecked, nil
}

func (t *CanRouteTask) MakeAbsent(ctx context.Context) error {
	if _, err := t.runner().run(ctx, "cangw", "-D", "-s", t.Interface.Name, "-d", t.bridge(), "-e"); err != nil {
		return err
	}
	_, err := t.runner().run(ctx, "cangw", "-D", "-s", t.bridge(), "-d", t.Interface.Name, "-e")
	return err
}
