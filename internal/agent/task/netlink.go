package task

import (
	"context"
	"strings"
	"sync"
)

// Netlink serializes every network interface mutation on the host behind
// one mutex, so two tasks can never issue contradictory edits
// concurrently. It is a process singleton acquired at agent startup and
// injected into the network tasks for testability.
type Netlink struct {
	mu     sync.Mutex
	runner commandRunner
}

func NewNetlink() *Netlink { return &Netlink{runner: defaultRunner} }

func newNetlinkWithRunner(r commandRunner) *Netlink { return &Netlink{runner: r} }

func (n *Netlink) run(ctx context.Context, name string, args ...string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runner.run(ctx, name, args...)
}

// LinkExists reports whether a link with the given name is present.
func (n *Netlink) LinkExists(ctx context.Context, name string) (bool, error) {
	out, err := n.run(ctx, "ip", "link", "show", "dev", name)
	if err != nil {
		if strings.Contains(out, "does not exist") || strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LinkIsUp reports whether the named link exists and is administratively up.
func (n *Netlink) LinkIsUp(ctx context.Context, name string) (bool, error) {
	out, err := n.run(ctx, "ip", "link", "show", "dev", name)
	if err != nil {
		if strings.Contains(out, "does not exist") || strings.Contains(err.Error(), "does not exist") {
			return false, nil
		}
		return false, err
	}
	return strings.Contains(out, "state UP") || strings.Contains(out, ",UP"), nil
}

// LinkMaster returns the master device of the named link, or "" if it has
// none or does not exist.
func (n *Netlink) LinkMaster(ctx context.Context, name string) (string, error) {
	out, err := n.run(ctx, "ip", "link", "show", "dev", name)
	if err != nil {
		if strings.Contains(out, "does not exist") || strings.Contains(err.Error(), "does not exist") {
			return "", nil
		}
		return "", err
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "master" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", nil
}
