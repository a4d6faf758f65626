// Package vpn observes the host's VPN link. The overlay itself is
// managed by the external VPN client; edgar only needs to know when the
// WireGuard device it rides on is up and has an established peer before
// tunnel tasks are worth attempting.
package vpn

import (
	"context"
	"fmt"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"

	"opendut/internal/model"
	"opendut/internal/telemetry"
)

// handshakeFreshness is how recent a peer handshake must be for the link
// to count as established; WireGuard rekeys roughly every two minutes, so
// three minutes covers an idle but healthy tunnel.
const handshakeFreshness = 3 * time.Minute

// Monitor reads WireGuard device state through one wgctrl handle.
type Monitor struct {
	client *wgctrl.Client
	device string
	logger telemetry.Logger
}

func NewMonitor(device string, logger telemetry.Logger) (*Monitor, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("%w: open wireguard control socket: %v", model.ErrTransport, err)
	}
	return &Monitor{client: client, device: device, logger: logger}, nil
}

func (m *Monitor) Close() error { return m.client.Close() }

// IsUp reports whether the device exists and at least one peer completed
// a handshake recently.
func (m *Monitor) IsUp() (bool, error) {
	dev, err := m.client.Device(m.device)
	if err != nil {
		// The device not existing yet is a normal transient while the
		// VPN client is still logging in.
		return false, nil
	}
	now := time.Now()
	for _, peer := range dev.Peers {
		if !peer.LastHandshakeTime.IsZero() && now.Sub(peer.LastHandshakeTime) < handshakeFreshness {
			return true, nil
		}
	}
	return false, nil
}

// WaitUp polls until the link is established or ctx expires.
func (m *Monitor) WaitUp(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		up, err := m.IsUp()
		if err != nil {
			return err
		}
		if up {
			if m.logger != nil {
				m.logger.WithFields(telemetry.Fields{"device": m.device}).Info("VPN link established")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for VPN device %q: %v", model.ErrTransport, m.device, ctx.Err())
		case <-ticker.C:
		}
	}
}
