// Package agent implements edgar's service core: the long-lived stream to
// carl, liveness heartbeats, and the hand-off of received configurations
// to the reconciler.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"opendut/internal/agent/reconcile"
	"opendut/internal/agent/task"
	"opendut/internal/agent/vpn"
	"opendut/internal/authn"
	"opendut/internal/config"
	"opendut/internal/model"
	"opendut/internal/rpc"
	"opendut/internal/telemetry"
)

// Agent is one edgar process: it holds the stream to carl, applies
// configurations one at a time and reports per-parameter feedback.
type Agent struct {
	cfg    config.Edgar
	peerID model.PeerID
	logger telemetry.Logger

	runner *reconcile.Runner
	tokens *authn.TokenSource

	pingInterval     time.Duration
	reconnectBackoff time.Duration
}

func New(cfg config.Edgar, logger telemetry.Logger) (*Agent, error) {
	peerID, err := model.ParsePeerID(cfg.PeerID)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:              cfg,
		peerID:           peerID,
		logger:           logger,
		runner:           reconcile.NewRunner(peerID, task.NewNetlink(), logger),
		pingInterval:     10 * time.Second,
		reconnectBackoff: 2 * time.Second,
	}
	if cfg.Auth.Enabled {
		a.tokens = authn.NewTokenSource(cfg.Auth.IssuerURL, cfg.Auth.ClientID, cfg.Auth.ClientSecret, nil)
	}
	return a, nil
}

// Run connects and serves until ctx is cancelled. Stream failures
// reconnect with exponential backoff; a cancelled context waits for the
// currently-running task to finish before returning.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.VPN.Enabled {
		monitor, err := vpn.NewMonitor(a.cfg.VPN.Interface, a.logger)
		if err != nil {
			return err
		}
		err = monitor.WaitUp(ctx, 0)
		_ = monitor.Close()
		if err != nil {
			return err
		}
	}

	backoff := a.reconnectBackoff
	for {
		if err := a.serveOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.WithError(err).Warnf("Stream to carl lost, reconnecting in %s", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = a.reconnectBackoff
	}
}

func (a *Agent) dial() (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if a.cfg.Carl.CACertificate != "" {
		pem, err := os.ReadFile(a.cfg.Carl.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA certificate: %v", model.ErrFatal, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: CA certificate contains no usable certificates", model.ErrFatal)
		}
		creds = credentials.NewTLS(&tls.Config{RootCAs: pool})
	}
	return grpc.NewClient(a.cfg.Carl.URL, grpc.WithTransportCredentials(creds))
}

// serveOnce runs one full stream lifetime: dial, hello, heartbeat, apply
// loop. It returns nil when carl ends the stream cleanly (io.EOF) and the
// context's error once ctx is cancelled.
func (a *Agent) serveOnce(ctx context.Context) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.tokens != nil {
		token, err := a.tokens.Token(streamCtx)
		if err != nil {
			return err
		}
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "Bearer "+token)
	}

	stream, err := rpc.NewPeerMessagingBrokerClient(conn).Open(streamCtx)
	if err != nil {
		return fmt.Errorf("%w: open broker stream: %v", model.ErrTransport, err)
	}

	if err := stream.Send(&rpc.UpstreamMessage{Hello: &rpc.HelloMessage{PeerID: a.peerID}}); err != nil {
		return fmt.Errorf("%w: send hello: %v", model.ErrTransport, err)
	}
	a.logger.Info("Connected to carl")

	// Heartbeats and feedback share the stream with the receive loop;
	// grpc streams allow one concurrent sender, so everything outbound is
	// funneled through sendQueue.
	sendQueue := make(chan *rpc.UpstreamMessage, 16)
	sendErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-streamCtx.Done():
				return
			case msg := <-sendQueue:
				if err := stream.Send(msg); err != nil {
					select {
					case sendErr <- err:
					default:
					}
					return
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(a.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				select {
				case sendQueue <- &rpc.UpstreamMessage{Ping: &rpc.PingMessage{}}:
				default:
				}
			}
		}
	}()

	// Configurations apply on their own goroutine so a long task run
	// never starves the receive loop; applies stay strictly serial via
	// the unbuffered channel plus single worker.
	configQueue := make(chan model.PeerConfiguration)
	applyDone := make(chan struct{})
	go func() {
		defer close(applyDone)
		for {
			select {
			case <-streamCtx.Done():
				return
			case cfg := <-configQueue:
				a.apply(streamCtx, cfg, sendQueue)
			}
		}
	}()
	// On return the worker is stopped and waited for, so a task that is
	// already running finishes before the stream is torn down.
	defer func() {
		cancel()
		<-applyDone
	}()

	for {
		select {
		case err := <-sendErr:
			return fmt.Errorf("%w: send on broker stream: %v", model.ErrTransport, err)
		default:
		}

		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || streamCtx.Err() != nil {
				return streamCtx.Err()
			}
			return fmt.Errorf("%w: receive on broker stream: %v", model.ErrTransport, err)
		}
		if msg.ApplyPeerConfiguration != nil {
			cfg := *msg.ApplyPeerConfiguration
			select {
			case configQueue <- cfg:
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		}
	}
}

// apply runs one configuration and streams per-parameter feedback.
func (a *Agent) apply(ctx context.Context, cfg model.PeerConfiguration, sendQueue chan<- *rpc.UpstreamMessage) {
	a.logger.WithFields(telemetry.Fields{"parameters": len(cfg.Parameters)}).Info("Applying peer configuration")

	_, err := a.runner.Apply(ctx, cfg, func(res model.ParameterResult) {
		feedback := &rpc.UpstreamMessage{Feedback: &rpc.ParameterFeedbackMessage{
			ParameterID: res.ParameterID,
			Target:      res.Target,
			Success:     res.Success,
			Error:       res.Error,
		}}
		select {
		case sendQueue <- feedback:
		case <-ctx.Done():
		}
	})
	if err != nil {
		a.logger.WithError(err).Error("Peer configuration rejected")
	}
}
