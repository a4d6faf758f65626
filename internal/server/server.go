// Package server binds the coordinator's RPC surface to the cluster &
// peer manager and the messaging broker: unary registrar/manager calls,
// the MetadataProvider, and the bidirectional agent stream.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc/codes"
	grpcpeer "google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"opendut/internal/broker"
	"opendut/internal/manager"
	"opendut/internal/model"
	"opendut/internal/rpc"
	"opendut/internal/telemetry"
	"opendut/internal/version"
)

// CarlServer implements every service of the coordinator's RPC surface.
type CarlServer struct {
	manager *manager.Manager
	broker  *broker.Broker
	logger  telemetry.Logger
	metrics *telemetry.MetricsCollector

	// remoteHostOverride, when set, replaces the peer address observed on
	// the stream; used when agents sit behind the VPN and the coordinator
	// knows their overlay address from configuration.
	remoteHostOverride net.IP
}

func NewCarlServer(mgr *manager.Manager, brk *broker.Broker, logger telemetry.Logger, metrics *telemetry.MetricsCollector) *CarlServer {
	return &CarlServer{manager: mgr, broker: brk, logger: logger, metrics: metrics}
}

// SetRemoteHostOverride fixes the address written into Online states.
func (s *CarlServer) SetRemoteHostOverride(ip net.IP) { s.remoteHostOverride = ip }

// toStatus maps the error taxonomy onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, model.ErrAuth):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, model.ErrPersistence):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

func (s *CarlServer) observe(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveRPC(method, outcome, time.Since(start))
}

// MetadataProvider

func (s *CarlServer) Version(context.Context, *rpc.VersionRequest) (*rpc.VersionResponse, error) {
	info := version.GetInfo()
	return &rpc.VersionResponse{
		Name:         info.Component,
		Revision:     info.GitCommit,
		RevisionDate: info.BuildDate,
		BuildDate:    info.BuildDate,
	}, nil
}

// PeersRegistrar

func (s *CarlServer) StorePeerDescriptor(ctx context.Context, req *rpc.StorePeerDescriptorRequest) (*rpc.StorePeerDescriptorResponse, error) {
	start := time.Now()
	err := s.manager.StorePeerDescriptor(ctx, req.Peer)
	s.observe("storePeerDescriptor", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.StorePeerDescriptorResponse{}, nil
}

func (s *CarlServer) DeletePeerDescriptor(ctx context.Context, req *rpc.DeletePeerDescriptorRequest) (*rpc.DeletePeerDescriptorResponse, error) {
	start := time.Now()
	err := s.manager.DeletePeerDescriptor(ctx, req.ID)
	s.observe("deletePeerDescriptor", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	// Deleting the descriptor revokes the peer's membership; its live
	// stream, if any, is terminated so the agent cannot keep acting on
	// stale configuration.
	if err := s.broker.RemovePeer(ctx, req.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.WithError(err).Warnf("Disconnect deleted peer %s", req.ID)
	}
	return &rpc.DeletePeerDescriptorResponse{}, nil
}

func (s *CarlServer) GetPeerDescriptor(ctx context.Context, req *rpc.GetPeerDescriptorRequest) (*rpc.GetPeerDescriptorResponse, error) {
	peer, found, err := s.manager.GetPeerDescriptor(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.GetPeerDescriptorResponse{Peer: peer, Found: found}, nil
}

func (s *CarlServer) ListPeerDescriptors(ctx context.Context, _ *rpc.ListPeerDescriptorsRequest) (*rpc.ListPeerDescriptorsResponse, error) {
	peers, err := s.manager.ListPeerDescriptors(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.ListPeerDescriptorsResponse{Peers: peers}, nil
}

// ClusterManager

func (s *CarlServer) CreateClusterConfiguration(ctx context.Context, req *rpc.CreateClusterConfigurationRequest) (*rpc.CreateClusterConfigurationResponse, error) {
	start := time.Now()
	err := s.manager.CreateClusterConfiguration(ctx, req.Cluster)
	s.observe("createClusterConfiguration", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.CreateClusterConfigurationResponse{}, nil
}

func (s *CarlServer) DeleteClusterConfiguration(ctx context.Context, req *rpc.DeleteClusterConfigurationRequest) (*rpc.DeleteClusterConfigurationResponse, error) {
	start := time.Now()
	err := s.manager.DeleteClusterConfiguration(ctx, req.ID)
	s.observe("deleteClusterConfiguration", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.DeleteClusterConfigurationResponse{}, nil
}

func (s *CarlServer) ListClusterConfigurations(ctx context.Context, _ *rpc.ListClusterConfigurationsRequest) (*rpc.ListClusterConfigurationsResponse, error) {
	clusters, err := s.manager.ListClusterConfigurations(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.ListClusterConfigurationsResponse{Clusters: clusters}, nil
}

func (s *CarlServer) StoreClusterDeployment(ctx context.Context, req *rpc.StoreClusterDeploymentRequest) (*rpc.StoreClusterDeploymentResponse, error) {
	start := time.Now()
	err := s.manager.StoreClusterDeployment(ctx, req.ID)
	s.observe("storeClusterDeployment", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.StoreClusterDeploymentResponse{}, nil
}

func (s *CarlServer) DeleteClusterDeployment(ctx context.Context, req *rpc.DeleteClusterDeploymentRequest) (*rpc.DeleteClusterDeploymentResponse, error) {
	start := time.Now()
	err := s.manager.DeleteClusterDeployment(ctx, req.ID)
	s.observe("deleteClusterDeployment", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.DeleteClusterDeploymentResponse{}, nil
}

func (s *CarlServer) ListClusterPeerStates(ctx context.Context, req *rpc.ListClusterPeerStatesRequest) (*rpc.ListClusterPeerStatesResponse, error) {
	states, err := s.manager.DetermineClusterPeerStates(ctx, req.ClusterID)
	if err != nil {
		return nil, toStatus(err)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].PeerID.String() < states[j].PeerID.String() })
	return &rpc.ListClusterPeerStatesResponse{States: states}, nil
}

// PeerMessagingBroker

// Open serves one agent's stream lifetime: Hello handshake, registration
// with the broker, downstream forwarding, and upstream dispatch.
func (s *CarlServer) Open(stream rpc.PeerMessagingBrokerOpenServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Error(codes.InvalidArgument, "stream closed before hello")
	}
	if first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first upstream message must be hello")
	}
	peerID := first.Hello.PeerID
	if peerID.IsNil() {
		return status.Error(codes.InvalidArgument, "hello carries no peer id")
	}

	remoteHost := s.remoteHost(ctx)
	downstream, err := s.broker.Open(ctx, peerID, remoteHost, 0)
	if err != nil {
		return toStatus(err)
	}
	s.logger.WithFields(telemetry.Fields{"peer": peerID.String(), "remote": remoteHost.String()}).Info("Peer connected")

	// One goroutine owns all sends on this stream; it drains the broker's
	// downstream channel until the broker drops the peer or the stream dies.
	sendDone := make(chan error, 1)
	go func() {
		for msg := range downstream {
			out := &rpc.DownstreamMessage{Pong: msg.Pong, ApplyPeerConfiguration: msg.Configuration}
			if err := stream.Send(out); err != nil {
				sendDone <- err
				return
			}
		}
		sendDone <- nil
	}()

	var recvErr error
	for {
		msg, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				recvErr = err
			}
			break
		}
		s.broker.RecordActivity(peerID)

		switch {
		case msg.Ping != nil:
			if err := s.broker.Pong(peerID); err != nil {
				s.logger.WithError(err).Debugf("Pong to peer %s", peerID)
			}
		case msg.Feedback != nil:
			s.manager.RecordFeedback(peerID, model.ParameterResult{
				ParameterID: msg.Feedback.ParameterID,
				Target:      msg.Feedback.Target,
				Success:     msg.Feedback.Success,
				Error:       msg.Feedback.Error,
			})
		case msg.State != nil:
			// Host state is liveness-relevant only for now; RecordActivity
			// above already refreshed the peer.
		}
	}

	// Tearing the peer down closes the downstream channel, which ends the
	// sender goroutine if the stream itself is still alive.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.Close(closeCtx, peerID); err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.WithError(err).Warnf("Mark peer %s offline", peerID)
	}
	<-sendDone

	s.logger.WithFields(telemetry.Fields{"peer": peerID.String()}).Info("Peer disconnected")
	if recvErr != nil {
		return status.Error(codes.Unavailable, recvErr.Error())
	}
	return nil
}

// remoteHost resolves the address recorded in the peer's Online state:
// the configured override when set, otherwise the stream's source address.
func (s *CarlServer) remoteHost(ctx context.Context) net.IP {
	if s.remoteHostOverride != nil {
		return s.remoteHostOverride
	}
	if p, ok := grpcpeer.FromContext(ctx); ok && p.Addr != nil {
		if addr, ok := p.Addr.(*net.TCPAddr); ok {
			return addr.IP
		}
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return net.ParseIP(host)
		}
	}
	return nil
}
