package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// MetadataProviderServer backs MetadataProvider.version().
type MetadataProviderServer interface {
	Version(ctx context.Context, req *VersionRequest) (*VersionResponse, error)
}

// PeersRegistrarServer backs PeersRegistrar.{store,delete,get,list}PeerDescriptor.
type PeersRegistrarServer interface {
	StorePeerDescriptor(ctx context.Context, req *StorePeerDescriptorRequest) (*StorePeerDescriptorResponse, error)
	DeletePeerDescriptor(ctx context.Context, req *DeletePeerDescriptorRequest) (*DeletePeerDescriptorResponse, error)
	GetPeerDescriptor(ctx context.Context, req *GetPeerDescriptorRequest) (*GetPeerDescriptorResponse, error)
	ListPeerDescriptors(ctx context.Context, req *ListPeerDescriptorsRequest) (*ListPeerDescriptorsResponse, error)
}

// ClusterManagerServer backs ClusterManager.{create,delete,list}ClusterConfiguration,
// …clusterDeployment, listClusterPeerStates.
type ClusterManagerServer interface {
	CreateClusterConfiguration(ctx context.Context, req *CreateClusterConfigurationRequest) (*CreateClusterConfigurationResponse, error)
	DeleteClusterConfiguration(ctx context.Context, req *DeleteClusterConfigurationRequest) (*DeleteClusterConfigurationResponse, error)
	ListClusterConfigurations(ctx context.Context, req *ListClusterConfigurationsRequest) (*ListClusterConfigurationsResponse, error)
	StoreClusterDeployment(ctx context.Context, req *StoreClusterDeploymentRequest) (*StoreClusterDeploymentResponse, error)
	DeleteClusterDeployment(ctx context.Context, req *DeleteClusterDeploymentRequest) (*DeleteClusterDeploymentResponse, error)
	ListClusterPeerStates(ctx context.Context, req *ListClusterPeerStatesRequest) (*ListClusterPeerStatesResponse, error)
}

// PeerMessagingBrokerServer backs PeerMessagingBroker.open, the single
// bidirectional streaming RPC of the wire protocol.
type PeerMessagingBrokerServer interface {
	Open(stream PeerMessagingBrokerOpenServer) error
}

// PeerMessagingBrokerOpenServer is the server-side handle for one agent's
// stream: Send pushes a DownstreamMessage, Recv blocks for the next
// UpstreamMessage.
type PeerMessagingBrokerOpenServer interface {
	Send(*DownstreamMessage) error
	Recv() (*UpstreamMessage, error)
	grpc.ServerStream
}

type peerMessagingBrokerOpenServer struct {
	grpc.ServerStream
}

func (s *peerMessagingBrokerOpenServer) Send(m *DownstreamMessage) error { return s.SendMsg(m) }
func (s *peerMessagingBrokerOpenServer) Recv() (*UpstreamMessage, error) {
	m := new(UpstreamMessage)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func unaryHandler[Req, Resp any](call func(ctx context.Context, req *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, req)
		}
		method, _ := grpc.Method(ctx)
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// RegisterMetadataProviderServer registers srv's handlers on s.
func RegisterMetadataProviderServer(s grpc.ServiceRegistrar, srv MetadataProviderServer) {
	s.RegisterService(&metadataProviderServiceDesc, srv)
}

var metadataProviderServiceDesc = grpc.ServiceDesc{
	ServiceName: "opendut.MetadataProvider",
	HandlerType: (*MetadataProviderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "version",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(MetadataProviderServer).Version)(srv, ctx, dec, interceptor)
			},
		},
	},
}

// RegisterPeersRegistrarServer registers srv's handlers on s.
func RegisterPeersRegistrarServer(s grpc.ServiceRegistrar, srv PeersRegistrarServer) {
	s.RegisterService(&peersRegistrarServiceDesc, srv)
}

var peersRegistrarServiceDesc = grpc.ServiceDesc{
	ServiceName: "opendut.PeersRegistrar",
	HandlerType: (*PeersRegistrarServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "storePeerDescriptor",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(PeersRegistrarServer).StorePeerDescriptor)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "deletePeerDescriptor",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(PeersRegistrarServer).DeletePeerDescriptor)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "getPeerDescriptor",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(PeersRegistrarServer).GetPeerDescriptor)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "listPeerDescriptors",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(PeersRegistrarServer).ListPeerDescriptors)(srv, ctx, dec, interceptor)
			},
		},
	},
}

// RegisterClusterManagerServer registers srv's handlers on s.
func RegisterClusterManagerServer(s grpc.ServiceRegistrar, srv ClusterManagerServer) {
	s.RegisterService(&clusterManagerServiceDesc, srv)
}

var clusterManagerServiceDesc = grpc.ServiceDesc{
	ServiceName: "opendut.ClusterManager",
	HandlerType: (*ClusterManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "createClusterConfiguration",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).CreateClusterConfiguration)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "deleteClusterConfiguration",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).DeleteClusterConfiguration)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "listClusterConfigurations",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).ListClusterConfigurations)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "storeClusterDeployment",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).StoreClusterDeployment)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "deleteClusterDeployment",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).DeleteClusterDeployment)(srv, ctx, dec, interceptor)
			},
		},
		{
			MethodName: "listClusterPeerStates",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				return unaryHandler(srv.(ClusterManagerServer).ListClusterPeerStates)(srv, ctx, dec, interceptor)
			},
		},
	},
}

// RegisterPeerMessagingBrokerServer registers srv's streaming handler on s.
func RegisterPeerMessagingBrokerServer(s grpc.ServiceRegistrar, srv PeerMessagingBrokerServer) {
	s.RegisterService(&peerMessagingBrokerServiceDesc, srv)
}

var peerMessagingBrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: "opendut.PeerMessagingBroker",
	HandlerType: (*PeerMessagingBrokerServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "open",
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(PeerMessagingBrokerServer).Open(&peerMessagingBrokerOpenServer{ServerStream: stream})
			},
		},
	},
}
