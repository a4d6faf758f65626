package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// callOpts forces every outbound call onto the JSON codec registered in
// codec.go, since carl/edgar do not ship protobuf-generated stubs.
func callOpts(opts ...grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

// MetadataProviderClient is edgar's stub for MetadataProvider.version().
type MetadataProviderClient struct{ cc grpc.ClientConnInterface }

func NewMetadataProviderClient(cc grpc.ClientConnInterface) *MetadataProviderClient {
	return &MetadataProviderClient{cc: cc}
}

func (c *MetadataProviderClient) Version(ctx context.Context, req *VersionRequest, opts ...grpc.CallOption) (*VersionResponse, error) {
	resp := new(VersionResponse)
	if err := c.cc.Invoke(ctx, "/opendut.MetadataProvider/version", req, resp, callOpts(opts...)...); err != nil {
		return nil, err
	}
	return resp, nil
}

// PeersRegistrarClient is edgar/carl's stub for PeersRegistrar.
type PeersRegistrarClient struct{ cc grpc.ClientConnInterface }

func NewPeersRegistrarClient(cc grpc.ClientConnInterface) *PeersRegistrarClient {
	return &PeersRegistrarClient{cc: cc}
}

func (c *PeersRegistrarClient) StorePeerDescriptor(ctx context.Context, req *StorePeerDescriptorRequest, opts ...grpc.CallOption) (*StorePeerDescriptorResponse, error) {
	resp := new(StorePeerDescriptorResponse)
	err := c.cc.Invoke(ctx, "/opendut.PeersRegistrar/storePeerDescriptor", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *PeersRegistrarClient) DeletePeerDescriptor(ctx context.Context, req *DeletePeerDescriptorRequest, opts ...grpc.CallOption) (*DeletePeerDescriptorResponse, error) {
	resp := new(DeletePeerDescriptorResponse)
	err := c.cc.Invoke(ctx, "/opendut.PeersRegistrar/deletePeerDescriptor", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *PeersRegistrarClient) GetPeerDescriptor(ctx context.Context, req *GetPeerDescriptorRequest, opts ...grpc.CallOption) (*GetPeerDescriptorResponse, error) {
	resp := new(GetPeerDescriptorResponse)
	err := c.cc.Invoke(ctx, "/opendut.PeersRegistrar/getPeerDescriptor", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *PeersRegistrarClient) ListPeerDescriptors(ctx context.Context, req *ListPeerDescriptorsRequest, opts ...grpc.CallOption) (*ListPeerDescriptorsResponse, error) {
	resp := new(ListPeerDescriptorsResponse)
	err := c.cc.Invoke(ctx, "/opendut.PeersRegistrar/listPeerDescriptors", req, resp, callOpts(opts...)...)
	return resp, err
}

// ClusterManagerClient is the operator-facing stub for ClusterManager.
type ClusterManagerClient struct{ cc grpc.ClientConnInterface }

func NewClusterManagerClient(cc grpc.ClientConnInterface) *ClusterManagerClient {
	return &ClusterManagerClient{cc: cc}
}

func (c *ClusterManagerClient) CreateClusterConfiguration(ctx context.Context, req *CreateClusterConfigurationRequest, opts ...grpc.CallOption) (*CreateClusterConfigurationResponse, error) {
	resp := new(CreateClusterConfigurationResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/createClusterConfiguration", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *ClusterManagerClient) DeleteClusterConfiguration(ctx context.Context, req *DeleteClusterConfigurationRequest, opts ...grpc.CallOption) (*DeleteClusterConfigurationResponse, error) {
	resp := new(DeleteClusterConfigurationResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/deleteClusterConfiguration", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *ClusterManagerClient) ListClusterConfigurations(ctx context.Context, req *ListClusterConfigurationsRequest, opts ...grpc.CallOption) (*ListClusterConfigurationsResponse, error) {
	resp := new(ListClusterConfigurationsResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/listClusterConfigurations", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *ClusterManagerClient) StoreClusterDeployment(ctx context.Context, req *StoreClusterDeploymentRequest, opts ...grpc.CallOption) (*StoreClusterDeploymentResponse, error) {
	resp := new(StoreClusterDeploymentResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/storeClusterDeployment", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *ClusterManagerClient) DeleteClusterDeployment(ctx context.Context, req *DeleteClusterDeploymentRequest, opts ...grpc.CallOption) (*DeleteClusterDeploymentResponse, error) {
	resp := new(DeleteClusterDeploymentResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/deleteClusterDeployment", req, resp, callOpts(opts...)...)
	return resp, err
}

func (c *ClusterManagerClient) ListClusterPeerStates(ctx context.Context, req *ListClusterPeerStatesRequest, opts ...grpc.CallOption) (*ListClusterPeerStatesResponse, error) {
	resp := new(ListClusterPeerStatesResponse)
	err := c.cc.Invoke(ctx, "/opendut.ClusterManager/listClusterPeerStates", req, resp, callOpts(opts...)...)
	return resp, err
}

// PeerMessagingBrokerClient opens edgar's long-lived stream to carl.
type PeerMessagingBrokerClient struct{ cc grpc.ClientConnInterface }

func NewPeerMessagingBrokerClient(cc grpc.ClientConnInterface) *PeerMessagingBrokerClient {
	return &PeerMessagingBrokerClient{cc: cc}
}

// PeerMessagingBrokerOpenClient is the client-side handle for the stream.
type PeerMessagingBrokerOpenClient interface {
	Send(*UpstreamMessage) error
	Recv() (*DownstreamMessage, error)
	grpc.ClientStream
}

type peerMessagingBrokerOpenClient struct {
	grpc.ClientStream
}

func (c *peerMessagingBrokerOpenClient) Send(m *UpstreamMessage) error { return c.SendMsg(m) }
func (c *peerMessagingBrokerOpenClient) Recv() (*DownstreamMessage, error) {
	m := new(DownstreamMessage)
	if err := c.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *PeerMessagingBrokerClient) Open(ctx context.Context, opts ...grpc.CallOption) (PeerMessagingBrokerOpenClient, error) {
	stream, err := c.cc.NewStream(ctx, &peerMessagingBrokerServiceDesc.Streams[0], "/opendut.PeerMessagingBroker/open", callOpts(opts...)...)
	if err != nil {
		return nil, err
	}
	return &peerMessagingBrokerOpenClient{ClientStream: stream}, nil
}
