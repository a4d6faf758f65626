package rpc

import (
	"opendut/internal/model"
)

// VersionRequest/VersionResponse back MetadataProvider.version().
type VersionRequest struct{}

type VersionResponse struct {
	Name         string `json:"name"`
	Revision     string `json:"revision"`
	RevisionDate string `json:"revision_date"`
	BuildDate    string `json:"build_date"`
}

// HelloMessage identifies the connecting peer at stream-open time.
type HelloMessage struct {
	PeerID model.PeerID `json:"peer_id"`
}

// PingMessage is the agent's periodic liveness heartbeat.
type PingMessage struct{}

// StateMessage reports host-observed state upstream (e.g. VPN link up).
type StateMessage struct {
	VPNUp bool `json:"vpn_up"`
}

// ParameterFeedbackMessage reports the outcome of realizing one
// parameter of the last-applied configuration.
type ParameterFeedbackMessage struct {
	ParameterID model.ParameterID `json:"parameter_id"`
	Target      model.Target      `json:"target"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
}

// UpstreamMessage is the tagged union an agent sends on its stream.
// Exactly one field is set per message.
type UpstreamMessage struct {
	Hello    *HelloMessage             `json:"hello,omitempty"`
	Ping     *PingMessage              `json:"ping,omitempty"`
	State    *StateMessage             `json:"state,omitempty"`
	Feedback *ParameterFeedbackMessage `json:"feedback,omitempty"`
}

// DownstreamMessage is the tagged union carl sends on an agent's stream.
type DownstreamMessage struct {
	Pong                   bool                     `json:"pong,omitempty"`
	ApplyPeerConfiguration *model.PeerConfiguration `json:"apply_peer_configuration,omitempty"`
}

// PeersRegistrar request/response pairs.
type StorePeerDescriptorRequest struct {
	Peer model.PeerDescriptor `json:"peer"`
}

type StorePeerDescriptorResponse struct{}

type DeletePeerDescriptorRequest struct {
	ID model.PeerID `json:"id"`
}

type DeletePeerDescriptorResponse struct{}

type GetPeerDescriptorRequest struct {
	ID model.PeerID `json:"id"`
}

type GetPeerDescriptorResponse struct {
	Peer  model.PeerDescriptor `json:"peer"`
	Found bool                 `json:"found"`
}

type ListPeerDescriptorsRequest struct{}

type ListPeerDescriptorsResponse struct {
	Peers []model.PeerDescriptor `json:"peers"`
}

// ClusterManager request/response pairs.
type CreateClusterConfigurationRequest struct {
	Cluster model.ClusterConfiguration `json:"cluster"`
}

type CreateClusterConfigurationResponse struct{}

type DeleteClusterConfigurationRequest struct {
	ID model.ClusterID `json:"id"`
}

type DeleteClusterConfigurationResponse struct{}

type ListClusterConfigurationsRequest struct{}

type ListClusterConfigurationsResponse struct {
	Clusters []model.ClusterConfiguration `json:"clusters"`
}

type StoreClusterDeploymentRequest struct {
	ID model.ClusterID `json:"id"`
}

type StoreClusterDeploymentResponse struct{}

type DeleteClusterDeploymentRequest struct {
	ID model.ClusterID `json:"id"`
}

type DeleteClusterDeploymentResponse struct{}

type ListClusterPeerStatesRequest struct {
	ClusterID model.ClusterID `json:"cluster_id"`
}

type ListClusterPeerStatesResponse struct {
	States []model.PeerState `json:"states"`
}
