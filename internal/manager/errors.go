package manager

import (
	"errors"
	"fmt"

	"opendut/internal/model"
)

// Sentinel errors surfaced to operators. Each wraps a taxonomy kind from internal/model so callers can still branch with
// errors.Is(err, model.ErrValidation) etc.
var (
	// ErrClusterDeployed is returned by DeleteClusterConfiguration when a
	// ClusterDeployment marker still references the configuration.
	ErrClusterDeployed = fmt.Errorf("%w: cluster configuration delete error: cluster is deployed", model.ErrValidation)

	// ErrPeerIsClusterMember is returned by DeletePeerDescriptor when the
	// peer owns a device used by a currently-deployed cluster.
	ErrPeerIsClusterMember = fmt.Errorf("%w: peer delete error: peer is a member of a deployed cluster", model.ErrValidation)

	// ErrClusterConfigurationNotFound is returned when an operation
	// references a cluster configuration id with no stored row.
	ErrClusterConfigurationNotFound = fmt.Errorf("%w: cluster configuration not found", model.ErrNotFound)

	// ErrPeerNotFound is returned when an operation references a peer id
	// with no stored row.
	ErrPeerNotFound = fmt.Errorf("%w: peer not found", model.ErrNotFound)

	// ErrLeaderHasNoDevice is returned by CreateClusterConfiguration when
	// the designated leader owns none of the cluster's devices.
	ErrLeaderHasNoDevice = fmt.Errorf("%w: leader does not own any device in the cluster", model.ErrValidation)

	// ErrDeviceUnresolved is returned when a cluster configuration names a
	// device id that does not resolve to any stored peer.
	ErrDeviceUnresolved = fmt.Errorf("%w: device does not resolve to any known peer", model.ErrValidation)

	// ErrClusterConfigurationMissing is returned by StoreClusterDeployment
	// when no ClusterConfiguration exists for the given id.
	ErrClusterConfigurationMissing = fmt.Errorf("%w: cannot deploy: cluster configuration does not exist", model.ErrValidation)
)

// IsNotFound reports whether err represents a not-found condition.
func IsNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }
