// Package model defines the domain entities exchanged between the
// coordinator's resource store, the cluster/peer manager and the agent
// configuration reconciler.
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// PeerID identifies a PeerDescriptor. Distinct from every other id type so
// the compiler rejects cross-entity confusion at call sites.
type PeerID uuid.UUID

func NewPeerID() PeerID { return PeerID(uuid.New()) }

func ParsePeerID(s string) (PeerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("parse peer id %q: %w", s, err)
	}
	return PeerID(id), nil
}

func (id PeerID) String() string { return uuid.UUID(id).String() }
func (id PeerID) IsNil() bool    { return id == PeerID{} }

func (id PeerID) MarshalJSON() ([]byte, error)  { return marshalID(uuid.UUID(id)) }
func (id *PeerID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }

// InterfaceID identifies a NetworkInterfaceDescriptor within a peer.
type InterfaceID uuid.UUID

func NewInterfaceID() InterfaceID { return InterfaceID(uuid.New()) }

func ParseInterfaceID(s string) (InterfaceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return InterfaceID{}, fmt.Errorf("parse interface id %q: %w", s, err)
	}
	return InterfaceID(id), nil
}

func (id InterfaceID) String() string { return uuid.UUID(id).String() }

func (id InterfaceID) MarshalJSON() ([]byte, error)  { return marshalID(uuid.UUID(id)) }
func (id *InterfaceID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }

// DeviceID identifies a DeviceDescriptor.
type DeviceID uuid.UUID

func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("parse device id %q: %w", s, err)
	}
	return DeviceID(id), nil
}

func (id DeviceID) String() string { return uuid.UUID(id).String() }

func (id DeviceID) MarshalJSON() ([]byte, error)  { return marshalID(uuid.UUID(id)) }
func (id *DeviceID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }

// ClusterID identifies a ClusterConfiguration, and doubles as the id of
// its ClusterDeployment marker (they share the cluster's id by contract).
type ClusterID uuid.UUID

func NewClusterID() ClusterID { return ClusterID(uuid.New()) }

func ParseClusterID(s string) (ClusterID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ClusterID{}, fmt.Errorf("parse cluster id %q: %w", s, err)
	}
	return ClusterID(id), nil
}

func (id ClusterID) String() string { return uuid.UUID(id).String() }

func (id ClusterID) MarshalJSON() ([]byte, error)  { return marshalID(uuid.UUID(id)) }
func (id *ClusterID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }

// ParameterID identifies one Parameter within a PeerConfiguration.
type ParameterID uuid.UUID

func NewParameterID() ParameterID { return ParameterID(uuid.New()) }

func (id ParameterID) String() string { return uuid.UUID(id).String() }

func (id ParameterID) MarshalJSON() ([]byte, error)  { return marshalID(uuid.UUID(id)) }
func (id *ParameterID) UnmarshalJSON(b []byte) error { return unmarshalID(b, (*uuid.UUID)(id)) }

// Text encoding mirrors the JSON one so id types also work as JSON map
// keys (encoding/json resolves map keys through encoding.TextMarshaler).
func (id PeerID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *PeerID) UnmarshalText(b []byte) error {
	return unmarshalIDText(b, (*uuid.UUID)(id))
}

func (id InterfaceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *InterfaceID) UnmarshalText(b []byte) error {
	return unmarshalIDText(b, (*uuid.UUID)(id))
}

func (id DeviceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *DeviceID) UnmarshalText(b []byte) error {
	return unmarshalIDText(b, (*uuid.UUID)(id))
}

func (id ClusterID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *ClusterID) UnmarshalText(b []byte) error {
	return unmarshalIDText(b, (*uuid.UUID)(id))
}

func (id ParameterID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *ParameterID) UnmarshalText(b []byte) error {
	return unmarshalIDText(b, (*uuid.UUID)(id))
}

func unmarshalIDText(b []byte, out *uuid.UUID) error {
	s := string(b)
	if s == "" {
		*out = uuid.UUID{}
		return nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal id %q: %w", s, err)
	}
	*out = parsed
	return nil
}

// marshalID/unmarshalID share the string encoding across every id type so
// wire payloads carry the familiar UUID string form instead of a raw byte
// array.
func marshalID(id uuid.UUID) ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func unmarshalID(b []byte, out *uuid.UUID) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*out = uuid.UUID{}
		return nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("unmarshal id %q: %w", s, err)
	}
	*out = parsed
	return nil
}
