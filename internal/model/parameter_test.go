package model

import (
	"encoding/json"
	"testing"
)

// The assignment map is keyed by PeerID, which must survive JSON
// encoding as a map key for the wire codec to carry configurations.
func TestClusterAssignmentJSONRoundTrip(t *testing.T) {
	leader := NewPeerID()
	member := NewPeerID()

	in := Parameter{
		ID:     NewParameterID(),
		Target: Present,
		Value: ParameterValue{
			Kind: ValueClusterAssignment,
			ClusterAssignment: ClusterAssignmentValue{
				ClusterID: NewClusterID(),
				Leader:    leader,
				Assignments: map[PeerID]PeerPort{
					leader: {VPNAddress: "100.64.0.1", CanServerPort: 48900},
					member: {VPNAddress: "100.64.0.2", CanServerPort: 48900},
				},
			},
		},
	}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Parameter
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out.ID != in.ID || out.Value.ClusterAssignment.Leader != leader {
		t.Errorf("round trip mismatch: %+v", out)
	}
	got := out.Value.ClusterAssignment.Assignments
	if len(got) != 2 {
		t.Fatalf("assignments lost in round trip: %+v", got)
	}
	if got[member].VPNAddress != "100.64.0.2" || got[member].CanServerPort != 48900 {
		t.Errorf("member assignment mismatch: %+v", got[member])
	}
}

func TestPeerConfigurationValidateRejectsUnknownDependency(t *testing.T) {
	cfg := PeerConfiguration{Parameters: []Parameter{
		{ID: NewParameterID(), Dependencies: []ParameterID{NewParameterID()}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}

func TestResourceNameValidation(t *testing.T) {
	if _, err := NewResourceName("hardware-1"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "opendut-internal", "x.lock", "-leading", "has space"} {
		if _, err := NewResourceName(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
