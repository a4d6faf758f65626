package relational

import (
	"context"
	"errors"
	"net"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"opendut/internal/model"
	"opendut/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db, nil), mock
}

func TestConnectionStateUpsertEmitsEventAfterCommit(t *testing.T) {
	s, mock := newMockStore(t)
	sub := s.SubscribePeerConnectionStates(4)
	defer sub.Close()

	peerID := model.NewPeerID()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT online, remote_host FROM peer_connection_state WHERE peer_id = $1`)).
		WithArgs(peerID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"online", "remote_host"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO peer_connection_state (peer_id, online, remote_host) VALUES ($1, $2, $3)`)).
		WithArgs(peerID.String(), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err := s.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.PeerConnectionStates().Insert(ctx, peerID, model.Online(net.ParseIP("10.0.0.7")))
	})
	if err != nil {
		t.Fatalf("ResourcesMut: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if !ev.Inserted || ev.ID != peerID || !ev.Value.Online {
			t.Errorf("unexpected event: %+v", ev)
		}
		if got := ev.Value.RemoteHost.String(); got != "10.0.0.7" {
			t.Errorf("remote host = %q, want 10.0.0.7", got)
		}
	default:
		t.Fatal("expected an Inserted event after commit")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestRollbackEmitsNoEvents(t *testing.T) {
	s, mock := newMockStore(t)
	sub := s.SubscribePeerConnectionStates(4)
	defer sub.Close()

	peerID := model.NewPeerID()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT online, remote_host FROM peer_connection_state WHERE peer_id = $1`)).
		WithArgs(peerID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"online", "remote_host"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO peer_connection_state`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ctx := context.Background()
	err := s.ResourcesMut(ctx, func(tx store.Transaction) error {
		if err := tx.PeerConnectionStates().Insert(ctx, peerID, model.Online(net.ParseIP("10.0.0.7"))); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected closure error, got %v", err)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after rollback: %+v", ev)
	default:
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestReadOnlyTransactionRejectsMutation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	err := s.Resources(ctx, func(tx store.Transaction) error {
		return tx.ClusterDeployments().Insert(ctx, model.NewClusterID(), model.ClusterDeployment{})
	})
	if !errors.Is(err, store.ErrReadOnlyTransaction) {
		t.Fatalf("expected ErrReadOnlyTransaction, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestClusterDeploymentGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	clusterID := model.NewClusterID()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT cluster_id FROM cluster_deployment WHERE cluster_id = $1`)).
		WithArgs(clusterID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"cluster_id"}))
	mock.ExpectCommit()

	ctx := context.Background()
	var found bool
	err := s.Resources(ctx, func(tx store.Transaction) error {
		var err error
		_, found, err = tx.ClusterDeployments().Get(ctx, clusterID)
		return err
	})
	if err != nil {
		t.Fatalf("Resources: %v", err)
	}
	if found {
		t.Error("expected deployment to be absent")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestInsertPeerIsDeleteThenInsert(t *testing.T) {
	s, mock := newMockStore(t)

	peerID := model.NewPeerID()
	ifaceID := model.NewInterfaceID()
	deviceID := model.NewDeviceID()
	peer := model.PeerDescriptor{
		ID:   peerID,
		Name: "hardware-1",
		Network: model.Network{
			Interfaces: []model.NetworkInterfaceDescriptor{{ID: ifaceID, Name: "eth0"}},
			BridgeName: "br-opendut",
		},
		Topology: model.Topology{
			Devices: []model.DeviceDescriptor{{ID: deviceID, Name: "ecu-1", InterfaceID: ifaceID, Tags: []string{"ecu"}}},
		},
	}

	mock.ExpectBegin()
	// Insert reads the prior value first so the replacing write can emit
	// Removed(old) before Inserted(new).
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, location, bridge_name FROM peer_descriptor WHERE id = $1`)).
		WithArgs(peerID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "location", "bridge_name"}))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM peer_descriptor WHERE id = $1`)).
		WithArgs(peerID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO peer_descriptor (id, name, location, bridge_name) VALUES ($1, $2, $3, $4)`)).
		WithArgs(peerID.String(), "hardware-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO network_interface_descriptor (id, peer_id, name, kind, position) VALUES ($1, $2, $3, $4, $5)`)).
		WithArgs(ifaceID.String(), peerID.String(), "eth0", "ethernet", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO device_descriptor (id, peer_id, name, description, interface_id, position) VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs(deviceID.String(), peerID.String(), "ecu-1", sqlmock.AnyArg(), ifaceID.String(), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO device_tag (device_id, tag, position) VALUES ($1, $2, $3)`)).
		WithArgs(deviceID.String(), "ecu", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err := s.ResourcesMut(ctx, func(tx store.Transaction) error {
		return tx.Peers().Insert(ctx, peerID, peer)
	})
	if err != nil {
		t.Fatalf("ResourcesMut: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(len(migrations)))

	if err := Migrate(db, nil); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}
