package relational

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"opendut/internal/model"
	"opendut/internal/telemetry"
)

// Interface/executor kind discriminators as stored in their TEXT columns.
const (
	kindEthernet   = "ethernet"
	kindCan        = "can"
	kindExecutable = "executable"
	kindContainer  = "container"
)

func (s *Store) peerOps() ops[model.PeerID, model.PeerDescriptor] {
	return ops[model.PeerID, model.PeerDescriptor]{
		get:    s.getPeer,
		list:   s.listPeers,
		insert: s.insertPeer,
		delete: s.deletePeer,
	}
}

// insertPeer writes the descriptor as delete-then-insert across the
// peer_descriptor, network_interface_descriptor (+ CAN kind table),
// device_descriptor, device_tag, executor_descriptor and executor_env
// tables, all inside the caller's transaction.
func (s *Store) insertPeer(ctx context.Context, q queryer, id model.PeerID, peer model.PeerDescriptor) error {
	if err := s.deletePeer(ctx, q, id); err != nil {
		return err
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO peer_descriptor (id, name, location, bridge_name) VALUES ($1, $2, $3, $4)`,
		id.String(), peer.Name.String(), nullableString(peer.Location), nullableString(peer.Network.BridgeName),
	); err != nil {
		return wrapPersistence("insert peer_descriptor", err)
	}

	for i, iface := range peer.Network.Interfaces {
		kind := kindEthernet
		if iface.Kind == model.InterfaceKindCan {
			kind = kindCan
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO network_interface_descriptor (id, peer_id, name, kind, position) VALUES ($1, $2, $3, $4, $5)`,
			iface.ID.String(), id.String(), iface.Name, kind, i,
		); err != nil {
			return wrapPersistence("insert network_interface_descriptor", err)
		}
		if iface.Kind == model.InterfaceKindCan {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO network_interface_kind_can (interface_id, bitrate, sample_point, fd, data_bitrate, data_sample_point) VALUES ($1, $2, $3, $4, $5, $6)`,
				iface.ID.String(), int64(iface.Can.Bitrate), iface.Can.SamplePoint, iface.Can.FD, int64(iface.Can.DataBitrate), iface.Can.DataSamplePoint,
			); err != nil {
				return wrapPersistence("insert network_interface_kind_can", err)
			}
		}
	}

	for i, dev := range peer.Topology.Devices {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO device_descriptor (id, peer_id, name, description, interface_id, position) VALUES ($1, $2, $3, $4, $5, $6)`,
			dev.ID.String(), id.String(), dev.Name.String(), nullableString(dev.Description), dev.InterfaceID.String(), i,
		); err != nil {
			return wrapPersistence("insert device_descriptor", err)
		}
		for j, tag := range dev.Tags {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO device_tag (device_id, tag, position) VALUES ($1, $2, $3)`,
				dev.ID.String(), tag, j,
			); err != nil {
				return wrapPersistence("insert device_tag", err)
			}
		}
	}

	for i, ex := range peer.Executors {
		executorID := uuid.New().String()
		kind := kindExecutable
		if ex.Kind == model.ExecutorKindContainer {
			kind = kindContainer
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO executor_descriptor (id, peer_id, position, kind, engine, name, image, volumes, devices, ports, command, args, results_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			executorID, id.String(), i, kind,
			nullableString(ex.Container.Engine), nullableString(ex.Container.Name), nullableString(ex.Container.Image),
			pq.Array(ex.Container.Volumes), pq.Array(ex.Container.Devices), pq.Array(ex.Container.Ports),
			nullableString(ex.Container.Command), pq.Array(ex.Container.Args), nullableString(ex.ResultsURL),
		); err != nil {
			return wrapPersistence("insert executor_descriptor", err)
		}
		for j, env := range ex.Container.Envs {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO executor_env (executor_id, name, value, position) VALUES ($1, $2, $3, $4)`,
				executorID, env.Name, env.Value, j,
			); err != nil {
				return wrapPersistence("insert executor_env", err)
			}
		}
	}

	return nil
}

// deletePeer removes the descriptor root row; the child tables cascade.
func (s *Store) deletePeer(ctx context.Context, q queryer, id model.PeerID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM peer_descriptor WHERE id = $1`, id.String()); err != nil {
		return wrapPersistence("delete peer_descriptor", err)
	}
	return nil
}

func (s *Store) getPeer(ctx context.Context, q queryer, id model.PeerID) (model.PeerDescriptor, bool, error) {
	peers, err := s.readPeers(ctx, q, &id)
	if err != nil {
		return model.PeerDescriptor{}, false, err
	}
	peer, ok := peers[id]
	return peer, ok, nil
}

func (s *Store) listPeers(ctx context.Context, q queryer) (map[model.PeerID]model.PeerDescriptor, error) {
	return s.readPeers(ctx, q, nil)
}

// readPeers reconstitutes descriptors from their normalized tables. A nil
// filter reads every peer; a non-nil filter reads one. Rows carrying NULL
// in semantically required positions are dropped with a warning instead of
// failing the whole read.
func (s *Store) readPeers(ctx context.Context, q queryer, filter *model.PeerID) (map[model.PeerID]model.PeerDescriptor, error) {
	peers := make(map[model.PeerID]model.PeerDescriptor)

	query := `SELECT id, name, location, bridge_name FROM peer_descriptor`
	var args []interface{}
	if filter != nil {
		query += ` WHERE id = $1`
		args = append(args, filter.String())
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPersistence("query peer_descriptor", err)
	}
	for rows.Next() {
		var idStr, name string
		var location, bridgeName sql.NullString
		if err := rows.Scan(&idStr, &name, &location, &bridgeName); err != nil {
			rows.Close()
			return nil, wrapPersistence("scan peer_descriptor", err)
		}
		peerID, err := model.ParsePeerID(idStr)
		if err != nil {
			s.warnDroppedRow("peer_descriptor", idStr, "malformed id")
			continue
		}
		peers[peerID] = model.PeerDescriptor{
			ID:       peerID,
			Name:     model.ResourceName(name),
			Location: location.String,
			Network:  model.Network{BridgeName: bridgeName.String},
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return peers, nil
	}

	if err := s.readInterfaces(ctx, q, filter, peers); err != nil {
		return nil, err
	}
	if err := s.readDevices(ctx, q, filter, peers); err != nil {
		return nil, err
	}
	if err := s.readExecutors(ctx, q, filter, peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (s *Store) readInterfaces(ctx context.Context, q queryer, filter *model.PeerID, peers map[model.PeerID]model.PeerDescriptor) error {
	query := `
		SELECT i.id, i.peer_id, i.name, i.kind,
		       c.bitrate, c.sample_point, c.fd, c.data_bitrate, c.data_sample_point
		FROM network_interface_descriptor i
		LEFT JOIN network_interface_kind_can c ON c.interface_id = i.id`
	var args []interface{}
	if filter != nil {
		query += ` WHERE i.peer_id = $1`
		args = append(args, filter.String())
	}
	query += ` ORDER BY i.position`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapPersistence("query network_interface_descriptor", err)
	}
	for rows.Next() {
		var idStr, peerStr, name, kind string
		var bitrate, dataBitrate sql.NullInt64
		var samplePoint, dataSamplePoint sql.NullFloat64
		var fd sql.NullBool
		if err := rows.Scan(&idStr, &peerStr, &name, &kind, &bitrate, &samplePoint, &fd, &dataBitrate, &dataSamplePoint); err != nil {
			rows.Close()
			return wrapPersistence("scan network_interface_descriptor", err)
		}
		ifaceID, err := model.ParseInterfaceID(idStr)
		if err != nil {
			s.warnDroppedRow("network_interface_descriptor", idStr, "malformed id")
			continue
		}
		peerID, err := model.ParsePeerID(peerStr)
		if err != nil {
			s.warnDroppedRow("network_interface_descriptor", idStr, "malformed peer id")
			continue
		}
		peer, ok := peers[peerID]
		if !ok {
			continue
		}

		iface := model.NetworkInterfaceDescriptor{ID: ifaceID, Name: name}
		switch kind {
		case kindEthernet:
			iface.Kind = model.InterfaceKindEthernet
		case kindCan:
			if !bitrate.Valid {
				s.warnDroppedRow("network_interface_descriptor", idStr, "CAN interface without kind row")
				continue
			}
			iface.Kind = model.InterfaceKindCan
			iface.Can = model.CanParameters{
				Bitrate:         uint32(bitrate.Int64),
				SamplePoint:     samplePoint.Float64,
				FD:              fd.Bool,
				DataBitrate:     uint32(dataBitrate.Int64),
				DataSamplePoint: dataSamplePoint.Float64,
			}
		default:
			s.warnDroppedRow("network_interface_descriptor", idStr, "unknown kind "+kind)
			continue
		}
		peer.Network.Interfaces = append(peer.Network.Interfaces, iface)
		peers[peerID] = peer
	}
	return closeRows(rows)
}

func (s *Store) readDevices(ctx context.Context, q queryer, filter *model.PeerID, peers map[model.PeerID]model.PeerDescriptor) error {
	query := `SELECT id, peer_id, name, description, interface_id FROM device_descriptor`
	var args []interface{}
	if filter != nil {
		query += ` WHERE peer_id = $1`
		args = append(args, filter.String())
	}
	query += ` ORDER BY position`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapPersistence("query device_descriptor", err)
	}
	deviceOwner := make(map[model.DeviceID]model.PeerID)
	for rows.Next() {
		var idStr, peerStr, name, ifaceStr string
		var description sql.NullString
		if err := rows.Scan(&idStr, &peerStr, &name, &description, &ifaceStr); err != nil {
			rows.Close()
			return wrapPersistence("scan device_descriptor", err)
		}
		deviceID, err := model.ParseDeviceID(idStr)
		if err != nil {
			s.warnDroppedRow("device_descriptor", idStr, "malformed id")
			continue
		}
		peerID, err := model.ParsePeerID(peerStr)
		if err != nil {
			s.warnDroppedRow("device_descriptor", idStr, "malformed peer id")
			continue
		}
		ifaceID, err := model.ParseInterfaceID(ifaceStr)
		if err != nil {
			s.warnDroppedRow("device_descriptor", idStr, "malformed interface id")
			continue
		}
		peer, ok := peers[peerID]
		if !ok {
			continue
		}
		peer.Topology.Devices = append(peer.Topology.Devices, model.DeviceDescriptor{
			ID:          deviceID,
			Name:        model.ResourceName(name),
			Description: description.String,
			InterfaceID: ifaceID,
		})
		peers[peerID] = peer
		deviceOwner[deviceID] = peerID
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	if len(deviceOwner) == 0 {
		return nil
	}

	tagQuery := `SELECT t.device_id, t.tag FROM device_tag t`
	var tagArgs []interface{}
	if filter != nil {
		tagQuery += ` JOIN device_descriptor d ON d.id = t.device_id WHERE d.peer_id = $1`
		tagArgs = append(tagArgs, filter.String())
	}
	tagQuery += ` ORDER BY t.position`

	tagRows, err := q.QueryContext(ctx, tagQuery, tagArgs...)
	if err != nil {
		return wrapPersistence("query device_tag", err)
	}
	for tagRows.Next() {
		var devStr, tag string
		if err := tagRows.Scan(&devStr, &tag); err != nil {
			tagRows.Close()
			return wrapPersistence("scan device_tag", err)
		}
		deviceID, err := model.ParseDeviceID(devStr)
		if err != nil {
			continue
		}
		peerID, ok := deviceOwner[deviceID]
		if !ok {
			continue
		}
		peer := peers[peerID]
		for i := range peer.Topology.Devices {
			if peer.Topology.Devices[i].ID == deviceID {
				peer.Topology.Devices[i].Tags = append(peer.Topology.Devices[i].Tags, tag)
				break
			}
		}
		peers[peerID] = peer
	}
	return closeRows(tagRows)
}

func (s *Store) readExecutors(ctx context.Context, q queryer, filter *model.PeerID, peers map[model.PeerID]model.PeerDescriptor) error {
	query := `SELECT id, peer_id, kind, engine, name, image, volumes, devices, ports, command, args, results_url FROM executor_descriptor`
	var args []interface{}
	if filter != nil {
		query += ` WHERE peer_id = $1`
		args = append(args, filter.String())
	}
	query += ` ORDER BY position`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapPersistence("query executor_descriptor", err)
	}
	// executor row id -> (peer, index) so env rows can be attached below.
	type executorSlot struct {
		peer  model.PeerID
		index int
	}
	slots := make(map[string]executorSlot)
	for rows.Next() {
		var idStr, peerStr, kind string
		var engine, name, image, command, resultsURL sql.NullString
		var volumes, devices, ports, cmdArgs pq.StringArray
		if err := rows.Scan(&idStr, &peerStr, &kind, &engine, &name, &image, &volumes, &devices, &ports, &command, &cmdArgs, &resultsURL); err != nil {
			rows.Close()
			return wrapPersistence("scan executor_descriptor", err)
		}
		peerID, err := model.ParsePeerID(peerStr)
		if err != nil {
			s.warnDroppedRow("executor_descriptor", idStr, "malformed peer id")
			continue
		}
		peer, ok := peers[peerID]
		if !ok {
			continue
		}

		executor := model.ExecutorDescriptor{ResultsURL: resultsURL.String}
		switch kind {
		case kindExecutable:
			executor.Kind = model.ExecutorKindExecutable
		case kindContainer:
			executor.Kind = model.ExecutorKindContainer
			executor.Container = model.ContainerParameters{
				Engine:  engine.String,
				Name:    name.String,
				Image:   image.String,
				Volumes: volumes,
				Devices: devices,
				Ports:   ports,
				Command: command.String,
				Args:    cmdArgs,
			}
		default:
			s.warnDroppedRow("executor_descriptor", idStr, "unknown kind "+kind)
			continue
		}
		slots[idStr] = executorSlot{peer: peerID, index: len(peer.Executors)}
		peer.Executors = append(peer.Executors, executor)
		peers[peerID] = peer
	}
	if err := closeRows(rows); err != nil {
		return err
	}
	if len(slots) == 0 {
		return nil
	}

	envQuery := `SELECT e.executor_id, e.name, e.value FROM executor_env e`
	var envArgs []interface{}
	if filter != nil {
		envQuery += ` JOIN executor_descriptor x ON x.id = e.executor_id WHERE x.peer_id = $1`
		envArgs = append(envArgs, filter.String())
	}
	envQuery += ` ORDER BY e.position`

	envRows, err := q.QueryContext(ctx, envQuery, envArgs...)
	if err != nil {
		return wrapPersistence("query executor_env", err)
	}
	for envRows.Next() {
		var executorID, name, value string
		if err := envRows.Scan(&executorID, &name, &value); err != nil {
			envRows.Close()
			return wrapPersistence("scan executor_env", err)
		}
		slot, ok := slots[executorID]
		if !ok {
			continue
		}
		peer := peers[slot.peer]
		peer.Executors[slot.index].Container.Envs = append(peer.Executors[slot.index].Container.Envs, model.EnvVar{Name: name, Value: value})
		peers[slot.peer] = peer
	}
	return closeRows(envRows)
}

func (s *Store) warnDroppedRow(table, id, reason string) {
	if s.logger != nil {
		s.logger.WithFields(telemetry.Fields{"table": table, "row": id, "reason": reason}).Warn("Dropping malformed row")
	}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapPersistence("iterate rows", err)
	}
	if err := rows.Close(); err != nil {
		return wrapPersistence("close rows", err)
	}
	return nil
}
