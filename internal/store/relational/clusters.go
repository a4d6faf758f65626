package relational

import (
	"context"

	"opendut/internal/model"
)

func (s *Store) clusterConfigOps() ops[model.ClusterID, model.ClusterConfiguration] {
	return ops[model.ClusterID, model.ClusterConfiguration]{
		get:    s.getClusterConfig,
		list:   s.listClusterConfigs,
		insert: s.insertClusterConfig,
		delete: s.deleteClusterConfig,
	}
}

// insertClusterConfig writes the configuration as delete-then-insert
// across cluster_configuration and cluster_device, so devices dropped from
// the set disappear with the rewrite.
func (s *Store) insertClusterConfig(ctx context.Context, q queryer, id model.ClusterID, cfg model.ClusterConfiguration) error {
	if err := s.deleteClusterConfig(ctx, q, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO cluster_configuration (id, name, leader_id) VALUES ($1, $2, $3)`,
		id.String(), cfg.Name.String(), cfg.Leader.String(),
	); err != nil {
		return wrapPersistence("insert cluster_configuration", err)
	}
	for _, deviceID := range cfg.DeviceIDs() {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO cluster_device (cluster_id, device_id) VALUES ($1, $2)`,
			id.String(), deviceID.String(),
		); err != nil {
			return wrapPersistence("insert cluster_device", err)
		}
	}
	return nil
}

func (s *Store) deleteClusterConfig(ctx context.Context, q queryer, id model.ClusterID) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cluster_configuration WHERE id = $1`, id.String()); err != nil {
		return wrapPersistence("delete cluster_configuration", err)
	}
	return nil
}

func (s *Store) getClusterConfig(ctx context.Context, q queryer, id model.ClusterID) (model.ClusterConfiguration, bool, error) {
	configs, err := s.readClusterConfigs(ctx, q, &id)
	if err != nil {
		return model.ClusterConfiguration{}, false, err
	}
	cfg, ok := configs[id]
	return cfg, ok, nil
}

func (s *Store) listClusterConfigs(ctx context.Context, q queryer) (map[model.ClusterID]model.ClusterConfiguration, error) {
	return s.readClusterConfigs(ctx, q, nil)
}

func (s *Store) readClusterConfigs(ctx context.Context, q queryer, filter *model.ClusterID) (map[model.ClusterID]model.ClusterConfiguration, error) {
	configs := make(map[model.ClusterID]model.ClusterConfiguration)

	query := `SELECT id, name, leader_id FROM cluster_configuration`
	var args []interface{}
	if filter != nil {
		query += ` WHERE id = $1`
		args = append(args, filter.String())
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPersistence("query cluster_configuration", err)
	}
	for rows.Next() {
		var idStr, name, leaderStr string
		if err := rows.Scan(&idStr, &name, &leaderStr); err != nil {
			rows.Close()
			return nil, wrapPersistence("scan cluster_configuration", err)
		}
		clusterID, err := model.ParseClusterID(idStr)
		if err != nil {
			s.warnDroppedRow("cluster_configuration", idStr, "malformed id")
			continue
		}
		leaderID, err := model.ParsePeerID(leaderStr)
		if err != nil {
			s.warnDroppedRow("cluster_configuration", idStr, "malformed leader id")
			continue
		}
		configs[clusterID] = model.ClusterConfiguration{
			ID:      clusterID,
			Name:    model.ResourceName(name),
			Leader:  leaderID,
			Devices: make(map[model.DeviceID]struct{}),
		}
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return configs, nil
	}

	deviceQuery := `SELECT cluster_id, device_id FROM cluster_device`
	var deviceArgs []interface{}
	if filter != nil {
		deviceQuery += ` WHERE cluster_id = $1`
		deviceArgs = append(deviceArgs, filter.String())
	}
	deviceRows, err := q.QueryContext(ctx, deviceQuery, deviceArgs...)
	if err != nil {
		return nil, wrapPersistence("query cluster_device", err)
	}
	for deviceRows.Next() {
		var clusterStr, deviceStr string
		if err := deviceRows.Scan(&clusterStr, &deviceStr); err != nil {
			deviceRows.Close()
			return nil, wrapPersistence("scan cluster_device", err)
		}
		clusterID, err := model.ParseClusterID(clusterStr)
		if err != nil {
			continue
		}
		deviceID, err := model.ParseDeviceID(deviceStr)
		if err != nil {
			s.warnDroppedRow("cluster_device", deviceStr, "malformed device id")
			continue
		}
		if cfg, ok := configs[clusterID]; ok {
			cfg.Devices[deviceID] = struct{}{}
		}
	}
	if err := closeRows(deviceRows); err != nil {
		return nil, err
	}
	return configs, nil
}

func (s *Store) clusterDeploymentOps() ops[model.ClusterID, model.ClusterDeployment] {
	return ops[model.ClusterID, model.ClusterDeployment]{
		get: func(ctx context.Context, q queryer, id model.ClusterID) (model.ClusterDeployment, bool, error) {
			var found string
			err := q.QueryRowContext(ctx, `SELECT cluster_id FROM cluster_deployment WHERE cluster_id = $1`, id.String()).Scan(&found)
			if err != nil {
				if isNoRows(err) {
					return model.ClusterDeployment{}, false, nil
				}
				return model.ClusterDeployment{}, false, wrapPersistence("query cluster_deployment", err)
			}
			return model.ClusterDeployment{ClusterID: id}, true, nil
		},
		list: func(ctx context.Context, q queryer) (map[model.ClusterID]model.ClusterDeployment, error) {
			rows, err := q.QueryContext(ctx, `SELECT cluster_id FROM cluster_deployment`)
			if err != nil {
				return nil, wrapPersistence("query cluster_deployment", err)
			}
			out := make(map[model.ClusterID]model.ClusterDeployment)
			for rows.Next() {
				var idStr string
				if err := rows.Scan(&idStr); err != nil {
					rows.Close()
					return nil, wrapPersistence("scan cluster_deployment", err)
				}
				clusterID, err := model.ParseClusterID(idStr)
				if err != nil {
					s.warnDroppedRow("cluster_deployment", idStr, "malformed id")
					continue
				}
				out[clusterID] = model.ClusterDeployment{ClusterID: clusterID}
			}
			if err := closeRows(rows); err != nil {
				return nil, err
			}
			return out, nil
		},
		insert: func(ctx context.Context, q queryer, id model.ClusterID, _ model.ClusterDeployment) error {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO cluster_deployment (cluster_id) VALUES ($1) ON CONFLICT (cluster_id) DO NOTHING`,
				id.String(),
			); err != nil {
				return wrapPersistence("insert cluster_deployment", err)
			}
			return nil
		},
		delete: func(ctx context.Context, q queryer, id model.ClusterID) error {
			if _, err := q.ExecContext(ctx, `DELETE FROM cluster_deployment WHERE cluster_id = $1`, id.String()); err != nil {
				return wrapPersistence("delete cluster_deployment", err)
			}
			return nil
		},
	}
}
