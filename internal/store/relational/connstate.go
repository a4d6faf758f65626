package relational

import (
	"context"
	"database/sql"
	"errors"
	"net"

	"opendut/internal/model"
)

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (s *Store) connStateOps() ops[model.PeerID, model.PeerConnectionState] {
	return ops[model.PeerID, model.PeerConnectionState]{
		get: func(ctx context.Context, q queryer, id model.PeerID) (model.PeerConnectionState, bool, error) {
			var online bool
			var remoteHost sql.NullString
			err := q.QueryRowContext(ctx,
				`SELECT online, remote_host FROM peer_connection_state WHERE peer_id = $1`, id.String(),
			).Scan(&online, &remoteHost)
			if err != nil {
				if isNoRows(err) {
					return model.PeerConnectionState{}, false, nil
				}
				return model.PeerConnectionState{}, false, wrapPersistence("query peer_connection_state", err)
			}
			return connState(online, remoteHost), true, nil
		},
		list: func(ctx context.Context, q queryer) (map[model.PeerID]model.PeerConnectionState, error) {
			rows, err := q.QueryContext(ctx, `SELECT peer_id, online, remote_host FROM peer_connection_state`)
			if err != nil {
				return nil, wrapPersistence("query peer_connection_state", err)
			}
			out := make(map[model.PeerID]model.PeerConnectionState)
			for rows.Next() {
				var idStr string
				var online bool
				var remoteHost sql.NullString
				if err := rows.Scan(&idStr, &online, &remoteHost); err != nil {
					rows.Close()
					return nil, wrapPersistence("scan peer_connection_state", err)
				}
				peerID, err := model.ParsePeerID(idStr)
				if err != nil {
					s.warnDroppedRow("peer_connection_state", idStr, "malformed id")
					continue
				}
				out[peerID] = connState(online, remoteHost)
			}
			if err := closeRows(rows); err != nil {
				return nil, err
			}
			return out, nil
		},
		insert: func(ctx context.Context, q queryer, id model.PeerID, state model.PeerConnectionState) error {
			var remoteHost sql.NullString
			if state.Online && state.RemoteHost != nil {
				remoteHost = sql.NullString{String: state.RemoteHost.String(), Valid: true}
			}
			if _, err := q.ExecContext(ctx,
				`INSERT INTO peer_connection_state (peer_id, online, remote_host) VALUES ($1, $2, $3)
				 ON CONFLICT (peer_id) DO UPDATE SET online = EXCLUDED.online, remote_host = EXCLUDED.remote_host`,
				id.String(), state.Online, remoteHost,
			); err != nil {
				return wrapPersistence("upsert peer_connection_state", err)
			}
			return nil
		},
		delete: func(ctx context.Context, q queryer, id model.PeerID) error {
			if _, err := q.ExecContext(ctx, `DELETE FROM peer_connection_state WHERE peer_id = $1`, id.String()); err != nil {
				return wrapPersistence("delete peer_connection_state", err)
			}
			return nil
		},
	}
}

func connState(online bool, remoteHost sql.NullString) model.PeerConnectionState {
	if !online {
		return model.Offline()
	}
	return model.Online(net.ParseIP(remoteHost.String))
}
