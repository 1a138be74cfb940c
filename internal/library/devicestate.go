package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const deviceStateDDL = `CREATE TABLE IF NOT EXISTS device_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	node_id TEXT NOT NULL DEFAULT '',
	local_seen TEXT NOT NULL DEFAULT '{}',
	last_sync_time TEXT NOT NULL DEFAULT ''
)`

// DeviceState is this device's own sync bookkeeping: its stable node
// identifier, how far it has pulled each peer, and when it last finished a
// cycle. It is local to this device and never replicated -- no other
// device's DeviceState is ever visible here.
type DeviceState struct {
	NodeID       string
	LocalSeen    map[string]uint64
	LastSyncTime string
}

func ensureDeviceState(db *sql.DB) error {
	_, err := db.Exec(deviceStateDDL)
	if err != nil {
		return fmt.Errorf("create device_state: %w", err)
	}

	_, err = db.Exec(`INSERT OR IGNORE INTO device_state (id, node_id, local_seen, last_sync_time) VALUES (1, '', '{}', '')`)
	if err != nil {
		return fmt.Errorf("seed device_state: %w", err)
	}

	return nil
}

// DeviceState reads this device's local sync bookkeeping.
func (w *Writer) DeviceState(ctx context.Context) (DeviceState, error) {
	var (
		nodeID, seenJSON, lastSync string
	)

	row := w.db.QueryRowContext(ctx, `SELECT node_id, local_seen, last_sync_time FROM device_state WHERE id = 1`)

	err := row.Scan(&nodeID, &seenJSON, &lastSync)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeviceState{LocalSeen: map[string]uint64{}}, nil
		}

		return DeviceState{}, fmt.Errorf("library: device state: %w", err)
	}

	seen := map[string]uint64{}
	if seenJSON != "" {
		err = json.Unmarshal([]byte(seenJSON), &seen)
		if err != nil {
			return DeviceState{}, fmt.Errorf("library: device state: decode local_seen: %w", err)
		}
	}

	return DeviceState{NodeID: nodeID, LocalSeen: seen, LastSyncTime: lastSync}, nil
}

// SetNodeID persists the device's stable node identifier. Call once, the
// first time a node id is generated.
func (w *Writer) SetNodeID(ctx context.Context, nodeID string) error {
	_, err := w.db.ExecContext(ctx, `UPDATE device_state SET node_id = ? WHERE id = 1`, nodeID)
	if err != nil {
		return fmt.Errorf("library: set node id: %w", err)
	}

	return nil
}

// SetLocalSeen persists the per-peer pull watermark and the time this sync
// cycle finished, atomically.
func (w *Writer) SetLocalSeen(ctx context.Context, seen map[string]uint64, lastSyncTime string) error {
	encoded, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("library: set local seen: encode: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `UPDATE device_state SET local_seen = ?, last_sync_time = ? WHERE id = 1`, encoded, lastSyncTime)
	if err != nil {
		return fmt.Errorf("library: set local seen: %w", err)
	}

	return nil
}
