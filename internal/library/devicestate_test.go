package library

import (
	"context"
	"testing"
)

func TestDeviceStateDefaultsAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	w := openTest(t)

	state, err := w.DeviceState(ctx)
	if err != nil {
		t.Fatalf("DeviceState: %v", err)
	}

	if state.NodeID != "" || len(state.LocalSeen) != 0 {
		t.Fatalf("expected empty defaults, got %+v", state)
	}

	err = w.SetNodeID(ctx, "node-1")
	if err != nil {
		t.Fatalf("SetNodeID: %v", err)
	}

	err = w.SetLocalSeen(ctx, map[string]uint64{"device-a": 3, "device-b": 0}, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("SetLocalSeen: %v", err)
	}

	state, err = w.DeviceState(ctx)
	if err != nil {
		t.Fatalf("DeviceState: %v", err)
	}

	if state.NodeID != "node-1" {
		t.Fatalf("got node id %q, want node-1", state.NodeID)
	}

	if state.LocalSeen["device-a"] != 3 {
		t.Fatalf("got local_seen %v", state.LocalSeen)
	}

	if state.LastSyncTime != "2026-01-01T00:00:00Z" {
		t.Fatalf("got last sync time %q", state.LastSyncTime)
	}
}
