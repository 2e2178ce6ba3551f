package sync

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// Status is the coarse service-wide state exposed to the UI shell.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusOffline Status = "offline"
)

// ChannelState drives per-entity loading and error indicators. Owned and
// mutated exclusively by its channel.
type ChannelState struct {
	LastPullAt *time.Time `json:"lastPullAt"`
	Loading    bool       `json:"isLoading"`
	LastError  string     `json:"lastError,omitempty"`
}

// Snapshot is delivered to channel subscribers on every settled transition
// that actually changed the cached data.
type Snapshot struct {
	Entity  string         `json:"entity"`
	Records []store.Record `json:"records"`
	State   ChannelState   `json:"state"`
}

// GateStep reports one entity's first pull settling during the initial sync
// gate. Err is empty on success.
type GateStep struct {
	Entity string `json:"entity"`
	Err    string `json:"error,omitempty"`
}

// Gateway is the remote CRUD surface the sync layer consumes.
// Implemented by gateway.Client.
type Gateway interface {
	List(ctx context.Context, path string) ([]store.Record, error)
	Create(ctx context.Context, path string, payload json.RawMessage) (store.Record, error)
	Update(ctx context.Context, path, id string, payload json.RawMessage) (store.Record, error)
	Delete(ctx context.Context, path, id string) error
	GetSingleton(ctx context.Context, path string) (store.Record, error)
	PutSingleton(ctx context.Context, path string, payload json.RawMessage) (store.Record, error)
	Offline() bool
}
