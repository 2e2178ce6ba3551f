package store

import (
	"time"

	"github.com/goccy/go-json"
)

// Record is one cached document. Data holds the full-fidelity server payload;
// the timestamps are display-only and never used for conflict resolution.
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// SingletonID keys settings-style tables that hold exactly one row.
const SingletonID = "singleton"

// Persisted client-side markers. All markers are cleared on explicit logout.
const (
	MarkerLoggedIn             = "logged_in"
	MarkerSessionID            = "session_id"
	MarkerSessionEmail         = "session_email"
	MarkerSessionExpiresAt     = "session_expires_at"
	MarkerSessionRemembered    = "session_remembered"
	MarkerInitialSyncCompleted = "initial_sync_completed"
	MarkerSidebarOpen          = "sidebar_open"

	// MarkerGridConfigPrefix + page name holds a per-page grid layout blob.
	MarkerGridConfigPrefix = "grid_config:"
)
