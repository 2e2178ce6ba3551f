package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// State is the session lifecycle phase.
type State string

const (
	StateLoggedOut State = "logged_out"
	StateActive    State = "active"
	StateWarning   State = "warning"
	StateExpired   State = "expired"
)

// SyncStopper is what the manager needs from the sync service: sync stops
// when the session ends.
type SyncStopper interface {
	Stop()
}

// IdentitySetter clears or sets the identity header on the remote gateway.
type IdentitySetter interface {
	SetIdentity(email string)
}

// Info is a read-only view of the current session.
type Info struct {
	LoggedIn        bool      `json:"loggedIn"`
	State           State     `json:"state"`
	ID              string    `json:"id,omitempty"`
	Email           string    `json:"email,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
	WarningVisible  bool      `json:"warningVisible"`
	Remembered      bool      `json:"remembered"`
	DurationMinutes int       `json:"durationMinutes"`
}

// Manager tracks the absolute session expiry, warns before it, and can
// extend or terminate the session. It polls its own expiry on a short fixed
// interval instead of arming a single timeout, so it stays correct across
// system sleep and resume.
type Manager struct {
	store    store.Store
	cfg      config.SessionConfig
	sync     SyncStopper
	identity IdentitySetter

	mu         sync.Mutex
	state      State
	id         string
	email      string
	expiresAt  time.Time
	remembered bool
	warned     bool
	duration   time.Duration
	cancel     context.CancelFunc

	onWarning func(remaining time.Duration)
	onExpired func()
}

func NewManager(st store.Store, cfg config.SessionConfig, syncSvc SyncStopper, identity IdentitySetter) *Manager {
	return &Manager{
		store:    st,
		cfg:      cfg,
		sync:     syncSvc,
		identity: identity,
		state:    StateLoggedOut,
		duration: cfg.Duration(),
	}
}

// SetCallbacks registers UI hooks. Must be called before Start.
func (m *Manager) SetCallbacks(onWarning func(remaining time.Duration), onExpired func()) {
	m.mu.Lock()
	m.onWarning = onWarning
	m.onExpired = onExpired
	m.mu.Unlock()
}

// SetDuration overrides the session duration, typically after a settings
// pull delivered the configured value.
func (m *Manager) SetDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

// Start launches the expiry watcher. Stop by cancelling via Close.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.CheckInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Close stops the watcher without ending the session.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

// Restore rebuilds in-memory session state from persisted markers after a
// restart. Returns the restored email, or empty when no session exists.
func (m *Manager) Restore(ctx context.Context) (string, error) {
	if _, ok, err := m.store.GetMarker(ctx, store.MarkerLoggedIn); err != nil || !ok {
		return "", err
	}

	email, _, err := m.store.GetMarker(ctx, store.MarkerSessionEmail)
	if err != nil {
		return "", err
	}
	id, _, _ := m.store.GetMarker(ctx, store.MarkerSessionID)
	rememberedRaw, _, _ := m.store.GetMarker(ctx, store.MarkerSessionRemembered)
	remembered, _ := strconv.ParseBool(rememberedRaw)

	m.mu.Lock()
	m.state = StateActive
	m.id = id
	m.email = email
	m.remembered = remembered
	m.mu.Unlock()

	if m.identity != nil {
		m.identity.SetIdentity(email)
	}

	// Validates (and fail-closes on) the persisted expiry immediately.
	m.CheckNow(ctx)
	return email, nil
}

// Login starts a new session. Remembered sessions get the long-lived window.
func (m *Manager) Login(ctx context.Context, email string, remembered bool) (Info, error) {
	if email == "" {
		return Info{}, fmt.Errorf("email is required")
	}

	m.mu.Lock()
	window := m.duration
	if remembered {
		window = m.cfg.RememberDuration()
	}
	now := time.Now().UTC()
	m.state = StateActive
	m.id = uuid.New().String()
	m.email = email
	m.expiresAt = now.Add(window)
	m.remembered = remembered
	m.warned = false
	id := m.id
	expiresAt := m.expiresAt
	m.mu.Unlock()

	markers := map[string]string{
		store.MarkerLoggedIn:          "true",
		store.MarkerSessionID:         id,
		store.MarkerSessionEmail:      email,
		store.MarkerSessionExpiresAt:  expiresAt.Format(time.RFC3339),
		store.MarkerSessionRemembered: strconv.FormatBool(remembered),
	}
	for key, value := range markers {
		if err := m.store.SetMarker(ctx, key, value); err != nil {
			return Info{}, fmt.Errorf("failed to persist session: %w", err)
		}
	}

	if m.identity != nil {
		m.identity.SetIdentity(email)
	}

	logger.Log.Info("Session started",
		zap.String("email", email),
		zap.Bool("remembered", remembered),
		zap.Time("expiresAt", expiresAt),
	)

	return m.info(), nil
}

// Extend computes a fresh expiry from now: the normal session window, or the
// long-lived one for remembered sessions. Clears any visible warning.
func (m *Manager) Extend(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	if m.state != StateActive && m.state != StateWarning {
		m.mu.Unlock()
		return time.Time{}, fmt.Errorf("no active session to extend")
	}
	window := m.duration
	if m.remembered {
		window = m.cfg.RememberDuration()
	}
	m.expiresAt = time.Now().UTC().Add(window)
	m.state = StateActive
	m.warned = false
	expiresAt := m.expiresAt
	m.mu.Unlock()

	if err := m.store.SetMarker(ctx, store.MarkerSessionExpiresAt, expiresAt.Format(time.RFC3339)); err != nil {
		return time.Time{}, fmt.Errorf("failed to persist extended expiry: %w", err)
	}

	logger.Log.Info("Session extended", zap.Time("expiresAt", expiresAt))
	return expiresAt, nil
}

// Logout terminates the session: sync stops, markers are cleared, the
// gateway identity is dropped.
func (m *Manager) Logout(ctx context.Context) error {
	if m.sync != nil {
		m.sync.Stop()
	}
	if m.identity != nil {
		m.identity.SetIdentity("")
	}

	m.mu.Lock()
	m.state = StateLoggedOut
	m.id = ""
	m.email = ""
	m.expiresAt = time.Time{}
	m.remembered = false
	m.warned = false
	m.mu.Unlock()

	if err := m.store.ClearMarkers(ctx); err != nil {
		return fmt.Errorf("failed to clear session markers: %w", err)
	}

	logger.Log.Info("Session ended")
	return nil
}

// CheckNow evaluates expiry once. A missing or unparsable expiry timestamp
// for a logged-in session counts as expired, never as valid forever.
func (m *Manager) CheckNow(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != StateActive && state != StateWarning {
		return
	}

	raw, ok, err := m.store.GetMarker(ctx, store.MarkerSessionExpiresAt)
	if err != nil {
		// Storage trouble is degraded mode, not an expiry verdict.
		logger.Log.Warn("Failed to read session expiry", zap.Error(err))
		return
	}

	if !ok {
		m.expire(ctx, "missing expiry timestamp")
		return
	}

	expiresAt, parseErr := time.Parse(time.RFC3339, raw)
	if parseErr != nil {
		m.expire(ctx, "unparsable expiry timestamp")
		return
	}

	now := time.Now().UTC()
	if !now.Before(expiresAt) {
		m.expire(ctx, "session expired")
		return
	}

	remaining := expiresAt.Sub(now)
	if remaining <= m.cfg.WarningThreshold() {
		m.mu.Lock()
		m.expiresAt = expiresAt
		m.state = StateWarning
		fire := !m.warned
		m.warned = true
		onWarning := m.onWarning
		m.mu.Unlock()

		if fire && onWarning != nil {
			onWarning(remaining)
		}
		return
	}

	m.mu.Lock()
	m.expiresAt = expiresAt
	m.state = StateActive
	m.warned = false
	m.mu.Unlock()
}

func (m *Manager) expire(ctx context.Context, reason string) {
	logger.Log.Info("Session expiring", zap.String("reason", reason))

	m.mu.Lock()
	m.state = StateExpired
	onExpired := m.onExpired
	m.mu.Unlock()

	if err := m.Logout(ctx); err != nil {
		logger.Log.Warn("Logout during expiry failed", zap.Error(err))
	}

	m.mu.Lock()
	m.state = StateExpired
	m.mu.Unlock()

	if onExpired != nil {
		onExpired()
	}
}

// Info returns the current session view.
func (m *Manager) Info() Info {
	return m.info()
}

func (m *Manager) info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		LoggedIn:        m.state == StateActive || m.state == StateWarning,
		State:           m.state,
		ID:              m.id,
		Email:           m.email,
		ExpiresAt:       m.expiresAt,
		WarningVisible:  m.state == StateWarning,
		Remembered:      m.remembered,
		DurationMinutes: int(m.duration / time.Minute),
	}
}
