package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/metrics"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// Service owns one Channel per registered entity and coordinates their
// lifecycle. It is constructed explicitly and passed where needed; there is
// no package-level instance.
type Service struct {
	cfg     config.SyncConfig
	store   store.Store
	gw      Gateway
	metrics *metrics.Metrics

	channels map[string]*Channel
	order    []string

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewService(cfg config.SyncConfig, st store.Store, gw Gateway, sched Scheduler, m *metrics.Metrics) *Service {
	s := &Service{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		metrics:  m,
		channels: make(map[string]*Channel, len(cfg.Entities)),
	}

	interval := cfg.GetPollInterval()
	for _, e := range cfg.Entities {
		s.channels[e.Name] = NewChannel(e, st, gw, sched, m, interval)
		s.order = append(s.order, e.Name)
	}

	return s
}

// Start begins polling on every channel.
func (s *Service) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sync is already running")
	}

	logger.Log.Info("Starting sync service", zap.Int("channels", len(s.channels)))

	s.ctx, s.cancel = context.WithCancel(parent)
	for _, name := range s.order {
		s.channels[name].Start(s.ctx)
	}
	s.running = true
	return nil
}

// Stop halts every channel and resets channel state. Idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	logger.Log.Info("Stopping sync service")

	for _, name := range s.order {
		s.channels[name].Stop()
		s.channels[name].ResetState()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status derives the coarse UI-shell state: offline beats syncing beats idle.
func (s *Service) Status() Status {
	if s.gw.Offline() {
		return StatusOffline
	}
	for _, name := range s.order {
		if s.channels[name].Loading() {
			return StatusSyncing
		}
	}
	return StatusIdle
}

// Channel returns the channel for an entity name.
func (s *Service) Channel(entity string) (*Channel, bool) {
	ch, ok := s.channels[entity]
	return ch, ok
}

// Entities lists the registered entity configs in registration order.
func (s *Service) Entities() []config.EntityConfig {
	out := make([]config.EntityConfig, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.channels[name].Entity())
	}
	return out
}

// ChannelStates reports every channel's state keyed by entity name.
func (s *Service) ChannelStates() map[string]ChannelState {
	out := make(map[string]ChannelState, len(s.order))
	for _, name := range s.order {
		out[name] = s.channels[name].State()
	}
	return out
}

// InitialSyncNeeded reports whether the one-time blocking full sync has not
// yet completed successfully on this device.
func (s *Service) InitialSyncNeeded(ctx context.Context) bool {
	_, ok, err := s.store.GetMarker(ctx, store.MarkerInitialSyncCompleted)
	if err != nil {
		logger.Log.Warn("Failed to read initial sync marker", zap.Error(err))
		return true
	}
	return !ok
}

// InitialSync drives a first full pull of every channel concurrently and
// blocks until all have settled, success or error. onStep fires exactly once
// per entity as its pull settles. The gate always releases; the completed
// marker is written only when every pull succeeded, so a fully offline first
// login retries the gate next time.
func (s *Service) InitialSync(ctx context.Context, onStep func(GateStep)) error {
	logger.Log.Info("Running initial full sync", zap.Int("channels", len(s.order)))

	var (
		wg     sync.WaitGroup
		stepMu sync.Mutex
		failed int
	)

	for _, name := range s.order {
		ch := s.channels[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ch.Refetch(ctx, true)

			stepMu.Lock()
			defer stepMu.Unlock()
			step := GateStep{Entity: ch.Entity().Name}
			if err != nil {
				step.Err = err.Error()
				failed++
			}
			if onStep != nil {
				onStep(step)
			}
		}()
	}
	wg.Wait()

	if failed > 0 {
		logger.Log.Warn("Initial sync settled with errors",
			zap.Int("failed", failed),
			zap.Int("total", len(s.order)),
		)
		return nil
	}

	if err := s.store.SetMarker(ctx, store.MarkerInitialSyncCompleted, "true"); err != nil {
		return fmt.Errorf("failed to record initial sync completion: %w", err)
	}

	logger.Log.Info("Initial full sync complete")
	return nil
}

// CreateRecord writes through to the server, then optimistically mirrors the
// stored representation into the local cache and schedules a catch-up pull.
// The returned error is the caller's to surface (toast on failure).
func (s *Service) CreateRecord(ctx context.Context, entity string, payload json.RawMessage) (store.Record, error) {
	ch, ok := s.channels[entity]
	if !ok {
		return store.Record{}, fmt.Errorf("unknown entity %q", entity)
	}

	rec, err := s.gw.Create(ctx, ch.Entity().APIPath(), payload)
	if err != nil {
		return store.Record{}, err
	}

	if err := ch.MirrorUpsert(ctx, rec); err != nil {
		logger.Log.Warn("Optimistic mirror failed after create",
			zap.String("entity", entity),
			zap.Error(err),
		)
	}
	s.scheduleRefetch(ch)
	return rec, nil
}

// UpdateRecord writes through to the server, then mirrors locally.
func (s *Service) UpdateRecord(ctx context.Context, entity, id string, payload json.RawMessage) (store.Record, error) {
	ch, ok := s.channels[entity]
	if !ok {
		return store.Record{}, fmt.Errorf("unknown entity %q", entity)
	}

	rec, err := s.gw.Update(ctx, ch.Entity().APIPath(), id, payload)
	if err != nil {
		return store.Record{}, err
	}

	if err := ch.MirrorUpsert(ctx, rec); err != nil {
		logger.Log.Warn("Optimistic mirror failed after update",
			zap.String("entity", entity),
			zap.Error(err),
		)
	}
	s.scheduleRefetch(ch)
	return rec, nil
}

// DeleteRecord deletes on the server, then mirrors the removal locally.
func (s *Service) DeleteRecord(ctx context.Context, entity, id string) error {
	ch, ok := s.channels[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}

	if err := s.gw.Delete(ctx, ch.Entity().APIPath(), id); err != nil {
		return err
	}

	if err := ch.MirrorRemove(ctx, id); err != nil {
		logger.Log.Warn("Optimistic mirror failed after delete",
			zap.String("entity", entity),
			zap.Error(err),
		)
	}
	s.scheduleRefetch(ch)
	return nil
}

// SaveSettings writes a singleton settings record through to the server and
// mirrors it locally.
func (s *Service) SaveSettings(ctx context.Context, entity string, payload json.RawMessage) (store.Record, error) {
	ch, ok := s.channels[entity]
	if !ok || !ch.Entity().Singleton {
		return store.Record{}, fmt.Errorf("unknown settings entity %q", entity)
	}

	rec, err := s.gw.PutSingleton(ctx, ch.Entity().APIPath(), payload)
	if err != nil {
		return store.Record{}, err
	}

	if err := ch.MirrorUpsert(ctx, rec); err != nil {
		logger.Log.Warn("Optimistic mirror failed after settings save",
			zap.String("entity", entity),
			zap.Error(err),
		)
	}
	return rec, nil
}

// Refetch triggers an out-of-band pull for one entity.
func (s *Service) Refetch(ctx context.Context, entity string, force bool) error {
	ch, ok := s.channels[entity]
	if !ok {
		return fmt.Errorf("unknown entity %q", entity)
	}
	return ch.Refetch(ctx, force)
}

// scheduleRefetch shrinks post-write staleness without blocking the writer.
func (s *Service) scheduleRefetch(ch *Channel) {
	s.mu.Lock()
	ctx := s.ctx
	running := s.running
	s.mu.Unlock()

	if !running || ctx == nil {
		return
	}
	go func() {
		_ = ch.Refetch(ctx, false)
	}()
}
