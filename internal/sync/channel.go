package sync

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/gateway"
	"github.com/omarfornaroli/posapp-sub000/internal/logger"
	"github.com/omarfornaroli/posapp-sub000/internal/metrics"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// Channel keeps one entity's local cache current against the server.
// Pulls are full-replacement: the server list wins wholesale, no client-side
// merging. Pulls never overlap for the same channel.
type Channel struct {
	entity   config.EntityConfig
	store    store.Store
	gw       Gateway
	sched    Scheduler
	metrics  *metrics.Metrics
	interval time.Duration

	// pullMu serializes pulls; inflight lets coincident triggers coalesce
	// instead of queueing a duplicate network call.
	pullMu   sync.Mutex
	inflight atomic.Bool

	mu          sync.Mutex
	state       ChannelState
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	cancelTimer func()
	lastHash    [sha256.Size]byte
	hashValid   bool

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID int
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

func NewChannel(entity config.EntityConfig, st store.Store, gw Gateway, sched Scheduler, m *metrics.Metrics, defaultInterval time.Duration) *Channel {
	return &Channel{
		entity:   entity,
		store:    st,
		gw:       gw,
		sched:    sched,
		metrics:  m,
		interval: entity.GetPollInterval(defaultInterval),
	}
}

func (c *Channel) Entity() config.EntityConfig {
	return c.entity
}

// Start begins polling. An immediate pull fires before the first interval
// elapses. Calling Start on a started channel is a no-op.
func (c *Channel) Start(parent context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(parent)
	ctx := c.ctx
	c.cancelTimer = c.sched.Every(c.interval, func() {
		_ = c.pull(ctx, false)
	})
	c.mu.Unlock()

	go func() {
		_ = c.pull(ctx, false)
	}()
}

// Stop cancels the poll timer and invalidates the running context so an
// in-flight pull's result is discarded. Idempotent.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// ResetState returns the channel state to its initial value. Called on
// logout after the channel has been stopped.
func (c *Channel) ResetState() {
	c.mu.Lock()
	c.state = ChannelState{}
	c.hashValid = false
	c.mu.Unlock()
}

// Refetch triggers an out-of-band pull. Without force, a pull already in
// flight absorbs the request and Refetch returns nil; with force, the call
// waits its turn and performs a pull of its own (used after writes).
func (c *Channel) Refetch(ctx context.Context, force bool) error {
	return c.pull(ctx, force)
}

// State returns a copy of the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Loading
}

// Subscribe registers fn to receive every settled snapshot that changed the
// cache, in order. The returned func unsubscribes; it is idempotent.
func (c *Channel) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers the snapshot to all subscribers under the registry lock so
// transitions arrive in order, exactly once per subscriber.
func (c *Channel) notify(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range c.subs {
		s.fn(snap)
	}
}

func (c *Channel) pull(ctx context.Context, force bool) error {
	if !force && !c.inflight.CompareAndSwap(false, true) {
		// Coincident trigger while a pull is in flight: coalesce.
		return nil
	}
	c.pullMu.Lock()
	c.inflight.Store(true)
	defer func() {
		c.inflight.Store(false)
		c.pullMu.Unlock()
	}()

	return c.doPull(ctx)
}

func (c *Channel) doPull(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.setLoading(true)
	start := time.Now()
	name := c.entity.Name

	var (
		records []store.Record
		err     error
	)
	if c.entity.Singleton {
		var rec store.Record
		rec, err = c.gw.GetSingleton(ctx, c.entity.APIPath())
		if err == nil {
			records = []store.Record{rec}
		}
	} else {
		records, err = c.gw.List(ctx, c.entity.APIPath())
	}

	if err != nil {
		c.recordPullError(name, err, time.Since(start))
		return err
	}

	// Channel stopped while the request was in flight: discard the result.
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.setLoading(false)
		return ctxErr
	}

	sum := snapshotHash(records)
	now := time.Now().UTC()

	c.mu.Lock()
	unchanged := c.hashValid && c.lastHash == sum
	c.mu.Unlock()

	if unchanged {
		// Same server snapshot as last time: record the pull, skip the
		// write and the downstream notification.
		c.mu.Lock()
		c.state.Loading = false
		c.state.LastPullAt = &now
		c.state.LastError = ""
		c.mu.Unlock()
		c.metrics.ObservePull(name, "unchanged", time.Since(start))
		return nil
	}

	if c.entity.Singleton && len(records) == 1 {
		err = c.store.UpsertOne(ctx, name, records[0])
	} else {
		err = c.store.ReplaceAll(ctx, name, records)
	}
	if err != nil {
		logger.Log.Warn("Cache write failed, keeping previous snapshot",
			zap.String("entity", name),
			zap.Error(err),
		)
		c.setError(err)
		c.metrics.ObservePull(name, "storage_error", time.Since(start))
		return err
	}

	c.mu.Lock()
	c.lastHash = sum
	c.hashValid = true
	c.state.Loading = false
	c.state.LastPullAt = &now
	c.state.LastError = ""
	st := c.state
	c.mu.Unlock()

	c.metrics.ObservePull(name, "ok", time.Since(start))
	c.metrics.SetCachedRecords(name, len(records))

	logger.Log.Debug("Pulled entity",
		zap.String("entity", name),
		zap.Int("records", len(records)),
		zap.Duration("took", time.Since(start)),
	)

	c.notify(Snapshot{Entity: name, Records: records, State: st})
	return nil
}

// recordPullError keeps the cached table untouched and stashes the error in
// channel state. Network unavailability is routine offline behavior and logs
// quietly; server-side errors are louder but still never fatal here.
func (c *Channel) recordPullError(name string, err error, took time.Duration) {
	c.setError(err)

	if gateway.IsNetworkUnavailable(err) {
		c.metrics.ObservePull(name, "network_error", took)
		logger.Log.Debug("Pull skipped, network unavailable",
			zap.String("entity", name),
		)
		return
	}

	var srvErr *gateway.ServerError
	if errors.As(err, &srvErr) {
		c.metrics.ObservePull(name, "server_error", took)
	} else {
		c.metrics.ObservePull(name, "error", took)
	}
	logger.Log.Warn("Pull failed, serving cached data",
		zap.String("entity", name),
		zap.Error(err),
	)
}

// MirrorUpsert applies an optimistic local write after a successful
// user-initiated create/update. The next pull corrects any divergence.
func (c *Channel) MirrorUpsert(ctx context.Context, rec store.Record) error {
	if err := c.store.UpsertOne(ctx, c.entity.Name, rec); err != nil {
		return err
	}
	c.invalidate()
	c.publishCurrent(ctx)
	return nil
}

// MirrorRemove applies an optimistic local delete.
func (c *Channel) MirrorRemove(ctx context.Context, id string) error {
	if err := c.store.Remove(ctx, c.entity.Name, id); err != nil {
		return err
	}
	c.invalidate()
	c.publishCurrent(ctx)
	return nil
}

// invalidate forgets the last pulled snapshot hash so the next pull is not
// suppressed against pre-mirror contents.
func (c *Channel) invalidate() {
	c.mu.Lock()
	c.hashValid = false
	c.mu.Unlock()
}

func (c *Channel) publishCurrent(ctx context.Context) {
	records, err := c.store.GetAll(ctx, c.entity.Name)
	if err != nil {
		logger.Log.Warn("Failed to read cache for notification",
			zap.String("entity", c.entity.Name),
			zap.Error(err),
		)
		return
	}
	c.notify(Snapshot{Entity: c.entity.Name, Records: records, State: c.State()})
}

func (c *Channel) setLoading(loading bool) {
	c.mu.Lock()
	c.state.Loading = loading
	c.mu.Unlock()
}

func (c *Channel) setError(err error) {
	c.mu.Lock()
	c.state.Loading = false
	c.state.LastError = err.Error()
	c.mu.Unlock()
}

// snapshotHash fingerprints a serialized server snapshot so identical pulls
// can be suppressed before touching subscribers.
func snapshotHash(records []store.Record) [sha256.Size]byte {
	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r.ID))
		h.Write([]byte{0})
		h.Write(r.Data)
		h.Write([]byte{0})
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
