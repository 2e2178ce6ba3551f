package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
	"github.com/omarfornaroli/posapp-sub000/internal/gateway"
	"github.com/omarfornaroli/posapp-sub000/internal/store"
)

// fakeGateway is an in-memory Gateway for channel and service tests.
type fakeGateway struct {
	mu        sync.Mutex
	lists     map[string][]store.Record
	singles   map[string]store.Record
	errs      map[string]error
	listCalls map[string]int
	nextID    int
	offline   bool

	// When set, List blocks until the channel is closed.
	block chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		lists:     make(map[string][]store.Record),
		singles:   make(map[string]store.Record),
		errs:      make(map[string]error),
		listCalls: make(map[string]int),
	}
}

func (f *fakeGateway) setList(path string, records ...store.Record) {
	f.mu.Lock()
	f.lists[path] = records
	f.mu.Unlock()
}

func (f *fakeGateway) setErr(path string, err error) {
	f.mu.Lock()
	f.errs[path] = err
	f.mu.Unlock()
}

func (f *fakeGateway) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[path]
}

func (f *fakeGateway) List(ctx context.Context, path string) ([]store.Record, error) {
	f.mu.Lock()
	f.listCalls[path]++
	block := f.block
	err := f.errs[path]
	records := append([]store.Record(nil), f.lists[path]...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", gateway.ErrNetworkUnavailable, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (f *fakeGateway) Create(ctx context.Context, path string, payload json.RawMessage) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return store.Record{}, err
	}
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return store.Record{}, err
	}
	fields["id"] = id
	data, _ := json.Marshal(fields)

	rec := store.Record{ID: id, Data: data, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	f.lists[path] = append(f.lists[path], rec)
	return rec, nil
}

func (f *fakeGateway) Update(ctx context.Context, path, id string, payload json.RawMessage) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return store.Record{}, err
	}
	rec := store.Record{ID: id, Data: payload, UpdatedAt: time.Now().UTC()}
	for i, existing := range f.lists[path] {
		if existing.ID == id {
			f.lists[path][i] = rec
			return rec, nil
		}
	}
	return store.Record{}, &gateway.ServerError{Status: 404, Message: "not found"}
}

func (f *fakeGateway) Delete(ctx context.Context, path, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[path]; err != nil {
		return err
	}
	for i, existing := range f.lists[path] {
		if existing.ID == id {
			f.lists[path] = append(f.lists[path][:i], f.lists[path][i+1:]...)
			return nil
		}
	}
	return &gateway.ServerError{Status: 404, Message: "not found"}
}

func (f *fakeGateway) GetSingleton(ctx context.Context, path string) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[path]++
	if err := f.errs[path]; err != nil {
		return store.Record{}, err
	}
	if rec, ok := f.singles[path]; ok {
		return rec, nil
	}
	return store.Record{ID: store.SingletonID, Data: json.RawMessage(`{}`)}, nil
}

func (f *fakeGateway) PutSingleton(ctx context.Context, path string, payload json.RawMessage) (store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := store.Record{ID: store.SingletonID, Data: payload, UpdatedAt: time.Now().UTC()}
	f.singles[path] = rec
	return rec, nil
}

func (f *fakeGateway) Offline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline
}

func testEntities() []config.EntityConfig {
	return []config.EntityConfig{
		{Name: "products", NaturalKey: "barcode"},
		{Name: "currencies", NaturalKey: "code"},
		{Name: "pos_settings", Path: "pos-settings", Singleton: true},
	}
}

func setupChannel(t *testing.T, entity config.EntityConfig) (*Channel, *fakeGateway, *store.SQLiteStore, *ManualScheduler) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), testEntities())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := newFakeGateway()
	sched := NewManualScheduler()
	ch := NewChannel(entity, st, gw, sched, nil, 20*time.Second)
	return ch, gw, st, sched
}

func productRecord(id string) store.Record {
	return store.Record{
		ID:   id,
		Data: json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"product %s"}`, id, id)),
	}
}

func TestChannelPullReplacesCache(t *testing.T) {
	ch, gw, st, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	gw.setList("products", productRecord("p1"), productRecord("p2"))
	require.NoError(t, ch.Refetch(ctx, true))

	records, err := st.GetAll(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	state := ch.State()
	require.NotNil(t, state.LastPullAt)
	assert.False(t, state.Loading)
	assert.Empty(t, state.LastError)
}

func TestChannelIdempotentReplacement(t *testing.T) {
	ch, gw, _, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	var notifications int
	ch.Subscribe(func(Snapshot) { notifications++ })

	gw.setList("products", productRecord("p1"))
	require.NoError(t, ch.Refetch(ctx, true))
	first := ch.State().LastPullAt

	// Identical server snapshot: no second notification downstream.
	require.NoError(t, ch.Refetch(ctx, true))

	assert.Equal(t, 1, notifications)
	second := ch.State().LastPullAt
	require.NotNil(t, second)
	assert.False(t, second.Before(*first))
}

func TestChannelOfflineKeepsCache(t *testing.T) {
	ch, gw, st, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	gw.setList("products", productRecord("p1"))
	require.NoError(t, ch.Refetch(ctx, true))

	gw.setErr("products", fmt.Errorf("%w: connection refused", gateway.ErrNetworkUnavailable))
	err := ch.Refetch(ctx, true)
	require.Error(t, err)

	// Last-known-good cache still serves reads.
	records, storeErr := st.GetAll(ctx, "products")
	require.NoError(t, storeErr)
	assert.Len(t, records, 1)
	assert.NotEmpty(t, ch.State().LastError)

	// Recovery clears the error.
	gw.setErr("products", nil)
	require.NoError(t, ch.Refetch(ctx, true))
	assert.Empty(t, ch.State().LastError)
}

func TestChannelNoConcurrentPulls(t *testing.T) {
	ch, gw, _, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	release := make(chan struct{})
	gw.mu.Lock()
	gw.block = release
	gw.mu.Unlock()
	gw.setList("products", productRecord("p1"))

	done := make(chan error, 1)
	go func() {
		done <- ch.Refetch(ctx, true)
	}()

	require.Eventually(t, func() bool { return gw.calls("products") == 1 },
		time.Second, 5*time.Millisecond)

	// A coincident non-forced trigger coalesces instead of issuing a
	// second network call.
	require.NoError(t, ch.Refetch(ctx, false))
	assert.Equal(t, 1, gw.calls("products"))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, gw.calls("products"))
}

func TestChannelPollTickPicksUpServerWrites(t *testing.T) {
	ch, gw, st, sched := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	records := make([]store.Record, 0, 11)
	for i := 1; i <= 10; i++ {
		records = append(records, productRecord(fmt.Sprintf("p%d", i)))
	}
	gw.setList("products", records...)

	ch.Start(ctx)
	defer ch.Stop()

	// Immediate pull lands 10 products before the first interval elapses.
	require.Eventually(t, func() bool {
		n, err := st.Count(ctx, "products")
		return err == nil && n == 10
	}, time.Second, 5*time.Millisecond)

	// An 11th product added server-side between polls.
	gw.setList("products", append(records, productRecord("p11"))...)
	sched.Tick()

	require.Eventually(t, func() bool {
		n, err := st.Count(ctx, "products")
		return err == nil && n == 11
	}, time.Second, 5*time.Millisecond)

	all, err := st.GetAll(ctx, "products")
	require.NoError(t, err)
	seen := make(map[string]bool, len(all))
	for _, rec := range all {
		assert.False(t, seen[rec.ID], "duplicate record %s", rec.ID)
		seen[rec.ID] = true
	}
	assert.Len(t, all, 11)
}

func TestChannelStopDiscardsInflightResult(t *testing.T) {
	ch, gw, st, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	release := make(chan struct{})
	gw.mu.Lock()
	gw.block = release
	gw.mu.Unlock()
	gw.setList("products", productRecord("p1"))

	var notifications int
	ch.Subscribe(func(Snapshot) { notifications++ })

	ch.Start(ctx)
	require.Eventually(t, func() bool { return gw.calls("products") >= 1 },
		time.Second, 5*time.Millisecond)

	ch.Stop()
	close(release)

	// The in-flight pull settles but its result is discarded.
	time.Sleep(50 * time.Millisecond)
	n, err := st.Count(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, notifications)
}

func TestChannelStopIdempotent(t *testing.T) {
	ch, gw, _, _ := setupChannel(t, testEntities()[0])
	gw.setList("products")

	ch.Start(context.Background())
	ch.Stop()
	ch.Stop()
}

func TestChannelSingletonPull(t *testing.T) {
	ch, gw, st, _ := setupChannel(t, testEntities()[2])
	ctx := context.Background()

	gw.mu.Lock()
	gw.singles["pos-settings"] = store.Record{
		ID:   store.SingletonID,
		Data: json.RawMessage(`{"currency":"EUR","taxRate":21}`),
	}
	gw.mu.Unlock()

	require.NoError(t, ch.Refetch(ctx, true))

	rec, err := st.GetSingleton(ctx, "pos_settings")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"currency":"EUR","taxRate":21}`, string(rec.Data))
}

func TestChannelMirrorWrites(t *testing.T) {
	ch, gw, st, _ := setupChannel(t, testEntities()[0])
	ctx := context.Background()

	gw.setList("products", productRecord("p1"))
	require.NoError(t, ch.Refetch(ctx, true))

	var snapshots []Snapshot
	unsubscribe := ch.Subscribe(func(s Snapshot) { snapshots = append(snapshots, s) })

	require.NoError(t, ch.MirrorUpsert(ctx, productRecord("p2")))
	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0].Records, 2)

	require.NoError(t, ch.MirrorRemove(ctx, "p1"))
	require.Len(t, snapshots, 2)
	assert.Len(t, snapshots[1].Records, 1)

	unsubscribe()
	require.NoError(t, ch.MirrorUpsert(ctx, productRecord("p3")))
	assert.Len(t, snapshots, 2)

	// Mirror invalidated the suppression hash, so the next pull of the
	// original server snapshot notifies again instead of being skipped.
	var pullNotified bool
	ch.Subscribe(func(Snapshot) { pullNotified = true })
	require.NoError(t, ch.Refetch(ctx, true))
	assert.True(t, pullNotified)

	n, err := st.Count(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
