package failover

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fwportal/settingdb/config"
	"github.com/fwportal/settingdb/db"
	"github.com/fwportal/settingdb/pkg/poolregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertNoSecrets(t *testing.T, r Report) {
	t.Helper()
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	for _, secret := range []string{"pw-settingdb", "pw-fallback", "pw-next", "wrong"} {
		assert.NotContains(t, string(raw), secret)
	}
}

func TestStartupPrimaryReachable(t *testing.T) {
	h := newHarness(t, Options{})

	st := h.ctrl.Connect(context.Background())
	assert.Equal(t, StatusPrimaryActive, st.Status)

	r := h.ctrl.Status()
	assert.True(t, r.PrimaryOnline)
	assert.False(t, r.UsingFallback)
	assert.Equal(t, "settingdb", r.ActiveConfigName)
	assert.Empty(t, r.LastError)
	assertNoSecrets(t, r)

	require.NoError(t, h.ctrl.WithConn(context.Background(), func(c poolregistry.Conn) error {
		_, err := c.Exec(context.Background(), "SELECT 1")
		return err
	}))
}

func TestStartupFallsBack(t *testing.T) {
	h := newHarness(t, Options{})
	h.net.setDown("primary.internal", db.KindHostUnreachable)

	st := h.ctrl.Connect(context.Background())
	assert.Equal(t, StatusFallbackActive, st.Status)

	r := h.ctrl.Status()
	assert.False(t, r.PrimaryOnline)
	assert.True(t, r.UsingFallback)
	assert.Equal(t, "fallback", r.ActiveConfigName)
	assert.Equal(t, db.KindHostUnreachable, r.LastErrorKind)

	lease, err := h.ctrl.Borrow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", lease.ConfigName())
	lease.Release()
}

func TestStartupNothingReachable(t *testing.T) {
	h := newHarness(t, Options{})
	h.net.setDown("primary.internal", db.KindHostUnreachable)
	h.net.setDown("fallback.internal", db.KindTimeout)

	st := h.ctrl.Connect(context.Background())
	assert.Equal(t, StatusError, st.Status)

	_, err := h.ctrl.Borrow(context.Background())
	assert.ErrorIs(t, err, db.ErrPoolUnavailable)

	// Error is terminal for health checks.
	h.net.setUp("primary.internal")
	h.ctrl.Tick(context.Background())
	assert.Equal(t, StatusError, h.ctrl.Snapshot().Status)
	assertNoSecrets(t, h.ctrl.Status())

	// An activation of a working configuration leaves Error.
	r, err := h.ctrl.Activate(context.Background(), ActivateRequest{Name: "settingdb"})
	require.NoError(t, err)
	assert.Equal(t, StatusPrimaryActive, r.Status)
	lease, err := h.ctrl.Borrow(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestStartupUsesActiveMarker(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, dbConfig("next", "next.internal")))
	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "next", ActivatedBy: "ops"})
	require.NoError(t, err)

	again := New(h.store, h.net, h.registry, Options{})
	st := again.Connect(ctx)
	assert.Equal(t, StatusPrimaryActive, st.Status)
	assert.Equal(t, "next", st.ActiveConfigName)
	assert.Equal(t, "next", st.PrimaryConfigName)
	assert.Equal(t, "ops", st.ActivatedBy)
}

func TestFailoverAndRecovery(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)
	primaryHandle, ok := h.registry.Get("settingdb")
	require.True(t, ok)

	h.net.setDown("primary.internal", db.KindTimeout)
	h.ctrl.Tick(ctx)

	r := h.ctrl.Status()
	assert.Equal(t, StatusFallbackActive, r.Status)
	assert.True(t, r.UsingFallback)
	assert.False(t, r.PrimaryOnline)
	assert.Equal(t, "fallback", r.ActiveConfigName)
	assert.Equal(t, db.KindTimeout, r.LastErrorKind)
	assertNoSecrets(t, r)

	// Primary stays open for re-probing but takes no new borrows.
	assert.Equal(t, 1, h.net.openBackends("primary.internal"))
	assert.False(t, primaryHandle.Healthy())
	lease, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fallback", lease.ConfigName())
	lease.Release()
	fallbackHandle, ok := h.registry.Get("fallback")
	require.True(t, ok)

	// Still down: no transition.
	h.ctrl.Tick(ctx)
	assert.Equal(t, StatusFallbackActive, h.ctrl.Snapshot().Status)

	h.net.setUp("primary.internal")
	h.ctrl.Tick(ctx)

	r = h.ctrl.Status()
	assert.Equal(t, StatusPrimaryActive, r.Status)
	assert.False(t, r.UsingFallback)
	assert.True(t, r.PrimaryOnline)
	assert.Equal(t, "settingdb", r.ActiveConfigName)
	assert.Empty(t, r.LastError)

	// The warm primary pool was reused and the fallback drained.
	current, ok := h.registry.Get("settingdb")
	require.True(t, ok)
	assert.Same(t, primaryHandle, current)
	select {
	case <-fallbackHandle.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("fallback pool was not drained after recovery")
	}
}

func TestFailureThreshold(t *testing.T) {
	h := newHarness(t, Options{FailureThreshold: 2})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	h.net.setDown("primary.internal", db.KindTimeout)
	h.ctrl.Tick(ctx)
	st := h.ctrl.Snapshot()
	assert.Equal(t, StatusPrimaryActive, st.Status)
	assert.Equal(t, db.KindTimeout, st.LastErrorKind)

	h.ctrl.Tick(ctx)
	assert.Equal(t, StatusFallbackActive, h.ctrl.Snapshot().Status)
}

func TestFallbackHealthTracked(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	h.net.setDown("primary.internal", db.KindTimeout)
	h.ctrl.Tick(ctx)
	require.Equal(t, StatusFallbackActive, h.ctrl.Snapshot().Status)

	h.net.setDown("fallback.internal", db.KindHostUnreachable)
	h.ctrl.Tick(ctx)
	_, err := h.ctrl.Borrow(ctx)
	assert.ErrorIs(t, err, db.ErrPoolUnavailable)

	h.net.setUp("fallback.internal")
	h.ctrl.Tick(ctx)
	lease, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)
	lease.Release()
}

func TestRunConvergesWithinInterval(t *testing.T) {
	h := newHarness(t, Options{HealthCheckInterval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.ctrl.Start(ctx)
	defer h.ctrl.Stop()

	h.net.setDown("primary.internal", db.KindTimeout)
	require.Eventually(t, func() bool { return h.ctrl.Status().UsingFallback }, time.Second, 5*time.Millisecond)

	h.net.setUp("primary.internal")
	require.Eventually(t, func() bool {
		r := h.ctrl.Status()
		return !r.UsingFallback && r.ActiveConfigName == "settingdb"
	}, time.Second, 5*time.Millisecond)
}

func TestActivationProbeFailureChangesNothing(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	before, err := h.store.Get(ctx, "fallback")
	require.NoError(t, err)

	bad := dbConfig("fallback", "fallback.internal")
	bad.Password = "wrong"
	r, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback", Config: &bad})
	require.Error(t, err)
	assert.Equal(t, db.KindAuthFailed, db.KindOf(err))
	var aerr *db.ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "probe", aerr.Step)

	assert.Equal(t, "settingdb", r.ActiveConfigName)
	assert.Equal(t, StatusPrimaryActive, r.Status)
	assert.Equal(t, db.KindAuthFailed, r.LastErrorKind)
	assertNoSecrets(t, r)

	after, err := h.store.Get(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = h.store.GetActiveMarker(ctx)
	assert.ErrorIs(t, err, db.ErrConfigNotFound)
}

func TestActivationUnknownName(t *testing.T) {
	h := newHarness(t, Options{})
	h.ctrl.Connect(context.Background())

	_, err := h.ctrl.Activate(context.Background(), ActivateRequest{Name: "nope"})
	assert.ErrorIs(t, err, db.ErrConfigNotFound)
	assert.Equal(t, db.KindNotFound, db.KindOf(err))
	assert.Equal(t, StatusPrimaryActive, h.ctrl.Snapshot().Status)
}

func TestActivationInvalidInlineConfig(t *testing.T) {
	h := newHarness(t, Options{})
	h.ctrl.Connect(context.Background())

	bad := dbConfig("next", "")
	_, err := h.ctrl.Activate(context.Background(), ActivateRequest{Name: "next", Config: &bad})
	assert.Equal(t, db.KindValidation, db.KindOf(err))
	assert.Equal(t, int64(0), h.net.probes.Load())
}

func TestActivationSwapsAndDrainsWithoutDroppingInFlight(t *testing.T) {
	h := newHarness(t, Options{DrainGrace: 5 * time.Second})
	ctx := context.Background()
	h.ctrl.Connect(ctx)
	oldHandle, ok := h.registry.Get("settingdb")
	require.True(t, ok)

	// A query is running against the old pool during the swap.
	inFlight, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)

	next := dbConfig("next", "next.internal")
	r, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "next", Config: &next, ActivatedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, StatusPrimaryActive, r.Status)
	assert.Equal(t, "next", r.ActiveConfigName)
	assert.Equal(t, "next", r.PrimaryConfigName)
	assert.Equal(t, "ops", r.ActivatedBy)
	assert.NotEmpty(t, r.ActivationID)
	assertNoSecrets(t, r)

	stored, err := h.store.Get(ctx, "next")
	require.NoError(t, err)
	assert.Equal(t, "next.internal", stored.Host)
	marker, err := h.store.GetActiveMarker(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", marker.Name)
	assert.Equal(t, r.ActivationID, marker.ActivationID)

	// New borrows go to the new pool.
	lease, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", lease.ConfigName())
	lease.Release()

	// The old pool waits for the running query.
	require.Eventually(t, oldHandle.Draining, time.Second, 5*time.Millisecond)
	_, err = inFlight.Conn().Exec(ctx, "SELECT 1")
	assert.NoError(t, err)
	select {
	case <-oldHandle.Closed():
		t.Fatal("old pool closed while a query was in flight")
	default:
	}

	inFlight.Release()
	select {
	case <-oldHandle.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("old pool was not closed after its last lease was released")
	}
}

func TestActivationOpenFailureRestoresStore(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	// The probe passes but opening the pool fails.
	failing := &openFailNetwork{network: h.net}
	h.ctrl.registry = poolregistry.New(failing, poolregistry.Options{})
	t.Cleanup(func() { h.ctrl.registry.CloseAll(time.Second) })

	next := dbConfig("next", "next.internal")
	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "next", Config: &next})
	require.Error(t, err)
	var aerr *db.ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "open", aerr.Step)

	_, err = h.store.Get(ctx, "next")
	assert.ErrorIs(t, err, db.ErrConfigNotFound)
	assert.Equal(t, "settingdb", h.ctrl.Snapshot().ActiveConfigName)
}

type openFailNetwork struct {
	*network
}

func (n *openFailNetwork) Open(context.Context, db.DatabaseConfig) (poolregistry.Backend, error) {
	return nil, &db.ProbeError{Kind: db.KindHostUnreachable, Message: "open failed"}
}

func TestConcurrentActivationRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	gate := make(chan struct{})
	h.net.mu.Lock()
	h.net.gate = gate
	h.net.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback"})
	}()

	require.Eventually(t, func() bool { return h.ctrl.Snapshot().Status == StatusActivating }, time.Second, time.Millisecond)

	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback"})
	assert.ErrorIs(t, err, db.ErrActivationAborted)
	assert.Equal(t, db.KindActivationAborted, db.KindOf(err))

	// Health ticks are suppressed while the activation runs.
	probes := h.net.probes.Load()
	h.ctrl.Tick(ctx)
	assert.Equal(t, probes, h.net.probes.Load())

	close(gate)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, "fallback", h.ctrl.Snapshot().ActiveConfigName)
}

func TestActivationDeadline(t *testing.T) {
	h := newHarness(t, Options{ActivationTimeout: 30 * time.Millisecond, ProbeTimeout: time.Second})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	h.net.mu.Lock()
	h.net.gate = make(chan struct{})
	h.net.mu.Unlock()

	start := time.Now()
	r, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback"})
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, db.ErrActivationAborted)
	assert.Equal(t, "settingdb", r.ActiveConfigName)
	assert.Equal(t, StatusPrimaryActive, r.Status)
}

func TestBorrowRetriesAfterSwap(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	stale := h.ctrl.state.Load()
	next := dbConfig("next", "next.internal")
	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "next", Config: &next})
	require.NoError(t, err)
	require.Eventually(t, stale.active.Draining, time.Second, 5*time.Millisecond)

	// Simulate a reader that loaded the state just before the swap.
	_, err = h.ctrl.borrowFrom(ctx, stale)
	require.ErrorIs(t, err, poolregistry.ErrDraining)

	lease, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, "next", lease.ConfigName())
}

func rotatedPrimary() db.DatabaseConfig {
	cfg := dbConfig("settingdb", "primary.internal")
	cfg.Password = "pw-rotated"
	return cfg
}

// assertPrimaryStillServes checks that a failed activation of the primary
// left the original pool installed and serving.
func assertPrimaryStillServes(t *testing.T, h *harness, reg *poolregistry.Registry, oldHandle *poolregistry.Handle) {
	t.Helper()
	ctx := context.Background()

	st := h.ctrl.Snapshot()
	assert.Equal(t, StatusPrimaryActive, st.Status)
	assert.Equal(t, "settingdb", st.ActiveConfigName)
	assert.Same(t, oldHandle, st.active)

	current, ok := reg.Get("settingdb")
	require.True(t, ok)
	assert.Same(t, oldHandle, current)
	assert.False(t, oldHandle.Draining())

	lease, err := h.ctrl.Borrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "settingdb", lease.ConfigName())
	lease.Release()

	stored, err := h.store.Get(ctx, "settingdb")
	require.NoError(t, err)
	assert.Equal(t, "pw-settingdb", stored.Password)

	// Only the original pool remains open; the candidate was closed.
	require.Eventually(t, func() bool { return h.net.openBackends("primary.internal") == 1 },
		time.Second, 5*time.Millisecond)
}

func TestActivationMarkFailureKeepsActivePool(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)
	oldHandle, ok := h.registry.Get("settingdb")
	require.True(t, ok)

	h.ctrl.store = &markFailStore{SettingsStore: h.store}

	rotated := rotatedPrimary()
	r, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "settingdb", Config: &rotated})
	require.Error(t, err)
	var aerr *db.ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "mark_active", aerr.Step)
	assert.Equal(t, db.KindPersistence, db.KindOf(err))
	assert.NotContains(t, r.LastError, "pw-rotated")

	assertPrimaryStillServes(t, h, h.registry, oldHandle)
}

func TestActivationDeadlineAfterOpenKeepsActivePool(t *testing.T) {
	h := newHarness(t, Options{ActivationTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	slow := &slowOpenNetwork{network: h.net}
	reg := poolregistry.New(slow, poolregistry.Options{AcquireTimeout: time.Second, DrainGrace: time.Second})
	t.Cleanup(func() { reg.CloseAll(time.Second) })
	h.ctrl.registry = reg

	h.ctrl.Connect(ctx)
	oldHandle, ok := reg.Get("settingdb")
	require.True(t, ok)

	// The pool opens, but only after the activation deadline has passed.
	slow.delay.Store(int64(400 * time.Millisecond))
	rotated := rotatedPrimary()
	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "settingdb", Config: &rotated})
	require.ErrorIs(t, err, db.ErrActivationAborted)
	var aerr *db.ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "open", aerr.Step)

	assertPrimaryStillServes(t, h, reg, oldHandle)
}

func TestSameNameActivationKeepsBorrowsWorking(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.ctrl.Connect(ctx)
	oldHandle, ok := h.registry.Get("settingdb")
	require.True(t, ok)

	var (
		wg     sync.WaitGroup
		borrow atomic.Int64
		failed atomic.Int64
	)
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				lease, err := h.ctrl.Borrow(ctx)
				borrow.Add(1)
				if err != nil {
					failed.Add(1)
					continue
				}
				lease.Release()
			}
		}()
	}

	require.Eventually(t, func() bool { return borrow.Load() > 50 }, time.Second, time.Millisecond)
	rotated := rotatedPrimary()
	r, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "settingdb", Config: &rotated})
	require.NoError(t, err)
	swapped := borrow.Load()
	require.Eventually(t, func() bool { return borrow.Load() > swapped+50 }, time.Second, time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Equal(t, StatusPrimaryActive, r.Status)
	assert.Equal(t, "settingdb", r.ActiveConfigName)

	current, ok := h.registry.Get("settingdb")
	require.True(t, ok)
	assert.NotSame(t, oldHandle, current)
	assert.Same(t, current, h.ctrl.Snapshot().active)
	select {
	case <-oldHandle.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced pool was not closed")
	}

	stored, err := h.store.Get(ctx, "settingdb")
	require.NoError(t, err)
	assert.Equal(t, "pw-rotated", stored.Password)
}

func TestRestartRequests(t *testing.T) {
	h := newHarness(t, Options{RestartAfterActivate: true})
	ctx := context.Background()
	h.ctrl.Connect(ctx)

	events, unsubscribe := h.ctrl.Subscribe()
	defer unsubscribe()

	gen := h.ctrl.RequestRestart("manual")
	assert.Equal(t, uint64(1), gen)
	ev := <-events
	assert.Equal(t, uint64(1), ev.Generation)
	assert.Equal(t, "manual", ev.Reason)

	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback"})
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, uint64(2), ev.Generation)
	assert.True(t, strings.Contains(ev.Reason, "fallback"))
	assert.Equal(t, uint64(2), h.ctrl.Status().RestartGeneration)

	// Unread events collapse to the newest.
	h.ctrl.RequestRestart("a")
	h.ctrl.RequestRestart("b")
	ev = <-events
	assert.Equal(t, "b", ev.Reason)

	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)
}

func TestStatusRedactsUnderEveryState(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	assertNoSecrets(t, h.ctrl.Status())

	h.net.setDown("primary.internal", db.KindAuthFailed)
	h.net.setDown("fallback.internal", db.KindAuthFailed)
	h.ctrl.Connect(ctx)
	require.Equal(t, StatusError, h.ctrl.Snapshot().Status)
	r := h.ctrl.Status()
	assertNoSecrets(t, r)

	h.net.setUp("fallback.internal")
	_, err := h.ctrl.Activate(ctx, ActivateRequest{Name: "fallback"})
	require.NoError(t, err)
	assertNoSecrets(t, h.ctrl.Status())

	bad := dbConfig("next", "next.internal")
	bad.Password = "wrong"
	_, err = h.ctrl.Activate(ctx, ActivateRequest{Name: "next", Config: &bad})
	require.Error(t, err)
	assertNoSecrets(t, h.ctrl.Status())
}

func TestOptionsFromConfig(t *testing.T) {
	opts, reg, err := OptionsFromConfig(config.FailoverConfig{
		HealthCheckInterval: "10s",
		DrainGrace:          "2s",
		FailureThreshold:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, opts.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, opts.ProbeTimeout)
	assert.Equal(t, 3, opts.FailureThreshold)
	assert.Equal(t, 2*time.Second, reg.DrainGrace)
	assert.Equal(t, uint32(5), reg.BreakerFailures)

	_, _, err = OptionsFromConfig(config.FailoverConfig{ProbeTimeout: "soon"})
	assert.ErrorContains(t, err, "failover.probe_timeout")
}
