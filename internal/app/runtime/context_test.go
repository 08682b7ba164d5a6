package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldcare/errs"
	"github.com/coachpo/fieldcare/internal/app/syncer"
	"github.com/coachpo/fieldcare/internal/infra/config"
	"github.com/coachpo/fieldcare/internal/observability"
)

type upstream struct {
	*httptest.Server
	mu     sync.Mutex
	bodies []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/care-logs" {
			body, _ := io.ReadAll(r.Body)
			u.mu.Lock()
			u.bodies = append(u.bodies, string(body))
			u.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) delivered() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.bodies...)
}

func testConfig(t *testing.T, base string) config.AppConfig {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Upstream.BaseURL = base
	cfg.Connectivity.ProbeURL = base
	cfg.Store.Dir = t.TempDir()
	cfg.Status.ClearAfter = time.Hour
	cfg.Background.RetryMaxInterval = 50 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func build(t *testing.T, cfg config.AppConfig, online bool) *Context {
	t.Helper()
	rt, err := Build(context.Background(), cfg, Options{Online: &online, Logger: observability.NopLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() {
		cancel()
		rt.Wait()
		require.NoError(t, rt.Close(context.Background()))
	})
	return rt
}

func TestOfflineSubmissionSyncsOnReconnect(t *testing.T) {
	up := newUpstream(t)
	rt := build(t, testConfig(t, up.URL), false)
	ctx := context.Background()
	require.NoError(t, rt.Degraded())

	payload := json.RawMessage(`{"animalId":7,"slot":"morning","notes":"ate well"}`)
	outcome, err := rt.Orchestrator.Save(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeQueued, outcome)

	pending, err := rt.Queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.False(t, pending[0].Synced)
	require.Equal(t, string(payload), string(pending[0].Payload))
	require.Empty(t, up.delivered())

	regs, err := rt.Platform.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, "carelog-sync", regs[0].Tag)

	rt.Monitor.Set(ctx, true)

	require.Eventually(t, func() bool {
		n, err := rt.Queue.Count(ctx)
		return err == nil && n == 0 && rt.Status.Snapshot().Message == "1 succeeded"
	}, 3*time.Second, 10*time.Millisecond)

	bodies := up.delivered()
	require.NotEmpty(t, bodies)
	require.Equal(t, string(payload), bodies[0])
	require.Equal(t, "online", rt.Status.Snapshot().Connection)

	require.Eventually(t, func() bool {
		regs, err := rt.Platform.Pending(ctx)
		return err == nil && len(regs) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestOnlineSubmissionDeliversDirectly(t *testing.T) {
	up := newUpstream(t)
	rt := build(t, testConfig(t, up.URL), true)

	outcome, err := rt.Orchestrator.Save(context.Background(), json.RawMessage(`{"animalId":3}`))
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeDelivered, outcome)
	require.Equal(t, []string{`{"animalId":3}`}, up.delivered())

	n, err := rt.Queue.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUnavailableStoreDegradesToOnlineOnly(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.Store.Dir = filepath.Join(blocker, "data")

	rt := build(t, cfg, false)
	require.True(t, errs.IsCode(rt.Degraded(), errs.CodeStoreUnavailable), "got %v", rt.Degraded())
	require.Nil(t, rt.Queue)
	require.Nil(t, rt.Platform)
	require.False(t, rt.Orchestrator.OfflineEnabled())
	require.NotNil(t, rt.Router)

	_, err := rt.Orchestrator.Save(context.Background(), json.RawMessage(`{"animalId":1}`))
	require.True(t, errs.IsCode(err, errs.CodeStoreUnavailable))
	require.Equal(t, http.StatusServiceUnavailable, errs.HTTPStatus(err))

	rt.Monitor.Set(context.Background(), true)
	outcome, err := rt.Orchestrator.Save(context.Background(), json.RawMessage(`{"animalId":1}`))
	require.NoError(t, err)
	require.Equal(t, syncer.OutcomeDelivered, outcome)
}

func TestUnreachablePostgresDegrades(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL)
	cfg.Store.Driver = config.DriverPostgres
	cfg.Store.DSN = "postgres://fieldcare@127.0.0.1:1/fieldcare?sslmode=disable&connect_timeout=1"

	rt := build(t, cfg, true)
	require.True(t, errs.IsCode(rt.Degraded(), errs.CodeStoreUnavailable), "got %v", rt.Degraded())
	require.NotNil(t, rt.Cache)
}

func TestProberSeedsInitialState(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL)
	rt, err := Build(context.Background(), cfg, Options{Logger: observability.NopLogger()})
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(context.Background())) }()

	require.NotNil(t, rt.Prober)
	require.True(t, rt.Monitor.IsOnline())
}

func TestBrokenClassifierScriptFailsBuild(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL)
	cfg.Cache.ClassifierScript = filepath.Join(t.TempDir(), "missing.js")

	online := true
	_, err := Build(context.Background(), cfg, Options{Online: &online, Logger: observability.NopLogger()})
	require.Error(t, err)
}
