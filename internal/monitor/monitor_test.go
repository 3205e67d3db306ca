package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventd/internal/dispatch"
	"eventd/internal/storage"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

type fakeDispatch struct{ snap dispatch.Snapshot }

func (f fakeDispatch) Snapshot() dispatch.Snapshot { return f.snap }

type fakeJournal struct {
	recs []storage.Record
	last storage.Query
}

func (f *fakeJournal) Recent(_ context.Context, q storage.Query) ([]storage.Record, error) {
	f.last = q
	return f.recs, nil
}

type fixedActive int

func (f fixedActive) ActiveCount() int { return int(f) }

func newTestService(t *testing.T, cfg Config, active int) (*Service, *telemetry.Station, *fakeJournal) {
	t.Helper()
	st := telemetry.New(telemetry.WithStopGrace(time.Hour))
	st.BindActive(fixedActive(active))
	j := &fakeJournal{recs: []storage.Record{{Kind: storage.KindTimeout, Text: "timed out: x"}}}
	src := Sources{
		Station:    st,
		Dispatcher: fakeDispatch{snap: dispatch.Snapshot{PoolSize: 4, Completed: 7, Pending: 2}},
		Journal:    j,
		Extra:      func() map[string]any { return map[string]any{"bus": map[string]int{"dropped": 0}} },
	}
	return New(cfg, src, logx.Nop()), st, j
}

func do(t *testing.T, h http.Handler, method, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTelemetry(t *testing.T) {
	s, st, _ := newTestService(t, Config{}, 0)
	st.RecordDuration("feed", 12)
	st.RecordTimeout("feed after 12s")

	rec := do(t, s.Handler(), http.MethodGet, "/telemetry?log=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Station    telemetry.Snapshot `json:"station"`
		Dispatcher dispatch.Snapshot  `json:"dispatcher"`
		Bus        map[string]int     `json:"bus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(12), body.Station.LastDuration)
	assert.Equal(t, int64(1), body.Station.Timeouts)
	require.Len(t, body.Station.Failures, 1)
	assert.Equal(t, "timed out: feed after 12s", body.Station.Failures[0].Text)
	assert.Equal(t, 4, body.Dispatcher.PoolSize)
	assert.Contains(t, body.Bus, "dropped")

	rec = do(t, s.Handler(), http.MethodGet, "/telemetry?log=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	s, st, _ := newTestService(t, Config{}, 1)
	st.IncrementSourceCount("rss", 5)
	st.IncrementAlerts()

	rec := do(t, s.Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, want := range []string{
		"eventd_active_threads 1",
		`eventd_source_items_total{source="rss"} 5`,
		"eventd_alerts_total 1",
		"eventd_connection_online 1",
		`eventd_work_total{outcome="completed"} 7`,
		"eventd_pending_items 2",
		"go_goroutines",
	} {
		assert.Contains(t, body, want)
	}
}

func TestJournal(t *testing.T) {
	s, _, j := newTestService(t, Config{}, 0)
	rec := do(t, s.Handler(), http.MethodGet, "/journal?kind=timeout&limit=3&since=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.KindTimeout, j.last.Kind)
	assert.Equal(t, 3, j.last.Limit)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), j.last.Since, time.Minute)

	var recs []storage.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	assert.Len(t, recs, 1)

	rec = do(t, s.Handler(), http.MethodGet, "/journal?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlMaxRuntime(t *testing.T) {
	s, st, _ := newTestService(t, Config{}, 0)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/control/max-runtime?seconds=90")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(90), st.MaxThreadRuntime())

	rec = do(t, h, http.MethodPost, "/control/max-runtime?seconds=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/control/max-runtime")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/control/max-runtime?seconds=5")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestControlStop(t *testing.T) {
	s, st, _ := newTestService(t, Config{}, 2)
	rec := do(t, s.Handler(), http.MethodPost, "/control/stop")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deferred"`)
	assert.True(t, st.StopRequested())

	s, _, _ = newTestService(t, Config{}, 0)
	rec = do(t, s.Handler(), http.MethodPost, "/control/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"immediate"`)
}

func TestAuth(t *testing.T) {
	s, _, _ := newTestService(t, Config{Token: "s3cret"}, 0)
	h := s.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/telemetry").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/telemetry?token=nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/telemetry?token=s3cre").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/telemetry?token=s3cret2").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/telemetry", "Authorization", "Bearer s3cre").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/telemetry?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/telemetry", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz").Code, "health is open")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/").Code, "pprof off by default")
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9470": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9470":          false,
		"0.0.0.0:9470":   false,
		"10.0.0.5:9470":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestServeLifecycle(t *testing.T) {
	s, _, _ := newTestService(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, 0)
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", strings.TrimSpace(string(b)))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	assert.Equal(t, "", s.Addr())
}

func TestRefusesInsecureBind(t *testing.T) {
	s, _, _ := newTestService(t, Config{Enabled: true, Addr: "0.0.0.0:0"}, 0)
	err := s.serveOnce(context.Background())
	assert.ErrorIs(t, err, errInsecureBind)
}
