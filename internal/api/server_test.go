package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dumpsys/internal/auth"
	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/events"
	"github.com/mattjoyce/dumpsys/internal/gateway"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/hub"
	"github.com/mattjoyce/dumpsys/internal/log"
	"github.com/mattjoyce/dumpsys/internal/metrics"
	"github.com/mattjoyce/dumpsys/internal/storage"
)

const adminKey = "admin-secret"

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

type testEnv struct {
	handler http.Handler
	events  *events.Hub
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()

	h := hub.New(hub.WithGracePeriod(0))
	require.NoError(t, h.Register("activity", binder.ProxyFunc(func(sink *os.File, args []string) error {
		_, err := io.WriteString(sink, "Visible recent tasks: "+strings.Join(args, ","))
		return err
	})))
	require.NoError(t, h.Register("denied", binder.ProxyFunc(func(sink *os.File, _ []string) error {
		_, _ = io.WriteString(sink, "partial")
		return binder.StatusPermissionDenied
	})))

	m := metrics.New(nil)
	hubEvents := events.NewHub(32)
	opts := []gateway.Option{gateway.WithEvents(hubEvents)}
	if withHistory {
		db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		opts = append(opts, gateway.WithHistory(history.NewStore(db)))
	}
	gw := gateway.New(dumpsys.New(h, dumpsys.WithObserver(m)), opts...)
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.Token{
			{Token: "reader", Scopes: []string{auth.ScopeServicesRead}},
			{Token: "dumper", Scopes: []string{auth.ScopeDump}},
		},
	}, gw, slog.New(slog.NewTextHandler(io.Discard, nil)), WithEvents(hubEvents), WithMetrics(m.Handler()))

	return &testEnv{handler: srv.Handler(), events: hubEvents}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthzNoAuth(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Zero(t, resp.ServicesCached)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, false)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/services", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/services", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/services", "reader", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, "PUT", "/services/activity", "reader", "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", "/events", "dumper", "").Code)
}

func TestServiceLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, "PUT", "/services/activity", adminKey, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, InsertResponse{Service: "activity"}, decode[InsertResponse](t, rr))

	rr = env.do(t, "PUT", "/services/activity", adminKey, "")
	assert.True(t, decode[InsertResponse](t, rr).Replaced)

	rr = env.do(t, "PUT", "/services/nope", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "GET", "/services", "reader", "")
	assert.Equal(t, []string{"activity"}, decode[ServiceListResponse](t, rr).Services)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/services/activity", adminKey, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/services/activity", adminKey, "").Code)

	rr = env.do(t, "GET", "/services", "reader", "")
	assert.Equal(t, []string{}, decode[ServiceListResponse](t, rr).Services)
}

func TestDumpEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	require.Equal(t, http.StatusOK, env.do(t, "PUT", "/services/activity", adminKey, "").Code)

	rr := env.do(t, "POST", "/services/activity/dump", "dumper", `{"args":["recents","-a"]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "Visible recent tasks: recents,-a", rr.Body.String())
	assert.Equal(t, history.Digest(rr.Body.Bytes()), rr.Header().Get("X-Dump-Digest"))
	id := rr.Header().Get("X-Dump-Id")
	require.NotEmpty(t, id)

	rr = env.do(t, "POST", "/services/activity/dump", "dumper", "")
	assert.Equal(t, "Visible recent tasks: ", rr.Body.String())

	rr = env.do(t, "GET", "/history/"+id, adminKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	entry := decode[HistoryEntry](t, rr)
	assert.Equal(t, []string{"recents", "-a"}, entry.Args)
	assert.Equal(t, "succeeded", entry.Outcome)

	rr = env.do(t, "GET", "/history?service=activity&limit=1", adminKey, "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[HistoryListResponse](t, rr)
	require.Len(t, list.Entries, 1)
	assert.NotEqual(t, id, list.Entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/history?limit=x", adminKey, "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/history/missing", adminKey, "").Code)
}

func TestDumpErrors(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, "POST", "/services/activity/dump", adminKey, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, "POST", "/services/activity/dump", adminKey, "{bad")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	require.Equal(t, http.StatusOK, env.do(t, "PUT", "/services/denied", adminKey, "").Code)
	rr = env.do(t, "POST", "/services/denied/dump", adminKey, "")
	require.Equal(t, http.StatusBadGateway, rr.Code)
	resp := decode[DumpFailedResponse](t, rr)
	assert.Equal(t, "PERMISSION_DENIED", resp.Status)
	assert.Equal(t, int32(binder.StatusPermissionDenied), resp.Code)
	assert.Equal(t, "partial", resp.Partial)
	assert.Empty(t, resp.DumpID)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/history", adminKey, "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	require.Equal(t, http.StatusOK, env.do(t, "PUT", "/services/activity", adminKey, "").Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/services/activity/dump", adminKey, "").Code)

	rr := env.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `dumpsys_dumps_total{service="activity",status="OK"} 1`)
}

func TestEventsReplay(t *testing.T) {
	env := newTestEnv(t, false)
	require.Equal(t, http.StatusOK, env.do(t, "PUT", "/services/activity", adminKey, "").Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/services/activity/dump", adminKey, "").Code)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	req.Header.Set("Last-Event-ID", "1")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	body := rr.Body.String()
	assert.NotContains(t, body, "event: "+events.TypeServiceInserted)
	assert.Contains(t, body, "id: 2\nevent: "+events.TypeDumpCompleted+"\n")
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}
