package gateway

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dumpsys/internal/binder"
	"github.com/mattjoyce/dumpsys/internal/dumpsys"
	"github.com/mattjoyce/dumpsys/internal/events"
	"github.com/mattjoyce/dumpsys/internal/history"
	"github.com/mattjoyce/dumpsys/internal/hub"
	"github.com/mattjoyce/dumpsys/internal/log"
	"github.com/mattjoyce/dumpsys/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func echo(text string, code binder.StatusCode) binder.Proxy {
	return binder.ProxyFunc(func(sink *os.File, args []string) error {
		_, _ = io.WriteString(sink, text)
		for _, a := range args {
			_, _ = io.WriteString(sink, " "+a)
		}
		if code.IsOK() {
			return nil
		}
		return code
	})
}

type fixture struct {
	gw     *Gateway
	hub    *hub.Hub
	store  *history.Store
	events *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := hub.New(hub.WithGracePeriod(0))
	require.NoError(t, h.Register("activity", echo("tasks:", binder.StatusOK)))
	require.NoError(t, h.Register("broken", echo("half", binder.StatusPermissionDenied)))

	f := &fixture{
		hub:    h,
		store:  history.NewStore(db),
		events: events.NewHub(16),
	}
	f.gw = New(dumpsys.New(h), WithHistory(f.store), WithEvents(f.events))
	t.Cleanup(func() { _ = f.gw.Close(context.Background()) })
	return f
}

func TestInsertPublishesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	replaced, err := f.gw.Insert(ctx, "activity")
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = f.gw.Insert(ctx, "activity")
	require.NoError(t, err)
	assert.True(t, replaced)

	_, err = f.gw.Insert(ctx, "missing")
	assert.ErrorIs(t, err, dumpsys.ErrServiceNotExist)

	evs := f.events.Since(0)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeServiceInserted, evs[0].Type)
	var p events.ServicePayload
	require.NoError(t, json.Unmarshal(evs[1].Data, &p))
	assert.Equal(t, events.ServicePayload{Service: "activity", Replaced: true}, p)

	assert.Equal(t, []string{"activity"}, f.gw.Services())
	assert.Equal(t, 1, f.gw.Len())
	assert.Zero(t, f.gw.Pending())
}

func TestDumpRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.Insert(ctx, "activity")
	require.NoError(t, err)

	res, err := f.gw.Dump(ctx, "activity", []string{"recents"})
	require.NoError(t, err)
	assert.Equal(t, "tasks: recents", res.Output)
	assert.Equal(t, len("tasks: recents"), res.Bytes)
	assert.Equal(t, history.Digest([]byte("tasks: recents")), res.Digest)
	assert.Equal(t, binder.StatusOK, res.Status)
	require.NotEmpty(t, res.ID)

	entry, err := f.gw.HistoryEntry(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, history.OutcomeSucceeded, entry.Outcome)
	assert.Equal(t, []string{"recents"}, entry.Args)
	assert.Equal(t, res.Digest, entry.Digest)

	evs := f.events.Since(0)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeDumpCompleted, evs[len(evs)-1].Type)
}

func TestDumpStatusFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.Insert(ctx, "broken")
	require.NoError(t, err)

	res, err := f.gw.Dump(ctx, "broken", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, binder.StatusPermissionDenied)
	require.NotNil(t, res)
	assert.Equal(t, "half", res.Output)
	assert.Equal(t, binder.StatusPermissionDenied, res.Status)

	entries, err := f.gw.History(ctx, "broken", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeFailed, entries[0].Outcome)
	require.NotNil(t, entries[0].LastError)
	assert.Contains(t, *entries[0].LastError, "PERMISSION_DENIED")

	evs := f.events.Since(0)
	assert.Equal(t, events.TypeDumpFailed, evs[len(evs)-1].Type)
}

func TestDumpCacheMissLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gw.Dump(ctx, "activity", nil)
	assert.ErrorIs(t, err, dumpsys.ErrNoEntryFound)
	assert.Nil(t, res)

	entries, err := f.gw.History(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, f.events.Since(0))
}

func TestDumpCanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gw.Dump(ctx, "activity", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.Insert(ctx, "activity")
	require.NoError(t, err)

	require.NoError(t, f.gw.Remove("activity"))
	assert.ErrorIs(t, f.gw.Remove("activity"), dumpsys.ErrNoEntryFound)
	assert.Empty(t, f.gw.Services())

	evs := f.events.Since(0)
	assert.Equal(t, events.TypeServiceRemoved, evs[len(evs)-1].Type)
}

func TestHistoryDisabled(t *testing.T) {
	gw := New(dumpsys.New(hub.New(hub.WithGracePeriod(0))))
	defer func() { _ = gw.Close(context.Background()) }()

	_, err := gw.History(context.Background(), "", 0)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = gw.HistoryEntry(context.Background(), "x")
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}

func TestCloseWaitsForWorker(t *testing.T) {
	gw := New(dumpsys.New(hub.New()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gw.Close(ctx))
}

func TestDumpLocalFailureKeepsStatusOK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.gw.Insert(ctx, "activity")
	require.NoError(t, err)

	f.gw.ds.Close()
	res, err := f.gw.Dump(ctx, "activity", nil)
	assert.ErrorIs(t, err, dumpsys.ErrWorkerGone)
	assert.Nil(t, res)

	entries, err := f.gw.History(ctx, "activity", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeErrored, entries[0].Outcome)
	assert.Equal(t, binder.StatusOK, entries[0].StatusCode)
	require.NotNil(t, entries[0].LastError)
	assert.Contains(t, *entries[0].LastError, "broken pipe")

	evs := f.events.Since(0)
	last := evs[len(evs)-1]
	assert.Equal(t, events.TypeDumpFailed, last.Type)
	var payload events.DumpPayload
	require.NoError(t, json.Unmarshal(last.Data, &payload))
	assert.Equal(t, "OK", payload.Status)
	assert.Contains(t, payload.Error, "broken pipe")
}

func TestCloseHonoursDeadlineWithHungDump(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	hung := binder.ProxyFunc(func(sink *os.File, _ []string) error {
		<-gate
		return nil
	})
	h := hub.New(hub.WithGracePeriod(0))
	require.NoError(t, h.Register("hung", hung))

	gw := New(dumpsys.New(h, dumpsys.WithQueueSize(1)))
	_, err := gw.Insert(context.Background(), "hung")
	require.NoError(t, err)

	for range 3 {
		go func() { _, _ = gw.Dump(context.Background(), "hung", nil) }()
	}
	require.Eventually(t, func() bool { return gw.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- gw.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Close ignored its deadline")
	}
}
