package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		UserFilter:  "user-1",
		MaxBatch:    5,
		LogMaxChars: 100,
		HTTPClient:  srv.Client(),
	})
	return c, srv
}

func TestFetchClaimableFilters(t *testing.T) {
	var gotQuery url.Values
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		assert.Equal(t, "test-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"id":"c1","user_id":"user-1","command_text":"whoami","status":"pending","created_at":"2026-08-23T10:00:00Z"}]`))
	})

	rows, err := c.FetchClaimable(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].ID)
	assert.Equal(t, StatusPending, rows[0].Status)

	assert.Equal(t, "eq.pending", gotQuery.Get("status"))
	assert.Equal(t, "eq.user-1", gotQuery.Get("user_id"))
	assert.Equal(t, "created_at.asc", gotQuery.Get("order"))
	assert.Equal(t, "5", gotQuery.Get("limit"))
}

func TestClaimSucceedsOnPendingRow(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.pending", r.URL.Query().Get("status"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		w.Write([]byte(`[{"id":"c1","status":"processing"}]`))
	})

	claimed, err := c.Claim(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimLosesRace(t *testing.T) {
	// Zero matched rows means another agent already moved the command past
	// pending; not an error, just not ours.
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})

	claimed, err := c.Claim(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestFinalizeRejectsNonTerminal(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Finalize with non-terminal status must not hit the backend")
	})

	err := c.Finalize(context.Background(), "c1", StatusProcessing, "log", "")
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "in.(pending,processing)", r.URL.Query().Get("status"))
		if atomic.LoadInt32(&calls) == 1 {
			w.Write([]byte(`[{"id":"c1","status":"completed"}]`))
			return
		}
		// Second finalize matches nothing: row already terminal.
		w.Write([]byte(`[]`))
	})

	require.NoError(t, c.Finalize(context.Background(), "c1", StatusCompleted, "done", ""))
	require.NoError(t, c.Finalize(context.Background(), "c1", StatusError, "late", ""))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFinalizeTruncatesLogTail(t *testing.T) {
	var payload map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Write([]byte(`[{"id":"c1"}]`))
	})

	long := strings.Repeat("x", 90) + strings.Repeat("TAIL", 10)
	require.NoError(t, c.Finalize(context.Background(), "c1", StatusCompleted, long, ""))

	got, ok := payload["response_log"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(got, truncatedMark), "truncated log must carry the marker prefix")
	assert.True(t, strings.HasSuffix(got, "TAIL"), "truncation must keep the tail, not the head")
	assert.Len(t, got, len(truncatedMark)+100)
}

func TestUploadScreenshotReturnsPublicURL(t *testing.T) {
	var gotPath, gotContentType string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	})

	publicURL, err := c.UploadScreenshot(context.Background(), "user-1", []byte("png-bytes"), "capture")
	require.NoError(t, err)

	assert.Equal(t, "image/png", gotContentType)
	assert.True(t, strings.HasPrefix(gotPath, "/storage/v1/object/screenshots/user-1/capture_"))
	assert.True(t, strings.HasPrefix(publicURL, srv.URL+"/storage/v1/object/public/screenshots/user-1/capture_"))
	assert.True(t, strings.HasSuffix(publicURL, ".png"))
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	})

	_, err := c.FetchClaimable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	})

	_, err := c.FetchClaimable(context.Background())
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must fail fast")
}

func TestUpdateProgressBestEffort(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.processing", r.URL.Query().Get("status"))
		http.Error(w, "down", http.StatusInternalServerError)
	})

	// A failing progress write surfaces the error but makes exactly one
	// attempt; callers ignore it.
	err := c.UpdateProgress(context.Background(), "c1", "partial output")
	assert.Error(t, err)
}

func TestDecodeInsertFiltering(t *testing.T) {
	n := NewNotifier("https://example.supabase.co", "key", "user-1")

	frame := func(topic, event, record string) []byte {
		return []byte(`{"topic":"` + topic + `","event":"` + event + `","payload":{"type":"INSERT","record":` + record + `},"ref":"1"}`)
	}
	pendingMine := `{"id":"c1","user_id":"user-1","command_text":"whoami","status":"pending"}`

	cmd, ok := n.decodeInsert(frame(commandsTopic, "INSERT", pendingMine))
	require.True(t, ok)
	assert.Equal(t, "c1", cmd.ID)

	_, ok = n.decodeInsert(frame(commandsTopic, "UPDATE", pendingMine))
	assert.False(t, ok, "non-INSERT events are ignored")

	_, ok = n.decodeInsert(frame("realtime:public:other", "INSERT", pendingMine))
	assert.False(t, ok, "other topics are ignored")

	otherUser := `{"id":"c2","user_id":"user-2","status":"pending"}`
	_, ok = n.decodeInsert(frame(commandsTopic, "INSERT", otherUser))
	assert.False(t, ok, "other users are filtered out")

	alreadyClaimed := `{"id":"c3","user_id":"user-1","status":"processing"}`
	_, ok = n.decodeInsert(frame(commandsTopic, "INSERT", alreadyClaimed))
	assert.False(t, ok, "only pending rows are surfaced")

	_, ok = n.decodeInsert([]byte(`{not json`))
	assert.False(t, ok)
}

func TestReconnectWaitDoublesCapsAndResets(t *testing.T) {
	wait := initialReconnectWait
	var seen []time.Duration
	for i := 0; i < 7; i++ {
		wait = nextReconnectWait(wait, false)
		seen = append(seen, wait)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		maxReconnectWait, maxReconnectWait, maxReconnectWait,
	}, seen, "failed attempts double the wait up to the cap")

	// A connection that subscribed and later dropped reconnects quickly
	// again instead of starting from the cap.
	wait = nextReconnectWait(wait, true)
	assert.Equal(t, initialReconnectWait, wait)
	assert.Equal(t, 2*initialReconnectWait, nextReconnectWait(wait, false))
}

func TestConnectAndListenSubscribesAndDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "anon-key", r.URL.Query().Get("apikey"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var join phoenixMessage
		require.NoError(t, conn.ReadJSON(&join))
		assert.Equal(t, commandsTopic, join.Topic)
		assert.Equal(t, "phx_join", join.Event)

		insert := `{"topic":"` + commandsTopic + `","event":"INSERT","payload":{"type":"INSERT","record":{"id":"c9","user_id":"user-1","command_text":"whoami","status":"pending"}},"ref":""}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(insert)))
		// Keep the connection open until the client goes away.
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier(srv.URL, "anon-key", "user-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	var subscribed bool
	go func() {
		defer close(done)
		subscribed, _ = n.connectAndListen(ctx)
	}()

	select {
	case cmd := <-n.Commands():
		assert.Equal(t, "c9", cmd.ID)
	case <-ctx.Done():
		t.Fatal("Inserted command never surfaced")
	}

	cancel()
	<-done
	assert.True(t, subscribed, "a joined connection must count as subscribed")
}

func TestWebsocketURL(t *testing.T) {
	n := NewNotifier("https://proj.supabase.co/", "anon-key", "")
	u, err := n.websocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://proj.supabase.co/realtime/v1/websocket?apikey=anon-key&vsn=1.0.0", u)

	n = NewNotifier("ftp://proj", "k", "")
	_, err = n.websocketURL()
	assert.Error(t, err)
}

func TestAdapterErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &AdapterError{Op: "claim c1", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "claim c1")
}
