package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/marketfeed/marketfeed/pkg/logger"
)

// realtimeServer accepts one socket, forwards every client frame to frames,
// and writes whatever is sent on push.
func realtimeServer(t *testing.T) (url string, frames chan []byte, push chan string) {
	t.Helper()
	frames = make(chan []byte, 16)
	push = make(chan string, 16)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for msg := range push {
				if conn.WriteMessage(websocket.TextMessage, []byte(msg)) != nil {
					return
				}
			}
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- msg
		}
	}))
	t.Cleanup(func() {
		close(push)
		srv.Close()
	})
	return srv.URL, frames, push
}

func nextFrame(t *testing.T, frames chan []byte) gjson.Result {
	t.Helper()
	select {
	case f := <-frames:
		return gjson.ParseBytes(f)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return gjson.Result{}
	}
}

func TestRealtime_SubscribeReceivesChanges(t *testing.T) {
	url, frames, push := realtimeServer(t)

	rt := NewRealtimeClient(url, "anon", "user-jwt", WithHeartbeat(time.Hour), WithRealtimeLogger(logger.NewDiscard()))
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	changes := make(chan Change, 1)
	ch := rt.Channel("messages:u1", func(c Change) { changes <- c },
		PostgresChangesFilter{Table: "messages", Filter: "sender_id=eq.u1"},
		PostgresChangesFilter{Table: "messages", Filter: "receiver_id=eq.u1"},
	)
	require.NoError(t, ch.Subscribe(context.Background()))

	join := nextFrame(t, frames)
	assert.Equal(t, "realtime:messages:u1", join.Get("topic").String())
	assert.Equal(t, "phx_join", join.Get("event").String())
	assert.Equal(t, "user-jwt", join.Get("payload.access_token").String())
	bindings := join.Get("payload.config.postgres_changes").Array()
	require.Len(t, bindings, 2)
	assert.Equal(t, "*", bindings[0].Get("event").String())
	assert.Equal(t, "public", bindings[0].Get("schema").String())
	assert.Equal(t, "receiver_id=eq.u1", bindings[1].Get("filter").String())

	push <- `{"topic":"realtime:messages:u1","event":"postgres_changes","payload":{"data":{"type":"INSERT","schema":"public","table":"messages","record":{"id":"m9","sender_id":"u2"}}},"ref":null}`

	select {
	case c := <-changes:
		assert.Equal(t, "INSERT", c.Type)
		assert.Equal(t, "messages", c.Table)
		assert.Equal(t, "m9", c.Record.Get("id").String())
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
}

func TestRealtime_UnsubscribeStopsDelivery(t *testing.T) {
	url, frames, push := realtimeServer(t)

	rt := NewRealtimeClient(url, "anon", "", WithHeartbeat(time.Hour), WithRealtimeLogger(logger.NewDiscard()))
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	delivered := make(chan Change, 4)
	ch := rt.Channel("messages:u1", func(c Change) { delivered <- c }, PostgresChangesFilter{Table: "messages"})
	require.NoError(t, ch.Subscribe(context.Background()))
	nextFrame(t, frames)

	require.NoError(t, ch.Unsubscribe(context.Background()))
	leave := nextFrame(t, frames)
	assert.Equal(t, "phx_leave", leave.Get("event").String())

	push <- `{"topic":"realtime:messages:u1","event":"postgres_changes","payload":{"data":{"type":"INSERT"}}}`
	// a frame on another topic proves the socket is still being read
	push <- `{"topic":"phoenix","event":"phx_reply","payload":{"status":"ok"}}`

	select {
	case <-delivered:
		t.Fatal("handler invoked after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtime_RedialsAndRejoinsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	joins := make(chan gjson.Result, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame := gjson.ParseBytes(msg)
			if frame.Get("event").String() != "phx_join" {
				continue
			}
			joins <- frame
			if n == 1 {
				// drop the first socket right after the join
				return
			}
		}
	}))
	defer srv.Close()

	backoff := RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, BackoffMultiplier: 2}
	rt := NewRealtimeClient(srv.URL, "anon", "", WithHeartbeat(time.Hour), WithReconnect(backoff), WithRealtimeLogger(logger.NewDiscard()))
	require.NoError(t, rt.Connect(context.Background()))
	defer rt.Disconnect()

	changes := make(chan Change, 4)
	ch := rt.Channel("messages:u1", func(c Change) { changes <- c }, PostgresChangesFilter{Table: "messages"})
	require.NoError(t, ch.Subscribe(context.Background()))

	first := <-joins
	assert.Equal(t, "realtime:messages:u1", first.Get("topic").String())

	select {
	case rejoin := <-joins:
		assert.Equal(t, "realtime:messages:u1", rejoin.Get("topic").String())
		assert.NotEqual(t, first.Get("join_ref").String(), rejoin.Get("join_ref").String())
	case <-time.After(2 * time.Second):
		t.Fatal("channel not rejoined after the socket dropped")
	}

	select {
	case c := <-changes:
		assert.Equal(t, ChangeReconnect, c.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not told about the reconnect")
	}
	assert.Equal(t, int32(2), dials.Load())
	assert.True(t, rt.Connected())
}

func TestRealtime_DisconnectStopsRedial(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	backoff := RetryConfig{InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 1}
	rt := NewRealtimeClient(srv.URL, "anon", "", WithHeartbeat(time.Hour), WithReconnect(backoff), WithRealtimeLogger(logger.NewDiscard()))
	require.NoError(t, rt.Connect(context.Background()))
	// the close frame may race the server hanging up
	_ = rt.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	assert.False(t, rt.Connected())
}

func TestRealtime_SubscribeWithoutConnect(t *testing.T) {
	rt := NewRealtimeClient("https://demo.supabase.co", "anon", "")
	err := rt.Channel("x", nil).Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewRealtimeClient_URL(t *testing.T) {
	rt := NewRealtimeClient("https://demo.supabase.co/", "anon", "")
	assert.Equal(t, "wss://demo.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0", rt.url)

	rt = NewRealtimeClient("http://localhost:54321", "anon", "")
	assert.Equal(t, "ws://localhost:54321/realtime/v1/websocket?apikey=anon&vsn=1.0.0", rt.url)
}
