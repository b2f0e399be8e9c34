package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/go-classroom/internal/testutil"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades every request and hands the server side of the
// socket to fn.
func wsServer(t *testing.T, fn func(ws *websocket.Conn)) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		fn(ws)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDispatchEnvelope(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		frame, _ := json.Marshal(Envelope{Event: "greeting", Data: json.RawMessage(`{"text":"hello"}`)})
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
		ws.ReadMessage()
	})

	c, err := Dial(url, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan json.RawMessage, 1)
	c.Handle("greeting", func(data json.RawMessage) {
		got <- data
	})

	select {
	case data := <-got:
		assert.JSONEq(t, `{"text":"hello"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event dispatch")
	}
}

func TestDispatchRawFrames(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","target":"peer-1"}`)))
		ws.ReadMessage()
	})

	c, err := Dial(url, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []byte, 1)
	c.HandleRaw(func(frame []byte) {
		got <- frame
	})

	select {
	case frame := <-got:
		assert.JSONEq(t, `{"type":"offer","target":"peer-1"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw frame")
	}
}

func TestSendWritesEnvelope(t *testing.T) {
	received := make(chan []byte, 1)
	url := wsServer(t, func(ws *websocket.Conn) {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- frame
	})

	c, err := Dial(url, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send("ping", map[string]string{"id": "42"}))

	select {
	case frame := <-received:
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, "ping", env.Event)
		assert.JSONEq(t, `{"id":"42"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestSendAfterCloseDropsMessage(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})

	c, err := Dial(url, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)
	c.Close()

	assert.ErrorIs(t, c.Send("ping", nil), ErrNotConnected)
}

func TestDoneOnServerClose(t *testing.T) {
	url := wsServer(t, func(ws *websocket.Conn) {
		ws.Close()
	})

	c, err := Dial(url, WithLogger(testutil.TestLogger(t)))
	require.NoError(t, err)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	assert.ErrorIs(t, c.Send("ping", nil), ErrNotConnected)
}
