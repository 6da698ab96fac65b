package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBroker upgrades test connections and hands the server side to the
// test via a script function.
type fakeBroker struct {
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn)
}

func (b *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.script(conn)
}

func startBroker(t *testing.T, script func(conn *websocket.Conn)) string {
	server := httptest.NewServer(&fakeBroker{script: script})
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestTransport(t *testing.T, url string) *WSTransport {
	tr, err := NewWSTransport(WSConfig{
		URL:            url,
		ConnectTimeout: 2 * time.Second,
		KeepAlive:      time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return tr
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func nextEvent(t *testing.T, h Handle) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWSTransportHandshakeAndEvents(t *testing.T) {
	url := startBroker(t, func(conn *websocket.Conn) {
		hello := readFrame(t, conn)
		assert.Equal(t, "hello", hello.Type)
		assert.Empty(t, hello.Auth, "unpaired connect sends no auth")

		conn.WriteJSON(wireFrame{Type: "pairing-challenge", Challenge: "1234-5678"})
		conn.WriteJSON(wireFrame{Type: "open"})
		conn.WriteJSON(wireFrame{Type: "message", Channel: "room-1", From: "alice",
			Payload: json.RawMessage(`{"text":"hi"}`)})

		// Hold the connection until the client hangs up.
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{})
	require.NoError(t, err)
	defer handle.Close()

	ev := nextEvent(t, handle)
	assert.Equal(t, EventPairingChallenge, ev.Type)
	assert.Equal(t, "1234-5678", ev.Challenge)

	ev = nextEvent(t, handle)
	assert.Equal(t, EventOpen, ev.Type)

	ev = nextEvent(t, handle)
	assert.Equal(t, EventMessage, ev.Type)
	assert.Equal(t, "room-1", ev.Channel)
	assert.Equal(t, "alice", ev.From)
	assert.JSONEq(t, `{"text":"hi"}`, string(ev.Payload))
}

func TestWSTransportSendsAuthBlob(t *testing.T) {
	authCh := make(chan string, 1)
	url := startBroker(t, func(conn *websocket.Conn) {
		hello := readFrame(t, conn)
		authCh <- hello.Auth
		conn.WriteJSON(wireFrame{Type: "open"})
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{Blob: []byte("secret"), Revision: 2})
	require.NoError(t, err)
	defer handle.Close()

	assert.Equal(t, "c2VjcmV0", <-authCh)
	assert.Equal(t, EventOpen, nextEvent(t, handle).Type)
}

func TestWSTransportSend(t *testing.T) {
	frameCh := make(chan wireFrame, 1)
	url := startBroker(t, func(conn *websocket.Conn) {
		readFrame(t, conn) // hello
		conn.WriteJSON(wireFrame{Type: "open"})
		frameCh <- readFrame(t, conn)
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{})
	require.NoError(t, err)
	defer handle.Close()

	require.Equal(t, EventOpen, nextEvent(t, handle).Type)
	require.NoError(t, handle.Send(context.Background(), "room-1", []byte(`{"text":"pong"}`)))

	frame := <-frameCh
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, "room-1", frame.Channel)
	assert.JSONEq(t, `{"text":"pong"}`, string(frame.Payload))
}

func TestWSTransportBrokerClose(t *testing.T) {
	url := startBroker(t, func(conn *websocket.Conn) {
		readFrame(t, conn) // hello
		conn.WriteJSON(wireFrame{Type: "open"})
		conn.WriteJSON(wireFrame{Type: "close", Reason: "maintenance", Recoverable: true})
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{})
	require.NoError(t, err)
	defer handle.Close()

	require.Equal(t, EventOpen, nextEvent(t, handle).Type)

	ev := nextEvent(t, handle)
	assert.Equal(t, EventClose, ev.Type)
	assert.Equal(t, "maintenance", ev.Reason)
	assert.True(t, ev.Recoverable)

	// The stream ends after the close event.
	_, ok := <-handle.Events()
	assert.False(t, ok)
}

func TestWSTransportAbruptDropIsRecoverable(t *testing.T) {
	url := startBroker(t, func(conn *websocket.Conn) {
		readFrame(t, conn) // hello
		conn.WriteJSON(wireFrame{Type: "open"})
		conn.Close()
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{})
	require.NoError(t, err)
	defer handle.Close()

	require.Equal(t, EventOpen, nextEvent(t, handle).Type)

	ev := nextEvent(t, handle)
	assert.Equal(t, EventClose, ev.Type)
	assert.True(t, ev.Recoverable, "an abrupt drop should be retried")
}

func TestWSTransportPolicyViolationIsTerminal(t *testing.T) {
	url := startBroker(t, func(conn *websocket.Conn) {
		readFrame(t, conn) // hello
		conn.WriteJSON(wireFrame{Type: "open"})
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "logged out"))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	tr := newTestTransport(t, url)
	handle, err := tr.Connect(context.Background(), Credentials{})
	require.NoError(t, err)
	defer handle.Close()

	require.Equal(t, EventOpen, nextEvent(t, handle).Type)

	ev := nextEvent(t, handle)
	assert.Equal(t, EventClose, ev.Type)
	assert.False(t, ev.Recoverable, "a policy violation close means the session is revoked")
}

func TestWSTransportConnectFailure(t *testing.T) {
	tr := newTestTransport(t, "ws://127.0.0.1:1/ws")

	_, err := tr.Connect(context.Background(), Credentials{})
	assert.Error(t, err)
}
