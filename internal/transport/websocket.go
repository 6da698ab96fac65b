package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// sendQueueSize bounds the outbound frame queue per session.
	sendQueueSize = 256

	// writeWait is the deadline for a single frame write.
	writeWait = 10 * time.Second
)

// wireFrame is the JSON frame format spoken with the broker.
type wireFrame struct {
	Type        string          `json:"type"`
	Auth        string          `json:"auth,omitempty"`
	Challenge   string          `json:"challenge,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Recoverable bool            `json:"recoverable,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	From        string          `json:"from,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// WSConfig configures the websocket transport.
type WSConfig struct {
	// URL is the broker websocket endpoint.
	URL string

	// ConnectTimeout bounds the dial plus handshake.
	ConnectTimeout time.Duration

	// KeepAlive is the ping interval; the read deadline is set to
	// slightly more than this so a silent peer is detected.
	KeepAlive time.Duration

	Logger *zap.Logger
}

// WSTransport dials the broker over a websocket and adapts its JSON
// frames to Events.
type WSTransport struct {
	cfg    WSConfig
	logger *zap.Logger
}

// NewWSTransport creates a websocket transport.
func NewWSTransport(cfg WSConfig) (*WSTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 25 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &WSTransport{cfg: cfg, logger: cfg.Logger}, nil
}

// Connect dials the broker and sends the authentication frame. The
// returned handle is live once the broker answers with an open event;
// that event is delivered on the handle's event stream.
func (t *WSTransport) Connect(ctx context.Context, creds Credentials) (Handle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker: %w", err)
	}

	h := &wsHandle{
		conn:      conn,
		send:      make(chan wireFrame, sendQueueSize),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
		keepAlive: t.cfg.KeepAlive,
		logger:    t.logger,
	}

	// Authenticate before the pumps start so the hello frame is always
	// first on the wire.
	hello := wireFrame{Type: "hello"}
	if !creds.IsZero() {
		hello.Auth = base64.StdEncoding.EncodeToString(creds.Blob)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	go h.readPump()
	go h.writePump()

	return h, nil
}

// wsHandle is a live websocket session.
type wsHandle struct {
	conn      *websocket.Conn
	send      chan wireFrame
	events    chan Event
	keepAlive time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (h *wsHandle) Send(ctx context.Context, channel string, payload []byte) error {
	frame := wireFrame{Type: "message", Channel: channel, Payload: payload}

	select {
	case h.send <- frame:
		return nil
	case <-h.done:
		return fmt.Errorf("transport handle closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *wsHandle) Events() <-chan Event {
	return h.events
}

func (h *wsHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	close(h.done)

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	h.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return h.conn.Close()
}

// readPump decodes broker frames into events. It owns the events
// channel: exactly one close event is delivered before the channel is
// closed, whatever way the session ends.
func (h *wsHandle) readPump() {
	defer close(h.events)

	h.conn.SetReadDeadline(time.Now().Add(h.keepAlive + h.keepAlive/2))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(h.keepAlive + h.keepAlive/2))
		return nil
	})

	for {
		var frame wireFrame
		if err := h.conn.ReadJSON(&frame); err != nil {
			select {
			case <-h.done:
				// Local close, not a drop.
				h.events <- Event{Type: EventClose, Reason: "closed by caller", Recoverable: true}
			default:
				h.logger.Debug("read failed", zap.Error(err))
				h.events <- Event{Type: EventClose, Reason: err.Error(), Recoverable: recoverableReadError(err)}
			}
			return
		}

		switch frame.Type {
		case "pairing-challenge":
			h.events <- Event{Type: EventPairingChallenge, Challenge: frame.Challenge}
		case "open":
			h.events <- Event{Type: EventOpen}
		case "close":
			h.events <- Event{Type: EventClose, Reason: frame.Reason, Recoverable: frame.Recoverable}
			return
		case "message":
			h.events <- Event{Type: EventMessage, Channel: frame.Channel, From: frame.From, Payload: frame.Payload}
		default:
			h.logger.Warn("unknown frame type", zap.String("type", frame.Type))
		}
	}
}

// writePump serializes outbound frames and keep-alive pings onto the
// single websocket writer.
func (h *wsHandle) writePump() {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case frame := <-h.send:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteJSON(frame); err != nil {
				h.logger.Debug("write failed", zap.Error(err))
				h.Close()
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Close()
				return
			}
		case <-h.done:
			return
		}
	}
}

// recoverableReadError classifies a read failure. An explicit logout by
// the remote end arrives as a policy-violation close; everything else
// (stream reset, timeout, abnormal closure) is worth a reconnect.
func recoverableReadError(err error) bool {
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return false
	}
	return true
}
