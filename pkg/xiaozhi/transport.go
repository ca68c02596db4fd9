package xiaozhi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	xzcodec "github.com/saker-ai/voice-client/internal/transport/xiaozhi/codec"
)

// Handler consumes channel events. Calls arrive from the transport's read
// goroutine, one at a time.
type Handler interface {
	HandleOpen(ctx context.Context, sender Sender) error
	HandleText(ctx context.Context, data []byte)
	HandleBinary(ctx context.Context, frame []byte)
	HandleClose(err error)
}

// TransportCallbacks represents a transportCallbacks.
type TransportCallbacks struct {
	OnConnected    func()
	OnDisconnected func(err error)
}

// Transport keeps a websocket to the server open and feeds a Handler.
type Transport struct {
	cfg       Config
	handler   Handler
	logger    *zap.Logger
	callbacks TransportCallbacks

	mu     sync.Mutex
	conn   *websocket.Conn
	framer xzcodec.Framer
	closed bool

	writeMu sync.Mutex
}

// NewTransport executes the newTransport function.
func NewTransport(cfg Config, handler Handler, callbacks TransportCallbacks, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()
	return &Transport{
		cfg:       cfg,
		handler:   handler,
		logger:    logger,
		callbacks: callbacks,
		framer:    xzcodec.NewFramer(cfg.ProtocolVersion),
	}
}

// Run connects and reconnects until ctx is done or Close is called.
func (t *Transport) Run(ctx context.Context) error {
	delay := t.cfg.ReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.isClosed() {
			return nil
		}
		t.logger.Info("xiaozhi connecting",
			zap.String("url", t.cfg.URL),
			zap.String("device_id", t.cfg.DeviceID),
			zap.String("client_id", t.cfg.ClientID),
		)
		conn, err := t.connectOnce(ctx)
		if err != nil {
			t.logger.Warn("xiaozhi connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			delay = t.nextBackoff(delay)
			continue
		}
		delay = t.cfg.ReconnectMin
		if t.callbacks.OnConnected != nil {
			t.callbacks.OnConnected()
		}

		stop := context.AfterFunc(ctx, func() { t.dropConn(conn) })
		err = t.readLoop(ctx, conn)
		stop()
		t.handler.HandleClose(err)
		if t.callbacks.OnDisconnected != nil {
			t.callbacks.OnDisconnected(err)
		}
		if ctx.Err() != nil || t.isClosed() {
			continue
		}
		t.logger.Warn("xiaozhi connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
		delay = t.nextBackoff(delay)
	}
}

func (t *Transport) connectOnce(ctx context.Context) (*websocket.Conn, error) {
	if t.cfg.URL == "" {
		return nil, errors.New("xiaozhi server url is empty")
	}

	headers := http.Header{}
	headers.Set("Protocol-Version", strconv.Itoa(t.cfg.ProtocolVersion))
	if t.cfg.ClientID != "" {
		headers.Set("Client-Id", t.cfg.ClientID)
	}
	if t.cfg.DeviceID != "" {
		headers.Set("Device-Id", t.cfg.DeviceID)
	}
	if t.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+t.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, headers)
	if err != nil {
		return nil, err
	}
	conn.SetPingHandler(func(appData string) error {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.cfg.WriteTimeout))
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("transport closed")
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.framer = xzcodec.NewFramer(t.cfg.ProtocolVersion)
	t.mu.Unlock()

	t.logger.Info("xiaozhi connected", zap.String("url", t.cfg.URL))
	if err := t.handler.HandleOpen(ctx, t); err != nil {
		t.dropConn(conn)
		t.handler.HandleClose(err)
		return nil, err
	}
	return conn, nil
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.dropConn(conn)
			return err
		}

		switch msgType {
		case websocket.TextMessage:
			t.observeHello(data)
			t.handler.HandleText(ctx, data)
		case websocket.BinaryMessage:
			payload, kind, err := t.getFramer().Decode(data)
			if err != nil {
				t.logger.Warn("dropping malformed binary frame", zap.Error(err), zap.Int("size", len(data)))
				continue
			}
			if len(payload) == 0 {
				continue
			}
			if kind == xzcodec.PayloadKindCommand {
				t.handler.HandleText(ctx, payload)
				continue
			}
			t.handler.HandleBinary(ctx, payload)
		}
	}
}

// observeHello switches binary framing when the server announces a
// protocol version in its hello.
func (t *Transport) observeHello(data []byte) {
	var envelope struct {
		Type    string `json:"type"`
		Version int    `json:"version"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type != "hello" || envelope.Version <= 0 {
		return
	}
	version := xzcodec.NormalizeVersion(envelope.Version)
	t.mu.Lock()
	changed := t.framer.Version() != version
	if changed {
		t.framer = xzcodec.NewFramer(version)
	}
	t.mu.Unlock()
	if changed {
		t.logger.Info("xiaozhi binary protocol negotiated", zap.Int("protocol_version", version))
	}
}

// SendJSON writes one control message.
func (t *Transport) SendJSON(ctx context.Context, v any) error {
	conn, err := t.writable(ctx)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(t.deadline(ctx))
	return conn.WriteJSON(v)
}

// SendBinary writes one audio frame using the negotiated framing.
func (t *Transport) SendBinary(ctx context.Context, frame []byte) error {
	conn, err := t.writable(ctx)
	if err != nil {
		return err
	}
	packed := t.getFramer().Pack(frame)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(t.deadline(ctx))
	return conn.WriteMessage(websocket.BinaryMessage, packed)
}

func (t *Transport) writable(ctx context.Context) (*websocket.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (t *Transport) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// Connected reports whether a websocket is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close stops reconnecting and closes the websocket.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *Transport) dropConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *Transport) getFramer() xzcodec.Framer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framer
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) nextBackoff(delay time.Duration) time.Duration {
	delay *= 2
	if delay > t.cfg.ReconnectMax {
		return t.cfg.ReconnectMax
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
