package xiaozhi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/saker-ai/voice-client/internal/session/fsm"
	"github.com/saker-ai/voice-client/pkg/playback"
	"go.uber.org/zap"
)

// Sender writes to the open channel.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
	SendBinary(ctx context.Context, frame []byte) error
}

// Player is the playback side of a session.
type Player interface {
	Init() error
	DecodeAndEnqueue(frame []byte) bool
	ResetTimeline()
	Cleanup() error
	Status() playback.Status
}

// PlayerFactory creates a player the first time speech arrives.
type PlayerFactory func() (Player, error)

// Metrics receives protocol events.
type Metrics interface {
	FrameSent()
	FrameReceived()
	FrameDropped(reason string)
	SessionState(state string)
}

type nopMetrics struct{}

func (nopMetrics) FrameSent() {}
func (nopMetrics) FrameReceived() {}
func (nopMetrics) FrameDropped(string) {}
func (nopMetrics) SessionState(string) {}

// Callbacks represents a callbacks.
type Callbacks struct {
	OnStateChange func(prev, next fsm.State)
	// OnCaption receives the current sentence, or "" when speech ends.
	OnCaption   func(sessionID, text string)
	OnWelcome   func(text string)
	OnListening func(listening bool)
	OnSTT       func(text string)
	OnLLM       func(text, emotion string)
	OnMCP       func(payload json.RawMessage)
	OnError     func(err error)
}

// Status is a snapshot of the session.
type Status struct {
	State     fsm.State        `json:"state"`
	SessionID string           `json:"session_id,omitempty"`
	Listening bool             `json:"listening"`
	Mode      fsm.Mode         `json:"mode"`
	Caption   string           `json:"caption,omitempty"`
	Player    *playback.Status `json:"player,omitempty"`
}

// Protocol is the session state machine of a voice client.
type Protocol struct {
	cfg       Config
	logger    *zap.Logger
	metrics   Metrics
	callbacks Callbacks
	newPlayer PlayerFactory
	machine   *fsm.Machine

	mu        sync.Mutex
	sender    Sender
	sessionID string
	listening bool
	caption   string
	player    Player
	debounce  *time.Timer
	listenGen uint64
	resets    uint64
}

// NewProtocol creates a protocol in the idle state.
func NewProtocol(cfg Config, newPlayer PlayerFactory, callbacks Callbacks, metrics Metrics, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	cfg = cfg.normalized()
	machine := fsm.New()
	machine.SetMode(cfg.ListenMode)
	return &Protocol{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		callbacks: callbacks,
		newPlayer: newPlayer,
		machine:   machine,
	}
}

// HandleOpen binds the channel and starts the handshake.
func (p *Protocol) HandleOpen(ctx context.Context, sender Sender) error {
	p.mu.Lock()
	p.sender = sender
	p.mu.Unlock()
	return p.SendHello(ctx)
}

// HandleClose tears the session down after the channel closed.
func (p *Protocol) HandleClose(err error) {
	p.mu.Lock()
	p.sender = nil
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("xiaozhi channel closed", zap.Error(err))
	}
	p.Reset()
}

// SendHello supersedes any current session and announces the client
// capabilities.
func (p *Protocol) SendHello(ctx context.Context) error {
	if p.machine.State() != fsm.StateIdle {
		p.Reset()
	}
	prev := p.machine.OnHelloSent()
	p.notifyState(prev, fsm.StateNegotiating)

	msg := helloMessage{
		Type:        "hello",
		Version:     p.cfg.ProtocolVersion,
		Transport:   "websocket",
		AudioParams: p.cfg.AudioParams,
	}
	if err := p.send(ctx, msg); err != nil {
		p.Reset()
		return fmt.Errorf("send hello: %w", err)
	}
	p.logger.Info("xiaozhi hello sent", zap.Int("version", msg.Version))
	return nil
}

// SendListenStart tells the server to start listening.
func (p *Protocol) SendListenStart(ctx context.Context) error {
	return p.sendListen(ctx, "start", true)
}

// SendListenStop tells the server to stop listening.
func (p *Protocol) SendListenStop(ctx context.Context) error {
	return p.sendListen(ctx, "stop", false)
}

func (p *Protocol) sendListen(ctx context.Context, state string, listening bool) error {
	sessionID, resets := p.session()
	if sessionID == "" {
		return ErrNoSession
	}
	msg := listenMessage{
		SessionID: sessionID,
		Type:      "listen",
		State:     state,
		Mode:      string(p.machine.Mode()),
	}
	if err := p.send(ctx, msg); err != nil {
		return fmt.Errorf("send listen %s: %w", state, err)
	}
	p.mu.Lock()
	if p.resets != resets || p.sessionID != sessionID {
		p.mu.Unlock()
		p.logger.Warn("session reset while sending listen", zap.String("state", state), zap.String("session_id", sessionID))
		return ErrNoSession
	}
	p.scheduleListeningLocked(listening)
	p.mu.Unlock()
	p.logger.Debug("listen state sent", zap.String("state", state), zap.String("session_id", sessionID))
	return nil
}

// scheduleListeningLocked flips the local flag after the debounce. A newer
// call or a reset cancels the pending flip.
func (p *Protocol) scheduleListeningLocked(listening bool) {
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.listenGen++
	gen := p.listenGen
	p.debounce = time.AfterFunc(p.cfg.ListenDebounce, func() {
		p.mu.Lock()
		if gen != p.listenGen {
			p.mu.Unlock()
			return
		}
		p.listening = listening
		p.debounce = nil
		p.mu.Unlock()
		if p.callbacks.OnListening != nil {
			p.callbacks.OnListening(listening)
		}
	})
}

// SendDetect sends a wake-word detection message. Empty text uses the
// configured wake phrase.
func (p *Protocol) SendDetect(ctx context.Context, text string) error {
	sessionID, _ := p.session()
	if sessionID == "" {
		return ErrNoSession
	}
	if text == "" {
		text = p.cfg.DetectText
	}
	return p.send(ctx, listenMessage{SessionID: sessionID, Type: "listen", State: "detect", Text: text})
}

// SendAbort asks the server to stop speaking.
func (p *Protocol) SendAbort(ctx context.Context, reason string) error {
	sessionID, _ := p.session()
	if sessionID == "" {
		return ErrNoSession
	}
	if reason == "" {
		reason = p.cfg.AbortReason
	}
	return p.send(ctx, abortMessage{SessionID: sessionID, Type: "abort", Reason: reason})
}

// SendAudio sends one encoded frame upstream.
func (p *Protocol) SendAudio(ctx context.Context, frame []byte) error {
	if !p.HasSession() {
		return ErrNoSession
	}
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	if err := sender.SendBinary(ctx, frame); err != nil {
		return err
	}
	p.metrics.FrameSent()
	return nil
}

func (p *Protocol) send(ctx context.Context, v any) error {
	p.mu.Lock()
	sender := p.sender
	p.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	return sender.SendJSON(ctx, v)
}

// HandleText dispatches one inbound control message.
func (p *Protocol) HandleText(ctx context.Context, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.logger.Warn("invalid control message", zap.Error(err), zap.Int("size", len(data)))
		p.reportError(fmt.Errorf("decode control message: %w", err))
		return
	}

	switch msg.Type {
	case "hello":
		p.handleHelloAck(msg)
	case "":
		if msg.SessionID != "" {
			p.handleHelloAck(msg)
			return
		}
		p.logger.Debug("control message without type ignored")
	case "tts":
		p.handleTTS(msg)
	case "stt":
		if msg.Text != "" && p.callbacks.OnSTT != nil {
			p.callbacks.OnSTT(msg.Text)
		}
	case "llm":
		if p.callbacks.OnLLM != nil {
			p.callbacks.OnLLM(msg.Text, msg.Emotion)
		}
	case "mcp":
		if p.callbacks.OnMCP != nil {
			p.callbacks.OnMCP(msg.Payload)
		}
	case "goodbye":
		p.logger.Info("server ended session", zap.String("session_id", msg.SessionID))
		p.Reset()
	default:
		p.logger.Debug("unhandled control message", zap.String("type", msg.Type))
	}
}

func (p *Protocol) handleHelloAck(msg inboundMessage) {
	if msg.SessionID == "" {
		p.logger.Warn("hello ack without session id ignored")
		return
	}
	if !p.machine.OnHelloAck() {
		p.logger.Warn("hello ack outside negotiation ignored",
			zap.String("state", string(p.machine.State())),
			zap.String("session_id", msg.SessionID),
		)
		return
	}
	p.mu.Lock()
	p.sessionID = msg.SessionID
	p.mu.Unlock()

	p.logger.Info("xiaozhi session established", zap.String("session_id", msg.SessionID))
	p.notifyState(fsm.StateNegotiating, fsm.StateListening)
	if msg.WelcomeMsg != "" && p.callbacks.OnWelcome != nil {
		p.callbacks.OnWelcome(msg.WelcomeMsg)
	}
}

func (p *Protocol) handleTTS(msg inboundMessage) {
	switch msg.State {
	case TTSStart:
		prev := p.machine.State()
		if !p.machine.OnTTSStart() {
			p.logger.Warn("tts start without session ignored", zap.String("state", string(prev)))
			return
		}
		p.mu.Lock()
		p.listening = false
		p.listenGen++
		p.mu.Unlock()
		if player := p.ensurePlayer(); player != nil {
			player.ResetTimeline()
		}
		p.notifyState(prev, fsm.StateSpeaking)
	case TTSSentenceStart:
		p.mu.Lock()
		p.caption = msg.Text
		sessionID := p.sessionID
		p.mu.Unlock()
		if p.callbacks.OnCaption != nil {
			p.callbacks.OnCaption(sessionID, msg.Text)
		}
	case TTSStop:
		prev := p.machine.State()
		if !p.machine.OnTTSStop() {
			p.logger.Warn("tts stop without session ignored", zap.String("state", string(prev)))
			return
		}
		p.clearCaption()
		p.notifyState(prev, fsm.StateListening)
	default:
		p.logger.Warn("unknown tts state", zap.String("state", msg.State))
	}
}

// HandleBinary routes one inbound audio frame to the player.
func (p *Protocol) HandleBinary(ctx context.Context, frame []byte) {
	if state := p.machine.State(); state != fsm.StateSpeaking {
		p.logger.Warn("audio frame outside speech dropped",
			zap.String("state", string(state)),
			zap.Int("size", len(frame)),
		)
		p.metrics.FrameDropped("not_speaking")
		return
	}
	player := p.ensurePlayer()
	if player == nil {
		p.metrics.FrameDropped("player_unavailable")
		return
	}
	p.metrics.FrameReceived()
	player.DecodeAndEnqueue(frame)
}

func (p *Protocol) ensurePlayer() Player {
	p.mu.Lock()
	player := p.player
	if player == nil {
		var err error
		player, err = p.startPlayer()
		if err != nil {
			p.mu.Unlock()
			p.logger.Error("player unavailable", zap.Error(err))
			p.reportError(err)
			return nil
		}
		p.player = player
	}
	p.mu.Unlock()
	return player
}

func (p *Protocol) startPlayer() (Player, error) {
	if p.newPlayer == nil {
		return nil, errors.New("no player configured")
	}
	player, err := p.newPlayer()
	if err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	if err := player.Init(); err != nil {
		_ = player.Cleanup()
		return nil, fmt.Errorf("init player: %w", err)
	}
	return player, nil
}

func (p *Protocol) clearCaption() {
	p.mu.Lock()
	p.caption = ""
	sessionID := p.sessionID
	p.mu.Unlock()
	if p.callbacks.OnCaption != nil {
		p.callbacks.OnCaption(sessionID, "")
	}
}

// Reset drops the session and releases the player. It returns to idle from
// any state.
func (p *Protocol) Reset() {
	p.mu.Lock()
	sessionID := p.sessionID
	p.sessionID = ""
	p.listening = false
	p.caption = ""
	p.listenGen++
	p.resets++
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
	player := p.player
	p.player = nil
	p.mu.Unlock()

	prev := p.machine.Reset()
	if player != nil {
		if err := player.Cleanup(); err != nil {
			p.logger.Warn("player cleanup failed", zap.Error(err))
		}
	}
	if prev != fsm.StateIdle {
		p.logger.Info("xiaozhi session reset", zap.String("session_id", sessionID), zap.String("from", string(prev)))
		p.notifyState(prev, fsm.StateIdle)
	}
}

// SessionID returns the current session id, or "".
func (p *Protocol) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// HasSession reports whether the handshake completed and no reset followed.
func (p *Protocol) HasSession() bool {
	id, _ := p.session()
	return id != ""
}

// session returns the live session id and the reset count it belongs to.
func (p *Protocol) session() (string, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.machine.HasSession() {
		return "", p.resets
	}
	return p.sessionID, p.resets
}

// State returns the session state.
func (p *Protocol) State() fsm.State {
	return p.machine.State()
}

// Listening reports the debounced listening flag.
func (p *Protocol) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// Status returns a snapshot of the session and its player.
func (p *Protocol) Status() Status {
	p.mu.Lock()
	st := Status{
		SessionID: p.sessionID,
		Listening: p.listening,
		Caption:   p.caption,
	}
	player := p.player
	p.mu.Unlock()
	st.State = p.machine.State()
	st.Mode = p.machine.Mode()
	if player != nil {
		ps := player.Status()
		st.Player = &ps
	}
	return st
}

func (p *Protocol) notifyState(prev, next fsm.State) {
	p.metrics.SessionState(string(next))
	if prev != next && p.callbacks.OnStateChange != nil {
		p.callbacks.OnStateChange(prev, next)
	}
}

func (p *Protocol) reportError(err error) {
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}
}
