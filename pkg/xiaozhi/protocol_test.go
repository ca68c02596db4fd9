package xiaozhi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/voice-client/internal/session/fsm"
	"github.com/saker-ai/voice-client/pkg/playback"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeSender struct {
	mu      sync.Mutex
	json    []map[string]any
	binary  [][]byte
	sendErr error
	onSend  func(map[string]any)
}

func (s *fakeSender) SendJSON(_ context.Context, v any) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.json = append(s.json, m)
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend(m)
	}
	return nil
}

func (s *fakeSender) SendBinary(_ context.Context, frame []byte) error {
	s.mu.Lock()
	s.binary = append(s.binary, append([]byte(nil), frame...))
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) last() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.json) == 0 {
		return nil
	}
	return s.json[len(s.json)-1]
}

type fakePlayer struct {
	mu       sync.Mutex
	inits    int
	resets   int
	decodes  int
	cleanups int
}

func (p *fakePlayer) Init() error {
	p.mu.Lock()
	p.inits++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) DecodeAndEnqueue([]byte) bool {
	p.mu.Lock()
	p.decodes++
	p.mu.Unlock()
	return true
}

func (p *fakePlayer) ResetTimeline() {
	p.mu.Lock()
	p.resets++
	p.mu.Unlock()
}

func (p *fakePlayer) Cleanup() error {
	p.mu.Lock()
	p.cleanups++
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Status() playback.Status {
	return playback.Status{Initialized: true}
}

func (p *fakePlayer) counts() (inits, resets, decodes, cleanups int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inits, p.resets, p.decodes, p.cleanups
}

type protocolHarness struct {
	proto   *Protocol
	sender  *fakeSender
	players []*fakePlayer
	logs    *observer.ObservedLogs
	states  []fsm.State
	errs    []error
}

func newProtocolHarness(t *testing.T, cfg Config) *protocolHarness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &protocolHarness{sender: &fakeSender{}, logs: logs}
	factory := func() (Player, error) {
		player := &fakePlayer{}
		h.players = append(h.players, player)
		return player, nil
	}
	callbacks := Callbacks{
		OnStateChange: func(_, next fsm.State) { h.states = append(h.states, next) },
		OnError:       func(err error) { h.errs = append(h.errs, err) },
	}
	h.proto = NewProtocol(cfg, factory, callbacks, nil, zap.New(core))
	return h
}

func (h *protocolHarness) open(t *testing.T) {
	t.Helper()
	if err := h.proto.HandleOpen(context.Background(), h.sender); err != nil {
		t.Fatalf("HandleOpen: %v", err)
	}
}

func (h *protocolHarness) text(raw string) {
	h.proto.HandleText(context.Background(), []byte(raw))
}

func (h *protocolHarness) handshake(t *testing.T) {
	t.Helper()
	h.open(t)
	h.text(`{"type":"hello","session_id":"s1"}`)
	if got := h.proto.State(); got != fsm.StateListening {
		t.Fatalf("state=%s, want listening", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHelloMessageShape(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.open(t)

	msg := h.sender.last()
	if msg["type"] != "hello" || msg["transport"] != "websocket" {
		t.Fatalf("hello=%v", msg)
	}
	if v, _ := msg["version"].(float64); v != 1 {
		t.Fatalf("version=%v, want 1", msg["version"])
	}
	params, ok := msg["audio_params"].(map[string]any)
	if !ok {
		t.Fatalf("audio_params missing: %v", msg)
	}
	if params["format"] != "opus" || params["sample_rate"].(float64) != 16000 ||
		params["channels"].(float64) != 1 || params["frame_duration"].(float64) != 60 {
		t.Fatalf("audio_params=%v", params)
	}
	if got := h.proto.State(); got != fsm.StateNegotiating {
		t.Fatalf("state=%s, want negotiating", got)
	}
}

func TestHandshakeThenListenDebounce(t *testing.T) {
	var listeningCalls []bool
	var mu sync.Mutex
	h := newProtocolHarness(t, Config{ListenDebounce: 20 * time.Millisecond})
	h.proto.callbacks.OnListening = func(v bool) {
		mu.Lock()
		listeningCalls = append(listeningCalls, v)
		mu.Unlock()
	}
	h.handshake(t)
	if got := h.proto.SessionID(); got != "s1" {
		t.Fatalf("session=%q, want s1", got)
	}

	if err := h.proto.SendListenStart(context.Background()); err != nil {
		t.Fatalf("SendListenStart: %v", err)
	}
	msg := h.sender.last()
	if msg["type"] != "listen" || msg["state"] != "start" || msg["mode"] != "manual" || msg["session_id"] != "s1" {
		t.Fatalf("listen=%v", msg)
	}
	if h.proto.Listening() {
		t.Fatalf("listening flipped before debounce")
	}
	waitFor(t, h.proto.Listening)

	mu.Lock()
	defer mu.Unlock()
	if len(listeningCalls) != 1 || !listeningCalls[0] {
		t.Fatalf("OnListening calls=%v", listeningCalls)
	}
}

func TestListenStopSupersedesPendingStart(t *testing.T) {
	h := newProtocolHarness(t, Config{ListenDebounce: 30 * time.Millisecond})
	h.handshake(t)
	ctx := context.Background()
	if err := h.proto.SendListenStart(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.proto.SendListenStop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if h.proto.Listening() {
		t.Fatalf("listening=true after stop")
	}
}

func TestResetDuringListenSendKeepsIdle(t *testing.T) {
	h := newProtocolHarness(t, Config{ListenDebounce: 20 * time.Millisecond})
	h.handshake(t)
	h.sender.onSend = func(m map[string]any) {
		if m["type"] == "listen" && m["state"] == "start" {
			h.proto.Reset()
		}
	}
	if err := h.proto.SendListenStart(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}
	time.Sleep(80 * time.Millisecond)
	st := h.proto.Status()
	if st.State != fsm.StateIdle || st.SessionID != "" || st.Listening {
		t.Fatalf("status=%+v, want idle without session or listening", st)
	}
	if h.proto.HasSession() {
		t.Fatal("HasSession()=true after reset")
	}
}

func TestEmptyTypeAckAccepted(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	var welcome string
	h.proto.callbacks.OnWelcome = func(text string) { welcome = text }
	h.open(t)
	h.text(`{"session_id":"s9","welcome_msg":"hi"}`)
	if got := h.proto.SessionID(); got != "s9" {
		t.Fatalf("session=%q, want s9", got)
	}
	if welcome != "hi" {
		t.Fatalf("welcome=%q, want hi", welcome)
	}
}

func TestAckOutsideNegotiationIgnored(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.text(`{"type":"hello","session_id":"s1"}`)
	if got := h.proto.State(); got != fsm.StateIdle {
		t.Fatalf("state=%s, want idle", got)
	}
	if h.logs.FilterMessage("hello ack outside negotiation ignored").Len() != 1 {
		t.Fatalf("expected warning for stray ack")
	}

	h.open(t)
	h.text(`{"type":"hello"}`)
	if got := h.proto.State(); got != fsm.StateNegotiating {
		t.Fatalf("state=%s, want negotiating", got)
	}
}

func TestOperationsNeedSession(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.open(t)
	ctx := context.Background()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"listen start", func() error { return h.proto.SendListenStart(ctx) }},
		{"listen stop", func() error { return h.proto.SendListenStop(ctx) }},
		{"detect", func() error { return h.proto.SendDetect(ctx, "") }},
		{"abort", func() error { return h.proto.SendAbort(ctx, "") }},
		{"audio", func() error { return h.proto.SendAudio(ctx, []byte{1}) }},
	}
	for _, tc := range checks {
		if err := tc.fn(); !errors.Is(err, ErrNoSession) {
			t.Fatalf("%s err=%v, want ErrNoSession", tc.name, err)
		}
	}
}

func TestDetectAndAbortDefaults(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	ctx := context.Background()

	if err := h.proto.SendDetect(ctx, ""); err != nil {
		t.Fatalf("detect: %v", err)
	}
	msg := h.sender.last()
	if msg["state"] != "detect" || msg["text"] != "你好小智" {
		t.Fatalf("detect=%v", msg)
	}

	if err := h.proto.SendAbort(ctx, ""); err != nil {
		t.Fatalf("abort: %v", err)
	}
	msg = h.sender.last()
	if msg["type"] != "abort" || msg["reason"] != "user_interrupt" || msg["session_id"] != "s1" {
		t.Fatalf("abort=%v", msg)
	}

	if err := h.proto.SendAbort(ctx, "wake_word_detected"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if got := h.sender.last()["reason"]; got != "wake_word_detected" {
		t.Fatalf("reason=%v", got)
	}
}

func TestSpeechFlow(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	var captions []string
	h.proto.callbacks.OnCaption = func(_, text string) { captions = append(captions, text) }
	h.handshake(t)
	ctx := context.Background()

	h.text(`{"type":"tts","state":"start"}`)
	if got := h.proto.State(); got != fsm.StateSpeaking {
		t.Fatalf("state=%s, want speaking", got)
	}
	if len(h.players) != 1 {
		t.Fatalf("players=%d, want 1", len(h.players))
	}
	player := h.players[0]
	if inits, resets, _, _ := player.counts(); inits != 1 || resets != 1 {
		t.Fatalf("inits=%d resets=%d, want 1 and 1", inits, resets)
	}

	h.text(`{"type":"tts","state":"sentence_start","text":"你好"}`)
	if got := h.proto.Status().Caption; got != "你好" {
		t.Fatalf("caption=%q", got)
	}

	for i := 0; i < 5; i++ {
		h.proto.HandleBinary(ctx, []byte{byte(i)})
	}
	if _, _, decodes, _ := player.counts(); decodes != 5 {
		t.Fatalf("decodes=%d, want 5", decodes)
	}

	h.text(`{"type":"tts","state":"stop"}`)
	if got := h.proto.State(); got != fsm.StateListening {
		t.Fatalf("state=%s, want listening", got)
	}
	h.proto.HandleBinary(ctx, []byte{9})
	if _, _, decodes, _ := player.counts(); decodes != 5 {
		t.Fatalf("decodes=%d after stop, want 5", decodes)
	}
	if h.logs.FilterMessage("audio frame outside speech dropped").Len() != 1 {
		t.Fatalf("expected drop warning")
	}
	if len(captions) != 2 || captions[0] != "你好" || captions[1] != "" {
		t.Fatalf("captions=%q", captions)
	}

	// A second turn reuses the player and resets its timeline again.
	h.text(`{"type":"tts","state":"start"}`)
	if len(h.players) != 1 {
		t.Fatalf("players=%d, want 1", len(h.players))
	}
	if _, resets, _, _ := player.counts(); resets != 2 {
		t.Fatalf("resets=%d, want 2", resets)
	}
}

func TestBinaryBeforeSpeechDropped(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	h.proto.HandleBinary(context.Background(), []byte{1, 2})
	if len(h.players) != 0 {
		t.Fatalf("player created for dropped frame")
	}
}

func TestTTSWithoutSessionIgnored(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.text(`{"type":"tts","state":"start"}`)
	if got := h.proto.State(); got != fsm.StateIdle {
		t.Fatalf("state=%s, want idle", got)
	}
	if len(h.players) != 0 {
		t.Fatalf("player created without session")
	}
}

func TestGoodbyeResets(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	h.text(`{"type":"tts","state":"start"}`)
	h.text(`{"type":"goodbye","session_id":"s1"}`)

	if got := h.proto.State(); got != fsm.StateIdle {
		t.Fatalf("state=%s, want idle", got)
	}
	if h.proto.SessionID() != "" {
		t.Fatalf("session not cleared")
	}
	if _, _, _, cleanups := h.players[0].counts(); cleanups != 1 {
		t.Fatalf("cleanups=%d, want 1", cleanups)
	}
	h.proto.Reset()
	if _, _, _, cleanups := h.players[0].counts(); cleanups != 1 {
		t.Fatalf("second reset cleaned up again")
	}
}

func TestHelloSupersedesSession(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	if err := h.proto.SendHello(context.Background()); err != nil {
		t.Fatalf("SendHello: %v", err)
	}
	if h.proto.SessionID() != "" {
		t.Fatalf("old session survived hello")
	}
	want := []fsm.State{fsm.StateNegotiating, fsm.StateListening, fsm.StateIdle, fsm.StateNegotiating}
	if len(h.states) != len(want) {
		t.Fatalf("states=%v, want %v", h.states, want)
	}
	for i := range want {
		if h.states[i] != want[i] {
			t.Fatalf("states=%v, want %v", h.states, want)
		}
	}
}

func TestHelloSendFailureResets(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.sender.sendErr = errors.New("broken pipe")
	if err := h.proto.HandleOpen(context.Background(), h.sender); err == nil {
		t.Fatalf("expected hello failure")
	}
	if got := h.proto.State(); got != fsm.StateIdle {
		t.Fatalf("state=%s, want idle", got)
	}
}

func TestCloseResetsSession(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	h.proto.HandleClose(errors.New("eof"))
	if got := h.proto.State(); got != fsm.StateIdle {
		t.Fatalf("state=%s, want idle", got)
	}
	if err := h.proto.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}
}

func TestInvalidJSONReported(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.text(`{not json`)
	if len(h.errs) != 1 {
		t.Fatalf("errors=%d, want 1", len(h.errs))
	}
}

func TestInformationalMessages(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	var stt, llm, emotion string
	var mcp json.RawMessage
	h.proto.callbacks.OnSTT = func(text string) { stt = text }
	h.proto.callbacks.OnLLM = func(text, e string) { llm, emotion = text, e }
	h.proto.callbacks.OnMCP = func(payload json.RawMessage) { mcp = payload }
	h.handshake(t)

	h.text(`{"type":"stt","text":"what time is it"}`)
	h.text(`{"type":"llm","text":"😊","emotion":"happy"}`)
	h.text(`{"type":"mcp","payload":{"jsonrpc":"2.0","id":1}}`)

	if stt != "what time is it" {
		t.Fatalf("stt=%q", stt)
	}
	if llm != "😊" || emotion != "happy" {
		t.Fatalf("llm=%q emotion=%q", llm, emotion)
	}
	if string(mcp) != `{"jsonrpc":"2.0","id":1}` {
		t.Fatalf("mcp=%s", mcp)
	}
}

func TestSendAudioCountsFrames(t *testing.T) {
	h := newProtocolHarness(t, Config{})
	h.handshake(t)
	if err := h.proto.SendAudio(context.Background(), []byte{0xF8, 0xFF, 0xFE}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(h.sender.binary) != 1 || len(h.sender.binary[0]) != 3 {
		t.Fatalf("binary=%v", h.sender.binary)
	}
}

func TestStatusIncludesPlayer(t *testing.T) {
	h := newProtocolHarness(t, Config{ListenMode: "auto"})
	h.handshake(t)
	st := h.proto.Status()
	if st.Player != nil || st.Mode != fsm.ModeAuto {
		t.Fatalf("status=%+v", st)
	}
	h.text(`{"type":"tts","state":"start"}`)
	st = h.proto.Status()
	if st.Player == nil || !st.Player.Initialized || st.State != fsm.StateSpeaking {
		t.Fatalf("status=%+v", st)
	}
}
