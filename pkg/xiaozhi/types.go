package xiaozhi

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoSession is returned by operations that need a completed handshake.
var ErrNoSession = errors.New("xiaozhi: no session established")

// ErrNotConnected is returned when no websocket is open.
var ErrNotConnected = errors.New("xiaozhi: connection not ready")

// AudioParams describes the uplink audio format announced in hello.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// DefaultAudioParams returns 16 kHz mono Opus in 60 ms frames.
func DefaultAudioParams() AudioParams {
	return AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}
}

// Config represents a config.
type Config struct {
	URL             string
	ProtocolVersion int
	DeviceID        string
	ClientID        string
	AccessToken     string
	AudioParams     AudioParams
	ListenMode      string
	ListenDebounce  time.Duration
	DetectText      string
	AbortReason     string
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
}

func (c Config) normalized() Config {
	def := DefaultAudioParams()
	if c.AudioParams.Format == "" {
		c.AudioParams.Format = def.Format
	}
	if c.AudioParams.SampleRate <= 0 {
		c.AudioParams.SampleRate = def.SampleRate
	}
	if c.AudioParams.Channels <= 0 {
		c.AudioParams.Channels = def.Channels
	}
	if c.AudioParams.FrameDuration <= 0 {
		c.AudioParams.FrameDuration = def.FrameDuration
	}
	if c.ProtocolVersion <= 0 {
		c.ProtocolVersion = 1
	}
	if c.ListenDebounce <= 0 {
		c.ListenDebounce = 100 * time.Millisecond
	}
	if c.DetectText == "" {
		c.DetectText = "你好小智"
	}
	if c.AbortReason == "" {
		c.AbortReason = "user_interrupt"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

type helloMessage struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	AudioParams AudioParams `json:"audio_params"`
}

type listenMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
}

type abortMessage struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Reason    string `json:"reason,omitempty"`
}

type inboundMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	State      string          `json:"state,omitempty"`
	Text       string          `json:"text,omitempty"`
	Emotion    string          `json:"emotion,omitempty"`
	WelcomeMsg string          `json:"welcome_msg,omitempty"`
	Version    int             `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TTS states sent by the server.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)
