// Package runtime assembles a voice client from configuration and runs it.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	appconfig "github.com/saker-ai/voice-client/internal/config"
	apphttp "github.com/saker-ai/voice-client/internal/http"
	"github.com/saker-ai/voice-client/internal/metrics"
	"github.com/saker-ai/voice-client/internal/session/fsm"
	"github.com/saker-ai/voice-client/internal/storage"
	"github.com/saker-ai/voice-client/pkg/audio"
	"github.com/saker-ai/voice-client/pkg/audio/opusx"
	"github.com/saker-ai/voice-client/pkg/capture"
	"github.com/saker-ai/voice-client/pkg/playback"
	"github.com/saker-ai/voice-client/pkg/xiaozhi"
)

// Options overrides the hardware-facing parts of a client.
type Options struct {
	// InputDevice defaults to PortAudio.
	InputDevice capture.InputDevice
	// NewPlayer defaults to a speaker-backed scheduler.
	NewPlayer xiaozhi.PlayerFactory
	// Registry defaults to a fresh registry with process collectors.
	Registry *prometheus.Registry
}

// Status is what /status reports.
type Status struct {
	Connected bool            `json:"connected"`
	DeviceID  string          `json:"device_id"`
	Backend   string          `json:"opus_backend"`
	Session   xiaozhi.Status  `json:"session"`
	Capture   *capture.Status `json:"capture,omitempty"`
}

// Client is a running voice client.
type Client struct {
	cfg       appconfig.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	protocol  *xiaozhi.Protocol
	transport *xiaozhi.Transport
	capture   *capture.Pipeline
	recorder  *storage.Recorder
	server    *http.Server

	mu        sync.Mutex
	runCtx    context.Context
	closeOnce sync.Once
}

// New builds a client. Nothing touches the network or devices until Run.
func New(cfg appconfig.Config, logger *zap.Logger, opts Options) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger, runCtx: context.Background()}

	if cfg.Metrics.Enabled {
		c.registry = opts.Registry
		if c.registry == nil {
			c.registry = prometheus.NewRegistry()
			c.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		c.metrics = metrics.New(cfg.Metrics.Namespace, c.registry)
	}

	if cfg.Captions.Enabled {
		recorder, err := storage.NewRecorder(cfg.Captions.Dir, cfg.Server.DeviceID, logger)
		if err != nil {
			return nil, fmt.Errorf("open caption store: %w", err)
		}
		c.recorder = recorder
	}

	newPlayer := opts.NewPlayer
	if newPlayer == nil && cfg.Playback.Enabled {
		newPlayer = c.newSpeakerPlayer
	}

	xcfg := xiaozhi.Config{
		URL:             cfg.Server.URL,
		ProtocolVersion: cfg.Server.ProtocolVersion,
		DeviceID:        cfg.Server.DeviceID,
		ClientID:        cfg.Server.ClientID,
		AccessToken:     cfg.Server.AccessToken,
		AudioParams: xiaozhi.AudioParams{
			Format:        cfg.Audio.Format,
			SampleRate:    cfg.Audio.SampleRate,
			Channels:      cfg.Audio.Channels,
			FrameDuration: cfg.Audio.FrameDuration,
		},
		ListenMode:     cfg.Protocol.ListenMode,
		ListenDebounce: cfg.Protocol.ListenDebounce,
		DetectText:     cfg.Protocol.DetectText,
		AbortReason:    cfg.Protocol.AbortReason,
		DialTimeout:    cfg.Server.DialTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		ReconnectMin:   cfg.Server.ReconnectMin,
		ReconnectMax:   cfg.Server.ReconnectMax,
	}
	c.protocol = xiaozhi.NewProtocol(xcfg, newPlayer, c.protocolCallbacks(), c.protocolMetrics(), logger.Named("xiaozhi"))
	c.transport = xiaozhi.NewTransport(xcfg, c.protocol, xiaozhi.TransportCallbacks{
		OnDisconnected: func(error) {
			if c.capture != nil {
				c.capture.Stop()
			}
		},
	}, logger.Named("transport"))

	if cfg.Capture.Enabled {
		pipeline, err := c.newCapture(opts.InputDevice)
		if err != nil {
			return nil, err
		}
		c.capture = pipeline
	}

	if cfg.Control.Addr != "" {
		routerOpts := apphttp.Options{}
		if c.registry != nil {
			routerOpts.Gatherer = c.registry
		}
		if c.recorder != nil {
			routerOpts.CaptionsDir = cfg.Captions.Dir
			routerOpts.DeviceDir = c.recorder.DeviceDir()
		}
		c.server = &http.Server{
			Addr:              cfg.Control.Addr,
			Handler:           apphttp.NewRouter(c, routerOpts, logger.Named("http")),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return c, nil
}

func (c *Client) protocolCallbacks() xiaozhi.Callbacks {
	return xiaozhi.Callbacks{
		OnStateChange: func(prev, next fsm.State) {
			c.logger.Info("session state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
			if next == fsm.StateIdle && c.capture != nil {
				c.capture.Stop()
			}
		},
		OnCaption: func(sessionID, text string) {
			if c.recorder != nil {
				c.recorder.Caption(sessionID, text)
			}
		},
		OnWelcome: func(text string) {
			c.logger.Info("server welcome", zap.String("text", text))
		},
		OnSTT: func(text string) {
			c.logger.Info("speech recognised", zap.String("text", text))
			if c.recorder != nil {
				c.recorder.Transcript(c.protocol.SessionID(), text)
			}
		},
		OnLLM: func(text, emotion string) {
			c.logger.Debug("llm update", zap.String("text", text), zap.String("emotion", emotion))
		},
		OnMCP: func(payload json.RawMessage) {
			c.logger.Debug("mcp message ignored", zap.Int("size", len(payload)))
		},
		OnError: func(err error) {
			c.logger.Warn("session error", zap.Error(err))
		},
	}
}

// protocolMetrics avoids handing a typed nil to the protocol.
func (c *Client) protocolMetrics() xiaozhi.Metrics {
	if c.metrics == nil {
		return nil
	}
	return c.metrics
}

func (c *Client) newCapture(device capture.InputDevice) (*capture.Pipeline, error) {
	cc := c.cfg.Capture
	app, err := opusx.ParseApplication(cc.Application)
	if err != nil {
		return nil, err
	}
	if device == nil {
		device = capture.PortAudioDevice{FramesPerBuffer: cc.FramesPerBuffer}
	}
	spec := audio.EncoderSpec{
		SampleRate:      c.cfg.Audio.SampleRate,
		Channels:        c.cfg.Audio.Channels,
		FrameDurationMs: c.cfg.Audio.FrameDuration,
		Application:     app,
		Options:         cc.Encoder,
	}
	log := c.logger.Named("capture")
	newEncoder := func() (capture.PageEncoder, error) {
		return capture.NewOggOpusEncoder(spec, log)
	}
	var m capture.Metrics
	if c.metrics != nil {
		m = c.metrics
	}
	pcfg := capture.Config{
		SampleRate:      spec.SampleRate,
		Channels:        spec.Channels,
		FrameDurationMs: spec.FrameDurationMs,
		HeaderPages:     cc.HeaderPages,
		ReadMs:          cc.ReadMs,
		Constraints:     cc.Constraints,
	}
	return capture.New(pcfg, device, newEncoder, log, m, capture.Callbacks{
		OnError: func(err error) {
			c.logger.Error("microphone stopped", zap.Error(err))
		},
	}), nil
}

type speakerPlayer struct {
	*playback.Scheduler
	release func()
}

func (p *speakerPlayer) Cleanup() error {
	err := p.Scheduler.Cleanup()
	p.release()
	return err
}

// newSpeakerPlayer drives a timeline device from the sound card, or from a
// wall clock ticker when no sound card can be opened.
func (c *Client) newSpeakerPlayer() (xiaozhi.Player, error) {
	pc := c.cfg.Playback
	log := c.logger.Named("playback")
	device := playback.NewTimelineDevice(pc.SampleRate)

	release := func() {}
	speakerOn := false
	if pc.Speaker {
		if err := playback.StartSpeaker(device, pc.SpeakerBuffer); err != nil {
			log.Warn("speaker unavailable, using wall clock", zap.Error(err))
		} else {
			speakerOn = true
			release = playback.StopSpeaker
		}
	}
	if !speakerOn {
		ctx, cancel := context.WithCancel(context.Background())
		go device.RunClock(ctx, pc.TickInterval)
		release = cancel
	}

	decoder, err := playback.NewOpusDecoder(pc.SampleRate, pc.Channels)
	if err != nil {
		release()
		return nil, err
	}
	var m playback.Metrics
	if c.metrics != nil {
		m = c.metrics
	}
	sched, err := playback.New(playback.Config{
		SampleRate:      pc.SampleRate,
		Channels:        pc.Channels,
		TickInterval:    pc.TickInterval,
		Lead:            pc.Lead,
		LowWatermark:    pc.LowWatermark,
		DecodeQueueSize: pc.DecodeQueueSize,
		PCMQueueSize:    pc.PCMQueueSize,
		SilenceTimeout:  pc.SilenceTimeout,
	}, playback.Deps{Device: device, Decoder: decoder, Logger: log, Metrics: m})
	if err != nil {
		_ = decoder.Close()
		release()
		return nil, err
	}
	return &speakerPlayer{Scheduler: sched, release: release}, nil
}

// Run blocks until ctx is done or a component fails.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.runCtx = gctx
	c.mu.Unlock()

	c.logger.Info("voice client starting",
		zap.String("url", c.cfg.Server.URL),
		zap.String("device_id", c.cfg.Server.DeviceID),
		zap.String("opus_backend", opusx.Backend()),
		zap.Bool("capture", c.capture != nil),
		zap.Bool("playback", c.cfg.Playback.Enabled),
	)

	g.Go(func() error {
		err := c.transport.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if c.server != nil {
		g.Go(func() error {
			return c.listen()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ignoreServerClosed(c.server.Shutdown(shutdownCtx))
		})
	}

	err := g.Wait()
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (c *Client) listen() error {
	cc := c.cfg.Control
	var err error
	if cc.TLSCertPath != "" && cc.TLSKeyPath != "" {
		c.logger.Info("starting https control server", zap.String("addr", cc.Addr))
		err = c.server.ListenAndServeTLS(cc.TLSCertPath, cc.TLSKeyPath)
	} else {
		c.logger.Info("starting http control server", zap.String("addr", cc.Addr))
		err = c.server.ListenAndServe()
	}
	return ignoreServerClosed(err)
}

func ignoreServerClosed(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close releases the microphone, the session and the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		var errs []error
		if c.capture != nil {
			errs = append(errs, c.capture.Close())
		}
		c.protocol.Reset()
		errs = append(errs, c.transport.Close())
		err = errors.Join(errs...)
		c.logger.Info("voice client stopped")
	})
	return err
}

func (c *Client) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

// StartListening opens the microphone and tells the server to listen.
func (c *Client) StartListening(ctx context.Context) error {
	if !c.protocol.HasSession() {
		return xiaozhi.ErrNoSession
	}
	if c.protocol.State() == fsm.StateSpeaking {
		if err := c.protocol.SendAbort(ctx, ""); err != nil {
			return err
		}
	}
	if c.capture != nil {
		runCtx := c.context()
		err := c.capture.Start(runCtx, func(frame []byte) {
			if err := c.protocol.SendAudio(runCtx, frame); err != nil {
				c.logger.Debug("uplink frame dropped", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	if err := c.protocol.SendListenStart(ctx); err != nil {
		if c.capture != nil {
			c.capture.Stop()
		}
		return err
	}
	return nil
}

// StopListening pauses the microphone and tells the server to stop.
func (c *Client) StopListening(ctx context.Context) error {
	if c.capture != nil {
		c.capture.Stop()
	}
	return c.protocol.SendListenStop(ctx)
}

// Detect sends a wake word detection.
func (c *Client) Detect(ctx context.Context, text string) error {
	return c.protocol.SendDetect(ctx, text)
}

// Abort interrupts the server's speech.
func (c *Client) Abort(ctx context.Context, reason string) error {
	return c.protocol.SendAbort(ctx, reason)
}

// Protocol exposes the session for callers that drive it directly.
func (c *Client) Protocol() *xiaozhi.Protocol {
	return c.protocol
}

// Status implements the control API.
func (c *Client) Status() any {
	return c.Snapshot()
}

// Snapshot returns the typed status.
func (c *Client) Snapshot() Status {
	st := Status{
		Connected: c.transport.Connected(),
		DeviceID:  c.cfg.Server.DeviceID,
		Backend:   opusx.Backend(),
		Session:   c.protocol.Status(),
	}
	if c.capture != nil {
		cs := c.capture.Status()
		st.Capture = &cs
	}
	return st
}
