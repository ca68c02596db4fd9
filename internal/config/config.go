package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	appdefaults "github.com/saker-ai/voice-client/config"
	"github.com/saker-ai/voice-client/internal/logger"
	"github.com/saker-ai/voice-client/pkg/audio/opusx"
	"github.com/saker-ai/voice-client/pkg/capture"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig describes the xiaozhi websocket endpoint.
type ServerConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	ProtocolVersion int           `mapstructure:"protocol_version" yaml:"protocol_version"`
	DeviceID        string        `mapstructure:"device_id" yaml:"device_id"`
	ClientID        string        `mapstructure:"client_id" yaml:"client_id"`
	AccessToken     string        `mapstructure:"access_token" yaml:"access_token"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
}

// AudioConfig is the uplink format announced in hello.
type AudioConfig struct {
	Format        string `mapstructure:"format" yaml:"format"`
	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int    `mapstructure:"channels" yaml:"channels"`
	FrameDuration int    `mapstructure:"frame_duration" yaml:"frame_duration"`
}

// CaptureConfig represents a captureConfig.
type CaptureConfig struct {
	Enabled         bool                `mapstructure:"enabled" yaml:"enabled"`
	ReadMs          int                 `mapstructure:"read_ms" yaml:"read_ms"`
	HeaderPages     int                 `mapstructure:"header_pages" yaml:"header_pages"`
	FramesPerBuffer int                 `mapstructure:"frames_per_buffer" yaml:"frames_per_buffer"`
	Application     string              `mapstructure:"application" yaml:"application"`
	Constraints     capture.Constraints `mapstructure:"constraints" yaml:"constraints"`
	Encoder         opusx.EncoderConfig `mapstructure:"encoder" yaml:"encoder"`
}

// PlaybackConfig represents a playbackConfig.
type PlaybackConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Speaker         bool          `mapstructure:"speaker" yaml:"speaker"`
	SpeakerBuffer   time.Duration `mapstructure:"speaker_buffer" yaml:"speaker_buffer"`
	SampleRate      int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int           `mapstructure:"channels" yaml:"channels"`
	TickInterval    time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	Lead            time.Duration `mapstructure:"lead" yaml:"lead"`
	LowWatermark    int           `mapstructure:"low_watermark" yaml:"low_watermark"`
	DecodeQueueSize int           `mapstructure:"decode_queue_size" yaml:"decode_queue_size"`
	PCMQueueSize    int           `mapstructure:"pcm_queue_size" yaml:"pcm_queue_size"`
	SilenceTimeout  time.Duration `mapstructure:"silence_timeout" yaml:"silence_timeout"`
}

// ProtocolConfig represents a protocolConfig.
type ProtocolConfig struct {
	ListenMode     string        `mapstructure:"listen_mode" yaml:"listen_mode"`
	ListenDebounce time.Duration `mapstructure:"listen_debounce" yaml:"listen_debounce"`
	DetectText     string        `mapstructure:"detect_text" yaml:"detect_text"`
	AbortReason    string        `mapstructure:"abort_reason" yaml:"abort_reason"`
}

// ControlConfig is the local status server. An empty Addr disables it.
type ControlConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	TLSCertPath string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path" yaml:"tls_key_path"`
}

// CaptionsConfig represents a captionsConfig.
type CaptionsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig represents a metricsConfig.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Config represents a config.
type Config struct {
	RootDir  string         `mapstructure:"-" yaml:"-"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Protocol ProtocolConfig `mapstructure:"protocol" yaml:"protocol"`
	Control  ControlConfig  `mapstructure:"control" yaml:"control"`
	Captions CaptionsConfig `mapstructure:"captions" yaml:"captions"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log      logger.Config  `mapstructure:"log" yaml:"log"`
}

// Load reads conf.yaml from the project root when present.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}
	return finish(v, rootDir)
}

// LoadConfig reads configPath on top of the defaults. An empty path behaves
// like Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("VOICE_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}
	return finish(v, rootDir)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}
	v.SetEnvPrefix("voice")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	deriveIdentity(&cfg)
	derivePaths(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the client cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.URL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url %q must use ws or wss", c.Server.URL)
	}
	if c.Audio.Format != "opus" {
		return fmt.Errorf("audio.format %q is not supported", c.Audio.Format)
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.FrameDuration <= 0 {
		return fmt.Errorf("audio params must be positive: %+v", c.Audio)
	}
	if c.Capture.HeaderPages < capture.MinHeaderPages {
		return fmt.Errorf("capture.header_pages must be at least %d", capture.MinHeaderPages)
	}
	if _, err := opusx.ParseApplication(c.Capture.Application); err != nil {
		return fmt.Errorf("capture.application: %w", err)
	}
	if (c.Control.TLSCertPath == "") != (c.Control.TLSKeyPath == "") {
		return fmt.Errorf("control tls needs both cert and key")
	}
	return nil
}

// Dump renders cfg as YAML with the access token masked.
func Dump(cfg Config) ([]byte, error) {
	if cfg.Server.AccessToken != "" {
		cfg.Server.AccessToken = "***"
	}
	return yaml.Marshal(cfg)
}

// deriveIdentity fills the device id from the first hardware address and
// the client id from a random UUID.
func deriveIdentity(cfg *Config) {
	if cfg.Server.DeviceID == "" {
		cfg.Server.DeviceID = hardwareAddr()
	}
	if cfg.Server.ClientID == "" {
		cfg.Server.ClientID = uuid.NewString()
	}
}

func hardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return strings.ToLower(iface.HardwareAddr.String())
		}
	}
	id := uuid.New()
	return net.HardwareAddr(id[:6]).String()
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("VOICE_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.Captions.Dir = resolvePath(cfg.RootDir, cfg.Captions.Dir, filepath.Join("data", "captions"))
	cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, filepath.Join("data", "logs"))
	if cfg.Control.TLSCertPath != "" {
		cfg.Control.TLSCertPath = resolvePath(cfg.RootDir, cfg.Control.TLSCertPath, "")
	}
	if cfg.Control.TLSKeyPath != "" {
		cfg.Control.TLSKeyPath = resolvePath(cfg.RootDir, cfg.Control.TLSKeyPath, "")
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
