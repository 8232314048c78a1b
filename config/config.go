package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"acqstream/internal/acq"
	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/trigger"
)

// EnvPrefix is prepended to every environment override, e.g.
// ACQ_TRIGGER_MODE=manual sets trigger.mode.
const EnvPrefix = "ACQ"

// Config is the complete daemon configuration.
type Config struct {
	Session  SessionConfig  `mapstructure:"session"`
	Producer ProducerConfig `mapstructure:"producer"`
	Demux    DemuxConfig    `mapstructure:"demux"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Audio    AudioConfig    `mapstructure:"audio"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// SessionConfig describes the scan stream and the shared ring.
type SessionConfig struct {
	SampleRate    float64 `mapstructure:"sample_rate"`
	ChannelCount  int     `mapstructure:"channel_count"`
	SampleWidth   int     `mapstructure:"sample_width"`
	ScansPerPage  int     `mapstructure:"scans_per_page"`
	Pages         int     `mapstructure:"pages"`
	MetadataBytes int     `mapstructure:"metadata_bytes"`
	// ShmPath backs the ring with a shared mmapped file; empty keeps it on the heap.
	ShmPath string `mapstructure:"shm_path"`
}

// ProducerConfig selects and tunes the sample source.
type ProducerConfig struct {
	// Kind is "synthetic" or "websocket".
	Kind          string `mapstructure:"kind"`
	URL           string `mapstructure:"url"`
	DialTimeoutMs int    `mapstructure:"dial_timeout_ms"`
	MaxErrors     int    `mapstructure:"max_errors"`
	// Synthetic generator
	PulseChannel  int   `mapstructure:"pulse_channel"`
	PulsePeriod   int64 `mapstructure:"pulse_period_scans"`
	PulseWidth    int64 `mapstructure:"pulse_width_scans"`
	Amplitude     int32 `mapstructure:"amplitude"`
	OverrunEvery  int   `mapstructure:"overrun_every"`
	Realtime      bool  `mapstructure:"realtime"`
	InputChannels int   `mapstructure:"input_channels"` // 0 = session.channel_count
}

// DemuxConfig reorders producer channels before they are paged.
type DemuxConfig struct {
	// Order lists, per output channel, the input channel it comes from.
	Order []int `mapstructure:"order"`
	// Chips de-interleaves a multiplexed multi-chip device; 0 or 1 disables.
	Chips int `mapstructure:"chips"`
}

// TriggerConfig is the trigger window in operator units.
type TriggerConfig struct {
	Mode              string  `mapstructure:"mode"`
	StartAfterSeconds float64 `mapstructure:"start_after_seconds"`
	RunSeconds        float64 `mapstructure:"run_seconds"`
	Source            string  `mapstructure:"source"`
	SignalChannel     int     `mapstructure:"signal_channel"`
	Threshold         int32   `mapstructure:"threshold"`
	DebounceScans     int     `mapstructure:"debounce_scans"`
	StopOnLow         bool    `mapstructure:"stop_on_low"`
	StopTimeSeconds   float64 `mapstructure:"stop_time_seconds"`
	PreRollSeconds    float64 `mapstructure:"pre_roll_seconds"`
	Rearm             bool    `mapstructure:"rearm"`
	FlushOnManual     bool    `mapstructure:"flush_display_on_manual"`
}

// RecoveryConfig bounds producer restarts after overruns.
type RecoveryConfig struct {
	MaxRestartFailures int `mapstructure:"max_restart_failures"`
	RestartBackoffMs   int `mapstructure:"restart_backoff_ms"`
}

// StorageConfig is the SQLite sink.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig is the live query publisher.
type RedisConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	StreamMaxLen    int64  `mapstructure:"stream_max_len"`
	BreakerFailures int    `mapstructure:"breaker_failures"`
	BreakerResetMs  int    `mapstructure:"breaker_reset_ms"`
	BufferSize      int    `mapstructure:"buffer_size"`
}

// GatewayConfig is the display hub and HTTP API.
type GatewayConfig struct {
	Addr              string  `mapstructure:"addr"`
	ScrollbackSeconds float64 `mapstructure:"scrollback_seconds"`
	ReplaySize        int     `mapstructure:"replay_size"`
	DisplayPoints     int     `mapstructure:"display_points"`
	SystemIntervalMs  int     `mapstructure:"system_interval_ms"`
}

// AudioConfig is the monitor audio bridge.
type AudioConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Channel    int     `mapstructure:"channel"`
	OutRate    float64 `mapstructure:"out_rate"`
	QueueDepth int     `mapstructure:"queue_depth"`
	AllowFake  bool    `mapstructure:"allow_fake"`
}

// MetricsConfig is the Prometheus and health endpoint.
type MetricsConfig struct {
	Addr             string `mapstructure:"addr"`
	HealthIntervalMs int    `mapstructure:"health_interval_ms"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// NotifyConfig controls operator alerts.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Default returns the built-in configuration: a synthetic 4-channel
// 16-bit source at 10 kHz with a level trigger on channel 0.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			SampleRate:   10000,
			ChannelCount: 4,
			SampleWidth:  2,
			ScansPerPage: 500,
			Pages:        64,
		},
		Producer: ProducerConfig{
			Kind:          "synthetic",
			DialTimeoutMs: 5000,
			MaxErrors:     10,
			PulsePeriod:   50000,
			PulseWidth:    10000,
			Amplitude:     20000,
			Realtime:      true,
		},
		Trigger: TriggerConfig{
			Mode:            "level",
			Source:          trigger.SourcePhotodiode,
			Threshold:       10000,
			DebounceScans:   10,
			StopOnLow:       true,
			StopTimeSeconds: 0.5,
			PreRollSeconds:  0.2,
			Rearm:           true,
			FlushOnManual:   true,
		},
		Recovery: RecoveryConfig{
			MaxRestartFailures: acq.DefaultMaxRestartFailures,
			RestartBackoffMs:   100,
		},
		Storage: StorageConfig{SQLitePath: "data/acq.db"},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			StreamMaxLen:    20000,
			BreakerFailures: 5,
			BreakerResetMs:  10000,
			BufferSize:      10000,
		},
		Gateway: GatewayConfig{
			Addr:              ":8080",
			ScrollbackSeconds: 5,
			ReplaySize:        500,
			DisplayPoints:     64,
			SystemIntervalMs:  2000,
		},
		Audio: AudioConfig{
			OutRate:    8000,
			QueueDepth: 32,
			AllowFake:  true,
		},
		Metrics: MetricsConfig{
			Addr:             ":9090",
			HealthIntervalMs: 5000,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("session.sample_rate", d.Session.SampleRate)
	v.SetDefault("session.channel_count", d.Session.ChannelCount)
	v.SetDefault("session.sample_width", d.Session.SampleWidth)
	v.SetDefault("session.scans_per_page", d.Session.ScansPerPage)
	v.SetDefault("session.pages", d.Session.Pages)
	v.SetDefault("session.metadata_bytes", d.Session.MetadataBytes)
	v.SetDefault("session.shm_path", d.Session.ShmPath)

	v.SetDefault("producer.kind", d.Producer.Kind)
	v.SetDefault("producer.url", d.Producer.URL)
	v.SetDefault("producer.dial_timeout_ms", d.Producer.DialTimeoutMs)
	v.SetDefault("producer.max_errors", d.Producer.MaxErrors)
	v.SetDefault("producer.pulse_channel", d.Producer.PulseChannel)
	v.SetDefault("producer.pulse_period_scans", d.Producer.PulsePeriod)
	v.SetDefault("producer.pulse_width_scans", d.Producer.PulseWidth)
	v.SetDefault("producer.amplitude", d.Producer.Amplitude)
	v.SetDefault("producer.overrun_every", d.Producer.OverrunEvery)
	v.SetDefault("producer.realtime", d.Producer.Realtime)
	v.SetDefault("producer.input_channels", d.Producer.InputChannels)

	v.SetDefault("demux.order", d.Demux.Order)
	v.SetDefault("demux.chips", d.Demux.Chips)

	v.SetDefault("trigger.mode", d.Trigger.Mode)
	v.SetDefault("trigger.start_after_seconds", d.Trigger.StartAfterSeconds)
	v.SetDefault("trigger.run_seconds", d.Trigger.RunSeconds)
	v.SetDefault("trigger.source", d.Trigger.Source)
	v.SetDefault("trigger.signal_channel", d.Trigger.SignalChannel)
	v.SetDefault("trigger.threshold", d.Trigger.Threshold)
	v.SetDefault("trigger.debounce_scans", d.Trigger.DebounceScans)
	v.SetDefault("trigger.stop_on_low", d.Trigger.StopOnLow)
	v.SetDefault("trigger.stop_time_seconds", d.Trigger.StopTimeSeconds)
	v.SetDefault("trigger.pre_roll_seconds", d.Trigger.PreRollSeconds)
	v.SetDefault("trigger.rearm", d.Trigger.Rearm)
	v.SetDefault("trigger.flush_display_on_manual", d.Trigger.FlushOnManual)

	v.SetDefault("recovery.max_restart_failures", d.Recovery.MaxRestartFailures)
	v.SetDefault("recovery.restart_backoff_ms", d.Recovery.RestartBackoffMs)

	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.stream_max_len", d.Redis.StreamMaxLen)
	v.SetDefault("redis.breaker_failures", d.Redis.BreakerFailures)
	v.SetDefault("redis.breaker_reset_ms", d.Redis.BreakerResetMs)
	v.SetDefault("redis.buffer_size", d.Redis.BufferSize)

	v.SetDefault("gateway.addr", d.Gateway.Addr)
	v.SetDefault("gateway.scrollback_seconds", d.Gateway.ScrollbackSeconds)
	v.SetDefault("gateway.replay_size", d.Gateway.ReplaySize)
	v.SetDefault("gateway.display_points", d.Gateway.DisplayPoints)
	v.SetDefault("gateway.system_interval_ms", d.Gateway.SystemIntervalMs)

	v.SetDefault("audio.enabled", d.Audio.Enabled)
	v.SetDefault("audio.channel", d.Audio.Channel)
	v.SetDefault("audio.out_rate", d.Audio.OutRate)
	v.SetDefault("audio.queue_depth", d.Audio.QueueDepth)
	v.SetDefault("audio.allow_fake", d.Audio.AllowFake)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.health_interval_ms", d.Metrics.HealthIntervalMs)

	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("notify.webhook_url", d.Notify.WebhookURL)
}

// Load reads configuration into a Config: defaults, then the YAML file at
// path (if non-empty), then ACQ_* environment variables.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ScanGeometry returns the geometry of one paged scan.
func (c *Config) ScanGeometry() model.Geometry {
	return model.Geometry{ChannelCount: c.Session.ChannelCount, SampleWidth: c.Session.SampleWidth}
}

// InputGeometry returns the geometry the producer emits before demux.
func (c *Config) InputGeometry() model.Geometry {
	g := c.ScanGeometry()
	if c.Producer.InputChannels > 0 {
		g.ChannelCount = c.Producer.InputChannels
	}
	return g
}

// PageGeometry returns the page framing of the shared ring.
func (c *Config) PageGeometry() scanpager.Geometry {
	return scanpager.ForScans(c.ScanGeometry(), c.Session.ScansPerPage, c.Session.MetadataBytes)
}

// PageBytes returns the size of one page including metadata.
func (c *Config) PageBytes() int {
	return c.PageGeometry().PageBytes
}

// RegionBytes returns the size of the ring region.
func (c *Config) RegionBytes() int {
	return c.PageGeometry().RegionBytes(c.Session.Pages)
}

// PreRollBytes returns the pre-roll buffer size in whole scans.
func (c *Config) PreRollBytes() int {
	return trigger.PreRollBytes(c.Trigger.PreRollSeconds, c.Session.SampleRate, c.ScanGeometry().ScanBytes())
}

// Scans converts seconds to a scan count at the session rate.
func (c *Config) Scans(seconds float64) int64 {
	return int64(seconds * c.Session.SampleRate)
}

// TriggerWindow converts the trigger section to a trigger.Config.
func (c *Config) TriggerWindow() (trigger.Config, error) {
	mode, err := trigger.ParseMode(c.Trigger.Mode)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Mode:          mode,
		StartAtScan:   c.Scans(c.Trigger.StartAfterSeconds),
		RunScans:      c.Scans(c.Trigger.RunSeconds),
		Source:        c.Trigger.Source,
		SignalChannel: c.Trigger.SignalChannel,
		Threshold:     c.Trigger.Threshold,
		DebounceScans: c.Trigger.DebounceScans,
		StopOnLow:     c.Trigger.StopOnLow,
		StopTimeScans: c.Scans(c.Trigger.StopTimeSeconds),
		PreRollScans:  c.Scans(c.Trigger.PreRollSeconds),
		Rearm:         c.Trigger.Rearm,
	}, nil
}

// AcqConfig builds the controller configuration.
func (c *Config) AcqConfig() (acq.Config, error) {
	tc, err := c.TriggerWindow()
	if err != nil {
		return acq.Config{}, err
	}
	return acq.Config{
		SampleRate:           c.Session.SampleRate,
		PreRollSeconds:       c.Trigger.PreRollSeconds,
		StopTimeSeconds:      c.Trigger.StopTimeSeconds,
		Trigger:              tc,
		MaxRestartFailures:   c.Recovery.MaxRestartFailures,
		RestartBackoff:       time.Duration(c.Recovery.RestartBackoffMs) * time.Millisecond,
		FlushDisplayOnManual: c.Trigger.FlushOnManual,
	}, nil
}

// Millis converts a millisecond setting to a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
