package config

import (
	"fmt"
	"slices"
	"strings"

	"acqstream/internal/trigger"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "session.sample_width"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// MetadataProducers lists the producer kinds that attach page metadata.
func MetadataProducers() []string { return []string{"synthetic"} }

// ValidProducers returns the accepted producer.kind values.
func ValidProducers() []string {
	return []string{"synthetic", "websocket"}
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	s := c.Session
	if s.SampleRate <= 0 {
		add("session.sample_rate", s.SampleRate, "must be positive")
	}
	if err := c.ScanGeometry().Validate(); err != nil {
		add("session", fmt.Sprintf("%dx%d", s.ChannelCount, s.SampleWidth), err.Error())
	}
	if s.ScansPerPage < 1 {
		add("session.scans_per_page", s.ScansPerPage, "must be at least 1")
	}
	if s.Pages < 2 {
		add("session.pages", s.Pages, "must be at least 2")
	}
	if s.MetadataBytes < 0 {
		add("session.metadata_bytes", s.MetadataBytes, "must not be negative")
	}

	p := c.Producer
	if s.MetadataBytes > 0 && !slices.Contains(MetadataProducers(), p.Kind) {
		add("session.metadata_bytes", s.MetadataBytes, "producer "+p.Kind+" supplies no page metadata")
	}
	if !slices.Contains(ValidProducers(), p.Kind) {
		add("producer.kind", p.Kind, "must be one of "+strings.Join(ValidProducers(), ", "))
	}
	if p.Kind == "websocket" && p.URL == "" {
		add("producer.url", p.URL, "required for the websocket producer")
	}
	in := c.InputGeometry().ChannelCount
	if p.PulseChannel < 0 || p.PulseChannel >= in {
		add("producer.pulse_channel", p.PulseChannel, "out of range")
	}

	d := c.Demux
	if len(d.Order) > 0 && len(d.Order) != s.ChannelCount {
		add("demux.order", d.Order, "must list one input channel per output channel")
	}
	for _, ch := range d.Order {
		if ch < 0 || ch >= in {
			add("demux.order", d.Order, "references a channel outside the input")
			break
		}
	}
	if len(d.Order) == 0 && d.Chips <= 1 && in != s.ChannelCount {
		add("producer.input_channels", p.InputChannels, "differs from session.channel_count without a demux")
	}
	if d.Chips > 1 && s.ChannelCount%d.Chips != 0 {
		add("demux.chips", d.Chips, "must divide session.channel_count")
	}

	t := c.Trigger
	if _, err := trigger.ParseMode(t.Mode); err != nil {
		add("trigger.mode", t.Mode, err.Error())
	}
	if t.SignalChannel < 0 || t.SignalChannel >= s.ChannelCount {
		add("trigger.signal_channel", t.SignalChannel, "out of range")
	}
	if t.PreRollSeconds < 0 {
		add("trigger.pre_roll_seconds", t.PreRollSeconds, "must not be negative")
	}
	if t.StopTimeSeconds < 0 {
		add("trigger.stop_time_seconds", t.StopTimeSeconds, "must not be negative")
	}
	switch t.Source {
	case trigger.SourcePhotodiode, trigger.SourceTTL, trigger.SourceAnalog:
	default:
		add("trigger.source", t.Source, "must be photodiode, ttl or analog")
	}

	if c.Storage.SQLitePath == "" {
		add("storage.sqlite_path", "", "required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr", "", "required when redis is enabled")
	}
	if c.Audio.Enabled {
		if c.Audio.OutRate <= 0 {
			add("audio.out_rate", c.Audio.OutRate, "must be positive")
		}
		if c.Audio.Channel < 0 || c.Audio.Channel >= s.ChannelCount {
			add("audio.channel", c.Audio.Channel, "out of range")
		}
		if c.Audio.QueueDepth < 1 {
			add("audio.queue_depth", c.Audio.QueueDepth, "must be at least 1")
		}
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	return errs
}
