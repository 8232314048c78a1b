package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"acqstream/internal/model"
	"acqstream/internal/scanpager"
	"acqstream/internal/trigger"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultStreamMaxLen  = 20000
	triggerStreamMaxLen  = 1000
	defaultLatestTTL     = 30 * time.Minute
	defaultFollowBackoff = 5 * time.Millisecond
)

// Config configures the Redis publisher.
type Config struct {
	Addr         string // Redis address, e.g. "localhost:6379"
	Password     string
	DB           int
	SessionID    string
	StreamMaxLen int64 // approximate XADD trim length for the page stream
}

// PageEvent summarizes one page for live subscribers. Samples carries the
// raw scans into the stream only; it is never part of the JSON.
type PageEvent struct {
	Session   string  `json:"session"`
	Seq       uint32  `json:"seq"`
	FirstScan int64   `json:"first_scan"`
	Scans     int     `json:"scans"`
	Skipped   int     `json:"skipped"`
	Fake      bool    `json:"fake"`
	Min       []int32 `json:"min"`
	Max       []int32 `json:"max"`
	TS        int64   `json:"ts"` // unix ms
	Samples   []byte  `json:"-"`
}

// TransitionEvent is a trigger state change.
type TransitionEvent struct {
	Session string `json:"session"`
	From    string `json:"from"`
	To      string `json:"to"`
	Scan    int64  `json:"scan"`
	Cause   string `json:"cause"`
	TS      int64  `json:"ts"`
}

// Keys names every Redis key used by one session.
type Keys struct {
	PageStream    string
	Latest        string
	PageChannel   string
	TriggerStream string
	TriggerChan   string
}

// SessionKeys returns the key set for session.
func SessionKeys(session string) Keys {
	return Keys{
		PageStream:    "scans:" + session,
		Latest:        "scans:latest:" + session,
		PageChannel:   "pub:scans:" + session,
		TriggerStream: "trigger:" + session,
		TriggerChan:   "pub:trigger:" + session,
	}
}

// Summarize builds the PageEvent for a chunk whose first scan is firstScan.
func Summarize(g model.Geometry, c scanpager.Chunk, firstScan int64) PageEvent {
	ev := PageEvent{
		Seq:       c.Seq,
		FirstScan: firstScan,
		Scans:     c.Scans,
		Skipped:   c.Skipped,
		Fake:      c.Fake,
		Min:       make([]int32, g.ChannelCount),
		Max:       make([]int32, g.ChannelCount),
		TS:        time.Now().UnixMilli(),
	}
	for ch := 0; ch < g.ChannelCount; ch++ {
		for i := 0; i < c.Scans; i++ {
			v := g.Sample(c.Samples, i, ch)
			if i == 0 || v < ev.Min[ch] {
				ev.Min[ch] = v
			}
			if i == 0 || v > ev.Max[ch] {
				ev.Max[ch] = v
			}
		}
	}
	return ev
}

// Publisher writes page summaries and trigger events to Redis.
type Publisher struct {
	client  *goredis.Client
	session string
	keys    Keys
	maxLen  int64
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Keys returns the session's key set.
func (p *Publisher) Keys() Keys { return p.keys }

// New creates a Publisher and pings the server.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	log.Printf("[redis] connected to %s (session=%s)", cfg.Addr, cfg.SessionID)
	return &Publisher{
		client:  client,
		session: cfg.SessionID,
		keys:    SessionKeys(cfg.SessionID),
		maxLen:  maxLen,
	}, nil
}

// PublishPage pipelines XADD + SET latest + PUBLISH for one page.
func (p *Publisher) PublishPage(ctx context.Context, ev PageEvent) error {
	ev.Session = p.session
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.keys.PageStream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data":    jsonData,
			"samples": ev.Samples,
		},
	})
	pipe.Set(ctx, p.keys.Latest, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, p.keys.PageChannel, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis page pipeline seq=%d: %w", ev.Seq, err)
	}
	return nil
}

// PublishTransition records a trigger transition on the trigger stream and channel.
func (p *Publisher) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	ev.Session = p.session
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	jsonData := string(data)

	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.keys.TriggerStream,
		MaxLen: triggerStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, p.keys.TriggerChan, jsonData)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis trigger pipeline: %w", err)
	}
	return nil
}

// TransitionEventFrom converts a trigger transition.
func TransitionEventFrom(t trigger.Transition) TransitionEvent {
	return TransitionEvent{
		From:  t.From.String(),
		To:    t.To.String(),
		Scan:  t.Scan,
		Cause: t.Cause,
		TS:    time.Now().UnixMilli(),
	}
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Follow publishes every page of reader through w until ctx is cancelled.
// The reader is private to this loop.
func Follow(ctx context.Context, reader *scanpager.Reader, w PageWriter, poll time.Duration) error {
	if poll <= 0 {
		poll = defaultFollowBackoff
	}
	g := reader.Geometry().Geometry
	for {
		c, err := reader.Poll(ctx, poll)
		if err != nil {
			return nil
		}
		first := reader.ScansSeenIncludingSkips() - int64(c.Scans)
		ev := Summarize(g, c, first)
		ev.Samples = append([]byte(nil), c.Samples...)
		if err := w.WritePage(ctx, ev); err != nil && err != ErrCircuitOpen {
			log.Printf("[redis] publish page %d: %v", c.Seq, err)
		}
	}
}
