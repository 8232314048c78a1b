package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// ReaderConfig configures the Redis reader.
type ReaderConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoredPage is a PageEvent read back from the page stream.
type StoredPage struct {
	ID string `json:"id"`
	PageEvent
}

// PageReader queries the streams written by Publisher.
type PageReader struct {
	client *goredis.Client
}

// NewPageReader creates a PageReader and pings the server.
func NewPageReader(cfg ReaderConfig) (*PageReader, error) {
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

	log.Printf("[redis-reader] connected to %s", cfg.Addr)
	return &PageReader{client: client}, nil
}

// Pages returns up to count pages of session after stream id afterID
// ("" reads from the start). Samples are included when withSamples is set.
func (r *PageReader) Pages(ctx context.Context, session, afterID string, count int64, withSamples bool) ([]StoredPage, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	msgs, err := r.client.XRangeN(ctx, SessionKeys(session).PageStream, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XRANGE pages: %w", err)
	}
	out := make([]StoredPage, 0, len(msgs))
	for _, m := range msgs {
		p, err := decodePage(m, withSamples)
		if err != nil {
			log.Printf("[redis-reader] skip malformed page %s: %v", m.ID, err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Latest returns the most recent page summary, or nil if none.
func (r *PageReader) Latest(ctx context.Context, session string) (*PageEvent, error) {
	data, err := r.client.Get(ctx, SessionKeys(session).Latest).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET latest: %w", err)
	}
	var ev PageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal latest: %w", err)
	}
	return &ev, nil
}

// Transitions returns the count most recent trigger events, newest first.
func (r *PageReader) Transitions(ctx context.Context, session string, count int64) ([]TransitionEvent, error) {
	msgs, err := r.client.XRevRangeN(ctx, SessionKeys(session).TriggerStream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE trigger: %w", err)
	}
	out := make([]TransitionEvent, 0, len(msgs))
	for _, m := range msgs {
		s, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev TransitionEvent
		if json.Unmarshal([]byte(s), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SubscribePages subscribes to live page summaries and feeds them to out
// until ctx is cancelled.
func (r *PageReader) SubscribePages(ctx context.Context, session string, out chan<- PageEvent) error {
	pubsub := r.client.Subscribe(ctx, SessionKeys(session).PageChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev PageEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}
}

// Client returns the underlying Redis client.
func (r *PageReader) Client() *goredis.Client { return r.client }

// Close closes the Redis client.
func (r *PageReader) Close() error {
	return r.client.Close()
}

func decodePage(m goredis.XMessage, withSamples bool) (StoredPage, error) {
	s, ok := m.Values["data"].(string)
	if !ok {
		return StoredPage{}, fmt.Errorf("missing data field")
	}
	p := StoredPage{ID: m.ID}
	if err := json.Unmarshal([]byte(s), &p.PageEvent); err != nil {
		return StoredPage{}, err
	}
	if withSamples {
		if raw, ok := m.Values["samples"].(string); ok {
			p.Samples = []byte(raw)
		}
	}
	return p, nil
}
