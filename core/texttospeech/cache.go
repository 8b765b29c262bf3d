package texttospeech

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheCapacity = 100
	DefaultFlightTimeout = 10 * time.Second
)

type CacheOption func(*Cache)

func WithCapacity(capacity int) CacheOption {
	return func(c *Cache) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithFlightTimeout bounds one shared synthesis. Callers joining the flight
// still give up on their own context.
func WithFlightTimeout(timeout time.Duration) CacheOption {
	return func(c *Cache) {
		if timeout > 0 {
			c.flightTimeout = timeout
		}
	}
}

// WithLookupObserver is called after every lookup that produced audio, with
// hit set when the audio came from the cache.
func WithLookupObserver(observe func(language string, hit bool)) CacheOption {
	return func(c *Cache) { c.observe = observe }
}

// Cache is a [Synthesizer] that remembers audio by target language and exact
// text. It is shared across sessions. Concurrent misses for the same key call
// the wrapped synthesizer once. Failed syntheses are not cached.
type Cache struct {
	next          Synthesizer
	capacity      int
	flightTimeout time.Duration
	observe       func(language string, hit bool)

	entries *lru.Cache[cacheKey, []byte]
	flights singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheKey struct {
	language string
	text     string
}

func (k cacheKey) String() string { return k.language + "\x00" + k.text }

type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

func NewCache(next Synthesizer, opts ...CacheOption) (*Cache, error) {
	c := &Cache{next: next, capacity: DefaultCacheCapacity, flightTimeout: DefaultFlightTimeout}
	for _, opt := range opts {
		opt(c)
	}

	entries, err := lru.New[cacheKey, []byte](c.capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

func (c *Cache) Synthesize(ctx context.Context, text, language string, voice VoiceProfile) ([]byte, error) {
	audio, _, err := c.Lookup(ctx, text, language, voice)
	return audio, err
}

// Lookup returns cached audio for (language, text) or synthesizes and caches
// it. hit reports whether the wrapped synthesizer was skipped.
func (c *Cache) Lookup(ctx context.Context, text, language string, voice VoiceProfile) (audio []byte, hit bool, err error) {
	ctx, span := tracer.Start(ctx, "lookup synthesis",
		trace.WithAttributes(
			attribute.String("language", language),
			attribute.Int("text_length", len(text)),
		))
	defer span.End()

	key := cacheKey{language: language, text: text}
	if audio, ok := c.entries.Get(key); ok {
		c.hits.Add(1)
		span.SetAttributes(attribute.Bool("hit", true))
		c.report(language, true)
		return audio, true, nil
	}

	// Only the caller whose flight reached the synthesizer counts as a miss.
	synthesized := false
	result := c.flights.DoChan(key.String(), func() (any, error) {
		if audio, ok := c.entries.Peek(key); ok {
			return audio, nil
		}
		synthesized = true

		// The flight outlives the caller that started it, later callers may
		// have a longer budget.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		audio, err := c.next.Synthesize(flightCtx, text, language, voice)
		if err != nil {
			if !errors.Is(err, ErrSynthesisUnavailable) {
				err = fmt.Errorf("synthesis for %s: %w: %w", language, ErrSynthesisUnavailable, err)
			}
			return nil, err
		}
		if len(audio) == 0 {
			return nil, fmt.Errorf("empty audio for %s: %w", language, ErrSynthesisUnavailable)
		}
		c.entries.Add(key, audio)
		return audio, nil
	})

	select {
	case <-ctx.Done():
		err := fmt.Errorf("synthesis for %s: %w: %w", language, ErrSynthesisUnavailable, ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis cancelled")
		return nil, false, err
	case r := <-result:
		if r.Err != nil {
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, "synthesis failed")
			return nil, false, r.Err
		}
		hit := !synthesized
		if hit {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
		span.SetAttributes(attribute.Bool("hit", hit))
		c.report(language, hit)
		return r.Val.([]byte), hit, nil
	}
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.Len(),
	}
}

func (c *Cache) report(language string, hit bool) {
	if c.observe != nil {
		c.observe(language, hit)
	}
}
