package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/metrics"
)

// ServiceConfig tunes the caching/retrying wrapper.
type ServiceConfig struct {
	Timeout    time.Duration // per provider call, default 30s
	MaxRetries int           // transient retries, default 3
	CacheTTL   time.Duration // remote cache TTL, default 1h
	LocalTTL   time.Duration // local LRU TTL, default 30m
	MaxLRU     int           // local LRU capacity, default 2048
}

// Service wraps a Provider with a two-level cache (local LRU, then Redis),
// a per-call timeout, and exponential backoff on transient failures.
type Service struct {
	provider Provider
	cache    Cache
	lru      *expirable.LRU[string, []float32]
	cfg      ServiceConfig
	logger   *zap.Logger
}

// NewService builds the wrapper. cache may be nil (local LRU only).
func NewService(provider Provider, cache Cache, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LocalTTL == 0 {
		cfg.LocalTTL = 30 * time.Minute
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	return &Service{
		provider: provider,
		cache:    cache,
		lru:      expirable.NewLRU[string, []float32](cfg.MaxLRU, nil, cfg.LocalTTL),
		cfg:      cfg,
		logger:   logger.Named("embedding"),
	}
}

func (s *Service) Dimensions() int { return s.provider.Dimensions() }

func (s *Service) ModelID() string { return s.provider.ModelID() }

// Embed returns vectors for all texts, serving cached entries and batching
// the remainder into a single provider call (retried on transient failure).
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	model := s.provider.ModelID()
	results := make([][]float32, len(texts))
	var misses []string
	var missIdx []int

	for i, text := range texts {
		key := MakeKey(model, text)
		if v, ok := s.lru.Get(key); ok {
			results[i] = v
			metrics.EmbeddingAPICalls.WithLabelValues(model, "lru_hit").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Add(key, v)
				metrics.EmbeddingAPICalls.WithLabelValues(model, "cache_hit").Inc()
				continue
			}
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return results, nil
	}

	vectors, err := s.embedWithRetry(ctx, misses)
	if err != nil {
		return nil, err
	}
	for i, vec := range vectors {
		idx := missIdx[i]
		results[idx] = vec
		key := MakeKey(model, misses[i])
		s.lru.Add(key, vec)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

// EmbedOne is a convenience for query embedding.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (s *Service) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	model := s.provider.ModelID()
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		start := time.Now()
		vectors, err := s.provider.Embed(callCtx, texts)
		cancel()
		if err == nil {
			metrics.EmbeddingAPICalls.WithLabelValues(model, "ok").Inc()
			metrics.StageDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
			return vectors, nil
		}
		metrics.EmbeddingAPICalls.WithLabelValues(model, "error").Inc()
		lastErr = err

		// Timeout expiry counts as transient per the retry policy.
		var embErr *Error
		if errors.As(err, &embErr) && embErr.Kind != KindTransient {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("embedding call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(texts)),
			zap.Error(err),
		)
	}
	return nil, lastErr
}
