package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sage-tutor/sage/internal/ollama"
)

var (
	// ErrEmptyText is returned when the input contains no embeddable content.
	ErrEmptyText = errors.New("cannot embed empty text")

	// ErrUnavailable is returned when the embedding model could not be made ready.
	ErrUnavailable = errors.New("embedding model unavailable")
)

// Service produces embedding vectors via a local Ollama model. The model is
// loaded lazily on first use: concurrent first callers share a single load
// attempt instead of racing to pull the model in parallel.
type Service struct {
	client *ollama.Client
	model  string
	logger *slog.Logger

	group  singleflight.Group
	mu     sync.Mutex
	loaded bool
}

// NewService creates a Service using the given Ollama client and embed model.
func NewService(client *ollama.Client, model string, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		model:  model,
		logger: logger,
	}
}

// Model returns the embedding model name, used to key cached vectors.
func (s *Service) Model() string {
	return s.model
}

// ensureReady loads the embedding model once. Every caller that arrives while
// a load is in flight waits for that load rather than starting its own; a
// failed load is not cached, so the next call retries.
func (s *Service) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, err, _ := s.group.Do("load", func() (interface{}, error) {
		s.mu.Lock()
		if s.loaded {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		start := time.Now()
		if !s.client.HasModel(ctx, s.model) {
			s.logger.Info("pulling embedding model", "model", s.model)
			if err := s.client.PullModel(ctx, s.model, nil); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}

		// Warm the model with a trivial request so the first real encode
		// doesn't pay the cold-load cost.
		if _, err := s.client.Embed(ctx, s.model, "ready"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		s.logger.Info("embedding model ready", "model", s.model, "took", time.Since(start))

		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Encode returns the embedding vector for text. Empty or whitespace-only
// input fails fast with ErrEmptyText before touching the model.
func (s *Service) Encode(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	vec, err := s.client.Embed(ctx, s.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EncodeBatch embeds all texts, bounding concurrency so a large interest
// history doesn't flood the local model. The result preserves input order.
// Any empty text fails the whole batch with ErrEmptyText.
func (s *Service) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, ErrEmptyText
		}
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := s.client.Embed(gctx, s.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
