package service

import (
	"context"
	"fmt"

	"scenegen/internal/auth"
	"scenegen/internal/continuity"
	"scenegen/internal/infra"
	"scenegen/internal/pipeline"
	"scenegen/internal/provider"
	"scenegen/internal/reference"
)

// Service holds the pipeline and whatever connections its continuity
// backend opened.
type Service struct {
	Pipeline *pipeline.Pipeline
	closers  []func()
}

// New builds the generation pipeline from cfg.
func New(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Service, error) {
	svc := &Service{}
	backend, err := svc.continuityBackend(ctx, cfg, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}

	p, err := pipeline.New(pipeline.Options{
		Provider:   provider.NewClient(provider.Options{Logger: &logger}),
		Tokens:     auth.NewTokenManager(auth.Options{Logger: &logger}),
		Continuity: continuity.NewStore(backend, &logger),
		References: reference.NewResolver(cfg.ReferenceDir, &logger),
		Logger:     &logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Pipeline = p
	return svc, nil
}

func (s *Service) continuityBackend(ctx context.Context, cfg *infra.Config, logger infra.Logger) (continuity.Backend, error) {
	switch cfg.ContinuityBackend {
	case "redis":
		client, err := continuity.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("service: redis continuity: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		logger.Info().Str("addr", cfg.RedisAddr).Msg("service: continuity in redis")
		return continuity.NewRedisBackend(client), nil
	case "postgres":
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("service: postgres continuity: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		backend := continuity.NewPostgresBackend(infra.NewSQLRunner(pool, logger))
		if err := backend.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("service: continuity schema: %w", err)
		}
		logger.Info().Msg("service: continuity in postgres")
		return backend, nil
	default:
		backend, err := continuity.NewFileBackend(cfg.ContinuityDir)
		if err != nil {
			return nil, fmt.Errorf("service: file continuity: %w", err)
		}
		logger.Info().Str("dir", cfg.ContinuityDir).Msg("service: continuity on disk")
		return backend, nil
	}
}

// Close releases backend connections in reverse order of opening.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
