package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"scenegen/internal/domain"
	"scenegen/internal/fetch"
	"scenegen/internal/infra"
	"scenegen/internal/storage"
)

// Downloader fetches one artifact URL to a local path.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string, maxAttempts int, delay time.Duration) (string, error)
}

// ArtifactUploader pushes a local artifact to durable storage.
type ArtifactUploader interface {
	Upload(ctx context.Context, src storage.Source, entityID, sequenceID int, kind domain.ArtifactKind) domain.UploadResult
}

// Resources are the per-environment collaborators. They are built once per
// environment name and reused by every run.
type Resources struct {
	Files    *storage.FileStore
	Fetcher  Downloader
	Uploader ArtifactUploader
	Limiter  *rate.Limiter
}

// ResourceFactory builds Resources for an environment.
type ResourceFactory func(ctx context.Context, env infra.Environment) (*Resources, error)

// DefaultResources wires the local file store, the HTTP fetcher and the S3
// uploader. Environments without storage credentials get an uploader with no
// putter, which reports credentialsMissing.
func DefaultResources(logger *infra.Logger) ResourceFactory {
	return func(ctx context.Context, env infra.Environment) (*Resources, error) {
		files, err := storage.NewFileStore(env.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s: %w", env.Name, err)
		}

		opts := storage.UploaderOptions{
			Files:    files,
			Bucket:   env.Storage.Bucket,
			Region:   env.Storage.Region,
			Location: env.Storage.Location,
			Logger:   logger,
		}
		if env.Storage.HasCredentials() {
			s3, err := storage.NewS3(ctx, env.Storage)
			if err != nil {
				return nil, fmt.Errorf("pipeline: %s: %w", env.Name, err)
			}
			opts.Putter = s3
		}

		return &Resources{
			Files:    files,
			Fetcher:  fetch.NewFetcherFromSettings(env.Fetch, logger),
			Uploader: storage.NewUploader(opts),
			Limiter:  SubmitLimiter(env.Provider.SubmitPerMinute),
		}, nil
	}
}

// SubmitLimiter spaces submits evenly across a minute. Zero or less disables
// the gate.
func SubmitLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}
