package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"scenegen/internal/auth"
	"scenegen/internal/domain"
	"scenegen/internal/infra"
	"scenegen/internal/provider"
	"scenegen/internal/storage"
)

// Context fields written into the record for the next sequence.
const (
	FieldStyle          = "style"
	FieldNegativePrompt = "negative_prompt"
	FieldArtifacts      = "artifacts"
	FieldLocalPath      = "local_path"
	FieldURL            = "url"
	FieldPreviousPrompt = "previous_prompt"
)

// ProviderClient submits tasks and queries their status.
type ProviderClient interface {
	Submit(ctx context.Context, target provider.Target, req domain.GenerationRequest, token domain.AuthToken) (domain.TaskHandle, error)
	provider.StatusQuerier
}

// TokenSource hands out provider tokens and drops one the provider rejected.
type TokenSource interface {
	EnsureFresh(ctx context.Context, creds auth.Credentials) (domain.AuthToken, error)
	Invalidate(creds auth.Credentials, rejected domain.AuthToken)
}

// ReferenceResolver picks a base64 reference image for a generation.
type ReferenceResolver interface {
	Resolve(prior *domain.ContinuityRecord, style domain.Style) (string, error)
}

// Options wires a Pipeline. References is optional.
type Options struct {
	Provider   ProviderClient
	Tokens     TokenSource
	Poller     *provider.Poller
	Continuity domain.ContinuityRepository
	References ReferenceResolver
	Resources  ResourceFactory
	Logger     *infra.Logger
	Now        func() time.Time
}

// Pipeline runs submit, poll, fetch, upload and the continuity write for one
// request at a time. It is safe for concurrent use.
type Pipeline struct {
	provider   ProviderClient
	tokens     TokenSource
	poller     *provider.Poller
	continuity domain.ContinuityRepository
	references ReferenceResolver
	factory    ResourceFactory
	logger     *infra.Logger
	now        func() time.Time

	mu        sync.Mutex
	resources map[string]*Resources
}

// New wires a Pipeline. Provider, Tokens and Continuity are required.
func New(opts Options) (*Pipeline, error) {
	if opts.Provider == nil || opts.Tokens == nil || opts.Continuity == nil {
		return nil, errors.New("pipeline: provider, tokens and continuity are required")
	}
	logger := infra.LoggerOrDiscard(opts.Logger)
	poller := opts.Poller
	if poller == nil {
		poller = provider.NewPoller(logger)
	}
	factory := opts.Resources
	if factory == nil {
		factory = DefaultResources(logger)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		provider:   opts.Provider,
		tokens:     opts.Tokens,
		poller:     poller,
		continuity: opts.Continuity,
		references: opts.References,
		factory:    factory,
		logger:     logger,
		now:        now,
		resources:  make(map[string]*Resources),
	}, nil
}

// Result describes a finished run.
type Result struct {
	Task      domain.TaskHandle
	Artifacts []string
	LocalPath string
	// URL is the uploaded object, or the local fallback when the environment
	// allows serving local copies.
	URL           string
	Upload        domain.UploadResult
	ReferenceUsed bool
	Prior         *domain.ContinuityRecord
	// Next is the record written for the following sequence. It is nil when
	// the write failed; the generation itself still succeeded.
	Next *domain.ContinuityRecord
}

// UploadFailedError is returned when the upload failed and the environment
// does not fall back to the local copy.
type UploadFailedError struct {
	Upload domain.UploadResult
}

func (e *UploadFailedError) Error() string {
	return fmt.Sprintf("pipeline: upload failed (%s): %s", e.Upload.ErrorKind, e.Upload.Error)
}

// HTTPStatus maps the storage failure kind to a response status.
func (e *UploadFailedError) HTTPStatus() int {
	switch e.Upload.ErrorKind {
	case domain.StorageFileNotFound:
		return http.StatusNotFound
	case domain.StorageCredentialsMissing, domain.StorageInvalidCredentials:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Continuity returns the record a run of (entityID, sequenceID) conditions on.
func (p *Pipeline) Continuity(ctx context.Context, entityID, sequenceID int) (domain.ContinuityRecord, bool, error) {
	return p.continuity.Get(ctx, domain.ContinuityKey{EntityID: entityID, SequenceID: sequenceID})
}

// Run executes one generation end to end in env.
func (p *Pipeline) Run(ctx context.Context, env infra.Environment, req domain.GenerationRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Style = domain.NormalizeStyle(string(req.Style))
	kind := req.ArtifactKindOrDefault()
	key := domain.ContinuityKey{EntityID: req.EntityID, SequenceID: req.SequenceID}
	log := p.logger.With().
		Str("env", env.Name).
		Int("entity_id", req.EntityID).
		Int("sequence_id", req.SequenceID).
		Logger()

	res, err := p.resourcesFor(ctx, env)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	prior, ok, err := p.continuity.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read continuity %s: %w", key, err)
	}
	if ok {
		result.Prior = &prior
	}

	target := provider.TargetFromSettings(env.Provider)
	if env.Provider.UseReferenceImage && p.references != nil {
		image, err := p.references.Resolve(result.Prior, req.Style)
		if err != nil {
			log.Warn().Err(err).Msg("pipeline: continuing without reference image")
		} else {
			target.ReferenceImage = image
			result.ReferenceUsed = true
		}
	}

	creds := auth.Credentials{
		AccessKey: env.Provider.AccessKey,
		SecretKey: env.Provider.SecretKey,
		TTL:       env.Provider.TokenTTL,
	}

	if err := res.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: submit gate: %w", err)
	}
	token, err := p.withRefresh(ctx, creds, func(token domain.AuthToken) error {
		handle, err := p.provider.Submit(ctx, target, req, token)
		result.Task = handle
		return err
	})
	if err != nil {
		return nil, err
	}
	log = log.With().Str("task_id", result.Task.ID).Logger()

	_, err = p.withRefreshFrom(ctx, creds, token, func(token domain.AuthToken) error {
		artifacts, err := p.poller.PollUntilTerminal(ctx, p.provider, target, result.Task, token, env.Provider.MaxAttempts, env.Provider.PollDelay)
		result.Artifacts = artifacts
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(result.Artifacts) == 0 {
		return nil, fmt.Errorf("pipeline: task %s: %w", result.Task.ID, domain.ErrEmptyArtifacts)
	}

	at := p.now().In(locationOf(env))
	dest, err := res.Files.Path(storage.ObjectKey(req.EntityID, req.SequenceID, kind, artifactName(result.Artifacts[0], kind), at))
	if err != nil {
		return nil, fmt.Errorf("pipeline: local path: %w", err)
	}
	result.LocalPath, err = res.Fetcher.Fetch(ctx, result.Artifacts[0], dest, env.Fetch.MaxAttempts, env.Fetch.Delay)
	if err != nil {
		return nil, err
	}

	result.Upload = res.Uploader.Upload(ctx, storage.Source{Path: result.LocalPath}, req.EntityID, req.SequenceID, kind)
	switch {
	case result.Upload.Success:
		result.URL = result.Upload.URL
	case env.Storage.UseLocalURLOnFailure:
		result.URL = res.Files.LocalURL(env.Storage.StaticPrefix, result.Upload.LocalPath)
		log.Warn().
			Str("error_kind", string(result.Upload.ErrorKind)).
			Str("url", result.URL).
			Msg("pipeline: serving local copy after upload failure")
	default:
		return nil, &UploadFailedError{Upload: result.Upload}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nextKey := domain.ContinuityKey{EntityID: req.EntityID, SequenceID: req.SequenceID + 1}
	next, err := nextRecord(req, result)
	if err == nil {
		err = p.continuity.Put(ctx, nextKey, next)
	}
	if err != nil {
		log.Error().Err(err).Str("key", nextKey.String()).Msg("pipeline: continuity write failed")
	} else {
		result.Next = &next
	}

	log.Info().Str("url", result.URL).Bool("uploaded", result.Upload.Success).Msg("pipeline: generation complete")
	return result, nil
}

// withRefresh runs op with a fresh token. An Unauthorized result drops the
// token, fetches a new one and runs op exactly once more.
func (p *Pipeline) withRefresh(ctx context.Context, creds auth.Credentials, op func(domain.AuthToken) error) (domain.AuthToken, error) {
	token, err := p.tokens.EnsureFresh(ctx, creds)
	if err != nil {
		return domain.AuthToken{}, fmt.Errorf("pipeline: token: %w", err)
	}
	return p.withRefreshFrom(ctx, creds, token, op)
}

func (p *Pipeline) withRefreshFrom(ctx context.Context, creds auth.Credentials, token domain.AuthToken, op func(domain.AuthToken) error) (domain.AuthToken, error) {
	err := op(token)
	var classified *provider.ClassifiedError
	if err == nil || !errors.As(err, &classified) || !classified.Class.Refreshable() {
		return token, err
	}

	p.logger.Info().Int("code", classified.Code).Msg("pipeline: provider rejected token, refreshing once")
	p.tokens.Invalidate(creds, token)
	fresh, err := p.tokens.EnsureFresh(ctx, creds)
	if err != nil {
		return domain.AuthToken{}, fmt.Errorf("pipeline: token refresh: %w", err)
	}
	return fresh, op(fresh)
}

func (p *Pipeline) resourcesFor(ctx context.Context, env infra.Environment) (*Resources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.resources[env.Name]; ok {
		return res, nil
	}
	res, err := p.factory(ctx, env)
	if err != nil {
		return nil, err
	}
	if res.Limiter == nil {
		res.Limiter = SubmitLimiter(0)
	}
	p.resources[env.Name] = res
	return res, nil
}

// nextRecord is what the following sequence conditions on: this request's
// own context plus what it produced.
func nextRecord(req domain.GenerationRequest, result *Result) (domain.ContinuityRecord, error) {
	ctxMap := make(map[string]any, len(req.Context)+6)
	maps.Copy(ctxMap, req.Context)
	ctxMap[FieldStyle] = string(req.Style)
	if req.NegativePrompt != "" {
		ctxMap[FieldNegativePrompt] = req.NegativePrompt
	}
	ctxMap[FieldArtifacts] = result.Artifacts
	ctxMap[FieldLocalPath] = result.LocalPath
	ctxMap[FieldURL] = result.URL
	if result.Prior != nil && result.Prior.PriorPrompt != "" {
		ctxMap[FieldPreviousPrompt] = result.Prior.PriorPrompt
	}
	return domain.NewContinuityRecord(ctxMap, req.Prompt)
}

// artifactName derives a file name carrying the artifact's extension.
func artifactName(rawURL string, kind domain.ArtifactKind) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	}
	if ext == "" || len(ext) > 6 {
		if kind == domain.ArtifactKindAudio {
			ext = ".mp3"
		} else {
			ext = ".png"
		}
	}
	return "artifact" + ext
}

func locationOf(env infra.Environment) *time.Location {
	if env.Storage.Location != nil {
		return env.Storage.Location
	}
	return time.UTC
}
