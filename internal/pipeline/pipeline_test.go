package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"scenegen/internal/auth"
	"scenegen/internal/continuity"
	"scenegen/internal/domain"
	"scenegen/internal/fetch"
	"scenegen/internal/infra"
	"scenegen/internal/provider"
	"scenegen/internal/storage"
)

type fakeProvider struct {
	mu          sync.Mutex
	submitErrs  []error
	statuses    []domain.TaskStatus
	fallback    domain.TaskStatus
	onStatus    func(call int)
	submits     int
	statusCalls int
	tokens      []string
	targets     []provider.Target
}

func (f *fakeProvider) Submit(ctx context.Context, target provider.Target, req domain.GenerationRequest, token domain.AuthToken) (domain.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.submits
	f.submits++
	f.tokens = append(f.tokens, token.Value)
	f.targets = append(f.targets, target)
	if i < len(f.submitErrs) && f.submitErrs[i] != nil {
		return domain.TaskHandle{}, f.submitErrs[i]
	}
	return domain.TaskHandle{ID: fmt.Sprintf("task-%d-%d", req.EntityID, req.SequenceID), CreatedAt: time.Now()}, nil
}

func (f *fakeProvider) Status(ctx context.Context, target provider.Target, handle domain.TaskHandle, token domain.AuthToken) (domain.TaskStatus, error) {
	f.mu.Lock()
	i := f.statusCalls
	f.statusCalls++
	hook := f.onStatus
	status := f.fallback
	if i < len(f.statuses) {
		status = f.statuses[i]
	}
	f.mu.Unlock()
	if hook != nil {
		hook(i + 1)
	}
	return status, nil
}

type fakeTokens struct {
	mu          sync.Mutex
	generation  int
	ensures     int
	invalidated int
}

func (f *fakeTokens) EnsureFresh(ctx context.Context, creds auth.Credentials) (domain.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return domain.AuthToken{Value: fmt.Sprintf("tok-%d", f.generation), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate(creds auth.Credentials, rejected domain.AuthToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.generation++
}

type stubPutter struct {
	mu   sync.Mutex
	keys []string
}

func (s *stubPutter) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

type harness struct {
	pipeline *Pipeline
	provider *fakeProvider
	tokens   *fakeTokens
	store    *continuity.Store
	env      infra.Environment
	artifact string
}

func newHarness(t *testing.T, putter storage.ObjectPutter, prov *fakeProvider) *harness {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\x89PNG-fake"))
	}))
	t.Cleanup(srv.Close)

	artifact := srv.URL + "/out/a.png"
	if prov.fallback.State == "" {
		prov.fallback = domain.TaskStatus{State: domain.TaskSucceeded, Artifacts: []string{artifact, srv.URL + "/out/b.png"}}
	}

	backend, err := continuity.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend error: %v", err)
	}
	store := continuity.NewStore(backend, nil)
	tokens := &fakeTokens{}

	env := infra.Environment{
		Name: "development",
		Provider: infra.ProviderSettings{
			BaseURL:     "http://provider.invalid",
			AccessKey:   "ak",
			SecretKey:   "sk",
			Model:       "kling-v1-5",
			Count:       1,
			MaxAttempts: 5,
			PollDelay:   time.Millisecond,
		},
		Fetch: infra.FetchSettings{MaxAttempts: 2, Delay: time.Millisecond},
		Storage: infra.StorageSettings{
			Bucket:       "scenes",
			Region:       "ap-northeast-2",
			LocalDir:     t.TempDir(),
			StaticPrefix: "/static/images",
			Location:     time.UTC,
		},
	}

	factory := func(ctx context.Context, env infra.Environment) (*Resources, error) {
		files, err := storage.NewFileStore(env.Storage.LocalDir)
		if err != nil {
			return nil, err
		}
		return &Resources{
			Files:   files,
			Fetcher: fetch.NewFetcher(fetch.Options{ConnectTimeout: time.Second, ReadTimeout: time.Second}),
			Uploader: storage.NewUploader(storage.UploaderOptions{
				Putter:   putter,
				Files:    files,
				Bucket:   env.Storage.Bucket,
				Region:   env.Storage.Region,
				Location: env.Storage.Location,
			}),
		}, nil
	}

	p, err := New(Options{
		Provider:   prov,
		Tokens:     tokens,
		Continuity: store,
		Resources:  factory,
		Now:        func() time.Time { return time.Date(2024, 5, 1, 0, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &harness{pipeline: p, provider: prov, tokens: tokens, store: store, env: env, artifact: artifact}
}

func ckey(entity, seq int) domain.ContinuityKey {
	return domain.ContinuityKey{EntityID: entity, SequenceID: seq}
}

func sceneRequest(entity, seq int, prompt string) domain.GenerationRequest {
	return domain.GenerationRequest{
		Prompt:     prompt,
		Style:      "GHIBLI",
		EntityID:   entity,
		SequenceID: seq,
		Context:    map[string]any{"title": "forest"},
	}
}

func TestRunConditionsOnPriorSequence(t *testing.T) {
	pending := domain.TaskStatus{State: domain.TaskPending}
	h := newHarness(t, &stubPutter{}, &fakeProvider{statuses: []domain.TaskStatus{pending, pending}})
	ctx := context.Background()
	if err := h.store.Put(ctx, ckey(1, 2), domain.ContinuityRecord{
		PriorContext: json.RawMessage(`{"title":"river"}`),
		PriorPrompt:  "scene one prompt",
	}); err != nil {
		t.Fatalf("seed continuity: %v", err)
	}

	result, err := h.pipeline.Run(ctx, h.env, sceneRequest(1, 2, "scene two prompt"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if h.provider.statusCalls != 3 {
		t.Fatalf("expected 3 status queries, got %d", h.provider.statusCalls)
	}
	if result.Prior == nil || result.Prior.PriorPrompt != "scene one prompt" {
		t.Fatalf("prior record not loaded: %+v", result.Prior)
	}
	if len(result.Artifacts) != 2 || result.Artifacts[0] != h.artifact {
		t.Fatalf("unexpected artifacts %v", result.Artifacts)
	}
	wantURL := "https://scenes.s3.ap-northeast-2.amazonaws.com/00000001/images/0002_20240501_003000.png"
	if !result.Upload.Success || result.URL != wantURL {
		t.Fatalf("unexpected upload %+v url=%q", result.Upload, result.URL)
	}
	data, err := os.ReadFile(result.LocalPath)
	if err != nil || string(data) != "\x89PNG-fake" {
		t.Fatalf("local artifact missing: %v", err)
	}

	next, ok, err := h.store.Get(ctx, ckey(1, 3))
	if err != nil || !ok {
		t.Fatalf("next record not written: %v %v", ok, err)
	}
	if next.PriorPrompt != "scene two prompt" {
		t.Fatalf("next prior prompt = %q", next.PriorPrompt)
	}
	if next.ContextString("previous_prompt") != "scene one prompt" {
		t.Fatalf("next record does not reference scene one: %s", next.PriorContext)
	}
	if next.ContextString("title") != "forest" || next.ContextString("style") != "ghibli" {
		t.Fatalf("unexpected next context %s", next.PriorContext)
	}
	if next.ContextString("local_path") != result.LocalPath {
		t.Fatalf("local path not recorded")
	}
}

func TestRunRefreshesTokenOnceOnUnauthorized(t *testing.T) {
	unauthorized := &provider.ClassifiedError{Class: provider.ClassUnauthorized, Code: 1000, HTTPStatus: http.StatusUnauthorized}
	h := newHarness(t, &stubPutter{}, &fakeProvider{submitErrs: []error{unauthorized}})

	if _, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 1, "p")); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if h.provider.submits != 2 || h.tokens.invalidated != 1 {
		t.Fatalf("submits=%d invalidated=%d", h.provider.submits, h.tokens.invalidated)
	}
	if h.provider.tokens[0] == h.provider.tokens[1] {
		t.Fatalf("retry must use the refreshed token")
	}
}

func TestRunUnauthorizedRetriesOnlyOnce(t *testing.T) {
	unauthorized := &provider.ClassifiedError{Class: provider.ClassUnauthorized, Code: 1004}
	h := newHarness(t, &stubPutter{}, &fakeProvider{submitErrs: []error{unauthorized, unauthorized, nil}})

	_, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 1, "p"))
	var classified *provider.ClassifiedError
	if !errors.As(err, &classified) || classified.Class != provider.ClassUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if h.provider.submits != 2 {
		t.Fatalf("expected exactly one retry, got %d submits", h.provider.submits)
	}
}

func TestRunDoesNotRetryOtherClasses(t *testing.T) {
	badRequest := &provider.ClassifiedError{Class: provider.ClassBadRequest, Code: 1201}
	h := newHarness(t, &stubPutter{}, &fakeProvider{submitErrs: []error{badRequest}})

	_, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 1, "p"))
	if !errors.Is(err, badRequest) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if h.provider.submits != 1 || h.tokens.invalidated != 0 {
		t.Fatalf("submits=%d invalidated=%d", h.provider.submits, h.tokens.invalidated)
	}
}

func TestRunFallsBackToLocalURL(t *testing.T) {
	h := newHarness(t, nil, &fakeProvider{})
	h.env.Storage.UseLocalURLOnFailure = true

	result, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 2, "p"))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Upload.Success || result.Upload.ErrorKind != domain.StorageCredentialsMissing {
		t.Fatalf("expected credentialsMissing, got %+v", result.Upload)
	}
	if result.Upload.LocalPath != result.LocalPath {
		t.Fatalf("local path changed: %q vs %q", result.Upload.LocalPath, result.LocalPath)
	}
	if result.URL != "/static/images/00000001/images/0002_20240501_003000.png" {
		t.Fatalf("unexpected fallback url %q", result.URL)
	}
	if result.Next == nil {
		t.Fatalf("fallback run should still write continuity")
	}
}

func TestRunSurfacesUploadFailureWithoutFallback(t *testing.T) {
	h := newHarness(t, nil, &fakeProvider{})

	_, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 2, "p"))
	var uploadErr *UploadFailedError
	if !errors.As(err, &uploadErr) {
		t.Fatalf("expected UploadFailedError, got %v", err)
	}
	if uploadErr.HTTPStatus() != http.StatusUnauthorized || uploadErr.Upload.LocalPath == "" {
		t.Fatalf("unexpected upload error %+v", uploadErr.Upload)
	}
	if _, ok, _ := h.store.Get(context.Background(), ckey(1, 3)); ok {
		t.Fatalf("continuity must not be written after a failed run")
	}
}

func TestRunTimesOut(t *testing.T) {
	h := newHarness(t, &stubPutter{}, &fakeProvider{fallback: domain.TaskStatus{State: domain.TaskPending}})
	h.env.Provider.MaxAttempts = 3

	_, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(2, 2, "p"))
	if !errors.Is(err, domain.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if h.provider.statusCalls != 3 {
		t.Fatalf("expected 3 status calls, got %d", h.provider.statusCalls)
	}
	if _, ok, _ := h.store.Get(context.Background(), ckey(2, 3)); ok {
		t.Fatalf("continuity must not be written after a timeout")
	}
}

func TestRunCancellationLeavesNoRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prov := &fakeProvider{
		fallback: domain.TaskStatus{State: domain.TaskPending},
		onStatus: func(call int) {
			if call == 2 {
				cancel()
			}
		},
	}
	h := newHarness(t, &stubPutter{}, prov)
	h.env.Provider.PollDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Run(ctx, h.env, sceneRequest(3, 2, "p"))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancellation")
	}
	if _, ok, _ := h.store.Get(context.Background(), ckey(3, 3)); ok {
		t.Fatalf("cancelled run wrote continuity")
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, &stubPutter{}, &fakeProvider{})
	_, err := h.pipeline.Run(context.Background(), h.env, sceneRequest(1, 1, "  "))
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if h.provider.submits != 0 {
		t.Fatalf("invalid request reached the provider")
	}
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, &stubPutter{}, &fakeProvider{})
	reqs := []domain.GenerationRequest{
		sceneRequest(1, 1, "first"),
		sceneRequest(2, 1, ""),
		sceneRequest(3, 1, "third"),
	}

	outcomes := h.pipeline.RunBatch(context.Background(), h.env, reqs, 2)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if !errors.Is(outcomes[1].Err, domain.ErrInvalidRequest) {
		t.Fatalf("expected invalid request for item 1, got %v", outcomes[1].Err)
	}
	for _, i := range []int{0, 2} {
		if outcomes[i].Err != nil || outcomes[i].Result == nil || !strings.HasPrefix(outcomes[i].Result.URL, "https://scenes.s3.") {
			t.Fatalf("item %d: %+v", i, outcomes[i])
		}
		if outcomes[i].Request.EntityID != reqs[i].EntityID {
			t.Fatalf("outcome order mismatch at %d", i)
		}
	}
}

func TestContinuityFirstSequenceIsEmpty(t *testing.T) {
	h := newHarness(t, &stubPutter{}, &fakeProvider{})
	_ = h.store.Put(context.Background(), ckey(7, 1), domain.ContinuityRecord{PriorPrompt: "stray"})
	if _, ok, err := h.pipeline.Continuity(context.Background(), 7, 1); ok || err != nil {
		t.Fatalf("expected no record for sequence 1, got %v %v", ok, err)
	}
}
