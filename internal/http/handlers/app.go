package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
	"scenegen/internal/middleware"
	"scenegen/internal/pipeline"
)

// Generator runs one scene generation and exposes the continuity it keeps.
type Generator interface {
	Run(ctx context.Context, env infra.Environment, req domain.GenerationRequest) (*pipeline.Result, error)
	Continuity(ctx context.Context, entityID, sequenceID int) (domain.ContinuityRecord, bool, error)
}

// EnvironmentSource resolves the credential set named by a request.
type EnvironmentSource interface {
	Environment(name string) (infra.Environment, error)
}

type App struct {
	Generator Generator
	Envs      EnvironmentSource
	Logger    *infra.Logger
}

func NewApp(gen Generator, envs EnvironmentSource, logger *infra.Logger) *App {
	return &App{Generator: gen, Envs: envs, Logger: infra.LoggerOrDiscard(logger)}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	// Provider diagnostics, kept alongside the normalized class.
	ProviderCode *int                 `json:"provider_code,omitempty"`
	TaskID       string               `json:"task_id,omitempty"`
	Upload       *domain.UploadResult `json:"upload,omitempty"`
}

func (a *App) error(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	a.json(w, status, errorBody{
		Error:     code,
		Message:   msg,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func (a *App) errorWith(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	body.RequestID = middleware.RequestIDFromContext(r.Context())
	a.json(w, status, body)
}
