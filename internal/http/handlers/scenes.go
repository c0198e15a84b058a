package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"scenegen/internal/domain"
	"scenegen/internal/fetch"
	"scenegen/internal/pipeline"
	"scenegen/internal/provider"
)

const maxSceneBody = 1 << 20

type sceneGenerateRequest struct {
	Prompt         string              `json:"prompt"`
	NegativePrompt string              `json:"negative_prompt"`
	Style          string              `json:"style"`
	Kind           domain.ArtifactKind `json:"kind"`
	Params         map[string]any      `json:"params"`
	Context        map[string]any      `json:"context"`
}

type sceneGenerateResponse struct {
	EntityID      int                      `json:"entity_id"`
	SequenceID    int                      `json:"sequence_id"`
	Env           string                   `json:"env"`
	TaskID        string                   `json:"task_id"`
	Artifacts     []string                 `json:"artifacts"`
	URL           string                   `json:"url"`
	LocalPath     string                   `json:"local_path"`
	Upload        domain.UploadResult      `json:"upload"`
	ReferenceUsed bool                     `json:"reference_used"`
	Next          *domain.ContinuityRecord `json:"next,omitempty"`
}

type continuityResponse struct {
	EntityID     int            `json:"entity_id"`
	SequenceID   int            `json:"sequence_id"`
	PriorContext json.RawMessage `json:"prior_context"`
	PriorPrompt  string          `json:"prior_prompt"`
}

// GenerateScene runs one generation for the scene in the path.
func (a *App) GenerateScene(w http.ResponseWriter, r *http.Request) {
	entityID, sequenceID, ok := a.sceneIDs(w, r)
	if !ok {
		return
	}
	env, err := a.Envs.Environment(r.URL.Query().Get("env"))
	if err != nil {
		a.error(w, r, http.StatusBadRequest, "unknown_env", err.Error())
		return
	}

	var body sceneGenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSceneBody))
	if err := dec.Decode(&body); err != nil {
		a.error(w, r, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	req := domain.GenerationRequest{
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		Style:          domain.Style(body.Style),
		EntityID:       entityID,
		SequenceID:     sequenceID,
		Kind:           body.Kind,
		Params:         body.Params,
		Context:        body.Context,
	}
	result, err := a.Generator.Run(r.Context(), env, req)
	if err != nil {
		a.runError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, sceneGenerateResponse{
		EntityID:      entityID,
		SequenceID:    sequenceID,
		Env:           env.Name,
		TaskID:        result.Task.ID,
		Artifacts:     result.Artifacts,
		URL:           result.URL,
		LocalPath:     result.LocalPath,
		Upload:        result.Upload,
		ReferenceUsed: result.ReferenceUsed,
		Next:          result.Next,
	})
}

// SceneContinuity returns the record the scene would condition on.
func (a *App) SceneContinuity(w http.ResponseWriter, r *http.Request) {
	entityID, sequenceID, ok := a.sceneIDs(w, r)
	if !ok {
		return
	}
	rec, found, err := a.Generator.Continuity(r.Context(), entityID, sequenceID)
	switch {
	case errors.Is(err, domain.ErrInvalidSequence):
		a.error(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	case err != nil:
		a.Logger.Error().Err(err).Int("entity_id", entityID).Int("sequence_id", sequenceID).Msg("handlers: continuity read failed")
		a.error(w, r, http.StatusInternalServerError, "internal", "continuity unavailable")
		return
	case !found:
		a.error(w, r, http.StatusNotFound, "not_found", "no prior scene recorded")
		return
	}
	a.json(w, http.StatusOK, continuityResponse{
		EntityID:     entityID,
		SequenceID:   sequenceID,
		PriorContext: rec.PriorContext,
		PriorPrompt:  rec.PriorPrompt,
	})
}

func (a *App) sceneIDs(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	entityID, err := strconv.Atoi(chi.URLParam(r, "entityID"))
	if err != nil || entityID <= 0 {
		a.error(w, r, http.StatusBadRequest, "bad_request", "entityID must be a positive integer")
		return 0, 0, false
	}
	sequenceID, err := strconv.Atoi(chi.URLParam(r, "sequenceID"))
	if err != nil || sequenceID <= 0 {
		a.error(w, r, http.StatusBadRequest, "bad_request", "sequenceID must be a positive integer")
		return 0, 0, false
	}
	return entityID, sequenceID, true
}

// runError maps a pipeline failure onto a response.
func (a *App) runError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		classified *provider.ClassifiedError
		failed     *provider.TaskFailedError
		fetchErr   *fetch.Error
		uploadErr  *pipeline.UploadFailedError
	)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, r, http.StatusBadRequest, "bad_request", err.Error())
	case errors.As(err, &classified):
		code := classified.Code
		a.errorWith(w, r, classified.Class.HTTPStatus(), errorBody{
			Error:        string(classified.Class),
			Message:      classified.Message,
			ProviderCode: &code,
		})
	case errors.Is(err, domain.ErrTimedOut):
		a.error(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &failed):
		a.errorWith(w, r, http.StatusBadGateway, errorBody{
			Error:   "task_failed",
			Message: failed.Message,
			TaskID:  failed.TaskID,
		})
	case errors.As(err, &fetchErr):
		a.error(w, r, http.StatusBadGateway, string(fetchErr.Kind), err.Error())
	case errors.Is(err, domain.ErrEmptyArtifacts):
		a.error(w, r, http.StatusBadGateway, "empty_artifacts", err.Error())
	case errors.As(err, &uploadErr):
		upload := uploadErr.Upload
		a.errorWith(w, r, uploadErr.HTTPStatus(), errorBody{
			Error:   string(upload.ErrorKind),
			Message: upload.Error,
			Upload:  &upload,
		})
	case errors.Is(err, context.DeadlineExceeded):
		a.error(w, r, http.StatusGatewayTimeout, "timeout", "generation deadline exceeded")
	case errors.Is(err, context.Canceled):
		a.error(w, r, http.StatusServiceUnavailable, "canceled", "generation canceled")
	default:
		a.Logger.Error().Err(err).Msg("handlers: generation failed")
		a.error(w, r, http.StatusInternalServerError, "internal", "generation failed")
	}
}
