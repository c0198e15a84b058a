package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ArtifactKind names the storage folder an artifact belongs to.
type ArtifactKind string

const (
	ArtifactKindImage ArtifactKind = "images"
	ArtifactKindAudio ArtifactKind = "audios"
)

// GenerationRequest is built by the caller once per pipeline run and discarded
// after a terminal outcome. SequenceID ordering per EntityID is the caller's job.
type GenerationRequest struct {
	Prompt         string         `json:"prompt" validate:"required"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Style          Style          `json:"style,omitempty"`
	EntityID       int            `json:"entity_id" validate:"gt=0"`
	SequenceID     int            `json:"sequence_id" validate:"gte=1"`
	Kind           ArtifactKind   `json:"kind,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	// Context is the caller's descriptor of this generation (scene summary,
	// characters, ...). It becomes the prior context of the next sequence.
	Context map[string]any `json:"context,omitempty"`
}

var validate = validator.New()

// Validate checks the request shape before any provider call is made.
func (r GenerationRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ArtifactKindOrDefault falls back to images when the request does not say.
func (r GenerationRequest) ArtifactKindOrDefault() ArtifactKind {
	if strings.TrimSpace(string(r.Kind)) == "" {
		return ArtifactKindImage
	}
	return r.Kind
}

// TaskHandle is the provider-issued id of an in-flight generation.
type TaskHandle struct {
	ID        string
	CreatedAt time.Time
}

// TaskState enumerates task lifecycle states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the result of one status query. Artifacts is only set for
// TaskSucceeded and Message only for TaskFailed.
type TaskStatus struct {
	State     TaskState
	Artifacts []string
	Message   string
}

// Terminal reports whether no further polling can change the status.
func (s TaskStatus) Terminal() bool {
	return s.State == TaskSucceeded || s.State == TaskFailed
}

// AuthToken is a signed provider credential. It must not be used once now >= ExpiresAt.
type AuthToken struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer sign requests at now.
func (t AuthToken) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}
