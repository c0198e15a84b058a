package domain

import (
	"encoding/json"
	"fmt"
)

// ContinuityKey identifies the record for one scene of one story.
type ContinuityKey struct {
	EntityID   int
	SequenceID int
}

func (k ContinuityKey) String() string {
	return fmt.Sprintf("%08d/%04d", k.EntityID, k.SequenceID)
}

// Previous returns the key of the sequence this one conditions on.
func (k ContinuityKey) Previous() ContinuityKey {
	return ContinuityKey{EntityID: k.EntityID, SequenceID: k.SequenceID - 1}
}

// ContinuityRecord lets sequence n condition on sequence n-1. PriorContext is
// an opaque JSON object; stores hand it back byte for byte.
type ContinuityRecord struct {
	PriorContext json.RawMessage `json:"prior_context"`
	PriorPrompt  string          `json:"prior_prompt"`
}

// NewContinuityRecord encodes fields as the record's context. A nil map gives
// a record without context.
func NewContinuityRecord(fields map[string]any, priorPrompt string) (ContinuityRecord, error) {
	rec := ContinuityRecord{PriorPrompt: priorPrompt}
	if fields == nil {
		return rec, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ContinuityRecord{}, fmt.Errorf("encode prior context: %w", err)
	}
	rec.PriorContext = raw
	return rec, nil
}

// DecodeContext unmarshals PriorContext into v. An empty context leaves v untouched.
func (r ContinuityRecord) DecodeContext(v any) error {
	if len(r.PriorContext) == 0 {
		return nil
	}
	return json.Unmarshal(r.PriorContext, v)
}

// ContextString returns a string field of PriorContext, or "" when absent.
func (r ContinuityRecord) ContextString(field string) string {
	var fields map[string]json.RawMessage
	if err := r.DecodeContext(&fields); err != nil {
		return ""
	}
	raw, ok := fields[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
