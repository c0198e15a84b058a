package continuity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

const (
	schemaVersion = 2
	lockStripes   = 64
)

// layout tells which document shape a stored record had.
type layout int

const (
	layoutCurrent layout = iota
	// layoutStringContext is the current shape with prior_context held as a
	// JSON string. It describes the same key and is rewritten in place.
	layoutStringContext
	// layoutScene is the scene_info/image_prompt shape. It holds the data of
	// the scene stored under its key, so it is the prior of the next sequence.
	layoutScene
)

type document struct {
	Version      int             `json:"version"`
	PriorContext json.RawMessage `json:"prior_context"`
	PriorPrompt  string          `json:"prior_prompt"`
}

// rawDocument accepts the current layout and the two older ones.
type rawDocument struct {
	Version      int             `json:"version"`
	PriorContext json.RawMessage `json:"prior_context"`
	PriorPrompt  string          `json:"prior_prompt"`
	SceneInfo    json.RawMessage `json:"scene_info"`
	ImagePrompt  json.RawMessage `json:"image_prompt"`
}

type legacyImagePrompt struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Style          string `json:"style"`
	OriginalPrompt string `json:"original_prompt"`
}

// Store implements domain.ContinuityRepository on top of a Backend. Reads and
// writes for one entity are serialized through a fixed set of lock stripes.
type Store struct {
	backend Backend
	logger  *infra.Logger
	locks   [lockStripes]sync.Mutex
}

// NewStore wraps backend with per-entity locking, versioning and legacy upgrades.
func NewStore(backend Backend, logger *infra.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  infra.LoggerOrDiscard(logger),
	}
}

func (s *Store) entityLock(entityID int) *sync.Mutex {
	return &s.locks[uint(entityID)%lockStripes]
}

// Get returns the record for key. The first sequence of an entity never has
// one, whatever the backend holds. Without a current record at key, a scene
// layout document stored for the previous sequence is upgraded and used.
// Records that cannot be decoded are reported as absent.
func (s *Store) Get(ctx context.Context, key domain.ContinuityKey) (domain.ContinuityRecord, bool, error) {
	if key.SequenceID <= 1 {
		return domain.ContinuityRecord{}, false, nil
	}
	lock := s.entityLock(key.EntityID)
	lock.Lock()
	defer lock.Unlock()

	raw, err := s.backend.Load(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return s.fromPreviousScene(ctx, key, true)
	case err != nil:
		return domain.ContinuityRecord{}, false, err
	}

	record, kind, err := decode(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("continuity: unreadable record, treating as absent")
		return domain.ContinuityRecord{}, false, nil
	}
	switch kind {
	case layoutStringContext:
		s.persistUpgrade(ctx, key, record)
		fallthrough
	case layoutCurrent:
		return record, true, nil
	}
	// key holds this sequence's own scene data. It stays in place for the
	// next sequence, which is why nothing is written here.
	return s.fromPreviousScene(ctx, key, false)
}

func (s *Store) fromPreviousScene(ctx context.Context, key domain.ContinuityKey, persist bool) (domain.ContinuityRecord, bool, error) {
	prev := key.Previous()
	if prev.SequenceID < 1 {
		return domain.ContinuityRecord{}, false, nil
	}
	raw, err := s.backend.Load(ctx, prev)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.ContinuityRecord{}, false, nil
	case err != nil:
		return domain.ContinuityRecord{}, false, err
	}
	record, kind, err := decode(raw)
	if err != nil || kind != layoutScene {
		// Current records at prev describe what prev conditioned on.
		return domain.ContinuityRecord{}, false, nil
	}
	if persist {
		s.persistUpgrade(ctx, key, record)
	}
	return record, true, nil
}

func (s *Store) persistUpgrade(ctx context.Context, key domain.ContinuityKey, record domain.ContinuityRecord) {
	if err := s.save(ctx, key, record); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("continuity: legacy record upgrade not persisted")
		return
	}
	s.logger.Info().Str("key", key.String()).Msg("continuity: legacy record upgraded")
}

// Put replaces the record for key. A context that is not a JSON object is rejected.
func (s *Store) Put(ctx context.Context, key domain.ContinuityKey, record domain.ContinuityRecord) error {
	if key.SequenceID < 1 {
		return fmt.Errorf("continuity: put %s: %w", key, domain.ErrInvalidSequence)
	}
	if present(record.PriorContext) && !isObject(record.PriorContext) {
		return fmt.Errorf("continuity: put %s: prior context must be a JSON object", key)
	}
	lock := s.entityLock(key.EntityID)
	lock.Lock()
	defer lock.Unlock()
	return s.save(ctx, key, record)
}

func (s *Store) save(ctx context.Context, key domain.ContinuityKey, record domain.ContinuityRecord) error {
	doc := document{
		Version:      schemaVersion,
		PriorContext: record.PriorContext,
		PriorPrompt:  record.PriorPrompt,
	}
	if !present(doc.PriorContext) {
		doc.PriorContext = nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("continuity: encode %s: %w", key, err)
	}
	return s.backend.Save(ctx, key, bytes.TrimRight(buf.Bytes(), "\n"))
}

// decode parses raw into a record and reports its layout.
func decode(raw []byte) (domain.ContinuityRecord, layout, error) {
	var doc rawDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ContinuityRecord{}, 0, fmt.Errorf("decode document: %w", err)
	}

	if doc.Version >= schemaVersion || present(doc.PriorContext) {
		ctxRaw, wasString, err := objectBytes(doc.PriorContext)
		if err != nil {
			return domain.ContinuityRecord{}, 0, fmt.Errorf("prior_context: %w", err)
		}
		kind := layoutCurrent
		if wasString || doc.Version < schemaVersion {
			kind = layoutStringContext
		}
		return domain.ContinuityRecord{PriorContext: ctxRaw, PriorPrompt: doc.PriorPrompt}, kind, nil
	}

	if !present(doc.SceneInfo) && !present(doc.ImagePrompt) {
		return domain.ContinuityRecord{}, 0, errors.New("no known fields")
	}
	sceneRaw, _, err := objectBytes(doc.SceneInfo)
	if err != nil {
		return domain.ContinuityRecord{}, 0, fmt.Errorf("scene_info: %w", err)
	}
	fields := map[string]any{}
	if sceneRaw != nil {
		if err := json.Unmarshal(sceneRaw, &fields); err != nil {
			return domain.ContinuityRecord{}, 0, fmt.Errorf("scene_info: %w", err)
		}
	}

	var priorPrompt string
	if present(doc.ImagePrompt) {
		var prompt legacyImagePrompt
		var text string
		switch {
		case json.Unmarshal(doc.ImagePrompt, &text) == nil:
			priorPrompt = text
		case json.Unmarshal(doc.ImagePrompt, &prompt) == nil:
			priorPrompt = prompt.OriginalPrompt
			if priorPrompt == "" {
				priorPrompt = prompt.Prompt
			}
			setIfAbsent(fields, "negative_prompt", prompt.NegativePrompt)
			setIfAbsent(fields, "style", prompt.Style)
		default:
			return domain.ContinuityRecord{}, 0, errors.New("image_prompt: unsupported shape")
		}
	}
	record, err := domain.NewContinuityRecord(fields, priorPrompt)
	if err != nil {
		return domain.ContinuityRecord{}, 0, err
	}
	return record, layoutScene, nil
}

// objectBytes accepts an object or a string holding an object and returns the
// compact object bytes. The bool reports the string form.
func objectBytes(raw json.RawMessage) (json.RawMessage, bool, error) {
	if !present(raw) {
		return nil, false, nil
	}
	if isObject(raw) {
		return append(json.RawMessage(nil), bytes.TrimSpace(raw)...), false, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, false, errors.New("neither object nor string")
	}
	if !isObject([]byte(text)) {
		return nil, true, errors.New("embedded value is not a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		return nil, true, fmt.Errorf("embedded json: %w", err)
	}
	return buf.Bytes(), true, nil
}

func isObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func setIfAbsent(m map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

var _ domain.ContinuityRepository = (*Store)(nil)
