package continuity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"scenegen/internal/domain"
	"scenegen/internal/storage"
)

// FileBackend keeps documents at {root}/{entity:08d}/{sequence:04d}.json.
type FileBackend struct {
	root string
}

// NewFileBackend stores records as JSON files under root, creating it if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("continuity: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("continuity: ensure root: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) path(key domain.ContinuityKey) string {
	return filepath.Join(b.root, fmt.Sprintf("%08d", key.EntityID), fmt.Sprintf("%04d.json", key.SequenceID))
}

func (b *FileBackend) Load(ctx context.Context, key domain.ContinuityKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("continuity: read %s: %w", key, err)
	}
	return data, nil
}

func (b *FileBackend) Save(ctx context.Context, key domain.ContinuityKey, doc []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(b.path(key), doc, 0o644); err != nil {
		return fmt.Errorf("continuity: write %s: %w", key, err)
	}
	return nil
}

var _ Backend = (*FileBackend)(nil)
