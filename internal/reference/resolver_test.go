package reference

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scenegen/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func decoded(t *testing.T, s string) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return string(b)
}

func TestResolvePrefersPriorArtifact(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "anime/anime-reference-01.jpg"), "anime")
	prev := filepath.Join(t.TempDir(), "0001_20240501_093000.jpg")
	writeFile(t, prev, "previous")

	r := NewResolver(dir, nil)
	prior := priorWithPath(t, prev)
	got, err := r.Resolve(prior, domain.StyleAnime)
	if err != nil || decoded(t, got) != "previous" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestResolveFallsBackToStyleThenDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "disney/disney-reference-01.jpg"), "disney")
	writeFile(t, filepath.Join(dir, "ghibli/ghibli-reference-01.jpg"), "ghibli")
	r := NewResolver(dir, nil)

	missingPrior := priorWithPath(t, "/nope.jpg")
	got, err := r.Resolve(missingPrior, "Disney_Pixar")
	if err != nil || decoded(t, got) != "disney" {
		t.Fatalf("style fallback: %q %v", got, err)
	}
	got, err = r.Resolve(nil, domain.StyleIllustrate)
	if err != nil || decoded(t, got) != "ghibli" {
		t.Fatalf("default fallback: %q %v", got, err)
	}
}

func TestResolveNothingAvailable(t *testing.T) {
	r := NewResolver(t.TempDir(), nil)
	if _, err := r.Resolve(nil, domain.StyleGhibli); !errors.Is(err, ErrNoReference) {
		t.Fatalf("expected ErrNoReference, got %v", err)
	}
}

func TestResolveCachesEncodedImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghibli/ghibli-reference-01.jpg")
	writeFile(t, path, "first")
	r := NewResolver(dir, nil)

	if _, err := r.Resolve(nil, domain.StyleGhibli); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	writeFile(t, path, "second")
	got, _ := r.Resolve(nil, domain.StyleGhibli)
	if decoded(t, got) != "first" {
		t.Fatalf("expected cached encoding")
	}
}

func priorWithPath(t *testing.T, localPath string) *domain.ContinuityRecord {
	t.Helper()
	rec, err := domain.NewContinuityRecord(map[string]any{LocalPathField: localPath}, "")
	if err != nil {
		t.Fatalf("NewContinuityRecord: %v", err)
	}
	return &rec
}
