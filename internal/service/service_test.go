package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"scenegen/internal/infra"
)

func TestNewWithFileContinuity(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GENERATION_ENV", "development")
	t.Setenv("CONTINUITY_BACKEND", "file")
	t.Setenv("CONTINUITY_DIR", dir)
	t.Setenv("REFERENCE_DIR", dir)
	cfg, err := infra.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	svc, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	_, ok, err := svc.Pipeline.Continuity(context.Background(), 5, 2)
	if err != nil || ok {
		t.Fatalf("fresh store: ok=%v err=%v", ok, err)
	}
}
