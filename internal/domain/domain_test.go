package domain

import (
	"errors"
	"testing"
)

func TestNormalizeStyle(t *testing.T) {
	cases := []struct {
		in   string
		want Style
	}{
		{"DISNEY", StyleDisney},
		{" Pixar ", StylePixar},
		{"DISNEY-PIXAR", StyleDisneyPixar},
		{"Ghibli", StyleGhibli},
		{"", DefaultStyle},
		{"watercolor", DefaultStyle},
	}
	for _, tc := range cases {
		if got := NormalizeStyle(tc.in); got != tc.want {
			t.Fatalf("NormalizeStyle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	ok := GenerationRequest{Prompt: "a fox at dawn", EntityID: 1, SequenceID: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	bad := []GenerationRequest{
		{Prompt: "  ", EntityID: 1, SequenceID: 1},
		{Prompt: "x", EntityID: 0, SequenceID: 1},
		{Prompt: "x", EntityID: 1, SequenceID: 0},
	}
	for i, req := range bad {
		if err := req.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("case %d: expected ErrInvalidRequest, got %v", i, err)
		}
	}
}

func TestUploadResultShapes(t *testing.T) {
	if r := UploadSucceeded("https://b.s3.r.amazonaws.com/k"); !r.Valid() {
		t.Fatalf("success result should be valid: %#v", r)
	}
	if r := UploadFailed(StorageFileNotFound, "", "images/a.jpg"); !r.Valid() || r.Error == "" {
		t.Fatalf("failure result should be valid: %#v", r)
	}
	mixed := UploadResult{Success: true, URL: "u", LocalPath: "p"}
	if mixed.Valid() {
		t.Fatal("mixed result must not be valid")
	}
	if (UploadResult{}).Valid() {
		t.Fatal("empty result must not be valid")
	}
}

func TestContinuityKeyFormatting(t *testing.T) {
	key := ContinuityKey{EntityID: 7, SequenceID: 3}
	if key.String() != "00000007/0003" {
		t.Fatalf("key = %q", key.String())
	}
	if prev := key.Previous(); prev.SequenceID != 2 || prev.EntityID != 7 {
		t.Fatalf("previous = %#v", prev)
	}
}

func TestContinuityRecordContext(t *testing.T) {
	rec, err := NewContinuityRecord(map[string]any{"title": "river", "scene_id": 4}, "a fox")
	if err != nil {
		t.Fatalf("NewContinuityRecord: %v", err)
	}
	if string(rec.PriorContext) != `{"scene_id":4,"title":"river"}` {
		t.Fatalf("context = %s", rec.PriorContext)
	}
	if rec.ContextString("title") != "river" || rec.ContextString("scene_id") != "" || rec.ContextString("missing") != "" {
		t.Fatalf("unexpected ContextString results")
	}
	var scene struct {
		SceneID int `json:"scene_id"`
	}
	if err := rec.DecodeContext(&scene); err != nil || scene.SceneID != 4 {
		t.Fatalf("DecodeContext: %v %+v", err, scene)
	}

	empty, err := NewContinuityRecord(nil, "p")
	if err != nil || empty.PriorContext != nil {
		t.Fatalf("nil fields should give no context: %s %v", empty.PriorContext, err)
	}
	if err := empty.DecodeContext(&scene); err != nil || empty.ContextString("title") != "" {
		t.Fatalf("empty context should decode to nothing: %v", err)
	}

	if _, err := NewContinuityRecord(map[string]any{"bad": make(chan int)}, ""); err == nil {
		t.Fatalf("expected encode error")
	}
}
