package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
)

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	a := pipeline.StoryArtifact{ID: "a-1", TaskID: "t-1", Title: "First", CreatedAt: time.Now()}
	if err := s.SaveArtifact(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetArtifact(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "First" {
		t.Fatalf("artifact = %+v", got)
	}
	if _, err := s.GetArtifact(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing artifact")
	}
}

func TestMemorySaveOverwrites(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_ = s.SaveArtifact(ctx, pipeline.StoryArtifact{ID: "a-1", Title: "Draft"})
	_ = s.SaveArtifact(ctx, pipeline.StoryArtifact{ID: "a-1", Title: "Final"})

	got, err := s.GetArtifact(ctx, "a-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Final" {
		t.Fatalf("title = %q", got.Title)
	}
	list, _ := s.ListArtifacts(ctx, 10)
	if len(list) != 1 {
		t.Fatalf("list = %d entries", len(list))
	}
}

func TestMemoryListNewestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_ = s.SaveArtifact(ctx, pipeline.StoryArtifact{
			ID:        fmt.Sprintf("a-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	list, err := s.ListArtifacts(ctx, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("list = %d entries", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Fatalf("list not newest-first at %d", i)
		}
	}
	if list[0].ID != "a-4" {
		t.Fatalf("first = %s", list[0].ID)
	}
}

func TestNewFallsBackToMemory(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("store = %T, want in-memory", s)
	}
}
