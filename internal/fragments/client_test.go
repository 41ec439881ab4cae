package fragments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
)

func TestIndexClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req struct {
			Vector  []float32              `json:"vector"`
			K       int                    `json:"k"`
			Filters pipeline.SearchFilters `json:"filters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.K != 7 || len(req.Vector) != 3 {
			t.Errorf("request = %+v", req)
		}
		if len(req.Filters.Types) != 1 || req.Filters.Types[0] != "photo" {
			t.Errorf("filters = %+v", req.Filters)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []pipeline.ScoredFragment{
				{Fragment: pipeline.Fragment{ID: "f-1"}, Similarity: 0.93},
			},
		})
	}))
	defer srv.Close()

	c := NewIndexClient(config.FragmentsConfig{IndexURL: srv.URL, Timeout: time.Second})
	hits, err := c.Search(context.Background(), []float32{1, 0, 0}, 7, pipeline.SearchFilters{Types: []string{"photo"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].Fragment.ID != "f-1" || hits[0].Similarity != 0.93 {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestIndexClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/fragments/f-9" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(pipeline.Fragment{ID: "f-9", Content: "a walk in the park"})
	}))
	defer srv.Close()

	c := NewIndexClient(config.FragmentsConfig{IndexURL: srv.URL, Timeout: time.Second})
	f, err := c.Get(context.Background(), "f-9")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.Content != "a walk in the park" {
		t.Fatalf("fragment = %+v", f)
	}
	if _, err := c.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing fragment")
	}
}

func TestIndexClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewIndexClient(config.FragmentsConfig{IndexURL: srv.URL, Timeout: time.Second})
	if _, err := c.Search(context.Background(), []float32{1}, 5, pipeline.SearchFilters{}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestAssessorClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assess" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(pipeline.Assessment{
			SensitiveIDs:    map[string]bool{"f-2": true},
			EmotionalScores: map[string]float64{"f-1": 0.6},
		})
	}))
	defer srv.Close()

	c := NewAssessorClient(config.FragmentsConfig{AssessorURL: srv.URL, Timeout: time.Second})
	a, err := c.Assess(context.Background(), []pipeline.Fragment{{ID: "f-1"}, {ID: "f-2"}})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if !a.SensitiveIDs["f-2"] || a.EmotionalScores["f-1"] != 0.6 {
		t.Fatalf("assessment = %+v", a)
	}
}

func TestOptionalClientsNilWhenUnconfigured(t *testing.T) {
	if c := NewAssessorClient(config.FragmentsConfig{}); c != nil {
		t.Fatal("assessor client without URL should be nil")
	}
	if c := NewVisionClient(config.MediaConfig{}, time.Second); c != nil {
		t.Fatal("vision client without URL should be nil")
	}
	if c := NewSpeechClient(config.MediaConfig{}, time.Second); c != nil {
		t.Fatal("speech client without URL should be nil")
	}
}

func TestVisionClientDescribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["url"] != "https://media.local/01.jpg" {
			t.Errorf("url = %q", req["url"])
		}
		_ = json.NewEncoder(w).Encode(map[string][]string{"concepts": {"beach", "sunset"}})
	}))
	defer srv.Close()

	c := NewVisionClient(config.MediaConfig{VisionURL: srv.URL}, time.Second)
	concepts, err := c.DescribeImage(context.Background(), pipeline.MediaRef{URL: "https://media.local/01.jpg"})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(concepts) != 2 || concepts[0] != "beach" {
		t.Fatalf("concepts = %v", concepts)
	}
}

func TestSpeechClientSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://media.local/narration.mp3"})
	}))
	defer srv.Close()

	c := NewSpeechClient(config.MediaConfig{SpeechURL: srv.URL}, time.Second)
	url, err := c.Synthesize(context.Background(), "The waves rolled in.")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if url != "https://media.local/narration.mp3" {
		t.Fatalf("url = %q", url)
	}
}
