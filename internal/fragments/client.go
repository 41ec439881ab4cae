// Package fragments holds the HTTP clients for the external fragment store /
// vector index and the privacy/emotion assessment collaborator, plus the
// optional vision and speech capabilities.
package fragments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
)

// httpClient is a small JSON-over-HTTP helper shared by all collaborator
// clients in this package.
type httpClient struct {
	client *http.Client
	base   string
}

func newHTTPClient(base string, timeout time.Duration) *httpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		client: &http.Client{Timeout: timeout},
		base:   strings.TrimRight(base, "/"),
	}
}

func (c *httpClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewBuffer(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.New(resp.Status + ": " + string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// IndexClient implements pipeline.FragmentIndex against the fragment store's
// HTTP search API.
type IndexClient struct {
	http *httpClient
}

func NewIndexClient(cfg config.FragmentsConfig) *IndexClient {
	return &IndexClient{http: newHTTPClient(cfg.IndexURL, cfg.Timeout)}
}

type searchRequest struct {
	Vector  []float32              `json:"vector"`
	K       int                    `json:"k"`
	Filters pipeline.SearchFilters `json:"filters"`
}

type searchResponse struct {
	Results []pipeline.ScoredFragment `json:"results"`
}

// Search runs a nearest-neighbor query with structured pre-filters.
func (c *IndexClient) Search(ctx context.Context, vector []float32, k int, filters pipeline.SearchFilters) ([]pipeline.ScoredFragment, error) {
	var resp searchResponse
	err := c.http.doJSON(ctx, http.MethodPost, "/v1/search", searchRequest{Vector: vector, K: k, Filters: filters}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Get fetches a single fragment by id.
func (c *IndexClient) Get(ctx context.Context, id string) (pipeline.Fragment, error) {
	var f pipeline.Fragment
	err := c.http.doJSON(ctx, http.MethodGet, "/v1/fragments/"+id, nil, &f)
	return f, err
}

// AssessorClient implements pipeline.Assessor against the privacy/emotion
// assessment collaborator.
type AssessorClient struct {
	http *httpClient
}

// NewAssessorClient returns nil when no assessor is configured; the curator
// treats a nil assessor as neutral scores.
func NewAssessorClient(cfg config.FragmentsConfig) *AssessorClient {
	if strings.TrimSpace(cfg.AssessorURL) == "" {
		return nil
	}
	return &AssessorClient{http: newHTTPClient(cfg.AssessorURL, cfg.Timeout)}
}

type assessRequest struct {
	Fragments []pipeline.Fragment `json:"fragments"`
}

// Assess returns sensitive-fragment ids and per-fragment emotional valence.
func (c *AssessorClient) Assess(ctx context.Context, frags []pipeline.Fragment) (pipeline.Assessment, error) {
	var a pipeline.Assessment
	err := c.http.doJSON(ctx, http.MethodPost, "/v1/assess", assessRequest{Fragments: frags}, &a)
	return a, err
}

// VisionClient implements pipeline.VisionProvider against an image
// understanding service.
type VisionClient struct {
	http *httpClient
}

// NewVisionClient returns nil when no vision service is configured; the
// sequencer degrades to temporal/quality scoring.
func NewVisionClient(cfg config.MediaConfig, timeout time.Duration) *VisionClient {
	if strings.TrimSpace(cfg.VisionURL) == "" {
		return nil
	}
	return &VisionClient{http: newHTTPClient(cfg.VisionURL, timeout)}
}

// DescribeImage returns visual concept labels for a media item.
func (c *VisionClient) DescribeImage(ctx context.Context, ref pipeline.MediaRef) ([]string, error) {
	var resp struct {
		Concepts []string `json:"concepts"`
	}
	err := c.http.doJSON(ctx, http.MethodPost, "/v1/describe", map[string]string{"url": ref.URL}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Concepts, nil
}

// SpeechClient implements pipeline.SpeechProvider against a narration
// synthesis service.
type SpeechClient struct {
	http *httpClient
}

// NewSpeechClient returns nil when narration is not configured.
func NewSpeechClient(cfg config.MediaConfig, timeout time.Duration) *SpeechClient {
	if strings.TrimSpace(cfg.SpeechURL) == "" {
		return nil
	}
	return &SpeechClient{http: newHTTPClient(cfg.SpeechURL, timeout)}
}

// Synthesize returns the URL of a synthesized narration clip.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.http.doJSON(ctx, http.MethodPost, "/v1/synthesize", map[string]string{"text": text}, &resp)
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}
