package provider

import (
	"errors"
	"fmt"
	"os"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/pipeline"
	openai_provider "github.com/memoirhq/memoir/provider/openai"
)

// New creates the LLM provider from configuration. The first provider entry
// with type "openai" (or an API-compatible gateway) wins; an empty api_key
// falls back to the OPENAI_API_KEY environment variable.
func New(cfg config.LLMConfig) (pipeline.LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	for name, p := range cfg.Providers {
		switch p.Type {
		case "", "openai":
			if p.APIKey == "" {
				p.APIKey = os.Getenv("OPENAI_API_KEY")
			}
			return openai_provider.New(name, p)
		default:
			return nil, fmt.Errorf("unsupported llm provider type %q", p.Type)
		}
	}
	return nil, errors.New("no usable llm provider")
}
