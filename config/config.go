package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the memoir pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fragments FragmentsConfig `mapstructure:"fragments"`
	Media     MediaConfig     `mapstructure:"media"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
	Embedding EmbeddingConfig        `mapstructure:"embedding"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or compatible gateways
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model to use for each pipeline stage
type LLMRoutingConfig struct {
	Expansion   string `mapstructure:"expansion"`   // query expansion
	Ranking     string `mapstructure:"ranking"`     // candidate re-ranking
	Clustering  string `mapstructure:"clustering"`  // cluster summaries
	Curation    string `mapstructure:"curation"`    // relevance scoring + outline
	Composition string `mapstructure:"composition"` // narrative text
	Fallback    string `mapstructure:"fallback"`
}

// ModelFor resolves a stage route, falling back to the configured fallback model.
func (r LLMRoutingConfig) ModelFor(stage string) string {
	m := ""
	switch stage {
	case "expansion":
		m = r.Expansion
	case "ranking":
		m = r.Ranking
	case "clustering":
		m = r.Clustering
	case "curation":
		m = r.Curation
	case "composition":
		m = r.Composition
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// EmbeddingConfig selects the embedding model used for query vectors
type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// CriteriaWeights are the relative curation weights. They need not sum to 1.
type CriteriaWeights struct {
	Relevance       float64 `mapstructure:"relevance" json:"relevance"`
	EmotionalImpact float64 `mapstructure:"emotional_impact" json:"emotional_impact"`
	NarrativeValue  float64 `mapstructure:"narrative_value" json:"narrative_value"`
	Diversity       float64 `mapstructure:"diversity" json:"diversity"`
	PrivacySafety   float64 `mapstructure:"privacy_safety" json:"privacy_safety"`
}

// PipelineConfig is the recognized tuning surface of the pipeline.
type PipelineConfig struct {
	ResultCount      int             `mapstructure:"result_count"`  // k
	MaxFragments     int             `mapstructure:"max_fragments"` // bounded selection
	Weights          CriteriaWeights `mapstructure:"weights"`
	Tone             string          `mapstructure:"tone"`
	Style            string          `mapstructure:"style"`
	TargetSentences  int             `mapstructure:"target_sentences"`
	MinChapters      int             `mapstructure:"min_chapters"`
	MaxChapters      int             `mapstructure:"max_chapters"`
	RevisionLimit    int             `mapstructure:"revision_limit"`
	StageTimeout     time.Duration   `mapstructure:"stage_timeout"`     // per model call
	ModelConcurrency int             `mapstructure:"model_concurrency"` // outbound call semaphore
	RerankThreshold  int             `mapstructure:"rerank_threshold"`  // skip re-ranking at or below
	ClusterEps       float64         `mapstructure:"cluster_eps"`       // cosine distance neighborhood
	ToneThreshold    float64         `mapstructure:"tone_threshold"`    // review tone contradiction bound
	PreferDiversity  bool            `mapstructure:"prefer_diversity"`  // diversity-vs-score tie-break policy
	DiversityThemes  int             `mapstructure:"diversity_themes"`  // soft theme cap for the diversity rule
}

func (p PipelineConfig) Validate() error {
	if p.ResultCount <= 0 {
		return fmt.Errorf("pipeline.result_count must be > 0")
	}
	if p.MaxFragments <= 0 {
		return fmt.Errorf("pipeline.max_fragments must be > 0")
	}
	if p.RevisionLimit < 0 {
		return fmt.Errorf("pipeline.revision_limit cannot be negative")
	}
	if p.ModelConcurrency <= 0 {
		return fmt.Errorf("pipeline.model_concurrency must be > 0")
	}
	if p.MinChapters <= 0 || p.MaxChapters < p.MinChapters {
		return fmt.Errorf("pipeline.min_chapters/max_chapters invalid")
	}
	return nil
}

// FragmentsConfig locates the external fragment store / vector index and the
// privacy/emotion assessment collaborator.
type FragmentsConfig struct {
	IndexURL    string        `mapstructure:"index_url"`
	AssessorURL string        `mapstructure:"assessor_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (f FragmentsConfig) Validate() error {
	if strings.TrimSpace(f.IndexURL) == "" {
		return fmt.Errorf("fragments.index_url is required")
	}
	return nil
}

// MediaConfig controls media sequencing and the optional vision/speech providers.
type MediaConfig struct {
	VisionURL         string  `mapstructure:"vision_url"` // empty disables visual-concept scoring
	SpeechURL         string  `mapstructure:"speech_url"` // empty disables audio narration
	ImageSeconds      float64 `mapstructure:"image_seconds"`
	MaxClipSeconds    float64 `mapstructure:"max_clip_seconds"`
	TransitionSeconds float64 `mapstructure:"transition_seconds"`
	VisualWeight      float64 `mapstructure:"visual_weight"`
	TemporalWeight    float64 `mapstructure:"temporal_weight"`
	QualityWeight     float64 `mapstructure:"quality_weight"`
}

// StorageConfig contains artifact persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether any Postgres target is set.
func (p PostgresConfig) Configured() bool {
	return p.URL != "" || p.Host != "" || p.DBName != ""
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", "5m")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10011")
	viper.SetDefault("pipeline.result_count", 12)
	viper.SetDefault("pipeline.max_fragments", 10)
	viper.SetDefault("pipeline.weights.relevance", 0.3)
	viper.SetDefault("pipeline.weights.emotional_impact", 0.25)
	viper.SetDefault("pipeline.weights.narrative_value", 0.2)
	viper.SetDefault("pipeline.weights.diversity", 0.15)
	viper.SetDefault("pipeline.weights.privacy_safety", 0.1)
	viper.SetDefault("pipeline.tone", "warm")
	viper.SetDefault("pipeline.style", "reflective")
	viper.SetDefault("pipeline.target_sentences", 3)
	viper.SetDefault("pipeline.min_chapters", 3)
	viper.SetDefault("pipeline.max_chapters", 5)
	viper.SetDefault("pipeline.revision_limit", 2)
	viper.SetDefault("pipeline.stage_timeout", "45s")
	viper.SetDefault("pipeline.model_concurrency", 8)
	viper.SetDefault("pipeline.rerank_threshold", 5)
	viper.SetDefault("pipeline.cluster_eps", 0.35)
	viper.SetDefault("pipeline.tone_threshold", 0.5)
	viper.SetDefault("pipeline.prefer_diversity", true)
	viper.SetDefault("pipeline.diversity_themes", 3)
	viper.SetDefault("fragments.timeout", "10s")
	viper.SetDefault("media.image_seconds", 3.5)
	viper.SetDefault("media.max_clip_seconds", 8.0)
	viper.SetDefault("media.transition_seconds", 0.5)
	viper.SetDefault("media.visual_weight", 0.5)
	viper.SetDefault("media.temporal_weight", 0.3)
	viper.SetDefault("media.quality_weight", 0.2)
	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("MEMOIR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Pipeline.Validate(); err != nil {
		panic(err)
	}
	if err := config.Fragments.Validate(); err != nil {
		panic(err)
	}
	return &config
}
