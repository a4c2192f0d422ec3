package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort    string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	DatabaseURL string `envconfig:"DATABASE_URL" default:"autoresponder.db"`
	Timezone    string `envconfig:"TIMEZONE" default:"Local"`

	Gemini struct {
		APIKey         string `envconfig:"GEMINI_API_KEY"`
		ChatModel      string `envconfig:"GEMINI_CHAT_MODEL" default:"gemini-1.5-flash-latest"`
		VisionModel    string `envconfig:"GEMINI_VISION_MODEL" default:"gemini-1.5-flash-latest"`
		EmbeddingModel string `envconfig:"GEMINI_EMBEDDING_MODEL" default:"text-embedding-004"`
	} `envconfig:""`

	// GenerationProvider selects the chat reply backend: "groq" or "gemini".
	GenerationProvider string `envconfig:"GENERATION_PROVIDER" default:"groq"`

	Groq struct {
		APIKey  string `envconfig:"GROQ_API_KEY"`
		BaseURL string `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1"`
		Model   string `envconfig:"GROQ_MODEL" default:"llama3-8b-8192"`
	} `envconfig:""`

	RAG struct {
		RateLimitDelay      time.Duration `envconfig:"RAG_RATE_LIMIT_DELAY" default:"2s"`
		RetrievalK          int           `envconfig:"RAG_RETRIEVAL_K" default:"1"`
		MaxContextTokens    int           `envconfig:"RAG_MAX_CONTEXT_TOKENS" default:"200"`
		MaxOutputTokens     int           `envconfig:"RAG_MAX_OUTPUT_TOKENS" default:"150"`
		Temperature         float32       `envconfig:"RAG_TEMPERATURE" default:"0.7"`
		SimilarityThreshold float32       `envconfig:"RAG_SIMILARITY_THRESHOLD" default:"0"`
	} `envconfig:""`

	Instagram struct {
		AccessToken string `envconfig:"INSTAGRAM_ACCESS_TOKEN"`
		GraphURL    string `envconfig:"INSTAGRAM_GRAPH_URL" default:"https://graph.facebook.com/v19.0"`
		AppSecret   string `envconfig:"INSTAGRAM_APP_SECRET"`
		VerifyToken string `envconfig:"WEBHOOK_VERIFY_TOKEN"`
	} `envconfig:""`

	Worker struct {
		Count     int `envconfig:"WORKER_COUNT" default:"4"`
		QueueSize int `envconfig:"WORKER_QUEUE_SIZE" default:"100"`
	} `envconfig:""`

	Timeouts struct {
		HTTP         time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
		ImageFetch   time.Duration `envconfig:"IMAGE_FETCH_TIMEOUT" default:"10s"`
		Generation   time.Duration `envconfig:"GENERATION_TIMEOUT" default:"30s"`
		CommentReply time.Duration `envconfig:"COMMENT_REPLY_TIMEOUT" default:"10s"`
	} `envconfig:""`

	StalenessWindow time.Duration `envconfig:"REPLY_STALENESS_WINDOW" default:"5m"`
}

// ConfigError names the environment variable that made the configuration unusable.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// LoadConfig reads an optional .env file, decodes the environment and validates it.
func LoadConfig() (Config, error) {
	// A missing .env is fine, the process environment is authoritative.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return &ConfigError{Key: "GEMINI_API_KEY", Reason: "is required"}
	}
	switch strings.ToLower(c.GenerationProvider) {
	case "groq":
		if c.Groq.APIKey == "" {
			return &ConfigError{Key: "GROQ_API_KEY", Reason: "is required when GENERATION_PROVIDER=groq"}
		}
	case "gemini":
	default:
		return &ConfigError{Key: "GENERATION_PROVIDER", Reason: fmt.Sprintf("has unsupported value %q", c.GenerationProvider)}
	}
	if c.RAG.RetrievalK < 1 {
		return &ConfigError{Key: "RAG_RETRIEVAL_K", Reason: "must be at least 1"}
	}
	if c.Worker.Count < 1 {
		return &ConfigError{Key: "WORKER_COUNT", Reason: "must be at least 1"}
	}
	if c.Worker.QueueSize < 1 {
		return &ConfigError{Key: "WORKER_QUEUE_SIZE", Reason: "must be at least 1"}
	}
	if _, err := c.Location(); err != nil {
		return &ConfigError{Key: "TIMEZONE", Reason: err.Error()}
	}
	return nil
}

// Location resolves the timezone used for business-hours checks.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "DEBUG")
}
