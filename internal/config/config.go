package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	ModelAPI    ModelAPIConfig            `json:"model_api"`
	Fallbacks   FallbackConfig            `json:"fallbacks"`
	Retrieval   RetrievalConfig           `json:"retrieval"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	FileBaseDir        string `json:"file_base_dir"`
	DocumentTTLMinutes int    `json:"document_ttl_minutes"`
	CleanupMinutes     int    `json:"cleanup_interval_minutes"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ModelAPIConfig points at the OpenAI-compatible completion endpoint. A
// secondary key, when set, is tried after the primary is rejected.
type ModelAPIConfig struct {
	BaseURL      string  `json:"base_url"`
	APIKey       string  `json:"api_key"`
	SecondaryKey string  `json:"secondary_api_key"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// FallbackConfig maps a primary model to its ordered fallback chain. Models
// with no registered chain use the universal list.
type FallbackConfig struct {
	Chains       map[string][]string `json:"chains"`
	Universal    []string            `json:"universal"`
	MaxRetries   int                 `json:"max_retries"`
	RetryDelayMS int                 `json:"retry_delay_ms"`
}

type RetrievalConfig struct {
	ChunkSize      int `json:"chunk_size"`
	ChunkOverlap   int `json:"chunk_overlap"`
	TopK           int `json:"top_k"`
	FallbackChunks int `json:"fallback_chunks"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ModelAPI.BaseURL == "" {
		return nil, fmt.Errorf("model_api.base_url must be configured")
	}
	if cfg.ModelAPI.APIKey == "" {
		return nil, fmt.Errorf("model_api.api_key must be configured")
	}

	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ModelAPI.Temperature == 0 {
		c.ModelAPI.Temperature = 0.7
	}
	if c.ModelAPI.MaxTokens == 0 {
		c.ModelAPI.MaxTokens = 4096
	}
	if c.Fallbacks.MaxRetries == 0 {
		c.Fallbacks.MaxRetries = 3
	}
	if c.Fallbacks.RetryDelayMS == 0 {
		c.Fallbacks.RetryDelayMS = 500
	}
	if c.Retrieval.ChunkSize == 0 {
		c.Retrieval.ChunkSize = 1000
	}
	if c.Retrieval.ChunkOverlap == 0 {
		c.Retrieval.ChunkOverlap = 200
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.FallbackChunks == 0 {
		c.Retrieval.FallbackChunks = 3
	}
}

// RetryDelay reports the configured pause before each fallback attempt.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Fallbacks.RetryDelayMS) * time.Millisecond
}
