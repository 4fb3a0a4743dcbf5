// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Probe model connection
	Probe ProbeConfig `yaml:"probe"`

	// Evaluation run settings
	Eval EvalConfig `yaml:"eval"`

	// Template weight model settings
	Weights WeightsConfig `yaml:"weights"`

	// Cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`

	// Output configuration
	Output OutputConfig `yaml:"output"`
}

// ProbeConfig holds the inference server connection settings.
type ProbeConfig struct {
	URL       string        `envconfig:"KBPROBE_MODEL_URL" yaml:"url"`
	Timeout   time.Duration `envconfig:"KBPROBE_MODEL_TIMEOUT" yaml:"timeout"`
	RateLimit float64       `envconfig:"KBPROBE_MODEL_RATE_LIMIT" yaml:"rate_limit"` // requests/s, 0 = unlimited
	Burst     int           `envconfig:"KBPROBE_MODEL_BURST" yaml:"burst"`
}

// EvalConfig holds the settings of one evaluation run.
type EvalConfig struct {
	Relation          string   `envconfig:"KBPROBE_RELATION" yaml:"relation"`
	DatasetFile       string   `envconfig:"KBPROBE_DATASET_FILE" yaml:"dataset_file"`
	Templates         []string `envconfig:"KBPROBE_TEMPLATES" yaml:"templates"`
	VocabSubsetFile   string   `envconfig:"KBPROBE_VOCAB_SUBSET_FILE" yaml:"vocab_subset_file"`
	BatchSize         int      `envconfig:"KBPROBE_BATCH_SIZE" yaml:"batch_size"`
	Threads           int      `envconfig:"KBPROBE_THREADS" yaml:"threads"` // <= 0 = number of CPUs
	Strategy          string   `envconfig:"KBPROBE_STRATEGY" yaml:"strategy"`
	BTCandidates      int      `envconfig:"KBPROBE_BT_CANDIDATES" yaml:"bt_candidates"` // 0 = no back-translation rerank
	UseProb           bool     `envconfig:"KBPROBE_USE_PROB" yaml:"use_prob"`
	Lowercase         bool     `envconfig:"KBPROBE_LOWERCASE" yaml:"lowercase"`
	MaxSentenceLength int      `envconfig:"KBPROBE_MAX_SENTENCE_LENGTH" yaml:"max_sentence_length"` // 0 = unlimited
	Shuffle           bool     `envconfig:"KBPROBE_SHUFFLE" yaml:"shuffle"`
	ShuffleSeed       int64    `envconfig:"KBPROBE_SHUFFLE_SEED" yaml:"shuffle_seed"`
	TopKPrint         int      `envconfig:"KBPROBE_TOPK_PRINT" yaml:"topk_print"`
	PrecisionAt       int      `envconfig:"KBPROBE_PRECISION_AT" yaml:"precision_at"`
	SkipNegative      bool     `envconfig:"KBPROBE_SKIP_NEGATIVE" yaml:"skip_negative_evidence"`
}

// WeightsConfig holds template weight model settings.
type WeightsConfig struct {
	Mode         string  `envconfig:"KBPROBE_WEIGHTS_MODE" yaml:"mode"` // off, infer, train, precompute
	EnforceProb  bool    `envconfig:"KBPROBE_WEIGHTS_ENFORCE_PROB" yaml:"enforce_prob"`
	NumFeatures  int     `envconfig:"KBPROBE_WEIGHTS_NUM_FEATURES" yaml:"num_features"`
	File         string  `envconfig:"KBPROBE_WEIGHTS_FILE" yaml:"file"`
	FeaturesFile string  `envconfig:"KBPROBE_FEATURES_FILE" yaml:"features_file"`
	Optimizer    string  `envconfig:"KBPROBE_WEIGHTS_OPTIMIZER" yaml:"optimizer"`
	LearningRate float64 `envconfig:"KBPROBE_WEIGHTS_LR" yaml:"learning_rate"`
	Epochs       int     `envconfig:"KBPROBE_WEIGHTS_EPOCHS" yaml:"epochs"`
}

// CacheConfig holds back-translation score cache settings.
type CacheConfig struct {
	Type     string `envconfig:"KBPROBE_CACHE_TYPE" yaml:"type"`
	Size     int    `envconfig:"KBPROBE_CACHE_SIZE" yaml:"size"`
	TTL      int    `envconfig:"KBPROBE_CACHE_TTL" yaml:"ttl"` // seconds, 0 = no expiry
	RedisURL string `envconfig:"KBPROBE_REDIS_URL" yaml:"redis_url"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"KBPROBE_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"KBPROBE_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"KBPROBE_KAFKA_GROUP" yaml:"kafka_group"`
	EventLog     string `envconfig:"KBPROBE_BUS_EVENT_LOG" yaml:"event_log"` // JSONL file, empty disables
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"KBPROBE_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"KBPROBE_LOG_FORMAT" yaml:"format"`
	File   string `envconfig:"KBPROBE_LOG_FILE" yaml:"file"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `envconfig:"KBPROBE_METRICS_ENABLED" yaml:"metrics_enabled"`
	MetricsFile    string `envconfig:"KBPROBE_METRICS_FILE" yaml:"metrics_file"`
}

// OutputConfig holds result artifact settings.
type OutputConfig struct {
	Dir string `envconfig:"KBPROBE_OUTPUT_DIR" yaml:"dir"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing env config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func setDefaults(cfg *Config) {
	cfg.Probe = ProbeConfig{
		URL:     "http://localhost:8500",
		Timeout: 60 * time.Second,
		Burst:   1,
	}

	cfg.Eval = EvalConfig{
		BatchSize:   32,
		Threads:     -1,
		Strategy:    "none",
		Shuffle:     true,
		ShuffleSeed: 1,
		TopKPrint:   10,
		PrecisionAt: 10,
	}

	cfg.Weights = WeightsConfig{
		Mode:         "off",
		EnforceProb:  true,
		NumFeatures:  1,
		Optimizer:    "adam",
		LearningRate: 0.1,
		Epochs:       10,
	}

	cfg.Cache = CacheConfig{
		Type:     "memory",
		Size:     10000,
		TTL:      0,
		RedisURL: "redis://localhost:6379",
	}

	cfg.Bus = BusConfig{
		Type:       "memory",
		KafkaGroup: "kbprobe",
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}

	cfg.Observability = ObservabilityConfig{
		MetricsEnabled: true,
	}

	cfg.Output = OutputConfig{
		Dir: "./output",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Probe validation
	if c.Probe.URL == "" {
		errs = append(errs, "probe url is required")
	}

	if c.Probe.RateLimit < 0 {
		errs = append(errs, "probe rate_limit must not be negative")
	}

	if c.Probe.RateLimit > 0 && c.Probe.Burst < 1 {
		errs = append(errs, "probe burst must be positive when rate_limit is set")
	}

	// Eval validation
	if c.Eval.BatchSize < 1 {
		errs = append(errs, "batch_size must be positive")
	}

	if c.Eval.MaxSentenceLength < 0 {
		errs = append(errs, "max_sentence_length must not be negative")
	}

	if c.Eval.BTCandidates < 0 {
		errs = append(errs, "bt_candidates must not be negative")
	}

	if c.Eval.PrecisionAt < 1 {
		errs = append(errs, "precision_at must be positive")
	}

	if c.Eval.TopKPrint < 0 {
		errs = append(errs, "topk_print must not be negative")
	}

	// Weights validation
	validModes := map[string]bool{"off": true, "infer": true, "train": true, "precompute": true}
	if !validModes[c.Weights.Mode] {
		errs = append(errs, fmt.Sprintf("invalid weights mode: %s (must be off, infer, train, or precompute)", c.Weights.Mode))
	}

	if c.Weights.NumFeatures < 1 {
		errs = append(errs, "weights num_features must be positive")
	}

	validOptimizers := map[string]bool{"sgd": true, "adam": true}
	if !validOptimizers[c.Weights.Optimizer] {
		errs = append(errs, fmt.Sprintf("invalid optimizer: %s (must be sgd or adam)", c.Weights.Optimizer))
	}

	if c.Weights.LearningRate <= 0 {
		errs = append(errs, "weights learning_rate must be positive")
	}

	if c.Weights.Epochs < 1 {
		errs = append(errs, "weights epochs must be positive")
	}

	if c.Weights.Mode == "precompute" && c.Weights.FeaturesFile == "" {
		errs = append(errs, "weights features_file is required in precompute mode")
	}

	// Unnormalised zero weights give an all-zero mixture.
	if c.mergesWithWeights() && !c.Weights.EnforceProb && c.Weights.File == "" {
		errs = append(errs, "weights file is required when enforce_prob is false and the learned strategy, reranking or infer mode merges with the weights")
	}

	// Cache validation
	validCacheTypes := map[string]bool{"memory": true, "redis": true, "none": true}
	if !validCacheTypes[c.Cache.Type] {
		errs = append(errs, fmt.Sprintf("invalid cache type: %s (must be memory, redis, or none)", c.Cache.Type))
	}

	if c.Cache.Type == "memory" && c.Cache.Size < 1 {
		errs = append(errs, "cache size must be positive for memory cache")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}

	if c.Bus.Type == "kafka" && c.Bus.KafkaBrokers == "" {
		errs = append(errs, "kafka_brokers is required for kafka bus")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// mergesWithWeights reports whether inference output passes through the
// template weights.
func (c *Config) mergesWithWeights() bool {
	if c.Weights.Mode == "train" {
		return false
	}
	return c.Weights.Mode == "infer" || c.Eval.Strategy == "learned" || c.Eval.BTCandidates > 0
}

// WeightsEnabled reports whether the template weight model takes part in the run.
func (c *Config) WeightsEnabled() bool {
	return c.Weights.Mode != "off"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Log.Level == "debug"
}
