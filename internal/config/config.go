package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Repair   RepairConfig   `yaml:"repair"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type EngineConfig struct {
	BaseURL      string `yaml:"base_url"`
	GenModel     string `yaml:"gen_model"`
	ReviewModel  string `yaml:"review_model"`
	ArbiterModel string `yaml:"arbiter_model"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type CacheConfig struct {
	Capacity int    `yaml:"capacity"`
	TTL      string `yaml:"ttl"`
}

type PipelineConfig struct {
	Strictness           string  `yaml:"strictness"`
	RunTests             bool    `yaml:"run_tests"`
	TimeBudgetSeconds    int     `yaml:"time_budget_seconds"`
	MaxCorrections       int     `yaml:"max_corrections"`
	VerifierTimeout      string  `yaml:"verifier_timeout"`
	ArbiterFailThreshold float64 `yaml:"arbiter_fail_threshold"`
}

type RepairConfig struct {
	Interval         string `yaml:"interval"`
	Window           string `yaml:"window"`
	FailureThreshold int    `yaml:"failure_threshold"`
	MaxAttempts      int    `yaml:"max_attempts"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4600},
		Engine: EngineConfig{
			BaseURL:      "http://localhost:11434",
			GenModel:     "qwen2.5-coder",
			ReviewModel:  "phi3.5",
			ArbiterModel: "mistral-nemo",
		},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Cache:   CacheConfig{Capacity: 100, TTL: "1h"},
		Pipeline: PipelineConfig{
			Strictness:           "standard",
			RunTests:             true,
			TimeBudgetSeconds:    120,
			MaxCorrections:       3,
			VerifierTimeout:      "30s",
			ArbiterFailThreshold: 0.8,
		},
		Repair: RepairConfig{
			Interval:         "1m",
			Window:           "1h",
			FailureThreshold: 3,
			MaxAttempts:      3,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "forged")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".forged"
	}
	return filepath.Join(home, ".local", "share", "forged")
}

func defaultConfigPath() string {
	if p := os.Getenv("FORGED_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "forged", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "forged", "config.yaml")
}

// Load reads configuration from the YAML config file (if present) merged
// over defaults, then applies FORGED_* environment overrides.
func Load() (Config, error) {
	return loadFrom(defaultConfigPath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No config file: defaults + env only.
		default:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if _, err := time.ParseDuration(cfg.Cache.TTL); err != nil {
		return Config{}, fmt.Errorf("invalid cache.ttl %q: %w", cfg.Cache.TTL, err)
	}
	for name, v := range map[string]string{
		"pipeline.verifier_timeout": cfg.Pipeline.VerifierTimeout,
		"repair.interval":           cfg.Repair.Interval,
		"repair.window":             cfg.Repair.Window,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGED_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FORGED_ENGINE_URL"); v != "" {
		cfg.Engine.BaseURL = v
	}
	if v := os.Getenv("FORGED_GEN_MODEL"); v != "" {
		cfg.Engine.GenModel = v
	}
	if v := os.Getenv("FORGED_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FORGED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FORGED_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.Capacity = n
		}
	}
	if v := os.Getenv("FORGED_MAX_CORRECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Pipeline.MaxCorrections = n
		}
	}
}

// Duration parses a config duration string, returning fallback on error.
// Load validates the known duration fields, so this only guards callers
// constructed with hand-built configs.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
