// Package config resolves filesystem paths and persisted settings for
// ccsearch's user data directory.
package config

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	dataDirName  = ".ccsearch"
	configName   = "config.toml"
	dbName       = "index.db"
	modelsDir    = "models"
	defaultModel = "bge-small-en-v1.5"
)

// Config is the effective, persisted configuration for a ccsearch
// installation: the RRF weights and fusion constant, result limits, the
// text truncation cap, and the transcript source directory.
type Config struct {
	BM25Weight      float64 `toml:"bm25_weight"`
	VecWeight       float64 `toml:"vec_weight"`
	RRFK            int     `toml:"rrf_k"`
	MaxResults      int     `toml:"max_results"`
	DefaultDays     int     `toml:"default_days"`
	MaxTextChars    int     `toml:"max_text_chars"`
	TranscriptsRoot string  `toml:"transcripts_root"`

	dataDir string
}

// Default returns the built-in configuration, rooted at ~/.ccsearch.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BM25Weight:      1.0,
		VecWeight:       1.0,
		RRFK:            60,
		MaxResults:      20,
		DefaultDays:     0,
		MaxTextChars:    8_000,
		TranscriptsRoot: filepath.Join(home, ".claude", "projects"),
		dataDir:         filepath.Join(home, dataDirName),
	}
}

// DataDir is the root of the user data directory (default ~/.ccsearch).
func (c Config) DataDir() string { return c.dataDir }

// DBPath is the Index Store file path.
func (c Config) DBPath() string { return filepath.Join(c.dataDir, dbName) }

// ModelDir is the directory holding the active model's weights and
// tokenizer vocabulary.
func (c Config) ModelDir() string { return filepath.Join(c.dataDir, modelsDir, defaultModel) }

// ModelID is the active embedding model's identifier, used both as the
// models/ subdirectory name and the value recorded in Meta.model_id.
func (c Config) ModelID() string { return defaultModel }

// ConfigPath is the path to the persisted config.toml.
func (c Config) ConfigPath() string { return filepath.Join(c.dataDir, configName) }

// Load reads config.toml from the user data directory, creating it with
// default values on first run. The data directory itself is created if
// missing.
func Load() (Config, error) {
	cfg := Default()

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return cfg, err
	}

	b, err := os.ReadFile(cfg.ConfigPath())
	if os.IsNotExist(err) {
		return cfg, cfg.Save()
	}
	if err != nil {
		return cfg, err
	}

	dataDir := cfg.dataDir
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.dataDir = dataDir
	return cfg, nil
}

// Save writes the current configuration to config.toml.
func (c Config) Save() error {
	b, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath(), b, 0o644)
}
