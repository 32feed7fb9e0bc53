package rewind

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultLevelsOfUndo is applied by LoadConfig when the file omits the field.
const DefaultLevelsOfUndo = 10

// Config configures Open.
type Config struct {
	// Path is the database file path. Required.
	Path string `yaml:"path"`

	// Key is the optional store key; a mismatching key fails Open with a
	// storage error.
	Key string `yaml:"key"`

	// LevelsOfUndo bounds the in-memory history to LevelsOfUndo+1 entries.
	// Negative values are clamped to 0 (minimal retention).
	LevelsOfUndo int `yaml:"levels_of_undo"`

	// BusyTimeout bounds waits on engine lock contention. Zero uses the
	// engine default (5s).
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxReaders caps the reader connection pool. Zero means unlimited.
	MaxReaders int `yaml:"max_readers"`

	// Table overrides the snapshot table name derived from the state type.
	// Restricted to [a-z0-9_].
	Table string `yaml:"table"`

	// Codec overrides the default deterministic JSON codec.
	Codec Codec `yaml:"-"`

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file and applies defaults. An absent
// levels_of_undo field means DefaultLevelsOfUndo; an explicit 0 stays 0.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	// levels_of_undo needs absent-vs-zero distinction, hence the pointer.
	var raw struct {
		Path         string        `yaml:"path"`
		Key          string        `yaml:"key"`
		LevelsOfUndo *int          `yaml:"levels_of_undo"`
		BusyTimeout  time.Duration `yaml:"busy_timeout"`
		MaxReaders   int           `yaml:"max_readers"`
		Table        string        `yaml:"table"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Config{
		Path:        raw.Path,
		Key:         raw.Key,
		BusyTimeout: raw.BusyTimeout,
		MaxReaders:  raw.MaxReaders,
		Table:       raw.Table,
	}
	if raw.LevelsOfUndo != nil {
		cfg.LevelsOfUndo = *raw.LevelsOfUndo
	} else {
		cfg.LevelsOfUndo = DefaultLevelsOfUndo
	}
	if cfg.LevelsOfUndo < 0 {
		cfg.LevelsOfUndo = 0
	}
	if cfg.Path == "" {
		return Config{}, fmt.Errorf("config %s: path is required", path)
	}
	return cfg, nil
}
