// Package config loads and validates engine configuration from a YAML file
// with environment-variable overrides. Validation failures are fatal before
// any state is loaded, so a bad config can never produce partial state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kestrelo/driftline/internal/engine"
	"github.com/kestrelo/driftline/internal/surge"
)

// Defaults.
const (
	DefaultDims         = 384 // MiniLM-family embedding width
	DefaultInactiveRuns = 3
	DefaultSurgeWindow  = 7 // days
)

// Config is the full engine + storage configuration.
type Config struct {
	DBPath string `yaml:"db_path"`

	// Embedding dimensionality items must arrive with.
	Dims int `yaml:"dims"`

	// Cosine similarity required to merge an item into an existing theme.
	MergeThreshold float64 `yaml:"merge_threshold"`

	// Centroid similarity at which two active themes fold into one.
	ThemeMergeSimilarity float64 `yaml:"theme_merge_similarity"`

	// Weight of secondary engagement (comments) relative to primary (points).
	CommentWeight float64 `yaml:"comment_weight"`

	// Signal decay constant, in days.
	HalfLifeDays float64 `yaml:"half_life_days"`

	// Current/baseline ratio at which a term is flagged as surging.
	SurgeRatio float64 `yaml:"surge_ratio"`

	// Trailing window, in days, for term surge baselines.
	SurgeWindowDays int `yaml:"surge_window_days"`

	// Consecutive runs without a new assignment before a theme goes inactive.
	InactiveRuns int `yaml:"inactive_runs"`

	// Persistence analysis window in weeks. Zero means derive it from the
	// first recorded run.
	WindowWeeks float64 `yaml:"window_weeks"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DBPath:               defaultDBPath(),
		Dims:                 DefaultDims,
		MergeThreshold:       engine.DefaultMergeThreshold,
		ThemeMergeSimilarity: engine.DefaultThemeMergeSimilarity,
		CommentWeight:        engine.DefaultCommentWeight,
		HalfLifeDays:         engine.DefaultHalfLifeDays,
		SurgeRatio:           surge.DefaultRatioThreshold,
		SurgeWindowDays:      DefaultSurgeWindow,
		InactiveRuns:         DefaultInactiveRuns,
	}
}

// DefaultConfigPath is where Load looks when no path is given.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".driftline", "config.yaml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "driftline.db"
	}
	return filepath.Join(home, ".driftline", "driftline.db")
}

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides, validates, and returns the result.
// A missing file is not an error; defaults apply. The file is unmarshalled
// over the defaults, so omitted fields keep them and explicit values win,
// explicit zeros included.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv("DRIFTLINE_CONFIG")
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}

	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DRIFTLINE_DB")); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTLINE_MERGE_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MergeThreshold = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRIFTLINE_HALF_LIFE_DAYS")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HalfLifeDays = f
		}
	}
}

// Validate rejects configurations the engine cannot run with. Wraps
// engine.ErrInvalidConfig so callers can classify the failure.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", engine.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Dims <= 0 {
		return fail("dims must be positive, got %d", c.Dims)
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 1 {
		return fail("merge_threshold must be in [0, 1], got %g", c.MergeThreshold)
	}
	if c.ThemeMergeSimilarity < 0 || c.ThemeMergeSimilarity > 1 {
		return fail("theme_merge_similarity must be in [0, 1], got %g", c.ThemeMergeSimilarity)
	}
	if c.CommentWeight < 0 {
		return fail("comment_weight must be non-negative, got %g", c.CommentWeight)
	}
	if c.HalfLifeDays <= 0 {
		return fail("half_life_days must be positive, got %g", c.HalfLifeDays)
	}
	if c.SurgeRatio < 1 {
		return fail("surge_ratio must be at least 1, got %g", c.SurgeRatio)
	}
	if c.SurgeWindowDays < 2 {
		return fail("surge_window_days must be at least 2, got %d", c.SurgeWindowDays)
	}
	if c.InactiveRuns < 1 {
		return fail("inactive_runs must be at least 1, got %d", c.InactiveRuns)
	}
	if c.WindowWeeks < 0 {
		return fail("window_weeks must be non-negative, got %g", c.WindowWeeks)
	}
	return nil
}
