package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UserConfig holds all of the user-configurable options. The fields here are
// all in PascalCase but in your actual config.yml they'll be lowercase.
// You can view the effective defaults with `preheat --config`.
type UserConfig struct {
	// Model configures the learning model: how often we scan, which maps are
	// big enough to care about, and how much memory we let the preloader use
	Model ModelConfig `yaml:"model,omitempty"`

	// System configures the runtime behaviour of the daemon itself
	System SystemConfig `yaml:"system,omitempty"`

	// Preheat configures first-run seeding and launch weighting
	Preheat PreheatConfig `yaml:"preheat,omitempty"`

	// Families maps a family id to a semicolon-separated list of absolute
	// member paths. Members share aggregated usage statistics
	Families map[string]string `yaml:"families,omitempty"`
}

// ModelConfig configures the prediction model
type ModelConfig struct {
	// Cycle is the number of seconds between scans. Clamped to 5..300
	Cycle int `yaml:"cycle,omitempty"`

	// MinSize is the minimum length in bytes for a mapped file region to be
	// tracked. Smaller regions aren't worth the bookkeeping
	MinSize int64 `yaml:"minsize,omitempty"`

	// MemTotal, MemFree and MemCached define the preload memory budget:
	// max(0, total*memtotal% + free*memfree%) + cached*memcached%.
	// MemTotal may be negative to reserve headroom
	MemTotal  int `yaml:"memtotal,omitempty"`
	MemFree   int `yaml:"memfree,omitempty"`
	MemCached int `yaml:"memcached,omitempty"`

	// UseCorrelation determines whether pairwise correlation between
	// applications contributes to the prediction
	UseCorrelation *bool `yaml:"usecorrelation,omitempty"`
}

// SystemConfig configures the daemon runtime
type SystemConfig struct {
	// DoScan and DoPredict allow disabling the scan and the predict/preload
	// halves of the tick. Both default to true
	DoScan    *bool `yaml:"doscan,omitempty"`
	DoPredict *bool `yaml:"dopredict,omitempty"`

	// Autosave is the number of seconds between automatic state saves
	Autosave int `yaml:"autosave,omitempty"`

	// MaxProcs is the number of parallel readahead workers. Clamped to 0..100
	MaxProcs int `yaml:"maxprocs,omitempty"`

	// SortStrategy orders the preload batch to minimise seeking: one of
	// NONE, PATH, INODE, BLOCK
	SortStrategy string `yaml:"sortstrategy,omitempty"`

	// ExePrefix and MapPrefix are ordered path filters. An entry starting
	// with '!' is a deny prefix, anything else an accept prefix; evaluation
	// is left to right, first match wins, no match rejects
	ExePrefix []string `yaml:"exeprefix,omitempty"`
	MapPrefix []string `yaml:"mapprefix,omitempty"`

	// ManualApps is the path to a whitelist file with one absolute binary
	// path per line. Listed binaries are always classified PRIORITY and get
	// a fixed prediction boost
	ManualApps string `yaml:"manualapps,omitempty"`

	// ExcludedPatterns is a semicolon-separated list of glob patterns.
	// Matching binaries are tracked but never preloaded
	ExcludedPatterns string `yaml:"excluded_patterns,omitempty"`

	// UserAppPaths is a semicolon-separated list of directories. Binaries
	// under these are classified PRIORITY. '~' expands to the caller's home
	UserAppPaths string `yaml:"user_app_paths,omitempty"`
}

// PreheatConfig configures seeding and launch weighting
type PreheatConfig struct {
	// SeedFromXDG enables seeding from autostart entries and the desktop
	// application catalog on first run
	SeedFromXDG *bool `yaml:"seed_from_xdg,omitempty"`

	// SeedFromHistory enables seeding from shell history files on first run
	SeedFromHistory *bool `yaml:"seed_from_history,omitempty"`

	// SeedConfidence is the minimum confidence in [0,1] for a seed candidate
	// to be admitted
	SeedConfidence float64 `yaml:"seed_confidence,omitempty"`

	// RecencyWeight is the multiplier applied to launches of a young model;
	// it decays towards 1.0 as the model ages
	RecencyWeight float64 `yaml:"recency_weight,omitempty"`

	// ShortLivedThreshold is the process lifetime in seconds below which a
	// launch only earns a quarter of its weight
	ShortLivedThreshold int `yaml:"short_lived_threshold,omitempty"`
}

// Sort strategies for the preload batch.
const (
	SortNone  = "NONE"
	SortPath  = "PATH"
	SortInode = "INODE"
	SortBlock = "BLOCK"
)

// TrustedPrefixes is the set of path prefixes the daemon will ever open a
// file under, for preloading, scanning or binary resolution.
var TrustedPrefixes = []string{
	"/usr/bin/",
	"/usr/sbin/",
	"/usr/lib/",
	"/usr/lib64/",
	"/usr/libexec/",
	"/usr/local/bin/",
	"/usr/local/lib/",
	"/usr/share/",
	"/opt/",
}

// Trusted reports whether path (already canonicalised) lies under one of the
// trusted prefixes.
func Trusted(path string) bool {
	for _, prefix := range TrustedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// GetDefaultConfig returns the application default configuration.
// NOTE (to contributors, not users): do not default a plain boolean to true,
// because false is the boolean zero value and it would be clobbered when
// merging the user's config. True-by-default switches use *bool.
func GetDefaultConfig() UserConfig {
	t := true
	return UserConfig{
		Model: ModelConfig{
			Cycle:          20,
			MinSize:        2_000_000,
			MemTotal:       -10,
			MemFree:        50,
			MemCached:      0,
			UseCorrelation: &t,
		},
		System: SystemConfig{
			DoScan:       &t,
			DoPredict:    &t,
			Autosave:     3600,
			MaxProcs:     30,
			SortStrategy: SortBlock,
			ExePrefix: []string{
				"!/usr/sbin/",
				"!/usr/local/sbin/",
				"/usr/",
				"/opt/",
			},
			MapPrefix: []string{
				"/usr/",
				"/lib",
				"/opt/",
				"/var/cache/",
			},
			ManualApps:       "",
			ExcludedPatterns: "",
			UserAppPaths:     "~/bin;~/.local/bin",
		},
		Preheat: PreheatConfig{
			SeedFromXDG:         &t,
			SeedFromHistory:     &t,
			SeedConfidence:      0.3,
			RecencyWeight:       2.0,
			ShortLivedThreshold: 30,
		},
		Families: map[string]string{},
	}
}

// Normalize clamps out-of-range values back to their defaults and returns a
// warning message for each correction. The caller logs them once the logger
// exists; config is parsed before logging is up.
func (c *UserConfig) Normalize() []string {
	warnings := []string{}
	def := GetDefaultConfig()

	clampInt := func(name string, v *int, lo, hi, fallback int) {
		if *v < lo || *v > hi {
			warnings = append(warnings, fmt.Sprintf("config: %s=%d out of range [%d,%d], using %d", name, *v, lo, hi, fallback))
			*v = fallback
		}
	}

	clampInt("model.cycle", &c.Model.Cycle, 5, 300, def.Model.Cycle)
	clampInt("model.memfree", &c.Model.MemFree, 0, 100, def.Model.MemFree)
	clampInt("model.memcached", &c.Model.MemCached, 0, 100, def.Model.MemCached)
	clampInt("system.maxprocs", &c.System.MaxProcs, 0, 100, def.System.MaxProcs)

	if c.Model.MinSize < 0 {
		warnings = append(warnings, fmt.Sprintf("config: model.minsize=%d negative, using %d", c.Model.MinSize, def.Model.MinSize))
		c.Model.MinSize = def.Model.MinSize
	}
	if c.System.Autosave <= 0 {
		warnings = append(warnings, fmt.Sprintf("config: system.autosave=%d not positive, using %d", c.System.Autosave, def.System.Autosave))
		c.System.Autosave = def.System.Autosave
	}

	switch c.System.SortStrategy {
	case SortNone, SortPath, SortInode, SortBlock:
	default:
		warnings = append(warnings, fmt.Sprintf("config: system.sortstrategy=%q unrecognised, using %s", c.System.SortStrategy, def.System.SortStrategy))
		c.System.SortStrategy = def.System.SortStrategy
	}

	if c.Preheat.SeedConfidence < 0 || c.Preheat.SeedConfidence > 1 {
		warnings = append(warnings, fmt.Sprintf("config: preheat.seed_confidence=%g out of range [0,1], using %g", c.Preheat.SeedConfidence, def.Preheat.SeedConfidence))
		c.Preheat.SeedConfidence = def.Preheat.SeedConfidence
	}
	if c.Preheat.RecencyWeight < 1 {
		warnings = append(warnings, fmt.Sprintf("config: preheat.recency_weight=%g below 1, using %g", c.Preheat.RecencyWeight, def.Preheat.RecencyWeight))
		c.Preheat.RecencyWeight = def.Preheat.RecencyWeight
	}
	if c.Preheat.ShortLivedThreshold < 0 {
		c.Preheat.ShortLivedThreshold = def.Preheat.ShortLivedThreshold
	}

	return warnings
}

// BoolOr resolves a *bool config switch against its default.
func BoolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// ExcludedPatternList splits system.excluded_patterns.
func (c *SystemConfig) ExcludedPatternList() []string {
	return splitSemicolons(c.ExcludedPatterns)
}

// UserAppPathList splits system.user_app_paths and expands '~'.
func (c *SystemConfig) UserAppPathList() []string {
	home, _ := os.UserHomeDir()
	paths := splitSemicolons(c.UserAppPaths)
	for i, p := range paths {
		if strings.HasPrefix(p, "~") {
			paths[i] = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return paths
}

func splitSemicolons(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
