package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	ctxerrors "github.com/hpungsan/termctx/internal/errors"
	"github.com/hpungsan/termctx/internal/tokens"
	"github.com/hpungsan/termctx/internal/window"
)

// DirName is the name of the global (~/.termctx) and repo (.termctx) config directories.
const DirName = ".termctx"

// Config holds application configuration.
type Config struct {
	// WindowMode is the default window policy: fixed|percentage|auto
	WindowMode string `json:"window_mode"`

	// WindowValue is the line count (fixed), percentage (percentage), or
	// token budget (auto) for the default window
	WindowValue int `json:"window_value"`

	// MinLines and MaxLines bound percentage and auto windows. MaxLines 0 means no cap.
	// Pointers so a repo config can reset a global bound back to 0.
	MinLines *int `json:"min_lines,omitempty"`
	MaxLines *int `json:"max_lines,omitempty"`

	// CacheTTLSeconds is how long a computed window stays valid.
	CacheTTLSeconds int `json:"cache_ttl_seconds"`

	// BufferCapacityLines is the number of lines kept per session.
	BufferCapacityLines int `json:"buffer_capacity_lines"`

	// CharsPerToken is the code-point-per-token ratio for the runes estimator.
	CharsPerToken float64 `json:"chars_per_token"`

	// MaxCacheEntries bounds the window cache across all sessions.
	MaxCacheEntries int `json:"max_cache_entries"`

	// CacheShards is the number of independently locked cache partitions.
	CacheShards int `json:"cache_shards,omitempty"`

	// SweepIntervalSeconds enables a background sweep of expired cache
	// entries. Negative disables it (0 inherits from the base config);
	// expiry is still checked on access.
	SweepIntervalSeconds int `json:"sweep_interval_seconds,omitempty"`

	// TokenEstimator selects the estimation heuristic: runes|words
	TokenEstimator string `json:"token_estimator,omitempty"`

	// StripANSI removes terminal escape sequences from ingested lines.
	// Pointer so an explicit false in a repo config can override a global true.
	StripANSI *bool `json:"strip_ansi,omitempty"`

	// MaxPartialLineBytes bounds an unterminated line before it is emitted anyway.
	MaxPartialLineBytes int `json:"max_partial_line_bytes,omitempty"`

	// IdleAfterSeconds labels sessions without activity for this long as idle
	// in stats. Negative disables the label.
	IdleAfterSeconds int `json:"idle_after_seconds,omitempty"`

	// LogLevel is the zap level for the binary's stderr logger.
	LogLevel string `json:"log_level,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	strip := true
	return &Config{
		WindowMode:           string(window.ModeFixed),
		WindowValue:          200,
		CacheTTLSeconds:      30,
		BufferCapacityLines:  5000,
		CharsPerToken:        tokens.DefaultCharsPerToken,
		MaxCacheEntries:      1024,
		CacheShards:          16,
		SweepIntervalSeconds: 60,
		TokenEstimator:       tokens.NameRunes,
		StripANSI:            &strip,
		MaxPartialLineBytes:  64 * 1024,
		IdleAfterSeconds:     300,
		LogLevel:             "info",
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.termctx.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.termctx) and repo (.termctx) directories.
// Repo config is found by walking upward from startDir to find the nearest .termctx/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .termctx/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, DirName, "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.WindowMode = pickString(overlay.WindowMode, base.WindowMode)
	result.WindowValue = pickInt(overlay.WindowValue, base.WindowValue)
	result.MinLines = pickIntPtr(overlay.MinLines, base.MinLines)
	result.MaxLines = pickIntPtr(overlay.MaxLines, base.MaxLines)
	result.CacheTTLSeconds = pickInt(overlay.CacheTTLSeconds, base.CacheTTLSeconds)
	result.BufferCapacityLines = pickInt(overlay.BufferCapacityLines, base.BufferCapacityLines)
	result.MaxCacheEntries = pickInt(overlay.MaxCacheEntries, base.MaxCacheEntries)
	result.CacheShards = pickInt(overlay.CacheShards, base.CacheShards)
	result.SweepIntervalSeconds = pickInt(overlay.SweepIntervalSeconds, base.SweepIntervalSeconds)
	result.MaxPartialLineBytes = pickInt(overlay.MaxPartialLineBytes, base.MaxPartialLineBytes)
	result.IdleAfterSeconds = pickInt(overlay.IdleAfterSeconds, base.IdleAfterSeconds)
	result.TokenEstimator = pickString(overlay.TokenEstimator, base.TokenEstimator)
	result.LogLevel = pickString(overlay.LogLevel, base.LogLevel)

	result.CharsPerToken = overlay.CharsPerToken
	if result.CharsPerToken == 0 {
		result.CharsPerToken = base.CharsPerToken
	}

	// Tri-state: overlay wins if set
	result.StripANSI = base.StripANSI
	if overlay.StripANSI != nil {
		v := *overlay.StripANSI
		result.StripANSI = &v
	}

	// Arrays: merge and deduplicate
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// pickIntPtr returns a copy of overlay if set, else of base.
func pickIntPtr(overlay, base *int) *int {
	p := base
	if overlay != nil {
		p = overlay
	}
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// Validate checks every setting and returns the first problem as a
// CONFIGURATION_ERROR. It never modifies c.
func (c *Config) Validate() error {
	if _, err := c.Window(); err != nil {
		return err
	}
	if c.CacheTTLSeconds <= 0 {
		return ctxerrors.NewConfiguration("cache_ttl_seconds", fmt.Sprintf("must be > 0, got %d", c.CacheTTLSeconds))
	}
	if c.BufferCapacityLines < 1 {
		return ctxerrors.NewConfiguration("buffer_capacity_lines", fmt.Sprintf("must be >= 1, got %d", c.BufferCapacityLines))
	}
	if c.CharsPerToken <= 0 || math.IsNaN(c.CharsPerToken) || math.IsInf(c.CharsPerToken, 0) {
		return ctxerrors.NewConfiguration("chars_per_token", fmt.Sprintf("must be > 0, got %v", c.CharsPerToken))
	}
	if c.MaxCacheEntries < 1 {
		return ctxerrors.NewConfiguration("max_cache_entries", fmt.Sprintf("must be >= 1, got %d", c.MaxCacheEntries))
	}
	if c.CacheShards < 0 {
		return ctxerrors.NewConfiguration("cache_shards", "must be >= 0")
	}
	if c.MaxPartialLineBytes < 0 {
		return ctxerrors.NewConfiguration("max_partial_line_bytes", "must be >= 0")
	}
	if _, err := tokens.New(c.TokenEstimator, c.CharsPerToken); err != nil {
		return err
	}
	if _, err := c.ZapLevel(); err != nil {
		return err
	}
	return nil
}

// Window returns the validated default window policy.
func (c *Config) Window() (window.Config, error) {
	mode, err := window.ParseMode(c.WindowMode)
	if err != nil {
		return window.Config{}, err
	}
	w := window.Config{
		Mode:     mode,
		Value:    c.WindowValue,
		MinLines: derefInt(c.MinLines),
		MaxLines: derefInt(c.MaxLines),
	}
	if err := window.Validate(w); err != nil {
		return window.Config{}, err
	}
	return w, nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SweepInterval returns the background sweep interval; 0 means disabled.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// IdleAfter returns the idle threshold; 0 means disabled.
func (c *Config) IdleAfter() time.Duration {
	if c.IdleAfterSeconds <= 0 {
		return 0
	}
	return time.Duration(c.IdleAfterSeconds) * time.Second
}

// StripANSIEnabled reports whether escape sequences are stripped. Defaults to true.
func (c *Config) StripANSIEnabled() bool {
	return c.StripANSI == nil || *c.StripANSI
}

// ZapLevel parses LogLevel. An empty level means info.
func (c *Config) ZapLevel() (zapcore.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, ctxerrors.NewConfiguration("log_level", err.Error())
	}
	return lvl, nil
}
