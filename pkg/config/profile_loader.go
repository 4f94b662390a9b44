package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvironmentProfile is a deployment-environment overlay. Values present in
// the profile override the corresponding Config fields; zero values leave
// the base configuration untouched.
type EnvironmentProfile struct {
	Name              string         `yaml:"name" json:"name"`
	Code              string         `yaml:"code" json:"code"`
	StaleAfterSeconds int            `yaml:"stale_after_seconds,omitempty" json:"stale_after_seconds,omitempty"`
	Limits            LimitsProfile  `yaml:"limits" json:"limits"`
	Archive           ArchiveProfile `yaml:"archive" json:"archive"`
	RateLimitPerMin   int64          `yaml:"rate_limit_per_minute,omitempty" json:"rate_limit_per_minute,omitempty"`
}

// LimitsProfile overrides the execution caps.
type LimitsProfile struct {
	DefaultChunkSize         int   `yaml:"default_chunk_size,omitempty" json:"default_chunk_size,omitempty"`
	MaxRows                  int   `yaml:"max_rows,omitempty" json:"max_rows,omitempty"`
	ElevatedSkipRatioPercent int   `yaml:"elevated_skip_ratio_percent,omitempty" json:"elevated_skip_ratio_percent,omitempty"`
	MediaMaxItems            int   `yaml:"media_max_items,omitempty" json:"media_max_items,omitempty"`
	MediaMaxBytes            int64 `yaml:"media_max_bytes,omitempty" json:"media_max_bytes,omitempty"`
	MaxChunksPerAttempt      int   `yaml:"max_chunks_per_attempt,omitempty" json:"max_chunks_per_attempt,omitempty"`
	MediaMaxRetryAttempts    int   `yaml:"media_max_retry_attempts,omitempty" json:"media_max_retry_attempts,omitempty"`
}

// ArchiveProfile overrides the evidence archive posture.
type ArchiveProfile struct {
	Backend        string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Bucket         string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region         string `yaml:"region,omitempty" json:"region,omitempty"`
	RetentionDays  int    `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
	RetentionClass string `yaml:"retention_class,omitempty" json:"retention_class,omitempty"`
}

// LoadProfile loads profile_<code>.yaml from dir. The code is lowercased
// and must be alphanumeric.
func LoadProfile(dir, code string) (*EnvironmentProfile, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("config: empty profile code")
	}
	for _, r := range code {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return nil, fmt.Errorf("config: invalid profile code %q", code)
		}
	}

	path := filepath.Join(dir, "profile_"+code+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", code, err)
	}
	var profile EnvironmentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", code, err)
	}
	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// Apply overlays the profile onto cfg.
func (p *EnvironmentProfile) Apply(cfg *Config) {
	if p.StaleAfterSeconds > 0 {
		cfg.StaleAfterSeconds = p.StaleAfterSeconds
	}
	if p.RateLimitPerMin > 0 {
		cfg.RateLimitPerMinute = p.RateLimitPerMin
	}
	if v := p.Limits.DefaultChunkSize; v > 0 {
		cfg.DefaultChunkSize = v
	}
	if v := p.Limits.MaxRows; v > 0 {
		cfg.MaxRows = v
	}
	if v := p.Limits.ElevatedSkipRatioPercent; v > 0 {
		cfg.ElevatedSkipRatioPercent = v
	}
	if v := p.Limits.MediaMaxItems; v > 0 {
		cfg.MediaMaxItems = v
	}
	if v := p.Limits.MediaMaxBytes; v > 0 {
		cfg.MediaMaxBytes = v
	}
	if v := p.Limits.MaxChunksPerAttempt; v > 0 {
		cfg.MaxChunksPerAttempt = v
	}
	if v := p.Limits.MediaMaxRetryAttempts; v > 0 {
		cfg.MediaMaxRetryAttempts = v
	}
	if v := p.Archive.Backend; v != "" {
		cfg.ArchiveBackend = v
	}
	if v := p.Archive.Bucket; v != "" {
		cfg.ArchiveBucket = v
	}
	if v := p.Archive.Region; v != "" {
		cfg.ArchiveRegion = v
	}
	if v := p.Archive.RetentionDays; v > 0 {
		cfg.ArchiveRetentionDays = v
	}
	if v := p.Archive.RetentionClass; v != "" {
		cfg.RetentionClass = v
	}
}
