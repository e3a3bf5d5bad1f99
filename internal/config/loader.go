package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var accessionPattern = regexp.MustCompile(`^[DES]RR[0-9]+$`)

// Load reads and parses configuration from a file. If the path is a
// directory, pipeline.yaml inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "pipeline.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but pipeline.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	// Verify against the .checksums manifest when one exists next to the config.
	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the pipeline config by checking standard locations.
// Priority order: $AMPLICON_CONFIG, ./pipeline.yaml, ~/.config/amplicon/pipeline.yaml
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("AMPLICON_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if _, err := os.Stat("./pipeline.yaml"); err == nil {
		return "./pipeline.yaml", nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "amplicon", "pipeline.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $AMPLICON_CONFIG, ./pipeline.yaml, ~/.config/amplicon/pipeline.yaml)")
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

// verifyConfigHash checks the config file against the .checksums manifest in
// the same directory. A missing manifest skips verification; a manifest that
// omits the file, or a hash mismatch, is a hard failure.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// No .checksums file means verification is not enabled here.
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: amplicon config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"Parameters changed since the last lock; a resumed run would mix results.\n"+
			"If you edited this file intentionally, run: amplicon config lock --config %s", path, err, path)
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Workspace == "" {
		cfg.Workspace = defaults.Workspace
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.State.Path == "" {
		cfg.State.Path = filepath.Join(cfg.Workspace, "state.db")
	}
	if cfg.Run.Threads == 0 {
		cfg.Run.Threads = defaults.Run.Threads
	}
	if cfg.Run.StageTimeout == 0 {
		cfg.Run.StageTimeout = defaults.Run.StageTimeout
	}
	// An explicit trunc_len of zero disables truncation and must survive;
	// the default applies only when the key is absent.
	if cfg.Denoise.TruncLen == 0 && !cfg.Denoise.TruncLenSet() {
		cfg.Denoise.TruncLen = defaults.Denoise.TruncLen
	}
	if cfg.Filter.MinFrequency == 0 {
		cfg.Filter.MinFrequency = defaults.Filter.MinFrequency
	}
	if cfg.Filter.MinSamples == 0 {
		cfg.Filter.MinSamples = defaults.Filter.MinSamples
	}
	if cfg.Classifier.URL == "" {
		cfg.Classifier.URL = defaults.Classifier.URL
	}
	if cfg.Diversity.SamplingDepth == 0 {
		cfg.Diversity.SamplingDepth = defaults.Diversity.SamplingDepth
	}
	if cfg.Collapse.Level == 0 {
		cfg.Collapse.Level = defaults.Collapse.Level
	}
	if cfg.Ancom.GroupColumn == "" {
		cfg.Ancom.GroupColumn = defaults.Ancom.GroupColumn
	}
	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", cfg.Logging.Format)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Run.Threads < 1 {
		return fmt.Errorf("run.threads must be at least 1 (got %d)", cfg.Run.Threads)
	}
	if cfg.Run.StageTimeout <= 0 {
		return fmt.Errorf("run.stage_timeout must be positive")
	}

	if len(cfg.Samples) == 0 {
		return fmt.Errorf("at least one sample is required")
	}
	seen := make(map[string]bool, len(cfg.Samples))
	for i, s := range cfg.Samples {
		if !accessionPattern.MatchString(s.Accession) {
			return fmt.Errorf("samples[%d].accession %q is not a valid SRA run accession", i, s.Accession)
		}
		if seen[s.Accession] {
			return fmt.Errorf("samples[%d].accession %q is duplicated", i, s.Accession)
		}
		seen[s.Accession] = true
		if s.Group == "" {
			return fmt.Errorf("samples[%d].group is required", i)
		}
		if envVarPattern.MatchString(s.Group) {
			return fmt.Errorf("samples[%d].group: unresolved environment variable", i)
		}
	}

	if cfg.Denoise.TrimLeft < 0 {
		return fmt.Errorf("denoise.trim_left must not be negative (got %d)", cfg.Denoise.TrimLeft)
	}
	if cfg.Denoise.TruncLen < 0 {
		return fmt.Errorf("denoise.trunc_len must not be negative (got %d)", cfg.Denoise.TruncLen)
	}
	// Zero means no truncation, which any trim_left is compatible with.
	if cfg.Denoise.TruncLen > 0 && cfg.Denoise.TruncLen <= cfg.Denoise.TrimLeft {
		return fmt.Errorf("denoise.trunc_len (%d) must exceed denoise.trim_left (%d)",
			cfg.Denoise.TruncLen, cfg.Denoise.TrimLeft)
	}

	if cfg.Filter.MinFrequency < 0 {
		return fmt.Errorf("filter.min_frequency must not be negative")
	}
	if cfg.Filter.MinSamples < 0 {
		return fmt.Errorf("filter.min_samples must not be negative")
	}

	if !strings.HasPrefix(cfg.Classifier.URL, "http://") && !strings.HasPrefix(cfg.Classifier.URL, "https://") {
		return fmt.Errorf("classifier.url must be an http(s) URL (got %q)", cfg.Classifier.URL)
	}
	if envVarPattern.MatchString(cfg.Classifier.URL) {
		matches := envVarPattern.FindStringSubmatch(cfg.Classifier.URL)
		return fmt.Errorf("classifier.url: environment variable ${%s} is not set", matches[1])
	}

	if cfg.Diversity.SamplingDepth < 1 {
		return fmt.Errorf("diversity.sampling_depth must be at least 1 (got %d)", cfg.Diversity.SamplingDepth)
	}

	if cfg.Collapse.Level < 1 || cfg.Collapse.Level > 7 {
		return fmt.Errorf("collapse.level must be between 1 and 7 (got %d)", cfg.Collapse.Level)
	}

	if cfg.Ancom.GroupColumn == "" {
		return fmt.Errorf("ancom.group_column is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled")
		}
		if envVarPattern.MatchString(cfg.API.Token) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
			return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
		}
	}

	return nil
}
