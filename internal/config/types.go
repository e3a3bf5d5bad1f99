package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete amplicon pipeline configuration.
type Config struct {
	Workspace  string           `yaml:"workspace"`
	Logging    LoggingConfig    `yaml:"logging"`
	State      StateConfig      `yaml:"state"`
	Run        RunConfig        `yaml:"run"`
	Samples    []Sample         `yaml:"samples"`
	Denoise    DenoiseConfig    `yaml:"denoise"`
	Filter     FilterConfig     `yaml:"filter"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Diversity  DiversityConfig  `yaml:"diversity"`
	Collapse   CollapseConfig   `yaml:"collapse"`
	Ancom      AncomConfig      `yaml:"ancom"`
	API        APIConfig        `yaml:"api,omitempty"`
}

// LoggingConfig defines logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StateConfig defines where durable run state (manifest, run log) is kept.
type StateConfig struct {
	Path string `yaml:"path"`
}

// RunConfig defines resource parameters threaded through to external tools.
type RunConfig struct {
	Threads      int           `yaml:"threads"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// Sample is one sequencing run to download and analyse.
type Sample struct {
	Accession string `yaml:"accession"`
	Group     string `yaml:"group"`
}

// DenoiseConfig holds DADA2 trimming parameters. A trunc_len of zero disables
// truncation, so an explicit zero must be told apart from an absent key.
type DenoiseConfig struct {
	TrimLeft int `yaml:"trim_left"`
	TruncLen int `yaml:"trunc_len"`

	truncLenSet bool
}

// TruncLenSet reports whether trunc_len appeared in the config file.
func (d DenoiseConfig) TruncLenSet() bool { return d.truncLenSet }

func (d *DenoiseConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DenoiseConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*d = DenoiseConfig(p)
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "trunc_len" {
			d.truncLenSet = true
		}
	}
	return nil
}

// FilterConfig holds feature-table filtering thresholds.
type FilterConfig struct {
	MinFrequency int `yaml:"min_frequency"`
	MinSamples   int `yaml:"min_samples"`
}

// ClassifierConfig points at the pre-trained taxonomy classifier artifact.
type ClassifierConfig struct {
	URL string `yaml:"url"`
}

// DiversityConfig holds core-metrics parameters.
type DiversityConfig struct {
	SamplingDepth int `yaml:"sampling_depth"`
}

// CollapseConfig holds the taxonomic level for table collapsing.
// Level 6 is genus in the QIIME 2 seven-level taxonomy.
type CollapseConfig struct {
	Level int `yaml:"level"`
}

// AncomConfig holds differential-abundance parameters.
type AncomConfig struct {
	GroupColumn string `yaml:"group_column"`
}

// APIConfig defines the optional read-only status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Workspace: "./workspace",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		State: StateConfig{
			Path: "./workspace/state.db",
		},
		Run: RunConfig{
			Threads:      4,
			StageTimeout: 6 * time.Hour,
		},
		Denoise: DenoiseConfig{
			TrimLeft: 0,
			TruncLen: 250,
		},
		Filter: FilterConfig{
			MinFrequency: 10,
			MinSamples:   2,
		},
		Classifier: ClassifierConfig{
			URL: "https://data.qiime2.org/2024.2/common/gg-13-8-99-515-806-nb-classifier.qza",
		},
		Diversity: DiversityConfig{
			SamplingDepth: 10000,
		},
		Collapse: CollapseConfig{
			Level: 6,
		},
		Ancom: AncomConfig{
			GroupColumn: "group",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
