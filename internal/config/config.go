// Package config loads the operator configuration: a YAML file merged with
// CAPTIOND_* environment overrides, validated once at startup and immutable
// afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/communitymedia/captiond/internal/model"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ScheduleEntry is one cron-fired job submission. Template defaults to the
// entry name; distinct entries (say a morning and an evening sweep) may fire
// the same template under their own names.
type ScheduleEntry struct {
	Name     string        `yaml:"name"`
	Template string        `yaml:"template,omitempty"`
	Cron     string        `yaml:"cron"`
	Timezone string        `yaml:"timezone,omitempty"`
	Payload  model.Payload `yaml:"payload,omitempty"`
}

type ScheduleConfig struct {
	Timezone      string          `yaml:"timezone"`
	Entries       []ScheduleEntry `yaml:"entries"`
	CatchupWindow Duration        `yaml:"catchup_window"`
}

type QueueConfig struct {
	Name          string `yaml:"name"`
	Concurrency   int    `yaml:"concurrency"`
	MaxQueueDepth int    `yaml:"max_queue_depth"`
}

type RetryConfig struct {
	MaxAttempts      int      `yaml:"max_attempts"`
	LightMaxAttempts int      `yaml:"light_max_attempts"`
	BackoffBase      Duration `yaml:"backoff_base"`
	BackoffCap       Duration `yaml:"backoff_cap"`
}

// LeaseConfig is the per-stage lease TTL table.
type LeaseConfig struct {
	Transcription Duration `yaml:"transcription"`
	Remux         Duration `yaml:"remux"`
	Upload        Duration `yaml:"upload"`
	Light         Duration `yaml:"light"`
}

type ScannerConfig struct {
	RecentN             int      `yaml:"recent_n"`
	MinSizeBytes        int64    `yaml:"min_size_bytes"`
	Extensions          []string `yaml:"extensions"`
	SkipIfCaptionExists *bool    `yaml:"skip_if_caption_exists,omitempty"`
	SubtreePriority     []string `yaml:"subtree_priority"`
	ScanTimeout         Duration `yaml:"scan_timeout"`
}

type CablecastConfig struct {
	BaseURL    string  `yaml:"base_url"`
	APIKey     string  `yaml:"api_key"`
	LocationID int     `yaml:"location_id"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
}

type ASRConfig struct {
	Command     string `yaml:"command"`
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	ComputeType string `yaml:"compute_type"`
	BatchSize   int    `yaml:"batch_size"`
	NumWorkers  int    `yaml:"num_workers"`
}

type RemuxConfig struct {
	Command      string `yaml:"command"`
	ProbeCommand string `yaml:"probe_command"`
}

type PathsConfig struct {
	DataDir    string `yaml:"data_dir"` // embedded store location
	TempRoot   string `yaml:"temp_root"`
	OutputRoot string `yaml:"output_root"`
}

// SidecarPolicy controls when the final SCC is placed next to the source.
type SidecarPolicy string

const (
	SidecarAlways  SidecarPolicy = "always"
	SidecarOnMatch SidecarPolicy = "on_match"
	SidecarNever   SidecarPolicy = "never"
)

type OutputConfig struct {
	SCCSidecarPolicy SidecarPolicy `yaml:"scc_sidecar_policy"`
}

// SuccessPolicy controls fan-out parent aggregation.
type SuccessPolicy string

const (
	SuccessAny SuccessPolicy = "any"
	SuccessAll SuccessPolicy = "all"
)

type FanoutConfig struct {
	SuccessPolicy SuccessPolicy `yaml:"success_policy"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

type ValidationConfig struct {
	Timeout      Duration `yaml:"timeout"`
	PollInitial  Duration `yaml:"poll_initial"`
	PollCap      Duration `yaml:"poll_cap"`
	DurationSlop float64  `yaml:"duration_slop"` // fractional tolerance
}

// Config is the full operator-facing configuration.
type Config struct {
	Volumes    []model.StorageVolume `yaml:"volumes"`
	Schedule   ScheduleConfig        `yaml:"schedule"`
	Queues     []QueueConfig         `yaml:"queues"`
	Retry      RetryConfig           `yaml:"retry"`
	Lease      LeaseConfig           `yaml:"lease"`
	Scanner    ScannerConfig         `yaml:"scanner"`
	Cablecast  CablecastConfig       `yaml:"cablecast"`
	ASR        ASRConfig             `yaml:"asr"`
	Remux      RemuxConfig           `yaml:"remux"`
	Paths      PathsConfig           `yaml:"paths"`
	Output     OutputConfig          `yaml:"output"`
	Fanout     FanoutConfig          `yaml:"fanout"`
	Validation ValidationConfig      `yaml:"validation"`
	Logging    LoggingConfig         `yaml:"logging"`
}

// Default returns the configuration with all operator defaults applied.
func Default() Config {
	skip := true
	return Config{
		Schedule: ScheduleConfig{
			Timezone:      "UTC",
			CatchupWindow: Duration(time.Hour),
		},
		Queues: []QueueConfig{
			{Name: model.QueueVODProcessing, Concurrency: 2, MaxQueueDepth: 64},
			{Name: model.QueueDefault, Concurrency: 4, MaxQueueDepth: 256},
			{Name: model.QueueTranscription, Concurrency: 2, MaxQueueDepth: 32},
		},
		Retry: RetryConfig{
			MaxAttempts:      5,
			LightMaxAttempts: 3,
			BackoffBase:      Duration(60 * time.Second),
			BackoffCap:       Duration(30 * time.Minute),
		},
		Lease: LeaseConfig{
			Transcription: Duration(2 * time.Hour),
			Remux:         Duration(30 * time.Minute),
			Upload:        Duration(time.Hour),
			Light:         Duration(5 * time.Minute),
		},
		Scanner: ScannerConfig{
			RecentN:             5,
			MinSizeBytes:        10 << 20,
			Extensions:          []string{"mp4", "mov", "mkv", "m4v"},
			SkipIfCaptionExists: &skip,
			SubtreePriority:     []string{"recordings"},
			ScanTimeout:         Duration(10 * time.Second),
		},
		Cablecast: CablecastConfig{
			RateLimit: 2,
			RateBurst: 5,
		},
		ASR: ASRConfig{
			Command:  "whisperx-transcribe",
			Model:    "large-v2",
			Language: "en",
		},
		Remux: RemuxConfig{
			Command:      "ffmpeg",
			ProbeCommand: "ffprobe",
		},
		Paths: PathsConfig{
			DataDir:  "/var/lib/captiond",
			TempRoot: "/var/tmp/captiond",
		},
		Output: OutputConfig{SCCSidecarPolicy: SidecarOnMatch},
		Fanout: FanoutConfig{SuccessPolicy: SuccessAny},
		Validation: ValidationConfig{
			Timeout:      Duration(30 * time.Minute),
			PollInitial:  Duration(15 * time.Second),
			PollCap:      Duration(5 * time.Minute),
			DurationSlop: 0.10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
