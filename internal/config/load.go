package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (optional), applies environment
// overrides, and validates. The result is immutable at runtime.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers CAPTIOND_* variables over the file. Only operational
// knobs are overridable; structural config (volumes, schedules) lives in
// the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CAPTIOND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CAPTIOND_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("CAPTIOND_TEMP_ROOT"); v != "" {
		cfg.Paths.TempRoot = v
	}
	if v := os.Getenv("CAPTIOND_CABLECAST_BASE_URL"); v != "" {
		cfg.Cablecast.BaseURL = v
	}
	if v := os.Getenv("CAPTIOND_CABLECAST_API_KEY"); v != "" {
		cfg.Cablecast.APIKey = v
	}
	if v := os.Getenv("CAPTIOND_CABLECAST_LOCATION_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Cablecast.LocationID = id
		}
	}
	if v := os.Getenv("CAPTIOND_ASR_COMMAND"); v != "" {
		cfg.ASR.Command = v
	}
}

// Validate enforces the structural invariants the rest of the system
// assumes.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Volumes))
	for _, v := range c.Volumes {
		if v.ID == "" {
			return fmt.Errorf("volume with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate volume id %q", v.ID)
		}
		seen[v.ID] = true
		if !filepath.IsAbs(v.MountPath) {
			return fmt.Errorf("volume %s: mount_path %q is not absolute", v.ID, v.MountPath)
		}
	}

	for _, e := range c.Schedule.Entries {
		if e.Name == "" || e.Cron == "" {
			return fmt.Errorf("schedule entry needs name and cron (got name=%q)", e.Name)
		}
	}

	for _, q := range c.Queues {
		if q.Concurrency <= 0 {
			return fmt.Errorf("queue %s: concurrency must be positive", q.Name)
		}
		if q.MaxQueueDepth <= 0 {
			return fmt.Errorf("queue %s: max_queue_depth must be positive", q.Name)
		}
	}

	switch c.Output.SCCSidecarPolicy {
	case SidecarAlways, SidecarOnMatch, SidecarNever:
	default:
		return fmt.Errorf("output.scc_sidecar_policy: unknown value %q", c.Output.SCCSidecarPolicy)
	}
	switch c.Fanout.SuccessPolicy {
	case SuccessAny, SuccessAll:
	default:
		return fmt.Errorf("fanout.success_policy: unknown value %q", c.Fanout.SuccessPolicy)
	}

	if c.Retry.BackoffBase.Std() <= 0 || c.Retry.BackoffCap.Std() < c.Retry.BackoffBase.Std() {
		return fmt.Errorf("retry: backoff_cap must be >= backoff_base > 0")
	}
	if c.Validation.DurationSlop <= 0 || c.Validation.DurationSlop >= 1 {
		return fmt.Errorf("validation.duration_slop must be in (0,1)")
	}
	return nil
}

// QueueByName returns the queue config, falling back to the default queue.
func (c Config) QueueByName(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}
