// Package config loads hubd's runtime configuration from a YAML file with
// environment variable overrides, in the shape of the teacher's
// cmd/warren/apply.go resource loading: read the file, yaml.Unmarshal into a
// flat struct, then let a handful of HUB_* env vars win over whatever the
// file said (so a container deployment never has to bake secrets into the
// YAML).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/warren/pkg/log"
)

// Config is everything hubd serve needs to assemble the store, queue,
// managers, HTTP server, and scheduler.
type Config struct {
	// ListenAddr is the address the HTTP server binds, e.g. ":8080".
	ListenAddr string `yaml:"listenAddr"`

	// DataDir is the bbolt data directory. bbolt is always the store,
	// whatever QueueBackend is: Redis backs only the task queue, never the
	// grouped-vs-flat bucket store.
	DataDir string `yaml:"dataDir"`

	// QueueBackend selects the task queue implementation: "memory" (no
	// external dependency, single process only) or "redis".
	QueueBackend string `yaml:"queueBackend"`
	// RedisAddr is used when QueueBackend is "redis".
	RedisAddr string `yaml:"redisAddr"`

	// DevEnv lifts the port allowlist on callback and topic URLs and the
	// work-queue auth check,
	// mirroring the original's is_dev_env() escape hatch (spec.md §6).
	DevEnv bool `yaml:"devEnv"`
	// AdminToken, if set, is accepted as a Bearer token on /work/* requests
	// as the "authenticated admin identity" auth class (spec.md §6).
	AdminToken string `yaml:"adminToken"`

	// SchedulerEnabled runs the in-process robfig/cron/v3 scheduler driving
	// the bootstrap poller and event cleanup. Operators fronting the hub
	// with an external cron can set this false and hit the /work endpoints
	// themselves (SPEC_FULL.md §4.F).
	SchedulerEnabled bool `yaml:"schedulerEnabled"`

	// LogLevel and LogJSON configure pkg/log, same flags as the teacher's
	// --log-level/--log-json.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`
}

// Default returns the configuration hubd serve runs with when no file is
// given: memory queue, bbolt store under ./data, scheduler on, dev env off.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		DataDir:          "./data",
		QueueBackend:     "memory",
		DevEnv:           false,
		SchedulerEnabled: true,
		LogLevel:         "info",
		LogJSON:          false,
	}
}

// Load reads path (if non-empty) and merges it over Default, then applies
// env var overrides. A missing path is not an error: Default plus env is a
// valid configuration on its own.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.QueueBackend != "memory" && cfg.QueueBackend != "redis" {
		return Config{}, fmt.Errorf("config: queueBackend must be memory or redis, got %q", cfg.QueueBackend)
	}
	if cfg.QueueBackend == "redis" && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("config: redisAddr is required when queueBackend is redis")
	}

	return cfg, nil
}

// applyEnv lets HUB_* environment variables override whatever Default/the
// YAML file set, so operators don't have to template secrets into a file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("HUB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("HUB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HUB_QUEUE_BACKEND"); v != "" {
		cfg.QueueBackend = v
	}
	if v := os.Getenv("HUB_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("HUB_DEV_ENV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevEnv = b
		} else {
			log.Warn("config: HUB_DEV_ENV is not a valid bool, ignoring")
		}
	}
	if v := os.Getenv("HUB_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("HUB_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SchedulerEnabled = b
		} else {
			log.Warn("config: HUB_SCHEDULER_ENABLED is not a valid bool, ignoring")
		}
	}
	if v := os.Getenv("HUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HUB_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		} else {
			log.Warn("config: HUB_LOG_JSON is not a valid bool, ignoring")
		}
	}
}
