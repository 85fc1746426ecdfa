// Package config resolves coordinator configuration from environment
// variables first, an optional on-disk file second, and compiled defaults
// last.
package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the coordinator's full runtime configuration surface.
type Config struct {
	ControlPlanePort int
	AdminPort        int
	AdminKey         string
	DBPath           string
	LogFile          string
	LogLevel         string
	LogFormat        string
	StagingPath      string
	BinhostPath      string
	ReleasesBasePath string
	BinhostSymlink   string

	MaxDroneFailures           int
	QueueFailureBlockThreshold int
	GroundingTimeout           time.Duration
	FailureAgeMinutes          int
	QueueTarget                int
	CoresPerSlot               int
	NodeTimeout                time.Duration
	StaleTimeout               time.Duration
	ReclaimTimeout             time.Duration
	SweeperPrefix              string
	MaxUploadFailures          int
	UploadRetryInterval        time.Duration
	ProtectedHosts             []string

	PortageContentTimestamp string
}

// Default returns the coordinator's compiled-in defaults.
func Default() Config {
	return Config{
		ControlPlanePort:           8100,
		AdminPort:                  8093,
		DBPath:                     "swarm.db",
		LogLevel:                   "info",
		LogFormat:                  "text",
		StagingPath:                "staging",
		BinhostPath:                "binhost",
		ReleasesBasePath:           "releases",
		BinhostSymlink:             "binhost",
		MaxDroneFailures:           8,
		QueueFailureBlockThreshold: 5,
		GroundingTimeout:           5 * time.Minute,
		FailureAgeMinutes:          30,
		QueueTarget:                5,
		CoresPerSlot:               4,
		NodeTimeout:                30 * time.Second,
		StaleTimeout:               30 * time.Second,
		ReclaimTimeout:             2 * time.Hour,
		SweeperPrefix:              "sweeper",
		MaxUploadFailures:          3,
		UploadRetryInterval:        30 * time.Minute,
	}
}

// Load resolves configuration: compiled defaults, overlaid by an optional
// config file, overlaid by environment variables.
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyFile reads a simple KEY=VALUE file, one assignment per line, with
// '#' comments — intentionally minimal, since CLI/config-file parsing
// mechanics beyond this are out of scope.
func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	applyMap(cfg, values)
	return scanner.Err()
}

func applyEnv(cfg *Config) {
	values := map[string]string{}
	for _, key := range []string{
		"CONTROL_PLANE_PORT", "ADMIN_PORT", "ADMIN_KEY", "SWARM_DB_PATH", "LOG_FILE",
		"LOG_LEVEL", "LOG_FORMAT", "STAGING_PATH", "BINHOST_PATH", "RELEASES_BASE_PATH",
		"BINHOST_SYMLINK", "MAX_DRONE_FAILURES", "QUEUE_FAILURE_BLOCK_THRESHOLD",
		"GROUNDING_TIMEOUT", "FAILURE_AGE_MINUTES", "QUEUE_TARGET", "CORES_PER_SLOT",
		"NODE_TIMEOUT", "STALE_TIMEOUT", "RECLAIM_TIMEOUT", "SWEEPER_PREFIX",
		"MAX_UPLOAD_FAILURES", "UPLOAD_RETRY_INTERVAL_M", "PROTECTED_HOSTS",
		"PORTAGE_CONTENT_TIMESTAMP",
	} {
		if v := os.Getenv(key); v != "" {
			values[key] = v
		}
	}
	applyMap(cfg, values)
}

func applyMap(cfg *Config, values map[string]string) {
	if v, ok := values["CONTROL_PLANE_PORT"]; ok {
		cfg.ControlPlanePort = atoiOr(v, cfg.ControlPlanePort)
	}
	if v, ok := values["ADMIN_PORT"]; ok {
		cfg.AdminPort = atoiOr(v, cfg.AdminPort)
	}
	if v, ok := values["ADMIN_KEY"]; ok {
		cfg.AdminKey = v
	}
	if v, ok := values["SWARM_DB_PATH"]; ok {
		cfg.DBPath = v
	}
	if v, ok := values["LOG_FILE"]; ok {
		cfg.LogFile = v
	}
	if v, ok := values["LOG_LEVEL"]; ok {
		cfg.LogLevel = v
	}
	if v, ok := values["LOG_FORMAT"]; ok {
		cfg.LogFormat = v
	}
	if v, ok := values["STAGING_PATH"]; ok {
		cfg.StagingPath = v
	}
	if v, ok := values["BINHOST_PATH"]; ok {
		cfg.BinhostPath = v
	}
	if v, ok := values["RELEASES_BASE_PATH"]; ok {
		cfg.ReleasesBasePath = v
	}
	if v, ok := values["BINHOST_SYMLINK"]; ok {
		cfg.BinhostSymlink = v
	}
	if v, ok := values["MAX_DRONE_FAILURES"]; ok {
		cfg.MaxDroneFailures = atoiOr(v, cfg.MaxDroneFailures)
	}
	if v, ok := values["QUEUE_FAILURE_BLOCK_THRESHOLD"]; ok {
		cfg.QueueFailureBlockThreshold = atoiOr(v, cfg.QueueFailureBlockThreshold)
	}
	if v, ok := values["GROUNDING_TIMEOUT"]; ok {
		cfg.GroundingTimeout = durationOr(v, cfg.GroundingTimeout)
	}
	if v, ok := values["FAILURE_AGE_MINUTES"]; ok {
		cfg.FailureAgeMinutes = atoiOr(v, cfg.FailureAgeMinutes)
	}
	if v, ok := values["QUEUE_TARGET"]; ok {
		cfg.QueueTarget = atoiOr(v, cfg.QueueTarget)
	}
	if v, ok := values["CORES_PER_SLOT"]; ok {
		cfg.CoresPerSlot = atoiOr(v, cfg.CoresPerSlot)
	}
	if v, ok := values["NODE_TIMEOUT"]; ok {
		cfg.NodeTimeout = durationOr(v, cfg.NodeTimeout)
	}
	if v, ok := values["STALE_TIMEOUT"]; ok {
		cfg.StaleTimeout = durationOr(v, cfg.StaleTimeout)
	}
	if v, ok := values["RECLAIM_TIMEOUT"]; ok {
		cfg.ReclaimTimeout = durationOr(v, cfg.ReclaimTimeout)
	}
	if v, ok := values["SWEEPER_PREFIX"]; ok {
		cfg.SweeperPrefix = v
	}
	if v, ok := values["MAX_UPLOAD_FAILURES"]; ok {
		cfg.MaxUploadFailures = atoiOr(v, cfg.MaxUploadFailures)
	}
	if v, ok := values["UPLOAD_RETRY_INTERVAL_M"]; ok {
		if minutes, err := strconv.Atoi(v); err == nil {
			cfg.UploadRetryInterval = time.Duration(minutes) * time.Minute
		}
	}
	if v, ok := values["PROTECTED_HOSTS"]; ok {
		cfg.ProtectedHosts = splitCSV(v)
	}
	if v, ok := values["PORTAGE_CONTENT_TIMESTAMP"]; ok {
		cfg.PortageContentTimestamp = v
	}
}

func atoiOr(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func durationOr(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
