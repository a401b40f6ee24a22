// Package config resolves the Zeus state directory, user settings, and bus
// tunables.
//
// Precedence per key: environment variable, then $ZEUS_HOME/config.yaml,
// then the built-in default. Directory candidates are only accepted when
// they can be created and written; otherwise resolution falls through to
// the next candidate, ending at /tmp/zeus.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names understood by every Zeus process.
const (
	EnvStateDir      = "ZEUS_STATE_DIR"
	EnvHome          = "ZEUS_HOME"
	EnvMessageTmpDir = "ZEUS_MESSAGE_TMP_DIR"
	EnvAgentID       = "ZEUS_AGENT_ID"
	EnvRole          = "ZEUS_ROLE"
	EnvParentID      = "ZEUS_PARENT_ID"
	EnvPhalanxID     = "ZEUS_PHALANX_ID"
	EnvAgentName     = "ZEUS_AGENT_NAME"
)

// Tunables are the timing and policy knobs of the bus. Zero values are
// replaced by defaults in Default(); components never read them from the
// environment directly.
type Tunables struct {
	HeartbeatInterval time.Duration // extension heartbeat period
	MaxHeartbeatAge   time.Duration // capability freshness window
	SweepInterval     time.Duration // drain loop fallback timer
	WakeDebounce      time.Duration // watcher wake coalescing window
	InflightLease     time.Duration // stale inflight reclaim threshold
	RetryBase         time.Duration // first retry delay
	RetryCap          time.Duration // retry delay ceiling
	RetryJitter       float64       // +/- fraction applied to the delay
	ReresolveAfter    time.Duration // recipient cache lifetime while queued
	NotifyThrottle    time.Duration // operator notification window per reason
	AttemptsNotify    int           // attempts before a delivery-stuck note
	LedgerKeep        int           // processed ids kept per agent
}

// DefaultTunables returns the production defaults from the bus design.
func DefaultTunables() Tunables {
	return Tunables{
		HeartbeatInterval: 5 * time.Second,
		MaxHeartbeatAge:   30 * time.Second,
		SweepInterval:     2 * time.Second,
		WakeDebounce:      50 * time.Millisecond,
		InflightLease:     120 * time.Second,
		RetryBase:         2 * time.Second,
		RetryCap:          60 * time.Second,
		RetryJitter:       0.2,
		ReresolveAfter:    60 * time.Second,
		NotifyThrottle:    60 * time.Second,
		AttemptsNotify:    3,
		LedgerKeep:        10_000,
	}
}

// Config is the resolved process configuration.
type Config struct {
	Home          string // ZEUS_HOME (config + fallback state dir)
	StateDir      string // root of all durable bus state
	MessageTmpDir string // sandbox root for zeus-msg --file payloads

	QueueDir    string // StateDir/zeus-message-queue
	AgentBusDir string // StateDir/zeus-agent-bus
	NamesFile   string // StateDir/zeus-names.json
	EventsDB    string // StateDir/zeus-bus-events.db

	Tunables Tunables
}

// fileSettings is the subset of $ZEUS_HOME/config.yaml Zeus reads.
type fileSettings struct {
	Storage struct {
		StateDir      string `yaml:"state_dir"`
		MessageTmpDir string `yaml:"message_tmp_dir"`
	} `yaml:"storage"`
}

// Load resolves the full configuration. It returns an error only when no
// usable state directory exists at all — callers treat that as fatal.
func Load() (*Config, error) {
	home := expand(getenv(EnvHome, "~/.zeus"))
	home, err := ensureWritableDir(home, "/tmp/zeus")
	if err != nil {
		return nil, fmt.Errorf("config: no usable home dir: %w", err)
	}

	settings := loadFileSettings(filepath.Join(home, "config.yaml"))

	stateDir := expand(firstNonEmpty(
		os.Getenv(EnvStateDir),
		settings.Storage.StateDir,
		home,
	))
	stateDir, err = ensureWritableDir(stateDir, home)
	if err != nil {
		return nil, fmt.Errorf("config: no usable state dir: %w", err)
	}

	tmpDir := expand(firstNonEmpty(
		os.Getenv(EnvMessageTmpDir),
		settings.Storage.MessageTmpDir,
		filepath.Join(home, "messages"),
	))
	tmpDir, err = ensureWritableDir(tmpDir, filepath.Join(home, "messages"))
	if err != nil {
		return nil, fmt.Errorf("config: no usable message tmp dir: %w", err)
	}

	return &Config{
		Home:          home,
		StateDir:      stateDir,
		MessageTmpDir: tmpDir,
		QueueDir:      filepath.Join(stateDir, "zeus-message-queue"),
		AgentBusDir:   filepath.Join(stateDir, "zeus-agent-bus"),
		NamesFile:     filepath.Join(stateDir, "zeus-names.json"),
		EventsDB:      filepath.Join(stateDir, "zeus-bus-events.db"),
		Tunables:      DefaultTunables(),
	}, nil
}

// loadFileSettings parses config.yaml, tolerating a missing or malformed
// file (settings then come from env and defaults only).
func loadFileSettings(path string) fileSettings {
	var s fileSettings
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fileSettings{}
	}
	s.Storage.StateDir = strings.TrimSpace(s.Storage.StateDir)
	s.Storage.MessageTmpDir = strings.TrimSpace(s.Storage.MessageTmpDir)
	return s
}

// ensureWritableDir creates path and verifies it is writable, falling back
// to fallback (also created) when creation or the write probe fails.
func ensureWritableDir(path, fallback string) (string, error) {
	if err := probeDir(path); err == nil {
		return path, nil
	}
	if fallback == "" || fallback == path {
		return "", fmt.Errorf("directory %s not writable", path)
	}
	if err := probeDir(fallback); err != nil {
		return "", fmt.Errorf("directory %s not writable (fallback %s: %v)", path, fallback, err)
	}
	return fallback, nil
}

func probeDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(path, ".zeus-probe-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func expand(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
