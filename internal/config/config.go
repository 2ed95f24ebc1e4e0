// Package config handles Hearth configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/hearth/config.yaml, /etc/hearth/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "config.yaml"))
	}

	paths = append(paths, "/etc/hearth/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Hub        HubConfig        `yaml:"hub"`
	Models     ModelsConfig     `yaml:"models"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Trust      TrustConfig      `yaml:"trust"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Breakers   BreakerConfig    `yaml:"breakers"`
	DataDir    string           `yaml:"data_dir"`
	Timezone   string           `yaml:"timezone"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HubConfig defines the smart-home hub (Home Assistant) connection.
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// SubscribeGlobs filters which entity state changes the event
	// watcher forwards into the dispatcher (path.Match syntax).
	SubscribeGlobs []string `yaml:"subscribe_globs"`
	// EventsPerMinute caps per-entity state change throughput.
	// Zero disables rate limiting.
	EventsPerMinute int `yaml:"events_per_minute"`
	// PersonEntities lists person.* entities for presence tracking.
	PersonEntities []string `yaml:"person_entities"`
	// ActivityEntity is the entity whose state drives the household
	// activity classification (e.g., input_select.household_activity).
	ActivityEntity string `yaml:"activity_entity"`
}

// ModelsConfig defines the inference backend settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
	// MaxInflight caps concurrent model calls across all requests.
	MaxInflight int `yaml:"max_inflight"`
	// QueueWaitSec bounds how long a request may wait for an inference
	// slot before failing with Overloaded.
	QueueWaitSec int `yaml:"queue_wait_sec"`
}

// MQTTConfig defines the notification sink broker connection.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
	AnnounceTopic   string `yaml:"announce_topic"`   // default: hearth/<device>/announce
}

// TrustConfig defines trust and identity settings.
type TrustConfig struct {
	// PolicyFile overrides the built-in trust policy tables. Optional.
	PolicyFile string `yaml:"policy_file"`
	// SpeakerConfidenceMin is the identity confidence floor. Speakers
	// resolved below it are treated as Guest.
	SpeakerConfidenceMin float64 `yaml:"speaker_confidence_min"`
}

// DispatcherConfig defines the proactive dispatcher settings.
type DispatcherConfig struct {
	// QueueSize bounds the event fan-in channel.
	QueueSize int `yaml:"queue_size"`
	// CooldownBase maps event kind to its base cooldown window.
	CooldownBase map[string]time.Duration `yaml:"cooldown_base"`
	// Silence maps activity state to the minimum urgency allowed to
	// notify while in that state ("medium", "high", or "critical").
	Silence map[string]string `yaml:"silence"`
	// ShutdownGraceSec bounds how long in-flight compositions may run
	// after shutdown begins.
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
	// AgentAutonomy is the autonomy level (1..5) proactive and
	// rule-triggered actions run with.
	AgentAutonomy int `yaml:"agent_autonomy"`
}

// BreakerConfig defines failure isolation thresholds shared by all
// dependency breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	WindowSec        int `yaml:"window_sec"`
	CooloffSec       int `yaml:"cooloff_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:      "qwen3:4b",
			OllamaURL:    "http://localhost:11434",
			MaxInflight:  4,
			QueueWaitSec: 10,
		},
		Trust: TrustConfig{
			SpeakerConfidenceMin: 0.75,
		},
		Dispatcher: DispatcherConfig{
			QueueSize:        256,
			ShutdownGraceSec: 30,
			AgentAutonomy:    3,
		},
		Breakers: BreakerConfig{
			FailureThreshold: 5,
			WindowSec:        60,
			CooloffSec:       30,
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix: "homeassistant",
		},
	}
}
