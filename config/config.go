// Package config loads the process-wide YAML configuration: MQTT broker
// settings, anchor ground truth, binner/solver tuning, and publisher
// targets. Generalizes the teacher's XML anchor-position loader to YAML,
// grounded on the YAML-config idiom used elsewhere in the example pack.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"uwb-pgo-engine/localize"
)

// Config is the top-level process configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Anchors   []AnchorEntry   `yaml:"anchors"`
	Binner    BinnerConfig    `yaml:"binner"`
	Solver    SolverConfig    `yaml:"solver"`
	Publish   PublishConfig   `yaml:"publish"`
	Binlog    BinlogConfig    `yaml:"binlog"`
}

// MQTTConfig configures the ingress MQTT client.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	QoS                *byte  `yaml:"qos"`
	KeepaliveSecs      int    `yaml:"keepalive_secs"`
	BaseTopic          string `yaml:"base_topic"`
	MinReconnectSecs   int    `yaml:"min_reconnect_secs"`
	MaxReconnectSecs   int    `yaml:"max_reconnect_secs"`
	DefaultPhoneNodeID *int   `yaml:"default_phone_node_id"`
}

// AnchorEntry is one anchor's ground-truth position in centimeters.
type AnchorEntry struct {
	ID int     `yaml:"id"`
	X  float64 `yaml:"x"`
	Y  float64 `yaml:"y"`
	Z  float64 `yaml:"z"`
}

// BinnerConfig configures the sliding-window binner.
type BinnerConfig struct {
	WindowSizeSeconds          float64 `yaml:"window_size_seconds"`
	OutlierThresholdSigma      float64 `yaml:"outlier_threshold_sigma"`
	MinSamplesForOutlierDetect int     `yaml:"min_samples_for_outlier_detection"`
	MaxAnchorVariance          float64 `yaml:"max_anchor_variance"`
}

// SolverConfig configures the PGO solver.
type SolverConfig struct {
	MaxIterations int     `yaml:"max_iterations"`
	FTol          float64 `yaml:"ftol"`
}

// PublishConfig configures the optional downstream transports.
type PublishConfig struct {
	HTTPAddr    string          `yaml:"http_addr"`    // empty disables the WebSocket hub's HTTP server
	UDPTargets  []TargetEntry   `yaml:"udp_targets"`
	TCPTargets  []TargetEntry   `yaml:"tcp_targets"`
}

// TargetEntry is one fan-out destination gated by a bitmask flag.
type TargetEntry struct {
	Addr string `yaml:"addr"`
	Flag uint32 `yaml:"flag"`
}

// BinlogConfig configures the optional measurement-log tee.
type BinlogConfig struct {
	Path string `yaml:"path"` // empty disables the tee
}

// Load reads and parses a YAML config file, applying defaults to any field
// left unset, matching the loadConfig()-with-env-override idiom used
// elsewhere in the retrieved examples.
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("UWB_PGO_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&c)
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "uwb-pgo-engine"
	}
	if c.MQTT.QoS == nil {
		v := byte(1)
		c.MQTT.QoS = &v
	}
	if c.MQTT.KeepaliveSecs == 0 {
		c.MQTT.KeepaliveSecs = 60
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "uwb"
	}
	if c.MQTT.MinReconnectSecs == 0 {
		c.MQTT.MinReconnectSecs = 1
	}
	if c.MQTT.MaxReconnectSecs == 0 {
		c.MQTT.MaxReconnectSecs = 60
	}
	if c.MQTT.DefaultPhoneNodeID == nil {
		v := 0
		c.MQTT.DefaultPhoneNodeID = &v
	}

	if len(c.Anchors) == 0 {
		c.Anchors = []AnchorEntry{
			{ID: 0, X: 480, Y: 600, Z: 0},
			{ID: 1, X: 0, Y: 600, Z: 0},
			{ID: 2, X: 480, Y: 0, Z: 0},
			{ID: 3, X: 0, Y: 0, Z: 0},
		}
	}

	if c.Binner.WindowSizeSeconds == 0 {
		c.Binner.WindowSizeSeconds = localize.DefaultWindowSizeSeconds
	}
	if c.Binner.OutlierThresholdSigma == 0 {
		c.Binner.OutlierThresholdSigma = localize.DefaultOutlierThresholdSigma
	}
	if c.Binner.MinSamplesForOutlierDetect == 0 {
		c.Binner.MinSamplesForOutlierDetect = localize.DefaultMinSamplesForOutlierDetect
	}
	if c.Binner.MaxAnchorVariance == 0 {
		c.Binner.MaxAnchorVariance = localize.DefaultMaxAnchorVariance
	}

	if c.Solver.MaxIterations == 0 {
		c.Solver.MaxIterations = 100
	}
	if c.Solver.FTol == 0 {
		c.Solver.FTol = 1e-6
	}
}

// AnchorConfig builds a localize.AnchorConfig from the parsed anchor table.
func (c *Config) AnchorConfig() localize.AnchorConfig {
	positions := make(map[int]localize.Vec3, len(c.Anchors))
	for _, a := range c.Anchors {
		positions[a.ID] = localize.Vec3{a.X, a.Y, a.Z}
	}
	return localize.NewAnchorConfig(positions)
}

// BinnerParams builds localize.BinnerParams from the parsed binner tuning.
func (c *Config) BinnerParams() localize.BinnerParams {
	return localize.BinnerParams{
		WindowSizeSeconds:          c.Binner.WindowSizeSeconds,
		OutlierThresholdSigma:      c.Binner.OutlierThresholdSigma,
		MinSamplesForOutlierDetect: c.Binner.MinSamplesForOutlierDetect,
		MaxAnchorVariance:          c.Binner.MaxAnchorVariance,
	}
}

// SolverParams builds localize.SolverParams from the parsed solver tuning.
func (c *Config) SolverParams() localize.SolverParams {
	return localize.SolverParams{
		MaxIterations: c.Solver.MaxIterations,
		FTol:          c.Solver.FTol,
	}
}
