package calib

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Rigs) == 0 {
		return nil, fmt.Errorf("at least one rig must be defined")
	}
	for i, rc := range config.Rigs {
		if rc.ID == "" {
			return nil, fmt.Errorf("rig[%d].id is required", i)
		}
		if rc.Topic == "" {
			return nil, fmt.Errorf("rig[%d].topic is required for %s", i, rc.ID)
		}
	}

	// A missing camera block falls back to the survey defaults
	if config.Camera == (CameraParams{}) {
		config.Camera = DefaultCameraParams()
	}
	if config.Camera.Fx <= 0 || config.Camera.Fy <= 0 {
		return nil, fmt.Errorf("camera.fx and camera.fy must be positive")
	}
	if config.Camera.Height <= 0 {
		return nil, fmt.Errorf("camera.height must be positive")
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// MergeRecordIntoConfig applies a previously exported calibration record
// on top of the configured camera and radar parameters. A nil record
// leaves the config untouched.
func MergeRecordIntoConfig(config *Config, rec *CalibrationRecord) {
	if rec == nil {
		return
	}
	config.Camera = rec.Camera
	config.Radar = rec.Radar
}
