package graphmeta

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads GraphSettings from a YAML file (or environment overrides),
// following the same search-path and defaulting convention the rest of
// the service's configuration uses.
func Load(configPath string) (GraphSettings, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("graph")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/chunkedgraph")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("graph config file not found, using defaults")
		} else if os.IsNotExist(err) {
			fmt.Printf("graph config file %s not found, using defaults\n", configPath)
		} else {
			return GraphSettings{}, fmt.Errorf("failed to read graph config: %w", err)
		}
	}

	v.AutomaticEnv()

	var settings GraphSettings
	if err := v.Unmarshal(&settings); err != nil {
		return GraphSettings{}, fmt.Errorf("failed to unmarshal graph config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return GraphSettings{}, fmt.Errorf("graph config validation failed: %w", err)
	}
	return settings, nil
}

// LoadFromReader loads GraphSettings from an in-memory document, useful
// for tests that want to avoid touching the filesystem.
func LoadFromReader(configType string, content []byte) (GraphSettings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return GraphSettings{}, fmt.Errorf("failed to read graph config: %w", err)
	}
	var settings GraphSettings
	if err := v.Unmarshal(&settings); err != nil {
		return GraphSettings{}, fmt.Errorf("failed to unmarshal graph config: %w", err)
	}
	return settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fan_out", 2)
	v.SetDefault("s_1", 10)
	v.SetDefault("layer_count", 10)
	v.SetDefault("chunk_size", []int{512, 512, 128})
	v.SetDefault("root_counter_bits", 0)
	v.SetDefault("lock_expiry_seconds", 180)
	v.SetDefault("use_skip_connections", false)
	v.SetDefault("max_lock_tries", 7)
	v.SetDefault("default_bbox_offset", []int{240, 240, 24})
}
