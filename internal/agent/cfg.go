package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/fibrelane/asicd/internal/hal"
	"github.com/fibrelane/asicd/internal/logging"
)

// Config is the agent configuration.
type Config struct {
	// Snapshot configures warm boot snapshot persistence.
	Snapshot SnapshotConfig `yaml:"snapshot"`
	// LinkMonitor configures link-state monitoring.
	LinkMonitor LinkMonitorConfig `yaml:"link_monitor"`
	// Logging configures the logging subsystem.
	Logging logging.Config `yaml:"logging"`
}

// SnapshotConfig configures warm boot snapshot persistence.
type SnapshotConfig struct {
	// Path is where the table state is dumped and loaded from across
	// restarts.
	Path string `yaml:"path"`
	// Interval is how often the snapshot is rewritten while running.
	Interval time.Duration `yaml:"interval"`
	// MaxSize caps the snapshot size accepted on load.
	MaxSize datasize.ByteSize `yaml:"max_size"`
}

// LinkMonitorConfig configures link-state monitoring.
type LinkMonitorConfig struct {
	// Links restricts monitoring to interfaces matching these glob patterns.
	Links []string `yaml:"links"`
	// PortMap maps kernel interface names to front-panel port IDs.
	PortMap map[string]hal.PortID `yaml:"port_map"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			Path:     "/var/lib/asicd/hosttable.json",
			Interval: time.Minute,
			MaxSize:  64 * datasize.MB,
		},
		LinkMonitor: LinkMonitorConfig{
			Links:   []string{"swp*"},
			PortMap: map[string]hal.PortID{},
		},
	}
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}
