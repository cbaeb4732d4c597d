// Package config loads the clustering engine's tunables from YAML, with
// environment-variable overrides for containerized runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs CommonParams and the process driver need.
type Config struct {
	MachineID string    `yaml:"machine_id"`
	Port      int       `yaml:"port"`
	Cluster   Cluster   `yaml:"cluster"`
	Owner     Owner     `yaml:"owner"`
	Advance   Advance   `yaml:"advance"`
	Network   Network   `yaml:"network"`
}

// Cluster holds the Berger-Rigoutsos clustering tunables.
type Cluster struct {
	MaxBoxSize          []int         `yaml:"max_box_size"`
	MinBoxSize          []int         `yaml:"min_box_size"`
	EfficiencyTolerance float64       `yaml:"efficiency_tolerance"`
	CombineTolerance    float64       `yaml:"combine_tolerance"`
	GhostCellWidth      []int         `yaml:"ghost_cell_width"`
	Bidirectional       bool          `yaml:"bidirectional"`
	Timeout             time.Duration `yaml:"timeout"`
}

// Owner selects the policy used to assign an owning rank to each accepted
// box.
type Owner struct {
	Mode string `yaml:"mode"` // single_owner | most_overlap | fewest_owned | least_active
}

// Advance selects the stage polling discipline.
type Advance struct {
	Mode string `yaml:"mode"` // synchronous | advance_any | advance_some
}

type Network struct {
	Peers []Peer `yaml:"peers"`
}

type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the clustering driver could not run with.
func (c *Config) Validate() error {
	if len(c.Cluster.MaxBoxSize) == 0 {
		return fmt.Errorf("cluster.max_box_size is required")
	}
	if c.Cluster.EfficiencyTolerance <= 0 || c.Cluster.EfficiencyTolerance > 1 {
		return fmt.Errorf("cluster.efficiency_tolerance must be in (0, 1], got %v", c.Cluster.EfficiencyTolerance)
	}
	for i, lo := range c.Cluster.MinBoxSize {
		if i < len(c.Cluster.MaxBoxSize) && lo > c.Cluster.MaxBoxSize[i] {
			return fmt.Errorf("cluster.min_box_size[%d]=%d exceeds max_box_size[%d]=%d", i, lo, i, c.Cluster.MaxBoxSize[i])
		}
	}
	switch c.Owner.Mode {
	case "", "single_owner", "most_overlap", "fewest_owned", "least_active":
	default:
		return fmt.Errorf("owner.mode %q not recognized", c.Owner.Mode)
	}
	switch c.Advance.Mode {
	case "", "synchronous", "advance_any", "advance_some":
	default:
		return fmt.Errorf("advance.mode %q not recognized", c.Advance.Mode)
	}
	return nil
}

// LoadConfigFromEnv builds a Config purely from environment variables,
// useful for single-binary container deployments with no mounted file.
func LoadConfigFromEnv() *Config {
	return &Config{
		MachineID: getEnv("MACHINE_ID", ""),
		Port:      getEnvInt("PORT", 8080),
		Cluster: Cluster{
			MaxBoxSize:          getEnvIntSlice("MAX_BOX_SIZE", []int{16, 16, 16}),
			MinBoxSize:          getEnvIntSlice("MIN_BOX_SIZE", []int{2, 2, 2}),
			EfficiencyTolerance: getEnvFloat("EFFICIENCY_TOLERANCE", 0.8),
			CombineTolerance:    getEnvFloat("COMBINE_TOLERANCE", 0.8),
			GhostCellWidth:      getEnvIntSlice("GHOST_CELL_WIDTH", []int{1, 1, 1}),
			Bidirectional:       getEnvBool("BIDIRECTIONAL", true),
			Timeout:             getEnvDuration("CLUSTER_TIMEOUT", 30*time.Second),
		},
		Owner:   Owner{Mode: getEnv("OWNER_MODE", "most_overlap")},
		Advance: Advance{Mode: getEnv("ADVANCE_MODE", "advance_some")},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	cur := 0
	started := false
	flush := func() {
		if started {
			out = append(out, cur)
		}
		cur, started = 0, false
	}
	for _, r := range value {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			started = true
		} else {
			flush()
		}
	}
	flush()
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
