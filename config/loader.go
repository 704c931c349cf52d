package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root of a dbrouter configuration file.
type Config struct {
	Logging   LoggingConf  `yaml:"logging"`
	Admin     AdminConf    `yaml:"admin"`
	Databases DatabaseConf `yaml:"databases"`
}

// LoggingConf selects the process log level and format.
type LoggingConf struct {
	Level string `yaml:"level"`  // debug, info, warn, error
	JSON  bool   `yaml:"json"`   // JSON instead of text
	Query bool   `yaml:"query"`  // log every SQL statement at info level
}

// AdminConf configures the admin HTTP listener. An empty Listen disables it.
type AdminConf struct {
	Listen string `yaml:"listen"`
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// SubstituteEnv replaces ${VAR} and ${VAR:-default} references. A variable
// that is set to the empty string stays empty; the default applies only when
// the variable is unset.
func SubstituteEnv(value string) string {
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return groups[2]
	})
}

// Load reads, substitutes, parses and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	// #nosec G304 -- the path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration content.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(SubstituteEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalid, err)
	}
	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("%w: no databases defined", ErrInvalid)
	}
	if err := cfg.Databases.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
