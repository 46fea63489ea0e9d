package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".regtrace"
	configFile string = "config.yml"

	// ConfigEnv, when set, names the configuration file to use instead of
	// ~/.regtrace/config.yml.
	ConfigEnv = "REGTRACE_CONFIG"

	// DefaultCodeCacheSize is the number of decoded instruction addresses
	// the native backend remembers.
	DefaultCodeCacheSize = 1 << 16
)

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over values set here.
type Config struct {
	// EntryPoint is the address, or symbol name, of the first instruction
	// that starts recording. Usually the address of `main`.
	EntryPoint string `yaml:"entrypoint,omitempty"`

	// ExcludeSections lists the names of the sections of the traced image
	// that are never instrumented (compared case-insensitively).
	ExcludeSections []string `yaml:"exclude-sections,omitempty"`

	// ExclusionPolicy selects what happens when more than one section
	// matches ExcludeSections: "last", "first" or "union".
	ExclusionPolicy string `yaml:"exclusion-policy,omitempty"`

	// Output is the path of the trace log. Empty means standard error.
	Output string `yaml:"output,omitempty"`

	// DisableASLR disables address space randomization for launched targets.
	DisableASLR *bool `yaml:"disable-aslr,omitempty"`

	// FastForward runs launched targets at full speed until the entry
	// point is reached.
	FastForward *bool `yaml:"fast-forward,omitempty"`

	// CodeCacheSize is the maximum number of instruction addresses the
	// native backend caches instrumentation decisions for.
	CodeCacheSize *int `yaml:"code-cache-size,omitempty"`

	// DiffIgnore lists registers that 'regtrace diff' ignores by default.
	DiffIgnore []string `yaml:"diff-ignore,omitempty"`
}

// DisableASLROrDefault returns DisableASLR, defaulting to true.
func (c *Config) DisableASLROrDefault() bool {
	if c.DisableASLR == nil {
		return true
	}
	return *c.DisableASLR
}

// FastForwardOrDefault returns FastForward, defaulting to true.
func (c *Config) FastForwardOrDefault() bool {
	if c.FastForward == nil {
		return true
	}
	return *c.FastForward
}

// CodeCacheSizeOrDefault returns CodeCacheSize, defaulting to DefaultCodeCacheSize.
func (c *Config) CodeCacheSizeOrDefault() int {
	if c.CodeCacheSize == nil || *c.CodeCacheSize <= 0 {
		return DefaultCodeCacheSize
	}
	return *c.CodeCacheSize
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A default configuration file is created if none exists. Errors are
// reported on standard error and an empty configuration is returned.
func LoadConfig() *Config {
	fullConfigFile := os.Getenv(ConfigEnv)
	if fullConfigFile == "" {
		err := createConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
			return &Config{}
		}
		fullConfigFile, err = GetConfigFilePath(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
			return &Config{}
		}
		if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
				return &Config{}
			}
		}
	}

	c, err := LoadConfigFrom(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and decodes the configuration file at path.
func LoadConfigFrom(fullConfigFile string) (*Config, error) {
	f, err := os.Open(fullConfigFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	return &c, nil
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		return fmt.Errorf("unable to write default configuration: %w", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the regtrace register tracer.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Address (or symbol name) where recording starts, usually main.
# entrypoint: main

# Sections of the traced image that are never instrumented.
# exclude-sections: [".plt"]

# What to do when several sections match exclude-sections: last, first or union.
# exclusion-policy: last

# Write the trace to a file instead of standard error. A .zst suffix compresses it.
# output: trace.log

# Launch targets with address space randomization disabled.
# disable-aslr: true

# Run at full speed until the entry point is reached.
# fast-forward: true

# Number of instruction addresses whose instrumentation is cached.
# code-cache-size: 65536

# Registers ignored by 'regtrace diff'.
# diff-ignore: ["RSP", "RBP"]
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
