// Package config holds the configuration of kdispatch tools, read from a YAML file and overridden by
// environment variables.
package config

import (
	"bytes"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/kdispatch/driver"
	"github.com/gomlx/kdispatch/toolchain"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PitchedEnv overrides Memory.Pitched with a boolean ("true", "1", "false", ...).
const PitchedEnv = "KDISPATCH_PITCHED"

// Config of the dispatcher, its driver and the toolchain.
type Config struct {
	// Driver name, as registered in the driver package ("sim" or "cuda").
	Driver string `yaml:"driver"`

	// Devices is an optional subset of device ordinals to use. All devices are used if empty.
	Devices []int `yaml:"devices,omitempty"`

	Sim struct {
		NumDevices     int   `yaml:"numDevices"`
		TotalMemory    int64 `yaml:"totalMemory"`
		PitchAlignment int   `yaml:"pitchAlignment"`
	} `yaml:"sim"`

	Memory struct {
		Pitched bool `yaml:"pitched"`
	} `yaml:"memory"`

	Toolchain struct {
		Compiler  string `yaml:"compiler"`
		Arch      string `yaml:"arch"`
		Code      string `yaml:"code"`
		Debug     bool   `yaml:"debug"`
		Recompile bool   `yaml:"recompile"`
	} `yaml:"toolchain"`

	Logger struct {
		Verbosity int `yaml:"verbosity"`
	} `yaml:"logger"`

	Metrics struct {
		// ListenAddress of the Prometheus metrics endpoint. Disabled if empty.
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the default configuration: the sim driver with one device, linear memory.
func Default() *Config {
	cfg := &Config{Driver: "sim"}
	cfg.Sim.NumDevices = 1
	cfg.Sim.TotalMemory = 1 << 30
	cfg.Sim.PitchAlignment = 512
	cfg.Toolchain.Compiler = toolchain.DefaultCompiler
	cfg.Toolchain.Arch = toolchain.DefaultArch
	cfg.Toolchain.Code = toolchain.DefaultCode
	return cfg
}

// DefaultPath returns the path of the configuration file: $XDG_CONFIG_HOME/kdispatch/config.yaml,
// or ~/.config/kdispatch/config.yaml.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = "~/.config"
	}
	return filepath.Join(configDir, "kdispatch", "config.yaml")
}

// Load reads the configuration file at path (a leading "~" is replaced by the home directory) over the
// defaults. Unknown fields are errors. The result is not validated and environment variables are not
// applied: see Validate and ApplyEnv.
func Load(path string) (*Config, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration")
	}
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing configuration %q", expanded)
	}
	return cfg, nil
}

// ApplyEnv overrides the configuration with the environment variables driver.DefaultEnv and PitchedEnv.
func (cfg *Config) ApplyEnv() error {
	if name := os.Getenv(driver.DefaultEnv); name != "" {
		cfg.Driver = name
	}
	if value := os.Getenv(PitchedEnv); value != "" {
		pitched, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "parsing $%s=%q", PitchedEnv, value)
		}
		cfg.Memory.Pitched = pitched
	}
	return nil
}

// Validate checks the values of the configuration.
func (cfg *Config) Validate() error {
	if cfg.Driver == "" {
		return errors.New("config: driver not set")
	}
	for _, ordinal := range cfg.Devices {
		if ordinal < 0 {
			return errors.Errorf("config: invalid device ordinal %d", ordinal)
		}
	}
	if sorted := slices.Compact(slices.Sorted(slices.Values(cfg.Devices))); len(sorted) != len(cfg.Devices) {
		return errors.Errorf("config: repeated device ordinals in %v", cfg.Devices)
	}
	if cfg.Sim.NumDevices < 1 {
		return errors.Errorf("config: sim.numDevices must be at least 1, got %d", cfg.Sim.NumDevices)
	}
	if cfg.Sim.TotalMemory <= 0 {
		return errors.Errorf("config: sim.totalMemory must be positive, got %d", cfg.Sim.TotalMemory)
	}
	if a := cfg.Sim.PitchAlignment; a <= 0 || a&(a-1) != 0 {
		return errors.Errorf("config: sim.pitchAlignment must be a power of 2, got %d", a)
	}
	if cfg.Toolchain.Compiler == "" {
		return errors.New("config: toolchain.compiler not set")
	}
	if cfg.Logger.Verbosity < 0 {
		return errors.Errorf("config: logger.verbosity must be >= 0, got %d", cfg.Logger.Verbosity)
	}
	return nil
}

// DriverOptions returns the options to create the configured driver with driver.Get.
func (cfg *Config) DriverOptions() driver.Options {
	if cfg.Driver != "sim" {
		return nil
	}
	return driver.Options{
		"numDevices":     cfg.Sim.NumDevices,
		"totalMemory":    cfg.Sim.TotalMemory,
		"pitchAlignment": cfg.Sim.PitchAlignment,
	}
}

// Compiler returns the configured toolchain compiler.
func (cfg *Config) Compiler() *toolchain.Compiler {
	return toolchain.New().
		WithBinary(cfg.Toolchain.Compiler).
		WithArch(cfg.Toolchain.Arch, cfg.Toolchain.Code).
		WithDebug(cfg.Toolchain.Debug)
}

// ExpandHome replaces a leading "~" or "~user" in path by the corresponding home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	var userName string
	if path != "~" && !strings.HasPrefix(path, "~/") {
		if sepIdx := strings.IndexRune(path, '/'); sepIdx == -1 {
			userName = path[1:]
		} else {
			userName = path[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", path)
	}
	return filepath.Join(usr.HomeDir, path[1+len(userName):]), nil
}
