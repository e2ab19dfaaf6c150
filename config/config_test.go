package config

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/gomlx/kdispatch/driver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sim", cfg.Driver)
	require.Equal(t, 1, cfg.Sim.NumDevices)
	require.False(t, cfg.Memory.Pitched)
	require.Equal(t, "nvcc", cfg.Toolchain.Compiler)
	require.Empty(t, cfg.Metrics.ListenAddress)
	require.Equal(t, []string{"-m64", "-arch", "compute_20", "-code", "sm_30", "-ptx", "k.cu", "-o", "k.ptx"},
		cfg.Compiler().Args("k.cu", "k.ptx"))
}

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg, err := Load("testdata/config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		require.Equal(t, "sim", cfg.Driver)
		require.Equal(t, []int{0, 2}, cfg.Devices)
		require.Equal(t, 3, cfg.Sim.NumDevices)
		require.Equal(t, int64(64<<20), cfg.Sim.TotalMemory)
		require.Equal(t, 256, cfg.Sim.PitchAlignment)
		require.True(t, cfg.Memory.Pitched)
		require.Equal(t, "/usr/local/cuda/bin/nvcc", cfg.Toolchain.Compiler)
		require.True(t, cfg.Toolchain.Debug)
		require.False(t, cfg.Toolchain.Recompile)
		require.Equal(t, 2, cfg.Logger.Verbosity)
		require.Equal(t, ":9090", cfg.Metrics.ListenAddress)
		require.Equal(t, driver.Options{"numDevices": 3, "totalMemory": int64(64 << 20), "pitchAlignment": 256},
			cfg.DriverOptions())
		require.Contains(t, cfg.Compiler().Args("k.cu", "k.ptx"), "-G")
	})

	t.Run("partial config keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		must.M(os.WriteFile(path, []byte("memory: {pitched: true}\n"), 0644))
		cfg := must.M1(Load(path))
		require.True(t, cfg.Memory.Pitched)
		require.Equal(t, "sim", cfg.Driver)
		require.Equal(t, 512, cfg.Sim.PitchAlignment)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := Load("testdata/non-existent.yaml")
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load("testdata/unknown_field.yaml")
		require.ErrorContains(t, err, "numDevice")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load("testdata/invalid.yaml")
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(cfg *Config){
		"no driver":          func(cfg *Config) { cfg.Driver = "" },
		"negative device":    func(cfg *Config) { cfg.Devices = []int{-1} },
		"repeated devices":   func(cfg *Config) { cfg.Devices = []int{1, 0, 1} },
		"no sim devices":     func(cfg *Config) { cfg.Sim.NumDevices = 0 },
		"no sim memory":      func(cfg *Config) { cfg.Sim.TotalMemory = 0 },
		"bad alignment":      func(cfg *Config) { cfg.Sim.PitchAlignment = 384 },
		"no compiler":        func(cfg *Config) { cfg.Toolchain.Compiler = "" },
		"negative verbosity": func(cfg *Config) { cfg.Logger.Verbosity = -1 },
	} {
		cfg := Default()
		mutate(cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(driver.DefaultEnv, "cuda")
	t.Setenv(PitchedEnv, "1")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	require.Equal(t, "cuda", cfg.Driver)
	require.True(t, cfg.Memory.Pitched)
	require.Nil(t, cfg.DriverOptions())

	t.Setenv(PitchedEnv, "maybe")
	require.ErrorContains(t, Default().ApplyEnv(), PitchedEnv)
}

func TestPaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/etc/xdg")
	require.Equal(t, "/etc/xdg/kdispatch/config.yaml", DefaultPath())

	usr := must.M1(user.Current())
	require.Equal(t, filepath.Join(usr.HomeDir, "kernels"), must.M1(ExpandHome("~/kernels")))
	require.Equal(t, usr.HomeDir, must.M1(ExpandHome("~")))
	require.Equal(t, "/abs/path", must.M1(ExpandHome("/abs/path")))
	require.Equal(t, "", must.M1(ExpandHome("")))
	_, err := ExpandHome("~no-such-user-kdispatch/x")
	require.Error(t, err)
}
