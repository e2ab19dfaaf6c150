// kdispatch inspects the devices of a driver, compiles kernels and loads modules on all devices.
//
// Usage:
//
//	kdispatch [--config=path] [--driver=sim|cuda] [--metrics-addr=:9090] [-v=N] <command> ...
//
// Commands: devices, compile <file.cu>, load <module> --fn id=symbol ...
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gomlx/kdispatch/config"
	"github.com/gomlx/kdispatch/devmem"
	"github.com/gomlx/kdispatch/driver"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"

	// Drivers register themselves.
	_ "github.com/gomlx/kdispatch/driver/cuda"
	_ "github.com/gomlx/kdispatch/driver/sim"
)

var (
	flagConfig      string
	flagDriver      string
	flagMetricsAddr string
	flagVerbosity   int64
)

// cfg is the configuration, loaded before any command runs.
var cfg *config.Config

func main() {
	klog.InitFlags(nil)
	app := &cli.Command{
		Name:  "kdispatch",
		Usage: "Multi-device kernel dispatch tool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to the YAML configuration file",
				Value:       config.DefaultPath(),
				Destination: &flagConfig,
			},
			&cli.StringFlag{
				Name:        "driver",
				Usage:       "driver to use, one of " + fmt.Sprint(driver.Registered()) + ", overrides the configuration",
				Destination: &flagDriver,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "serve Prometheus metrics on this address, e.g. :9090",
				Destination: &flagMetricsAddr,
			},
			&cli.Int64Flag{
				Name:        "v",
				Usage:       "log verbosity level",
				Destination: &flagVerbosity,
			},
		},
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			devicesCmd(),
			compileCmd(),
			loadCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		klog.Flush()
		_, _ = fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
	klog.Flush()
}

// setup loads the configuration, with precedence: flags, environment variables, file, defaults.
// A missing file is only an error if --config was given.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	var err error
	cfg, err = config.Load(flagConfig)
	if err != nil {
		if cmd.IsSet("config") || !errors.Is(err, os.ErrNotExist) {
			return ctx, err
		}
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return ctx, err
	}
	if flagDriver != "" {
		cfg.Driver = flagDriver
	}
	if cmd.IsSet("v") {
		cfg.Logger.Verbosity = int(flagVerbosity)
	}
	if flagMetricsAddr != "" {
		cfg.Metrics.ListenAddress = flagMetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return ctx, err
	}

	if err := flag.Set("v", strconv.Itoa(cfg.Logger.Verbosity)); err != nil {
		return ctx, errors.Wrap(err, "setting log verbosity")
	}
	devmem.UsePitchedMemory(cfg.Memory.Pitched)
	if addr := cfg.Metrics.ListenAddress; addr != "" {
		serveMetrics(addr)
	}
	return ctx, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		klog.V(1).Infof("serving metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.Errorf("metrics server on %s stopped: %v", addr, err)
		}
	}()
}

// openDriver returns the configured driver.
func openDriver() (driver.Driver, error) {
	return driver.Get(cfg.Driver, cfg.DriverOptions())
}
