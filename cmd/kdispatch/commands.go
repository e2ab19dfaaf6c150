package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/kdispatch/dispatch"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the devices of the driver",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			drv, err := openDriver()
			if err != nil {
				return err
			}
			numDevices, err := drv.NumDevices()
			if err != nil {
				return err
			}
			fmt.Printf("Driver %q: %d device(s)\n", drv.Name(), numDevices)
			for ordinal := range numDevices {
				device, err := drv.Device(ordinal)
				if err != nil {
					return err
				}
				fmt.Printf("  #%d  %-40s %8.1f GiB\n", ordinal, device.Name(), float64(device.TotalMemory())/(1<<30))
			}
			return nil
		},
	}
}

func compileCmd() *cli.Command {
	var recompile, debug bool
	return &cli.Command{
		Name:      "compile",
		Usage:     "Compile a kernel source to PTX, next to the source",
		ArgsUsage: "<file.cu>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "recompile",
				Usage:       "compile even if the PTX file exists",
				Destination: &recompile,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "include device debug information (-G)",
				Destination: &debug,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("compile takes exactly one kernel source", 1)
			}
			compiler := cfg.Compiler().WithDebug(debug || cfg.Toolchain.Debug)
			ptx, err := compiler.PreparePTX(ctx, cmd.Args().First(), recompile || cfg.Toolchain.Recompile)
			if err != nil {
				return err
			}
			fmt.Println(ptx)
			return nil
		},
	}
}

// parseFunctions parses "id=symbol" pairs. A pair without "=" uses the symbol as its id.
func parseFunctions(pairs []string) (map[string]string, error) {
	functions := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		id, symbol, found := strings.Cut(pair, "=")
		if !found {
			symbol = id
		}
		if id == "" || symbol == "" {
			return nil, errors.Errorf("invalid function %q, expected id=symbol", pair)
		}
		if _, dup := functions[id]; dup {
			return nil, errors.Errorf("function id %q given more than once", id)
		}
		functions[id] = symbol
	}
	return functions, nil
}

func loadCmd() *cli.Command {
	var fns []string
	return &cli.Command{
		Name:      "load",
		Usage:     "Load a module on all devices and list the functions resolved on each one",
		ArgsUsage: "<module>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "fn",
				Usage:       "function to resolve, as id=symbol; can be repeated",
				Destination: &fns,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return cli.Exit("load takes exactly one module path", 1)
			}
			functions, err := parseFunctions(fns)
			if err != nil {
				return err
			}
			if len(functions) == 0 {
				return cli.Exit("at least one --fn id=symbol is required", 1)
			}
			drv, err := openDriver()
			if err != nil {
				return err
			}
			var opts []dispatch.Option
			if len(cfg.Devices) > 0 {
				opts = append(opts, dispatch.WithDevices(cfg.Devices...))
			}
			d, err := dispatch.New(drv, opts...)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.LoadModule(ctx, dispatch.NewModuleLoadJob(cmd.Args().First(), functions)); err != nil {
				return err
			}
			for _, w := range d.Workers() {
				fmt.Printf("device #%d (%s): %s\n", w.Ordinal(), w.Device().Name(), strings.Join(w.Catalog().IDs(), ", "))
			}
			return nil
		},
	}
}
