package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/clmatmul/fixtures"
	"github.com/fxnlabs/clmatmul/internal/app"
	"github.com/fxnlabs/clmatmul/internal/config"
	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a YAML config file; built-in defaults apply when empty",
			EnvVars: []string{"CLMATMUL_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "verbosity",
			Usage:   "Log level (debug, info, warn, error)",
			EnvVars: []string{"CLMATMUL_VERBOSITY"},
		},
		&cli.IntFlag{
			Name:  "host-compute-units",
			Usage: "Maximum concurrent work-groups on the host device (0 uses all CPUs)",
		},
	}
}

func runFlags() []cli.Flag {
	return append(configFlags(),
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "Seed for the input matrices",
		},
		&cli.IntFlag{
			Name:  "size",
			Usage: "Use square size x size matrices for A and B",
		},
		&cli.IntFlag{
			Name:  "local",
			Usage: "Use local x local work-groups",
		},
		&cli.StringFlag{
			Name:    "device",
			Usage:   "Preferred device type (gpu, cpu, accelerator)",
			EnvVars: []string{"CLMATMUL_DEVICE"},
		},
		&cli.StringFlag{
			Name:  "fallback",
			Usage: "Device type to use when the preferred one is missing; empty disables fallback",
		},
		&cli.StringFlag{
			Name:  "platform",
			Usage: "Only use platforms whose name contains this string",
		},
		&cli.StringFlag{
			Name:  "kernel",
			Usage: "Path to the kernel source; the built-in kernel is used when empty",
		},
		&cli.StringFlag{
			Name:  "entry",
			Usage: "Kernel entry point name",
		},
		&cli.BoolFlag{
			Name:  "no-verify",
			Usage: "Skip verification of the result on the host",
		},
		&cli.StringFlag{
			Name:    "metrics-textfile",
			Usage:   "Write metrics in Prometheus text format to this file",
			EnvVars: []string{"CLMATMUL_METRICS_TEXTFILE"},
		},
	)
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "matrixmul",
		Usage:  "Multiply two matrices on an OpenCL compute device",
		Writer: out,
		Flags:  runFlags(),
		Action: func(c *cli.Context) error {
			return runAction(c, out)
		},
		// Failures are reported on out; main sets the exit status.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the matrix multiplication (default)",
				Flags: runFlags(),
				Action: func(c *cli.Context) error {
					return runAction(c, out)
				},
			},
			{
				Name:  "devices",
				Usage: "List compute platforms and devices",
				Flags: configFlags(),
				Action: func(c *cli.Context) error {
					return devicesAction(c, out)
				},
			},
			{
				Name:      "init",
				Usage:     "Write a config file template",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					return initAction(c, out)
				},
			},
		},
	}
}

// loadConfig reads the config file, if any, and applies flags on top of it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	}

	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	if c.IsSet("host-compute-units") {
		cfg.Device.HostComputeUnits = c.Int("host-compute-units")
	}
	if c.IsSet("seed") {
		cfg.Matrix.Seed = c.Int64("seed")
	}
	if c.IsSet("size") {
		n := c.Int("size")
		cfg.Matrix.HeightA, cfg.Matrix.WidthA = n, n
		cfg.Matrix.HeightB, cfg.Matrix.WidthB = n, n
	}
	if c.IsSet("local") {
		n := c.Int("local")
		cfg.WorkGroup.Local = gpu.NDRange{X: n, Y: n}
	}
	if c.IsSet("device") {
		cfg.Device.Type = c.String("device")
	}
	if c.IsSet("fallback") {
		cfg.Device.Fallback = c.String("fallback")
	}
	if c.IsSet("platform") {
		cfg.Device.Platform = c.String("platform")
	}
	if c.IsSet("kernel") {
		cfg.Kernel.Path = c.String("kernel")
	}
	if c.IsSet("entry") {
		cfg.Kernel.EntryPoint = c.String("entry")
	}
	if c.Bool("no-verify") {
		cfg.Verification.Enabled = false
	}
	if c.IsSet("metrics-textfile") {
		cfg.Metrics.Textfile = c.String("metrics-textfile")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runAction(c *cli.Context, out io.Writer) error {
	cfg, err := loadConfig(c)
	if err != nil {
		printFailure(out, err)
		return cli.Exit("", 1)
	}
	if _, err := app.Run(c.Context, cfg, out); err != nil {
		printFailure(out, err)
		return cli.Exit("", 1)
	}
	return nil
}

// printFailure names the failed step, its status code and, for build failures, the
// compiler output.
func printFailure(out io.Writer, err error) {
	var e *gpu.Error
	if !errors.As(err, &e) {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}

	msg := e.Stage.Message()
	msg = strings.ToUpper(msg[:1]) + msg[1:]
	if e.Code != 0 {
		fmt.Fprintf(out, "Error: %s! %d (%s)\n", msg, e.Code, gpu.StatusName(e.Code))
	} else {
		fmt.Fprintf(out, "Error: %s!\n", msg)
	}
	if e.Err != nil {
		fmt.Fprintf(out, "  %v\n", e.Err)
	}
	if e.BuildLog != "" {
		fmt.Fprint(out, e.BuildLog)
	}
}

func devicesAction(c *cli.Context, out io.Writer) error {
	cfg, err := loadConfig(c)
	if err != nil {
		printFailure(out, err)
		return cli.Exit("", 1)
	}

	fmt.Fprintln(out, figure.NewFigure("clmatmul", "", true).String())

	err = app.WithManager(c.Context, cfg, out, func(m *gpu.Manager) error {
		platforms, err := m.Platforms()
		if err != nil {
			return err
		}
		printPlatforms(out, platforms)
		if !m.IsGPUAvailable() {
			fmt.Fprintf(out, "No GPU device found; runs preferring a GPU use the %q fallback.\n", cfg.Device.Fallback)
		}
		return nil
	})
	if err != nil {
		printFailure(out, err)
		return cli.Exit("", 1)
	}
	return nil
}

func printPlatforms(out io.Writer, platforms []gpu.PlatformInfo) {
	p := message.NewPrinter(language.English)
	for _, platform := range platforms {
		fmt.Fprintf(out, "Platform %d: %s (%s, %s) [%s]\n", platform.Index, platform.Name, platform.Vendor, platform.Version, platform.Backend)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  DEVICE\tTYPE\tCOMPUTE UNITS\tMAX WORK-GROUP\tMEMORY (MiB)")
		for _, d := range platform.Devices {
			p.Fprintf(tw, "  %d: %s\t%s\t%d\t%d\t%d\n", d.Index, d.Name, d.Type, d.MaxComputeUnits, d.MaxWorkGroupSize, d.TotalMemory>>20)
		}
		tw.Flush()
	}
}

func initAction(c *cli.Context, out io.Writer) error {
	path := c.Args().First()
	if path == "" {
		path = "config.yaml"
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if c.Bool("force") {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		printFailure(out, fmt.Errorf("failed to create %s: %w", path, err))
		return cli.Exit("", 1)
	}
	defer f.Close()
	if _, err := f.Write(fixtures.ConfigTemplate); err != nil {
		printFailure(out, fmt.Errorf("failed to write %s: %w", path, err))
		return cli.Exit("", 1)
	}
	fmt.Fprintf(out, "Wrote config template to %s\n", path)
	return nil
}
