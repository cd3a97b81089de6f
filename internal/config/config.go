package config

import (
	"fmt"
	"os"

	"github.com/fxnlabs/clmatmul/internal/gpu"
	"github.com/fxnlabs/clmatmul/internal/matrix"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Matrix struct {
		HeightA int   `yaml:"heightA"`
		WidthA  int   `yaml:"widthA"`
		HeightB int   `yaml:"heightB"`
		WidthB  int   `yaml:"widthB"`
		Seed    int64 `yaml:"seed"`
	} `yaml:"matrix"`
	Kernel struct {
		// Path to the kernel source; empty uses the embedded kernel.
		Path       string `yaml:"path"`
		EntryPoint string `yaml:"entryPoint"`
	} `yaml:"kernel"`
	WorkGroup struct {
		Local gpu.NDRange `yaml:"local"`
	} `yaml:"workGroup"`
	Device struct {
		Type     string `yaml:"type"`
		Fallback string `yaml:"fallback"`
		Platform string `yaml:"platform"`
		// HostComputeUnits caps concurrent work-groups on the host device; 0 uses GOMAXPROCS.
		HostComputeUnits int `yaml:"hostComputeUnits"`
	} `yaml:"device"`
	Verification struct {
		Enabled    bool    `yaml:"enabled"`
		Iterations int     `yaml:"iterations"`
		Tolerance  float64 `yaml:"tolerance"`
		Samples    int     `yaml:"samples"`
	} `yaml:"verification"`
	Metrics struct {
		// Textfile, when set, receives the run's metrics in Prometheus text format.
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the reference run: two 1024x1024 matrices seeded with 2014,
// 16x16 work-groups, GPU preferred with CPU fallback.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Matrix.HeightA, c.Matrix.WidthA = 1024, 1024
	c.Matrix.HeightB, c.Matrix.WidthB = 1024, 1024
	c.Matrix.Seed = 2014
	c.Kernel.EntryPoint = "matrixMul"
	c.WorkGroup.Local = gpu.NDRange{X: 16, Y: 16}
	c.Device.Type = string(gpu.DeviceTypeGPU)
	c.Device.Fallback = string(gpu.DeviceTypeCPU)
	c.Verification.Enabled = true
	c.Verification.Iterations = 8
	c.Verification.Tolerance = 1e-4
	c.Verification.Samples = 5
	return &c
}

// LoadConfig reads a YAML file over Default and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// ShapeA returns the shape of A.
func (c *Config) ShapeA() matrix.Shape {
	return matrix.Shape{Rows: c.Matrix.HeightA, Cols: c.Matrix.WidthA}
}

// ShapeB returns the shape of B.
func (c *Config) ShapeB() matrix.Shape {
	return matrix.Shape{Rows: c.Matrix.HeightB, Cols: c.Matrix.WidthB}
}

// Selector returns the device selector described by the config.
func (c *Config) Selector() (gpu.DeviceSelector, error) {
	kind, err := gpu.ParseDeviceType(c.Device.Type)
	if err != nil {
		return gpu.DeviceSelector{}, fmt.Errorf("device.type: %w", err)
	}
	fallback, err := gpu.ParseDeviceType(c.Device.Fallback)
	if err != nil {
		return gpu.DeviceSelector{}, fmt.Errorf("device.fallback: %w", err)
	}
	return gpu.DeviceSelector{Type: kind, Fallback: fallback, Platform: c.Device.Platform}, nil
}

// Validate reports every problem with the config at once.
func (c *Config) Validate() error {
	var err error
	if _, lerr := zap.ParseAtomicLevel(c.Logger.Verbosity); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logger.verbosity: %w", lerr))
	}
	switch c.Logger.Encoding {
	case "", "json", "console":
	default:
		err = multierr.Append(err, fmt.Errorf("logger.encoding: unknown encoding %q", c.Logger.Encoding))
	}

	a, b := c.ShapeA(), c.ShapeB()
	if !a.Valid() {
		err = multierr.Append(err, fmt.Errorf("matrix: A must have positive dimensions, got %s", a))
	}
	if !b.Valid() {
		err = multierr.Append(err, fmt.Errorf("matrix: B must have positive dimensions, got %s", b))
	}
	if a.Cols != b.Rows {
		err = multierr.Append(err, fmt.Errorf("matrix: widthA (%d) must equal heightB (%d)", a.Cols, b.Rows))
	}

	if c.Kernel.EntryPoint == "" {
		err = multierr.Append(err, fmt.Errorf("kernel.entryPoint is required"))
	}

	local := c.WorkGroup.Local
	if local.X <= 0 || local.Y <= 0 {
		err = multierr.Append(err, fmt.Errorf("workGroup.local must be positive, got %s", local))
	} else if b.Valid() && a.Valid() {
		if werr := gpu.ValidateWorkSize(gpu.NDRange{X: b.Cols, Y: a.Rows}, local); werr != nil {
			err = multierr.Append(err, fmt.Errorf("workGroup: %w", werr))
		}
	}

	if _, serr := c.Selector(); serr != nil {
		err = multierr.Append(err, serr)
	}
	if c.Device.HostComputeUnits < 0 {
		err = multierr.Append(err, fmt.Errorf("device.hostComputeUnits must not be negative"))
	}

	if c.Verification.Enabled {
		if c.Verification.Iterations <= 0 {
			err = multierr.Append(err, fmt.Errorf("verification.iterations must be positive"))
		}
		if c.Verification.Tolerance <= 0 {
			err = multierr.Append(err, fmt.Errorf("verification.tolerance must be positive"))
		}
		if c.Verification.Samples < 0 {
			err = multierr.Append(err, fmt.Errorf("verification.samples must not be negative"))
		}
	}
	return err
}
