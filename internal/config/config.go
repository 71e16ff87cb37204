// Package config loads simbridge's YAML configuration.
//
// A file is first checked against the embedded CUE schema, which reports
// every problem with its line, then decoded into Config and completed with
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/simbridge/internal/controller"
	"github.com/roach88/simbridge/internal/host"
	"github.com/roach88/simbridge/internal/loop"
)

// DefaultRelayAddr is where `simbridge serve` listens by default.
const DefaultRelayAddr = "127.0.0.1:8787"

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"250ms\"", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole configuration file.
type Config struct {
	Backend    Backend      `yaml:"backend"`
	Simulation host.Options `yaml:"simulation"`
	Journal    Journal      `yaml:"journal"`
	Relay      Relay        `yaml:"relay"`
}

// Backend configures backend selection and the update loops.
type Backend struct {
	Mode                 string   `yaml:"mode"`
	HandshakeTimeout     Duration `yaml:"handshake_timeout"`
	RequestTimeout       Duration `yaml:"request_timeout"`
	TickRate             float64  `yaml:"tick_rate"`
	PerfInterval         Duration `yaml:"perf_interval"`
	MaxConsecutiveFaults int      `yaml:"max_consecutive_faults"`
}

// Journal configures the SQLite journal. An empty Path disables it.
type Journal struct {
	Path          string `yaml:"path"`
	Codec         string `yaml:"codec"`
	SnapshotEvery int    `yaml:"snapshot_every"`
}

// Relay configures the websocket relay.
type Relay struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills zero-valued fields.
func (c Config) WithDefaults() Config {
	if c.Backend.Mode == "" {
		c.Backend.Mode = string(controller.ModeAuto)
	}
	if c.Backend.HandshakeTimeout <= 0 {
		c.Backend.HandshakeTimeout = Duration(controller.DefaultHandshakeTimeout)
	}
	if c.Backend.RequestTimeout <= 0 {
		c.Backend.RequestTimeout = Duration(controller.DefaultRequestTimeout)
	}
	if c.Backend.TickRate <= 0 {
		c.Backend.TickRate = loop.DefaultTickRate
	}
	if c.Backend.PerfInterval <= 0 {
		c.Backend.PerfInterval = Duration(loop.DefaultPerfInterval)
	}
	if c.Backend.MaxConsecutiveFaults == 0 {
		c.Backend.MaxConsecutiveFaults = loop.DefaultMaxConsecutiveFaults
	}
	c.Simulation = c.Simulation.WithDefaults()
	if c.Journal.Codec == "" {
		c.Journal.Codec = "zstd"
	}
	if c.Relay.Addr == "" {
		c.Relay.Addr = DefaultRelayAddr
	}
	return c
}

// Load reads, validates and decodes the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it. name labels
// positions in errors. Schema violations are returned as *SchemaError.
func Parse(name string, data []byte) (Config, error) {
	if errs := Check(name, data); len(errs) > 0 {
		return Config{}, &SchemaError{File: name, Problems: errs}
	}

	var c Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	c = c.WithDefaults()
	if _, err := controller.ParseMode(c.Backend.Mode); err != nil {
		return Config{}, err
	}
	if err := c.Simulation.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ControllerOptions maps the backend section onto controller options. The
// caller supplies the worker factory, recorder and logger.
func (c Config) ControllerOptions() controller.Options {
	mode, _ := controller.ParseMode(c.Backend.Mode)
	return controller.Options{
		Mode:                 mode,
		HandshakeTimeout:     c.Backend.HandshakeTimeout.Std(),
		RequestTimeout:       c.Backend.RequestTimeout.Std(),
		TickRate:             c.Backend.TickRate,
		PerfInterval:         c.Backend.PerfInterval.Std(),
		MaxConsecutiveFaults: c.Backend.MaxConsecutiveFaults,
	}
}

// SchemaError collects every schema violation found in one file.
type SchemaError struct {
	File     string
	Problems []Problem
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%s: %s", e.File, e.Problems[0])
	}
	return fmt.Sprintf("%s: %d schema violations, first: %s", e.File, len(e.Problems), e.Problems[0])
}

// IsSchemaError reports whether err is a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
