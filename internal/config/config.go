package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable of Config.
const EnvPrefix = "EXEC_LOGGER_"

// Bounds enforced by Validate.
const (
	MaxArgsLimit      = 1024
	MaxAncestorsLimit = 64
	// AncestorNameMax is TASK_COMM_LEN minus the NUL terminator.
	AncestorNameMax = 15
)

// Format selects the record renderer.
type Format string

// Supported formats. "json" is accepted as an alias of FormatStructured.
const (
	FormatTable      Format = "table"
	FormatStructured Format = "structured"
)

// ParseFormat resolves a user supplied output format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table":
		return FormatTable, nil
	case "structured", "json":
		return FormatStructured, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or structured)", s)
	}
}

// CustomAttribute is a span attribute computed by an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// ParseCustomAttribute parses "name=expression".
func ParseCustomAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.TrimSpace(expression) == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q (want name=expression)", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

// Config holds the run configuration. Defaults come from the envDefault
// tags, EXEC_LOGGER_* variables override them and command-line flags
// override both.
type Config struct {
	MaxArgs      uint32 `env:"MAX_ARGS" envDefault:"20"`
	Ancestor     string `env:"ANCESTOR" envDefault:"sshd"`
	MaxAncestors uint32 `env:"MAX_ANCESTORS" envDefault:"20"`
	OnlyAncestor bool   `env:"ONLY_ANCESTOR"`
	// IntervalMS is the poll wait in milliseconds.
	IntervalMS int    `env:"INTERVAL" envDefault:"200"`
	Output     string `env:"OUTPUT" envDefault:"table"`
	Numeric    bool   `env:"NUMERIC"`
	Quiet      bool   `env:"QUIET"`
	Verbosity  int    `env:"VERBOSITY" envDefault:"0"`

	BPFObject       string `env:"BPF_OBJECT" envDefault:"/usr/lib/exec-logger/exec_logger.bpf.o"`
	PerfBufferPages int    `env:"PERF_BUFFER_PAGES" envDefault:"8"`

	Filter    string `env:"FILTER"`
	Timestamp bool   `env:"TIMESTAMP"`
	OTel      bool   `env:"OTEL"`
	// TraceID is an expression grouping exported spans into traces.
	TraceID string `env:"TRACE_ID"`

	// Wait stops the run after the given duration. Zero runs until interrupted.
	Wait       time.Duration     `env:"-"`
	Attributes []CustomAttribute `env:"-"`
}

// Load returns the defaults overlaid with EXEC_LOGGER_* variables.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom is Load with an explicit environment. A nil map reads the process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, &UsageError{Err: fmt.Errorf("failed to parse environment: %w", err)}
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations. It returns a *UsageError
// joining every problem found.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseFormat(c.Output); err != nil {
		errs = append(errs, err)
	}
	if c.IntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %d", c.IntervalMS))
	}
	if c.MaxArgs < 1 || c.MaxArgs > MaxArgsLimit {
		errs = append(errs, fmt.Errorf("max-args must be in 1..%d, got %d", MaxArgsLimit, c.MaxArgs))
	}
	if c.MaxAncestors < 1 || c.MaxAncestors > MaxAncestorsLimit {
		errs = append(errs, fmt.Errorf("max-ancestors must be in 1..%d, got %d", MaxAncestorsLimit, c.MaxAncestors))
	}
	if len(c.Ancestor) > AncestorNameMax {
		errs = append(errs, fmt.Errorf("ancestor %q is longer than %d bytes", c.Ancestor, AncestorNameMax))
	}
	if c.PerfBufferPages < 1 {
		errs = append(errs, fmt.Errorf("perf-buffer-pages must be at least 1, got %d", c.PerfBufferPages))
	}
	if c.Wait < 0 {
		errs = append(errs, fmt.Errorf("wait must not be negative, got %s", c.Wait))
	}
	if c.BPFObject == "" {
		errs = append(errs, errors.New("bpf-object must not be empty"))
	}

	if len(errs) > 0 {
		return &UsageError{Err: errors.Join(errs...)}
	}
	return nil
}

// Format returns the validated output format.
func (c *Config) Format() Format {
	f, err := ParseFormat(c.Output)
	if err != nil {
		return FormatTable
	}
	return f
}

// PollInterval returns the poll wait as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// UsageError marks a configuration or command-line problem.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}
