package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jtang613/mpdb/pkg/pdb"
	"github.com/jtang613/mpdb/pkg/pdb/msf"
)

// Config is the pdbdump configuration file.
type Config struct {
	Decode  DecodeConfig `yaml:"decode"`
	Encode  EncodeConfig `yaml:"encode"`
	Output  OutputConfig `yaml:"output"`
	Logging Logging      `yaml:"logging"`
}

// DecodeConfig controls how PDBs are read.
type DecodeConfig struct {
	CaseSensitive bool `yaml:"case_sensitive"`
	Tolerant      bool `yaml:"tolerant"`
}

// EncodeConfig controls how PDBs are written by rewrite.
type EncodeConfig struct {
	PageSize   uint32 `yaml:"page_size"`
	EntryPoint string `yaml:"entry_point"` // method token, e.g. 0x06000001
}

// OutputConfig selects the dump format.
type OutputConfig struct {
	Format string `yaml:"format"` // json or yaml
}

// Logging contains logging configuration
type Logging struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Encode:  EncodeConfig{PageSize: msf.DefaultPageSize},
		Output:  OutputConfig{Format: "json"},
		Logging: Logging{Level: "warn"},
	}
}

// LoadConfig reads the configuration at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be checked by the YAML decoder.
func (c *Config) Validate() error {
	switch c.Output.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if _, _, err := c.entryPoint(); err != nil {
		return err
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return l, nil
}

func (c *Config) entryPoint() (uint32, bool, error) {
	s := strings.TrimSpace(c.Encode.EntryPoint)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid entry point token %q: %w", s, err)
	}
	return uint32(v), true, nil
}

// Logger returns a text logger on stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// DecodeOptions returns the codec options for reading.
func (c *Config) DecodeOptions(log *slog.Logger) []pdb.Option {
	opts := []pdb.Option{pdb.WithLogger(log)}
	if c.Decode.CaseSensitive {
		opts = append(opts, pdb.WithCaseSensitiveSources())
	}
	if c.Decode.Tolerant {
		opts = append(opts, pdb.WithTolerantDecoding())
	}
	return opts
}

// EncodeOptions returns the codec options for writing.
func (c *Config) EncodeOptions(log *slog.Logger) ([]pdb.Option, error) {
	opts := []pdb.Option{pdb.WithLogger(log), pdb.WithPageSize(c.Encode.PageSize)}
	if c.Decode.CaseSensitive {
		opts = append(opts, pdb.WithCaseSensitiveSources())
	}
	token, ok, err := c.entryPoint()
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, pdb.WithEntryPoint(token))
	}
	return opts, nil
}
