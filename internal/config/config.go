// Package config implements the typed, read-only-after-startup settings
// record consumed by the storage engine, shard router, and TCP
// acceptor. Grounded in yonwoo9/go-bitcask's config.go functional-options
// pattern (Config/ConfOption/DefaultConfig), generalized from its five
// Bitcask-only knobs into the full recognized key set, plus a Load that
// parses an external whitespace file format.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the typed settings record. It is read-only once constructed;
// a process runs exactly one instance, installed at startup.
type Config struct {
	Port                int
	StorageDirectory    string
	DatabaseShards      int
	LogFileSize         int64
	LogRotationInterval time.Duration
	MergeInterval       time.Duration
}

// Option mutates a Config under construction, mirroring
// yonwoo9/go-bitcask's ConfOption.
type Option func(*Config)

func WithPort(p int) Option                   { return func(c *Config) { c.Port = p } }
func WithStorageDirectory(d string) Option    { return func(c *Config) { c.StorageDirectory = d } }
func WithDatabaseShards(n int) Option         { return func(c *Config) { c.DatabaseShards = n } }
func WithLogFileSize(n int64) Option          { return func(c *Config) { c.LogFileSize = n } }
func WithLogRotationInterval(d time.Duration) Option {
	return func(c *Config) { c.LogRotationInterval = d }
}
func WithMergeInterval(d time.Duration) Option { return func(c *Config) { c.MergeInterval = d } }

// Default returns the documented built-in defaults.
func Default() *Config {
	dir := filepath.Join(defaultHome(), ".local", "share", "beetle")
	return &Config{
		Port:                6969,
		StorageDirectory:    dir,
		DatabaseShards:      runtime.NumCPU(),
		LogFileSize:         5 * 1024 * 1024,
		LogRotationInterval: 30 * time.Minute,
		MergeInterval:       30 * time.Minute,
	}
}

func defaultHome() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return "."
}

// New builds a Config from Default() plus opts, the same pattern the
// teacher's DefaultConfig()+ConfOption composition uses.
func New(opts ...Option) *Config {
	c := Default()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load parses the whitespace key-value config file at path on top of
// New(opts...): "#" starts a comment, blank lines are ignored, and
// unknown keys are ignored. A missing file is not an error; it yields
// New(opts...) unchanged, matching the CLI's optional positional
// argument.
func Load(path string, opts ...Option) (*Config, error) {
	c := New(opts...)
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key, value := fields[0], fields[1]
		if err := apply(c, key, value); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return c, nil
}

func apply(c *Config, key, value string) error {
	switch key {
	case "port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		c.Port = n
	case "storage_directory":
		c.StorageDirectory = value
	case "database_shards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("database_shards: %w", err)
		}
		c.DatabaseShards = n
	case "log_file_size":
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("log_file_size: %w", err)
		}
		c.LogFileSize = n
	case "log_rotation_interval":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("log_rotation_interval: %w", err)
		}
		c.LogRotationInterval = d
	case "merge_interval":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("merge_interval: %w", err)
		}
		c.MergeInterval = d
	default:
		// unknown keys are ignored
	}
	return nil
}

// parseDuration accepts a bare integer (milliseconds) or a number
// suffixed with s|m|h
func parseDuration(value string) (time.Duration, error) {
	unit := time.Millisecond
	numeric := value
	switch {
	case strings.HasSuffix(value, "ms"):
		numeric = strings.TrimSuffix(value, "ms")
	case strings.HasSuffix(value, "s"):
		unit = time.Second
		numeric = strings.TrimSuffix(value, "s")
	case strings.HasSuffix(value, "m"):
		unit = time.Minute
		numeric = strings.TrimSuffix(value, "m")
	case strings.HasSuffix(value, "h"):
		unit = time.Hour
		numeric = strings.TrimSuffix(value, "h")
	}
	n, err := strconv.ParseFloat(numeric, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(n * float64(unit)), nil
}

// parseSize accepts a bare integer (bytes) or a number suffixed with
// KB|MB|GB
func parseSize(value string) (int64, error) {
	mult := int64(1)
	numeric := value
	switch {
	case strings.HasSuffix(value, "GB"):
		mult = 1024 * 1024 * 1024
		numeric = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		mult = 1024 * 1024
		numeric = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		mult = 1024
		numeric = strings.TrimSuffix(value, "KB")
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
