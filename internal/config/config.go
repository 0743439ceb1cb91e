// Package config assembles the run configuration from built-in defaults, an
// optional YAML file, TWITCHARCHIVE_* environment variables and finally the
// command line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dannav/hhmmss"
	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/Kethsar/twitcharchive/internal/backend"
	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/httpx"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/merge"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

const (
	envVarPrefix = "TWITCHARCHIVE"
	appName      = "twitcharchive"

	DefaultOutput        = "%(title)s [%(id)s].%(ext)s"
	DefaultRetryInterval = 60 * time.Second
	MinRetryInterval     = 10 * time.Second
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	Output            string `envconfig:"TWITCHARCHIVE_OUTPUT"             yaml:"output"`
	Quality           string `envconfig:"TWITCHARCHIVE_QUALITY"            yaml:"quality"`
	Ext               string `envconfig:"TWITCHARCHIVE_EXT"                yaml:"ext"`
	Downloader        string `envconfig:"TWITCHARCHIVE_DOWNLOADER"         yaml:"downloader"`
	CurlPath          string `envconfig:"TWITCHARCHIVE_CURL_PATH"          yaml:"curl_path"`
	Aria2cPath        string `envconfig:"TWITCHARCHIVE_ARIA2C_PATH"        yaml:"aria2c_path"`
	FFmpegPath        string `envconfig:"TWITCHARCHIVE_FFMPEG_PATH"        yaml:"ffmpeg_path"`
	MergeMethod       string `envconfig:"TWITCHARCHIVE_MERGE_METHOD"       yaml:"merge_method"`
	Unmute            string `envconfig:"TWITCHARCHIVE_UNMUTE"             yaml:"unmute"`
	KeepFragments     bool   `envconfig:"TWITCHARCHIVE_KEEP_FRAGMENTS"     yaml:"keep_fragments"`
	LimitRate         string `envconfig:"TWITCHARCHIVE_LIMIT_RATE"         yaml:"limit_rate"`
	RetryInterval     string `envconfig:"TWITCHARCHIVE_RETRY_INTERVAL"     yaml:"retry_interval"`
	DownloadSections  string `envconfig:"TWITCHARCHIVE_DOWNLOAD_SECTIONS"  yaml:"download_sections"`
	Cookies           string `envconfig:"TWITCHARCHIVE_COOKIES"            yaml:"cookies"`
	Proxy             string `envconfig:"TWITCHARCHIVE_PROXY"              yaml:"proxy"`
	IPv4              bool   `envconfig:"TWITCHARCHIVE_IPV4"               yaml:"ipv4"`
	IPv6              bool   `envconfig:"TWITCHARCHIVE_IPV6"               yaml:"ipv6"`
	RestrictFilenames bool   `envconfig:"TWITCHARCHIVE_RESTRICT_FILENAMES" yaml:"restrict_filenames"`
	Newline           bool   `envconfig:"TWITCHARCHIVE_NEWLINE"            yaml:"newline"`
	LogLevel          string `envconfig:"TWITCHARCHIVE_LOG_LEVEL"          yaml:"log_level"`

	// Command line only.
	ConfigFile     string `ignored:"true" yaml:"-"`
	URL            string `ignored:"true" yaml:"-"`
	ListFormats    bool   `ignored:"true" yaml:"-"`
	MergeFragments bool   `ignored:"true" yaml:"-"`
	ShowStats      bool   `ignored:"true" yaml:"-"`
	ShowHelp       bool   `ignored:"true" yaml:"-"`
	ShowVersion    bool   `ignored:"true" yaml:"-"`

	// Filled in by Finish.
	Range     frags.Range   `ignored:"true" yaml:"-"`
	RateLimit int64         `ignored:"true" yaml:"-"`
	Retry     time.Duration `ignored:"true" yaml:"-"`
	ProxyURL  *url.URL      `ignored:"true" yaml:"-"`
	Network   string        `ignored:"true" yaml:"-"`
	Level     int           `ignored:"true" yaml:"-"`
	Method    merge.Method  `ignored:"true" yaml:"-"`
	Policy    unmute.Policy `ignored:"true" yaml:"-"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Output:        DefaultOutput,
		Quality:       "best",
		Ext:           "mp4",
		Downloader:    backend.NameFetch,
		CurlPath:      "curl",
		Aria2cPath:    "aria2c",
		FFmpegPath:    "ffmpeg",
		MergeMethod:   string(merge.MethodFFconcat),
		RetryInterval: DefaultRetryInterval.String(),
		LogLevel:      "warn",
	}
}

// DefaultConfigFile is used when neither --config nor
// TWITCHARCHIVE_CONFIG_FILE name one.
func DefaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName+".yaml")
}

// Load builds the configuration for args (without the program name).
func Load(args []string) (*Config, error) {
	c := Default()

	configFile, explicit := configFileFromArgs(args)
	if len(configFile) == 0 {
		configFile = os.Getenv(envVarPrefix + "_CONFIG_FILE")
		explicit = len(configFile) > 0
	}
	if len(configFile) == 0 {
		configFile = DefaultConfigFile()
	}

	if len(configFile) > 0 {
		if err := c.loadFile(configFile, explicit); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envVarPrefix, c); err != nil {
		return nil, fmt.Errorf("%w: parsing environment variables: %w", ErrConfig, err)
	}

	if err := c.parseFlags(args); err != nil {
		return nil, err
	}
	if c.ShowHelp || c.ShowVersion {
		return c, nil
	}

	if err := c.Finish(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(fname string, explicit bool) error {
	data, err := os.ReadFile(fname)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("%w: reading config file: %w", ErrConfig, err)
	}

	c.ConfigFile = fname
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parsing %s: %w", ErrConfig, fname, err)
	}

	return nil
}

func configFileFromArgs(args []string) (string, bool) {
	for i, a := range args {
		if a == "--" {
			break
		}
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val, true
		}
		if i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// Finish parses and checks the raw values. Every error wraps ErrConfig.
func (c *Config) Finish() error {
	var err error

	if c.Method, err = merge.ParseMethod(c.MergeMethod); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if c.Policy, err = unmute.ParsePolicy(c.Unmute); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !isBackend(c.Downloader) {
		return fmt.Errorf("%w: %w: %q", ErrConfig, backend.ErrUnknownBackend, c.Downloader)
	}

	if c.RateLimit, err = ParseRate(c.LimitRate); err != nil {
		return fmt.Errorf("%w: --limit-rate: %w", ErrConfig, err)
	}
	if c.Range, err = ParseSections(c.DownloadSections); err != nil {
		return fmt.Errorf("%w: --download-sections: %w", ErrConfig, err)
	}

	c.Retry = DefaultRetryInterval
	if len(c.RetryInterval) > 0 {
		if c.Retry, err = ParseTimestamp(c.RetryInterval); err != nil {
			return fmt.Errorf("%w: --retry-interval: %w", ErrConfig, err)
		}
	}
	if c.Retry < MinRetryInterval {
		logging.Warn("Retry interval %s is too short, using %s", c.Retry, MinRetryInterval)
		c.Retry = MinRetryInterval
	}

	if len(c.Proxy) > 0 {
		u, err := url.Parse(c.Proxy)
		if err != nil {
			return fmt.Errorf("%w: invalid proxy URL given with --proxy", ErrConfig)
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5" {
			return fmt.Errorf("%w: the proxy URL scheme must be http, https, or socks5", ErrConfig)
		}
		c.ProxyURL = u
	}

	switch {
	case c.IPv4 && c.IPv6:
		return fmt.Errorf("%w: --ipv4 and --ipv6 are mutually exclusive", ErrConfig)
	case c.IPv4:
		c.Network = httpx.NetworkIPv4
	case c.IPv6:
		c.Network = httpx.NetworkIPv6
	default:
		c.Network = httpx.NetworkBoth
	}

	if c.Level, err = ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if len(c.Ext) == 0 {
		c.Ext = "mp4"
	}
	c.Ext = strings.TrimPrefix(c.Ext, ".")

	return nil
}

func isBackend(name string) bool {
	for _, n := range backend.Names {
		if n == name {
			return true
		}
	}
	return false
}

// ParseRate reads a byte rate such as "500K" or "2.5MiB". Empty is unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s == "0" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("rate %q is too large", s)
	}
	return int64(n), nil
}

// ParseTimestamp accepts HH:MM:SS (or MM:SS), a duration such as "1h2m3s"
// or "1d", or plain seconds.
func ParseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if strings.Contains(s, ":") {
		if strings.Count(s, ":") == 1 {
			s = "00:" + s
		}
		return hhmmss.Parse(s)
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	return str2duration.ParseDuration(s)
}

// ParseSections reads "*START-END" into a Range in seconds. An empty string,
// or an END of "inf", leaves that side open.
func ParseSections(s string) (frags.Range, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "*")
	if len(s) == 0 {
		return frags.FullRange, nil
	}

	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return frags.Range{}, fmt.Errorf("expected *START-END, got %q", s)
	}

	r := frags.FullRange
	if start = strings.TrimSpace(start); len(start) > 0 {
		d, err := ParseTimestamp(start)
		if err != nil {
			return frags.Range{}, err
		}
		r.Start = d.Seconds()
	}

	if end = strings.TrimSpace(end); len(end) > 0 && !strings.EqualFold(end, "inf") {
		d, err := ParseTimestamp(end)
		if err != nil {
			return frags.Range{}, err
		}
		r.End = d.Seconds()
	}

	if r.End <= r.Start {
		return frags.Range{}, fmt.Errorf("section end must come after its start")
	}
	return r, nil
}

var levels = map[string]int{
	"quiet": logging.LevelQuiet,
	"error": logging.LevelError,
	"warn":  logging.LevelWarning,
	"info":  logging.LevelInfo,
	"debug": logging.LevelDebug,
	"trace": logging.LevelTrace,
}

func ParseLevel(s string) (int, error) {
	if len(s) == 0 {
		return logging.LevelWarning, nil
	}

	l, ok := levels[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
