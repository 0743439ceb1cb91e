package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/httpx"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/merge"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	fname := filepath.Join(t.TempDir(), "twitcharchive.yaml")
	require.NoError(t, os.WriteFile(fname, []byte(content), 0644))
	return fname
}

// isolate keeps the user's own config file out of the test.
func isolate(t *testing.T) {
	t.Setenv("TWITCHARCHIVE_CONFIG_FILE", "")
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	c, err := Load([]string{"https://www.twitch.tv/videos/123"})
	require.NoError(t, err)

	assert.Equal(t, "https://www.twitch.tv/videos/123", c.URL)
	assert.Equal(t, "best", c.Quality)
	assert.Equal(t, merge.MethodFFconcat, c.Method)
	assert.Equal(t, unmute.PolicyDefault, c.Policy)
	assert.Equal(t, frags.FullRange, c.Range)
	assert.Equal(t, DefaultRetryInterval, c.Retry)
	assert.Equal(t, httpx.NetworkBoth, c.Network)
	assert.Equal(t, logging.LevelWarning, c.Level)
	assert.Zero(t, c.RateLimit)
}

func TestLoadLayers(t *testing.T) {
	isolate(t)
	fname := writeConfig(t, `
downloader: curl
merge_method: append
limit_rate: 1M
unmute: any
`)
	t.Setenv("TWITCHARCHIVE_MERGE_METHOD", "ffconcat")
	t.Setenv("TWITCHARCHIVE_KEEP_FRAGMENTS", "true")

	c, err := Load([]string{"--config", fname, "--unmute", "off", "-v", "somestreamer", "720p60"})
	require.NoError(t, err)

	assert.Equal(t, fname, c.ConfigFile)
	assert.Equal(t, "curl", c.Downloader)
	assert.Equal(t, int64(1000000), c.RateLimit)
	// Environment beats the file, flags beat both.
	assert.Equal(t, merge.MethodFFconcat, c.Method)
	assert.True(t, c.KeepFragments)
	assert.Equal(t, unmute.PolicyOff, c.Policy)
	assert.Equal(t, logging.LevelInfo, c.Level)
	assert.Equal(t, "somestreamer", c.URL)
	assert.Equal(t, "720p60", c.Quality)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load([]string{"--config=" + filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadUnknownYAMLKey(t *testing.T) {
	isolate(t)
	fname := writeConfig(t, "not_an_option: 1\n")
	_, err := Load([]string{"--config", fname})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFinishRejects(t *testing.T) {
	tests := map[string]func(c *Config){
		"downloader":   func(c *Config) { c.Downloader = "wget" },
		"merge method": func(c *Config) { c.MergeMethod = "mkvmerge" },
		"unmute":       func(c *Config) { c.Unmute = "loudest" },
		"rate":         func(c *Config) { c.LimitRate = "fast" },
		"sections":     func(c *Config) { c.DownloadSections = "*10:00-05:00" },
		"proxy":        func(c *Config) { c.Proxy = "ftp://example.com" },
		"network":      func(c *Config) { c.IPv4, c.IPv6 = true, true },
		"log level":    func(c *Config) { c.LogLevel = "loud" },
	}

	for name, mutate := range tests {
		name, mutate := name, mutate
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.ErrorIs(t, c.Finish(), ErrConfig)
		})
	}
}

func TestParseSections(t *testing.T) {
	tests := []struct {
		in   string
		want frags.Range
	}{
		{"", frags.FullRange},
		{"*10:00-20:00", frags.Range{Start: 600, End: 1200}},
		{"*1:02:03-inf", frags.Range{Start: 3723, End: math.Inf(1)}},
		{"*90-1h", frags.Range{Start: 90, End: 3600}},
		{"-5m", frags.Range{Start: 0, End: 300}},
	}

	for _, tc := range tests {
		got, err := ParseSections(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseSections("*10:00")
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	d, err := ParseTimestamp("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParseTimestamp("2.5")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, d)
}

func TestRetryIntervalFloor(t *testing.T) {
	c := Default()
	c.RetryInterval = "1s"
	require.NoError(t, c.Finish())
	assert.Equal(t, MinRetryInterval, c.Retry)
}

func TestHelpSkipsValidation(t *testing.T) {
	isolate(t)
	c, err := Load([]string{"--downloader", "wget", "-h"})
	require.NoError(t, err)
	assert.True(t, c.ShowHelp)
}
