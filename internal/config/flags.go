package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// NewFlagSet binds every command line option to c. Values already in c act
// as the defaults, so flags only override what the user passes.
func (c *Config) NewFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&c.ShowHelp, "h", false, "Show the help message and exit.")
	fs.BoolVar(&c.ShowHelp, "help", false, "Show the help message and exit.")
	fs.BoolVar(&c.ShowVersion, "V", false, "Print the version number and exit.")
	fs.BoolVar(&c.ShowVersion, "version", false, "Print the version number and exit.")
	fs.String("config", c.ConfigFile, "YAML config file.")

	fs.StringVar(&c.Output, "o", c.Output, "Output filename template.")
	fs.StringVar(&c.Output, "output", c.Output, "Output filename template.")
	fs.StringVar(&c.Quality, "f", c.Quality, "Format to download.")
	fs.StringVar(&c.Quality, "format", c.Quality, "Format to download.")
	fs.StringVar(&c.Ext, "ext", c.Ext, "Container extension of the merged file.")
	fs.StringVar(&c.Downloader, "downloader", c.Downloader, "Fragment downloader: fetch, curl or aria2c.")
	fs.StringVar(&c.CurlPath, "curl-path", c.CurlPath, "curl program location.")
	fs.StringVar(&c.Aria2cPath, "aria2c-path", c.Aria2cPath, "aria2c program location.")
	fs.StringVar(&c.FFmpegPath, "ffmpeg-path", c.FFmpegPath, "ffmpeg program location.")
	fs.StringVar(&c.MergeMethod, "merge-method", c.MergeMethod, "Merge method: ffconcat or append.")
	fs.StringVar(&c.Unmute, "unmute", c.Unmute, "Unmute policy: same_format, quality, any or off.")
	fs.BoolVar(&c.KeepFragments, "k", c.KeepFragments, "Keep fragments after merging.")
	fs.BoolVar(&c.KeepFragments, "keep-fragments", c.KeepFragments, "Keep fragments after merging.")
	fs.StringVar(&c.LimitRate, "r", c.LimitRate, "Maximum download rate in bytes per second.")
	fs.StringVar(&c.LimitRate, "limit-rate", c.LimitRate, "Maximum download rate in bytes per second.")
	fs.StringVar(&c.RetryInterval, "retry-interval", c.RetryInterval, "Wait between playlist refreshes.")
	fs.StringVar(&c.DownloadSections, "download-sections", c.DownloadSections, "Only download *START-END.")
	fs.StringVar(&c.Cookies, "c", c.Cookies, "Netscape cookies file.")
	fs.StringVar(&c.Cookies, "cookies", c.Cookies, "Netscape cookies file.")
	fs.StringVar(&c.Proxy, "proxy", c.Proxy, "Proxy URL.")
	fs.BoolVar(&c.IPv4, "4", c.IPv4, "Force IPv4 connections.")
	fs.BoolVar(&c.IPv4, "ipv4", c.IPv4, "Force IPv4 connections.")
	fs.BoolVar(&c.IPv6, "6", c.IPv6, "Force IPv6 connections.")
	fs.BoolVar(&c.IPv6, "ipv6", c.IPv6, "Force IPv6 connections.")
	fs.BoolVar(&c.RestrictFilenames, "restrict-filenames", c.RestrictFilenames, "Keep file names to ASCII without spaces.")
	fs.BoolVar(&c.Newline, "newline", c.Newline, "Write progress to a new line instead of keeping it on one line.")

	fs.BoolVar(&c.ListFormats, "F", false, "List formats and exit.")
	fs.BoolVar(&c.ListFormats, "list-formats", false, "List formats and exit.")
	fs.BoolVar(&c.MergeFragments, "merge-fragments", false, "Merge the fragments of an interrupted download.")
	fs.BoolVar(&c.ShowStats, "show-stats", false, "Print statistics of a download log.")

	level := func(name string) func(string) error {
		return func(string) error {
			c.LogLevel = name
			return nil
		}
	}
	fs.BoolFunc("q", "Quiet mode.", level("quiet"))
	fs.BoolFunc("quiet", "Quiet mode.", level("quiet"))
	fs.BoolFunc("error", "Error logging output.", level("error"))
	fs.BoolFunc("warn", "Warning logging output.", level("warn"))
	fs.BoolFunc("v", "Verbose logging output.", level("info"))
	fs.BoolFunc("verbose", "Verbose logging output.", level("info"))
	fs.BoolFunc("debug", "Debug logging output.", level("debug"))
	fs.BoolFunc("trace", "Trace logging output.", level("trace"))

	return fs
}

func (c *Config) parseFlags(args []string) error {
	fs := c.NewFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.ShowHelp = true
			return nil
		}
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	switch fs.NArg() {
	case 0:
	case 1:
		c.URL = fs.Arg(0)
	case 2:
		c.URL = fs.Arg(0)
		c.Quality = fs.Arg(1)
	default:
		return fmt.Errorf("%w: too many arguments: %v", ErrConfig, fs.Args())
	}

	return nil
}
