package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Kethsar/twitcharchive/internal/execx"
	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/httpx"
)

// Curl hands transfers to a curl process.
type Curl struct {
	Path   string
	Runner execx.Runner
}

func (c *Curl) Name() string {
	return NameCurl
}

func (c *Curl) prog() string {
	if len(c.Path) == 0 {
		return "curl"
	}
	return c.Path
}

func (c *Curl) Probe(ctx context.Context, urls []string) []ProbeResult {
	return probeAll(ctx, urls, c.check)
}

func (c *Curl) check(ctx context.Context, u string, gzipped bool) bool {
	args := []string{
		"-s",
		"-I",
		"-o", os.DevNull,
		"-w", "%{http_code}",
		"-A", httpx.UserAgent,
	}
	if gzipped {
		args = append(args, "-H", "Accept-Encoding: gzip")
	}
	args = append(args, u)

	out, retcode := c.Runner.Output(ctx, c.prog(), args)
	if retcode != 0 {
		return false
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return false
	}

	return code >= 200 && code < 300
}

func (c *Curl) Fetch(ctx context.Context, u, dest string, opts FetchOptions) (FragmentMetadata, error) {
	start := time.Now()
	tmp := dest + ".part"

	args := []string{
		"-sS",
		"--fail",
		"--retry", strconv.Itoa(FetchRetries),
		"--retry-delay", "1",
		"-A", httpx.UserAgent,
		"-o", tmp,
	}
	if opts.RateLimit > 0 {
		args = append(args, "--limit-rate", strconv.FormatInt(opts.RateLimit, 10))
	}
	if opts.Gzip {
		args = append(args, "--compressed")
	}
	args = append(args, u)

	retcode := c.Runner.Run(ctx, c.prog(), args)
	if retcode != 0 {
		fsutil.TryDelete(tmp)
		return FragmentMetadata{}, fmt.Errorf("curl exited with code %d for %s", retcode, u)
	}

	return finishTransfer(u, tmp, dest, start)
}

// finishTransfer moves a completed process download into place.
func finishTransfer(u, tmp, dest string, start time.Time) (FragmentMetadata, error) {
	size, ok := fsutil.Size(tmp)
	if !ok || size == 0 {
		fsutil.TryDelete(tmp)
		return FragmentMetadata{}, fmt.Errorf("%s: empty response", u)
	}

	if err := os.Rename(tmp, dest); err != nil {
		fsutil.TryDelete(tmp)
		return FragmentMetadata{}, err
	}

	return FragmentMetadata{Size: size, Duration: time.Since(start)}, nil
}
