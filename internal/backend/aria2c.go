package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Kethsar/twitcharchive/internal/execx"
	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/httpx"
)

// Aria2c hands transfers to an aria2c process.
type Aria2c struct {
	Path   string
	Runner execx.Runner
}

func (a *Aria2c) Name() string {
	return NameAria2c
}

func (a *Aria2c) prog() string {
	if len(a.Path) == 0 {
		return "aria2c"
	}
	return a.Path
}

func (a *Aria2c) Probe(ctx context.Context, urls []string) []ProbeResult {
	return probeAll(ctx, urls, a.check)
}

func (a *Aria2c) check(ctx context.Context, u string, gzipped bool) bool {
	args := []string{
		"--dry-run=true",
		"--max-tries=1",
		"--quiet=true",
		"--user-agent=" + httpx.UserAgent,
	}
	if gzipped {
		args = append(args, "--header=Accept-Encoding: gzip")
	}
	args = append(args, u)

	_, retcode := a.Runner.Output(ctx, a.prog(), args)
	return retcode == 0
}

func (a *Aria2c) Fetch(ctx context.Context, u, dest string, opts FetchOptions) (FragmentMetadata, error) {
	start := time.Now()
	tmp := dest + ".part"

	args := []string{
		"--max-tries=" + strconv.Itoa(FetchRetries),
		"--retry-wait=1",
		"--allow-overwrite=true",
		"--auto-file-renaming=false",
		"--console-log-level=warn",
		"--summary-interval=0",
		"--download-result=hide",
		"--user-agent=" + httpx.UserAgent,
		"-d", filepath.Dir(tmp),
		"-o", filepath.Base(tmp),
	}
	if opts.RateLimit > 0 {
		args = append(args, "--max-download-limit="+strconv.FormatInt(opts.RateLimit, 10))
	}
	if opts.Gzip {
		args = append(args, "--http-accept-gzip=true")
	}
	args = append(args, u)

	retcode := a.Runner.Run(ctx, a.prog(), args)
	if retcode != 0 {
		fsutil.TryDelete(tmp)
		fsutil.TryDelete(tmp + ".aria2")
		return FragmentMetadata{}, fmt.Errorf("aria2c exited with code %d for %s", retcode, u)
	}

	return finishTransfer(u, tmp, dest, start)
}
