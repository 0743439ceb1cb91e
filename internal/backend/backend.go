// Package backend fetches fragments and probes URLs. Each supported transfer
// tool is one implementation of Backend, picked once at startup.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kethsar/twitcharchive/internal/execx"
)

const (
	NameFetch  = "fetch"
	NameCurl   = "curl"
	NameAria2c = "aria2c"

	// Attempts made by every backend before a fragment is abandoned.
	FetchRetries = 5

	maxProbeJobs = 8
)

var ErrUnknownBackend = errors.New("unknown downloader")

// Names lists the accepted downloader names.
var Names = []string{NameFetch, NameCurl, NameAria2c}

// ProbeResult says whether URL answered without and with gzip negotiation.
type ProbeResult struct {
	URL    string
	OK     bool
	GzipOK bool
}

func (r ProbeResult) Reachable() bool {
	return r.OK || r.GzipOK
}

type FetchOptions struct {
	// Bytes per second, 0 for unlimited.
	RateLimit int64
	// Send Accept-Encoding: gzip; some unmuted fragments only answer to it.
	Gzip bool
}

// FragmentMetadata describes one finished transfer.
type FragmentMetadata struct {
	Size     int64
	Duration time.Duration
}

type Backend interface {
	Name() string
	// Probe checks every URL concurrently. Results are in input order.
	Probe(ctx context.Context, urls []string) []ProbeResult
	// Fetch downloads url to dest, retrying a bounded number of times. dest
	// only ever appears on disk complete.
	Fetch(ctx context.Context, url, dest string, opts FetchOptions) (FragmentMetadata, error)
}

// Tools locates the external programs used by the process backends.
type Tools struct {
	Curl   string
	Aria2c string
}

// New returns the backend registered under name.
func New(name string, client *http.Client, runner execx.Runner, tools Tools) (Backend, error) {
	switch name {
	case NameFetch, "":
		return NewNative(client), nil
	case NameCurl:
		return &Curl{Path: tools.Curl, Runner: runner}, nil
	case NameAria2c:
		return &Aria2c{Path: tools.Aria2c, Runner: runner}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
}

// probeAll runs check for every URL, plain and gzip, a few at a time.
func probeAll(ctx context.Context, urls []string, check func(ctx context.Context, url string, gzip bool) bool) []ProbeResult {
	results := make([]ProbeResult, len(urls))
	var g errgroup.Group
	g.SetLimit(maxProbeJobs)

	for i, u := range urls {
		i, u := i, u
		results[i].URL = u
		g.Go(func() error {
			results[i].OK = check(ctx, u, false)
			return nil
		})
		g.Go(func() error {
			results[i].GzipOK = check(ctx, u, true)
			return nil
		})
	}

	g.Wait()
	return results
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
