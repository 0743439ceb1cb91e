package backend

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/httpx"
	"github.com/Kethsar/twitcharchive/internal/logging"
)

const (
	readChunkSize = 32 * 1024
)

// Native downloads with net/http.
type Native struct {
	client     *http.Client
	retryDelay time.Duration
}

func NewNative(client *http.Client) *Native {
	return &Native{
		client:     client,
		retryDelay: time.Second,
	}
}

func (n *Native) Name() string {
	return NameFetch
}

func newRequest(ctx context.Context, method, u string, gzipped bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", httpx.UserAgent)
	// Setting the header ourselves also stops net/http from negotiating
	// gzip behind our back.
	if gzipped {
		req.Header.Set("Accept-Encoding", "gzip")
	} else {
		req.Header.Set("Accept-Encoding", "identity")
	}

	return req, nil
}

func (n *Native) Probe(ctx context.Context, urls []string) []ProbeResult {
	return probeAll(ctx, urls, n.check)
}

func (n *Native) check(ctx context.Context, u string, gzipped bool) bool {
	req, err := newRequest(ctx, http.MethodHead, u, gzipped)
	if err != nil {
		return false
	}

	resp, err := n.client.Do(req)
	if err != nil {
		logging.Trace("Probe %s (gzip: %t) failed: %s", u, gzipped, err)
		return false
	}
	resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (n *Native) Fetch(ctx context.Context, u, dest string, opts FetchOptions) (FragmentMetadata, error) {
	var err error

	for tries := 1; tries <= FetchRetries; tries++ {
		var meta FragmentMetadata
		meta, err = n.fetchOnce(ctx, u, dest, opts)
		if err == nil {
			return meta, nil
		}
		if ctx.Err() != nil {
			return FragmentMetadata{}, ctx.Err()
		}

		logging.Debug("Fetching %s failed (%d/%d): %s", u, tries, FetchRetries, err)
		if tries < FetchRetries {
			if err := sleepCtx(ctx, n.retryDelay); err != nil {
				return FragmentMetadata{}, err
			}
		}
	}

	return FragmentMetadata{}, err
}

func (n *Native) fetchOnce(ctx context.Context, u, dest string, opts FetchOptions) (FragmentMetadata, error) {
	start := time.Now()

	req, err := newRequest(ctx, http.MethodGet, u, opts.Gzip)
	if err != nil {
		return FragmentMetadata{}, err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return FragmentMetadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FragmentMetadata{}, &httpx.StatusError{URL: u, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return FragmentMetadata{}, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	if opts.RateLimit > 0 {
		body = newPacedReader(ctx, body, opts.RateLimit)
	}

	pending, err := fsutil.NewPendingFile(dest)
	if err != nil {
		return FragmentMetadata{}, err
	}
	defer pending.Cleanup()

	size, err := io.Copy(pending, body)
	if err != nil {
		return FragmentMetadata{}, err
	}
	if size == 0 {
		return FragmentMetadata{}, fmt.Errorf("%s: empty response", u)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return FragmentMetadata{}, err
	}

	return FragmentMetadata{Size: size, Duration: time.Since(start)}, nil
}

// pacedReader holds back each chunk until the running transfer average
// meets the target rate.
type pacedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func newPacedReader(ctx context.Context, r io.Reader, bytesPerSec int64) *pacedReader {
	burst := readChunkSize
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}

	return &pacedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (p *pacedReader) Read(b []byte) (int, error) {
	if len(b) > p.limiter.Burst() {
		b = b[:p.limiter.Burst()]
	}

	n, err := p.r.Read(b)
	if n > 0 {
		if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
