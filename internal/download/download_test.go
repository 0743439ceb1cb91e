package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Kethsar/twitcharchive/internal/backend"
	"github.com/Kethsar/twitcharchive/internal/eventlog"
	"github.com/Kethsar/twitcharchive/internal/finalize"
	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/merge"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

func TestMain(m *testing.M) {
	logging.SetLevel(logging.LevelQuiet)
	goleak.VerifyTestMain(m)
}

const (
	base        = "https://cdn.example/abc_login_1_2/"
	chunkedList = base + "chunked/index-dvr.m3u8"
)

var formats = []unmute.Format{
	{ID: "chunked", URL: chunkedList},
	{ID: "720p60", URL: base + "720p60/index-dvr.m3u8"},
}

func playlist(names ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	for _, n := range names {
		b.WriteString("#EXTINF:10.000,\n")
		b.WriteString(n + "\n")
	}
	return b.String()
}

// fakeBackend writes the fetched URL as the file content.
type fakeBackend struct {
	mu      sync.Mutex
	plain   map[string]bool
	gzip    map[string]bool
	failing map[string]bool
	fetched []backend.FetchOptions
	urls    []string
	probes  int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Probe(_ context.Context, urls []string) []backend.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++

	out := make([]backend.ProbeResult, len(urls))
	for i, u := range urls {
		out[i] = backend.ProbeResult{URL: u, OK: f.plain[u], GzipOK: f.plain[u] || f.gzip[u]}
	}
	return out
}

func (f *fakeBackend) Fetch(_ context.Context, u, dest string, opts backend.FetchOptions) (backend.FragmentMetadata, error) {
	f.mu.Lock()
	f.urls = append(f.urls, u)
	f.fetched = append(f.fetched, opts)
	fail := f.failing[u]
	f.mu.Unlock()

	if fail {
		return backend.FragmentMetadata{}, errors.New("404 Not Found")
	}
	if err := os.WriteFile(dest, []byte(u), 0644); err != nil {
		return backend.FragmentMetadata{}, err
	}
	return backend.FragmentMetadata{Size: int64(len(u)), Duration: time.Millisecond}, nil
}

func (f *fakeBackend) fetchedURL(u string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, got := range f.urls {
		if got == u {
			return true
		}
	}
	return false
}

// statuses replays a fixed sequence, repeating the last entry.
type statuses []finalize.Status

func (s *statuses) Poll(context.Context) finalize.Status {
	st := (*s)[0]
	if len(*s) > 1 {
		*s = (*s)[1:]
	}
	return st
}

func fixedPlaylist(text string) PlaylistFetcher {
	return func(context.Context, string) (string, error) {
		return text, nil
	}
}

type harness struct {
	output string
	log    *eventlog.Log
	b      *fakeBackend
	sleeps int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	output := filepath.Join(t.TempDir(), "video.ts")
	log, err := eventlog.Open(frags.LogPath(output))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return &harness{
		output: output,
		log:    log,
		b:      &fakeBackend{plain: map[string]bool{}, gzip: map[string]bool{}, failing: map[string]bool{}},
	}
}

func (h *harness) session(opts Options, checker finalize.Checker, fetch PlaylistFetcher) *Session {
	opts.Output = h.output
	if opts.PlaylistURL == "" {
		opts.PlaylistURL = chunkedList
	}
	if opts.Range == (frags.Range{}) {
		opts.Range = frags.FullRange
	}
	if opts.Formats == nil {
		opts.Formats = formats
	}

	s := NewSession(opts, h.b, h.log, checker, fetch)
	s.sleep = func(context.Context, time.Duration) error {
		h.sleeps++
		return nil
	}
	return s
}

func (h *harness) state(t *testing.T) eventlog.State {
	t.Helper()
	events, err := eventlog.ReadFile(frags.LogPath(h.output))
	require.NoError(t, err)
	return eventlog.Replay(events)
}

func TestRunFinishedVideo(t *testing.T) {
	h := newHarness(t)
	h.b.gzip[base+"chunked/1.ts"] = true

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0.ts", "1-muted.ts", "2.ts")))
	require.NoError(t, s.Run(context.Background()))

	for i := 0; i < 3; i++ {
		assert.FileExists(t, frags.Path(h.output, i))
	}
	assert.FileExists(t, frags.PlaylistPath(h.output))
	assert.True(t, h.b.fetchedURL(base+"chunked/1.ts"))
	assert.False(t, h.b.fetchedURL(base+"chunked/1-muted.ts"))
	assert.Len(t, s.Downloaded(), 3)

	state := h.state(t)
	assert.Equal(t, "FINALIZED", state.Status)
	assert.Equal(t, 0, state.First)
	assert.Equal(t, 2, state.Last)

	f := state.Frags[1]
	assert.True(t, f.Muted)
	assert.Equal(t, eventlog.Succeeded, f.Unmute)
	assert.True(t, f.SameFormat)
	assert.Equal(t, eventlog.Succeeded, f.Download)
	assert.Equal(t, 3, state.Stats().Downloaded)
}

func TestRunResumeSkipsExistingFragments(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(frags.Path(h.output, 0), []byte("old"), 0644))

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0.ts", "1.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.False(t, h.b.fetchedURL(base+"chunked/0.ts"))
	assert.True(t, h.b.fetchedURL(base+"chunked/1.ts"))
	assert.Equal(t, int64(3), s.Downloaded()[0].Size)

	data, err := os.ReadFile(frags.Path(h.output, 0))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestRunFetchesUnmutedSiblingFromOtherTrack(t *testing.T) {
	h := newHarness(t)
	sibling := base + "720p60/1.ts"
	h.b.plain[sibling] = true

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0.ts", "1-muted.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.True(t, h.b.fetchedURL(base+"chunked/1-muted.ts"))
	assert.True(t, h.b.fetchedURL(sibling))

	data, err := os.ReadFile(frags.UnmutedPath(h.output, 1))
	require.NoError(t, err)
	assert.Equal(t, sibling, string(data))

	f := h.state(t).Frags[1]
	assert.False(t, f.SameFormat)
	assert.Equal(t, eventlog.Succeeded, f.Download)
	assert.Equal(t, eventlog.Succeeded, f.DownloadUnmuted)
}

func TestRunSkipsUnmuteForOldVideos(t *testing.T) {
	h := newHarness(t)
	h.b.plain[base+"chunked/0.ts"] = true

	opts := Options{VideoCreatedAt: time.Now().Add(-30 * 24 * time.Hour)}
	s := h.session(opts, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0-muted.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, h.b.probes)
	assert.True(t, h.b.fetchedURL(base+"chunked/0-muted.ts"))
	assert.True(t, h.state(t).Frags[0].Muted)
}

func TestRunPolicyOff(t *testing.T) {
	h := newHarness(t)

	s := h.session(Options{Policy: unmute.PolicyOff}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0-muted.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.Zero(t, h.b.probes)
	assert.Equal(t, eventlog.Unknown, h.state(t).Frags[0].Unmute)
}

func TestRunNormalizesLegacyUnmutedNames(t *testing.T) {
	h := newHarness(t)

	s := h.session(Options{Policy: unmute.PolicyOff}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0-unmuted.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.True(t, h.b.fetchedURL(base+"chunked/0-muted.ts"))
}

func TestRunRecordsFailedFragments(t *testing.T) {
	h := newHarness(t)
	h.b.failing[base+"chunked/1.ts"] = true

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0.ts", "1.ts", "2.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.NoFileExists(t, frags.Path(h.output, 1))
	assert.FileExists(t, frags.Path(h.output, 2))

	stats := h.state(t).Stats()
	assert.Equal(t, 2, stats.Downloaded)
	assert.Equal(t, 1, stats.Failed)
}

func TestRunFollowsGrowingPlaylist(t *testing.T) {
	h := newHarness(t)
	texts := []string{
		playlist("0.ts", "1.ts"),
		playlist("0.ts", "1.ts"),
		playlist("0.ts", "1.ts", "2.ts"),
	}
	var calls int
	fetch := func(context.Context, string) (string, error) {
		text := texts[calls]
		calls++
		return text, nil
	}

	checker := statuses{finalize.Online, finalize.Online, finalize.Finalized}
	s := h.session(Options{Live: true}, &checker, fetch)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, h.sleeps)
	assert.FileExists(t, frags.Path(h.output, 2))
}

func TestRunStopsAtRangeEnd(t *testing.T) {
	h := newHarness(t)
	checker := statuses{finalize.Online}

	s := h.session(Options{Range: frags.Range{Start: 0, End: 15}, Live: true}, &checker, fixedPlaylist(playlist("0.ts", "1.ts", "2.ts", "3.ts")))
	require.NoError(t, s.Run(context.Background()))

	assert.FileExists(t, frags.Path(h.output, 0))
	assert.FileExists(t, frags.Path(h.output, 2))
	assert.NoFileExists(t, frags.Path(h.output, 3))
	assert.Zero(t, h.sleeps)
}

func TestRunRetriesUnavailablePlaylist(t *testing.T) {
	h := newHarness(t)
	var calls int
	fetch := func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("403 Forbidden")
		}
		return playlist("0.ts"), nil
	}

	checker := statuses{finalize.Online, finalize.Finalized}
	s := h.session(Options{}, &checker, fetch)
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 1, h.sleeps)
	assert.Equal(t, 1, h.state(t).PlaylistFailures)
}

func TestRunUnavailableAfterFinalized(t *testing.T) {
	h := newHarness(t)
	fetch := func(context.Context, string) (string, error) {
		return "", errors.New("403 Forbidden")
	}

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fetch)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrPlaylistUnavailable)
}

func TestRunSwitchesToUnmutedPlaylistName(t *testing.T) {
	h := newHarness(t)
	muted := base + "chunked/highlight-123-muted-AB12CD.m3u8"
	var asked []string
	fetch := func(_ context.Context, u string) (string, error) {
		asked = append(asked, u)
		if u == muted {
			return "", errors.New("403 Forbidden")
		}
		return playlist("0.ts"), nil
	}

	s := h.session(Options{PlaylistURL: muted}, finalize.Static(finalize.Finalized), fetch)
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, asked, 2)
	assert.Equal(t, base+"chunked/highlight-123.m3u8", asked[1])
	assert.FileExists(t, frags.Path(h.output, 0))
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := h.session(Options{}, finalize.Static(finalize.Finalized), fixedPlaylist(playlist("0.ts")))
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

// fakeFFmpeg writes its last argument, the output file.
type fakeFFmpeg struct {
	failReplace bool
	calls       [][]string
}

func (f *fakeFFmpeg) Run(_ context.Context, _ string, args []string) int {
	f.calls = append(f.calls, args)
	out := args[len(args)-1]
	if f.failReplace && strings.HasSuffix(out, ".replaced") {
		return 1
	}
	if err := os.WriteFile(out, []byte(fmt.Sprintf("ffmpeg %d", len(f.calls))), 0644); err != nil {
		return 1
	}
	return 0
}

func (f *fakeFFmpeg) Output(context.Context, string, []string) ([]byte, int) {
	return nil, 0
}

func prepareMerge(t *testing.T, keep bool) string {
	t.Helper()
	output := filepath.Join(t.TempDir(), "video.ts")

	log, err := eventlog.Open(frags.LogPath(output))
	require.NoError(t, err)
	require.NoError(t, log.Append(eventlog.Event{Kind: eventlog.KindInit, Init: &eventlog.Init{
		PlaylistURL: chunkedList,
		Output:      output,
		Start:       0,
		MergeMethod: string(merge.MethodFFconcat),
		KeepFrags:   keep,
	}}))
	require.NoError(t, log.Close())

	require.NoError(t, os.WriteFile(frags.PlaylistPath(output), []byte(playlist("0.ts", "1-muted.ts", "2.ts")), 0644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(frags.Path(output, i), []byte("frag"), 0644))
	}
	require.NoError(t, os.WriteFile(frags.UnmutedPath(output, 1), []byte("unmuted"), 0644))

	return output
}

func TestMergeFragmentsReplacesAudio(t *testing.T) {
	output := prepareMerge(t, true)
	ff := &fakeFFmpeg{}

	require.NoError(t, MergeFragments(context.Background(), ff, MergeOptions{Output: output}))

	require.Len(t, ff.calls, 2)
	assert.Contains(t, ff.calls[0], frags.UnmutedPath(output, 1))
	assert.Contains(t, ff.calls[1], "concat")
	assert.FileExists(t, output)

	data, err := os.ReadFile(frags.Path(output, 1))
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg 1", string(data))

	events, err := eventlog.ReadFile(frags.LogPath(output))
	require.NoError(t, err)
	state := eventlog.Replay(events)
	assert.Equal(t, eventlog.Succeeded, state.Frags[1].ReplaceAudio)
	assert.Equal(t, eventlog.Succeeded, state.Merge)
}

func TestMergeFragmentsCleansUp(t *testing.T) {
	output := prepareMerge(t, false)

	require.NoError(t, MergeFragments(context.Background(), &fakeFFmpeg{}, MergeOptions{Output: output}))

	assert.FileExists(t, output)
	assert.NoFileExists(t, frags.Path(output, 0))
	assert.NoFileExists(t, frags.UnmutedPath(output, 1))
	assert.NoFileExists(t, frags.PlaylistPath(output))
	assert.NoFileExists(t, frags.LogPath(output))
}

func TestMergeFragmentsKeepsMutedFragmentOnReplaceFailure(t *testing.T) {
	output := prepareMerge(t, true)
	ff := &fakeFFmpeg{failReplace: true}

	require.NoError(t, MergeFragments(context.Background(), ff, MergeOptions{Output: output}))

	data, err := os.ReadFile(frags.Path(output, 1))
	require.NoError(t, err)
	assert.Equal(t, "frag", string(data))
	assert.FileExists(t, frags.UnmutedPath(output, 1))

	stats, err := Stats(output)
	require.NoError(t, err)
	assert.Zero(t, stats.AudioReplaced)
}

func TestMergeFragmentsWithoutLog(t *testing.T) {
	output := filepath.Join(t.TempDir(), "video.ts")
	err := MergeFragments(context.Background(), &fakeFFmpeg{}, MergeOptions{Output: output})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMergeFragmentsWithoutInit(t *testing.T) {
	output := filepath.Join(t.TempDir(), "video.ts")
	require.NoError(t, os.WriteFile(frags.LogPath(output), []byte(`{"kind":"merge-failure"}`+"\n"), 0644))

	err := MergeFragments(context.Background(), &fakeFFmpeg{}, MergeOptions{Output: output})
	assert.ErrorIs(t, err, eventlog.ErrNoInit)
}
