// Package download drives one archiving session: it keeps refreshing the
// playlist until the video is finalized, fetching and repairing fragments
// as they appear, and later merges what was fetched.
package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Kethsar/twitcharchive/internal/backend"
	"github.com/Kethsar/twitcharchive/internal/eventlog"
	"github.com/Kethsar/twitcharchive/internal/finalize"
	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/twitch"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

const (
	DefaultRetryInterval = 60 * time.Second

	// Muted fragments of videos older than this are not worth searching.
	UnmuteMaxAge = 7 * 24 * time.Hour
)

var ErrPlaylistUnavailable = errors.New("playlist is unavailable; if the video is private or subscriber-only, pass your cookies with --cookies")

// PlaylistFetcher returns the text of the media playlist at url.
type PlaylistFetcher func(ctx context.Context, url string) (string, error)

type Options struct {
	Output      string
	PlaylistURL string
	Formats     []unmute.Format
	Range       frags.Range
	Policy      unmute.Policy
	RateLimit   int64

	// Wait between refreshes of a playlist that did not grow.
	RetryInterval time.Duration

	// Zero when unknown, which counts as recent.
	VideoCreatedAt time.Time

	// Live enables the trailing fragment duration heuristic.
	Live bool

	// Print progress on new lines instead of rewriting one line.
	Newline bool
}

type Session struct {
	opts     Options
	backend  backend.Backend
	log      *eventlog.Log
	checker  finalize.Checker
	fetchTxt PlaylistFetcher

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	playlistURL string
	seen        int
	downloaded  map[int]backend.FragmentMetadata
	totalBytes  int64
	planned     int
}

func NewSession(opts Options, b backend.Backend, log *eventlog.Log, checker finalize.Checker, fetch PlaylistFetcher) *Session {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	return &Session{
		opts:        opts,
		backend:     b,
		log:         log,
		checker:     checker,
		fetchTxt:    fetch,
		sleep:       sleepCtx,
		now:         time.Now,
		playlistURL: opts.PlaylistURL,
		downloaded:  make(map[int]backend.FragmentMetadata),
	}
}

// Downloaded reports every fragment known to be on disk, by index. Fragments
// found from an earlier run carry only their size.
func (s *Session) Downloaded() map[int]backend.FragmentMetadata {
	out := make(map[int]backend.FragmentMetadata, len(s.downloaded))
	for k, v := range s.downloaded {
		out[k] = v
	}
	return out
}

// Run loops until the video is finalized and every planned fragment had a
// download attempt. Only configuration errors, an unavailable playlist after
// finalization and cancellation end it early.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		text, status, err := s.refresh(ctx)
		if err == nil {
			var plan *frags.Plan
			plan, err = s.replan(text)
			if err == nil {
				done, err := s.process(ctx, plan, status)
				if err != nil || done {
					return err
				}
				continue
			}
		}

		if status == finalize.Finalized {
			return fmt.Errorf("%w: %w", ErrPlaylistUnavailable, err)
		}

		logging.Warn("Could not get the playlist, retrying in %s: %s", s.opts.RetryInterval, err)
		if err := s.sleep(ctx, s.opts.RetryInterval); err != nil {
			return err
		}
	}
}

// refresh fetches the playlist and polls the finalization status together.
func (s *Session) refresh(ctx context.Context) (string, finalize.Status, error) {
	var (
		text     string
		fetchErr error
		status   finalize.Status
		g        errgroup.Group
	)

	g.Go(func() error {
		text, fetchErr = s.fetchPlaylist(ctx)
		return nil
	})
	g.Go(func() error {
		status = s.checker.Poll(ctx)
		return nil
	})
	g.Wait()

	s.log.Record(eventlog.Event{Kind: eventlog.KindFinalizationStatus, Status: status.String()})
	return text, status, fetchErr
}

func (s *Session) fetchPlaylist(ctx context.Context) (string, error) {
	text, err := s.fetchTxt(ctx, s.playlistURL)
	if err == nil {
		s.log.Record(eventlog.Event{Kind: eventlog.KindFetchPlaylistSuccess, URL: s.playlistURL})
		return text, nil
	}
	s.log.Record(eventlog.Event{Kind: eventlog.KindFetchPlaylistFailure, URL: s.playlistURL, Error: err.Error()})

	alt := twitch.StripMutedPlaylist(s.playlistURL)
	if alt == s.playlistURL {
		return "", err
	}

	text, altErr := s.fetchTxt(ctx, alt)
	if altErr != nil {
		s.log.Record(eventlog.Event{Kind: eventlog.KindFetchPlaylistFailure, URL: alt, Error: altErr.Error()})
		return "", err
	}

	logging.Info("Switching to playlist %s", alt)
	s.playlistURL = alt
	s.log.Record(eventlog.Event{Kind: eventlog.KindFetchPlaylistSuccess, URL: alt})
	return text, nil
}

func (s *Session) replan(text string) (*frags.Plan, error) {
	if err := fsutil.WriteFile(frags.PlaylistPath(s.opts.Output), []byte(text)); err != nil {
		logging.Warn("Failed to save the playlist: %s", err)
	}

	return frags.Build(s.playlistURL, text, s.opts.Range)
}

// process downloads what plan adds and reports whether the session is over.
func (s *Session) process(ctx context.Context, plan *frags.Plan, status finalize.Status) (bool, error) {
	if s.opts.Live {
		status = finalize.Combine(status, finalize.EndedByDurations(frags.Durations(plan.All)))
	}
	if s.pastRangeEnd(plan) {
		status = finalize.Finalized
	}

	grew := len(plan.All) - s.seen
	s.seen = len(plan.All)

	if grew <= 0 && status != finalize.Finalized {
		logging.Debug("No new fragments, status %s; waiting %s", status, s.opts.RetryInterval)
		return false, s.sleep(ctx, s.opts.RetryInterval)
	}

	if len(plan.Selected) > 0 {
		s.log.Record(eventlog.Event{
			Kind:  eventlog.KindFragsBounds,
			First: plan.Selected[0].Idx,
			Last:  plan.Selected[len(plan.Selected)-1].Idx,
		})
	}
	s.planned = len(plan.Selected)

	if len(plan.InitURL) > 0 {
		s.fetchInit(ctx, plan.InitURL)
	}

	for _, f := range plan.Selected {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if err := s.handleFrag(ctx, f); err != nil {
			return true, err
		}
	}

	if status == finalize.Finalized {
		if !s.opts.Newline && logging.Enabled(logging.LevelError) {
			fmt.Fprintln(os.Stderr)
		}
		logging.Info("Video is finalized, %d of %d fragments on disk", len(s.downloaded), s.planned)
		return true, nil
	}

	return false, nil
}

// pastRangeEnd is true once the playlist reaches beyond a bounded range.
func (s *Session) pastRangeEnd(plan *frags.Plan) bool {
	if math.IsInf(s.opts.Range.End, 1) || len(plan.All) == 0 {
		return false
	}
	return plan.All[len(plan.All)-1].Offset >= s.opts.Range.End
}

func (s *Session) fetchInit(ctx context.Context, u string) {
	dest := frags.InitPath(s.opts.Output)
	if fsutil.Exists(dest) {
		return
	}

	if _, err := s.backend.Fetch(ctx, u, dest, backend.FetchOptions{RateLimit: s.opts.RateLimit}); err != nil {
		logging.Warn("Failed to download the init section: %s", err)
		fsutil.TryDelete(dest)
	}
}

func (s *Session) tooOldToUnmute() bool {
	if s.opts.VideoCreatedAt.IsZero() {
		return false
	}
	return s.now().Sub(s.opts.VideoCreatedAt) > UnmuteMaxAge
}

func (s *Session) handleFrag(ctx context.Context, f frags.Frag) error {
	dest := frags.Path(s.opts.Output, f.Idx)
	if size, ok := fsutil.Size(dest); ok {
		if _, known := s.downloaded[f.Idx]; !known {
			s.downloaded[f.Idx] = backend.FragmentMetadata{Size: size}
			s.totalBytes += size
		}
		return nil
	}

	u := f.URL
	if unmute.IsLegacyUnmuted(u) {
		u = unmute.Muted(u)
	}
	opts := backend.FetchOptions{RateLimit: s.opts.RateLimit}

	var sibling *unmute.Result
	if unmute.IsMuted(u) {
		ev := eventlog.Frag(eventlog.KindFragMuted, f.Idx)
		ev.URL = u
		s.log.Record(ev)

		if s.opts.Policy != unmute.PolicyOff && !s.tooOldToUnmute() {
			res, err := unmute.Resolve(ctx, s.backend, s.opts.Policy, u, s.opts.Formats)
			if err != nil {
				return err
			}

			if res == nil {
				s.log.Record(eventlog.Frag(eventlog.KindFragUnmuteFailure, f.Idx))
			} else {
				ev := eventlog.Frag(eventlog.KindFragUnmuteSuccess, f.Idx)
				ev.URL, ev.SameFormat, ev.Gzip = res.URL, res.SameFormat, res.Gzip
				s.log.Record(ev)

				if res.SameFormat {
					u = res.URL
					opts.Gzip = res.Gzip
				} else {
					sibling = res
				}
			}
		}
	}

	if sibling == nil {
		s.fetchFrag(ctx, f.Idx, u, dest, opts)
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		s.fetchFrag(ctx, f.Idx, u, dest, opts)
		return nil
	})
	g.Go(func() error {
		s.fetchUnmuted(ctx, f.Idx, sibling)
		return nil
	})
	return g.Wait()
}

func (s *Session) fetchFrag(ctx context.Context, idx int, u, dest string, opts backend.FetchOptions) {
	meta, err := s.backend.Fetch(ctx, u, dest, opts)
	if err != nil {
		fsutil.TryDelete(dest)
		logging.Warn("Giving up on fragment %d: %s", idx+1, err)
		ev := eventlog.Frag(eventlog.KindFragDownloadFailure, idx)
		ev.URL, ev.Error = u, err.Error()
		s.log.Record(ev)
		logging.PrintStatus()
		return
	}

	s.downloaded[idx] = meta
	s.totalBytes += meta.Size

	ev := eventlog.Frag(eventlog.KindFragDownloadSuccess, idx)
	ev.URL, ev.Size, ev.Seconds, ev.Gzip = u, meta.Size, meta.Duration.Seconds(), opts.Gzip
	s.log.Record(ev)

	s.printProgress()
}

func (s *Session) fetchUnmuted(ctx context.Context, idx int, res *unmute.Result) {
	dest := frags.UnmutedPath(s.opts.Output, idx)
	opts := backend.FetchOptions{RateLimit: s.opts.RateLimit, Gzip: res.Gzip}

	meta, err := s.backend.Fetch(ctx, res.URL, dest, opts)
	if err != nil {
		fsutil.TryDelete(dest)
		logging.Debug("Failed to download the unmuted copy of fragment %d: %s", idx+1, err)
		ev := eventlog.Frag(eventlog.KindFragDownloadUnmutedFailure, idx)
		ev.URL, ev.Error = res.URL, err.Error()
		s.log.Record(ev)
		return
	}

	ev := eventlog.Frag(eventlog.KindFragDownloadUnmutedSuccess, idx)
	ev.URL, ev.Size, ev.Gzip = res.URL, meta.Size, res.Gzip
	s.log.Record(ev)
}

func (s *Session) printProgress() {
	status := "\r"
	if s.opts.Newline {
		status = ""
	}

	status += fmt.Sprintf("Fragments: %d/%d; Total Downloaded: %s", len(s.downloaded), s.planned, logging.FormatSize(s.totalBytes))

	if s.opts.Newline {
		status += "\n"
	} else {
		status += "\033[K"
	}
	logging.SetStatus(status)
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
