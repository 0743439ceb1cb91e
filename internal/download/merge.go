package download

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/Kethsar/twitcharchive/internal/eventlog"
	"github.com/Kethsar/twitcharchive/internal/execx"
	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/merge"
)

type MergeOptions struct {
	Output     string
	FFmpegPath string

	// Overrides the method recorded at init when set.
	Method merge.Method

	// Keep intermediates even if the init event did not ask to.
	Keep bool
}

// MergeFragments finishes a session from what is on disk: it swaps in the
// unmuted audio that was fetched, then merges every selected fragment into
// the output. It only needs the event log and the cached playlist, so it works
// on the leftovers of an interrupted run too.
func MergeFragments(ctx context.Context, runner execx.Runner, opts MergeOptions) error {
	logPath := frags.LogPath(opts.Output)
	events, err := eventlog.ReadFile(logPath)
	if err != nil {
		return err
	}

	state := eventlog.Replay(events)
	if state.Init == nil {
		return fmt.Errorf("%s: %w", logPath, eventlog.ErrNoInit)
	}
	init := state.Init

	text, err := os.ReadFile(frags.PlaylistPath(opts.Output))
	if err != nil {
		return fmt.Errorf("read cached playlist: %w", err)
	}

	r := frags.Range{Start: init.Start, End: math.Inf(1)}
	if init.End != nil {
		r.End = *init.End
	}

	plan, err := frags.Build(init.PlaylistURL, string(text), r)
	if err != nil {
		return err
	}

	log, err := eventlog.Open(logPath)
	if err != nil {
		return err
	}
	defer log.Close()

	initMap := len(plan.InitURL) > 0
	replaceAudio(ctx, runner, opts, log, plan.Selected, initMap)

	method := opts.Method
	if method == "" {
		method, err = merge.ParseMethod(init.MergeMethod)
		if err != nil {
			return err
		}
	}
	keep := opts.Keep || init.KeepFrags

	logging.Info("Merging %d fragments into %s", len(plan.Selected), opts.Output)
	err = merge.Merge(ctx, runner, merge.Options{
		Output:     opts.Output,
		Frags:      plan.Selected,
		Keep:       keep,
		Method:     method,
		InitMap:    initMap,
		FFmpegPath: opts.FFmpegPath,
	})
	if err != nil {
		log.Record(eventlog.Event{Kind: eventlog.KindMergeFailure, Error: err.Error()})
		return err
	}
	log.Record(eventlog.Event{Kind: eventlog.KindMergeSuccess})

	if !keep {
		log.Close()
		fsutil.TryDelete(logPath)
	}
	return nil
}

// replaceAudio muxes every fetched unmuted sibling into its fragment. A
// failure leaves both files alone so a later run can retry it.
func replaceAudio(ctx context.Context, runner execx.Runner, opts MergeOptions, log *eventlog.Log, list []frags.Frag, initMap bool) {
	for _, f := range list {
		if ctx.Err() != nil {
			return
		}

		unmuted := frags.UnmutedPath(opts.Output, f.Idx)
		frag := frags.Path(opts.Output, f.Idx)
		if !fsutil.Exists(unmuted) || !fsutil.Exists(frag) {
			continue
		}

		if initMap {
			logging.Warn("Cannot replace the audio of fMP4 fragment %d, keeping it muted", f.Idx+1)
			continue
		}

		err := merge.ReplaceAudio(ctx, runner, opts.FFmpegPath, frag, unmuted)
		if err != nil {
			logging.Warn("Failed to replace the audio of fragment %d: %s", f.Idx+1, err)
			ev := eventlog.Frag(eventlog.KindFragReplaceAudioFailure, f.Idx)
			ev.Error = err.Error()
			log.Record(ev)
			continue
		}

		log.Record(eventlog.Frag(eventlog.KindFragReplaceAudioSuccess, f.Idx))
	}
}

// Stats summarizes the event log of output.
func Stats(output string) (eventlog.Stats, error) {
	events, err := eventlog.ReadFile(frags.LogPath(output))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return eventlog.Stats{}, fmt.Errorf("no event log for %s", output)
		}
		return eventlog.Stats{}, err
	}

	return eventlog.Replay(events).Stats(), nil
}
