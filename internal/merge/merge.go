// Package merge joins the downloaded fragments of a session into the final
// file through ffmpeg.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kethsar/twitcharchive/internal/execx"
	"github.com/Kethsar/twitcharchive/internal/frags"
	"github.com/Kethsar/twitcharchive/internal/fsutil"
	"github.com/Kethsar/twitcharchive/internal/logging"
)

type Method string

const (
	// MethodFFconcat hands ffmpeg a concat demuxer list with explicit
	// durations. Only valid for MPEG-TS.
	MethodFFconcat Method = "ffconcat"
	// MethodAppend joins the fragment bytes and remuxes the result.
	MethodAppend Method = "append"
)

var (
	ErrUnknownMethod = errors.New("unknown merge method")
	ErrNoFragments   = errors.New("no fragments to merge")
)

var Methods = []Method{MethodFFconcat, MethodAppend}

func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "":
		return MethodFFconcat, nil
	case MethodFFconcat, MethodAppend:
		return m, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

type Options struct {
	Output string

	// Frags is the planned fragment list. Fragments missing on disk are
	// skipped.
	Frags []frags.Frag

	Keep   bool
	Method Method

	// InitMap is set when the playlist references an fMP4 init section.
	InitMap bool

	FFmpegPath string
}

func (o *Options) ffmpeg() string {
	if len(o.FFmpegPath) == 0 {
		return "ffmpeg"
	}
	return o.FFmpegPath
}

// Merge writes opts.Output from the fragments on disk. Intermediate files are
// removed only after ffmpeg succeeded and only when not keeping fragments.
func Merge(ctx context.Context, runner execx.Runner, opts Options) error {
	var present []frags.Frag
	for _, f := range opts.Frags {
		if fsutil.Exists(frags.Path(opts.Output, f.Idx)) {
			present = append(present, f)
		}
	}

	if len(present) == 0 {
		return ErrNoFragments
	}
	if len(present) < len(opts.Frags) {
		logging.Warn("Merging %d of %d fragments; the rest are missing", len(present), len(opts.Frags))
	}

	method := opts.Method
	if method == "" {
		method = MethodFFconcat
	}
	if method != MethodAppend && (opts.InitMap || IsFragmentedMP4(frags.Path(opts.Output, present[0].Idx))) {
		logging.Info("Fragments are fMP4, merging with %s instead of %s", MethodAppend, method)
		method = MethodAppend
	}

	var err error
	switch method {
	case MethodAppend:
		err = mergeAppend(ctx, runner, &opts, present)
	case MethodFFconcat:
		err = mergeConcat(ctx, runner, &opts, present)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		return err
	}

	if !opts.Keep {
		CleanupIntermediates(opts.Output, opts.Frags)
	}
	return nil
}

// CleanupIntermediates deletes fragment files, unmuted siblings, the init
// section, the cached playlist and the concat list of output.
func CleanupIntermediates(output string, list []frags.Frag) {
	files := make([]string, 0, 2*len(list)+3)
	for _, f := range list {
		files = append(files, frags.Path(output, f.Idx), frags.UnmutedPath(output, f.Idx))
	}
	files = append(files,
		frags.InitPath(output),
		frags.PlaylistPath(output),
		frags.ConcatListPath(output),
	)

	fsutil.CleanupFiles(files)
}

func baseArgs() []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "fatal",
		"-stats",
	}
}

func outputArgs(output string) []string {
	var args []string
	switch strings.ToLower(filepath.Ext(output)) {
	case ".mp4", ".m4a", ".mov":
		args = append(args, "-movflags", "faststart")
	}
	return append(args, output)
}

func run(ctx context.Context, runner execx.Runner, prog string, args []string) error {
	retcode := runner.Run(ctx, prog, args)
	if retcode != 0 {
		return fmt.Errorf("%s exited with code %d", prog, retcode)
	}
	return nil
}

func mergeAppend(ctx context.Context, runner execx.Runner, opts *Options, present []frags.Frag) error {
	raw := frags.AppendPath(opts.Output)
	defer fsutil.TryDelete(raw)

	out, err := os.Create(raw)
	if err != nil {
		return err
	}

	parts := make([]string, 0, len(present)+1)
	if init := frags.InitPath(opts.Output); fsutil.Exists(init) {
		parts = append(parts, init)
	}
	for _, f := range present {
		parts = append(parts, frags.Path(opts.Output, f.Idx))
	}

	for _, p := range parts {
		if err := appendFile(out, p); err != nil {
			out.Close()
			return fmt.Errorf("append %s: %w", p, err)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	args := append(baseArgs(), "-i", raw, "-c", "copy")
	args = append(args, outputArgs(opts.Output)...)

	return run(ctx, runner, opts.ffmpeg(), args)
}

func appendFile(w io.Writer, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

// ConcatList renders an ffconcat manifest. Entries are relative to the
// manifest, which lives next to the fragments.
func ConcatList(output string, present []frags.Frag) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")

	for _, f := range present {
		name := filepath.Base(frags.Path(output, f.Idx))
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(name, "'", `'\''`))
		fmt.Fprintf(&b, "duration %.3f\n", f.Duration)
	}

	return b.String()
}

func mergeConcat(ctx context.Context, runner execx.Runner, opts *Options, present []frags.Frag) error {
	list := frags.ConcatListPath(opts.Output)
	if err := fsutil.WriteFile(list, []byte(ConcatList(opts.Output, present))); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	args := append(baseArgs(),
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
	)
	args = append(args, outputArgs(opts.Output)...)

	return run(ctx, runner, opts.ffmpeg(), args)
}

// ReplaceAudio muxes the audio of unmuted with the video of frag and replaces
// frag with the result. Both inputs are kept if ffmpeg fails.
func ReplaceAudio(ctx context.Context, runner execx.Runner, ffmpegPath, frag, unmuted string) error {
	if len(ffmpegPath) == 0 {
		ffmpegPath = "ffmpeg"
	}

	tmp := frag + ".replaced"
	args := append(baseArgs(),
		"-i", unmuted,
		"-i", frag,
		"-map", "0:a",
		"-map", "1:v",
		"-c", "copy",
		"-f", "mpegts",
		"-y",
		tmp,
	)

	if err := run(ctx, runner, ffmpegPath, args); err != nil {
		fsutil.TryDelete(tmp)
		return err
	}

	if err := os.Rename(tmp, frag); err != nil {
		fsutil.TryDelete(tmp)
		return err
	}

	fsutil.TryDelete(unmuted)
	return nil
}
