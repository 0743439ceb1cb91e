// Package frags turns a media playlist into the ordered fragment plan used by
// the downloader, and names the files each fragment occupies on disk.
package frags

import (
	"fmt"
	"math"
	"net/url"

	"github.com/Kethsar/twitcharchive/internal/hls"
)

// Frag is one segment of the video. Idx is stable across replans because a
// growing playlist only ever appends.
type Frag struct {
	Idx      int
	Offset   float64
	Duration float64
	URL      string
}

// Range selects [Start, End) in seconds. End may be +Inf.
type Range struct {
	Start float64
	End   float64
}

// FullRange selects everything.
var FullRange = Range{Start: 0, End: math.Inf(1)}

func (r Range) IsFull() bool {
	return r.Start <= 0 && math.IsInf(r.End, 1)
}

// Plan bundles the fragments kept for download with the full list they were
// selected from.
type Plan struct {
	All      []Frag
	Selected []Frag
	// Absolute URL of the fMP4 init section, empty for MPEG-TS.
	InitURL string
}

// FromPlaylist resolves every segment against baseURL and accumulates offsets.
func FromPlaylist(baseURL string, media *hls.MediaPlaylist) ([]Frag, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url: %w", err)
	}

	list := make([]Frag, 0, len(media.Segments))
	offset := 0.0

	for i, seg := range media.Segments {
		ref, err := url.Parse(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		list = append(list, Frag{
			Idx:      i,
			Offset:   offset,
			Duration: seg.Duration,
			URL:      base.ResolveReference(ref).String(),
		})
		offset += seg.Duration
	}

	return list, nil
}

// Select keeps the fragments covering r. The first kept fragment is the last
// one starting at or before r.Start; the last kept fragment is the first one
// starting at or after r.End, or the final fragment when r.End is never
// reached. Both bounds are inclusive.
func Select(list []Frag, r Range) []Frag {
	if len(list) == 0 {
		return list
	}
	if r.IsFull() {
		return list
	}

	first := 0
	for i, f := range list {
		if f.Offset <= r.Start {
			first = i
		}
	}

	last := len(list) - 1
	if !math.IsInf(r.End, 1) {
		for i, f := range list {
			if f.Offset >= r.End {
				last = i
				break
			}
		}
	}

	if last < first {
		return list[first : first+1]
	}
	return list[first : last+1]
}

// Build parses playlist text fetched from playlistURL and applies r.
func Build(playlistURL, text string, r Range) (*Plan, error) {
	media, err := hls.ParseMedia(text)
	if err != nil {
		return nil, err
	}

	all, err := FromPlaylist(playlistURL, media)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		All:      all,
		Selected: Select(all, r),
	}

	if len(media.Map) > 0 {
		base, err := url.Parse(playlistURL)
		if err != nil {
			return nil, err
		}
		ref, err := url.Parse(media.Map)
		if err != nil {
			return nil, fmt.Errorf("init map: %w", err)
		}
		plan.InitURL = base.ResolveReference(ref).String()
	}

	return plan, nil
}

// Durations returns the durations of list in order.
func Durations(list []Frag) []float64 {
	d := make([]float64, len(list))
	for i, f := range list {
		d[i] = f.Duration
	}
	return d
}
