// Package unmute looks for copies of muted fragments with their audio intact,
// either in the fragment's own track or in a sibling quality track.
package unmute

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Kethsar/twitcharchive/internal/backend"
	"github.com/Kethsar/twitcharchive/internal/logging"
)

type Policy string

const (
	PolicyDefault    Policy = ""
	PolicySameFormat Policy = "same_format"
	PolicyQuality    Policy = "quality"
	PolicyAny        Policy = "any"
	PolicyOff        Policy = "off"
)

// Track names as they appear in Twitch playlist paths.
const (
	TrackAudioOnly = "audio_only"
	Track160p      = "160p30"
	Track360p      = "360p30"
)

var ErrUnknownPolicy = errors.New("unknown unmute policy")

var Policies = []Policy{PolicySameFormat, PolicyQuality, PolicyAny, PolicyOff}

func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyDefault, PolicySameFormat, PolicyQuality, PolicyAny, PolicyOff:
		return p, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Format is one quality track of a video.
type Format struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Track is the path segment naming the format's quality track.
func (f Format) Track() string {
	return TrackOf(f.URL)
}

// Result names an unmuted copy of a fragment.
type Result struct {
	// SameFormat means URL can replace the muted fragment directly.
	SameFormat bool
	URL        string
	// Gzip means the URL only answers when gzip is accepted.
	Gzip bool
}

// Prober is the part of a backend the resolver needs.
type Prober interface {
	Probe(ctx context.Context, urls []string) []backend.ProbeResult
}

// DefaultPolicy is used when no policy was configured. The audio and the
// low-bitrate tracks have no better sibling to borrow audio from.
func DefaultPolicy(track string) Policy {
	switch track {
	case TrackAudioOnly, Track160p, Track360p:
		return PolicySameFormat
	}
	return PolicyQuality
}

// Resolve searches for an unmuted copy of the muted fragment at fragURL.
// A nil Result with a nil error means none was found.
func Resolve(ctx context.Context, p Prober, policy Policy, fragURL string, formats []Format) (*Result, error) {
	track := TrackOf(fragURL)

	if policy == PolicyDefault {
		policy = DefaultPolicy(track)
	}
	if policy == PolicyAny && track == TrackAudioOnly {
		policy = PolicySameFormat
	}

	switch policy {
	case PolicyOff:
		return nil, nil
	case PolicySameFormat:
		return resolveSameFormat(ctx, p, fragURL), nil
	case PolicyQuality, PolicyAny:
		return resolveAcrossTracks(ctx, p, policy, track, fragURL, formats), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
}

func resolveSameFormat(ctx context.Context, p Prober, fragURL string) *Result {
	u := Unmuted(fragURL)
	results := p.Probe(ctx, []string{u})
	if len(results) == 0 || !results[0].Reachable() {
		logging.Debug("No unmuted copy of %s", fragURL)
		return nil
	}

	return &Result{
		SameFormat: true,
		URL:        u,
		Gzip:       !results[0].OK,
	}
}

func resolveAcrossTracks(ctx context.Context, p Prober, policy Policy, track, fragURL string, formats []Format) *Result {
	unmuted := Unmuted(fragURL)

	var urls, tracks []string
	for _, f := range formats {
		candidate := f.Track()
		if len(candidate) == 0 {
			continue
		}
		if policy == PolicyQuality && (candidate == TrackAudioOnly || candidate == Track160p) {
			continue
		}

		u, ok := ReplaceTrack(unmuted, track, candidate)
		if !ok {
			continue
		}
		urls = append(urls, u)
		tracks = append(tracks, candidate)
	}

	if len(urls) == 0 {
		return nil
	}

	var chosen *Result
	for i, r := range p.Probe(ctx, urls) {
		if !r.Reachable() {
			continue
		}

		res := &Result{
			SameFormat: tracks[i] == track,
			URL:        r.URL,
			Gzip:       !r.OK,
		}
		if res.SameFormat {
			return res
		}
		chosen = res
	}

	if chosen == nil {
		logging.Debug("No unmuted copy of %s in %d tracks", fragURL, len(urls))
	}
	return chosen
}

// TrackOf returns the quality track segment of a Twitch playlist or
// fragment URL, e.g. "chunked" or "720p60".
func TrackOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}

	dir := path.Dir(parsed.Path)
	if dir == "/" || dir == "." {
		return ""
	}
	return path.Base(dir)
}

// ReplaceTrack swaps the track directory of u.
func ReplaceTrack(u, from, to string) (string, bool) {
	parsed, err := url.Parse(u)
	if err != nil || len(from) == 0 {
		return "", false
	}

	dir, file := path.Split(parsed.Path)
	dir = strings.TrimSuffix(dir, "/")
	if path.Base(dir) != from {
		return "", false
	}

	parsed.Path = path.Join(path.Dir(dir), to, file)
	return parsed.String(), true
}

var fragNameRe = regexp.MustCompile(`^(\d+)-(muted|unmuted)(\.\w+)$`)

func rewriteName(u string, fn func(m []string) string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}

	dir, file := path.Split(parsed.Path)
	m := fragNameRe.FindStringSubmatch(file)
	if m == nil {
		return u
	}

	parsed.Path = dir + fn(m)
	return parsed.String()
}

func fragMarker(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}

	m := fragNameRe.FindStringSubmatch(path.Base(parsed.Path))
	if m == nil {
		return ""
	}
	return m[2]
}

// IsMuted reports whether u names a muted fragment, "N-muted.ts".
func IsMuted(u string) bool {
	return fragMarker(u) == "muted"
}

// IsLegacyUnmuted reports whether u uses the old "N-unmuted.ts" naming.
func IsLegacyUnmuted(u string) bool {
	return fragMarker(u) == "unmuted"
}

// Unmuted strips the muted marker: "N-muted.ts" becomes "N.ts".
func Unmuted(u string) string {
	return rewriteName(u, func(m []string) string {
		return m[1] + m[3]
	})
}

// Muted turns either marker into the current muted naming.
func Muted(u string) string {
	return rewriteName(u, func(m []string) string {
		return m[1] + "-muted" + m[3]
	})
}
