package twitch

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Kethsar/twitcharchive/internal/hls"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

var ErrBadURL = errors.New("not a twitch video or channel url")

// Target is what the user asked to download: a VOD or a channel's live
// broadcast.
type Target struct {
	VideoID string
	Login   string
}

var (
	videoIDRe = regexp.MustCompile(`^v?(\d+)$`)
	loginRe   = regexp.MustCompile(`^\w{1,25}$`)
)

// ParseURL accepts twitch.tv/videos/ID, twitch.tv/LOGIN, twitch.tv/LOGIN/v/ID,
// a bare video id, or a bare login.
func ParseURL(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if m := videoIDRe.FindStringSubmatch(s); m != nil {
		return Target{VideoID: m[1]}, nil
	}

	if !strings.Contains(s, "://") {
		if loginRe.MatchString(s) {
			return Target{Login: strings.ToLower(s)}, nil
		}
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %s", ErrBadURL, err)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	if host != "twitch.tv" {
		return Target{}, fmt.Errorf("%w: %s", ErrBadURL, s)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "videos" && videoIDRe.MatchString(parts[1]):
		return Target{VideoID: videoIDRe.FindStringSubmatch(parts[1])[1]}, nil
	case len(parts) == 3 && parts[1] == "v" && videoIDRe.MatchString(parts[2]):
		return Target{VideoID: videoIDRe.FindStringSubmatch(parts[2])[1]}, nil
	case len(parts) == 1 && loginRe.MatchString(parts[0]) && parts[0] != "videos":
		return Target{Login: strings.ToLower(parts[0])}, nil
	}

	return Target{}, fmt.Errorf("%w: %s", ErrBadURL, s)
}

var mutedPlaylistRe = regexp.MustCompile(`-muted-\w+\.m3u8$`)

// StripMutedPlaylist fixes old highlight playlist names, which carried a
// "-muted-XXXX" suffix that usher no longer serves.
func StripMutedPlaylist(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}

	stripped := mutedPlaylistRe.ReplaceAllString(parsed.Path, ".m3u8")
	if stripped == parsed.Path {
		return u
	}

	parsed.Path = stripped
	return parsed.String()
}

// Hosts the VOD storage has been served from, newest first.
var vodHosts = []string{
	"d2e2de1etea730",
	"dqrpb9wgowsf5",
	"ds0h3roq6wcgc",
	"d2nvs31859zcd8",
	"d2aba1wr3818hz",
	"d3c27h4odz752x",
	"dgeft87wbj63p",
	"d1m7jfoe9zdc1j",
	"d3vd9lfkzbru3h",
	"d2vjef5jvl6bfs",
	"d1ymi26ma8va5x",
	"d1mhjrowxxagfy",
	"ddacn6pr5v0tl",
	"d3aqoihi2n8ty8",
}

// Tracks Twitch is known to transcode into, source first.
var KnownTracks = []string{
	"chunked",
	"1080p60",
	"1080p30",
	"720p60",
	"720p30",
	"480p30",
	unmute.Track360p,
	unmute.Track160p,
	unmute.TrackAudioOnly,
}

// VodPath is the storage directory of a broadcast: a hash prefix followed by
// login, stream id and start time.
func VodPath(login, streamID string, startedAt time.Time) string {
	key := fmt.Sprintf("%s_%s_%d", login, streamID, startedAt.Unix())
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:20] + "_" + key
}

// GuessVodURLs lists the candidate playlist URLs of track for a broadcast
// whose VOD id is unknown, one per storage host.
func GuessVodURLs(login, streamID string, startedAt time.Time, track string) []string {
	p := VodPath(login, streamID, startedAt)
	urls := make([]string, len(vodHosts))
	for i, h := range vodHosts {
		urls[i] = fmt.Sprintf("https://%s.cloudfront.net/%s/%s/index-dvr.m3u8", h, p, track)
	}
	return urls
}

// Format is one quality of a video.
type Format struct {
	ID         string
	Name       string
	Resolution *hls.Resolution
	FrameRate  *float64
	Bandwidth  int64
	Codecs     string
	URL        string
}

func (f Format) Unmute() unmute.Format {
	return unmute.Format{ID: f.ID, URL: f.URL}
}

func (f Format) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-16s", f.ID, f.Name)
	if f.Resolution != nil {
		fmt.Fprintf(&b, " %5dx%-5d", f.Resolution.Width, f.Resolution.Height)
	} else {
		b.WriteString(" audio only ")
	}
	if f.FrameRate != nil {
		fmt.Fprintf(&b, " %6.2ffps", *f.FrameRate)
	}
	if f.Bandwidth > 0 {
		fmt.Fprintf(&b, " %8dkbps", f.Bandwidth/1000)
	}
	return b.String()
}

// FormatsFromMaster lists the variants of a usher master playlist, best
// first as Twitch orders them.
func FormatsFromMaster(master *hls.MasterPlaylist) []Format {
	formats := make([]Format, 0, len(master.Variants))
	for _, v := range master.Variants {
		f := Format{
			Resolution: v.Resolution,
			FrameRate:  v.FrameRate,
			Bandwidth:  v.Bandwidth,
			Codecs:     v.Codecs,
			URL:        v.URI,
		}
		if len(v.Renditions) > 0 {
			f.ID = v.Renditions[0].GroupID
			f.Name = v.Renditions[0].Name
		}
		if len(f.ID) == 0 {
			f.ID = unmute.TrackOf(v.URI)
		}
		if len(f.Name) == 0 {
			f.Name = f.ID
		}
		formats = append(formats, f)
	}
	return formats
}

// FormatsFromTracks builds formats for the reachable tracks of a guessed VOD
// directory. base is any playlist URL inside that directory.
func FormatsFromTracks(base string, tracks []string) []Format {
	from := unmute.TrackOf(base)
	formats := make([]Format, 0, len(tracks))
	for _, t := range tracks {
		u, ok := unmute.ReplaceTrack(base, from, t)
		if !ok {
			continue
		}
		formats = append(formats, Format{ID: t, Name: t, URL: u})
	}
	return formats
}

// SelectFormat picks the format named quality: "best" for the first,
// "worst" for the last, otherwise an exact id or name match.
func SelectFormat(formats []Format, quality string) (Format, bool) {
	if len(formats) == 0 {
		return Format{}, false
	}

	q := strings.ToLower(strings.TrimSpace(quality))
	switch q {
	case "", "best", "source":
		return formats[0], true
	case "worst":
		return formats[len(formats)-1], true
	case "audio", "audio_only":
		q = unmute.TrackAudioOnly
	}

	for _, f := range formats {
		if strings.ToLower(f.ID) == q || strings.ToLower(f.Name) == q {
			return f, true
		}
	}

	// "720" matches "720p60"
	if _, err := strconv.Atoi(q); err == nil {
		for _, f := range formats {
			if strings.HasPrefix(strings.ToLower(f.Name), q+"p") {
				return f, true
			}
		}
	}

	return Format{}, false
}
