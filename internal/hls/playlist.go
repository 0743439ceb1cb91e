// Package hls parses the subset of HLS playlists served by Twitch: master
// playlists listing quality variants, and media playlists listing segments.
package hls

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	tagMedia      = "#EXT-X-MEDIA:"
	tagStreamInf  = "#EXT-X-STREAM-INF:"
	tagInf        = "#EXTINF:"
	tagMap        = "#EXT-X-MAP:"
	tagEndList    = "#EXT-X-ENDLIST"
	tagTargetDur  = "#EXT-X-TARGETDURATION:"
	tagMediaSeq   = "#EXT-X-MEDIA-SEQUENCE:"
	commentPrefix = "#"
)

var (
	ErrMissingURI      = errors.New("playlist entry is missing its URI line")
	ErrMissingDuration = errors.New("segment URI without a preceding #EXTINF")
	ErrBadVariant      = errors.New("variant entries must be #EXT-X-MEDIA, #EXT-X-STREAM-INF, URI")
)

type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

type Rendition struct {
	Type       string
	GroupID    string
	Name       string
	Default    bool
	AutoSelect bool
}

// Variant is one quality track listed by a master playlist.
// Resolution and FrameRate are nil for audio-only variants.
type Variant struct {
	Bandwidth  int64
	Codecs     string
	Resolution *Resolution
	FrameRate  *float64
	Video      string
	URI        string
	Renditions []Rendition
}

type MasterPlaylist struct {
	Variants []Variant
}

type Segment struct {
	Duration float64
	URI      string
	// Initialization section for fragmented MP4 media, empty for MPEG-TS.
	Map string
}

type MediaPlaylist struct {
	EndList        bool
	TargetDuration float64
	MediaSequence  int
	Map            string
	Segments       []Segment
}

// Playlist holds exactly one of Master or Media.
type Playlist struct {
	Master *MasterPlaylist
	Media  *MediaPlaylist
}

func (p *Playlist) IsMaster() bool {
	return p.Master != nil
}

// Parse classifies and parses playlist text.
func Parse(text string) (*Playlist, error) {
	lines := cleanLines(text)

	if isMaster(lines) {
		master, err := parseMaster(lines)
		if err != nil {
			return nil, err
		}
		return &Playlist{Master: master}, nil
	}

	media, err := parseMedia(lines)
	if err != nil {
		return nil, err
	}
	return &Playlist{Media: media}, nil
}

// ParseMaster parses text that must be a master playlist.
func ParseMaster(text string) (*MasterPlaylist, error) {
	p, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if p.Master == nil {
		return nil, errors.New("not a master playlist")
	}
	return p.Master, nil
}

// ParseMedia parses text that must be a media playlist.
func ParseMedia(text string) (*MediaPlaylist, error) {
	p, err := Parse(text)
	if err != nil {
		return nil, err
	}
	if p.Media == nil {
		return nil, errors.New("not a media playlist")
	}
	return p.Media, nil
}

func cleanLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))

	for _, l := range raw {
		l = strings.TrimSpace(l)
		if len(l) > 0 {
			lines = append(lines, l)
		}
	}

	return lines
}

func isMaster(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, tagStreamInf) || strings.HasPrefix(l, tagMedia) {
			return true
		}
	}
	return false
}

func isURI(line string) bool {
	return !strings.HasPrefix(line, commentPrefix)
}

func parseMaster(lines []string) (*MasterPlaylist, error) {
	master := &MasterPlaylist{}
	var renditions []Rendition

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		switch {
		case strings.HasPrefix(line, tagMedia):
			renditions = append(renditions, parseRendition(ParseAttributes(line[len(tagMedia):])))
		case strings.HasPrefix(line, tagStreamInf):
			if len(renditions) == 0 {
				return nil, fmt.Errorf("line %q: %w", line, ErrBadVariant)
			}
			if i+1 >= len(lines) || !isURI(lines[i+1]) {
				return nil, fmt.Errorf("line %q: %w", line, ErrMissingURI)
			}

			v := parseStreamInf(ParseAttributes(line[len(tagStreamInf):]))
			v.URI = lines[i+1]
			v.Renditions = renditions
			master.Variants = append(master.Variants, v)

			renditions = nil
			i++
		case isURI(line):
			return nil, fmt.Errorf("line %q: %w", line, ErrBadVariant)
		}
	}

	return master, nil
}

func parseRendition(attrs map[string]string) Rendition {
	return Rendition{
		Type:       attrs["TYPE"],
		GroupID:    attrs["GROUP-ID"],
		Name:       attrs["NAME"],
		Default:    attrs["DEFAULT"] == "YES",
		AutoSelect: attrs["AUTOSELECT"] == "YES",
	}
}

func parseStreamInf(attrs map[string]string) Variant {
	v := Variant{
		Codecs: attrs["CODECS"],
		Video:  attrs["VIDEO"],
	}

	v.Bandwidth, _ = strconv.ParseInt(attrs["BANDWIDTH"], 10, 64)

	if res, ok := attrs["RESOLUTION"]; ok {
		v.Resolution = parseResolution(res)
	}

	if fr, ok := attrs["FRAME-RATE"]; ok {
		f, err := strconv.ParseFloat(fr, 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			v.FrameRate = &f
		}
	}

	return v
}

func parseResolution(s string) *Resolution {
	w, h, found := strings.Cut(strings.ToLower(s), "x")
	if !found {
		return nil
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return nil
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return nil
	}

	return &Resolution{Width: width, Height: height}
}

func parseMedia(lines []string) (*MediaPlaylist, error) {
	media := &MediaPlaylist{}
	var pairs []string

	for _, line := range lines {
		switch {
		case line == tagEndList:
			media.EndList = true
		case strings.HasPrefix(line, tagMap):
			media.Map = ParseAttributes(line[len(tagMap):])["URI"]
		case strings.HasPrefix(line, tagTargetDur):
			media.TargetDuration, _ = strconv.ParseFloat(line[len(tagTargetDur):], 64)
		case strings.HasPrefix(line, tagMediaSeq):
			media.MediaSequence, _ = strconv.Atoi(line[len(tagMediaSeq):])
		case strings.HasPrefix(line, tagInf), isURI(line):
			pairs = append(pairs, line)
		}
	}

	for i := 0; i < len(pairs); i += 2 {
		if !strings.HasPrefix(pairs[i], tagInf) {
			return nil, fmt.Errorf("line %q: %w", pairs[i], ErrMissingDuration)
		}
		if i+1 >= len(pairs) || !isURI(pairs[i+1]) {
			return nil, fmt.Errorf("line %q: %w", pairs[i], ErrMissingURI)
		}

		media.Segments = append(media.Segments, Segment{
			Duration: parseExtInf(pairs[i]),
			URI:      pairs[i+1],
			Map:      media.Map,
		})
	}

	return media, nil
}

// "#EXTINF:10.000," or "#EXTINF:10.000,title"
func parseExtInf(line string) float64 {
	v := line[len(tagInf):]
	if idx := strings.Index(v, ","); idx >= 0 {
		v = v[:idx]
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return 0
	}
	return d
}

// ParseAttributes parses an HLS attribute list (KEY=VALUE,KEY="quoted, value").
// Keys are returned as written; quoted values are unquoted.
func ParseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	i := 0

	for i < len(s) {
		for i < len(s) && (s[i] == ',' || s[i] == ' ') {
			i++
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[i : i+eq])
		i += eq + 1

		var val string
		if i < len(s) && s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				val = s[i+1:]
				i = len(s)
			} else {
				val = s[i+1 : i+1+end]
				i += end + 2
			}
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				val = s[i:]
				i = len(s)
			} else {
				val = s[i : i+end]
				i += end
			}
		}

		if len(key) > 0 {
			attrs[key] = strings.TrimSpace(val)
		}
	}

	return attrs
}
