// Package eventlog journals every decision of a download session as one JSON
// object per line, and folds the journal back into per-fragment state.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/unmute"
)

type Kind string

const (
	KindInit                       Kind = "init"
	KindFetchPlaylistSuccess       Kind = "fetch-playlist-success"
	KindFetchPlaylistFailure       Kind = "fetch-playlist-failure"
	KindFragMuted                  Kind = "frag-muted"
	KindFragUnmuteSuccess          Kind = "frag-unmute-success"
	KindFragUnmuteFailure          Kind = "frag-unmute-failure"
	KindFragDownloadSuccess        Kind = "frag-download-success"
	KindFragDownloadFailure        Kind = "frag-download-failure"
	KindFragDownloadUnmutedSuccess Kind = "frag-download-unmuted-success"
	KindFragDownloadUnmutedFailure Kind = "frag-download-unmuted-failure"
	KindFragReplaceAudioSuccess    Kind = "frag-replace-audio-success"
	KindFragReplaceAudioFailure    Kind = "frag-replace-audio-failure"
	KindMergeSuccess               Kind = "merge-success"
	KindMergeFailure               Kind = "merge-failure"
	KindFinalizationStatus         Kind = "finalization-status"
	KindFragsBounds                Kind = "frags-bounds"
)

var ErrNoInit = errors.New("log has no init event")

// Init is the session configuration recorded as the first event.
type Init struct {
	VideoID      string          `json:"video_id,omitempty"`
	Login        string          `json:"login,omitempty"`
	ChannelID    string          `json:"channel_id,omitempty"`
	StreamID     string          `json:"stream_id,omitempty"`
	PlaylistURL  string          `json:"playlist_url"`
	Format       string          `json:"format"`
	Formats      []unmute.Format `json:"formats"`
	Output       string          `json:"output"`
	Start        float64         `json:"start"`
	End          *float64        `json:"end,omitempty"`
	UnmutePolicy unmute.Policy   `json:"unmute_policy,omitempty"`
	MergeMethod  string          `json:"merge_method"`
	KeepFrags    bool            `json:"keep_frags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Live         bool            `json:"live,omitempty"`
}

type Event struct {
	Time time.Time `json:"time"`
	Kind Kind      `json:"kind"`
	// Idx is the 0-based fragment index for frag-* events.
	Idx *int `json:"idx,omitempty"`

	Size       int64   `json:"size,omitempty"`
	Seconds    float64 `json:"seconds,omitempty"`
	URL        string  `json:"url,omitempty"`
	SameFormat bool    `json:"same_format,omitempty"`
	Gzip       bool    `json:"gzip,omitempty"`
	Status     string  `json:"status,omitempty"`
	First      int     `json:"first,omitempty"`
	Last       int     `json:"last,omitempty"`
	Error      string  `json:"error,omitempty"`

	Init *Init `json:"init,omitempty"`
}

// Frag builds a fragment event.
func Frag(kind Kind, idx int) Event {
	return Event{Kind: kind, Idx: &idx}
}

// Log appends events to a file. Appends are safe from several goroutines.
type Log struct {
	mu  sync.Mutex
	w   io.WriteCloser
	now func() time.Time
}

// Open opens fname for appending, creating it if needed.
func Open(fname string) (*Log, error) {
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return New(f), nil
}

func New(w io.WriteCloser) *Log {
	return &Log{w: w, now: time.Now}
}

// Append writes ev as one complete line. A zero Time is stamped with now.
func (l *Log) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = l.now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.w.Write(data)
	return err
}

// Record appends ev and only logs a failure to do so. The download loop
// keeps going when the journal is unwritable.
func (l *Log) Record(ev Event) {
	if err := l.Append(ev); err != nil {
		logging.Warn("Failed to write %s event: %s", ev.Kind, err)
	}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// Read parses every line of r. A torn final line left by a crash is
// skipped; a malformed line elsewhere is an error.
func Read(r io.Reader) ([]Event, error) {
	var events []Event
	var pending error

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			pending = fmt.Errorf("line %d: %w", lineNo, err)
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if pending != nil {
		logging.Warn("Ignoring incomplete last log entry: %s", pending)
	}
	return events, nil
}

func ReadFile(fname string) ([]Event, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f)
}
