package eventlog

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kethsar/twitcharchive/internal/unmute"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestReplayLastWriteWins(t *testing.T) {
	events := []Event{
		Frag(KindFragDownloadFailure, 3),
		Frag(KindFragDownloadSuccess, 3),
	}
	events[1].Size = 1234

	s := Replay(events)
	assert.Equal(t, Succeeded, s.Frags[3].Download)
	assert.Equal(t, int64(1234), s.Frags[3].Size)

	// And the other way round.
	s = Replay([]Event{events[1], events[0]})
	assert.Equal(t, Failed, s.Frags[3].Download)
}

func TestReplayIsIdempotent(t *testing.T) {
	end := 60.0
	events := []Event{
		{Kind: KindInit, Init: &Init{PlaylistURL: "https://example.com/chunked/index-dvr.m3u8", End: &end}},
		Frag(KindFragMuted, 0),
		Frag(KindFragUnmuteSuccess, 0),
		Frag(KindFragDownloadSuccess, 0),
		{Kind: KindFinalizationStatus, Status: "FINALIZED"},
		{Kind: KindFragsBounds, First: 0, Last: 5},
	}

	once := Replay(events)
	twice := Replay(append(events, events...))
	assert.Equal(t, once, twice)
	assert.Equal(t, "FINALIZED", once.Status)
	assert.Equal(t, 5, once.Last)
	require.NotNil(t, once.Init)
	assert.Equal(t, 60.0, *once.Init.End)
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	s := NewState()
	next := Apply(s, Frag(KindFragMuted, 1))

	assert.Empty(t, s.Frags)
	assert.True(t, next.Frags[1].Muted)
}

func TestAppendAndRead(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(nopCloser{buf})
	l.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, l.Append(Event{Kind: KindInit, Init: &Init{
		PlaylistURL:  "https://example.com/chunked/index-dvr.m3u8",
		Format:       "chunked",
		Formats:      []unmute.Format{{ID: "chunked", URL: "https://example.com/chunked/index-dvr.m3u8"}},
		UnmutePolicy: unmute.PolicyQuality,
		MergeMethod:  "ffconcat",
	}}))
	ev := Frag(KindFragDownloadSuccess, 0)
	ev.Size = 10
	require.NoError(t, l.Append(ev))

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	events, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, KindInit, events[0].Kind)
	assert.Equal(t, "chunked", events[0].Init.Format)
	assert.True(t, l.now().Equal(events[1].Time))
	assert.Equal(t, 0, *events[1].Idx)
}

func TestReadSkipsTornLastLine(t *testing.T) {
	data := `{"kind":"frag-download-success","idx":0,"size":5}
{"kind":"frag-download-succ`

	events, err := Read(strings.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReadRejectsCorruptMiddle(t *testing.T) {
	data := `{"kind":"frag-download-success","idx":0}
garbage
{"kind":"frag-download-success","idx":1}
`

	_, err := Read(strings.NewReader(data))
	assert.Error(t, err)
}

func TestConcurrentAppends(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "out.log")
	l, err := Open(fname)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(Frag(KindFragDownloadSuccess, i))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	events, err := ReadFile(fname)
	require.NoError(t, err)
	assert.Len(t, events, 50)
	assert.Len(t, Replay(events).Frags, 50)
}

func TestStats(t *testing.T) {
	ok := Frag(KindFragDownloadSuccess, 0)
	ok.Size = 100
	s := Replay([]Event{
		ok,
		Frag(KindFragMuted, 1),
		Frag(KindFragUnmuteFailure, 1),
		Frag(KindFragDownloadFailure, 1),
		Frag(KindFragReplaceAudioSuccess, 2),
	})

	st := s.Stats()
	assert.Equal(t, 3, st.Fragments)
	assert.Equal(t, 1, st.Downloaded)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Muted)
	assert.Equal(t, 1, st.UnmuteFailed)
	assert.Equal(t, 1, st.AudioReplaced)
	assert.Equal(t, int64(100), st.TotalSize)
}
