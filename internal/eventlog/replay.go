package eventlog

// Outcome is the last recorded result of one kind of operation.
type Outcome int

const (
	Unknown Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	}
	return "unknown"
}

// FragState is everything recorded about one fragment.
type FragState struct {
	Muted           bool
	Unmute          Outcome
	UnmuteURL       string
	SameFormat      bool
	Download        Outcome
	DownloadUnmuted Outcome
	ReplaceAudio    Outcome
	Size            int64
	Seconds         float64
}

// State is the fold of a whole log.
type State struct {
	Init   *Init
	Frags  map[int]FragState
	Status string
	First  int
	Last   int
	Merge  Outcome

	PlaylistFailures int
}

func NewState() State {
	return State{Frags: map[int]FragState{}, First: -1, Last: -1}
}

// Apply folds one event into s and returns the new State. s itself is not
// modified. Later events overwrite the fields they carry, so replaying a log
// twice gives the same State.
func Apply(s State, ev Event) State {
	frags := make(map[int]FragState, len(s.Frags)+1)
	for k, v := range s.Frags {
		frags[k] = v
	}
	s.Frags = frags

	s.apply(ev)
	return s
}

// Replay folds events from an empty State.
func Replay(events []Event) State {
	s := NewState()
	for _, ev := range events {
		s.apply(ev)
	}
	return s
}

func (s *State) apply(ev Event) {
	switch ev.Kind {
	case KindInit:
		s.Init = ev.Init
		return
	case KindFetchPlaylistFailure:
		s.PlaylistFailures++
		return
	case KindFinalizationStatus:
		s.Status = ev.Status
		return
	case KindFragsBounds:
		s.First, s.Last = ev.First, ev.Last
		return
	case KindMergeSuccess:
		s.Merge = Succeeded
		return
	case KindMergeFailure:
		s.Merge = Failed
		return
	}

	if ev.Idx == nil {
		return
	}

	f := s.Frags[*ev.Idx]
	switch ev.Kind {
	case KindFragMuted:
		f.Muted = true
	case KindFragUnmuteSuccess:
		f.Unmute = Succeeded
		f.UnmuteURL = ev.URL
		f.SameFormat = ev.SameFormat
	case KindFragUnmuteFailure:
		f.Unmute = Failed
	case KindFragDownloadSuccess:
		f.Download = Succeeded
		f.Size = ev.Size
		f.Seconds = ev.Seconds
	case KindFragDownloadFailure:
		f.Download = Failed
	case KindFragDownloadUnmutedSuccess:
		f.DownloadUnmuted = Succeeded
	case KindFragDownloadUnmutedFailure:
		f.DownloadUnmuted = Failed
	case KindFragReplaceAudioSuccess:
		f.ReplaceAudio = Succeeded
	case KindFragReplaceAudioFailure:
		f.ReplaceAudio = Failed
	default:
		return
	}
	s.Frags[*ev.Idx] = f
}

type Stats struct {
	Fragments       int
	Downloaded      int
	Failed          int
	Muted           int
	Unmuted         int
	UnmuteFailed    int
	AudioReplaced   int
	TotalSize       int64
	DownloadSeconds float64
}

func (s State) Stats() Stats {
	var st Stats
	for _, f := range s.Frags {
		st.Fragments++
		switch f.Download {
		case Succeeded:
			st.Downloaded++
			st.TotalSize += f.Size
			st.DownloadSeconds += f.Seconds
		case Failed:
			st.Failed++
		}
		if f.Muted {
			st.Muted++
		}
		switch f.Unmute {
		case Succeeded:
			st.Unmuted++
		case Failed:
			st.UnmuteFailed++
		}
		if f.ReplaceAudio == Succeeded {
			st.AudioReplaced++
		}
	}
	return st
}
