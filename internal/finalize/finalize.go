// Package finalize decides whether the VOD backing a live broadcast is still
// growing, stalled, or complete.
package finalize

import (
	"strings"
	"time"
)

type Status int

const (
	Online Status = iota
	Offline
	Finalized
)

func (s Status) String() string {
	switch s {
	case Online:
		return "ONLINE"
	case Offline:
		return "OFFLINE"
	case Finalized:
		return "FINALIZED"
	}
	return "UNKNOWN"
}

// GraceWindow is how long a broadcast must stay gone before its VOD is
// considered complete.
const GraceWindow = 8 * time.Minute

// Twitch serves this placeholder as the preview of a VOD that is still live.
const processingThumbnail = "/_404/404_processing_"

// State is carried from one poll to the next by the caller.
type State struct {
	// LastLive is the last time the broadcast was observed live.
	LastLive time.Time
}

type VideoInfo struct {
	PreviewThumbnailURL string
	PublishedAt         time.Time
	Length              time.Duration
}

func IsProcessingThumbnail(u string) bool {
	return strings.Contains(u, processingThumbnail)
}

// FromVideo judges the archived VOD's own metadata.
func FromVideo(v *VideoInfo, state State, now time.Time) (Status, State) {
	if IsProcessingThumbnail(v.PreviewThumbnailURL) {
		state.LastLive = now
		return Online, state
	}

	ended := v.PublishedAt.Add(v.Length)
	if now.Sub(ended) > GraceWindow {
		return Finalized, state
	}
	return Offline, state
}

// FromBroadcast judges the channel's current broadcast identity. An empty
// currentStreamID means the channel is offline.
func FromBroadcast(currentStreamID, recordedStreamID string, state State, now time.Time) (Status, State) {
	if len(currentStreamID) > 0 && currentStreamID == recordedStreamID {
		state.LastLive = now
		return Online, state
	}

	if now.Sub(state.LastLive) > GraceWindow {
		return Finalized, state
	}
	return Offline, state
}

const endedWindow = 10

// EndedByDurations reports whether the newest fragment breaks the constant
// target duration held by the 9 fragments before it, which happens when the
// broadcast ends.
func EndedByDurations(durations []float64) bool {
	if len(durations) < endedWindow {
		return false
	}

	recent := durations[len(durations)-endedWindow:]
	newest := recent[endedWindow-1]
	target := recent[0]

	for _, d := range recent[:endedWindow-1] {
		if d != target {
			return false
		}
	}

	return newest != target
}

// Combine merges the polled status with the fragment duration signal.
func Combine(status Status, endedByDurations bool) Status {
	if endedByDurations {
		return Finalized
	}
	return status
}
