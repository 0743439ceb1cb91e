package finalize

import (
	"context"
	"time"

	"github.com/Kethsar/twitcharchive/internal/logging"
)

// Source is the metadata needed to judge a live recording. Both methods
// return a zero value and nil error when the data is simply unavailable.
type Source interface {
	Video(ctx context.Context, videoID string) (*VideoInfo, error)
	CurrentStreamID(ctx context.Context, channelID string) (string, error)
}

// Checker is polled once per download cycle.
type Checker interface {
	Poll(ctx context.Context) Status
}

// Static always reports the same status; finished VODs use Static(Finalized).
type Static Status

func (s Static) Poll(context.Context) Status {
	return Status(s)
}

// Poller follows a live broadcast. Once it reports Finalized it keeps doing so.
type Poller struct {
	src       Source
	videoID   string
	channelID string
	streamID  string

	state     State
	finalized bool
	now       func() time.Time
}

// NewPoller starts following the broadcast streamID on channelID. videoID is
// the archived VOD and may be empty.
func NewPoller(src Source, videoID, channelID, streamID string) *Poller {
	return newPoller(src, videoID, channelID, streamID, time.Now)
}

func newPoller(src Source, videoID, channelID, streamID string, now func() time.Time) *Poller {
	return &Poller{
		src:       src,
		videoID:   videoID,
		channelID: channelID,
		streamID:  streamID,
		state:     State{LastLive: now()},
		now:       now,
	}
}

func (p *Poller) State() State {
	return p.state
}

func (p *Poller) Poll(ctx context.Context) Status {
	if p.finalized {
		return Finalized
	}

	status := p.poll(ctx)
	if status == Finalized {
		p.finalized = true
	}
	return status
}

func (p *Poller) poll(ctx context.Context) Status {
	var status Status

	if len(p.videoID) > 0 {
		video, err := p.src.Video(ctx, p.videoID)
		if err != nil {
			logging.Debug("Failed to get metadata for video %s: %s", p.videoID, err)
		} else if video != nil {
			status, p.state = FromVideo(video, p.state, p.now())
			return status
		}
	}

	current, err := p.src.CurrentStreamID(ctx, p.channelID)
	if err != nil {
		logging.Debug("Failed to get the current broadcast for channel %s: %s", p.channelID, err)
		return Offline
	}

	status, p.state = FromBroadcast(current, p.streamID, p.state, p.now())
	return status
}
