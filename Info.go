package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kethsar/twitcharchive/internal/backend"
	"github.com/Kethsar/twitcharchive/internal/download"
	"github.com/Kethsar/twitcharchive/internal/finalize"
	"github.com/Kethsar/twitcharchive/internal/hls"
	"github.com/Kethsar/twitcharchive/internal/logging"
	"github.com/Kethsar/twitcharchive/internal/twitch"
)

// Twitch marks a VOD that is still being written.
const StatusRecording = "RECORDING"

var (
	ErrChannelNotFound = errors.New("channel does not exist")
	ErrChannelOffline  = errors.New("channel is not live")
	ErrVideoNotFound   = errors.New("video does not exist or is hidden")
	ErrVodNotFound     = errors.New("could not find the VOD storage of the broadcast")
)

// DownloadInfo is everything known about the requested video before the
// download starts.
type DownloadInfo struct {
	URL       string
	VideoID   string
	StreamID  string
	ChannelID string
	Login     string
	Channel   string

	Title       string
	Description string
	CreatedAt   time.Time

	// Live is set while the broadcast behind the VOD is still running.
	Live    bool
	Formats []twitch.Format
	Checker finalize.Checker
}

// GetDownloadInfo resolves a video or channel URL. Probing for the storage of
// a broadcast without a VOD id goes through b.
func GetDownloadInfo(ctx context.Context, tw *twitch.Client, b backend.Backend, rawURL string) (*DownloadInfo, error) {
	target, err := twitch.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	di := &DownloadInfo{URL: rawURL}
	if len(target.VideoID) > 0 {
		err = di.loadVideo(ctx, tw, target.VideoID)
	} else {
		err = di.loadChannel(ctx, tw, b, target.Login)
	}
	if err != nil {
		return nil, err
	}

	return di, nil
}

func (di *DownloadInfo) loadVideo(ctx context.Context, tw *twitch.Client, id string) error {
	video, err := tw.VideoMetadata(ctx, id)
	if err != nil {
		return fmt.Errorf("video metadata: %w", err)
	}
	if video == nil {
		return fmt.Errorf("%w: %s", ErrVideoNotFound, id)
	}

	di.VideoID = video.ID
	di.Title = video.Title
	di.Description = video.Description
	di.CreatedAt = video.CreatedAt
	di.ChannelID = video.Owner.ID
	di.Login = video.Owner.Login
	di.Channel = video.Owner.DisplayName

	manifest, err := tw.VodManifest(ctx, id)
	if err != nil {
		return fmt.Errorf("vod manifest: %w", err)
	}
	if len(manifest) == 0 {
		return download.ErrPlaylistUnavailable
	}

	master, err := hls.ParseMaster(manifest)
	if err != nil {
		return fmt.Errorf("vod manifest: %w", err)
	}
	di.Formats = twitch.FormatsFromMaster(master)

	live := video.Status == StatusRecording || finalize.IsProcessingThumbnail(video.PreviewThumbnailURL)
	if !live {
		di.Checker = finalize.Static(finalize.Finalized)
		return nil
	}

	di.Live = true
	if len(di.StreamID) == 0 && len(di.Login) > 0 {
		ch, err := tw.StreamMetadata(ctx, di.Login)
		if err != nil {
			logging.Debug("Failed to look up the broadcast of %s: %s", di.Login, err)
		} else if ch != nil && ch.Stream != nil && ch.Stream.ArchiveVideoID == di.VideoID {
			di.StreamID = ch.Stream.ID
		}
	}
	di.Checker = finalize.NewPoller(twitchSource{tw}, di.VideoID, di.ChannelID, di.StreamID)

	return nil
}

func (di *DownloadInfo) loadChannel(ctx context.Context, tw *twitch.Client, b backend.Backend, login string) error {
	ch, err := tw.StreamMetadata(ctx, login)
	if err != nil {
		return fmt.Errorf("channel metadata: %w", err)
	}
	if ch == nil {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, login)
	}
	if ch.Stream == nil {
		return fmt.Errorf("%w: %s", ErrChannelOffline, login)
	}

	di.ChannelID = ch.ID
	di.Login = ch.Login
	di.Channel = ch.DisplayName
	di.StreamID = ch.Stream.ID
	di.Title = ch.Stream.Title
	di.CreatedAt = ch.Stream.CreatedAt

	if id := ch.Stream.ArchiveVideoID; len(id) > 0 {
		err := di.loadVideo(ctx, tw, id)
		if err == nil {
			return nil
		}
		logging.Warn("Could not use VOD %s of the broadcast, searching its storage instead: %s", id, err)
		di.VideoID = ""
	}

	formats, err := GuessFormats(ctx, b, di.Login, di.StreamID, di.CreatedAt)
	if err != nil {
		return err
	}

	di.Formats = formats
	di.Live = true
	di.Checker = finalize.NewPoller(twitchSource{tw}, "", di.ChannelID, di.StreamID)
	return nil
}

// GuessFormats finds the VOD storage of a broadcast from its login, id and
// start time, and returns the tracks found there.
func GuessFormats(ctx context.Context, b backend.Backend, login, streamID string, startedAt time.Time) ([]twitch.Format, error) {
	var base string
	for _, r := range b.Probe(ctx, twitch.GuessVodURLs(login, streamID, startedAt, twitch.KnownTracks[0])) {
		if r.Reachable() {
			base = r.URL
			break
		}
	}
	if len(base) == 0 {
		return nil, fmt.Errorf("%w: stream %s", ErrVodNotFound, streamID)
	}
	logging.Info("Found VOD storage at %s", base)

	candidates := twitch.FormatsFromTracks(base, twitch.KnownTracks)
	urls := make([]string, len(candidates))
	for i, f := range candidates {
		urls[i] = f.URL
	}

	var formats []twitch.Format
	for i, r := range b.Probe(ctx, urls) {
		if r.Reachable() {
			formats = append(formats, candidates[i])
		}
	}

	return formats, nil
}

// FormatInfo returns the output template values.
func (di *DownloadInfo) FormatInfo(format twitch.Format, ext string) map[string]string {
	id := di.VideoID
	if len(id) == 0 {
		id = "s" + di.StreamID
	}

	date := di.CreatedAt.UTC()
	return map[string]string{
		"id":          id,
		"url":         di.URL,
		"title":       di.Title,
		"description": di.Description,
		"channel":     di.Channel,
		"channel_id":  di.ChannelID,
		"login":       di.Login,
		"uploader":    di.Channel,
		"uploader_id": di.Login,
		"stream_id":   di.StreamID,
		"upload_date": date.Format("20060102"),
		"start_date":  date.Format("20060102"),
		"timestamp":   fmt.Sprint(date.Unix()),
		"format_id":   format.ID,
		"format":      format.Name,
		"ext":         ext,
	}
}

// twitchSource feeds the finalization poller from the Twitch API.
type twitchSource struct {
	tw *twitch.Client
}

func (s twitchSource) Video(ctx context.Context, videoID string) (*finalize.VideoInfo, error) {
	v, err := s.tw.VideoMetadata(ctx, videoID)
	if err != nil || v == nil {
		return nil, err
	}

	return &finalize.VideoInfo{
		PreviewThumbnailURL: v.PreviewThumbnailURL,
		PublishedAt:         v.PublishedAt,
		Length:              v.Length,
	}, nil
}

func (s twitchSource) CurrentStreamID(ctx context.Context, channelID string) (string, error) {
	return s.tw.Broadcast(ctx, channelID)
}
