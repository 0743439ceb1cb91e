// Package twitch talks to the Twitch GraphQL API and the usher manifest
// service, and knows the URL shapes of archived broadcasts.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Kethsar/twitcharchive/internal/httpx"
	"github.com/Kethsar/twitcharchive/internal/logging"
)

const (
	DefaultGQLURL   = "https://gql.twitch.tv/gql"
	DefaultUsherURL = "https://usher.ttvnw.net"

	// Client-ID of the twitch.tv web player.
	ClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
)

type Client struct {
	http      *http.Client
	authToken string
	deviceID  string

	GQLURL   string
	UsherURL string
}

// NewClient returns a client using httpClient for every request. authToken
// is the value of the auth-token cookie and may be empty.
func NewClient(httpClient *http.Client, authToken string) *Client {
	return &Client{
		http:      httpClient,
		authToken: authToken,
		deviceID:  uuid.NewString(),
		GQLURL:    DefaultGQLURL,
		UsherURL:  DefaultUsherURL,
	}
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

func (c *Client) gql(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GQLURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Client-ID", ClientID)
	req.Header.Set("X-Device-Id", c.deviceID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpx.UserAgent)
	if len(c.authToken) > 0 {
		req.Header.Set("Authorization", "OAuth "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpx.StatusError{URL: c.GQLURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	logging.Trace("GQL response: %s", data)

	var envelope gqlResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode gql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("gql: %s", envelope.Errors[0].Message)
	}

	return json.Unmarshal(envelope.Data, out)
}

type Stream struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	// ArchiveVideoID is the VOD recording this broadcast, empty when the
	// channel does not archive.
	ArchiveVideoID string `json:"-"`
}

type Channel struct {
	ID          string  `json:"id"`
	Login       string  `json:"login"`
	DisplayName string  `json:"displayName"`
	Stream      *Stream `json:"-"`
}

const streamQuery = `query($login: String!) {
	user(login: $login) {
		id
		login
		displayName
		stream {
			id
			title
			createdAt
			archiveVideo { id }
		}
	}
}`

// StreamMetadata looks up a channel and its current broadcast. A missing
// channel returns nil; an offline one has a nil Stream.
func (c *Client) StreamMetadata(ctx context.Context, login string) (*Channel, error) {
	var out struct {
		User *struct {
			Channel
			Stream *struct {
				Stream
				ArchiveVideo *struct {
					ID string `json:"id"`
				} `json:"archiveVideo"`
			} `json:"stream"`
		} `json:"user"`
	}

	if err := c.gql(ctx, streamQuery, map[string]interface{}{"login": login}, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, nil
	}

	ch := out.User.Channel
	if s := out.User.Stream; s != nil {
		stream := s.Stream
		if s.ArchiveVideo != nil {
			stream.ArchiveVideoID = s.ArchiveVideo.ID
		}
		ch.Stream = &stream
	}

	return &ch, nil
}

type Video struct {
	ID                  string
	Title               string
	Description         string
	BroadcastType       string
	Status              string
	CreatedAt           time.Time
	PublishedAt         time.Time
	Length              time.Duration
	PreviewThumbnailURL string
	Owner               Channel
}

const videoQuery = `query($id: ID!) {
	video(id: $id) {
		id
		title
		description
		broadcastType
		status
		createdAt
		publishedAt
		lengthSeconds
		previewThumbnailURL
		owner { id login displayName }
	}
}`

// VideoMetadata returns nil for a video that does not exist or is hidden.
func (c *Client) VideoMetadata(ctx context.Context, id string) (*Video, error) {
	var out struct {
		Video *struct {
			ID                  string    `json:"id"`
			Title               string    `json:"title"`
			Description         string    `json:"description"`
			BroadcastType       string    `json:"broadcastType"`
			Status              string    `json:"status"`
			CreatedAt           time.Time `json:"createdAt"`
			PublishedAt         time.Time `json:"publishedAt"`
			LengthSeconds       int       `json:"lengthSeconds"`
			PreviewThumbnailURL string    `json:"previewThumbnailURL"`
			Owner               *Channel  `json:"owner"`
		} `json:"video"`
	}

	if err := c.gql(ctx, videoQuery, map[string]interface{}{"id": id}, &out); err != nil {
		return nil, err
	}
	if out.Video == nil {
		return nil, nil
	}

	v := out.Video
	video := &Video{
		ID:                  v.ID,
		Title:               v.Title,
		Description:         v.Description,
		BroadcastType:       v.BroadcastType,
		Status:              v.Status,
		CreatedAt:           v.CreatedAt,
		PublishedAt:         v.PublishedAt,
		Length:              time.Duration(v.LengthSeconds) * time.Second,
		PreviewThumbnailURL: v.PreviewThumbnailURL,
	}
	if v.Owner != nil {
		video.Owner = *v.Owner
	}

	return video, nil
}

const broadcastQuery = `query($id: ID!) {
	user(id: $id) {
		stream { id }
	}
}`

// Broadcast returns the id of the channel's current broadcast, or an empty
// string when it is offline or does not exist.
func (c *Client) Broadcast(ctx context.Context, channelID string) (string, error) {
	var out struct {
		User *struct {
			Stream *struct {
				ID string `json:"id"`
			} `json:"stream"`
		} `json:"user"`
	}

	if err := c.gql(ctx, broadcastQuery, map[string]interface{}{"id": channelID}, &out); err != nil {
		return "", err
	}
	if out.User == nil || out.User.Stream == nil {
		return "", nil
	}

	return out.User.Stream.ID, nil
}

type AccessToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

const accessTokenQuery = `query($id: ID!) {
	videoPlaybackAccessToken(id: $id, params: {platform: "web", playerBackend: "mediaplayer", playerType: "site"}) {
		value
		signature
	}
}`

// PlaybackAccessToken returns nil when Twitch refuses to issue a token.
func (c *Client) PlaybackAccessToken(ctx context.Context, videoID string) (*AccessToken, error) {
	var out struct {
		Token *AccessToken `json:"videoPlaybackAccessToken"`
	}

	if err := c.gql(ctx, accessTokenQuery, map[string]interface{}{"id": videoID}, &out); err != nil {
		return nil, err
	}

	return out.Token, nil
}

// VodManifest fetches the master playlist of a VOD. An empty string means
// the video has no playable manifest, usually because it is private or
// subscriber-only.
func (c *Client) VodManifest(ctx context.Context, videoID string) (string, error) {
	tok, err := c.PlaybackAccessToken(ctx, videoID)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", nil
	}

	q := url.Values{}
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("allow_spectre", "true")
	q.Set("player", "twitchweb")
	q.Set("playlist_include_framerate", "true")
	q.Set("nauth", tok.Value)
	q.Set("nauthsig", tok.Signature)
	q.Set("p", strconv.Itoa(int(time.Now().UnixNano()%1000000)))

	u := fmt.Sprintf("%s/vod/%s.m3u8?%s", c.UsherURL, url.PathEscape(videoID), q.Encode())
	text, err := httpx.GetText(ctx, c.http, u)
	if err != nil {
		var statusErr *httpx.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			logging.Debug("Usher refused manifest for video %s: %s", videoID, err)
			return "", nil
		}
		return "", err
	}

	return text, nil
}
