package unmute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kethsar/twitcharchive/internal/backend"
)

const base = "https://d2nvs31859zcd8.cloudfront.net/abc123_somestreamer_42_1700000000"

// fakeProber answers from a fixed table of plain and gzip reachable URLs.
type fakeProber struct {
	plain  map[string]bool
	gzip   map[string]bool
	probed [][]string
}

func (f *fakeProber) Probe(_ context.Context, urls []string) []backend.ProbeResult {
	f.probed = append(f.probed, urls)
	results := make([]backend.ProbeResult, len(urls))
	for i, u := range urls {
		results[i] = backend.ProbeResult{URL: u, OK: f.plain[u], GzipOK: f.gzip[u]}
	}
	return results
}

func formats(tracks ...string) []Format {
	out := make([]Format, len(tracks))
	for i, t := range tracks {
		out[i] = Format{ID: t, URL: base + "/" + t + "/index-dvr.m3u8"}
	}
	return out
}

func TestSameFormat(t *testing.T) {
	muted := base + "/chunked/5-muted.ts"
	unmuted := base + "/chunked/5.ts"

	tests := []struct {
		name  string
		plain bool
		gzip  bool
		want  *Result
	}{
		{"plain", true, true, &Result{SameFormat: true, URL: unmuted, Gzip: false}},
		{"gzip only", false, true, &Result{SameFormat: true, URL: unmuted, Gzip: true}},
		{"unreachable", false, false, nil},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p := &fakeProber{
				plain: map[string]bool{unmuted: tc.plain},
				gzip:  map[string]bool{unmuted: tc.gzip},
			}

			got, err := Resolve(context.Background(), p, PolicySameFormat, muted, formats("chunked", "720p60"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, [][]string{{unmuted}}, p.probed)
		})
	}
}

func TestOff(t *testing.T) {
	p := &fakeProber{}
	got, err := Resolve(context.Background(), p, PolicyOff, base+"/chunked/5-muted.ts", formats("chunked"))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, p.probed)
}

func TestUnknownPolicy(t *testing.T) {
	_, err := Resolve(context.Background(), &fakeProber{}, Policy("loudest"), base+"/chunked/5-muted.ts", nil)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = ParsePolicy("loudest")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	p, err := ParsePolicy(" Quality ")
	require.NoError(t, err)
	assert.Equal(t, PolicyQuality, p)
}

func TestQualityPrefersSameTrack(t *testing.T) {
	p := &fakeProber{plain: map[string]bool{
		base + "/chunked/5.ts": true,
		base + "/720p60/5.ts":  true,
		base + "/480p30/5.ts":  true,
	}}

	got, err := Resolve(context.Background(), p, PolicyQuality, base+"/720p60/5-muted.ts", formats("chunked", "720p60", "480p30"))
	require.NoError(t, err)
	assert.Equal(t, &Result{SameFormat: true, URL: base + "/720p60/5.ts"}, got)
}

func TestQualityTakesLastReachable(t *testing.T) {
	p := &fakeProber{
		plain: map[string]bool{base + "/chunked/5.ts": true},
		gzip:  map[string]bool{base + "/480p30/5.ts": true},
	}

	got, err := Resolve(context.Background(), p, PolicyQuality, base+"/720p60/5-muted.ts",
		formats("chunked", "720p60", "480p30", "160p30", "audio_only"))
	require.NoError(t, err)
	assert.Equal(t, &Result{SameFormat: false, URL: base + "/480p30/5.ts", Gzip: true}, got)

	require.Len(t, p.probed, 1)
	assert.Equal(t, []string{
		base + "/chunked/5.ts",
		base + "/720p60/5.ts",
		base + "/480p30/5.ts",
	}, p.probed[0])
}

func TestAnyIncludesLowTracks(t *testing.T) {
	p := &fakeProber{plain: map[string]bool{base + "/audio_only/5.ts": true}}

	got, err := Resolve(context.Background(), p, PolicyAny, base+"/720p60/5-muted.ts", formats("chunked", "720p60", "audio_only"))
	require.NoError(t, err)
	assert.Equal(t, &Result{URL: base + "/audio_only/5.ts"}, got)
}

func TestAnyOnAudioOnlyIsSameFormat(t *testing.T) {
	p := &fakeProber{plain: map[string]bool{base + "/audio_only/5.ts": true}}

	got, err := Resolve(context.Background(), p, PolicyAny, base+"/audio_only/5-muted.ts", formats("chunked", "audio_only"))
	require.NoError(t, err)
	assert.Equal(t, &Result{SameFormat: true, URL: base + "/audio_only/5.ts"}, got)
	assert.Equal(t, [][]string{{base + "/audio_only/5.ts"}}, p.probed)
}

func TestDefaultPolicy(t *testing.T) {
	assert.Equal(t, PolicySameFormat, DefaultPolicy("audio_only"))
	assert.Equal(t, PolicySameFormat, DefaultPolicy("160p30"))
	assert.Equal(t, PolicySameFormat, DefaultPolicy("360p30"))
	assert.Equal(t, PolicyQuality, DefaultPolicy("chunked"))

	p := &fakeProber{plain: map[string]bool{base + "/160p30/5.ts": true}}
	got, err := Resolve(context.Background(), p, PolicyDefault, base+"/160p30/5-muted.ts", formats("chunked", "160p30"))
	require.NoError(t, err)
	assert.True(t, got.SameFormat)
	assert.Len(t, p.probed[0], 1)
}

func TestFragmentNames(t *testing.T) {
	assert.True(t, IsMuted(base+"/chunked/12-muted.ts"))
	assert.False(t, IsMuted(base+"/chunked/12.ts"))
	assert.True(t, IsLegacyUnmuted(base+"/chunked/12-unmuted.ts"))

	assert.Equal(t, base+"/chunked/12.ts", Unmuted(base+"/chunked/12-muted.ts"))
	assert.Equal(t, base+"/chunked/12.mp4", Unmuted(base+"/chunked/12-muted.mp4"))
	assert.Equal(t, base+"/chunked/12-muted.ts", Muted(base+"/chunked/12-unmuted.ts"))
	assert.Equal(t, base+"/chunked/12.ts", Unmuted(base+"/chunked/12.ts"))
}

func TestTracks(t *testing.T) {
	assert.Equal(t, "chunked", TrackOf(base+"/chunked/index-dvr.m3u8"))
	assert.Equal(t, "", TrackOf("https://example.com/index.m3u8"))

	u, ok := ReplaceTrack(base+"/chunked/3.ts", "chunked", "720p60")
	require.True(t, ok)
	assert.Equal(t, base+"/720p60/3.ts", u)

	_, ok = ReplaceTrack(base+"/chunked/3.ts", "480p30", "720p60")
	assert.False(t, ok)
}
