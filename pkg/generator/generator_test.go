package generator

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/badge"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/metrics"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/profile"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/storage"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/theme"
	"github.com/zteeed/RootMe-Badge-Generator/pkg/upstream"
)

const (
	publicURL  = "https://badges.test"
	siteURL    = "https://www.root-me.test"
	aliceImage = siteURL + "/IMG/auteurs/auton7.png"
	aliceDir   = "4dafb49aecba1bd9649a14bc33461e47"
)

type fakeUpstream struct {
	resolutions map[string]upstream.Resolution
	profiles    map[int]upstream.RawProfile
	files       map[string][]byte
	err         error
}

func (f *fakeUpstream) Resolve(raw string) (upstream.Resolution, error) {
	if f.err != nil {
		return upstream.Resolution{}, f.err
	}
	if r, ok := f.resolutions[raw]; ok {
		return r, nil
	}
	return upstream.Resolution{Query: raw, Status: upstream.Unknown}, nil
}

func (f *fakeUpstream) Profile(id upstream.Identity) (upstream.RawProfile, bool, error) {
	p, ok := f.profiles[id.ID]
	return p, ok, nil
}

func (f *fakeUpstream) Download(rawURL string) ([]byte, error) {
	data, ok := f.files[rawURL]
	if !ok {
		return nil, upstream.ErrAvatarNotFound
	}
	return data, nil
}

func pngOf(t *testing.T, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	fs       afero.Fs
	up       *fakeUpstream
	counters *upstream.CounterStore
	reg      *prometheus.Registry
	gen      *Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/assets/font.ttf", goregular.TTF, 0644))
	require.NoError(t, afero.WriteFile(fs, "/assets/skull-black.png", pngOf(t, 32, color.NRGBA{A: 255}), 0644))
	require.NoError(t, afero.WriteFile(fs, "/assets/skull-white.png", pngOf(t, 32, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), 0644))

	up := &fakeUpstream{
		resolutions: map[string]upstream.Resolution{
			"alice": {Query: "alice", Status: upstream.Resolved, Identity: upstream.Identity{Username: "alice", ID: 7}},
			"zero":  {Query: "zero", Status: upstream.Resolved, Identity: upstream.Identity{Username: "zero", ID: 99}},
			"twins": {Query: "twins", Status: upstream.Ambiguous, Candidates: []upstream.Candidate{
				{Identity: upstream.Identity{Username: "twins", ID: 2}, Score: 50, Label: "twins-2"},
				{Identity: upstream.Identity{Username: "twins", ID: 1}, Score: 10, Label: "twins-1"},
			}},
		},
		profiles: map[int]upstream.RawProfile{
			7: {ID: 7, Name: "alice", Score: 1234, Position: 42},
		},
		files: map[string][]byte{
			aliceImage:                          pngOf(t, 40, color.NRGBA{R: 200, A: 255}),
			siteURL + "/IMG/auteurs/auton0.png": pngOf(t, 40, color.NRGBA{B: 200, A: 255}),
		},
	}

	details := upstream.NewMemoryDetails()
	details.Add(7, upstream.Details{Avatar: aliceImage, Rank: "Hacker"})
	details.Add(99, upstream.Details{Avatar: siteURL + "/IMG/auteurs/auton0.png", Rank: upstream.DefaultRank})

	counters := upstream.NewCounterStore()
	counters.Store(upstream.Counters{Challenges: 500, Users: 8400})

	reg := prometheus.NewRegistry()
	store := storage.New(fs, "/srv/storage_clients", badge.NewRenderer(fs, "/assets/font.ttf"), theme.Default("/assets"))
	gen := New(up, details, counters, store, Config{PublicURL: publicURL + "/", SiteURL: siteURL, Metrics: metrics.New(reg)})
	return &fixture{fs: fs, up: up, counters: counters, reg: reg, gen: gen}
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)

	res, err := f.gen.Generate("alice")
	require.NoError(t, err)
	require.Equal(t, upstream.Resolved, res.Status)

	assert.Equal(t, "alice-7", res.Profile.Fullname)
	assert.Equal(t, "0.50%", res.Profile.TopPercent)
	assert.Equal(t, aliceImage, res.Profile.AvatarURL)
	assert.Equal(t, publicURL+"/storage_clients/"+aliceDir+"/avatar.png", res.AvatarURL)

	require.Len(t, res.Badges, 2)
	assert.Equal(t, "dark", res.Badges[0].Theme)
	assert.Equal(t, publicURL+"/storage_clients/"+aliceDir+"/static_badge_dark.png", res.Badges[0].URL)
	assert.Equal(t, "light", res.Badges[1].Theme)
	assert.Equal(t, publicURL+"/storage_clients/"+aliceDir+"/badge.js", res.Script.URL)

	for _, name := range []string{"avatar.png", "static_badge_dark.png", "static_badge_light.png", "badge.js"} {
		exists, err := afero.Exists(f.fs, "/srv/storage_clients/"+aliceDir+"/"+name)
		require.NoError(t, err)
		assert.True(t, exists, name)
	}

	t.Run("script embeds the local avatar", func(t *testing.T) {
		script, err := afero.ReadFile(f.fs, res.Script.Path)
		require.NoError(t, err)
		payload := strings.TrimSuffix(strings.TrimPrefix(string(script), `document.write(window.atob("`), `"))`)
		html, err := base64.StdEncoding.DecodeString(payload)
		require.NoError(t, err)
		assert.Contains(t, string(html), res.AvatarURL)
		assert.Contains(t, string(html), "42/8400 (Top 0.50%)")
		assert.NotContains(t, string(html), aliceImage)
	})

	t.Run("regeneration reuses the folder", func(t *testing.T) {
		again, err := f.gen.Generate("alice")
		require.NoError(t, err)
		assert.Equal(t, res.Badges, again.Badges)
	})
}

type seededDetails struct {
	*upstream.MemoryDetails
	seen map[int]upstream.RawProfile
}

func (s *seededDetails) Remember(id upstream.Identity, rec upstream.RawProfile) {
	s.seen[id.ID] = rec
}

func TestGenerateSharesFetchedRecord(t *testing.T) {
	f := newFixture(t)
	details := &seededDetails{MemoryDetails: upstream.NewMemoryDetails(), seen: make(map[int]upstream.RawProfile)}
	details.Add(7, upstream.Details{Avatar: aliceImage, Rank: "Hacker"})
	details.Add(99, upstream.Details{Avatar: siteURL + "/IMG/auteurs/auton0.png", Rank: upstream.DefaultRank})
	f.gen.details = details

	_, err := f.gen.Generate("alice")
	require.NoError(t, err)
	assert.Equal(t, f.up.profiles[7], details.seen[7])

	_, err = f.gen.Generate("zero")
	require.NoError(t, err)
	assert.Equal(t, profile.Synthetic(upstream.Identity{Username: "zero", ID: 99}, upstream.Counters{Challenges: 500, Users: 8400}), details.seen[99])
}

func TestGenerateZeroScoreUser(t *testing.T) {
	f := newFixture(t)

	res, err := f.gen.Generate("zero")
	require.NoError(t, err)
	require.Equal(t, upstream.Resolved, res.Status)
	assert.Equal(t, 0, res.Profile.Score)
	assert.Equal(t, 8400, res.Profile.Ranking)
	assert.Equal(t, "100.00%", res.Profile.TopPercent)
	assert.Equal(t, upstream.DefaultRank, res.Profile.RankTitle)
}

func TestGenerateWithoutCounters(t *testing.T) {
	f := newFixture(t)
	f.gen.counters = upstream.NewCounterStore()

	res, err := f.gen.Generate("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Profile.RankingTot)
	assert.Equal(t, 0, res.Profile.ChallengesTotal)
}

func TestGenerateUnresolved(t *testing.T) {
	f := newFixture(t)

	t.Run("ambiguous", func(t *testing.T) {
		res, err := f.gen.Generate("twins")
		require.NoError(t, err)
		assert.Equal(t, upstream.Ambiguous, res.Status)
		require.Len(t, res.Candidates, 2)
		assert.Equal(t, "twins-2", res.Candidates[0].Label)
		assert.Empty(t, res.Badges)
	})

	t.Run("unknown", func(t *testing.T) {
		res, err := f.gen.Generate("nobody")
		require.NoError(t, err)
		assert.Equal(t, upstream.Unknown, res.Status)
	})

	exists, err := afero.DirExists(f.fs, "/srv/storage_clients")
	require.NoError(t, err)
	assert.False(t, exists)

	expected := `
# HELP rmbadge_badge_requests_total Badge generation requests by result.
# TYPE rmbadge_badge_requests_total counter
rmbadge_badge_requests_total{status="ambiguous"} 1
rmbadge_badge_requests_total{status="unknown"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "rmbadge_badge_requests_total"))
}

func TestGenerateErrors(t *testing.T) {
	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t)
		f.up.err = &upstream.AuthenticationError{Status: 500}

		_, err := f.gen.Generate("alice")
		var authErr *upstream.AuthenticationError
		assert.True(t, errors.As(err, &authErr))
	})

	t.Run("avatar download fails", func(t *testing.T) {
		f := newFixture(t)
		delete(f.up.files, aliceImage)

		_, err := f.gen.Generate("alice")
		assert.ErrorIs(t, err, upstream.ErrAvatarNotFound)
	})

	t.Run("missing font", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.fs.Remove("/assets/font.ttf"))

		_, err := f.gen.Generate("alice")
		var missing *badge.AssetMissingError
		assert.True(t, errors.As(err, &missing))
	})
}

func TestFragmentEscapes(t *testing.T) {
	html, err := Fragment(profile.Profile{Name: `<script>alert(1)</script>`, URL: "https://www.root-me.test/x-1"}, "https://badges.test/a.png")
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}
