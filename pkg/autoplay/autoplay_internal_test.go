package autoplay

import (
	"testing"
	"time"

	"github.com/magmastream/magmastream-go/pkg/track"
)

func trackWithURI(uri string) track.Track {
	return track.Track{URI: uri}
}

func TestSpotifyTOTP(t *testing.T) {
	t.Parallel()
	// RFC 6238 test vector: secret "12345678901234567890", T=59s → "287082"
	// for the 8-digit variant; the 6-digit truncation of the same HMAC is
	// "287082" mod 10^6 family — computed reference value below.
	secret := []byte("12345678901234567890")
	got := spotifyTOTP(secret, time.Unix(59, 0))
	if got != "287082" {
		t.Errorf("spotifyTOTP = %q, want %q", got, "287082")
	}
	if len(got) != 6 {
		t.Errorf("TOTP must be 6 digits, got %q", got)
	}
}

func TestSpotifyTOTP_StableWithinWindow(t *testing.T) {
	t.Parallel()
	a := spotifyTOTP(spotifyTOTPSecret, time.Unix(1_700_000_010, 0))
	b := spotifyTOTP(spotifyTOTPSecret, time.Unix(1_700_000_020, 0))
	if a != b {
		t.Errorf("codes within one 30s window must match: %q vs %q", a, b)
	}
	c := spotifyTOTP(spotifyTOTPSecret, time.Unix(1_700_000_040, 0))
	if a == c {
		t.Error("codes across windows should differ")
	}
}

func TestExtractRecommendedPaths(t *testing.T) {
	t.Parallel()
	html := `
<html><body>
<a href="/discover/sets/x">nope</a>
<h2>Related tracks</h2>
<ul>
  <li><a href="/artist-one/cool-track">Cool Track</a></li>
  <li><a href="/artist-one">profile link, skipped</a></li>
  <li><a href="/tags/house">tag, skipped</a></li>
  <li><a href="/artist-two/other-track?in=playlist">query, skipped</a></li>
  <li><a href="/artist-three/banger">Banger</a></li>
  <li><a href="/artist-three/banger">duplicate, skipped</a></li>
  <li><a href="https://cdn.example/asset.js">absolute, skipped</a></li>
</ul>
</body></html>`
	got := extractRecommendedPaths(html)
	want := []string{"/artist-one/cool-track", "/artist-three/banger"}
	if len(got) != len(want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestYouTubeVideoID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		uri  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://music.youtube.com/watch?v=abc123", "abc123"},
		{"https://soundcloud.com/a/b", ""},
	}
	for _, tc := range cases {
		got := youTubeVideoID(trackWithURI(tc.uri))
		if got != tc.want {
			t.Errorf("youTubeVideoID(%q) = %q, want %q", tc.uri, got, tc.want)
		}
	}
}
