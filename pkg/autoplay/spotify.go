package autoplay

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// Spotify's anonymous web-player token endpoint requires a time-based
// one-time password derived from this shared secret. The endpoint and the
// secret both belong to the provider and may stop working at any time;
// the strategy is best-effort and falls through silently on failure.
const (
	spotifyTokenURL = "https://open.spotify.com/get_access_token"
	spotifyRecURL   = "https://api.spotify.com/v1/recommendations"
	spotifyTOTPVer  = "5"
)

var spotifyTOTPSecret = []byte("5507145853487499592248630329347")

// spotifyTOTP computes the RFC 6238 one-time password for the given time:
// 30-second counter, HMAC-SHA-1, 6-digit dynamic truncation.
func spotifyTOTP(secret []byte, now time.Time) string {
	counter := uint64(now.Unix() / 30)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1_000_000)
}

// spotifyAccessToken obtains an anonymous web-player token.
func spotifyAccessToken(ctx context.Context, httpc *http.Client) (string, error) {
	now := time.Now()
	q := url.Values{}
	q.Set("reason", "transport")
	q.Set("productType", "web_player")
	q.Set("totp", spotifyTOTP(spotifyTOTPSecret, now))
	q.Set("totpVer", spotifyTOTPVer)
	q.Set("ts", strconv.FormatInt(now.UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spotifyTokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("autoplay: spotify token endpoint returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("autoplay: spotify token response had no accessToken")
	}
	return body.AccessToken, nil
}

// spotifyStrategy queries the Spotify recommendations endpoint seeded with
// the (platform-native) seed track and resolves one random pick through the
// default search. The recommendations endpoint is deprecated upstream, so
// zero results are expected and not an error.
func spotifyStrategy(ctx context.Context, seed track.Track, deps Deps) ([]track.Track, error) {
	native, ok := seedOnPlatform(ctx, track.SourceSpotify, seed, deps)
	if !ok {
		return nil, nil
	}

	token, err := spotifyAccessToken(ctx, deps.HTTP)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("seed_tracks", native.Identifier)
	q.Set("limit", "10")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spotifyRecURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := deps.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoplay: spotify recommendations returned %s", resp.Status)
	}

	var body struct {
		Tracks []struct {
			ExternalURLs struct {
				Spotify string `json:"spotify"`
			} `json:"external_urls"`
		} `json:"tracks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Tracks) == 0 {
		return nil, nil
	}

	pick := pickRandom(body.Tracks)
	if pick.ExternalURLs.Spotify == "" {
		return nil, nil
	}
	return deps.Search.Search(ctx, pick.ExternalURLs.Spotify, deps.Requester)
}
