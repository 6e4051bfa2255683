package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"social-post-scheduler/internal/models"
)

// YouTube uploads videos with the resumable upload protocol. The stored
// refresh token is exchanged for a fresh access token on every publish, since
// Google access tokens are short-lived.
type YouTube struct {
	clientID     string
	clientSecret string
	fetch        fetcher
	httpClient   *http.Client
	tokenURL     string
	uploadBase   string
}

func NewYouTube(clientID, clientSecret string, mediaLimit int64) *YouTube {
	client := &http.Client{Timeout: 5 * time.Minute}
	return &YouTube{
		clientID:     clientID,
		clientSecret: clientSecret,
		fetch:        newFetcher(client, mediaLimit),
		httpClient:   client,
		tokenURL:     "https://oauth2.googleapis.com/token",
		uploadBase:   "https://www.googleapis.com/upload/youtube/v3",
	}
}

func (p *YouTube) Platform() models.Platform { return models.PlatformYouTube }

func (p *YouTube) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	if account.RefreshToken == "" {
		return Result{}, fmt.Errorf("youtube refresh token missing")
	}
	if post.MediaURL == "" {
		return Result{}, fmt.Errorf("youtube requires a video url")
	}

	cfg := &oauth2.Config{
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.tokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken}).Token()
	if err != nil {
		return Result{}, fmt.Errorf("refresh youtube token: %w", err)
	}

	video, _, err := p.fetch.Fetch(ctx, post.MediaURL)
	if err != nil {
		return Result{}, err
	}

	title := post.Title
	if title == "" {
		title = "Untitled"
	}
	meta, err := json.Marshal(map[string]any{
		"snippet": map[string]any{
			"title":       title,
			"description": post.Caption,
		},
		"status": map[string]any{"privacyStatus": "public"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal video metadata: %w", err)
	}

	// Step 1: initiate the resumable session; the upload URL comes back in the
	// Location header.
	initReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.uploadBase+"/videos?uploadType=resumable&part=snippet,status", bytes.NewReader(meta))
	if err != nil {
		return Result{}, fmt.Errorf("build initiate request: %w", err)
	}
	initReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	initReq.Header.Set("Content-Type", "application/json; charset=UTF-8")
	initReq.Header.Set("X-Upload-Content-Length", strconv.Itoa(len(video)))
	initReq.Header.Set("X-Upload-Content-Type", "video/mp4")

	initResp, err := p.httpClient.Do(initReq)
	if err != nil {
		return Result{}, fmt.Errorf("initiate youtube upload: %w", err)
	}
	defer initResp.Body.Close()
	if initResp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("initiate youtube upload", initResp)
	}
	uploadURL := initResp.Header.Get("Location")
	if uploadURL == "" {
		return Result{}, fmt.Errorf("youtube returned no resumable upload url")
	}

	// Step 2: push the video bytes to the session URL.
	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(video))
	if err != nil {
		return Result{}, fmt.Errorf("build upload request: %w", err)
	}
	putReq.Header.Set("Content-Type", "video/mp4")

	putResp, err := p.httpClient.Do(putReq)
	if err != nil {
		return Result{}, fmt.Errorf("upload youtube video: %w", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("upload youtube video", putResp)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	raw, err := decodeJSON(putResp, &uploaded)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: uploaded.ID, Raw: raw}, nil
}
