package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"social-post-scheduler/internal/models"
)

// twitterChunkSize is the APPEND segment size for chunked video uploads.
const twitterChunkSize = 5 * 1024 * 1024

// Twitter posts tweets with optional media. Requests are OAuth1-signed with
// the app's consumer keypair and the client's stored token pair. Images go up
// in one shot; video uses the chunked INIT/APPEND/FINALIZE flow.
type Twitter struct {
	consumerKey    string
	consumerSecret string
	mediaLimit     int64
	apiBase        string
	uploadBase     string
}

func NewTwitter(consumerKey, consumerSecret string, mediaLimit int64) *Twitter {
	return &Twitter{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		mediaLimit:     mediaLimit,
		apiBase:        "https://api.twitter.com",
		uploadBase:     "https://upload.twitter.com",
	}
}

func (p *Twitter) Platform() models.Platform { return models.PlatformTwitter }

func (p *Twitter) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	if account.AccessToken == "" || account.TokenSecret == "" {
		return Result{}, fmt.Errorf("twitter oauth credentials missing")
	}

	cfg := oauth1.NewConfig(p.consumerKey, p.consumerSecret)
	client := cfg.Client(ctx, oauth1.NewToken(account.AccessToken, account.TokenSecret))
	client.Timeout = 2 * time.Minute

	var mediaID string
	if post.MediaURL != "" {
		// Media downloads go out unsigned; only the upload calls need OAuth.
		data, mime, err := newFetcher(nil, p.mediaLimit).Fetch(ctx, post.MediaURL)
		if err != nil {
			return Result{}, err
		}
		switch {
		case strings.HasPrefix(mime, "video/"):
			mediaID, err = p.uploadChunked(ctx, client, data, mime)
		case strings.HasPrefix(mime, "image/"):
			mediaID, err = p.uploadSimple(ctx, client, data)
		default:
			err = fmt.Errorf("unsupported media type %q", mime)
		}
		if err != nil {
			return Result{}, err
		}
	}

	tweet := map[string]any{"text": post.Body()}
	if mediaID != "" {
		tweet["media"] = map[string]any{"media_ids": []string{mediaID}}
	}
	payload, err := json.Marshal(tweet)
	if err != nil {
		return Result{}, fmt.Errorf("marshal tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("post tweet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("post tweet", resp)
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	raw, err := decodeJSON(resp, &created)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: created.Data.ID, Raw: raw}, nil
}

// uploadSimple sends an image as one multipart request.
func (p *Twitter) uploadSimple(ctx context.Context, client *http.Client, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", "media")
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadBase+"/1.1/media/upload.json", &buf)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", apiError("upload media", resp)
	}
	var uploaded struct {
		MediaIDString string `json:"media_id_string"`
	}
	if _, err := decodeJSON(resp, &uploaded); err != nil {
		return "", err
	}
	if uploaded.MediaIDString == "" {
		return "", fmt.Errorf("media upload returned no media id")
	}
	return uploaded.MediaIDString, nil
}

// uploadChunked runs the INIT/APPEND/FINALIZE flow for video.
func (p *Twitter) uploadChunked(ctx context.Context, client *http.Client, data []byte, mime string) (string, error) {
	initResp, err := p.uploadCommand(ctx, client, url.Values{
		"command":        {"INIT"},
		"media_type":     {mime},
		"total_bytes":    {strconv.Itoa(len(data))},
		"media_category": {"tweet_video"},
	})
	if err != nil {
		return "", fmt.Errorf("chunked INIT: %w", err)
	}
	mediaID := initResp.MediaIDString
	if mediaID == "" {
		return "", fmt.Errorf("chunked INIT returned no media id")
	}

	for segment, offset := 0, 0; offset < len(data); segment, offset = segment+1, offset+twitterChunkSize {
		end := offset + twitterChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := p.appendChunk(ctx, client, mediaID, segment, data[offset:end]); err != nil {
			return "", fmt.Errorf("chunked APPEND %d: %w", segment, err)
		}
	}

	finalResp, err := p.uploadCommand(ctx, client, url.Values{
		"command":  {"FINALIZE"},
		"media_id": {mediaID},
	})
	if err != nil {
		return "", fmt.Errorf("chunked FINALIZE: %w", err)
	}

	// Video processing can continue server-side after FINALIZE.
	for state := finalResp.ProcessingInfo.State; state == "pending" || state == "in_progress"; {
		wait := finalResp.ProcessingInfo.CheckAfterSecs
		if wait <= 0 {
			wait = 1
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(wait) * time.Second):
		}
		finalResp, err = p.uploadCommand(ctx, client, url.Values{
			"command":  {"STATUS"},
			"media_id": {mediaID},
		})
		if err != nil {
			return "", fmt.Errorf("chunked STATUS: %w", err)
		}
		state = finalResp.ProcessingInfo.State
		if state == "failed" {
			return "", fmt.Errorf("video processing failed: %s", finalResp.ProcessingInfo.Error.Message)
		}
	}

	return mediaID, nil
}

type twitterUploadResponse struct {
	MediaIDString  string `json:"media_id_string"`
	ProcessingInfo struct {
		State          string `json:"state"`
		CheckAfterSecs int    `json:"check_after_secs"`
		Error          struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"processing_info"`
}

func (p *Twitter) uploadCommand(ctx context.Context, client *http.Client, params url.Values) (twitterUploadResponse, error) {
	var out twitterUploadResponse

	method := http.MethodPost
	if params.Get("command") == "STATUS" {
		method = http.MethodGet
	}
	endpoint := p.uploadBase + "/1.1/media/upload.json"
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return out, fmt.Errorf("build upload command: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return out, apiError("media upload", resp)
	}
	if _, err := decodeJSON(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Twitter) appendChunk(ctx context.Context, client *http.Client, mediaID string, segment int, chunk []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("command", "APPEND")
	_ = mw.WriteField("media_id", mediaID)
	_ = mw.WriteField("segment_index", strconv.Itoa(segment))
	part, err := mw.CreateFormFile("media", "chunk")
	if err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return fmt.Errorf("write multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.uploadBase+"/1.1/media/upload.json", &buf)
	if err != nil {
		return fmt.Errorf("build append request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError("media append", resp)
	}
	return nil
}
