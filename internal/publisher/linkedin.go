package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"social-post-scheduler/internal/models"
)

// LinkedIn publishes UGC posts. Image posts take three calls: register an
// upload slot, PUT the image bytes, then create the post referencing the
// returned asset URN.
type LinkedIn struct {
	client  *http.Client
	fetch   fetcher
	baseURL string
}

func NewLinkedIn(mediaLimit int64) *LinkedIn {
	client := &http.Client{Timeout: 60 * time.Second}
	return &LinkedIn{
		client:  client,
		fetch:   newFetcher(client, mediaLimit),
		baseURL: "https://api.linkedin.com",
	}
}

func (p *LinkedIn) Platform() models.Platform { return models.PlatformLinkedIn }

func (p *LinkedIn) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	var assetURN string
	if post.MediaURL != "" {
		urn, err := p.uploadImage(ctx, account, post.MediaURL)
		if err != nil {
			return Result{}, err
		}
		assetURN = urn
	}

	shareMedia := []map[string]any{}
	category := "NONE"
	if assetURN != "" {
		category = "IMAGE"
		shareMedia = append(shareMedia, map[string]any{
			"status": "READY",
			"media":  assetURN,
			"title":  map[string]string{"text": "Post"},
		})
	}
	body := map[string]any{
		"author":         account.AccountRef,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": post.Body()},
				"shareMediaCategory": category,
				"media":              shareMedia,
			},
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	resp, err := p.restliPost(ctx, account.AccessToken, "/v2/ugcPosts", body)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("linkedin ugcPosts", resp)
	}
	var created struct {
		ID string `json:"id"`
	}
	raw, err := decodeJSON(resp, &created)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: created.ID, Raw: raw}, nil
}

func (p *LinkedIn) uploadImage(ctx context.Context, account models.Account, mediaURL string) (string, error) {
	registerBody := map[string]any{
		"registerUploadRequest": map[string]any{
			"recipes": []string{"urn:li:digitalmediaRecipe:feedshare-image"},
			"owner":   account.AccountRef,
			"serviceRelationships": []map[string]string{{
				"relationshipType": "OWNER",
				"identifier":       "urn:li:userGeneratedContent",
			}},
		},
	}
	resp, err := p.restliPost(ctx, account.AccessToken, "/v2/assets?action=registerUpload", registerBody)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", apiError("linkedin registerUpload", resp)
	}
	var registered struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism map[string]struct {
				UploadURL string `json:"uploadUrl"`
			} `json:"uploadMechanism"`
		} `json:"value"`
	}
	if _, err := decodeJSON(resp, &registered); err != nil {
		return "", err
	}
	mechanism := registered.Value.UploadMechanism["com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"]
	if registered.Value.Asset == "" || mechanism.UploadURL == "" {
		return "", fmt.Errorf("linkedin registerUpload returned no upload slot")
	}

	data, _, err := p.fetch.Fetch(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, mechanism.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putResp, err := p.client.Do(putReq)
	if err != nil {
		return "", fmt.Errorf("linkedin image upload: %w", err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode >= http.StatusBadRequest {
		return "", apiError("linkedin image upload", putResp)
	}

	return registered.Value.Asset, nil
}

func (p *LinkedIn) restliPost(ctx context.Context, token, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal linkedin body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build linkedin request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("linkedin %s: %w", path, err)
	}
	return resp, nil
}
