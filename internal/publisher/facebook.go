package publisher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-post-scheduler/internal/models"
)

// Facebook publishes photo posts to a page feed via the Graph API.
type Facebook struct {
	client     *http.Client
	apiVersion string
	baseURL    string
}

func NewFacebook(apiVersion string) *Facebook {
	return &Facebook{
		client:     &http.Client{Timeout: 20 * time.Second},
		apiVersion: apiVersion,
		baseURL:    "https://graph.facebook.com",
	}
}

func (p *Facebook) Platform() models.Platform { return models.PlatformFacebook }

func (p *Facebook) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	params := url.Values{
		"url":          {post.MediaURL},
		"caption":      {post.Body()},
		"access_token": {account.AccessToken},
	}
	endpoint := fmt.Sprintf("%s/%s/%s/photos?%s", p.baseURL, p.apiVersion, account.AccountRef, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(""))
	if err != nil {
		return Result{}, fmt.Errorf("build facebook request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("facebook photos: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("facebook photos", resp)
	}

	var body struct {
		ID     string `json:"id"`
		PostID string `json:"post_id"`
	}
	raw, err := decodeJSON(resp, &body)
	if err != nil {
		return Result{}, err
	}
	externalID := body.PostID
	if externalID == "" {
		externalID = body.ID
	}
	return Result{ExternalID: externalID, Raw: raw}, nil
}
