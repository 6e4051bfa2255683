package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"social-post-scheduler/internal/models"
)

// Instagram publishes image posts through the Facebook Graph API: create a
// media container, then publish it.
type Instagram struct {
	client     *http.Client
	apiVersion string
	baseURL    string
}

// NewInstagram builds the publisher against graph.facebook.com.
func NewInstagram(apiVersion string) *Instagram {
	return &Instagram{
		client:     &http.Client{Timeout: 20 * time.Second},
		apiVersion: apiVersion,
		baseURL:    "https://graph.facebook.com",
	}
}

func (p *Instagram) Platform() models.Platform { return models.PlatformInstagram }

func (p *Instagram) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	if post.MediaURL == "" {
		return Result{}, fmt.Errorf("instagram requires an image url")
	}

	// Step 1: create the media container.
	createRaw, err := p.graphPost(ctx, account.AccountRef+"/media", url.Values{
		"image_url":    {post.MediaURL},
		"caption":      {post.Body()},
		"access_token": {account.AccessToken},
	})
	if err != nil {
		return Result{}, err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(createRaw, &created); err != nil {
		return Result{}, fmt.Errorf("decode media response: %w", err)
	}
	if created.ID == "" {
		return Result{}, fmt.Errorf("instagram media create returned no creation id")
	}

	// Step 2: publish the container.
	publishRaw, err := p.graphPost(ctx, account.AccountRef+"/media_publish", url.Values{
		"creation_id":  {created.ID},
		"access_token": {account.AccessToken},
	})
	if err != nil {
		return Result{}, err
	}
	var published struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(publishRaw, &published); err != nil {
		return Result{}, fmt.Errorf("decode publish response: %w", err)
	}

	raw, _ := json.Marshal(map[string]json.RawMessage{
		"create":  createRaw,
		"publish": publishRaw,
	})
	return Result{ExternalID: published.ID, Raw: raw}, nil
}

func (p *Instagram) graphPost(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s?%s", p.baseURL, p.apiVersion, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(""))
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("instagram %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, apiError("instagram "+path, resp)
	}
	return decodeJSON(resp, nil)
}
