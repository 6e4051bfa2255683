package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"social-post-scheduler/internal/models"
)

// WordPress publishes posts through the REST API using an application
// password. The site URL lives on the account row, so no base URL override is
// needed for tests.
type WordPress struct {
	client *http.Client
}

func NewWordPress() *WordPress {
	return &WordPress{client: &http.Client{Timeout: 30 * time.Second}}
}

func (p *WordPress) Platform() models.Platform { return models.PlatformWordPress }

func (p *WordPress) Publish(ctx context.Context, account models.Account, post models.Post) (Result, error) {
	if account.SiteURL == "" {
		return Result{}, fmt.Errorf("wordpress site url missing")
	}

	title := post.Title
	if title == "" {
		title = "New Post"
	}
	payload, err := json.Marshal(map[string]string{
		"title":   title,
		"content": post.Body(),
		"status":  "publish",
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal wordpress post: %w", err)
	}

	endpoint := strings.TrimRight(account.SiteURL, "/") + "/wp-json/wp/v2/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build wordpress request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(account.Username, account.AppPassword)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("wordpress post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, apiError("wordpress post", resp)
	}

	var created struct {
		ID   int    `json:"id"`
		Link string `json:"link"`
	}
	raw, err := decodeJSON(resp, &created)
	if err != nil {
		return Result{}, err
	}
	return Result{ExternalID: strconv.Itoa(created.ID), Raw: raw}, nil
}
