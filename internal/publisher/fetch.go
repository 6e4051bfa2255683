package publisher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// defaultFetchLimit bounds media downloads when no limit is configured.
const defaultFetchLimit = 50 * 1024 * 1024

// fetcher downloads post media from its public URL before handing the bytes
// to a platform upload endpoint.
type fetcher struct {
	client *http.Client
	limit  int64
}

func newFetcher(client *http.Client, limit int64) fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	return fetcher{client: client, limit: limit}
}

// Fetch downloads the media and returns its bytes and MIME type. The type
// comes from the Content-Type header, falling back to content sniffing when
// the server does not say.
func (f fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > f.limit {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", f.limit)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(body)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return body, mime, nil
}
