package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"social-post-scheduler/internal/models"
)

// Result is a successful platform delivery: the external post id plus the raw
// platform response kept for the delivery audit row.
type Result struct {
	ExternalID string
	Raw        json.RawMessage
}

// Publisher performs the actual delivery call for one platform. Implementations
// return an error for any failure; they never panic. The processor converts
// errors into failure outcomes.
type Publisher interface {
	Platform() models.Platform
	Publish(ctx context.Context, account models.Account, post models.Post) (Result, error)
}

// Registry is the flat dispatch table from platform tag to publisher. No
// hierarchy; selection is a single map lookup.
type Registry map[models.Platform]Publisher

// NewRegistry builds a registry from the given publishers.
func NewRegistry(pubs ...Publisher) Registry {
	r := make(Registry, len(pubs))
	for _, p := range pubs {
		r[p.Platform()] = p
	}
	return r
}

// Lookup returns the publisher for a platform tag.
func (r Registry) Lookup(platform models.Platform) (Publisher, bool) {
	p, ok := r[platform]
	return p, ok
}

// apiError captures a non-2xx platform response with a bounded body excerpt.
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	excerpt := strings.TrimSpace(string(body))
	if excerpt == "" {
		excerpt = resp.Status
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, excerpt)
}

// decodeJSON reads and decodes a response body, returning the raw bytes too so
// callers can store them verbatim.
func decodeJSON(resp *http.Response, v any) (json.RawMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if v != nil {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}
