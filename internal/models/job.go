package models

import (
	"encoding/json"
	"time"
)

// Platform enumerates the publishing targets a job can be routed to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformYouTube   Platform = "youtube"
	PlatformWordPress Platform = "wordpress"
)

// Platforms lists every supported platform tag.
var Platforms = []Platform{
	PlatformInstagram,
	PlatformFacebook,
	PlatformTwitter,
	PlatformLinkedIn,
	PlatformYouTube,
	PlatformWordPress,
}

// Valid reports whether p is one of the supported platform tags.
func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

// Job statuses persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusPosted     = "posted"
	StatusFailed     = "failed"
)

// Job is one scheduled delivery: publish one post to one platform for one
// client. Rows are mutated only through the store's claim/outcome operations.
type Job struct {
	ID           string     `json:"id"`
	PostID       string     `json:"post_id"`
	ClientID     string     `json:"client_id"`
	Platform     Platform   `json:"platform"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LockedBy     *string    `json:"locked_by,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Post is the user-authored content a job delivers. Immutable once created;
// the queue engine only reads it.
type Post struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	Title       string     `json:"title"`
	Caption     string     `json:"caption"`
	MediaURL    string     `json:"media_url"`
	Platforms   []Platform `json:"platforms"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Body returns the text a platform post should carry, falling back from
// caption to title.
func (p Post) Body() string {
	if p.Caption != "" {
		return p.Caption
	}
	return p.Title
}

// Delivery outcome statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// Delivery is the append-only audit row for one processing attempt. A success
// row for (post_id, platform) is what the idempotency guard keys on.
type Delivery struct {
	ID             string          `json:"id"`
	PostID         string          `json:"post_id"`
	ClientID       string          `json:"client_id"`
	Platform       Platform        `json:"platform"`
	Status         string          `json:"status"`
	ExternalPostID *string         `json:"external_post_id,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Account holds the stored credentials for one client on one platform. The
// field set is a superset across platforms; each publisher reads the fields
// its API needs. Rows are populated by the out-of-scope OAuth connect flows.
type Account struct {
	ClientID     string
	Platform     Platform
	AccountRef   string // instagram account id, facebook page id, linkedin person URN, youtube channel id
	AccessToken  string
	TokenSecret  string // twitter oauth1 token secret
	RefreshToken string // youtube offline token
	SiteURL      string // wordpress
	Username     string // wordpress
	AppPassword  string // wordpress
}

// Client owns posts and connected platform accounts.
type Client struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	JoinedOn time.Time `json:"joined_on"`
}
