package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"social-post-scheduler/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// maxErrorLength bounds the error text stored on a job row.
const maxErrorLength = 2000

// Store wraps pgxpool for Postgres persistence. It is the only shared mutable
// resource between workers; all job mutation goes through ClaimBatch and the
// Record* outcome writers.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreatePostParams collects inputs required to schedule a post.
type CreatePostParams struct {
	ClientID    string
	Title       string
	Caption     string
	MediaURL    string
	Platforms   []models.Platform
	ScheduledAt time.Time
	Priority    int
}

// CreatePost inserts the post row plus one queued job per requested platform
// in a single transaction, so a post is never visible without its jobs.
func (s *Store) CreatePost(ctx context.Context, p CreatePostParams) (models.Post, []models.Job, error) {
	platformsJSON, err := json.Marshal(p.Platforms)
	if err != nil {
		return models.Post{}, nil, fmt.Errorf("marshal platforms: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Post{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	postID := uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO posts (id, client_id, title, caption, media_url, platforms, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, postID, p.ClientID, p.Title, p.Caption, p.MediaURL, platformsJSON, p.ScheduledAt, now)
	if err != nil {
		return models.Post{}, nil, fmt.Errorf("insert post: %w", err)
	}

	jobs := make([]models.Job, 0, len(p.Platforms))
	for _, platform := range p.Platforms {
		job := models.Job{
			ID:          uuid.New().String(),
			PostID:      postID,
			ClientID:    p.ClientID,
			Platform:    platform,
			Status:      models.StatusQueued,
			Priority:    p.Priority,
			ScheduledAt: p.ScheduledAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (id, post_id, client_id, platform, status, priority, attempts, scheduled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		`, job.ID, job.PostID, job.ClientID, job.Platform, job.Status, job.Priority, job.ScheduledAt, now)
		if err != nil {
			return models.Post{}, nil, fmt.Errorf("insert job for %s: %w", platform, err)
		}
		jobs = append(jobs, job)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Post{}, nil, fmt.Errorf("commit: %w", err)
	}

	post := models.Post{
		ID:          postID,
		ClientID:    p.ClientID,
		Title:       p.Title,
		Caption:     p.Caption,
		MediaURL:    p.MediaURL,
		Platforms:   p.Platforms,
		ScheduledAt: p.ScheduledAt,
		CreatedAt:   now,
	}
	return post, jobs, nil
}

const jobColumns = `id, post_id, client_id, platform, status, priority, attempts,
	scheduled_at, next_retry_at, locked_by, locked_at, error_message, published_at,
	created_at, updated_at`

// ClaimBatch atomically claims up to limit due jobs for workerID. A job is due
// when it is queued, its scheduled time falls inside the grace window, and any
// retry delay has elapsed. Rows are selected with FOR UPDATE SKIP LOCKED and
// flipped to processing before the transaction commits, so no two workers can
// claim the same row. The returned order is (priority ASC, scheduled_at ASC).
// An empty batch is not an error.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int, grace time.Duration) ([]models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'queued'
		  AND scheduled_at <= NOW() + make_interval(secs => $1)
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit empty claim: %w", err)
		}
		return nil, nil
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'processing', locked_by = $1, locked_at = $2, updated_at = $2
		WHERE id = ANY($3::uuid[]) AND status = 'queued'
	`, workerID, now, ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	// Nothing is claimed until this commit lands; a failed commit leaves every
	// row queued for the next poll.
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range jobs {
		jobs[i].Status = models.StatusProcessing
		jobs[i].LockedBy = &workerID
		jobs[i].LockedAt = &now
	}
	return jobs, nil
}

// RecordSuccess transitions the job to posted and appends the success delivery
// row in one transaction.
func (s *Store) RecordSuccess(ctx context.Context, job models.Job, externalID string, raw json.RawMessage) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = 'posted', published_at = NOW(), locked_by = NULL, locked_at = NULL,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1
	`, job.ID)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}

	if err := appendDelivery(ctx, tx, job, models.DeliverySuccess, emptyToNil(externalID), raw); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// RecordFailure stores a failed attempt: attempts is bumped, the lock is
// released, and the job either goes terminal (failed, no retry time) or back
// to queued with next_retry_at set. The failure delivery row is appended in
// the same transaction.
func (s *Store) RecordFailure(ctx context.Context, job models.Job, attempts int, nextRetry *time.Time, errMsg string, terminal bool) error {
	status := models.StatusQueued
	if terminal {
		status = models.StatusFailed
		nextRetry = nil
	}
	if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_retry_at = $4, locked_by = NULL,
		    locked_at = NULL, error_message = $5, updated_at = NOW()
		WHERE id = $1
	`, job.ID, status, attempts, nextRetry, errMsg)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}

	raw, err := json.Marshal(map[string]string{"error": errMsg})
	if err != nil {
		return fmt.Errorf("marshal failure response: %w", err)
	}
	if err := appendDelivery(ctx, tx, job, models.DeliveryFailed, nil, raw); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

func appendDelivery(ctx context.Context, tx pgx.Tx, job models.Job, status string, externalID *string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO deliveries (id, post_id, client_id, platform, status, external_post_id, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, uuid.New().String(), job.PostID, job.ClientID, job.Platform, status, externalID, raw)
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

// HasSuccessfulDelivery reports whether (postID, platform) already has a
// success delivery row. The idempotency guard keys on this.
func (s *Store) HasSuccessfulDelivery(ctx context.Context, postID string, platform models.Platform) (bool, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deliveries
		WHERE post_id = $1 AND platform = $2 AND status = 'success'
	`, postID, platform).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query deliveries: %w", err)
	}
	return n > 0, nil
}

// MarkAlreadyPublished resolves a job whose delivery already succeeded in a
// prior attempt: posted, no publisher call, no delivery row.
func (s *Store) MarkAlreadyPublished(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'posted', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark already published: %w", err)
	}
	return nil
}

// ReclaimStuck returns jobs stuck in processing longer than the lease back to
// queued without consuming an attempt. Covers workers that die mid-publish.
func (s *Store) ReclaimStuck(ctx context.Context, lease time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND locked_at < NOW() - make_interval(secs => $1)
		RETURNING id
	`, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reclaim stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("query job: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return models.Job{}, err
	}
	if len(jobs) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return jobs[0], nil
}

// GetPost fetches the immutable content for a job.
func (s *Store) GetPost(ctx context.Context, id string) (models.Post, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, title, caption, media_url, platforms, scheduled_at, created_at
		FROM posts WHERE id = $1
	`, id)

	var post models.Post
	var platformsJSON []byte
	err := row.Scan(&post.ID, &post.ClientID, &post.Title, &post.Caption, &post.MediaURL,
		&platformsJSON, &post.ScheduledAt, &post.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	if err := json.Unmarshal(platformsJSON, &post.Platforms); err != nil {
		return models.Post{}, fmt.Errorf("unmarshal platforms: %w", err)
	}
	return post, nil
}

// ListDeliveries returns the attempt history for a post, newest first.
func (s *Store) ListDeliveries(ctx context.Context, postID string) ([]models.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, post_id, client_id, platform, status, external_post_id, response, created_at
		FROM deliveries WHERE post_id = $1 ORDER BY created_at DESC
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		var d models.Delivery
		var externalID pgtype.Text
		if err := rows.Scan(&d.ID, &d.PostID, &d.ClientID, &d.Platform, &d.Status,
			&externalID, &d.Response, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.ExternalPostID = textPtr(externalID)
		out = append(out, d)
	}
	return out, rows.Err()
}

// QueueStats counts jobs by status for backlog observability.
func (s *Store) QueueStats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	stats := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// DueJobs returns how many queued jobs are ready to claim right now.
func (s *Store) DueJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = 'queued'
		  AND scheduled_at <= NOW()
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due jobs: %w", err)
	}
	return n, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		var nextRetry, lockedAt, publishedAt pgtype.Timestamptz
		var lockedBy, errMsg pgtype.Text
		err := rows.Scan(&j.ID, &j.PostID, &j.ClientID, &j.Platform, &j.Status, &j.Priority,
			&j.Attempts, &j.ScheduledAt, &nextRetry, &lockedBy, &lockedAt, &errMsg,
			&publishedAt, &j.CreatedAt, &j.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.NextRetryAt = timePtr(nextRetry)
		j.LockedBy = textPtr(lockedBy)
		j.LockedAt = timePtr(lockedAt)
		j.ErrorMessage = textPtr(errMsg)
		j.PublishedAt = timePtr(publishedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
