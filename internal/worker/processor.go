package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"social-post-scheduler/internal/backoff"
	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/publisher"
	"social-post-scheduler/internal/telemetry"
)

// Store is the slice of the job store the processor needs. The concrete pgx
// store satisfies it; tests substitute an in-memory fake.
type Store interface {
	ClaimBatch(ctx context.Context, workerID string, limit int, grace time.Duration) ([]models.Job, error)
	RecordSuccess(ctx context.Context, job models.Job, externalID string, raw json.RawMessage) error
	RecordFailure(ctx context.Context, job models.Job, attempts int, nextRetry *time.Time, errMsg string, terminal bool) error
	HasSuccessfulDelivery(ctx context.Context, postID string, platform models.Platform) (bool, error)
	MarkAlreadyPublished(ctx context.Context, jobID string) error
	ReclaimStuck(ctx context.Context, lease time.Duration) ([]string, error)
	GetPost(ctx context.Context, id string) (models.Post, error)
	LookupAccount(ctx context.Context, clientID string, platform models.Platform) (models.Account, error)
	DueJobs(ctx context.Context) (int64, error)
}

// Processor drives the delivery loop: claim a batch of due jobs, publish each
// one, record outcomes. Multiple processors can run against the same store;
// mutual exclusion is established at claim time, not at process time.
type Processor struct {
	cfg      config.Config
	store    Store
	registry publisher.Registry
	policy   backoff.Policy
	workerID string
}

func NewProcessor(cfg config.Config, st Store, reg publisher.Registry, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		store:    st,
		registry: reg,
		policy: backoff.Policy{
			Base:   cfg.BackoffBase,
			Cap:    cfg.BackoffCap,
			Jitter: cfg.BackoffJitter,
		},
		workerID: workerID,
	}
}

// Run polls until the context is cancelled. Transient store errors are logged
// and retried on the next poll; nothing escapes the loop.
func (p *Processor) Run(ctx context.Context) error {
	log.Printf("worker %s started poll=%s batch=%d grace=%s max_attempts=%d",
		p.workerID, p.cfg.PollInterval, p.cfg.BatchSize, p.cfg.GraceWindow, p.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.cfg.LockLease > 0 {
			if reclaimed, err := p.store.ReclaimStuck(ctx, p.cfg.LockLease); err != nil {
				log.Printf("worker %s reclaim error: %v", p.workerID, err)
			} else if len(reclaimed) > 0 {
				telemetry.ReclaimedLeases.Add(float64(len(reclaimed)))
				log.Printf("worker %s reclaimed %d stuck jobs", p.workerID, len(reclaimed))
			}
		}
		if depth, err := p.store.DueJobs(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobs, err := p.store.ClaimBatch(ctx, p.workerID, p.cfg.BatchSize, p.cfg.GraceWindow)
		if err != nil {
			// The whole batch attempt is abandoned; no job state changed.
			log.Printf("worker %s claim error: %v", p.workerID, err)
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if len(jobs) == 0 {
			if !p.sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		telemetry.JobsClaimed.Add(float64(len(jobs)))
		for _, job := range jobs {
			telemetry.InFlightGauge.Inc()
			p.processOne(ctx, job)
			telemetry.InFlightGauge.Dec()
		}

		if !p.sleep(ctx, p.cfg.BatchPause) {
			return ctx.Err()
		}
	}
}

// processOne runs a single claimed job to an outcome. Every failure, including
// a panicking publisher, becomes a recorded failure so the rest of the batch
// proceeds.
func (p *Processor) processOne(ctx context.Context, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker %s panic on job %s: %v", p.workerID, job.ID, r)
			p.recordFailure(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	log.Printf("worker %s processing job %s platform=%s post=%s attempts=%d",
		p.workerID, job.ID, job.Platform, job.PostID, job.Attempts)

	// Idempotency guard: a prior attempt may have published and crashed before
	// recording the job transition. Never deliver (post, platform) twice.
	done, err := p.store.HasSuccessfulDelivery(ctx, job.PostID, job.Platform)
	if err != nil {
		p.recordFailure(ctx, job, fmt.Sprintf("idempotency check: %v", err))
		return
	}
	if done {
		if err := p.store.MarkAlreadyPublished(ctx, job.ID); err != nil {
			log.Printf("worker %s mark already published %s: %v", p.workerID, job.ID, err)
			return
		}
		telemetry.AlreadyPublished.Inc()
		log.Printf("worker %s skipped job %s (already published)", p.workerID, job.ID)
		return
	}

	post, err := p.store.GetPost(ctx, job.PostID)
	if err != nil {
		p.recordFailure(ctx, job, fmt.Sprintf("load post: %v", err))
		return
	}

	account, err := p.store.LookupAccount(ctx, job.ClientID, job.Platform)
	if err != nil {
		// Includes ErrNoAccount: retried like any other failure, since the
		// client may connect the account before attempts run out.
		p.recordFailure(ctx, job, err.Error())
		return
	}

	pub, ok := p.registry.Lookup(job.Platform)
	if !ok {
		p.recordFailure(ctx, job, fmt.Sprintf("unsupported platform %q", job.Platform))
		return
	}

	res, err := pub.Publish(ctx, account, post)
	if err != nil {
		p.recordFailure(ctx, job, err.Error())
		return
	}

	if err := p.store.RecordSuccess(ctx, job, res.ExternalID, res.Raw); err != nil {
		log.Printf("worker %s record success %s: %v", p.workerID, job.ID, err)
		return
	}
	telemetry.PublishSuccess.Inc()
	log.Printf("worker %s job %s posted external_id=%s", p.workerID, job.ID, res.ExternalID)
}

// recordFailure bumps attempts, schedules the retry, and marks the job failed
// once the budget is spent.
func (p *Processor) recordFailure(ctx context.Context, job models.Job, msg string) {
	attempts := job.Attempts + 1
	terminal := attempts >= p.cfg.MaxAttempts

	var nextRetry *time.Time
	if !terminal {
		at := time.Now().UTC().Add(p.policy.NextDelay(attempts))
		nextRetry = &at
	}

	if err := p.store.RecordFailure(ctx, job, attempts, nextRetry, msg, terminal); err != nil {
		log.Printf("worker %s record failure %s: %v", p.workerID, job.ID, err)
		return
	}
	if terminal {
		telemetry.PublishExhausted.Inc()
		log.Printf("worker %s job %s failed permanently after %d attempts: %s", p.workerID, job.ID, attempts, msg)
		return
	}
	telemetry.PublishRetries.Inc()
	log.Printf("worker %s job %s failed attempt=%d next_retry=%s: %s", p.workerID, job.ID, attempts, nextRetry.Format(time.RFC3339), msg)
}

// sleep waits for d or until cancellation; it reports false when ctx ended.
func (p *Processor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
