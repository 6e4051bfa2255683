package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/publisher"
)

// memStore implements Store in memory with the same claim contract as the
// Postgres store: a job can only move queued -> processing under the lock, so
// concurrent claims never hand out the same row twice.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	posts      map[string]models.Post
	accounts   map[string]models.Account
	deliveries []models.Delivery
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*models.Job{},
		posts:    map[string]models.Post{},
		accounts: map[string]models.Account{},
	}
}

func (m *memStore) addJob(j models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := j
	m.jobs[j.ID] = &c
}

func (m *memStore) job(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) ClaimBatch(_ context.Context, workerID string, limit int, grace time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusQueued {
			continue
		}
		if j.ScheduledAt.After(now.Add(grace)) {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		return due[a].ScheduledAt.Before(due[b].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, 0, len(due))
	for _, j := range due {
		j.Status = models.StatusProcessing
		j.LockedBy = &workerID
		j.LockedAt = &now
		out = append(out, *j)
	}
	return out, nil
}

func (m *memStore) RecordSuccess(_ context.Context, job models.Job, externalID string, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.jobs[job.ID]
	now := time.Now()
	j.Status = models.StatusPosted
	j.PublishedAt = &now
	j.LockedBy, j.LockedAt = nil, nil
	m.deliveries = append(m.deliveries, models.Delivery{
		PostID:         job.PostID,
		ClientID:       job.ClientID,
		Platform:       job.Platform,
		Status:         models.DeliverySuccess,
		ExternalPostID: &externalID,
		Response:       raw,
	})
	return nil
}

func (m *memStore) RecordFailure(_ context.Context, job models.Job, attempts int, nextRetry *time.Time, errMsg string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j := m.jobs[job.ID]
	j.Attempts = attempts
	j.ErrorMessage = &errMsg
	j.LockedBy, j.LockedAt = nil, nil
	if terminal {
		j.Status = models.StatusFailed
		j.NextRetryAt = nil
	} else {
		j.Status = models.StatusQueued
		j.NextRetryAt = nextRetry
	}
	m.deliveries = append(m.deliveries, models.Delivery{
		PostID:   job.PostID,
		ClientID: job.ClientID,
		Platform: job.Platform,
		Status:   models.DeliveryFailed,
	})
	return nil
}

func (m *memStore) HasSuccessfulDelivery(_ context.Context, postID string, platform models.Platform) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.PostID == postID && d.Platform == platform && d.Status == models.DeliverySuccess {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkAlreadyPublished(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[jobID]
	j.Status = models.StatusPosted
	j.LockedBy, j.LockedAt = nil, nil
	return nil
}

func (m *memStore) ReclaimStuck(_ context.Context, lease time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	cutoff := time.Now().Add(-lease)
	for _, j := range m.jobs {
		if j.Status == models.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = models.StatusQueued
			j.LockedBy, j.LockedAt = nil, nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (m *memStore) GetPost(_ context.Context, id string) (models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.posts[id]
	if !ok {
		return models.Post{}, errors.New("post not found")
	}
	return post, nil
}

func (m *memStore) LookupAccount(_ context.Context, clientID string, platform models.Platform) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[clientID+"/"+string(platform)]
	if !ok {
		return models.Account{}, fmt.Errorf("%s for client %s: account not connected", platform, clientID)
	}
	return acc, nil
}

func (m *memStore) DueJobs(context.Context) (int64, error) { return 0, nil }

// fakePublisher records invocations and returns a scripted outcome.
type fakePublisher struct {
	platform models.Platform
	mu       sync.Mutex
	calls    int
	result   publisher.Result
	err      error
	panics   bool
}

func (f *fakePublisher) Platform() models.Platform { return f.platform }

func (f *fakePublisher) Publish(context.Context, models.Account, models.Post) (publisher.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("publisher blew up")
	}
	return f.result, f.err
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() config.Config {
	return config.Config{
		BatchSize:     5,
		GraceWindow:   2 * time.Second,
		MaxAttempts:   5,
		BackoffBase:   time.Millisecond,
		BackoffCap:    10 * time.Millisecond,
		BackoffJitter: 0,
	}
}

func seedJob(st *memStore, id string, platform models.Platform) models.Job {
	job := models.Job{
		ID:          id,
		PostID:      "post-" + id,
		ClientID:    "client-1",
		Platform:    platform,
		Status:      models.StatusQueued,
		ScheduledAt: time.Now().Add(-time.Minute),
	}
	st.addJob(job)
	st.mu.Lock()
	st.posts[job.PostID] = models.Post{ID: job.PostID, ClientID: job.ClientID, Caption: "hello", MediaURL: "https://cdn/x.jpg"}
	st.mu.Unlock()
	return job
}

func seedAccount(st *memStore, platform models.Platform) {
	st.mu.Lock()
	st.accounts["client-1/"+string(platform)] = models.Account{ClientID: "client-1", Platform: platform, AccessToken: "tok"}
	st.mu.Unlock()
}

func TestProcessOneSuccess(t *testing.T) {
	st := newMemStore()
	job := seedJob(st, "j1", models.PlatformFacebook)
	seedAccount(st, models.PlatformFacebook)

	pub := &fakePublisher{
		platform: models.PlatformFacebook,
		result:   publisher.Result{ExternalID: "fb-1", Raw: json.RawMessage(`{"id":"fb-1"}`)},
	}
	p := NewProcessor(testConfig(), st, publisher.NewRegistry(pub), "w1")

	claimed, err := st.ClaimBatch(context.Background(), "w1", 5, 0)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d jobs)", err, len(claimed))
	}
	p.processOne(context.Background(), claimed[0])

	got := st.job(job.ID)
	if got.Status != models.StatusPosted {
		t.Fatalf("expected posted, got %s", got.Status)
	}
	if got.PublishedAt == nil || got.LockedBy != nil {
		t.Fatalf("expected published_at stamped and lock cleared")
	}
	if len(st.deliveries) != 1 || st.deliveries[0].Status != models.DeliverySuccess {
		t.Fatalf("expected one success delivery, got %+v", st.deliveries)
	}
	if *st.deliveries[0].ExternalPostID != "fb-1" {
		t.Fatalf("expected external id recorded")
	}
}

func TestRetriesUntilFailed(t *testing.T) {
	st := newMemStore()
	job := seedJob(st, "j1", models.PlatformTwitter)
	seedAccount(st, models.PlatformTwitter)

	pub := &fakePublisher{platform: models.PlatformTwitter, err: errors.New("rate limited")}
	p := NewProcessor(testConfig(), st, publisher.NewRegistry(pub), "w1")

	for i := 0; i < 5; i++ {
		// Clear the retry delay so every round is immediately due again.
		st.mu.Lock()
		st.jobs[job.ID].NextRetryAt = nil
		st.mu.Unlock()

		claimed, err := st.ClaimBatch(context.Background(), "w1", 5, 0)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("round %d claim: %v (%d jobs)", i, err, len(claimed))
		}
		if claimed[0].Attempts != i {
			t.Fatalf("round %d: expected attempts %d before processing, got %d", i, i, claimed[0].Attempts)
		}
		p.processOne(context.Background(), claimed[0])
	}

	got := st.job(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected failed after budget spent, got %s", got.Status)
	}
	if got.Attempts != 5 {
		t.Fatalf("expected attempts=5, got %d", got.Attempts)
	}
	if got.NextRetryAt != nil {
		t.Fatalf("expected next_retry_at cleared on terminal failure")
	}
	if len(st.deliveries) != 5 {
		t.Fatalf("expected 5 failure deliveries, got %d", len(st.deliveries))
	}
	if pub.callCount() != 5 {
		t.Fatalf("expected publisher invoked once per attempt, got %d", pub.callCount())
	}
}

func TestIdempotencyGuardShortCircuits(t *testing.T) {
	st := newMemStore()
	job := seedJob(st, "j1", models.PlatformInstagram)
	seedAccount(st, models.PlatformInstagram)

	// A prior attempt already succeeded upstream.
	ext := "ig-old"
	st.mu.Lock()
	st.deliveries = append(st.deliveries, models.Delivery{
		PostID:         job.PostID,
		Platform:       models.PlatformInstagram,
		Status:         models.DeliverySuccess,
		ExternalPostID: &ext,
	})
	st.mu.Unlock()

	pub := &fakePublisher{platform: models.PlatformInstagram}
	p := NewProcessor(testConfig(), st, publisher.NewRegistry(pub), "w1")

	claimed, _ := st.ClaimBatch(context.Background(), "w1", 5, 0)
	p.processOne(context.Background(), claimed[0])

	if pub.callCount() != 0 {
		t.Fatalf("publisher must not run when a success delivery exists")
	}
	got := st.job(job.ID)
	if got.Status != models.StatusPosted {
		t.Fatalf("expected synthetic posted transition, got %s", got.Status)
	}
	if len(st.deliveries) != 1 {
		t.Fatalf("short-circuit must not append a delivery row")
	}
}

func TestMissingAccountIsRetryable(t *testing.T) {
	st := newMemStore()
	job := seedJob(st, "j1", models.PlatformLinkedIn)
	// No account seeded.

	pub := &fakePublisher{platform: models.PlatformLinkedIn}
	p := NewProcessor(testConfig(), st, publisher.NewRegistry(pub), "w1")

	claimed, _ := st.ClaimBatch(context.Background(), "w1", 5, 0)
	p.processOne(context.Background(), claimed[0])

	got := st.job(job.ID)
	if got.Status != models.StatusQueued {
		t.Fatalf("missing account should requeue, got %s", got.Status)
	}
	if got.Attempts != 1 || got.NextRetryAt == nil {
		t.Fatalf("expected one attempt consumed and retry scheduled")
	}
	if pub.callCount() != 0 {
		t.Fatalf("publisher must not run without credentials")
	}
}

func TestPanicBecomesFailureOutcome(t *testing.T) {
	st := newMemStore()
	job := seedJob(st, "j1", models.PlatformWordPress)
	seedAccount(st, models.PlatformWordPress)

	pub := &fakePublisher{platform: models.PlatformWordPress, panics: true}
	p := NewProcessor(testConfig(), st, publisher.NewRegistry(pub), "w1")

	claimed, _ := st.ClaimBatch(context.Background(), "w1", 5, 0)
	p.processOne(context.Background(), claimed[0])

	got := st.job(job.ID)
	if got.Status != models.StatusQueued || got.Attempts != 1 {
		t.Fatalf("panic should be recorded as a retryable failure, got %s attempts=%d", got.Status, got.Attempts)
	}
	if got.ErrorMessage == nil {
		t.Fatalf("expected error message stored")
	}
}

func TestConcurrentClaimsDoNotOverlap(t *testing.T) {
	st := newMemStore()
	for i := 0; i < 3; i++ {
		seedJob(st, fmt.Sprintf("j%d", i), models.PlatformFacebook)
	}

	const workers = 4
	results := make([][]models.Job, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			jobs, err := st.ClaimBatch(context.Background(), fmt.Sprintf("w%d", w), 5, 0)
			if err != nil {
				t.Errorf("worker %d claim: %v", w, err)
			}
			results[w] = jobs
		}(w)
	}
	wg.Wait()

	seen := map[string]string{}
	total := 0
	for w, jobs := range results {
		for _, j := range jobs {
			total++
			if prev, dup := seen[j.ID]; dup {
				t.Fatalf("job %s claimed by %s and w%d", j.ID, prev, w)
			}
			seen[j.ID] = fmt.Sprintf("w%d", w)
		}
	}
	if total != 3 {
		t.Fatalf("expected union of claims to be exactly 3 jobs, got %d", total)
	}
}

func TestClaimHonorsGraceWindowAndOrder(t *testing.T) {
	st := newMemStore()
	now := time.Now()

	soon := models.Job{ID: "soon", PostID: "p1", ClientID: "c", Platform: models.PlatformFacebook,
		Status: models.StatusQueued, Priority: 5, ScheduledAt: now.Add(time.Second)}
	far := models.Job{ID: "far", PostID: "p2", ClientID: "c", Platform: models.PlatformFacebook,
		Status: models.StatusQueued, Priority: 1, ScheduledAt: now.Add(10 * time.Second)}
	urgent := models.Job{ID: "urgent", PostID: "p3", ClientID: "c", Platform: models.PlatformFacebook,
		Status: models.StatusQueued, Priority: 1, ScheduledAt: now.Add(-time.Minute)}
	st.addJob(soon)
	st.addJob(far)
	st.addJob(urgent)

	claimed, err := st.ClaimBatch(context.Background(), "w1", 5, 2*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due jobs inside the grace window, got %d", len(claimed))
	}
	if claimed[0].ID != "urgent" || claimed[1].ID != "soon" {
		t.Fatalf("expected (priority, scheduled_at) order, got %s then %s", claimed[0].ID, claimed[1].ID)
	}
	if st.job("far").Status != models.StatusQueued {
		t.Fatalf("job outside grace window must stay queued")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := newMemStore()
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.BatchPause = time.Millisecond
	p := NewProcessor(cfg, st, publisher.NewRegistry(), "w1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop after cancellation")
	}
}
