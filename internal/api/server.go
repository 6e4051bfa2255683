package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"social-post-scheduler/internal/config"
	"social-post-scheduler/internal/media"
	"social-post-scheduler/internal/models"
	"social-post-scheduler/internal/ratelimit"
	"social-post-scheduler/internal/store"
	"social-post-scheduler/internal/telemetry"
)

// Server wires the producer/operational HTTP API: enqueue posts, inspect jobs
// and deliveries, upload media.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.ClientLimiter
	media   *media.Store
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.ClientLimiter, mediaStore *media.Store) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		limiter: limiter,
		media:   mediaStore,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/clients", s.handleCreateClient)
	r.Get("/api/clients", s.handleListClients)
	r.Post("/api/posts", s.handleCreatePost)
	r.Get("/api/posts/{id}/deliveries", s.handleListDeliveries)
	r.Get("/api/jobs/{id}", s.handleGetJob)
	r.Get("/api/queue/stats", s.handleQueueStats)
	r.Post("/api/media", s.handleUploadMedia)

	if s.cfg.MediaS3Bucket == "" {
		// Local backend: serve uploads straight from disk so the media URLs
		// handed to publishers resolve in development.
		fs := http.StripPrefix("/media/", http.FileServer(http.Dir(s.cfg.MediaDir)))
		r.Get("/media/*", fs.ServeHTTP)
	}
	return r
}

type createPostRequest struct {
	ClientID    string            `json:"client_id"`
	Title       string            `json:"title"`
	Caption     string            `json:"caption"`
	MediaURL    string            `json:"media_url"`
	ScheduledAt *time.Time        `json:"scheduled_at"`
	Platforms   []models.Platform `json:"platforms"`
	Priority    int               `json:"priority"`
}

type createPostResponse struct {
	Post models.Post  `json:"post"`
	Jobs []models.Job `json:"jobs"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Platforms) == 0 {
		http.Error(w, "platforms is required", http.StatusBadRequest)
		return
	}
	for _, p := range req.Platforms {
		if !p.Valid() {
			http.Error(w, "unsupported platform "+string(p), http.StatusBadRequest)
			return
		}
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.ClientID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	post, jobs, err := s.store.CreatePost(r.Context(), store.CreatePostParams{
		ClientID:    req.ClientID,
		Title:       req.Title,
		Caption:     req.Caption,
		MediaURL:    req.MediaURL,
		Platforms:   req.Platforms,
		ScheduledAt: scheduledAt,
		Priority:    req.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.PostsEnqueued.Inc()

	writeJSON(w, http.StatusAccepted, createPostResponse{Post: post, Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deliveries, err := s.store.ListDeliveries(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	due, err := s.store.DueJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"by_status": stats, "due_now": due})
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Email == "" {
		http.Error(w, "name and email are required", http.StatusBadRequest)
		return
	}
	client, err := s.store.CreateClient(r.Context(), req.Name, req.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		http.Error(w, "media uploads not configured", http.StatusNotImplemented)
		return
	}
	if err := r.ParseMultipartForm(s.cfg.MediaMaxBytes); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MediaMaxBytes+1))
	if err != nil {
		http.Error(w, "read upload", http.StatusInternalServerError)
		return
	}
	url, err := s.media.Save(r.Context(), header.Filename, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"media_url": url})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
