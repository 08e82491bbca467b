package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/crosspost-collective/adsync/backend/db"
	"github.com/crosspost-collective/adsync/backend/syncjob"
)

type syncJobView struct {
	ID            string `json:"id"`
	Provider      string `json:"providerId"`
	ClientID      string `json:"clientId,omitempty"`
	JobType       string `json:"jobType"`
	TimeframeDays int    `json:"timeframeDays"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	CreatedAt     string `json:"createdAt"`
	StartedAt     string `json:"startedAt,omitempty"`
	ProcessedAt   string `json:"processedAt,omitempty"`
}

func jobViewOf(j *syncjob.Job) syncJobView {
	v := syncJobView{
		ID:            j.ID,
		Provider:      string(j.Provider),
		ClientID:      j.ClientID,
		JobType:       string(j.JobType),
		TimeframeDays: j.TimeframeDays,
		Status:        string(j.Status),
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !j.StartedAt.IsZero() {
		v.StartedAt = j.StartedAt.UTC().Format(time.RFC3339)
	}
	if !j.ProcessedAt.IsZero() {
		v.ProcessedAt = j.ProcessedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// HandleSync enqueues a sync job (POST) or lists a tenant's jobs (GET).
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSyncEnqueue(w, r)
	case http.MethodGet:
		h.handleSyncList(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type syncRequest struct {
	UserID        string `json:"userId"`
	Provider      string `json:"providerId"`
	ClientID      string `json:"clientId"`
	JobType       string `json:"jobType"`
	TimeframeDays int    `json:"timeframeDays"`
}

func (h *Handlers) handleSyncEnqueue(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Provider == "" {
		http.Error(w, "userId and providerId required", http.StatusBadRequest)
		return
	}
	provider := db.ProviderID(req.Provider)
	if !db.KnownProvider(provider) {
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}

	pending, err := syncjob.HasPending(r.Context(), h.db, req.UserID, provider, req.ClientID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if pending {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":   "sync_pending",
			"message": "A sync for this integration is already queued or running.",
		})
		return
	}

	jobType := syncjob.JobType(req.JobType)
	if jobType == "" {
		jobType = syncjob.TypeManualSync
	}
	job, err := syncjob.Enqueue(r.Context(), h.db, syncjob.EnqueueParams{
		UserID:        req.UserID,
		Provider:      provider,
		ClientID:      req.ClientID,
		JobType:       jobType,
		TimeframeDays: req.TimeframeDays,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(jobViewOf(job))
}

func (h *Handlers) handleSyncList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 50)

	jobs, err := syncjob.ListJobs(r.Context(), h.db, userID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]syncJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobViewOf(j))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
