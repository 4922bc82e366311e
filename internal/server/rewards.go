package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// RewardLedger records accepted reward submissions keyed by idempotency key.
// A resubmission of a known key returns the originally issued server ID, so
// at-least-once delivery from the client collapses to exactly one award.
type RewardLedger struct {
	mu       sync.Mutex
	accepted map[string]acceptedReward
}

type acceptedReward struct {
	ServerID     string
	UserID       string
	ActivityType string
	AcceptedAt   time.Time
}

// NewRewardLedger creates an empty ledger.
func NewRewardLedger() *RewardLedger {
	return &RewardLedger{
		accepted: make(map[string]acceptedReward),
	}
}

// Record stores a submission if its key is new and returns the server ID for
// the key plus whether this call created the entry.
func (l *RewardLedger) Record(idempotencyKey, userID, activityType string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.accepted[idempotencyKey]; ok {
		return existing.ServerID, false
	}

	serverID := uuid.New().String()
	l.accepted[idempotencyKey] = acceptedReward{
		ServerID:     serverID,
		UserID:       userID,
		ActivityType: activityType,
		AcceptedAt:   time.Now(),
	}
	return serverID, true
}

// Count returns the number of distinct accepted rewards for a user.
func (l *RewardLedger) Count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.accepted {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

// RewardsHandler serves the reward REST endpoint.
type RewardsHandler struct {
	ledger  *RewardLedger
	limiter *RateLimiter
}

// NewRewardsHandler creates a handler with a fresh ledger and the given
// per-user rate limiter.
func NewRewardsHandler(limiter *RateLimiter) *RewardsHandler {
	return &RewardsHandler{
		ledger:  NewRewardLedger(),
		limiter: limiter,
	}
}

// Ledger exposes the ledger for inspection in tests and debug endpoints.
func (h *RewardsHandler) Ledger() *RewardLedger { return h.ledger }

// RegisterRoutes mounts the reward endpoints on the router.
func (h *RewardsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/rewards", h.handleSubmit)
	r.Get("/api/rewards/count", h.handleCount)
}

type rewardSubmission struct {
	ActivityType   string         `json:"activityType"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

type rewardResponse struct {
	Accepted bool   `json:"accepted"`
	ServerID string `json:"serverId,omitempty"`
}

func (h *RewardsHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}

	if h.limiter != nil && !h.limiter.Allow(userID) {
		slog.Warn("Reward submission rate limited", "user_id", userID)
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var sub rewardSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if sub.ActivityType == "" || sub.IdempotencyKey == "" {
		writeJSONError(w, http.StatusBadRequest, "activityType and idempotencyKey are required")
		return
	}

	serverID, created := h.ledger.Record(sub.IdempotencyKey, userID, sub.ActivityType)
	if created {
		slog.Info("Reward accepted",
			"user_id", userID,
			"activity_type", sub.ActivityType,
			"idempotency_key", sub.IdempotencyKey,
			"server_id", serverID)
	} else {
		slog.Info("Duplicate reward submission deduplicated",
			"user_id", userID,
			"idempotency_key", sub.IdempotencyKey,
			"server_id", serverID)
	}

	writeJSON(w, http.StatusOK, rewardResponse{Accepted: true, ServerID: serverID})
}

func (h *RewardsHandler) handleCount(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous"
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": h.ledger.Count(userID)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
