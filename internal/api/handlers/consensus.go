package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/service"
)

type ConsensusHandler struct {
	svc *service.ConsensusService
}

func NewConsensusHandler(svc *service.ConsensusService) *ConsensusHandler {
	return &ConsensusHandler{svc: svc}
}

type voteRequest struct {
	UserID    string `json:"user_id"`
	SegmentID string `json:"segment_id"`
	Category  string `json:"category"`
	Verdict   string `json:"verdict"`
}

type consensusResponse struct {
	*domain.ConsensusState
	ConsensusProbability float64 `json:"consensus_probability"`
}

func stateResponse(s *domain.ConsensusState) consensusResponse {
	return consensusResponse{ConsensusState: s, ConsensusProbability: s.Probability()}
}

// Vote records one user verdict and returns the updated consensus state.
func (h *ConsensusHandler) Vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	if req.SegmentID == "" {
		writeError(w, http.StatusBadRequest, "segment_id is required")
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category is required")
		return
	}
	if !domain.ValidVerdict(req.Verdict) {
		writeError(w, http.StatusBadRequest, "verdict must be confirm or dismiss")
		return
	}

	state := h.svc.RecordVote(r.Context(), domain.Vote{
		UserID:    userID,
		SegmentID: req.SegmentID,
		Category:  req.Category,
		Verdict:   domain.Verdict(req.Verdict),
	})
	if state == nil {
		writeError(w, http.StatusBadRequest, "vote not accepted")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(state))
}

type seedRequest struct {
	SegmentID    string  `json:"segment_id"`
	Category     string  `json:"category"`
	AIConfidence float64 `json:"ai_confidence"` // 0-100 scale
}

// Seed initializes a segment's Beta prior from an AI detection confidence.
func (h *ConsensusHandler) Seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SegmentID == "" || req.Category == "" {
		writeError(w, http.StatusBadRequest, "segment_id and category are required")
		return
	}
	if req.AIConfidence < 0 || req.AIConfidence > 100 {
		writeError(w, http.StatusBadRequest, "ai_confidence must be in [0,100]")
		return
	}

	state := h.svc.Seed(r.Context(), req.SegmentID, req.Category, req.AIConfidence)
	if state == nil {
		writeError(w, http.StatusBadRequest, "seed not accepted")
		return
	}
	writeJSON(w, http.StatusCreated, stateResponse(state))
}

// Get returns the consensus state for a (segment, category) pair.
func (h *ConsensusHandler) Get(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")
	category := chi.URLParam(r, "category")

	state, ok := h.svc.State(r.Context(), segmentID, category)
	if !ok {
		writeError(w, http.StatusNotFound, "no consensus state for segment")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse(state))
}

// Reset deletes a segment's consensus state. User-initiated only.
func (h *ConsensusHandler) Reset(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")
	category := chi.URLParam(r, "category")

	h.svc.Reset(r.Context(), segmentID, category)
	w.WriteHeader(http.StatusNoContent)
}

// Reliability returns a user's trust profile.
func (h *ConsensusHandler) Reliability(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	profile, ok := h.svc.Tracker().Profile(r.Context(), userID)
	if !ok {
		writeError(w, http.StatusNotFound, "no reliability profile for user")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
