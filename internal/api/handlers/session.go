package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vigil-labs/vigil/internal/domain"
	"github.com/vigil-labs/vigil/internal/service"
)

type SessionHandler struct {
	fusion *service.FusionService
}

func NewSessionHandler(fusion *service.FusionService) *SessionHandler {
	return &SessionHandler{fusion: fusion}
}

type startSessionRequest struct {
	ContentID string `json:"content_id"`
}

// Start binds a playback session to a content ID so community consensus
// can adjust its fusion priors.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.fusion.StartSession(sessionID, req.ContentID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": sessionID,
		"content_id": req.ContentID,
	})
}

// End drops a session's window and dedup state.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	h.fusion.EndSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

type detectionRequest struct {
	Category       string  `json:"category"`
	Source         string  `json:"source"`
	Timestamp      float64 `json:"timestamp"`
	Confidence     float64 `json:"confidence"`
	AuxiliaryState string  `json:"auxiliary_state,omitempty"`
}

// AddDetection submits one evidence record to the fusion pipeline.
// Responds 201 with the FusionResult when one is emitted, 204 when the
// evidence is absorbed without an emission.
func (h *SessionHandler) AddDetection(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "category is required")
		return
	}
	if !domain.ValidSource(req.Source) {
		writeError(w, http.StatusBadRequest, "invalid source")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be in [0,1]")
		return
	}

	result := h.fusion.AddDetection(r.Context(), sessionID, domain.EvidenceRecord{
		Category:       req.Category,
		Source:         domain.Source(req.Source),
		Timestamp:      req.Timestamp,
		Confidence:     req.Confidence,
		AuxiliaryState: req.AuxiliaryState,
	})

	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}
