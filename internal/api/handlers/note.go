// Package handlers provides HTTP handlers for the notes agent.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/visitnote/internal/api/middleware"
	"github.com/drfirst/visitnote/internal/autosave"
	"github.com/drfirst/visitnote/internal/domain/note"
	"github.com/drfirst/visitnote/internal/ingestion"
	"github.com/drfirst/visitnote/internal/visit"
	"github.com/drfirst/visitnote/pkg/workerpool"
)

// Headers naming the chart a request was made against. When absent the
// request applies to the chart currently shown.
const (
	HeaderPatientID = "X-Patient-ID"
	HeaderVisitID   = "X-Visit-ID"
)

// NoteHandler serves the visit session
type NoteHandler struct {
	session *visit.Session
	logger  *zap.Logger
}

// NewNoteHandler creates a new handler
func NewNoteHandler(session *visit.Session, logger *zap.Logger) *NoteHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoteHandler{session: session, logger: logger}
}

// Routes returns the handler routes
func (h *NoteHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.GetSession)
	r.Put("/identity", h.SwitchPatient)
	r.Get("/fields", h.GetFields)
	r.Put("/fields/{field}", h.SetField)
	r.Put("/preferences", h.SetPreferences)
	r.Put("/visit-ai", h.SetVisitAI)
	r.Put("/extras", h.SetExtras)
	r.Post("/persisted", h.MarkPersisted)

	r.Post("/recordings", h.StartRecording)
	r.Post("/dictations", h.CompleteDictation)
	r.Get("/prep-notes", h.GetPrepNotes)

	r.Route("/review", func(r chi.Router) {
		r.Post("/", h.OpenReview)
		r.Get("/", h.GetReview)
		r.Delete("/", h.CloseReview)
		r.Put("/sections/{section}", h.EditSection)
		r.Put("/sections/{section}/verified", h.SetVerified)
		r.Post("/synthesize", h.Synthesize)
		r.Post("/sign", h.Sign)
	})
	r.Get("/jobs/{id}", h.GetJob)
	return r
}

// SessionResponse describes the session as a whole
type SessionResponse struct {
	Identity  note.Identity   `json:"identity"`
	Status    autosave.Status `json:"status"`
	LastError string          `json:"lastError,omitempty"`
}

// GetSession handles GET /session
func (h *NoteHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, SessionResponse{
		Identity:  h.session.Identity(),
		Status:    h.session.Status(),
		LastError: h.session.LastError(),
	})
}

// SwitchRequest selects a chart. Fields is the server's copy of its note.
type SwitchRequest struct {
	PatientID string      `json:"patientId"`
	VisitID   string      `json:"visitId,omitempty"`
	Fields    note.Fields `json:"fields,omitempty"`
}

// SwitchPatient handles PUT /session/identity
func (h *NoteHandler) SwitchPatient(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("note-handler").Start(r.Context(), "switch_patient")
	defer span.End()

	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		h.jsonError(w, "patientId is required", http.StatusBadRequest)
		return
	}
	id := note.Identity{PatientID: req.PatientID, VisitID: req.VisitID}
	span.SetAttributes(attribute.String("patient_id", id.PatientID))

	outcome, err := h.session.SwitchPatient(ctx, id, req.Fields)
	if err != nil {
		h.fail(w, r, "switch patient", err)
		return
	}

	h.logger.Info("patient switched",
		zap.String("patient_id", id.PatientID),
		zap.String("restore", string(outcome)),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	h.json(w, http.StatusOK, map[string]interface{}{
		"identity": id,
		"restore":  outcome,
		"status":   h.session.Status(),
	})
}

// GetFields handles GET /session/fields
func (h *NoteHandler) GetFields(w http.ResponseWriter, r *http.Request) {
	id, fields := h.session.Fields()
	h.json(w, http.StatusOK, map[string]interface{}{
		"identity": id,
		"fields":   fields,
		"status":   h.session.Status(),
	})
}

// SetField handles PUT /session/fields/{field}
func (h *NoteHandler) SetField(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.session.SetField(h.identity(r), chi.URLParam(r, "field"), req.Value); err != nil {
		h.fail(w, r, "set field", err)
		return
	}
	h.json(w, http.StatusOK, map[string]interface{}{"status": h.session.Status()})
}

// SetPreferences handles PUT /session/preferences
func (h *NoteHandler) SetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs := h.session.Preferences()
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.session.SetPreferences(prefs)
	h.json(w, http.StatusOK, prefs)
}

// SetVisitAI handles PUT /session/visit-ai
func (h *NoteHandler) SetVisitAI(w http.ResponseWriter, r *http.Request) {
	var out note.VisitAIOutput
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.SetVisitAI(h.identity(r), &out); err != nil {
		h.fail(w, r, "set visit ai", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetExtras handles PUT /session/extras
func (h *NoteHandler) SetExtras(w http.ResponseWriter, r *http.Request) {
	var extras note.Extras
	if err := json.NewDecoder(r.Body).Decode(&extras); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.session.SetExtras(h.identity(r), extras); err != nil {
		h.fail(w, r, "set extras", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkPersisted handles POST /session/persisted, sent once the server holds the note
func (h *NoteHandler) MarkPersisted(w http.ResponseWriter, r *http.Request) {
	if err := h.session.MarkPersisted(r.Context(), h.identity(r)); err != nil {
		h.fail(w, r, "mark persisted", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartRecording handles POST /session/recordings
func (h *NoteHandler) StartRecording(w http.ResponseWriter, r *http.Request) {
	recordingID, err := h.session.StartRecording(h.identity(r))
	if err != nil {
		h.fail(w, r, "start recording", err)
		return
	}
	h.json(w, http.StatusCreated, map[string]string{"recordingId": recordingID})
}

// DictationRequest is a completed transcript
type DictationRequest struct {
	RecordingID string    `json:"recordingId,omitempty"`
	Text        string    `json:"text"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// CompleteDictation handles POST /session/dictations
func (h *NoteHandler) CompleteDictation(w http.ResponseWriter, r *http.Request) {
	var req DictationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	out, err := h.session.CompleteDictation(r.Context(), h.identity(r), ingestion.Dictation{
		RecordingID: req.RecordingID,
		Text:        req.Text,
		CompletedAt: req.CompletedAt,
	})
	if errors.Is(err, ingestion.ErrSummarizeFailed) {
		// the note itself was kept
		h.json(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"note":  out.Note,
		})
		return
	}
	if err != nil {
		h.fail(w, r, "complete dictation", err)
		return
	}
	h.json(w, http.StatusOK, out)
}

// GetPrepNotes handles GET /session/prep-notes
func (h *NoteHandler) GetPrepNotes(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]interface{}{
		"notes":     h.session.PrepNotes(),
		"chartPrep": h.session.ChartPrep(),
	})
}

// OpenReview handles POST /session/review
func (h *NoteHandler) OpenReview(w http.ResponseWriter, r *http.Request) {
	view, err := h.session.OpenReview(r.Context(), h.identity(r))
	if err != nil {
		h.fail(w, r, "open review", err)
		return
	}
	h.json(w, http.StatusOK, view)
}

// GetReview handles GET /session/review
func (h *NoteHandler) GetReview(w http.ResponseWriter, r *http.Request) {
	view, err := h.session.Review(h.identity(r))
	if err != nil {
		h.fail(w, r, "get review", err)
		return
	}
	h.json(w, http.StatusOK, view)
}

// CloseReview handles DELETE /session/review
func (h *NoteHandler) CloseReview(w http.ResponseWriter, r *http.Request) {
	if err := h.session.CloseReview(h.identity(r)); err != nil {
		h.fail(w, r, "close review", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EditSection handles PUT /session/review/sections/{section}
func (h *NoteHandler) EditSection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := h.session.EditSection(r.Context(), h.identity(r), chi.URLParam(r, "section"), req.Content)
	if err != nil {
		h.fail(w, r, "edit section", err)
		return
	}
	h.json(w, http.StatusOK, view)
}

// SetVerified handles PUT /session/review/sections/{section}/verified
func (h *NoteHandler) SetVerified(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verified *bool `json:"verified"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Verified == nil {
		h.jsonError(w, "verified is required", http.StatusBadRequest)
		return
	}

	view, err := h.session.SetVerified(r.Context(), h.identity(r), chi.URLParam(r, "section"), *req.Verified)
	if err != nil {
		h.fail(w, r, "set verified", err)
		return
	}
	h.json(w, http.StatusOK, view)
}

// Synthesize handles POST /session/review/synthesize. The overlay runs in
// the background; poll the returned job.
func (h *NoteHandler) Synthesize(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.session.Synthesize(r.Context(), h.identity(r))
	if err != nil {
		h.fail(w, r, "synthesize", err)
		return
	}
	w.Header().Set("Location", "jobs/"+jobID)
	h.json(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// SignRequest names the signing clinician
type SignRequest struct {
	ClinicianID string `json:"clinicianId"`
}

// Sign handles POST /session/review/sign
func (h *NoteHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClinicianID == "" {
		h.jsonError(w, "clinicianId is required", http.StatusBadRequest)
		return
	}

	view, err := h.session.Sign(r.Context(), h.identity(r), req.ClinicianID)
	if err != nil && view.Status != note.StatusSigned {
		if errors.Is(err, note.ErrNotReady) {
			current, _ := h.session.Review(h.identity(r))
			h.json(w, http.StatusConflict, map[string]interface{}{
				"error":              err.Error(),
				"unverifiedRequired": current.Missing,
			})
			return
		}
		h.fail(w, r, "sign", err)
		return
	}
	if err != nil {
		// signed; the event is queued and retried
		h.logger.Warn("signature event not yet published", zap.Error(err))
	}
	h.json(w, http.StatusOK, view)
}

// GetJob handles GET /session/jobs/{id}
func (h *NoteHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	result, ok := h.session.Job(chi.URLParam(r, "id"))
	if !ok {
		h.jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	h.json(w, http.StatusOK, result)
}

func (h *NoteHandler) identity(r *http.Request) note.Identity {
	patientID := r.Header.Get(HeaderPatientID)
	if patientID == "" {
		return h.session.Identity()
	}
	return note.Identity{PatientID: patientID, VisitID: r.Header.Get(HeaderVisitID)}
}

// statusFor maps session errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrEmptyDictation):
		return http.StatusBadRequest
	case errors.Is(err, note.ErrUnknownSection), errors.Is(err, visit.ErrNoReview):
		return http.StatusNotFound
	case errors.Is(err, autosave.ErrNoIdentity),
		errors.Is(err, autosave.ErrTransitionInProgress),
		errors.Is(err, autosave.ErrIdentityChanged),
		errors.Is(err, ingestion.ErrIdentityMismatch),
		errors.Is(err, note.ErrSigned),
		errors.Is(err, note.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, visit.ErrSynthesisFailed), errors.Is(err, ingestion.ErrSummarizeFailed):
		return http.StatusBadGateway
	case errors.Is(err, visit.ErrNoSynthesizer):
		return http.StatusNotImplemented
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *NoteHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.jsonError(w, err.Error(), code)
}

func (h *NoteHandler) json(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *NoteHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.json(w, code, map[string]string{"error": message})
}
