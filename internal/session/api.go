package session

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/evaluation"
	"github.com/rehabmotion/platform/internal/pose"
	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)


// Handler is the HTTP adapter over the session core. The browser runs the
// camera and landmark detection; the server holds the session state.
type Handler struct {
	manager *Manager
	cfg     config.SessionConfig
}

// NewHandler creates a new session handler
func NewHandler(manager *Manager, cfg config.SessionConfig) *Handler {
	return &Handler{manager: manager, cfg: cfg}
}

// Routes registers the session routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Abort)
		r.Post("/consent", h.Consent)
		r.Post("/camera", h.Camera)
		r.Post("/start", h.Start)
		r.Post("/frames", h.Frames)
		r.Post("/stop", h.Stop)
		r.Post("/review", h.Review)
		r.Post("/submit", h.Submit)
	})

	return r
}

// CreateSessionRequest starts a session
type CreateSessionRequest struct {
	ExerciseID types.ID `json:"exerciseId"`
	PatientID  types.ID `json:"patientId"`
}

// Create starts a session awaiting consent
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.ExerciseID.IsZero() {
		writeError(w, errors.Input("exerciseId is required"))
		return
	}
	if user := auth.GetUser(r.Context()); user != nil && req.PatientID.IsZero() {
		req.PatientID = user.ID
	}
	if !auth.CanActAs(r.Context(), req.PatientID) {
		writeError(w, errors.Forbidden("cannot start a session for another patient"))
		return
	}

	s, err := h.manager.Create(r.Context(), req.ExerciseID, req.PatientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// Get returns the session state and metrics
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// ConsentRequest is the patient's answer to the camera prompt
type ConsentRequest struct {
	Granted bool `json:"granted"`
}

// Consent records consent
func (h *Handler) Consent(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	h.respond(w, s, s.Consent(req.Granted))
}

// CameraRequest reports the outcome of the browser's camera request
type CameraRequest struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Camera attaches a push stream or aborts the session
func (h *Handler) Camera(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req CameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if !req.OK {
		reason := req.Error
		if reason == "" {
			reason = "camera request failed"
		}
		writeError(w, s.CameraFailed(fmt.Errorf("%s", reason)))
		return
	}
	h.respond(w, s, s.AttachCamera(capture.NewPushStream(h.cfg.PendingFrameLimit, nil)))
}

// Start begins exercising
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, s, s.Start())
}

// FramesRequest is a batch of client-side detections in capture order
type FramesRequest struct {
	Frames []struct {
		Landmarks pose.Landmarks `json:"landmarks"`
	} `json:"frames"`
}

// Frames evaluates a batch of frames. Frames past the auto-stop point are
// not processed.
func (h *Handler) Frames(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req FramesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	batch := make([]pose.Landmarks, len(req.Frames))
	for i, f := range req.Frames {
		batch[i] = f.Landmarks
	}

	results, err := s.PushFrames(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}

	view := s.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"accepted": len(results),
		"metrics":  view.Metrics,
		"state":    view.State,
	})
}

// Stop ends exercising
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, s, s.Stop())
}

// Review captures pain, fatigue and notes
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req evaluation.SelfReport
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	h.respond(w, s, s.Review(req))
}

// Submit scores and persists the session
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, s, h.manager.Submit(r.Context(), s))
}

// Abort tears the session down
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.respond(w, s, s.Abort())
}

// session resolves the URL session, hiding other patients' sessions.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id, err := types.ParseID(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid session ID"))
		return nil, false
	}
	s, err := h.manager.Get(id)
	if err == nil && !auth.CanActAs(r.Context(), s.PatientID()) {
		err = errors.NotFound("session", id.String())
	}
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

func (h *Handler) respond(w http.ResponseWriter, s *Session, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
