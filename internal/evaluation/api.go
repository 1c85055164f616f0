package evaluation

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// Handler provides HTTP handlers for evaluations
type Handler struct {
	service *Service
	authCfg config.AuthConfig
}

// NewHandler creates a new evaluation handler
func NewHandler(service *Service, authCfg config.AuthConfig) *Handler {
	return &Handler{service: service, authCfg: authCfg}
}

// Routes registers the evaluation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{evaluationID}", h.Get)
	r.With(auth.RequireRoles(h.authCfg, auth.RoleDoctor)).Post("/{evaluationID}/review", h.Review)

	return r
}

// List lists evaluations. Patients only ever see their own records.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	view, err := ParseView(q.Get("view"))
	if err != nil {
		writeError(w, err)
		return
	}
	filter := ListFilter{View: view}

	for key, dst := range map[string]**types.ID{
		"patientId":  &filter.PatientID,
		"doctorId":   &filter.DoctorID,
		"exerciseId": &filter.ExerciseID,
	} {
		if v := q.Get(key); v != "" {
			id, err := types.ParseID(v)
			if err != nil {
				writeError(w, errors.BadRequest("invalid "+key))
				return
			}
			*dst = &id
		}
	}

	// Doctors see their own patients' evaluations, patients their own.
	if user := auth.GetUser(r.Context()); user != nil && !user.IsAdmin() {
		own := user.ID
		if user.HasRole(auth.RoleDoctor) {
			filter.DoctorID = &own
		} else {
			filter.PatientID = &own
		}
	}

	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			filter.Offset = o
		}
	}

	list, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"total": total,
	})
}

// Get returns one evaluation
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "evaluationID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid evaluation ID"))
		return
	}

	e, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if !canView(r, e) {
		writeError(w, errors.NotFound("evaluation", id.String()))
		return
	}

	writeJSON(w, http.StatusOK, e)
}

// ReviewRequest is the doctor's review body
type ReviewRequest struct {
	DoctorNotes string `json:"doctorNotes"`
}

// Review records the doctor review of an evaluation
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "evaluationID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid evaluation ID"))
		return
	}

	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	var reviewer types.ID
	if user := auth.GetUser(r.Context()); user != nil {
		reviewer = user.ID
		if !user.IsAdmin() {
			e, err := h.service.Get(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			if e.DoctorID != user.ID {
				writeError(w, errors.Forbidden("only the exercise author may review"))
				return
			}
		}
	}

	e, err := h.service.Review(r.Context(), id, reviewer, req.DoctorNotes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func canView(r *http.Request, e *ExerciseEvaluation) bool {
	user := auth.GetUser(r.Context())
	if user == nil || user.IsAdmin() {
		return true
	}
	return user.ID == e.PatientID || user.ID == e.DoctorID
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
