package exercise

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rehabmotion/platform/internal/capture"
	"github.com/rehabmotion/platform/internal/posemodel"
	"github.com/rehabmotion/platform/internal/reference"
	"github.com/rehabmotion/platform/internal/shared/auth"
	"github.com/rehabmotion/platform/internal/shared/config"
	"github.com/rehabmotion/platform/internal/shared/errors"
	"github.com/rehabmotion/platform/internal/shared/events"
	"github.com/rehabmotion/platform/internal/shared/types"
)

// PoseTrackContentType marks an upload that is already reduced to
// timestamped detections and needs no model decoding.
const PoseTrackContentType = "application/vnd.rehab.pose-track+json"

// JobRunner queues reference extraction jobs
type JobRunner interface {
	Submit(src capture.RecordedVideoSource) (reference.Job, error)
	Get(id types.ID) (reference.Job, bool)
}

// VideoOpener turns an uploaded body into a seekable source
type VideoOpener func(ctx context.Context, body io.Reader, contentType string) (capture.RecordedVideoSource, error)

// ModelOpener decodes pose tracks locally and sends videos to the shared
// pose model.
func ModelOpener(ctx context.Context, body io.Reader, contentType string) (capture.RecordedVideoSource, error) {
	if contentType == PoseTrackContentType {
		return capture.DecodePoseTrack(body)
	}
	client, err := posemodel.Shared()
	if err != nil {
		return nil, err
	}
	return client.OpenVideo(ctx, body, contentType)
}

// Handler provides HTTP handlers for exercises
type Handler struct {
	repo    Repository
	bus     events.EventBus
	jobs    JobRunner
	open    VideoOpener
	refCfg  config.ReferenceConfig
	evalCfg config.EvaluationConfig
	authCfg config.AuthConfig
	logger  *slog.Logger
}

// NewHandler creates a new exercise handler
func NewHandler(repo Repository, bus events.EventBus, jobs JobRunner, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		bus:     bus,
		jobs:    jobs,
		open:    ModelOpener,
		refCfg:  cfg.Reference,
		evalCfg: cfg.Evaluation,
		authCfg: cfg.Auth,
		logger:  logger,
	}
}

// WithOpener replaces the upload decoder
func (h *Handler) WithOpener(open VideoOpener) *Handler {
	h.open = open
	return h
}

// Routes registers the exercise routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	doctor := auth.RequireRoles(h.authCfg, auth.RoleDoctor)

	r.Get("/", h.List)
	r.With(doctor).Post("/", h.Create)

	r.Route("/reference", func(r chi.Router) {
		r.Use(doctor)
		r.Post("/", h.UploadReference)
		r.Get("/jobs/{jobID}", h.GetJob)
	})

	r.Route("/{exerciseID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.With(doctor).Post("/deactivate", h.Deactivate)
	})

	return r
}

// List lists exercises without their reference frames
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{ActiveOnly: q.Get("includeInactive") != "true"}

	if v := q.Get("createdBy"); v != "" {
		id, err := types.ParseID(v)
		if err != nil {
			writeError(w, errors.BadRequest("invalid createdBy"))
			return
		}
		filter.CreatedBy = &id
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = o
	}

	list, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]Summary, 0, len(list))
	for _, e := range list {
		summaries = append(summaries, e.Summarize())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  summaries,
		"total": total,
	})
}

// Create stores a new exercise. The reference movement comes inline or from
// a completed processing job.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateExerciseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	if req.ReferenceJobID != nil {
		if req.ReferenceMovement != nil {
			writeError(w, errors.BadRequest("give either referenceMovement or referenceJobId"))
			return
		}
		job, ok := h.jobs.Get(*req.ReferenceJobID)
		if !ok {
			writeError(w, errors.NotFound("reference job", req.ReferenceJobID.String()))
			return
		}
		if job.Status != reference.JobCompleted {
			writeError(w, errors.Conflict(fmt.Sprintf("reference job is %s", job.Status)))
			return
		}
		req.ReferenceMovement = job.Movement
	}

	createdBy := req.CreatedBy
	if user := auth.GetUser(r.Context()); user != nil {
		createdBy = user.ID
	}

	e, err := NewExercise(req, createdBy, h.evalCfg.DefaultToleranceDegrees)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.Create(r.Context(), e); err != nil {
		writeError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "exercise created",
		"exercise_id", e.ID,
		"created_by", e.CreatedBy,
		"reference_frames", e.ReferenceMovement.Len(),
	)
	h.publish(r.Context(), events.NewEvent(events.TypeExerciseCreated, "exercise", map[string]any{
		"name":         e.Name.In(DefaultLanguage),
		"expectedReps": e.ExpectedReps,
		"frames":       e.ReferenceMovement.Len(),
	}).WithActor(e.CreatedBy, events.ActorDoctor).WithResource(e.ID))

	writeJSON(w, http.StatusCreated, e)
}

// Get returns one exercise with its reference movement
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "exerciseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid exercise ID"))
		return
	}

	e, err := h.repo.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// Deactivate hides an exercise from new sessions. Only its author or an
// admin may do this.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "exerciseID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid exercise ID"))
		return
	}

	actor := types.ID("")
	if user := auth.GetUser(r.Context()); user != nil {
		actor = user.ID
		if !user.IsAdmin() {
			e, err := h.repo.Get(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			if e.CreatedBy != user.ID {
				writeError(w, errors.Forbidden("only the author may deactivate an exercise"))
				return
			}
		}
	}

	e, err := h.repo.Deactivate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	if actor.IsZero() {
		actor = e.CreatedBy
	}
	h.publish(r.Context(), events.NewEvent(events.TypeExerciseDeactivated, "exercise", nil).
		WithActor(actor, events.ActorDoctor).WithResource(e.ID))

	writeJSON(w, http.StatusOK, e)
}

// UploadReference accepts a reference video and queues it for extraction.
// The response is the pending job; poll GetJob for progress.
func (h *Handler) UploadReference(w http.ResponseWriter, r *http.Request) {
	contentType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, errors.Input("missing or invalid Content-Type"))
		return
	}
	if contentType != PoseTrackContentType && !slices.Contains(h.refCfg.AllowedVideoTypes, contentType) {
		writeError(w, errors.Input(fmt.Sprintf("unsupported video type %q", contentType)))
		return
	}

	body := &limitedBody{r: r.Body}
	if h.refCfg.MaxUploadBytes > 0 {
		body.r = http.MaxBytesReader(w, r.Body, h.refCfg.MaxUploadBytes)
	}

	src, err := h.open(r.Context(), body, contentType)
	if err != nil {
		if body.exceeded {
			err = errors.Input(fmt.Sprintf("video exceeds %d bytes", h.refCfg.MaxUploadBytes))
		}
		writeError(w, err)
		return
	}

	job, err := h.jobs.Submit(src)
	if err != nil {
		writeError(w, errors.CapabilityUnavailable("reference processing busy", err))
		return
	}

	h.logger.InfoContext(r.Context(), "reference job queued", "job_id", job.ID, "content_type", contentType)
	writeJSON(w, http.StatusAccepted, job)
}

// GetJob reports the state of a processing job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid job ID"))
		return
	}

	job, ok := h.jobs.Get(id)
	if !ok {
		writeError(w, errors.NotFound("reference job", id.String()))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) publish(ctx context.Context, event events.Event) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.WarnContext(ctx, "failed to publish event", "type", event.Type, "error", err)
	}
}

// limitedBody records whether the upload limit was hit, since the error
// surfaces wrapped by whichever decoder is reading.
type limitedBody struct {
	r        io.Reader
	exceeded bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		b.exceeded = true
	}
	return n, err
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
