package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/service"
)

// maxUploadBytes caps the request body of an upload; the multipart parser
// spills anything over memLimit to disk.
const (
	maxUploadBytes = 64 << 20
	memLimit       = 8 << 20
)

type Handler struct {
	intake   *service.Intake
	status   *service.Status
	settings *service.Settings
	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandler(intake *service.Intake, status *service.Status, settings *service.Settings) *Handler {
	return &Handler{
		intake:   intake,
		status:   status,
		settings: settings,
		validate: validator.New(),
		log:      logger.Component("rest"),
	}
}

type intakeForm struct {
	TargetQueue string `validate:"omitempty,oneof=mailing.jobs.process"`
}

// CreateMailing accepts a multipart CSV upload and answers 202 with the new
// mailing and its outbox row.
func (h *Handler) CreateMailing(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(memLimit); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "expected multipart form data with a file field", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "file field is required", nil)
		return
	}
	defer file.Close()

	filename := strings.TrimSpace(header.Filename)
	if filename == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "uploaded file needs a filename", nil)
		return
	}

	form := intakeForm{TargetQueue: strings.TrimSpace(r.FormValue("targetQueue"))}
	if err := h.validate.Struct(form); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "unsupported targetQueue", map[string]string{
			"targetQueue": "must be mailing.jobs.process",
		})
		return
	}

	res, err := h.intake.Accept(r.Context(), filename, file, form.TargetQueue)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	data(w, http.StatusAccepted, res)
}

// GetMailing returns the mailing snapshot with per-status entry counts.
func (h *Handler) GetMailing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "id must be a valid uuid", nil)
		return
	}

	snap, err := h.status.Get(r.Context(), id)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	data(w, http.StatusOK, snap)
}

// ListEntries pages through a mailing's recipient rows, optionally
// filtered by status.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "id must be a valid uuid", nil)
		return
	}

	var status *domain.EntryStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st := domain.EntryStatus(strings.ToUpper(raw))
		switch st {
		case domain.EntryPending, domain.EntrySending, domain.EntrySent, domain.EntryFailed, domain.EntryInvalid:
			status = &st
		default:
			fail(w, r, http.StatusBadRequest, "request.invalid", "unknown status filter", map[string]string{
				"status": "must be one of PENDING, SENDING, SENT, FAILED, INVALID",
			})
			return
		}
	}

	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "perPage", 0)

	entries, err := h.status.Entries(r.Context(), id, status, page, perPage)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	data(w, http.StatusOK, entries)
}

type rateLimitRequest struct {
	RatePerMinute int `json:"ratePerMinute" validate:"required,min=1"`
	Concurrency   int `json:"concurrency" validate:"required,min=1"`
}

// UpdateRateLimit applies runtime limiter settings and echoes the
// effective values.
func (h *Handler) UpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "bad rate limit settings", map[string]string{
			"ratePerMinute": "must be >= 1",
			"concurrency":   "must be >= 1",
		})
		return
	}

	settings, err := h.settings.UpdateRateLimit(req.RatePerMinute, req.Concurrency)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	data(w, http.StatusOK, settings)
}

// GetRateLimit reads the effective limiter settings.
func (h *Handler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	data(w, http.StatusOK, h.settings.Current())
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrShuttingDown):
		fail(w, r, http.StatusServiceUnavailable, "service.unavailable", "service is shutting down", nil)
	case errors.Is(err, domain.ErrDuplicateJob):
		fail(w, r, http.StatusConflict, "mailing.duplicate", err.Error(), nil)
	case errors.Is(err, domain.ErrMailingNotFound):
		fail(w, r, http.StatusNotFound, "mailing.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrPrecondition):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
