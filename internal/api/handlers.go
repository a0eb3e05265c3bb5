package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/ledger"
	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/moderation"
	"github.com/bobarin/longform/internal/planner"
	"github.com/bobarin/longform/internal/storage"
	"github.com/bobarin/longform/internal/store"
	"github.com/bobarin/longform/internal/worker"
)

// Limits bounds what a single request may ask for.
type Limits struct {
	SegmentCapSeconds       int
	MaxTotalDurationSeconds int
	FastPathMaxSegments     int
}

type Handler struct {
	jobs      store.JobStore
	ledger    *ledger.Ledger
	worker    *worker.Worker
	chainer   worker.Chainer
	moderator *moderation.Moderator
	limits    Limits
	validate  *validator.Validate
	log       zerolog.Logger
}

func NewHandler(
	jobs store.JobStore,
	led *ledger.Ledger,
	w *worker.Worker,
	chainer worker.Chainer,
	moderator *moderation.Moderator,
	limits Limits,
	log zerolog.Logger,
) *Handler {
	validate := validator.New()
	// Report json field names in validation errors.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		jobs:      jobs,
		ledger:    led,
		worker:    w,
		chainer:   chainer,
		moderator: moderator,
		limits:    limits,
		validate:  validate,
		log:       logging.Component(log, "api"),
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userFromContext(ctx)

	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if req.TotalDurationSeconds > h.limits.MaxTotalDurationSeconds {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("total_duration_seconds must be at most %d", h.limits.MaxTotalDurationSeconds))
		return
	}

	aspectRatio := req.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}

	// Extend jobs prefix the output of an earlier completed job.
	var sourceMediaPath *string
	if req.SourceJobID != nil {
		source, ok := h.loadSource(w, r, *req.SourceJobID, userID)
		if !ok {
			return
		}
		path := source.CompositionTarget.DestinationPath
		sourceMediaPath = &path
	}

	if err := h.moderator.Check(ctx, req.Prompt, req.NegativePrompt); err != nil {
		respondError(w, http.StatusBadRequest, "Prompt was rejected by content moderation")
		return
	}

	segments, err := planner.Plan(planner.Request{
		Prompt:          req.Prompt,
		TotalDuration:   req.TotalDurationSeconds,
		Cap:             h.limits.SegmentCapSeconds,
		ReferenceImages: req.ReferenceImages,
		StartFrame:      req.StartFrame,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.New()
	cost := h.ledger.Cost(len(segments), req.Upscale4K)
	log := h.log.With().Str("job_id", jobID.String()).Str("user_id", userID).Logger()

	res, err := h.ledger.Consume(ctx, userID, cost, jobID.String(), fmt.Sprintf("Video generation: %ds, %d segments", req.TotalDurationSeconds, len(segments)))
	if errors.Is(err, ledger.ErrInsufficientCredits) {
		respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "Insufficient credits",
			"required":  cost,
			"remaining": res.Remaining,
		})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to reserve credits")
		respondError(w, http.StatusInternalServerError, "Failed to reserve credits")
		return
	}

	job := &models.Job{
		ID:       jobID,
		OwnerID:  userID,
		Phase:    models.JobPhaseGenerating,
		Segments: segments,
		GenerationParams: models.GenerationParams{
			Prompt:          req.Prompt,
			AspectRatio:     aspectRatio,
			Model:           req.Model,
			GenerateAudio:   req.GenerateAudio,
			NegativePrompt:  req.NegativePrompt,
			ReferenceImages: req.ReferenceImages,
			StartFrame:      req.StartFrame,
		},
		CompositionTarget: models.CompositionTarget{
			OwnerID:         userID,
			CreditsReserved: cost,
			Upscale4K:       req.Upscale4K,
			DestinationPath: storage.FinalPath(userID, jobID.String()),
			SourceMediaPath: sourceMediaPath,
			TotalDuration:   req.TotalDurationSeconds,
		},
	}

	if err := h.jobs.CreateJob(ctx, job); err != nil {
		log.Error().Err(err).Msg("failed to create job, refunding")
		if _, rerr := h.ledger.Refund(context.WithoutCancel(ctx), userID, cost, jobID.String(), "Job could not be created", "job"); rerr != nil {
			log.Error().Err(rerr).Int("amount", cost).Msg("refund after failed create did not apply")
		}
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}
	log.Info().Int("segments", len(segments)).Int("credits", cost).Msg("job created")

	// Short jobs run to completion inside the request.
	if len(segments) <= h.limits.FastPathMaxSegments {
		tick, err := h.worker.Tick(context.WithoutCancel(ctx), jobID, worker.TickOptions{InlineCompose: true})
		if err != nil {
			log.Error().Err(err).Msg("fast path tick failed")
			respondError(w, http.StatusInternalServerError, "Failed to run job")
			return
		}
		resp := models.CreateJobResponse{JobID: jobID, Status: tick.Status, Credits: cost}
		if stored, err := h.jobs.GetJob(ctx, jobID); err == nil {
			resp.ResultURL = stored.ResultURL
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	// A lost first tick is recovered by the stale-job sweeper.
	if err := h.chainer.Schedule(ctx, jobID, 0); err != nil {
		log.Error().Err(err).Msg("failed to schedule first tick")
	}

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:   jobID,
		Status:  worker.StatusProcessing,
		Credits: cost,
	})
}

func (h *Handler) loadSource(w http.ResponseWriter, r *http.Request, rawID, userID string) (*models.Job, bool) {
	sourceID, err := uuid.Parse(rawID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid source_job_id")
		return nil, false
	}
	source, err := h.jobs.GetJob(r.Context(), sourceID)
	if err != nil || source.OwnerID != userID {
		respondError(w, http.StatusBadRequest, "Source job not found")
		return nil, false
	}
	if source.Phase != models.JobPhaseCompleted {
		respondError(w, http.StatusBadRequest, "Source job has not completed")
		return nil, false
	}
	return source, true
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, buildJobResponse(job))
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Phase.Terminal() {
		respondError(w, http.StatusConflict, fmt.Sprintf("Job is already %s", job.Phase))
		return
	}

	res, err := h.worker.Cancel(r.Context(), job.ID)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to cancel job")
		respondError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}
	respondJSON(w, http.StatusOK, tickResponse(res))
}

// ownedJob loads the job named in the URL. Jobs of other users are reported
// as missing.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && job.OwnerID != userFromContext(r.Context())) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return nil, false
	}
	return job, true
}

// GetCredits handles GET /v1/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}
	respondJSON(w, http.StatusOK, models.BalanceResponse{
		UserID:    userID,
		Remaining: bal.Remaining,
		Total:     bal.Total,
		PeriodEnd: bal.PeriodEnd,
	})
}

// ListTransactions handles GET /v1/credits/transactions
// Query params:
//   - limit: max results (default 50, max 200)
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > 200 {
		limit = 200
	}

	txs, err := h.ledger.Transactions(r.Context(), userFromContext(r.Context()), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

// TickJob handles POST /internal/jobs/{id}/tick
func (h *Handler) TickJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	// The caller may hang up; the tick still runs to its own deadline.
	res, err := h.worker.Tick(context.WithoutCancel(r.Context()), jobID, worker.TickOptions{})
	if worker.IsNotFound(err) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID.String()).Msg("tick failed")
		respondError(w, http.StatusInternalServerError, "Tick failed")
		return
	}
	respondJSON(w, http.StatusOK, tickResponse(res))
}

// GrantCredits handles POST /internal/credits/grant
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req models.GrantCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	res, err := h.ledger.Grant(r.Context(), req.UserID, req.Amount, req.Type, req.Description)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to grant credits")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Helper methods
func buildJobResponse(job *models.Job) models.JobResponse {
	segments := make([]models.SegmentProgress, len(job.Segments))
	completed := 0
	for i, s := range job.Segments {
		segments[i] = models.SegmentProgress{
			Index:       s.Index,
			Label:       s.Label,
			DurationSec: s.DurationSec,
			Status:      s.Status,
			Attempts:    s.Attempts,
		}
		if s.Status == models.SegmentStatusCompleted {
			completed++
		}
	}

	resp := models.JobResponse{
		ID:            job.ID,
		Phase:         job.Phase,
		ProgressLabel: job.ProgressLabel,
		Completed:     completed,
		Total:         len(job.Segments),
		Segments:      segments,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.Phase == models.JobPhaseCompleted {
		resp.ResultURL = job.ResultURL
	}
	return resp
}

func tickResponse(res worker.TickResult) models.TickResponse {
	return models.TickResponse{Status: res.Status, Completed: res.Completed, Remaining: res.Remaining}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
