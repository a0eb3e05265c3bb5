package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobPhase string

const (
	JobPhaseGenerating JobPhase = "generating"
	JobPhaseComposing  JobPhase = "composing"
	JobPhaseUploading  JobPhase = "uploading"
	JobPhaseCompleted  JobPhase = "completed"
	JobPhaseFailed     JobPhase = "failed"
	JobPhaseCancelled  JobPhase = "cancelled"
)

// Terminal reports whether the phase can no longer change.
func (p JobPhase) Terminal() bool {
	return p == JobPhaseCompleted || p == JobPhaseFailed || p == JobPhaseCancelled
}

// NonTerminalPhases lists every phase a job can still leave.
var NonTerminalPhases = []JobPhase{JobPhaseGenerating, JobPhaseComposing, JobPhaseUploading}

type SegmentStatus string

const (
	SegmentStatusPending   SegmentStatus = "pending"
	SegmentStatusCompleted SegmentStatus = "completed"
	SegmentStatusFailed    SegmentStatus = "failed"
)

type ImageMode string

const (
	ImageModeNone       ImageMode = "none"
	ImageModeReference  ImageMode = "reference"
	ImageModeStartFrame ImageMode = "start_frame"
)

type TransactionType string

const (
	TransactionConsumption TransactionType = "consumption"
	TransactionRefund      TransactionType = "refund"
	TransactionAllocation  TransactionType = "allocation"
	TransactionBonus       TransactionType = "bonus"
)

// Error codes stored on failed jobs
const (
	ErrorCodeQuotaExhausted    = "provider_quota_exhausted"
	ErrorCodeSegmentFailed     = "segment_failed"
	ErrorCodeCompositionFailed = "composition_failed"
	ErrorCodeCancelled         = "cancelled"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

type CreditBalance struct {
	UserID    string     `json:"user_id"`
	Remaining int        `json:"remaining"`
	Total     int        `json:"total"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CreditTransaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"user_id"`
	Amount         int             `json:"amount"` // negative for consumption
	BalanceAfter   int             `json:"balance_after"`
	Type           TransactionType `json:"type"`
	ResourceID     string          `json:"resource_id"`
	ResourceType   string          `json:"resource_type"`
	Description    string          `json:"description"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Segment struct {
	Index        int           `json:"index"`
	Prompt       string        `json:"prompt"`
	DurationSec  int           `json:"duration_sec"`
	ImageMode    ImageMode     `json:"image_mode"`
	Label        string        `json:"label"`
	Status       SegmentStatus `json:"status"`
	MediaHandle  *string       `json:"media_handle,omitempty"` // set only when completed
	Attempts     int           `json:"attempts"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Runnable reports whether the segment still needs a generation attempt.
func (s Segment) Runnable(maxAttempts int) bool {
	switch s.Status {
	case SegmentStatusPending:
		return true
	case SegmentStatusFailed:
		return s.Attempts < maxAttempts
	}
	return false
}

// Exhausted reports whether the segment failed and has no attempts left.
func (s Segment) Exhausted(maxAttempts int) bool {
	return s.Status == SegmentStatusFailed && s.Attempts >= maxAttempts
}

type GenerationParams struct {
	Prompt          string   `json:"prompt"`
	AspectRatio     string   `json:"aspect_ratio"`     // "16:9", "9:16", "1:1"
	Model           string   `json:"model"`            // provider model override, empty = provider default
	GenerateAudio   bool     `json:"generate_audio"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"` // storage paths, max 3
	StartFrame      *string  `json:"start_frame,omitempty"`      // storage path
}

type CompositionTarget struct {
	OwnerID         string  `json:"owner_id"`
	CreditsReserved int     `json:"credits_reserved"`
	Upscale4K       bool    `json:"upscale_4k"`
	DestinationPath string  `json:"destination_path"`
	SourceMediaPath *string `json:"source_media_path,omitempty"` // extend jobs only
	TotalDuration   int     `json:"total_duration_sec"`
}

type Job struct {
	ID                uuid.UUID         `json:"id"`
	OwnerID           string            `json:"owner_id"`
	Phase             JobPhase          `json:"phase"`
	Segments          []Segment         `json:"segments"`
	GenerationParams  GenerationParams  `json:"generation_params"`
	CompositionTarget CompositionTarget `json:"composition_target"`
	ProgressLabel     *string           `json:"progress_label,omitempty"`
	ResultURL         *string           `json:"result_url,omitempty"`
	ErrorCode         *string           `json:"error_code,omitempty"`
	ErrorMessage      *string           `json:"error_message,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// CountByStatus returns how many segments are in each status.
func (j *Job) CountByStatus() map[SegmentStatus]int {
	counts := make(map[SegmentStatus]int, 3)
	for _, s := range j.Segments {
		counts[s.Status]++
	}
	return counts
}

// RunnableSegments returns segments that still need work, in index order.
func (j *Job) RunnableSegments(maxAttempts int) []Segment {
	var out []Segment
	for _, s := range j.Segments {
		if s.Runnable(maxAttempts) {
			out = append(out, s)
		}
	}
	return out
}

// DTOs for API requests and responses

type CreateJobRequest struct {
	TotalDurationSeconds int      `json:"total_duration_seconds" validate:"required,min=1"`
	Prompt               string   `json:"prompt" validate:"required,max=4000"`
	AspectRatio          string   `json:"aspect_ratio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	Model                string   `json:"model" validate:"omitempty,max=100"`
	GenerateAudio        bool     `json:"generate_audio"`
	NegativePrompt       string   `json:"negative_prompt" validate:"omitempty,max=2000"`
	ReferenceImages      []string `json:"reference_images" validate:"max=3,dive,required"`
	StartFrame           *string  `json:"start_frame,omitempty" validate:"omitempty,min=1"`
	Upscale4K            bool     `json:"upscale_4k"`
	SourceJobID          *string  `json:"source_job_id,omitempty" validate:"omitempty,uuid"`
}

type CreateJobResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	ResultURL *string   `json:"result_url,omitempty"`
	Credits   int       `json:"credits_reserved"`
}

type TickResponse struct {
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Remaining int    `json:"remaining"`
}

type SegmentProgress struct {
	Index       int           `json:"index"`
	Label       string        `json:"label"`
	DurationSec int           `json:"duration_sec"`
	Status      SegmentStatus `json:"status"`
	Attempts    int           `json:"attempts"`
}

type JobResponse struct {
	ID            uuid.UUID         `json:"id"`
	Phase         JobPhase          `json:"phase"`
	ProgressLabel *string           `json:"progress_label,omitempty"`
	Completed     int               `json:"completed"`
	Total         int               `json:"total"`
	Segments      []SegmentProgress `json:"segments"`
	ResultURL     *string           `json:"result_url,omitempty"`
	ErrorCode     *string           `json:"error_code,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type GrantCreditsRequest struct {
	UserID      string          `json:"user_id" validate:"required"`
	Amount      int             `json:"amount" validate:"required,min=1"`
	Type        TransactionType `json:"type" validate:"required,oneof=allocation bonus"`
	Description string          `json:"description"`
}

type BalanceResponse struct {
	UserID    string     `json:"user_id"`
	Remaining int        `json:"remaining"`
	Total     int        `json:"total"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
}
