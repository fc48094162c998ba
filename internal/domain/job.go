package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JobRequest is one transcode request consumed from the queue
type JobRequest struct {
	JobID       string         `json:"job_id"`
	Bucket      string         `json:"bucket"`
	Key         string         `json:"key"`
	VersionID   *string        `json:"version_id"`
	ETag        string         `json:"etag"`
	SizeBytes   int64          `json:"size_bytes"`
	ContentType string         `json:"content_type"`
	Profile     string         `json:"profile"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// ParseJobRequest decodes and validates a queue message body
func ParseJobRequest(body []byte) (*JobRequest, error) {
	var req JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.ETag = NormalizeETag(req.ETag)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks that the request carries the fields the identity is built from
func (r *JobRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Bucket) == "":
		return fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Profile) == "":
		return fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	case r.SizeBytes < 0:
		return fmt.Errorf("%w: size_bytes must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Version returns the version id or an empty string
func (r *JobRequest) Version() string {
	if r.VersionID == nil {
		return ""
	}
	return *r.VersionID
}

// Identity returns the deterministic job identity of the request
func (r *JobRequest) Identity() string {
	return Identity(r.Bucket, r.Key, r.ETag, r.Profile)
}

// SourceIdentity returns the identity of the source object, shared by all profile jobs
func (r *JobRequest) SourceIdentity() string {
	return SourceIdentity(r.Bucket, r.Key, r.ETag)
}

// VideoID returns the per-video record id the outputs and metadata belong to
func (r *JobRequest) VideoID() string {
	if v, ok := r.Meta["video_id"]; ok {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" && s != "<nil>" {
			return s
		}
	}
	return shortHash(r.SourceIdentity())
}

// Completed is the success variant of Outcome
type Completed struct {
	RenditionLocations map[string]string
	ThumbnailLocation  string
	EncoderPath        EncoderPath
	Encoder            string
}

// Failed is the failure variant of Outcome
type Failed struct {
	Stage     Stage
	Kind      Kind
	Reason    string
	Retryable bool
	// Uploaded lists outputs already stored before the failure
	Uploaded []string
	Err      error
}

// Outcome is the terminal result of one pipeline run; exactly one variant is set
type Outcome struct {
	JobID     string
	Attempt   int
	Duration  time.Duration
	Completed *Completed
	Failed    *Failed
}

// Succeeded reports whether the run completed
func (o *Outcome) Succeeded() bool {
	return o.Completed != nil
}

// FailedOutcome builds an Outcome from a classified stage error
func FailedOutcome(jobID string, err *StageError) *Outcome {
	return &Outcome{
		JobID: jobID,
		Failed: &Failed{
			Stage:     err.Stage,
			Kind:      err.Kind,
			Reason:    err.Err.Error(),
			Retryable: err.Retryable(),
			Err:       err,
		},
	}
}

// CompletionEvent is the completion signal published after a successful run
type CompletionEvent struct {
	JobID       string            `json:"job_id"`
	VideoID     string            `json:"video_id"`
	Profile     string            `json:"profile"`
	Renditions  map[string]string `json:"renditions"`
	Thumbnail   string            `json:"thumbnail"`
	DurationMS  int64             `json:"duration_ms"`
	EncoderPath EncoderPath       `json:"encoder_path"`
	Encoder     string            `json:"encoder"`
	Attempt     int               `json:"attempt"`
	NodeID      string            `json:"node_id"`
	CompletedAt time.Time         `json:"completed_at"`
}

// NewCompletionEvent builds the completion signal for a completed outcome
func NewCompletionEvent(req *JobRequest, outcome *Outcome, nodeID string) *CompletionEvent {
	return &CompletionEvent{
		JobID:       req.Identity(),
		VideoID:     req.VideoID(),
		Profile:     req.Profile,
		Renditions:  outcome.Completed.RenditionLocations,
		Thumbnail:   outcome.Completed.ThumbnailLocation,
		DurationMS:  outcome.Duration.Milliseconds(),
		EncoderPath: outcome.Completed.EncoderPath,
		Encoder:     outcome.Completed.Encoder,
		Attempt:     outcome.Attempt,
		NodeID:      nodeID,
		CompletedAt: time.Now().UTC(),
	}
}

// DeadLetter is the failure signal routed to the dead-letter channel
type DeadLetter struct {
	JobRequest
	Raw          json.RawMessage `json:"raw,omitempty"`
	Stage        Stage           `json:"stage"`
	Reason       string          `json:"reason"`
	Retryable    bool            `json:"retryable"`
	Kind         Kind            `json:"kind"`
	AttemptCount int             `json:"attempt_count"`
	NodeID       string          `json:"node_id"`
	FailedAt     time.Time       `json:"failed_at"`
}

// NewDeadLetter builds a dead-letter entry for a failed outcome
func NewDeadLetter(req *JobRequest, outcome *Outcome, nodeID string) *DeadLetter {
	dl := &DeadLetter{
		Stage:        outcome.Failed.Stage,
		Reason:       outcome.Failed.Reason,
		Retryable:    outcome.Failed.Retryable,
		Kind:         outcome.Failed.Kind,
		AttemptCount: outcome.Attempt,
		NodeID:       nodeID,
		FailedAt:     time.Now().UTC(),
	}
	if req != nil {
		dl.JobRequest = *req
		dl.JobID = req.Identity()
	}
	return dl
}

// NewRawDeadLetter builds a dead-letter entry for a message that could not be parsed
func NewRawDeadLetter(body []byte, reason error, attempt int, nodeID string) *DeadLetter {
	dl := &DeadLetter{
		Stage:        StageReceived,
		Reason:       reason.Error(),
		Kind:         KindSourceDataInvalid,
		AttemptCount: attempt,
		NodeID:       nodeID,
		FailedAt:     time.Now().UTC(),
	}
	if json.Valid(body) {
		dl.Raw = json.RawMessage(body)
	} else {
		raw, _ := json.Marshal(string(body))
		dl.Raw = raw
	}
	return dl
}
