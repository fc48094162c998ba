// Package pipeline runs one transcode job through its stages, from workspace
// allocation to the metadata update, and reports a single terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	"github.com/cuongbtq/transcode-worker/internal/encoder"
	"github.com/cuongbtq/transcode-worker/internal/metadata"
	"github.com/cuongbtq/transcode-worker/internal/objectstore"
	"github.com/cuongbtq/transcode-worker/internal/profile"
	"golang.org/x/sync/errgroup"
)

// Rendition metadata recording how a stored output was produced
const (
	metaEncoderPath = "encoder-path"
	metaEncoder     = "encoder"
)

// Encoder is the media capability the pipeline drives
type Encoder interface {
	Probe(ctx context.Context, src string) (*encoder.MediaInfo, error)
	Encode(ctx context.Context, src, out string, p profile.Profile) (*encoder.Result, error)
	Thumbnail(ctx context.Context, src, out string, t profile.Thumbnail, duration time.Duration) error
}

// Observer receives stage timings and encoder path decisions
type Observer interface {
	StageFinished(stage domain.Stage, d time.Duration)
	EncoderUsed(path domain.EncoderPath)
}

type noopObserver struct{}

func (noopObserver) StageFinished(domain.Stage, time.Duration) {}
func (noopObserver) EncoderUsed(domain.EncoderPath)            {}

// Config holds pipeline configuration and collaborators
type Config struct {
	Logger   *slog.Logger
	Catalog  *profile.Catalog
	Store    objectstore.Store
	Encoder  Encoder
	Sink     metadata.Sink
	Observer Observer

	WorkspaceRoot string
	MinFreeBytes  uint64
	// OutputBucket overrides the source bucket as the output container
	OutputBucket    string
	DownloadTimeout time.Duration
	EncodeTimeout   time.Duration
	UploadTimeout   time.Duration
	FinalizeTimeout time.Duration
}

// Pipeline executes jobs. It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New creates a pipeline
func New(cfg *Config) *Pipeline {
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	return &Pipeline{cfg: *cfg, logger: cfg.Logger, observer: observer}
}

// Job is one pipeline run of a request
type Job struct {
	Request *domain.JobRequest
	Attempt int
	// Final is set when a retryable failure of this run will not be retried;
	// the failure is then written to the metadata record
	Final bool
}

type run struct {
	p          *Pipeline
	job        Job
	req        *domain.JobRequest
	identity   string
	videoID    string
	logger     *slog.Logger
	stage      domain.Stage
	stageStart time.Time
	onStage    func(domain.Stage)

	profile   profile.Profile
	workspace *Workspace
	out       outputs
}

type outputs struct {
	bucket         string
	renditionKey   string
	thumbnailKey   string
	sourceFile     string
	renditionFile  string
	thumbnailFile  string
	reuseRendition bool
	reuseThumbnail bool
	result         *encoder.Result
	uploaded       []string
}

// Run executes job to a terminal outcome. onStage, when set, is called on
// every stage transition. Run never panics; a panic inside a stage becomes a
// Failed outcome of kind internal.
func (p *Pipeline) Run(ctx context.Context, job Job, onStage func(domain.Stage)) (outcome *domain.Outcome) {
	start := time.Now()
	req := job.Request
	r := &run{
		p:          p,
		job:        job,
		req:        req,
		identity:   req.Identity(),
		videoID:    req.VideoID(),
		stage:      domain.StageReceived,
		stageStart: start,
		onStage:    onStage,
	}
	r.logger = p.logger.With(
		slog.String("job_id", r.identity),
		slog.Int("attempt", job.Attempt),
		slog.String("video_id", r.videoID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Pipeline panicked",
				slog.String("stage", string(r.stage)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = r.fail(ctx, domain.NewStageError(r.stage, domain.KindInternal, fmt.Errorf("panic: %v", rec)))
		}
		outcome.JobID = r.identity
		outcome.Attempt = job.Attempt
		outcome.Duration = time.Since(start)
	}()

	r.notify()
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) *domain.Outcome {
	prof, err := r.p.cfg.Catalog.Lookup(r.req.Profile)
	if err != nil {
		return r.fail(ctx, domain.NewStageError(domain.StageReceived, domain.KindSourceDataInvalid, err))
	}
	r.profile = prof
	r.planOutputs()

	r.enter(domain.StagePreparing)
	ws, err := NewWorkspace(ctx, r.p.cfg.WorkspaceRoot, domain.WorkspaceSeed(r.identity), r.p.cfg.MinFreeBytes)
	if err != nil {
		return r.fail(ctx, r.classify(err))
	}
	r.workspace = ws
	defer func() {
		if err := ws.Cleanup(); err != nil {
			r.logger.Warn("Failed to remove workspace",
				slog.String("dir", ws.Dir),
				slog.Any("error", err),
			)
		}
	}()
	r.out.sourceFile = ws.Path("source")
	r.out.renditionFile = ws.Path(prof.Suffix + "." + prof.Container)
	r.out.thumbnailFile = ws.Path("thumbnail.jpg")
	r.markProcessing(ctx)

	r.enter(domain.StageDownloading)
	if err := r.withTimeout(ctx, r.p.cfg.DownloadTimeout, r.download); err != nil {
		return r.fail(ctx, r.classify(err))
	}

	if r.out.reuseRendition && r.out.reuseThumbnail {
		r.logger.Info("Outputs already stored by an earlier attempt, skipping to finalize",
			slog.String("rendition", r.out.renditionKey),
		)
	} else {
		r.enter(domain.StageEncoding)
		if err := r.withTimeout(ctx, r.p.cfg.EncodeTimeout, r.encode); err != nil {
			return r.fail(ctx, r.classify(err))
		}

		r.enter(domain.StageUploading)
		if err := r.withTimeout(ctx, r.p.cfg.UploadTimeout, r.upload); err != nil {
			return r.fail(ctx, r.classify(err))
		}
	}

	r.enter(domain.StageFinalizing)
	if err := r.withTimeout(ctx, r.p.cfg.FinalizeTimeout, r.finalize); err != nil {
		return r.fail(ctx, r.classify(err))
	}

	return r.complete()
}

func (r *run) planOutputs() {
	bucket := r.p.cfg.OutputBucket
	if bucket == "" {
		bucket = r.req.Bucket
	}
	r.out.bucket = bucket
	r.out.renditionKey = domain.RenditionKey(r.videoID, r.req.Key, r.profile.Suffix, r.profile.Container)
	r.out.thumbnailKey = domain.ThumbnailKey(r.videoID, r.req.Key)
}

func (r *run) notify() {
	if r.onStage != nil {
		r.onStage(r.stage)
	}
}

func (r *run) enter(stage domain.Stage) {
	now := time.Now()
	if r.stage.Active() {
		r.p.observer.StageFinished(r.stage, now.Sub(r.stageStart))
	}
	r.logger.Debug("Job stage changed",
		slog.String("from", string(r.stage)),
		slog.String("stage", string(stage)),
	)
	r.stage = stage
	r.stageStart = now
	r.notify()
}

// withTimeout runs fn under the stage budget. Exceeding it is reported as a
// stage timeout; cancellation of the parent is passed through unchanged.
func (r *run) withTimeout(ctx context.Context, budget time.Duration, fn func(context.Context) error) error {
	stageCtx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	err := fn(stageCtx)
	if err != nil && ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %s: %v", domain.ErrStageTimeout, r.stage, budget, err)
	}
	return err
}

func (r *run) download(ctx context.Context) error {
	r.checkStored(ctx)
	if r.out.reuseRendition && r.out.reuseThumbnail {
		return nil
	}

	info, err := objectstore.FetchToFile(ctx, r.p.cfg.Store,
		r.req.Bucket, r.req.Key, r.req.Version(), r.req.ETag, r.out.sourceFile)
	if err != nil {
		return err
	}
	r.logger.Info("Source downloaded",
		slog.String("stage", string(r.stage)),
		slog.Int64("size_bytes", info.Size),
	)
	return nil
}

// checkStored looks for outputs an earlier attempt already uploaded. A
// rendition is reused only when stamped with this job identity, a thumbnail
// only when stamped with this source identity.
func (r *run) checkStored(ctx context.Context) {
	store := r.p.cfg.Store

	info, err := store.Stat(ctx, r.out.bucket, r.out.renditionKey)
	switch {
	case err == nil && info.Meta(domain.MetaJobIdentity) == domain.MetadataTag(r.identity):
		r.out.reuseRendition = true
		r.out.result = &encoder.Result{
			Path:    domain.EncoderPath(info.Meta(metaEncoderPath)),
			Encoder: info.Meta(metaEncoder),
		}
	case err != nil && !errors.Is(err, objectstore.ErrNotFound):
		r.logger.Debug("Could not check stored rendition", slog.Any("error", err))
	}

	info, err = store.Stat(ctx, r.out.bucket, r.out.thumbnailKey)
	switch {
	case err == nil && info.Meta(domain.MetaSourceFingerprint) == domain.MetadataTag(r.req.SourceIdentity()):
		r.out.reuseThumbnail = true
	case err != nil && !errors.Is(err, objectstore.ErrNotFound):
		r.logger.Debug("Could not check stored thumbnail", slog.Any("error", err))
	}
}

func (r *run) encode(ctx context.Context) error {
	enc := r.p.cfg.Encoder

	media, err := enc.Probe(ctx, r.out.sourceFile)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if !r.out.reuseRendition {
		g.Go(func() error {
			result, err := enc.Encode(gctx, r.out.sourceFile, r.out.renditionFile, r.profile)
			if err != nil {
				return err
			}
			r.out.result = result
			return nil
		})
	}
	if !r.out.reuseThumbnail {
		g.Go(func() error {
			return enc.Thumbnail(gctx, r.out.sourceFile, r.out.thumbnailFile, r.p.cfg.Catalog.Thumbnail(), media.Duration)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !r.out.reuseRendition {
		r.p.observer.EncoderUsed(r.out.result.Path)
		r.logger.Info("Rendition encoded",
			slog.String("stage", string(r.stage)),
			slog.String("profile", r.profile.ID),
			slog.String("encoder", r.out.result.Encoder),
			slog.String("encoder_path", string(r.out.result.Path)),
			slog.Duration("media_duration", media.Duration),
		)
	}
	return nil
}

func (r *run) upload(ctx context.Context) error {
	store := r.p.cfg.Store

	if !r.out.reuseRendition {
		err := objectstore.PutFile(ctx, store, r.out.bucket, r.out.renditionKey, r.out.renditionFile, objectstore.PutOptions{
			Metadata: map[string]string{
				domain.MetaJobIdentity: domain.MetadataTag(r.identity),
				metaEncoderPath:        string(r.out.result.Path),
				metaEncoder:            r.out.result.Encoder,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload rendition %s: %w", r.out.renditionKey, err)
		}
		r.out.uploaded = append(r.out.uploaded, r.out.renditionKey)
	}

	if !r.out.reuseThumbnail {
		err := objectstore.PutFile(ctx, store, r.out.bucket, r.out.thumbnailKey, r.out.thumbnailFile, objectstore.PutOptions{
			Metadata: map[string]string{
				domain.MetaSourceFingerprint: domain.MetadataTag(r.req.SourceIdentity()),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload thumbnail %s: %w", r.out.thumbnailKey, err)
		}
		r.out.uploaded = append(r.out.uploaded, r.out.thumbnailKey)
	}

	r.logger.Info("Outputs uploaded",
		slog.String("stage", string(r.stage)),
		slog.Any("keys", r.out.uploaded),
	)
	return nil
}

func (r *run) locations() (rendition, thumbnail string) {
	store := r.p.cfg.Store
	return store.Location(r.out.bucket, r.out.renditionKey), store.Location(r.out.bucket, r.out.thumbnailKey)
}

// finalize writes the completed record. Outputs are already stored, so any
// failure other than a configuration error is retryable; a record that does
// not exist yet may be created by the time the job runs again.
func (r *run) finalize(ctx context.Context) error {
	rendition, thumbnail := r.locations()
	err := r.p.cfg.Sink.UpdatePartial(ctx, r.videoID, metadata.Update{
		Status:        domain.TranscodeStatusCompleted,
		TranscodedURL: map[string]string{r.profile.Label: rendition},
		ThumbnailURL:  thumbnail,
	})
	if err == nil || domain.IsConfigurationFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewStageError(domain.StageFinalizing, domain.KindTransientInfra,
		fmt.Errorf("failed to update video record %s: %w", r.videoID, err))
}

func (r *run) markProcessing(ctx context.Context) {
	err := r.withTimeout(ctx, r.p.cfg.FinalizeTimeout, func(ctx context.Context) error {
		return r.p.cfg.Sink.UpdatePartial(ctx, r.videoID, metadata.Update{Status: domain.TranscodeStatusProcessing})
	})
	if err != nil {
		r.logger.Warn("Failed to mark video record processing",
			slog.String("stage", string(r.stage)),
			slog.Any("error", err),
		)
	}
}

func (r *run) complete() *domain.Outcome {
	r.enter(domain.StageCompleted)
	rendition, thumbnail := r.locations()

	path, enc := domain.EncoderPath(""), ""
	if r.out.result != nil {
		path, enc = r.out.result.Path, r.out.result.Encoder
	}

	r.logger.Info("Job completed successfully",
		slog.String("stage", string(r.stage)),
		slog.String("rendition", rendition),
		slog.String("thumbnail", thumbnail),
		slog.String("encoder_path", string(path)),
	)
	return &domain.Outcome{
		Completed: &domain.Completed{
			RenditionLocations: map[string]string{r.profile.Label: rendition},
			ThumbnailLocation:  thumbnail,
			EncoderPath:        path,
			Encoder:            enc,
		},
	}
}

// fail ends the run. Terminal failures are written to the video record so
// they are visible to its readers.
func (r *run) fail(ctx context.Context, stageErr *domain.StageError) *domain.Outcome {
	failedAt := r.stage
	r.enter(domain.StageFailed)

	outcome := domain.FailedOutcome(r.identity, stageErr)
	outcome.Failed.Uploaded = append([]string(nil), r.out.uploaded...)

	r.logger.Error("Job failed",
		slog.String("stage", string(failedAt)),
		slog.String("kind", string(stageErr.Kind)),
		slog.Bool("retryable", stageErr.Retryable()),
		slog.Any("uploaded", outcome.Failed.Uploaded),
		slog.Any("error", stageErr.Err),
	)

	// a canceled run is released back to the queue, not failed
	canceled := ctx.Err() != nil && errors.Is(stageErr, context.Canceled)
	terminal := !stageErr.Retryable() || r.job.Final
	if terminal && !canceled && stageErr.Kind != domain.KindConfigurationFatal {
		r.recordFailure(ctx, stageErr)
	}
	return outcome
}

func (r *run) recordFailure(ctx context.Context, stageErr *domain.StageError) {
	// the job context may already be canceled by a stage timeout or shutdown
	writeCtx := context.WithoutCancel(ctx)
	if d := r.p.cfg.FinalizeTimeout; d > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(writeCtx, d)
		defer cancel()
	}
	err := r.p.cfg.Sink.UpdatePartial(writeCtx, r.videoID, metadata.Update{
		Status: domain.TranscodeStatusFailed,
		Error:  stageErr.Error(),
	})
	if err != nil {
		r.logger.Error("Failed to record failure on video record", slog.Any("error", err))
	}
}

// classify maps a stage error to the failure taxonomy at the current stage
func (r *run) classify(err error) *domain.StageError {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	return domain.NewStageError(r.stage, Classify(err), wrapSource(err))
}

// Classify returns the failure kind of an error raised by a collaborator
func Classify(err error) domain.Kind {
	switch {
	case domain.IsConfigurationFatal(err):
		return domain.KindConfigurationFatal
	case errors.Is(err, domain.ErrStageTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return domain.KindTransientInfra
	case errors.Is(err, objectstore.ErrNotFound),
		errors.Is(err, objectstore.ErrFingerprintMismatch),
		errors.Is(err, domain.ErrSourceNotFound),
		errors.Is(err, domain.ErrSourceCorrupt),
		errors.Is(err, domain.ErrEncodeFailed),
		errors.Is(err, domain.ErrUnknownProfile),
		errors.Is(err, domain.ErrInvalidRequest):
		return domain.KindSourceDataInvalid
	case errors.Is(err, domain.ErrResourceExhausted):
		return domain.KindResourceExhausted
	}
	return domain.KindTransientInfra
}

func wrapSource(err error) error {
	if errors.Is(err, objectstore.ErrNotFound) && !errors.Is(err, domain.ErrSourceNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrSourceNotFound, err)
	}
	return err
}
