package domain

// Transcode status values written to the per-video record
const (
	TranscodeStatusPending    = "pending"
	TranscodeStatusProcessing = "processing"
	TranscodeStatusCompleted  = "completed"
	TranscodeStatusFailed     = "failed"
)

// Stage is a state of the job pipeline
type Stage string

// Pipeline stages in execution order
const (
	StageReceived    Stage = "received"
	StagePreparing   Stage = "preparing"
	StageDownloading Stage = "downloading"
	StageEncoding    Stage = "encoding"
	StageUploading   Stage = "uploading"
	StageFinalizing  Stage = "finalizing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Active reports whether the stage holds job resources (workspace, network, encoder)
func (s Stage) Active() bool {
	switch s {
	case StagePreparing, StageDownloading, StageEncoding, StageUploading, StageFinalizing:
		return true
	}
	return false
}

// Terminal reports whether the stage ends a pipeline run
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// EncoderPath records which code path produced a rendition
type EncoderPath string

const (
	// EncoderPathHardware means the hardware-accelerated codec produced the rendition
	EncoderPathHardware EncoderPath = "hardware"
	// EncoderPathFallback means hardware was enabled but the software codec was used
	EncoderPathFallback EncoderPath = "fallback"
	// EncoderPathSoftware means hardware acceleration is disabled on this node
	EncoderPathSoftware EncoderPath = "software"
)

// Object metadata keys stamped on uploaded outputs
const (
	MetaJobIdentity       = "job-identity"
	MetaSourceFingerprint = "source-fingerprint"
)
