package model

// JobState is the queue-visible lifecycle for a job.
// Transitions are monotonic per attempt; terminal states never move again.
type JobState string

const (
	JobQueued    JobState = "QUEUED"
	JobLeased    JobState = "LEASED"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobRetrying  JobState = "RETRYING"
	JobCancelled JobState = "CANCELLED"
)

// IsTerminal returns true if the state is a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next exists in the
// job state machine.
func (s JobState) CanTransitionTo(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case JobQueued:
		return next == JobLeased || next == JobCancelled
	case JobLeased:
		// Lease expiry moves a leased job straight back to retrying.
		return next == JobRunning || next == JobRetrying || next == JobCancelled
	case JobRunning:
		return next == JobSucceeded || next == JobFailed || next == JobRetrying || next == JobCancelled
	case JobRetrying:
		return next == JobLeased || next == JobCancelled
	}
	return false
}

// ErrorClass is a compact, typed failure signal. Keep these stable:
// retry policy and metrics depend on them.
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassTransient ErrorClass = "TRANSIENT" // network, 5xx, mount glitch: retry with backoff
	ClassPermanent ErrorClass = "PERMANENT" // auth exhausted, disk full: fail fast
	ClassBusiness  ErrorClass = "BUSINESS"  // empty transcript, show not found: fail without retry
	ClassContract  ErrorClass = "CONTRACT"  // broken precondition, checksum mismatch: fail loudly
	ClassCancelled ErrorClass = "CANCELLED"
)

// Retryable reports whether the queue may schedule another attempt
// for a failure of this class.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient
}

// Stage is the per-recording pipeline position. Stages advance strictly
// in order; each completed stage freezes exactly one artifact.
type Stage string

const (
	StageDiscovered  Stage = "DISCOVERED"
	StageTranscribed Stage = "TRANSCRIBED"
	StageCaptioned   Stage = "CAPTIONED"
	StageRemuxed     Stage = "REMUXED"
	StageUploaded    Stage = "UPLOADED"
	StageValidated   Stage = "VALIDATED"
	StageCleaned     Stage = "CLEANED"
	StageFailed      Stage = "FAILED"
)

// StageOrder is the canonical execution order of pipeline stages.
var StageOrder = []Stage{
	StageDiscovered,
	StageTranscribed,
	StageCaptioned,
	StageRemuxed,
	StageUploaded,
	StageValidated,
	StageCleaned,
}

// Template names are identifiers, not filenames. The dispatcher resolves
// them through a static handler table built at startup.
const (
	TemplateProcessRecent = "process-recent-vods"
	TemplateProcessSingle = "process-single-vod"
	TemplateCaptionCheck  = "caption-check"
	TemplateCleanup       = "cleanup"
)

// Queue names with independent concurrency caps.
const (
	QueueVODProcessing = "vod_processing"
	QueueDefault       = "default"
	QueueTranscription = "transcription"
)
