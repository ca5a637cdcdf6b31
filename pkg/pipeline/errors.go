package pipeline

import (
	"errors"
	"fmt"

	"github.com/cuemby/cutover/pkg/types"
)

var (
	// ErrStageFailed matches any *StageFailedError
	ErrStageFailed = errors.New("stage failed")

	// ErrPipelineNotFound is returned for unknown pipelines and for source
	// events no pipeline listens to
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrRunNotFound is returned when a run ID is unknown
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrInvalidSignature is returned when a webhook signature does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned for webhook bodies that carry no usable
	// source event
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrInvalidArtifact is returned for malformed build manifests and
	// deployment templates
	ErrInvalidArtifact = errors.New("invalid artifact")
)

// StageFailedError halts a pipeline run. Stages after Stage never ran.
type StageFailedError struct {
	Stage types.Stage
	Cause error
}

func (e *StageFailedError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageFailedError) Is(target error) bool {
	return target == ErrStageFailed
}

func (e *StageFailedError) Unwrap() error {
	return e.Cause
}
