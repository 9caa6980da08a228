package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/deepcheck/internal/types"
)

// DefaultStride samples every 10th frame of a video.
const DefaultStride = 10

// ErrBudgetExhausted is returned when the time budget ends before a whole-frame request
// scored anything. Such a request has no verdict: NoFace only describes a detector finding nothing.
var ErrBudgetExhausted = errors.New("time budget exhausted before any frame was scored")

// ErrInvalidConfig matches every *ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError rejects a request before any model is loaded or any byte is decoded.
type ConfigError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration: %s: %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func (e *ConfigError) Unwrap() error { return e.Err }

// Progress receives decode progress for video requests.
type Progress interface {
	// Start is called once with the expected frame count, 0 when unknown.
	Start(total int)
	// Set reports how many frames have been decoded so far.
	Set(decoded int)
}

// FrameHook observes every sampled frame together with the scores it produced.
// It may be called concurrently when Workers > 1.
type FrameHook func(frame types.Frame, samples []types.ScoreSample)

// Options are the per-request knobs.
type Options struct {
	// Stride samples frames 0, Stride, 2*Stride, ... of a video.
	Stride int
	// DetectorEnabled runs the face localizer; otherwise the whole frame is classified.
	DetectorEnabled bool
	// TimeBudget, when positive, finalizes a partial verdict once it elapses.
	TimeBudget time.Duration
	// Workers bounds how many sampled frames are processed at once; 0 means 1.
	Workers int
	// KeepSamples copies every score into the verdict.
	KeepSamples bool

	Progress Progress
	OnFrame  FrameHook
}

// DefaultOptions returns the baseline behavior: stride 10, detector on, sequential.
func DefaultOptions() Options {
	return Options{Stride: DefaultStride, DetectorEnabled: true, Workers: 1}
}

// Validate checks the options without touching the media or the models.
func (o Options) Validate() error {
	if o.Stride < 1 {
		return &ConfigError{Field: "stride", Msg: fmt.Sprintf("must be >= 1, got %d", o.Stride)}
	}
	if o.Workers < 0 {
		return &ConfigError{Field: "workers", Msg: fmt.Sprintf("must not be negative, got %d", o.Workers)}
	}
	if o.TimeBudget < 0 {
		return &ConfigError{Field: "time_budget", Msg: "must not be negative"}
	}
	return nil
}
