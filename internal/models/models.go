// Package models owns the two external, pretrained models the pipeline depends on: a face
// localizer and a binary real/fake classifier. Backends (OpenCV DNN, Python workers) plug in
// through Loader; the Registry loads each model at most once per process.
package models

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/deepcheck/internal/types"
)

// Kind names one of the two models.
type Kind string

const (
	KindLocalizer  Kind = "localizer"
	KindClassifier Kind = "classifier"
)

// RawBox is a detection as reported by the localizer, before any clamping.
type RawBox struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
}

// Localizer is an opaque face-detection model handle.
type Localizer interface {
	Detect(ctx context.Context, img image.Image) ([]RawBox, error)
	Close() error
}

// Classifier is an opaque real/fake scoring model handle. It scores one tensor per call.
type Classifier interface {
	Predict(ctx context.Context, t types.FaceTensor) (float64, error)
	Close() error
}

// Loader creates model handles for one inference backend.
type Loader interface {
	LoadLocalizer(ctx context.Context, path string) (Localizer, error)
	LoadClassifier(ctx context.Context, path string) (Classifier, error)
	// ThreadSafe reports whether the backend's handles tolerate concurrent calls.
	// When false the registry serializes calls to each handle.
	ThreadSafe() bool
}

// ErrBroken is matched by handle errors after which the handle can never succeed again,
// such as a crashed inference process. The registry drops such a handle and reloads on demand.
var ErrBroken = errors.New("model handle is unusable")

// LoadError reports a missing or corrupt model artifact. It is never cached: the next
// request retries the load.
type LoadError struct {
	Model Kind
	Path  string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s model %q: %v", e.Model, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
