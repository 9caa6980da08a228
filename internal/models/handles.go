package models

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/deepcheck/internal/metrics"
	"github.com/andresmejia3/deepcheck/internal/types"
)

// serialLocalizer allows one Detect at a time on a runtime that keeps mutable inference state.
type serialLocalizer struct {
	mu    sync.Mutex
	inner Localizer
}

func (s *serialLocalizer) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Detect(ctx, img)
}

func (s *serialLocalizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

type serialClassifier struct {
	mu    sync.Mutex
	inner Classifier
}

func (s *serialClassifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Predict(ctx, t)
}

func (s *serialClassifier) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

type timedLocalizer struct{ Localizer }

func instrumentLocalizer(l Localizer) Localizer { return timedLocalizer{l} }

func (t timedLocalizer) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	start := time.Now()
	defer func() {
		metrics.InferenceDuration.WithLabelValues(string(KindLocalizer)).Observe(time.Since(start).Seconds())
	}()
	return t.Localizer.Detect(ctx, img)
}

type timedClassifier struct{ Classifier }

func instrumentClassifier(c Classifier) Classifier { return timedClassifier{c} }

func (t timedClassifier) Predict(ctx context.Context, ft types.FaceTensor) (float64, error) {
	start := time.Now()
	defer func() {
		metrics.InferenceDuration.WithLabelValues(string(KindClassifier)).Observe(time.Since(start).Seconds())
	}()
	return t.Classifier.Predict(ctx, ft)
}

// guardedLocalizer is the handle the registry hands out. An ErrBroken failure evicts it,
// so the request after a crash loads a fresh model instead of reusing a dead one.
type guardedLocalizer struct {
	inner Localizer
	evict func()
}

func (g *guardedLocalizer) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	boxes, err := g.inner.Detect(ctx, img)
	if errors.Is(err, ErrBroken) {
		g.evict()
	}
	return boxes, err
}

func (g *guardedLocalizer) Close() error { return g.inner.Close() }

type guardedClassifier struct {
	inner Classifier
	evict func()
}

func (g *guardedClassifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	score, err := g.inner.Predict(ctx, t)
	if errors.Is(err, ErrBroken) {
		g.evict()
	}
	return score, err
}

func (g *guardedClassifier) Close() error { return g.inner.Close() }
