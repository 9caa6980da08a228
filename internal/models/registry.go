package models

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/deepcheck/internal/metrics"
	"go.uber.org/zap"
)

// Paths holds the configured artifact location of each model.
type Paths struct {
	Localizer  string
	Classifier string
}

// Registry lazily loads and caches the localizer and classifier. It is safe for concurrent
// use: each model has its own guard, so concurrent first calls load once and the losers
// wait for the winner.
type Registry struct {
	loader Loader
	paths  Paths
	logger *zap.Logger

	localizer  slot[Localizer]
	classifier slot[Classifier]
}

// NewRegistry creates a registry; nothing is loaded until first use.
func NewRegistry(loader Loader, paths Paths, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{loader: loader, paths: paths, logger: logger}
}

// Localizer returns the cached localizer, loading it on first call.
func (r *Registry) Localizer(ctx context.Context) (Localizer, error) {
	return r.localizer.get(func() (Localizer, error) {
		h, err := load(ctx, r, KindLocalizer, r.paths.Localizer, r.loader.LoadLocalizer)
		if err != nil {
			return nil, err
		}
		h = instrumentLocalizer(h)
		if !r.loader.ThreadSafe() {
			h = &serialLocalizer{inner: h}
		}
		g := &guardedLocalizer{inner: h}
		g.evict = func() { r.evicted(KindLocalizer, r.localizer.evict(g)) }
		return g, nil
	})
}

// Classifier returns the cached classifier, loading it on first call.
func (r *Registry) Classifier(ctx context.Context) (Classifier, error) {
	return r.classifier.get(func() (Classifier, error) {
		h, err := load(ctx, r, KindClassifier, r.paths.Classifier, r.loader.LoadClassifier)
		if err != nil {
			return nil, err
		}
		h = instrumentClassifier(h)
		if !r.loader.ThreadSafe() {
			h = &serialClassifier{inner: h}
		}
		g := &guardedClassifier{inner: h}
		g.evict = func() { r.evicted(KindClassifier, r.classifier.evict(g)) }
		return g, nil
	})
}

// Warmup loads both models. It lets a process surface artifact problems at startup
// instead of on the first request.
func (r *Registry) Warmup(ctx context.Context) error {
	_, lerr := r.Localizer(ctx)
	_, cerr := r.Classifier(ctx)
	return errors.Join(lerr, cerr)
}

// Close releases every loaded handle. The registry can be used again afterwards and
// will reload on demand.
func (r *Registry) Close() error {
	return errors.Join(r.localizer.reset(), r.classifier.reset())
}

func (r *Registry) evicted(kind Kind, closeErr error) {
	metrics.ModelEvictionsTotal.WithLabelValues(string(kind)).Inc()
	r.logger.Warn("model handle broken, will reload on next use",
		zap.String("model", string(kind)),
		zap.NamedError("close_error", closeErr),
	)
}

func load[T any](ctx context.Context, r *Registry, kind Kind, path string, fn func(context.Context, string) (T, error)) (T, error) {
	var zero T
	if path == "" {
		metrics.ModelLoadsTotal.WithLabelValues(string(kind), "error").Inc()
		return zero, &LoadError{Model: kind, Path: path, Err: errors.New("no artifact path configured")}
	}

	start := time.Now()
	h, err := fn(ctx, path)
	if err != nil {
		metrics.ModelLoadsTotal.WithLabelValues(string(kind), "error").Inc()
		r.logger.Error("model load failed", zap.String("model", string(kind)), zap.String("path", path), zap.Error(err))
		var le *LoadError
		if errors.As(err, &le) {
			return zero, err
		}
		return zero, &LoadError{Model: kind, Path: path, Err: err}
	}

	metrics.ModelLoadsTotal.WithLabelValues(string(kind), "ok").Inc()
	r.logger.Info("model loaded",
		zap.String("model", string(kind)),
		zap.String("path", path),
		zap.Duration("took", time.Since(start)),
	)
	return h, nil
}

// slot holds one lazily loaded handle. A failed load leaves it empty.
type slot[T interface{ Close() error }] struct {
	mu     sync.Mutex
	v      T
	loaded bool
}

func (s *slot[T]) get(load func() (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.v, nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	s.v, s.loaded = v, true
	return v, nil
}

// evict drops v if it is still the cached handle. A handle already replaced is left alone.
func (s *slot[T]) evict(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || any(s.v) != any(v) {
		return nil
	}
	err := s.v.Close()
	var zero T
	s.v, s.loaded = zero, false
	return err
}

func (s *slot[T]) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil
	}
	err := s.v.Close()
	var zero T
	s.v, s.loaded = zero, false
	return err
}
