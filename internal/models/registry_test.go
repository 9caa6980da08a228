package models

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocalizer struct {
	active    atomic.Int32
	overlaps  atomic.Int32
	closed    atomic.Bool
	callDelay time.Duration
}

func (f *fakeLocalizer) Detect(ctx context.Context, img image.Image) ([]RawBox, error) {
	if f.active.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.active.Add(-1)
	time.Sleep(f.callDelay)
	return nil, nil
}

func (f *fakeLocalizer) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeClassifier struct{ score float64 }

func (f *fakeClassifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	return f.score, nil
}

func (f *fakeClassifier) Close() error { return nil }

type fakeLoader struct {
	localizerLoads  atomic.Int32
	classifierLoads atomic.Int32
	loadDelay       time.Duration
	threadSafe      bool

	mu      sync.Mutex
	failFor map[string]error
	loc     *fakeLocalizer
}

func (f *fakeLoader) LoadLocalizer(ctx context.Context, path string) (Localizer, error) {
	f.localizerLoads.Add(1)
	time.Sleep(f.loadDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[path]; err != nil {
		return nil, err
	}
	if f.loc == nil {
		f.loc = &fakeLocalizer{callDelay: 2 * time.Millisecond}
	}
	return f.loc, nil
}

func (f *fakeLoader) LoadClassifier(ctx context.Context, path string) (Classifier, error) {
	f.classifierLoads.Add(1)
	time.Sleep(f.loadDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[path]; err != nil {
		return nil, err
	}
	return &fakeClassifier{score: 0.7}, nil
}

func (f *fakeLoader) ThreadSafe() bool { return f.threadSafe }

func TestRegistry_ConcurrentFirstCallLoadsOnce(t *testing.T) {
	loader := &fakeLoader{loadDelay: 20 * time.Millisecond}
	reg := NewRegistry(loader, Paths{Localizer: "face.onnx", Classifier: "meso.onnx"}, nil)

	var wg sync.WaitGroup
	handles := make([]Localizer, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := reg.Localizer(context.Background())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loader.localizerLoads.Load())
	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}

	// Cached: no further loads.
	_, err := reg.Localizer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.localizerLoads.Load())
	assert.Equal(t, int32(0), loader.classifierLoads.Load())
}

func TestRegistry_LoadFailureIsNotCached(t *testing.T) {
	missing := errors.New("no such file")
	loader := &fakeLoader{failFor: map[string]error{"meso.onnx": missing}}
	reg := NewRegistry(loader, Paths{Classifier: "meso.onnx"}, nil)

	_, err := reg.Classifier(context.Background())
	require.Error(t, err)

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindClassifier, le.Model)
	assert.Equal(t, "meso.onnx", le.Path)
	assert.ErrorIs(t, err, missing)

	// Artifact fixed: the next call retries and succeeds.
	loader.mu.Lock()
	delete(loader.failFor, "meso.onnx")
	loader.mu.Unlock()

	c, err := reg.Classifier(context.Background())
	require.NoError(t, err)
	score, err := c.Predict(context.Background(), types.NewFaceTensor(4))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, score, 1e-9)
	assert.Equal(t, int32(2), loader.classifierLoads.Load())
}

func TestRegistry_EmptyPathIsLoadError(t *testing.T) {
	loader := &fakeLoader{}
	reg := NewRegistry(loader, Paths{}, nil)

	_, err := reg.Localizer(context.Background())
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindLocalizer, le.Model)
	assert.Equal(t, int32(0), loader.localizerLoads.Load(), "loader must not be called without a path")
}

func TestRegistry_SerializesUnsafeHandles(t *testing.T) {
	tests := []struct {
		name       string
		threadSafe bool
		wantSerial bool
	}{
		{name: "unsafe runtime is serialized", threadSafe: false, wantSerial: true},
		{name: "thread-safe runtime runs concurrently", threadSafe: true, wantSerial: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &fakeLoader{threadSafe: tt.threadSafe}
			reg := NewRegistry(loader, Paths{Localizer: "face.onnx"}, nil)
			h, err := reg.Localizer(context.Background())
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = h.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
				}()
			}
			wg.Wait()

			if tt.wantSerial {
				assert.Zero(t, loader.loc.overlaps.Load())
			} else {
				_, isSerial := h.(*guardedLocalizer).inner.(*serialLocalizer)
				assert.False(t, isSerial)
			}
		})
	}
}

func TestRegistry_CloseReleasesAndReloads(t *testing.T) {
	loader := &fakeLoader{}
	reg := NewRegistry(loader, Paths{Localizer: "face.onnx", Classifier: "meso.onnx"}, nil)

	require.NoError(t, reg.Warmup(context.Background()))
	require.NoError(t, reg.Close())
	assert.True(t, loader.loc.closed.Load())

	_, err := reg.Localizer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.localizerLoads.Load())
}

func TestRegistry_WarmupJoinsErrors(t *testing.T) {
	loader := &fakeLoader{failFor: map[string]error{
		"face.onnx": errors.New("corrupt"),
		"meso.onnx": errors.New("missing"),
	}}
	reg := NewRegistry(loader, Paths{Localizer: "face.onnx", Classifier: "meso.onnx"}, nil)

	err := reg.Warmup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
	assert.Contains(t, err.Error(), "missing")
}

type brokenClassifier struct {
	err    error
	closed atomic.Bool
}

func (b *brokenClassifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	return 0, b.err
}

func (b *brokenClassifier) Close() error {
	b.closed.Store(true)
	return nil
}

type brokenLoader struct {
	fakeLoader
	err     error
	handles []*brokenClassifier
}

func (b *brokenLoader) LoadClassifier(ctx context.Context, path string) (Classifier, error) {
	b.classifierLoads.Add(1)
	h := &brokenClassifier{err: b.err}
	b.handles = append(b.handles, h)
	return h, nil
}

func TestRegistry_EvictsBrokenHandle(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLoads int32
	}{
		{name: "broken handle is reloaded", err: fmt.Errorf("worker: %w: EOF", ErrBroken), wantLoads: 2},
		{name: "request error keeps the handle", err: context.DeadlineExceeded, wantLoads: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &brokenLoader{err: tt.err}
			reg := NewRegistry(loader, Paths{Classifier: "meso.onnx"}, nil)

			h, err := reg.Classifier(context.Background())
			require.NoError(t, err)
			_, err = h.Predict(context.Background(), types.NewFaceTensor(2))
			require.ErrorIs(t, err, tt.err)

			again, err := reg.Classifier(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantLoads, loader.classifierLoads.Load())
			if tt.wantLoads == 2 {
				assert.NotSame(t, h, again)
				assert.True(t, loader.handles[0].closed.Load(), "evicted handle must be closed")
			} else {
				assert.Same(t, h, again)
			}
		})
	}
}
