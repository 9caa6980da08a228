// Package pipeline classifies a single image or video as Real or DeepFake. It samples frames,
// locates faces, scores each face and reduces the scores into one verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/deepcheck/internal/aggregate"
	"github.com/andresmejia3/deepcheck/internal/face"
	"github.com/andresmejia3/deepcheck/internal/media"
	"github.com/andresmejia3/deepcheck/internal/metrics"
	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Models hands out ready model handles. *models.Registry implements it.
type Models interface {
	Localizer(ctx context.Context) (models.Localizer, error)
	Classifier(ctx context.Context) (models.Classifier, error)
}

// Pipeline holds no per-request state and can serve concurrent requests.
type Pipeline struct {
	models  Models
	decoder media.Decoder
	pre     *face.Preprocessor
	logger  *zap.Logger
}

// New wires a pipeline. pre may be nil for 256x256 RGB tensors.
func New(m Models, dec media.Decoder, pre *face.Preprocessor, logger *zap.Logger) *Pipeline {
	if pre == nil {
		pre = face.NewPreprocessor(face.InputSize, types.OrderRGB)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{models: m, decoder: dec, pre: pre, logger: logger}
}

// Classify dispatches on the source kind.
func (p *Pipeline) Classify(ctx context.Context, src *media.Source, opts Options) (types.Verdict, error) {
	if src != nil && src.Kind() == types.KindVideo {
		return p.ClassifyVideo(ctx, src, opts)
	}
	return p.ClassifyImage(ctx, src, opts)
}

// ClassifyVideo samples every opts.Stride-th frame and scores every face found in them.
func (p *Pipeline) ClassifyVideo(ctx context.Context, src *media.Source, opts Options) (types.Verdict, error) {
	return p.run(ctx, src, opts, types.KindVideo)
}

// ClassifyImage scores a still image. With the detector disabled the whole image is resized
// and scored directly.
func (p *Pipeline) ClassifyImage(ctx context.Context, src *media.Source, opts Options) (types.Verdict, error) {
	return p.run(ctx, src, opts, types.KindImage)
}

// request is the state of one classification.
type request struct {
	opts       Options
	kind       types.MediaKind
	localizer  *face.Localizer
	classifier *face.Classifier
	log        *zap.Logger
	sampled    atomic.Int64
}

func (p *Pipeline) run(ctx context.Context, src *media.Source, opts Options, kind types.MediaKind) (types.Verdict, error) {
	if err := opts.Validate(); err != nil {
		return types.Verdict{}, err
	}
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	if src == nil {
		return types.Verdict{}, &ConfigError{Field: "source", Msg: "no media given"}
	}
	if err := src.CheckReadable(); err != nil {
		return types.Verdict{}, &ConfigError{Field: "path", Msg: "media is not readable", Err: err}
	}

	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "Pipeline.Classify")
	defer span.End()
	span.SetAttributes(
		attribute.String("media.name", src.Name()),
		attribute.String("media.kind", string(kind)),
		attribute.Int("pipeline.stride", opts.Stride),
		attribute.Bool("pipeline.detector", opts.DetectorEnabled),
	)

	start := time.Now()
	log := p.logger.With(zap.String("media", src.Name()), zap.String("kind", string(kind)))

	req, err := p.prepare(ctx, opts, kind, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load models")
		return types.Verdict{}, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.TimeBudget > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.TimeBudget)
	}
	defer cancel()

	agg, decoded, truncated, err := p.sample(runCtx, src, req)

	// Caller cancellation wins over everything: the request is abandoned.
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.RecordError(ctxErr)
		span.SetStatus(codes.Error, "cancelled")
		return types.Verdict{}, ctxErr
	}
	budgetHit := runCtx.Err() != nil
	if err != nil && !budgetHit {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify")
		log.Error("classification failed", zap.Error(err))
		return types.Verdict{}, err
	}

	if !budgetHit && req.sampled.Load() == 0 {
		err := &media.DecodeError{Source: src.Name(), Err: media.ErrNoFrames}
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		log.Error("classification failed", zap.Error(err))
		return types.Verdict{}, err
	}
	if budgetHit && !opts.DetectorEnabled && agg.Count() == 0 {
		span.RecordError(ErrBudgetExhausted)
		span.SetStatus(codes.Error, "time budget")
		log.Warn("time budget exhausted before any score", zap.Duration("budget", opts.TimeBudget))
		return types.Verdict{}, ErrBudgetExhausted
	}

	v := agg.Finalize()
	v.Kind = kind
	v.FramesSampled = int(req.sampled.Load())
	v.FramesDecoded = decoded
	v.Elapsed = time.Since(start)
	switch {
	case budgetHit:
		v.Partial, v.Reason = true, types.ReasonTimeBudget
		log.Warn("time budget exhausted, returning partial verdict",
			zap.Duration("budget", opts.TimeBudget),
			zap.Int("frames_sampled", v.FramesSampled),
		)
	case truncated:
		v.Partial, v.Reason = true, types.ReasonDecodeTruncated
		log.Warn("decode ended early, returning partial verdict",
			zap.Int("frames_decoded", decoded),
			zap.Int("frames_sampled", v.FramesSampled),
		)
	}

	metrics.VerdictsTotal.WithLabelValues(string(v.Label), strconv.FormatBool(v.Partial)).Inc()
	metrics.RequestDuration.WithLabelValues(string(kind)).Observe(v.Elapsed.Seconds())
	span.SetAttributes(
		attribute.String("verdict.label", string(v.Label)),
		attribute.Float64("verdict.confidence", v.Confidence),
		attribute.Bool("verdict.partial", v.Partial),
		attribute.Int("verdict.faces", v.Faces),
	)
	log.Info("verdict",
		zap.String("label", string(v.Label)),
		zap.Float64("confidence", v.Confidence),
		zap.Bool("partial", v.Partial),
		zap.Int("faces", v.Faces),
		zap.Int("frames_sampled", v.FramesSampled),
		zap.Duration("took", v.Elapsed),
	)
	return v, nil
}

// prepare fetches the model handles the request needs. The localizer is never loaded when
// the detector is disabled.
func (p *Pipeline) prepare(ctx context.Context, opts Options, kind types.MediaKind, log *zap.Logger) (*request, error) {
	ctx, span := otel.Tracer("pipeline").Start(ctx, "load_models")
	defer span.End()

	var locModel models.Localizer
	if opts.DetectorEnabled {
		m, err := p.models.Localizer(ctx)
		if err != nil {
			return nil, err
		}
		locModel = m
	}
	clsModel, err := p.models.Classifier(ctx)
	if err != nil {
		return nil, err
	}

	loc, err := face.NewLocalizer(face.ModeFor(opts.DetectorEnabled), locModel, log)
	if err != nil {
		return nil, err
	}
	return &request{
		opts:       opts,
		kind:       kind,
		localizer:  loc,
		classifier: face.NewClassifier(clsModel, p.pre.Size()),
		log:        log,
	}, nil
}

// sample drives the sampler and fans sampled frames out to at most opts.Workers goroutines.
// Each frame builds its own aggregate, merged into the total when the frame completes.
func (p *Pipeline) sample(ctx context.Context, src *media.Source, req *request) (*aggregate.Aggregator, int, bool, error) {
	total := aggregate.New(req.opts.KeepSamples)

	ctx, span := otel.Tracer("pipeline").Start(ctx, "sample_frames")
	defer span.End()

	var (
		sampler media.Sampler
		err     error
	)
	if req.kind == types.KindImage {
		sampler, err = media.NewImageSampler(src)
	} else {
		sampler, err = p.decoder.OpenVideo(ctx, src, req.opts.Stride)
	}
	if err != nil {
		return total, 0, false, err
	}
	defer sampler.Close()

	if req.opts.Progress != nil {
		req.opts.Progress.Start(sampler.Total())
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.opts.Workers)

	for gctx.Err() == nil && sampler.Scan() {
		frame := sampler.Frame()
		if req.opts.Progress != nil {
			req.opts.Progress.Set(sampler.Decoded())
		}
		g.Go(func() error {
			part, err := p.processFrame(gctx, req, frame)
			if err != nil {
				return err
			}
			mu.Lock()
			total.Merge(part)
			mu.Unlock()
			return nil
		})
	}
	frameErr := g.Wait()

	if req.opts.Progress != nil {
		req.opts.Progress.Set(sampler.Decoded())
	}
	if frameErr != nil {
		return total, sampler.Decoded(), false, frameErr
	}
	if err := ctx.Err(); err != nil {
		return total, sampler.Decoded(), false, err
	}
	if sampler.Truncated() {
		req.log.Debug("sampler truncated", zap.Error(sampler.Err()))
		return total, sampler.Decoded(), true, nil
	}
	return total, sampler.Decoded(), false, sampler.Err()
}

// processFrame locates, preprocesses and classifies every face in one frame.
func (p *Pipeline) processFrame(ctx context.Context, req *request, frame types.Frame) (*aggregate.Aggregator, error) {
	req.sampled.Add(1)
	metrics.FramesSampledTotal.Inc()
	part := aggregate.New(req.opts.KeepSamples)

	var samples []types.ScoreSample
	if req.localizer.Mode() == face.ModeFullFrame {
		tensor, err := p.pre.PrepareWhole(frame)
		if err != nil {
			return nil, err
		}
		score, err := req.classifier.Classify(ctx, tensor)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
		}
		samples = append(samples, types.ScoreSample{FrameIndex: frame.Index, Score: score})
	} else {
		boxes, err := req.localizer.Locate(ctx, frame)
		if err != nil {
			return nil, err
		}
		for _, box := range boxes {
			tensor, err := p.pre.Prepare(frame, box)
			if errors.Is(err, face.ErrEmptyCrop) {
				metrics.BoxesDiscardedTotal.Inc()
				continue
			}
			if err != nil {
				return nil, err
			}
			score, err := req.classifier.Classify(ctx, tensor)
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
			}
			b := box
			samples = append(samples, types.ScoreSample{FrameIndex: frame.Index, Box: &b, Score: score})
		}
	}

	for _, s := range samples {
		part.Add(s)
	}
	metrics.FacesClassifiedTotal.Add(float64(len(samples)))
	req.log.Debug("frame processed", zap.Int("frame", frame.Index), zap.Int("faces", len(samples)))

	if req.opts.OnFrame != nil {
		req.opts.OnFrame(frame, samples)
	}
	return part, nil
}
