// Package face turns sampled frames into classifier scores: it locates faces, crops and
// normalizes them into tensors, and validates what the classifier returns.
package face

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/deepcheck/internal/metrics"
	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/types"
	"go.uber.org/zap"
)

// Mode selects how a Localizer finds faces.
type Mode string

const (
	// ModeDetector runs the localizer model on every frame.
	ModeDetector Mode = "detector"
	// ModeFullFrame treats the whole frame as the single region of interest.
	ModeFullFrame Mode = "full_frame"
)

// ModeFor maps the detector-enabled option onto a Mode.
func ModeFor(detectorEnabled bool) Mode {
	if detectorEnabled {
		return ModeDetector
	}
	return ModeFullFrame
}

// Localizer yields the face boxes of a frame. Every returned box is clamped to the frame
// bounds and has positive area.
type Localizer struct {
	mode   Mode
	model  models.Localizer
	logger *zap.Logger
}

// NewLocalizer builds a localizer for mode. ModeDetector requires a model; ModeFullFrame
// ignores it.
func NewLocalizer(mode Mode, model models.Localizer, logger *zap.Logger) (*Localizer, error) {
	switch mode {
	case ModeDetector:
		if model == nil {
			return nil, errors.New("detector mode needs a localizer model")
		}
	case ModeFullFrame:
		model = nil
	default:
		return nil, fmt.Errorf("unknown localizer mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Localizer{mode: mode, model: model, logger: logger}, nil
}

// Mode returns the variant this localizer runs.
func (l *Localizer) Mode() Mode { return l.mode }

// Locate returns the boxes of every face in f. In full-frame mode that is exactly one box
// covering the frame (none for an empty frame).
func (l *Localizer) Locate(ctx context.Context, f types.Frame) ([]types.BoundingBox, error) {
	bounds := f.Bounds()
	if l.mode == ModeFullFrame {
		if bounds.Empty() {
			return nil, nil
		}
		return []types.BoundingBox{types.BoxFromRect(bounds)}, nil
	}

	raw, err := l.model.Detect(ctx, f.Image)
	if err != nil {
		return nil, fmt.Errorf("locate faces in frame %d: %w", f.Index, err)
	}

	boxes := make([]types.BoundingBox, 0, len(raw))
	for _, r := range raw {
		// Coordinates are relative to the image origin; int() truncates toward zero.
		box := types.BoundingBox{
			X1: bounds.Min.X + int(r.X1),
			Y1: bounds.Min.Y + int(r.Y1),
			X2: bounds.Min.X + int(r.X2),
			Y2: bounds.Min.Y + int(r.Y2),
		}.Clamp(bounds)
		if !box.Valid() {
			metrics.BoxesDiscardedTotal.Inc()
			l.logger.Debug("discarding degenerate box",
				zap.Int("frame", f.Index),
				zap.Float64("x1", r.X1), zap.Float64("y1", r.Y1),
				zap.Float64("x2", r.X2), zap.Float64("y2", r.Y2),
			)
			continue
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}
