package face

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/types"
)

var (
	ErrInvalidTensor = errors.New("tensor does not match classifier input shape")
	ErrInvalidScore  = errors.New("classifier returned a score outside [0, 1]")
)

// Classifier scores one tensor at a time against the loaded model.
type Classifier struct {
	model models.Classifier
	size  int
}

// NewClassifier wraps a model handle expecting size x size x 3 tensors.
func NewClassifier(model models.Classifier, size int) *Classifier {
	if size <= 0 {
		size = InputSize
	}
	return &Classifier{model: model, size: size}
}

// Classify returns the probability that the face is real.
func (c *Classifier) Classify(ctx context.Context, t types.FaceTensor) (float64, error) {
	if !t.Valid() || t.Size != c.size {
		return 0, fmt.Errorf("%w: got %dx%d (%d values), want %dx%dx3",
			ErrInvalidTensor, t.Size, t.Size, len(t.Data), c.size, c.size)
	}
	score, err := c.model.Predict(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("classify: %w", err)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	return score, nil
}
