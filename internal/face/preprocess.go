package face

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/disintegration/imaging"
)

// InputSize is the edge length of the square classifier input.
const InputSize = 256

// ErrEmptyCrop is returned when a box has no pixels inside the frame.
var ErrEmptyCrop = errors.New("crop region is empty")

// Preprocessor crops and normalizes face regions into classifier tensors.
// It is stateless and safe for concurrent use.
type Preprocessor struct {
	size  int
	order types.ChannelOrder
}

// NewPreprocessor returns a preprocessor producing size x size tensors in the given channel order.
// Zero values fall back to InputSize and RGB.
func NewPreprocessor(size int, order types.ChannelOrder) *Preprocessor {
	if size <= 0 {
		size = InputSize
	}
	if order == "" {
		order = types.OrderRGB
	}
	return &Preprocessor{size: size, order: order}
}

// Size returns the tensor edge length.
func (p *Preprocessor) Size() int { return p.size }

// Prepare crops f to box (clamped to the frame), resizes the crop and scales it to [0, 1].
func (p *Preprocessor) Prepare(f types.Frame, box types.BoundingBox) (types.FaceTensor, error) {
	if f.Image == nil {
		return types.FaceTensor{}, ErrEmptyCrop
	}
	box = box.Clamp(f.Bounds())
	if !box.Valid() {
		return types.FaceTensor{}, fmt.Errorf("frame %d box %+v: %w", f.Index, box, ErrEmptyCrop)
	}
	return p.tensor(imaging.Crop(f.Image, box.Rect())), nil
}

// PrepareWhole resizes the entire frame without cropping.
func (p *Preprocessor) PrepareWhole(f types.Frame) (types.FaceTensor, error) {
	if f.Image == nil || f.Bounds().Empty() {
		return types.FaceTensor{}, fmt.Errorf("frame %d: %w", f.Index, ErrEmptyCrop)
	}
	return p.tensor(f.Image), nil
}

func (p *Preprocessor) tensor(img image.Image) types.FaceTensor {
	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)

	t := types.NewFaceTensor(p.size)
	t.Order = p.order
	r, b := 0, 2
	if p.order == types.OrderBGR {
		r, b = 2, 0
	}

	i := 0
	for y := 0; y < p.size; y++ {
		row := resized.Pix[y*resized.Stride : y*resized.Stride+p.size*4]
		for x := 0; x < p.size; x++ {
			px := row[x*4 : x*4+3]
			t.Data[i+r] = float32(px[0]) / 255.0
			t.Data[i+1] = float32(px[1]) / 255.0
			t.Data[i+b] = float32(px[2]) / 255.0
			i += 3
		}
	}
	return t
}
