package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/andresmejia3/deepcheck/internal/types"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrInvalidStride is returned when a sampler is asked for a stride below 1.
var ErrInvalidStride = errors.New("stride must be >= 1")

// ErrNoFrames reports a video that ended cleanly without yielding a single frame.
var ErrNoFrames = errors.New("no frames decoded")

// Sampler is a lazy, finite sequence of sampled frames, consumed like a bufio.Scanner.
// A sampler cannot be rewound; sampling again requires a new decode.
type Sampler interface {
	// Scan advances to the next sampled frame. It returns false at end-of-stream,
	// after a decode error, or once the sampler is closed.
	Scan() bool
	// Frame returns the frame produced by the last successful Scan.
	Frame() types.Frame
	// Decoded returns how many frames the decoder produced so far, sampled or not.
	Decoded() int
	// Total returns the expected number of frames, or 0 when unknown.
	Total() int
	// Truncated reports whether sampling ended early because of a mid-stream decode error.
	Truncated() bool
	// Err returns the reason sampling stopped, or nil on a clean end-of-stream.
	// It is a *DecodeError when no frame could be produced at all.
	Err() error
	Close() error
}

// Decoder opens sequential samplers over video sources.
type Decoder interface {
	OpenVideo(ctx context.Context, src *Source, stride int) (Sampler, error)
}

// Open dispatches on the source kind: images become a single-frame sampler, videos are
// handed to dec.
func Open(ctx context.Context, dec Decoder, src *Source, stride int) (Sampler, error) {
	if stride < 1 {
		return nil, ErrInvalidStride
	}
	if src.Kind() == types.KindImage {
		return NewImageSampler(src)
	}
	return dec.OpenVideo(ctx, src, stride)
}

// DecodeImage reads the whole source as a still image.
func DecodeImage(src *Source) (image.Image, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, &DecodeError{Source: src.Name(), Err: err}
	}
	defer rc.Close()

	img, _, err := image.Decode(rc)
	if err != nil {
		return nil, &DecodeError{Source: src.Name(), Err: fmt.Errorf("decode image: %w", err)}
	}
	if b := img.Bounds(); b.Empty() {
		return nil, &DecodeError{Source: src.Name(), Err: errors.New("image has no pixels")}
	}
	return img, nil
}

// ImageSampler yields one synthetic frame, index 0, holding the whole decoded image.
type ImageSampler struct {
	frame types.Frame
	done  bool
}

// NewImageSampler decodes the image eagerly so an unreadable file fails before any inference.
func NewImageSampler(src *Source) (*ImageSampler, error) {
	img, err := DecodeImage(src)
	if err != nil {
		return nil, err
	}
	return &ImageSampler{frame: types.Frame{Index: 0, Image: img}}, nil
}

func (s *ImageSampler) Scan() bool {
	if s.done {
		return false
	}
	s.done = true
	return true
}

func (s *ImageSampler) Frame() types.Frame { return s.frame }

func (s *ImageSampler) Decoded() int {
	if s.done {
		return 1
	}
	return 0
}

func (s *ImageSampler) Total() int      { return 1 }
func (s *ImageSampler) Truncated() bool { return false }
func (s *ImageSampler) Err() error      { return nil }

func (s *ImageSampler) Close() error {
	s.done = true
	return nil
}
