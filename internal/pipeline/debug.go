package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	realColor = color.NRGBA{R: 0, G: 200, B: 0, A: 255}
	fakeColor = color.NRGBA{R: 220, G: 0, B: 0, A: 255}
)

// DebugFrames returns a hook that writes every sampled frame to dir/mediaID/frame_<index>.jpg
// with each scored face outlined and labelled with its score.
func DebugFrames(dir, mediaID string, logger *zap.Logger) (FrameHook, error) {
	out := filepath.Join(dir, mediaID)
	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, fmt.Errorf("create debug frame dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(frame types.Frame, samples []types.ScoreSample) {
		path := filepath.Join(out, fmt.Sprintf("frame_%06d.jpg", frame.Index))
		if err := imaging.Save(annotate(frame, samples), path, imaging.JPEGQuality(90)); err != nil {
			logger.Warn("failed to write debug frame", zap.String("path", path), zap.Error(err))
		}
	}, nil
}

// annotate copies the frame and draws a box outline plus score for every sample.
// Samples without a box scored the whole frame, so only their score is printed.
func annotate(frame types.Frame, samples []types.ScoreSample) *image.NRGBA {
	img := imaging.Clone(frame.Image) // rebased to the origin
	origin := frame.Bounds().Min
	for _, s := range samples {
		c := fakeColor
		if s.Score >= types.RealThreshold {
			c = realColor
		}
		rect := img.Bounds()
		if s.Box != nil {
			rect = s.Box.Rect().Sub(origin)
			outline(img, rect, c, 2)
		}
		label(img, rect.Min.X+3, rect.Min.Y+13, fmt.Sprintf("%.3f", s.Score), c)
	}
	return img
}

// outline strokes the border of rect with the given thickness.
func outline(img *image.NRGBA, rect image.Rectangle, c color.NRGBA, thickness int) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	t := thickness
	fill(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), c) // top
	fill(img, image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), c) // bottom
	fill(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), c) // left
	fill(img, image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), c) // right
}

func fill(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	rect = rect.Intersect(img.Bounds())
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

func label(img *image.NRGBA, x, y int, text string, c color.NRGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
