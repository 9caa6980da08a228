// Package opencv runs the localizer and classifier in-process through OpenCV's DNN module
// and offers a VideoCapture based frame decoder.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/types"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Layout is the tensor memory layout a classifier network expects.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

// Options tunes the DNN backend.
type Options struct {
	// InputSize is the square input edge of the localizer network.
	InputSize  int
	Confidence float64
	NMS        float64
	Layout     Layout
	Logger     *zap.Logger
}

// Loader reads ONNX (or any gocv.ReadNet supported) artifacts. It implements models.Loader.
type Loader struct {
	opts Options
}

func NewLoader(opts Options) *Loader {
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	if opts.Confidence <= 0 {
		opts.Confidence = 0.25
	}
	if opts.NMS <= 0 {
		opts.NMS = 0.45
	}
	if opts.Layout == "" {
		opts.Layout = LayoutNHWC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Loader{opts: opts}
}

func readNet(path string) (gocv.Net, error) {
	if _, err := os.Stat(path); err != nil {
		return gocv.Net{}, err
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("opencv could not read network %s", path)
	}
	return net, nil
}

func (l *Loader) LoadLocalizer(ctx context.Context, path string) (models.Localizer, error) {
	net, err := readNet(path)
	if err != nil {
		return nil, err
	}
	return &Localizer{net: net, opts: l.opts}, nil
}

func (l *Loader) LoadClassifier(ctx context.Context, path string) (models.Classifier, error) {
	if l.opts.Layout != LayoutNHWC && l.opts.Layout != LayoutNCHW {
		return nil, fmt.Errorf("unknown classifier layout %q", l.opts.Layout)
	}
	net, err := readNet(path)
	if err != nil {
		return nil, err
	}
	return &Classifier{net: net, layout: l.opts.Layout}, nil
}

// ThreadSafe is false: a gocv.Net keeps its input blob between SetInput and Forward.
func (l *Loader) ThreadSafe() bool { return false }

// Localizer runs a YOLOv8-face style network: output [1, 4+1(+landmarks), N] with
// center-based boxes in input pixel space.
type Localizer struct {
	net  gocv.Net
	opts Options
}

func (l *Localizer) Detect(ctx context.Context, img image.Image) ([]models.RawBox, error) {
	// ImageToMatRGB stores pixels in OpenCV's native BGR order.
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	size := l.opts.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	l.net.SetInput(blob, "")
	prob := l.net.Forward("")
	defer prob.Close()

	dims := prob.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected localizer output shape %v", dims)
	}
	data, err := prob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read localizer output: %w", err)
	}

	scaleX := float64(mat.Cols()) / float64(size)
	scaleY := float64(mat.Rows()) / float64(size)
	cands := decodeYOLO(data, dims[1], dims[2], scaleX, scaleY, l.opts.Confidence)
	if len(cands) == 0 {
		return nil, nil
	}

	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		rects[i] = image.Rect(int(c.X1), int(c.Y1), int(c.X2), int(c.Y2))
		scores[i] = float32(c.Confidence)
	}
	keep := gocv.NMSBoxes(rects, scores, float32(l.opts.Confidence), float32(l.opts.NMS))

	boxes := make([]models.RawBox, 0, len(keep))
	for _, i := range keep {
		boxes = append(boxes, cands[i])
	}
	return boxes, nil
}

func (l *Localizer) Close() error { return l.net.Close() }

// decodeYOLO reads a channel-major [channels, anchors] output: rows 0-3 are cx, cy, w, h,
// row 4 is the face confidence. Boxes are scaled back to frame pixels.
func decodeYOLO(data []float32, channels, anchors int, scaleX, scaleY, minConf float64) []models.RawBox {
	if len(data) < channels*anchors || channels < 5 {
		return nil
	}
	var out []models.RawBox
	for i := 0; i < anchors; i++ {
		conf := float64(data[4*anchors+i])
		if conf < minConf {
			continue
		}
		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])
		out = append(out, models.RawBox{
			X1:         (cx - w/2) * scaleX,
			Y1:         (cy - h/2) * scaleY,
			X2:         (cx + w/2) * scaleX,
			Y2:         (cy + h/2) * scaleY,
			Confidence: conf,
		})
	}
	return out
}

// Classifier runs a single-output sigmoid network on one face tensor.
type Classifier struct {
	net    gocv.Net
	layout Layout
}

func (c *Classifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	blob, err := tensorBlob(t, c.layout)
	if err != nil {
		return 0, err
	}
	defer blob.Close()

	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	defer out.Close()

	scores, err := out.DataPtrFloat32()
	if err != nil {
		return 0, fmt.Errorf("read classifier output: %w", err)
	}
	if len(scores) == 0 {
		return 0, errors.New("classifier produced no output")
	}
	return float64(scores[0]), nil
}

func (c *Classifier) Close() error { return c.net.Close() }

// tensorBlob copies a HWC tensor into a 4-D float Mat in the requested layout.
func tensorBlob(t types.FaceTensor, layout Layout) (gocv.Mat, error) {
	s := t.Size
	sizes := []int{1, s, s, 3}
	if layout == LayoutNCHW {
		sizes = []int{1, 3, s, s}
	}
	blob := gocv.NewMatWithSizes(sizes, gocv.MatTypeCV32F)
	dst, err := blob.DataPtrFloat32()
	if err != nil {
		blob.Close()
		return gocv.Mat{}, fmt.Errorf("allocate input blob: %w", err)
	}
	if layout == LayoutNHWC {
		copy(dst, t.Data)
		return blob, nil
	}
	toCHW(dst, t.Data, s)
	return blob, nil
}

// toCHW transposes a s x s x 3 HWC buffer into CHW order.
func toCHW(dst, src []float32, s int) {
	plane := s * s
	for p := 0; p < plane; p++ {
		dst[p] = src[p*3]
		dst[plane+p] = src[p*3+1]
		dst[2*plane+p] = src[p*3+2]
	}
}
