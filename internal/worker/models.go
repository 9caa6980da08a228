package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"strconv"

	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/types"
)

// Loader starts one Python worker per model. It implements models.Loader.
type Loader struct {
	cfg        Config
	confidence float64
	nms        float64
}

// NewLoader returns a loader for cfg. Detection thresholds are forwarded to the localizer worker.
func NewLoader(cfg Config, confidence, nms float64) *Loader {
	return &Loader{cfg: cfg, confidence: confidence, nms: nms}
}

func (l *Loader) LoadLocalizer(ctx context.Context, path string) (models.Localizer, error) {
	cfg := l.cfg
	cfg.ExtraArgs = append(append([]string(nil), cfg.ExtraArgs...),
		"--conf", strconv.FormatFloat(l.confidence, 'f', -1, 64),
		"--iou", strconv.FormatFloat(l.nms, 'f', -1, 64),
	)
	w, err := NewPythonWorker(ctx, cfg, RoleLocalizer, path)
	if err != nil {
		return nil, &models.LoadError{Model: models.KindLocalizer, Path: path, Err: err}
	}
	return &Localizer{w: w}, nil
}

func (l *Loader) LoadClassifier(ctx context.Context, path string) (models.Classifier, error) {
	w, err := NewPythonWorker(ctx, l.cfg, RoleClassifier, path)
	if err != nil {
		return nil, &models.LoadError{Model: models.KindClassifier, Path: path, Err: err}
	}
	return &Classifier{w: w}, nil
}

// ThreadSafe is true: a worker serializes its own request/response exchanges.
func (l *Loader) ThreadSafe() bool { return true }

// Localizer sends JPEG-encoded frames to a localizer worker.
type Localizer struct {
	w *PythonWorker
}

// Detect response: [NumBoxes] then NumBoxes x [X1 Y1 X2 Y2 Conf] as float32.
func (l *Localizer) Detect(ctx context.Context, img image.Image) ([]models.RawBox, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	resp, err := l.w.Communicate(ctx, opDetect, buf.Bytes())
	if err != nil {
		return nil, err
	}
	return parseBoxes(resp)
}

func (l *Localizer) Close() error { return l.w.Close() }

func parseBoxes(resp []byte) ([]models.RawBox, error) {
	r := bytes.NewReader(resp)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read box count: %w", err)
	}
	if int64(n)*20 != int64(r.Len()) {
		return nil, fmt.Errorf("box payload holds %d bytes, want %d", r.Len(), n*20)
	}

	boxes := make([]models.RawBox, n)
	for i := range boxes {
		var v [5]float32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, fmt.Errorf("read box %d: %w", i, err)
		}
		boxes[i] = models.RawBox{
			X1: float64(v[0]), Y1: float64(v[1]),
			X2: float64(v[2]), Y2: float64(v[3]),
			Confidence: float64(v[4]),
		}
	}
	return boxes, nil
}

// Classifier sends face tensors to a classifier worker.
type Classifier struct {
	w *PythonWorker
}

// Predict request: [Size][Order byte][Size*Size*3 float32 HWC]. Response: [Score float32].
func (c *Classifier) Predict(ctx context.Context, t types.FaceTensor) (float64, error) {
	payload := make([]byte, 5, 5+len(t.Data)*4)
	binary.BigEndian.PutUint32(payload, uint32(t.Size))
	if t.Order == types.OrderBGR {
		payload[4] = 1
	}
	for _, v := range t.Data {
		payload = binary.BigEndian.AppendUint32(payload, math.Float32bits(v))
	}

	resp, err := c.w.Communicate(ctx, opClassify, payload)
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, fmt.Errorf("score payload holds %d bytes, want 4", len(resp))
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(resp))), nil
}

func (c *Classifier) Close() error { return c.w.Close() }
