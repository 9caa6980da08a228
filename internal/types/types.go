package types

import (
	"image"
	"time"
)

// MediaKind tells the pipeline whether a source is decoded as a still image or a video stream.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Label is the final authenticity decision of a classification request.
type Label string

const (
	LabelReal     Label = "Real"
	LabelDeepFake Label = "DeepFake"
	LabelNoFace   Label = "No face detected"
)

// RealThreshold is the mean score at or above which a verdict is Real.
const RealThreshold = 0.5

// TruncationReason explains why a Verdict is partial.
type TruncationReason string

const (
	ReasonNone            TruncationReason = ""
	ReasonDecodeTruncated TruncationReason = "decode_truncated"
	ReasonTimeBudget      TruncationReason = "time_budget"
)

// Frame is a decoded raster tagged with its 0-based ordinal index in the source.
type Frame struct {
	Index int
	Image image.Image
}

// Bounds returns the pixel bounds of the frame.
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}

// BoundingBox is a face location in pixel space. X2 and Y2 are exclusive.
type BoundingBox struct {
	X1, Y1, X2, Y2 int
}

// Valid reports whether the box has positive area (X1 < X2 and Y1 < Y2).
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Clamp restricts the box to r. The result may be degenerate.
func (b BoundingBox) Clamp(r image.Rectangle) BoundingBox {
	return BoundingBox{
		X1: clamp(b.X1, r.Min.X, r.Max.X),
		Y1: clamp(b.Y1, r.Min.Y, r.Max.Y),
		X2: clamp(b.X2, r.Min.X, r.Max.X),
		Y2: clamp(b.Y2, r.Min.Y, r.Max.Y),
	}
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Area returns the box area, or 0 for a degenerate box.
func (b BoundingBox) Area() int {
	if !b.Valid() {
		return 0
	}
	return (b.X2 - b.X1) * (b.Y2 - b.Y1)
}

// BoxFromRect converts a rectangle into a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ChannelOrder is the order of the three color channels inside a FaceTensor.
type ChannelOrder string

const (
	OrderRGB ChannelOrder = "rgb"
	OrderBGR ChannelOrder = "bgr"
)

// FaceTensor is a normalized Size x Size x 3 float array in HWC order with values in [0, 1].
type FaceTensor struct {
	Size  int
	Order ChannelOrder
	Data  []float32
}

// NewFaceTensor allocates a zeroed tensor for the given edge size.
func NewFaceTensor(size int) FaceTensor {
	return FaceTensor{Size: size, Order: OrderRGB, Data: make([]float32, size*size*3)}
}

// Valid reports whether the backing slice matches the declared shape.
func (t FaceTensor) Valid() bool {
	return t.Size > 0 && len(t.Data) == t.Size*t.Size*3
}

// ScoreSample is one classifier output with its provenance.
// Box is nil when the whole frame was classified.
type ScoreSample struct {
	FrameIndex int          `json:"frame"`
	Box        *BoundingBox `json:"box,omitempty"`
	Score      float64      `json:"score"`
}

// Verdict is the result of one classification request.
type Verdict struct {
	Label      Label            `json:"label"`
	Confidence float64          `json:"confidence"`
	Partial    bool             `json:"partial"`
	Reason     TruncationReason `json:"reason,omitempty"`

	Kind          MediaKind     `json:"kind,omitempty"`
	Faces         int           `json:"faces"`
	FramesSampled int           `json:"frames_sampled"`
	FramesDecoded int           `json:"frames_decoded"`
	Elapsed       time.Duration `json:"elapsed"`
	Samples       []ScoreSample `json:"samples,omitempty"`
}
