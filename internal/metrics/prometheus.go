package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepcheck_frames_sampled_total",
		Help: "Total number of frames submitted to face localization",
	})

	FacesClassifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepcheck_faces_classified_total",
		Help: "Total number of face (or whole-frame) tensors scored by the classifier",
	})

	BoxesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepcheck_boxes_discarded_total",
		Help: "Total number of degenerate bounding boxes dropped before preprocessing",
	})

	VerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepcheck_verdicts_total",
		Help: "Total number of verdicts, by label and partial flag",
	}, []string{"label", "partial"})

	InferenceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepcheck_inference_duration_seconds",
		Help:    "Latency of a single model call",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"model"})

	ModelLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepcheck_model_loads_total",
		Help: "Total number of model load attempts, by model and result",
	}, []string{"model", "result"})

	ModelEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepcheck_model_evictions_total",
		Help: "Total number of broken model handles dropped from the registry",
	}, []string{"model"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deepcheck_request_duration_seconds",
		Help:    "Duration of a whole classification request",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})
)
