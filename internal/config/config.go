// Package config loads deepcheck settings from defaults, an optional YAML file, DEEPCHECK_*
// environment variables and command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/deepcheck/internal/pipeline"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. DEEPCHECK_PIPELINE_STRIDE.
const EnvPrefix = "DEEPCHECK"

type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Models   ModelsConfig   `mapstructure:"models"`
	Media    MediaConfig    `mapstructure:"media"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type PipelineConfig struct {
	Stride          int           `mapstructure:"stride"`
	DetectorEnabled bool          `mapstructure:"detector_enabled"`
	TimeBudget      time.Duration `mapstructure:"time_budget"`
	Workers         int           `mapstructure:"workers"`
	KeepSamples     bool          `mapstructure:"keep_samples"`
}

type ModelsConfig struct {
	Backend             string       `mapstructure:"backend"` // "opencv" or "python"
	LocalizerPath       string       `mapstructure:"localizer_path"`
	ClassifierPath      string       `mapstructure:"classifier_path"`
	InputSize           int          `mapstructure:"input_size"` // localizer network input edge
	ConfidenceThreshold float64      `mapstructure:"confidence_threshold"`
	NMSThreshold        float64      `mapstructure:"nms_threshold"`
	ChannelOrder        string       `mapstructure:"channel_order"`     // "rgb" or "bgr"
	ClassifierLayout    string       `mapstructure:"classifier_layout"` // "nhwc" or "nchw"
	ThreadSafe          bool         `mapstructure:"thread_safe"`
	Python              PythonConfig `mapstructure:"python"`
}

type PythonConfig struct {
	Interpreter string        `mapstructure:"interpreter"`
	Script      string        `mapstructure:"script"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type MediaConfig struct {
	Decoder         string   `mapstructure:"decoder"` // "ffmpeg" or "opencv"
	VideoExtensions []string `mapstructure:"video_extensions"`
	FFmpegPath      string   `mapstructure:"ffmpeg_path"`
	FFprobePath     string   `mapstructure:"ffprobe_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

type DBConfig struct {
	URL string `mapstructure:"url"`
}

type MetricsConfig struct {
	Port int `mapstructure:"port"` // 0 disables the metrics server
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"` // empty disables tracing
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"stride":        "pipeline.stride",
	"detector":      "pipeline.detector_enabled",
	"time-budget":   "pipeline.time_budget",
	"workers":       "pipeline.workers",
	"samples":       "pipeline.keep_samples",
	"backend":       "models.backend",
	"localizer":     "models.localizer_path",
	"classifier":    "models.classifier_path",
	"channel-order": "models.channel_order",
	"decoder":       "media.decoder",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"db":            "db.url",
	"metrics-port":  "metrics.port",
}

// Load builds the configuration. configPath may be empty; flags may be nil. Only flags the
// user actually set override lower layers.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.stride", pipeline.DefaultStride)
	v.SetDefault("pipeline.detector_enabled", true)
	v.SetDefault("pipeline.time_budget", time.Duration(0))
	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.keep_samples", false)

	v.SetDefault("models.backend", "opencv")
	v.SetDefault("models.localizer_path", "models/yolov8n-face.onnx")
	v.SetDefault("models.classifier_path", "models/meso4.onnx")
	v.SetDefault("models.input_size", 640)
	v.SetDefault("models.confidence_threshold", 0.25)
	v.SetDefault("models.nms_threshold", 0.45)
	v.SetDefault("models.channel_order", "rgb")
	v.SetDefault("models.classifier_layout", "nhwc")
	v.SetDefault("models.thread_safe", false)
	v.SetDefault("models.python.interpreter", "python3")
	v.SetDefault("models.python.script", "python/worker.py")
	v.SetDefault("models.python.read_timeout", 30*time.Second)

	v.SetDefault("media.decoder", "ffmpeg")
	v.SetDefault("media.video_extensions", []string{".mp4", ".avi", ".mov", ".mkv"})
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("db.url", "")
	v.SetDefault("metrics.port", 0)
	v.SetDefault("tracing.endpoint", "")
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &pipeline.ConfigError{Field: field, Msg: fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", "))}
}

// Validate rejects settings no request could run with.
func (c *Config) Validate() error {
	if err := c.PipelineOptions().Validate(); err != nil {
		return err
	}
	checks := []error{
		oneOf("models.backend", c.Models.Backend, "opencv", "python"),
		oneOf("models.channel_order", c.Models.ChannelOrder, "rgb", "bgr"),
		oneOf("models.classifier_layout", c.Models.ClassifierLayout, "nhwc", "nchw"),
		oneOf("media.decoder", c.Media.Decoder, "ffmpeg", "opencv"),
		oneOf("log.format", c.Log.Format, "console", "json"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Models.InputSize <= 0 {
		return &pipeline.ConfigError{Field: "models.input_size", Msg: "must be positive"}
	}
	for field, v := range map[string]float64{
		"models.confidence_threshold": c.Models.ConfidenceThreshold,
		"models.nms_threshold":        c.Models.NMSThreshold,
	} {
		if v <= 0 || v > 1 {
			return &pipeline.ConfigError{Field: field, Msg: fmt.Sprintf("must be in (0, 1], got %v", v)}
		}
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return &pipeline.ConfigError{Field: "metrics.port", Msg: fmt.Sprintf("invalid port %d", c.Metrics.Port)}
	}
	return nil
}

// PipelineOptions converts the pipeline section into per-request options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Stride:          c.Pipeline.Stride,
		DetectorEnabled: c.Pipeline.DetectorEnabled,
		TimeBudget:      c.Pipeline.TimeBudget,
		Workers:         c.Pipeline.Workers,
		KeepSamples:     c.Pipeline.KeepSamples,
	}
}
