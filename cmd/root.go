package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/deepcheck/internal/config"
	"github.com/andresmejia3/deepcheck/internal/face"
	"github.com/andresmejia3/deepcheck/internal/logging"
	"github.com/andresmejia3/deepcheck/internal/media"
	"github.com/andresmejia3/deepcheck/internal/metrics"
	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/opencv"
	"github.com/andresmejia3/deepcheck/internal/pipeline"
	"github.com/andresmejia3/deepcheck/internal/store"
	"github.com/andresmejia3/deepcheck/internal/tracing"
	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/andresmejia3/deepcheck/internal/worker"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var (
	// Cfg is the merged configuration, loaded before any subcommand runs.
	Cfg *config.Config
	// Logger is the process-wide structured logger.
	Logger *zap.Logger
	// DB is the verdict history store; nil unless db.url is set.
	DB *store.Store

	configPath    string
	metricsServer *http.Server
	tracer        *sdktrace.TracerProvider
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:          "deepcheck",
	Short:        "Deepfake detection for images and videos",
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}

		Logger, err = logging.New(Cfg.Log.Level, Cfg.Log.Format)
		if err != nil {
			return err
		}

		if Cfg.Tracing.Endpoint != "" {
			tracer, err = tracing.InitTracer(cmd.Context(), Cfg.Tracing.Endpoint, "deepcheck")
			if err != nil {
				// Tracing is diagnostic only.
				Logger.Warn("tracing disabled", zap.Error(err))
			}
		}

		if Cfg.Metrics.Port > 0 {
			metricsServer = metrics.StartMetricsServer(cmd.Context(), Cfg.Metrics.Port, Logger)
		}

		if Cfg.DB.URL != "" {
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.New(cmd.Context(), Cfg.DB.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if DB != nil {
			DB.Close()
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		if tracer != nil {
			_ = tracer.Shutdown(ctx)
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "Path to a YAML config file")
	f.String("db", "", "PostgreSQL connection string for verdict history (disabled when empty)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "console", "Log format (console, json)")
	f.Int("metrics-port", 0, "Serve Prometheus metrics on this port (0 disables)")
	f.String("backend", "opencv", "Inference backend (opencv, python)")
	f.String("localizer", "", "Face localizer model artifact")
	f.String("classifier", "", "Real/fake classifier model artifact")
	f.String("channel-order", "rgb", "Classifier input channel order (rgb, bgr)")
	f.String("decoder", "ffmpeg", "Video decoder (ffmpeg, opencv)")
}

// requireDB fails commands that only make sense with a history store.
func requireDB() error {
	if DB == nil {
		return errors.New("no database configured: pass --db or set DEEPCHECK_DB_URL")
	}
	return nil
}

// concurrentLoader marks a backend's handles as safe for concurrent calls.
type concurrentLoader struct{ models.Loader }

func (concurrentLoader) ThreadSafe() bool { return true }

func newLoader(c *config.Config, logger *zap.Logger) models.Loader {
	var loader models.Loader
	switch c.Models.Backend {
	case "python":
		loader = worker.NewLoader(worker.Config{
			Interpreter: c.Models.Python.Interpreter,
			Script:      c.Models.Python.Script,
			ReadTimeout: c.Models.Python.ReadTimeout,
			Logger:      logger,
		}, c.Models.ConfidenceThreshold, c.Models.NMSThreshold)
	default:
		loader = opencv.NewLoader(opencv.Options{
			InputSize:  c.Models.InputSize,
			Confidence: c.Models.ConfidenceThreshold,
			NMS:        c.Models.NMSThreshold,
			Layout:     opencv.Layout(c.Models.ClassifierLayout),
			Logger:     logger,
		})
	}
	if c.Models.ThreadSafe {
		loader = concurrentLoader{loader}
	}
	return loader
}

func newDecoder(c *config.Config, logger *zap.Logger) media.Decoder {
	if c.Media.Decoder == "opencv" {
		return opencv.NewCaptureDecoder(logger)
	}
	return media.NewFFmpegDecoder(c.Media.FFmpegPath, c.Media.FFprobePath, logger)
}

func newRegistry(c *config.Config, logger *zap.Logger) *models.Registry {
	return models.NewRegistry(newLoader(c, logger), models.Paths{
		Localizer:  c.Models.LocalizerPath,
		Classifier: c.Models.ClassifierPath,
	}, logger)
}

// newPipeline wires the pipeline around a registry the caller must Close.
func newPipeline(c *config.Config, reg *models.Registry, logger *zap.Logger) *pipeline.Pipeline {
	pre := face.NewPreprocessor(face.InputSize, types.ChannelOrder(c.Models.ChannelOrder))
	return pipeline.New(reg, newDecoder(c, logger), pre, logger)
}
