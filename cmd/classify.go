package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/deepcheck/internal/media"
	"github.com/andresmejia3/deepcheck/internal/pipeline"
	"github.com/andresmejia3/deepcheck/internal/store"
	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/andresmejia3/deepcheck/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// classifyOptions holds the flags that only affect the CLI, not the pipeline.
type classifyOptions struct {
	JSON        bool
	DebugFrames string
	StreamName  string
	NoProgress  bool
}

var classifyOpts classifyOptions

var classifyCmd = &cobra.Command{
	Use:   "classify <path>... | -",
	Short: "Classify images and videos as real or deepfake",
	Long: "Classifies each input and prints its verdict. Videos are sampled every --stride frames.\n" +
		"Use - to read a single input from stdin; --name sets the file name used to detect its type.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClassify(cmd.Context(), args, classifyOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := classifyCmd.Flags()
	f.IntP("stride", "n", pipeline.DefaultStride, "Sample every Nth frame of a video")
	f.Bool("detector", true, "Locate faces before classifying (false scores whole frames)")
	f.Duration("time-budget", 0, "Stop sampling after this long and return a partial verdict (0 disables)")
	f.IntP("workers", "e", 1, "Frames processed in parallel")
	f.Bool("samples", false, "Include per-face scores in the verdict")
	f.BoolVar(&classifyOpts.JSON, "json", false, "Print verdicts as JSON lines")
	f.StringVarP(&classifyOpts.DebugFrames, "debug-frames", "d", "", "Write annotated sampled frames under this directory")
	f.StringVar(&classifyOpts.StreamName, "name", "stdin", "File name of the stdin input, used to detect its type")
	f.BoolVar(&classifyOpts.NoProgress, "no-progress", false, "Disable the video progress bar")
	rootCmd.AddCommand(classifyCmd)
}

// result is one line of classify output.
type result struct {
	Input    string        `json:"input"`
	MediaID  string        `json:"media_id"`
	RecordID string        `json:"record_id,omitempty"`
	Verdict  types.Verdict `json:"verdict"`
}

func runClassify(ctx context.Context, args []string, opts classifyOptions, out io.Writer) error {
	if err := validateClassifyArgs(args); err != nil {
		return err
	}

	reg := newRegistry(Cfg, Logger)
	defer reg.Close()
	p := newPipeline(Cfg, reg, Logger)
	table := media.NewKindTable(Cfg.Media.VideoExtensions)

	failed := 0
	for _, arg := range args {
		res, err := classifyOne(ctx, p, table, arg, opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			utils.ShowError(fmt.Sprintf("Failed to classify %s", arg), err, nil)
			failed++
			continue
		}
		if err := printResult(out, res, opts.JSON); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(args))
	}
	return nil
}

func validateClassifyArgs(args []string) error {
	streams := 0
	for _, a := range args {
		if a == "-" {
			streams++
		}
	}
	if streams > 0 && len(args) > 1 {
		return fmt.Errorf("stdin (-) must be the only input")
	}
	return nil
}

func classifyOne(ctx context.Context, p *pipeline.Pipeline, table media.KindTable, arg string, opts classifyOptions) (result, error) {
	var (
		src     *media.Source
		mediaID string
		path    string
	)
	if arg == "-" {
		src = media.NewStreamSource(os.Stdin, opts.StreamName, table)
		mediaID = uuid.NewString()
	} else {
		src = media.NewFileSource(arg, table)
		path = arg
		id, err := utils.GenerateMediaID(arg)
		if err != nil {
			return result{}, fmt.Errorf("generate media ID: %w", err)
		}
		mediaID = id
	}

	popts := Cfg.PipelineOptions()
	if src.Kind() == types.KindVideo && !opts.NoProgress && !opts.JSON {
		popts.Progress = &barProgress{ctx: ctx, path: path, ffprobe: Cfg.Media.FFprobePath, name: src.Name()}
	}
	if opts.DebugFrames != "" {
		hook, err := pipeline.DebugFrames(opts.DebugFrames, mediaID[:12], Logger)
		if err != nil {
			return result{}, err
		}
		popts.OnFrame = hook
	}

	Logger.Debug("classifying", zap.String("input", arg), zap.String("media_id", mediaID))
	v, err := p.Classify(ctx, src, popts)
	if bar, ok := popts.Progress.(*barProgress); ok {
		bar.Finish()
	}
	if err != nil {
		return result{}, err
	}

	res := result{Input: src.Name(), MediaID: mediaID, Verdict: v}
	if DB != nil {
		id, err := DB.RecordVerdict(ctx, mediaID, path, store.Settings{
			Stride:   popts.Stride,
			Detector: popts.DetectorEnabled,
		}, v)
		if err != nil {
			// The verdict is still valid without its history row.
			Logger.Warn("failed to record verdict", zap.String("media_id", mediaID), zap.Error(err))
		} else {
			res.RecordID = id.String()
		}
	}
	return res, nil
}

func printResult(w io.Writer, res result, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(res)
	}
	_, err := fmt.Fprintln(w, formatVerdict(res.Input, res.Verdict))
	return err
}

// formatVerdict renders a verdict as one human-readable line.
func formatVerdict(input string, v types.Verdict) string {
	line := fmt.Sprintf("%s: %s (%.1f%% confidence", input, v.Label, v.Confidence*100)
	switch v.Kind {
	case types.KindVideo:
		line += fmt.Sprintf(", %s faces in %s sampled frames of %s",
			humanize.Comma(int64(v.Faces)), humanize.Comma(int64(v.FramesSampled)), humanize.Comma(int64(v.FramesDecoded)))
	default:
		line += fmt.Sprintf(", %s faces", humanize.Comma(int64(v.Faces)))
	}
	line += fmt.Sprintf(", %s)", v.Elapsed.Round(time.Millisecond))
	if v.Partial {
		line += fmt.Sprintf(" [partial: %s]", v.Reason)
	}
	return line
}

// barProgress draws a progress bar over decoded frames.
type barProgress struct {
	ctx     context.Context
	path    string
	ffprobe string
	name    string
	bar     *progressbar.ProgressBar
}

func (b *barProgress) Start(total int) {
	if total <= 0 && b.path != "" {
		// Fallback to counting packets if the container has no frame count
		total = utils.GetTotalFrames(b.ctx, b.ffprobe, b.path)
	}
	if total <= 0 {
		total = -1
	}
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 "+b.name),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *barProgress) Set(decoded int) {
	if b.bar != nil {
		_ = b.bar.Set(decoded)
	}
}

func (b *barProgress) Finish() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}
