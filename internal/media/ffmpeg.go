package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/andresmejia3/deepcheck/internal/utils"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// FFmpegDecoder decodes videos by streaming MJPEG frames out of an ffmpeg subprocess.
type FFmpegDecoder struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *zap.Logger
}

// NewFFmpegDecoder returns a decoder using the given binaries ("ffmpeg"/"ffprobe" when empty).
func NewFFmpegDecoder(ffmpegPath, ffprobePath string, logger *zap.Logger) *FFmpegDecoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegDecoder{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath, Logger: logger}
}

// OpenVideo probes the container (file sources only) and starts the decoder.
// A source that cannot be probed or started fails with *DecodeError.
func (d *FFmpegDecoder) OpenVideo(ctx context.Context, src *Source, stride int) (Sampler, error) {
	if stride < 1 {
		return nil, ErrInvalidStride
	}

	input := src.Path()
	total := 0
	if src.IsStream() {
		input = utils.StdinInput
	} else {
		probe, err := utils.Probe(ctx, d.FFprobePath, src.Path())
		if err != nil {
			return nil, &DecodeError{Source: src.Name(), Err: err}
		}
		total = probe.Frames
		d.Logger.Debug("probed video",
			zap.String("media", src.Name()),
			zap.String("codec", probe.Codec),
			zap.Int("frames", probe.Frames),
		)
	}

	cmd := utils.NewFFmpegCmd(ctx, d.FFmpegPath, input)

	var stdin io.ReadCloser
	if src.IsStream() {
		rc, err := src.Open()
		if err != nil {
			return nil, &DecodeError{Source: src.Name(), Err: err}
		}
		stdin = rc
		cmd.Stdin = rc
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		closeQuietly(stdin)
		return nil, &DecodeError{Source: src.Name(), Err: fmt.Errorf("create ffmpeg stdout pipe: %w", err)}
	}
	if err := cmd.Start(); err != nil {
		closeQuietly(stdin)
		return nil, &DecodeError{Source: src.Name(), Err: fmt.Errorf("start ffmpeg: %w", err)}
	}

	proc := &ffmpegProcess{cmd: cmd, stdin: stdin}
	return newJPEGSampler(src.Name(), out, stride, total, proc), nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// decoderProcess is the subprocess behind a JPEG stream.
type decoderProcess interface {
	// Wait reaps the process once its output has been read (or it was killed).
	Wait() error
	// Kill stops a process whose remaining output will not be read.
	Kill()
}

type ffmpegProcess struct {
	cmd   *utils.SafeCommand
	stdin io.Closer
}

func (p *ffmpegProcess) Wait() error {
	err := p.cmd.Wait()
	closeQuietly(p.stdin)
	if err != nil {
		if logs := strings.TrimSpace(p.cmd.Logs()); logs != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, logs)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func (p *ffmpegProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// jpegSampler splits a concatenated MJPEG stream into frames and decodes only the ones
// whose ordinal is a multiple of the stride.
type jpegSampler struct {
	name    string
	scanner *bufio.Scanner
	stride  int
	total   int
	proc    decoderProcess

	next    int // ordinal of the next frame read from the stream
	sampled int
	frame   types.Frame

	mu        sync.Mutex
	done      bool
	truncated bool
	err       error
}

func newJPEGSampler(name string, r io.Reader, stride, total int, proc decoderProcess) *jpegSampler {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)
	return &jpegSampler{name: name, scanner: scanner, stride: stride, total: total, proc: proc}
}

func (s *jpegSampler) Scan() bool {
	if s.isDone() {
		return false
	}
	for s.scanner.Scan() {
		idx := s.next
		s.next++
		if idx%s.stride != 0 {
			continue
		}
		img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
		if err != nil {
			s.finish(fmt.Errorf("frame %d: %w", idx, err), true)
			return false
		}
		s.frame = types.Frame{Index: idx, Image: img}
		s.sampled++
		return true
	}
	s.finish(s.scanner.Err(), s.scanner.Err() != nil)
	return false
}

// finish reaps the decoder and classifies why sampling stopped. kill is set when the
// remaining output will not be drained, so the process must be stopped before Wait.
func (s *jpegSampler) finish(cause error, kill bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true

	if s.proc != nil {
		if kill {
			s.proc.Kill()
		}
		if waitErr := s.proc.Wait(); cause == nil {
			cause = waitErr
		}
	}
	if cause == nil {
		return
	}
	if s.sampled == 0 {
		// Nothing usable came out of the decoder: the source never opened.
		s.err = &DecodeError{Source: s.name, Err: cause}
		return
	}
	s.truncated = true
	s.err = cause
}

func (s *jpegSampler) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *jpegSampler) Frame() types.Frame { return s.frame }
func (s *jpegSampler) Decoded() int       { return s.next }
func (s *jpegSampler) Total() int         { return s.total }

func (s *jpegSampler) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

func (s *jpegSampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the decoder if sampling was abandoned early. Closing before end-of-stream
// is not a truncation: the caller chose to stop.
func (s *jpegSampler) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	s.mu.Unlock()

	if s.proc != nil {
		s.proc.Kill()
		_ = s.proc.Wait() // exit status reflects the kill
	}
	return nil
}
