package opencv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/deepcheck/internal/media"
	"github.com/andresmejia3/deepcheck/internal/types"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// CaptureDecoder decodes videos with gocv.VideoCapture. Streams are spooled to a temporary
// file first since VideoCapture needs a seekable source.
type CaptureDecoder struct {
	Logger *zap.Logger
}

func NewCaptureDecoder(logger *zap.Logger) *CaptureDecoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureDecoder{Logger: logger}
}

func (d *CaptureDecoder) OpenVideo(ctx context.Context, src *media.Source, stride int) (media.Sampler, error) {
	if stride < 1 {
		return nil, media.ErrInvalidStride
	}

	path, cleanup := src.Path(), func() {}
	if src.IsStream() {
		tmp, err := spool(src)
		if err != nil {
			return nil, &media.DecodeError{Source: src.Name(), Err: err}
		}
		path, cleanup = tmp, func() { _ = os.Remove(tmp) }
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		cleanup()
		return nil, &media.DecodeError{Source: src.Name(), Err: err}
	}
	if !vc.IsOpened() {
		vc.Close()
		cleanup()
		return nil, &media.DecodeError{Source: src.Name(), Err: errors.New("video capture did not open")}
	}

	total := int(vc.Get(gocv.VideoCaptureFrameCount))
	if total < 0 {
		total = 0
	}
	d.Logger.Debug("opened video capture", zap.String("media", src.Name()), zap.Int("frames", total))

	return &captureSampler{
		ctx:     ctx,
		name:    src.Name(),
		vc:      vc,
		mat:     gocv.NewMat(),
		stride:  stride,
		total:   total,
		cleanup: cleanup,
	}, nil
}

func spool(src *media.Source) (string, error) {
	rc, err := src.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "deepcheck-*"+filepath.Ext(src.Name()))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("spool stream: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// captureSampler reads every frame sequentially and converts only the sampled ones.
// VideoCapture reports end-of-stream and read failures the same way, so a stream that
// produced frames always ends cleanly.
type captureSampler struct {
	ctx     context.Context
	name    string
	vc      *gocv.VideoCapture
	mat     gocv.Mat
	stride  int
	total   int
	cleanup func()

	next    int
	sampled int
	frame   types.Frame

	mu   sync.Mutex
	done bool
	err  error
}

func (s *captureSampler) Scan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	for {
		if err := s.ctx.Err(); err != nil {
			s.stop(err)
			return false
		}
		if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
			if s.next == 0 {
				s.stop(&media.DecodeError{Source: s.name, Err: errors.New("no frames could be decoded")})
			} else {
				s.stop(nil)
			}
			return false
		}
		idx := s.next
		s.next++
		if idx%s.stride != 0 {
			continue
		}
		img, err := s.mat.ToImage()
		if err != nil {
			cause := fmt.Errorf("frame %d: %w", idx, err)
			if s.sampled == 0 {
				cause = &media.DecodeError{Source: s.name, Err: cause}
			}
			s.stop(cause)
			return false
		}
		s.frame = types.Frame{Index: idx, Image: img}
		s.sampled++
		return true
	}
}

func (s *captureSampler) stop(err error) {
	s.done = true
	s.err = err
	s.release()
}

func (s *captureSampler) release() {
	if s.vc == nil {
		return
	}
	s.mat.Close()
	s.vc.Close()
	s.vc = nil
	s.cleanup()
}

func (s *captureSampler) Frame() types.Frame { return s.frame }
func (s *captureSampler) Decoded() int       { return s.next }
func (s *captureSampler) Total() int         { return s.total }

// Truncated reports a conversion failure after at least one sampled frame.
func (s *captureSampler) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || s.sampled == 0 {
		return false
	}
	return !errors.Is(s.err, context.Canceled) && !errors.Is(s.err, context.DeadlineExceeded)
}

func (s *captureSampler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *captureSampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.release()
	return nil
}
