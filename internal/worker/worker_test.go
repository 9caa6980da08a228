package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/deepcheck/internal/media"
	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/pipeline"
	"github.com/andresmejia3/deepcheck/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeResponse frames a response exactly like python/worker.py does.
func writeResponse(t *testing.T, pipe io.Writer, status byte, body []byte) {
	t.Helper()
	if err := binary.Write(pipe, binary.BigEndian, uint32(len(body)+1)); err != nil {
		t.Fatal(err)
	}
	pipe.Write([]byte{status})
	pipe.Write(body)
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		Role:     RoleLocalizer,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestDetect(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()

	// Protocol: [NumBoxes:2] [X1 Y1 X2 Y2 Conf]...
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.BigEndian, uint32(2))
	binary.Write(payload, binary.BigEndian, [5]float32{10.5, 12, 50, 60.25, 0.9})
	binary.Write(payload, binary.BigEndian, [5]float32{-3, 0, 8, 9, 0.4})
	writeResponse(t, dataPipeMock, statusOK, payload.Bytes())

	loc := &Localizer{w: w}
	boxes, err := loc.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent a framed JPEG TO Python
	sent := stdinMock.Bytes()
	if len(sent) < 7 {
		t.Fatalf("request too short: %d bytes", len(sent))
	}
	if got := binary.BigEndian.Uint32(sent); int(got) != len(sent)-4 {
		t.Errorf("length header = %d, want %d", got, len(sent)-4)
	}
	if sent[4] != opDetect {
		t.Errorf("op = %d, want %d", sent[4], opDetect)
	}
	if !bytes.HasPrefix(sent[5:], []byte{0xFF, 0xD8}) {
		t.Error("payload is not a JPEG")
	}

	// Verify Go read the correct data FROM Python
	if len(boxes) != 2 {
		t.Fatalf("Expected 2 boxes, got %d", len(boxes))
	}
	if boxes[0].X1 != 10.5 || boxes[0].Y2 != 60.25 {
		t.Errorf("unexpected first box %+v", boxes[0])
	}
	// Use epsilon for float comparison
	if math.Abs(boxes[1].Confidence-0.4) > 1e-6 {
		t.Errorf("Expected confidence approx 0.4, got %f", boxes[1].Confidence)
	}
}

func TestPredict(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	w.Role = RoleClassifier

	score := new(bytes.Buffer)
	binary.Write(score, binary.BigEndian, float32(0.75))
	writeResponse(t, dataPipeMock, statusOK, score.Bytes())

	tensor := types.NewFaceTensor(2)
	tensor.Order = types.OrderBGR
	tensor.Data[0] = 0.5

	got, err := (&Classifier{w: w}).Predict(context.Background(), tensor)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if got != 0.75 {
		t.Errorf("score = %v, want 0.75", got)
	}

	sent := stdinMock.Bytes()
	// header(4) + op(1) + size(4) + order(1) + 12 floats
	if want := 4 + 1 + 4 + 1 + 12*4; len(sent) != want {
		t.Fatalf("Expected %d bytes sent, got %d", want, len(sent))
	}
	if sent[4] != opClassify {
		t.Errorf("op = %d, want %d", sent[4], opClassify)
	}
	if size := binary.BigEndian.Uint32(sent[5:]); size != 2 {
		t.Errorf("size = %d, want 2", size)
	}
	if sent[9] != 1 {
		t.Errorf("order byte = %d, want 1 (bgr)", sent[9])
	}
	if v := math.Float32frombits(binary.BigEndian.Uint32(sent[10:])); v != 0.5 {
		t.Errorf("first value = %v, want 0.5", v)
	}
}

func TestCommunicate_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	errMsg := "Python Exception: Import Error"
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(len(errMsg)))
	body.WriteString(errMsg)
	writeResponse(t, dataPipeMock, statusError, body.Bytes())

	_, err := w.Communicate(context.Background(), opDetect, []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}

	// A remote exception keeps the pipe in sync, so the worker stays usable.
	writeResponse(t, dataPipeMock, statusOK, []byte{0, 0, 0, 0})
	if _, err := w.Communicate(context.Background(), opDetect, []byte("frame")); err != nil {
		t.Errorf("worker should survive a remote error, got %v", err)
	}
}

func TestCommunicate_CrashBreaksWorker(t *testing.T) {
	w, _, _ := newMockWorker() // empty data pipe: EOF, as after a Python crash

	_, err := w.Communicate(context.Background(), opDetect, []byte("frame"))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if _, err := w.Communicate(context.Background(), opDetect, []byte("frame")); err == nil {
		t.Error("broken worker must keep failing")
	}
}

// blockingReader never returns until closed.
type blockingReader struct{ done chan struct{} }

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.done
	return 0, io.ErrClosedPipe
}

func (b *blockingReader) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return nil
}

func TestCommunicate_Timeout(t *testing.T) {
	pipe := &blockingReader{done: make(chan struct{})}
	defer pipe.Close()
	w := &PythonWorker{
		Role:        RoleClassifier,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    pipe,
		ReadTimeout: 20 * time.Millisecond,
	}

	_, err := w.Communicate(context.Background(), opClassify, nil)
	if !errors.Is(err, ErrWorkerTimeout) {
		t.Fatalf("Expected timeout, got %v", err)
	}
}

func TestCommunicate_Cancelled(t *testing.T) {
	w, stdinMock, _ := newMockWorker()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Communicate(ctx, opClassify, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("a cancelled call must not write a request")
	}
}

// stubWorker answers every request like python/worker.py does for the classifier, with
// scores[i] as the i-th reply, sent after delays[i].
func stubWorker(scores []float32, delays []time.Duration) *PythonWorker {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		defer respW.Close()
		defer reqR.Close()
		for i := 0; ; i++ {
			header := make([]byte, 4)
			if _, err := io.ReadFull(reqR, header); err != nil {
				return
			}
			if _, err := io.CopyN(io.Discard, reqR, int64(binary.BigEndian.Uint32(header))); err != nil {
				return
			}
			if i >= len(scores) {
				return // crash: the data pipe closes without a reply
			}
			if i < len(delays) {
				time.Sleep(delays[i])
			}
			frame := make([]byte, 9)
			binary.BigEndian.PutUint32(frame, 5)
			frame[4] = statusOK
			binary.BigEndian.PutUint32(frame[5:], math.Float32bits(scores[i]))
			if _, err := respW.Write(frame); err != nil {
				return
			}
		}
	}()
	return &PythonWorker{Role: RoleClassifier, Stdin: reqW, DataPipe: respR}
}

func TestCommunicate_LateReplyIsDrained(t *testing.T) {
	w := stubWorker([]float32{0.2, 0.9}, []time.Duration{100 * time.Millisecond})
	defer w.Close()
	cls := &Classifier{w: w}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cls.Predict(ctx, types.NewFaceTensor(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	// The 0.2 reply belongs to the abandoned request and must not leak into this one.
	got, err := cls.Predict(context.Background(), types.NewFaceTensor(2))
	if err != nil {
		t.Fatalf("worker should survive a cancelled request, got %v", err)
	}
	if math.Abs(got-0.9) > 1e-6 {
		t.Errorf("score = %v, want 0.9", got)
	}
}

func TestCommunicate_BrokenMatchesModelsErrBroken(t *testing.T) {
	w, _, _ := newMockWorker() // empty data pipe: EOF

	_, err := w.Communicate(context.Background(), opDetect, []byte("frame"))
	if !errors.Is(err, ErrWorkerBroken) || !errors.Is(err, models.ErrBroken) {
		t.Fatalf("Expected a broken-worker error, got %v", err)
	}
}

// stubLoader hands out one fresh stub worker per classifier load.
type stubLoader struct {
	loads  atomic.Int32
	scores []float32
	delays []time.Duration
}

func (l *stubLoader) LoadLocalizer(ctx context.Context, path string) (models.Localizer, error) {
	return nil, errors.New("no localizer in this test")
}

func (l *stubLoader) LoadClassifier(ctx context.Context, path string) (models.Classifier, error) {
	l.loads.Add(1)
	return &Classifier{w: stubWorker(l.scores, l.delays)}, nil
}

func (l *stubLoader) ThreadSafe() bool { return true }

func pngSource(t *testing.T) *media.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), "face.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8))); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return media.NewFileSource(path, media.NewKindTable(nil))
}

func TestRegistry_BudgetExpiryKeepsWorker(t *testing.T) {
	loader := &stubLoader{
		scores: []float32{0.2, 0.9},
		delays: []time.Duration{300 * time.Millisecond},
	}
	reg := models.NewRegistry(loader, models.Paths{Classifier: "meso.h5"}, nil)
	defer reg.Close()
	p := pipeline.New(reg, nil, nil, nil)

	opts := pipeline.DefaultOptions()
	opts.DetectorEnabled = false
	opts.TimeBudget = 50 * time.Millisecond
	if _, err := p.ClassifyImage(context.Background(), pngSource(t), opts); !errors.Is(err, pipeline.ErrBudgetExhausted) {
		t.Fatalf("first request: expected budget exhaustion, got %v", err)
	}

	opts.TimeBudget = 0
	v, err := p.ClassifyImage(context.Background(), pngSource(t), opts)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if v.Label != types.LabelReal || math.Abs(v.Confidence-0.9) > 1e-6 {
		t.Errorf("second request verdict = %+v, want Real 0.9", v)
	}
	if n := loader.loads.Load(); n != 1 {
		t.Errorf("classifier loaded %d times, want 1", n)
	}
}

func TestRegistry_CrashedWorkerIsReloaded(t *testing.T) {
	loader := &stubLoader{scores: nil} // every worker dies on its first request
	reg := models.NewRegistry(loader, models.Paths{Classifier: "meso.h5"}, nil)
	defer reg.Close()

	first, err := reg.Classifier(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Predict(context.Background(), types.NewFaceTensor(2)); !errors.Is(err, models.ErrBroken) {
		t.Fatalf("Expected a broken worker, got %v", err)
	}

	loader.scores = []float32{0.7}
	second, err := reg.Classifier(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("registry returned the broken handle again")
	}
	got, err := second.Predict(context.Background(), types.NewFaceTensor(2))
	if err != nil {
		t.Fatalf("reloaded worker failed: %v", err)
	}
	if math.Abs(got-0.7) > 1e-6 {
		t.Errorf("score = %v, want 0.7", got)
	}
	if n := loader.loads.Load(); n != 2 {
		t.Errorf("classifier loaded %d times, want 2", n)
	}
}

func TestParseBoxes_Malformed(t *testing.T) {
	tests := []struct {
		name string
		resp []byte
	}{
		{"empty", nil},
		{"count without boxes", []byte{0, 0, 0, 1}},
		{"trailing bytes", []byte{0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseBoxes(tt.resp); err == nil {
				t.Error("expected error")
			}
		})
	}
}
