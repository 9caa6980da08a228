package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/deepcheck/internal/models"
	"github.com/andresmejia3/deepcheck/internal/utils" // Using the SafeCommand wrapper
	"go.uber.org/zap"
)

// Request opcodes. Every request is [Length][Op][Payload], Length covering Op and Payload.
const (
	opDetect   byte = 1
	opClassify byte = 2
)

// Response status bytes. Every response is [Length][Status][Body].
const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse bounds a single response body so a corrupt header cannot trigger a huge allocation.
const maxResponse = 64 * 1024 * 1024

var (
	ErrWorkerTimeout = errors.New("python worker did not answer in time")
	ErrWorkerClosed  = errors.New("python worker is closed")
	// ErrWorkerBroken marks a worker whose process died or whose pipe fell out of sync.
	// It matches models.ErrBroken so the registry reloads the model.
	ErrWorkerBroken = fmt.Errorf("python worker is broken: %w", models.ErrBroken)
)

// Role tells the Python side which model to load.
type Role string

const (
	RoleLocalizer  Role = "localizer"
	RoleClassifier Role = "classifier"
)

// Config describes how worker processes are started.
type Config struct {
	Interpreter string
	Script      string
	// ReadTimeout bounds how long a single response may take; 0 waits forever.
	ReadTimeout time.Duration
	// ExtraArgs are appended to the worker command line.
	ExtraArgs []string
	Logger    *zap.Logger
}

// PythonWorker is one long-lived Python process serving a single model.
// Requests go over stdin; responses come back on a dedicated pipe (FD 3 in the child)
// so stray prints from Python libraries never corrupt the protocol.
type PythonWorker struct {
	Role        Role
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	broken error
	// pending carries the reply to an exchange whose caller gave up waiting.
	// It is drained before the next request is written.
	pending chan response
}

type response struct {
	body []byte
	err  error
}

// NewPythonWorker starts the worker for modelPath and waits for its ready message.
// The process outlives ctx: it is released by Close, not by the request that started it.
func NewPythonWorker(ctx context.Context, cfg Config, role Role, modelPath string) (*PythonWorker, error) {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	args := append([]string{"-u", cfg.Script, "--role", string(role), "--model", modelPath}, cfg.ExtraArgs...)
	py := utils.NewSafeCommand(context.WithoutCancel(ctx), interpreter, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("%s worker failed to start: %w", role, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PythonWorker{
		Role:        role,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}

	// The first message is the ready handshake, sent once the model is in memory.
	if _, err := pw.readResponse(ctx); err != nil {
		pw.fail(err) // a cancelled load must not wait for the model to finish loading
		pw.Close()
		if logs := py.Logs(); logs != "" {
			return nil, fmt.Errorf("%s worker handshake: %w: %s", role, err, bytes.TrimSpace(py.Stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s worker handshake: %w", role, err)
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("python worker ready", zap.String("role", string(role)), zap.Int("pid", py.Process.Pid))
	}
	return pw, nil
}

// Communicate sends one request and returns the body of a successful response.
// A cancelled caller leaves its reply in flight; the next call drains it first.
// A timeout, a crash or a corrupt frame breaks the worker and every later call fails.
func (w *PythonWorker) Communicate(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return nil, w.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.pending != nil {
		// A late reply to an abandoned request; its outcome belongs to nobody.
		if _, err := w.readResponse(ctx); err != nil {
			var remote *RemoteError
			if !errors.As(err, &remote) {
				return nil, err
			}
		}
	}

	// Protocol: [Length][Op][Data]
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)+1))
	header[4] = op
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, w.fail(fmt.Errorf("write request: %w", err))
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, w.fail(fmt.Errorf("write request: %w", err))
	}

	return w.readResponse(ctx)
}

// readResponse waits for the next frame on the data pipe. If ctx ends first the read keeps
// running and its result stays in w.pending.
func (w *PythonWorker) readResponse(ctx context.Context) ([]byte, error) {
	if w.pending == nil {
		done := make(chan response, 1)
		go func() {
			body, err := readFrame(w.DataPipe)
			done <- response{body, err}
		}()
		w.pending = done
	}

	var timeout <-chan time.Time
	if w.ReadTimeout > 0 {
		t := time.NewTimer(w.ReadTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-w.pending:
		w.pending = nil
		if res.err != nil {
			var remote *RemoteError
			if errors.As(res.err, &remote) {
				return nil, res.err // the pipe is still in sync
			}
			return nil, w.fail(res.err) // This is where we catch the "ModuleNotFoundError" crash
		}
		return res.body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, w.fail(ErrWorkerTimeout)
	}
}

// RemoteError is an exception reported by the Python side.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// readFrame reads [Length][Status][Body] and decodes error responses.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(r, respBody); err != nil {
		return nil, err
	}

	status, body := respBody[0], respBody[1:]
	switch status {
	case statusOK:
		return body, nil
	case statusError:
		// Error body: [MsgLen][Msg]
		if len(body) < 4 {
			return nil, &RemoteError{Msg: "malformed error response"}
		}
		msgLen := binary.BigEndian.Uint32(body)
		if int(msgLen) > len(body)-4 {
			return nil, &RemoteError{Msg: "malformed error response"}
		}
		return nil, &RemoteError{Msg: string(body[4 : 4+msgLen])}
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}
}

// fail marks the worker unusable and stops the process.
func (w *PythonWorker) fail(err error) error {
	w.broken = fmt.Errorf("%s worker: %w: %w", w.Role, ErrWorkerBroken, err)
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	return w.broken
}

// Close ends the worker: closing stdin lets the Python loop exit on EOF.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken == nil {
		w.broken = ErrWorkerClosed
	}
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		_ = w.Cmd.Wait() // exit status of a killed worker is expected
	}
	return nil
}
