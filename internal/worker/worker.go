package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils" // Using the SafeCommand wrapper
	jsoniter "github.com/json-iterator/go"
)

const (
	statusOK    byte = 0
	statusError byte = 1

	// maxReply guards against a corrupted length header allocating gigabytes
	maxReply = 16 * 1024 * 1024
)

// ErrWorkerDead is returned once the Python process crashed or was killed after a timeout.
var ErrWorkerDead = errors.New("python worker is not running")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config controls how the model process is started.
type Config struct {
	Python      string        // interpreter, defaults to python3
	Script      string        // path to the detector script
	InputSize   int           // longest side the model sees; 0 sends frames untouched
	ReadTimeout time.Duration // per-frame deadline, 0 disables
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	mu     sync.Mutex
	dead   bool
	closed bool
}

type reply struct {
	body []byte
	err  error
}

// NewPythonWorker spawns the detector. It returns as soon as the process runs;
// call WaitReady to block until the models are loaded.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	args := []string{"-u", cfg.Script}
	if cfg.InputSize > 0 {
		args = append(args, "--input-size", strconv.Itoa(cfg.InputSize))
	}
	py := utils.NewSafeCommand(ctx, python, args...)

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
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// WaitReady reads the handshake Python sends after loading its models.
// A failure here is fatal: the viewer cannot offer the camera without a model.
func (w *PythonWorker) WaitReady(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	body, err := w.await(ctx, 0)
	if err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}
	_, err = decodeStatus(body)
	if err != nil {
		return fmt.Errorf("model load failed: %w", err)
	}
	return nil
}

func (w *PythonWorker) readMessage() ([]byte, error) {
	// Now we read from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxReply {
		return nil, fmt.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect sends the frame and decodes the reply. Calls are serialized; the model
// handles one frame at a time.
func (w *PythonWorker) Detect(ctx context.Context, frame types.Frame) (types.DetectionPass, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return types.DetectionPass{}, ErrWorkerDead
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(frame.Data))); err != nil {
		w.dead = true
		return types.DetectionPass{}, fmt.Errorf("failed to send frame: %w", err)
	}
	if _, err := w.Stdin.Write(frame.Data); err != nil {
		w.dead = true
		return types.DetectionPass{}, fmt.Errorf("failed to send frame: %w", err)
	}

	body, err := w.await(ctx, w.ReadTimeout)
	if err != nil {
		return types.DetectionPass{}, err
	}
	payload, err := decodeStatus(body)
	if err != nil {
		return types.DetectionPass{}, err
	}

	var pass types.DetectionPass
	if err := json.Unmarshal(payload, &pass); err != nil {
		// Check if it's a Python error object (e.g. {"error": "..."})
		var errorResult types.ErrorResult
		if json.Unmarshal(payload, &errorResult) == nil && errorResult.Error != "" {
			return types.DetectionPass{}, fmt.Errorf("python worker error: %s", errorResult.Error)
		}
		return types.DetectionPass{}, fmt.Errorf("malformed worker reply: %w", err)
	}
	if pass.Width == 0 || pass.Height == 0 {
		pass.Width, pass.Height = frame.Width, frame.Height
	}
	return pass, nil
}

// await reads one reply while honouring ctx and timeout. A reply that never comes
// leaves the pipe in an unknown state, so the process is killed and the worker marked dead.
// Callers hold w.mu.
func (w *PythonWorker) await(ctx context.Context, timeout time.Duration) ([]byte, error) {
	done := make(chan reply, 1)
	go func() {
		body, err := w.readMessage()
		done <- reply{body: body, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			w.dead = true
			return nil, fmt.Errorf("worker %d stopped responding: %w", w.ID, r.err)
		}
		return r.body, nil
	case <-timer:
		w.kill()
		return nil, fmt.Errorf("worker %d timed out after %s", w.ID, timeout)
	case <-ctx.Done():
		w.kill()
		return nil, ctx.Err()
	}
}

func (w *PythonWorker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Protocol: [Status:0][JSON] or [Status:1][MsgLen][Msg]
func decodeStatus(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty reply")
	}
	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		if len(body) < 5 {
			return nil, fmt.Errorf("python worker error: (no message)")
		}
		n := binary.BigEndian.Uint32(body[1:5])
		msg := body[5:]
		if int(n) < len(msg) {
			msg = msg[:n]
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown reply status %d", body[0])
	}
}

// Close shuts the process down. Safe to call more than once.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed, w.dead = true, true
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	// DRAIN: reap the process so it does not linger as a zombie
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
