package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeReply frames a payload the way detector.py does: [Len][Status][Body]
func writeReply(dst io.Writer, status byte, body []byte) {
	payload := new(bytes.Buffer)
	payload.WriteByte(status)
	if status == statusError {
		binary.Write(payload, binary.BigEndian, uint32(len(body)))
	}
	payload.Write(body)

	binary.Write(dst, binary.BigEndian, uint32(payload.Len()))
	dst.Write(payload.Bytes())
}

func TestDetect(t *testing.T) {
	// 1. Setup Mocks
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python"
	writeReply(dataPipeMock, statusOK, []byte(`{
		"width": 320, "height": 240,
		"faces": [{"box": {"x": 10, "y": 20, "width": 50, "height": 60},
		           "expressions": {"happy": 0.8, "sad": 0.1, "neutral": 0.1}}]
	}`))

	// 3. Create Worker with mocks injected
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	// 4. Execute the function under test
	inputFrame := []byte{0xFF, 0xD8, 0xBE, 0xEF, 0xFF, 0xD9} // Fake image bytes
	pass, err := w.Detect(context.Background(), types.Frame{Data: inputFrame, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if n := binary.BigEndian.Uint32(sentData[:4]); int(n) != len(inputFrame) {
		t.Errorf("Expected length header %d, got %d", len(inputFrame), n)
	}

	// Verify Go read the correct data FROM Python
	if pass.Width != 320 || pass.Height != 240 {
		t.Errorf("Expected analyzed size 320x240, got %dx%d", pass.Width, pass.Height)
	}
	if len(pass.Faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(pass.Faces))
	}
	if math.Abs(pass.Faces[0].Expressions["happy"]-0.8) > 1e-9 {
		t.Errorf("Expected happy approx 0.8, got %f", pass.Faces[0].Expressions["happy"])
	}
	if pass.Faces[0].Box.Width != 50 {
		t.Errorf("Expected box width 50, got %v", pass.Faces[0].Box.Width)
	}
}

func TestDetect_DefaultsToFrameSize(t *testing.T) {
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	writeReply(dataPipeMock, statusOK, []byte(`{"faces": []}`))

	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: dataPipeMock}
	pass, err := w.Detect(context.Background(), types.Frame{Data: []byte{1}, Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if pass.Width != 640 || pass.Height != 480 {
		t.Errorf("Expected frame size fallback 640x480, got %dx%d", pass.Width, pass.Height)
	}
	if len(pass.Faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(pass.Faces))
	}
}

func TestDetect_Error(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with an ERROR response from "Python"
	// Protocol: [Status:1] [MsgLen] [Msg]
	errMsg := "Python Exception: cannot decode image"
	writeReply(dataPipeMock, statusError, []byte(errMsg))

	// 3. Create Worker
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	// 4. Execute
	_, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")})

	// 5. Assertions
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}

	// A logic error is per-frame; the worker must stay usable
	writeReply(dataPipeMock, statusOK, []byte(`{"width": 1, "height": 1, "faces": []}`))
	if _, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")}); err != nil {
		t.Errorf("Expected worker to recover after a logic error, got %v", err)
	}
}

func TestDetect_Crash(t *testing.T) {
	// Empty data pipe == Python died before answering
	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}

	if _, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")}); err == nil {
		t.Fatal("Expected error from crashed worker")
	}
	if _, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")}); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected ErrWorkerDead on the next call, got %v", err)
	}
}

// blockingPipe never returns data until closed
type blockingPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newBlockingPipe() *blockingPipe {
	r, w := io.Pipe()
	return &blockingPipe{r: r, w: w}
}

func (b *blockingPipe) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *blockingPipe) Close() error               { b.w.Close(); return b.r.Close() }

func TestDetect_Timeout(t *testing.T) {
	pipe := newBlockingPipe()
	defer pipe.Close()

	w := &PythonWorker{
		ID:          1,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    pipe,
		ReadTimeout: 20 * time.Millisecond,
	}

	start := time.Now()
	_, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")})
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Timeout took too long: %s", time.Since(start))
	}
	if _, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")}); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected ErrWorkerDead after timeout, got %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	tests := []struct {
		name    string
		status  byte
		body    string
		wantErr bool
	}{
		{"Models loaded", statusOK, `{"model": "fer"}`, false},
		{"Import error", statusError, "ModuleNotFoundError: No module named 'fer'", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipe := &MockCloser{Buffer: new(bytes.Buffer)}
			writeReply(pipe, tt.status, []byte(tt.body))
			w := &PythonWorker{ID: 0, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pipe}

			err := w.WaitReady(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("WaitReady() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	w := &PythonWorker{ID: 1, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	w.Close()
	w.Close()
	if _, err := w.Detect(context.Background(), types.Frame{Data: []byte("frame")}); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected ErrWorkerDead after Close, got %v", err)
	}
}
