package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recorderQueueSize holds about 2.5 seconds of frames.
const recorderQueueSize = 128

// Recorder writes PCM frames to a 16-bit WAV file from a dedicated
// goroutine. WriteFrame never blocks; frames are dropped when the writer
// falls behind.
type Recorder struct {
	path   string
	file   *os.File
	logger *slog.Logger

	frames chan []byte
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	dataSize uint32
	dropped  int
}

// NewRecorder creates path, including parent directories, and starts the
// writer.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording file: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing wav header: %w", err)
	}

	r := &Recorder{
		path:   path,
		file:   f,
		logger: logger.With("subsystem", "recorder", "file", path),
		frames: make(chan []byte, recorderQueueSize),
		done:   make(chan struct{}),
	}
	go r.writeLoop()
	r.logger.Info("recording started")
	return r, nil
}

// Path returns the output file.
func (r *Recorder) Path() string { return r.path }

// WriteFrame queues a copy of pcm.
func (r *Recorder) WriteFrame(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case r.frames <- buf:
	default:
		r.dropped++
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for frame := range r.frames {
		n, err := r.file.Write(frame)
		if err != nil {
			r.logger.Error("writing recording data", "error", err)
		}
		r.mu.Lock()
		r.dataSize += uint32(n)
		r.mu.Unlock()
	}
}

// Close drains queued frames, finalizes the header and closes the file.
// It returns the recorded duration. Calling Close twice is a no-op.
func (r *Recorder) Close() (time.Duration, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, nil
	}
	r.closed = true
	close(r.frames)
	r.mu.Unlock()

	<-r.done

	r.mu.Lock()
	size, dropped := r.dataSize, r.dropped
	r.mu.Unlock()

	var err error
	if _, err = r.file.Seek(0, 0); err == nil {
		err = writeWAVHeader(r.file, size)
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	dur := time.Duration(size/2) * time.Second / ClockRate
	r.logger.Info("recording stopped", "duration", dur, "bytes", size, "dropped_frames", dropped)
	if err != nil {
		return dur, fmt.Errorf("finalizing recording: %w", err)
	}
	return dur, nil
}
