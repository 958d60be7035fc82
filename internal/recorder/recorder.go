// Package recorder writes the verdict stream to JSON Lines audit files.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/internal/verdicts"
)

const queueSize = 256

// Recorder records verdicts to file
type Recorder struct {
	mu        sync.RWMutex
	file      *os.File
	buf       *bufio.Writer
	filename  string
	basePath  string
	recording bool
	startTime time.Time
	queue     chan verdicts.Verdict
	wg        sync.WaitGroup

	verdictCount atomic.Uint64
	bytesWritten atomic.Uint64
	dropped      atomic.Uint64
}

// NewRecorder creates a recorder writing under basePath
func NewRecorder(basePath string) *Recorder {
	return &Recorder{basePath: basePath}
}

// Start starts recording to a new file and returns its name
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", fmt.Errorf("already recording to %s", r.filename)
	}

	filename := fmt.Sprintf("verdicts_%s.jsonl", time.Now().Format("20060102_150405"))
	file, err := os.OpenFile(filepath.Join(r.basePath, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.buf = bufio.NewWriter(file)
	r.filename = filename
	r.recording = true
	r.startTime = time.Now()
	r.queue = make(chan verdicts.Verdict, queueSize)
	r.verdictCount.Store(0)
	r.bytesWritten.Store(0)
	r.dropped.Store(0)

	r.wg.Add(1)
	go r.writeVerdicts(r.queue, r.buf)

	logger.Info("Recorder", "Recording verdicts to %s", filename)
	return filename, nil
}

// Stop stops recording and returns the finished file name
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.queue)
	r.mu.Unlock()

	// Wait for write goroutine to drain the queue
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	filename := r.filename
	if err := r.buf.Flush(); err != nil {
		r.file.Close()
		return filename, fmt.Errorf("failed to flush file: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return filename, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := r.file.Close(); err != nil {
		return filename, fmt.Errorf("failed to close file: %w", err)
	}
	r.file = nil
	r.buf = nil

	logger.Info("Recorder", "Stopped %s (%d verdicts, %d dropped)", filename, r.verdictCount.Load(), r.dropped.Load())
	return filename, nil
}

// Publish implements verdicts.Sink. It never blocks; a full queue drops the verdict.
func (r *Recorder) Publish(v verdicts.Verdict) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return
	}
	select {
	case r.queue <- v:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) writeVerdicts(queue <-chan verdicts.Verdict, w *bufio.Writer) {
	defer r.wg.Done()

	for v := range queue {
		line, err := json.Marshal(v)
		if err != nil {
			logger.Warn("Recorder", "Marshal verdict %s: %v", v.ID, err)
			continue
		}
		line = append(line, '\n')
		n, err := w.Write(line)
		if err != nil {
			logger.Warn("Recorder", "Write failed: %v", err)
			continue
		}
		r.bytesWritten.Add(uint64(n))
		r.verdictCount.Add(1)
		if len(queue) == 0 {
			_ = w.Flush()
		}
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		VerdictCount: r.verdictCount.Load(),
		BytesWritten: r.bytesWritten.Load(),
		Dropped:      r.dropped.Load(),
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
	}
}

// Close stops recording if active
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	VerdictCount uint64    `json:"verdict_count"`
	BytesWritten uint64    `json:"bytes_written"`
	Dropped      uint64    `json:"dropped"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
