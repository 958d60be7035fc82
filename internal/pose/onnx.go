package pose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dj-oyu/ppe-guard/compliance-server/internal/logger"
	"github.com/dj-oyu/ppe-guard/compliance-server/pkg/types"
)

// Options configures an ONNX pose detector.
type Options struct {
	ModelPath      string
	RuntimeLibrary string
	InputSize      int
	Sessions       int
	IoUThreshold   float64
	// Observe, if set, receives each inference duration.
	Observe func(time.Duration)
}

type modelSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *modelSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// ONNXDetector runs a YOLOv8-pose model through ONNX Runtime. A fixed pool
// of sessions serves concurrent callers; each session owns its tensors.
type ONNXDetector struct {
	opts     Options
	anchors  int
	sessions chan *modelSession
	all      []*modelSession
}

// NewONNXDetector initialises the runtime and loads the model.
func NewONNXDetector(opts Options) (*ONNXDetector, error) {
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}
	if opts.IoUThreshold <= 0 {
		opts.IoUThreshold = 0.45
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("pose model: %w", err)
	}

	if opts.RuntimeLibrary != "" {
		ort.SetSharedLibraryPath(opts.RuntimeLibrary)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	d := &ONNXDetector{
		opts:     opts,
		anchors:  anchorCount(opts.InputSize),
		sessions: make(chan *modelSession, opts.Sessions),
	}
	for i := 0; i < opts.Sessions; i++ {
		s, err := d.newSession()
		if err != nil {
			d.Close()
			return nil, err
		}
		d.all = append(d.all, s)
		d.sessions <- s
	}

	logger.Info("Pose", "Loaded %s (input %d, %d sessions)", opts.ModelPath, opts.InputSize, opts.Sessions)
	return d, nil
}

func (d *ONNXDetector) newSession() (*modelSession, error) {
	size := int64(d.opts.InputSize)
	s := &modelSession{}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	s.input = input

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, rowsPerAnchor, int64(d.anchors)))
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	s.output = output

	options, err := ort.NewSessionOptions()
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(d.opts.ModelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, options)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.session = session
	return s, nil
}

// Detect implements Detector.
func (d *ONNXDetector) Detect(ctx context.Context, img image.Image, confidence float64) ([]types.Person, error) {
	if img == nil {
		return nil, errors.New("pose: nil image")
	}

	var s *modelSession
	select {
	case s = <-d.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.sessions <- s }()

	start := time.Now()
	lb := letterbox(img, d.opts.InputSize)
	fillInput(s.input.GetData(), lb.Canvas, d.opts.InputSize)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("pose inference: %w", err)
	}
	persons := decodeOutput(s.output.GetData(), d.anchors, float32(confidence), float32(d.opts.IoUThreshold), lb)

	if d.opts.Observe != nil {
		d.opts.Observe(time.Since(start))
	}
	logger.Debug("Pose", "%d persons in %v", len(persons), time.Since(start))
	return persons, nil
}

// Close releases every session and the runtime.
func (d *ONNXDetector) Close() error {
	for _, s := range d.all {
		s.destroy()
	}
	d.all = nil
	return ort.DestroyEnvironment()
}
