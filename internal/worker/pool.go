package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/moodscan/internal/imaging"
	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/charmbracelet/log"
)

// InferenceError means the model could not produce a result for a frame.
// It is distinct from types.NoFace, which is a normal outcome.
type InferenceError struct {
	WorkerID int
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed [worker %d]: %v", e.WorkerID, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// ErrPoolClosed is returned for requests made after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// slot owns at most one live worker. A nil worker is respawned on next use.
type slot struct {
	w *PythonWorker
}

// Pool hands each caller exclusive use of one Python worker.
type Pool struct {
	size        int
	created     int // slots handed to the channel so far
	maxFrameDim int
	slots       chan *slot
	spawn       func(id int) (*PythonWorker, error)
	logger      *log.Logger

	nextID  atomic.Int32
	closed  atomic.Bool
	closing chan struct{} // closed by Close to release waiting callers
	once    sync.Once
}

// NewPool starts size workers. If any of them fails to start, the ones
// already running are shut down and the error is returned.
func NewPool(size int, cfg Config, maxFrameDim int, logger *log.Logger) (*Pool, error) {
	spawn := func(id int) (*PythonWorker, error) {
		return NewPythonWorker(id, cfg)
	}
	return newPool(size, maxFrameDim, spawn, logger)
}

func newPool(size, maxFrameDim int, spawn func(id int) (*PythonWorker, error), logger *log.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &Pool{
		size:        size,
		maxFrameDim: maxFrameDim,
		slots:       make(chan *slot, size),
		spawn:       spawn,
		logger:      logger.WithPrefix("workers"),
		closing:     make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		w, err := spawn(int(p.nextID.Add(1)))
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start inference worker: %w", err)
		}
		p.slots <- &slot{w: w}
		p.created++
	}
	p.logger.Info("inference workers ready", "count", size)
	return p, nil
}

// Size is the number of workers the pool manages.
func (p *Pool) Size() int { return p.size }

// Infer encodes img as a (possibly downscaled) JPEG and runs it through a worker.
func (p *Pool) Infer(ctx context.Context, img image.Image) (types.Inference, error) {
	frame, err := imaging.EncodeFrame(img, p.maxFrameDim)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}
	return p.InferFrame(ctx, frame)
}

// InferFrame runs an already-encoded JPEG frame through a worker. Waiting
// for a free worker honours ctx; the exchange itself is bounded by the
// worker's read timeout.
func (p *Pool) InferFrame(ctx context.Context, frame []byte) (types.Inference, error) {
	if p.closed.Load() {
		return nil, &InferenceError{Err: ErrPoolClosed}
	}

	var s *slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return nil, &InferenceError{Err: ctx.Err()}
	case <-p.closing:
		return nil, &InferenceError{Err: ErrPoolClosed}
	}
	defer func() { p.slots <- s }()

	// Close may have started while this caller was waiting
	if p.closed.Load() {
		return nil, &InferenceError{Err: ErrPoolClosed}
	}

	if s.w == nil {
		w, err := p.spawn(int(p.nextID.Add(1)))
		if err != nil {
			return nil, &InferenceError{Err: fmt.Errorf("respawn: %w", err)}
		}
		p.logger.Info("inference worker respawned", "worker", w.ID)
		s.w = w
	}

	res, err := s.w.ProcessFrame(frame)
	if err == nil {
		return res, nil
	}

	id := s.w.ID
	var remote *RemoteError
	if !errors.As(err, &remote) {
		// Broken pipe or timeout: the process state is unknown, replace it
		s.w.Kill()
		p.logger.Error("inference worker crashed", "worker", id, "err", err, "stderr", s.w.stderrTail())
		s.w = nil
	}
	return nil, &InferenceError{WorkerID: id, Err: err}
}

// Close shuts every worker down. Workers still in use are given a short
// grace period to be returned.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.closing)
		for i := 0; i < p.created; i++ {
			select {
			case s := <-p.slots:
				if s.w != nil {
					s.w.Close()
				}
			case <-time.After(5 * time.Second):
				p.logger.Warn("gave up waiting for a busy inference worker")
				return
			}
		}
	})
}

// Kill terminates the process and releases its pipes.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Close()
}

// stderrTail is only safe after the process has been waited on.
func (w *PythonWorker) stderrTail() string {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return ""
	}
	s := w.Cmd.Stderr.String()
	if len(s) > 2048 {
		s = s[len(s)-2048:]
	}
	return s
}
