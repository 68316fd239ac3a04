package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/andresmejia3/moodscan/internal/utils" // Using the SafeCommand wrapper
)

// Config controls how Python inference workers are launched.
type Config struct {
	PythonBin   string        // default "python3"
	Script      string        // default "python/worker.py"
	ReadTimeout time.Duration // max wait for one reply; 0 disables
	Detector    string        // DeepFace detector backend, default "opencv"

	// MinFaceConfidence: detections at or below it are reported as no face.
	// DeepFace scores the whole frame with confidence 0 when it finds no face.
	MinFaceConfidence float64
}

func (c Config) withDefaults() Config {
	if c.PythonBin == "" {
		c.PythonBin = "python3"
	}
	if c.Script == "" {
		c.Script = "python/worker.py"
	}
	if c.Detector == "" {
		c.Detector = "opencv"
	}
	return c
}

// args is the interpreter command line for the worker script.
func (c Config) args() []string {
	return []string{
		"-u", c.Script,
		"--detector", c.Detector,
		"--min-face-confidence", strconv.FormatFloat(c.MinFaceConfidence, 'f', -1, 64),
	}
}

// RemoteError is an exception reported by the Python side. The worker
// process is still healthy after returning one.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "python worker error: " + e.Message
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
}

func NewPythonWorker(id int, cfg Config) (*PythonWorker, error) {
	cfg = cfg.withDefaults()

	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(cfg.PythonBin, cfg.args()...)

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
		readTimeout: cfg.ReadTimeout,
	}, nil
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// os.File pipes support deadlines; in-memory mocks don't need them
	if d, ok := w.DataPipe.(deadliner); ok && w.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.readTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	// Read Result
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends one JPEG frame and decodes the emotion reply.
//
// Reply layout:
//
//	[Status:u8=0] [Face:u8] if Face==1: [LabelLen:u16][Label] [N:u16] N*([NameLen:u16][Name][Score:f32])
//	[Status:u8=1] [MsgLen:u32] [Msg]
func (w *PythonWorker) ProcessFrame(frame []byte) (types.Inference, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	return decodeReply(resp)
}

func decodeReply(resp []byte) (types.Inference, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty reply: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		return nil, &RemoteError{Message: string(msg)}
	}

	face, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if face == 0 {
		return types.NoFace{}, nil
	}

	label, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("malformed dominant label: %w", err)
	}

	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed score count: %w", err)
	}

	scores := make(map[string]float32, n)
	for i := 0; i < int(n); i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("malformed score %d: %w", i, err)
		}
		var score float32
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("malformed score %d: %w", i, err)
		}
		scores[name] = score
	}

	// DeepFace can report a label with no scores when detection is not enforced
	if label == "" || len(scores) == 0 {
		return types.NoFace{}, nil
	}
	return types.Detected{Dominant: label, Scores: scores}, nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
