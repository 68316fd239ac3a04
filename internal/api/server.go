// Package api exposes the emotion analysis service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/andresmejia3/moodscan/internal/imaging"
	"github.com/andresmejia3/moodscan/internal/types"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Store is the persistence the handlers need.
type Store interface {
	CreateSession(ctx context.Context, clientIP string) (types.Session, error)
	AppendEmotion(ctx context.Context, sessionID, dominant string, dist map[string]float64) (types.EmotionLogEntry, error)
}

// Inferer runs the emotion model on a decoded frame.
type Inferer interface {
	Infer(ctx context.Context, img image.Image) (types.Inference, error)
}

// Options tune request handling. Zero values fall back to defaults.
type Options struct {
	WriteTimeout time.Duration // bound on a store write after the client is gone
	MaxBodyBytes int64
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultMaxBodyBytes = 16 << 20
)

// Generic messages returned to clients; details only go to the log.
const (
	msgOnline        = "Emotion analysis API is online."
	msgBadImage      = "Invalid or corrupted base64 image."
	msgBadRequest    = "Request body must be JSON with session_id and image_base64."
	msgSessionFailed = "Internal error while creating the session."
	msgAnalyzeFailed = "Internal error during emotion analysis."
)

// Server holds the handler dependencies.
type Server struct {
	store    Store
	infer    Inferer
	logger   *log.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func New(store Store, infer Inferer, logger *log.Logger, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		store:  store,
		infer:  infer,
		logger: logger.WithPrefix("api"),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
	}
}

// Handler returns the routed handler wrapped in CORS and request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("POST /start-session", s.handleStartSession)
	mux.HandleFunc("POST /analyze-emotion", s.handleAnalyzeEmotion)
	mux.HandleFunc("GET /ws/analyze", s.handleAnalyzeStream)
	return s.logRequests(cors(mux))
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type analyzeRequest struct {
	SessionID   string `json:"session_id"`
	SessionUUID string `json:"session_uuid"` // accepted from older clients
	ImageBase64 string `json:"image_base64"`
}

type analyzeResponse struct {
	Dominant     string             `json:"dominant_emotion"`
	Distribution map[string]float64 `json:"emotion_distribution"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// httpError pairs a status with the message the client is allowed to see.
type httpError struct {
	Status  int
	Message string
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": msgOnline})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	ctx, cancel := s.detached(r.Context())
	defer cancel()

	sess, err := s.store.CreateSession(ctx, ip)
	if err != nil {
		s.logger.Error("failed to create session", "ip", ip, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: msgSessionFailed})
		return
	}

	s.logger.Info("session started", "session", sess.ID, "ip", ip)
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID})
}

func (s *Server) handleAnalyzeEmotion(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: msgBadRequest})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.SessionUUID
	}
	if sessionID == "" || req.ImageBase64 == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: msgBadRequest})
		return
	}

	resp, herr := s.analyze(r.Context(), sessionID, req.ImageBase64)
	if herr != nil {
		writeJSON(w, herr.Status, errorResponse{Detail: herr.Message})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// analyze runs decode, inference and persistence for one frame. Every
// successful call, including one with no face, appends exactly one entry.
func (s *Server) analyze(ctx context.Context, sessionID, payload string) (analyzeResponse, *httpError) {
	img, _, err := imaging.DecodeBase64(payload)
	if err != nil {
		s.logger.Warn("rejected frame", "session", sessionID, "err", err)
		return analyzeResponse{}, &httpError{Status: http.StatusBadRequest, Message: msgBadImage}
	}

	res, err := s.infer.Infer(ctx, img)
	if err != nil {
		s.logger.Error("emotion inference failed", "session", sessionID, "err", err)
		return analyzeResponse{}, &httpError{Status: http.StatusInternalServerError, Message: msgAnalyzeFailed}
	}

	dominant, dist, err := Resolve(res)
	if err != nil {
		s.logger.Error("emotion inference returned an unusable result", "session", sessionID, "err", err)
		return analyzeResponse{}, &httpError{Status: http.StatusInternalServerError, Message: msgAnalyzeFailed}
	}
	resp := analyzeResponse{Dominant: dominant, Distribution: dist}

	wctx, cancel := s.detached(ctx)
	defer cancel()
	if _, err := s.store.AppendEmotion(wctx, sessionID, resp.Dominant, resp.Distribution); err != nil {
		s.logger.Error("failed to record emotion", "session", sessionID, "err", err)
		return analyzeResponse{}, &httpError{Status: http.StatusInternalServerError, Message: msgAnalyzeFailed}
	}
	return resp, nil
}

// detached returns a context that survives the client going away but is
// still bounded by the write timeout.
func (s *Server) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
}

// Resolve maps an inference result to the label and distribution that are
// persisted and returned: the no-face label with an empty distribution for NoFace,
// the normalized scores otherwise.
func Resolve(res types.Inference) (string, map[string]float64, error) {
	switch v := res.(type) {
	case types.NoFace:
		return types.NoFaceLabel, map[string]float64{}, nil
	case types.Detected:
		if !slices.Contains(types.Emotions, v.Dominant) {
			return "", nil, fmt.Errorf("%w: dominant %q", ErrUnknownEmotion, v.Dominant)
		}
		for label := range v.Scores {
			if !slices.Contains(types.Emotions, label) {
				return "", nil, fmt.Errorf("%w: score %q", ErrUnknownEmotion, label)
			}
		}
		dist, err := NormalizeScores(v.Scores)
		if err != nil {
			return "", nil, err
		}
		return v.Dominant, dist, nil
	default:
		return "", nil, fmt.Errorf("unknown inference result %T", res)
	}
}

// ErrUnknownEmotion is returned by Resolve for labels outside types.Emotions.
var ErrUnknownEmotion = errors.New("unknown emotion label")

// ErrNonFiniteScore is returned by NormalizeScores for NaN or infinite values.
var ErrNonFiniteScore = errors.New("non-finite emotion score")

// NormalizeScores widens the model's float32 scores to float64 so they can
// be stored and serialized as plain JSON numbers.
func NormalizeScores(scores map[string]float32) (map[string]float64, error) {
	out := make(map[string]float64, len(scores))
	for label, v := range scores {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: %s=%v", ErrNonFiniteScore, label, v)
		}
		out[label] = f
	}
	return out, nil
}

// clientIP prefers the first X-Forwarded-For hop, then the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
