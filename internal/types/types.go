package types

import "time"

// NoFaceLabel is recorded as the dominant emotion when the detector finds no face.
const NoFaceLabel = "no-face-detected"

// UnknownLocation is stored in the location columns until geolocation is resolved.
const UnknownLocation = "unknown"

// Emotions is the label vocabulary produced by the inference model.
var Emotions = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// Session is one visit of a client, created by /start-session.
type Session struct {
	ID              string    `json:"session_id"`
	ClientIP        string    `json:"client_ip"`
	LocationCountry string    `json:"location_country"`
	LocationRegion  string    `json:"location_region"`
	StartedAt       time.Time `json:"started_at"`
}

// SessionSummary is a Session plus the number of frames logged against it.
type SessionSummary struct {
	Session
	Frames int64 `json:"frames"`
}

// EmotionLogEntry is a single analyzed frame.
type EmotionLogEntry struct {
	ID           int64              `json:"entry_id"`
	SessionID    string             `json:"session_id"`
	Dominant     string             `json:"dominant_emotion"`
	Distribution map[string]float64 `json:"emotion_distribution"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Inference is the outcome of running the emotion model on one frame.
// It is either Detected or NoFace; callers switch on the concrete type.
type Inference interface {
	isInference()
}

// Detected carries the scores of the first face found in the frame.
// Scores are the model's native float32 values.
type Detected struct {
	Dominant string
	Scores   map[string]float32
}

// NoFace means the frame decoded fine but contained no detectable face.
type NoFace struct{}

func (Detected) isInference() {}
func (NoFace) isInference()   {}
