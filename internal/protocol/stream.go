package protocol

// Data-plane text messages framing each audio track on the socket.
const (
	StreamTypeTTS    = "tts"
	StreamStateStart = "start"
	StreamStateStop  = "stop"
)

// StreamControl is the JSON text message sent around a track's frames.
type StreamControl struct {
	Type            string `json:"type"`
	State           string `json:"state"`
	TrackID         string `json:"track_id"`
	SampleRate      int    `json:"sample_rate,omitempty"`
	Channels        int    `json:"channels,omitempty"`
	FrameDurationMS int    `json:"frame_duration_ms,omitempty"`
	Encoding        string `json:"encoding,omitempty"`
	Frames          int    `json:"frames,omitempty"`
}
