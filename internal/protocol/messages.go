package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire values of the control plane.
const (
	CommandSpeak      = "SPEAK"
	EventCmdReceived  = "CMD_RECEIVED"
	EventSpeakDone    = "EVT_SPEAK_DONE"
	DefaultPrefix     = "device"
	channelCommand    = "cmd"
	channelAck        = "ack"
	channelEvent      = "event"
	subjectWildcardID = "*"
)

var (
	ErrMalformed       = errors.New("malformed control message")
	ErrMissingTrackID  = errors.New("control message missing track_id")
	ErrUnknownEvent    = errors.New("unknown control event")
	ErrInvalidDeviceID = errors.New("invalid device id")
)

// SpeakCommand is published to a device's command subject.
type SpeakCommand struct {
	Cmd     string `json:"cmd"`
	Text    string `json:"text"`
	TrackID string `json:"track_id"`
}

type inboundMessage struct {
	Evt       string          `json:"evt"`
	TrackID   string          `json:"track_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Status    string          `json:"status,omitempty"`
}

// Event is a parsed inbound control message. The concrete types are Ack and
// SpeakDone; consumers dispatch with a type switch.
type Event interface {
	Track() string
	Device() string
	isEvent()
}

// Ack confirms a device received a command.
type Ack struct {
	DeviceID   string
	TrackID    string
	SentAt     time.Time
	ReceivedAt time.Time
}

// SpeakDone reports the device finished playing a track.
type SpeakDone struct {
	DeviceID   string
	TrackID    string
	Status     string
	SentAt     time.Time
	ReceivedAt time.Time
}

func (a Ack) Track() string        { return a.TrackID }
func (a Ack) Device() string       { return a.DeviceID }
func (Ack) isEvent()               {}
func (d SpeakDone) Track() string  { return d.TrackID }
func (d SpeakDone) Device() string { return d.DeviceID }
func (SpeakDone) isEvent()         {}

// Failed reports whether the device flagged the playback as unsuccessful.
func (d SpeakDone) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(d.Status)) {
	case "", "ok", "done", "success", "completed":
		return false
	}
	return true
}

// Subjects builds the per-device subjects under a prefix.
type Subjects struct {
	Prefix string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Subjects{Prefix: prefix}
}

func (s Subjects) Command(deviceID string) string { return s.join(deviceID, channelCommand) }
func (s Subjects) Ack(deviceID string) string     { return s.join(deviceID, channelAck) }
func (s Subjects) Event(deviceID string) string   { return s.join(deviceID, channelEvent) }
func (s Subjects) AllAcks() string                { return s.join(subjectWildcardID, channelAck) }
func (s Subjects) AllEvents() string              { return s.join(subjectWildcardID, channelEvent) }
func (s Subjects) AllCommands() string            { return s.join(subjectWildcardID, channelCommand) }

func (s Subjects) join(deviceID, channel string) string {
	return s.Prefix + "." + deviceID + "." + channel
}

// Split extracts the device id and channel from a subject built by Subjects.
func (s Subjects) Split(subject string) (deviceID, channel string, ok bool) {
	rest, found := strings.CutPrefix(subject, s.Prefix+".")
	if !found {
		return "", "", false
	}
	idx := strings.LastIndexByte(rest, '.')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ValidateDeviceID rejects ids that cannot be used as a single subject token.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if strings.ContainsAny(deviceID, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	return nil
}

// EncodeSpeak marshals a SPEAK command.
func EncodeSpeak(trackID, text string) ([]byte, error) {
	return json.Marshal(SpeakCommand{Cmd: CommandSpeak, Text: text, TrackID: trackID})
}

// Parse turns a raw inbound message into an Event. The subject supplies the
// device id and selects which event kinds are accepted on that channel.
func (s Subjects) Parse(subject string, data []byte, receivedAt time.Time) (Event, error) {
	deviceID, channel, ok := s.Split(subject)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected subject %q", ErrMalformed, subject)
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(msg.TrackID) == "" {
		return nil, ErrMissingTrackID
	}
	sentAt := parseTimestamp(msg.Timestamp, receivedAt)

	switch {
	case msg.Evt == EventCmdReceived && channel == channelAck:
		return Ack{DeviceID: deviceID, TrackID: msg.TrackID, SentAt: sentAt, ReceivedAt: receivedAt}, nil
	case msg.Evt == EventSpeakDone && channel == channelEvent:
		return SpeakDone{DeviceID: deviceID, TrackID: msg.TrackID, Status: msg.Status, SentAt: sentAt, ReceivedAt: receivedAt}, nil
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownEvent, msg.Evt, channel)
	}
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds,
// quoted or bare. A missing or unreadable timestamp falls back to receivedAt.
func parseTimestamp(raw json.RawMessage, receivedAt time.Time) time.Time {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return receivedAt
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return receivedAt
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// DeviceMessage is what a device publishes on its ack and event subjects.
type DeviceMessage struct {
	Evt       string `json:"evt"`
	TrackID   string `json:"track_id"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// EncodeAck marshals a CMD_RECEIVED acknowledgement.
func EncodeAck(trackID string, at time.Time) ([]byte, error) {
	return json.Marshal(DeviceMessage{Evt: EventCmdReceived, TrackID: trackID, Timestamp: at.UTC().Format(time.RFC3339Nano)})
}

// EncodeSpeakDone marshals an EVT_SPEAK_DONE event.
func EncodeSpeakDone(trackID, status string, at time.Time) ([]byte, error) {
	return json.Marshal(DeviceMessage{Evt: EventSpeakDone, TrackID: trackID, Status: status, Timestamp: at.UTC().Format(time.RFC3339Nano)})
}

// ParseSpeak decodes a command received by a device.
func ParseSpeak(data []byte) (SpeakCommand, error) {
	var cmd SpeakCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return SpeakCommand{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.Cmd != CommandSpeak {
		return SpeakCommand{}, fmt.Errorf("%w: command %q", ErrUnknownEvent, cmd.Cmd)
	}
	if strings.TrimSpace(cmd.TrackID) == "" {
		return SpeakCommand{}, ErrMissingTrackID
	}
	return cmd, nil
}
