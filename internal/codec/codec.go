package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

var (
	ErrEmptyAudio        = errors.New("audio buffer is empty")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Format describes the container a synthesizer returned.
type Format struct {
	Container  string // wav or pcm
	SampleRate int
	Channels   int
}

// ParseFormat understands "wav", "pcm_<rate>" (16-bit little endian, mono)
// and "pcm" (rate and channels taken from the fallback).
func ParseFormat(name string, fallback Format) (Format, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "wav" || name == "audio/wav":
		return Format{Container: "wav"}, nil
	case name == "pcm" || name == "audio/pcm":
		if fallback.SampleRate <= 0 {
			return Format{}, fmt.Errorf("%w: pcm without sample rate", ErrUnsupportedFormat)
		}
		channels := fallback.Channels
		if channels <= 0 {
			channels = 1
		}
		return Format{Container: "pcm", SampleRate: fallback.SampleRate, Channels: channels}, nil
	case strings.HasPrefix(name, "pcm_"):
		rate, err := strconv.Atoi(strings.TrimPrefix(name, "pcm_"))
		if err != nil || rate <= 0 {
			return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
		}
		channels := fallback.Channels
		if channels <= 0 {
			channels = 1
		}
		return Format{Container: "pcm", SampleRate: rate, Channels: channels}, nil
	}
	return Format{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Encoder turns one frame of interleaved 16-bit samples into a wire payload.
type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
	Name() string
}

// EncoderFactory builds an encoder for a given stream shape.
type EncoderFactory func(sampleRate, channels int) (Encoder, error)

// PCMEncoder emits frames as raw 16-bit little endian samples.
func PCMEncoder(_, _ int) (Encoder, error) { return pcmEncoder{}, nil }

type pcmEncoder struct{}

func (pcmEncoder) Name() string { return "pcm_s16le" }

func (pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

// Sequence is an ordered, finite list of fixed-duration frames.
type Sequence struct {
	Frames        [][]byte
	FrameDuration time.Duration
	Duration      time.Duration
	SampleRate    int
	Channels      int
	Encoding      string
}

func (s Sequence) Len() int { return len(s.Frames) }

// Framer splits synthesized audio into encoded frames.
type Framer struct {
	FrameDuration time.Duration
	NewEncoder    EncoderFactory
}

func NewFramer(frameDuration time.Duration, factory EncoderFactory) Framer {
	if factory == nil {
		factory = PCMEncoder
	}
	return Framer{FrameDuration: frameDuration, NewEncoder: factory}
}

// Frames decodes data in the given format and cuts it into frames. The last
// frame is zero padded so every frame covers exactly FrameDuration.
func (f Framer) Frames(data []byte, format Format) (Sequence, error) {
	if len(data) == 0 {
		return Sequence{}, ErrEmptyAudio
	}
	if f.FrameDuration <= 0 {
		return Sequence{}, errors.New("frame duration must be positive")
	}
	samples, rate, channels, err := Decode(data, format)
	if err != nil {
		return Sequence{}, err
	}
	if len(samples) == 0 {
		return Sequence{}, ErrEmptyAudio
	}
	perFrame := int(int64(rate)*f.FrameDuration.Milliseconds()/1000) * channels
	if perFrame <= 0 {
		return Sequence{}, fmt.Errorf("%w: frame of %v at %dHz is empty", ErrUnsupportedFormat, f.FrameDuration, rate)
	}

	enc, err := f.NewEncoder(rate, channels)
	if err != nil {
		return Sequence{}, fmt.Errorf("create encoder: %w", err)
	}

	count := (len(samples) + perFrame - 1) / perFrame
	frames := make([][]byte, 0, count)
	window := make([]int16, perFrame)
	for start := 0; start < len(samples); start += perFrame {
		end := min(start+perFrame, len(samples))
		n := copy(window, samples[start:end])
		clear(window[n:])
		payload, err := enc.Encode(window)
		if err != nil {
			return Sequence{}, fmt.Errorf("encode frame %d: %w", len(frames), err)
		}
		frames = append(frames, payload)
	}

	return Sequence{
		Frames:        frames,
		FrameDuration: f.FrameDuration,
		Duration:      time.Duration(len(frames)) * f.FrameDuration,
		SampleRate:    rate,
		Channels:      channels,
		Encoding:      enc.Name(),
	}, nil
}

// Decode returns interleaved 16-bit samples plus the stream shape.
func Decode(data []byte, format Format) ([]int16, int, int, error) {
	switch format.Container {
	case "pcm":
		if len(data)%2 != 0 {
			data = data[:len(data)-1]
		}
		samples := make([]int16, len(data)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
		return samples, format.SampleRate, max(format.Channels, 1), nil
	case "wav":
		return decodeWAV(data)
	}
	return nil, 0, 0, fmt.Errorf("%w: container %q", ErrUnsupportedFormat, format.Container)
}

func decodeWAV(data []byte) ([]int16, int, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("%w: invalid wav file", ErrUnsupportedFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, 0, ErrEmptyAudio
	}
	shift := int(dec.BitDepth) - 16
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case dec.BitDepth == 8:
			samples[i] = int16((v - 128) << 8)
		case shift > 0:
			samples[i] = int16(v >> shift)
		default:
			samples[i] = int16(v)
		}
	}
	return samples, buf.Format.SampleRate, buf.Format.NumChannels, nil
}
