package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/loqalabs/loqa-greeter/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	TrackID string
	Text    string
	Voice   string
}

// SynthChunk contains audio data. Format is empty for raw 16-bit PCM, or a
// container name such as "wav".
type SynthChunk struct {
	TrackID    string
	Sequence   int
	SampleRate int
	Channels   int
	Format     string
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Audio is a complete synthesized utterance.
type Audio struct {
	Data   []byte
	Format codec.Format
}

var ErrNoAudio = errors.New("synthesizer produced no audio")

// Collect drains a synthesis into one buffer.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (Audio, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var audio Audio
	for chunks != nil || errs != nil {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if audio.Format.Container == "" {
				audio.Format = chunkFormat(chunk)
			}
			audio.Data = append(audio.Data, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return Audio{}, err
			}
		}
	}
	if len(audio.Data) == 0 {
		return Audio{}, ErrNoAudio
	}
	return audio, nil
}

func chunkFormat(chunk SynthChunk) codec.Format {
	if chunk.Format != "" && chunk.Format != "pcm" {
		f, err := codec.ParseFormat(chunk.Format, codec.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels})
		if err == nil {
			return f
		}
	}
	return codec.Format{Container: "pcm", SampleRate: chunk.SampleRate, Channels: max(chunk.Channels, 1)}
}

// NewSynthesizer picks the backend named by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "elevenlabs":
		return NewElevenLabs(ElevenLabsConfig{
			APIKey:       cfg.APIKey,
			APIBaseURL:   cfg.APIBaseURL,
			VoiceID:      cfg.Voice,
			ModelID:      cfg.ModelID,
			OutputFormat: cfg.OutputFormat,
		})
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}
