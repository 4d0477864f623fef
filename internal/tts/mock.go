package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

const (
	mockMillisPerRune = 40
	mockMinDuration   = 300 * time.Millisecond
	mockMaxDuration   = 5 * time.Second
	mockToneHz        = 440.0
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth renders a sine tone whose length follows the text length.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		chunks <- SynthChunk{
			TrackID:    req.TrackID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        m.tone(mockDuration(req.Text)),
			Final:      true,
		}
	}()
	return chunks, errs
}

func mockDuration(text string) time.Duration {
	d := time.Duration(len([]rune(text))*mockMillisPerRune) * time.Millisecond
	return min(max(d, mockMinDuration), mockMaxDuration)
}

func (m *mockSynth) tone(d time.Duration) []byte {
	frames := int(int64(m.sampleRate) * d.Milliseconds() / 1000)
	out := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return out
}
