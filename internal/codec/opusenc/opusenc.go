// Package opusenc adapts libopus to the codec.Encoder interface. It lives in
// its own package so the cgo dependency is only linked when opus is selected.
package opusenc

import (
	"fmt"
	"strings"

	"github.com/hraban/opus"
	"github.com/loqalabs/loqa-greeter/internal/codec"
)

// maxPacket is the largest opus packet libopus produces for one frame.
const maxPacket = 4000

type encoder struct {
	enc *opus.Encoder
	buf []byte
}

// Factory returns a codec.EncoderFactory for the named opus application
// ("voip", "audio" or "lowdelay").
func Factory(application string) (codec.EncoderFactory, error) {
	app, err := parseApplication(application)
	if err != nil {
		return nil, err
	}
	return func(sampleRate, channels int) (codec.Encoder, error) {
		enc, err := opus.NewEncoder(sampleRate, channels, app)
		if err != nil {
			return nil, fmt.Errorf("opus encoder %dHz/%dch: %w", sampleRate, channels, err)
		}
		return &encoder{enc: enc, buf: make([]byte, maxPacket)}, nil
	}, nil
}

func (e *encoder) Name() string { return "opus" }

func (e *encoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

func parseApplication(name string) (opus.Application, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "voip":
		return opus.AppVoIP, nil
	case "audio":
		return opus.AppAudio, nil
	case "lowdelay", "restricted_lowdelay":
		return opus.AppRestrictedLowdelay, nil
	}
	return 0, fmt.Errorf("unknown opus application %q", name)
}
