package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	defaultElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	defaultElevenLabsFormat  = "pcm_24000"
	elevenLabsReadSize       = 4096
)

// ElevenLabsConfig configures the ElevenLabs streaming synthesizer. Only the
// raw PCM output formats (pcm_<rate>) are accepted since frames are cut from
// 16-bit samples.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Stability    float64
	Clarity      float64
	HTTPClient   *http.Client
}

type elevenLabsSynth struct {
	cfg        ElevenLabsConfig
	sampleRate int
	client     *http.Client
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type elevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	VoiceSettings          elevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

func NewElevenLabs(cfg ElevenLabsConfig) (Synthesizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultElevenLabsBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultElevenLabsVoice
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultElevenLabsModel
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaultElevenLabsFormat
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Clarity == 0 {
		cfg.Clarity = 0.75
	}
	rate, err := strconv.Atoi(strings.TrimPrefix(cfg.OutputFormat, "pcm_"))
	if !strings.HasPrefix(cfg.OutputFormat, "pcm_") || err != nil || rate <= 0 {
		return nil, fmt.Errorf("elevenlabs output format %q is not raw pcm", cfg.OutputFormat)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &elevenLabsSynth{cfg: cfg, sampleRate: rate, client: client}, nil
}

func (e *elevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 8)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *elevenLabsSynth) stream(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("text cannot be empty")
	}
	voice := req.Voice
	if voice == "" {
		voice = e.cfg.VoiceID
	}
	body, err := json.Marshal(elevenLabsRequest{
		Text:                   req.Text,
		ModelID:                e.cfg.ModelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal elevenlabs request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		strings.TrimRight(e.cfg.APIBaseURL, "/"), url.PathEscape(voice), url.QueryEscape(e.cfg.OutputFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("elevenlabs returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	buf := make([]byte, elevenLabsReadSize)
	sequence := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			pcm := make([]byte, n)
			copy(pcm, buf[:n])
			select {
			case chunks <- SynthChunk{
				TrackID:    req.TrackID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   1,
				PCM:        pcm,
				Final:      errors.Is(readErr, io.EOF),
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
			sequence++
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read elevenlabs stream: %w", readErr)
		}
	}
}
