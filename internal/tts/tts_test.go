package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
)

func TestMockSynthLength(t *testing.T) {
	audio, err := Collect(context.Background(), NewMockSynth(16000, 1), SynthRequest{Text: strings.Repeat("a", 25)})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	// 25 runes at 40ms each is one second of 16kHz mono.
	if len(audio.Data) != 16000*2 {
		t.Fatalf("expected 32000 bytes, got %d", len(audio.Data))
	}
	if audio.Format.Container != "pcm" || audio.Format.SampleRate != 16000 || audio.Format.Channels != 1 {
		t.Fatalf("unexpected format %+v", audio.Format)
	}
}

func TestMockDurationBounds(t *testing.T) {
	if d := mockDuration("hi"); d != mockMinDuration {
		t.Fatalf("short text should use minimum, got %v", d)
	}
	if d := mockDuration(strings.Repeat("x", 10000)); d != mockMaxDuration {
		t.Fatalf("long text should be capped, got %v", d)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, NewMockSynth(16000, 1), SynthRequest{Text: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestElevenLabsStream(t *testing.T) {
	var gotKey, gotFormat string
	var gotReq elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write(make([]byte, 4800))
	}))
	defer srv.Close()

	synth, err := NewElevenLabs(ElevenLabsConfig{APIKey: "secret", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	audio, err := Collect(ctx, synth, SynthRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if gotKey != "secret" || gotFormat != "pcm_24000" || gotReq.Text != "hello" {
		t.Fatalf("unexpected request key=%q format=%q body=%+v", gotKey, gotFormat, gotReq)
	}
	if len(audio.Data) != 4800 || audio.Format.SampleRate != 24000 {
		t.Fatalf("unexpected audio %d bytes at %d", len(audio.Data), audio.Format.SampleRate)
	}
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	synth, _ := NewElevenLabs(ElevenLabsConfig{APIKey: "k", APIBaseURL: srv.URL})
	_, err := Collect(context.Background(), synth, SynthRequest{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewSynthesizer(t *testing.T) {
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "elevenlabs"}); err == nil {
		t.Fatal("elevenlabs without key should fail")
	}
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "elevenlabs", APIKey: "k", OutputFormat: "mp3_44100_128"}); err == nil {
		t.Fatal("compressed output formats should be rejected")
	}
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "robot"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func writeScript(t *testing.T, body string) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	path := filepath.Join(t.TempDir(), "speak.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path, path
}

func TestExecSynthStreamsChunks(t *testing.T) {
	// Two chunks of four bytes each, tagged with the request's track id.
	command, path := writeScript(t, `read -r line
printf '%s\n' "$line" > "$0.req"
id=$(printf '%s' "$line" | sed -n 's/.*"track_id":"\([^"]*\)".*/\1/p')
printf '{"track_id":"%s","pcm_base64":"AAECAw==","format":"pcm_22050"}\n' "$id"
printf '{"track_id":"%s","pcm_base64":"BAUGBw==","format":"pcm_22050","final":true}\n' "$id"
`)
	synth, err := NewSynthesizer(config.TTSConfig{Mode: "exec", Command: command, SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	audio, err := Collect(ctx, synth, SynthRequest{TrackID: "t-7", Text: "good evening", Voice: "ava"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if string(audio.Data) != "\x00\x01\x02\x03\x04\x05\x06\x07" {
		t.Fatalf("unexpected audio %v", audio.Data)
	}
	if audio.Format.Container != "pcm" || audio.Format.SampleRate != 22050 || audio.Format.Channels != 1 {
		t.Fatalf("unexpected format %+v", audio.Format)
	}

	raw, err := os.ReadFile(path + ".req")
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	want := execRequest{TrackID: "t-7", Text: "good evening", Voice: "ava", Format: "pcm_16000", SampleRate: 16000, Channels: 1}
	if req != want {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestExecSynthFailures(t *testing.T) {
	for name, body := range map[string]string{
		"exit status":    "cat >/dev/null\necho 'voice not installed' >&2\nexit 2\n",
		"foreign track":  "cat >/dev/null\nprintf '{\"track_id\":\"other\",\"pcm_base64\":\"AAAA\",\"final\":true}\\n'\n",
		"unknown format": "cat >/dev/null\nprintf '{\"pcm_base64\":\"AAAA\",\"format\":\"mp3\",\"final\":true}\\n'\n",
		"bad base64":     "cat >/dev/null\nprintf '{\"pcm_base64\":\"***\",\"final\":true}\\n'\n",
	} {
		command, _ := writeScript(t, body)
		synth, err := NewExecSynth(command, 16000, 1)
		if err != nil {
			t.Fatalf("%s: new: %v", name, err)
		}
		_, err = Collect(context.Background(), synth, SynthRequest{TrackID: "t-1", Text: "hi"})
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if name == "exit status" && !strings.Contains(err.Error(), "voice not installed") {
			t.Fatalf("stderr should be part of the error, got %v", err)
		}
	}
}
