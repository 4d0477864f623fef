package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-greeter/internal/codec"
	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command once per utterance. The command reads
// one JSON request on stdin and writes newline-delimited JSON chunks of
// base64 audio on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	TrackID    string `json:"track_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execChunk struct {
	TrackID    string `json:"track_id,omitempty"`
	PCMBase64  string `json:"pcm_base64"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Final      bool   `json:"final"`
}

// maxExecLine bounds one stdout line; a second of 48kHz stereo in base64 fits.
const maxExecLine = 1 << 20

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	input, err := json.Marshal(execRequest{
		TrackID:    req.TrackID,
		Text:       req.Text,
		Voice:      req.Voice,
		Format:     fmt.Sprintf("pcm_%d", e.sampleRate),
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	streamErr := e.stream(ctx, req, stdout, out)
	if streamErr != nil {
		// Unblock a command still writing to a pipe nobody reads.
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil
}

func (e *execSynth) stream(ctx context.Context, req SynthRequest, stdout io.Reader, out chan<- SynthChunk) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxExecLine)
	sequence := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execChunk
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode tts chunk %d: %w", sequence, err)
		}
		if resp.TrackID != "" && resp.TrackID != req.TrackID {
			return fmt.Errorf("tts chunk for track %q, want %q", resp.TrackID, req.TrackID)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode tts audio %d: %w", sequence, err)
		}
		chunk := SynthChunk{
			TrackID:    req.TrackID,
			Sequence:   sequence,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			Format:     resp.Format,
			PCM:        pcm,
			Final:      resp.Final,
		}
		if resp.SampleRate > 0 {
			chunk.SampleRate = resp.SampleRate
		}
		if resp.Channels > 0 {
			chunk.Channels = resp.Channels
		}
		if resp.Format != "" {
			if _, err := codec.ParseFormat(resp.Format, codec.Format{SampleRate: chunk.SampleRate, Channels: chunk.Channels}); err != nil {
				return err
			}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		sequence++
		if resp.Final {
			_, _ = io.Copy(io.Discard, stdout)
			return nil
		}
	}
	return scanner.Err()
}
