package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs an external command per greeting. The command reads one
// JSON request on stdin and answers with newline-delimited JSON chunks; the
// last one carries "final": true.
type execGenerator struct {
	cmd []string
}

type execRequest struct {
	TrackID     string  `json:"track_id"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type execChunk struct {
	TrackID          string `json:"track_id,omitempty"`
	Content          string `json:"content"`
	Final            bool   `json:"final"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		TrackID:     req.TrackID,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(input, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	readErr := readChunks(stdout, req.TrackID, started, consumer)
	if readErr != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("llm command failed: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("llm command failed: %w", waitErr)
	}
	return nil
}

func readChunks(stdout io.Reader, trackID string, started time.Time, consumer func(Chunk) error) error {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execChunk
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode llm chunk: %w", err)
		}
		if resp.TrackID != "" && resp.TrackID != trackID {
			return fmt.Errorf("llm chunk for track %q, want %q", resp.TrackID, trackID)
		}
		err := consumer(Chunk{
			Content:          resp.Content,
			Partial:          !resp.Final,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			Latency:          time.Since(started),
		})
		if err != nil {
			return err
		}
		if resp.Final {
			_, _ = io.Copy(io.Discard, stdout)
			return nil
		}
	}
	return scanner.Err()
}
