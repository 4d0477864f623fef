package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-greeter/internal/config"
)

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, Request, func(Chunk) error) error {
	return errors.New("model offline")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMockEchoes(t *testing.T) {
	text, err := Collect(context.Background(), NewMockGenerator(), Request{Prompt: "  hello there "})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestComposerFallsBack(t *testing.T) {
	cfg := config.LLMConfig{Enabled: true, TimeoutMS: 1000}
	c := NewComposer(cfg, failingGenerator{}, testLogger())
	text, generated := c.Compose(context.Background(), "t", "welcome home")
	if text != "welcome home" || generated {
		t.Fatalf("expected fallback to source, got %q %v", text, generated)
	}
}

func TestComposerDisabled(t *testing.T) {
	c := NewComposer(config.LLMConfig{Enabled: false}, NewMockGenerator(), testLogger())
	if text, generated := c.Compose(context.Background(), "t", "hi"); text != "hi" || generated {
		t.Fatalf("disabled composer should pass through, got %q %v", text, generated)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintln(w, `{"response":"Good ","done":false}`)
		fmt.Fprintln(w, `{"response":"morning!","done":true,"eval_count":3}`)
	}))
	defer srv.Close()

	c := NewComposer(config.LLMConfig{Enabled: true, Mode: "ollama"}, NewOllamaGenerator(srv.URL, ""), testLogger())
	text, generated := c.Compose(context.Background(), "t", "say good morning")
	if !generated || text != "Good morning!" {
		t.Fatalf("unexpected composition %q %v", text, generated)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := Collect(context.Background(), NewOllamaGenerator(srv.URL, "m"), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for bad status")
	}
}

func TestNewGenerator(t *testing.T) {
	if _, err := NewGenerator(config.LLMConfig{Mode: "ollama", Endpoint: "http://x"}); err != nil {
		t.Fatalf("ollama: %v", err)
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "exec", Command: ""}); err == nil {
		t.Fatal("exec without command should fail")
	}
	if _, err := NewGenerator(config.LLMConfig{Mode: "gpt"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

// writeScript stores a shell script in a temp dir and returns a command
// line that runs it. The script sees its own path as $0.
func writeScript(t *testing.T, body string) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	path := filepath.Join(t.TempDir(), "generate.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return "sh " + path, path
}

const echoRequestScript = `read -r line
printf '%s\n' "$line" > "$0.req"
id=$(printf '%s' "$line" | sed -n 's/.*"track_id":"\([^"]*\)".*/\1/p')
`

func TestExecGeneratorStreamsChunks(t *testing.T) {
	command, path := writeScript(t, echoRequestScript+`printf '{"track_id":"%s","content":"Good "}\n' "$id"
printf '{"track_id":"%s","content":"morning!","final":true,"completion_tokens":2}\n' "$id"
`)
	cfg := config.LLMConfig{Enabled: true, Mode: "exec", Command: command, System: "be brief", TimeoutMS: 5000}
	gen, err := NewGenerator(cfg)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	text, generated := NewComposer(cfg, gen, testLogger()).Compose(context.Background(), "t-42", "say good morning")
	if !generated || text != "Good morning!" {
		t.Fatalf("unexpected composition %q %v", text, generated)
	}

	raw, err := os.ReadFile(path + ".req")
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.TrackID != "t-42" || req.Prompt != "say good morning" || req.System != "be brief" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestExecGeneratorReportsStderr(t *testing.T) {
	command, _ := writeScript(t, "cat >/dev/null\necho 'model missing' >&2\nexit 3\n")
	gen, err := NewExecGenerator(command)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = Collect(context.Background(), gen, Request{TrackID: "t-1", Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "model missing") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecGeneratorRejectsForeignTrack(t *testing.T) {
	command, _ := writeScript(t, echoRequestScript+`printf '{"track_id":"other","content":"hi","final":true}\n'
`)
	gen, err := NewExecGenerator(command)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := Collect(context.Background(), gen, Request{TrackID: "t-1", Prompt: "x"}); err == nil {
		t.Fatal("a chunk for another track must fail the generation")
	}
}
