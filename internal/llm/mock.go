package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator echoes the prompt back, which keeps greetings verbatim.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return consumer(Chunk{
		Content: strings.TrimSpace(req.Prompt),
		Partial: false,
		Latency: 5 * time.Millisecond,
	})
}
