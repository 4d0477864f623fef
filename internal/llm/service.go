package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
)

// Composer turns a source message into the text that will be spoken. When
// generation is disabled or fails, the source text is used unchanged.
type Composer struct {
	cfg       config.LLMConfig
	generator Generator
	logger    *slog.Logger
}

func NewComposer(cfg config.LLMConfig, generator Generator, logger *slog.Logger) *Composer {
	return &Composer{
		cfg:       cfg,
		generator: generator,
		logger:    logger.With(slog.String("component", "llm")),
	}
}

// Compose returns the spoken text and whether the generator produced it.
func (c *Composer) Compose(ctx context.Context, trackID, source string) (string, bool) {
	if c == nil || !c.cfg.Enabled || c.generator == nil {
		return source, false
	}
	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req := RequestFromConfig(c.cfg, source)
	req.TrackID = trackID
	start := time.Now()
	text, err := Collect(ctx, c.generator, req)
	if err != nil {
		c.logger.Warn("llm generation failed, using source text", slogError(err))
		return source, false
	}
	c.logger.Info("llm generation complete", slog.Duration("latency", time.Since(start)))
	return text, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
