// Package translator turns transcribed text into another language. A
// Translator never fails: when nothing can translate a phrase the original
// text comes back unchanged.
package translator

import (
	"context"
	"log/slog"
	"strings"
)

// Translator is the capability the call session depends on.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) string
}

// Step is one stage of a Chain. ok is false when the stage could not
// produce a translation and the next one should be tried.
type Step interface {
	TryTranslate(ctx context.Context, text, source, target string) (translated string, ok bool)
}

// Passthrough returns text as is.
type Passthrough struct{}

func (Passthrough) Translate(ctx context.Context, text, source, target string) string {
	return text
}

// Chain tries each step in order and falls back to the original text.
type Chain struct {
	steps  []Step
	logger *slog.Logger
}

// NewChain builds a translator from steps, tried first to last.
func NewChain(logger *slog.Logger, steps ...Step) *Chain {
	return &Chain{steps: steps, logger: logger}
}

func (c *Chain) Translate(ctx context.Context, text, source, target string) string {
	if strings.TrimSpace(text) == "" || SameLanguage(source, target) {
		return text
	}
	for i, step := range c.steps {
		if ctx.Err() != nil {
			break
		}
		if translated, ok := step.TryTranslate(ctx, text, source, target); ok {
			return translated
		}
		c.logger.Debug("translation step missed",
			"step", i,
			"source", source,
			"target", target,
		)
	}
	c.logger.Warn("no translation available, passing text through",
		"source", source,
		"target", target,
	)
	return text
}

// SameLanguage compares primary language subtags, so "en-US" and "en" match.
func SameLanguage(a, b string) bool {
	return primary(a) == primary(b)
}

func primary(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
