package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"civicbeacon/internal/config"
	"civicbeacon/internal/content"
	"civicbeacon/internal/model"
	"civicbeacon/internal/rotation"
)

const minDisplayDuration = 8 * time.Second

var ErrNoTemplate = errors.New("no template for category and language")

type Engine struct {
	cfg         *config.Manager
	templates   *content.Store
	rotation    *rotation.State
	generator   Generator
	synth       Synthesizer
	logger      *slog.Logger
	cloudAssist atomic.Bool
}

func NewEngine(cfg *config.Manager, templates *content.Store, rot *rotation.State, generator Generator, synth Synthesizer, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		templates: templates,
		rotation:  rot,
		generator: generator,
		synth:     synth,
		logger:    logger,
	}
}

// SetCloudAssist flips whether AI generation is attempted before the local
// template fallback. Offline mode runs templates only.
func (e *Engine) SetCloudAssist(enabled bool) {
	e.cloudAssist.Store(enabled)
}

func (e *Engine) CloudAssist() bool {
	return e.cloudAssist.Load()
}

// Generate produces one awareness message for a classified context. The AI
// attempt runs under a soft deadline and any failure falls back to the
// template variant least recently used for this (category, location). The
// returned message always has non-empty text and a display duration of at
// least eight seconds; a synthesis failure only disables audio.
func (e *Engine) Generate(ctx context.Context, c model.ClassifiedContext) (model.AwarenessMessage, error) {
	cfg := e.cfg.Get()
	set := e.templates.Snapshot()

	// rotate over the language set snapshotted at classification time so a
	// concurrent reconfiguration cannot retarget an in-flight detection
	languages := c.Languages
	if len(languages) == 0 {
		languages = cfg.Languages.Enabled
	}
	language := e.rotation.NextLanguage(c.Location, languages)
	if language == "" {
		language = cfg.Languages.Default
	}
	if !set.Has(c.Category, language) && language != cfg.Languages.Default {
		if e.logger != nil {
			e.logger.Info("language gap, using default",
				"category", c.Category,
				"language", language,
				"default", cfg.Languages.Default,
			)
		}
	}

	tpl, ok := set.Lookup(c.Category, language, cfg.Languages.Default)
	if !ok {
		return model.AwarenessMessage{}, fmt.Errorf("%w: %s/%s", ErrNoTemplate, c.Category, language)
	}

	tone := tpl.Tone
	if !model.ValidTone(tone) {
		tone = model.ToneInformative
	}

	key := rotation.Key(c.Category, c.Location)
	text, source := e.attemptAI(ctx, cfg, c, language, tone)
	if text == "" {
		idx := e.rotation.PickVariant(key, tpl.Variants)
		if idx < 0 {
			return model.AwarenessMessage{}, fmt.Errorf("%w: %s/%s has no variants", ErrNoTemplate, c.Category, language)
		}
		text = tpl.Variants[idx]
		source = model.SourceTemplate
	}
	e.rotation.RecordUse(key, text)

	duration := cfg.Generation.MinDisplayDuration
	if duration < minDisplayDuration {
		duration = minDisplayDuration
	}

	msg := model.AwarenessMessage{
		ID:              uuid.NewString(),
		Text:            text,
		Language:        language,
		Category:        c.Category,
		Location:        c.Location,
		Tone:            tone,
		DisplayDuration: duration,
		Priority:        c.Priority,
		Source:          source,
	}

	if e.synth != nil {
		audio, err := e.synth.Synthesize(ctx, msg.Text, msg.Language)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("tts failed, audio disabled for message",
					"message_id", msg.ID,
					"language", msg.Language,
					"err", err,
				)
			}
		} else {
			msg.Audio = audio
			msg.AudioEnabled = true
		}
	}
	return msg, nil
}

// attemptAI returns empty text when the fallback should take over. The call
// is bounded by the configured soft deadline and gated by the banned-content
// and tone check, with a bounded number of reject retries.
func (e *Engine) attemptAI(ctx context.Context, cfg *config.Config, c model.ClassifiedContext, language string, tone model.Tone) (string, model.MessageSource) {
	if e.generator == nil || !e.cloudAssist.Load() {
		return "", model.SourceTemplate
	}
	deadline := cfg.Generation.AITimeout
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	attempts := 1 + cfg.Generation.MaxRejects
	req := GenerationRequest{
		Category: c.Category,
		Language: language,
		Location: c.Location,
		Tone:     tone,
		Severity: c.Severity,
	}
	for i := 0; i < attempts; i++ {
		genCtx, cancel := context.WithTimeout(ctx, deadline)
		text, err := e.generator.Generate(genCtx, req)
		cancel()
		if err != nil {
			if e.logger != nil {
				e.logger.Debug("ai generation failed, falling back", "err", err, "attempt", i+1)
			}
			return "", model.SourceTemplate
		}
		if acceptable(text, cfg.Generation.BannedPhrases) {
			return strings.TrimSpace(text), model.SourceAI
		}
		if e.logger != nil {
			e.logger.Warn("ai output rejected by content gate", "attempt", i+1, "category", c.Category)
		}
	}
	return "", model.SourceTemplate
}

const maxGeneratedLen = 280

func acceptable(text string, banned []string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > maxGeneratedLen {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range banned {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}
