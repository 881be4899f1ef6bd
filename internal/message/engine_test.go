package message

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/content"
	"civicbeacon/internal/model"
	"civicbeacon/internal/rotation"
)

const testTemplates = `
version: "test"
templates:
  - category: littering
    language: en
    tone: reminder
    variants:
      - "Please use the bins provided."
      - "Help keep this park clean."
      - "Bins are located near every exit."
      - "A clean park is everyone's park."
  - category: littering
    language: es
    tone: reminder
    variants:
      - "Por favor use los contenedores."
      - "Ayude a mantener limpio el parque."
      - "Hay contenedores cerca de cada salida."
  - category: general_awareness
    language: en
    tone: informative
    variants:
      - "This is a shared public space."
      - "Thank you for keeping shared spaces pleasant."
      - "Community guidelines are posted at the entrance."
`

type fakeGenerator struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

type fakeSynth struct {
	fail bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if f.fail {
		return nil, errors.New("speaker driver unavailable")
	}
	return []byte("pcm:" + language), nil
}

func testEngine(t *testing.T, gen Generator, synth Synthesizer) (*Engine, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Languages.Enabled = []string{"en", "es"}
	cfg.Languages.Default = "en"
	cfg.Generation.AITimeout = 50 * time.Millisecond
	set, err := content.ParseSet([]byte(testTemplates))
	if err != nil {
		t.Fatalf("parse templates: %v", err)
	}
	eng := NewEngine(config.NewStaticManager(cfg), content.NewStaticStore(set), rotation.NewState(), gen, synth, nil)
	return eng, cfg
}

func classified(category, location string) model.ClassifiedContext {
	return model.ClassifiedContext{
		Category:   category,
		Severity:   model.SeverityHigh,
		Confidence: 0.9,
		Location:   location,
		Priority:   309,
		EnqueuedAt: time.Now(),
	}
}

func knownVariants() map[string]bool {
	set, _ := content.ParseSet([]byte(testTemplates))
	out := make(map[string]bool)
	for _, lang := range []string{"en", "es"} {
		if tpl, ok := set.Lookup("littering", lang, "en"); ok {
			for _, v := range tpl.Variants {
				out[v] = true
			}
		}
	}
	return out
}

func TestGenerateFallsBackOnTimeout(t *testing.T) {
	gen := &fakeGenerator{text: "never arrives", delay: time.Second}
	eng, _ := testEngine(t, gen, nil)
	eng.SetCloudAssist(true)

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Source != model.SourceTemplate {
		t.Fatalf("expected template fallback, got %s", msg.Source)
	}
	if !knownVariants()[msg.Text] {
		t.Fatalf("fallback text %q is not a known template variant", msg.Text)
	}
}

func TestGenerateFallsBackOnError(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unavailable")}
	eng, _ := testEngine(t, gen, nil)
	eng.SetCloudAssist(true)

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Source != model.SourceTemplate || !knownVariants()[msg.Text] {
		t.Fatalf("expected known template variant, got %q from %s", msg.Text, msg.Source)
	}
}

func TestGenerateUsesAIWhenAcceptable(t *testing.T) {
	gen := &fakeGenerator{text: "Please keep our park tidy."}
	eng, _ := testEngine(t, gen, nil)
	eng.SetCloudAssist(true)

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Source != model.SourceAI {
		t.Fatalf("expected ai source, got %s", msg.Source)
	}
	if msg.Text != "Please keep our park tidy." {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestGenerateRejectsBannedContent(t *testing.T) {
	gen := &fakeGenerator{text: "You there, stop being a nuisance"}
	eng, cfg := testEngine(t, gen, nil)
	cfg.Generation.BannedPhrases = []string{"you there"}
	eng.SetCloudAssist(true)

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Source != model.SourceTemplate {
		t.Fatalf("banned output should fall back to template, got %s", msg.Source)
	}
	if gen.calls != 1+cfg.Generation.MaxRejects {
		t.Fatalf("expected %d attempts, got %d", 1+cfg.Generation.MaxRejects, gen.calls)
	}
}

func TestOfflineSkipsAI(t *testing.T) {
	gen := &fakeGenerator{text: "Please keep our park tidy."}
	eng, _ := testEngine(t, gen, nil)
	eng.SetCloudAssist(false)

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("generator should not be called offline")
	}
	if msg.Source != model.SourceTemplate {
		t.Fatalf("expected template source offline")
	}
}

func TestDisplayDurationClamped(t *testing.T) {
	eng, cfg := testEngine(t, nil, nil)
	cfg.Generation.MinDisplayDuration = time.Second

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.DisplayDuration < 8*time.Second {
		t.Fatalf("display duration %v below 8s floor", msg.DisplayDuration)
	}
	if msg.Text == "" {
		t.Fatalf("text must never be empty")
	}
}

func TestSynthesisFailureDisablesAudioOnly(t *testing.T) {
	eng, _ := testEngine(t, nil, &fakeSynth{fail: true})

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("synthesis failure must not fail the message: %v", err)
	}
	if msg.AudioEnabled {
		t.Fatalf("audio should be disabled after synthesis failure")
	}
	if msg.Text == "" {
		t.Fatalf("text must survive synthesis failure")
	}
}

func TestSynthesisSuccessEnablesAudio(t *testing.T) {
	eng, _ := testEngine(t, nil, &fakeSynth{})

	msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !msg.AudioEnabled || len(msg.Audio) == 0 {
		t.Fatalf("expected audio enabled with payload")
	}
}

func TestLanguageRotationAcrossGenerations(t *testing.T) {
	eng, cfg := testEngine(t, nil, nil)
	seen := make(map[string]bool)
	for i := 0; i < len(cfg.Languages.Enabled); i++ {
		msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		seen[msg.Language] = true
	}
	for _, lang := range cfg.Languages.Enabled {
		if !seen[lang] {
			t.Fatalf("language %s unused over a full rotation", lang)
		}
	}
}

func TestGenerateHonorsClassificationLanguages(t *testing.T) {
	eng, cfg := testEngine(t, nil, nil)

	c := classified("littering", "parkA")
	c.Languages = []string{"en"}

	// a reconfiguration lands while the detection is still in flight
	cfg.Languages.Enabled = []string{"es"}
	cfg.Languages.Default = "es"

	msg, err := eng.Generate(context.Background(), c)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Language != "en" {
		t.Fatalf("expected language snapshotted at classification, got %s", msg.Language)
	}
}

func TestVariationAcrossRepeatedContexts(t *testing.T) {
	eng, cfg := testEngine(t, nil, nil)
	cfg.Languages.Enabled = []string{"en"}
	cfg.Languages.Default = "en"
	texts := make(map[string]bool)
	const runs = 4
	for i := 0; i < runs; i++ {
		msg, err := eng.Generate(context.Background(), classified("littering", "parkA"))
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		texts[msg.Text] = true
	}
	if ratio := float64(len(texts)) / runs; ratio < 0.7 {
		t.Fatalf("distinct text ratio %.2f below 0.7", ratio)
	}
}

func TestUnknownCategoryUsesGeneralAwareness(t *testing.T) {
	eng, cfg := testEngine(t, nil, nil)
	cfg.Languages.Enabled = []string{"en"}
	msg, err := eng.Generate(context.Background(), classified("general_awareness", "plaza"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if msg.Text == "" || msg.Category != "general_awareness" {
		t.Fatalf("expected general_awareness message, got %+v", msg)
	}
}
