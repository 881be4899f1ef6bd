package prioritizer

import (
	"testing"
	"time"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Taxonomy.Categories = []string{"littering", "noise_disturbance", "queue_jumping"}
	cfg.Taxonomy.Aliases = map[string]string{"littering_raw": "littering"}
	cfg.Taxonomy.SeverityWeight = 100
	cfg.OptOuts = map[string][]string{"parkA": {"noise_disturbance"}}
	return cfg
}

func raw(category string, confidence float64, severity model.Severity, location string, seq uint64) model.RawContext {
	return model.RawContext{
		Category:   category,
		Confidence: confidence,
		Severity:   severity,
		Location:   location,
		Timestamp:  time.Now(),
		Seq:        seq,
	}
}

func TestClassifyAlias(t *testing.T) {
	p := New(testConfig(), nil)
	c, ok := p.Classify(raw("littering_raw", 0.9, model.SeverityHigh, "parkA", 1))
	if !ok {
		t.Fatalf("expected classification")
	}
	if c.Category != "littering" {
		t.Fatalf("expected littering, got %s", c.Category)
	}
}

func TestClassifyUnknownMapsToGeneralAwareness(t *testing.T) {
	p := New(testConfig(), nil)
	c, ok := p.Classify(raw("jaywalking", 0.5, model.SeverityLow, "plaza", 1))
	if !ok {
		t.Fatalf("expected classification")
	}
	if c.Category != model.GeneralAwareness {
		t.Fatalf("expected general_awareness, got %s", c.Category)
	}
}

func TestClassifyNeverEmptyCategory(t *testing.T) {
	p := New(testConfig(), nil)
	for _, name := range []string{"", "  ", "LITTERING", "???"} {
		c, ok := p.Classify(raw(name, 0.5, model.SeverityLow, "plaza", 1))
		if !ok {
			t.Fatalf("unexpected drop for %q", name)
		}
		if c.Category == "" {
			t.Fatalf("empty category for input %q", name)
		}
	}
}

func TestOptOutDropsSilently(t *testing.T) {
	p := New(testConfig(), nil)
	_, ok := p.Classify(raw("noise_disturbance", 0.9, model.SeverityHigh, "parkA", 1))
	if ok {
		t.Fatalf("expected opt-out drop")
	}
	if p.OptOutDrops() != 1 {
		t.Fatalf("expected drop counter 1, got %d", p.OptOutDrops())
	}
	// same category elsewhere is unaffected
	if _, ok := p.Classify(raw("noise_disturbance", 0.9, model.SeverityHigh, "parkB", 2)); !ok {
		t.Fatalf("unexpected drop outside opted-out location")
	}
}

func TestSeverityDominatesConfidence(t *testing.T) {
	p := New(testConfig(), nil)
	low, _ := p.Classify(raw("littering", 1.0, model.SeverityLow, "plaza", 1))
	high, _ := p.Classify(raw("littering", 0.0, model.SeverityHigh, "plaza", 2))
	if high.Priority <= low.Priority {
		t.Fatalf("high severity %v should outrank low severity %v", high.Priority, low.Priority)
	}
}

func TestPrioritizeStableOrdering(t *testing.T) {
	p := New(testConfig(), nil)
	var batch []model.ClassifiedContext
	inputs := []struct {
		severity   model.Severity
		confidence float64
		seq        uint64
	}{
		{model.SeverityLow, 0.5, 1},
		{model.SeverityHigh, 0.2, 2},
		{model.SeverityMedium, 0.9, 3},
		{model.SeverityHigh, 0.2, 4}, // same score as seq 2
		{model.SeverityHigh, 0.9, 5},
	}
	for _, in := range inputs {
		c, ok := p.Classify(raw("littering", in.confidence, in.severity, "plaza", in.seq))
		if !ok {
			t.Fatalf("unexpected drop")
		}
		batch = append(batch, c)
	}
	ordered := p.Prioritize(batch)
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Priority > ordered[i-1].Priority {
			t.Fatalf("priority increased at index %d", i)
		}
	}
	// equal-score entries keep arrival order
	var equalSeqs []uint64
	for _, c := range ordered {
		if c.Severity == model.SeverityHigh && c.Confidence == 0.2 {
			equalSeqs = append(equalSeqs, c.Seq)
		}
	}
	if len(equalSeqs) != 2 || equalSeqs[0] != 2 || equalSeqs[1] != 4 {
		t.Fatalf("expected FIFO tie-break [2 4], got %v", equalSeqs)
	}
	if ordered[0].Seq != 5 {
		t.Fatalf("expected highest severity+confidence first, got seq %d", ordered[0].Seq)
	}
}

func TestConfidenceClamped(t *testing.T) {
	p := New(testConfig(), nil)
	c, _ := p.Classify(raw("littering", 4.2, model.SeverityLow, "plaza", 1))
	if c.Confidence != 1 {
		t.Fatalf("expected clamped confidence 1, got %v", c.Confidence)
	}
}

func TestUpdateConfigSwapsOptOuts(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil)
	next := testConfig()
	next.OptOuts = map[string][]string{"plaza": {"littering"}}
	p.UpdateConfig(next)
	if _, ok := p.Classify(raw("littering", 0.9, model.SeverityHigh, "plaza", 1)); ok {
		t.Fatalf("expected drop after opt-out update")
	}
	if _, ok := p.Classify(raw("noise_disturbance", 0.9, model.SeverityHigh, "parkA", 2)); !ok {
		t.Fatalf("old opt-out should no longer apply")
	}
}
