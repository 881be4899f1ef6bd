package prioritizer

import (
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"civicbeacon/internal/config"
	"civicbeacon/internal/model"
)

// Taxonomy is an immutable classification snapshot. Each Classify call reads
// exactly one snapshot, so a concurrent config swap never tears a decision.
type Taxonomy struct {
	categories map[string]bool
	aliases    map[string]string
	weight     float64
	optOuts    map[string]map[string]bool
	languages  []string
}

func BuildTaxonomy(cfg *config.Config) *Taxonomy {
	t := &Taxonomy{
		categories: make(map[string]bool, len(cfg.Taxonomy.Categories)),
		aliases:    make(map[string]string, len(cfg.Taxonomy.Aliases)),
		weight:     cfg.Taxonomy.SeverityWeight,
		optOuts:    make(map[string]map[string]bool, len(cfg.OptOuts)),
		languages:  append([]string(nil), cfg.Languages.Enabled...),
	}
	for _, c := range cfg.Taxonomy.Categories {
		t.categories[c] = true
	}
	for alias, target := range cfg.Taxonomy.Aliases {
		t.aliases[normalizeCategory(alias)] = target
	}
	for location, categories := range cfg.OptOuts {
		set := make(map[string]bool, len(categories))
		for _, c := range categories {
			set[c] = true
		}
		t.optOuts[location] = set
	}
	return t
}

func (t *Taxonomy) canonical(raw string) (string, bool) {
	c := normalizeCategory(raw)
	if t.categories[c] {
		return c, true
	}
	if target, ok := t.aliases[c]; ok {
		return target, true
	}
	return model.GeneralAwareness, false
}

func (t *Taxonomy) optedOut(location, category string) bool {
	set, ok := t.optOuts[location]
	if !ok {
		return false
	}
	return set[category]
}

type Prioritizer struct {
	logger      *slog.Logger
	taxonomy    atomic.Value
	optOutDrops atomic.Uint64
}

func New(cfg *config.Config, logger *slog.Logger) *Prioritizer {
	p := &Prioritizer{logger: logger}
	p.taxonomy.Store(BuildTaxonomy(cfg))
	return p
}

func (p *Prioritizer) UpdateConfig(cfg *config.Config) {
	p.taxonomy.Store(BuildTaxonomy(cfg))
}

func (p *Prioritizer) snapshot() *Taxonomy {
	return p.taxonomy.Load().(*Taxonomy)
}

// Classify maps a raw detection onto the canonical taxonomy. Unknown
// categories land in general_awareness and are logged for review, never
// rejected. A context whose canonical category is opted out at its location
// is dropped silently: ok=false, the drop counter bumps, and only the
// category and location survive for accounting.
func (p *Prioritizer) Classify(raw model.RawContext) (model.ClassifiedContext, bool) {
	t := p.snapshot()
	category, known := t.canonical(raw.Category)
	if !known && p.logger != nil {
		p.logger.Info("unmapped category remapped for review",
			"raw_category", raw.Category,
			"location", raw.Location,
		)
	}
	if t.optedOut(raw.Location, category) {
		p.optOutDrops.Add(1)
		return model.ClassifiedContext{Category: category, Location: raw.Location}, false
	}
	confidence := clamp01(raw.Confidence)
	return model.ClassifiedContext{
		Category:   category,
		Severity:   raw.Severity,
		Confidence: confidence,
		Location:   raw.Location,
		Priority:   score(raw.Severity, confidence, t.weight),
		Languages:  t.languages,
		Seq:        raw.Seq,
		EnqueuedAt: raw.Timestamp,
	}, true
}

// Prioritize orders a batch by descending priority. Equal scores keep
// arrival order, so the output is deterministic for a given input.
func (p *Prioritizer) Prioritize(batch []model.ClassifiedContext) []model.ClassifiedContext {
	out := append([]model.ClassifiedContext(nil), batch...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

func (p *Prioritizer) OptOutDrops() uint64 {
	return p.optOutDrops.Load()
}

// score keeps severity strictly dominant: the weight exceeds the maximum
// relevance contribution (confidence*10 <= 10), so ranks never interleave.
func score(severity model.Severity, confidence, weight float64) float64 {
	return float64(severity.Rank())*weight + confidence*10
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeCategory(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
