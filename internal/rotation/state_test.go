package rotation

import "testing"

func TestLanguageRoundRobinCoversAll(t *testing.T) {
	s := NewState()
	languages := []string{"en", "es", "fr", "hi", "ar"}
	seen := make(map[string]int)
	for i := 0; i < len(languages); i++ {
		seen[s.NextLanguage("parkA", languages)]++
	}
	for _, lang := range languages {
		if seen[lang] != 1 {
			t.Fatalf("language %s used %d times in one full rotation", lang, seen[lang])
		}
	}
}

func TestLanguageCursorsIndependentPerLocation(t *testing.T) {
	s := NewState()
	languages := []string{"en", "es"}
	if got := s.NextLanguage("parkA", languages); got != "en" {
		t.Fatalf("expected en, got %s", got)
	}
	if got := s.NextLanguage("parkB", languages); got != "en" {
		t.Fatalf("parkB cursor should start fresh, got %s", got)
	}
	if got := s.NextLanguage("parkA", languages); got != "es" {
		t.Fatalf("expected es, got %s", got)
	}
}

func TestPickVariantLeastRecentlyUsed(t *testing.T) {
	s := NewState()
	key := Key("littering", "parkA")
	variants := []string{"a", "b", "c"}

	first := s.PickVariant(key, variants)
	if first != 0 {
		t.Fatalf("expected unused variant 0 first, got %d", first)
	}
	s.RecordUse(key, variants[first])

	second := s.PickVariant(key, variants)
	if second != 1 {
		t.Fatalf("expected variant 1, got %d", second)
	}
	s.RecordUse(key, variants[second])

	third := s.PickVariant(key, variants)
	if third != 2 {
		t.Fatalf("expected variant 2, got %d", third)
	}
	s.RecordUse(key, variants[third])

	// all used once; the oldest use rotates back in
	fourth := s.PickVariant(key, variants)
	if fourth != 0 {
		t.Fatalf("expected oldest variant 0, got %d", fourth)
	}
}

func TestVariationDistinctnessOverRepeats(t *testing.T) {
	s := NewState()
	key := Key("littering", "parkA")
	variants := []string{"v1", "v2", "v3"}
	texts := make(map[string]bool)
	const runs = 4
	for i := 0; i < runs; i++ {
		idx := s.PickVariant(key, variants)
		s.RecordUse(key, variants[idx])
		texts[variants[idx]] = true
	}
	if ratio := float64(len(texts)) / runs; ratio < 0.7 {
		t.Fatalf("distinctness %.2f below 0.7", ratio)
	}
}

func TestResetClearsCursors(t *testing.T) {
	s := NewState()
	languages := []string{"en", "es"}
	s.NextLanguage("parkA", languages)
	s.Reset()
	if got := s.NextLanguage("parkA", languages); got != "en" {
		t.Fatalf("expected cursor reset to en, got %s", got)
	}
}
