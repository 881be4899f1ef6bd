package content

import (
	"strings"
	"testing"
)

const sampleYAML = `
version: "v7"
templates:
  - category: littering
    language: en
    tone: reminder
    variants:
      - "Please use the bins provided."
      - "Help keep this park clean."
      - "Bins are located near every exit."
  - category: general_awareness
    language: en
    tone: informative
    variants:
      - "Thank you for keeping shared spaces pleasant."
      - "This is a shared public space."
      - "Community guidelines are posted at the entrance."
`

func TestParseSetAndLookup(t *testing.T) {
	set, err := ParseSet([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if set.Version != "v7" {
		t.Fatalf("expected version v7, got %s", set.Version)
	}
	tpl, ok := set.Lookup("littering", "en", "en")
	if !ok || len(tpl.Variants) != 3 {
		t.Fatalf("expected littering/en template with 3 variants")
	}
}

func TestLookupFallsThroughToDefaultLanguage(t *testing.T) {
	set, err := ParseSet([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tpl, ok := set.Lookup("littering", "fr", "en")
	if !ok || tpl.Language != "en" {
		t.Fatalf("expected default-language fallback, got %+v ok=%v", tpl, ok)
	}
}

func TestLookupFallsThroughToGeneralAwareness(t *testing.T) {
	set, err := ParseSet([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tpl, ok := set.Lookup("queue_jumping", "en", "en")
	if !ok || tpl.Category != "general_awareness" {
		t.Fatalf("expected general_awareness fallback, got %+v ok=%v", tpl, ok)
	}
}

func TestParseSetRejectsTooFewVariants(t *testing.T) {
	bad := strings.Replace(sampleYAML, `      - "Bins are located near every exit."`, "", 1)
	if _, err := ParseSet([]byte(bad)); err == nil {
		t.Fatalf("expected rejection for template with two variants")
	}
}

func TestParseSetRejectsInvalidTone(t *testing.T) {
	bad := strings.Replace(sampleYAML, "tone: reminder", "tone: stern", 1)
	if _, err := ParseSet([]byte(bad)); err == nil {
		t.Fatalf("expected rejection for invalid tone")
	}
}

func TestStoreReplaceSwapsWholeSet(t *testing.T) {
	set, err := ParseSet([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	st := NewStaticStore(set)
	next, err := ParseSet([]byte(strings.Replace(sampleYAML, "v7", "v8", 1)))
	if err != nil {
		t.Fatalf("parse next: %v", err)
	}
	st.Replace(next)
	if st.Version() != "v8" {
		t.Fatalf("expected v8 after replace, got %s", st.Version())
	}
}
