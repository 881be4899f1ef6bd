package rotation

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State keeps per-location fairness bookkeeping: the language round-robin
// cursor and the recently-used text fingerprints per (category, location)
// key that back the variation guarantee. All mutation is serialized; rotation
// counters are hit concurrently by every pipeline worker.
type State struct {
	mu      sync.Mutex
	cursors map[string]int
	recent  *lru.Cache[string, *history]
	clock   uint64
}

type history struct {
	lastUse map[string]uint64
}

const recentKeyLimit = 512

func NewState() *State {
	cache, _ := lru.New[string, *history](recentKeyLimit)
	return &State{
		cursors: make(map[string]int),
		recent:  cache,
	}
}

// NextLanguage advances the location's cursor and returns the language it
// landed on. Over any N consecutive calls with N >= len(languages), every
// configured language is returned at least once.
func (s *State) NextLanguage(location string, languages []string) string {
	if len(languages) == 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.cursors[location] % len(languages)
	s.cursors[location] = (idx + 1) % len(languages)
	return languages[idx]
}

// PickVariant returns the index of the template variant least recently used
// for the given (category, location) key. Never-used variants win over any
// used one; among equals the lowest index wins, keeping picks deterministic.
func (s *State) PickVariant(key string, variants []string) int {
	if len(variants) == 0 {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.historyFor(key)
	best := 0
	bestUse := ^uint64(0)
	for i, v := range variants {
		use, ok := h.lastUse[Fingerprint(v)]
		if !ok {
			return i
		}
		if use < bestUse {
			best = i
			bestUse = use
		}
	}
	return best
}

// RecordUse marks a text as just used for the key. AI-generated texts are
// recorded too, so template fallback after an AI run still rotates away from
// what was last shown.
func (s *State) RecordUse(key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.historyFor(key)
	s.clock++
	h.lastUse[Fingerprint(text)] = s.clock
	if len(h.lastUse) > 64 {
		h.compact()
	}
}

// Reset drops all cursors and fingerprints. Called only on explicit
// reconfiguration of the language set.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]int)
	s.recent.Purge()
	s.clock = 0
}

func (s *State) historyFor(key string) *history {
	if h, ok := s.recent.Get(key); ok {
		return h
	}
	h := &history{lastUse: make(map[string]uint64)}
	s.recent.Add(key, h)
	return h
}

// compact keeps the newest half of the fingerprints.
func (h *history) compact() {
	var cut uint64
	uses := make([]uint64, 0, len(h.lastUse))
	for _, u := range h.lastUse {
		uses = append(uses, u)
	}
	for _, u := range uses {
		cut += u
	}
	cut /= uint64(len(uses))
	for fp, u := range h.lastUse {
		if u < cut {
			delete(h.lastUse, fp)
		}
	}
}

func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Key builds the bookkeeping key for a (category, location) pair.
func Key(category, location string) string {
	return category + "|" + location
}
