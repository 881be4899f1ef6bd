package content

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"civicbeacon/internal/model"
)

// Set is an immutable template snapshot, keyed by category then language.
type Set struct {
	Version   string
	templates map[string]map[string]model.Template
}

type fileFormat struct {
	Version   string           `yaml:"version" json:"version"`
	Templates []model.Template `yaml:"templates" json:"templates"`
}

// minVariants keeps the variation guarantee honest: rotating over fewer than
// three variants cannot hold 70% distinct text across four consecutive
// messages.
const minVariants = 3

func ParseSet(data []byte) (*Set, error) {
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, err
	}
	if len(ff.Templates) == 0 {
		return nil, errors.New("template file contains no templates")
	}
	set := &Set{
		Version:   ff.Version,
		templates: make(map[string]map[string]model.Template),
	}
	for _, tpl := range ff.Templates {
		if strings.TrimSpace(tpl.Category) == "" || strings.TrimSpace(tpl.Language) == "" {
			return nil, errors.New("template missing category or language")
		}
		if !model.ValidTone(tpl.Tone) {
			return nil, fmt.Errorf("template %s/%s has invalid tone %q", tpl.Category, tpl.Language, tpl.Tone)
		}
		if len(tpl.Variants) < minVariants {
			return nil, fmt.Errorf("template %s/%s needs at least %d variants", tpl.Category, tpl.Language, minVariants)
		}
		for _, v := range tpl.Variants {
			if strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("template %s/%s has an empty variant", tpl.Category, tpl.Language)
			}
		}
		byLang, ok := set.templates[tpl.Category]
		if !ok {
			byLang = make(map[string]model.Template)
			set.templates[tpl.Category] = byLang
		}
		byLang[tpl.Language] = tpl
	}
	return set, nil
}

// Lookup resolves (category, language), falling through to the default
// language and finally to the general_awareness templates so a generation
// call never comes back without a body.
func (s *Set) Lookup(category, language, defaultLanguage string) (model.Template, bool) {
	for _, cat := range []string{category, model.GeneralAwareness} {
		byLang, ok := s.templates[cat]
		if !ok {
			continue
		}
		if tpl, ok := byLang[language]; ok {
			return tpl, true
		}
		if tpl, ok := byLang[defaultLanguage]; ok {
			return tpl, true
		}
	}
	return model.Template{}, false
}

func (s *Set) Has(category, language string) bool {
	byLang, ok := s.templates[category]
	if !ok {
		return false
	}
	_, ok = byLang[language]
	return ok
}

// Store holds the active Set behind an atomic pointer; readers take one
// snapshot per generation and never observe a mid-flight swap.
type Store struct {
	path    string
	snap    atomic.Value
	modTime time.Time
}

func NewStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set, err := ParseSet(data)
	if err != nil {
		return nil, err
	}
	st := &Store{path: path}
	st.snap.Store(set)
	if info, err := os.Stat(path); err == nil {
		st.modTime = info.ModTime()
	}
	return st, nil
}

// NewStaticStore wraps an in-memory set, mainly for tests and embedded use.
func NewStaticStore(set *Set) *Store {
	st := &Store{}
	st.snap.Store(set)
	return st
}

func (st *Store) Snapshot() *Set {
	return st.snap.Load().(*Set)
}

func (st *Store) Version() string {
	return st.Snapshot().Version
}

// Replace validates nothing: the set was already parsed. Whole-set swap only,
// no partial application.
func (st *Store) Replace(set *Set) {
	if set != nil {
		st.snap.Store(set)
	}
}

func (st *Store) Reload() error {
	if st.path == "" {
		return errors.New("no template path configured")
	}
	data, err := os.ReadFile(st.path)
	if err != nil {
		return err
	}
	set, err := ParseSet(data)
	if err != nil {
		return err
	}
	st.snap.Store(set)
	if info, err := os.Stat(st.path); err == nil {
		st.modTime = info.ModTime()
	}
	return nil
}

func (st *Store) NeedsReload() (bool, error) {
	if st.path == "" {
		return false, nil
	}
	info, err := os.Stat(st.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(st.modTime), nil
}
