// Package prompt holds the summarization prompt templates, keyed by mode and
// locale.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Built-in modes
const (
	ModeSummary = "summary"
	ModeNotes   = "notes"
	ModeActions = "actions"
)

// FallbackLocale is used when no template matches the requested locale.
const FallbackLocale = "en"

var ErrUnknownMode = errors.New("prompt: unknown mode")

// Book maps mode -> locale -> template. It is read-only after construction.
type Book struct {
	modes map[string]map[string]string
}

// file is the on-disk YAML layout:
//
//	prompts:
//	  summary:
//	    en: "Summarize ..."
//	    de: "Fasse ..."
type file struct {
	Prompts map[string]map[string]string `yaml:"prompts"`
}

// Default returns the built-in templates.
func Default() *Book {
	return &Book{modes: map[string]map[string]string{
		ModeSummary: {
			"en": "Summarize the following transcript in a few sentences. Keep names, numbers and decisions.",
			"de": "Fasse das folgende Transkript in wenigen Sätzen zusammen. Behalte Namen, Zahlen und Entscheidungen bei.",
			"es": "Resume la siguiente transcripción en pocas frases. Conserva nombres, cifras y decisiones.",
		},
		ModeNotes: {
			"en": "Turn the following transcript into concise bullet-point notes.",
			"de": "Wandle das folgende Transkript in knappe Stichpunkte um.",
			"es": "Convierte la siguiente transcripción en notas breves con viñetas.",
		},
		ModeActions: {
			"en": "List the action items in the following transcript, one per line, with an owner if one is mentioned.",
			"de": "Liste die Aufgaben aus dem folgenden Transkript auf, eine pro Zeile, mit verantwortlicher Person falls genannt.",
			"es": "Enumera las tareas de la siguiente transcripción, una por línea, con responsable si se menciona.",
		},
	}}
}

// Load reads a YAML template file and layers it over the defaults.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	return Parse(data)
}

// Parse layers YAML templates over the defaults. Locale keys are
// canonicalized; invalid ones are rejected.
func Parse(data []byte) (*Book, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}

	b := Default()
	for mode, locales := range f.Prompts {
		if _, ok := b.modes[mode]; !ok {
			b.modes[mode] = make(map[string]string, len(locales))
		}
		for loc, text := range locales {
			tag, err := language.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("prompts.%s: invalid locale %q: %w", mode, loc, err)
			}
			if text == "" {
				return nil, fmt.Errorf("prompts.%s.%s: empty template", mode, loc)
			}
			b.modes[mode][tag.String()] = text
		}
	}
	return b, nil
}

// Lookup returns the template for mode closest to locale. An unparseable or
// unmatched locale falls back to FallbackLocale, or to any template of the
// mode when that is missing too.
func (b *Book) Lookup(locale, mode string) (string, error) {
	templates, ok := b.modes[mode]
	if !ok || len(templates) == 0 {
		return "", fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}

	keys := make([]string, 0, len(templates))
	for k := range templates {
		keys = append(keys, k)
	}
	// The matcher's first tag is its default.
	sort.Slice(keys, func(i, j int) bool {
		if (keys[i] == FallbackLocale) != (keys[j] == FallbackLocale) {
			return keys[i] == FallbackLocale
		}
		return keys[i] < keys[j]
	})

	tags := make([]language.Tag, len(keys))
	for i, k := range keys {
		tags[i] = language.Make(k)
	}

	want, err := language.Parse(locale)
	if err != nil {
		return templates[keys[0]], nil
	}
	_, idx, conf := language.NewMatcher(tags).Match(want)
	if conf == language.No {
		idx = 0
	}
	return templates[keys[idx]], nil
}

// Modes returns the known modes in sorted order.
func (b *Book) Modes() []string {
	out := make([]string, 0, len(b.modes))
	for m := range b.modes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// HasMode reports whether mode has at least one template.
func (b *Book) HasMode(mode string) bool {
	return len(b.modes[mode]) > 0
}
