package translator

import (
	"context"
	"strings"
	"sync"
)

type langPair struct {
	source string
	target string
}

// Dictionary translates whole phrases from a fixed table. Lookups ignore
// case, surrounding space and trailing punctuation.
type Dictionary struct {
	mu      sync.RWMutex
	phrases map[langPair]map[string]string
}

func NewDictionary() *Dictionary {
	return &Dictionary{phrases: make(map[langPair]map[string]string)}
}

// Add registers phrase in source as translation in target.
func (d *Dictionary) Add(source, target, phrase, translation string) {
	pair := langPair{primary(source), primary(target)}

	d.mu.Lock()
	defer d.mu.Unlock()
	table, ok := d.phrases[pair]
	if !ok {
		table = make(map[string]string)
		d.phrases[pair] = table
	}
	table[normalize(phrase)] = translation
}

func (d *Dictionary) TryTranslate(ctx context.Context, text, source, target string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	translated, ok := d.phrases[langPair{primary(source), primary(target)}][normalize(text)]
	return translated, ok
}

func (d *Dictionary) Translate(ctx context.Context, text, source, target string) string {
	if translated, ok := d.TryTranslate(ctx, text, source, target); ok {
		return translated
	}
	return text
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?¡¿ "))
}

// Common holds greetings and call phrases in both directions for English
// paired with Spanish and French.
func Common() *Dictionary {
	d := NewDictionary()
	pairs := []struct {
		lang    string
		english string
		other   string
	}{
		{"es", "hello", "hola"},
		{"es", "good morning", "buenos días"},
		{"es", "thank you", "gracias"},
		{"es", "can you hear me", "¿me escuchas?"},
		{"es", "goodbye", "adiós"},
		{"fr", "hello", "bonjour"},
		{"fr", "thank you", "merci"},
		{"fr", "can you hear me", "tu m'entends ?"},
		{"fr", "goodbye", "au revoir"},
	}
	for _, p := range pairs {
		d.Add("en", p.lang, p.english, p.other)
		d.Add(p.lang, "en", p.other, p.english)
	}
	return d
}
